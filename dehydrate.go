/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package machweb

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

const (
	functionMarker = "[function]"
	channelMarker  = "[channel]"
	circularMarker = "[circular]"
	opaqueMarker   = "[opaque]"
)

// Dehydrate converts an arbitrary runtime value into a form that encodes cleanly as JSON.
// The conversion is lossy by documented rules:
//
//   - functions become the "[function]" marker, channels the "[channel]" marker
//   - circular references are broken with the "[circular]" marker
//   - NaN and +/-Inf normalize to 0
//   - map keys are stringified, structs become maps of their exported fields honoring
//     json tag names, and error values become their Error() string
//   - values implementing json.Marshaler or encoding.TextMarshaler pass through untouched
//
// Dehydrate never panics and performs no I/O.
func Dehydrate(value interface{}) interface{} {
	return dehydrate(value, map[uintptr]bool{})
}

func dehydrate(value interface{}, seen map[uintptr]bool) interface{} {
	if value == nil {
		return nil
	}

	switch typed := value.(type) {
	case json.Marshaler:
		return typed
	case encoding.TextMarshaler:
		return typed
	case error:
		return typed.Error()
	case float64:
		return dehydrateFloat(typed)
	case float32:
		return dehydrateFloat(float64(typed))
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, []byte:
		return typed
	}

	rv := reflect.ValueOf(value)

	switch rv.Kind() {
	case reflect.Func:
		return functionMarker
	case reflect.Chan:
		return channelMarker
	case reflect.UnsafePointer:
		return opaqueMarker
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		if seen[rv.Pointer()] {
			return circularMarker
		}
		seen[rv.Pointer()] = true
		defer delete(seen, rv.Pointer())
		return dehydrate(rv.Elem().Interface(), seen)
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return dehydrate(rv.Elem().Interface(), seen)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if seen[rv.Pointer()] {
			return circularMarker
		}
		seen[rv.Pointer()] = true
		defer delete(seen, rv.Pointer())

		result := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, ok := iter.Key().Interface().(string)
			if !ok {
				key = fmt.Sprint(iter.Key().Interface())
			}
			result[key] = dehydrate(iter.Value().Interface(), seen)
		}
		return result
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if seen[rv.Pointer()] {
			return circularMarker
		}
		seen[rv.Pointer()] = true
		defer delete(seen, rv.Pointer())
		return dehydrateSequence(rv, seen)
	case reflect.Array:
		return dehydrateSequence(rv, seen)
	case reflect.Struct:
		return dehydrateStruct(rv, seen)
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(value)
	default:
		return value
	}
}

func dehydrateFloat(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

func dehydrateSequence(rv reflect.Value, seen map[uintptr]bool) []interface{} {
	result := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		result[i] = dehydrate(rv.Index(i).Interface(), seen)
	}
	return result
}

func dehydrateStruct(rv reflect.Value, seen map[uintptr]bool) map[string]interface{} {
	structType := rv.Type()
	result := make(map[string]interface{}, structType.NumField())

	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.PkgPath != "" {
			continue
		}

		name := field.Name
		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName := strings.Split(tag, ",")[0]
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}

		result[name] = dehydrate(rv.Field(i).Interface(), seen)
	}

	return result
}
