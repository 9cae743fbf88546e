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
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
)

// ExemplarKind is the category an exemplar value describes. Inputs and exit outputs are
// declared by example: the exemplar's kind drives request parameter coercion, compile
// time compatibility checks, and documentation schemas.
type ExemplarKind int

const (
	KindAny ExemplarKind = iota
	KindString
	KindNumber
	KindBoolean
	KindDictionary
	KindList
	KindBinary
)

func (kind ExemplarKind) String() string {
	switch kind {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindDictionary:
		return "dictionary"
	case KindList:
		return "list"
	case KindBinary:
		return "binary"
	default:
		return "any"
	}
}

// BinaryRef is the exemplar marker for opaque byte payloads: streams, buffers, and upload
// handles. Declare it as an input or output exemplar via the Binary value.
type BinaryRef struct{}

// AnyRef is the exemplar marker for values of no particular shape beyond being JSON
// compatible. Declare it via the Any value.
type AnyRef struct{}

var (
	// Binary marks an exemplar as an opaque byte payload.
	Binary = BinaryRef{}

	// Any marks an exemplar as accepting any JSON compatible value.
	Any = AnyRef{}
)

// ClassifyExemplar determines the kind an exemplar value describes. A nil exemplar has no
// kind; callers treat absent exemplars as "no meaningful value" and must not classify
// them.
func ClassifyExemplar(exemplar interface{}) ExemplarKind {
	switch exemplar.(type) {
	case BinaryRef, *BinaryRef:
		return KindBinary
	case AnyRef, *AnyRef:
		return KindAny
	case string:
		return KindString
	case bool:
		return KindBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return KindNumber
	}

	value := reflect.ValueOf(exemplar)
	switch value.Kind() {
	case reflect.Map, reflect.Struct:
		return KindDictionary
	case reflect.Slice, reflect.Array:
		return KindList
	case reflect.Ptr:
		if value.IsNil() {
			return KindAny
		}
		return ClassifyExemplar(value.Elem().Interface())
	default:
		return KindAny
	}
}

// coerceParam converts a raw request parameter into the value shape the input's exemplar
// describes. The returned bool reports whether a value was produced at all: an empty
// string for a numeric input means "not provided" rather than zero, while an empty string
// for a boolean input (checkbox style querystrings) coerces to true.
func coerceParam(raw string, kind ExemplarKind) (interface{}, bool) {
	switch kind {
	case KindNumber:
		if raw == "" {
			return nil, false
		}
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			return parsed, true
		}
		return raw, true
	case KindBoolean:
		if raw == "" {
			return true, true
		}
		if parsed, err := strconv.ParseBool(raw); err == nil {
			return parsed, true
		}
		return raw, true
	case KindDictionary, KindList:
		var parsed interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return parsed, true
		}
		return raw, true
	default:
		return raw, true
	}
}

// conformsTo reports whether a runtime value satisfies the contract an exemplar kind
// describes. Used by the engine to build the per argument problem list.
func conformsTo(value interface{}, kind ExemplarKind) bool {
	if value == nil {
		return false
	}

	switch kind {
	case KindAny:
		return true
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBoolean:
		_, ok := value.(bool)
		return ok
	case KindNumber:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
			return true
		}
		return false
	case KindDictionary:
		rv := reflect.ValueOf(value)
		return rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct || (rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct)
	case KindList:
		rv := reflect.ValueOf(value)
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	case KindBinary:
		switch value.(type) {
		case []byte, *Upload:
			return true
		}
		_, ok := value.(io.Reader)
		return ok
	default:
		return false
	}
}

func describeKindMismatch(name string, kind ExemplarKind, value interface{}) string {
	return fmt.Sprintf("\"%s\" must be a %s, but the provided value (type %T) is not", name, kind, value)
}
