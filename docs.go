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
	"context"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// BuildOpenAPI renders an OpenAPI 3 document describing mounted handlers: path and query
// parameters from each machine's inputs, upload inputs as a multipart request body, and
// one response per exit from the compiled plan, with schemas derived from the declared
// exemplars. Handlers must carry a recorded route.
func BuildOpenAPI(title string, version string, handlers []*RouteHandler) (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   title,
			Version: version,
		},
		Paths: openapi3.NewPaths(),
	}

	for _, handler := range handlers {
		if handler.Method() == "" || handler.Path() == "" {
			return nil, fmt.Errorf("handler for machine [%s] has no recorded route, mount it or call SetRoute first", handler.Runnable().Identity())
		}

		path, operation := describeHandler(handler)
		doc.AddOperation(path, handler.Method(), operation)
	}

	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("generated document failed validation: %v", err)
	}

	return doc, nil
}

func describeHandler(handler *RouteHandler) (string, *openapi3.Operation) {
	runnable := handler.Runnable()
	def := runnable.Definition()

	operation := openapi3.NewOperation()
	operation.OperationID = runnable.Identity()
	operation.Summary = def.FriendlyName
	operation.Description = def.Description

	path, pathParams := translatePath(handler.Path(), runnable)

	declared := map[string]bool{}
	var fileInputs []string

	for _, name := range runnable.InputNames() {
		input := runnable.InputDefinition(name)

		if input.File {
			fileInputs = append(fileInputs, name)
			continue
		}

		schema := exemplarSchema(input.Exemplar, runnable.InputKind(name))
		schema.Description = input.Description

		if _, ok := pathParams[name]; ok {
			operation.AddParameter(openapi3.NewPathParameter(name).WithSchema(schema))
			declared[name] = true
			continue
		}

		param := openapi3.NewQueryParameter(name).WithSchema(schema)
		param.Required = input.Required
		operation.AddParameter(param)
	}

	// route segments with no matching input still need a declared parameter
	for name := range pathParams {
		if !declared[name] {
			operation.AddParameter(openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema()))
		}
	}

	if len(fileInputs) > 0 {
		operation.RequestBody = uploadRequestBody(runnable, fileInputs)
	}

	for _, exitName := range runnable.ExitNames() {
		entry := handler.Plan()[exitName]
		operation.AddResponse(entry.StatusCode, describeExit(entry))
	}

	return path, operation
}

// translatePath rewrites a fiber route into an OpenAPI path template and returns the path
// level parameter names. ":name" and ":name?" segments become "{name}"; a trailing "*"
// takes the machine's wildcard input name.
func translatePath(routePath string, runnable *Runnable) (string, map[string]struct{}) {
	params := map[string]struct{}{}
	segments := strings.Split(routePath, "/")

	for i, segment := range segments {
		if strings.HasPrefix(segment, ":") {
			name := strings.TrimSuffix(strings.TrimPrefix(segment, ":"), "?")
			params[name] = struct{}{}
			segments[i] = "{" + name + "}"
			continue
		}

		if segment == "*" {
			name := runnable.WildcardInput()
			if name == "" {
				name = "suffix"
			}
			params[name] = struct{}{}
			segments[i] = "{" + name + "}"
		}
	}

	return strings.Join(segments, "/"), params
}

func uploadRequestBody(runnable *Runnable, fileInputs []string) *openapi3.RequestBodyRef {
	schema := openapi3.NewObjectSchema()
	required := false

	for _, name := range fileInputs {
		input := runnable.InputDefinition(name)

		fileSchema := openapi3.NewStringSchema().WithFormat("binary")
		fileSchema.Description = input.Description
		schema.WithProperty(name, fileSchema)

		if input.Required {
			schema.Required = append(schema.Required, name)
			required = true
		}
	}

	body := openapi3.NewRequestBody().WithContent(openapi3.NewContentWithFormDataSchema(schema))
	body.Required = required

	return &openapi3.RequestBodyRef{Value: body}
}

func describeExit(entry *PlanEntry) *openapi3.Response {
	def := entry.Definition

	description := def.Description
	if description == "" {
		description = fmt.Sprintf("the [%s] exit", entry.ExitName)
	}

	response := openapi3.NewResponse().WithDescription(description)

	switch entry.strategy.(type) {
	case redirectStrategy:
		// no body, Location carries the target
		return response
	case viewStrategy:
		return response.WithContent(openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"text/html"}))
	}

	if !entry.HasOutput {
		return response
	}

	switch entry.OutputKind {
	case KindString:
		return response.WithContent(openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"text/plain"}))
	case KindBinary:
		schema := openapi3.NewStringSchema().WithFormat("binary")
		return response.WithContent(openapi3.NewContentWithSchema(schema, []string{"application/octet-stream"}))
	default:
		return response.WithJSONSchema(exemplarSchema(def.OutputExemplar, entry.OutputKind))
	}
}

// exemplarSchema derives a schema from a declared exemplar. Dictionaries and lists recurse
// over the dehydrated exemplar so nested shapes document themselves.
func exemplarSchema(exemplar interface{}, kind ExemplarKind) *openapi3.Schema {
	switch kind {
	case KindString:
		return openapi3.NewStringSchema()
	case KindNumber:
		return openapi3.NewFloat64Schema()
	case KindBoolean:
		return openapi3.NewBoolSchema()
	case KindBinary:
		return openapi3.NewStringSchema().WithFormat("binary")
	case KindDictionary:
		schema := openapi3.NewObjectSchema()
		if fields, ok := Dehydrate(exemplar).(map[string]interface{}); ok {
			for name, value := range fields {
				if value == nil {
					schema.WithProperty(name, openapi3.NewSchema())
					continue
				}
				schema.WithProperty(name, exemplarSchema(value, ClassifyExemplar(value)))
			}
		}
		return schema
	case KindList:
		items := openapi3.NewSchema()
		if values, ok := Dehydrate(exemplar).([]interface{}); ok && len(values) > 0 && values[0] != nil {
			items = exemplarSchema(values[0], ClassifyExemplar(values[0]))
		}
		return openapi3.NewArraySchema().WithItems(items)
	default:
		return openapi3.NewSchema()
	}
}
