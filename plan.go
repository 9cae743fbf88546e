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
	"github.com/gofiber/fiber/v2"
)

const (
	ResponseTypeStandard = "standard"
	ResponseTypeError    = "error"
	ResponseTypeRedirect = "redirect"
	ResponseTypeView     = "view"

	// ResponseTypeStatus is a deprecated alias: standard semantics, bare status, no body.
	ResponseTypeStatus = "status"

	// ResponseTypeJSON is a deprecated alias: standard semantics with a required output
	// exemplar.
	ResponseTypeJSON = "json"
)

// ResponseDirective configures how responses for one exit are encoded. Directives can be
// declared on the exit itself, supplied programmatically at compile time, or decoded from
// a mount manifest; mount directives merge over exit declared ones field by field.
type ResponseDirective struct {
	ResponseType     string `mapstructure:"responseType"`
	StatusCode       int    `mapstructure:"statusCode"`
	ViewTemplatePath string `mapstructure:"viewTemplatePath"`
}

func isBuiltinResponseType(value string) bool {
	switch value {
	case ResponseTypeStandard, ResponseTypeError, ResponseTypeRedirect, ResponseTypeView, ResponseTypeStatus, ResponseTypeJSON:
		return true
	}
	return false
}

// Validate checks each directive field independently against a registry of custom
// responder bindings. Cross field and exemplar compatibility checks happen during plan
// compilation.
func (directive *ResponseDirective) Validate(exitName string, registry Registry) error {
	if directive.ResponseType != "" && !isBuiltinResponseType(directive.ResponseType) {
		if registry == nil || registry.Get(directive.ResponseType) == nil {
			return &InvalidResponseMetadataError{
				Exit:   exitName,
				Field:  "responseType",
				Value:  directive.ResponseType,
				Reason: "not a recognized responseType and no responder is registered for it",
			}
		}
	}

	if directive.StatusCode != 0 && (directive.StatusCode < 100 || directive.StatusCode > 599) {
		return &InvalidResponseMetadataError{
			Exit:   exitName,
			Field:  "statusCode",
			Value:  directive.StatusCode,
			Reason: "must be an integer in [100,599]",
		}
	}

	return nil
}

func mergeDirectives(base ResponseDirective, overlay ResponseDirective) ResponseDirective {
	merged := base
	if overlay.ResponseType != "" {
		merged.ResponseType = overlay.ResponseType
	}
	if overlay.StatusCode != 0 {
		merged.StatusCode = overlay.StatusCode
	}
	if overlay.ViewTemplatePath != "" {
		merged.ViewTemplatePath = overlay.ViewTemplatePath
	}
	return merged
}

// PlanEntry is the compiled, immutable description of how outputs from one exit translate
// into an HTTP response. Exactly one PlanEntry exists per exit; entries are computed once
// per route registration and shared read-only across all concurrent requests.
type PlanEntry struct {
	ExitName   string
	StatusCode int

	// TemplatePath is non-empty exactly when the entry resolved to the view variant.
	TemplatePath string

	// Definition is the normalized exit definition, the source of diagnostic header
	// metadata.
	Definition *Exit

	// HasOutput reports whether the exit declares an output exemplar; OutputKind is that
	// exemplar's classification when it does.
	HasOutput  bool
	OutputKind ExemplarKind

	alias    string
	strategy encodingStrategy
}

// ResponseType returns the resolved response type of this entry. Deprecated aliases
// report the alias they were declared with.
func (entry *PlanEntry) ResponseType() string {
	if entry.alias != "" {
		return entry.alias
	}
	return entry.strategy.name()
}

// ResponsePlan maps exit name to compiled plan entry for one route.
type ResponsePlan map[string]*PlanEntry

// compilePlan produces the normalized response plan for a runnable machine: reserved
// exits are already present on the runnable, so one entry is emitted per exit. The pass
// merges directives, validates them, infers defaults, cross validates response types
// against output exemplars, and selects the strategy variant. Pure computation, no I/O
// beyond warning logs.
func compilePlan(runnable *Runnable, directives map[string]*ResponseDirective, options *Options) (ResponsePlan, error) {
	log := options.Logger
	plan := ResponsePlan{}

	for _, exitName := range runnable.ExitNames() {
		def := runnable.ExitDefinition(exitName)

		merged := def.Response
		if overlay, ok := directives[exitName]; ok && overlay != nil {
			merged = mergeDirectives(merged, *overlay)
		}

		if err := merged.Validate(exitName, options.Registry); err != nil {
			return nil, err
		}

		responseType := merged.ResponseType
		if responseType == "" {
			switch {
			case exitName == ErrorExit:
				responseType = ResponseTypeError
			case merged.ViewTemplatePath != "":
				responseType = ResponseTypeView
			default:
				responseType = ResponseTypeStandard
			}
		}

		// exits other than success and error represent abnormal outcomes unless the
		// configuration proves otherwise
		statusCode := merged.StatusCode
		if statusCode == 0 {
			switch {
			case responseType == ResponseTypeError || exitName == ErrorExit:
				statusCode = fiber.StatusInternalServerError
			case responseType == ResponseTypeRedirect:
				statusCode = fiber.StatusFound
			case exitName == SuccessExit || responseType == ResponseTypeView:
				statusCode = fiber.StatusOK
			default:
				statusCode = fiber.StatusInternalServerError
			}
		}

		hasOutput := def.OutputExemplar != nil
		outputKind := KindAny
		if hasOutput {
			outputKind = ClassifyExemplar(def.OutputExemplar)
		}

		switch responseType {
		case ResponseTypeRedirect:
			if hasOutput && outputKind != KindString {
				return nil, &IncompatibleExitConfigurationError{
					Exit:         exitName,
					ResponseType: responseType,
					Reason:       "redirect exits must declare a string output exemplar",
				}
			}
		case ResponseTypeView:
			if hasOutput && outputKind != KindDictionary {
				return nil, &IncompatibleExitConfigurationError{
					Exit:         exitName,
					ResponseType: responseType,
					Reason:       "view exits must declare a dictionary output exemplar",
				}
			}
		case ResponseTypeJSON:
			if !hasOutput {
				return nil, &IncompatibleExitConfigurationError{
					Exit:         exitName,
					ResponseType: responseType,
					Reason:       "the json responseType requires a declared output exemplar",
				}
			}
		}

		if merged.ViewTemplatePath != "" && responseType != ResponseTypeView {
			log.Warnf("machine [%s] exit [%s] declares viewTemplatePath [%s] but resolves to responseType [%s], the template path is ignored",
				runnable.Identity(), exitName, merged.ViewTemplatePath, responseType)
		}

		entry := &PlanEntry{
			ExitName:   exitName,
			StatusCode: statusCode,
			Definition: def,
			HasOutput:  hasOutput,
			OutputKind: outputKind,
		}

		switch responseType {
		case ResponseTypeStandard:
			entry.strategy = standardStrategy{}
		case ResponseTypeStatus:
			log.Warnf("machine [%s] exit [%s] uses deprecated responseType [status], use [standard] with no output exemplar instead",
				runnable.Identity(), exitName)
			entry.alias = ResponseTypeStatus
			entry.strategy = standardStrategy{bare: true}
		case ResponseTypeJSON:
			log.Warnf("machine [%s] exit [%s] uses deprecated responseType [json], use [standard] instead",
				runnable.Identity(), exitName)
			entry.alias = ResponseTypeJSON
			entry.strategy = standardStrategy{}
		case ResponseTypeError:
			entry.strategy = errorStrategy{}
		case ResponseTypeRedirect:
			entry.strategy = redirectStrategy{}
		case ResponseTypeView:
			if merged.ViewTemplatePath == "" {
				return nil, &InvalidResponseMetadataError{
					Exit:   exitName,
					Field:  "viewTemplatePath",
					Value:  "",
					Reason: "a non-empty template path is required for the view responseType",
				}
			}
			entry.TemplatePath = merged.ViewTemplatePath
			entry.strategy = viewStrategy{templatePath: merged.ViewTemplatePath}
		default:
			entry.strategy = customStrategy{responder: options.Registry.Get(responseType)}
		}

		plan[exitName] = entry
	}

	return plan, nil
}
