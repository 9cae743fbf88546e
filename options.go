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
	"fmt"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	DefaultRedirectTarget = "/"
)

// Options is the explicit configuration for compiling machines into route handlers. There
// are no ambient environment reads: the production switch, diagnostic header toggle,
// latency simulation, logging sink, responder registry, and metrics sink all live here,
// making compiled handlers pure functions of their inputs.
type Options struct {
	// Environment gates diagnostic behavior. EnvironmentProduction suppresses diagnostic
	// headers and error detail in response bodies.
	Environment string

	// DisableDiagnosticHeaders suppresses all X-Exit* headers regardless of environment.
	DisableDiagnosticHeaders bool

	// SimulateLatency, when positive, suspends between an exit notification and response
	// encoding. The wait is cooperative and aborts when the request goes away.
	SimulateLatency time.Duration

	// RedirectTarget is used by redirect exits whose output carries no target.
	RedirectTarget string

	// Logger receives compile warnings and request time diagnostics. Defaults to the
	// pfxlog logger.
	Logger *logrus.Entry

	// Registry resolves responseType values outside the built-in set. Optional.
	Registry Registry

	// Metrics, when set, observes exits fired, encode durations, and protocol violations.
	Metrics *Metrics
}

// Default provides defaults for all necessary values.
func (options *Options) Default() {
	options.Environment = EnvironmentDevelopment
	options.RedirectTarget = DefaultRedirectTarget
	options.Logger = pfxlog.Logger().Entry
}

// Parse parses a configuration map.
func (options *Options) Parse(optionsMap map[string]interface{}) error {
	if interfaceVal, ok := optionsMap["environment"]; ok {
		if environment, ok := interfaceVal.(string); ok {
			options.Environment = environment
		} else {
			return errors.New("could not use value for environment, not a string")
		}
	}

	if interfaceVal, ok := optionsMap["disableDiagnosticHeaders"]; ok {
		if disable, ok := interfaceVal.(bool); ok {
			options.DisableDiagnosticHeaders = disable
		} else {
			return errors.New("could not use value for disableDiagnosticHeaders, not a boolean")
		}
	}

	if interfaceVal, ok := optionsMap["simulateLatency"]; ok {
		if latencyStr, ok := interfaceVal.(string); ok {
			if latency, err := time.ParseDuration(latencyStr); err == nil {
				options.SimulateLatency = latency
			} else {
				return fmt.Errorf("could not parse simulateLatency %s as a duration (e.g. 150ms): %v", latencyStr, err)
			}
		} else {
			return errors.New("could not use value for simulateLatency, not a string")
		}
	}

	if interfaceVal, ok := optionsMap["redirectTarget"]; ok {
		if target, ok := interfaceVal.(string); ok {
			options.RedirectTarget = target
		} else {
			return errors.New("could not use value for redirectTarget, not a string")
		}
	}

	return nil
}

// Validate validates all settings and returns nil or an error.
func (options *Options) Validate() error {
	if options.Environment == "" {
		return errors.New("environment must not be empty")
	}

	if options.SimulateLatency < 0 {
		return fmt.Errorf("value [%s] for simulateLatency must not be negative", options.SimulateLatency.String())
	}

	if options.RedirectTarget == "" {
		return errors.New("redirectTarget must not be empty")
	}

	return nil
}

func (options *Options) production() bool {
	return options.Environment == EnvironmentProduction
}

func (options *Options) headersEnabled() bool {
	return !options.DisableDiagnosticHeaders && !options.production()
}

// normalized returns a copy with defaults applied for any zero values, leaving the
// original untouched so one Options value can safely configure many routes.
func (options *Options) normalized() (*Options, error) {
	copied := Options{}
	copied.Default()

	if options != nil {
		if options.Environment != "" {
			copied.Environment = options.Environment
		}
		copied.DisableDiagnosticHeaders = options.DisableDiagnosticHeaders
		copied.SimulateLatency = options.SimulateLatency
		if options.RedirectTarget != "" {
			copied.RedirectTarget = options.RedirectTarget
		}
		if options.Logger != nil {
			copied.Logger = options.Logger
		}
		copied.Registry = options.Registry
		copied.Metrics = options.Metrics
	}

	if err := copied.Validate(); err != nil {
		return nil, err
	}

	return &copied, nil
}
