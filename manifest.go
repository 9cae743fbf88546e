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
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigSection = "machweb"
)

// ManifestConfig is the root configuration for one machweb stack: the shared handler
// options, the hosting server, and the mounts that bind registered machines to routes.
type ManifestConfig struct {
	SourceConfig map[string]interface{}

	Section string
	Options *Options
	Server  *ServerOptions
	Mounts  []*MountConfig

	sectionFound bool
	enabled      bool
}

// NewManifestConfig creates a ManifestConfig reading the default section.
func NewManifestConfig() *ManifestConfig {
	return &ManifestConfig{
		Section: DefaultConfigSection,
	}
}

// LoadManifest parses YAML configuration bytes into a ManifestConfig for the default
// section. Validation is a separate step, see Validate.
func LoadManifest(data []byte) (*ManifestConfig, error) {
	configMap := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &configMap); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %v", err)
	}

	config := NewManifestConfig()
	if err := config.Parse(configMap); err != nil {
		return nil, err
	}

	return config, nil
}

// Parse parses a configuration map, looking for the configured section that defines
// handler options, the server, and an array of mounts. A missing section is not an error;
// the stack simply has nothing to serve.
func (config *ManifestConfig) Parse(configMap map[string]interface{}) error {
	config.SourceConfig = configMap

	if config.Section == "" {
		return errors.New("machweb section not specified for configuration")
	}

	config.sectionFound = false

	config.Options = &Options{}
	config.Options.Default()

	config.Server = &ServerOptions{}
	config.Server.Default()

	sectionVal, ok := configMap[config.Section]
	if !ok {
		return nil
	}
	config.sectionFound = true

	sectionMap, ok := sectionVal.(map[string]interface{})
	if !ok {
		return fmt.Errorf("section [%s] must be a map", config.Section)
	}

	if optionsVal, ok := sectionMap["options"]; ok {
		if optionsMap, ok := optionsVal.(map[string]interface{}); ok {
			if err := config.Options.Parse(optionsMap); err != nil {
				return fmt.Errorf("error parsing options section: %v", err)
			}
		} else {
			return errors.New("options section must be a map if defined")
		}
	}

	if serverVal, ok := sectionMap["server"]; ok {
		if serverMap, ok := serverVal.(map[string]interface{}); ok {
			if err := config.Server.Parse(serverMap); err != nil {
				return fmt.Errorf("error parsing server section: %v", err)
			}
		} else {
			return errors.New("server section must be a map if defined")
		}
	}

	if mountsVal, ok := sectionMap["mounts"]; ok {
		mountsArr, ok := mountsVal.([]interface{})
		if !ok {
			return errors.New("mounts section must be an array")
		}

		for i, mountVal := range mountsArr {
			mountMap, ok := mountVal.(map[string]interface{})
			if !ok {
				return fmt.Errorf("error parsing mount configuration at index [%d]: not a map", i)
			}

			mount := &MountConfig{}
			if err := mount.Parse(mountMap); err != nil {
				return fmt.Errorf("error parsing mount configuration at index [%d]: %v", i, err)
			}

			config.Mounts = append(config.Mounts, mount)
		}
	}

	return nil
}

// Validate uses a MachineRegistry and a Registry to validate that all mounts can be
// fulfilled. All other relevant ManifestConfig values are also validated.
func (config *ManifestConfig) Validate(machines *MachineRegistry, responders Registry) error {
	if err := config.Options.Validate(); err != nil {
		return fmt.Errorf("invalid options: %v", err)
	}

	if err := config.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %v", err)
	}

	seen := map[string]int{}
	for i, mount := range config.Mounts {
		if err := mount.Validate(); err != nil {
			return fmt.Errorf("invalid mount at index [%d]: %v", i, err)
		}

		if machines.Get(mount.Machine) == nil {
			return fmt.Errorf("invalid mount at index [%d]: no machine registered for identity [%s]", i, mount.Machine)
		}

		route := mount.Method + " " + mount.Path
		if previous, ok := seen[route]; ok {
			return fmt.Errorf("invalid mount at index [%d]: route [%s] already mounted at index [%d]", i, route, previous)
		}
		seen[route] = i

		for exitName, directive := range mount.Responses {
			if directive == nil {
				return fmt.Errorf("invalid mount at index [%d]: nil response directive for exit [%s]", i, exitName)
			}

			if err := directive.Validate(exitName, responders); err != nil {
				return fmt.Errorf("invalid mount at index [%d]: %v", i, err)
			}
		}
	}

	//enabled only after validation passes, and only when the section was present
	config.enabled = config.sectionFound

	return nil
}

// Enabled returns true/false on whether this configuration should be considered "enabled".
// Set after Validate passes for a configuration whose section was present; hosts skip
// starting stacks whose configuration never mentions them.
func (config *ManifestConfig) Enabled() bool {
	return config.enabled
}

var allowedMethods = map[string]struct{}{
	fiber.MethodGet:     {},
	fiber.MethodHead:    {},
	fiber.MethodPost:    {},
	fiber.MethodPut:     {},
	fiber.MethodDelete:  {},
	fiber.MethodConnect: {},
	fiber.MethodOptions: {},
	fiber.MethodTrace:   {},
	fiber.MethodPatch:   {},
}

// MountConfig binds one registered machine to one route. The responses map optionally
// overrides the response directives declared on the machine's exits, keyed by exit name.
// The valid directive fields are defined by ResponseDirective, not here.
type MountConfig struct {
	Method  string
	Path    string
	Machine string

	Responses map[string]*ResponseDirective
}

// Parse the configuration map for a MountConfig.
func (mount *MountConfig) Parse(mountMap map[string]interface{}) error {
	mount.Method = fiber.MethodGet

	if methodVal, ok := mountMap["method"]; ok {
		if method, ok := methodVal.(string); ok {
			mount.Method = strings.ToUpper(method)
		} else {
			return errors.New("method must be a string")
		}
	}

	if pathVal, ok := mountMap["path"]; ok {
		if path, ok := pathVal.(string); ok {
			mount.Path = path
		} else {
			return errors.New("path must be a string")
		}
	} else {
		return errors.New("path is required")
	}

	if machineVal, ok := mountMap["machine"]; ok {
		if machine, ok := machineVal.(string); ok {
			mount.Machine = machine
		} else {
			return errors.New("machine must be a string")
		}
	} else {
		return errors.New("machine is required")
	}

	if responsesVal, ok := mountMap["responses"]; ok {
		responsesMap, ok := responsesVal.(map[string]interface{})
		if !ok {
			return errors.New("responses section must be a map if defined")
		}

		mount.Responses = map[string]*ResponseDirective{}
		for exitName, directiveVal := range responsesMap {
			directive := &ResponseDirective{}
			if err := mapstructure.Decode(directiveVal, directive); err != nil {
				return fmt.Errorf("error parsing response directive for exit [%s]: %v", exitName, err)
			}
			mount.Responses[exitName] = directive
		}
	}

	return nil
}

// Validate this configuration object.
func (mount *MountConfig) Validate() error {
	if _, ok := allowedMethods[mount.Method]; !ok {
		return fmt.Errorf("method [%s] is not a supported HTTP method", mount.Method)
	}

	if mount.Path == "" {
		return errors.New("path must not be empty")
	}

	if !strings.HasPrefix(mount.Path, "/") {
		return fmt.Errorf("path [%s] must start with /", mount.Path)
	}

	if mount.Machine == "" {
		return errors.New("machine must not be empty")
	}

	return nil
}
