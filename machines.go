/*
	Copyright NetFoundry, Inc.

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
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MachineRegistry holds machine definitions by identity so that configuration mounts can
// reference them by name. Register everything before LoadConfig runs; the registry is not
// synchronized for concurrent mutation.
type MachineRegistry struct {
	machines map[string]*Machine
}

// NewMachineRegistry creates an empty MachineRegistry
func NewMachineRegistry() *MachineRegistry {
	return &MachineRegistry{
		machines: map[string]*Machine{},
	}
}

// Register adds a machine definition under its identity. Errors if a previous machine
// with the same identity is registered or the definition fails validation.
func (registry *MachineRegistry) Register(def *Machine) error {
	if def == nil {
		return errors.New("machine definition must not be nil")
	}

	if err := def.Validate(); err != nil {
		return err
	}

	logrus.Debugf("adding machweb machine with identity: %v", def.Identity)
	if _, ok := registry.machines[def.Identity]; ok {
		return fmt.Errorf("machine [%s] already registered", def.Identity)
	}

	registry.machines[def.Identity] = def

	return nil
}

// Get retrieves a machine definition by identity or nil if no machine for the identity is
// registered
func (registry *MachineRegistry) Get(identity string) *Machine {
	return registry.machines[identity]
}

// Identities returns the registered machine identities in stable order.
func (registry *MachineRegistry) Identities() []string {
	identities := make([]string, 0, len(registry.machines))
	for identity := range registry.machines {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}
