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

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Responder encodes responses for a responseType outside the built-in set. Directives
// naming a registered binding compile to a custom plan variant that defers to the
// Responder at request time. A nil output is passed through as absent.
type Responder interface {
	Binding() string
	Respond(ctx *fiber.Ctx, entry *PlanEntry, output interface{}) error
}

// Registry describes a registry of binding to Responder registrations
type Registry interface {
	Add(responder Responder) error
	Get(binding string) Responder
}

// RegistryMap is a basic Registry implementation backed by a simple mapping of binding
// (string) to Responder instances
type RegistryMap struct {
	responders map[string]Responder
}

// NewRegistryMap creates a new RegistryMap
func NewRegistryMap() *RegistryMap {
	return &RegistryMap{
		responders: map[string]Responder{},
	}
}

// Add adds a responder to the registry. Errors if a previous responder with the same
// binding is registered.
func (registry RegistryMap) Add(responder Responder) error {
	logrus.Debugf("adding machweb responder with binding: %v", responder.Binding())
	if _, ok := registry.responders[responder.Binding()]; ok {
		return fmt.Errorf("binding [%s] already registered", responder.Binding())
	}

	registry.responders[responder.Binding()] = responder

	return nil
}

// Get retrieves a responder based on a binding or nil if no responder for the binding is
// registered
func (registry RegistryMap) Get(binding string) Responder {
	return registry.responders[binding]
}
