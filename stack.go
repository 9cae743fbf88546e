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
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// Stack is the top level assembly of one machweb instance: the registered machines and
// responders, the parsed manifest, and the hosting server. The expected flow is Register
// everything, LoadConfig, then Run (or Build and Start separately), and finally Shutdown.
type Stack struct {
	Config     *ManifestConfig
	Machines   *MachineRegistry
	Responders Registry

	server   *Server
	handlers []*RouteHandler
}

// NewStack creates an empty Stack reading the default configuration section.
func NewStack() *Stack {
	return &Stack{
		Config:     NewManifestConfig(),
		Machines:   NewMachineRegistry(),
		Responders: NewRegistryMap(),
	}
}

// LoadConfig parses and validates a configuration map against the registered machines and
// responders. Call after all Register calls.
func (stack *Stack) LoadConfig(configMap map[string]interface{}) error {
	if err := stack.Config.Parse(configMap); err != nil {
		return err
	}

	//validate sets enabled flag to true on success
	if err := stack.Config.Validate(stack.Machines, stack.Responders); err != nil {
		return err
	}

	return nil
}

// Enabled returns true/false on whether this stack's configuration should be considered
// enabled
func (stack *Stack) Enabled() bool {
	return stack.Config.Enabled()
}

// Build assembles the server and compiles every mount into a route handler, preparing to
// have Start called.
func (stack *Stack) Build() error {
	if stack.server != nil {
		return errors.New("stack already built")
	}

	options := stack.Config.Options
	if options.Registry == nil {
		options.Registry = stack.Responders
	}

	server := NewServer(stack.Config.Server)

	for _, mount := range stack.Config.Mounts {
		def := stack.Machines.Get(mount.Machine)

		handler, err := Compile(def, mount.Responses, options)
		if err != nil {
			return fmt.Errorf("error compiling mount [%s %s] for machine [%s]: %v", mount.Method, mount.Path, mount.Machine, err)
		}

		server.App.Add(mount.Method, mount.Path, handler.Handle)
		handler.SetRoute(mount.Method, mount.Path)

		stack.handlers = append(stack.handlers, handler)
	}

	stack.server = server

	return nil
}

// Start begins serving on the configured address without blocking. Listen errors are
// logged.
func (stack *Stack) Start() {
	server := stack.server
	go func() {
		if err := server.Start(); err != nil {
			pfxlog.Logger().Errorf("error starting server %s: %v", stack.Config.Server.Name, err)
		}
	}()
}

// Run builds and starts the stack.
func (stack *Stack) Run() error {
	if err := stack.Build(); err != nil {
		return err
	}

	stack.Start()

	return nil
}

// Shutdown stops the running server gracefully.
func (stack *Stack) Shutdown() {
	if stack.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()

	if err := stack.server.Shutdown(ctx); err != nil {
		pfxlog.Logger().Errorf("error shutting down server %s: %v", stack.Config.Server.Name, err)
	}
}

// Server returns the hosting server once Build has run, or nil.
func (stack *Stack) Server() *Server {
	return stack.server
}

// Handlers returns the compiled route handlers once Build has run.
func (stack *Stack) Handlers() []*RouteHandler {
	return append([]*RouteHandler(nil), stack.handlers...)
}

// Mount compiles a machine and attaches it to an existing fiber application, for hosts
// that own their own application instead of running a Stack. The returned handler exposes
// the compiled plan for introspection.
func Mount(app *fiber.App, method string, path string, def *Machine, directives map[string]*ResponseDirective, options *Options) (*RouteHandler, error) {
	handler, err := Compile(def, directives, options)
	if err != nil {
		return nil, err
	}

	app.Add(method, path, handler.Handle)
	handler.SetRoute(method, path)

	return handler, nil
}
