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
	"sort"

	"github.com/openziti/foundation/v2/debugz"
	"github.com/pkg/errors"
)

// Runnable is a machine normalized for invocation: the reserved success and error exits
// are present, input exemplars are classified, and structural invariants hold. A Runnable
// is immutable after BuildRunnable returns and safe for concurrent Exec calls.
type Runnable struct {
	def      *Machine
	inputs   map[string]*boundInput
	exits    map[string]*Exit
	wildcard string
}

// boundInput pairs an input definition with its classified exemplar kind.
type boundInput struct {
	def  *Input
	kind ExemplarKind
}

// BuildRunnable normalizes a machine definition into an invocable form. Missing reserved
// exits are injected with trivial defaults. The definition itself is never mutated.
func BuildRunnable(def *Machine) (*Runnable, error) {
	if def == nil {
		return nil, errors.New("machine definition must not be nil")
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	runnable := &Runnable{
		def:    def,
		inputs: map[string]*boundInput{},
		exits:  map[string]*Exit{},
	}

	for name, input := range def.Inputs {
		kind := KindAny
		if input.Exemplar != nil {
			kind = ClassifyExemplar(input.Exemplar)
		}
		if input.File {
			kind = KindBinary
		}
		if input.WildcardSuffix {
			runnable.wildcard = name
		}
		runnable.inputs[name] = &boundInput{def: input, kind: kind}
	}

	for name, exit := range def.Exits {
		exitCopy := *exit
		runnable.exits[name] = &exitCopy
	}

	if _, ok := runnable.exits[SuccessExit]; !ok {
		runnable.exits[SuccessExit] = &Exit{Description: "Done."}
	}

	if _, ok := runnable.exits[ErrorExit]; !ok {
		runnable.exits[ErrorExit] = &Exit{Description: "An unexpected error occurred."}
	}

	return runnable, nil
}

// Identity returns the machine's identity.
func (runnable *Runnable) Identity() string {
	return runnable.def.Identity
}

// Definition returns the machine this Runnable was built from.
func (runnable *Runnable) Definition() *Machine {
	return runnable.def
}

// ExitNames returns the normalized exit names in stable order.
func (runnable *Runnable) ExitNames() []string {
	names := make([]string, 0, len(runnable.exits))
	for name := range runnable.exits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExitDefinition returns the normalized definition for an exit name, or nil.
func (runnable *Runnable) ExitDefinition(name string) *Exit {
	return runnable.exits[name]
}

// InputNames returns the declared input names in stable order.
func (runnable *Runnable) InputNames() []string {
	names := make([]string, 0, len(runnable.inputs))
	for name := range runnable.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InputDefinition returns the declared definition for an input name, or nil.
func (runnable *Runnable) InputDefinition(name string) *Input {
	if bound, ok := runnable.inputs[name]; ok {
		return bound.def
	}
	return nil
}

// InputKind returns the classified exemplar kind for an input name.
func (runnable *Runnable) InputKind(name string) ExemplarKind {
	if bound, ok := runnable.inputs[name]; ok {
		return bound.kind
	}
	return KindAny
}

// WildcardInput returns the name of the input bound to the route's catch-all match, or an
// empty string when the machine declares none.
func (runnable *Runnable) WildcardInput() string {
	return runnable.wildcard
}

// validateArgs checks the argument bindings against the machine's input contract and
// returns one problem per violation.
func (runnable *Runnable) validateArgs(args Bindings) []string {
	var problems []string

	for _, name := range runnable.InputNames() {
		bound := runnable.inputs[name]
		value, provided := args[name]

		if !provided || value == nil {
			if bound.def.Required {
				problems = append(problems, fmt.Sprintf("\"%s\" is required, but no value was provided", name))
			}
			continue
		}

		if !conformsTo(value, bound.kind) {
			problems = append(problems, describeKindMismatch(name, bound.kind, value))
		}
	}

	return problems
}

// Exec runs one invocation: argument validation, then the implementation body. Exactly
// one exit callback is invoked under normal operation. Arguments failing the input
// contract surface through the error exit as *InvalidArgumentsError without running the
// body. Panics from the body are recovered, logged, and routed through the error exit.
// Callers defend against extra exit notifications themselves.
func (runnable *Runnable) Exec(args Bindings, env *Env, callbacks map[string]ExitFunc) {
	log := env.Log

	if problems := runnable.validateArgs(args); len(problems) > 0 {
		callbacks[ErrorExit](&InvalidArgumentsError{Problems: problems})
		return
	}

	exits := &Exits{callbacks: callbacks, log: log}

	err := func() (fnErr error) {
		defer func() {
			if panicVal := recover(); panicVal != nil {
				log.Errorf("panic in machine [%s] implementation: %v\n%v", runnable.Identity(), panicVal, debugz.GenerateLocalStack())
				fnErr = fmt.Errorf("panic in machine [%s] implementation: %v", runnable.Identity(), panicVal)
			}
		}()
		return runnable.def.Fn(env, args, exits)
	}()

	if exits.Fired() {
		if err != nil {
			log.Warnf("machine [%s] implementation returned an error after firing an exit: %v", runnable.Identity(), err)
		}
		return
	}

	if err != nil {
		callbacks[ErrorExit](err)
		return
	}

	callbacks[ErrorExit](fmt.Errorf("machine [%s] implementation completed without invoking an exit", runnable.Identity()))
}
