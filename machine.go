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
	"io"
	"mime/multipart"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// SuccessExit is the reserved exit name for normal completion. It always exists on a
	// built machine, injected with a trivial definition if the machine does not declare it.
	SuccessExit = "success"

	// ErrorExit is the reserved exit name for abnormal completion. It always exists on a
	// built machine, injected with a trivial definition if the machine does not declare it.
	ErrorExit = "error"
)

// Bindings is the per request map of input name to extracted argument value. It exists
// only for the duration of one invocation.
type Bindings map[string]interface{}

// Implementation is a machine body. It receives the per invocation environment, the
// extracted argument bindings, and the exit set, and is expected to fire exactly one exit.
// A non-nil return with no exit fired is routed through the error exit; a nil return with
// no exit fired is treated as a contract breach and synthesized into an error exit.
type Implementation func(env *Env, args Bindings, exits *Exits) error

// Machine is a declarative unit of typed behavior: named inputs, named exits, and one
// implementation body. Machines are declared once and never mutated after they are built
// into a Runnable.
type Machine struct {
	Identity     string
	FriendlyName string
	Description  string
	Inputs       map[string]*Input
	Exits        map[string]*Exit
	Fn           Implementation
}

// Input declares one named argument of a machine by example.
type Input struct {
	FriendlyName string
	Description  string
	Exemplar     interface{}
	Required     bool

	// File binds this input to an upload handle obtained from the request instead of a
	// request parameter.
	File bool

	// WildcardSuffix binds this input to the route's catch-all match instead of a lookup
	// by name. At most one input per machine may set it.
	WildcardSuffix bool
}

// Exit declares one named completion channel of a machine, the shape of the value it
// produces, and optionally how responses for it should be encoded.
type Exit struct {
	FriendlyName        string
	Description         string
	ExtendedDescription string
	MoreInfoURL         string
	OutputFriendlyName  string
	OutputDescription   string

	// OutputExemplar describes the shape of data this exit produces. Absent means the exit
	// produces no meaningful output.
	OutputExemplar interface{}

	// Response carries the exit's declared response directives. Directives supplied at
	// mount time are merged over these at compile time.
	Response ResponseDirective
}

// Validate checks the structural invariants of a machine definition.
func (machine *Machine) Validate() error {
	if machine.Identity == "" {
		return errors.New("machine identity must not be empty")
	}

	if machine.Fn == nil {
		return fmt.Errorf("machine [%s] must provide an implementation", machine.Identity)
	}

	wildcards := 0
	for name, input := range machine.Inputs {
		if name == "" {
			return fmt.Errorf("machine [%s] declares an input with an empty name", machine.Identity)
		}
		if input == nil {
			return fmt.Errorf("machine [%s] declares a nil input [%s]", machine.Identity, name)
		}
		if input.WildcardSuffix {
			wildcards++
			if input.File {
				return fmt.Errorf("machine [%s] input [%s] cannot be both a wildcard suffix and a file input", machine.Identity, name)
			}
		}
	}

	if wildcards > 1 {
		return fmt.Errorf("machine [%s] declares more than one wildcard suffix input", machine.Identity)
	}

	for name, exit := range machine.Exits {
		if name == "" {
			return fmt.Errorf("machine [%s] declares an exit with an empty name", machine.Identity)
		}
		if exit == nil {
			return fmt.Errorf("machine [%s] declares a nil exit [%s]", machine.Identity, name)
		}
	}

	return nil
}

// ExitFunc is one per invocation exit callback. The dispatcher installs one per exit name
// and guards them so that at most one produces a response.
type ExitFunc func(output interface{})

// Exits routes a machine body's completion to the per invocation exit callbacks. Firing
// more than one exit, or the same exit twice, is tolerated here: the extra notification is
// handed to the dispatcher's protocol guard, which logs and drops it.
type Exits struct {
	callbacks map[string]ExitFunc
	fired     atomic.Bool
	log       *logrus.Entry
}

// Fire notifies the named exit with an output value. An unknown exit name is routed
// through the error exit with a descriptive error.
func (exits *Exits) Fire(name string, output interface{}) {
	callback, ok := exits.callbacks[name]
	if !ok {
		exits.log.Errorf("implementation fired undeclared exit [%s], routing to [%s]", name, ErrorExit)
		exits.fired.Store(true)
		exits.callbacks[ErrorExit](fmt.Errorf("undeclared exit [%s] fired with output of type %T", name, output))
		return
	}

	exits.fired.Store(true)
	callback(output)
}

// Success fires the reserved success exit.
func (exits *Exits) Success(output interface{}) {
	exits.Fire(SuccessExit, output)
}

// Error fires the reserved error exit.
func (exits *Exits) Error(output interface{}) {
	exits.Fire(ErrorExit, output)
}

// Fired returns true once any exit has been notified through this value.
func (exits *Exits) Fired() bool {
	return exits.fired.Load()
}

// Upload is the handle bound to file accepting inputs. Readers obtained from Open are
// guarded: a read failure mid transfer is logged and surfaced as *UpstreamStreamError
// instead of escaping as an unhandled stream fault.
type Upload struct {
	Header *multipart.FileHeader

	source string
	log    *logrus.Entry
}

// Filename returns the client supplied file name.
func (upload *Upload) Filename() string {
	return upload.Header.Filename
}

// Size returns the upload size in bytes as reported by the request.
func (upload *Upload) Size() int64 {
	return upload.Header.Size
}

// Open returns a guarded reader over the upload's content.
func (upload *Upload) Open() (io.ReadCloser, error) {
	file, err := upload.Header.Open()
	if err != nil {
		return nil, fmt.Errorf("error opening upload [%s]: %v", upload.Header.Filename, err)
	}

	return &guardedReader{inner: file, source: upload.source, log: upload.log}, nil
}

// guardedReader converts mid transfer read failures into logged *UpstreamStreamError
// values so a broken stream never crashes the shared process.
type guardedReader struct {
	inner  io.Reader
	source string
	log    *logrus.Entry

	failed bool
}

func (reader *guardedReader) Read(p []byte) (int, error) {
	n, err := reader.inner.Read(p)
	if err != nil && err != io.EOF {
		streamErr := &UpstreamStreamError{Source: reader.source, Cause: err}
		if !reader.failed {
			reader.failed = true
			reader.log.Errorf("%v", streamErr)
		}
		return n, streamErr
	}
	return n, err
}

func (reader *guardedReader) Close() error {
	if closer, ok := reader.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
