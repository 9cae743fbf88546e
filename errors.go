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
	"time"
)

// InvalidResponseMetadataError indicates that a response directive supplied for an exit is
// malformed: an unrecognized responseType, a statusCode outside 100-599, or a view without
// a template path. It is fatal at route registration time.
type InvalidResponseMetadataError struct {
	Exit   string
	Field  string
	Value  interface{}
	Reason string
}

func (e *InvalidResponseMetadataError) Error() string {
	return fmt.Sprintf("invalid response metadata on exit [%s]: %s [%v]: %s", e.Exit, e.Field, e.Value, e.Reason)
}

// IncompatibleExitConfigurationError indicates that an exit's responseType cannot be used
// with the exit's declared output exemplar. It is fatal at route registration time.
type IncompatibleExitConfigurationError struct {
	Exit         string
	ResponseType string
	Reason       string
}

func (e *IncompatibleExitConfigurationError) Error() string {
	return fmt.Sprintf("incompatible configuration on exit [%s]: responseType [%s]: %s", e.Exit, e.ResponseType, e.Reason)
}

// InvalidArgumentsError is produced by the execution engine when one or more runtime
// argument values fail the machine's input contract. It surfaces through the error exit
// and is converted into a structured 400 response instead of the generic error path.
type InvalidArgumentsError struct {
	Problems []string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments: %s", strings.Join(e.Problems, "; "))
}

// EncodingError indicates that an encoding strategy failed while producing a response. It
// is logged with full request context and degraded to a best effort 500 response.
type EncodingError struct {
	Method string
	Path   string
	Exit   string
	Cause  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("error encoding response for %s %s exit [%s]: %v", e.Method, e.Path, e.Exit, e.Cause)
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}

// UpstreamStreamError indicates that a byte stream feeding or draining a response failed
// mid transfer. If the response is not finalized the dispatcher degrades to a 500,
// otherwise the failure is only logged.
type UpstreamStreamError struct {
	Source string
	Cause  error
}

func (e *UpstreamStreamError) Error() string {
	return fmt.Sprintf("stream error on %s: %v", e.Source, e.Cause)
}

func (e *UpstreamStreamError) Unwrap() error {
	return e.Cause
}

// ExitAttempt records one exit notification received for a request.
type ExitAttempt struct {
	Exit string
	At   time.Time
}

// ProtocolViolationError records an exit notification that arrived after a response was
// already claimed for the request. It is logged with the full attempt history and dropped,
// never returned to the caller.
type ProtocolViolationError struct {
	Exit     string
	Attempts []ExitAttempt
}

func (e *ProtocolViolationError) Error() string {
	var history []string
	for _, attempt := range e.Attempts {
		history = append(history, fmt.Sprintf("[%s @ %s]", attempt.Exit, attempt.At.Format(time.RFC3339Nano)))
	}
	return fmt.Sprintf("exit [%s] fired after a response was already produced, attempt history: %s", e.Exit, strings.Join(history, ", "))
}
