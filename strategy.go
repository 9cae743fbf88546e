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
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
)

const (
	HeaderExit                    = "X-Exit"
	HeaderExitFriendlyName        = "X-Exit-Friendly-Name"
	HeaderExitDescription         = "X-Exit-Description"
	HeaderExitExtendedDescription = "X-Exit-Extended-Description"
	HeaderExitMoreInfoURL         = "X-Exit-More-Info-Url"
	HeaderExitOutputFriendlyName  = "X-Exit-Output-Friendly-Name"
	HeaderExitOutputDescription   = "X-Exit-Output-Description"
	HeaderExitViewTemplatePath    = "X-Exit-View-Template-Path"
)

// encodingStrategy is the closed set of response encodings. The variant for each exit is
// selected once at compile time; each variant carries only the fields it needs. Errors
// returned here are caught at the dispatch boundary, logged with request context, and
// degraded to a best effort 500.
type encodingStrategy interface {
	name() string
	encode(exchange *Exchange, entry *PlanEntry, output interface{}) error
}

// standardStrategy encodes general purpose outputs: nothing for absent outputs, raw text
// for strings, verbatim bytes or streams for binary payloads, JSON scalars for numbers
// (never misread as a status code), and dehydrated JSON for everything else.
type standardStrategy struct {
	// bare forces a status only response regardless of output (deprecated status alias).
	bare bool
}

var _ encodingStrategy = standardStrategy{}

func (standardStrategy) name() string {
	return ResponseTypeStandard
}

func (strategy standardStrategy) encode(exchange *Exchange, entry *PlanEntry, output interface{}) error {
	ctx := exchange.ctx

	if strategy.bare || output == nil {
		ctx.Status(entry.StatusCode)
		return nil
	}

	if failure, ok := output.(error); ok {
		return strategy.encodeFailure(exchange, entry, failure)
	}

	switch typed := output.(type) {
	case string:
		ctx.Status(entry.StatusCode)
		return ctx.SendString(typed)
	case []byte:
		if ctx.GetRespHeader(fiber.HeaderContentType) == "" {
			ctx.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		}
		ctx.Status(entry.StatusCode)
		return ctx.Send(typed)
	case *Upload:
		// readers from Open are already guarded
		reader, err := typed.Open()
		if err != nil {
			return err
		}
		if ctx.GetRespHeader(fiber.HeaderContentType) == "" {
			ctx.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		}
		ctx.Status(entry.StatusCode)
		return ctx.SendStream(reader)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return ctx.Status(entry.StatusCode).JSON(output)
	}

	if reader, ok := output.(io.Reader); ok {
		return strategy.encodeStream(exchange, entry, reader)
	}

	return ctx.Status(entry.StatusCode).JSON(Dehydrate(output))
}

func (standardStrategy) encodeStream(exchange *Exchange, entry *PlanEntry, reader io.Reader) error {
	ctx := exchange.ctx
	if ctx.GetRespHeader(fiber.HeaderContentType) == "" {
		ctx.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	}
	ctx.Status(entry.StatusCode)
	return ctx.SendStream(&guardedReader{inner: reader, source: fmt.Sprintf("exit [%s]", entry.ExitName), log: exchange.log})
}

func (standardStrategy) encodeFailure(exchange *Exchange, entry *PlanEntry, failure error) error {
	ctx := exchange.ctx
	ctx.Status(entry.StatusCode)

	if marshaler, ok := failure.(json.Marshaler); ok {
		return ctx.JSON(marshaler)
	}

	// never leak internal error detail in production
	if exchange.options.production() {
		return nil
	}

	return ctx.SendString(fmt.Sprintf("%+v", failure))
}

// errorStrategy encodes abnormal completions. Input validation failures surfaced by the
// execution engine become structured 400 responses instead of the generic error path.
type errorStrategy struct{}

var _ encodingStrategy = errorStrategy{}

func (errorStrategy) name() string {
	return ResponseTypeError
}

func (errorStrategy) encode(exchange *Exchange, entry *PlanEntry, output interface{}) error {
	ctx := exchange.ctx

	if failure, ok := output.(error); ok {
		var invalid *InvalidArgumentsError
		if errors.As(failure, &invalid) {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    "The request could not be fulfilled because one or more arguments were invalid.",
				"problems": invalid.Problems,
			})
		}
	}

	ctx.Status(entry.StatusCode)

	if exchange.options.production() {
		return nil
	}

	switch typed := output.(type) {
	case nil:
		return ctx.SendString(fmt.Sprintf("%s %s failed via exit [%s]", ctx.Method(), ctx.Path(), entry.ExitName))
	case error:
		return ctx.SendString(fmt.Sprintf("%+v", typed))
	default:
		if err := ctx.JSON(Dehydrate(typed)); err != nil {
			// degrade to a plain text failure
			return ctx.SendString(fmt.Sprintf("%s %s failed via exit [%s]", ctx.Method(), ctx.Path(), entry.ExitName))
		}
		return nil
	}
}

// redirectStrategy sends the client to the output target, or to the configured default
// target when the output carries none.
type redirectStrategy struct{}

var _ encodingStrategy = redirectStrategy{}

func (redirectStrategy) name() string {
	return ResponseTypeRedirect
}

func (redirectStrategy) encode(exchange *Exchange, entry *PlanEntry, output interface{}) error {
	ctx := exchange.ctx

	// upgrade handshakes manage their own transport, nothing to redirect
	if ctx.Get(fiber.HeaderUpgrade) != "" {
		exchange.log.Debugf("skipping redirect for exit [%s], request is an upgrade handshake", entry.ExitName)
		return nil
	}

	target := exchange.options.RedirectTarget
	if output != nil {
		str, ok := output.(string)
		if !ok {
			return fmt.Errorf("redirect output must be a string target, got %T", output)
		}
		if str != "" {
			target = str
		}
	}

	return ctx.Redirect(target, entry.StatusCode)
}

// viewStrategy renders the entry's template with the output as locals.
type viewStrategy struct {
	templatePath string
}

var _ encodingStrategy = viewStrategy{}

func (viewStrategy) name() string {
	return ResponseTypeView
}

func (strategy viewStrategy) encode(exchange *Exchange, entry *PlanEntry, output interface{}) error {
	ctx := exchange.ctx

	if output == nil {
		ctx.Status(entry.StatusCode)
		return ctx.Render(strategy.templatePath, fiber.Map{})
	}

	if !conformsTo(output, KindDictionary) {
		return fmt.Errorf("view locals must be a dictionary, got %T", output)
	}

	ctx.Status(entry.StatusCode)
	return ctx.Render(strategy.templatePath, output)
}

// customStrategy defers to a registered Responder for responseType values outside the
// built-in set.
type customStrategy struct {
	responder Responder
}

var _ encodingStrategy = customStrategy{}

func (strategy customStrategy) name() string {
	return strategy.responder.Binding()
}

func (strategy customStrategy) encode(exchange *Exchange, entry *PlanEntry, output interface{}) error {
	exchange.ctx.Status(entry.StatusCode)
	return strategy.responder.Respond(exchange.ctx, entry, output)
}
