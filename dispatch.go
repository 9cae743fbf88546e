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
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/openziti/foundation/v2/debugz"
	"github.com/sirupsen/logrus"
)

// Compile builds the request handler for a machine: the definition is normalized into a
// Runnable, the response plan is compiled over its exits, and both are bound to one
// immutable RouteHandler. Everything that can be rejected is rejected here; Handle does no
// validation of its own configuration.
func Compile(def *Machine, directives map[string]*ResponseDirective, options *Options) (*RouteHandler, error) {
	opts, err := options.normalized()
	if err != nil {
		return nil, err
	}

	runnable, err := BuildRunnable(def)
	if err != nil {
		return nil, err
	}

	plan, err := compilePlan(runnable, directives, opts)
	if err != nil {
		return nil, err
	}

	return &RouteHandler{
		runnable: runnable,
		plan:     plan,
		options:  opts,
		log:      opts.Logger.WithField("machine", runnable.Identity()),
	}, nil
}

// RouteHandler is the compiled binding of one machine to one route. It is immutable once
// mounted and safe for concurrent use; all per request state lives on the Exchange.
type RouteHandler struct {
	runnable *Runnable
	plan     ResponsePlan
	options  *Options
	log      *logrus.Entry

	method string
	path   string
}

// Runnable returns the normalized machine this handler invokes.
func (handler *RouteHandler) Runnable() *Runnable {
	return handler.runnable
}

// Plan returns the compiled response plan, one entry per exit.
func (handler *RouteHandler) Plan() ResponsePlan {
	return handler.plan
}

// SetRoute records the method and path the handler was mounted at, for introspection and
// document generation. Call before serving traffic.
func (handler *RouteHandler) SetRoute(method string, path string) {
	handler.method = method
	handler.path = path
}

// Method returns the HTTP method recorded by SetRoute.
func (handler *RouteHandler) Method() string {
	return handler.method
}

// Path returns the route path recorded by SetRoute.
func (handler *RouteHandler) Path() string {
	return handler.path
}

// Handle serves one request: bind arguments, invoke the machine, and wait for the winning
// exit's response to be committed. fiber recycles the context after this returns, so the
// wait is load bearing; exits that fire later lose the claim and are logged and dropped
// without touching the context.
func (handler *RouteHandler) Handle(ctx *fiber.Ctx) error {
	exchange := &Exchange{
		ctx:          ctx,
		handler:      handler,
		options:      handler.options,
		invocationID: uuid.NewString(),
		encoded:      make(chan struct{}),
	}
	exchange.log = handler.log.WithFields(logrus.Fields{
		"invocationId": exchange.invocationID,
		"method":       ctx.Method(),
		"path":         ctx.Path(),
	})

	ctx.Locals(HandlerContextKey, handler)
	ctx.Locals(ExchangeContextKey, exchange)

	args := handler.bindArguments(ctx, exchange)

	env := &Env{
		Ctx:          ctx,
		App:          ctx.App(),
		InvocationID: exchange.invocationID,
		Log:          exchange.log,
	}

	callbacks := make(map[string]ExitFunc, len(handler.plan))
	for name := range handler.plan {
		name := name
		callbacks[name] = func(output interface{}) {
			exchange.exitFired(name, output)
		}
	}

	handler.runnable.Exec(args, env, callbacks)

	// Exec guarantees at least one exit notification, so by this point a response is
	// committed or mid encode on the goroutine that won the claim.
	<-exchange.encoded

	return nil
}

// bindArguments extracts one value per declared input, consulting carriers in precedence
// order: route parameter, query parameter, JSON body field, form field. Text carriers are
// coerced toward the input's exemplar kind; unparseable text passes through raw so that
// validation can describe the mismatch to the caller.
func (handler *RouteHandler) bindArguments(ctx *fiber.Ctx, exchange *Exchange) Bindings {
	args := Bindings{}
	body := parseJSONBody(ctx, exchange.log)

	for _, name := range handler.runnable.InputNames() {
		input := handler.runnable.InputDefinition(name)
		kind := handler.runnable.InputKind(name)

		if input.File {
			if header, err := ctx.FormFile(name); err == nil && header != nil {
				args[name] = &Upload{Header: header, source: fmt.Sprintf("upload [%s]", name), log: exchange.log}
			}
			continue
		}

		if input.WildcardSuffix {
			if match := ctx.Params("*"); match != "" {
				args[name] = match
			}
			continue
		}

		if raw := ctx.Params(name); raw != "" {
			if value, ok := coerceParam(raw, kind); ok {
				args[name] = value
			}
			continue
		}

		if ctx.Context().QueryArgs().Has(name) {
			if value, ok := coerceParam(ctx.Query(name), kind); ok {
				args[name] = value
			}
			continue
		}

		if body != nil {
			if value, ok := body[name]; ok {
				args[name] = value
				continue
			}
		}

		if ctx.Context().PostArgs().Has(name) {
			if value, ok := coerceParam(ctx.FormValue(name), kind); ok {
				args[name] = value
			}
			continue
		}

		if form, err := ctx.MultipartForm(); err == nil && form != nil {
			if values, ok := form.Value[name]; ok && len(values) > 0 {
				if value, ok := coerceParam(values[0], kind); ok {
					args[name] = value
				}
			}
		}
	}

	return args
}

// parseJSONBody decodes a JSON request body into a map, once per request. Non JSON
// content types and malformed bodies yield nil; inputs that depended on the body then
// surface as ordinary validation problems.
func parseJSONBody(ctx *fiber.Ctx, log *logrus.Entry) map[string]interface{} {
	if !strings.HasPrefix(ctx.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		return nil
	}

	raw := ctx.Body()
	if len(raw) == 0 {
		return nil
	}

	body := map[string]interface{}{}
	if err := json.Unmarshal(raw, &body); err != nil {
		log.WithError(err).Debug("ignoring malformed JSON request body")
		return nil
	}

	return body
}

// Exchange is the per request state of one machine invocation: the claim guard that
// enforces at most one response, the exit attempt history, and the request scoped logger.
type Exchange struct {
	ctx          *fiber.Ctx
	handler      *RouteHandler
	options      *Options
	log          *logrus.Entry
	invocationID string

	claimed atomic.Bool
	encoded chan struct{}

	lock     sync.Mutex
	attempts []ExitAttempt
}

// InvocationID returns the unique id assigned to this invocation.
func (exchange *Exchange) InvocationID() string {
	return exchange.invocationID
}

// Committed reports whether a response has been claimed for this request.
func (exchange *Exchange) Committed() bool {
	return exchange.claimed.Load()
}

// Attempts returns a copy of the exit notifications received so far.
func (exchange *Exchange) Attempts() []ExitAttempt {
	exchange.lock.Lock()
	defer exchange.lock.Unlock()
	return append([]ExitAttempt(nil), exchange.attempts...)
}

// exitFired is the protocol guard. Every exit notification lands here, on whatever
// goroutine fired it. The first claims the response and encodes it; every later one is
// recorded, logged as a protocol violation, and dropped without touching the request
// context, which may already be recycled.
func (exchange *Exchange) exitFired(name string, output interface{}) {
	exchange.lock.Lock()
	exchange.attempts = append(exchange.attempts, ExitAttempt{Exit: name, At: time.Now()})
	history := append([]ExitAttempt(nil), exchange.attempts...)
	exchange.lock.Unlock()

	if !exchange.claimed.CompareAndSwap(false, true) {
		violation := &ProtocolViolationError{Exit: name, Attempts: history}
		exchange.log.Errorf("%v", violation)
		if metrics := exchange.options.Metrics; metrics != nil {
			metrics.ProtocolViolations.WithLabelValues(exchange.handler.runnable.Identity()).Inc()
		}
		return
	}

	defer close(exchange.encoded)

	if wait := exchange.options.SimulateLatency; wait > 0 {
		select {
		case <-time.After(wait):
		case <-exchange.ctx.Context().Done():
			// client went away during the suspension, nothing to encode
			return
		}
	}

	exchange.respond(name, output)
}

// respond commits the response for the winning exit. Encoding runs under a recover
// boundary: any failure is wrapped as *EncodingError, logged with request context, and
// degraded to a best effort 500.
func (exchange *Exchange) respond(name string, output interface{}) {
	entry := exchange.handler.plan[name]
	if entry == nil {
		// unknown names are rerouted by the execution engine before they reach here; this
		// guards the boundary all the same
		entry = exchange.handler.plan[ErrorExit]
		output = fmt.Errorf("no response plan entry for exit [%s]", name)
	}

	exchange.setDiagnosticHeaders(entry)

	start := time.Now()
	err := encodeGuarded(exchange, entry, output)
	if metrics := exchange.options.Metrics; metrics != nil {
		metrics.EncodeDuration.WithLabelValues(exchange.handler.runnable.Identity(), entry.strategy.name()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		encodingErr := &EncodingError{
			Method: exchange.ctx.Method(),
			Path:   exchange.ctx.Path(),
			Exit:   entry.ExitName,
			Cause:  err,
		}
		exchange.log.Errorf("%v", encodingErr)
		exchange.degrade(encodingErr)
	}

	if metrics := exchange.options.Metrics; metrics != nil {
		metrics.ExitsFired.WithLabelValues(
			exchange.handler.runnable.Identity(),
			entry.ExitName,
			strconv.Itoa(exchange.ctx.Response().StatusCode()),
		).Inc()
	}
}

func encodeGuarded(exchange *Exchange, entry *PlanEntry, output interface{}) (err error) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			if !exchange.options.production() {
				exchange.log.Errorf("panic while encoding exit [%s]: %v\n%v", entry.ExitName, panicVal, debugz.GenerateLocalStack())
			}
			err = fmt.Errorf("panic while encoding: %v", panicVal)
		}
	}()
	return entry.strategy.encode(exchange, entry, output)
}

// degrade is the last resort when encoding itself failed: discard any partial body and
// answer 500, with diagnostic text in development and a bare status in production. Write
// failures here are ignored, the connection is already suspect.
func (exchange *Exchange) degrade(cause *EncodingError) {
	ctx := exchange.ctx
	ctx.Response().ResetBody()
	ctx.Status(fiber.StatusInternalServerError)

	if !exchange.options.production() {
		_ = ctx.SendString(cause.Error())
	}
}

// setDiagnosticHeaders exposes the winning exit's metadata to clients, for development
// tooling. Suppressed in production and when disabled by configuration.
func (exchange *Exchange) setDiagnosticHeaders(entry *PlanEntry) {
	if !exchange.options.headersEnabled() {
		return
	}

	ctx := exchange.ctx
	def := entry.Definition

	ctx.Set(HeaderExit, entry.ExitName)

	set := func(header string, value string) {
		if value != "" {
			ctx.Set(header, value)
		}
	}

	set(HeaderExitFriendlyName, def.FriendlyName)
	set(HeaderExitDescription, def.Description)
	set(HeaderExitExtendedDescription, def.ExtendedDescription)
	set(HeaderExitMoreInfoURL, def.MoreInfoURL)
	set(HeaderExitOutputFriendlyName, def.OutputFriendlyName)
	set(HeaderExitOutputDescription, def.OutputDescription)
	set(HeaderExitViewTemplatePath, entry.TemplatePath)
}
