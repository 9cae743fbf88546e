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
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type ContextKey string

const (
	HandlerContextKey  = ContextKey("machweb.RouteHandler.ContextKey")
	ExchangeContextKey = ContextKey("machweb.Exchange.ContextKey")
)

// HandlerFromCtx is a utility function to retrieve the RouteHandler serving the current
// request during downstream processing, or nil outside a machweb handled request.
func HandlerFromCtx(ctx *fiber.Ctx) *RouteHandler {
	if val := ctx.Locals(HandlerContextKey); val != nil {
		if handler, ok := val.(*RouteHandler); ok {
			return handler
		}
	}
	return nil
}

// ExchangeFromCtx is a utility function to retrieve the per request Exchange, providing
// access to the invocation id and the exit attempt history, or nil outside a machweb
// handled request.
func ExchangeFromCtx(ctx *fiber.Ctx) *Exchange {
	if val := ctx.Locals(ExchangeContextKey); val != nil {
		if exchange, ok := val.(*Exchange); ok {
			return exchange
		}
	}
	return nil
}

// Env is the contextual metadata handed to a machine implementation for one invocation:
// the live request, the host application handle, the invocation id, and a request scoped
// logger.
type Env struct {
	Ctx          *fiber.Ctx
	App          *fiber.App
	InvocationID string
	Log          *logrus.Entry
}
