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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var _ Responder = (*csvResponder)(nil)

// csvResponder encodes string row output as text/csv, exercising the custom responder
// path end to end.
type csvResponder struct{}

func (responder *csvResponder) Binding() string {
	return "csv"
}

func (responder *csvResponder) Respond(ctx *fiber.Ctx, entry *PlanEntry, output interface{}) error {
	ctx.Set(fiber.HeaderContentType, "text/csv")

	rows, ok := output.([][]string)
	if !ok {
		return fmt.Errorf("csv output must be rows, got %T", output)
	}

	var lines []string
	for _, row := range rows {
		lines = append(lines, strings.Join(row, ","))
	}

	return ctx.SendString(strings.Join(lines, "\n"))
}

var _ Responder = (*explosiveResponder)(nil)

// explosiveResponder writes a partial body then panics, exercising the encode guard.
type explosiveResponder struct{}

func (responder *explosiveResponder) Binding() string {
	return "explosive"
}

func (responder *explosiveResponder) Respond(ctx *fiber.Ctx, entry *PlanEntry, output interface{}) error {
	_ = ctx.SendString("partial")
	panic("encoder exploded")
}

var _ fiber.Views = (*stubViews)(nil)

// stubViews is a minimal template engine recording what was rendered.
type stubViews struct {
	rendered []string
	lastBind interface{}
}

func (views *stubViews) Load() error {
	return nil
}

func (views *stubViews) Render(writer io.Writer, name string, bind interface{}, layouts ...string) error {
	views.rendered = append(views.rendered, name)
	views.lastBind = bind
	_, err := writer.Write([]byte("rendered " + name))
	return err
}

func testMount(req *require.Assertions, method string, path string, def *Machine, directives map[string]*ResponseDirective, options *Options) *fiber.App {
	app := fiber.New()
	_, err := Mount(app, method, path, def, directives, options)
	req.NoError(err)
	return app
}

func bodyString(req *require.Assertions, resp *http.Response) string {
	content, err := io.ReadAll(resp.Body)
	req.NoError(err)
	return string(content)
}

func Test_HandleStandardResponses(t *testing.T) {

	t.Run("a nil output answers the plan status with an empty body", func(t *testing.T) {
		def := &Machine{
			Identity: "pinger",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success(nil)
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/ping", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/ping", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Empty(bodyString(req, resp))
	})

	t.Run("a string output is sent as raw text, not JSON quoted", func(t *testing.T) {
		def := &Machine{
			Identity: "greeter",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success("hello world!")
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/greet", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/greet", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("hello world!", bodyString(req, resp))
	})

	t.Run("a numeric output is encoded as a JSON scalar, never a status code", func(t *testing.T) {
		def := &Machine{
			Identity: "counter",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success(404)
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/count", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/count", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("404", bodyString(req, resp))
		req.Contains(resp.Header.Get(fiber.HeaderContentType), "application/json")
	})

	t.Run("a byte slice output streams back verbatim as an octet stream", func(t *testing.T) {
		payload := []byte{0x00, 0x01, 0xFE, 0xFF}
		def := &Machine{
			Identity: "blobber",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success(payload)
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/blob", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/blob", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("application/octet-stream", resp.Header.Get(fiber.HeaderContentType))

		content, err := io.ReadAll(resp.Body)
		req.NoError(err)
		req.Equal(payload, content)
	})

	t.Run("a content type set by the implementation is not overwritten for binary output", func(t *testing.T) {
		def := &Machine{
			Identity: "imager",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				env.Ctx.Set(fiber.HeaderContentType, "image/png")
				exits.Success([]byte("png-bytes"))
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/image", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/image", nil))
		req.NoError(err)
		req.Equal("image/png", resp.Header.Get(fiber.HeaderContentType))
		req.Equal("png-bytes", bodyString(req, resp))
	})

	t.Run("a reader output is piped back as an octet stream", func(t *testing.T) {
		def := &Machine{
			Identity: "streamer",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success(strings.NewReader("streamed-bytes"))
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/stream", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/stream", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("application/octet-stream", resp.Header.Get(fiber.HeaderContentType))
		req.Equal("streamed-bytes", bodyString(req, resp))
	})

	t.Run("a structured output dehydrates to JSON honoring tags", func(t *testing.T) {
		type profile struct {
			DisplayName string `json:"display_name"`
			Secret      string `json:"-"`
		}

		def := &Machine{
			Identity: "profiler",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success(&profile{DisplayName: "zed", Secret: "hunter2"})
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/profile", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/profile", nil))
		req.NoError(err)
		req.Contains(resp.Header.Get(fiber.HeaderContentType), "application/json")

		decoded := map[string]interface{}{}
		req.NoError(json.Unmarshal([]byte(bodyString(req, resp)), &decoded))
		req.Equal("zed", decoded["display_name"])
		req.NotContains(decoded, "Secret")
	})

	t.Run("a custom exit with no directives answers as an abnormal outcome", func(t *testing.T) {
		def := &Machine{
			Identity: "divergent",
			Exits: map[string]*Exit{
				"whatever": {},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Fire("whatever", nil)
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/divergent", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/divergent", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Empty(bodyString(req, resp))
		req.Equal("whatever", resp.Header.Get(HeaderExit))
	})

	t.Run("an error output on a standard exit renders inspection text in development", func(t *testing.T) {
		def := &Machine{
			Identity: "faulty",
			Exits: map[string]*Exit{
				"failed": {},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Fire("failed", fmt.Errorf("backend down"))
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/faulty", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/faulty", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Contains(bodyString(req, resp), "backend down")
	})

	t.Run("an error output on a standard exit leaks nothing in production", func(t *testing.T) {
		def := &Machine{
			Identity: "faulty",
			Exits: map[string]*Exit{
				"failed": {},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Fire("failed", fmt.Errorf("backend down"))
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/faulty", def, nil, &Options{Environment: EnvironmentProduction})

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/faulty", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Empty(bodyString(req, resp))
	})

	t.Run("the deprecated status alias sends a bare status regardless of output", func(t *testing.T) {
		def := &Machine{
			Identity: "acceptor",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success("ignored-payload")
				return nil
			},
		}
		directives := map[string]*ResponseDirective{
			SuccessExit: {ResponseType: ResponseTypeStatus, StatusCode: fiber.StatusAccepted},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodPost, "/accept", def, directives, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/accept", nil))
		req.NoError(err)
		req.Equal(fiber.StatusAccepted, resp.StatusCode)
		req.Empty(bodyString(req, resp))
	})
}

func Test_HandleErrorResponses(t *testing.T) {

	failingMachine := func(output interface{}) *Machine {
		return &Machine{
			Identity: "failer",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Error(output)
				return nil
			},
		}
	}

	t.Run("a nil error output describes the request and exit in development", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/fail", failingMachine(nil), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/fail", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Equal("GET /fail failed via exit [error]", bodyString(req, resp))
	})

	t.Run("an error output renders its inspection text in development", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/fail", failingMachine(fmt.Errorf("denied by policy")), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/fail", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Contains(bodyString(req, resp), "denied by policy")
	})

	t.Run("a structured error output dehydrates to JSON in development", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/fail", failingMachine(fiber.Map{"code": "E42"}), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/fail", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)

		decoded := map[string]interface{}{}
		req.NoError(json.Unmarshal([]byte(bodyString(req, resp)), &decoded))
		req.Equal("E42", decoded["code"])
	})

	t.Run("production error responses carry a bare status", func(t *testing.T) {
		req := require.New(t)
		options := &Options{Environment: EnvironmentProduction}
		app := testMount(req, fiber.MethodGet, "/fail", failingMachine(fmt.Errorf("denied by policy")), nil, options)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/fail", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Empty(bodyString(req, resp))
	})

	t.Run("invalid arguments become a structured 400 even in production", func(t *testing.T) {
		def := &Machine{
			Identity: "strict",
			Inputs: map[string]*Input{
				"name": {Exemplar: "example", Required: true},
			},
			Fn: noopImplementation,
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/strict", def, nil, &Options{Environment: EnvironmentProduction})

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/strict", nil))
		req.NoError(err)
		req.Equal(fiber.StatusBadRequest, resp.StatusCode)

		decoded := map[string]interface{}{}
		req.NoError(json.Unmarshal([]byte(bodyString(req, resp)), &decoded))
		req.NotEmpty(decoded["error"])

		problems, ok := decoded["problems"].([]interface{})
		req.True(ok)
		req.Len(problems, 1)
		req.Contains(problems[0], "\"name\" is required")
	})

	t.Run("an unparseable numeric parameter surfaces as a 400 problem", func(t *testing.T) {
		def := &Machine{
			Identity: "numeric",
			Inputs: map[string]*Input{
				"count": {Exemplar: 0, Required: true},
			},
			Fn: noopImplementation,
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/numeric", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/numeric?count=abc", nil))
		req.NoError(err)
		req.Equal(fiber.StatusBadRequest, resp.StatusCode)

		decoded := map[string]interface{}{}
		req.NoError(json.Unmarshal([]byte(bodyString(req, resp)), &decoded))

		problems, ok := decoded["problems"].([]interface{})
		req.True(ok)
		req.Contains(problems[0], "\"count\" must be a number")
	})

	t.Run("a panicking implementation degrades to a 500 with detail in development", func(t *testing.T) {
		def := &Machine{
			Identity: "panicky",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				panic("kaboom")
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/panic", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/panic", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Contains(bodyString(req, resp), "panic in machine [panicky]")
	})

	t.Run("an undeclared exit fired at runtime reroutes to the error response", func(t *testing.T) {
		def := &Machine{
			Identity: "off.script",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Fire("bogus", "payload")
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/rogue", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/rogue", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Contains(bodyString(req, resp), "undeclared exit [bogus]")
	})
}

func Test_HandleRedirects(t *testing.T) {

	redirectMachine := func(output interface{}) *Machine {
		return &Machine{
			Identity: "redirector",
			Exits: map[string]*Exit{
				"moved": {
					OutputExemplar: "/elsewhere",
					Response:       ResponseDirective{ResponseType: ResponseTypeRedirect},
				},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Fire("moved", output)
				return nil
			},
		}
	}

	t.Run("a string output becomes the redirect target", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/old", redirectMachine("/dashboard"), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/old", nil))
		req.NoError(err)
		req.Equal(fiber.StatusFound, resp.StatusCode)
		req.Equal("/dashboard", resp.Header.Get(fiber.HeaderLocation))
	})

	t.Run("a nil output falls back to the configured redirect target", func(t *testing.T) {
		req := require.New(t)
		options := &Options{RedirectTarget: "/login"}
		app := testMount(req, fiber.MethodGet, "/old", redirectMachine(nil), nil, options)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/old", nil))
		req.NoError(err)
		req.Equal(fiber.StatusFound, resp.StatusCode)
		req.Equal("/login", resp.Header.Get(fiber.HeaderLocation))
	})

	t.Run("an empty string output falls back to the configured redirect target", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/old", redirectMachine(""), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/old", nil))
		req.NoError(err)
		req.Equal(DefaultRedirectTarget, resp.Header.Get(fiber.HeaderLocation))
	})

	t.Run("a configured status code overrides the 302 default", func(t *testing.T) {
		directives := map[string]*ResponseDirective{
			"moved": {StatusCode: fiber.StatusSeeOther},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/old", redirectMachine("/dashboard"), directives, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/old", nil))
		req.NoError(err)
		req.Equal(fiber.StatusSeeOther, resp.StatusCode)
	})

	t.Run("upgrade handshakes are never redirected", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/old", redirectMachine("/dashboard"), nil, nil)

		request := httptest.NewRequest(fiber.MethodGet, "/old", nil)
		request.Header.Set(fiber.HeaderUpgrade, "websocket")

		resp, err := app.Test(request)
		req.NoError(err)
		req.Empty(resp.Header.Get(fiber.HeaderLocation))
	})

	t.Run("a non string output at runtime degrades to a 500", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/old", redirectMachine(42), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/old", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Contains(bodyString(req, resp), "redirect output must be a string target")
	})
}

func Test_HandleViews(t *testing.T) {

	viewMachine := func(output interface{}) *Machine {
		return &Machine{
			Identity: "viewer",
			Exits: map[string]*Exit{
				SuccessExit: {
					OutputExemplar: map[string]interface{}{"title": "example"},
					Response:       ResponseDirective{ViewTemplatePath: "widgets/list"},
				},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success(output)
				return nil
			},
		}
	}

	mountWithViews := func(req *require.Assertions, def *Machine) (*fiber.App, *stubViews) {
		views := &stubViews{}
		app := fiber.New(fiber.Config{Views: views})
		_, err := Mount(app, fiber.MethodGet, "/widgets", def, nil, nil)
		req.NoError(err)
		return app, views
	}

	t.Run("dictionary output renders the template as locals", func(t *testing.T) {
		req := require.New(t)
		app, views := mountWithViews(req, viewMachine(fiber.Map{"title": "All Widgets"}))

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/widgets", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("rendered widgets/list", bodyString(req, resp))
		req.Equal([]string{"widgets/list"}, views.rendered)
		req.Equal(fiber.Map{"title": "All Widgets"}, views.lastBind)
	})

	t.Run("nil output renders the template with empty locals", func(t *testing.T) {
		req := require.New(t)
		app, views := mountWithViews(req, viewMachine(nil))

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/widgets", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal([]string{"widgets/list"}, views.rendered)
	})

	t.Run("non dictionary output degrades to a 500 before any rendering", func(t *testing.T) {
		req := require.New(t)
		app, views := mountWithViews(req, viewMachine([]int{1, 2}))

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/widgets", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Contains(bodyString(req, resp), "view locals must be a dictionary")
		req.Empty(views.rendered)
	})
}

func Test_HandleCustomResponders(t *testing.T) {

	t.Run("a registered responder encodes the winning exit's output", func(t *testing.T) {
		registry := NewRegistryMap()

		req := require.New(t)
		req.NoError(registry.Add(&csvResponder{}))

		def := &Machine{
			Identity: "reporter",
			Exits: map[string]*Exit{
				"report": {
					OutputExemplar: [][]string{{"example"}},
					Response:       ResponseDirective{ResponseType: "csv", StatusCode: fiber.StatusOK},
				},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Fire("report", [][]string{{"a", "b"}, {"c", "d"}})
				return nil
			},
		}

		app := testMount(req, fiber.MethodGet, "/report", def, nil, &Options{Registry: registry})

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/report", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("text/csv", resp.Header.Get(fiber.HeaderContentType))
		req.Equal("a,b\nc,d", bodyString(req, resp))
	})

	t.Run("a panicking responder degrades to a 500 with the partial body discarded", func(t *testing.T) {
		registry := NewRegistryMap()

		req := require.New(t)
		req.NoError(registry.Add(&explosiveResponder{}))

		def := &Machine{
			Identity: "exploder",
			Exits: map[string]*Exit{
				SuccessExit: {Response: ResponseDirective{ResponseType: "explosive"}},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				exits.Success("anything")
				return nil
			},
		}

		app := testMount(req, fiber.MethodGet, "/explode", def, nil, &Options{Registry: registry})

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/explode", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)

		body := bodyString(req, resp)
		req.Contains(body, "panic while encoding")
		req.NotContains(body, "partial")
	})
}

func Test_HandleDiagnosticHeaders(t *testing.T) {

	describedMachine := func() *Machine {
		return &Machine{
			Identity: "described",
			Exits: map[string]*Exit{
				SuccessExit: {
					FriendlyName:        "Widget Created",
					Description:         "The widget was created.",
					ExtendedDescription: "A longer description.",
					MoreInfoURL:         "https://example.com/widgets",
					OutputFriendlyName:  "The Widget",
					OutputDescription:   "The created widget.",
				},
			},
			Fn: noopImplementation,
		}
	}

	t.Run("development responses carry the exit metadata headers", func(t *testing.T) {
		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/described", describedMachine(), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/described", nil))
		req.NoError(err)
		req.Equal(SuccessExit, resp.Header.Get(HeaderExit))
		req.Equal("Widget Created", resp.Header.Get(HeaderExitFriendlyName))
		req.Equal("The widget was created.", resp.Header.Get(HeaderExitDescription))
		req.Equal("A longer description.", resp.Header.Get(HeaderExitExtendedDescription))
		req.Equal("https://example.com/widgets", resp.Header.Get(HeaderExitMoreInfoURL))
		req.Equal("The Widget", resp.Header.Get(HeaderExitOutputFriendlyName))
		req.Equal("The created widget.", resp.Header.Get(HeaderExitOutputDescription))
	})

	t.Run("empty metadata fields emit no header at all", func(t *testing.T) {
		def := &Machine{Identity: "undescribed", Fn: noopImplementation}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/undescribed", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/undescribed", nil))
		req.NoError(err)
		req.Equal(SuccessExit, resp.Header.Get(HeaderExit))
		req.Empty(resp.Header.Values(HeaderExitFriendlyName))
		req.Empty(resp.Header.Values(HeaderExitMoreInfoURL))
	})

	t.Run("view responses expose the template path header", func(t *testing.T) {
		def := &Machine{
			Identity: "viewer",
			Exits: map[string]*Exit{
				SuccessExit: {Response: ResponseDirective{ViewTemplatePath: "widgets/list"}},
			},
			Fn: noopImplementation,
		}

		views := &stubViews{}
		app := fiber.New(fiber.Config{Views: views})

		req := require.New(t)
		_, err := Mount(app, fiber.MethodGet, "/widgets", def, nil, nil)
		req.NoError(err)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/widgets", nil))
		req.NoError(err)
		req.Equal("widgets/list", resp.Header.Get(HeaderExitViewTemplatePath))
	})

	t.Run("production suppresses every diagnostic header", func(t *testing.T) {
		req := require.New(t)
		options := &Options{Environment: EnvironmentProduction}
		app := testMount(req, fiber.MethodGet, "/described", describedMachine(), nil, options)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/described", nil))
		req.NoError(err)
		req.Empty(resp.Header.Values(HeaderExit))
		req.Empty(resp.Header.Values(HeaderExitFriendlyName))
	})

	t.Run("the headers can be disabled outside production too", func(t *testing.T) {
		req := require.New(t)
		options := &Options{DisableDiagnosticHeaders: true}
		app := testMount(req, fiber.MethodGet, "/described", describedMachine(), nil, options)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/described", nil))
		req.NoError(err)
		req.Empty(resp.Header.Values(HeaderExit))
	})
}

func Test_HandleInputBinding(t *testing.T) {

	echoMachine := func(inputs map[string]*Input, name string) *Machine {
		return &Machine{
			Identity: "echoer",
			Inputs:   inputs,
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				if value, ok := args[name]; ok {
					exits.Success(fmt.Sprintf("%v", value))
				} else {
					exits.Success("absent")
				}
				return nil
			},
		}
	}

	t.Run("route parameters bind by name with kind coercion", func(t *testing.T) {
		inputs := map[string]*Input{"id": {Exemplar: 0}}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/items/:id", echoMachine(inputs, "id"), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/items/42", nil))
		req.NoError(err)
		req.Equal("42", bodyString(req, resp))
	})

	t.Run("query parameters bind when no route parameter matches", func(t *testing.T) {
		inputs := map[string]*Input{"name": {Exemplar: "example"}}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/echo", echoMachine(inputs, "name"), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/echo?name=from-query", nil))
		req.NoError(err)
		req.Equal("from-query", bodyString(req, resp))
	})

	t.Run("route parameters take precedence over query parameters", func(t *testing.T) {
		inputs := map[string]*Input{"name": {Exemplar: "example"}}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/echo/:name", echoMachine(inputs, "name"), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/echo/from-route?name=from-query", nil))
		req.NoError(err)
		req.Equal("from-route", bodyString(req, resp))
	})

	t.Run("an empty boolean query parameter coerces to true", func(t *testing.T) {
		inputs := map[string]*Input{"verbose": {Exemplar: false}}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/echo", echoMachine(inputs, "verbose"), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/echo?verbose", nil))
		req.NoError(err)
		req.Equal("true", bodyString(req, resp))
	})

	t.Run("an empty numeric query parameter binds nothing", func(t *testing.T) {
		inputs := map[string]*Input{"count": {Exemplar: 0}}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/echo", echoMachine(inputs, "count"), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/echo?count=", nil))
		req.NoError(err)
		req.Equal("absent", bodyString(req, resp))
	})

	t.Run("JSON body fields bind with their decoded types", func(t *testing.T) {
		inputs := map[string]*Input{"tags": {Exemplar: []string{"example"}}}

		req := require.New(t)
		app := testMount(req, fiber.MethodPost, "/echo", echoMachine(inputs, "tags"), nil, nil)

		request := httptest.NewRequest(fiber.MethodPost, "/echo", strings.NewReader(`{"tags":["a","b"]}`))
		request.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

		resp, err := app.Test(request)
		req.NoError(err)
		req.Equal("[a b]", bodyString(req, resp))
	})

	t.Run("query parameters take precedence over JSON body fields", func(t *testing.T) {
		inputs := map[string]*Input{"name": {Exemplar: "example"}}

		req := require.New(t)
		app := testMount(req, fiber.MethodPost, "/echo", echoMachine(inputs, "name"), nil, nil)

		request := httptest.NewRequest(fiber.MethodPost, "/echo?name=from-query", strings.NewReader(`{"name":"from-body"}`))
		request.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

		resp, err := app.Test(request)
		req.NoError(err)
		req.Equal("from-query", bodyString(req, resp))
	})

	t.Run("a malformed JSON body is ignored rather than fatal", func(t *testing.T) {
		inputs := map[string]*Input{"note": {Exemplar: "example"}}

		req := require.New(t)
		app := testMount(req, fiber.MethodPost, "/echo", echoMachine(inputs, "note"), nil, nil)

		request := httptest.NewRequest(fiber.MethodPost, "/echo", strings.NewReader(`{not json`))
		request.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

		resp, err := app.Test(request)
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("absent", bodyString(req, resp))
	})

	t.Run("a JSON body with the wrong content type is not consulted", func(t *testing.T) {
		inputs := map[string]*Input{"note": {Exemplar: "example"}}

		req := require.New(t)
		app := testMount(req, fiber.MethodPost, "/echo", echoMachine(inputs, "note"), nil, nil)

		request := httptest.NewRequest(fiber.MethodPost, "/echo", strings.NewReader(`{"note":"hi"}`))
		request.Header.Set(fiber.HeaderContentType, fiber.MIMETextPlain)

		resp, err := app.Test(request)
		req.NoError(err)
		req.Equal("absent", bodyString(req, resp))
	})

	t.Run("urlencoded form fields bind by name", func(t *testing.T) {
		inputs := map[string]*Input{"name": {Exemplar: "example"}}

		req := require.New(t)
		app := testMount(req, fiber.MethodPost, "/echo", echoMachine(inputs, "name"), nil, nil)

		request := httptest.NewRequest(fiber.MethodPost, "/echo", strings.NewReader("name=from-form"))
		request.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)

		resp, err := app.Test(request)
		req.NoError(err)
		req.Equal("from-form", bodyString(req, resp))
	})

	t.Run("a wildcard suffix input binds the catch-all match", func(t *testing.T) {
		inputs := map[string]*Input{"path": {WildcardSuffix: true, Exemplar: "example"}}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/files/*", echoMachine(inputs, "path"), nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/files/docs/readme.txt", nil))
		req.NoError(err)
		req.Equal("docs/readme.txt", bodyString(req, resp))
	})

	t.Run("file inputs bind multipart uploads with metadata and content", func(t *testing.T) {
		def := &Machine{
			Identity: "uploader",
			Inputs: map[string]*Input{
				"avatar":  {File: true, Required: true},
				"caption": {Exemplar: "example"},
			},
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				upload := args["avatar"].(*Upload)

				reader, err := upload.Open()
				if err != nil {
					return err
				}
				defer func() { _ = reader.Close() }()

				content, err := io.ReadAll(reader)
				if err != nil {
					return err
				}

				exits.Success(fmt.Sprintf("%s|%d|%s|%v", upload.Filename(), upload.Size(), content, args["caption"]))
				return nil
			},
		}

		var buffer bytes.Buffer
		writer := multipart.NewWriter(&buffer)

		req := require.New(t)

		part, err := writer.CreateFormFile("avatar", "portrait.png")
		req.NoError(err)
		_, err = part.Write([]byte("image-bytes"))
		req.NoError(err)
		req.NoError(writer.WriteField("caption", "me"))
		req.NoError(writer.Close())

		app := testMount(req, fiber.MethodPost, "/profile", def, nil, nil)

		request := httptest.NewRequest(fiber.MethodPost, "/profile", &buffer)
		request.Header.Set(fiber.HeaderContentType, writer.FormDataContentType())

		resp, err := app.Test(request)
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("portrait.png|11|image-bytes|me", bodyString(req, resp))
	})

	t.Run("a missing required file input surfaces as a 400 problem", func(t *testing.T) {
		def := &Machine{
			Identity: "uploader",
			Inputs: map[string]*Input{
				"avatar": {File: true, Required: true},
			},
			Fn: noopImplementation,
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodPost, "/profile", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/profile", nil))
		req.NoError(err)
		req.Equal(fiber.StatusBadRequest, resp.StatusCode)
	})
}

func Test_HandleProtocolViolations(t *testing.T) {

	t.Run("the first exit wins and later ones are logged and dropped", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)
		logger, hook := logrustest.NewNullLogger()

		var captured *Exchange
		def := &Machine{
			Identity: "doubler",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				captured = ExchangeFromCtx(env.Ctx)
				exits.Success("first")
				exits.Error(fmt.Errorf("second"))
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/double", def, nil, &Options{
			Metrics: metrics,
			Logger:  logrus.NewEntry(logger),
		})

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/double", nil))
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.Equal("first", bodyString(req, resp))

		req.NotNil(captured)
		req.True(captured.Committed())
		req.Len(captured.Attempts(), 2)
		req.Equal(SuccessExit, captured.Attempts()[0].Exit)
		req.Equal(ErrorExit, captured.Attempts()[1].Exit)

		var violationLogged bool
		for _, entry := range hook.AllEntries() {
			if entry.Level == logrus.ErrorLevel && strings.Contains(entry.Message, "fired after a response was already produced") {
				violationLogged = true
			}
		}
		req.True(violationLogged)

		req.Equal(float64(1), testutil.ToFloat64(metrics.ProtocolViolations.WithLabelValues("doubler")))
		req.Equal(float64(1), testutil.ToFloat64(metrics.ExitsFired.WithLabelValues("doubler", SuccessExit, "200")))
	})

	t.Run("an exit fired from a goroutine after the response is dropped safely", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		var captured *Exchange
		def := &Machine{
			Identity: "straggler",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				captured = ExchangeFromCtx(env.Ctx)
				go func() {
					time.Sleep(20 * time.Millisecond)
					exits.Error(fmt.Errorf("too late"))
				}()
				exits.Success("on time")
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/straggle", def, nil, &Options{Metrics: metrics})

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/straggle", nil))
		req.NoError(err)
		req.Equal("on time", bodyString(req, resp))

		time.Sleep(100 * time.Millisecond)

		req.Len(captured.Attempts(), 2)
		req.Equal(float64(1), testutil.ToFloat64(metrics.ProtocolViolations.WithLabelValues("straggler")))
	})

	t.Run("returning without firing any exit routes to the error response", func(t *testing.T) {
		def := &Machine{
			Identity: "silent",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				return nil
			},
		}

		req := require.New(t)
		app := testMount(req, fiber.MethodGet, "/silent", def, nil, nil)

		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/silent", nil))
		req.NoError(err)
		req.Equal(fiber.StatusInternalServerError, resp.StatusCode)
		req.Contains(bodyString(req, resp), "completed without invoking an exit")
	})
}

func Test_HandleEnvironment(t *testing.T) {

	t.Run("the handler and exchange are reachable from the request context", func(t *testing.T) {
		var handlerSeen *RouteHandler
		var invocationIDs []string

		def := &Machine{
			Identity: "introspector",
			Fn: func(env *Env, args Bindings, exits *Exits) error {
				handlerSeen = HandlerFromCtx(env.Ctx)
				invocationIDs = append(invocationIDs, ExchangeFromCtx(env.Ctx).InvocationID())
				exits.Success(env.InvocationID)
				return nil
			},
		}

		app := fiber.New()

		req := require.New(t)
		mounted, err := Mount(app, fiber.MethodGet, "/inspect", def, nil, nil)
		req.NoError(err)
		req.Equal(fiber.MethodGet, mounted.Method())
		req.Equal("/inspect", mounted.Path())

		first, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/inspect", nil))
		req.NoError(err)
		second, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/inspect", nil))
		req.NoError(err)

		req.Same(mounted, handlerSeen)
		req.Len(invocationIDs, 2)
		req.NotEqual(invocationIDs[0], invocationIDs[1])
		req.Equal(invocationIDs[0], bodyString(req, first))
		req.Equal(invocationIDs[1], bodyString(req, second))
	})

	t.Run("simulated latency delays the response", func(t *testing.T) {
		def := &Machine{Identity: "slow", Fn: noopImplementation}

		req := require.New(t)
		options := &Options{SimulateLatency: 50 * time.Millisecond}
		app := testMount(req, fiber.MethodGet, "/slow", def, nil, options)

		started := time.Now()
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/slow", nil), 2000)
		req.NoError(err)
		req.Equal(fiber.StatusOK, resp.StatusCode)
		req.GreaterOrEqual(time.Since(started), 50*time.Millisecond)
	})
}
