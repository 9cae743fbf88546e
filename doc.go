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

/*
Package machweb turns declarative machine definitions into HTTP handlers for fiber
applications, negotiating how each machine exit becomes a response.

Basics

A Machine declares typed Inputs by example, named Exits describing the values they
produce, and one Implementation body. Compile normalizes a definition into a Runnable,
builds one PlanEntry per exit describing the response that exit will produce
(responseType, status code, template path), and binds both into a RouteHandler that can
be mounted on any fiber application. All configuration errors surface at compile time:
once a RouteHandler exists its requests cannot fail on plan problems, only on what the
implementation does.

At request time the RouteHandler extracts one argument per declared input from the route
parameters, query string, JSON body, and form fields, validates them against the input
exemplars, and invokes the machine. The implementation reports completion by firing
exactly one exit; the per request Exchange guards that contract, encoding a response for
the first exit fired and logging and dropping every later notification. Encoding is
selected by the compiled strategy for the exit: standard output negotiation, error
rendering, redirects, server side views, or a custom Responder registered for a
responseType outside the built-in set.

Whole deployments are described by configuration: a ManifestConfig section (default
`machweb`) defines shared handler Options, one ServerOptions for the hosting fiber
application, and an array of MountConfig's binding registered machines to routes. Stack
ties the pieces together: register machines and responders, LoadConfig, Run, Shutdown.
Hosts that own their own fiber application can instead Mount machines directly.
BuildOpenAPI renders an OpenAPI 3 document for mounted handlers from the declared
exemplars and compiled plans.
*/
package machweb
