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
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/identity"
	transporttls "github.com/openziti/transport/v2/tls"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	MinTLSVersion = tls.VersionTLS12
	MaxTLSVersion = tls.VersionTLS13

	DefaultHttpWriteTimeout = time.Second * 10
	DefaultHttpReadTimeout  = time.Second * 5
	DefaultHttpIdleTimeout  = time.Second * 5

	DefaultServerName    = "machweb"
	DefaultListenAddress = "0.0.0.0:8080"
	DefaultBodyLimit     = 4 * 1024 * 1024
)

// TlsVersionMap is a map of configuration strings to TLS version identifiers
var TlsVersionMap = map[string]int{
	"TLS1.0": tls.VersionTLS10,
	"TLS1.1": tls.VersionTLS11,
	"TLS1.2": tls.VersionTLS12,
	"TLS1.3": tls.VersionTLS13,
}

// ReverseTlsVersionMap is a map of TLS version identifiers to configuration strings
var ReverseTlsVersionMap = map[int]string{
	tls.VersionTLS10: "TLS1.0",
	tls.VersionTLS11: "TLS1.1",
	tls.VersionTLS12: "TLS1.2",
	tls.VersionTLS13: "TLS1.3",
}

// ServerOptions is the configuration necessary to host one Server: the listen address,
// http timeouts, the request body limit, and optionally a TLS identity with version
// bounds.
type ServerOptions struct {
	TimeoutOptions
	TlsVersionOptions

	Name          string
	ListenAddress string
	BodyLimit     int

	// Identity is the loaded TLS identity, populated by Validate when the configuration
	// carries an identity section, or set programmatically before Validate.
	Identity identity.Identity

	// Views is the template engine handed to the fiber application. Set programmatically;
	// never read from configuration.
	Views fiber.Views

	identityConfig *identity.Config
}

// Default provides defaults for all necessary values
func (options *ServerOptions) Default() {
	options.Name = DefaultServerName
	options.ListenAddress = DefaultListenAddress
	options.BodyLimit = DefaultBodyLimit
	options.TimeoutOptions.Default()
	options.TlsVersionOptions.Default()
}

// Parse parses a configuration map to set all relevant ServerOptions values.
func (options *ServerOptions) Parse(serverMap map[string]interface{}) error {
	if nameVal, ok := serverMap["name"]; ok {
		if name, ok := nameVal.(string); ok {
			options.Name = name
		} else {
			return errors.New("could not use value for name, not a string")
		}
	}

	if addressVal, ok := serverMap["address"]; ok {
		if address, ok := addressVal.(string); ok {
			options.ListenAddress = address
		} else {
			return errors.New("could not use value for address, not a string")
		}
	}

	if bodyLimitVal, ok := serverMap["bodyLimit"]; ok {
		if bodyLimit, ok := bodyLimitVal.(int); ok {
			options.BodyLimit = bodyLimit
		} else {
			return errors.New("could not use value for bodyLimit, not an integer")
		}
	}

	if identityVal, ok := serverMap["identity"]; ok {
		if identityMap, ok := identityVal.(map[string]interface{}); ok {
			identityConfig, err := parseIdentityConfig(toInterfaceMap(identityMap), "server.identity")
			if err != nil {
				return fmt.Errorf("error parsing identity section: %v", err)
			}
			options.identityConfig = identityConfig
		} else {
			return errors.New("identity section must be a map if defined")
		}
	} //no else, optional, plain http without it

	if err := options.TimeoutOptions.Parse(serverMap); err != nil {
		return fmt.Errorf("error parsing options: %v", err)
	}

	if err := options.TlsVersionOptions.Parse(serverMap); err != nil {
		return fmt.Errorf("error parsing options: %v", err)
	}

	return nil
}

// Validate validates all settings and loads the TLS identity when one is configured.
func (options *ServerOptions) Validate() error {
	if options.Name == "" {
		return errors.New("name must not be empty")
	}

	if err := validateHostPort(options.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address [%s]: %v", options.ListenAddress, err)
	}

	if options.BodyLimit <= 0 {
		return fmt.Errorf("value [%d] for bodyLimit too low, must be positive", options.BodyLimit)
	}

	if err := options.TimeoutOptions.Validate(); err != nil {
		return fmt.Errorf("invalid timeout option: %v", err)
	}

	if err := options.TlsVersionOptions.Validate(); err != nil {
		return fmt.Errorf("invalid TLS version option: %v", err)
	}

	if options.Identity == nil && options.identityConfig != nil {
		loaded, err := identity.LoadIdentity(*options.identityConfig)
		if err != nil {
			return fmt.Errorf("could not load server identity: %v", err)
		}
		options.Identity = loaded

		if err := options.Identity.WatchFiles(); err != nil {
			pfxlog.Logger().Warnf("could not enable file watching on server identity: %v", err)
		}
	}

	return nil
}

// TimeoutOptions represents http timeout options
type TimeoutOptions struct {
	ReadTimeout  time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// Default defaults all HTTP timeout options
func (timeoutOptions *TimeoutOptions) Default() {
	timeoutOptions.WriteTimeout = DefaultHttpWriteTimeout
	timeoutOptions.ReadTimeout = DefaultHttpReadTimeout
	timeoutOptions.IdleTimeout = DefaultHttpIdleTimeout
}

// Parse parses a config map
func (timeoutOptions *TimeoutOptions) Parse(config map[string]interface{}) error {
	if interfaceVal, ok := config["readTimeout"]; ok {
		if readTimeoutStr, ok := interfaceVal.(string); ok {
			if readTimeout, err := time.ParseDuration(readTimeoutStr); err == nil {
				timeoutOptions.ReadTimeout = readTimeout
			} else {
				return fmt.Errorf("could not parse readTimeout %s as a duration (e.g. 1m): %v", readTimeoutStr, err)
			}
		} else {
			return errors.New("could not use value for readTimeout, not a string")
		}
	}

	if interfaceVal, ok := config["idleTimeout"]; ok {
		if idleTimeoutStr, ok := interfaceVal.(string); ok {
			if idleTimeout, err := time.ParseDuration(idleTimeoutStr); err == nil {
				timeoutOptions.IdleTimeout = idleTimeout
			} else {
				return fmt.Errorf("could not parse idleTimeout %s as a duration (e.g. 1m): %v", idleTimeoutStr, err)
			}
		} else {
			return errors.New("could not use value for idleTimeout, not a string")
		}
	}

	if interfaceVal, ok := config["writeTimeout"]; ok {
		if writeTimeoutStr, ok := interfaceVal.(string); ok {
			if writeTimeout, err := time.ParseDuration(writeTimeoutStr); err == nil {
				timeoutOptions.WriteTimeout = writeTimeout
			} else {
				return fmt.Errorf("could not parse writeTimeout %s as a duration (e.g. 1m): %v", writeTimeoutStr, err)
			}
		} else {
			return errors.New("could not use value for writeTimeout, not a string")
		}
	}

	return nil
}

// Validate validates all settings and return nil or an error
func (timeoutOptions *TimeoutOptions) Validate() error {
	if timeoutOptions.WriteTimeout <= 0 {
		return fmt.Errorf("value [%s] for writeTimeout too low, must be positive", timeoutOptions.WriteTimeout.String())
	}

	if timeoutOptions.ReadTimeout <= 0 {
		return fmt.Errorf("value [%s] for readTimeout too low, must be positive", timeoutOptions.ReadTimeout.String())
	}

	if timeoutOptions.IdleTimeout <= 0 {
		return fmt.Errorf("value [%s] for idleTimeout too low, must be positive", timeoutOptions.IdleTimeout.String())
	}

	return nil
}

// TlsVersionOptions represents TLS version options
type TlsVersionOptions struct {
	MinTLSVersion    int
	minTLSVersionStr string

	MaxTLSVersion    int
	maxTLSVersionStr string
}

// Default defaults TLS versions
func (tlsVersionOptions *TlsVersionOptions) Default() {
	tlsVersionOptions.MinTLSVersion = MinTLSVersion
	tlsVersionOptions.MaxTLSVersion = MaxTLSVersion
}

// Parse parses a config map
func (tlsVersionOptions *TlsVersionOptions) Parse(config map[string]interface{}) error {
	if interfaceVal, ok := config["minTLSVersion"]; ok {
		var ok bool
		if tlsVersionOptions.minTLSVersionStr, ok = interfaceVal.(string); ok {
			if minTLSVersion, ok := TlsVersionMap[tlsVersionOptions.minTLSVersionStr]; ok {
				tlsVersionOptions.MinTLSVersion = minTLSVersion
			} else {
				return fmt.Errorf("could not use value for minTLSVersion, invalid value [%s]", tlsVersionOptions.minTLSVersionStr)
			}
		} else {
			return errors.New("could not use value for minTLSVersion, not an string")
		}
	}

	if interfaceVal, ok := config["maxTLSVersion"]; ok {
		var ok bool
		if tlsVersionOptions.maxTLSVersionStr, ok = interfaceVal.(string); ok {
			if maxTLSVersion, ok := TlsVersionMap[tlsVersionOptions.maxTLSVersionStr]; ok {
				tlsVersionOptions.MaxTLSVersion = maxTLSVersion
			} else {
				return fmt.Errorf("could not use value for maxTLSVersion, invalid value [%s]", tlsVersionOptions.maxTLSVersionStr)
			}
		} else {
			return errors.New("could not use value for maxTLSVersion, not an string")
		}
	}

	return nil
}

// Validate validates the configuration values and returns nil or error
func (tlsVersionOptions *TlsVersionOptions) Validate() error {
	if tlsVersionOptions.MinTLSVersion > tlsVersionOptions.MaxTLSVersion {
		return fmt.Errorf("minTLSVersion [%s] must be less than or equal to maxTLSVersion [%s]", tlsVersionOptions.minTLSVersionStr, tlsVersionOptions.maxTLSVersionStr)
	}

	return nil
}

// Server hosts one fiber application serving every mount of a manifest. TLS is used when
// the options carry an identity; the listener then comes from the transport library with
// the configured TLS version bounds.
type Server struct {
	App *fiber.App

	options *ServerOptions
	log     *logrus.Entry
}

// NewServer creates a Server from ServerOptions. The fiber application is configured but
// no routes are mounted; see Stack.Build.
func NewServer(options *ServerOptions) *Server {
	app := fiber.New(fiber.Config{
		AppName:               options.Name,
		ReadTimeout:           options.ReadTimeout,
		WriteTimeout:          options.WriteTimeout,
		IdleTimeout:           options.IdleTimeout,
		BodyLimit:             options.BodyLimit,
		Views:                 options.Views,
		DisableStartupMessage: true,
	})

	app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	app.Use(compress.New())

	return &Server{
		App:     app,
		options: options,
		log:     pfxlog.Logger().WithField("server", options.Name),
	}
}

// Start the server. Blocks until the listener closes.
func (server *Server) Start() error {
	if server.options.Identity != nil {
		tlsConfig := server.options.Identity.ServerTLSConfig()
		tlsConfig.ClientAuth = tls.RequestClientCert
		tlsConfig.MinVersion = uint16(server.options.MinTLSVersion)
		tlsConfig.MaxVersion = uint16(server.options.MaxTLSVersion)
		//make sure to listen to the expected protocols
		tlsConfig.NextProtos = append(tlsConfig.NextProtos, "http/1.1")

		server.log.Infof("starting to listen and serve tls on %s", server.options.ListenAddress)

		listener, err := transporttls.ListenTLS(server.options.ListenAddress, server.options.Name, tlsConfig)
		if err != nil {
			return fmt.Errorf("error listening: %s", err)
		}

		return server.App.Listener(listener)
	}

	server.log.Infof("starting to listen and serve on %s", server.options.ListenAddress)

	return server.App.Listen(server.options.ListenAddress)
}

// Shutdown stops the server gracefully.
func (server *Server) Shutdown(ctx context.Context) error {
	return server.App.ShutdownWithContext(ctx)
}

func parseIdentityConfig(identityMap map[interface{}]interface{}, pathContext string) (*identity.Config, error) {
	idConfig, err := identity.NewConfigFromMap(identityMap)
	if err != nil {
		return nil, fmt.Errorf("error parsing identity: %v", err)
	}

	if err := idConfig.ValidateWithPathContext(pathContext); err != nil {
		return nil, fmt.Errorf("error parsing identity: %v", err)
	}

	return idConfig, nil
}

// toInterfaceMap widens a YAML decoded map for consumers that expect the older
// map[interface{}]interface{} shape.
func toInterfaceMap(stringMap map[string]interface{}) map[interface{}]interface{} {
	result := map[interface{}]interface{}{}
	for key, value := range stringMap {
		if nested, ok := value.(map[string]interface{}); ok {
			result[key] = toInterfaceMap(nested)
			continue
		}
		result[key] = value
	}
	return result
}

func validateHostPort(address string) error {
	address = strings.TrimSpace(address)

	if address == "" {
		return errors.New("must not be an empty string or unspecified")
	}

	host, port, err := net.SplitHostPort(address)

	if err != nil {
		return errors.Errorf("could not split host and port: %v", err)
	}

	if host == "" {
		return errors.New("host must be specified")
	}

	if port == "" {
		return errors.New("port must be specified")
	}

	if port, err := strconv.ParseInt(port, 10, 32); err != nil {
		return errors.New("invalid port, must be a integer")
	} else if port < 1 || port > 65535 {
		return errors.New("invalid port, must 1-65535")
	}

	return nil
}
