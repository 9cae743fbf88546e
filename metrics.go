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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the optional instrumentation bundle for compiled handlers. Construct one with
// NewMetrics against the process registry and share it through Options; a nil Metrics on
// Options disables collection entirely.
type Metrics struct {
	ExitsFired         *prometheus.CounterVec
	EncodeDuration     *prometheus.HistogramVec
	ProtocolViolations *prometheus.CounterVec
}

// NewMetrics creates and registers the handler metrics. It panics on registration
// conflicts, so call it once per registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		ExitsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "machweb_exits_fired_total",
				Help: "Total exit notifications that produced a response",
			},
			[]string{"machine", "exit", "status"},
		),
		EncodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "machweb_encode_duration_seconds",
				Help: "Duration of response encoding by strategy",
			},
			[]string{"machine", "strategy"},
		),
		ProtocolViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "machweb_protocol_violations_total",
				Help: "Total exit notifications dropped because a response was already committed",
			},
			[]string{"machine"},
		),
	}

	registerer.MustRegister(metrics.ExitsFired, metrics.EncodeDuration, metrics.ProtocolViolations)

	return metrics
}
