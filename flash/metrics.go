//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package flash

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

// Metrics are the flash operation collectors.
type Metrics struct {
	Duration *prometheus.HistogramVec
	Failures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbgprobe_flash_operation_seconds",
			Help:    "Duration of flash operations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbgprobe_flash_failures_total",
			Help: "Failed flash operations by error kind.",
		}, []string{"op", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Duration, m.Failures)
	}
	return m
}

func (m *Metrics) observe(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.Failures.WithLabelValues(op, probeerr.KindOf(err).String()).Inc()
	}
}
