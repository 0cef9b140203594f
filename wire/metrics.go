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
package wire

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports wire level counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Transactions *prometheus.CounterVec
	Responses    *prometheus.CounterVec
	LineResets   prometheus.Counter
	Timeouts     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbgprobe",
			Subsystem: "wire",
			Name:      "transactions_total",
			Help:      "Debug port transaction attempts issued, by port and direction.",
		}, []string{"port", "op"}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbgprobe",
			Subsystem: "wire",
			Name:      "abnormal_responses_total",
			Help:      "WAIT, FAULT and protocol error responses.",
		}, []string{"ack"}),
		LineResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbgprobe",
			Subsystem: "wire",
			Name:      "line_resets_total",
			Help:      "Line resets issued to resynchronize the link.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbgprobe",
			Subsystem: "wire",
			Name:      "wait_timeouts_total",
			Help:      "Transactions abandoned after the WAIT retry bound.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Transactions, m.Responses, m.LineResets, m.Timeouts)
	}
	return m
}

func (m *Metrics) transactions(port Port, op Op, n int) {
	if m == nil {
		return
	}
	o := "read"
	if op == OpWrite {
		o = "write"
	}
	m.Transactions.WithLabelValues(port.String(), o).Add(float64(n))
}

func (m *Metrics) ack(a Ack) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(a.String()).Inc()
}

func (m *Metrics) lineReset() {
	if m == nil {
		return
	}
	m.LineResets.Inc()
}

func (m *Metrics) timeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}
