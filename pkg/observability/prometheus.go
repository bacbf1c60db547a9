// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/conversant/agentrt/pkg/lockpolicy"
)

// Prometheus views over the runtime's two always-on health signals:
// streaming semaphore occupancy and lock poisoning.
var (
	StreamsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentrt_streams_in_flight",
		Help: "Streams currently holding a semaphore permit.",
	})

	StreamsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentrt_streams_rejected_total",
		Help: "Streams rejected at capacity.",
	})
)

// RegisterLockMetrics exports a lockpolicy metrics set as prometheus
// gauges. Call once per process with the registry's shared metrics.
func RegisterLockMetrics(m *lockpolicy.Metrics) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentrt_locks_poisoned_total",
		Help: "Total poison events observed across all guarded locks.",
	}, func() float64 { return float64(m.Snapshot().TotalPoisoned) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentrt_locks_recovered_total",
		Help: "Poison events the active strategy recovered from.",
	}, func() float64 { return float64(m.Snapshot().Recoveries) })

	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentrt_locks_failed_total",
		Help: "Poison events surfaced to callers as errors.",
	}, func() float64 { return float64(m.Snapshot().Failures) })
}
