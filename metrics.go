// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prefork

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the arbiter's Prometheus collectors.  Each arbiter has
// its own registry, so several can live in one process (as in tests).
type Metrics struct {
	registry *prometheus.Registry

	TargetWorkers prometheus.Gauge
	ActiveWorkers prometheus.Gauge
	State         *prometheus.GaugeVec
	Spawns        prometheus.Counter
	Exits         *prometheus.CounterVec
	Intents       *prometheus.CounterVec
	Generation    prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TargetWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefork_workers_target",
			Help: "Number of workers the arbiter is trying to keep running",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefork_workers_active",
			Help: "Number of workers starting or running",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prefork_arbiter_state",
			Help: "Arbiter state (1 for the current state)",
		}, []string{"state"}),
		Spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefork_worker_spawns_total",
			Help: "Workers started",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefork_worker_exits_total",
			Help: "Workers reaped, by reason",
		}, []string{"reason"}),
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefork_intents_total",
			Help: "Operator intents applied",
		}, []string{"intent"}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefork_generation",
			Help: "Current worker generation, bumped by each reload",
		}),
	}
	m.registry.MustRegister(m.TargetWorkers, m.ActiveWorkers, m.State,
		m.Spawns, m.Exits, m.Intents, m.Generation)
	return m
}

// Registry is what the control API serves at /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(s *Status) {
	m.TargetWorkers.Set(float64(s.Target))
	m.ActiveWorkers.Set(float64(s.ActiveWorkers()))
	m.Generation.Set(float64(s.Generation))
	for _, st := range []State{Initializing, Running, ShuttingDown, Stopped} {
		v := 0.0
		if st == s.State {
			v = 1
		}
		m.State.WithLabelValues(st.String()).Set(v)
	}
}
