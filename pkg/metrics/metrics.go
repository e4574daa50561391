/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics carries ambient observability for the worker process:
// active sequence counts by state, free-block pressure, per-step batch
// size, generation throughput, and speculative-decoding acceptance.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelState   = "state"
	LabelOutcome = "outcome"

	StateWaiting  = "waiting"
	StateRunning  = "running"
	StatePaused   = "paused"
	StateFinished = "finished"

	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeBonus    = "bonus"
)

// Metrics holds every Prometheus metric the worker exposes.
type Metrics struct {
	SequencesByState prometheus.GaugeVec
	FreeBlocks       prometheus.Gauge
	BatchSize        prometheus.Histogram
	TokensGenerated  prometheus.Counter
	StepDuration     prometheus.Histogram
	SpeculativeTokens prometheus.CounterVec
	RequestsRejected prometheus.Counter
}

// NewMetrics registers and returns a fresh Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		SequencesByState: *promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inferengine_sequences",
				Help: "Current number of sequences by lifecycle state",
			},
			[]string{LabelState},
		),

		FreeBlocks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inferengine_kvcache_free_blocks",
			Help: "Current number of unallocated KV-cache blocks",
		}),

		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "inferengine_step_batch_size",
			Help:    "Number of sequences forwarded per scheduler step",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),

		TokensGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inferengine_tokens_generated_total",
			Help: "Total tokens committed across all sequences",
		}),

		StepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "inferengine_step_duration_seconds",
			Help:    "Wall-clock time per scheduler step",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		SpeculativeTokens: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferengine_speculative_tokens_total",
				Help: "Tokens committed by the speculative driver, by outcome",
			},
			[]string{LabelOutcome},
		),

		RequestsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "inferengine_requests_rejected_total",
			Help: "Requests rejected at admission for lack of capacity",
		}),
	}
}

// SetSequenceCount reports the current gauge value for one lifecycle state.
func (m *Metrics) SetSequenceCount(state string, count float64) {
	m.SequencesByState.WithLabelValues(state).Set(count)
}

// SetFreeBlocks reports the cache's current free-block count.
func (m *Metrics) SetFreeBlocks(count int) {
	m.FreeBlocks.Set(float64(count))
}

// RecordStep records one scheduler step's batch size and duration.
func (m *Metrics) RecordStep(batchSize int, duration time.Duration) {
	m.BatchSize.Observe(float64(batchSize))
	m.StepDuration.Observe(duration.Seconds())
}

// RecordTokensGenerated adds n newly committed tokens to the counter.
func (m *Metrics) RecordTokensGenerated(n int) {
	if n > 0 {
		m.TokensGenerated.Add(float64(n))
	}
}

// RecordSpeculativeOutcome tallies one speculative-decoding step's
// accepted, rejected, and bonus token counts.
func (m *Metrics) RecordSpeculativeOutcome(accepted, rejected, bonus int) {
	if accepted > 0 {
		m.SpeculativeTokens.WithLabelValues(OutcomeAccepted).Add(float64(accepted))
	}
	if rejected > 0 {
		m.SpeculativeTokens.WithLabelValues(OutcomeRejected).Add(float64(rejected))
	}
	if bonus > 0 {
		m.SpeculativeTokens.WithLabelValues(OutcomeBonus).Add(float64(bonus))
	}
}

// RecordRejectedRequest counts one admission-time capacity rejection.
func (m *Metrics) RecordRejectedRequest() {
	m.RequestsRejected.Inc()
}

// DefaultMetrics is the process-wide instance most callers use.
var DefaultMetrics = NewMetrics()
