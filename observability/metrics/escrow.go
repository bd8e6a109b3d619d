package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks coordinator outcomes, chain latency and the auxiliary
// rate, stream and reconciliation loops.
type EscrowMetrics struct {
	operations      *prometheus.CounterVec
	chainLatency    *prometheus.HistogramVec
	rateLookups     *prometheus.CounterVec
	streamDropped   *prometheus.CounterVec
	reconMismatches *prometheus.CounterVec
	repriced        prometheus.Counter
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily registered escrow metrics.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "coordinator",
				Name:      "operations_total",
				Help:      "Coordinator operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "chain",
				Name:      "call_duration_seconds",
				Help:      "Time from contract submission to mined receipt.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			}, []string{"method", "outcome"}),
			rateLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rates",
				Name:      "lookups_total",
				Help:      "Rate lookups segmented by the source that answered.",
			}, []string{"source", "fallback"}),
			streamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "stream",
				Name:      "dropped_total",
				Help:      "Transaction updates dropped because a subscriber was too slow.",
			}, []string{"reason"}),
			reconMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "recon",
				Name:      "mismatches_total",
				Help:      "Off-chain records that disagree with on-chain escrow state.",
			}, []string{"kind"}),
			repriced: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "listings",
				Name:      "repriced_total",
				Help:      "Listings whose crypto amount was recomputed after a rate change.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.chainLatency,
			escrowRegistry.rateLookups,
			escrowRegistry.streamDropped,
			escrowRegistry.reconMismatches,
			escrowRegistry.repriced,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(label(operation), outcome(err)).Inc()
}

func (m *EscrowMetrics) ObserveChainCall(method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.chainLatency.WithLabelValues(label(method), outcome(err)).Observe(elapsed.Seconds())
}

func (m *EscrowMetrics) RecordRateLookup(source string, fallback bool) {
	if m == nil {
		return
	}
	flag := "false"
	if fallback {
		flag = "true"
	}
	m.rateLookups.WithLabelValues(label(source), flag).Inc()
}

func (m *EscrowMetrics) IncStreamDropped(reason string) {
	if m == nil {
		return
	}
	m.streamDropped.WithLabelValues(label(reason)).Inc()
}

func (m *EscrowMetrics) IncReconMismatch(kind string) {
	if m == nil {
		return
	}
	m.reconMismatches.WithLabelValues(label(kind)).Inc()
}

func (m *EscrowMetrics) AddRepriced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repriced.Add(float64(n))
}

func label(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
