// Package metrics records per-run sync metrics and optionally pushes them to a Pushgateway.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/JohanCodinha/ghnotion/internal/record"
)

// Outcome labels for operation counters.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Recorder holds the metrics of one sync run on its own registry.
type Recorder struct {
	reg *prometheus.Registry

	fetched      *prometheus.CounterVec
	operations   *prometheus.CounterVec
	indexSize    *prometheus.GaugeVec
	duplicates   *prometheus.CounterVec
	kindFailures *prometheus.CounterVec
}

// New creates a recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		reg: reg,
		fetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghnotion_records_fetched_total",
				Help: "Source records fetched from GitHub",
			},
			[]string{"kind"},
		),
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghnotion_operations_total",
				Help: "Mirror operations attempted, by outcome",
			},
			[]string{"kind", "op", "outcome"},
		),
		indexSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ghnotion_index_size",
				Help: "Mirror pages resolved into the identity index",
			},
			[]string{"kind"},
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghnotion_duplicate_keys_total",
				Help: "Source numbers claimed by more than one mirror page",
			},
			[]string{"kind"},
		),
		kindFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghnotion_kind_failures_total",
				Help: "Kinds whose pass aborted before executing operations",
			},
			[]string{"kind"},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Fetched adds n fetched records of kind.
func (r *Recorder) Fetched(kind record.Kind, n int) {
	r.fetched.WithLabelValues(string(kind)).Add(float64(n))
}

// Operation counts one operation outcome.
func (r *Recorder) Operation(kind record.Kind, op record.OpType, outcome string) {
	r.operations.WithLabelValues(string(kind), op.String(), outcome).Inc()
}

// IndexSize sets the number of indexed pages for kind.
func (r *Recorder) IndexSize(kind record.Kind, n int) {
	r.indexSize.WithLabelValues(string(kind)).Set(float64(n))
}

// Duplicates adds n duplicate mirror keys for kind.
func (r *Recorder) Duplicates(kind record.Kind, n int) {
	r.duplicates.WithLabelValues(string(kind)).Add(float64(n))
}

// KindFailed counts an aborted kind pass.
func (r *Recorder) KindFailed(kind record.Kind) {
	r.kindFailures.WithLabelValues(string(kind)).Inc()
}

// Push sends the registry to a Pushgateway under job "ghnotion", grouped by repo.
func (r *Recorder) Push(ctx context.Context, gatewayURL, repo string) error {
	err := push.New(gatewayURL, "ghnotion").
		Gatherer(r.reg).
		Grouping("repo", repo).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
