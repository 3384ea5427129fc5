// Package metrics holds the Prometheus collectors exported by director.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "director_runs_submitted_total",
		Help: "Run submissions by outcome (created, joined)",
	}, []string{"outcome"})

	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "director_claims_total",
		Help: "Claim requests by outcome (claimed, reclaimed, exhausted, conflict, error)",
	}, []string{"outcome"})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "director_claim_conflicts_total",
		Help: "Claim attempts that lost a race and were retried",
	})

	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "director_merges_total",
		Help: "Instance result merges by outcome (counted, uncounted, frozen, error)",
	}, []string{"outcome"})

	MergeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "director_merge_conflicts_total",
		Help: "Result merges that raced with another writer and were recomputed",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "director_lifecycle_transitions_total",
		Help: "Lifecycle transitions of runs and groups",
	}, []string{"scope", "state"})

	HookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "director_hook_deliveries_total",
		Help: "Hook deliveries by kind and outcome (delivered, skipped, failed)",
	}, []string{"kind", "outcome"})

	HookDeliveriesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "director_hook_deliveries_in_flight",
		Help: "Hook deliveries currently running",
	})

	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "director_sweeps_total",
		Help: "Background timeout sweeps by outcome",
	}, []string{"outcome"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "director_sweep_duration_seconds",
		Help:    "Duration of background timeout sweeps",
		Buckets: prometheus.DefBuckets,
	})
)
