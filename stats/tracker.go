// Package stats tracks PMD's live counters (spec.md §3 "stats",
// "pco_cnt") and exposes them to Prometheus, the way the teacher's stats
// package registers counter/gauge kinds per metric name.
/*
 * Copyright (c) 2026 The mpool-io/pmd Authors.
 */
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind enumerates the two shapes PMD's counters take.
const (
	KindCounter = "counter"
	KindGauge   = "gauge"
)

// Tracker collects per-pool PMD counters and mirrors them into a
// Prometheus registry. It has no opinion on export transport (HTTP
// pull, push-gateway, etc.) — wiring a scrape endpoint is telemetry
// *export*, which spec.md's non-goals exclude; the in-process counters
// themselves are ambient and always on.
type Tracker struct {
	reg *prometheus.Registry

	objectsCommitted prometheus.Gauge
	objectsDeleted   *prometheus.CounterVec
	compactionsTotal *prometheus.CounterVec
	compactDuration  *prometheus.HistogramVec
	mdcAllocsTotal   prometheus.Counter
	allocRetries     prometheus.Counter
	logFullEvents    *prometheus.CounterVec

	liveCommitted atomic.Int64
}

// NewTracker builds a fresh registry, the way the teacher's initProm
// builds one devoid of Go-runtime default collectors.
func NewTracker(poolName string) *Tracker {
	reg := prometheus.NewRegistry()
	labs := prometheus.Labels{"pool": poolName}

	t := &Tracker{
		reg: reg,
		objectsCommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmd_objects_committed", Help: "Live committed object count across all MDCs.", ConstLabels: labs,
		}),
		objectsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmd_objects_deleted_total", Help: "Objects deleted, by slot.", ConstLabels: labs,
		}, []string{"slot"}),
		compactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmd_compactions_total", Help: "Compactions run, by slot and outcome.", ConstLabels: labs,
		}, []string{"slot", "outcome"}),
		compactDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "pmd_compact_duration_seconds", Help: "Compaction wall time, by slot.", ConstLabels: labs,
		}, []string{"slot"}),
		mdcAllocsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmd_mdc_allocs_total", Help: "MDC paired-log creates that reached publication.", ConstLabels: labs,
		}),
		allocRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmd_obj_alloc_retries_total", Help: "obj_alloc zone-allocation retries.", ConstLabels: labs,
		}),
		logFullEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmd_log_full_total", Help: "Log-full events handled by compact-and-retry, by slot.", ConstLabels: labs,
		}, []string{"slot"}),
	}
	reg.MustRegister(t.objectsCommitted, t.objectsDeleted, t.compactionsTotal,
		t.compactDuration, t.mdcAllocsTotal, t.allocRetries, t.logFullEvents)
	return t
}

func (t *Tracker) Registry() *prometheus.Registry { return t.reg }

func (t *Tracker) SetCommitted(n int64) {
	t.liveCommitted.Store(n)
	t.objectsCommitted.Set(float64(n))
}

func (t *Tracker) IncDeleted(slot string)            { t.objectsDeleted.WithLabelValues(slot).Inc() }
func (t *Tracker) IncCompaction(slot, outcome string) { t.compactionsTotal.WithLabelValues(slot, outcome).Inc() }
func (t *Tracker) ObserveCompact(slot string, seconds float64) {
	t.compactDuration.WithLabelValues(slot).Observe(seconds)
}
func (t *Tracker) IncMdcAlloc()          { t.mdcAllocsTotal.Inc() }
func (t *Tracker) IncAllocRetry()        { t.allocRetries.Inc() }
func (t *Tracker) IncLogFull(slot string) { t.logFullEvents.WithLabelValues(slot).Inc() }
