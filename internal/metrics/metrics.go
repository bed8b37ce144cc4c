// Package metrics exposes Prometheus collectors for the provisioner.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	provisionerItemsTotal         *prometheus.CounterVec
	provisionerActiveWorkers      prometheus.Gauge
	provisionerQuotaWaitSeconds   prometheus.Histogram
	provisionerLeasesHeld         prometheus.Gauge
	provisionerLeaseExhausted     prometheus.Counter
	provisionerLedgerSavesTotal   *prometheus.CounterVec
	provisionerSaveRetriesTotal   prometheus.Counter
	provisionerDriverRetriesTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		provisionerItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_items_total",
				Help: "Total number of work items finished, labeled by ledger status.",
			},
			[]string{"status"},
		)

		provisionerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "provisioner_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		provisionerQuotaWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "provisioner_quota_wait_seconds",
				Help:    "Histogram of provider-directed quota wait durations.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		)

		provisionerLeasesHeld = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "provisioner_leases_held",
				Help: "Number of mailbox leases currently held.",
			},
		)

		provisionerLeaseExhausted = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "provisioner_lease_exhausted_total",
				Help: "Total times a lease request found no available mailbox.",
			},
		)

		provisionerLedgerSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provisioner_ledger_saves_total",
				Help: "Total ledger save attempts, labeled by result.",
			},
			[]string{"result"},
		)

		provisionerSaveRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "provisioner_ledger_save_retries_total",
				Help: "Total retried ledger save attempts.",
			},
		)

		provisionerDriverRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "provisioner_driver_retries_total",
				Help: "Total transient driver errors retried by workers.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem increments the per-status item counter.
func ObserveItem(status string) {
	provisionerItemsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	provisionerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	provisionerActiveWorkers.Dec()
}

// ObserveQuotaWait records a provider-directed wait duration.
func ObserveQuotaWait(d time.Duration) {
	provisionerQuotaWaitSeconds.Observe(d.Seconds())
}

// SetLeasesHeld records the current number of held leases.
func SetLeasesHeld(n int) {
	provisionerLeasesHeld.Set(float64(n))
}

// ObserveLeaseExhausted counts a lease request that found nothing available.
func ObserveLeaseExhausted() {
	provisionerLeaseExhausted.Inc()
}

// ObserveLedgerSave counts a save attempt outcome ("ok" or "error").
func ObserveLedgerSave(result string) {
	provisionerLedgerSavesTotal.WithLabelValues(result).Inc()
}

// ObserveSaveRetry counts one retried save attempt.
func ObserveSaveRetry() {
	provisionerSaveRetriesTotal.Inc()
}

// ObserveDriverRetry counts one retried transient driver error.
func ObserveDriverRetry() {
	provisionerDriverRetriesTotal.Inc()
}
