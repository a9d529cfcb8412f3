package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	depositCounter        *prometheus.CounterVec
	depositSkippedCounter *prometheus.CounterVec
	sweepCounter          *prometheus.CounterVec
	sweepValueCounter     *prometheus.CounterVec
	sponsorCounter        prometheus.Counter
	withdrawalCounter     *prometheus.CounterVec
	reconcileDriftGauge   *prometheus.GaugeVec
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		depositCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deposits_credited_total",
			Help: "Deposits credited to the ledger",
		}, []string{"currency"})

		depositSkippedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deposits_skipped_total",
			Help: "Observed transfers skipped before credit",
		}, []string{"currency", "reason"})

		sweepCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeps_total",
			Help: "Sweep attempts by outcome",
		}, []string{"currency", "result"})

		sweepValueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweep_base_units_total",
			Help: "Total base units moved to treasury by sweeps",
		}, []string{"currency"})

		sponsorCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gas_sponsor_topups_total",
			Help: "Gas top-ups sent to deposit addresses before sweeping",
		})

		withdrawalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "withdrawals_total",
			Help: "Withdrawal attempts by outcome",
		}, []string{"currency", "result"})

		reconcileDriftGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconcile_drift_base_units",
			Help: "Ledger total minus observed on-chain custody per currency",
		}, []string{"currency"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			depositCounter,
			depositSkippedCounter,
			sweepCounter,
			sweepValueCounter,
			sponsorCounter,
			withdrawalCounter,
			reconcileDriftGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementDepositCredited(currency string) {
	if depositCounter == nil {
		return
	}
	depositCounter.WithLabelValues(currency).Inc()
}

func IncrementDepositSkipped(currency, reason string) {
	if depositSkippedCounter == nil {
		return
	}
	depositSkippedCounter.WithLabelValues(currency, reason).Inc()
}

func IncrementSweep(currency, result string) {
	if sweepCounter == nil {
		return
	}
	sweepCounter.WithLabelValues(currency, result).Inc()
}

func AddSweepValue(currency string, baseUnits int64) {
	if sweepValueCounter == nil || baseUnits <= 0 {
		return
	}
	sweepValueCounter.WithLabelValues(currency).Add(float64(baseUnits))
}

func IncrementGasSponsorTopup() {
	if sponsorCounter == nil {
		return
	}
	sponsorCounter.Inc()
}

func IncrementWithdrawal(currency, result string) {
	if withdrawalCounter == nil {
		return
	}
	withdrawalCounter.WithLabelValues(currency, result).Inc()
}

func SetReconcileDrift(currency string, baseUnits int64) {
	if reconcileDriftGauge == nil {
		return
	}
	reconcileDriftGauge.WithLabelValues(currency).Set(float64(baseUnits))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
