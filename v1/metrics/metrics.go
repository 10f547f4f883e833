package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks lock acquisition attempts by result
	// (acquired, busy, timeout, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter tracks release outcomes.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_release_total",
		Help: "Total number of lock releases by outcome",
	}, []string{"outcome"})
	// RenewalCounter tracks lease renewals by result (renewed, lost, error).
	RenewalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warplock_renewal_total",
		Help: "Total number of lease renewals",
	}, []string{"result"})
	// WaitHistogram observes how long blocked acquirers waited.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warplock_wait_seconds",
		Help:    "Time spent waiting for a busy lock",
		Buckets: prometheus.DefBuckets,
	})
	// HeldGauge reports locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warplock_held",
		Help: "Current number of locks held by this process",
	})
	// WaitersGauge reports goroutines currently blocked on a lock.
	WaitersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warplock_waiters",
		Help: "Current number of blocked acquirers",
	})
	// SubscriptionsGauge reports active wake channel subscriptions.
	SubscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warplock_subscriptions",
		Help: "Current number of wake channel subscriptions",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock collectors on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, RenewalCounter, WaitHistogram,
		HeldGauge, WaitersGauge, SubscriptionsGauge)
}
