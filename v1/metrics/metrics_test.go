package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	AcquireCounter.WithLabelValues("acquired").Inc()
	ReleaseCounter.WithLabelValues("released").Inc()
	RenewalCounter.WithLabelValues("renewed").Inc()
	WaitHistogram.Observe(0.01)
	HeldGauge.Set(1)
	WaitersGauge.Set(2)
	SubscriptionsGauge.Set(3)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 7 {
		t.Fatalf("expected metrics registered, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(WaitersGauge); v != 2 {
		t.Fatalf("expected waiters 2 got %v", v)
	}
}

func TestRegisterLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterLockMetrics(reg)
}
