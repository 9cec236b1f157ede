package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDispatcherTicks_Labels(t *testing.T) {
	DispatcherTicks.WithLabelValues("ok").Inc()
	DispatcherTicks.WithLabelValues("forge_error").Inc()

	counter := DispatcherTicks.WithLabelValues("ok")
	if counter == nil {
		t.Error("expected counter to be non-nil")
	}
}

func TestDispatcherTickDuration_Observe(t *testing.T) {
	durations := []float64{0.01, 0.1, 0.5, 1.0, 5.0}
	for _, d := range durations {
		DispatcherTickDuration.Observe(d)
	}
}

func TestDispatcherTasksEnqueued_Labels(t *testing.T) {
	DispatcherTasksEnqueued.WithLabelValues("initial").Inc()
	DispatcherTasksEnqueued.WithLabelValues("follow-up").Inc()

	counter := DispatcherTasksEnqueued.WithLabelValues("initial")
	if counter == nil {
		t.Error("expected counter to be non-nil")
	}
}

func TestDispatcherTasksCompleted_Labels(t *testing.T) {
	for _, result := range []string{"success", "error", "crashed"} {
		DispatcherTasksCompleted.WithLabelValues(result).Inc()
	}
}

func TestQueueDepth_Gauge(t *testing.T) {
	QueueDepth.Set(5)
	QueueDepth.Inc()
	QueueDepth.Dec()
	QueueDepth.Set(0)
}

func TestQueueDequeueRejected_Labels(t *testing.T) {
	for _, reason := range []string{"concurrency", "rate_limit", "lock"} {
		QueueDequeueRejected.WithLabelValues(reason).Inc()
	}
}

func TestLockAcquisitions_Labels(t *testing.T) {
	for _, result := range []string{"acquired", "held", "stolen"} {
		LockAcquisitions.WithLabelValues(result).Inc()
	}
}

func TestLockHeld_Gauge(t *testing.T) {
	LockHeld.Set(2)
	LockHeld.Inc()
	LockHeld.Dec()
}

func TestSupervisorRunning_Gauge(t *testing.T) {
	SupervisorRunning.Set(1)
	SupervisorTasksSpawned.Inc()
	SupervisorCrashes.Inc()
}

func TestArbiterRequestsProcessed_Labels(t *testing.T) {
	for _, result := range []string{"applied", "failed", "dropped"} {
		ArbiterRequestsProcessed.WithLabelValues(result).Inc()
	}
	ArbiterOrphansSwept.Inc()
}

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/q/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/q/health").Observe(0.01)
}

func TestCounterValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})
	reg.MustRegister(counter)

	counter.Add(5)
	if val := testutil.ToFloat64(counter); val != 5 {
		t.Errorf("expected counter value 5, got %f", val)
	}

	counter.Inc()
	if val := testutil.ToFloat64(counter); val != 6 {
		t.Errorf("expected counter value 6, got %f", val)
	}
}

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})
	reg.MustRegister(gauge)

	gauge.Set(100)
	if val := testutil.ToFloat64(gauge); val != 100 {
		t.Errorf("expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	if val := testutil.ToFloat64(gauge); val != 150 {
		t.Errorf("expected gauge value 150, got %f", val)
	}
}

func BenchmarkDispatcherTicksInc(b *testing.B) {
	counter := DispatcherTicks.WithLabelValues("ok")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}
