package observability

import (
	"testing"
	"time"
)

func TestSLOSetTarget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-api",
		Operation:   OpAPIRequest,
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})

	status, err := tracker.Status(OpAPIRequest)
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-run",
		Operation:   OpPipelineRun,
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.95,
		WindowHours: 1,
	})

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OpPipelineRun, Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status(OpPipelineRun)
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-ingest",
		Operation:   OpIngest,
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// 90 success + 10 failures = 90%, below the 99% target.
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: OpIngest, Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status(OpIngest)
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-run",
		Operation:   OpPipelineRun,
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99, // 1% error budget
		WindowHours: 1,
	})

	// 5% error rate, burn rate 5x.
	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Operation: OpPipelineRun, Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Operation: OpPipelineRun, Latency: 10 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status(OpPipelineRun)
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
}

func TestSLOWindowExpiry(t *testing.T) {
	now := time.Now()
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-run",
		Operation:   OpPipelineRun,
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// Old failures outside the window do not count.
	tracker.Record(SLOObservation{
		Operation: OpPipelineRun, Latency: time.Millisecond,
		Success: false, Timestamp: now.Add(-2 * time.Hour),
	})
	tracker.Record(SLOObservation{Operation: OpPipelineRun, Latency: time.Millisecond, Success: true})

	status, err := tracker.Status(OpPipelineRun)
	if err != nil {
		t.Fatal(err)
	}
	if status.ObservationCount != 1 {
		t.Fatalf("expected 1 windowed observation, got %d", status.ObservationCount)
	}
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
}

func TestSLONoTarget(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing target")
	}
}
