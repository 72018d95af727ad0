package routestate

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestRecordSuccess_RestoresFromUnhealthy(t *testing.T) {
	s := New(Settings{FailureThreshold: 2}, nil)
	key := "openai-main:gpt-4o"

	s.RecordFailureWithMethod(key, ErrNetwork, MethodChat)
	s.RecordFailureWithMethod(key, ErrNetwork, MethodChat)
	if s.IsHealthy(key) {
		t.Fatal("expected backend to be unhealthy after 2 consecutive failures")
	}

	s.RecordSuccess(key, 10*time.Millisecond)
	if !s.IsHealthy(key) {
		t.Error("expected a single success to restore health")
	}
	if s.IsOnUnhealthyList(key) {
		t.Error("expected backend to be removed from the unhealthy list")
	}
}

func TestRecordFailure_TracksErrorCounts(t *testing.T) {
	s := New(Settings{FailureThreshold: 10}, nil)
	key := "openai-main:gpt-4o"

	s.RecordFailureWithMethod(key, ErrTimeout, MethodChat)
	s.RecordFailureWithMethod(key, ErrTimeout, MethodChat)
	s.RecordFailureWithMethod(key, ErrAuth, MethodChat)

	snap := s.GetSnapshot(key)
	if snap.ErrorCounts[ErrTimeout] != 2 {
		t.Errorf("expected 2 timeout errors, got %d", snap.ErrorCounts[ErrTimeout])
	}
	if snap.ErrorCounts[ErrAuth] != 1 {
		t.Errorf("expected 1 auth error, got %d", snap.ErrorCounts[ErrAuth])
	}
	if snap.FailedRequests != 3 {
		t.Errorf("expected 3 failed requests, got %d", snap.FailedRequests)
	}
}

func TestNeedsRecoveryProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := New(Settings{FailureThreshold: 1}, clock)
	key := "openai-main:gpt-4o"

	s.RecordFailureWithMethod(key, ErrNetwork, MethodChat)

	if s.NeedsRecoveryProbe(key, time.Minute) {
		t.Error("expected no recovery probe needed immediately after failure")
	}

	clock.now = clock.now.Add(2 * time.Minute)
	if !s.NeedsRecoveryProbe(key, time.Minute) {
		t.Error("expected a recovery probe to be due after the interval elapses")
	}

	s.RecordRecoveryAttempt(key)
	if s.NeedsRecoveryProbe(key, time.Minute) {
		t.Error("expected no immediate re-probe right after recording an attempt")
	}
}

func TestSmartAiUpdateSuccess_AdvancesStage(t *testing.T) {
	s := New(Settings{InitialConfidence: 0.5, SuccessBoost: 0.1, MinConfidence: 0.05}, nil)
	key := "openai-main:gpt-4o"

	s.SmartAiUpdateFailure(key, ErrServerError) // drop to Stage10
	if got := s.SmartAiSnapshot(key).WeightRecoveryStage; got != Stage10 {
		t.Fatalf("expected Stage10 after a failure, got %v", got)
	}

	s.SmartAiUpdateSuccess(key) // Stage10 -> Stage30
	if got := s.SmartAiSnapshot(key).WeightRecoveryStage; got != Stage30 {
		t.Fatalf("expected Stage30 after 1 success, got %v", got)
	}
}

func TestSmartAiUpdateFailure_AppliesConfiguredPenalty(t *testing.T) {
	s := New(Settings{
		InitialConfidence:   0.9,
		MinConfidence:       0.05,
		ConfidencePenalties: map[ErrorKind]float64{ErrAuth: 0.5},
	}, nil)
	key := "openai-main:gpt-4o"

	s.SmartAiUpdateFailure(key, ErrAuth)
	got := s.SmartAiSnapshot(key).Confidence
	want := 0.4
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected confidence %v after penalty, got %v", want, got)
	}
}

func TestSmartAiGetConfidence_AppliesDecayWhenEnabled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := New(Settings{InitialConfidence: 0.9, EnableTimeDecay: true, SuccessBoost: 0.1, MinConfidence: 0.05}, clock)
	key := "openai-main:gpt-4o"

	s.SmartAiUpdateSuccess(key)
	clock.now = clock.now.Add(4 * 24 * time.Hour)

	got := s.SmartAiGetConfidence(key)
	if got >= 1.0 {
		t.Errorf("expected decay to reduce confidence below 1.0, got %v", got)
	}
}

func TestAllSnapshotsAndUnhealthyList(t *testing.T) {
	s := New(Settings{FailureThreshold: 1}, nil)
	s.RecordSuccess("healthy-backend", time.Millisecond)
	s.RecordFailureWithMethod("broken-backend", ErrNetwork, MethodChat)

	all := s.AllSnapshots()
	if len(all) != 2 {
		t.Fatalf("expected 2 tracked backends, got %d", len(all))
	}

	unhealthy := s.UnhealthyList()
	if len(unhealthy) != 1 || unhealthy[0].Key != "broken-backend" {
		t.Fatalf("expected only broken-backend on the unhealthy list, got %+v", unhealthy)
	}
}
