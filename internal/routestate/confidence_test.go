package routestate

import "testing"

func TestConfidenceFactor(t *testing.T) {
	cases := []struct {
		c    float64
		want float64
	}{
		{1.0, 1.0},
		{0.8, 0.8},
		{0.79, 0.8},
		{0.6, 0.8},
		{0.59, 0.5},
		{0.3, 0.5},
		{0.29, 0.05},
		{0.0, 0.05},
	}
	for _, tc := range cases {
		if got := ConfidenceFactor(tc.c); got != tc.want {
			t.Errorf("ConfidenceFactor(%v): expected %v, got %v", tc.c, tc.want, got)
		}
	}
}

func TestStabilityBonus(t *testing.T) {
	if got := StabilityBonus(false, 0.95, 1.1); got != 1.1 {
		t.Errorf("expected bonus for stable non-premium backend, got %v", got)
	}
	if got := StabilityBonus(true, 0.95, 1.1); got != 1.0 {
		t.Errorf("expected no bonus for premium backend, got %v", got)
	}
	if got := StabilityBonus(false, 0.5, 1.1); got != 1.0 {
		t.Errorf("expected no bonus below the stability threshold, got %v", got)
	}
}

func TestEffectiveWeight(t *testing.T) {
	got := EffectiveWeight(2.0, 1.0, true, 1.1)
	want := 2.0 * 1.0 * 1.0
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestStageWeight(t *testing.T) {
	cases := map[RecoveryStage]float64{
		StageFull: 1.0,
		Stage100:  1.0,
		Stage50:   0.5,
		Stage30:   0.3,
		Stage10:   0.1,
	}
	for stage, want := range cases {
		if got := StageWeight(stage); got != want {
			t.Errorf("StageWeight(%v): expected %v, got %v", stage, want, got)
		}
	}
}

func TestAdvanceStage(t *testing.T) {
	stage, count := AdvanceStage(Stage10, 0)
	if stage != Stage30 || count != 0 {
		t.Fatalf("expected Stage30/0 after one success from Stage10, got %v/%d", stage, count)
	}

	stage, count = AdvanceStage(Stage30, 0)
	if stage != Stage50 || count != 0 {
		t.Fatalf("expected Stage50/0 after one success from Stage30, got %v/%d", stage, count)
	}

	stage, count = AdvanceStage(Stage50, 0)
	if stage != Stage50 || count != 1 {
		t.Fatalf("expected to stay in Stage50 after 1 success, got %v/%d", stage, count)
	}
	stage, count = AdvanceStage(stage, count)
	if stage != Stage50 || count != 2 {
		t.Fatalf("expected to stay in Stage50 after 2 successes, got %v/%d", stage, count)
	}
	stage, count = AdvanceStage(stage, count)
	if stage != StageFull || count != 0 {
		t.Fatalf("expected StageFull/0 after 3 successes in Stage50, got %v/%d", stage, count)
	}
}

func TestDecay(t *testing.T) {
	if got := Decay(1.0, 0); got != 1.0 {
		t.Errorf("expected no decay for a fresh sample, got %v", got)
	}
	if got := Decay(0.9, 4*24*3600); got != 0.63 {
		if diff := got - 0.63; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("expected 0.63 for an old sample (0.9*0.7), got %v", got)
		}
	}
	if got := Decay(0.6, 30*24*3600); got != 0.5 {
		t.Errorf("expected decay floored at 0.5, got %v", got)
	}
}

func TestClamp(t *testing.T) {
	if got := clamp(1.5, 0, 1); got != 1 {
		t.Errorf("expected clamp to cap at hi, got %v", got)
	}
	if got := clamp(-0.5, 0, 1); got != 0 {
		t.Errorf("expected clamp to floor at lo, got %v", got)
	}
	if got := clamp(0.5, 0, 1); got != 0.5 {
		t.Errorf("expected clamp to pass through in-range values, got %v", got)
	}
}
