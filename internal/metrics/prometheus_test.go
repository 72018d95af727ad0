package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, r *Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.Metric {
			if labelsMatch(m, labels) {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.Label))
	for _, l := range m.Label {
		got[l.GetName()] = l.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestSetBackendHealthTogglesGauge(t *testing.T) {
	r := New()

	r.SetBackendHealth("openai-primary:gpt-4o", true)
	if v := gaugeValue(t, r, "gateway_backend_health", map[string]string{"backend": "openai-primary:gpt-4o"}); v != 1 {
		t.Errorf("expected healthy gauge = 1, got %v", v)
	}

	r.SetBackendHealth("openai-primary:gpt-4o", false)
	if v := gaugeValue(t, r, "gateway_backend_health", map[string]string{"backend": "openai-primary:gpt-4o"}); v != 0 {
		t.Errorf("expected unhealthy gauge = 0, got %v", v)
	}
}

func TestSetSmartAIConfidenceAndUnhealthyCount(t *testing.T) {
	r := New()

	r.SetSmartAIConfidence("claude-primary:claude-3-5-sonnet", 0.73)
	if v := gaugeValue(t, r, "gateway_smartai_confidence", map[string]string{"backend": "claude-primary:claude-3-5-sonnet"}); v != 0.73 {
		t.Errorf("expected confidence gauge = 0.73, got %v", v)
	}

	r.SetUnhealthyBackends(3)
	families, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "gateway_unhealthy_backends" {
			found = true
			if got := fam.Metric[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("expected gateway_unhealthy_backends = 3, got %v", got)
			}
		}
	}
	if !found {
		t.Fatal("gateway_unhealthy_backends metric not registered")
	}
}
