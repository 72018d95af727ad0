package upstream

import "testing"

func TestBuildClaudeParams_FlattensSystemRole(t *testing.T) {
	req := ChatRequest{
		Model: "claude-3-opus",
		Messages: []Message{
			{Role: "system", Content: "be concise"},
			{Role: "developer", Content: "use metric units"},
			{Role: "user", Content: "hello"},
		},
	}
	params := buildClaudeParams(req)

	if len(params.System) != 1 || params.System[0].Text != "be concise\nuse metric units" {
		t.Errorf("expected system and developer roles to flatten into one joined string, got %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected only the user message to remain, got %d", len(params.Messages))
	}
}

func TestBuildClaudeParams_DefaultMaxTokens(t *testing.T) {
	params := buildClaudeParams(ChatRequest{Model: "claude-3-opus", Messages: []Message{{Role: "user", Content: "hi"}}})
	if params.MaxTokens != claudeDefaultMaxTokens {
		t.Errorf("expected default max_tokens %d, got %d", claudeDefaultMaxTokens, params.MaxTokens)
	}
}

func TestBuildClaudeParams_ExplicitMaxTokens(t *testing.T) {
	params := buildClaudeParams(ChatRequest{Model: "claude-3-opus", MaxTokens: 256, Messages: []Message{{Role: "user", Content: "hi"}}})
	if params.MaxTokens != 256 {
		t.Errorf("expected max_tokens 256, got %d", params.MaxTokens)
	}
}

func TestBuildClaudeParams_TemperatureOnlySetWhenPositive(t *testing.T) {
	withTemp := buildClaudeParams(ChatRequest{Model: "claude-3-opus", Temperature: 0.7, Messages: []Message{{Role: "user", Content: "hi"}}})
	withoutTemp := buildClaudeParams(ChatRequest{Model: "claude-3-opus", Messages: []Message{{Role: "user", Content: "hi"}}})
	if withTemp.Temperature == withoutTemp.Temperature {
		t.Error("expected a positive request temperature to change the translated params")
	}
}

func TestMapClaudeStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
	}
	for in, want := range cases {
		if got := mapClaudeStopReason(in); got != want {
			t.Errorf("mapClaudeStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
