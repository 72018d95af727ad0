package httpapi

import (
	"encoding/json"
	"testing"
)

func TestInboundEmbeddingRequest_SingleStringInput(t *testing.T) {
	var body inboundEmbeddingRequest
	if err := json.Unmarshal([]byte(`{"model":"text-embedding-3-small","input":"hello"}`), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body.Input) != 1 || body.Input[0] != "hello" {
		t.Errorf("expected a single-element batch, got %v", body.Input)
	}
}

func TestInboundEmbeddingRequest_ArrayInput(t *testing.T) {
	var body inboundEmbeddingRequest
	if err := json.Unmarshal([]byte(`{"model":"text-embedding-3-small","input":["a","b","c"]}`), &body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body.Input) != 3 {
		t.Fatalf("expected a 3-element batch, got %v", body.Input)
	}
}

func TestInboundEmbeddingRequest_InvalidInputShape(t *testing.T) {
	var body inboundEmbeddingRequest
	if err := json.Unmarshal([]byte(`{"model":"text-embedding-3-small","input":42}`), &body); err == nil {
		t.Error("expected an error for an input that is neither a string nor an array of strings")
	}
}
