package embedding

import (
	"context"
	"testing"

	"broadlistening/internal/core"
	"broadlistening/internal/llm"
	"broadlistening/internal/llm/llmtest"
	"broadlistening/internal/logger"
)

func TestEmbedThroughGateway(t *testing.T) {
	gw := llm.NewGateway(llmtest.New(), llm.GatewayConfig{MaxConcurrency: 1, EmbeddingBatchSize: 2}, logger.Discard())
	args := []core.Argument{
		{ID: "A1_0", Text: "later buses"},
		{ID: "A2_0", Text: "more parks"},
		{ID: "A3_0", Text: "later trains"},
	}

	embs, err := Embed(context.Background(), gw, args, logger.Discard())
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, e := range embs {
		if e.ArgumentID != args[i].ID {
			t.Errorf("embedding %d is for %s, want %s", i, e.ArgumentID, args[i].ID)
		}
		if len(e.Vector) != llmtest.EmbeddingDims {
			t.Errorf("embedding %d has %d dims", i, len(e.Vector))
		}
	}
	if err := Validate(args, embs); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	args := []core.Argument{{ID: "a"}, {ID: "b"}}

	tests := []struct {
		name string
		embs []core.Embedding
	}{
		{"missing", []core.Embedding{{ArgumentID: "a", Vector: []float64{1}}}},
		{"unknown", []core.Embedding{{ArgumentID: "a", Vector: []float64{1}}, {ArgumentID: "z", Vector: []float64{1}}}},
		{"duplicate", []core.Embedding{{ArgumentID: "a", Vector: []float64{1}}, {ArgumentID: "a", Vector: []float64{1}}}},
		{"dims", []core.Embedding{{ArgumentID: "a", Vector: []float64{1}}, {ArgumentID: "b", Vector: []float64{1, 2}}}},
	}
	for _, tt := range tests {
		if err := Validate(args, tt.embs); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	gw := llm.NewGateway(llmtest.New(), llm.DefaultGatewayConfig(), logger.Discard())
	if _, err := Embed(context.Background(), gw, nil, nil); err == nil {
		t.Error("expected error for no arguments")
	}
}
