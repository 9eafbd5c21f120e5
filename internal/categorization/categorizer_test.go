package categorization

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"broadlistening/internal/core"
	"broadlistening/internal/llm"
	"broadlistening/internal/llm/llmtest"
	"broadlistening/internal/logger"

	"github.com/google/go-cmp/cmp"
)

var sentiment = core.CategorySet{
	Name: "sentiment",
	Categories: []core.Category{
		{Name: "positive", Description: "Supports the current state"},
		{Name: "negative", Description: "Criticizes the current state"},
	},
}

var topic = core.CategorySet{
	Name: "topic",
	Categories: []core.Category{
		{Name: "transport"},
		{Name: "parks"},
	},
}

func newGateway(fake *llmtest.Provider) *llm.Gateway {
	return llm.NewGateway(fake, llm.GatewayConfig{
		Model:              "test-model",
		MaxConcurrency:     4,
		MaxRetries:         1,
		BaseDelay:          time.Millisecond,
		MaxDelay:           time.Millisecond,
		EmbeddingBatchSize: 10,
	}, logger.Discard())
}

func TestCategorize(t *testing.T) {
	args := []core.Argument{
		{ID: "A1_0", CommentID: "1", Text: "The negative impact of late transport is huge"},
		{ID: "A2_0", CommentID: "2", Text: "Our parks are lovely"},
	}
	fake := llmtest.New()
	var mu sync.Mutex
	var progress [2]int
	c := NewCategorizer(newGateway(fake), []core.CategorySet{sentiment, topic}, 2, logger.Discard(), func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if done >= progress[0] {
			progress = [2]int{done, total}
		}
	})

	got, err := c.Categorize(context.Background(), args, "classify")
	if err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	want := Assignments{
		"A1_0": {"sentiment": "negative", "topic": "transport"},
		"A2_0": {"sentiment": "positive", "topic": "parks"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("assignments mismatch (-want +got):\n%s", diff)
	}
	if len(fake.GenerateCalls()) != 2 {
		t.Errorf("made %d model calls, want one per argument", len(fake.GenerateCalls()))
	}
	if progress != [2]int{2, 2} {
		t.Errorf("final progress = %v", progress)
	}

	req := fake.GenerateCalls()[0]
	if req.System != "classify" || req.Schema == nil || len(req.Schema.Properties["topic"].Enum) != 2 {
		t.Errorf("request = %+v, want the prompt and an enum schema", req)
	}
}

func TestCategorizeUnknownAnswer(t *testing.T) {
	fake := llmtest.New()
	fake.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (string, error) {
		return `{"sentiment": "\"Negative\" overall", "topic": "weather"}`, nil
	}
	c := NewCategorizer(newGateway(fake), []core.CategorySet{sentiment, topic}, 1, logger.Discard(), nil)

	got, err := c.Categorize(context.Background(), []core.Argument{{ID: "A1_0", Text: "x"}}, "classify")
	if err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"sentiment": "negative", "topic": Uncategorized}, got["A1_0"]); diff != "" {
		t.Errorf("assignment mismatch (-want +got):\n%s", diff)
	}
}

func TestCategorizeFailsOnFatalError(t *testing.T) {
	fake := llmtest.New()
	fake.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (string, error) {
		return "", llmtest.APIError(403)
	}
	c := NewCategorizer(newGateway(fake), []core.CategorySet{sentiment}, 2, logger.Discard(), nil)

	_, err := c.Categorize(context.Background(), []core.Argument{{ID: "A1_0", Text: "x"}, {ID: "A2_0", Text: "y"}}, "classify")
	if !llm.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if !strings.Contains(err.Error(), "argument A") {
		t.Errorf("error should name the argument: %v", err)
	}
}

func TestCategorizeCancelLetsInFlightCallsFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var aborted int
	fake := llmtest.New()
	fake.GenerateFunc = func(callCtx context.Context, req llm.GenerateRequest) (string, error) {
		cancel()
		select {
		case <-time.After(20 * time.Millisecond):
			return llmtest.DefaultResponse(req), nil
		case <-callCtx.Done():
			aborted++
			return "", callCtx.Err()
		}
	}
	c := NewCategorizer(newGateway(fake), []core.CategorySet{sentiment}, 1, logger.Discard(), nil)

	args := []core.Argument{{ID: "A1_0", Text: "x"}, {ID: "A2_0", Text: "y"}, {ID: "A3_0", Text: "z"}}
	_, err := c.Categorize(ctx, args, "classify")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if aborted != 0 {
		t.Errorf("%d in-flight calls were aborted", aborted)
	}
	if n := len(fake.GenerateCalls()); n != 1 {
		t.Errorf("dispatched %d calls after cancellation, want 1", n)
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		answer string
		want   string
	}{
		{"positive", "positive"},
		{"POSITIVE", "positive"},
		{"`negative`", "negative"},
		{"mostly negative", "negative"},
		{"", ""},
		{"neutral", ""},
	}
	for _, tt := range tests {
		if got := parseCategory(sentiment, tt.answer); got != tt.want {
			t.Errorf("parseCategory(%q) = %q, want %q", tt.answer, got, tt.want)
		}
	}
}

func TestApplyCopiesSharedProperties(t *testing.T) {
	shared := map[string]string{"district": "north"}
	rels := []core.Relation{
		{ArgumentID: "A1_0", CommentID: "1", Properties: shared},
		{ArgumentID: "A1_1", CommentID: "1", Properties: shared},
		{ArgumentID: "A2_0", CommentID: "2"},
	}
	out := Apply(rels, Assignments{
		"A1_0": {"sentiment": "positive"},
		"A1_1": {"sentiment": "negative"},
		"A2_0": {"sentiment": "negative"},
	})

	want := []core.Relation{
		{ArgumentID: "A1_0", CommentID: "1", Properties: map[string]string{"district": "north", "sentiment": "positive"}},
		{ArgumentID: "A1_1", CommentID: "1", Properties: map[string]string{"district": "north", "sentiment": "negative"}},
		{ArgumentID: "A2_0", CommentID: "2", Properties: map[string]string{"sentiment": "negative"}},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("relations mismatch (-want +got):\n%s", diff)
	}
	if len(shared) != 1 {
		t.Errorf("shared comment properties were modified: %v", shared)
	}
}

func TestClassifications(t *testing.T) {
	got := Classifications([]core.CategorySet{sentiment})
	want := []llm.Classification{{Name: "sentiment", Options: []llm.ClassOption{
		{Name: "positive", Description: "Supports the current state"},
		{Name: "negative", Description: "Criticizes the current state"},
	}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("classifications mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"transport", "parks"}, GetCategoryNames(topic)); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}
