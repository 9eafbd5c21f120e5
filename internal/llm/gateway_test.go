package llm_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"broadlistening/internal/llm"
	"broadlistening/internal/llm/llmtest"
	"broadlistening/internal/logger"
)

func testConfig() llm.GatewayConfig {
	return llm.GatewayConfig{
		Model:              "test-model",
		MaxConcurrency:     4,
		MaxRetries:         3,
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		EmbeddingBatchSize: 2,
	}
}

func TestLabelRetriesTransientFailures(t *testing.T) {
	fake := llmtest.New()
	var calls atomic.Int32
	fake.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (string, error) {
		if calls.Add(1) <= 2 {
			return "", llmtest.APIError(503)
		}
		return `{"label": "Transit", "description": "People want later buses."}`, nil
	}

	gw := llm.NewGateway(fake, testConfig(), logger.Discard())
	got, err := gw.Label(context.Background(), "label prompt", []string{"later buses"})
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if got.Label != "Transit" || got.Takeaway != "People want later buses." {
		t.Errorf("unexpected label: %+v", got)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if st := gw.Stats(); st.Retries != 2 || st.Failures != 0 || st.Calls != 3 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	fake := llmtest.New()
	fake.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (string, error) {
		return "", llmtest.APIError(401)
	}

	gw := llm.NewGateway(fake, testConfig(), logger.Discard())
	_, err := gw.ExtractArguments(context.Background(), "p", "comment")
	if !llm.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if n := len(fake.GenerateCalls()); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestMalformedResponseExhaustsBudget(t *testing.T) {
	fake := llmtest.New()
	fake.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (string, error) {
		return "I cannot answer in JSON", nil
	}

	cfg := testConfig()
	cfg.MaxRetries = 2
	gw := llm.NewGateway(fake, cfg, logger.Discard())

	_, err := gw.MergeLabel(context.Background(), "p", []llm.ClusterSummary{{Label: "a", Takeaway: "b", Value: 1}})
	if !errors.Is(err, llm.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if !llm.IsFatal(err) || llm.IsTransient(err) {
		t.Errorf("exhausted retries should surface as fatal: %v", err)
	}
	if n := len(fake.GenerateCalls()); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	fake := llmtest.New()
	var inFlight, peak atomic.Int32
	fake.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return "done", nil
	}

	cfg := testConfig()
	cfg.MaxConcurrency = 2
	gw := llm.NewGateway(fake, cfg, logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gw.Overview(context.Background(), "p", nil); err != nil {
				t.Errorf("Overview: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak in-flight calls = %d, want <= 2", peak.Load())
	}
}

func TestCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := llmtest.New()
	fake.GenerateFunc = func(context.Context, llm.GenerateRequest) (string, error) {
		cancel()
		return "", llmtest.APIError(503)
	}

	gw := llm.NewGateway(fake, testConfig(), logger.Discard())
	_, err := gw.Overview(ctx, "p", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(fake.GenerateCalls()); n != 1 {
		t.Errorf("expected no retries after cancellation, got %d calls", n)
	}
}

func TestEmbedBatches(t *testing.T) {
	fake := llmtest.New()
	gw := llm.NewGateway(fake, testConfig(), logger.Discard())

	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := gw.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	if fake.EmbedCalls() != 3 {
		t.Errorf("expected 3 batches, got %d", fake.EmbedCalls())
	}
}

func TestEmbedRejectsShortBatch(t *testing.T) {
	fake := llmtest.New()
	fake.EmbedFunc = func(ctx context.Context, texts []string) ([][]float64, error) {
		return [][]float64{{1, 2}}, nil
	}
	cfg := testConfig()
	cfg.MaxRetries = 1
	gw := llm.NewGateway(fake, cfg, logger.Discard())

	_, err := gw.Embed(context.Background(), []string{"a", "b"})
	if !errors.Is(err, llm.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestWithModel(t *testing.T) {
	fake := llmtest.New()
	gw := llm.NewGateway(fake, testConfig(), logger.Discard())

	if gw.WithModel("") != gw {
		t.Error("empty model should return the same gateway")
	}
	other := gw.WithModel("other-model")
	if _, err := other.ExtractArguments(context.Background(), "p", "Buses. Trains."); err != nil {
		t.Fatal(err)
	}
	calls := fake.GenerateCalls()
	if len(calls) != 1 || calls[0].Model != "other-model" || calls[0].System != "p" {
		t.Errorf("unexpected request: %+v", calls)
	}
	if other.Stats().Calls != gw.Stats().Calls {
		t.Error("derived gateway should share counters")
	}
}

func TestRateLimiterPause(t *testing.T) {
	rl := llm.NewRateLimiter(0, 1)
	rl.RecordRateLimit(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected Wait to block until deadline, got %v", err)
	}

	rl.RecordRateLimit(time.Millisecond)
	if time.Until(rl.PausedUntil()) < 30*time.Minute {
		t.Error("a shorter pause must not shorten an existing one")
	}
}
