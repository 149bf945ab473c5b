package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/consensus"
	"github.com/mwiater/krisis/internal/limiter"
	"github.com/mwiater/krisis/internal/providers"
	"github.com/mwiater/krisis/internal/retry"
)

// fakeClient answers each model with a canned response and counts calls.
type fakeClient struct {
	mu      sync.Mutex
	answers map[string]string // model key -> answer text
	fail    map[string]error  // model key -> permanent error
	calls   map[string]int
	summary string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		answers: make(map[string]string),
		fail:    make(map[string]error),
		calls:   make(map[string]int),
		summary: "42",
	}
}

func (c *fakeClient) Stream(_ context.Context, req providers.Request, cb providers.Callbacks) error {
	key := req.Model.Key()
	c.mu.Lock()
	c.calls[key]++
	c.mu.Unlock()

	if err, ok := c.fail[key]; ok {
		return err
	}
	text, ok := c.answers[key]
	if !ok {
		text = c.summary
	}
	if cb.OnComplete != nil {
		cb.OnComplete(text, providers.CompletionMeta{TokenCount: 10, CostUSD: 0.001})
	}
	return nil
}

func (c *fakeClient) GenerateStructured(context.Context, providers.StructuredRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"winner": "TIE"}`), nil
}

func (c *fakeClient) Close() error { return nil }

func testModels(n int) []providers.ModelRef {
	models := make([]providers.ModelRef, n)
	for i := range models {
		models[i] = providers.ModelRef{Provider: "test", Model: fmt.Sprintf("model-%d", i)}
	}
	return models
}

func testQuestions(n int) []bench.Question {
	questions := make([]bench.Question, n)
	for i := range questions {
		questions[i] = bench.Question{
			ID:          fmt.Sprintf("q%d", i),
			Prompt:      "What is 6*7?",
			GroundTruth: "42",
		}
	}
	return questions
}

func newTestRunner(t *testing.T, client providers.Client, cfg Config) *Runner {
	t.Helper()
	gate := limiter.New(limiter.Options{Initial: 8, Max: 8})
	engine := &consensus.Engine{Client: client, Summarizer: providers.ModelRef{Provider: "test", Model: "summarizer"}}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.Options{MaxRetries: 1, BaseDelay: time.Millisecond, MaxJitter: -1, Timeout: time.Second}
	}
	r, err := New(client, gate, engine, cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func TestRunEvaluatesEveryModelAndConsensus(t *testing.T) {
	client := newFakeClient()
	client.answers["test/model-0"] = "The answer is 42."
	client.answers["test/model-1"] = "I believe 41."

	r := newTestRunner(t, client, Config{
		Dataset:    "gsm8k",
		Models:     testModels(2),
		Strategies: []string{consensus.StrategyStandard},
	})

	out, err := r.Run(context.Background(), RunRequest{Questions: testQuestions(3)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Runs) != 3 {
		t.Fatalf("got %d results, want 3", len(out.Runs))
	}

	first := out.Runs[0]
	if len(first.Responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(first.Responses))
	}
	if !first.ModelCorrect("test/model-0") {
		t.Fatalf("model-0 should be correct: %+v", first.Evaluation)
	}
	if first.ModelCorrect("test/model-1") {
		t.Fatalf("model-1 answered 41 and must be wrong: %+v", first.Evaluation)
	}
	if !first.StrategyCorrect(consensus.StrategyStandard) {
		t.Fatalf("standard consensus (42) should be correct: %+v", first.ConsensusEvaluation)
	}
	if r.State() != StateCompleted {
		t.Fatalf("state = %s, want %s", r.State(), StateCompleted)
	}
}

func TestRunRetainsErrorResponses(t *testing.T) {
	client := newFakeClient()
	client.fail["test/model-1"] = errors.New("model not found")

	r := newTestRunner(t, client, Config{Dataset: "gsm8k", Models: testModels(2)})
	out, err := r.Run(context.Background(), RunRequest{Questions: testQuestions(1)})
	if err != nil {
		t.Fatalf("run must not abort on per-call failure: %v", err)
	}

	result := out.Runs[0]
	if len(result.Responses) != 2 {
		t.Fatalf("error responses must be retained: %+v", result.Responses)
	}
	var failed *bench.ModelResponse
	for i := range result.Responses {
		if result.Responses[i].Failed() {
			failed = &result.Responses[i]
		}
	}
	if failed == nil {
		t.Fatal("expected one failed response")
	}
	if _, evaluated := result.Evaluation.Results[failed.Key()]; evaluated {
		t.Fatal("failed responses must be excluded from evaluation")
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	client := newFakeClient()
	var mu sync.Mutex
	attempts := 0
	flaky := &flakyClient{fakeClient: client, trip: func() error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("429 too many requests")
		}
		return nil
	}}

	r := newTestRunner(t, flaky, Config{
		Dataset: "gsm8k",
		Models:  testModels(1),
		Retry:   retry.Options{MaxRetries: 3, BaseDelay: time.Millisecond, MaxJitter: -1, Timeout: time.Second},
	})
	out, err := r.Run(context.Background(), RunRequest{Questions: testQuestions(1)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Runs[0].Responses[0].Failed() {
		t.Fatalf("transient failure should have been retried away: %+v", out.Runs[0].Responses[0])
	}
}

// flakyClient injects an error ahead of the wrapped client's behavior.
type flakyClient struct {
	*fakeClient
	trip func() error
}

func (c *flakyClient) Stream(ctx context.Context, req providers.Request, cb providers.Callbacks) error {
	if err := c.trip(); err != nil {
		return err
	}
	return c.fakeClient.Stream(ctx, req, cb)
}

func TestTraceCallsLogsProviderExchanges(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	client := newFakeClient()
	client.answers["test/model-0"] = "42"
	r := newTestRunner(t, client, Config{Dataset: "gsm8k", Models: testModels(1), TraceCalls: true})

	if _, err := r.Run(context.Background(), RunRequest{Questions: testQuestions(1)}); err != nil {
		t.Fatalf("run: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "[REQUEST] provider=test model=model-0 question=q0 payload=What is 6*7?") {
		t.Fatalf("request not logged:\n%s", out)
	}
	if !strings.Contains(out, "[RESPONSE] provider=test model=model-0 question=q0 payload=42") {
		t.Fatalf("response not logged:\n%s", out)
	}
}

func TestTraceCallsLogsFailedExchanges(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	client := newFakeClient()
	client.fail["test/model-0"] = errors.New("model melted down")
	r := newTestRunner(t, client, Config{Dataset: "gsm8k", Models: testModels(1), TraceCalls: true})

	if _, err := r.Run(context.Background(), RunRequest{Questions: testQuestions(1)}); err != nil {
		t.Fatalf("run: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "[ERROR] provider=test model=model-0 question=q0 payload=model melted down") {
		t.Fatalf("failed call not logged:\n%s", out)
	}
}

func TestRunResumesFromPriorResults(t *testing.T) {
	client := newFakeClient()
	r := newTestRunner(t, client, Config{Dataset: "gsm8k", Models: testModels(1)})

	questions := testQuestions(3)
	prior := &ResultsFile{
		Type:    ResultsFileType,
		Dataset: "gsm8k",
		Runs: []bench.PromptRunResult{
			{QuestionID: "q0", Prompt: questions[0].Prompt, GroundTruth: "42"},
			{QuestionID: "q1", Prompt: questions[1].Prompt, GroundTruth: "42"},
		},
	}

	var skipped []string
	out, err := r.Run(context.Background(), RunRequest{
		Questions: questions,
		Prior:     prior,
		OnProgress: func(p bench.Progress) {
			if p.Skipped {
				skipped = append(skipped, p.QuestionID)
			}
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.Runs) != 3 {
		t.Fatalf("got %d results, want 3", len(out.Runs))
	}
	if len(skipped) != 2 {
		t.Fatalf("skipped = %v, want q0 and q1", skipped)
	}
	if got := client.calls["test/model-0"]; got != 1 {
		t.Fatalf("resumed questions were re-queried: %d calls, want 1", got)
	}
}

func TestRunProgressCoversEveryQuestion(t *testing.T) {
	client := newFakeClient()
	r := newTestRunner(t, client, Config{Dataset: "gsm8k", Models: testModels(1), QuestionConcurrency: 4})

	var mu sync.Mutex
	var seen []int
	_, err := r.Run(context.Background(), RunRequest{
		Questions: testQuestions(8),
		OnProgress: func(p bench.Progress) {
			mu.Lock()
			seen = append(seen, p.Completed)
			mu.Unlock()
			if p.Total != 8 {
				t.Errorf("total = %d, want 8", p.Total)
			}
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 8 {
		t.Fatalf("progress fired %d times, want 8", len(seen))
	}
}

func TestRunEmptyQuestionsFails(t *testing.T) {
	client := newFakeClient()
	r := newTestRunner(t, client, Config{Dataset: "gsm8k", Models: testModels(1)})
	if _, err := r.Run(context.Background(), RunRequest{}); err == nil {
		t.Fatal("expected error for empty question set")
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %s, want %s", r.State(), StateFailed)
	}
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	client := newFakeClient()
	gate := limiter.New(limiter.Options{})
	_, err := New(client, gate, nil, Config{Models: testModels(1), Strategies: []string{"galactic"}})
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestResultsFileRoundTripAndAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results", "gsm8k.json")

	cfg := Config{Dataset: "gsm8k", Models: testModels(2), Strategies: []string{consensus.StrategyStandard}}
	file := NewResultsFile(cfg, 10)
	file.Append([]bench.PromptRunResult{{QuestionID: "q0", GroundTruth: "42"}})
	file.Append([]bench.PromptRunResult{
		{QuestionID: "q0", GroundTruth: "42", DurationMs: 5}, // replaces stale entry
		{QuestionID: "q1", GroundTruth: "7"},
	})

	if err := file.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadResultsFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != file.ID || loaded.Dataset != "gsm8k" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if len(loaded.Runs) != 2 {
		t.Fatalf("got %d runs, want 2 (append must replace, not duplicate)", len(loaded.Runs))
	}
	if loaded.Runs[0].DurationMs != 5 {
		t.Fatalf("stale entry not replaced: %+v", loaded.Runs[0])
	}
}

func TestLoadResultsFileRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := writeFile(path, `{"type": "benchmark", "dataset": "", "models": [], "runs": [{}]}`); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadResultsFile(path); err == nil {
		t.Fatal("malformed results file must be rejected")
	}
}

func TestLoadResultsFileIfPresentMissing(t *testing.T) {
	file, err := LoadResultsFileIfPresent(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || file != nil {
		t.Fatalf("missing file should be (nil, nil), got (%v, %v)", file, err)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
