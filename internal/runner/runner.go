// internal/runner/runner.go
// Package runner orchestrates one benchmark run: every configured model
// answers every question through the shared limiter and retry policy, each
// answer is evaluated, consensus strategies combine the answers, and the
// consensus answers are evaluated the same way.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/consensus"
	"github.com/mwiater/krisis/internal/evaluate"
	"github.com/mwiater/krisis/internal/limiter"
	"github.com/mwiater/krisis/internal/logging"
	"github.com/mwiater/krisis/internal/providers"
	"github.com/mwiater/krisis/internal/retry"
)

// State tracks a run through its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Config describes one benchmark run.
type Config struct {
	Dataset    string
	Models     []providers.ModelRef
	Strategies []string
	Judge      providers.ModelRef
	// RequestDelay spaces sequential model calls within a question to
	// respect provider pacing even when the limiter would allow more.
	RequestDelay time.Duration
	// QuestionConcurrency bounds how many questions are in flight at
	// once; zero means sequential.
	QuestionConcurrency int
	Retry               retry.Options
	// TraceCalls mirrors every provider exchange to the process logger,
	// prompt and answer included. Meant for debugging runs, not CI.
	TraceCalls bool
}

// Runner executes benchmark runs. The provider client, the process-wide
// limiter, and the consensus engine are injected.
type Runner struct {
	client  providers.Client
	gate    *limiter.AdaptiveLimiter
	engine  *consensus.Engine
	cfg     Config
	mu      sync.Mutex
	state   State
	elapsed time.Duration
}

// New constructs a Runner. The limiter must be shared across every
// concurrently running Runner so global, not per-runner, throughput is what
// gets bounded.
func New(client providers.Client, gate *limiter.AdaptiveLimiter, engine *consensus.Engine, cfg Config) (*Runner, error) {
	if client == nil {
		return nil, fmt.Errorf("runner requires a provider client")
	}
	if gate == nil {
		return nil, fmt.Errorf("runner requires the shared concurrency limiter")
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("runner requires at least one model")
	}
	for _, s := range cfg.Strategies {
		if !consensus.KnownStrategy(s) {
			return nil, fmt.Errorf("unknown consensus strategy %q", s)
		}
	}
	return &Runner{client: client, gate: gate, engine: engine, cfg: cfg, state: StatePending}, nil
}

// State returns the run's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// RunRequest carries the inputs of one run.
type RunRequest struct {
	Questions []bench.Question
	// Prior, when set, supplies results from an earlier partial run;
	// questions already answered there are reused, not re-queried.
	Prior *ResultsFile
	// OnProgress, when set, is invoked after each question settles.
	OnProgress func(bench.Progress)
}

// RunOutput aggregates a completed run.
type RunOutput struct {
	Runs    []bench.PromptRunResult
	Elapsed time.Duration
}

// Run executes the benchmark over the given questions. Individual call
// failures become ModelResponse.Error entries and never abort the run; only
// an empty question set or context cancellation fail it.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunOutput, error) {
	if len(req.Questions) == 0 {
		r.setState(StateFailed)
		return nil, fmt.Errorf("run requires at least one question")
	}
	r.setState(StateRunning)
	start := time.Now()

	prior := make(map[string]bench.PromptRunResult)
	if req.Prior != nil {
		for _, run := range req.Prior.Runs {
			prior[run.QuestionID] = run
		}
	}

	total := len(req.Questions)
	results := make([]bench.PromptRunResult, total)

	var progressMu sync.Mutex
	completed := 0
	report := func(questionID string, skipped bool) {
		progressMu.Lock()
		completed++
		done := completed
		progressMu.Unlock()
		if req.OnProgress != nil {
			req.OnProgress(bench.Progress{Completed: done, Total: total, QuestionID: questionID, Skipped: skipped})
		}
	}

	sem := make(chan struct{}, maxInt(1, r.cfg.QuestionConcurrency))
	var wg sync.WaitGroup
	for i, q := range req.Questions {
		if reused, ok := prior[q.ID]; ok {
			results[i] = reused
			report(q.ID, true)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, q bench.Question) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.runQuestion(ctx, q)
			report(q.ID, false)
		}(i, q)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		r.setState(StateFailed)
		return nil, err
	}

	r.mu.Lock()
	r.state = StateCompleted
	r.elapsed = time.Since(start)
	r.mu.Unlock()

	return &RunOutput{Runs: results, Elapsed: time.Since(start)}, nil
}

// runQuestion drives one question end to end: model calls, per-model
// evaluation, consensus, consensus evaluation.
func (r *Runner) runQuestion(ctx context.Context, q bench.Question) bench.PromptRunResult {
	start := time.Now()

	responses := make([]bench.ModelResponse, 0, len(r.cfg.Models))
	for i, model := range r.cfg.Models {
		if i > 0 && r.cfg.RequestDelay > 0 {
			delay(ctx, r.cfg.RequestDelay)
		}
		responses = append(responses, r.callModel(ctx, model, q))
	}

	evaluator := evaluate.ForDataset(r.cfg.Dataset, r.client, r.judgeModel())
	evaluation := &bench.EvaluationBlock{Results: make(map[string]evaluate.Result)}
	for _, resp := range responses {
		if resp.Failed() {
			continue
		}
		result, err := evaluator.Evaluate(ctx, resp.Content, q.GroundTruth, q.Prompt)
		if err != nil {
			log.Printf("runner: evaluating %s on question %s: %v", resp.Key(), q.ID, err)
			continue
		}
		evaluation.Results[resp.Key()] = result
	}

	result := bench.PromptRunResult{
		QuestionID:  q.ID,
		Prompt:      q.Prompt,
		GroundTruth: q.GroundTruth,
		Responses:   responses,
		Evaluation:  evaluation,
	}

	if r.engine != nil && len(r.cfg.Strategies) > 0 {
		outputs := r.engine.Generate(ctx, q, responses, r.cfg.Strategies)
		if len(outputs) > 0 {
			result.Consensus = make(map[string]string, len(outputs))
			result.ConsensusMetrics = make(map[string]bench.ConsensusMetrics, len(outputs))
			consensusEval := &bench.EvaluationBlock{Results: make(map[string]evaluate.Result)}
			for strategy, out := range outputs {
				result.Consensus[strategy] = out.Text
				result.ConsensusMetrics[strategy] = bench.ConsensusMetrics{TokenCount: out.TokenCount, DurationMs: out.DurationMs}
				evalResult, err := evaluator.Evaluate(ctx, out.Text, q.GroundTruth, q.Prompt)
				if err != nil {
					log.Printf("runner: evaluating %s consensus on question %s: %v", strategy, q.ID, err)
					continue
				}
				consensusEval.Results[strategy] = evalResult
			}
			result.ConsensusEvaluation = consensusEval
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// callModel issues one retryable, limiter-gated model call. Failures are
// recorded on the response, never propagated.
func (r *Runner) callModel(ctx context.Context, model providers.ModelRef, q bench.Question) bench.ModelResponse {
	response := bench.ModelResponse{Provider: model.Provider, ModelID: model.Model}

	opts := r.cfg.Retry
	if opts.OnRetry == nil {
		opts.OnRetry = func(err error, attempt int) {
			log.Printf("runner: retrying %s on question %s (attempt %d): %v", model.Key(), q.ID, attempt, err)
		}
	}

	if r.cfg.TraceCalls {
		logging.LogModelCall("request", model.Provider, model.Model, q.ID, q.Prompt)
	}

	start := time.Now()
	err := retry.Do(ctx, opts, func(ctx context.Context) error {
		return r.gate.Do(ctx, func(ctx context.Context) error {
			text, meta, err := providers.Collect(ctx, r.client, providers.Request{Model: model, Prompt: q.Prompt})
			if err != nil {
				return err
			}
			response.Content = text
			response.TokenCount = meta.TokenCount
			response.CostUSD = meta.CostUSD
			return nil
		})
	})
	response.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		response.Error = err.Error()
		if r.cfg.TraceCalls {
			logging.LogModelCall("error", model.Provider, model.Model, q.ID, err.Error())
		}
		return response
	}
	if r.cfg.TraceCalls {
		logging.LogModelCall("response", model.Provider, model.Model, q.ID, response.Content)
	}
	return response
}

func (r *Runner) judgeModel() providers.ModelRef {
	if r.engine != nil && r.engine.Judge.Model != "" {
		return r.engine.Judge
	}
	if r.cfg.Judge.Model != "" {
		return r.cfg.Judge
	}
	if r.engine != nil {
		return r.engine.Summarizer
	}
	return providers.ModelRef{}
}

func delay(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
