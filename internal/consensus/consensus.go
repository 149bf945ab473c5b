// internal/consensus/consensus.go
// Package consensus combines multiple model responses to one question into a
// single answer per strategy. Standard and Majority lean on a summarizer
// model, Elo runs a position-swapped pairwise tournament, and Council
// aggregates deliberation positions. Strategies below their minimum response
// count are silently omitted so evaluators never score an error message as
// an answer.
package consensus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/limiter"
	"github.com/mwiater/krisis/internal/providers"
)

// Strategy names accepted by Generate.
const (
	StrategyStandard = "standard"
	StrategyMajority = "majority"
	StrategyElo      = "elo"
	StrategyCouncil  = "council"
)

// DefaultTopK is how many tournament winners feed the Elo synthesis.
const DefaultTopK = 3

// minResponses gates each strategy; below the minimum it is skipped.
var minResponses = map[string]int{
	StrategyStandard: 1,
	StrategyMajority: 2,
	StrategyElo:      3,
	StrategyCouncil:  3,
}

// Output is one strategy's synthesized answer plus its synthesis cost.
type Output struct {
	Text       string `json:"text"`
	TokenCount int    `json:"tokenCount"`
	DurationMs int64  `json:"durationMs"`
}

// Engine generates consensus answers. The provider client and model refs
// are injected; there is no global registry.
type Engine struct {
	Client     providers.Client
	Summarizer providers.ModelRef
	// Judge handles pairwise Elo comparisons; defaults to Summarizer.
	Judge providers.ModelRef
	// TopK bounds the Elo synthesis subset; defaults to DefaultTopK and is
	// always capped at the participant count.
	TopK int
	// Gate, when set, bounds the engine's provider calls alongside the
	// rest of the process.
	Gate *limiter.AdaptiveLimiter
}

// KnownStrategy reports whether name is a recognized strategy.
func KnownStrategy(name string) bool {
	_, ok := minResponses[name]
	return ok
}

// Generate runs the requested strategies in parallel over the valid
// (non-error, non-empty) responses. Strategies that are skipped or fail do
// not appear in the returned map.
func (e *Engine) Generate(ctx context.Context, q bench.Question, responses []bench.ModelResponse, strategies []string) map[string]Output {
	valid := validResponses(responses)

	outputs := make(map[string]Output, len(strategies))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range strategies {
		min, ok := minResponses[name]
		if !ok {
			log.Printf("consensus: unknown strategy %q requested, skipping", name)
			continue
		}
		if len(valid) < min {
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			out, err := e.runStrategy(ctx, name, q, valid)
			if err != nil {
				log.Printf("consensus: %s strategy failed for question %s: %v", name, q.ID, err)
				return
			}
			mu.Lock()
			outputs[name] = out
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	return outputs
}

func (e *Engine) runStrategy(ctx context.Context, name string, q bench.Question, valid []bench.ModelResponse) (Output, error) {
	switch name {
	case StrategyStandard:
		return e.summarize(ctx, standardPrompt(q, valid))
	case StrategyMajority:
		return e.summarize(ctx, majorityPrompt(q, valid))
	case StrategyElo:
		return e.runElo(ctx, q, valid)
	case StrategyCouncil:
		return e.summarize(ctx, councilPrompt(q, valid))
	default:
		return Output{}, fmt.Errorf("unknown strategy %q", name)
	}
}

// summarize issues one summarizer call and packages the answer.
func (e *Engine) summarize(ctx context.Context, prompt string) (Output, error) {
	start := time.Now()
	var text string
	var meta providers.CompletionMeta

	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		text, meta, err = providers.Collect(ctx, e.Client, providers.Request{
			Model:  e.Summarizer,
			Prompt: prompt,
		})
		return err
	})
	if err != nil {
		return Output{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Output{}, fmt.Errorf("summarizer %s returned an empty answer", e.Summarizer.Key())
	}
	return Output{
		Text:       text,
		TokenCount: meta.TokenCount,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// call routes a provider call through the shared limiter when one is
// configured.
func (e *Engine) call(ctx context.Context, fn func(context.Context) error) error {
	if e.Gate != nil {
		return e.Gate.Do(ctx, fn)
	}
	return fn(ctx)
}

func (e *Engine) topK(n int) int {
	k := e.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	if k > n {
		k = n
	}
	return k
}

func validResponses(responses []bench.ModelResponse) []bench.ModelResponse {
	valid := make([]bench.ModelResponse, 0, len(responses))
	for _, r := range responses {
		if r.Failed() || strings.TrimSpace(r.Content) == "" {
			continue
		}
		valid = append(valid, r)
	}
	return valid
}

const answerFormatHint = "If the question demands a constrained answer format (a single number, a single option letter), your final line must follow that format exactly."

func standardPrompt(q bench.Question, responses []bench.ModelResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Several models answered the same question.\n\nQuestion:\n%s\n\n", q.Prompt)
	writeResponses(&b, responses)
	fmt.Fprintf(&b, "\nProduce the single most defensible final answer. Favor factual correctness over popularity: a well-argued minority answer beats a wrong majority. %s", answerFormatHint)
	return b.String()
}

func majorityPrompt(q bench.Question, responses []bench.ModelResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Several models answered the same question.\n\nQuestion:\n%s\n\n", q.Prompt)
	writeResponses(&b, responses)
	fmt.Fprintf(&b, "\nCluster the responses by the answer they give, find the plurality cluster, and produce a defensible synthesis of that cluster's answer. %s", answerFormatHint)
	return b.String()
}

func councilPrompt(q bench.Question, responses []bench.ModelResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A council of models deliberated on a question. Each member's position follows.\n\nQuestion:\n%s\n\n", q.Prompt)
	for i, r := range responses {
		fmt.Fprintf(&b, "Council member %d (%s):\n%s\n\n", i+1, r.Key(), strings.TrimSpace(r.Content))
	}
	fmt.Fprintf(&b, "Aggregate the members' positions into the council's single answer, weighing the quality of each argument. %s", answerFormatHint)
	return b.String()
}

func writeResponses(b *strings.Builder, responses []bench.ModelResponse) {
	for i, r := range responses {
		fmt.Fprintf(b, "Response %d (%s):\n%s\n\n", i+1, r.Key(), strings.TrimSpace(r.Content))
	}
}
