// internal/consensus/elo.go
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/providers"
)

const (
	eloInitialRating = 1200.0
	eloKFactor       = 32.0
)

// outcome is one judge verdict for an ordered pair.
type outcome int

const (
	outcomeA outcome = iota
	outcomeB
	outcomeTie
	outcomeError
)

func (o outcome) String() string {
	switch o {
	case outcomeA:
		return "A"
	case outcomeB:
		return "B"
	case outcomeTie:
		return "TIE"
	default:
		return "ERROR"
	}
}

// swapped maps an outcome observed with the pair in reversed order back into
// the original orientation. TIE and ERROR are symmetric.
func (o outcome) swapped() outcome {
	switch o {
	case outcomeA:
		return outcomeB
	case outcomeB:
		return outcomeA
	default:
		return o
	}
}

// confidence grades how much the two judging directions agreed.
type confidence int

const (
	confidenceHigh confidence = iota
	confidenceLow
)

// pairVerdict is the debiased result of judging one unordered pair.
type pairVerdict struct {
	i, j   int
	winner outcome // outcomeA = participant i, outcomeB = participant j
	conf   confidence
	skip   bool
}

var winnerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"winner": {"type": "string", "enum": ["A", "B", "TIE"]}
	},
	"required": ["winner"]
}`)

// runElo ranks the responses with a pairwise tournament and synthesizes a
// final answer from the top-rated subset. Every pair is judged twice, once
// per ordering, and the two verdicts are reconciled so order-dependent
// judging bias cannot decide a pair on its own.
func (e *Engine) runElo(ctx context.Context, q bench.Question, valid []bench.ModelResponse) (Output, error) {
	start := time.Now()

	type pairIndex struct{ i, j int }
	var pairs []pairIndex
	for i := 0; i < len(valid); i++ {
		for j := i + 1; j < len(valid); j++ {
			pairs = append(pairs, pairIndex{i, j})
		}
	}

	verdicts := make([]pairVerdict, len(pairs))
	var wg sync.WaitGroup
	for idx, p := range pairs {
		wg.Add(1)
		go func(idx int, p pairIndex) {
			defer wg.Done()
			verdicts[idx] = e.judgePair(ctx, q, valid, p.i, p.j)
		}(idx, p)
	}
	wg.Wait()

	ratings := make([]float64, len(valid))
	for i := range ratings {
		ratings[i] = eloInitialRating
	}
	judgedPairs := 0
	for _, v := range verdicts {
		if v.skip {
			continue
		}
		judgedPairs++
		applyElo(ratings, v)
	}
	if judgedPairs == 0 {
		return Output{}, fmt.Errorf("all %d pairwise judgments errored", len(pairs))
	}

	// Rank by rating, descending; ties keep the original response order.
	order := make([]int, len(valid))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ratings[order[a]] > ratings[order[b]]
	})

	k := e.topK(len(valid))
	top := make([]bench.ModelResponse, 0, k)
	for _, idx := range order[:k] {
		top = append(top, valid[idx])
	}

	out, err := e.summarize(ctx, eloPrompt(q, top))
	if err != nil {
		return Output{}, err
	}
	out.DurationMs = time.Since(start).Milliseconds()
	return out, nil
}

// judgePair runs the forward and reversed judgments concurrently, joins
// them, and resolves the combined verdict.
func (e *Engine) judgePair(ctx context.Context, q bench.Question, valid []bench.ModelResponse, i, j int) pairVerdict {
	var forward, reversed outcome
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		forward = e.judgeOrdered(ctx, q, valid[i].Content, valid[j].Content)
	}()
	go func() {
		defer wg.Done()
		reversed = e.judgeOrdered(ctx, q, valid[j].Content, valid[i].Content)
	}()
	wg.Wait()

	winner, conf, skip := resolvePair(forward, reversed.swapped())
	if skip {
		log.Printf("consensus: both judging directions errored for question %s pair (%d,%d), skipping pair", q.ID, i, j)
	}
	return pairVerdict{i: i, j: j, winner: winner, conf: conf, skip: skip}
}

// resolvePair reconciles the forward verdict with the reversed verdict
// already mapped back to the original orientation.
//
//	A+A        -> A, high
//	A+B        -> tie, low (the directions contradict)
//	A+TIE      -> A, low
//	TIE+TIE    -> tie, high
//	ERROR+any  -> the valid direction's verdict, low
//	ERROR+ERROR-> skip the pair
func resolvePair(forward, reversedMapped outcome) (outcome, confidence, bool) {
	if forward == outcomeError && reversedMapped == outcomeError {
		return outcomeTie, confidenceLow, true
	}
	if forward == outcomeError {
		return reversedMapped, confidenceLow, false
	}
	if reversedMapped == outcomeError {
		return forward, confidenceLow, false
	}
	if forward == reversedMapped {
		return forward, confidenceHigh, false
	}
	if forward == outcomeTie {
		return reversedMapped, confidenceLow, false
	}
	if reversedMapped == outcomeTie {
		return forward, confidenceLow, false
	}
	// A vs B: flat contradiction.
	return outcomeTie, confidenceLow, false
}

// applyElo updates both participants' ratings with K=32 and a draw counted
// as half a win for each side.
func applyElo(ratings []float64, v pairVerdict) {
	ra, rb := ratings[v.i], ratings[v.j]
	expectedA := 1 / (1 + math.Pow(10, (rb-ra)/400))
	expectedB := 1 - expectedA

	var scoreA float64
	switch v.winner {
	case outcomeA:
		scoreA = 1
	case outcomeB:
		scoreA = 0
	default:
		scoreA = 0.5
	}
	scoreB := 1 - scoreA

	ratings[v.i] = ra + eloKFactor*(scoreA-expectedA)
	ratings[v.j] = rb + eloKFactor*(scoreB-expectedB)
}

// judgeOrdered asks the judge to pick a winner for one ordering of a pair.
// Any failure maps to outcomeError so the caller can reconcile.
func (e *Engine) judgeOrdered(ctx context.Context, q bench.Question, answerA, answerB string) outcome {
	judge := e.Judge
	if judge.Model == "" {
		judge = e.Summarizer
	}

	prompt := fmt.Sprintf(
		"Two answers to the same question follow. Decide which answers the question more correctly and completely, or declare a tie.\n\nQuestion:\n%s\n\nAnswer A:\n%s\n\nAnswer B:\n%s",
		q.Prompt, strings.TrimSpace(answerA), strings.TrimSpace(answerB),
	)

	var raw json.RawMessage
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		raw, err = e.Client.GenerateStructured(ctx, providers.StructuredRequest{
			Model:  judge,
			Prompt: prompt,
			Schema: winnerSchema,
		})
		return err
	})
	if err != nil {
		log.Printf("consensus: pairwise judge call failed: %v", err)
		return outcomeError
	}

	var parsed struct {
		Winner string `json:"winner"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Printf("consensus: pairwise judge returned malformed JSON: %v", err)
		return outcomeError
	}
	switch strings.ToUpper(strings.TrimSpace(parsed.Winner)) {
	case "A":
		return outcomeA
	case "B":
		return outcomeB
	case "TIE":
		return outcomeTie
	default:
		return outcomeError
	}
}

func eloPrompt(q bench.Question, top []bench.ModelResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A pairwise tournament ranked model answers to a question; the top-rated answers follow.\n\nQuestion:\n%s\n\n", q.Prompt)
	writeResponses(&b, top)
	fmt.Fprintf(&b, "\nSynthesize the final answer from these top-ranked responses. %s", answerFormatHint)
	return b.String()
}
