// internal/bench/types.go
// Package bench holds the data model shared by the benchmark runner, the
// consensus engine, and the regression detector.
package bench

import (
	"time"

	"github.com/mwiater/krisis/internal/evaluate"
)

// Question is one benchmark item. Questions are immutable and aligned
// between baseline and current runs by their stable ID.
type Question struct {
	ID          string `json:"id"`
	Prompt      string `json:"prompt"`
	GroundTruth string `json:"groundTruth"`
	Category    string `json:"category,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
}

// ModelResponse is one model's raw answer to one question. A set Error
// means the call failed; the response is retained for the record but
// excluded from consensus and evaluation.
type ModelResponse struct {
	Provider       string  `json:"provider"`
	ModelID        string  `json:"modelId"`
	Content        string  `json:"content"`
	ResponseTimeMs int64   `json:"responseTimeMs"`
	TokenCount     int     `json:"tokenCount,omitempty"`
	CostUSD        float64 `json:"costUsd,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// Key returns the provider/model identifier used in evaluation maps.
func (r ModelResponse) Key() string {
	return r.Provider + "/" + r.ModelID
}

// Failed reports whether the underlying call errored.
func (r ModelResponse) Failed() bool { return r.Error != "" }

// ConsensusMetrics records per-strategy synthesis cost.
type ConsensusMetrics struct {
	TokenCount int   `json:"tokenCount"`
	DurationMs int64 `json:"durationMs"`
}

// EvaluationBlock maps a result key (model key or strategy name) to its
// evaluation outcome.
type EvaluationBlock struct {
	Results map[string]evaluate.Result `json:"results"`
}

// PromptRunResult is the per-question aggregate, immutable once built.
// Absent consensus keys mean the strategy was skipped for this question,
// never that it errored.
type PromptRunResult struct {
	QuestionID          string                      `json:"questionId"`
	Prompt              string                      `json:"prompt"`
	GroundTruth         string                      `json:"groundTruth"`
	Responses           []ModelResponse             `json:"responses"`
	Consensus           map[string]string           `json:"consensus,omitempty"`
	ConsensusMetrics    map[string]ConsensusMetrics `json:"consensusMetrics,omitempty"`
	Evaluation          *EvaluationBlock            `json:"evaluation,omitempty"`
	ConsensusEvaluation *EvaluationBlock            `json:"consensusEvaluation,omitempty"`
	DurationMs          int64                       `json:"durationMs"`
}

// Progress is delivered to run observers after each question settles.
type Progress struct {
	Completed  int
	Total      int
	QuestionID string
	Skipped    bool
}

// ModelCorrect reports whether the named model answered this question
// correctly.
func (r PromptRunResult) ModelCorrect(key string) bool {
	if r.Evaluation == nil {
		return false
	}
	res, ok := r.Evaluation.Results[key]
	return ok && res.Correct
}

// StrategyCorrect reports whether the named consensus strategy answered
// this question correctly.
func (r PromptRunResult) StrategyCorrect(strategy string) bool {
	if r.ConsensusEvaluation == nil {
		return false
	}
	res, ok := r.ConsensusEvaluation.Results[strategy]
	return ok && res.Correct
}

// Cost sums token counts, estimated spend, and wall time for one question.
type Cost struct {
	Tokens     int     `json:"tokens"`
	USD        float64 `json:"usd"`
	DurationMs int64   `json:"durationMs"`
}

// Add accumulates another cost into this one.
func (c *Cost) Add(other Cost) {
	c.Tokens += other.Tokens
	c.USD += other.USD
	c.DurationMs += other.DurationMs
}

// QuestionCost totals the cost of one question's responses and syntheses.
func (r PromptRunResult) QuestionCost() Cost {
	cost := Cost{DurationMs: r.DurationMs}
	for _, resp := range r.Responses {
		cost.Tokens += resp.TokenCount
		cost.USD += resp.CostUSD
	}
	for _, m := range r.ConsensusMetrics {
		cost.Tokens += m.TokenCount
	}
	return cost
}

// Timestamp formats t the way all result files record times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
