// internal/providers/providers.go

// Package providers defines the capability interface the benchmark core uses
// to talk to language models. The core never resolves providers from global
// state; a Client is injected into the runner and the consensus engine.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ModelRef identifies one model on one provider.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Key returns the provider/model identifier used to key per-model results.
func (m ModelRef) Key() string {
	return m.Provider + "/" + m.Model
}

// Request encapsulates one completion request.
type Request struct {
	Model        ModelRef
	SystemPrompt string
	Prompt       string
}

// CompletionMeta describes a finished completion.
type CompletionMeta struct {
	Elapsed    time.Duration
	TokenCount int
	CostUSD    float64
}

// Callbacks receives stream events. OnChunk may fire many times; OnComplete
// fires at most once, and only when Stream returns nil. The method's error
// return is the single terminal failure signal, so completion and error can
// never both be delivered.
type Callbacks struct {
	OnChunk    func(content string)
	OnComplete func(text string, meta CompletionMeta)
}

// StructuredRequest asks for output conforming to a JSON schema.
type StructuredRequest struct {
	Model  ModelRef
	Prompt string
	// Schema is a JSON Schema document the parsed output must satisfy.
	Schema json.RawMessage
}

// Client is the model capability consumed by the core.
type Client interface {
	// Stream issues a completion, delivering chunks and a terminal
	// completion through cb.
	Stream(ctx context.Context, req Request, cb Callbacks) error
	// GenerateStructured issues a completion constrained to a JSON schema
	// and returns the parsed JSON document.
	GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
	// Close releases underlying resources.
	Close() error
}

// CallError is a provider failure that carries the HTTP status when one is
// known, so the retry and limiter layers can classify it.
type CallError struct {
	Status int
	Err    error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider call failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("provider call failed: %v", e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// StatusCode exposes the HTTP status for error classification.
func (e *CallError) StatusCode() int { return e.Status }

// Collect runs Stream and gathers the chunks into the final text. Most of
// the core wants the whole answer, not the incremental stream.
func Collect(ctx context.Context, c Client, req Request) (string, CompletionMeta, error) {
	var text string
	var meta CompletionMeta
	err := c.Stream(ctx, req, Callbacks{
		OnComplete: func(t string, m CompletionMeta) {
			text = t
			meta = m
		},
	})
	return text, meta, err
}
