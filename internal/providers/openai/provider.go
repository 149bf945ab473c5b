// internal/providers/openai/provider.go
// Package openai provides a providers.Client backed by OpenAI-compatible
// chat-completion endpoints (OpenAI itself, Gemini's compatibility layer,
// and most local inference servers).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mwiater/krisis/internal/providers"
)

// Endpoint configures one OpenAI-compatible backend.
type Endpoint struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	// CostPerMTokensUSD estimates spend from token counts; zero disables
	// cost accounting for this endpoint.
	CostPerMTokensUSD float64 `json:"costPerMTokensUsd,omitempty"`
}

// Provider implements providers.Client over one or more endpoints, selected
// by ModelRef.Provider.
type Provider struct {
	clients map[string]*goopenai.Client
	costs   map[string]float64
}

// New builds a Provider from the configured endpoints.
func New(endpoints []Endpoint) (*Provider, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("openai provider requires at least one endpoint")
	}
	p := &Provider{
		clients: make(map[string]*goopenai.Client, len(endpoints)),
		costs:   make(map[string]float64, len(endpoints)),
	}
	for _, ep := range endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return nil, errors.New("openai endpoint missing a name")
		}
		cfg := goopenai.DefaultConfig(ep.APIKey)
		if ep.BaseURL != "" {
			cfg.BaseURL = ep.BaseURL
		}
		p.clients[ep.Name] = goopenai.NewClientWithConfig(cfg)
		p.costs[ep.Name] = ep.CostPerMTokensUSD
	}
	return p, nil
}

// Stream issues a streaming chat completion and reports the joined text
// through cb.OnComplete.
func (p *Provider) Stream(ctx context.Context, req providers.Request, cb providers.Callbacks) error {
	client, ok := p.clients[req.Model.Provider]
	if !ok {
		return fmt.Errorf("no endpoint configured for provider %q", req.Model.Provider)
	}

	start := time.Now()
	stream, err := client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model.Model,
		Messages: chatMessages(req.SystemPrompt, req.Prompt),
		StreamOptions: &goopenai.StreamOptions{
			IncludeUsage: true,
		},
	})
	if err != nil {
		return wrapAPIError(err)
	}
	defer stream.Close()

	var text strings.Builder
	tokens := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return wrapAPIError(err)
		}
		if chunk.Usage != nil {
			tokens = chunk.Usage.TotalTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if cb.OnChunk != nil {
				cb.OnChunk(choice.Delta.Content)
			}
		}
	}

	if cb.OnComplete != nil {
		cb.OnComplete(text.String(), providers.CompletionMeta{
			Elapsed:    time.Since(start),
			TokenCount: tokens,
			CostUSD:    p.estimateCost(req.Model.Provider, tokens),
		})
	}
	return nil
}

// GenerateStructured requests a JSON response and validates it against the
// supplied schema before returning it.
func (p *Provider) GenerateStructured(ctx context.Context, req providers.StructuredRequest) (json.RawMessage, error) {
	client, ok := p.clients[req.Model.Provider]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for provider %q", req.Model.Provider)
	}

	prompt := req.Prompt
	if len(req.Schema) > 0 {
		prompt = fmt.Sprintf("%s\n\nRespond with JSON matching this schema:\n%s", req.Prompt, req.Schema)
	}

	resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model.Model,
		Messages: chatMessages("", prompt),
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, wrapAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("structured completion returned no choices")
	}

	raw := json.RawMessage(strings.TrimSpace(resp.Choices[0].Message.Content))
	if len(req.Schema) > 0 {
		if err := validateAgainstSchema(req.Schema, raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// Close implements providers.Client; the HTTP clients hold no resources
// that need explicit teardown.
func (p *Provider) Close() error { return nil }

func (p *Provider) estimateCost(provider string, tokens int) float64 {
	perM := p.costs[provider]
	if perM <= 0 || tokens <= 0 {
		return 0
	}
	return perM * float64(tokens) / 1_000_000
}

func chatMessages(systemPrompt, prompt string) []goopenai.ChatCompletionMessage {
	var msgs []goopenai.ChatCompletionMessage
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	return append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: prompt,
	})
}

func validateAgainstSchema(schema, doc json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("structured output is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var issues []string
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return fmt.Errorf("structured output violates schema: %s", strings.Join(issues, "; "))
	}
	return nil
}

func wrapAPIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &providers.CallError{Status: apiErr.HTTPStatusCode, Err: err}
	}
	return err
}
