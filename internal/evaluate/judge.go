// internal/evaluate/judge.go
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mwiater/krisis/internal/providers"
)

var choiceSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"letter": {"type": "string", "pattern": "^[A-Ja-j]$"}
	},
	"required": ["letter"]
}`)

var verdictSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"correct": {"type": "boolean"}
	},
	"required": ["correct"]
}`)

// JudgeChoice asks a structured-output judge to extract the chosen option
// letter from free text. When the judge call fails, it falls back to the
// regex extractor instead of failing the question.
type JudgeChoice struct {
	Client providers.Client
	Model  providers.ModelRef
}

func (j JudgeChoice) Evaluate(ctx context.Context, response, groundTruth, prompt string) (Result, error) {
	letter, err := j.extract(ctx, response, prompt)
	if err != nil {
		log.Printf("choice judge failed, falling back to regex extraction: %v", err)
		return Choice{}.Evaluate(ctx, response, groundTruth, prompt)
	}

	expected, expectedOK := ExtractChoice(groundTruth)
	result := Result{Expected: expected}
	if letter == "" || !expectedOK {
		return result, nil
	}
	result.Predicted = &letter
	result.Correct = strings.EqualFold(letter, expected)
	return result, nil
}

func (j JudgeChoice) extract(ctx context.Context, response, prompt string) (string, error) {
	judgePrompt := fmt.Sprintf(
		"A model was asked the following multiple-choice question:\n\n%s\n\nIts full response was:\n\n%s\n\nWhich option letter did it choose? If no single option is chosen, pick the one the response most clearly commits to.",
		prompt, response,
	)
	raw, err := j.Client.GenerateStructured(ctx, providers.StructuredRequest{
		Model:  j.Model,
		Prompt: judgePrompt,
		Schema: choiceSchema,
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Letter string `json:"letter"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("choice judge returned malformed JSON: %w", err)
	}
	return strings.ToUpper(strings.TrimSpace(parsed.Letter)), nil
}

// Generative delegates correctness entirely to a boolean judge given the
// question, the response, and the ground truth. Judge failures score as
// incorrect rather than erroring the question.
type Generative struct {
	Client providers.Client
	Model  providers.ModelRef
}

func (g Generative) Evaluate(ctx context.Context, response, groundTruth, prompt string) (Result, error) {
	judgePrompt := fmt.Sprintf(
		"Question:\n%s\n\nReference answer:\n%s\n\nCandidate answer:\n%s\n\nDoes the candidate answer convey the same essential facts as the reference answer? Judge meaning, not wording.",
		prompt, groundTruth, response,
	)
	result := Result{Expected: strings.TrimSpace(groundTruth)}

	raw, err := g.Client.GenerateStructured(ctx, providers.StructuredRequest{
		Model:  g.Model,
		Prompt: judgePrompt,
		Schema: verdictSchema,
	})
	if err != nil {
		log.Printf("generative judge failed, scoring as incorrect: %v", err)
		return result, nil
	}
	var parsed struct {
		Correct bool `json:"correct"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		log.Printf("generative judge returned malformed JSON, scoring as incorrect: %v", err)
		return result, nil
	}

	predicted := strings.TrimSpace(response)
	result.Predicted = &predicted
	result.Correct = parsed.Correct
	return result, nil
}

// ForDataset returns the evaluator appropriate for a benchmark dataset.
// Numeric datasets extract numbers, multiple-choice datasets use the
// judge-assisted letter extractor, and free-form datasets delegate to the
// boolean judge.
func ForDataset(dataset string, client providers.Client, judge providers.ModelRef) Evaluator {
	switch strings.ToLower(dataset) {
	case "gsm8k", "math":
		return Numeric{}
	case "gpqa", "mmlu", "arc":
		if client != nil {
			return JudgeChoice{Client: client, Model: judge}
		}
		return Choice{}
	default:
		if client != nil {
			return Generative{Client: client, Model: judge}
		}
		return Numeric{}
	}
}
