// internal/evaluate/evaluate.go
// Package evaluate scores a single answer text against ground truth. Four
// variants cover the benchmark datasets: numeric extraction, multiple-choice
// letter extraction (regex or judge-assisted), and free-form judging.
// Unparseable model output is never an error; it scores as incorrect with a
// nil prediction.
package evaluate

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Result is the outcome of evaluating one answer.
type Result struct {
	Correct bool `json:"correct"`
	// Expected is the ground truth in normalized form.
	Expected string `json:"expected"`
	// Predicted is the extracted answer, or nil when nothing extractable
	// was found.
	Predicted *string `json:"predicted"`
}

// Evaluator scores one response against ground truth. The prompt is passed
// through for variants whose judges need the original question.
type Evaluator interface {
	Evaluate(ctx context.Context, response, groundTruth, prompt string) (Result, error)
}

const numericTolerance = 1e-9

var (
	thinkBlockRe  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	numberRe      = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	choiceAnswerRe = regexp.MustCompile(`(?i)(?:answer|option|choice)\s*(?:is|:)?\s*\(?([A-J])\)?\b`)
	bareChoiceRe   = regexp.MustCompile(`(?i)\b\(?([A-J])\)?\b`)
)

// Numeric scores answers by extracting a number from both texts and
// comparing within a small absolute tolerance.
type Numeric struct{}

func (Numeric) Evaluate(_ context.Context, response, groundTruth, _ string) (Result, error) {
	expected, expectedOK := extractNumber(groundTruth)
	result := Result{Expected: strings.TrimSpace(groundTruth)}

	predicted, ok := extractNumber(response)
	if !ok || !expectedOK {
		return result, nil
	}

	text := strconv.FormatFloat(predicted, 'f', -1, 64)
	result.Predicted = &text
	result.Correct = math.Abs(predicted-expected) < numericTolerance
	return result, nil
}

// Choice scores multiple-choice answers by extracting a single option letter
// from both texts and comparing case-insensitively.
type Choice struct{}

func (Choice) Evaluate(_ context.Context, response, groundTruth, _ string) (Result, error) {
	expected, expectedOK := ExtractChoice(groundTruth)
	result := Result{Expected: expected}

	predicted, ok := ExtractChoice(response)
	if !ok || !expectedOK {
		return result, nil
	}

	result.Predicted = &predicted
	result.Correct = strings.EqualFold(predicted, expected)
	return result, nil
}

// ExtractChoice pulls a single option letter (A-J) out of free text,
// preferring explicit "answer is X" phrasings over bare letters.
func ExtractChoice(text string) (string, bool) {
	normalized := normalize(text)
	if normalized == "" {
		return "", false
	}
	if m := choiceAnswerRe.FindStringSubmatch(normalized); m != nil {
		return strings.ToUpper(m[1]), true
	}
	matches := bareChoiceRe.FindAllStringSubmatch(normalized, -1)
	if len(matches) == 0 {
		return "", false
	}
	// Answers typically come last.
	return strings.ToUpper(matches[len(matches)-1][1]), true
}

// extractNumber pulls the final number from free text. Reasoning traces tend
// to bury intermediate values; answers come last.
func extractNumber(text string) (float64, bool) {
	normalized := normalize(text)
	if normalized == "" {
		return 0, false
	}
	matches := numberRe.FindAllString(normalized, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		value, err := strconv.ParseFloat(matches[i], 64)
		if err == nil {
			return value, true
		}
	}
	return 0, false
}

// normalize strips think blocks, folds whitespace, and drops thousands
// separators so "1,234" parses as one number.
func normalize(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	trimmed = thinkBlockRe.ReplaceAllString(trimmed, "")
	if idx := strings.Index(trimmed, "<think>"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	trimmed = strings.Join(strings.Fields(trimmed), " ")
	trimmed = strings.ReplaceAll(trimmed, ",", "")
	return strings.TrimSpace(trimmed)
}
