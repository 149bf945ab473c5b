// internal/runner/results.go
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/providers"
)

// ResultsFileType tags benchmark result files.
const ResultsFileType = "benchmark"

// ResultsFile is the persisted form of a benchmark run. Re-reading it lets
// an interrupted run resume without re-querying settled questions.
type ResultsFile struct {
	Type       string                  `json:"type"`
	ID         string                  `json:"id"`
	Dataset    string                  `json:"dataset"`
	Mode       string                  `json:"mode,omitempty"`
	Models     []providers.ModelRef    `json:"models"`
	Strategies []string                `json:"strategies"`
	SampleSize int                     `json:"sampleSize"`
	CreatedAt  string                  `json:"createdAt"`
	UpdatedAt  string                  `json:"updatedAt"`
	Runs       []bench.PromptRunResult `json:"runs"`
}

// resultsSchema catches structurally broken files before resume logic
// trusts them.
var resultsSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["type", "dataset", "models", "runs"],
	"properties": {
		"type": {"const": "benchmark"},
		"dataset": {"type": "string", "minLength": 1},
		"models": {"type": "array"},
		"runs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["questionId"],
				"properties": {
					"questionId": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`)

// NewResultsFile starts an empty results file for one run configuration.
func NewResultsFile(cfg Config, sampleSize int) *ResultsFile {
	now := bench.Timestamp(time.Now())
	return &ResultsFile{
		Type:       ResultsFileType,
		ID:         uuid.NewString(),
		Dataset:    cfg.Dataset,
		Models:     cfg.Models,
		Strategies: cfg.Strategies,
		SampleSize: sampleSize,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// LoadResultsFile reads and validates a previously written results file.
// A missing file returns os.ErrNotExist; a malformed one is a hard error
// since resuming from it would corrupt the run.
func LoadResultsFile(path string) (*ResultsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	validation, err := gojsonschema.Validate(resultsSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("results file %q is not valid JSON: %w", path, err)
	}
	if !validation.Valid() {
		var issues []string
		for _, desc := range validation.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, fmt.Errorf("results file %q is malformed: %s", path, strings.Join(issues, "; "))
	}

	var file ResultsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("error parsing results file %q: %w", path, err)
	}
	return &file, nil
}

// LoadResultsFileIfPresent returns nil without error when no prior file
// exists.
func LoadResultsFileIfPresent(path string) (*ResultsFile, error) {
	file, err := LoadResultsFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return file, err
}

// Append merges a completed run into the file, replacing any stale entry
// for the same question.
func (f *ResultsFile) Append(runs []bench.PromptRunResult) {
	existing := make(map[string]int, len(f.Runs))
	for i, run := range f.Runs {
		existing[run.QuestionID] = i
	}
	for _, run := range runs {
		if i, ok := existing[run.QuestionID]; ok {
			f.Runs[i] = run
			continue
		}
		existing[run.QuestionID] = len(f.Runs)
		f.Runs = append(f.Runs, run)
	}
	f.UpdatedAt = bench.Timestamp(time.Now())
}

// Save writes the file as indented JSON, creating parent directories as
// needed.
func (f *ResultsFile) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating results directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating results file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(f); err != nil {
		return fmt.Errorf("error writing results file: %w", err)
	}
	return nil
}
