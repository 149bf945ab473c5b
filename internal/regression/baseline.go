// internal/regression/baseline.go
// Package regression compares a fresh benchmark run against a pinned golden
// baseline and decides, with an exact significance test, whether quality
// regressed.
package regression

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mwiater/krisis/internal/appconfig"
	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/evaluate"
)

// GoldenBaselineFile is a pinned reference run. It is written once per tier
// update, versioned by commit SHA, and read-only afterward.
type GoldenBaselineFile struct {
	Tier        string                   `json:"tier"`
	CreatedAt   string                   `json:"createdAt"`
	CommitSha   string                   `json:"commitSha"`
	Config      appconfig.TierConfig     `json:"config"`
	QuestionIDs map[string][]string      `json:"questionIds"`
	Results     []BaselineQuestionResult `json:"results"`
}

// BaselineQuestionResult mirrors a PromptRunResult's evaluation surface for
// one question, keyed by question ID within its dataset.
type BaselineQuestionResult struct {
	QuestionID          string                     `json:"questionId"`
	Dataset             string                     `json:"dataset"`
	GroundTruth         string                     `json:"groundTruth"`
	Consensus           map[string]string          `json:"consensus,omitempty"`
	Evaluation          map[string]evaluate.Result `json:"evaluation,omitempty"`
	ConsensusEvaluation map[string]evaluate.Result `json:"consensusEvaluation,omitempty"`
}

var baselineSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["tier", "createdAt", "config", "questionIds", "results"],
	"properties": {
		"tier": {"type": "string", "minLength": 1},
		"createdAt": {"type": "string", "minLength": 1},
		"commitSha": {"type": "string"},
		"questionIds": {
			"type": "object",
			"additionalProperties": {"type": "array", "items": {"type": "string"}}
		},
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["questionId", "dataset"],
				"properties": {
					"questionId": {"type": "string", "minLength": 1},
					"dataset": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`)

// NewBaseline pins the evaluation surface of one benchmark run as the
// golden reference for a tier.
func NewBaseline(tier appconfig.TierConfig, commitSha string, runsByDataset map[string][]bench.PromptRunResult) *GoldenBaselineFile {
	baseline := &GoldenBaselineFile{
		Tier:        tier.Name,
		CreatedAt:   bench.Timestamp(time.Now()),
		CommitSha:   commitSha,
		Config:      tier,
		QuestionIDs: make(map[string][]string, len(runsByDataset)),
	}
	for _, ds := range tier.Datasets {
		runs := runsByDataset[ds.Name]
		ids := make([]string, 0, len(runs))
		for _, run := range runs {
			ids = append(ids, run.QuestionID)
			baseline.Results = append(baseline.Results, pinResult(ds.Name, run))
		}
		baseline.QuestionIDs[ds.Name] = ids
	}
	return baseline
}

func pinResult(dataset string, run bench.PromptRunResult) BaselineQuestionResult {
	result := BaselineQuestionResult{
		QuestionID:  run.QuestionID,
		Dataset:     dataset,
		GroundTruth: run.GroundTruth,
		Consensus:   run.Consensus,
	}
	if run.Evaluation != nil {
		result.Evaluation = run.Evaluation.Results
	}
	if run.ConsensusEvaluation != nil {
		result.ConsensusEvaluation = run.ConsensusEvaluation.Results
	}
	return result
}

// LoadBaseline reads and validates a golden baseline. Malformed files are
// fatal: no meaningful comparison can be computed from them.
func LoadBaseline(path string) (*GoldenBaselineFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no golden baseline at %q; run the baseline update first", path)
		}
		return nil, fmt.Errorf("could not read golden baseline %q: %w", path, err)
	}

	validation, err := gojsonschema.Validate(baselineSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("golden baseline %q is not valid JSON: %w", path, err)
	}
	if !validation.Valid() {
		var issues []string
		for _, desc := range validation.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, fmt.Errorf("golden baseline %q is malformed: %s", path, strings.Join(issues, "; "))
	}

	var baseline GoldenBaselineFile
	if err := json.Unmarshal(raw, &baseline); err != nil {
		return nil, fmt.Errorf("error parsing golden baseline %q: %w", path, err)
	}
	return &baseline, nil
}

// Save writes the baseline, creating parent directories as needed.
func (b *GoldenBaselineFile) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating baseline directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating baseline file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(b); err != nil {
		return fmt.Errorf("error writing baseline file: %w", err)
	}
	return nil
}

// resultsFor returns the baseline results of one dataset keyed by question.
func (b *GoldenBaselineFile) resultsFor(dataset string) map[string]BaselineQuestionResult {
	out := make(map[string]BaselineQuestionResult)
	for _, r := range b.Results {
		if r.Dataset == dataset {
			out[r.QuestionID] = r
		}
	}
	return out
}

// strategyCounts tallies correct/total for one strategy over one dataset.
func (b *GoldenBaselineFile) strategyCounts(dataset, strategy string) (correct, total int) {
	for _, r := range b.Results {
		if r.Dataset != dataset {
			continue
		}
		if res, ok := r.ConsensusEvaluation[strategy]; ok {
			total++
			if res.Correct {
				correct++
			}
		}
	}
	return correct, total
}
