// internal/datasets/datasets.go
// Package datasets loads benchmark question files from disk. A dataset is a
// JSON file named after it under the data directory; the rest of the system
// only ever consumes the resulting question slice.
package datasets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwiater/krisis/internal/bench"
)

// datasetFile is the on-disk shape. Files may either be a bare question
// array or wrap it in an object for future metadata.
type datasetFile struct {
	Name      string           `json:"name,omitempty"`
	Questions []bench.Question `json:"questions"`
}

// Source reads datasets from one directory.
type Source struct {
	Dir string
}

// New returns a Source rooted at dir.
func New(dir string) *Source {
	return &Source{Dir: dir}
}

// Path returns where the named dataset is expected on disk.
func (s *Source) Path(name string) string {
	return filepath.Join(s.Dir, name+".json")
}

// Load returns every question in the named dataset.
func (s *Source) Load(ctx context.Context, name string) ([]bench.Question, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("dataset name is required")
	}
	path := s.Path(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset %q: %w", name, err)
	}

	questions, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("error parsing dataset %q: %w", name, err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("dataset %q contains no questions", name)
	}

	seen := make(map[string]bool, len(questions))
	for i, q := range questions {
		if strings.TrimSpace(q.ID) == "" {
			return nil, fmt.Errorf("dataset %q: question %d has no id", name, i)
		}
		if strings.TrimSpace(q.Prompt) == "" {
			return nil, fmt.Errorf("dataset %q: question %s has no prompt", name, q.ID)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("dataset %q: duplicate question id %s", name, q.ID)
		}
		seen[q.ID] = true
	}
	return questions, nil
}

// Sample returns the first n questions of the named dataset. Taking a
// stable prefix rather than a random draw keeps repeated runs and their
// golden baselines on identical question sets.
func (s *Source) Sample(ctx context.Context, name string, n int) ([]bench.Question, error) {
	questions, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(questions) {
		return questions, nil
	}
	return questions[:n], nil
}

func parse(raw []byte) ([]bench.Question, error) {
	var questions []bench.Question
	if err := json.Unmarshal(raw, &questions); err == nil {
		return questions, nil
	}
	var file datasetFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	return file.Questions, nil
}
