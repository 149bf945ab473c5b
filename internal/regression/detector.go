// internal/regression/detector.go
package regression

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/mwiater/krisis/internal/appconfig"
	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/stats"
)

// Executor runs the benchmark for one dataset over an exact question set
// and returns the per-question results. In production this is a
// runner.Runner; tests substitute scripted results.
type Executor func(ctx context.Context, dataset string, questions []bench.Question, onProgress func(bench.Progress)) ([]bench.PromptRunResult, error)

// Source supplies the full question pool for a dataset. The detector
// filters it down to the baseline's pinned IDs; it never redraws a sample.
type Source func(ctx context.Context, dataset string) ([]bench.Question, error)

// StrategyRegressionResult is one strategy x dataset comparison cell.
type StrategyRegressionResult struct {
	Strategy         string  `json:"strategy"`
	Dataset          string  `json:"dataset"`
	BaselineCorrect  int     `json:"baselineCorrect"`
	BaselineTotal    int     `json:"baselineTotal"`
	CurrentCorrect   int     `json:"currentCorrect"`
	CurrentTotal     int     `json:"currentTotal"`
	BaselineAccuracy float64 `json:"baselineAccuracy"`
	CurrentAccuracy  float64 `json:"currentAccuracy"`
	Delta            float64 `json:"delta"`
	PValue           float64 `json:"pValue"`
	CorrectedPValue  float64 `json:"correctedPValue"`
	OddsRatio        float64 `json:"oddsRatio"`
	WilsonLower      float64 `json:"wilsonLower"`
	WilsonUpper      float64 `json:"wilsonUpper"`
	Significant      bool    `json:"significant"`
}

// Regressed reports whether this cell is a statistically significant drop.
func (s StrategyRegressionResult) Regressed() bool {
	return s.Significant && s.Delta < 0
}

// BrokenQuestion is a question the baseline answered correctly that the
// representative current run got wrong, kept with both answers for diffing.
type BrokenQuestion struct {
	QuestionID     string `json:"questionId"`
	Dataset        string `json:"dataset"`
	Strategy       string `json:"strategy"`
	GroundTruth    string `json:"groundTruth"`
	BaselineAnswer string `json:"baselineAnswer"`
	CurrentAnswer  string `json:"currentAnswer"`
}

// StabilityResult reports how much a strategy's accuracy moved across
// repeated runs of the same questions.
type StabilityResult struct {
	Strategy   string    `json:"strategy"`
	Dataset    string    `json:"dataset"`
	Accuracies []float64 `json:"accuracies"`
	Variance   float64   `json:"variance"`
}

// EnsembleDelta quantifies whether consensus still beats the best single
// model on the current run.
type EnsembleDelta struct {
	BestModel            string  `json:"bestModel"`
	BestModelAccuracy    float64 `json:"bestModelAccuracy"`
	BestStrategy         string  `json:"bestStrategy"`
	BestStrategyAccuracy float64 `json:"bestStrategyAccuracy"`
	Delta                float64 `json:"delta"`
}

// RegressionResult is the full verdict of one check.
type RegressionResult struct {
	Tier            string                     `json:"tier"`
	CommitSha       string                     `json:"commitSha,omitempty"`
	BaselineCommit  string                     `json:"baselineCommit,omitempty"`
	CreatedAt       string                     `json:"createdAt"`
	Runs            int                        `json:"runs"`
	Passed          bool                       `json:"passed"`
	Strategies      []StrategyRegressionResult `json:"strategies"`
	BrokenQuestions []BrokenQuestion           `json:"brokenQuestions,omitempty"`
	Stability       []StabilityResult          `json:"stability,omitempty"`
	Ensemble        *EnsembleDelta             `json:"ensemble,omitempty"`
	Cost            bench.Cost                 `json:"cost"`
}

// Detector compares fresh runs against a golden baseline.
type Detector struct {
	Baseline *GoldenBaselineFile
	Tier     appconfig.TierConfig
	Source   Source
	Execute  Executor
}

// EvaluateOptions tunes one check.
type EvaluateOptions struct {
	CommitSha string
	// OnProgress receives per-question progress tagged with the 1-based
	// run number.
	OnProgress func(run int, p bench.Progress)
}

// Evaluate replays the baseline's pinned questions tier.runs times,
// compares per strategy and dataset with Fisher's exact test, and applies
// the passing policy: only a significant accuracy drop fails the check.
// Transient provider failures never surface here; they show up as lower
// accuracy and flow through the statistics like any other wrong answer.
func (d *Detector) Evaluate(ctx context.Context) (*RegressionResult, error) {
	return d.EvaluateWith(ctx, EvaluateOptions{})
}

// EvaluateWith is Evaluate with explicit options.
func (d *Detector) EvaluateWith(ctx context.Context, opts EvaluateOptions) (*RegressionResult, error) {
	if d.Baseline == nil {
		return nil, fmt.Errorf("regression check requires a golden baseline")
	}
	if d.Source == nil || d.Execute == nil {
		return nil, fmt.Errorf("regression check requires a question source and an executor")
	}

	questionsByDataset, err := d.pinnedQuestions(ctx)
	if err != nil {
		return nil, err
	}

	runs := d.Tier.RunCount()
	runsByDataset := make(map[string][][]bench.PromptRunResult)
	for run := 1; run <= runs; run++ {
		for _, ds := range d.Tier.Datasets {
			questions := questionsByDataset[ds.Name]
			if len(questions) == 0 {
				continue
			}
			var onProgress func(bench.Progress)
			if opts.OnProgress != nil {
				n := run
				onProgress = func(p bench.Progress) { opts.OnProgress(n, p) }
			}
			results, err := d.Execute(ctx, ds.Name, questions, onProgress)
			if err != nil {
				return nil, fmt.Errorf("regression run %d on %s: %w", run, ds.Name, err)
			}
			runsByDataset[ds.Name] = append(runsByDataset[ds.Name], results)
		}
	}

	result := &RegressionResult{
		Tier:           d.Tier.Name,
		CommitSha:      opts.CommitSha,
		BaselineCommit: d.Baseline.CommitSha,
		CreatedAt:      bench.Timestamp(time.Now()),
		Runs:           runs,
		Passed:         true,
	}

	threshold := d.Tier.Significance()
	for _, ds := range d.Tier.Datasets {
		dsRuns := runsByDataset[ds.Name]
		if len(dsRuns) == 0 {
			continue
		}
		baselineResults := d.Baseline.resultsFor(ds.Name)
		for _, strategy := range d.Tier.Strategies {
			cell := d.compareCell(ds.Name, strategy, dsRuns, threshold)
			result.Strategies = append(result.Strategies, cell)
			if cell.Regressed() {
				result.Passed = false
			}

			median := medianRun(dsRuns, strategy)
			result.BrokenQuestions = append(result.BrokenQuestions,
				brokenQuestions(ds.Name, strategy, baselineResults, dsRuns[median])...)

			if runs > 1 {
				result.Stability = append(result.Stability, stabilityFor(ds.Name, strategy, dsRuns))
			}
		}
	}

	result.Strategies = applyHolm(result.Strategies)
	result.Ensemble = ensembleDelta(runsByDataset)
	for _, dsRuns := range runsByDataset {
		for _, run := range dsRuns {
			for _, r := range run {
				result.Cost.Add(r.QuestionCost())
			}
		}
	}

	log.Printf("regression: tier %s checked %d strategy cells over %d run(s), passed=%t",
		result.Tier, len(result.Strategies), runs, result.Passed)
	return result, nil
}

// pinnedQuestions resolves each dataset's question pool down to the exact
// IDs the baseline pinned, preserving the baseline's order. An empty
// overlap means the datasets drifted apart and no comparison is possible.
func (d *Detector) pinnedQuestions(ctx context.Context) (map[string][]bench.Question, error) {
	out := make(map[string][]bench.Question, len(d.Tier.Datasets))
	for _, ds := range d.Tier.Datasets {
		pinned := d.Baseline.QuestionIDs[ds.Name]
		if len(pinned) == 0 {
			return nil, fmt.Errorf("golden baseline pins no questions for dataset %q", ds.Name)
		}
		pool, err := d.Source(ctx, ds.Name)
		if err != nil {
			return nil, fmt.Errorf("loading questions for %s: %w", ds.Name, err)
		}
		byID := make(map[string]bench.Question, len(pool))
		for _, q := range pool {
			byID[q.ID] = q
		}
		var questions []bench.Question
		for _, id := range pinned {
			if q, ok := byID[id]; ok {
				questions = append(questions, q)
			}
		}
		if len(questions) == 0 {
			return nil, fmt.Errorf("no overlap between baseline question IDs and dataset %q; baseline and dataset are incomparable", ds.Name)
		}
		if len(questions) < len(pinned) {
			log.Printf("regression: dataset %s resolves only %d of %d pinned questions", ds.Name, len(questions), len(pinned))
		}
		out[ds.Name] = questions
	}
	return out, nil
}

// compareCell builds one strategy x dataset comparison, using the median
// run's counts as the current side when the benchmark repeated.
func (d *Detector) compareCell(dataset, strategy string, dsRuns [][]bench.PromptRunResult, threshold float64) StrategyRegressionResult {
	baseCorrect, baseTotal := d.Baseline.strategyCounts(dataset, strategy)
	curCorrect, curTotal := strategyRunCounts(dsRuns[medianRun(dsRuns, strategy)], strategy)

	cell := StrategyRegressionResult{
		Strategy:         strategy,
		Dataset:          dataset,
		BaselineCorrect:  baseCorrect,
		BaselineTotal:    baseTotal,
		CurrentCorrect:   curCorrect,
		CurrentTotal:     curTotal,
		BaselineAccuracy: accuracy(baseCorrect, baseTotal),
		CurrentAccuracy:  accuracy(curCorrect, curTotal),
	}
	cell.Delta = cell.CurrentAccuracy - cell.BaselineAccuracy

	fisher := stats.FisherExact(baseCorrect, baseTotal-baseCorrect, curCorrect, curTotal-curCorrect)
	cell.PValue = fisher.PValue
	cell.OddsRatio = fisher.OddsRatio
	cell.Significant = fisher.PValue < threshold

	wilson := stats.WilsonScore(curCorrect, curTotal, 0.95)
	cell.WilsonLower = wilson.Lower
	cell.WilsonUpper = wilson.Upper
	return cell
}

// applyHolm attaches step-down-corrected p-values across every cell tested
// together. The raw p-value still drives the significance flag; the
// corrected value is reported for readers weighing the family of tests.
func applyHolm(cells []StrategyRegressionResult) []StrategyRegressionResult {
	if len(cells) == 0 {
		return cells
	}
	raw := make([]float64, len(cells))
	for i, c := range cells {
		raw[i] = c.PValue
	}
	corrected := stats.HolmBonferroni(raw)
	for i := range cells {
		cells[i].CorrectedPValue = corrected[i]
	}
	return cells
}

// medianRun picks the run whose accuracy for the strategy sits at the
// lower middle of the sorted per-run accuracies. With a single run it is
// that run.
func medianRun(dsRuns [][]bench.PromptRunResult, strategy string) int {
	n := len(dsRuns)
	if n == 1 {
		return 0
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return runAccuracy(dsRuns[order[a]], strategy) < runAccuracy(dsRuns[order[b]], strategy)
	})
	return order[(n-1)/2]
}

func runAccuracy(run []bench.PromptRunResult, strategy string) float64 {
	correct, total := strategyRunCounts(run, strategy)
	return accuracy(correct, total)
}

func strategyRunCounts(run []bench.PromptRunResult, strategy string) (correct, total int) {
	for _, r := range run {
		if r.ConsensusEvaluation == nil {
			continue
		}
		if res, ok := r.ConsensusEvaluation.Results[strategy]; ok {
			total++
			if res.Correct {
				correct++
			}
		}
	}
	return correct, total
}

func brokenQuestions(dataset, strategy string, baseline map[string]BaselineQuestionResult, run []bench.PromptRunResult) []BrokenQuestion {
	var broken []BrokenQuestion
	for _, r := range run {
		base, ok := baseline[r.QuestionID]
		if !ok {
			continue
		}
		baseRes, ok := base.ConsensusEvaluation[strategy]
		if !ok || !baseRes.Correct {
			continue
		}
		if r.StrategyCorrect(strategy) {
			continue
		}
		broken = append(broken, BrokenQuestion{
			QuestionID:     r.QuestionID,
			Dataset:        dataset,
			Strategy:       strategy,
			GroundTruth:    r.GroundTruth,
			BaselineAnswer: base.Consensus[strategy],
			CurrentAnswer:  r.Consensus[strategy],
		})
	}
	return broken
}

func stabilityFor(dataset, strategy string, dsRuns [][]bench.PromptRunResult) StabilityResult {
	accuracies := make([]float64, len(dsRuns))
	var mean float64
	for i, run := range dsRuns {
		accuracies[i] = runAccuracy(run, strategy)
		mean += accuracies[i]
	}
	mean /= float64(len(accuracies))
	var variance float64
	for _, a := range accuracies {
		variance += (a - mean) * (a - mean)
	}
	variance /= float64(len(accuracies))
	return StabilityResult{Strategy: strategy, Dataset: dataset, Accuracies: accuracies, Variance: variance}
}

// ensembleDelta tallies every model and strategy across all current runs
// and reports the best of each side.
func ensembleDelta(runsByDataset map[string][][]bench.PromptRunResult) *EnsembleDelta {
	type tally struct{ correct, total int }
	models := make(map[string]*tally)
	strategies := make(map[string]*tally)

	bump := func(m map[string]*tally, key string, correct bool) {
		t := m[key]
		if t == nil {
			t = &tally{}
			m[key] = t
		}
		t.total++
		if correct {
			t.correct++
		}
	}

	for _, dsRuns := range runsByDataset {
		for _, run := range dsRuns {
			for _, r := range run {
				if r.Evaluation != nil {
					for key, res := range r.Evaluation.Results {
						bump(models, key, res.Correct)
					}
				}
				if r.ConsensusEvaluation != nil {
					for key, res := range r.ConsensusEvaluation.Results {
						bump(strategies, key, res.Correct)
					}
				}
			}
		}
	}
	if len(models) == 0 || len(strategies) == 0 {
		return nil
	}

	best := func(m map[string]*tally) (string, float64) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		bestKey, bestAcc := "", -1.0
		for _, k := range keys {
			if acc := accuracy(m[k].correct, m[k].total); acc > bestAcc {
				bestKey, bestAcc = k, acc
			}
		}
		return bestKey, bestAcc
	}

	delta := &EnsembleDelta{}
	delta.BestModel, delta.BestModelAccuracy = best(models)
	delta.BestStrategy, delta.BestStrategyAccuracy = best(strategies)
	delta.Delta = delta.BestStrategyAccuracy - delta.BestModelAccuracy
	return delta
}

func accuracy(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(correct) / float64(total)
}
