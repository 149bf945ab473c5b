// internal/report/report.go
// Package report renders a regression check into Markdown for CI artifacts
// and into a colored console summary for humans watching the run.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/mwiater/krisis/internal/regression"
	"github.com/mwiater/krisis/internal/util"
)

var (
	passLabel = color.New(color.FgGreen).SprintFunc()
	failLabel = color.New(color.FgRed).SprintFunc()
	warnLabel = color.New(color.FgYellow).SprintFunc()
	heading   = color.New(color.FgCyan, color.Bold).SprintFunc()
)

// Markdown renders the full check as a Markdown document: the verdict, the
// per-strategy comparison table, broken questions, stability, ensemble
// lift, and cost.
func Markdown(result *regression.RegressionResult) string {
	builder := &strings.Builder{}

	builder.WriteString("# Regression Check\n\n")
	builder.WriteString(fmt.Sprintf("- Tier: %s\n", result.Tier))
	builder.WriteString(fmt.Sprintf("- Generated: %s\n", result.CreatedAt))
	if result.BaselineCommit != "" {
		builder.WriteString(fmt.Sprintf("- Baseline commit: %s\n", result.BaselineCommit))
	}
	if result.CommitSha != "" {
		builder.WriteString(fmt.Sprintf("- Current commit: %s\n", result.CommitSha))
	}
	builder.WriteString(fmt.Sprintf("- Runs: %d\n", result.Runs))
	builder.WriteString(fmt.Sprintf("- Verdict: **%s**\n\n", verdict(result.Passed)))

	builder.WriteString("## Strategy Comparison\n\n")
	builder.WriteString("| Strategy | Dataset | Baseline | Current | Delta | p-value | Corrected | 95% CI | Status |\n")
	builder.WriteString("| --- | --- | --- | --- | --- | --- | --- | --- | --- |\n")
	for _, cell := range result.Strategies {
		builder.WriteString(fmt.Sprintf("| %s | %s | %d/%d (%.1f%%) | %d/%d (%.1f%%) | %+.1f%% | %.4f | %.4f | [%.1f%%, %.1f%%] | %s |\n",
			cell.Strategy, cell.Dataset,
			cell.BaselineCorrect, cell.BaselineTotal, cell.BaselineAccuracy*100,
			cell.CurrentCorrect, cell.CurrentTotal, cell.CurrentAccuracy*100,
			cell.Delta*100, cell.PValue, cell.CorrectedPValue,
			cell.WilsonLower*100, cell.WilsonUpper*100,
			cellStatus(cell)))
	}
	builder.WriteString("\n")

	if len(result.BrokenQuestions) > 0 {
		builder.WriteString("## Broken Questions\n\n")
		builder.WriteString("| Question | Dataset | Strategy | Ground Truth | Baseline Answer | Current Answer |\n")
		builder.WriteString("| --- | --- | --- | --- | --- | --- |\n")
		for _, bq := range result.BrokenQuestions {
			builder.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s |\n",
				bq.QuestionID, bq.Dataset, bq.Strategy,
				tableCell(bq.GroundTruth), tableCell(bq.BaselineAnswer), tableCell(bq.CurrentAnswer)))
		}
		builder.WriteString("\n")
	}

	if len(result.Stability) > 0 {
		builder.WriteString("## Stability\n\n")
		builder.WriteString("| Strategy | Dataset | Per-run Accuracy | Variance |\n")
		builder.WriteString("| --- | --- | --- | --- |\n")
		for _, s := range result.Stability {
			builder.WriteString(fmt.Sprintf("| %s | %s | %s | %.5f |\n",
				s.Strategy, s.Dataset, accuracyList(s.Accuracies), s.Variance))
		}
		builder.WriteString("\n")
	}

	if result.Ensemble != nil {
		builder.WriteString("## Ensemble Lift\n\n")
		builder.WriteString(fmt.Sprintf("- Best single model: %s (%.1f%%)\n",
			result.Ensemble.BestModel, result.Ensemble.BestModelAccuracy*100))
		builder.WriteString(fmt.Sprintf("- Best consensus strategy: %s (%.1f%%)\n",
			result.Ensemble.BestStrategy, result.Ensemble.BestStrategyAccuracy*100))
		builder.WriteString(fmt.Sprintf("- Lift: %+.1f%%\n\n", result.Ensemble.Delta*100))
	}

	builder.WriteString("## Cost\n\n")
	builder.WriteString(fmt.Sprintf("- Tokens: %d\n", result.Cost.Tokens))
	builder.WriteString(fmt.Sprintf("- Estimated spend: $%.4f\n", result.Cost.USD))
	builder.WriteString(fmt.Sprintf("- Wall time: %s\n", (time.Duration(result.Cost.DurationMs) * time.Millisecond).Round(time.Millisecond)))

	return builder.String()
}

// WriteMarkdown renders the check to a file, creating parent directories.
func WriteMarkdown(result *regression.RegressionResult, path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("error creating report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(Markdown(result)), 0o644); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}

// Console prints the short colored summary a CI log or terminal user reads
// first. Significant drops print red, significant improvements yellow for
// human review, everything else green.
func Console(w io.Writer, result *regression.RegressionResult) {
	fmt.Fprintf(w, "%s tier=%s runs=%d\n", heading("regression check"), result.Tier, result.Runs)
	for _, cell := range result.Strategies {
		label := passLabel("ok")
		switch {
		case cell.Regressed():
			label = failLabel("REGRESSED")
		case cell.Significant && cell.Delta > 0:
			label = warnLabel("improved")
		}
		fmt.Fprintf(w, "  %-10s %-12s %.1f%% -> %.1f%% (p=%.4f) %s\n",
			cell.Strategy, cell.Dataset,
			cell.BaselineAccuracy*100, cell.CurrentAccuracy*100, cell.PValue, label)
	}
	if n := len(result.BrokenQuestions); n > 0 {
		fmt.Fprintf(w, "  %s: %d\n", warnLabel("broken questions"), n)
	}
	if result.Passed {
		fmt.Fprintf(w, "%s\n", passLabel("PASSED"))
	} else {
		fmt.Fprintf(w, "%s\n", failLabel("FAILED"))
	}
}

func verdict(passed bool) string {
	if passed {
		return "PASSED"
	}
	return "FAILED"
}

func cellStatus(cell regression.StrategyRegressionResult) string {
	switch {
	case cell.Regressed():
		return "regressed"
	case cell.Significant && cell.Delta > 0:
		return "improved"
	default:
		return "ok"
	}
}

func accuracyList(accuracies []float64) string {
	parts := make([]string, len(accuracies))
	for i, a := range accuracies {
		parts[i] = fmt.Sprintf("%.1f%%", a*100)
	}
	return strings.Join(parts, ", ")
}

// tableCell keeps long or multi-line answers from breaking table layout.
func tableCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	return util.TruncateRunes(s, 80)
}
