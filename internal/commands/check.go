// internal/commands/check.go
package krisis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/datasets"
	"github.com/mwiater/krisis/internal/logging"
	"github.com/mwiater/krisis/internal/regression"
	"github.com/mwiater/krisis/internal/report"
	"github.com/mwiater/krisis/internal/runner"
)

// checkCmd implements 'check', the CI regression gate: replay the golden
// baseline's questions, compare statistically, and exit non-zero when a
// strategy regressed.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare a fresh benchmark against the tier's golden baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		tierName, _ := cmd.Flags().GetString("tier")
		commitSha, _ := cmd.Flags().GetString("commit")
		noTUI, _ := cmd.Flags().GetBool("no-tui")

		tier, err := cfg.Tier(tierName)
		if err != nil {
			return err
		}
		baseline, err := regression.LoadBaseline(cfg.BaselinePath(tierName))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		stack, err := buildStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer stack.close()

		source := datasets.New(cfg.DatasetsDir())
		detector := &regression.Detector{
			Baseline: baseline,
			Tier:     tier,
			Source: func(ctx context.Context, dataset string) ([]bench.Question, error) {
				return source.Load(ctx, dataset)
			},
			Execute: func(ctx context.Context, dataset string, questions []bench.Question, onProgress func(bench.Progress)) ([]bench.PromptRunResult, error) {
				run, err := stack.newRunner(cfg, tier, dataset)
				if err != nil {
					return nil, err
				}
				output, err := run.Run(ctx, runner.RunRequest{Questions: questions, OnProgress: onProgress})
				if err != nil {
					return nil, err
				}
				return output.Runs, nil
			},
		}

		var result *regression.RegressionResult
		err = withProgress(tierName, tier.RunCount(), noTUI, func(onProgress func(int, string, bench.Progress)) error {
			result, err = detector.EvaluateWith(ctx, regression.EvaluateOptions{
				CommitSha: commitSha,
				OnProgress: func(run int, p bench.Progress) {
					onProgress(run, datasetOf(p.QuestionID), p)
				},
			})
			return err
		})
		if err != nil {
			return err
		}

		reportPath := cfg.ReportPath(tierName)
		if err := report.WriteMarkdown(result, reportPath); err != nil {
			return err
		}
		if err := writeResultJSON(result, strings.TrimSuffix(reportPath, filepath.Ext(reportPath))+".json"); err != nil {
			return err
		}
		report.Console(cmd.OutOrStdout(), result)
		logging.LogEvent("check: tier %s report written to %s", tierName, reportPath)

		if !result.Passed {
			return fmt.Errorf("regression check failed for tier %q; see %s", tierName, reportPath)
		}
		return nil
	},
}

// datasetOf recovers the dataset from the question id convention
// "<dataset>-<number>"; unknown shapes render as-is.
func datasetOf(questionID string) string {
	if i := strings.LastIndex(questionID, "-"); i > 0 {
		return questionID[:i]
	}
	return questionID
}

func writeResultJSON(result *regression.RegressionResult, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating result file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("error writing result file: %w", err)
	}
	return nil
}

func init() {
	checkCmd.Flags().String("tier", "ci", "tier to check")
	checkCmd.Flags().String("commit", "", "commit SHA under test")
	checkCmd.Flags().Bool("no-tui", false, "log progress instead of drawing the live view")

	rootCmd.AddCommand(checkCmd)
}
