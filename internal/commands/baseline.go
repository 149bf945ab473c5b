// internal/commands/baseline.go
package krisis

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/datasets"
	"github.com/mwiater/krisis/internal/logging"
	"github.com/mwiater/krisis/internal/regression"
	"github.com/mwiater/krisis/internal/runner"
)

// baselineCmd groups golden-baseline maintenance commands.
var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Group commands for maintaining golden baselines",
}

// baselineUpdateCmd implements 'baseline update', which benchmarks a tier
// once and pins the outcome as the tier's golden baseline.
var baselineUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Benchmark a tier and pin the results as its golden baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		tierName, _ := cmd.Flags().GetString("tier")
		commitSha, _ := cmd.Flags().GetString("commit")
		noTUI, _ := cmd.Flags().GetBool("no-tui")

		tier, err := cfg.Tier(tierName)
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
		runsByDataset := make(map[string][]bench.PromptRunResult, len(tier.Datasets))

		err = withProgress(tierName, 1, noTUI, func(onProgress func(int, string, bench.Progress)) error {
			for _, ds := range tier.Datasets {
				questions, err := source.Sample(ctx, ds.Name, ds.Size())
				if err != nil {
					return err
				}
				run, err := stack.newRunner(cfg, tier, ds.Name)
				if err != nil {
					return err
				}
				name := ds.Name
				output, err := run.Run(ctx, runner.RunRequest{
					Questions:  questions,
					OnProgress: func(p bench.Progress) { onProgress(1, name, p) },
				})
				if err != nil {
					return fmt.Errorf("baseline run on %s: %w", ds.Name, err)
				}
				runsByDataset[ds.Name] = output.Runs
			}
			return nil
		})
		if err != nil {
			return err
		}

		baseline := regression.NewBaseline(tier, commitSha, runsByDataset)
		path := cfg.BaselinePath(tierName)
		if err := baseline.Save(path); err != nil {
			return err
		}
		logging.LogEvent("baseline: pinned tier %s (%d datasets, commit %q) at %s",
			tierName, len(tier.Datasets), commitSha, path)
		return nil
	},
}

func init() {
	baselineUpdateCmd.Flags().String("tier", "ci", "tier to pin")
	baselineUpdateCmd.Flags().String("commit", "", "commit SHA to record in the baseline")
	baselineUpdateCmd.Flags().Bool("no-tui", false, "log progress instead of drawing the live view")

	baselineCmd.AddCommand(baselineUpdateCmd)
	rootCmd.AddCommand(baselineCmd)
}
