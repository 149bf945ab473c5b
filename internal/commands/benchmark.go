// internal/commands/benchmark.go
package krisis

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwiater/krisis/internal/bench"
	"github.com/mwiater/krisis/internal/datasets"
	"github.com/mwiater/krisis/internal/logging"
	"github.com/mwiater/krisis/internal/runner"
	"github.com/mwiater/krisis/internal/tui"
)

// benchmarkCmd groups benchmark-related CLI commands.
var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Group commands for running benchmarks",
}

// benchmarkRunCmd implements 'benchmark run', which executes one tier's
// benchmark and writes resumable results files.
var benchmarkRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a tier's benchmark across its datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		tierName, _ := cmd.Flags().GetString("tier")
		datasetName, _ := cmd.Flags().GetString("dataset")
		resume, _ := cmd.Flags().GetBool("resume")
		noTUI, _ := cmd.Flags().GetBool("no-tui")

		tier, err := cfg.Tier(tierName)
		if err != nil {
			return err
		}

		selected := tier.Datasets
		if datasetName != "" {
			selected = nil
			for _, ds := range tier.Datasets {
				if ds.Name == datasetName {
					selected = append(selected, ds)
				}
			}
			if len(selected) == 0 {
				return fmt.Errorf("tier %q has no dataset named %q", tierName, datasetName)
			}
		}

		ctx := cmd.Context()
		stack, err := buildStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer stack.close()

		source := datasets.New(cfg.DatasetsDir())

		return withProgress(tierName, 1, noTUI, func(onProgress func(int, string, bench.Progress)) error {
			for _, ds := range selected {
				questions, err := source.Sample(ctx, ds.Name, ds.Size())
				if err != nil {
					return err
				}

				run, err := stack.newRunner(cfg, tier, ds.Name)
				if err != nil {
					return err
				}

				resultsPath := cfg.ResultsPath(tierName, ds.Name, 1)
				var prior *runner.ResultsFile
				if resume {
					prior, err = runner.LoadResultsFileIfPresent(resultsPath)
					if err != nil {
						return err
					}
				}

				name := ds.Name
				output, err := run.Run(ctx, runner.RunRequest{
					Questions:  questions,
					Prior:      prior,
					OnProgress: func(p bench.Progress) { onProgress(1, name, p) },
				})
				if err != nil {
					return fmt.Errorf("benchmark on %s: %w", ds.Name, err)
				}

				file := prior
				if file == nil {
					file = runner.NewResultsFile(runner.Config{
						Dataset:    ds.Name,
						Models:     tier.Models,
						Strategies: tier.Strategies,
					}, len(questions))
					file.Mode = tierName
				}
				file.Append(output.Runs)
				if err := file.Save(resultsPath); err != nil {
					return err
				}
				logging.LogEvent("benchmark: %s/%s wrote %d results to %s in %s",
					tierName, ds.Name, len(output.Runs), resultsPath, output.Elapsed.Round(0))
			}
			return nil
		})
	},
}

// withProgress runs work either under the live progress view or with plain
// log lines when no terminal is wanted.
func withProgress(tierName string, runs int, noTUI bool, work func(onProgress func(run int, dataset string, p bench.Progress)) error) error {
	if noTUI {
		return work(func(run int, dataset string, p bench.Progress) {
			logging.LogEvent("run %d %s: %d/%d (%s)", run, dataset, p.Completed, p.Total, p.QuestionID)
		})
	}

	program, onProgress, finish := tui.Feed(tui.NewProgressModel(tierName, runs))
	done := make(chan error, 1)
	go func() {
		err := work(onProgress)
		finish(err)
		done <- err
	}()
	if _, err := program.Run(); err != nil {
		<-done
		return err
	}
	return <-done
}

func init() {
	benchmarkRunCmd.Flags().String("tier", "ci", "tier to benchmark")
	benchmarkRunCmd.Flags().String("dataset", "", "restrict to one of the tier's datasets")
	benchmarkRunCmd.Flags().Bool("resume", false, "reuse answered questions from a prior partial run")
	benchmarkRunCmd.Flags().Bool("no-tui", false, "log progress instead of drawing the live view")

	benchmarkCmd.AddCommand(benchmarkRunCmd)
	rootCmd.AddCommand(benchmarkCmd)
}
