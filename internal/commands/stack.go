// internal/commands/stack.go
package krisis

import (
	"context"

	"github.com/mwiater/krisis/internal/appconfig"
	"github.com/mwiater/krisis/internal/consensus"
	"github.com/mwiater/krisis/internal/limiter"
	"github.com/mwiater/krisis/internal/providers"
	"github.com/mwiater/krisis/internal/providers/openai"
	"github.com/mwiater/krisis/internal/retry"
	"github.com/mwiater/krisis/internal/runner"
)

// stack bundles the process-wide pieces every benchmark command shares: one
// provider client, one concurrency gate, and the optional pressure monitor
// feeding it.
type stack struct {
	client  providers.Client
	gate    *limiter.AdaptiveLimiter
	monitor *limiter.PressureMonitor
}

// buildStack wires the provider client and the shared limiter from config.
// Callers must invoke close when done.
func buildStack(ctx context.Context, cfg *appconfig.Config) (*stack, error) {
	endpoints := make([]openai.Endpoint, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		endpoints[i] = openai.Endpoint{
			Name:              ep.Name,
			BaseURL:           ep.BaseURL,
			APIKey:            ep.APIKey(),
			CostPerMTokensUSD: ep.CostPerMTokensUSD,
		}
	}
	client, err := openai.New(endpoints)
	if err != nil {
		return nil, err
	}

	var monitor *limiter.PressureMonitor
	if cfg.Pressure.Enabled {
		monitor = limiter.NewPressureMonitor(limiter.MonitorOptions{
			Interval:        cfg.Pressure.Interval(),
			MemoryThreshold: cfg.Pressure.MemoryThreshold,
			CPUThreshold:    cfg.Pressure.CPUThreshold,
		})
		monitor.Start(ctx)
	}

	gate := limiter.New(limiter.Options{
		Initial:  cfg.Limiter.Initial,
		Min:      cfg.Limiter.Min,
		Max:      cfg.Limiter.Max,
		Cooldown: cfg.Limiter.Cooldown(),
		Monitor:  monitor,
	})

	return &stack{client: client, gate: gate, monitor: monitor}, nil
}

func (s *stack) close() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
}

// newRunner builds a Runner for one tier and dataset on this stack.
func (s *stack) newRunner(cfg *appconfig.Config, tier appconfig.TierConfig, dataset string) (*runner.Runner, error) {
	engine := &consensus.Engine{
		Client:     s.client,
		Summarizer: tier.Summarizer,
		Judge:      tier.JudgeModel(),
		TopK:       tier.TopK,
		Gate:       s.gate,
	}
	return runner.New(s.client, s.gate, engine, runner.Config{
		Dataset:             dataset,
		Models:              tier.Models,
		Strategies:          tier.Strategies,
		Judge:               tier.JudgeModel(),
		RequestDelay:        tier.RequestDelay(),
		QuestionConcurrency: cfg.QuestionConcurrency,
		Retry:               retryOptions(cfg),
		TraceCalls:          cfg.Debug,
	})
}

func retryOptions(cfg *appconfig.Config) retry.Options {
	return retry.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay(),
		MaxJitter:  cfg.Retry.MaxJitter(),
		Timeout:    cfg.Retry.Timeout(),
	}
}
