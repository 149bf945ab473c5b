// internal/appconfig/appconfig.go
// Package appconfig manages loading and interpreting application configuration.
package appconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mwiater/krisis/internal/providers"
)

const (
	// DefaultConfigPath is the default path to the application's configuration file.
	DefaultConfigPath = "config/config.json"
	// DefaultDataDir holds result files, golden baselines, and reports.
	DefaultDataDir = "krisisData"
	// defaultSampleSize matches the upstream harness default.
	defaultSampleSize = 30
	// defaultSignificance is the regression gate's p-value threshold.
	defaultSignificance = 0.05
	// defaultRetryTimeout bounds a whole retry loop.
	defaultRetryTimeout = 2 * time.Minute
)

// Config represents the top-level application configuration.
type Config struct {
	Endpoints           []Endpoint     `json:"endpoints"`
	Tiers               []TierConfig   `json:"tiers"`
	Limiter             LimiterConfig  `json:"limiter,omitempty"`
	Retry               RetryConfig    `json:"retry,omitempty"`
	Pressure            PressureConfig `json:"pressure,omitempty"`
	Debug               bool           `json:"debug"`
	DataDir             string         `json:"dataDir,omitempty"`
	LogFile             string         `json:"logFile,omitempty"`
	QuestionConcurrency int            `json:"questionConcurrency,omitempty"`
	ConfigPath          string         `json:"-"`
}

// Endpoint describes one OpenAI-compatible backend models can live on.
type Endpoint struct {
	Name              string  `json:"name"`
	BaseURL           string  `json:"baseUrl,omitempty"`
	APIKeyEnv         string  `json:"apiKeyEnv,omitempty"`
	CostPerMTokensUSD float64 `json:"costPerMTokensUsd,omitempty"`
}

// APIKey resolves the endpoint's key from the configured environment
// variable. Config files never hold secrets directly.
func (e Endpoint) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// DatasetConfig names a benchmark dataset and how many questions to sample.
type DatasetConfig struct {
	Name       string `json:"name"`
	SampleSize int    `json:"sampleSize,omitempty"`
}

// Size returns the configured sample size, falling back to the default.
func (d DatasetConfig) Size() int {
	if d.SampleSize <= 0 {
		return defaultSampleSize
	}
	return d.SampleSize
}

// TierConfig is a named evaluation policy: which datasets and models to
// run, which consensus strategies to compare, how many repeated runs, and
// how strict the regression gate is. Baseline creation and regression
// checks must use the same tier for their results to be comparable.
type TierConfig struct {
	Name                  string               `json:"name"`
	Datasets              []DatasetConfig      `json:"datasets"`
	Models                []providers.ModelRef `json:"models"`
	Strategies            []string             `json:"strategies"`
	Runs                  int                  `json:"runs,omitempty"`
	RequestDelayMs        int                  `json:"requestDelayMs,omitempty"`
	SignificanceThreshold float64              `json:"significanceThreshold,omitempty"`
	Summarizer            providers.ModelRef   `json:"summarizer"`
	Judge                 providers.ModelRef   `json:"judge,omitempty"`
	TopK                  int                  `json:"topK,omitempty"`
}

// RunCount returns how many times the benchmark repeats, at least once.
func (t TierConfig) RunCount() int {
	if t.Runs <= 0 {
		return 1
	}
	return t.Runs
}

// RequestDelay returns the pacing delay between sequential model calls.
func (t TierConfig) RequestDelay() time.Duration {
	if t.RequestDelayMs <= 0 {
		return 0
	}
	return time.Duration(t.RequestDelayMs) * time.Millisecond
}

// Significance returns the p-value threshold for the regression gate.
func (t TierConfig) Significance() float64 {
	if t.SignificanceThreshold <= 0 || t.SignificanceThreshold >= 1 {
		return defaultSignificance
	}
	return t.SignificanceThreshold
}

// JudgeModel returns the pairwise judge, defaulting to the summarizer.
func (t TierConfig) JudgeModel() providers.ModelRef {
	if t.Judge.Model != "" {
		return t.Judge
	}
	return t.Summarizer
}

// LimiterConfig tunes the adaptive concurrency limiter.
type LimiterConfig struct {
	Initial    int `json:"initial,omitempty"`
	Min        int `json:"min,omitempty"`
	Max        int `json:"max,omitempty"`
	CooldownMs int `json:"cooldownMs,omitempty"`
}

// Cooldown returns the adjustment cooldown duration.
func (l LimiterConfig) Cooldown() time.Duration {
	if l.CooldownMs <= 0 {
		return 0
	}
	return time.Duration(l.CooldownMs) * time.Millisecond
}

// RetryConfig tunes the retry policy applied to model calls.
type RetryConfig struct {
	MaxRetries  int `json:"maxRetries,omitempty"`
	BaseDelayMs int `json:"baseDelayMs,omitempty"`
	MaxJitterMs int `json:"maxJitterMs,omitempty"`
	TimeoutMs   int `json:"timeoutMs,omitempty"`
}

// BaseDelay returns the backoff seed duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxJitter returns the jitter bound.
func (r RetryConfig) MaxJitter() time.Duration {
	return time.Duration(r.MaxJitterMs) * time.Millisecond
}

// Timeout returns the wall-clock budget for a whole retry loop.
func (r RetryConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return defaultRetryTimeout
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// PressureConfig tunes the host pressure monitor.
type PressureConfig struct {
	Enabled         bool    `json:"enabled"`
	IntervalMs      int     `json:"intervalMs,omitempty"`
	MemoryThreshold float64 `json:"memoryThreshold,omitempty"`
	CPUThreshold    float64 `json:"cpuThreshold,omitempty"`
}

// Interval returns the sampling interval.
func (p PressureConfig) Interval() time.Duration {
	if p.IntervalMs <= 0 {
		return 0
	}
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// DataDirPath returns the data directory, applying the default.
func (c Config) DataDirPath() string {
	if strings.TrimSpace(c.DataDir) != "" {
		return c.DataDir
	}
	return DefaultDataDir
}

// LogFilePath returns the path to the application log file, applying a default if not set.
func (c Config) LogFilePath() string {
	if path := c.LogFile; strings.TrimSpace(path) != "" {
		return path
	}
	return "krisis.log"
}

// BaselinePath is where a tier's golden baseline lives.
func (c Config) BaselinePath(tier string) string {
	return filepath.Join(c.DataDirPath(), "golden", tier+".json")
}

// ResultsPath is where one benchmark run's results file lives.
func (c Config) ResultsPath(tier, dataset string, run int) string {
	return filepath.Join(c.DataDirPath(), "benchmarks", fmt.Sprintf("%s-%s-run%d.json", tier, dataset, run))
}

// DatasetsDir is where question files live.
func (c Config) DatasetsDir() string {
	return filepath.Join(c.DataDirPath(), "datasets")
}

// ReportPath is where a regression check's Markdown report lives.
func (c Config) ReportPath(tier string) string {
	return filepath.Join(c.DataDirPath(), "reports", tier+".md")
}

// Tier finds a tier by name.
func (c Config) Tier(name string) (TierConfig, error) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, nil
		}
	}
	return TierConfig{}, fmt.Errorf("no tier named %q in configuration", name)
}

// Load reads the application configuration from the specified path.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	config, err := loadFromPath(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("no configuration file found at %q", path)
		}
		return Config{}, fmt.Errorf("could not read config file %q: %w", path, err)
	}

	if err := config.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}
	config.ConfigPath = path
	return config, nil
}

// loadFromPath is a helper function that loads the configuration from a specific file path.
func loadFromPath(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("config must contain at least one endpoint")
	}
	if len(c.Tiers) == 0 {
		return errors.New("config must contain at least one tier")
	}

	endpoints := make(map[string]bool, len(c.Endpoints))
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e.Name) == "" {
			return errors.New("every endpoint needs a name")
		}
		if endpoints[e.Name] {
			return fmt.Errorf("duplicate endpoint name %q", e.Name)
		}
		endpoints[e.Name] = true
	}

	tiers := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		if strings.TrimSpace(t.Name) == "" {
			return errors.New("every tier needs a name")
		}
		if tiers[t.Name] {
			return fmt.Errorf("duplicate tier name %q", t.Name)
		}
		tiers[t.Name] = true

		if len(t.Datasets) == 0 {
			return fmt.Errorf("tier %q has no datasets", t.Name)
		}
		if len(t.Models) == 0 {
			return fmt.Errorf("tier %q has no models", t.Name)
		}
		if t.Summarizer.Model == "" {
			return fmt.Errorf("tier %q has no summarizer model", t.Name)
		}
		for _, m := range t.Models {
			if !endpoints[m.Provider] {
				return fmt.Errorf("tier %q references unknown endpoint %q", t.Name, m.Provider)
			}
		}
		if !endpoints[t.Summarizer.Provider] {
			return fmt.Errorf("tier %q summarizer references unknown endpoint %q", t.Name, t.Summarizer.Provider)
		}
	}
	return nil
}
