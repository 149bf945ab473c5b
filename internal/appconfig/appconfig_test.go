package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `{
  "endpoints": [
    {"name": "gemini", "baseUrl": "https://generativelanguage.googleapis.com/v1beta/openai", "apiKeyEnv": "GOOGLE_API_KEY"}
  ],
  "tiers": [
    {
      "name": "ci",
      "datasets": [{"name": "gsm8k", "sampleSize": 10}, {"name": "gpqa"}],
      "models": [{"provider": "gemini", "model": "gemini-flash"}],
      "strategies": ["standard", "majority", "elo"],
      "runs": 3,
      "requestDelayMs": 250,
      "significanceThreshold": 0.05,
      "summarizer": {"provider": "gemini", "model": "gemini-flash"}
    }
  ]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tier, err := cfg.Tier("ci")
	if err != nil {
		t.Fatalf("tier lookup: %v", err)
	}
	if tier.RunCount() != 3 {
		t.Fatalf("runs = %d, want 3", tier.RunCount())
	}
	if tier.RequestDelay() != 250*time.Millisecond {
		t.Fatalf("request delay = %v, want 250ms", tier.RequestDelay())
	}
	if tier.Significance() != 0.05 {
		t.Fatalf("significance = %v, want 0.05", tier.Significance())
	}
	if tier.Datasets[1].Size() != 30 {
		t.Fatalf("default sample size = %d, want 30", tier.Datasets[1].Size())
	}
	// Judge falls back to the summarizer when unset.
	if tier.JudgeModel().Model != "gemini-flash" {
		t.Fatalf("judge = %+v, want summarizer fallback", tier.JudgeModel())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsUnknownEndpointReference(t *testing.T) {
	broken := `{
	  "endpoints": [{"name": "gemini"}],
	  "tiers": [{
	    "name": "ci",
	    "datasets": [{"name": "gsm8k"}],
	    "models": [{"provider": "nowhere", "model": "m"}],
	    "summarizer": {"provider": "gemini", "model": "s"}
	  }]
	}`
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Fatal("expected error for model referencing unknown endpoint")
	}
}

func TestLoadRejectsDuplicateTiers(t *testing.T) {
	broken := `{
	  "endpoints": [{"name": "gemini"}],
	  "tiers": [
	    {"name": "ci", "datasets": [{"name": "gsm8k"}], "models": [{"provider": "gemini", "model": "m"}], "summarizer": {"provider": "gemini", "model": "s"}},
	    {"name": "ci", "datasets": [{"name": "gsm8k"}], "models": [{"provider": "gemini", "model": "m"}], "summarizer": {"provider": "gemini", "model": "s"}}
	  ]
	}`
	if _, err := Load(writeConfig(t, broken)); err == nil {
		t.Fatal("expected error for duplicate tier names")
	}
}

func TestPaths(t *testing.T) {
	cfg := Config{DataDir: "out"}
	if got := cfg.BaselinePath("ci"); got != filepath.Join("out", "golden", "ci.json") {
		t.Fatalf("baseline path = %q", got)
	}
	if got := cfg.ResultsPath("ci", "gsm8k", 2); got != filepath.Join("out", "benchmarks", "ci-gsm8k-run2.json") {
		t.Fatalf("results path = %q", got)
	}
	cfg = Config{}
	if got := cfg.DataDirPath(); got != DefaultDataDir {
		t.Fatalf("default data dir = %q", got)
	}
}

func TestSignificanceDefault(t *testing.T) {
	tier := TierConfig{}
	if tier.Significance() != 0.05 {
		t.Fatalf("default significance = %v, want 0.05", tier.Significance())
	}
	tier = TierConfig{SignificanceThreshold: 0.10}
	if tier.Significance() != 0.10 {
		t.Fatalf("explicit significance = %v, want 0.10", tier.Significance())
	}
}
