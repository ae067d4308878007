package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `candleflow:
  name: "TestApp"
  version: "1.0"
store:
  path: "data/candles.db"
source:
  binance:
    symbols: ["BTCUSDT"]
    intervals: ["1m", "1h"]
backfill:
  enabled: true
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Candleflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Candleflow.Name)
	}
	if cfg.Backfill.PageLimit != 1000 {
		t.Errorf("page limit default not applied: %d", cfg.Backfill.PageLimit)
	}
	if cfg.Backfill.PageDelay != 200*time.Millisecond {
		t.Errorf("page delay default not applied: %v", cfg.Backfill.PageDelay)
	}
	if cfg.Source.Binance.RestURL != "https://api.binance.com" {
		t.Errorf("rest url default not applied: %s", cfg.Source.Binance.RestURL)
	}
	// Archive series lists fall back to the source lists.
	if len(cfg.Archive.Symbols) != 1 || cfg.Archive.Symbols[0] != "BTCUSDT" {
		t.Errorf("archive symbols not derived: %v", cfg.Archive.Symbols)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("APP_ENV", "")

	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(c string) string { return strings.Replace(c, `name: "TestApp"`, `name: ""`, 1) },
			wantErr: "candleflow.name",
		},
		{
			name:    "missing store path",
			mutate:  func(c string) string { return strings.Replace(c, `path: "data/candles.db"`, `path: ""`, 1) },
			wantErr: "store.path",
		},
		{
			name:    "no producer enabled",
			mutate:  func(c string) string { return strings.Replace(c, "enabled: true", "enabled: false", 1) },
			wantErr: "at least one",
		},
		{
			name:    "bad interval",
			mutate:  func(c string) string { return strings.Replace(c, `["1m", "1h"]`, `["1m", "7s"]`, 1) },
			wantErr: "unsupported interval",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.mutate(minimalConfig))
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("CANDLEFLOW_DB", "/var/lib/candleflow/override.db")
	t.Setenv("BINANCE_REST_URL", "http://localhost:9000")

	path := writeTempConfig(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Store.Path != "/var/lib/candleflow/override.db" {
		t.Errorf("store path override not applied: %s", cfg.Store.Path)
	}
	if cfg.Source.Binance.RestURL != "http://localhost:9000" {
		t.Errorf("rest url override not applied: %s", cfg.Source.Binance.RestURL)
	}
}

func TestBackfillBounds(t *testing.T) {
	t.Setenv("APP_ENV", "")
	content := strings.Replace(minimalConfig, "backfill:\n  enabled: true\n",
		"backfill:\n  enabled: true\n  start_time: \"2023-05-01T00:00:00Z\"\n  end_time: \"not-a-time\"\n", 1)
	path := writeTempConfig(t, content)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for malformed end_time")
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Errorf("alias not normalised: %s", env)
	}
	t.Setenv("APP_ENV", "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Errorf("empty env should default to development: %s", env)
	}
}
