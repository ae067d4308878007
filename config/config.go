package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"candleflow/models"
)

type Config struct {
	Candleflow CandleflowConfig `yaml:"candleflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Source     SourceConfig     `yaml:"source"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Stream     StreamConfig     `yaml:"stream"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Report     ReportConfig     `yaml:"report"`
}

type CandleflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	RestURL        string               `yaml:"rest_url"`
	WsURL          string               `yaml:"ws_url"`
	ArchiveURL     string               `yaml:"archive_url"`
	Symbols        []string             `yaml:"symbols"`
	Intervals      []string             `yaml:"intervals"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type BackfillConfig struct {
	Enabled           bool          `yaml:"enabled"`
	PageLimit         int           `yaml:"page_limit"`
	StartTime         string        `yaml:"start_time"` // RFC3339, optional
	EndTime           string        `yaml:"end_time"`   // RFC3339, optional
	LookbackDays      int           `yaml:"lookback_days"`
	PageDelay         time.Duration `yaml:"page_delay"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
	Timeout           time.Duration `yaml:"timeout"`
}

type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type ArchiveConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MarketType   string        `yaml:"market_type"` // "um" or "cm"
	Symbols      []string      `yaml:"symbols"`     // defaults to source symbols
	Intervals    []string      `yaml:"intervals"`   // defaults to source intervals
	DefaultStart string        `yaml:"default_start"` // YYYY-MM-DD historical floor
	Monthly      bool          `yaml:"monthly"`
	FileDelay    time.Duration `yaml:"file_delay"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ReportConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// LoadConfig reads, defaults and validates the configuration file. An
// environment specific file (config.<env>.yml next to the default path) is
// preferred when the caller did not override the path.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDerivedDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

const defaultConfigPath = "config/config.yml"

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				RestURL:    "https://api.binance.com",
				WsURL:      "wss://stream.binance.com:9443/ws",
				ArchiveURL: "https://data.binance.vision",
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    10,
					MaxConnsPerHost: 10,
					IdleConnTimeout: 90 * time.Second,
				},
			},
		},
		Backfill: BackfillConfig{
			PageLimit:         1000,
			LookbackDays:      90,
			PageDelay:         200 * time.Millisecond,
			RateLimitCooldown: 2 * time.Second,
			Timeout:           30 * time.Second,
		},
		Stream: StreamConfig{
			ReconnectDelay: 5 * time.Second,
		},
		Archive: ArchiveConfig{
			MarketType:   "um",
			DefaultStart: "2019-01-01",
			Monthly:      true,
			FileDelay:    100 * time.Millisecond,
			Timeout:      60 * time.Second,
		},
		Report: ReportConfig{
			Interval: 30 * time.Second,
		},
	}
}

// applyEnvOverrides lets deploy environments redirect endpoints and the
// store location without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CANDLEFLOW_DB"); v != "" {
		cfg.Store.Path = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_REST_URL"); v != "" {
		cfg.Source.Binance.RestURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		cfg.Source.Binance.WsURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_ARCHIVE_URL"); v != "" {
		cfg.Source.Binance.ArchiveURL = strings.TrimSpace(v)
	}
}

func applyDerivedDefaults(cfg *Config) {
	if len(cfg.Archive.Symbols) == 0 {
		cfg.Archive.Symbols = cfg.Source.Binance.Symbols
	}
	if len(cfg.Archive.Intervals) == 0 {
		cfg.Archive.Intervals = cfg.Source.Binance.Intervals
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Candleflow.Name == "" {
		return fmt.Errorf("candleflow.name is required")
	}
	if cfg.Candleflow.Version == "" {
		return fmt.Errorf("candleflow.version is required")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	anyProducer := cfg.Backfill.Enabled || cfg.Stream.Enabled || cfg.Archive.Enabled
	if !anyProducer {
		return fmt.Errorf("at least one of backfill, stream or archive must be enabled")
	}

	if cfg.Backfill.Enabled || cfg.Stream.Enabled {
		if len(cfg.Source.Binance.Symbols) == 0 {
			return fmt.Errorf("source.binance.symbols is required")
		}
		if len(cfg.Source.Binance.Intervals) == 0 {
			return fmt.Errorf("source.binance.intervals is required")
		}
		for _, itv := range cfg.Source.Binance.Intervals {
			if _, err := models.IntervalDuration(itv); err != nil {
				return fmt.Errorf("source.binance.intervals: %w", err)
			}
		}
	}

	if cfg.Backfill.Enabled {
		if cfg.Backfill.PageLimit <= 0 || cfg.Backfill.PageLimit > 1000 {
			return fmt.Errorf("backfill.page_limit must be in (0, 1000]")
		}
		if _, _, err := cfg.Backfill.StartBound(); err != nil {
			return err
		}
		if _, _, err := cfg.Backfill.EndBound(); err != nil {
			return err
		}
	}

	if cfg.Stream.Enabled && cfg.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay must be greater than 0")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.MarketType != "um" && cfg.Archive.MarketType != "cm" {
			return fmt.Errorf("archive.market_type must be 'um' or 'cm'")
		}
		if len(cfg.Archive.Symbols) == 0 {
			return fmt.Errorf("archive.symbols is required")
		}
		if len(cfg.Archive.Intervals) == 0 {
			return fmt.Errorf("archive.intervals is required")
		}
		for _, itv := range cfg.Archive.Intervals {
			if _, err := models.IntervalDuration(itv); err != nil {
				return fmt.Errorf("archive.intervals: %w", err)
			}
		}
		if _, err := cfg.Archive.DefaultStartDate(); err != nil {
			return err
		}
	}

	if cfg.Report.Enabled && cfg.Report.Interval <= 0 {
		return fmt.Errorf("report.interval must be greater than 0")
	}

	return nil
}

// StartBound returns the configured explicit backfill start, if any.
func (c BackfillConfig) StartBound() (time.Time, bool, error) {
	return parseRFC3339("backfill.start_time", c.StartTime)
}

// EndBound returns the configured explicit backfill end, if any.
func (c BackfillConfig) EndBound() (time.Time, bool, error) {
	return parseRFC3339("backfill.end_time", c.EndTime)
}

// DefaultStartDate returns the archive historical floor date.
func (c ArchiveConfig) DefaultStartDate() (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", c.DefaultStart, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("archive.default_start must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

func parseRFC3339(field, value string) (time.Time, bool, error) {
	if value == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s must be RFC3339: %w", field, err)
	}
	return t.UTC(), true, nil
}
