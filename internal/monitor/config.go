package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reportguard/internal/deception"
)

// Config is the top-level runtime configuration. YAML is the primary
// format; JSON is accepted for generated configs.
type Config struct {
	LogDir            string               `json:"log_dir" yaml:"log_dir"`
	HistoryDir        string               `json:"history_dir" yaml:"history_dir"`
	AlertThreshold    int                  `json:"alert_threshold" yaml:"alert_threshold"`
	RatePrecision     int                  `json:"rate_precision" yaml:"rate_precision"`
	ErrorMessageLimit int                  `json:"error_message_limit" yaml:"error_message_limit"`
	FlakyWindowRuns   int                  `json:"flaky_window_runs" yaml:"flaky_window_runs"`
	HistoryMaxRuns    int                  `json:"history_max_runs" yaml:"history_max_runs"`
	SummaryInterval   string               `json:"summary_interval" yaml:"summary_interval"`
	Weights           deception.Weights    `json:"weights" yaml:"weights"`
	Tiers             deception.Thresholds `json:"tiers" yaml:"tiers"`
	Observer          ObservabilityConfig  `json:"observability" yaml:"observability"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultConfig() Config {
	return Config{
		LogDir:            "./logs",
		HistoryDir:        "./history",
		AlertThreshold:    5,
		RatePrecision:     2,
		ErrorMessageLimit: 500,
		FlakyWindowRuns:   20,
		HistoryMaxRuns:    100,
		SummaryInterval:   "1h",
		Weights:           deception.DefaultWeights(),
		Tiers:             deception.DefaultThresholds(),
		Observer: ObservabilityConfig{
			ServiceName: "reportguard",
			SampleRatio: 1,
		},
	}
}

// LoadConfig reads a config file, picking the decoder by extension and
// falling back to yaml-then-json sniffing when the extension is unknown.
// An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "./logs"
	}
	if strings.TrimSpace(cfg.HistoryDir) == "" {
		cfg.HistoryDir = "./history"
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 5
	}
	if cfg.RatePrecision < 0 {
		cfg.RatePrecision = 2
	}
	if cfg.ErrorMessageLimit <= 0 {
		cfg.ErrorMessageLimit = 500
	}
	if cfg.FlakyWindowRuns <= 0 {
		cfg.FlakyWindowRuns = 20
	}
	if cfg.HistoryMaxRuns <= 0 {
		cfg.HistoryMaxRuns = 100
	}
	if _, err := time.ParseDuration(cfg.SummaryInterval); err != nil {
		cfg.SummaryInterval = "1h"
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "reportguard"
	}
}

// SummaryIntervalDuration returns the parsed summary interval.
func (c Config) SummaryIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.SummaryInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
