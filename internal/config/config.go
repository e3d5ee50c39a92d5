// Package config loads dipfit settings from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"dipfit/internal/fit"
	"dipfit/internal/forward"
	"dipfit/internal/noise"
)

// Config contains all dipfit settings.
type Config struct {
	// Fit holds the defaults for dipole fitting.
	Fit FitConfig `json:"fit" yaml:"fit"`

	// Logging configures operational output.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// FitConfig mirrors fit.Options in file-friendly units.
type FitConfig struct {
	// MinDist is the minimum distance to the inner skull in mm.
	MinDist float64 `json:"min_dist" yaml:"min_dist"`

	// Rank is "auto", "info" or a positive integer.
	Rank string `json:"rank" yaml:"rank"`

	// Accuracy is "normal" or "accurate".
	Accuracy string `json:"accuracy" yaml:"accuracy"`

	// Tol is the relative convergence tolerance of the position search.
	Tol float64 `json:"tol" yaml:"tol"`

	// Workers is the number of samples fitted concurrently. 0 uses every CPU.
	Workers int `json:"workers" yaml:"workers"`

	// GuessGrid and GuessExclude set the initial guess grid, mm.
	GuessGrid    float64 `json:"guess_grid" yaml:"guess_grid"`
	GuessExclude float64 `json:"guess_exclude" yaml:"guess_exclude"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is "warn", "info" (default), "debug" or "trace".
	Level string `json:"level" yaml:"level"`

	// Format is "text" (default) or "json".
	Format string `json:"format" yaml:"format"`
}

// Default returns the standard settings.
func Default() *Config {
	o := fit.DefaultOptions()
	return &Config{
		Fit: FitConfig{
			MinDist:      o.MinDist,
			Rank:         o.Rank.String(),
			Accuracy:     o.Accuracy.String(),
			Tol:          o.Tol,
			Workers:      o.Workers,
			GuessGrid:    o.GuessGrid * 1000,
			GuessExclude: o.GuessExclude * 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path when it is not empty, then applies environment overrides.
// Order: defaults -> file -> environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file. Missing keys keep
// their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := c.ToOptions(); err != nil {
		return err
	}
	validLevels := map[string]bool{"": true, "warn": true, "info": true, "debug": true, "trace": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: warn, info, debug, trace)", c.Logging.Level)
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.Logging.Format)
	}
	return nil
}

// ToOptions converts the fit settings to fit.Options.
func (c *Config) ToOptions() (fit.Options, error) {
	o := fit.DefaultOptions()
	rank, err := noise.ParseRank(c.Fit.Rank)
	if err != nil {
		return o, err
	}
	acc, err := forward.ParseAccuracy(c.Fit.Accuracy)
	if err != nil {
		return o, err
	}
	o.MinDist = c.Fit.MinDist
	o.Rank = rank
	o.Accuracy = acc
	o.Tol = c.Fit.Tol
	o.Workers = c.Fit.Workers
	if o.Workers == 0 {
		o.Workers = runtime.NumCPU()
	}
	o.GuessGrid = c.Fit.GuessGrid / 1000
	o.GuessExclude = c.Fit.GuessExclude / 1000
	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DIPFIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DIPFIT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DIPFIT_WORKERS: %w", err)
		}
		cfg.Fit.Workers = n
	}
	if v := os.Getenv("DIPFIT_TOL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DIPFIT_TOL: %w", err)
		}
		cfg.Fit.Tol = f
	}
	return nil
}
