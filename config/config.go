// ABOUTME: YAML-loadable pipeline options: retry, circuit breaker, lineage, and validation mode.
// ABOUTME: Load applies defaults, then file values; Apply copies the result onto a builder config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/npipeline/breaker"
	"github.com/2389-research/npipeline/graph"
	"github.com/2389-research/npipeline/lineage"
)

// Retry mirrors graph.RetryOptions with YAML tags.
type Retry struct {
	MaxItemRetries         int           `yaml:"max_item_retries"`
	BaseDelay              time.Duration `yaml:"base_delay"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	MaxNodeRestartAttempts int           `yaml:"max_node_restart_attempts"`
	MaxMaterializedItems   int           `yaml:"max_materialized_items"`
	OverflowPolicy         string        `yaml:"materialization_overflow_policy"`
}

// Breaker mirrors breaker.Options with YAML tags.
type Breaker struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RateThreshold    float64       `yaml:"rate_threshold"`
	MinSample        int           `yaml:"min_sample"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	RollingWindow    time.Duration `yaml:"rolling_window"`
}

// BreakerMemory mirrors breaker.MemoryOptions with YAML tags.
type BreakerMemory struct {
	EnableAutomaticCleanup bool `yaml:"enable_automatic_cleanup"`
	MaxTrackedBreakers     int  `yaml:"max_tracked_breakers"`
}

// Lineage mirrors lineage.Options with YAML tags.
type Lineage struct {
	ItemLevelEnabled bool   `yaml:"item_level_enabled"`
	SampleEvery      int    `yaml:"sample_every"`
	MaxHopsPerItem   int    `yaml:"max_hops_per_item"`
	MaxContributors  int    `yaml:"materialization_cap"`
	OverflowPolicy   string `yaml:"overflow_policy"`
	RedactData       bool   `yaml:"redact_data"`
}

// Options is the YAML document root.
type Options struct {
	Retry          Retry         `yaml:"retry"`
	Breaker        Breaker       `yaml:"circuit_breaker"`
	BreakerMemory  BreakerMemory `yaml:"circuit_breaker_memory"`
	Lineage        Lineage       `yaml:"lineage"`
	ValidationMode string        `yaml:"validation_mode"`
	PipeCapacity   int           `yaml:"pipe_capacity"`
}

// Defaults returns the standard option set.
func Defaults() Options {
	retry := graph.DefaultRetryOptions()
	brk := breaker.DefaultOptions()
	return Options{
		Retry: Retry{
			MaxItemRetries:         retry.MaxItemRetries,
			BaseDelay:              retry.BaseDelay,
			MaxBackoff:             retry.MaxBackoff,
			MaxNodeRestartAttempts: retry.MaxNodeRestartAttempts,
			MaxMaterializedItems:   retry.MaxMaterializedItems,
			OverflowPolicy:         "strict",
		},
		Breaker: Breaker{
			FailureThreshold: brk.FailureThreshold,
			RateThreshold:    brk.RateThreshold,
			MinSample:        brk.MinSample,
			OpenTimeout:      brk.OpenTimeout,
			RollingWindow:    brk.RollingWindow,
		},
		Lineage: Lineage{
			SampleEvery:    1,
			MaxHopsPerItem: lineage.DefaultMaxHops,
		},
		ValidationMode: "strict",
	}
}

// Parse unmarshals options over the defaults.
func Parse(data []byte) (Options, error) {
	opts := Defaults()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("parse options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Load reads and parses an options file.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options file: %w", err)
	}
	return Parse(data)
}

// Validate checks value ranges and enum fields.
func (o Options) Validate() error {
	if o.Retry.MaxItemRetries < 0 {
		return fmt.Errorf("retry.max_item_retries must not be negative")
	}
	if o.Retry.BaseDelay < 0 || o.Retry.MaxBackoff < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if _, err := parseOverflow(o.Retry.OverflowPolicy); err != nil {
		return fmt.Errorf("retry.materialization_overflow_policy: %w", err)
	}
	if _, err := parseOverflow(o.Lineage.OverflowPolicy); err != nil {
		return fmt.Errorf("lineage.overflow_policy: %w", err)
	}
	if o.Breaker.RateThreshold < 0 || o.Breaker.RateThreshold > 1 {
		return fmt.Errorf("circuit_breaker.rate_threshold must be in [0, 1]")
	}
	switch o.ValidationMode {
	case "", "strict", "warn":
	default:
		return fmt.Errorf("validation_mode must be strict or warn, got %q", o.ValidationMode)
	}
	return nil
}

func parseOverflow(s string) (lineage.OverflowPolicy, error) {
	switch s {
	case "", "strict":
		return lineage.Strict, nil
	case "warn_continue":
		return lineage.WarnContinue, nil
	default:
		return lineage.Strict, fmt.Errorf("must be strict or warn_continue, got %q", s)
	}
}

// Apply copies the options onto a builder's pipeline config and returns the
// validation mode for the builder.
func (o Options) Apply(cfg *graph.PipelineConfig) (graph.ValidationMode, error) {
	if err := o.Validate(); err != nil {
		return graph.ValidateStrict, err
	}
	retryOverflow, _ := parseOverflow(o.Retry.OverflowPolicy)
	lineageOverflow, _ := parseOverflow(o.Lineage.OverflowPolicy)

	cfg.DefaultRetry = graph.RetryOptions{
		MaxItemRetries:         o.Retry.MaxItemRetries,
		BaseDelay:              o.Retry.BaseDelay,
		MaxBackoff:             o.Retry.MaxBackoff,
		MaxNodeRestartAttempts: o.Retry.MaxNodeRestartAttempts,
		MaxMaterializedItems:   o.Retry.MaxMaterializedItems,
		OverflowPolicy:         retryOverflow,
	}
	cfg.BreakerEnabled = o.Breaker.Enabled
	cfg.Breaker = breaker.Options{
		FailureThreshold: o.Breaker.FailureThreshold,
		RateThreshold:    o.Breaker.RateThreshold,
		MinSample:        o.Breaker.MinSample,
		OpenTimeout:      o.Breaker.OpenTimeout,
		RollingWindow:    o.Breaker.RollingWindow,
	}
	cfg.BreakerMemory = breaker.MemoryOptions{
		MaxTracked:       o.BreakerMemory.MaxTrackedBreakers,
		AutomaticCleanup: o.BreakerMemory.EnableAutomaticCleanup,
	}
	cfg.Lineage = lineage.Options{
		Enabled:         o.Lineage.ItemLevelEnabled,
		SampleEvery:     o.Lineage.SampleEvery,
		MaxHopsPerItem:  o.Lineage.MaxHopsPerItem,
		MaxContributors: o.Lineage.MaxContributors,
		Overflow:        lineageOverflow,
		RedactData:      o.Lineage.RedactData,
	}
	cfg.PipeCapacity = o.PipeCapacity

	if o.ValidationMode == "warn" {
		return graph.ValidateWarn, nil
	}
	return graph.ValidateStrict, nil
}
