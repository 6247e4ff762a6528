package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/stage"
	"github.com/roach88/seqcommit/internal/window"
)

// Config is the file-level configuration. Durations are milliseconds.
type Config struct {
	Appender AppenderConfig `json:"appender" yaml:"appender"`
	Window   WindowConfig   `json:"window" yaml:"window"`
	Stage    StageConfig    `json:"stage" yaml:"stage"`
}

// AppenderConfig mirrors ordered.Config.
type AppenderConfig struct {
	MaxPendingEnvelopes   int     `json:"max_pending_envelopes" yaml:"max_pending_envelopes"`
	MaxPendingBytes       int64   `json:"max_pending_bytes" yaml:"max_pending_bytes"`
	CommitLagHardLimit    int64   `json:"commit_lag_hard_limit" yaml:"commit_lag_hard_limit"`
	ResumeHysteresisRatio float64 `json:"resume_hysteresis_ratio" yaml:"resume_hysteresis_ratio"`
	LeaseTimeoutMS        int64   `json:"lease_timeout_ms" yaml:"lease_timeout_ms"`
	FlushTimeoutMS        int64   `json:"flush_timeout_ms" yaml:"flush_timeout_ms"`
	StallTimeoutMS        int64   `json:"stall_timeout_ms" yaml:"stall_timeout_ms"`
	EmergencyFactor       float64 `json:"emergency_factor" yaml:"emergency_factor"`
}

// WindowConfig mirrors window.Config.
type WindowConfig struct {
	TargetWindowCost   int64   `json:"target_window_cost" yaml:"target_window_cost"`
	MaxWindowCost      int64   `json:"max_window_cost" yaml:"max_window_cost"`
	MaxWindowBytes     int64   `json:"max_window_bytes" yaml:"max_window_bytes"`
	MaxInFlightSeqSpan int64   `json:"max_in_flight_seq_span" yaml:"max_in_flight_seq_span"`
	MinWindowEntries   int     `json:"min_window_entries" yaml:"min_window_entries"`
	MaxWindowEntries   int     `json:"max_window_entries" yaml:"max_window_entries"`
	MaxActiveWindows   int     `json:"max_active_windows" yaml:"max_active_windows"`
	ShrinkFactor       float64 `json:"shrink_factor" yaml:"shrink_factor"`
	GrowFactor         float64 `json:"grow_factor" yaml:"grow_factor"`
	CommitLagSoft      int64   `json:"commit_lag_soft" yaml:"commit_lag_soft"`
	BufferedBytesSoft  int64   `json:"buffered_bytes_soft" yaml:"buffered_bytes_soft"`
	LowUtilization     float64 `json:"low_utilization" yaml:"low_utilization"`
}

// StageConfig holds the stage loop's scheduling settings.
type StageConfig struct {
	Concurrency         int   `json:"concurrency" yaml:"concurrency"`
	MaxAttempts         int   `json:"max_attempts" yaml:"max_attempts"`
	RetryDelayMS        int64 `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	BypassWindow        int64 `json:"bypass_window" yaml:"bypass_window"`
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
}

// WithDefaults returns c with every zero setting replaced by its effective
// default. Window defaults scale with stage concurrency.
func (c Config) WithDefaults() Config {
	if c.Stage.Concurrency <= 0 {
		c.Stage.Concurrency = stage.DefaultConcurrency
	}
	if c.Stage.MaxAttempts <= 0 {
		c.Stage.MaxAttempts = stage.DefaultMaxAttempts
	}
	if c.Stage.BypassWindow <= 0 {
		c.Stage.BypassWindow = int64(c.Stage.Concurrency)
	}
	if c.Stage.HeartbeatIntervalMS <= 0 && c.Appender.LeaseTimeoutMS > 0 {
		c.Stage.HeartbeatIntervalMS = max(1, c.Appender.LeaseTimeoutMS/3)
	}
	if c.Appender.ResumeHysteresisRatio == 0 {
		c.Appender.ResumeHysteresisRatio = ordered.DefaultResumeHysteresisRatio
	}
	if c.Appender.EmergencyFactor == 0 && c.Appender.StallTimeoutMS > 0 {
		c.Appender.EmergencyFactor = ordered.DefaultEmergencyFactor
	}
	c.Window = fromWindow(c.ToWindow().WithDefaults(c.Stage.Concurrency))
	return c
}

// Validate checks c against the schema and the component configs.
func (c Config) Validate() error {
	var problems []error
	if err := validateSchema(c); err != nil {
		problems = append(problems, err)
	}
	if err := c.ToStageOptions().Validate(); err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(problems...))
	}
	return nil
}

// ToAppender converts to ordered.Config.
func (c Config) ToAppender() ordered.Config {
	return ordered.Config{
		MaxPendingEnvelopes:   c.Appender.MaxPendingEnvelopes,
		MaxPendingBytes:       c.Appender.MaxPendingBytes,
		CommitLagHardLimit:    c.Appender.CommitLagHardLimit,
		ResumeHysteresisRatio: c.Appender.ResumeHysteresisRatio,
		LeaseTimeout:          millis(c.Appender.LeaseTimeoutMS),
		FlushTimeout:          millis(c.Appender.FlushTimeoutMS),
		StallTimeout:          millis(c.Appender.StallTimeoutMS),
		EmergencyFactor:       c.Appender.EmergencyFactor,
	}
}

// ToWindow converts to window.Config.
func (c Config) ToWindow() window.Config {
	w := c.Window
	return window.Config{
		TargetWindowCost:   w.TargetWindowCost,
		MaxWindowCost:      w.MaxWindowCost,
		MaxWindowBytes:     w.MaxWindowBytes,
		MaxInFlightSeqSpan: w.MaxInFlightSeqSpan,
		MinWindowEntries:   w.MinWindowEntries,
		MaxWindowEntries:   w.MaxWindowEntries,
		MaxActiveWindows:   w.MaxActiveWindows,
		ShrinkFactor:       w.ShrinkFactor,
		GrowFactor:         w.GrowFactor,
		CommitLagSoft:      w.CommitLagSoft,
		BufferedBytesSoft:  w.BufferedBytesSoft,
		LowUtilization:     w.LowUtilization,
	}
}

func fromWindow(w window.Config) WindowConfig {
	return WindowConfig{
		TargetWindowCost:   w.TargetWindowCost,
		MaxWindowCost:      w.MaxWindowCost,
		MaxWindowBytes:     w.MaxWindowBytes,
		MaxInFlightSeqSpan: w.MaxInFlightSeqSpan,
		MinWindowEntries:   w.MinWindowEntries,
		MaxWindowEntries:   w.MaxWindowEntries,
		MaxActiveWindows:   w.MaxActiveWindows,
		ShrinkFactor:       w.ShrinkFactor,
		GrowFactor:         w.GrowFactor,
		CommitLagSoft:      w.CommitLagSoft,
		BufferedBytesSoft:  w.BufferedBytesSoft,
		LowUtilization:     w.LowUtilization,
	}
}

// ToStageOptions converts to stage.Options. Logger, metrics, sink and
// clocks are left for the caller.
func (c Config) ToStageOptions() stage.Options {
	return stage.Options{
		Concurrency:       c.Stage.Concurrency,
		MaxAttempts:       c.Stage.MaxAttempts,
		RetryDelay:        millis(c.Stage.RetryDelayMS),
		BypassWindow:      c.Stage.BypassWindow,
		HeartbeatInterval: millis(c.Stage.HeartbeatIntervalMS),
		Appender:          c.ToAppender(),
		Window:            c.ToWindow(),
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
