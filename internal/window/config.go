package window

import (
	"errors"
	"fmt"
)

// Defaults derived per unit of worker concurrency.
const (
	DefaultTargetCost     = 500
	DefaultMaxCost        = 1000
	DefaultMaxBytes       = 64 << 20
	DefaultMaxSeqSpan     = 256
	DefaultShrinkFactor   = 0.5
	DefaultGrowFactor     = 1.5
	DefaultLowUtilization = 0.5

	// MaxActiveLimit caps how many windows may be active at once: one
	// draining while the next stages.
	MaxActiveLimit = 2
)

// Config bounds window construction. Zero max fields are unbounded.
type Config struct {
	TargetWindowCost   int64
	MaxWindowCost      int64
	MaxWindowBytes     int64
	MaxInFlightSeqSpan int64
	MinWindowEntries   int
	MaxWindowEntries   int
	MaxActiveWindows   int

	// Adaptive target tuning.
	ShrinkFactor      float64 // in (0, 1]
	GrowFactor        float64 // >= 1
	CommitLagSoft     int64
	BufferedBytesSoft int64
	LowUtilization    float64
}

// DefaultConfig returns the defaults for the given worker concurrency.
func DefaultConfig(concurrency int) Config {
	return Config{}.WithDefaults(concurrency)
}

// WithDefaults fills zero fields with values derived from concurrency and
// clamps MaxWindowEntries >= MinWindowEntries and MaxActiveWindows to [1, 2].
func (c Config) WithDefaults(concurrency int) Config {
	conc := int64(max(1, concurrency))

	if c.TargetWindowCost <= 0 {
		c.TargetWindowCost = max(DefaultTargetCost, conc*DefaultTargetCost)
	}
	if c.MaxWindowCost <= 0 {
		c.MaxWindowCost = max(DefaultMaxCost, 2*c.TargetWindowCost)
	}
	if c.MaxWindowBytes <= 0 {
		c.MaxWindowBytes = DefaultMaxBytes
	}
	if c.MaxInFlightSeqSpan <= 0 {
		c.MaxInFlightSeqSpan = max(DefaultMaxSeqSpan, conc*32)
	}
	if c.MinWindowEntries <= 0 {
		c.MinWindowEntries = int(max(1, min(16, conc)))
	}
	if c.MaxWindowEntries <= 0 {
		c.MaxWindowEntries = int(conc * 64)
	}
	c.MaxWindowEntries = max(c.MinWindowEntries, c.MaxWindowEntries)
	if c.MaxActiveWindows <= 0 {
		c.MaxActiveWindows = MaxActiveLimit
	}
	c.MaxActiveWindows = clampActive(c.MaxActiveWindows)

	if c.ShrinkFactor <= 0 {
		c.ShrinkFactor = DefaultShrinkFactor
	}
	if c.GrowFactor <= 0 {
		c.GrowFactor = DefaultGrowFactor
	}
	if c.CommitLagSoft <= 0 {
		c.CommitLagSoft = max(1, c.MaxInFlightSeqSpan/2)
	}
	if c.BufferedBytesSoft <= 0 {
		c.BufferedBytesSoft = c.MaxWindowBytes / 2
	}
	if c.LowUtilization <= 0 {
		c.LowUtilization = DefaultLowUtilization
	}
	return c
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var problems []error
	if c.TargetWindowCost < 0 || c.MaxWindowCost < 0 || c.MaxWindowBytes < 0 || c.MaxInFlightSeqSpan < 0 {
		problems = append(problems, errors.New("window cost, bytes and span limits must be non-negative"))
	}
	if c.MaxWindowCost > 0 && c.TargetWindowCost > c.MaxWindowCost {
		problems = append(problems, fmt.Errorf("target window cost %d exceeds max window cost %d", c.TargetWindowCost, c.MaxWindowCost))
	}
	if c.MinWindowEntries < 0 || c.MaxWindowEntries < 0 {
		problems = append(problems, errors.New("window entry limits must be non-negative"))
	}
	if c.MaxActiveWindows > MaxActiveLimit {
		problems = append(problems, fmt.Errorf("max active windows %d exceeds %d", c.MaxActiveWindows, MaxActiveLimit))
	}
	if c.ShrinkFactor < 0 || c.ShrinkFactor > 1 {
		problems = append(problems, fmt.Errorf("shrink factor %v outside (0, 1]", c.ShrinkFactor))
	}
	if c.GrowFactor != 0 && c.GrowFactor < 1 {
		problems = append(problems, fmt.Errorf("grow factor %v below 1", c.GrowFactor))
	}
	if c.LowUtilization < 0 || c.LowUtilization > 1 {
		problems = append(problems, fmt.Errorf("low utilization %v outside [0, 1]", c.LowUtilization))
	}
	return errors.Join(problems...)
}

func clampActive(n int) int {
	return max(1, min(MaxActiveLimit, n))
}
