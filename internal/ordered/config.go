package ordered

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultResumeHysteresisRatio is the fraction of each hard limit the buffer
// must fall back under before gated producers resume.
const DefaultResumeHysteresisRatio = 0.7

// Emergency capacity defaults. The emergency envelope limit is
// MaxPendingEnvelopes*EmergencyFactor, capped at maxEmergencyEnvelopes.
const (
	DefaultEmergencyFactor = 4
	minEmergencyFactor     = 1.25
	maxEmergencyEnvelopes  = 4096
)

// Config holds the appender thresholds. Zero limits are disabled.
type Config struct {
	// MaxPendingEnvelopes bounds buffered, uncommitted outcomes.
	MaxPendingEnvelopes int

	// MaxPendingBytes bounds the summed byte size of buffered payloads.
	MaxPendingBytes int64

	// CommitLagHardLimit bounds maxSeenSeq - nextCommitSeq.
	CommitLagHardLimit int64

	// ResumeHysteresisRatio is clamped to [0.1, 0.95]. Default 0.7.
	ResumeHysteresisRatio float64

	// LeaseTimeout is how long an in-flight seq may go without a heartbeat.
	LeaseTimeout time.Duration

	// FlushTimeout bounds each applyResult call. Zero means no timeout.
	FlushTimeout time.Duration

	// StallTimeout enables emergency capacity: once no outcome has been
	// recorded and the cursor has not moved for this long while expected
	// seqs are still unseen, the envelope limit is raised to the emergency
	// limit until the cursor advances. Zero disables it.
	StallTimeout time.Duration

	// EmergencyFactor scales MaxPendingEnvelopes to the emergency limit.
	// Default 4, minimum 1.25.
	EmergencyFactor float64
}

// withDefaults returns c with the hysteresis ratio defaulted and clamped.
func (c Config) withDefaults() Config {
	if c.ResumeHysteresisRatio == 0 {
		c.ResumeHysteresisRatio = DefaultResumeHysteresisRatio
	}
	c.ResumeHysteresisRatio = math.Max(0.1, math.Min(0.95, c.ResumeHysteresisRatio))
	if c.EmergencyFactor == 0 {
		c.EmergencyFactor = DefaultEmergencyFactor
	}
	c.EmergencyFactor = math.Max(minEmergencyFactor, c.EmergencyFactor)
	return c
}

// emergencyLimit is the envelope limit while emergency capacity is active,
// or 0 when emergency capacity is disabled.
func (c Config) emergencyLimit() int {
	if c.StallTimeout <= 0 || c.MaxPendingEnvelopes <= 0 {
		return 0
	}
	scaled := min(maxEmergencyEnvelopes, int(math.Floor(float64(c.MaxPendingEnvelopes)*c.EmergencyFactor)))
	return max(c.MaxPendingEnvelopes+1, scaled)
}

// Validate rejects negative thresholds.
func (c Config) Validate() error {
	var problems []error
	if c.MaxPendingEnvelopes < 0 {
		problems = append(problems, fmt.Errorf("max pending envelopes must be non-negative, got %d", c.MaxPendingEnvelopes))
	}
	if c.MaxPendingBytes < 0 {
		problems = append(problems, fmt.Errorf("max pending bytes must be non-negative, got %d", c.MaxPendingBytes))
	}
	if c.CommitLagHardLimit < 0 {
		problems = append(problems, fmt.Errorf("commit lag hard limit must be non-negative, got %d", c.CommitLagHardLimit))
	}
	if c.ResumeHysteresisRatio < 0 {
		problems = append(problems, fmt.Errorf("resume hysteresis ratio must be non-negative, got %v", c.ResumeHysteresisRatio))
	}
	if c.EmergencyFactor < 0 {
		problems = append(problems, fmt.Errorf("emergency factor must be non-negative, got %v", c.EmergencyFactor))
	}
	if c.LeaseTimeout < 0 || c.FlushTimeout < 0 || c.StallTimeout < 0 {
		problems = append(problems, errors.New("timeouts must be non-negative"))
	}
	return errors.Join(problems...)
}

// scaledLimit returns floor(limit*ratio) for resume checks.
func scaledLimit(limit int64, ratio float64) int64 {
	return int64(math.Floor(float64(limit) * ratio))
}
