package stage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/seqcommit/internal/ordered"
	"github.com/roach88/seqcommit/internal/window"
)

// Defaults for zero Options fields.
const (
	DefaultConcurrency = 4
	DefaultMaxAttempts = 2
)

// Options configures Run.
type Options struct {
	// Concurrency bounds worker goroutines. Default 4.
	Concurrency int

	// MaxAttempts bounds attempts per seq, first attempt included. Default 2.
	MaxAttempts int

	// RetryDelay is the wait before a failed seq is re-dispatched.
	RetryDelay time.Duration

	// BypassWindow admits seqs within this distance of the commit cursor
	// even while the capacity gate is closed. Default Concurrency.
	BypassWindow int64

	// HeartbeatInterval is how often workers renew their lease. Defaults to
	// a third of the lease timeout; unused when leases are disabled.
	HeartbeatInterval time.Duration

	// ReclaimInterval is how often expired leases are swept. Defaults to
	// half the lease timeout; unused when leases are disabled.
	ReclaimInterval time.Duration

	Appender ordered.Config
	Window   window.Config

	// RunID names the run in logs. Generated when empty.
	RunID string

	Logger  *slog.Logger
	Metrics *Metrics
	Sink    ordered.JournalSink

	// IDs generates run and lease owner ids. Default UUIDv7Generator.
	IDs IDGenerator

	// Now is the lease clock. Default time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BypassWindow <= 0 {
		o.BypassWindow = int64(o.Concurrency)
	}
	if lease := o.Appender.LeaseTimeout; lease > 0 {
		if o.HeartbeatInterval <= 0 {
			o.HeartbeatInterval = max(time.Millisecond, lease/3)
		}
		if o.ReclaimInterval <= 0 {
			o.ReclaimInterval = max(time.Millisecond, lease/2)
		}
	}
	o.Window = o.Window.WithDefaults(o.Concurrency)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.IDs == nil {
		o.IDs = UUIDv7Generator{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.RunID == "" {
		o.RunID = o.IDs.Generate()
	}
	return o
}

// Validate reports invalid settings. Zero values are valid and defaulted.
func (o Options) Validate() error {
	var problems []error
	if o.RetryDelay < 0 {
		problems = append(problems, fmt.Errorf("retry delay must be non-negative, got %s", o.RetryDelay))
	}
	if o.Concurrency < 0 || o.MaxAttempts < 0 || o.BypassWindow < 0 {
		problems = append(problems, errors.New("concurrency, max attempts and bypass window must be non-negative"))
	}
	if err := o.Appender.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("appender: %w", err))
	}
	if err := o.Window.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("window: %w", err))
	}
	return errors.Join(problems...)
}
