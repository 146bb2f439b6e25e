package confirmation

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid poll policy")

// IntervalFunc returns the wait before the next status poll, given the
// number of polls already made.
type IntervalFunc func(attemptsMade int) time.Duration

// FixedInterval waits d between every poll.
func FixedInterval(d time.Duration) IntervalFunc {
	return func(int) time.Duration { return d }
}

// ExponentialInterval waits base, 2*base, 4*base, ... capped at ceiling.
func ExponentialInterval(base, ceiling time.Duration) IntervalFunc {
	return func(attemptsMade int) time.Duration {
		d := base
		for i := 0; i < attemptsMade; i++ {
			// Doubling past half the ceiling would overshoot it or overflow.
			if d > ceiling/2 {
				return ceiling
			}
			d *= 2
		}
		return min(d, ceiling)
	}
}

// PollPolicy bounds the confirmation loop of one attempt.
type PollPolicy struct {
	Interval    IntervalFunc
	MaxAttempts int
	// MaxWallClock, when positive, times the attempt out once this much time
	// has passed since it was created, even if polls remain.
	MaxWallClock time.Duration
	// LateCallbackWindow, when positive, keeps a TIMED_OUT attempt open to
	// provider callbacks for this long. Zero makes TIMED_OUT final.
	LateCallbackWindow time.Duration
}

func (p PollPolicy) validate() error {
	if p.Interval == nil {
		return fmt.Errorf("%w: interval is required", ErrInvalidPolicy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.MaxWallClock < 0 || p.LateCallbackWindow < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Backoff strategies recognised by PollConfig.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// PollConfig is the environment form of PollPolicy.
type PollConfig struct {
	Interval           time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
	MaxInterval        time.Duration `envconfig:"POLL_MAX_INTERVAL" default:"30s"`
	Backoff            string        `envconfig:"POLL_BACKOFF" default:"fixed"`
	MaxAttempts        int           `envconfig:"POLL_MAX_ATTEMPTS" default:"12"`
	MaxWallClock       time.Duration `envconfig:"POLL_MAX_WALL_CLOCK" default:"3m"`
	LateCallbackWindow time.Duration `envconfig:"LATE_CALLBACK_WINDOW" default:"0s"`
}

// Policy builds a validated PollPolicy from the configuration.
func (c PollConfig) Policy() (PollPolicy, error) {
	var interval IntervalFunc
	switch c.Backoff {
	case BackoffFixed, "":
		interval = FixedInterval(c.Interval)
	case BackoffExponential:
		ceiling := c.MaxInterval
		if ceiling < c.Interval {
			ceiling = c.Interval
		}
		interval = ExponentialInterval(c.Interval, ceiling)
	default:
		return PollPolicy{}, fmt.Errorf("%w: unknown backoff %q", ErrInvalidPolicy, c.Backoff)
	}

	p := PollPolicy{
		Interval:           interval,
		MaxAttempts:        c.MaxAttempts,
		MaxWallClock:       c.MaxWallClock,
		LateCallbackWindow: c.LateCallbackWindow,
	}
	if err := p.validate(); err != nil {
		return PollPolicy{}, err
	}
	return p, nil
}
