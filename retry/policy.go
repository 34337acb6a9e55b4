package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

type Classification int

const (
	Transient Classification = iota + 1
	Permanent
)

func (c Classification) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ParseClassification accepts the values produced by String.
func ParseClassification(value string) (Classification, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "transient":
		return Transient, nil
	case "permanent":
		return Permanent, nil
	default:
		return 0, fmt.Errorf("retry: unknown classification %q", value)
	}
}

// Decision is either Retry after a delay or GiveUp.
type Decision struct {
	Retry bool
	After time.Duration
}

func RetryAfter(delay time.Duration) Decision {
	if delay < 0 {
		delay = 0
	}
	return Decision{Retry: true, After: delay}
}

func GiveUp() Decision {
	return Decision{}
}

func (d Decision) String() string {
	if !d.Retry {
		return "give_up"
	}
	return "retry_after(" + d.After.String() + ")"
}

const (
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = 0.2
	DefaultMaxAttempts = 5
)

// Policy is an exponential backoff with a delay cap, symmetric jitter and
// an attempt budget. Attempt numbers are 0-based: attempts 0..MaxAttempts-1
// may retry, attempt MaxAttempts and beyond always give up.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int
	// Random returns a value in [0, 1). Nil uses math/rand/v2.
	Random func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base delay must be positive")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry: max delay must be >= base delay")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry: jitter must be in [0, 1)")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry: max attempts must be >= 0")
	}
	return nil
}

// Delay returns the un-jittered backoff for a 0-based attempt. It never
// decreases as attempt grows and never exceeds MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	scaled := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(scaled, 0) || math.IsNaN(scaled) || scaled >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(scaled)
}

// Decide maps an attempt and classification to a Decision.
func (p Policy) Decide(attempt int, class Classification) Decision {
	return p.DecideWithHint(attempt, class, 0)
}

// DecideWithHint is Decide with a server supplied minimum wait, such as a
// Retry-After header. The hint raises the delay but stays under MaxDelay.
func (p Policy) DecideWithHint(attempt int, class Classification, hint time.Duration) Decision {
	if class == Permanent {
		return GiveUp()
	}
	p = p.normalized()
	if attempt >= p.MaxAttempts {
		return GiveUp()
	}
	delay := p.jitter(p.Delay(attempt))
	if hint > delay {
		delay = hint
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return RetryAfter(delay)
}

func (p Policy) jitter(delay time.Duration) time.Duration {
	if p.Jitter <= 0 || delay <= 0 {
		return delay
	}
	random := p.Random
	if random == nil {
		random = rand.Float64
	}
	factor := 1 + p.Jitter*(2*random()-1)
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		return 0
	}
	if jittered > p.MaxDelay {
		return p.MaxDelay
	}
	return jittered
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 1 {
		p.Jitter = defaults.Jitter
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}
