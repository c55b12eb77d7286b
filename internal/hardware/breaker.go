package hardware

import (
	"sync"
	"time"

	"github.com/rendis/labflow/pkg/schema"
)

// BreakerState is the state of a family's connect breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // connects allowed
	BreakerOpen                         // failing fast
	BreakerHalfOpen                     // one probe allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures connect breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed connects that
	// opens the breaker. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects connects.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the manager's default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// breakerSet holds one connect breaker per family.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[schema.Family]*breaker
	config   BreakerConfig
	now      func() time.Time
}

func newBreakerSet(config BreakerConfig) *breakerSet {
	return &breakerSet{
		breakers: make(map[schema.Family]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// allow reports whether a connect for family may proceed.
func (s *breakerSet) allow(family schema.Family) error {
	if s.config.FailureThreshold <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(family)
	switch b.state {
	case BreakerOpen:
		elapsed := s.now().Sub(b.lastFailure)
		if elapsed < s.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s connect breaker open after %d consecutive failures", family, b.failures).
				WithDetails(map[string]any{
					"family":               string(family),
					"consecutive_failures": b.failures,
					"cooldown_remaining":   (s.config.Cooldown - elapsed).String(),
				})
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s connect breaker half-open: probe in flight", family)
		}
		b.probing = true
	}
	return nil
}

func (s *breakerSet) success(family schema.Family) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(family)
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

func (s *breakerSet) failure(family schema.Family) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(family)
	b.failures++
	b.lastFailure = s.now()
	b.probing = false

	if b.state == BreakerHalfOpen ||
		(s.config.FailureThreshold > 0 && b.failures >= s.config.FailureThreshold) {
		b.state = BreakerOpen
	}
	return b.state
}

func (s *breakerSet) stats(family schema.Family) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(family)
	return map[string]any{
		"state":                b.state.String(),
		"consecutive_failures": b.failures,
	}
}

func (s *breakerSet) get(family schema.Family) *breaker {
	b, ok := s.breakers[family]
	if !ok {
		b = &breaker{}
		s.breakers[family] = b
	}
	return b
}
