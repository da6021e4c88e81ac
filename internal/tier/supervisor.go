package tier

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"departure-board/internal/model"
)

type Decision int

const (
	// Retry means a reconnect was scheduled after the returned delay.
	Retry Decision = iota
	// Pending means a retry for the tier is already outstanding.
	Pending
	// Exhausted means the tier used up its attempts and must be demoted.
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Pending:
		return "pending"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type SupervisorConfig struct {
	BaseDelay   time.Duration // first retry delay
	MaxAttempts int           // retries before the tier is exhausted
	CapExponent int           // delay = BaseDelay * 2^min(attempt-1, CapExponent)
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{BaseDelay: 5 * time.Second, MaxAttempts: 3, CapExponent: 2}
}

// Supervisor schedules exponential-backoff reconnects per tier. Retries are
// single-flight: at most one is outstanding for a tier.
type Supervisor struct {
	cfg      SupervisorConfig
	policies map[model.Tier]backoff.BackOff
	attempts map[model.Tier]int
	pending  map[model.Tier]bool
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultSupervisorConfig().BaseDelay
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.CapExponent < 0 {
		cfg.CapExponent = 0
	}
	return &Supervisor{
		cfg:      cfg,
		policies: make(map[model.Tier]backoff.BackOff),
		attempts: make(map[model.Tier]int),
		pending:  make(map[model.Tier]bool),
	}
}

func (s *Supervisor) policy(t model.Tier) backoff.BackOff {
	if p, ok := s.policies[t]; ok {
		return p
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.BaseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(s.cfg.BaseDelay<<uint(s.cfg.CapExponent)),
		backoff.WithMaxElapsedTime(0),
	)
	var p backoff.BackOff = exp
	if s.cfg.MaxAttempts == 0 {
		p = &backoff.StopBackOff{}
	} else {
		p = backoff.WithMaxRetries(exp, uint64(s.cfg.MaxAttempts))
	}
	p.Reset()
	s.policies[t] = p
	return p
}

// Schedule asks for the next reconnect of t.
func (s *Supervisor) Schedule(t model.Tier) (time.Duration, Decision) {
	if s.pending[t] {
		return 0, Pending
	}
	d := s.policy(t).NextBackOff()
	if d == backoff.Stop {
		return 0, Exhausted
	}
	s.attempts[t]++
	s.pending[t] = true
	return d, Retry
}

// Fired clears the outstanding retry once it is executed.
func (s *Supervisor) Fired(t model.Tier) { s.pending[t] = false }

// Cancel drops an outstanding retry, e.g. because the tier connected first.
// The attempt count is kept; only Reset clears it.
func (s *Supervisor) Cancel(t model.Tier) bool {
	was := s.pending[t]
	s.pending[t] = false
	return was
}

// Reset clears attempts after a successful connect.
func (s *Supervisor) Reset(t model.Tier) {
	s.pending[t] = false
	s.attempts[t] = 0
	if p, ok := s.policies[t]; ok {
		p.Reset()
	}
}

func (s *Supervisor) Attempts(t model.Tier) int   { return s.attempts[t] }
func (s *Supervisor) IsPending(t model.Tier) bool { return s.pending[t] }
