// Package degradation tracks per-alias degradation with one circuit breaker
// per database alias.
//
// An alias becomes degraded on its Nth consecutive failure and stays
// degraded for the cooldown. After the cooldown it is recovering: routable
// again, closed by the next success and reopened by the next failure. An
// operator Reset closes it immediately.
package degradation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/circuitbreaker"
	"github.com/migadu/dbrouter/pkg/metrics"
)

type Phase string

const (
	PhaseHealthy    Phase = "healthy"
	PhaseDegrading  Phase = "degrading"
	PhaseDegraded   Phase = "degraded"
	PhaseRecovering Phase = "recovering"
)

// State is the degradation state of one alias.
type State struct {
	Alias               string    `json:"alias"`
	Phase               Phase     `json:"phase"`
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DegradedSince       time.Time `json:"degraded_since,omitempty"`
	RecoversAt          time.Time `json:"recovers_at,omitempty"`
}

// Tracker owns the degradation state of every configured alias. It is the
// only component allowed to change it.
type Tracker struct {
	mu        sync.RWMutex
	breakers  map[string]*circuitbreaker.CircuitBreaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(alias string, from, to Phase)
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithChangeHook is called after every breaker transition.
func WithChangeHook(fn func(alias string, from, to Phase)) Option {
	return func(t *Tracker) { t.onChange = fn }
}

func NewTracker(aliases []string, cfg config.DegradationConfig, opts ...Option) (*Tracker, error) {
	cooldown, err := cfg.GetCooldown()
	if err != nil {
		return nil, fmt.Errorf("degradation.cooldown: %w", err)
	}

	t := &Tracker{
		breakers:  make(map[string]*circuitbreaker.CircuitBreaker, len(aliases)),
		threshold: cfg.GetThreshold(),
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	for _, alias := range aliases {
		if _, dup := t.breakers[alias]; dup {
			return nil, fmt.Errorf("duplicate alias %q", alias)
		}
		t.breakers[alias] = t.newBreaker(alias)
		metrics.DegradationState.WithLabelValues(alias).Set(0)
	}
	return t, nil
}

func (t *Tracker) newBreaker(alias string) *circuitbreaker.CircuitBreaker {
	threshold := uint32(t.threshold)
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:    alias,
		Timeout: t.cooldown,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: t.stateChanged,
		Now:           t.now,
	})
}

func phaseOf(state circuitbreaker.State) Phase {
	switch state {
	case circuitbreaker.StateOpen:
		return PhaseDegraded
	case circuitbreaker.StateHalfOpen:
		return PhaseRecovering
	}
	return PhaseHealthy
}

// stateChanged runs under the breaker lock and must not call back into it.
func (t *Tracker) stateChanged(alias string, from, to circuitbreaker.State) {
	metrics.DegradationState.WithLabelValues(alias).Set(float64(to))
	metrics.DegradationTransitions.WithLabelValues(alias, from.String(), to.String()).Inc()

	switch to {
	case circuitbreaker.StateOpen:
		logger.Warn("Alias degraded", "component", "DEGRADATION", "alias", alias,
			"threshold", t.threshold, "cooldown", t.cooldown)
	case circuitbreaker.StateHalfOpen:
		logger.Info("Alias cooldown elapsed, recovering", "component", "DEGRADATION", "alias", alias)
	case circuitbreaker.StateClosed:
		logger.Info("Alias recovered", "component", "DEGRADATION", "alias", alias)
	}

	if t.onChange != nil {
		t.onChange(alias, phaseOf(from), phaseOf(to))
	}
}

func (t *Tracker) breaker(alias string) (*circuitbreaker.CircuitBreaker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cb, ok := t.breakers[alias]
	return cb, ok
}

// RecordOutcome feeds the result of an operation or probe against alias.
func (t *Tracker) RecordOutcome(alias string, success bool) {
	cb, ok := t.breaker(alias)
	if !ok {
		logger.Warn("Outcome for unknown alias ignored", "component", "DEGRADATION", "alias", alias)
		return
	}
	cb.Record(success)
}

// IsDegraded reports whether alias is excluded from routing. Unknown aliases
// are not degraded.
func (t *Tracker) IsDegraded(alias string) bool {
	cb, ok := t.breaker(alias)
	if !ok {
		return false
	}
	return cb.State() == circuitbreaker.StateOpen
}

// Reset clears the degradation of alias. It is an operator action.
func (t *Tracker) Reset(alias string) error {
	cb, ok := t.breaker(alias)
	if !ok {
		return fmt.Errorf("%w: %s", consts.ErrUnknownAlias, alias)
	}
	cb.Reset()
	metrics.DegradationResets.WithLabelValues(alias).Inc()
	logger.Info("Degradation reset by operator", "component", "DEGRADATION", "alias", alias)
	return nil
}

// State returns the degradation state of alias.
func (t *Tracker) State(alias string) (State, bool) {
	cb, ok := t.breaker(alias)
	if !ok {
		return State{}, false
	}
	return stateFrom(alias, cb.Snapshot()), true
}

func stateFrom(alias string, snap circuitbreaker.Snapshot) State {
	s := State{
		Alias:               alias,
		Phase:               phaseOf(snap.State),
		ConsecutiveFailures: int(snap.Counts.ConsecutiveFailures),
	}
	switch snap.State {
	case circuitbreaker.StateOpen:
		s.Degraded = true
		s.DegradedSince = snap.OpenedAt
		s.RecoversAt = snap.Expiry
	case circuitbreaker.StateClosed:
		if s.ConsecutiveFailures > 0 {
			s.Phase = PhaseDegrading
		}
	}
	return s
}

// Snapshot returns the state of every alias.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]State, len(t.breakers))
	for alias, cb := range t.breakers {
		out[alias] = stateFrom(alias, cb.Snapshot())
	}
	return out
}

// Aliases returns the tracked alias names in sorted order.
func (t *Tracker) Aliases() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.breakers))
	for alias := range t.breakers {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}
