package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

type Settings struct {
	Name          string
	Timeout       time.Duration
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from State, to State)
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Counts holds the outcomes observed by a breaker. Requests and totals are
// per state; consecutive counters survive state changes and are only
// zeroed by an opposite outcome or Reset.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	c.Requests = 0
	c.TotalSuccesses = 0
	c.TotalFailures = 0
}

// Snapshot is a consistent view of a breaker.
type Snapshot struct {
	State  State
	Counts Counts
	// OpenedAt is when the breaker last tripped; zero while it never has
	// or after Reset.
	OpenedAt time.Time
	// Expiry is when an open breaker becomes half-open.
	Expiry time.Time
}

// CircuitBreaker trips after ReadyToTrip approves the counts, stays open for
// Timeout and then lets the next outcome decide between closed and open.
// Outcomes are fed through Record.
type CircuitBreaker struct {
	name          string
	timeout       time.Duration
	readyToTrip   func(counts Counts) bool
	onStateChange func(name string, from State, to State)
	now           func() time.Time

	mutex    sync.Mutex
	state    State
	counts   Counts
	expiry   time.Time
	openedAt time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          st.Name,
		timeout:       st.Timeout,
		readyToTrip:   st.ReadyToTrip,
		onStateChange: st.OnStateChange,
		now:           st.Now,
	}

	if cb.name == "" {
		cb.name = "CircuitBreaker"
	}

	if cb.timeout <= 0 {
		cb.timeout = 60 * time.Second
	}

	if cb.readyToTrip == nil {
		cb.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}

	if cb.now == nil {
		cb.now = time.Now
	}

	return cb
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.currentState(cb.now())
}

// Snapshot returns state, counts and timestamps under a single lock.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.currentState(cb.now())
	s := Snapshot{State: state, Counts: cb.counts, OpenedAt: cb.openedAt}
	if state == StateOpen {
		s.Expiry = cb.expiry
	}
	return s
}

// Record feeds an outcome, such as a health probe or a query run by the
// caller. While open, outcomes are counted but the breaker stays open until
// its timeout.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state := cb.currentState(now)
	cb.counts.onRequest()
	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// Reset closes the breaker and zeroes all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	cb.setState(StateClosed, now)
	cb.counts = Counts{}
	cb.openedAt = time.Time{}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()

	switch state {
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	case StateClosed:
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.expiry) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.counts.clear()
	cb.expiry = time.Time{}
	if state == StateOpen {
		cb.openedAt = now
		cb.expiry = now.Add(cb.timeout)
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}
