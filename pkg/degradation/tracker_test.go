package degradation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	tr, err := NewTracker([]string{"default", "replica_1", "replica_2"},
		config.DegradationConfig{Threshold: 5, Cooldown: "60s"}, opts...)
	require.NoError(t, err)
	return tr, c
}

func TestDegradedOnNthFailure(t *testing.T) {
	tr, _ := newTestTracker(t)

	for i := 1; i < 5; i++ {
		tr.RecordOutcome("replica_1", false)
		assert.False(t, tr.IsDegraded("replica_1"), "failure %d", i)
		st, _ := tr.State("replica_1")
		assert.Equal(t, PhaseDegrading, st.Phase)
		assert.Equal(t, i, st.ConsecutiveFailures)
	}

	tr.RecordOutcome("replica_1", false)
	assert.True(t, tr.IsDegraded("replica_1"))
	assert.False(t, tr.IsDegraded("replica_2"))

	st, ok := tr.State("replica_1")
	require.True(t, ok)
	assert.Equal(t, PhaseDegraded, st.Phase)
	assert.True(t, st.Degraded)
	assert.False(t, st.DegradedSince.IsZero())
}

func TestSuccessResetsCounter(t *testing.T) {
	tr, _ := newTestTracker(t)

	for i := 0; i < 4; i++ {
		tr.RecordOutcome("default", false)
	}
	tr.RecordOutcome("default", true)

	st, _ := tr.State("default")
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, PhaseHealthy, st.Phase)

	for i := 0; i < 4; i++ {
		tr.RecordOutcome("default", false)
	}
	assert.False(t, tr.IsDegraded("default"))
}

func TestCooldownThenHealthyProbe(t *testing.T) {
	var transitions []string
	tr, c := newTestTracker(t, WithChangeHook(func(alias string, from, to Phase) {
		transitions = append(transitions, alias+":"+string(from)+"->"+string(to))
	}))

	for i := 0; i < 5; i++ {
		tr.RecordOutcome("replica_1", false)
	}
	require.True(t, tr.IsDegraded("replica_1"))

	c.Advance(59 * time.Second)
	tr.RecordOutcome("replica_1", true)
	assert.True(t, tr.IsDegraded("replica_1"), "success during cooldown keeps the alias degraded")

	c.Advance(2 * time.Second)
	assert.False(t, tr.IsDegraded("replica_1"))
	st, _ := tr.State("replica_1")
	assert.Equal(t, PhaseRecovering, st.Phase)

	tr.RecordOutcome("replica_1", true)
	st, _ = tr.State("replica_1")
	assert.Equal(t, PhaseHealthy, st.Phase)

	assert.Equal(t, []string{
		"replica_1:healthy->degraded",
		"replica_1:degraded->recovering",
		"replica_1:recovering->healthy",
	}, transitions)
}

func TestRecoveringFailureReopens(t *testing.T) {
	tr, c := newTestTracker(t)
	for i := 0; i < 5; i++ {
		tr.RecordOutcome("default", false)
	}
	c.Advance(61 * time.Second)
	require.False(t, tr.IsDegraded("default"))

	tr.RecordOutcome("default", false)
	assert.True(t, tr.IsDegraded("default"))
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker(t)
	for i := 0; i < 5; i++ {
		tr.RecordOutcome("default", false)
	}
	require.True(t, tr.IsDegraded("default"))

	require.NoError(t, tr.Reset("default"))
	assert.False(t, tr.IsDegraded("default"))
	st, _ := tr.State("default")
	assert.Equal(t, State{Alias: "default", Phase: PhaseHealthy}, st)

	err := tr.Reset("nope")
	assert.True(t, errors.Is(err, consts.ErrUnknownAlias))
}

func TestUnknownAlias(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RecordOutcome("ghost", false)
	assert.False(t, tr.IsDegraded("ghost"))
	_, ok := tr.State("ghost")
	assert.False(t, ok)
	assert.Len(t, tr.Snapshot(), 3)
	assert.Equal(t, []string{"default", "replica_1", "replica_2"}, tr.Aliases())
}

func TestDuplicateAliasRejected(t *testing.T) {
	_, err := NewTracker([]string{"default", "default"}, config.DegradationConfig{})
	assert.Error(t, err)
}

func TestConcurrentOutcomes(t *testing.T) {
	tr, _ := newTestTracker(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.RecordOutcome("replica_2", i%2 == 0)
			_ = tr.IsDegraded("replica_2")
			_ = tr.Snapshot()
		}(i)
	}
	wg.Wait()
}
