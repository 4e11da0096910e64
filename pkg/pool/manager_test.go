package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/pkg/dberrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriverConn struct {
	execErr  error
	released *atomic.Int32
}

func (c *fakeDriverConn) Exec(context.Context, string, ...any) (int64, error) {
	return 1, c.execErr
}

func (c *fakeDriverConn) QueryRow(context.Context, string, ...any) Row {
	return errRow{c.execErr}
}

func (c *fakeDriverConn) Query(context.Context, string, ...any) (Rows, error) {
	return nil, c.execErr
}

func (c *fakeDriverConn) Release() { c.released.Add(1) }

type fakeConnector struct {
	acquireErr error
	execErr    error
	released   atomic.Int32
	closed     atomic.Bool
}

func (f *fakeConnector) Acquire(ctx context.Context) (DriverConn, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &fakeDriverConn{execErr: f.execErr, released: &f.released}, nil
}

func (f *fakeConnector) Close() { f.closed.Store(true) }

func newTestManager(t *testing.T, a config.Alias, cfg config.PoolConfig, opts ...Option) (*Manager, *fakeConnector) {
	t.Helper()
	fc := &fakeConnector{}
	m, err := NewManager([]config.Alias{a}, map[string]Connector{a.Name: fc}, cfg, opts...)
	require.NoError(t, err)
	return m, fc
}

func TestAcquireRelease(t *testing.T) {
	m, fc := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 2, MinPoolSize: 1, PoolCeiling: 4}, config.PoolConfig{})

	conn, err := m.Acquire(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "default", conn.Alias())

	st, err := m.AliasStatus("default")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 2, st.MaxSize)
	assert.Equal(t, 4, st.Ceiling)
	assert.InDelta(t, 0.5, st.Utilization, 0.001)

	conn.Release()
	conn.Release()
	assert.Equal(t, int32(1), fc.released.Load(), "release is idempotent")

	st, _ = m.AliasStatus("default")
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 1, st.Peak)
	assert.Equal(t, int64(1), st.TotalRequests)
	assert.Zero(t, st.FailedRequests)

	_, err = conn.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, consts.ErrConnReleased)
}

func TestActiveNeverExceedsMax(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 3, PoolCeiling: 3}, config.PoolConfig{AcquireTimeout: "2s"})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		current int
		highest int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithConn(context.Background(), "default", func(*Conn) error {
				mu.Lock()
				current++
				highest = max(highest, current)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, highest, 3)
	st, _ := m.AliasStatus("default")
	assert.Equal(t, 0, st.Active)
	assert.LessOrEqual(t, st.Peak, 3)
	assert.Equal(t, int64(20), st.TotalRequests)
}

func TestAcquireTimeoutReturnsPoolExhausted(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 1, PoolCeiling: 1}, config.PoolConfig{AcquireTimeout: "20ms"})

	held, err := m.Acquire(context.Background(), "default")
	require.NoError(t, err)
	defer held.Release()

	_, err = m.Acquire(context.Background(), "default")
	var pe *dberrors.PoolExhaustedError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "default", pe.Alias)
	assert.Equal(t, 1, pe.MaxSize)
	assert.ErrorIs(t, err, dberrors.ErrPoolExhausted)
	assert.ErrorIs(t, err, dberrors.ErrTransientConnection)

	st, _ := m.AliasStatus("default")
	assert.Equal(t, int64(1), st.FailedRequests)
	assert.Equal(t, 1, st.Active)
}

func TestAcquireCancelDoesNotLeak(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 1, PoolCeiling: 1}, config.PoolConfig{AcquireTimeout: "5s"})

	held, err := m.Acquire(context.Background(), "default")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, "default")
	assert.ErrorIs(t, err, context.Canceled)

	held.Release()

	conn, err := m.Acquire(context.Background(), "default")
	require.NoError(t, err, "the cancelled waiter must not keep a slot")
	conn.Release()
}

func TestDriverAcquireFailureReleasesSlot(t *testing.T) {
	m, fc := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 1, PoolCeiling: 1}, config.PoolConfig{AcquireTimeout: "20ms"})
	fc.acquireErr = errors.New("dial tcp: connection refused")

	_, err := m.Acquire(context.Background(), "default")
	assert.EqualError(t, err, "dial tcp: connection refused")

	fc.acquireErr = nil
	conn, err := m.Acquire(context.Background(), "default")
	require.NoError(t, err)
	conn.Release()

	st, _ := m.AliasStatus("default")
	assert.Equal(t, int64(2), st.TotalRequests)
	assert.Equal(t, int64(1), st.FailedRequests)
}

func TestFailedOperationCountsAsFailedRequest(t *testing.T) {
	m, fc := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 2, PoolCeiling: 2}, config.PoolConfig{})
	fc.execErr = errors.New("syntax error")

	err := m.WithConn(context.Background(), "default", func(c *Conn) error {
		_, err := c.Exec(context.Background(), "SELEC 1")
		return err
	})
	assert.Error(t, err)

	st, _ := m.AliasStatus("default")
	assert.Equal(t, int64(1), st.FailedRequests)
}

func TestWithConnReleasesOnPanic(t *testing.T) {
	m, fc := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 1, PoolCeiling: 1}, config.PoolConfig{})

	assert.Panics(t, func() {
		_ = m.WithConn(context.Background(), "default", func(*Conn) error { panic("boom") })
	})
	assert.Equal(t, int32(1), fc.released.Load())

	st, _ := m.AliasStatus("default")
	assert.Equal(t, 0, st.Active)
}

func TestUnknownAliasAndClosed(t *testing.T) {
	m, fc := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 1, PoolCeiling: 1}, config.PoolConfig{})

	_, err := m.Acquire(context.Background(), "ghost")
	assert.ErrorIs(t, err, consts.ErrUnknownAlias)

	m.Close()
	m.Close()
	assert.True(t, fc.closed.Load())

	_, err = m.Acquire(context.Background(), "default")
	assert.ErrorIs(t, err, consts.ErrPoolClosed)
}

func TestNewManagerRequiresConnector(t *testing.T) {
	_, err := NewManager([]config.Alias{{Name: "default", MaxPoolSize: 1}}, nil, config.PoolConfig{})
	assert.Error(t, err)
}

func TestPoolStatsSorted(t *testing.T) {
	aliases := []config.Alias{
		{Name: "replica_2", MaxPoolSize: 1},
		{Name: "default", MaxPoolSize: 1},
	}
	m, err := NewManager(aliases, map[string]Connector{"replica_2": &fakeConnector{}, "default": &fakeConnector{}}, config.PoolConfig{})
	require.NoError(t, err)

	stats := m.PoolStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "default", stats[0].Alias)
	assert.Equal(t, "replica_2", stats[1].Alias)
}

func holdN(t *testing.T, m *Manager, n int) []*Conn {
	t.Helper()
	conns := make([]*Conn, 0, n)
	for i := 0; i < n; i++ {
		c, err := m.Acquire(context.Background(), "default")
		require.NoError(t, err)
		conns = append(conns, c)
	}
	return conns
}

func releaseAll(conns []*Conn) {
	for _, c := range conns {
		c.Release()
	}
}

func TestOptimizeShrinksIdlePool(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 20, MinPoolSize: 2, PoolCeiling: 40}, config.PoolConfig{})

	releaseAll(holdN(t, m, 3))

	res, err := m.Optimize("default", 0.75)
	require.NoError(t, err)
	assert.Equal(t, 20, res.PreviousSize)
	assert.Equal(t, 3, res.PeakActive)
	assert.Equal(t, 4, res.NewSize)
	assert.Equal(t, "utilization", res.Reason)

	st, _ := m.AliasStatus("default")
	assert.Equal(t, 4, st.MaxSize)
}

func TestOptimizeRespectsFloor(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 10, MinPoolSize: 5, PoolCeiling: 20}, config.PoolConfig{})

	res, err := m.Optimize("default", 0.8)
	require.NoError(t, err)
	assert.Equal(t, 5, res.NewSize)
	assert.Equal(t, "floor", res.Reason)
}

func TestOptimizeGrowsOnSaturationUpToCeiling(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 2, MinPoolSize: 1, PoolCeiling: 3}, config.PoolConfig{AcquireTimeout: "10ms"})

	held := holdN(t, m, 2)
	_, err := m.Acquire(context.Background(), "default")
	require.ErrorIs(t, err, dberrors.ErrPoolExhausted)
	releaseAll(held)

	res, err := m.Optimize("default", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saturations)
	assert.Equal(t, 3, res.NewSize)
	assert.Equal(t, "ceiling", res.Reason)

	conns := holdN(t, m, 3)
	releaseAll(conns)
}

func TestOptimizeNeverBelowActive(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 10, MinPoolSize: 1, PoolCeiling: 10}, config.PoolConfig{OptimizeWindow: "1ms"})
	now := time.Now()
	m.now = func() time.Time { return now }
	m.pools["default"].now = m.now

	held := holdN(t, m, 6)
	defer releaseAll(held)

	res, err := m.Optimize("default", 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.NewSize, 6)

	st, _ := m.AliasStatus("default")
	assert.LessOrEqual(t, st.Active, st.MaxSize)
}

func TestOptimizeIgnoresSamplesOutsideWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 10, MinPoolSize: 1, PoolCeiling: 10},
		config.PoolConfig{OptimizeWindow: "5m"}, WithClock(clock))

	releaseAll(holdN(t, m, 8))

	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()

	releaseAll(holdN(t, m, 1))

	res, err := m.Optimize("default", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PeakActive)
	assert.Equal(t, 2, res.NewSize)
}

func TestOptimizeRejectsBadTarget(t *testing.T) {
	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 1}, config.PoolConfig{})

	_, err := m.Optimize("default", 0)
	assert.ErrorIs(t, err, consts.ErrInvalidArgument)
	_, err = m.Optimize("default", 1.5)
	assert.ErrorIs(t, err, consts.ErrInvalidArgument)
	_, err = m.Optimize("ghost", 0.5)
	assert.ErrorIs(t, err, consts.ErrUnknownAlias)
}

func TestWindowStorageIsBounded(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	m, _ := newTestManager(t, config.Alias{Name: "default", MaxPoolSize: 4, MinPoolSize: 1, PoolCeiling: 8},
		config.PoolConfig{OptimizeWindow: "5m"}, WithClock(clock))
	p := m.pools["default"]

	const cycles = 200000
	for i := 0; i < cycles; i++ {
		c, err := m.Acquire(context.Background(), "default")
		require.NoError(t, err)
		c.Release()
		advance(time.Millisecond)
	}

	p.mu.Lock()
	assert.Len(t, p.buckets, windowBuckets)
	assert.Equal(t, windowBuckets, cap(p.buckets))
	ws := p.stats(clock(), 5*time.Minute)
	p.mu.Unlock()
	assert.Equal(t, cycles, ws.acquired)
	assert.Equal(t, 1, ws.peak)

	advance(10 * time.Minute)
	releaseAll(holdN(t, m, 2))

	p.mu.Lock()
	ws = p.stats(clock(), 5*time.Minute)
	p.mu.Unlock()
	assert.Equal(t, 2, ws.acquired)
	assert.Equal(t, 2, ws.peak)
}
