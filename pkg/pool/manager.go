// Package pool bounds concurrent database connections per alias, tracks
// pool metrics and resizes pools within configured limits.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/dberrors"
	"github.com/migadu/dbrouter/pkg/metrics"
)

// Metrics is a snapshot of one alias pool.
type Metrics struct {
	Alias           string        `json:"alias"`
	Active          int           `json:"active"`
	Peak            int           `json:"peak"`
	MaxSize         int           `json:"max_size"`
	Floor           int           `json:"floor"`
	Ceiling         int           `json:"ceiling"`
	TotalRequests   int64         `json:"total_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	AvgWaitTime     time.Duration `json:"avg_wait_time"`
	Utilization     float64       `json:"utilization"`
}

// Manager owns one bounded pool per alias. It is the only component that
// resizes pools.
type Manager struct {
	mu             sync.RWMutex
	pools          map[string]*aliasPool
	acquireTimeout time.Duration
	window         time.Duration
	now            func() time.Time
	closed         bool
}

type Option func(*Manager)

// WithClock overrides the time source used for the optimize window.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates pools for aliases over the given connectors.
func NewManager(aliases []config.Alias, connectors map[string]Connector, cfg config.PoolConfig, opts ...Option) (*Manager, error) {
	acquireTimeout, err := cfg.GetAcquireTimeout()
	if err != nil {
		return nil, fmt.Errorf("pool.acquire_timeout: %w", err)
	}
	window, err := cfg.GetOptimizeWindow()
	if err != nil {
		return nil, fmt.Errorf("pool.optimize_window: %w", err)
	}

	m := &Manager{
		pools:          make(map[string]*aliasPool, len(aliases)),
		acquireTimeout: acquireTimeout,
		window:         window,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, a := range aliases {
		conn, ok := connectors[a.Name]
		if !ok {
			return nil, fmt.Errorf("no connector for alias %q", a.Name)
		}
		p, err := newAliasPool(a, conn, m.window, m.now)
		if err != nil {
			return nil, err
		}
		m.pools[a.Name] = p
	}
	return m, nil
}

func (m *Manager) pool(alias string) (*aliasPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, consts.ErrPoolClosed
	}
	p, ok := m.pools[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", consts.ErrUnknownAlias, alias)
	}
	return p, nil
}

// Acquire checks out a connection for alias. It waits for a free slot up to
// the acquire timeout and returns *dberrors.PoolExhaustedError when none
// frees up. Cancelling ctx aborts the wait without leaking a slot.
func (m *Manager) Acquire(ctx context.Context, alias string) (*Conn, error) {
	p, err := m.pool(alias)
	if err != nil {
		return nil, err
	}

	start := m.now()
	waitCtx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	contended := !p.sem.TryAcquire(1)
	if contended {
		if err := p.acquireSlot(ctx, waitCtx, alias, start); err != nil {
			return nil, err
		}
	}

	dc, err := p.connector.Acquire(waitCtx)
	if err != nil {
		p.sem.Release(1)
		p.recordFailedAcquire()
		return nil, err
	}

	waited := m.now().Sub(start)
	metrics.DBPoolAcquireWait.WithLabelValues(alias).Observe(waited.Seconds())
	acquired := p.recordAcquire(waited, contended)

	return &Conn{alias: alias, driver: dc, pool: p, acquired: acquired}, nil
}

// acquireSlot waits for a permit once the fast path found the pool full.
func (p *aliasPool) acquireSlot(ctx, waitCtx context.Context, alias string, start time.Time) error {
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		waited := p.now().Sub(start)
		p.recordExhausted()
		metrics.DBConnectionAcquireTimeout.WithLabelValues(alias).Inc()
		logger.WarnContext(ctx, "Connection pool exhausted", "component", "POOL",
			"alias", alias, "max", p.size(), "waited", waited)
		return &dberrors.PoolExhaustedError{
			Alias:         alias,
			CorrelationID: correlation.IDOrEmpty(ctx),
			MaxSize:       p.size(),
			Waited:        waited,
		}
	}
	return nil
}

// WithConn acquires a connection, runs fn and releases the connection on
// every exit path, including panics.
func (m *Manager) WithConn(ctx context.Context, alias string, fn func(*Conn) error) error {
	conn, err := m.Acquire(ctx, alias)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Status returns the metrics of every pool keyed by alias.
func (m *Manager) Status() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Metrics, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.metrics()
	}
	return out
}

// AliasStatus returns the metrics of one pool.
func (m *Manager) AliasStatus(alias string) (Metrics, error) {
	p, err := m.pool(alias)
	if err != nil {
		return Metrics{}, err
	}
	return p.metrics(), nil
}

// PoolStats implements metrics.PoolStatsProvider.
func (m *Manager) PoolStats() []metrics.PoolStats {
	status := m.Status()
	out := make([]metrics.PoolStats, 0, len(status))
	for _, s := range status {
		out = append(out, metrics.PoolStats{
			Alias:       s.Alias,
			Active:      s.Active,
			Peak:        s.Peak,
			MaxSize:     s.MaxSize,
			Utilization: s.Utilization,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Close closes every connector. Outstanding connections stay valid until
// released; new acquisitions fail with consts.ErrPoolClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*aliasPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.connector.Close()
	}
}

// IsNoRows reports whether err is an empty result rather than a failure.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
