// Package db opens the engine connection pools behind each database alias.
//
// An Endpoint wraps one alias. It satisfies pool.Connector for the pool
// manager and health.Target for the prober. An endpoint that cannot be
// reached is kept and re-dialled with exponential backoff the next time it
// is used, so a replica that is down at startup joins the rotation once it
// comes back.
package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/helpers"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/dberrors"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/pool"
	"github.com/migadu/dbrouter/pkg/retry"
)

// ErrNotConnected is returned while an endpoint waits for its next reconnect attempt.
var ErrNotConnected = errors.New("database not connected")

// Engine is an open engine connection pool.
type Engine interface {
	pool.Connector
	health.Target
}

// DialFunc opens the engine pool of one alias.
type DialFunc func(ctx context.Context) (Engine, error)

// DefaultReconnectBackoff gives 30s, 1m, 2m, 4m, 8m and then every 10m.
var DefaultReconnectBackoff = retry.BackoffConfig{
	InitialInterval: 30 * time.Second,
	MaxInterval:     10 * time.Minute,
	Multiplier:      2.0,
}

// PrimaryStartupBackoff bounds how long Open keeps dialling the primary.
var PrimaryStartupBackoff = func() retry.BackoffConfig {
	cfg := retry.DefaultBackoffConfig()
	cfg.InitialInterval = 500 * time.Millisecond
	cfg.MaxInterval = 5 * time.Second
	cfg.MaxRetries = 4
	return cfg
}()

// Endpoint is the lazily connected engine pool of one alias.
type Endpoint struct {
	alias   config.Alias
	dial    DialFunc
	backoff func(int) time.Duration
	now     func() time.Time

	mu       sync.Mutex
	engine   Engine
	attempts int
	lastDial time.Time
	lastErr  error
	closed   bool
}

type EndpointOption func(*Endpoint)

// WithReconnectBackoff replaces DefaultReconnectBackoff.
func WithReconnectBackoff(cfg retry.BackoffConfig) EndpointOption {
	return func(e *Endpoint) { e.backoff = retry.ExponentialBackoff(cfg) }
}

// WithEndpointClock overrides the time source used for reconnect scheduling.
func WithEndpointClock(now func() time.Time) EndpointOption {
	return func(e *Endpoint) { e.now = now }
}

// NewEndpoint creates an unconnected endpoint.
func NewEndpoint(alias config.Alias, dial DialFunc, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		alias:   alias,
		dial:    dial,
		backoff: retry.ExponentialBackoff(DefaultReconnectBackoff),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Alias returns the alias served by the endpoint.
func (e *Endpoint) Alias() config.Alias {
	return e.alias
}

// Connected reports whether the engine pool is open.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.engine != nil
}

// Connect dials immediately, ignoring the reconnect schedule.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return consts.ErrPoolClosed
	}
	if e.engine != nil {
		return nil
	}
	_, err := e.connectLocked(ctx)
	return err
}

func (e *Endpoint) get(ctx context.Context) (Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, consts.ErrPoolClosed
	}
	if e.engine != nil {
		return e.engine, nil
	}
	if e.attempts > 0 {
		next := e.lastDial.Add(e.backoff(e.attempts))
		if e.now().Before(next) {
			return nil, fmt.Errorf("%w: alias %s, next attempt at %s: %w",
				ErrNotConnected, e.alias.Name, next.Format(time.RFC3339), e.lastErr)
		}
	}
	return e.connectLocked(ctx)
}

func (e *Endpoint) connectLocked(ctx context.Context) (Engine, error) {
	e.lastDial = e.now()
	eng, err := e.dial(ctx)
	if err != nil {
		e.attempts++
		e.lastErr = err
		logger.Warn("Database connect failed", "component", "DB", "alias", e.alias.Name,
			"role", e.alias.Role, "dsn", helpers.MaskDSN(e.alias.DSN), "attempt", e.attempts, "error", err)
		return nil, err
	}
	if e.attempts > 0 {
		logger.Info("Reconnected to database", "component", "DB", "alias", e.alias.Name,
			"role", e.alias.Role, "after_attempts", e.attempts)
	}
	e.engine = eng
	e.attempts = 0
	e.lastErr = nil
	return eng, nil
}

// Acquire implements pool.Connector.
func (e *Endpoint) Acquire(ctx context.Context) (pool.DriverConn, error) {
	eng, err := e.get(ctx)
	if err != nil {
		return nil, err
	}
	return eng.Acquire(ctx)
}

// Ping implements health.Target. A disconnected endpoint is re-dialled here
// once its backoff has elapsed.
func (e *Endpoint) Ping(ctx context.Context) error {
	eng, err := e.get(ctx)
	if err != nil {
		return err
	}
	return eng.Ping(ctx)
}

// ReplicationLag implements health.Target.
func (e *Endpoint) ReplicationLag(ctx context.Context) (time.Duration, error) {
	eng, err := e.get(ctx)
	if err != nil {
		return 0, err
	}
	return eng.ReplicationLag(ctx)
}

// Close closes the engine pool. Later calls fail with consts.ErrPoolClosed.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.engine != nil {
		e.engine.Close()
		e.engine = nil
	}
}

// Dialer returns the DialFunc for the alias driver.
func Dialer(alias config.Alias, cfg config.DatabaseConfig) (DialFunc, error) {
	opts, err := newEngineOptions(alias, cfg)
	if err != nil {
		return nil, err
	}
	switch alias.Driver {
	case config.DriverPostgres, "":
		return func(ctx context.Context) (Engine, error) { return dialPostgres(ctx, opts) }, nil
	case config.DriverMySQL:
		return func(ctx context.Context) (Engine, error) { return dialMySQL(ctx, opts) }, nil
	default:
		return nil, fmt.Errorf("alias %q: unsupported driver %q", alias.Name, alias.Driver)
	}
}

// Open creates an endpoint per alias and connects them. The primary is
// dialled with PrimaryStartupBackoff and is an error if it stays
// unreachable; replicas that cannot be reached are kept for reconnection.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...EndpointOption) (map[string]*Endpoint, error) {
	aliases := cfg.ResolveAliases()
	endpoints := make(map[string]*Endpoint, len(aliases))

	closeAll := func() {
		for _, ep := range endpoints {
			ep.Close()
		}
	}

	for _, a := range aliases {
		dial, err := Dialer(a, cfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		ep := NewEndpoint(a, dial, opts...)
		endpoints[a.Name] = ep

		if a.IsPrimary() {
			if err := connectWithRetry(ctx, ep, PrimaryStartupBackoff); err != nil {
				closeAll()
				return nil, fmt.Errorf("failed to connect to primary %q: %w", a.Name, err)
			}
			continue
		}
		if err := ep.Connect(ctx); err != nil {
			logger.Warn("Replica unavailable at startup, will retry in background", "component", "DB",
				"alias", a.Name, "error", err)
		}
	}
	return endpoints, nil
}

// connectWithRetry dials ep until it connects or the backoff is exhausted.
// Rejected credentials end the loop at once.
func connectWithRetry(ctx context.Context, ep *Endpoint, backoff retry.BackoffConfig) error {
	backoff.OperationName = "connect " + ep.alias.Name
	return retry.WithRetryAdvanced(ctx, func() error {
		err := ep.Connect(ctx)
		if err != nil && dberrors.Classify(err) == dberrors.KindAuthFailure {
			return retry.Stop(err)
		}
		return err
	}, backoff)
}

// Connectors adapts endpoints for pool.NewManager.
func Connectors(endpoints map[string]*Endpoint) map[string]pool.Connector {
	out := make(map[string]pool.Connector, len(endpoints))
	for name, ep := range endpoints {
		out[name] = ep
	}
	return out
}

// Targets adapts endpoints for health.NewProber.
func Targets(endpoints map[string]*Endpoint) map[string]health.Target {
	out := make(map[string]health.Target, len(endpoints))
	for name, ep := range endpoints {
		out[name] = ep
	}
	return out
}

// engineOptions are the connection settings shared by both drivers.
type engineOptions struct {
	alias           config.Alias
	maxConns        int
	minConns        int
	maxConnLifetime time.Duration
	maxConnIdleTime time.Duration
	logQueries      bool
}

func newEngineOptions(alias config.Alias, cfg config.DatabaseConfig) (engineOptions, error) {
	lifetime, err := cfg.GetMaxConnLifetime()
	if err != nil {
		return engineOptions{}, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	idle, err := cfg.GetMaxConnIdleTime()
	if err != nil {
		return engineOptions{}, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	// Engine pools are sized to the ceiling; the pool manager bounds checkouts.
	return engineOptions{
		alias:           alias,
		maxConns:        max(alias.PoolCeiling, alias.MaxPoolSize),
		minConns:        alias.MinPoolSize,
		maxConnLifetime: lifetime,
		maxConnIdleTime: idle,
		logQueries:      cfg.LogQueries,
	}, nil
}
