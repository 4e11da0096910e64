package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrLagUnsupported is returned by Target.ReplicationLag when the engine or
// the server configuration cannot report lag.
var ErrLagUnsupported = errors.New("replication lag not available")

// Target is a database endpoint the prober can check.
type Target interface {
	// Ping runs a trivial query.
	Ping(ctx context.Context) error
	// ReplicationLag reports how far a replica is behind its primary.
	ReplicationLag(ctx context.Context) (time.Duration, error)
}

// OutcomeRecorder receives every probe result. The degradation tracker
// implements it.
type OutcomeRecorder interface {
	RecordOutcome(alias string, success bool)
}

// Status is a point-in-time health snapshot of one alias.
type Status struct {
	Alias          string        `json:"alias"`
	Role           config.Role   `json:"role"`
	Healthy        bool          `json:"healthy"`
	ReplicationLag time.Duration `json:"replication_lag"`
	LagKnown       bool          `json:"lag_known"`
	Latency        time.Duration `json:"latency"`
	LastCheck      time.Time     `json:"last_check"`
	LastError      string        `json:"last_error,omitempty"`
	CheckCount     int           `json:"check_count"`
	FailCount      int           `json:"fail_count"`
}

// Prober periodically checks every alias and caches the results.
type Prober struct {
	aliases    []config.Alias
	targets    map[string]Target
	recorder   OutcomeRecorder
	interval   time.Duration
	timeout    time.Duration
	ttl        time.Duration
	requireLag bool
	now        func() time.Time

	mu       sync.RWMutex
	statuses map[string]Status

	group  singleflight.Group
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Prober)

// WithClock overrides the time source used for LastCheck and freshness.
func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

// NewProber creates a prober for aliases. Every alias must have a target.
// recorder may be nil.
func NewProber(aliases []config.Alias, targets map[string]Target, recorder OutcomeRecorder, cfg config.ProbeConfig, opts ...Option) (*Prober, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("probe.interval: %w", err)
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("probe.timeout: %w", err)
	}
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("probe.cache_ttl: %w", err)
	}

	p := &Prober{
		aliases:    aliases,
		targets:    targets,
		recorder:   recorder,
		interval:   interval,
		timeout:    timeout,
		ttl:        ttl,
		requireLag: cfg.RequireLag,
		now:        time.Now,
		statuses:   make(map[string]Status, len(aliases)),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, a := range aliases {
		if _, ok := targets[a.Name]; !ok {
			return nil, fmt.Errorf("no probe target for alias %q", a.Name)
		}
		// Aliases are assumed healthy until the first probe says otherwise.
		p.statuses[a.Name] = Status{Alias: a.Name, Role: a.Role, Healthy: true}
	}
	return p, nil
}

// Start probes every alias immediately and then on every interval until ctx
// is done or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	p.probeAll(ctx)

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		logger.Info("Health prober started", "component", "HEALTH",
			"aliases", len(p.aliases), "interval", p.interval)

		for {
			select {
			case <-ctx.Done():
				logger.Info("Health prober stopped", "component", "HEALTH")
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Prober) probeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range p.aliases {
		g.Go(func() error {
			_, _ = p.probeShared(gctx, a.Name)
			return nil
		})
	}
	_ = g.Wait()
}

// ProbeNow probes alias on demand. Concurrent callers for the same alias,
// including the periodic cycle, share a single probe. If ctx ends first the
// caller gets ctx.Err() while the probe completes under its own timeout.
func (p *Prober) ProbeNow(ctx context.Context, alias string) (Status, error) {
	if _, ok := p.targets[alias]; !ok {
		return Status{}, fmt.Errorf("%w: %s", consts.ErrUnknownAlias, alias)
	}
	return p.probeShared(ctx, alias)
}

// probeShared runs one probe per alias at a time. The probe itself is
// bounded only by the probe timeout, so a caller giving up is never recorded
// as a database failure.
func (p *Prober) probeShared(ctx context.Context, alias string) (Status, error) {
	ch := p.group.DoChan(alias, func() (any, error) {
		return p.Probe(context.WithoutCancel(ctx), alias), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Status), nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Probe checks alias once, updates the cache and reports the outcome to the
// recorder. It never fails: errors and panics mark the alias unhealthy.
// If ctx ends before the database answers, nothing is recorded and the
// cached status is returned unchanged.
func (p *Prober) Probe(ctx context.Context, alias string) (st Status) {
	target, ok := p.targets[alias]
	if !ok {
		return Status{Alias: alias, LastError: "unknown alias"}
	}

	p.mu.RLock()
	prev := p.statuses[alias]
	p.mu.RUnlock()

	st = Status{
		Alias:      alias,
		Role:       prev.Role,
		CheckCount: prev.CheckCount + 1,
		FailCount:  prev.FailCount,
	}

	start := time.Now()
	aborted := false
	defer func() {
		if aborted {
			logger.Debug("Probe abandoned by caller", "component", "HEALTH", "alias", alias, "error", ctx.Err())
			st = prev
			return
		}
		if r := recover(); r != nil {
			logger.Error("Panic during probe", "component", "HEALTH", "alias", alias, "panic", r)
			st.Healthy = false
			st.LastError = fmt.Sprintf("panic: %v", r)
		}
		st.Latency = time.Since(start)
		st.LastCheck = p.now()
		if !st.Healthy {
			st.FailCount++
		}
		p.store(prev, st)
	}()

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := target.Ping(probeCtx); err != nil {
		if ctx.Err() != nil {
			aborted = true
			return st
		}
		st.LastError = err.Error()
		return st
	}
	st.Healthy = true

	if st.Role != config.RoleReplica {
		return st
	}

	lag, err := target.ReplicationLag(probeCtx)
	switch {
	case err != nil && ctx.Err() != nil:
		aborted = true
	case err == nil:
		st.ReplicationLag = lag
		st.LagKnown = true
	case p.requireLag:
		st.Healthy = false
		st.LastError = fmt.Sprintf("replication lag required: %v", err)
	case !errors.Is(err, ErrLagUnsupported):
		logger.Warn("Replication lag query failed", "component", "HEALTH", "alias", alias, "error", err)
	}
	return st
}

func (p *Prober) store(prev, st Status) {
	p.mu.Lock()
	p.statuses[st.Alias] = st
	p.mu.Unlock()

	result := "unhealthy"
	healthy := 0.0
	if st.Healthy {
		result = "healthy"
		healthy = 1
	}
	metrics.ProbesTotal.WithLabelValues(st.Alias, result).Inc()
	metrics.ProbeDuration.WithLabelValues(st.Alias).Observe(st.Latency.Seconds())
	metrics.AliasHealthy.WithLabelValues(st.Alias, string(st.Role)).Set(healthy)
	if st.LagKnown {
		metrics.ReplicationLag.WithLabelValues(st.Alias).Set(st.ReplicationLag.Seconds())
	}

	if p.recorder != nil {
		p.recorder.RecordOutcome(st.Alias, st.Healthy)
	}

	switch {
	case prev.CheckCount == 0:
		logger.Info("Alias health initialized", "component", "HEALTH", "alias", st.Alias,
			"healthy", st.Healthy, "latency", st.Latency, "error", st.LastError)
	case prev.Healthy != st.Healthy:
		logger.Warn("Alias health changed", "component", "HEALTH", "alias", st.Alias,
			"healthy", st.Healthy, "error", st.LastError)
	}
}

// Status returns the cached status of alias.
func (p *Prober) Status(alias string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.statuses[alias]
	return st, ok
}

// Health returns the cached status of alias and whether it may be trusted
// for routing: it is either within the TTL or has never been probed.
func (p *Prober) Health(alias string) (Status, bool) {
	st, ok := p.Status(alias)
	if !ok {
		return st, false
	}
	return st, p.fresh(st)
}

// Fresh reports whether the cached status of alias is within the TTL.
func (p *Prober) Fresh(alias string) bool {
	st, ok := p.Status(alias)
	return ok && !st.LastCheck.IsZero() && p.fresh(st)
}

func (p *Prober) fresh(st Status) bool {
	if st.LastCheck.IsZero() {
		return true
	}
	return p.now().Sub(st.LastCheck) <= p.ttl
}

// Snapshot returns the cached status of every alias.
func (p *Prober) Snapshot() map[string]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Status, len(p.statuses))
	for alias, st := range p.statuses {
		out[alias] = st
	}
	return out
}
