// Package router decides which database alias serves an operation.
//
// Writes always go to the primary. Reads go to a replica that is healthy,
// freshly probed, not degraded and within the replication lag limit, chosen
// by weighted random selection. When no replica qualifies the read falls
// back to the primary. Reads that must observe the caller's own writes
// (force-consistency, pinned contexts, just-created instances) are sent to
// the primary as well.
package router

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/dberrors"
	"github.com/migadu/dbrouter/pkg/degradation"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/metrics"
)

// Operation is the kind of database access being routed.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Route reasons.
const (
	ReasonPrimary     = "primary"
	ReasonReplica     = "replica"
	ReasonFallback    = "fallback"
	ReasonNoReplicas  = "no_replicas"
	ReasonPinned      = "pinned"
	ReasonConsistency = "consistency"
	ReasonJustCreated = "just_created"
)

// Replica exclusion reasons.
const (
	ExcludedDegraded  = "degraded"
	ExcludedUnhealthy = "unhealthy"
	ExcludedStale     = "stale"
	ExcludedLagging   = "lagging"
)

// Hints carry caller knowledge that affects read routing.
type Hints struct {
	// ForceConsistency sends the read to the primary unconditionally.
	ForceConsistency bool
	// InstanceJustCreated sends the read to the primary unless Entity
	// prefers replicas.
	InstanceJustCreated bool
	// Entity is the table or model being read.
	Entity string
}

// Route is the routing decision.
type Route struct {
	Alias    string      `json:"alias"`
	Role     config.Role `json:"role"`
	Fallback bool        `json:"fallback"`
	Reason   string      `json:"reason"`
}

// HealthSource is the health prober as seen by the router.
type HealthSource interface {
	Health(alias string) (health.Status, bool)
}

// DegradationSource is the degradation tracker as seen by the router.
type DegradationSource interface {
	IsDegraded(alias string) bool
	State(alias string) (degradation.State, bool)
}

// Router selects aliases. It holds no mutable state of its own.
type Router struct {
	primary     config.Alias
	replicas    []config.Alias
	health      HealthSource
	degradation DegradationSource
	maxLag      time.Duration
	weigher     Weigher
	readOnly    map[string]struct{}
	patterns    []*regexp.Regexp
	random      func() float64
}

type Option func(*Router)

// WithWeigher overrides the weigher chosen by router.weighting.
func WithWeigher(w Weigher) Option {
	return func(r *Router) { r.weigher = w }
}

// WithRandom overrides the source of uniform numbers in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Router) { r.random = fn }
}

// New creates a router over the given aliases.
func New(aliases []config.Alias, cfg config.RouterConfig, hs HealthSource, ds DegradationSource, opts ...Option) (*Router, error) {
	maxLag, err := cfg.GetMaxReplicationLag()
	if err != nil {
		return nil, fmt.Errorf("router.max_replication_lag: %w", err)
	}
	patterns, err := cfg.CompileReplicaPatterns()
	if err != nil {
		return nil, err
	}
	weigher, err := NewWeigher(cfg.Weighting)
	if err != nil {
		return nil, err
	}

	r := &Router{
		health:      hs,
		degradation: ds,
		maxLag:      maxLag,
		weigher:     weigher,
		readOnly:    make(map[string]struct{}, len(cfg.ReadOnlyEntities)),
		patterns:    patterns,
		random:      rand.Float64,
	}
	for _, e := range cfg.ReadOnlyEntities {
		r.readOnly[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}

	var primaries int
	for _, a := range aliases {
		if a.IsPrimary() {
			r.primary = a
			primaries++
		} else {
			r.replicas = append(r.replicas, a)
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("%w: found %d", consts.ErrNoPrimary, primaries)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// WithPrimary pins ctx to the primary: every read made with it is routed to
// the primary.
func WithPrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, consts.UsePrimaryKey, true)
}

func pinnedToPrimary(ctx context.Context) bool {
	pinned, ok := ctx.Value(consts.UsePrimaryKey).(bool)
	return ok && pinned
}

// Primary returns the primary alias.
func (r *Router) Primary() config.Alias {
	return r.primary
}

// Replicas returns the replica aliases.
func (r *Router) Replicas() []config.Alias {
	return append([]config.Alias(nil), r.replicas...)
}

// PrefersReplica reports whether entity is read-only reference data or
// matches a replica pattern.
func (r *Router) PrefersReplica(entity string) bool {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if entity == "" {
		return false
	}
	if _, ok := r.readOnly[entity]; ok {
		return true
	}
	for _, re := range r.patterns {
		if re.MatchString(entity) {
			return true
		}
	}
	return false
}

// SelectAlias routes one operation. Writes always name the primary; while
// the primary is degraded the route is returned together with a
// *dberrors.PrimaryDegradedError. Reads never fail: with no eligible replica
// they fall back to the primary.
func (r *Router) SelectAlias(ctx context.Context, op Operation, hints Hints) (Route, error) {
	switch op {
	case OpWrite:
		return r.routeWrite(ctx)
	case OpRead:
		return r.routeRead(ctx, hints), nil
	default:
		return Route{}, fmt.Errorf("%w: unknown operation %q", consts.ErrInvalidArgument, op)
	}
}

func (r *Router) primaryRoute(reason string) Route {
	return Route{Alias: r.primary.Name, Role: config.RolePrimary, Reason: reason}
}

func (r *Router) routeWrite(ctx context.Context) (Route, error) {
	route := r.primaryRoute(ReasonPrimary)
	if r.degradation.IsDegraded(r.primary.Name) {
		metrics.RouteRejections.WithLabelValues(r.primary.Name, ExcludedDegraded).Inc()
		err := &dberrors.PrimaryDegradedError{
			Alias:         r.primary.Name,
			CorrelationID: correlation.IDOrEmpty(ctx),
		}
		if st, ok := r.degradation.State(r.primary.Name); ok {
			err.Since = st.DegradedSince
		}
		logger.ErrorContext(ctx, "Write rejected, primary is degraded", "component", "ROUTER",
			"alias", r.primary.Name, "since", err.Since)
		return route, err
	}
	r.count(OpWrite, route)
	return route, nil
}

func (r *Router) routeRead(ctx context.Context, hints Hints) Route {
	var route Route
	switch {
	case hints.ForceConsistency:
		route = r.primaryRoute(ReasonConsistency)
	case pinnedToPrimary(ctx):
		route = r.primaryRoute(ReasonPinned)
	case hints.InstanceJustCreated && !r.PrefersReplica(hints.Entity):
		route = r.primaryRoute(ReasonJustCreated)
	case len(r.replicas) == 0:
		route = r.primaryRoute(ReasonNoReplicas)
	default:
		route = r.pickReplica(ctx)
	}
	r.count(OpRead, route)
	return route
}

func (r *Router) pickReplica(ctx context.Context) Route {
	candidates, excluded := r.eligible(true)
	if len(candidates) == 0 {
		metrics.RouteFallbacks.Inc()
		fallbackErr := &dberrors.AllReplicasDegradedError{
			Primary:       r.primary.Name,
			CorrelationID: correlation.IDOrEmpty(ctx),
			Excluded:      excluded,
		}
		logger.WarnContext(ctx, "Read falling back to primary", "component", "ROUTER", "error", fallbackErr)
		route := r.primaryRoute(ReasonFallback)
		route.Fallback = true
		return route
	}

	chosen := r.weighted(candidates)
	return Route{Alias: chosen.Alias.Name, Role: config.RoleReplica, Reason: ReasonReplica}
}

// Eligible returns the replicas that may serve reads and, for the others,
// why they were excluded.
func (r *Router) Eligible() (eligible []string, excluded map[string]string) {
	candidates, excluded := r.eligible(false)
	for _, c := range candidates {
		eligible = append(eligible, c.Alias.Name)
	}
	return eligible, excluded
}

func (r *Router) eligible(record bool) ([]Candidate, map[string]string) {
	candidates := make([]Candidate, 0, len(r.replicas))
	excluded := make(map[string]string)
	for _, a := range r.replicas {
		st, fresh := r.health.Health(a.Name)
		reason := ""
		switch {
		case r.degradation.IsDegraded(a.Name):
			reason = ExcludedDegraded
		case !st.Healthy:
			reason = ExcludedUnhealthy
		case !fresh:
			reason = ExcludedStale
		case st.LagKnown && st.ReplicationLag > r.maxLag:
			reason = ExcludedLagging
		}
		if reason != "" {
			excluded[a.Name] = reason
			if record {
				metrics.RouteRejections.WithLabelValues(a.Name, reason).Inc()
			}
			continue
		}
		candidates = append(candidates, Candidate{Alias: a, Status: st})
	}
	return candidates, excluded
}

// weighted picks a candidate with probability proportional to its weight.
func (r *Router) weighted(candidates []Candidate) Candidate {
	if len(candidates) == 1 {
		return candidates[0]
	}
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := r.weigher.Weight(c) * c.Alias.Weight
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[int(r.random()*float64(len(candidates)))%len(candidates)]
	}

	target := r.random() * total
	for i, w := range weights {
		if target < w {
			return candidates[i]
		}
		target -= w
	}
	return candidates[len(candidates)-1]
}

func (r *Router) count(op Operation, route Route) {
	metrics.RouteDecisions.WithLabelValues(string(op), route.Alias, route.Reason).Inc()
	logger.Debug("Routed operation", "component", "ROUTER", "operation", op,
		"alias", route.Alias, "reason", route.Reason)
}
