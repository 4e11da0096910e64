package statusapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/deadlock"
	"github.com/migadu/dbrouter/pkg/degradation"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/pool"
)

const (
	defaultDeadlockLimit = 50
	maxRequestBody       = 1 << 20
)

// Response types

// PoolHealth is the pool part of an alias health entry.
type PoolHealth struct {
	Active         int     `json:"active"`
	Peak           int     `json:"peak"`
	MaxSize        int     `json:"max_size"`
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	AvgResponseMs  float64 `json:"avg_response_ms"`
	AvgWaitMs      float64 `json:"avg_wait_ms"`
	Utilization    float64 `json:"utilization"`
}

// AliasHealth is one entry of the GET /internal/db-health response.
type AliasHealth struct {
	Role                  string     `json:"role"`
	Healthy               bool       `json:"healthy"`
	Degraded              bool       `json:"degraded"`
	Phase                 string     `json:"phase"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	DegradedSince         *time.Time `json:"degraded_since,omitempty"`
	ReplicationLagSeconds float64    `json:"replication_lag_seconds"`
	LagKnown              bool       `json:"lag_known"`
	LatencyMs             float64    `json:"latency_ms"`
	LastCheck             *time.Time `json:"last_check,omitempty"`
	Stale                 bool       `json:"stale"`
	LastError             string     `json:"last_error,omitempty"`
	Pool                  PoolHealth `json:"pool"`
}

// OptimizeRequest is the body of POST /internal/pools/{alias}/optimize.
type OptimizeRequest struct {
	TargetUtilization *float64 `json:"target_utilization"`
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newAliasHealth(st health.Status, fresh bool, ds degradation.State, pm pool.Metrics) AliasHealth {
	out := AliasHealth{
		Role:                string(st.Role),
		Healthy:             st.Healthy,
		Degraded:            ds.Degraded,
		Phase:               string(ds.Phase),
		ConsecutiveFailures: ds.ConsecutiveFailures,
		DegradedSince:       timePtr(ds.DegradedSince),
		LatencyMs:           millis(st.Latency),
		LastCheck:           timePtr(st.LastCheck),
		Stale:               !fresh,
		LastError:           st.LastError,
		Pool: PoolHealth{
			Active:         pm.Active,
			Peak:           pm.Peak,
			MaxSize:        pm.MaxSize,
			TotalRequests:  pm.TotalRequests,
			FailedRequests: pm.FailedRequests,
			AvgResponseMs:  millis(pm.AvgResponseTime),
			AvgWaitMs:      millis(pm.AvgWaitTime),
			Utilization:    pm.Utilization,
		},
	}
	if st.LagKnown {
		out.ReplicationLagSeconds = st.ReplicationLag.Seconds()
		out.LagKnown = true
	}
	return out
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.health.Snapshot()
	states := s.degradation.Snapshot()
	pools := s.pools.Status()

	resp := make(map[string]AliasHealth, len(statuses))
	for alias, st := range statuses {
		fresh := st.LastCheck.IsZero() || s.health.Fresh(alias)
		resp[alias] = newAliasHealth(st, fresh, states[alias], pools[alias])
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]

	if err := s.degradation.Reset(alias); err != nil {
		s.writeAliasError(w, r, alias, err)
		return
	}
	logger.InfoContext(r.Context(), "Status API: Degradation reset", "component", "STATUS-API",
		"alias", alias, "remote", r.RemoteAddr)

	state, _ := s.degradation.State(alias)
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]

	st, err := s.health.ProbeNow(r.Context(), alias)
	if err != nil {
		s.writeAliasError(w, r, alias, err)
		return
	}
	state, _ := s.degradation.State(alias)
	pm := s.pools.Status()[alias]
	s.writeJSON(w, http.StatusOK, newAliasHealth(st, true, state, pm))
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]

	var req OptimizeRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	target := s.targetUtilization
	if req.TargetUtilization != nil {
		target = *req.TargetUtilization
	}

	res, err := s.pools.Optimize(alias, target)
	if err != nil {
		s.writeAliasError(w, r, alias, err)
		return
	}
	logger.InfoContext(r.Context(), "Status API: Pool optimized", "component", "STATUS-API",
		"alias", alias, "previous", res.PreviousSize, "new", res.NewSize, "reason", res.Reason)
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeadlocks(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadlockLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	patterns := []deadlock.Pattern{}
	if s.deadlocks != nil {
		if recent := s.deadlocks.Recent(limit); recent != nil {
			patterns = recent
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (s *Server) writeAliasError(w http.ResponseWriter, r *http.Request, alias string, err error) {
	switch {
	case errors.Is(err, consts.ErrUnknownAlias):
		s.writeError(w, http.StatusNotFound, "Unknown alias: "+alias)
	case errors.Is(err, consts.ErrInvalidArgument):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.WarnContext(r.Context(), "Status API: Request failed", "component", "STATUS-API",
			"alias", alias, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}
