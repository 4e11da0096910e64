package pool

import (
	"fmt"
	"math"
	"time"

	"github.com/migadu/dbrouter/consts"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/metrics"
)

// OptimizeResult describes a resize decision.
type OptimizeResult struct {
	Alias             string        `json:"alias"`
	PreviousSize      int           `json:"previous_size"`
	NewSize           int           `json:"new_size"`
	Target            int           `json:"target_size"`
	PeakActive        int           `json:"peak_active"`
	Saturations       int           `json:"saturations"`
	AvgWait           time.Duration `json:"avg_wait"`
	TargetUtilization float64       `json:"target_utilization"`
	Reason            string        `json:"reason"`
}

// Optimize resizes the pool of alias so that its recent peak usage sits at
// targetUtilization. A window with acquire timeouts or long waits grows the
// pool by at least a quarter. The result is clamped to the alias floor and
// ceiling and never drops below the connections currently checked out.
func (m *Manager) Optimize(alias string, targetUtilization float64) (OptimizeResult, error) {
	if targetUtilization <= 0 || targetUtilization > 1 {
		return OptimizeResult{}, fmt.Errorf("%w: target utilization must be in (0, 1], got %v", consts.ErrInvalidArgument, targetUtilization)
	}
	p, err := m.pool(alias)
	if err != nil {
		return OptimizeResult{}, err
	}
	return p.optimize(m.now(), m.window, targetUtilization), nil
}

func (p *aliasPool) optimize(now time.Time, window time.Duration, target float64) OptimizeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.alias.PoolCeiling - p.reserved
	res := OptimizeResult{
		Alias:             p.alias.Name,
		PreviousSize:      current,
		TargetUtilization: target,
	}

	ws := p.stats(now, window)
	peak := max(p.active, ws.peak)
	res.PeakActive = peak
	res.Saturations = ws.saturations
	if ws.acquired > 0 {
		res.AvgWait = ws.wait / time.Duration(ws.acquired)
	}

	desired := int(math.Ceil(float64(peak) / target))
	res.Reason = "utilization"
	if res.Saturations > 0 {
		grown := current + int(math.Ceil(float64(current)*0.25))
		if grown > desired {
			desired = grown
			res.Reason = "saturation"
		}
	}
	if desired < p.alias.MinPoolSize {
		desired = p.alias.MinPoolSize
		res.Reason = "floor"
	}
	if desired > p.alias.PoolCeiling {
		desired = p.alias.PoolCeiling
		res.Reason = "ceiling"
	}
	if desired < p.active {
		desired = p.active
		res.Reason = "outstanding"
	}
	res.Target = desired

	switch {
	case desired > current:
		grow := desired - current
		p.reserved -= grow
		p.sem.Release(int64(grow))
		metrics.DBPoolResizes.WithLabelValues(p.alias.Name, "grow").Inc()
	case desired < current:
		shrink := 0
		for shrink < current-desired && p.sem.TryAcquire(1) {
			shrink++
		}
		p.reserved += shrink
		if shrink > 0 {
			metrics.DBPoolResizes.WithLabelValues(p.alias.Name, "shrink").Inc()
		}
	}

	res.NewSize = p.alias.PoolCeiling - p.reserved
	metrics.DBPoolMaxConns.WithLabelValues(p.alias.Name).Set(float64(res.NewSize))
	logger.Info("Pool optimized", "component", "POOL", "alias", p.alias.Name,
		"previous", res.PreviousSize, "new", res.NewSize, "peak", peak,
		"saturations", res.Saturations, "reason", res.Reason)
	return res
}
