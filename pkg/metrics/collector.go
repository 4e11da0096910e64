package metrics

import (
	"context"
	"time"

	"github.com/migadu/dbrouter/logger"
)

// PoolStats is a point-in-time view of one alias pool.
type PoolStats struct {
	Alias       string
	Active      int
	Peak        int
	MaxSize     int
	Utilization float64
}

// PoolStatsProvider is implemented by the pool manager.
type PoolStatsProvider interface {
	PoolStats() []PoolStats
}

// Collector periodically copies pool statistics into gauges and warns when a
// pool runs close to exhaustion.
type Collector struct {
	provider  PoolStatsProvider
	interval  time.Duration
	threshold float64
	stopCh    chan struct{}

	// exhausted tracks which aliases are currently above threshold so the
	// warning and counter fire once per crossing.
	exhausted map[string]bool
}

// NewCollector creates a new pool metrics collector
func NewCollector(provider PoolStatsProvider, interval time.Duration, threshold float64) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	if threshold <= 0 {
		threshold = 0.95
	}

	return &Collector{
		provider:  provider,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
		exhausted: make(map[string]bool),
	}
}

// Start begins the collection loop and blocks until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("Pool metrics collector started", "component", "POOL", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Pool metrics collector stopping due to context cancellation", "component", "POOL")
			return
		case <-c.stopCh:
			logger.Info("Pool metrics collector stopping due to stop signal", "component", "POOL")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, s := range c.provider.PoolStats() {
		DBPoolMaxConns.WithLabelValues(s.Alias).Set(float64(s.MaxSize))
		DBPoolInUseConns.WithLabelValues(s.Alias).Set(float64(s.Active))
		DBPoolPeakConns.WithLabelValues(s.Alias).Set(float64(s.Peak))
		DBPoolUtilization.WithLabelValues(s.Alias).Set(s.Utilization)

		if s.Utilization >= c.threshold {
			if !c.exhausted[s.Alias] {
				c.exhausted[s.Alias] = true
				DBPoolExhaustion.WithLabelValues(s.Alias).Inc()
				logger.Warn("Connection pool near exhaustion", "component", "POOL",
					"alias", s.Alias, "active", s.Active, "max", s.MaxSize,
					"utilization", s.Utilization)
			}
		} else if c.exhausted[s.Alias] {
			c.exhausted[s.Alias] = false
			logger.Info("Connection pool recovered from exhaustion", "component", "POOL",
				"alias", s.Alias, "utilization", s.Utilization)
		}
	}
}
