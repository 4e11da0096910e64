package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/migadu/dbrouter/config"
	"golang.org/x/sync/semaphore"
)

// windowBuckets is the number of slots the optimize window is split into.
const windowBuckets = 60

// bucket aggregates the acquisitions that fell into one slot of the
// optimize window.
type bucket struct {
	start     time.Time
	peak      int
	acquired  int
	wait      time.Duration
	contended int
	exhausted int
}

// windowStats summarises the buckets still inside the optimize window.
type windowStats struct {
	peak        int
	acquired    int
	wait        time.Duration
	saturations int
}

// aliasPool gates one alias. The semaphore holds PoolCeiling permits;
// permits not part of the current size are held in reserve so that resizing
// only moves permits between the reserve and circulation.
type aliasPool struct {
	alias     config.Alias
	connector Connector
	sem       *semaphore.Weighted
	now       func() time.Time

	mu             sync.Mutex
	reserved       int
	active         int
	peak           int
	totalRequests  int64
	failedRequests int64
	acquired       int64
	completed      int64
	totalHold      time.Duration
	totalWait      time.Duration
	width          time.Duration
	buckets        []bucket
}

func newAliasPool(a config.Alias, conn Connector, window time.Duration, now func() time.Time) (*aliasPool, error) {
	if a.MaxPoolSize <= 0 {
		return nil, fmt.Errorf("alias %q: pool size must be positive", a.Name)
	}
	ceiling := max(a.PoolCeiling, a.MaxPoolSize)
	p := &aliasPool{
		alias:     a,
		connector: conn,
		sem:       semaphore.NewWeighted(int64(ceiling)),
		now:       now,
		reserved:  ceiling - a.MaxPoolSize,
		width:     max(window/windowBuckets, time.Nanosecond),
		buckets:   make([]bucket, windowBuckets),
	}
	p.alias.PoolCeiling = ceiling
	if p.reserved > 0 && !p.sem.TryAcquire(int64(p.reserved)) {
		return nil, fmt.Errorf("alias %q: could not reserve pool permits", a.Name)
	}
	return p, nil
}

func (p *aliasPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alias.PoolCeiling - p.reserved
}

func (p *aliasPool) recordAcquire(wait time.Duration, contended bool) time.Time {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.totalRequests++
	p.acquired++
	p.totalWait += wait
	b := p.bucketAt(now)
	b.peak = max(b.peak, p.active)
	b.acquired++
	b.wait += wait
	if contended {
		b.contended++
	}
	return now
}

func (p *aliasPool) recordExhausted() {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.failedRequests++
	b := p.bucketAt(now)
	b.peak = max(b.peak, p.active)
	b.exhausted++
}

func (p *aliasPool) recordFailedAcquire() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.failedRequests++
}

func (p *aliasPool) release(acquired time.Time, failed bool) {
	hold := p.now().Sub(acquired)

	p.mu.Lock()
	p.active--
	p.completed++
	p.totalHold += hold
	if failed {
		p.failedRequests++
	}
	p.mu.Unlock()

	p.sem.Release(1)
}

// bucketAt returns the slot covering t, clearing it if it still holds an
// older period. Caller holds p.mu.
func (p *aliasPool) bucketAt(t time.Time) *bucket {
	start := t.Truncate(p.width)
	i := (start.UnixNano() / int64(p.width)) % windowBuckets
	if i < 0 {
		i += windowBuckets
	}
	b := &p.buckets[i]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

// stats aggregates the slots that overlap (now-window, now]. Caller holds p.mu.
func (p *aliasPool) stats(now time.Time, window time.Duration) windowStats {
	cutoff := now.Add(-window)
	var ws windowStats
	for _, b := range p.buckets {
		if b.start.IsZero() || !b.start.Add(p.width).After(cutoff) || b.start.After(now) {
			continue
		}
		ws.peak = max(ws.peak, b.peak)
		ws.acquired += b.acquired
		ws.wait += b.wait
		ws.saturations += b.contended + b.exhausted
	}
	return ws
}

func (p *aliasPool) metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.alias.PoolCeiling - p.reserved
	m := Metrics{
		Alias:          p.alias.Name,
		Active:         p.active,
		Peak:           p.peak,
		MaxSize:        size,
		Floor:          p.alias.MinPoolSize,
		Ceiling:        p.alias.PoolCeiling,
		TotalRequests:  p.totalRequests,
		FailedRequests: p.failedRequests,
	}
	if p.completed > 0 {
		m.AvgResponseTime = p.totalHold / time.Duration(p.completed)
	}
	if p.acquired > 0 {
		m.AvgWaitTime = p.totalWait / time.Duration(p.acquired)
	}
	if size > 0 {
		m.Utilization = float64(p.active) / float64(size)
	}
	return m
}
