// Package deadlock records recurring deadlock patterns.
//
// The retry policy hands every deadlock to Journal.Report. Reports are queued
// on a buffered channel and never block the caller; when the queue is full
// the report is dropped and counted. A worker folds reports into patterns
// keyed by a BLAKE3 signature of the alias, relations and lock modes, and
// optionally persists them to a SQLite journal.
package deadlock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/helpers"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/metrics"
)

const maxSampleLen = 512

// Pattern is one deadlock signature and how often it occurred.
type Pattern struct {
	Signature         string    `json:"signature"`
	Alias             string    `json:"alias"`
	Relations         []string  `json:"relations"`
	LockModes         []string  `json:"lock_modes"`
	Count             int64     `json:"count"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	LastCorrelationID string    `json:"last_correlation_id,omitempty"`
	Sample            string    `json:"sample"`
}

type report struct {
	alias         string
	correlationID string
	relations     []string
	lockModes     []string
	message       string
	at            time.Time
}

// Journal aggregates deadlock reports.
type Journal struct {
	queue     chan report
	store     *store
	retention time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	patterns map[string]*Pattern

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type Option func(*Journal)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// NewJournal creates a journal. With cfg.JournalPath set, patterns are
// loaded from and written to that SQLite file.
func NewJournal(ctx context.Context, cfg config.DeadlockConfig, opts ...Option) (*Journal, error) {
	retention, err := cfg.GetRetention()
	if err != nil {
		return nil, fmt.Errorf("deadlock.retention: %w", err)
	}

	j := &Journal{
		queue:     make(chan report, cfg.GetQueueSize()),
		retention: retention,
		now:       time.Now,
		patterns:  make(map[string]*Pattern),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	if cfg.JournalPath != "" {
		s, err := openStore(ctx, cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		existing, err := s.load(ctx)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to load deadlock journal: %w", err)
		}
		for i := range existing {
			p := existing[i]
			j.patterns[p.Signature] = &p
		}
		j.store = s
		logger.Info("Deadlock journal opened", "component", "DEADLOCK", "path", cfg.JournalPath, "patterns", len(existing))
	}
	return j, nil
}

// Report queues a deadlock. It never blocks.
func (j *Journal) Report(ctx context.Context, alias string, err error) {
	rels, modes := Describe(err, tablesFromContext(ctx)...)
	r := report{
		alias:         alias,
		correlationID: correlation.IDOrEmpty(ctx),
		relations:     rels,
		lockModes:     modes,
		message:       helpers.TruncateUTF8(helpers.SanitizeUTF8(rootMessage(err)), maxSampleLen),
		at:            j.now(),
	}
	select {
	case j.queue <- r:
	default:
		metrics.DeadlockReportsDropped.Inc()
		logger.DebugContext(ctx, "Deadlock report dropped, queue full", "component", "DEADLOCK", "alias", alias)
	}
}

// Start runs the worker until Stop or ctx is done.
func (j *Journal) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		j.wg.Add(1)
		go j.run(ctx)
	})
}

// Stop drains queued reports and closes the journal file.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		j.wg.Wait()
		j.drain(context.Background())
		if j.store != nil {
			if err := j.store.close(); err != nil {
				logger.Warn("Error closing deadlock journal", "component", "DEADLOCK", "error", err)
			}
		}
	})
}

func (j *Journal) run(ctx context.Context) {
	defer j.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Deadlock journal worker panic", "component", "DEADLOCK", "panic", r)
		}
	}()

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case r := <-j.queue:
			j.record(ctx, r)
		case <-prune.C:
			j.Prune(ctx)
		}
	}
}

func (j *Journal) drain(ctx context.Context) {
	for {
		select {
		case r := <-j.queue:
			j.record(ctx, r)
		default:
			return
		}
	}
}

func (j *Journal) record(ctx context.Context, r report) {
	sig := Signature(r.alias, r.relations, r.lockModes)

	j.mu.Lock()
	p, ok := j.patterns[sig]
	if !ok {
		p = &Pattern{
			Signature: sig,
			Alias:     r.alias,
			Relations: r.relations,
			LockModes: r.lockModes,
			FirstSeen: r.at,
		}
		j.patterns[sig] = p
	}
	p.Count++
	p.LastSeen = r.at
	p.Sample = r.message
	if r.correlationID != "" {
		p.LastCorrelationID = r.correlationID
	}
	snapshot := clonePattern(*p)
	j.mu.Unlock()

	metrics.DeadlocksRecorded.WithLabelValues(r.alias).Inc()
	if snapshot.Count == 1 {
		logger.Warn("New deadlock pattern", "component", "DEADLOCK", "alias", r.alias,
			"signature", sig, "relations", r.relations, "lock_modes", r.lockModes)
	}

	if j.store != nil {
		if err := j.store.upsert(ctx, snapshot); err != nil {
			logger.Warn("Failed to persist deadlock pattern", "component", "DEADLOCK", "signature", sig, "error", err)
		}
	}
}

// Prune forgets patterns not seen within the retention period.
func (j *Journal) Prune(ctx context.Context) int {
	cutoff := j.now().Add(-j.retention)

	j.mu.Lock()
	removed := 0
	for sig, p := range j.patterns {
		if p.LastSeen.Before(cutoff) {
			delete(j.patterns, sig)
			removed++
		}
	}
	j.mu.Unlock()

	if j.store != nil {
		if _, err := j.store.prune(ctx, cutoff); err != nil {
			logger.Warn("Failed to prune deadlock journal", "component", "DEADLOCK", "error", err)
		}
	}
	if removed > 0 {
		logger.Info("Pruned deadlock patterns", "component", "DEADLOCK", "removed", removed)
	}
	return removed
}

// Recent returns up to limit patterns, most recently seen first. A limit of
// zero or less returns all of them.
func (j *Journal) Recent(limit int) []Pattern {
	j.mu.RLock()
	out := make([]Pattern, 0, len(j.patterns))
	for _, p := range j.patterns {
		out = append(out, clonePattern(*p))
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].LastSeen.Equal(out[b].LastSeen) {
			return out[a].Signature < out[b].Signature
		}
		return out[a].LastSeen.After(out[b].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clonePattern(p Pattern) Pattern {
	p.Relations = slices.Clone(p.Relations)
	p.LockModes = slices.Clone(p.LockModes)
	return p
}

// rootMessage returns the message of the innermost wrapped error.
func rootMessage(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
