package deadlock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/pkg/correlation"
	"github.com/migadu/dbrouter/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pgDeadlock() error {
	return &pgconn.PgError{
		Code:    pgerrcode.DeadlockDetected,
		Message: "deadlock detected",
		Detail: "Process 4711 waits for ShareLock on transaction 991; blocked by process 4712.\n" +
			"Process 4712 waits for ExclusiveLock on tuple (0,5) of relation 16384 of database 16385; blocked by process 4711.",
		Where:      `while updating tuple (0,5) in relation "inventory"`,
		SchemaName: "public",
		TableName:  "orders",
	}
}

func TestDescribePostgresDeadlock(t *testing.T) {
	rels, modes := Describe(fmt.Errorf("update stock: %w", pgDeadlock()))
	assert.Equal(t, []string{"inventory", "oid:16384", "public.orders"}, rels)
	assert.Equal(t, []string{"ExclusiveLock", "ShareLock"}, modes)
}

func TestDescribeUsesHints(t *testing.T) {
	err := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock; try restarting transaction"}
	rels, modes := Describe(err, "orders", " payments ", "orders", "")
	assert.Equal(t, []string{"orders", "payments"}, rels)
	assert.Empty(t, modes)
}

func TestSignatureIsOrderIndependent(t *testing.T) {
	a := Signature("default", []string{"orders", "inventory"}, []string{"ShareLock"})
	b := Signature("default", []string{"inventory", "orders", "orders"}, []string{"ShareLock"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, Signature("replica_1", []string{"orders", "inventory"}, []string{"ShareLock"}))
	assert.NotEqual(t, a, Signature("default", []string{"orders"}, []string{"ShareLock"}))
}

func TestJournalAggregatesReports(t *testing.T) {
	j, err := NewJournal(context.Background(), config.DeadlockConfig{})
	require.NoError(t, err)

	ctx := correlation.WithID(context.Background(), "req-00000001")
	j.Report(ctx, "default", pgDeadlock())
	j.Report(ctx, "default", pgDeadlock())
	j.Report(WithTables(context.Background(), "payments"), "default",
		&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
	j.Stop()

	patterns := j.Recent(0)
	require.Len(t, patterns, 2)

	var pg Pattern
	for _, p := range patterns {
		if p.Count == 2 {
			pg = p
		}
	}
	assert.Equal(t, "default", pg.Alias)
	assert.Equal(t, "req-00000001", pg.LastCorrelationID)
	assert.Contains(t, pg.Sample, "deadlock detected")
	assert.Equal(t, []string{"ExclusiveLock", "ShareLock"}, pg.LockModes)

	assert.Len(t, j.Recent(1), 1)
}

func TestReportNeverBlocks(t *testing.T) {
	j, err := NewJournal(context.Background(), config.DeadlockConfig{QueueSize: 1})
	require.NoError(t, err)
	defer j.Stop()

	before := testutil.ToFloat64(metrics.DeadlockReportsDropped)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			j.Report(context.Background(), "default", pgDeadlock())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a full queue")
	}
	assert.Equal(t, before+4, testutil.ToFloat64(metrics.DeadlockReportsDropped))
}

func TestJournalWorker(t *testing.T) {
	j, err := NewJournal(context.Background(), config.DeadlockConfig{})
	require.NoError(t, err)
	j.Start(context.Background())
	defer j.Stop()

	j.Report(context.Background(), "default", pgDeadlock())
	assert.Eventually(t, func() bool { return len(j.Recent(0)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalPersistsAndPrunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "deadlocks.db")
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := config.DeadlockConfig{JournalPath: path, Retention: "7d"}

	j, err := NewJournal(context.Background(), cfg, WithClock(clock))
	require.NoError(t, err)
	j.Report(context.Background(), "default", pgDeadlock())
	j.Report(context.Background(), "default", pgDeadlock())
	j.Stop()

	reopened, err := NewJournal(context.Background(), cfg, WithClock(clock))
	require.NoError(t, err)
	patterns := reopened.Recent(0)
	require.Len(t, patterns, 1)
	assert.Equal(t, int64(2), patterns[0].Count)
	assert.Equal(t, []string{"inventory", "oid:16384", "public.orders"}, patterns[0].Relations)
	assert.True(t, patterns[0].LastSeen.Equal(now))

	now = now.Add(8 * 24 * time.Hour)
	assert.Equal(t, 1, reopened.Prune(context.Background()))
	assert.Empty(t, reopened.Recent(0))
	reopened.Stop()

	again, err := NewJournal(context.Background(), cfg, WithClock(clock))
	require.NoError(t, err)
	defer again.Stop()
	assert.Empty(t, again.Recent(0))
}

func TestRootMessage(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("middle: %w", errors.New("inner")))
	assert.Equal(t, "inner", rootMessage(err))
	assert.Equal(t, "", rootMessage(nil))
}
