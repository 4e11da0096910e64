package deadlock

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/migadu/dbrouter/logger"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// store persists patterns in a SQLite file.
type store struct {
	db *sql.DB
}

func openStore(ctx context.Context, path string) (*store, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open deadlock journal: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Failed to enable WAL on deadlock journal", "component", "DEADLOCK", "error", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}
	// m.Close would close db as well; only the source is released.
	defer src.Close()

	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate deadlock journal: %w", err)
	}
	return nil
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "DEADLOCK")
}

func (migrationLogger) Verbose() bool { return false }

func (s *store) upsert(ctx context.Context, p Pattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deadlock_patterns (
			signature, alias, relations, lock_modes, occurrences,
			first_seen, last_seen, last_correlation_id, sample
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (signature) DO UPDATE SET
			occurrences = excluded.occurrences,
			last_seen = excluded.last_seen,
			last_correlation_id = excluded.last_correlation_id,
			sample = excluded.sample`,
		p.Signature, p.Alias, strings.Join(p.Relations, ","), strings.Join(p.LockModes, ","),
		p.Count, p.FirstSeen.UnixNano(), p.LastSeen.UnixNano(), p.LastCorrelationID, p.Sample)
	return err
}

func (s *store) load(ctx context.Context) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, alias, relations, lock_modes, occurrences,
		       first_seen, last_seen, last_correlation_id, sample
		FROM deadlock_patterns
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var rels, modes string
		var first, last int64
		if err := rows.Scan(&p.Signature, &p.Alias, &rels, &modes, &p.Count,
			&first, &last, &p.LastCorrelationID, &p.Sample); err != nil {
			return nil, err
		}
		p.Relations = splitList(rels)
		p.LockModes = splitList(modes)
		p.FirstSeen = time.Unix(0, first).UTC()
		p.LastSeen = time.Unix(0, last).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *store) prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deadlock_patterns WHERE last_seen < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *store) close() error {
	return s.db.Close()
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
