package deadlock

import (
	"context"
	"encoding/hex"
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"lukechampine.com/blake3"
)

var (
	lockModeRe = regexp.MustCompile(`waits for (\w+) on`)
	namedRelRe = regexp.MustCompile(`relation "([^"]+)"`)
	oidRelRe   = regexp.MustCompile(`relation (\d+) of database (\d+)`)
)

type tablesKey struct{}

// WithTables annotates ctx with the tables an operation touches. Engines
// that do not name relations in deadlock errors (MySQL) rely on it.
func WithTables(ctx context.Context, tables ...string) context.Context {
	existing, _ := ctx.Value(tablesKey{}).([]string)
	merged := append(append([]string(nil), existing...), tables...)
	return context.WithValue(ctx, tablesKey{}, merged)
}

func tablesFromContext(ctx context.Context) []string {
	tables, _ := ctx.Value(tablesKey{}).([]string)
	return tables
}

// Describe extracts the relations and lock modes named by a deadlock error.
// Both lists are sorted and free of duplicates.
func Describe(err error, hints ...string) (relations, lockModes []string) {
	rels := map[string]struct{}{}
	modes := map[string]struct{}{}

	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			rels[h] = struct{}{}
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.TableName != "" {
			name := pgErr.TableName
			if pgErr.SchemaName != "" {
				name = pgErr.SchemaName + "." + name
			}
			rels[name] = struct{}{}
		}
		text := pgErr.Detail + "\n" + pgErr.Where + "\n" + pgErr.InternalQuery
		for _, m := range namedRelRe.FindAllStringSubmatch(text, -1) {
			rels[m[1]] = struct{}{}
		}
		for _, m := range oidRelRe.FindAllStringSubmatch(text, -1) {
			rels["oid:"+m[1]] = struct{}{}
		}
		for _, m := range lockModeRe.FindAllStringSubmatch(pgErr.Detail, -1) {
			modes[m[1]] = struct{}{}
		}
	}

	return sortedKeys(rels), sortedKeys(modes)
}

// Signature hashes the alias, relations and lock modes of a deadlock. Equal
// inputs in any order give the same signature.
func Signature(alias string, relations, lockModes []string) string {
	rels := sortedCopy(relations)
	modes := sortedCopy(lockModes)

	h := blake3.New(16, nil)
	h.Write([]byte(alias))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(rels, ",")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(modes, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedCopy(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		seen[s] = struct{}{}
	}
	return sortedKeys(seen)
}
