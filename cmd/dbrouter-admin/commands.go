package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/migadu/dbrouter/pkg/deadlock"
	"github.com/migadu/dbrouter/pkg/degradation"
	"github.com/migadu/dbrouter/pkg/pool"
	"github.com/migadu/dbrouter/server/statusapi"
	"golang.org/x/crypto/bcrypt"
)

// fetch runs one API call and prints either the raw JSON or the result of
// render.
func fetch[T any](ctx context.Context, cf commonFlags, stdout io.Writer, method, path string, in any, render func(io.Writer, T) error) error {
	c := cf.client()
	if *cf.json {
		var raw json.RawMessage
		if err := c.do(ctx, method, path, in, &raw); err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(stdout)
		return err
	}

	var out T
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return err
	}
	return render(stdout, out)
}

func handleStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cf := newFlagSet("status", stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, `Show health, degradation and pool state of every alias

Usage:
  dbrouter-admin status [options]

This command does not need an API key.
`)
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	return fetch(ctx, cf, stdout, http.MethodGet, "/internal/db-health", nil, renderStatus)
}

func renderStatus(w io.Writer, aliases map[string]statusapi.AliasHealth) error {
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		// Primary first, then replicas by name.
		ri, rj := aliases[names[i]].Role, aliases[names[j]].Role
		if ri != rj {
			return ri == "primary"
		}
		return names[i] < names[j]
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ALIAS\tROLE\tHEALTHY\tPHASE\tFAILURES\tLAG\tLATENCY\tPOOL\tUTIL\tLAST CHECK")
	for _, name := range names {
		a := aliases[name]
		lag := "-"
		if a.LagKnown {
			lag = strconv.FormatFloat(a.ReplicationLagSeconds, 'f', 1, 64) + "s"
		}
		lastCheck := "never"
		if a.LastCheck != nil {
			lastCheck = a.LastCheck.Format(time.RFC3339)
			if a.Stale {
				lastCheck += " (stale)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\t%.1fms\t%d/%d\t%.0f%%\t%s\n",
			name, a.Role, a.Healthy, a.Phase, a.ConsecutiveFailures, lag, a.LatencyMs,
			a.Pool.Active, a.Pool.MaxSize, a.Pool.Utilization*100, lastCheck)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	header := false
	for _, name := range names {
		a := aliases[name]
		if a.LastError == "" {
			continue
		}
		if !header {
			fmt.Fprintln(w, "\nLast errors:")
			header = true
		}
		fmt.Fprintf(w, "  %s: %s\n", name, a.LastError)
	}
	return nil
}

func handleReset(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cf := newFlagSet("reset", stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, `Clear the degradation state of an alias

Usage:
  dbrouter-admin reset <alias> [options]
`)
		fs.PrintDefaults()
	}
	alias, err := parseWithAlias(fs, args)
	if err != nil {
		return err
	}

	path := "/internal/db-health/" + url.PathEscape(alias) + "/reset"
	return fetch(ctx, cf, stdout, http.MethodPost, path, nil, func(w io.Writer, st degradation.State) error {
		_, err := fmt.Fprintf(w, "Alias %s reset, phase is now %s\n", st.Alias, st.Phase)
		return err
	})
}

func handleProbe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cf := newFlagSet("probe", stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, `Run a health probe for an alias now

Usage:
  dbrouter-admin probe <alias> [options]
`)
		fs.PrintDefaults()
	}
	alias, err := parseWithAlias(fs, args)
	if err != nil {
		return err
	}

	path := "/internal/db-health/" + url.PathEscape(alias) + "/probe"
	return fetch(ctx, cf, stdout, http.MethodPost, path, nil, func(w io.Writer, a statusapi.AliasHealth) error {
		return renderStatus(w, map[string]statusapi.AliasHealth{alias: a})
	})
}

func handleOptimize(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cf := newFlagSet("optimize", stderr)
	target := fs.Float64("target", 0, "Target utilization between 0 and 1 (default: server setting)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, `Resize the pool of an alias from its observed usage

Usage:
  dbrouter-admin optimize <alias> [options]
`)
		fs.PrintDefaults()
	}
	alias, err := parseWithAlias(fs, args)
	if err != nil {
		return err
	}

	var body statusapi.OptimizeRequest
	if isFlagSet(fs, "target") {
		body.TargetUtilization = target
	}

	path := "/internal/pools/" + url.PathEscape(alias) + "/optimize"
	return fetch(ctx, cf, stdout, http.MethodPost, path, body, func(w io.Writer, res pool.OptimizeResult) error {
		if res.NewSize == res.PreviousSize {
			_, err := fmt.Fprintf(w, "Pool %s unchanged at %d (%s)\n", res.Alias, res.NewSize, res.Reason)
			return err
		}
		_, err := fmt.Fprintf(w, "Pool %s resized from %d to %d (%s)\n", res.Alias, res.PreviousSize, res.NewSize, res.Reason)
		return err
	})
}

func handleDeadlocks(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, cf := newFlagSet("deadlocks", stderr)
	limit := fs.Int("limit", 50, "Maximum number of patterns, 0 for all")
	fs.Usage = func() {
		fmt.Fprintf(stderr, `List recorded deadlock patterns, most recent first

Usage:
  dbrouter-admin deadlocks [options]
`)
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	type response struct {
		Patterns []deadlock.Pattern `json:"patterns"`
		Count    int                `json:"count"`
	}
	path := "/internal/deadlocks?limit=" + strconv.Itoa(*limit)
	return fetch(ctx, cf, stdout, http.MethodGet, path, nil, func(w io.Writer, resp response) error {
		if resp.Count == 0 {
			_, err := fmt.Fprintln(w, "No deadlocks recorded.")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SIGNATURE\tALIAS\tCOUNT\tLAST SEEN\tRELATIONS\tLOCK MODES")
		for _, p := range resp.Patterns {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", p.Signature, p.Alias, p.Count,
				p.LastSeen.Format(time.RFC3339), joinOrDash(p.Relations), joinOrDash(p.LockModes))
		}
		return tw.Flush()
	})
}

func handleHashKey(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	key := fs.String("key", "", "Key to hash (default: first line of stdin)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	fs.Usage = func() {
		fmt.Fprintf(stderr, `Print a bcrypt hash of an admin key for status_api.api_key_hash

Usage:
  dbrouter-admin hash-key [--key string] [--cost int]
  echo -n "$KEY" | dbrouter-admin hash-key
`)
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	secret := *key
	if secret == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read key: %w", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), *cost)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}
	_, err = fmt.Fprintln(stdout, string(hash))
	return err
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
