package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultAddr    = "http://127.0.0.1:8089"
	envAddr        = "DBROUTER_ADDR"
	envAPIKey      = "DBROUTER_API_KEY"
	defaultTimeout = 10 * time.Second
)

var (
	// errUsage is returned after the usage text was printed.
	errUsage = errors.New("invalid usage")
	// errHelp is returned when a command printed its help on request.
	errHelp = errors.New("help requested")
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errUsage
	}

	command, rest := args[0], args[1:]
	switch command {
	case "status":
		return handleStatus(ctx, rest, stdout, stderr)
	case "reset":
		return handleReset(ctx, rest, stdout, stderr)
	case "probe":
		return handleProbe(ctx, rest, stdout, stderr)
	case "optimize":
		return handleOptimize(ctx, rest, stdout, stderr)
	case "deadlocks":
		return handleDeadlocks(ctx, rest, stdout, stderr)
	case "hash-key":
		return handleHashKey(rest, os.Stdin, stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "dbrouter-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
		return nil
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `dbrouter admin tool

Usage:
  dbrouter-admin <command> [options]

Commands:
  status                 Show health, degradation and pool state of every alias
  reset <alias>          Clear the degradation state of an alias
  probe <alias>          Run a health probe now
  optimize <alias>       Resize the pool of an alias from observed usage
  deadlocks              List recorded deadlock patterns
  hash-key               Print a bcrypt hash for status_api.api_key_hash
  version                Show version information
  help                   Show this help message

Common options:
  --addr string          Status API address (default: $%s or %s)
  --api-key string       Admin API key (default: $%s)
  --timeout duration     Request timeout (default: %s)
  --json                 Print the raw JSON response

Examples:
  dbrouter-admin status
  dbrouter-admin reset replica-1
  dbrouter-admin optimize primary --target 0.6
  dbrouter-admin deadlocks --limit 10 --json

Use 'dbrouter-admin <command> --help' for more information about a command.
`, envAddr, defaultAddr, envAPIKey, defaultTimeout)
}

// commonFlags are accepted by every command that talks to the status API.
type commonFlags struct {
	addr    *string
	apiKey  *string
	timeout *time.Duration
	json    *bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := os.Getenv(envAddr)
	if addr == "" {
		addr = defaultAddr
	}
	cf := commonFlags{
		addr:    fs.String("addr", addr, "Status API address"),
		apiKey:  fs.String("api-key", os.Getenv(envAPIKey), "Admin API key"),
		timeout: fs.Duration("timeout", defaultTimeout, "Request timeout"),
		json:    fs.Bool("json", false, "Print the raw JSON response"),
	}
	return fs, cf
}

func (cf commonFlags) client() *apiClient {
	return newAPIClient(*cf.addr, *cf.apiKey, *cf.timeout)
}

// parseWithAlias parses flags that may come before or after the alias
// argument.
func parseWithAlias(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		alias := args[0]
		if err := parseFlags(fs, args[1:]); err != nil {
			return "", err
		}
		if fs.NArg() > 0 {
			fmt.Fprintf(fs.Output(), "Unexpected arguments: %v\n", fs.Args())
			return "", errUsage
		}
		return alias, nil
	}

	if err := parseFlags(fs, args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(fs.Output(), "Error: exactly one alias is required\n\n")
		fs.Usage()
		return "", errUsage
	}
	return fs.Arg(0), nil
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errHelp
		}
		return errUsage
	}
	return nil
}
