package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/db"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/deadlock"
	"github.com/migadu/dbrouter/pkg/degradation"
	"github.com/migadu/dbrouter/pkg/errors"
	"github.com/migadu/dbrouter/pkg/health"
	"github.com/migadu/dbrouter/pkg/metrics"
	"github.com/migadu/dbrouter/pkg/pool"
	"github.com/migadu/dbrouter/pkg/resilient"
	"github.com/migadu/dbrouter/pkg/retry"
	"github.com/migadu/dbrouter/pkg/router"
	"github.com/migadu/dbrouter/server/statusapi"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "config.toml"
	defaultEnvPath    = ".env"
)

// services holds everything initializeServices started.
type services struct {
	endpoints map[string]*db.Endpoint
	tracker   *degradation.Tracker
	prober    *health.Prober
	pools     *pool.Manager
	journal   *deadlock.Journal
	database  *resilient.Database
	collector *metrics.Collector
}

// stop shuts services down in reverse start order.
func (s *services) stop() {
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.journal != nil {
		s.journal.Stop()
	}
	if s.pools != nil {
		s.pools.Close()
	}
	for _, ep := range s.endpoints {
		ep.Close()
	}
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	envPath := flag.String("env", defaultEnvPath, "Path to a .env file with variables referenced by the configuration")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbrouter version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadEnvFile(*envPath, errorHandler)
	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DBROUTER: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "DBROUTER: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("dbrouter starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, initErr := initializeServices(ctx, cfg)
	if initErr != nil {
		if svc != nil {
			svc.stop()
		}
		errorHandler.FatalError("initialize services", initErr)
		os.Exit(errorHandler.WaitForExit())
	}
	defer svc.stop()

	errChan := make(chan error, 1)
	if cfg.StatusAPI.Enabled {
		go statusapi.Start(ctx, statusapi.ServerOptions{
			Addr:              cfg.StatusAPI.Addr,
			APIKey:            cfg.StatusAPI.APIKey,
			APIKeyHash:        cfg.StatusAPI.APIKeyHash,
			TargetUtilization: cfg.Pool.GetTargetUtilization(),
			Health:            svc.prober,
			Degradation:       svc.tracker,
			Pools:             svc.pools,
			Deadlocks:         svc.journal,
		}, errChan)
	} else {
		logger.Info("Status API disabled")
	}

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		svc.stop()
		errorHandler.FatalError("status API", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadEnvFile exports variables from a .env file so ${VAR} references in
// the configuration resolve. A missing default file is not an error.
func loadEnvFile(path string, errorHandler *errors.ErrorHandler) {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) && path == defaultEnvPath {
			return
		}
		errorHandler.ConfigError(path, err)
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("Loaded environment file", "path", path)
}

func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// initializeServices connects every alias and starts the background
// workers. On error the partially built services are returned for cleanup.
func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	svc := &services{}
	aliases := cfg.Database.ResolveAliases()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	endpoints, err := db.Open(connectCtx, cfg.Database)
	if err != nil {
		return svc, err
	}
	svc.endpoints = endpoints

	names := make([]string, 0, len(aliases))
	for _, a := range aliases {
		names = append(names, a.Name)
	}

	svc.tracker, err = degradation.NewTracker(names, cfg.Degradation)
	if err != nil {
		return svc, err
	}

	svc.prober, err = health.NewProber(aliases, db.Targets(endpoints), svc.tracker, cfg.Probe)
	if err != nil {
		return svc, err
	}
	svc.prober.Start(ctx)

	svc.pools, err = pool.NewManager(aliases, db.Connectors(endpoints), cfg.Pool)
	if err != nil {
		return svc, err
	}

	svc.journal, err = deadlock.NewJournal(ctx, cfg.Deadlock)
	if err != nil {
		return svc, err
	}
	svc.journal.Start(ctx)

	policy, err := retry.NewPolicy(cfg.Retry, svc.tracker, retry.WithDeadlockReporter(svc.journal))
	if err != nil {
		return svc, err
	}

	rt, err := router.New(aliases, cfg.Router, svc.prober, svc.tracker)
	if err != nil {
		return svc, err
	}

	svc.database, err = resilient.NewDatabase(rt, svc.pools, policy, cfg.Database)
	if err != nil {
		return svc, err
	}
	if err := selfCheck(ctx, svc.database); err != nil {
		return svc, err
	}

	interval, err := cfg.Pool.GetMonitorInterval()
	if err != nil {
		return svc, err
	}
	svc.collector = metrics.NewCollector(svc.pools, interval, cfg.Pool.GetExhaustionThreshold())
	go svc.collector.Start(ctx)

	logger.Info("Database access layer ready", "aliases", len(aliases), "replicas", len(rt.Replicas()),
		"primary", rt.Primary().Name)
	return svc, nil
}

// selfCheck runs one write-routed statement through the full retry path.
func selfCheck(ctx context.Context, database *resilient.Database) error {
	var one int
	err := database.WriteWithRetry(ctx, func(ctx context.Context, conn *pool.Conn) error {
		return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
	if err != nil {
		return fmt.Errorf("primary self-check failed: %w", err)
	}
	return nil
}
