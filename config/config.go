package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/migadu/dbrouter/helpers"
)

// Role is the replication role of a database alias.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// AliasConfig describes one logical database endpoint as written in the config file.
type AliasConfig struct {
	Name        string  `toml:"name" validate:"required,max=64"`
	Role        string  `toml:"role" validate:"required,oneof=primary replica"`
	Driver      string  `toml:"driver" validate:"omitempty,oneof=postgres mysql"` // default: postgres
	DSN         string  `toml:"dsn" validate:"required"`                          // ${VAR} references are expanded
	MaxPoolSize int     `toml:"max_pool_size" validate:"gte=0"`                   // Initial pool bound (default: 20)
	MinPoolSize int     `toml:"min_pool_size" validate:"gte=0"`                   // Floor for pool optimization (default: 2)
	PoolCeiling int     `toml:"pool_ceiling" validate:"gte=0"`                    // Ceiling for pool optimization (default: 2x max_pool_size)
	Weight      float64 `toml:"weight" validate:"gte=0"`                          // Static routing weight multiplier for replicas (default: 1)
}

// DatabaseConfig holds the alias list and connection level settings.
type DatabaseConfig struct {
	LogQueries      bool          `toml:"log_queries"`        // Log every query with its correlation id
	QueryTimeout    string        `toml:"query_timeout"`      // Timeout for read operations (default: "30s")
	WriteTimeout    string        `toml:"write_timeout"`      // Timeout for write operations (default: "15s")
	MaxConnLifetime string        `toml:"max_conn_lifetime"`  // Maximum lifetime of a driver connection (default: "1h")
	MaxConnIdleTime string        `toml:"max_conn_idle_time"` // Maximum idle time of a driver connection (default: "30m")
	Aliases         []AliasConfig `toml:"alias" validate:"required,min=1,dive"`
}

// DegradationConfig controls the per-alias circuit breaker.
type DegradationConfig struct {
	Threshold int    `toml:"threshold" validate:"gte=0"` // Consecutive failures before an alias is degraded (default: 5)
	Cooldown  string `toml:"cooldown"`                   // How long an alias stays degraded (default: "60s")
}

// ProbeConfig controls the health prober.
type ProbeConfig struct {
	Interval   string `toml:"interval"`    // Probe interval per alias (default: "30s")
	Timeout    string `toml:"timeout"`     // Per probe timeout (default: "5s")
	CacheTTL   string `toml:"cache_ttl"`   // Age after which a cached status is stale (default: 2x interval)
	RequireLag bool   `toml:"require_lag"` // Treat replicas whose lag cannot be measured as unhealthy
}

// RouterConfig controls read routing.
type RouterConfig struct {
	MaxReplicationLag string   `toml:"max_replication_lag"`                            // Replicas lagging more are skipped (default: "10s")
	Weighting         string   `toml:"weighting" validate:"omitempty,oneof=uniform latency"` // Replica selection weights (default: "uniform")
	ReadOnlyEntities  []string `toml:"read_only_entities"`                             // Entities that always prefer replicas
	ReplicaPatterns   []string `toml:"replica_patterns"`                               // Regexes for replica-preferred entities
}

// PoolConfig controls the connection pool manager.
type PoolConfig struct {
	AcquireTimeout      string  `toml:"acquire_timeout"`                                      // Max wait for a free connection (default: "5s")
	OptimizeWindow      string  `toml:"optimize_window"`                                      // Observation window used by optimize (default: "5m")
	ExhaustionThreshold float64 `toml:"exhaustion_threshold" validate:"gte=0,lte=1"`          // Utilization that triggers warnings (default: 0.95)
	MonitorInterval     string  `toml:"monitor_interval"`                                     // Pool gauge refresh interval (default: "15s")
	TargetUtilization   float64 `toml:"target_utilization" validate:"gte=0,lte=1"`            // Default optimize target (default: 0.7)
}

// RetryConfig controls the retry policy.
type RetryConfig struct {
	MaxAttempts     int     `toml:"max_attempts" validate:"gte=0"` // Total attempts for retryable errors (default: 3)
	InitialInterval string  `toml:"initial_interval"`              // First backoff (default: "100ms")
	MaxInterval     string  `toml:"max_interval"`                  // Backoff cap (default: "2s")
	Multiplier      float64 `toml:"multiplier" validate:"gte=0"`   // Backoff multiplier (default: 2.0)
	Jitter          *bool   `toml:"jitter"`                        // Randomize backoff (default: true)
}

// DeadlockConfig controls the deadlock pattern journal.
type DeadlockConfig struct {
	JournalPath string `toml:"journal_path"`                // SQLite file; empty keeps patterns in memory only
	QueueSize   int    `toml:"queue_size" validate:"gte=0"` // Buffered reports before dropping (default: 256)
	Retention   string `toml:"retention"`                   // How long journal rows are kept (default: "30d")
}

// StatusAPIConfig controls the internal HTTP endpoint.
type StatusAPIConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`         // Listen address (default: "127.0.0.1:8089")
	APIKey     string `toml:"api_key"`      // Plain admin key, compared in constant time
	APIKeyHash string `toml:"api_key_hash"` // bcrypt hash of the admin key, preferred over api_key
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Database    DatabaseConfig    `toml:"database"`
	Degradation DegradationConfig `toml:"degradation"`
	Probe       ProbeConfig       `toml:"probe"`
	Router      RouterConfig      `toml:"router"`
	Pool        PoolConfig        `toml:"pool"`
	Retry       RetryConfig       `toml:"retry"`
	Deadlock    DeadlockConfig    `toml:"deadlock"`
	StatusAPI   StatusAPIConfig   `toml:"status_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	jitter := true
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout:    "30s",
			WriteTimeout:    "15s",
			MaxConnLifetime: "1h",
			MaxConnIdleTime: "30m",
		},
		Degradation: DegradationConfig{
			Threshold: 5,
			Cooldown:  "60s",
		},
		Probe: ProbeConfig{
			Interval: "30s",
			Timeout:  "5s",
		},
		Router: RouterConfig{
			MaxReplicationLag: "10s",
			Weighting:         "uniform",
			ReplicaPatterns:   []string{"analytics", "log", "metric", "report"},
		},
		Pool: PoolConfig{
			AcquireTimeout:      "5s",
			OptimizeWindow:      "5m",
			ExhaustionThreshold: 0.95,
			MonitorInterval:     "15s",
			TargetUtilization:   0.7,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: "100ms",
			MaxInterval:     "2s",
			Multiplier:      2.0,
			Jitter:          &jitter,
		},
		Deadlock: DeadlockConfig{
			QueueSize: 256,
			Retention: "30d",
		},
		StatusAPI: StatusAPIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8089",
		},
	}
}

// Alias is a validated, immutable database alias.
type Alias struct {
	Name        string
	Role        Role
	Driver      string
	DSN         string
	MaxPoolSize int
	MinPoolSize int
	PoolCeiling int
	Weight      float64
}

// IsPrimary reports whether the alias is the write endpoint.
func (a Alias) IsPrimary() bool {
	return a.Role == RolePrimary
}

// ResolveAliases applies defaults and expands environment references in DSNs.
// It must be called on a validated configuration.
func (d *DatabaseConfig) ResolveAliases() []Alias {
	aliases := make([]Alias, 0, len(d.Aliases))
	for _, ac := range d.Aliases {
		a := Alias{
			Name:        ac.Name,
			Role:        Role(ac.Role),
			Driver:      ac.Driver,
			DSN:         os.ExpandEnv(ac.DSN),
			MaxPoolSize: ac.MaxPoolSize,
			MinPoolSize: ac.MinPoolSize,
			PoolCeiling: ac.PoolCeiling,
			Weight:      ac.Weight,
		}
		if a.Driver == "" {
			a.Driver = DriverPostgres
		}
		if a.MaxPoolSize == 0 {
			a.MaxPoolSize = 20
		}
		if a.MinPoolSize == 0 {
			a.MinPoolSize = 2
		}
		if a.MinPoolSize > a.MaxPoolSize {
			a.MinPoolSize = a.MaxPoolSize
		}
		if a.PoolCeiling == 0 {
			a.PoolCeiling = a.MaxPoolSize * 2
		}
		if a.Weight == 0 {
			a.Weight = 1
		}
		aliases = append(aliases, a)
	}
	return aliases
}

func parseDurationOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return helpers.ParseDuration(value)
}

// GetQueryTimeout parses the read query timeout.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	return parseDurationOr(d.QueryTimeout, 30*time.Second)
}

// GetWriteTimeout parses the write timeout.
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	return parseDurationOr(d.WriteTimeout, 15*time.Second)
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	return parseDurationOr(d.MaxConnLifetime, time.Hour)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	return parseDurationOr(d.MaxConnIdleTime, 30*time.Minute)
}

// GetThreshold returns the consecutive failure threshold.
func (d *DegradationConfig) GetThreshold() int {
	if d.Threshold <= 0 {
		return 5
	}
	return d.Threshold
}

// GetCooldown parses the degradation cooldown.
func (d *DegradationConfig) GetCooldown() (time.Duration, error) {
	return parseDurationOr(d.Cooldown, 60*time.Second)
}

// GetInterval parses the probe interval.
func (p *ProbeConfig) GetInterval() (time.Duration, error) {
	return parseDurationOr(p.Interval, 30*time.Second)
}

// GetTimeout parses the probe timeout.
func (p *ProbeConfig) GetTimeout() (time.Duration, error) {
	return parseDurationOr(p.Timeout, 5*time.Second)
}

// GetCacheTTL parses the status cache TTL. It defaults to twice the probe interval so a
// single slow cycle does not mark every replica stale.
func (p *ProbeConfig) GetCacheTTL() (time.Duration, error) {
	if p.CacheTTL == "" {
		interval, err := p.GetInterval()
		if err != nil {
			return 0, err
		}
		return 2 * interval, nil
	}
	return helpers.ParseDuration(p.CacheTTL)
}

// GetMaxReplicationLag parses the replication lag threshold.
func (r *RouterConfig) GetMaxReplicationLag() (time.Duration, error) {
	return parseDurationOr(r.MaxReplicationLag, 10*time.Second)
}

// CompileReplicaPatterns compiles the replica-preferred entity patterns (case-insensitive).
func (r *RouterConfig) CompileReplicaPatterns() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(r.ReplicaPatterns))
	for _, p := range r.ReplicaPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid replica pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// GetAcquireTimeout parses the pool acquire timeout.
func (p *PoolConfig) GetAcquireTimeout() (time.Duration, error) {
	return parseDurationOr(p.AcquireTimeout, 5*time.Second)
}

// GetOptimizeWindow parses the optimize observation window.
func (p *PoolConfig) GetOptimizeWindow() (time.Duration, error) {
	return parseDurationOr(p.OptimizeWindow, 5*time.Minute)
}

// GetMonitorInterval parses the pool monitor interval.
func (p *PoolConfig) GetMonitorInterval() (time.Duration, error) {
	return parseDurationOr(p.MonitorInterval, 15*time.Second)
}

// GetExhaustionThreshold returns the utilization warning threshold.
func (p *PoolConfig) GetExhaustionThreshold() float64 {
	if p.ExhaustionThreshold <= 0 {
		return 0.95
	}
	return p.ExhaustionThreshold
}

// GetTargetUtilization returns the default optimize target.
func (p *PoolConfig) GetTargetUtilization() float64 {
	if p.TargetUtilization <= 0 {
		return 0.7
	}
	return p.TargetUtilization
}

// GetMaxAttempts returns the total number of attempts for retryable errors.
func (r *RetryConfig) GetMaxAttempts() int {
	if r.MaxAttempts <= 0 {
		return 3
	}
	return r.MaxAttempts
}

// GetInitialInterval parses the first backoff interval.
func (r *RetryConfig) GetInitialInterval() (time.Duration, error) {
	return parseDurationOr(r.InitialInterval, 100*time.Millisecond)
}

// GetMaxInterval parses the backoff cap.
func (r *RetryConfig) GetMaxInterval() (time.Duration, error) {
	return parseDurationOr(r.MaxInterval, 2*time.Second)
}

// GetMultiplier returns the backoff multiplier.
func (r *RetryConfig) GetMultiplier() float64 {
	if r.Multiplier <= 0 {
		return 2.0
	}
	return r.Multiplier
}

// GetJitter returns whether backoff is randomized.
func (r *RetryConfig) GetJitter() bool {
	if r.Jitter == nil {
		return true
	}
	return *r.Jitter
}

// GetQueueSize returns the deadlock report queue size.
func (d *DeadlockConfig) GetQueueSize() int {
	if d.QueueSize <= 0 {
		return 256
	}
	return d.QueueSize
}

// GetRetention parses the journal retention.
func (d *DeadlockConfig) GetRetention() (time.Duration, error) {
	return parseDurationOr(d.Retention, 30*24*time.Hour)
}

// Validate checks struct tags and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value: %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	primaries := 0
	names := make(map[string]struct{}, len(c.Database.Aliases))
	for _, a := range c.Database.Aliases {
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("database.alias: duplicate alias name %q", a.Name)
		}
		names[a.Name] = struct{}{}
		if Role(a.Role) == RolePrimary {
			primaries++
		}
		if a.MinPoolSize > 0 && a.MaxPoolSize > 0 && a.MinPoolSize > a.MaxPoolSize {
			return fmt.Errorf("database.alias %q: min_pool_size (%d) exceeds max_pool_size (%d)", a.Name, a.MinPoolSize, a.MaxPoolSize)
		}
		if a.PoolCeiling > 0 && a.MaxPoolSize > 0 && a.PoolCeiling < a.MaxPoolSize {
			return fmt.Errorf("database.alias %q: pool_ceiling (%d) is below max_pool_size (%d)", a.Name, a.PoolCeiling, a.MaxPoolSize)
		}
	}
	if primaries != 1 {
		return fmt.Errorf("database.alias: exactly one alias must have role %q, found %d", RolePrimary, primaries)
	}

	durations := map[string]string{
		"database.query_timeout":       c.Database.QueryTimeout,
		"database.write_timeout":       c.Database.WriteTimeout,
		"database.max_conn_lifetime":   c.Database.MaxConnLifetime,
		"database.max_conn_idle_time":  c.Database.MaxConnIdleTime,
		"degradation.cooldown":         c.Degradation.Cooldown,
		"probe.interval":               c.Probe.Interval,
		"probe.timeout":                c.Probe.Timeout,
		"probe.cache_ttl":              c.Probe.CacheTTL,
		"router.max_replication_lag":   c.Router.MaxReplicationLag,
		"pool.acquire_timeout":         c.Pool.AcquireTimeout,
		"pool.optimize_window":         c.Pool.OptimizeWindow,
		"pool.monitor_interval":        c.Pool.MonitorInterval,
		"retry.initial_interval":       c.Retry.InitialInterval,
		"retry.max_interval":           c.Retry.MaxInterval,
		"deadlock.retention":           c.Deadlock.Retention,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := helpers.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if _, err := c.Router.CompileReplicaPatterns(); err != nil {
		return fmt.Errorf("router.replica_patterns: %w", err)
	}

	if c.StatusAPI.Enabled && c.StatusAPI.Addr == "" {
		return fmt.Errorf("status_api.addr is required when the status API is enabled")
	}

	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are logged as warnings and ignored; syntax errors fail with a hint.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Remember that every [[database.alias]] block starts a new alias", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - Section headers use [section] or [[array]] format\n"+
			"  - Boolean values are 'true' or 'false'", err)
	}

	return err
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
