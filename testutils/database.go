package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/db"
	"github.com/stretchr/testify/require"
)

// TestDatabase holds endpoints opened from config-test.toml.
type TestDatabase struct {
	Endpoints map[string]*db.Endpoint
	Config    config.Config
}

// SetupTestDatabase opens every alias in config-test.toml. The test is
// skipped in short mode and when no config-test.toml exists.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg), "Failed to load test config. Please check config-test.toml syntax")
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	endpoints, err := db.Open(ctx, cfg.Database)
	require.NoError(t, err, "Failed to connect to the test primary. Please ensure the database in config-test.toml is running")

	td := &TestDatabase{Endpoints: endpoints, Config: cfg}
	t.Cleanup(td.Cleanup)
	return td
}

// Aliases returns the resolved aliases of the test configuration.
func (td *TestDatabase) Aliases() []config.Alias {
	return td.Config.Database.ResolveAliases()
}

// Cleanup closes every endpoint.
func (td *TestDatabase) Cleanup() {
	for _, ep := range td.Endpoints {
		ep.Close()
	}
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}
