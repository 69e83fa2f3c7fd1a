package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8431", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "newest_first", cfg.Enforcement.Order)
	assert.Equal(t, int64(0), cfg.Runtime.ReservedBytes)
	assert.Equal(t, []string{"docker_socket", "docker_exec"}, cfg.Attribution.AuditKeys)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownOrder(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Enforcement.Order = "round_robin"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())
}

func TestValidateSQLiteNeedsPath(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Database.Driver = "sqlite3"
	cfg.Database.SQLitePath = ""
	assert.Error(t, cfg.Validate())

	cfg.Database.SQLitePath = "/tmp/qman.db"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "/tmp/qman.db", cfg.GetDatabaseURL())
}

func TestValidateMasterNeedsSecret(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Master.URL = "https://master.internal/events"
	cfg.Master.Secret = ""
	assert.Error(t, cfg.Validate())

	cfg.Master.Secret = "shared"
	assert.NoError(t, cfg.Validate())
}

func TestValidateProductionNeedsAuthSecret(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Server.Environment = "production"
	cfg.Server.AuthSecret = ""
	assert.Error(t, cfg.Validate())

	cfg.Server.AuthSecret = "sekret"
	assert.NoError(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ENFORCEMENT_ORDER", "largest_first")
	t.Setenv("AUDIT_KEYS", "docker_run, docker_build")
	t.Setenv("RUNTIME_RESERVED_BYTES", "1073741824")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "largest_first", cfg.Enforcement.Order)
	assert.Equal(t, []string{"docker_run", "docker_build"}, cfg.Attribution.AuditKeys)
	assert.Equal(t, int64(1073741824), cfg.Runtime.ReservedBytes)
}
