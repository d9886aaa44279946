package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWith(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "be-ops-approvals", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, StorePostgres, cfg.Engine.StoreBackend)
	assert.Equal(t, 5, cfg.Engine.DecisionMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ENGINE_STORE_BACKEND", "memory")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("ENGINE_TIMEZONE", "America/Chicago")

	cfg, err := LoadWith(viper.New())
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Engine.StoreBackend)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "America/Chicago", cfg.Location().String())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approvals.yaml")
	content := `
server:
  port: 9999
engine:
  store_backend: redis
  decision_max_retries: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadWith(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, StoreRedis, cfg.Engine.StoreBackend)
	assert.Equal(t, 3, cfg.Engine.DecisionMaxRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"bad backend", func(c *Config) { c.Engine.StoreBackend = "sqlite" }, true},
		{"zero retries", func(c *Config) { c.Engine.DecisionMaxRetries = 0 }, true},
		{"bad tz", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWith(viper.New())
			require.NoError(t, err)
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: 5433, Database: "db", SSLMode: "require"}
	assert.Equal(t, "postgres://u:p@h:5433/db?sslmode=require", d.DSN())
}
