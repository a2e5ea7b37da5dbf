package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL.Std())
	assert.Equal(t, int64(500), cfg.Genesis.GridFeeRate)
	assert.Equal(t, int64(1000), cfg.Genesis.MinStakeAmount)
	assert.Equal(t, uint64(6000), cfg.Genesis.BlocksPerYear)
	assert.Equal(t, 4, cfg.Genesis.Difficulty)
	assert.Equal(t, int64(10), cfg.Genesis.MiningReward)
	assert.True(t, cfg.Genesis.MarketOpen)
}

func TestLoad_MissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Genesis, cfg.Genesis)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	raw := `
server:
  addr: ":9090"
  mine_interval: 30s
auth:
  jwt_secret: file-secret
  token_ttl: 1h
genesis:
  grid_fee_rate: 400
  difficulty: 2
  validators:
    - validator_1
  accounts:
    - address: solar_farm_1
      name: Solar Farm
      watt: 500000
      grid: 100000
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("EXCHANGE_ADDR", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.MineInterval.Std())
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL.Std())
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret, "environment wins over the file")

	assert.Equal(t, int64(400), cfg.Genesis.GridFeeRate)
	assert.Equal(t, 2, cfg.Genesis.Difficulty)
	// Unset keys keep their defaults.
	assert.Equal(t, int64(100000), cfg.Genesis.MaxOrderSize)

	require.Len(t, cfg.Genesis.Accounts, 1)
	assert.Equal(t, "solar_farm_1", cfg.Genesis.Accounts[0].Address)
	assert.Equal(t, int64(500000), cfg.Genesis.Accounts[0].Watt)
	assert.Equal(t, []string{"validator_1"}, cfg.Genesis.Validators)
}
