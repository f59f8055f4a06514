package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noDotEnv points the loader at a file that does not exist so a stray .env
// in the package directory cannot leak into the test.
func noDotEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFromEnv(noDotEnv(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "static", cfg.Oracle.Backend)
	assert.Equal(t, time.Second, cfg.Engine.LiquidationInterval)
	assert.Equal(t, 10*time.Second, cfg.Engine.FundingInterval)
	assert.False(t, cfg.Engine.SelfTradePrevention)
	assert.False(t, cfg.Feeder.Enabled)
	assert.Len(t, cfg.Engine.Markets, 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9090")
	t.Setenv("STORE_BACKEND", "pebble")
	t.Setenv("PEBBLE_PATH", "/tmp/engine")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ORACLE_BACKEND", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LIQUIDATION_INTERVAL_SEC", "5")
	t.Setenv("SELF_TRADE_PREVENTION", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example")
	t.Setenv("MARKETS", "btc-usdc:perpetual,ETH-USDC:spot,SOL-USDC")
	t.Setenv("FEEDER_ENABLED", "1")
	t.Setenv("FEEDER_INTERVAL_MS", "250")

	cfg, err := LoadFromEnv(noDotEnv(t))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, "pebble", cfg.Store.Backend)
	assert.Equal(t, "/tmp/engine", cfg.Store.PebblePath)
	assert.Equal(t, "localhost:6379", cfg.Oracle.RedisAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Engine.LiquidationInterval)
	assert.True(t, cfg.Engine.SelfTradePrevention)
	assert.Equal(t, []string{"https://a.example"}, cfg.API.CORSOrigins)
	assert.Equal(t, []MarketSpec{
		{Symbol: "BTC-USDC", Type: "perpetual"},
		{Symbol: "ETH-USDC", Type: "spot"},
		{Symbol: "SOL-USDC", Type: "perpetual"},
	}, cfg.Engine.Markets)
	assert.True(t, cfg.Feeder.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Feeder.Interval)
}

func TestDotEnvFileBelowEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PEBBLE_PATH=/from/file\nKAFKA_TOPIC=file-topic\n"), 0o600))
	t.Setenv("KAFKA_TOPIC", "env-topic")
	// godotenv sets variables for the process; register cleanup for the one
	// that came from the file.
	t.Cleanup(func() { os.Unsetenv("PEBBLE_PATH") })

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.Store.PebblePath)
	assert.Equal(t, "env-topic", cfg.Kafka.Topic)
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"STORE_BACKEND", "sqlite"},
		{"STORE_BACKEND", "postgres"},
		{"ORACLE_BACKEND", "redis"},
		{"ORACLE_BACKEND", "chainlink"},
		{"LIQUIDATION_INTERVAL_SEC", "0"},
		{"FUNDING_CHECK_INTERVAL_SEC", "soon"},
		{"SELF_TRADE_PREVENTION", "maybe"},
		{"FEEDER_BATCH_SIZE", "-1"},
		{"MARKETS", ":spot"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv(noDotEnv(t))
			assert.Error(t, err)
		})
	}
}
