package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Store struct {
	Backend     string // memory, pebble or postgres
	PebblePath  string
	PostgresDSN string
	// RedisAddr enables the read-through order/position cache when set
	RedisAddr string
	CacheTTL  time.Duration
}

type Oracle struct {
	Backend   string // static or redis
	RedisAddr string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Engine struct {
	LiquidationInterval time.Duration
	FundingInterval     time.Duration // how often due funding cycles are checked
	SelfTradePrevention bool
	// Markets as SYMBOL:type pairs, e.g. BTC-USDC:perpetual
	Markets []MarketSpec
}

type API struct {
	Addr        string
	CORSOrigins []string
}

// Feeder drives the synthetic order flow generator. Disabled by default.
type Feeder struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	NumAccounts int
}

type Log struct {
	Level string
	File  string
}

type MarketSpec struct {
	Symbol string
	Type   string
}

type Config struct {
	Store  Store
	Oracle Oracle
	Kafka  Kafka
	Engine Engine
	API    API
	Feeder Feeder
	Log    Log
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:    "memory",
			PebblePath: "data/engine",
			CacheTTL:   5 * time.Minute,
		},
		Oracle: Oracle{Backend: "static"},
		Kafka:  Kafka{Topic: "perp-events"},
		Engine: Engine{
			LiquidationInterval: time.Second,
			FundingInterval:     10 * time.Second,
			Markets: []MarketSpec{
				{Symbol: "BTC-USDC", Type: "perpetual"},
				{Symbol: "ETH-USDC", Type: "perpetual"},
			},
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Feeder: Feeder{
			Interval:    100 * time.Millisecond,
			BatchSize:   10,
			NumAccounts: 50,
		},
		Log: Log{Level: "info"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Store.RedisAddr = getEnv("REDIS_ADDR", cfg.Store.RedisAddr)
	if err := durationEnv("REDIS_CACHE_TTL_SEC", time.Second, &cfg.Store.CacheTTL); err != nil {
		return cfg, err
	}

	cfg.Oracle.Backend = getEnv("ORACLE_BACKEND", cfg.Oracle.Backend)
	cfg.Oracle.RedisAddr = getEnv("ORACLE_REDIS_ADDR", cfg.Store.RedisAddr)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	if err := durationEnv("LIQUIDATION_INTERVAL_SEC", time.Second, &cfg.Engine.LiquidationInterval); err != nil {
		return cfg, err
	}
	if err := durationEnv("FUNDING_CHECK_INTERVAL_SEC", time.Second, &cfg.Engine.FundingInterval); err != nil {
		return cfg, err
	}
	if err := boolEnv("SELF_TRADE_PREVENTION", &cfg.Engine.SelfTradePrevention); err != nil {
		return cfg, err
	}
	if raw := os.Getenv("MARKETS"); raw != "" {
		specs, err := ParseMarkets(raw)
		if err != nil {
			return cfg, err
		}
		cfg.Engine.Markets = specs
	}

	if err := boolEnv("FEEDER_ENABLED", &cfg.Feeder.Enabled); err != nil {
		return cfg, err
	}
	if err := durationEnv("FEEDER_INTERVAL_MS", time.Millisecond, &cfg.Feeder.Interval); err != nil {
		return cfg, err
	}
	if err := intEnv("FEEDER_BATCH_SIZE", &cfg.Feeder.BatchSize); err != nil {
		return cfg, err
	}
	if err := intEnv("FEEDER_ACCOUNTS", &cfg.Feeder.NumAccounts); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects unknown backends and empty market lists.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "pebble":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	switch c.Oracle.Backend {
	case "static":
	case "redis":
		if c.Oracle.RedisAddr == "" {
			return fmt.Errorf("ORACLE_BACKEND=redis requires ORACLE_REDIS_ADDR or REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown ORACLE_BACKEND %q", c.Oracle.Backend)
	}
	if len(c.Engine.Markets) == 0 {
		return fmt.Errorf("no markets configured")
	}
	return nil
}

// ParseMarkets parses "SYM:type,SYM:type". A missing type means perpetual.
func ParseMarkets(raw string) ([]MarketSpec, error) {
	var out []MarketSpec
	for _, item := range splitList(raw) {
		sym, typ, found := strings.Cut(item, ":")
		if !found {
			typ = "perpetual"
		}
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			return nil, fmt.Errorf("MARKETS: empty symbol in %q", item)
		}
		out = append(out, MarketSpec{Symbol: sym, Type: strings.ToLower(strings.TrimSpace(typ))})
	}
	return out, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationEnv(key string, unit time.Duration, dst *time.Duration) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	*dst = time.Duration(n) * unit
	return nil
}

func intEnv(key string, dst *int) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	*dst = n
	return nil
}

func boolEnv(key string, dst *bool) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got %q", key, raw)
	}
	*dst = b
	return nil
}
