package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/perpengine/params"
	"github.com/uhyunpark/perpengine/pkg/api"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
	"github.com/uhyunpark/perpengine/pkg/app/core/market"
	"github.com/uhyunpark/perpengine/pkg/app/perp"
	"github.com/uhyunpark/perpengine/pkg/notify"
	"github.com/uhyunpark/perpengine/pkg/oracle"
	"github.com/uhyunpark/perpengine/pkg/storage"
	"github.com/uhyunpark/perpengine/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine_exited", zap.Error(err))
		closeLog()
		os.Exit(1)
	}
	logger.Info("engine_stopped")
}

func newLogger(cfg params.Log) (*zap.Logger, func(), error) {
	if cfg.File == "" {
		l, err := util.NewLogger(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Sync() }, nil
	}
	return util.NewLoggerWithFile(cfg.File, cfg.Level)
}

func run(ctx context.Context, cfg params.Config, logger *zap.Logger) error {
	// ---- Storage ----
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ---- Oracle ----
	var src oracle.Source = oracle.NewStatic()
	if cfg.Oracle.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Oracle.RedisAddr})
		defer rdb.Close()
		src = oracle.NewRedisSource(rdb)
	}

	// ---- Event sinks ----
	hub := api.NewHub(logger.Named("ws"))
	sinks := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		ks := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
		defer ks.Close()
		sinks = append(sinks, ks)
		logger.Info("kafka_sink_enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// ---- App ----
	app := perp.NewApp(
		perp.WithStore(store),
		perp.WithOracle(src),
		perp.WithSink(sinks),
		perp.WithLogger(logger.Named("perp")),
		perp.WithSelfTradePrevention(cfg.Engine.SelfTradePrevention),
		perp.WithIntervals(cfg.Engine.LiquidationInterval, cfg.Engine.FundingInterval),
	)
	for _, ms := range cfg.Engine.Markets {
		typ, err := market.ParseMarketType(ms.Type)
		if err != nil {
			return fmt.Errorf("market %s: %w", ms.Symbol, err)
		}
		m, err := market.NewMarketWithDefaults(ms.Symbol, typ)
		if err != nil {
			return fmt.Errorf("market %s: %w", ms.Symbol, err)
		}
		if err := app.AddMarket(m); err != nil {
			return err
		}
	}
	if err := app.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer app.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Feeder.Enabled {
		fc := perp.DefaultFeederConfig()
		fc.Interval = cfg.Feeder.Interval
		fc.BatchSize = cfg.Feeder.BatchSize
		fc.NumAccounts = cfg.Feeder.NumAccounts
		feeder := perp.NewFeeder(app, fc)
		if err := feeder.Fund(ctx); err != nil {
			return fmt.Errorf("fund feeder: %w", err)
		}
		g.Go(func() error {
			feeder.Run(gctx)
			s := feeder.Stats()
			logger.Info("feeder_stopped", zap.Int("orders", s.Orders), zap.Int("cancels", s.Cancels), zap.Int("rejected", s.Rejected))
			return nil
		})
	}

	srv := api.NewServer(app, hub,
		api.WithLogger(logger.Named("api")),
		api.WithAllowedOrigins(cfg.API.CORSOrigins),
	)
	g.Go(func() error { return srv.Start(gctx, cfg.API.Addr) })

	logger.Info("engine_started",
		zap.String("api", cfg.API.Addr),
		zap.String("store", cfg.Store.Backend),
		zap.String("oracle", cfg.Oracle.Backend),
		zap.Int("markets", len(cfg.Engine.Markets)),
		zap.Bool("feeder", cfg.Feeder.Enabled),
	)
	return g.Wait()
}

func openStore(ctx context.Context, cfg params.Store, logger *zap.Logger) (storage.Store, error) {
	var primary storage.Store
	switch cfg.Backend {
	case "pebble":
		s, err := storage.NewPebbleStore(cfg.PebblePath)
		if err != nil {
			return nil, fmt.Errorf("open pebble: %w", err)
		}
		primary = s
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := storage.NewPostgresStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		primary = s
	default:
		primary = storage.NewMemoryStore()
	}
	logger.Info("store_opened", zap.String("backend", cfg.Backend))

	if cfg.RedisAddr == "" {
		return primary, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("store_cache_enabled", zap.String("redis", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
	return storage.NewCachedStore(primary, rdb, cfg.CacheTTL), nil
}
