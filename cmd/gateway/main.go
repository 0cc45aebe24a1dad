package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/svchub/gateway/internal/broker"
	"github.com/svchub/gateway/internal/config"
	"github.com/svchub/gateway/internal/gateway"
	"github.com/svchub/gateway/internal/logging"
	"github.com/svchub/gateway/internal/metrics"
	"github.com/svchub/gateway/internal/proxy"
	"github.com/svchub/gateway/internal/ratelimit"
	"github.com/svchub/gateway/internal/registry"
	"github.com/svchub/gateway/internal/ssrf"
	"github.com/svchub/gateway/internal/storage"
	"github.com/svchub/gateway/internal/store"
	"github.com/svchub/gateway/internal/upstreamauth"
	"github.com/svchub/gateway/internal/vault"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Service Gateway %s\n", version)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// Relational storage: Postgres when configured, in-memory otherwise.
	var db storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		db = pg
		logging.Info("using postgres storage")
	} else {
		db = storage.NewMemoryStore()
		logging.Warn("no database configured, using in-memory storage")
	}
	defer db.Close()

	// TTL/counter store: shared Redis when configured, otherwise
	// per-process. Counters are only cross-instance exact with Redis.
	var kv store.Store
	var limiter ratelimit.Limiter
	if cfg.Redis.Enabled {
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		kv = rs
		limiter = ratelimit.NewRedisLimiter(rs.Client())
		logging.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		kv = store.NewMemoryStore()
		sw := ratelimit.NewSlidingWindow()
		defer sw.Close()
		limiter = sw
	}
	defer kv.Close()

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return fmt.Errorf("vault master key: %w", err)
	}
	v, err := vault.New(masterKey, db)
	if err != nil {
		return err
	}

	guard, err := ssrf.New(nil)
	if err != nil {
		return err
	}

	reg := registry.New(db)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load routing table: %w", err)
	}

	m := metrics.New(nil)
	engine := proxy.New(guard, upstreamauth.New(v), m, cfg.Defaults.UpstreamTimeout)
	defer engine.Close()

	keys := gateway.NewKeyManager(db)
	sessions := gateway.NewSessionAuth(cfg.Session)
	quota := ratelimit.NewQuota(kv)

	proxyHandler := gateway.NewProxyHandler(reg, keys, sessions, limiter, quota, engine, db, m, cfg.Defaults)
	adminAPI := gateway.NewAdminAPI(reg, keys, v, db, guard)
	authSurface := gateway.NewAuthSurface(broker.New(cfg.Broker, kv, v), sessions, m)

	logging.Info("starting service gateway",
		zap.String("listen", cfg.Listen),
		zap.Int("providers", len(cfg.Broker.Providers)),
	)
	return gateway.NewServer(cfg, proxyHandler, adminAPI, authSurface).Run(ctx)
}
