package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/socialflowhq/creditledger/internal/balancecache"
	"github.com/socialflowhq/creditledger/internal/confirmbus"
	"github.com/socialflowhq/creditledger/internal/extern"
	"github.com/socialflowhq/creditledger/internal/httpapi"
	"github.com/socialflowhq/creditledger/internal/oplog"
	"github.com/socialflowhq/creditledger/internal/store/gormstore"
	"github.com/socialflowhq/creditledger/internal/store/pgstore"
	"github.com/socialflowhq/creditledger/pkg/ledger"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagRedisAddr      = "redis-addr"
	flagNATSURL        = "nats-url"
	flagGeneratorURL   = "generator-url"
	flagPublisherURL   = "publisher-url"
	flagSigningKey     = "session-signing-key"
	flagSessionIssuer  = "session-issuer"
	flagSessionCookie  = "session-cookie"
	flagAllowedOrigins = "allowed-origins"
	flagGenerationCost = "generation-cost"
	flagSignupGrant    = "signup-grant"
	flagSweepMaxAge    = "sweep-max-age"
	flagSweepInterval  = "sweep-interval"
	flagStoreDriver    = "store-driver"

	storeDriverPgx  = "pgx"
	storeDriverGorm = "gorm"

	defaultDatabaseURL   = "sqlite:///tmp/creditledger.db"
	defaultListenAddr    = ":9090"
	defaultGeneratorURL  = "http://localhost:7100"
	defaultSweepMaxAge   = 15 * time.Minute
	defaultSweepInterval = time.Minute
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	RedisAddr      string
	NATSURL        string
	GeneratorURL   string
	PublisherURL   string
	SigningKey     string
	SessionIssuer  string
	SessionCookie  string
	AllowedOrigins string
	GenerationCost int64
	SignupGrant    int64
	SweepMaxAge    time.Duration
	SweepInterval  time.Duration
	StoreDriver    string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger daemon for the social posting app",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagRedisAddr, "", "Redis address for the balance cache (optional)")
	flags.String(flagNATSURL, "", "NATS URL for payment confirmations (optional)")
	flags.String(flagGeneratorURL, defaultGeneratorURL, "content generator base URL")
	flags.String(flagPublisherURL, "", "publishing pipeline base URL (optional)")
	flags.String(flagSigningKey, "", "session token signing key")
	flags.String(flagSessionIssuer, "", "session token issuer")
	flags.String(flagSessionCookie, "", "session cookie name")
	flags.String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	flags.Int64(flagGenerationCost, 0, "credits charged per generation")
	flags.Int64(flagSignupGrant, 0, "credits granted at signup")
	flags.Duration(flagSweepMaxAge, defaultSweepMaxAge, "age after which a pending reservation is voided")
	flags.Duration(flagSweepInterval, defaultSweepInterval, "interval between reconciliation sweeps")
	flags.String(flagStoreDriver, storeDriverPgx, "postgres store driver: pgx or gorm")

	cmd.AddCommand(newSweepCommand(cfg))
	return cmd
}

func newSweepCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Void stale pending reservations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSweepOnce(ctx, cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:    "DATABASE_URL",
		flagListenAddr:     "LISTEN_ADDR",
		flagRedisAddr:      "REDIS_ADDR",
		flagNATSURL:        "NATS_URL",
		flagGeneratorURL:   "GENERATOR_URL",
		flagPublisherURL:   "PUBLISHER_URL",
		flagSigningKey:     "SESSION_SIGNING_KEY",
		flagSessionIssuer:  "SESSION_ISSUER",
		flagSessionCookie:  "SESSION_COOKIE",
		flagAllowedOrigins: "ALLOWED_ORIGINS",
		flagGenerationCost: "GENERATION_COST",
		flagSignupGrant:    "SIGNUP_GRANT",
		flagSweepMaxAge:    "SWEEP_MAX_AGE",
		flagSweepInterval:  "SWEEP_INTERVAL",
		flagStoreDriver:    "STORE_DRIVER",
	}
	for flagName, envName := range bindings {
		key := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(key, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.RedisAddr = viper.GetString("redis_addr")
	cfg.NATSURL = viper.GetString("nats_url")
	cfg.GeneratorURL = viper.GetString("generator_url")
	cfg.PublisherURL = viper.GetString("publisher_url")
	cfg.SigningKey = viper.GetString("session_signing_key")
	cfg.SessionIssuer = viper.GetString("session_issuer")
	cfg.SessionCookie = viper.GetString("session_cookie")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.GenerationCost = viper.GetInt64("generation_cost")
	cfg.SignupGrant = viper.GetInt64("signup_grant")
	cfg.SweepMaxAge = viper.GetDuration("sweep_max_age")
	cfg.SweepInterval = viper.GetDuration("sweep_interval")
	cfg.StoreDriver = viper.GetString("store_driver")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.SweepMaxAge <= 0 {
		cfg.SweepMaxAge = defaultSweepMaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = storeDriverPgx
	}
	if cfg.StoreDriver != storeDriverPgx && cfg.StoreDriver != storeDriverGorm {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	gate, err := ledger.NewGate(service)
	if err != nil {
		return fmt.Errorf("gate init: %w", err)
	}
	confirmations, err := ledger.NewPaymentConfirmations(service)
	if err != nil {
		return fmt.Errorf("confirmations init: %w", err)
	}
	sweeper, err := ledger.NewSweeper(service, clock, ledger.SweeperConfig{
		MaxAge:   cfg.SweepMaxAge,
		Interval: cfg.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	var cache *balancecache.Cache
	if cfg.RedisAddr != "" {
		redisClient, err := balancecache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()
		cache = balancecache.New(redisClient, 0)
	}

	var publisher extern.Publisher
	if cfg.PublisherURL != "" {
		publisher = extern.NewHTTPPublisher(cfg.PublisherURL, nil)
	}
	generator := extern.NewHTTPGenerator(cfg.GeneratorURL, nil)

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		GenerationCost:    cfg.GenerationCost,
		SignupGrant:       cfg.SignupGrant,
	}, logger, service, gate, confirmations, cache, generator, publisher)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	errCh := make(chan error, 3)

	go func() {
		errCh <- server.Run(ctx)
	}()

	go func() {
		errCh <- sweeper.Run(ctx, func(swept int, err error) {
			if err != nil {
				logger.Error("reconciliation sweep failed", zap.Error(err))
				return
			}
			if swept > 0 {
				logger.Info("reconciliation sweep voided stale reservations", zap.Int("count", swept))
			}
		})
	}()

	if cfg.NATSURL != "" {
		natsConn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer natsConn.Close()
		busHandler, err := confirmbus.NewHandler(confirmations, natsConn, logger)
		if err != nil {
			return fmt.Errorf("confirmation bus init: %w", err)
		}
		go func() {
			errCh <- busHandler.Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		return nil
	case err := <-errCh:
		return err
	}
}

func runSweepOnce(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := ledger.NewService(store, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	sweeper, err := ledger.NewSweeper(service, clock, ledger.SweeperConfig{MaxAge: cfg.SweepMaxAge})
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}
	swept, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	logger.Info("sweep complete", zap.Int("voided", swept))
	return nil
}

// openStore picks the backing store from the connection string. Postgres URLs
// get the pgx store with migrations by default, or the GORM store when
// store-driver=gorm; anything else is treated as SQLite through GORM.
func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func(), error) {
	dsn := cfg.DatabaseURL
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if cfg.StoreDriver == storeDriverGorm {
			db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
			if err != nil {
				return nil, nil, err
			}
			return finishGormStore(db)
		}
		if err := pgstore.MigrateUp(dsn); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	return finishGormStore(db)
}

func finishGormStore(db *gorm.DB) (ledger.Store, func(), error) {
	if err := gormstore.Migrate(db); err != nil {
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return gormstore.New(db), func() { _ = sqlDB.Close() }, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = "creditledger.db"
	}
	if path == ":memory:" {
		return path, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

