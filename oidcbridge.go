package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	authhttp "github.com/open-rails/oidcbridge/adapters/http"
	"github.com/open-rails/oidcbridge/config"
	"github.com/open-rails/oidcbridge/core"
	pgmigrations "github.com/open-rails/oidcbridge/migrations/postgres"
	oidckit "github.com/open-rails/oidcbridge/oidc"
	redislimiter "github.com/open-rails/oidcbridge/ratelimit/redis"
	"github.com/open-rails/oidcbridge/secrets"
	memorystore "github.com/open-rails/oidcbridge/storage/memory"
	pgstore "github.com/open-rails/oidcbridge/storage/postgres"
	redisstore "github.com/open-rails/oidcbridge/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	load := func() (*config.Config, error) { return config.Load(viper.New(), configFile) }

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the OIDC endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}

	root := &cobra.Command{
		Use:           "oidcbridge",
		Short:         "Present an OAuth2 provider as an OpenID Connect issuer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file (env vars still override)")
	root.AddCommand(serve, migrate)
	return root
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewMetrics(reg)

	fetcher, err := secrets.New(ctx, cfg.SecretBackend, cfg.AWSRegion, cfg.SecretDir)
	if err != nil {
		return fmt.Errorf("secret store: %w", err)
	}
	keys := core.NewKeyLoader(fetcher, cfg.PrivateKeySecret, cfg.KeyID,
		core.WithFetchTimeout(cfg.KeyFetchTimeout),
		core.WithKeyLoaderLogger(log),
		core.WithKeyLoaderMetrics(metrics),
	)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	up, err := oidckit.NewUpstream(cfg.Upstream())
	if err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	recOpts := []core.ReconcilerOption{
		core.WithStoreTimeout(cfg.StoreTimeout),
		core.WithReconcilerLogger(log),
		core.WithReconcilerMetrics(metrics),
	}
	if st.provisioner != nil {
		recOpts = append(recOpts, core.WithProvisioner(st.provisioner))
	}
	bridge := core.NewBridge(up, core.NewReconciler(st.identities, cfg.ProviderName, recOpts...),
		core.NewMinter(keys, cfg.Issuer, cfg.Audience)).
		WithPolicy(cfg.ReconcilePolicy).
		WithMetrics(metrics).
		WithLogger(log)

	svc := authhttp.NewService(bridge, cfg.Issuer).
		WithLogger(log).
		WithMetrics(authhttp.NewHTTPMetrics(reg), reg)
	if st.redis != nil {
		svc.WithRateLimiter(redislimiter.New(st.redis, authhttp.ToRedisLimits(authhttp.DefaultRateLimits())))
	}
	if len(cfg.TrustedProxies) > 0 {
		trusted, err := authhttp.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		svc.WithClientIPFunc(authhttp.ClientIPFromForwardedHeaders(trusted))
	}
	if svc, err = svc.WithStaticJWKS(cfg.JWKSJSON, cfg.KeyID); err != nil {
		return fmt.Errorf("JWKS_JSON: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Warnw("shutdown", "error", err)
		}
	}()

	log.Infow("listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer, "store", cfg.IdentityStore, "policy", cfg.ReconcilePolicy)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type store struct {
	identities  core.IdentityStore
	provisioner core.LinkedAccountProvisioner
	redis       redis.UniversalClient
	closers     []func() error
}

func (s *store) close() {
	for _, c := range s.closers {
		_ = c()
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*store, error) {
	st := &store{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		st.redis = rdb
		st.closers = append(st.closers, rdb.Close)
	}

	switch cfg.IdentityStore {
	case config.StorePostgres:
		db, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st.closers = append(st.closers, db.Close)
		if cfg.MigrateOnStart {
			if err := migrate(ctx, db, log); err != nil {
				st.close()
				return nil, err
			}
		}
		st.identities = pgstore.NewIdentities(db)
		st.provisioner = pgstore.NewLinkedAccounts(db)
	case config.StoreRedis:
		st.identities = redisstore.NewIdentities(st.redis)
	case config.StoreMemory:
		log.Warnw("identity records are kept in memory and lost on restart")
		st.identities = memorystore.NewIdentities()
	default:
		return nil, fmt.Errorf("unknown identity store %q", cfg.IdentityStore)
	}
	return st, nil
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	if cfg.IdentityStore != config.StorePostgres {
		return fmt.Errorf("migrate requires IDENTITY_STORE=postgres, got %q", cfg.IdentityStore)
	}
	zl, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	db, err := pgstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	return migrate(ctx, db, zl.Sugar())
}

func migrate(ctx context.Context, db *sql.DB, log *zap.SugaredLogger) error {
	n, err := pgmigrations.Up(ctx, db)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Infow("migrations applied", "count", n)
	return nil
}

func fatal(err error) {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
