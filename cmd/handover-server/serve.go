package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/wardhandover/handover/internal/config"
	"github.com/wardhandover/handover/internal/domain/beddirectory"
	"github.com/wardhandover/handover/internal/domain/handover"
	"github.com/wardhandover/handover/internal/platform/cache"
	"github.com/wardhandover/handover/internal/platform/db"
	"github.com/wardhandover/handover/internal/platform/metrics"
	"github.com/wardhandover/handover/internal/platform/middleware"
	"github.com/wardhandover/handover/migrations"
)

// store is the Record Store picked once at startup.
type store struct {
	repos handover.Repositories
	uow   handover.UnitOfWork
	probe db.Probe
	close func()
}

func openPostgres(ctx context.Context, cfg *config.Config, autoMigrate bool, logger zerolog.Logger) (*store, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	if autoMigrate {
		n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}
	return pgStore(pool), nil
}

func pgStore(pool *pgxpool.Pool) *store {
	return &store{
		repos: handover.NewRepositoriesPG(pool),
		uow:   db.NewTxRunner(pool),
		probe: db.PgProbe(pool),
		close: pool.Close,
	}
}

func openSQLite(path string) (*store, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	repos, err := handover.NewRepositoriesSQLite(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return sqliteStore(sqlDB, repos), nil
}

func sqliteStore(sqlDB *sql.DB, repos handover.Repositories) *store {
	return &store{
		repos: repos,
		uow:   db.NewSQLTxRunner(sqlDB),
		probe: db.SQLiteProbe(sqlDB),
		close: func() { sqlDB.Close() },
	}
}

func loadDirectory(cfg *config.Config) (*beddirectory.Directory, error) {
	if cfg.BedDirectoryFile == "" {
		return beddirectory.Default(), nil
	}
	dir, err := beddirectory.LoadFile(cfg.BedDirectoryFile)
	if err != nil {
		return nil, fmt.Errorf("load bed directory: %w", err)
	}
	return dir, nil
}

// serviceOptions maps validated config onto the service. The cache is only
// set when enabled so a disabled one never reaches the service as a non-nil
// interface.
func serviceOptions(cfg *config.Config, logger zerolog.Logger, viewCache *cache.Cache, m *metrics.Metrics) (handover.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return handover.Options{}, err
	}
	mode, err := handover.ParseSaveMode(cfg.SaveMode)
	if err != nil {
		return handover.Options{}, err
	}
	policy, err := handover.ParseVersionPolicy(cfg.VersionPolicy)
	if err != nil {
		return handover.Options{}, err
	}

	opts := handover.Options{
		Logger:          logger,
		Location:        loc,
		SaveMode:        mode,
		VersionPolicy:   policy,
		TeamConcurrency: cfg.TeamReadConcurrency,
	}
	if m != nil {
		opts.Observer = m
	}
	if viewCache != nil && viewCache.IsEnabled() {
		opts.Cache = viewCache
	}
	return opts, nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, st *store, svc *handover.Service, m *metrics.Metrics, deps ...db.Dependency) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Audit(logger))

	e.GET("/health", db.HealthHandler(st.probe, deps...))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	apiV1 := e.Group("/api/v1")
	handover.NewHandler(svc, logger).RegisterRoutes(apiV1)

	return e
}

// healthDependencies lists the optional collaborators /health reports on.
func healthDependencies(viewCache *cache.Cache) []db.Dependency {
	if viewCache == nil || !viewCache.IsEnabled() {
		return nil
	}
	return []db.Dependency{{Name: "cache", Ping: viewCache.Ping}}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer(autoMigrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	var st *store
	if cfg.UsesPostgres() {
		st, err = openPostgres(ctx, cfg, autoMigrate, logger)
	} else {
		st, err = openSQLite(cfg.SQLitePath)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open record store")
	}
	defer st.close()
	logger.Info().Str("backend", st.probe.Backend()).Msg("record store ready")

	viewCache, err := cache.New(ctx, cache.Config{URL: cfg.RedisURL, TTL: cfg.CacheTTL})
	if err != nil {
		logger.Warn().Err(err).Msg("bed view cache unavailable, continuing without it")
		viewCache = nil
	} else {
		defer viewCache.Close()
	}

	dir, err := loadDirectory(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load bed directory")
	}

	m := metrics.New()
	opts, err := serviceOptions(cfg, logger, viewCache, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid service options")
	}
	svc := handover.NewService(st.repos, st.uow, dir, opts)
	e := newServer(cfg, logger, st, svc, m, healthDependencies(viewCache)...)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("save_mode", opts.SaveMode.String()).
			Str("version_policy", opts.VersionPolicy.String()).
			Bool("cache", opts.Cache != nil).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
