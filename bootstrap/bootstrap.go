// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/tablegate/adapters/clock"
	"github.com/artpar/tablegate/adapters/database"
	"github.com/artpar/tablegate/adapters/hasher"
	apihttp "github.com/artpar/tablegate/adapters/http"
	"github.com/artpar/tablegate/adapters/idgen"
	"github.com/artpar/tablegate/adapters/memory"
	"github.com/artpar/tablegate/adapters/metrics"
	"github.com/artpar/tablegate/config"
	"github.com/artpar/tablegate/core/access"
	"github.com/artpar/tablegate/core/crud"
	"github.com/artpar/tablegate/core/fieldtype"
	"github.com/artpar/tablegate/core/loader"
	"github.com/artpar/tablegate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	DB         *database.DB
	Loader     *loader.Loader
	Grants     *memory.Grants
	Metrics    *metrics.Collector
	Service    *crud.Service
	Router     http.Handler
	HTTPServer *http.Server

	stopWatch context.CancelFunc
}

// Options are process-level settings that do not come from config.
type Options struct {
	Version   string
	LogOutput io.Writer // default stdout
}

// New opens the database, runs engine migrations and wires the loader,
// access gate, crud service and HTTP server.
func New(ctx context.Context, holder *config.Holder, opts Options) (*App, error) {
	cfg := holder.Get()
	logger := NewLogger(cfg.Logging, opts.LogOutput)
	logger.Info().Str("version", opts.Version).Msg("initializing tablegate")

	a := &App{Logger: logger, Config: holder}
	ok := false
	defer func() {
		if !ok {
			a.Shutdown()
		}
	}()

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Str("driver", db.Driver).Str("dialect", db.Dialect.Name()).Msg("database ready")

	var m ports.Metrics = ports.NopMetrics{}
	if cfg.Metrics.Enabled {
		a.Metrics = NewMetrics()
		m = a.Metrics
		logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	store, err := NewCacheStore(cfg.Schema.Cache.Store, db)
	if err != nil {
		return nil, err
	}
	a.Loader, err = NewLoader(cfg, store, m, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Schema.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		a.stopWatch = cancel
		if err := a.Loader.Watch(watchCtx); err != nil {
			logger.Warn().Err(err).Msg("schema watching disabled")
		}
	}

	a.Grants = memory.NewGrants(cfg.Access.Grants)
	holder.OnChange(a.applyReload)

	a.Service, err = crud.New(crud.Config{
		Schemas: a.Loader,
		DB:      db.DB,
		Dialect: db.Dialect,
		Gate:    access.New(access.Config{Authorizer: a.Grants, Logger: logger}),
		Clock:   clock.Real{},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init service: %w", err)
	}

	a.Router = apihttp.NewRouter(apihttp.RouterConfig{
		Handler:     apihttp.NewHandler(a.Service, cfg.Access.PrincipalHeader, cfg.Access.RolesHeader, logger),
		Health:      db,
		Metrics:     a.Metrics,
		MetricsPath: cfg.Metrics.Path,
		Version:     opts.Version,
		Logger:      logger,
	})
	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ok = true
	return a, nil
}

// NewRegistry returns the field type registry configured by cfg.
func NewRegistry(cfg *config.Config) (*fieldtype.Registry, error) {
	ids, err := idgen.ByVersion(cfg.Schema.UUIDVersion)
	if err != nil {
		return nil, err
	}
	return fieldtype.Builtin(fieldtype.Deps{
		Hasher: hasher.NewBcrypt(cfg.Security.BcryptCost),
		IDs:    ids,
	}), nil
}

// NewLoader builds the schema loader over the configured directories.
// store may be nil.
func NewLoader(cfg *config.Config, store ports.CacheStore, m ports.Metrics, logger zerolog.Logger) (*loader.Loader, error) {
	reg, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	ld, err := loader.New(loader.Config{
		Dirs:     cfg.Schema.Dirs,
		Registry: reg,
		Store:    store,
		TTL:      cfg.Schema.Cache.TTL,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init loader: %w", err)
	}
	return ld, nil
}

// NewCacheStore returns the persistent schema cache tier named by kind.
// "none" returns nil. "database" needs db.
func NewCacheStore(kind string, db *database.DB) (ports.CacheStore, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.NewCacheStore(clock.Real{}), nil
	case "database":
		if db == nil {
			return nil, errors.New("database cache store needs a database")
		}
		return database.NewCacheStore(db, clock.Real{}), nil
	}
	return nil, fmt.Errorf("unknown schema cache store %q", kind)
}

// NewMetrics creates a collector on its own registry together with the Go
// runtime and process collectors.
func NewMetrics() *metrics.Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewWithRegistry(reg, reg)
}

// applyReload applies the config fields that can change at runtime.
func (a *App) applyReload(cfg *config.Config) {
	SetLogLevel(cfg.Logging.Level)
	if a.Grants != nil {
		a.Grants.Replace(cfg.Access.Grants)
	}
	a.Logger.Info().Int("subjects", len(cfg.Access.Grants)).Msg("access grants reloaded")
}

// Run serves HTTP until ctx is done, SIGINT or SIGTERM arrives, or the
// server fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.Logger.Info().Msg("shutting down")
	}

	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the HTTP server, the watchers and closes the database.
// It is safe to call on a partially built App.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errList []error

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			errList = append(errList, err)
		}
	}

	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.Loader != nil {
		if err := a.Loader.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if a.Config != nil {
		a.Config.Stop()
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
			errList = append(errList, err)
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errList...)
}
