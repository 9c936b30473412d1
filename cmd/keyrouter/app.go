package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fernet/fernet-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	keyrouter "github.com/ineyio/keyrouter"
	"github.com/ineyio/keyrouter/batch"
	"github.com/ineyio/keyrouter/ledger"
	pgledger "github.com/ineyio/keyrouter/ledger/postgres"
	redisledger "github.com/ineyio/keyrouter/ledger/redis"
	"github.com/ineyio/keyrouter/meter"
	"github.com/ineyio/keyrouter/provider/mock"
	"github.com/ineyio/keyrouter/registry"
	regsqlite "github.com/ineyio/keyrouter/registry/sqlite"
)

// tenantRegistry is a registry that also knows tenant settings.
type tenantRegistry interface {
	keyrouter.Registry
	keyrouter.Admin
	Family(ctx context.Context, tenantID string) (string, error)
	BatchSettings(ctx context.Context, tenantID string) batch.Settings
}

// app holds the assembled components shared by the commands.
type app struct {
	settings Settings
	config   keyrouter.Config
	logger   *slog.Logger

	tenants  tenantRegistry
	cached   *registry.Cached
	ledger   keyrouter.UsageLedger
	router   *keyrouter.Router
	metrics  *prometheus.Registry
	provider *mock.Provider

	closers []func() error
}

func newApp(ctx context.Context, s Settings, logger *slog.Logger) (*app, error) {
	cfg, err := keyrouter.LoadConfig(s.ConfigPath)
	if err != nil {
		return nil, err
	}

	a := &app{settings: s, config: cfg, logger: logger}
	if err := a.openRegistry(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildRouter(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openRegistry(ctx context.Context) error {
	if a.settings.SQLitePath == "" {
		a.tenants = registry.NewStatic(a.config)
	} else {
		opts := []regsqlite.Option{regsqlite.WithDefaults(a.config.Batching, a.config.Router.DefaultFamily)}
		if a.settings.FernetKey != "" {
			k, err := fernet.DecodeKey(a.settings.FernetKey)
			if err != nil {
				return fmt.Errorf("decode fernet key: %w", err)
			}
			opts = append(opts, regsqlite.WithFernetKey(k))
		}
		store, err := regsqlite.Open(a.settings.SQLitePath, opts...)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.Seed(ctx, a.config); err != nil {
			return err
		}
		a.tenants = store
	}
	a.cached = registry.NewCached(a.tenants, registry.WithTTL(a.settings.CacheTTL))
	return nil
}

func (a *app) openLedger(ctx context.Context) error {
	switch a.settings.Ledger {
	case "", "memory":
		a.ledger = ledger.NewMemory()
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: a.settings.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", a.settings.RedisAddr, err)
		}
		a.ledger = redisledger.New(client,
			redisledger.WithKeyPrefix(a.settings.RedisPrefix),
			redisledger.WithIdleTTL(a.settings.RedisTTL),
		)
	case "postgres":
		if a.settings.PostgresDSN == "" {
			return errors.New("KEYROUTER_POSTGRES_DSN is required for the postgres ledger")
		}
		pool, err := pgxpool.New(ctx, a.settings.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		l := pgledger.New(pool)
		if err := l.EnsureSchema(ctx); err != nil {
			return err
		}
		a.ledger = l
	default:
		return fmt.Errorf("unknown ledger backend %q (use memory, redis or postgres)", a.settings.Ledger)
	}
	return nil
}

func (a *app) buildRouter() error {
	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := meter.NewPrometheusMeter(a.metrics)
	if err != nil {
		return err
	}

	rc := a.config.Router
	var exclusionOpts []keyrouter.ExclusionOption
	if rc.BackoffBase > 0 && rc.BackoffCeiling > 0 {
		exclusionOpts = append(exclusionOpts, keyrouter.WithBackoff(keyrouter.ExponentialBackoff(rc.BackoffBase, rc.BackoffCeiling)))
	}

	// Provider transport is an external collaborator; the service ships
	// with the echo provider so routing can be exercised end to end.
	a.provider = mock.New(mock.WithName("echo"))

	a.router, err = keyrouter.NewRouter(a.cached, a.provider,
		keyrouter.WithLedger(a.ledger),
		keyrouter.WithExclusionManager(keyrouter.NewExclusionManager(exclusionOpts...)),
		keyrouter.WithMeter(meter.Multi{meter.NewLogMeter(a.logger), prom}),
		keyrouter.WithLogger(a.logger),
		keyrouter.WithMaxAttempts(rc.MaxAttempts),
	)
	return err
}

// Close releases every opened resource in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
