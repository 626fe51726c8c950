package main

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/cache"
	"github.com/sells-group/plantid/internal/combine"
	"github.com/sells-group/plantid/internal/config"
	"github.com/sells-group/plantid/internal/db"
	"github.com/sells-group/plantid/internal/degrade"
	"github.com/sells-group/plantid/internal/dispatch"
	"github.com/sells-group/plantid/internal/history"
	"github.com/sells-group/plantid/internal/identify"
	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/provider"
	"github.com/sells-group/plantid/internal/resilience"
	"github.com/sells-group/plantid/internal/telemetry"
	"github.com/sells-group/plantid/pkg/plantid"
	"github.com/sells-group/plantid/pkg/plantnet"
)

const (
	historyWriteTimeout      = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

// appEnv holds everything the serve and identify commands share.
type appEnv struct {
	Orchestrator *identify.Orchestrator
	Cache        cache.Cache
	Sweeper      cache.Sweeper // nil when the backend expires keys itself
	Recorder     history.Recorder

	// pending tracks history writes still in flight.
	pending sync.WaitGroup
	closers []func() error
}

// Close waits for in-flight history writes, then releases the cache and
// history connections.
func (e *appEnv) Close() {
	e.pending.Wait()
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
	e.closers = nil
}

// initEnv validates config for mode, builds the provider clients from
// config and composes the orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	clients, err := newProviderClients(cfg, cfg.EnabledProviders())
	if err != nil {
		return nil, err
	}
	return buildEnv(ctx, clients)
}

// newProviderClients creates one adapter per provider id.
func newProviderClients(c *config.Config, ids []string) ([]provider.Client, error) {
	clients := make([]provider.Client, 0, len(ids))
	for _, id := range ids {
		p, ok := c.Provider(id)
		if !ok {
			return nil, eris.Errorf("no configuration for provider %q", id)
		}
		switch id {
		case config.PlantNet:
			clients = append(clients, provider.NewPlantNet(plantnet.NewClient(p.APIKey,
				plantnet.WithBaseURL(p.BaseURL),
				plantnet.WithRateLimit(p.RPS),
			)))
		case config.PlantID:
			clients = append(clients, provider.NewPlantID(plantid.NewClient(p.APIKey,
				plantid.WithBaseURL(p.BaseURL),
				plantid.WithRateLimit(p.RPS),
			)))
		}
	}
	return clients, nil
}

// buildEnv wires breakers, dispatcher, policy, combiner, cache and history
// around the given clients.
func buildEnv(ctx context.Context, clients []provider.Client) (*appEnv, error) {
	log := zap.L()
	env := &appEnv{}

	breakers, err := resilience.NewBreakerRegistry(cfg.Descriptors(), resilience.WithLogger(log))
	if err != nil {
		return nil, eris.Wrap(err, "build breakers")
	}
	set, err := provider.NewSet(clients...)
	if err != nil {
		return nil, eris.Wrap(err, "build provider set")
	}
	dispatcher, err := dispatch.New(breakers, set,
		dispatch.WithLogger(log),
		dispatch.WithMaxParallel(cfg.Identify.MaxParallel),
	)
	if err != nil {
		return nil, eris.Wrap(err, "build dispatcher")
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init telemetry")
	}
	env.closers = append(env.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		return shutdownTracing(ctx)
	})

	if err := openCache(ctx, env); err != nil {
		env.Close()
		return nil, err
	}
	if err := openHistory(ctx, env); err != nil {
		env.Close()
		return nil, err
	}

	providers := cfg.EnabledProviders()
	orch, err := identify.New(identify.Config{
		Providers:      providers,
		CacheTTL:       cfg.Cache.TTL,
		RequestTimeout: cfg.Identify.RequestTimeout,
	}, identify.Deps{
		Breakers:   breakers,
		Dispatcher: dispatcher,
		Policy:     degrade.NewPolicy(log),
		Combiner:   combine.New(providers, cfg.Identify.MaxResults),
		Cache:      env.Cache,
		Logger:     log,
	})
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build orchestrator")
	}
	env.Orchestrator = orch

	log.Info("identification environment ready",
		zap.Strings("providers", providers),
		zap.String("cache", cfg.Cache.Driver),
		zap.Bool("history", cfg.History.Enabled()),
		zap.Bool("tracing", cfg.Telemetry.OTLPEndpoint != ""),
	)
	return env, nil
}

// openCache opens the configured backend and wraps it with metrics.
func openCache(ctx context.Context, env *appEnv) error {
	var backend cache.Cache
	switch cfg.Cache.Driver {
	case "memory", "":
		m := cache.NewMemory()
		backend, env.Sweeper = m, m
	case "sqlite":
		s, err := cache.OpenSQLite(ctx, cfg.Cache.SQLitePath)
		if err != nil {
			return eris.Wrap(err, "open sqlite cache")
		}
		backend, env.Sweeper = s, s
		env.closers = append(env.closers, s.Close)
	case "redis":
		r, err := cache.DialRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return eris.Wrap(err, "open redis cache")
		}
		backend = r
		env.closers = append(env.closers, r.Close)
	default:
		return eris.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
	env.Cache = cache.WithMetrics(cfg.Cache.Driver, backend)
	return nil
}

// openHistory connects the Postgres recorder, or installs a no-op one when
// history.database_url is empty.
func openHistory(ctx context.Context, env *appEnv) error {
	if !cfg.History.Enabled() {
		env.Recorder = history.Nop{}
		return nil
	}
	store, closeFn, err := openHistoryStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		closeFn()
		return err
	}
	env.Recorder = store
	env.closers = append(env.closers, func() error { closeFn(); return nil })
	return nil
}

// openHistoryStore connects to history.database_url.
func openHistoryStore(ctx context.Context) (*history.Postgres, func(), error) {
	pool, err := db.Connect(ctx, cfg.History.DatabaseURL, cfg.History.MaxConns)
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect history database")
	}
	retry := cfg.History.Retry.Resilience()
	retry.OnRetry = resilience.RetryLogger("history", "record")
	return history.NewPostgres(pool, history.WithRetry(retry)), pool.Close, nil
}

// recordAsync stores res in history without holding up the caller.
func (e *appEnv) recordAsync(ctx context.Context, res *model.CombinedResult, requestID string) {
	if _, nop := e.Recorder.(history.Nop); nop || e.Recorder == nil {
		return
	}
	e.pending.Go(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
		defer cancel()
		id, err := e.Recorder.Record(ctx, res)
		if err != nil {
			zap.L().Error("history: record failed",
				zap.String("request_id", requestID),
				zap.String("content_hash", res.ContentHash),
				zap.Error(err),
			)
			return
		}
		zap.L().Debug("history: recorded",
			zap.String("request_id", requestID),
			zap.String("history_id", id),
		)
	})
}
