package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/approval-engine/config"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/metrics"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/workflow"
	"github.com/songzhibin97/gkit/generator"
)

// app wires a store, the engine and its event plumbing from configuration.
type app struct {
	store     storage.Store
	engine    *workflow.Engine
	collector *metrics.Collector
	bus       *events.EventBus
	breaker   *events.BreakerSink
	closeFn   func()
}

func openStore(ctx context.Context, cfg config.Storage) (storage.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.DriverPostgres:
		store, err := storage.NewPostgresStorage(ctx, storage.PostgresOptions{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverMemory:
		return storage.NewMemoryStorage(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	bus := events.NewEventBus(
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithLogger(logger),
	)
	bus.SubscribeAll(events.EventHandlerFunc(func(ctx context.Context, ev types.HistoryEvent) error {
		logger.Info().
			Str("event_id", ev.EventID).
			Str("kind", string(ev.Kind)).
			Uint64("instance_id", ev.InstanceID).
			Int64("sequence_no", ev.SequenceNo).
			Uint64("actor_id", ev.ActorID).
			Msg("workflow event")
		return nil
	}))
	breaker := events.NewBreakerSink(bus, events.BreakerOptions{
		Name:        "event-bus",
		MaxFailures: cfg.Events.BreakerMaxFailures,
		OpenTimeout: cfg.Events.BreakerOpenTimeout,
		Logger:      logger,
	})

	engine, err := workflow.NewEngine(
		generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		store,
		rules.NewExprResolver(),
		workflow.WithLogger(logger),
		workflow.WithEventSink(events.Fanout{collector, breaker}),
		workflow.WithObserver(collector),
		workflow.WithDefaultPriority(cfg.Engine.DefaultPriority),
		workflow.WithDefaultDeadline(cfg.Engine.DefaultDeadline),
		workflow.WithRetry(cfg.Engine.MaxRetries, cfg.Engine.RetryDelay),
	)
	if err != nil {
		bus.Stop()
		closeStore()
		return nil, err
	}
	if err := engine.RegisterAction(ctx, "log", logAction(logger)); err != nil {
		bus.Stop()
		closeStore()
		return nil, err
	}

	return &app{
		store:     store,
		engine:    engine,
		collector: collector,
		bus:       bus,
		breaker:   breaker,
		closeFn: func() {
			bus.Stop()
			closeStore()
		},
	}, nil
}

// logAction is a built-in system action that records the instance variables.
func logAction(logger zerolog.Logger) workflow.Action {
	return workflow.ActionFunc(func(ctx context.Context, vars types.Variables) (types.Variables, error) {
		logger.Info().Interface("variables", vars.Native()).Msg("log action")
		return types.Variables{"logged_at": types.Time(time.Now())}, nil
	})
}

func (a *app) refreshStatistics(ctx context.Context) error {
	stats, err := a.engine.GetWorkflowStatistics(ctx)
	if err != nil {
		return err
	}
	a.collector.SetStatistics(stats)
	return nil
}

func (a *app) Close() {
	a.closeFn()
}
