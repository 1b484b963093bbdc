package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/complexity"
	"github.com/sells-group/loadblast/internal/delivery"
	"github.com/sells-group/loadblast/internal/dispatch"
	"github.com/sells-group/loadblast/internal/extract"
	"github.com/sells-group/loadblast/internal/intake"
	"github.com/sells-group/loadblast/internal/metrics"
	"github.com/sells-group/loadblast/internal/resilience"
	"github.com/sells-group/loadblast/internal/scorer"
	"github.com/sells-group/loadblast/internal/store"
	anthropicpkg "github.com/sells-group/loadblast/pkg/anthropic"
)

// gateway is what the delivery adapters provide to both intake and dispatch.
type gateway interface {
	intake.Notifier
	dispatch.Dispatcher
}

// appEnv bundles the components shared by the commands.
type appEnv struct {
	Store     store.Store
	Registry  *prometheus.Registry
	Metrics   *metrics.Collectors
	Breakers  *resilience.Breakers
	Escalator *delivery.SlackEscalator
	Gateway   gateway
	Machine   *intake.Machine
	Scorer    *scorer.Service
	Executor  *dispatch.Executor
	Scheduler *dispatch.Scheduler
	Retrier   *dispatch.Retrier
	Launcher  dispatch.Launcher
	Temporal  client.Client
}

// Close releases the store and the temporal connection.
func (e *appEnv) Close() {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
	if e.Temporal != nil {
		e.Temporal.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store and applies the schema.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "loadblast.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initGateway picks the delivery adapter for cfg.Delivery.Mode.
func initGateway() gateway {
	if cfg.Delivery.Mode == "webhook" {
		opts := []delivery.Option{delivery.WithFrom(cfg.Delivery.FromAddress)}
		if cfg.Delivery.TimeoutSecs > 0 {
			opts = append(opts, delivery.WithTimeout(time.Duration(cfg.Delivery.TimeoutSecs)*time.Second))
		}
		return delivery.NewGateway(cfg.Delivery.WebhookURL, cfg.Delivery.APIKey, opts...)
	}
	zap.L().Warn("delivery mode is log, no messages will leave this process")
	return delivery.LogSender{}
}

// initEnv wires every component for mode. The Temporal client is dialed
// only when temporal.host_port is set; otherwise dispatch runs in-process.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Registry: prometheus.NewRegistry()}

	env.Metrics, err = metrics.New(env.Registry)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "register metrics")
	}

	breakerCfg := resilience.FromCircuitSettings(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)
	breakerCfg.ShouldTrip = resilience.IsTransient
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit state change",
			zap.String("channel", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		env.Metrics.CircuitState(name, int(to))
	}
	env.Breakers = resilience.NewBreakers(breakerCfg)

	env.Escalator = delivery.NewSlackEscalator(cfg.Escalation.SlackWebhookURL, cfg.Escalation.SlackChannel)
	env.Gateway = initGateway()

	if mode == "serve" || mode == "qualify" {
		env.Machine = intake.NewMachine(cfg.Intake, intake.Deps{
			Store:      st,
			Extractor:  extract.NewLLMExtractor(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic),
			Notifier:   env.Gateway,
			Escalator:  env.Escalator,
			Classifier: complexity.New(cfg.Complexity),
			Metrics:    env.Metrics,
		})
	}

	if err := scorer.ValidateConfig(cfg.Scorer); err != nil {
		env.Close()
		return nil, err
	}
	env.Scorer = scorer.NewService(st, scorer.NewCarrierScorer(cfg.Scorer), env.Metrics)

	opts := dispatch.OptionsFromConfig(cfg.Dispatch)
	env.Executor = dispatch.NewExecutor(st, env.Gateway, env.Escalator, env.Breakers, env.Metrics, opts)
	env.Scheduler = dispatch.NewScheduler(st, env.Scorer, env.Executor, env.Escalator, env.Metrics, dispatch.Tiers(cfg.Dispatch.Tiers))
	env.Retrier = dispatch.NewRetrier(st, env.Executor, env.Scorer)

	if cfg.Temporal.HostPort != "" {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    temporalLogger{zap.L()},
		})
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "dial temporal")
		}
		env.Temporal = c
		env.Launcher = dispatch.TemporalLauncher{Client: c, TaskQueue: cfg.Temporal.TaskQueue}
		zap.L().Info("durable dispatch via temporal",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
	} else {
		env.Launcher = dispatch.LocalLauncher{Scheduler: env.Scheduler}
	}

	return env, nil
}
