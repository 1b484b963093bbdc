package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/loadblast/internal/dispatch"
	"github.com/sells-group/loadblast/internal/monitoring"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// sweepJob runs one retry sweep and logs its outcome.
func sweepJob(ctx context.Context, r *dispatch.Retrier) func() {
	return func() {
		res, err := r.Sweep(ctx)
		if err != nil {
			zap.L().Error("retry sweep failed", zap.Error(err))
			return
		}
		if res.Considered > 0 {
			zap.L().Info("retry sweep complete",
				zap.Int("considered", res.Considered),
				zap.Int("sent", res.Sent),
				zap.Int("failed", res.Failed),
				zap.Int("skipped", res.Skipped),
				zap.Int("closed", res.Closed),
			)
		}
	}
}

var workerMetricsAddr string

// serveMetrics exposes reg on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("worker metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zap.L().Error("worker metrics server", zap.Error(err))
	}
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the delivery retry sweep, backlog checks and the durable dispatch worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		logger := cronLogger{zap.L()}
		c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
		if _, err := c.AddFunc(cfg.Dispatch.RetrySweepCron, sweepJob(ctx, env.Retrier)); err != nil {
			return eris.Wrapf(err, "schedule retry sweep %q", cfg.Dispatch.RetrySweepCron)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring, cfg.Escalation),
			cfg.Monitoring,
			monitoring.WithMetrics(env.Metrics),
		)
		go checker.Run(ctx)

		if workerMetricsAddr != "" {
			go serveMetrics(ctx, workerMetricsAddr, env.Registry)
		}

		if env.Temporal == nil {
			n, err := env.Scheduler.Resume(ctx)
			if err != nil {
				zap.L().Error("resume dispatching loads", zap.Error(err))
			}
			zap.L().Info("worker started (in-process dispatch)",
				zap.String("retry_sweep", cfg.Dispatch.RetrySweepCron),
				zap.Int("resumed", n),
			)
			<-ctx.Done()
			return nil
		}

		w := worker.New(env.Temporal, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Dispatch.Workers * 4,
		})
		dispatch.RegisterWorker(w, env.Scheduler)
		zap.L().Info("worker started (temporal dispatch)",
			zap.String("task_queue", cfg.Temporal.TaskQueue),
			zap.String("retry_sweep", cfg.Dispatch.RetrySweepCron),
		)

		if err := w.Start(); err != nil {
			return eris.Wrap(err, "start temporal worker")
		}
		<-ctx.Done()
		w.Stop()
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(workerCmd)
}
