package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-fit-flow/internal/bgtask"
	"github.com/ramiqadoumi/go-fit-flow/internal/healthsource"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	redisstore "github.com/ramiqadoumi/go-fit-flow/internal/redis"
	"github.com/ramiqadoumi/go-fit-flow/pkg/telemetry"
	"github.com/ramiqadoumi/go-fit-flow/services/fitflow/config"
	"github.com/ramiqadoumi/go-fit-flow/services/fitflow/handler"
	"github.com/ramiqadoumi/go-fit-flow/services/pipeline"
	"github.com/ramiqadoumi/go-fit-flow/services/scheduler"
)

const readyProbeKey = "__readyz__"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background scheduler, REST API and metrics server",
	Long: `Run the pipeline in the background until SIGINT or SIGTERM.

Windows come every 15 minutes while the retry queue has backlog and every
2 hours otherwise. SIGUSR1 asks for an immediate window when backlog exists.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http-addr", ":8080", "REST API listen address")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Duration("background-budget", bgtask.DefaultBudget, "time budget of one background window")
	serveCmd.Flags().String("network-probe-addr", "", "host:port dialled before network windows; empty assumes online")
	serveCmd.Flags().Bool("leader-election", false, "run windows on one instance only (requires a redis store)")
	serveCmd.Flags().Int("sync-rate-limit", 6, "manual syncs allowed per window (requires a redis store; 0 disables)")
	serveCmd.Flags().Duration("sync-rate-window", time.Minute, "window for --sync-rate-limit")

	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("background_budget", serveCmd.Flags(), "background-budget")
	bindFlag("network_probe_addr", serveCmd.Flags(), "network-probe-addr")
	bindFlag("leader_election", serveCmd.Flags(), "leader-election")
	bindFlag("sync_rate_limit", serveCmd.Flags(), "sync-rate-limit")
	bindFlag("sync_rate_window", serveCmd.Flags(), "sync-rate-window")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	a, err := newApp(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("close", slog.String("error", err.Error()))
		}
	}()

	// ── background scheduling ────────────────────────────────────────────────
	facilityOpts := []bgtask.Option{
		bgtask.WithLogger(logger.With(slog.String("component", "bgtask"))),
		bgtask.WithBaseContext(runCtx),
	}
	if cfg.BackgroundBudget > 0 {
		facilityOpts = append(facilityOpts, bgtask.WithBudget(cfg.BackgroundBudget))
	}
	if cfg.NetworkProbeAddr != "" {
		facilityOpts = append(facilityOpts, bgtask.WithNetworkProbe(bgtask.NewDialProbe(cfg.NetworkProbeAddr, 3*time.Second)))
	}
	facility := bgtask.NewCronFacility(facilityOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger.With(slog.String("component", "scheduler"))),
		scheduler.WithRequiresNetwork(cfg.Cloud != "memory"),
	}
	var elector redisstore.LeaderElector
	if cfg.LeaderElection {
		if a.store.Redis == nil {
			return errors.New("leader_election requires a redis store_dsn")
		}
		instanceID, _ := os.Hostname()
		instanceID += "-" + uuid.NewString()[:8]
		// Outlive the longest window gap so a healthy leader keeps the lock.
		ttl := scheduler.LongInterval + cfg.BackgroundBudget + time.Minute
		elector = redisstore.NewLeaderElector(a.store.Redis, cfg.StoreNamespace, instanceID, ttl)
		schedOpts = append(schedOpts, scheduler.WithElector(elector))
		logger.Info("leader election enabled", slog.String("instance_id", instanceID))
	}
	sched := scheduler.NewScheduler(facility, a.pipeline, a.queue, schedOpts...)

	a.pipeline.OnPass(func(res pipeline.PassResult) {
		logger.Debug("state changed",
			slog.Int("total_xp", res.TotalXP),
			slog.Int("level", res.Level.Level),
			slog.Int("pending", res.Queue.Pending),
		)
	})

	facility.Start()
	if err := sched.Start(runCtx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if cfg.Source == "file" {
		go func() {
			err := healthsource.WatchFile(runCtx, cfg.SourceFile, 2*time.Second, func() {
				if err := sched.Expedite(); err != nil {
					logger.Warn("expedite window", slog.String("error", err.Error()))
				}
			}, logger)
			if err != nil {
				logger.Warn("health export not watched", slog.String("error", err.Error()))
			}
		}()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	deps := handler.Deps{
		Trigger: sched,
		Engine:  a.engine,
		Totals:  a.tracker,
		Queue:   a.queue,
		Unlocks: a.unlocks,
		Prefs:   a.prefs,
		Last:    a.pipeline.Last,
	}
	if cfg.SyncRateLimit > 0 && a.store.Redis != nil {
		deps.Limiter = redisstore.NewRateLimiter(a.store.Redis, cfg.StoreNamespace, cfg.SyncRateLimit, cfg.SyncRateWindow)
	}
	restHandler := handler.NewREST(deps, logger)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.NewRouter(restHandler, logger),
		// Manual syncs wait for the pass, so writes get more room than reads.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, func(ctx context.Context) error {
		if _, err := a.store.Get(ctx, readyProbeKey); err != nil && !kv.IsNotFound(err) {
			return err
		}
		return nil
	}, logger)

	go func() {
		logger.Info("fitflow HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			runCancel()
		}
	}()

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	nudge := make(chan os.Signal, 1)
	signal.Notify(nudge, syscall.SIGUSR1)

wait:
	for {
		select {
		case <-quit:
			break wait
		case <-runCtx.Done():
			break wait
		case <-nudge:
			submitted, err := sched.OnBackground(runCtx)
			if err != nil {
				logger.Warn("background nudge failed", slog.String("error", err.Error()))
			} else {
				logger.Info("background nudge", slog.Bool("submitted", submitted))
			}
		}
	}

	logger.Info("shutting down...")
	sched.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	// Stop waits for a running window; cancelling first makes it end promptly.
	runCancel()
	if err := facility.Stop(shutCtx); err != nil {
		logger.Error("background facility shutdown", slog.String("error", err.Error()))
	}
	if elector != nil {
		if err := elector.Release(shutCtx); err != nil {
			logger.Warn("release leadership", slog.String("error", err.Error()))
		}
	}
	logger.Info("stopped")
	return nil
}
