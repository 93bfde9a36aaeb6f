package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asyncfetch/htmlfetcher/internal/api"
	"github.com/asyncfetch/htmlfetcher/internal/browser"
	"github.com/asyncfetch/htmlfetcher/internal/clock/system"
	"github.com/asyncfetch/htmlfetcher/internal/config"
	"github.com/asyncfetch/htmlfetcher/internal/cookies"
	"github.com/asyncfetch/htmlfetcher/internal/flare"
	"github.com/asyncfetch/htmlfetcher/internal/httpfetch"
	"github.com/asyncfetch/htmlfetcher/internal/id/uuid"
	"github.com/asyncfetch/htmlfetcher/internal/jobs"
	"github.com/asyncfetch/htmlfetcher/internal/logging"
	"github.com/asyncfetch/htmlfetcher/internal/metrics"
	"github.com/asyncfetch/htmlfetcher/internal/policy/ratelimit"
	"github.com/asyncfetch/htmlfetcher/internal/progress"
	"github.com/asyncfetch/htmlfetcher/internal/progress/sinks"
	"github.com/asyncfetch/htmlfetcher/internal/worker"
)

// newServeCmd creates the 'serve' subcommand, which runs the fetch service
// until SIGINT/SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the fetch service",
		Long: `Starts the HTTP API, warms the browser pool, and begins accepting
fetch jobs. The process drains gracefully on SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	browserCfg := browser.Config{
		Headless:   cfg.Browser.Headless,
		UserAgent:  cfg.Browser.UserAgent,
		NavTimeout: cfg.Browser.NavTimeout(),
	}
	pool := browser.NewPool(
		browser.PoolConfig{
			MinSize:       cfg.Pool.MinSize,
			MaxSize:       cfg.Pool.MaxSize,
			MaxAge:        cfg.Pool.MaxAge(),
			MaxUses:       cfg.Pool.MaxUses,
			SweepInterval: cfg.Pool.SweepInterval(),
		},
		browser.ChromeFactory(browserCfg, logger.Named("browser")),
		clock,
		logger.Named("pool"),
	)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start browser pool: %w", err)
	}
	defer pool.Stop()

	standalone := func(proxy string) (browser.Handle, error) {
		proxied := browserCfg
		proxied.Proxy = proxy
		return browser.New(proxied, logger.Named("browser"))
	}
	fetchWorker := worker.New(
		worker.Config{
			AttemptTimeout: cfg.Fetch.AttemptTimeout(),
			DomainLimiter: ratelimit.New(ratelimit.Config{
				DefaultRPS:   cfg.Fetch.DomainRPS,
				DefaultBurst: cfg.Fetch.DomainBurst,
			}),
		},
		pool,
		standalone,
		clock,
		logger.Named("worker"),
	)

	store := jobs.NewStore(idGen, clock, logger.Named("jobs"))

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close", zap.Error(err))
		}
	}()

	var cookieManager *cookies.Manager
	var solverHealth api.SolverHealth
	var fetcher jobs.Fetcher = fetchWorker
	if cfg.Flare.Enabled {
		solver := flare.New(flare.Config{
			BaseURL: cfg.Flare.URL,
			Timeout: time.Duration(cfg.Flare.TimeoutSec) * time.Second,
		}, logger.Named("flare"))
		solverHealth = solver
		cookieManager = cookies.NewManager(solver, cfg.Cookies.TTL(), clock, logger.Named("cookies"))
		if cfg.Fetch.PreferHTTP {
			fetcher = httpfetch.New(httpfetch.Config{
				Timeout:    cfg.Fetch.AttemptTimeout(),
				UserAgent:  cfg.Browser.UserAgent,
				RetryDelay: cfg.Fetch.RetryDelay(),
			}, cookieManager, logger.Named("httpfetch"))
			logger.Info("using cookie-replay HTTP fetch path")
		}
	}

	scheduler := jobs.NewScheduler(store, fetcher, hub, clock, logger.Named("scheduler"))

	go runJanitors(ctx, cfg, store, cookieManager, logger.Named("janitor"))

	server := api.NewServer(store, scheduler, cookieManager, solverHealth, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// runJanitors periodically evicts finished jobs past their retention window
// and expired cookie sessions.
func runJanitors(ctx context.Context, cfg config.Config, store *jobs.Store, cookieManager *cookies.Manager, logger *zap.Logger) {
	jobTicker := time.NewTicker(cfg.Jobs.JanitorInterval())
	defer jobTicker.Stop()

	cookieTicker := time.NewTicker(cfg.Cookies.SweepInterval())
	defer cookieTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jobTicker.C:
			if removed := store.Cleanup(cfg.Jobs.MaxAge()); removed > 0 {
				logger.Info("evicted old jobs", zap.Int("removed", removed))
			}
		case <-cookieTicker.C:
			if cookieManager == nil {
				continue
			}
			cookieManager.CleanupStale(cfg.Cookies.MaxIdle())
			if removed := cookieManager.CleanupExpired(); removed > 0 {
				logger.Info("evicted expired cookie sessions", zap.Int("removed", removed))
			}
		}
	}
}
