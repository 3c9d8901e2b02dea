package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeloop/autocoder/internal/app/migrate"
	"github.com/forgeloop/autocoder/internal/config"
	"github.com/forgeloop/autocoder/internal/docker"
	httpx "github.com/forgeloop/autocoder/internal/http"
	"github.com/forgeloop/autocoder/internal/logger"
	"github.com/forgeloop/autocoder/internal/repository/postgres"
	"github.com/forgeloop/autocoder/internal/service/health"
	"github.com/forgeloop/autocoder/internal/service/idle"
	"github.com/forgeloop/autocoder/internal/service/lifecycle"
	"github.com/forgeloop/autocoder/internal/service/logs"
	"github.com/forgeloop/autocoder/internal/service/progress"
	"github.com/forgeloop/autocoder/internal/service/session"
	"github.com/forgeloop/autocoder/internal/tracker"
	"github.com/forgeloop/autocoder/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("orchestrator", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	cli, err := docker.NewClient(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer cli.Close()
	if err := cli.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	driver := docker.NewDriver(cli, docker.DriverConfig{
		Image:           cfg.ContainerImage,
		ContainerPrefix: cfg.ContainerPrefix,
		CredentialsDir:  cfg.CredentialsDir,
		SessionCommand:  cfg.SessionCommand,
		StopGracePeriod: cfg.StopGracePeriod,
	}, log)

	repo := postgres.New(pool)
	logHub := ws.NewHub()
	logSvc := logs.New(repo, logHub, log)
	beads := tracker.NewBeads()

	manager := lifecycle.New(repo, driver, logSvc, log, cfg.StopGracePeriod)
	sessions := session.NewRunner(repo, driver, beads, logSvc, manager, log, cfg.RestartDelay)
	manager.SetSessionLauncher(sessions)

	if err := manager.Reconcile(ctx); err != nil {
		log.Warn("startup reconciliation incomplete", "error", err)
	}

	go idle.New(repo, manager, log, cfg.IdleSweepInterval, cfg.IdleTimeout).Run(ctx)
	go health.New(repo, driver, manager, log, cfg.HealthCheckInterval).Run(ctx)

	poller := progress.New(repo, repo, beads, logHub, log, cfg.ProgressPollEvery)
	go poller.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, manager, logSvc, poller, limiter, pool.Ping, cli.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		manager.Shutdown(shutdownCtx)
		if err := driver.StopOrphans(shutdownCtx); err != nil {
			log.Warn("orphan container sweep failed", "error", err)
		}
		log.Info("orchestrator stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
