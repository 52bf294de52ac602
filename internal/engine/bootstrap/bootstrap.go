// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/robfig/cron"

	"github.com/actionstat/actionstat/internal/engine/config"
	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/internal/engine/router"
	"github.com/actionstat/actionstat/internal/engine/runindex"
	"github.com/actionstat/actionstat/internal/engine/service"
	"github.com/actionstat/actionstat/internal/engine/stats"
	"github.com/actionstat/actionstat/internal/pkg/provider"
	"github.com/actionstat/actionstat/pkg/cache"
	"github.com/actionstat/actionstat/pkg/database"
	"github.com/actionstat/actionstat/pkg/jobqueue"
	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
	"github.com/actionstat/actionstat/pkg/safe"
)

// App holds the wired process components.
type App struct {
	HttpApp       *fiber.App
	MetricsServer *metrics.Server
	Queue         *jobqueue.Queue
	Jobs          *service.JobService
	Ingest        *service.IngestService
	Stats         *service.StatsService
	Repos         *repo.Repositories
	Scheduler     *cron.Cron
	Cache         *cache.Cache
	DB            database.Manager
	AppConf       *config.AppConfig
}

// NewApp wires the whole engine from the config file and returns the app
// plus a cleanup function releasing everything in reverse order.
func NewApp(configFile string) (*App, func(), error) {
	appConf := config.NewConf(configFile)

	if err := log.Init(&appConf.Log); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	mgr, err := database.NewManager(appConf.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := database.NewDatabaseAdapter(mgr)

	repos, err := repo.NewRepositories(db)
	if err != nil {
		_ = mgr.Close()
		return nil, nil, fmt.Errorf("failed to build repositories: %w", err)
	}

	store, err := jobqueue.NewStore(db)
	if err != nil {
		_ = mgr.Close()
		return nil, nil, fmt.Errorf("failed to build queue store: %w", err)
	}

	metricsServer := metrics.NewServer(appConf.Metrics)
	sink := metricsServer.GetSink()

	queue := jobqueue.NewQueue(appConf.Queue, store, jobqueue.WithMetrics(sink))

	c, err := cache.New(context.Background(), appConf.Redis)
	if err != nil {
		_ = mgr.Close()
		return nil, nil, fmt.Errorf("failed to connect cache: %w", err)
	}

	source := provider.NewGitHub(appConf.GitHub)
	ingest := service.NewIngestService(repos, source, appConf.Ingest,
		runindex.CommitPolicy{Every: appConf.Index.CommitEvery}, sink)
	engine := stats.NewEngine(repos.Run, repos.Aggregate, stats.WithMetrics(sink))
	statsSvc := service.NewStatsService(repos, engine, c)
	jobs := service.NewJobService(queue, repos, ingest, engine, statsSvc, source, appConf.Poller, sink)

	rt := router.NewRouter(appConf.Http, jobs, statsSvc, repos, metricsServer.GetRegistry())

	app := &App{
		HttpApp:       rt.Router(),
		MetricsServer: metricsServer,
		Queue:         queue,
		Jobs:          jobs,
		Ingest:        ingest,
		Stats:         statsSvc,
		Repos:         repos,
		Cache:         c,
		DB:            mgr,
		AppConf:       appConf,
	}

	if appConf.Scheduler.Enabled {
		scheduler, err := newScheduler(appConf.Scheduler, repos, jobs)
		if err != nil {
			_ = c.Close()
			_ = mgr.Close()
			return nil, nil, err
		}
		app.Scheduler = scheduler
	}

	cleanup := func() {
		if app.Scheduler != nil {
			app.Scheduler.Stop()
		}

		log.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Errorw("Failed to stop metrics server", "error", err)
		}

		if err := c.Close(); err != nil {
			log.Errorw("Failed to close cache", "error", err)
		}
		if err := mgr.Close(); err != nil {
			log.Errorw("Failed to close database", "error", err)
		}
	}

	return app, cleanup, nil
}

// newScheduler enqueues a refresh pass for every tracked workflow on the
// configured cron spec. Dedup keys make an overlapping pass a no-op.
func newScheduler(cfg config.SchedulerConfig, repos *repo.Repositories, jobs *service.JobService) (*cron.Cron, error) {
	scheduler := cron.New()
	err := scheduler.AddFunc(cfg.IngestSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		workflows, err := repos.Workflow.List(ctx)
		if err != nil {
			log.Errorw("scheduled ingestion skipped", "error", err)
			return
		}
		for _, workflow := range workflows {
			ref := provider.WorkflowRef{
				Owner:    workflow.Owner,
				Repo:     workflow.Repo,
				Workflow: workflow.WorkflowName,
				Branch:   workflow.Branch,
			}
			if _, err := jobs.EnqueueIngest(ctx, ref, provider.DirectionNewest); err != nil {
				log.Errorw("scheduled ingestion enqueue failed", "workflow", workflow.Key, "error", err)
			}
		}
		log.Infow("scheduled ingestion pass enqueued", "workflows", len(workflows))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler spec %q: %w", cfg.IngestSpec, err)
	}
	return scheduler, nil
}

// Run starts the app and blocks until an exit signal, then shuts everything
// down gracefully. Signals cancel the job runtime context so in-flight jobs
// park instead of failing.
func Run(app *App, cleanup func()) {
	appConf := app.AppConf

	if err := app.MetricsServer.Start(); err != nil {
		log.Errorw("Metrics server failed", "error", err)
	}

	runCtx, cancelRun := context.WithCancelCause(context.Background())
	if err := app.Queue.Init(runCtx); err != nil {
		log.Errorw("Queue runtime failed to start", "error", err)
	}
	if err := app.Jobs.StartPoller(runCtx); err != nil {
		log.Errorw("Pending-work poller failed to start", "error", err)
	}
	if app.Scheduler != nil {
		app.Scheduler.Start()
	}

	// set signal listener (graceful shutdown)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// start HTTP server (async)
	safe.Go(func() {
		addr := appConf.Http.Host + ":" + fmt.Sprintf("%d", appConf.Http.Port)
		log.Infow("HTTP listener started",
			"address", addr,
		)
		if err := app.HttpApp.Listen(addr); err != nil {
			log.Errorw("HTTP listener failed",
				"address", addr,
				"error", err,
			)
		}
	})

	sig := <-quit
	log.Infow("Received OS signal, shutting down gracefully...", "signal", sig)

	// Cancel the job runtime first so handlers observe the abort and park
	// their jobs before the stores go away.
	switch sig {
	case syscall.SIGINT:
		cancelRun(fmt.Errorf("%s", jobqueue.ReasonSigint))
	default:
		cancelRun(fmt.Errorf("%s", jobqueue.ReasonSigterm))
	}
	if err := app.Queue.Close(); err != nil {
		log.Errorw("Queue runtime shutdown error", "error", err)
	}

	// close HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.HttpApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Info("HTTP server shut down gracefully")
	}

	cleanup()

	log.Info("Server shutdown complete")
}
