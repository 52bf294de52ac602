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

package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/actionstat/actionstat/internal/engine/repo"
	"github.com/actionstat/actionstat/internal/engine/service"
	"github.com/actionstat/actionstat/pkg/http"
	"github.com/actionstat/actionstat/pkg/http/middleware"
	"github.com/actionstat/actionstat/pkg/log"
)

// Router builds the HTTP surface over the engine services.
type Router struct {
	httpCfg  http.Http
	jobs     *service.JobService
	stats    *service.StatsService
	repos    *repo.Repositories
	registry *prometheus.Registry
}

func NewRouter(httpCfg http.Http, jobs *service.JobService, stats *service.StatsService, repos *repo.Repositories, registry *prometheus.Registry) *Router {
	httpCfg.SetDefaults()
	return &Router{
		httpCfg:  httpCfg,
		jobs:     jobs,
		stats:    stats,
		repos:    repos,
		registry: registry,
	}
}

// Router assembles the fiber app with middleware and all routes.
func (rt *Router) Router() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "actionstat",
		DisableStartupMessage: true,
		ReadTimeout:           time.Duration(rt.httpCfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(rt.httpCfg.WriteTimeout) * time.Second,
		IdleTimeout:           time.Duration(rt.httpCfg.IdleTimeout) * time.Second,
		BodyLimit:             rt.httpCfg.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(middleware.CorsMiddleware())
	if rt.httpCfg.AccessLog {
		app.Use(middleware.AccessLogMiddleware())
	}
	if rt.registry != nil {
		if err := middleware.RegisterHttpMetrics(rt.registry); err != nil {
			log.Warnw("http metrics registration failed", "error", err)
		}
		app.Use(middleware.HttpMetricsMiddleware())
	}

	app.Get("/healthz", rt.health)

	api := app.Group("/api/v1")
	rt.workflowRouter(api)

	return app
}

func (rt *Router) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
