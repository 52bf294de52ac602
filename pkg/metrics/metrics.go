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

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/actionstat/actionstat/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig defines the metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// SetDefaults fills missing configuration with safe defaults.
func (c *MetricsConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 9090
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// Sink holds the domain counters the engine reports into.
type Sink struct {
	JobsProcessed    *prometheus.CounterVec
	JobsFailed       *prometheus.CounterVec
	JobsRescheduled  *prometheus.CounterVec
	BucketsCached    prometheus.Counter
	BucketsComputed  prometheus.Counter
	RunsIngested     prometheus.Counter
	RunPagesFetched  prometheus.Counter
	IndexFlushes     prometheus.Counter
	PollerPasses     prometheus.Counter
	PollerCollisions prometheus.Counter
}

func newSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actionstat_jobs_processed_total",
			Help: "Jobs completed successfully, by job name.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actionstat_jobs_failed_total",
			Help: "Jobs that failed terminally, by job name.",
		}, []string{"job"}),
		JobsRescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actionstat_jobs_rescheduled_total",
			Help: "Jobs rescheduled via retry-later, by job name.",
		}, []string{"job"}),
		BucketsCached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actionstat_stat_buckets_cached_total",
			Help: "Aggregation buckets served from the persisted cache check.",
		}),
		BucketsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actionstat_stat_buckets_computed_total",
			Help: "Aggregation buckets recomputed from run records.",
		}),
		RunsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actionstat_runs_ingested_total",
			Help: "Run records added to a run index.",
		}),
		RunPagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actionstat_run_pages_fetched_total",
			Help: "Run record pages read during aggregation.",
		}),
		IndexFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actionstat_index_flushes_total",
			Help: "Run index auto-commit flushes.",
		}),
		PollerPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actionstat_poller_passes_total",
			Help: "Pending-work poller passes that converted a record into a job.",
		}),
		PollerCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actionstat_poller_collisions_total",
			Help: "Pending-work poller passes skipped due to an in-flight duplicate.",
		}),
	}
	reg.MustRegister(
		s.JobsProcessed, s.JobsFailed, s.JobsRescheduled,
		s.BucketsCached, s.BucketsComputed,
		s.RunsIngested, s.RunPagesFetched, s.IndexFlushes,
		s.PollerPasses, s.PollerCollisions,
	)
	return s
}

// Server exposes the prometheus registry over HTTP.
type Server struct {
	cfg      MetricsConfig
	registry *prometheus.Registry
	sink     *Sink
	srv      *http.Server
}

// NewServer builds a metrics server with a dedicated registry.
func NewServer(cfg MetricsConfig) *Server {
	cfg.SetDefaults()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		cfg:      cfg,
		registry: registry,
		sink:     newSink(registry),
	}
}

// GetSink returns the domain counter sink.
func (s *Server) GetSink() *Sink {
	return s.sink
}

// GetRegistry returns the underlying registry.
func (s *Server) GetRegistry() *prometheus.Registry {
	return s.registry
}

// Start serves the metrics endpoint in the background. No-op when disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("metrics server started", "address", addr, "path", s.cfg.Path)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the metrics endpoint down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
