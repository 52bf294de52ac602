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

package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/actionstat/actionstat/internal/engine/service"
	"github.com/actionstat/actionstat/internal/pkg/provider"
	"github.com/actionstat/actionstat/pkg/cache"
	"github.com/actionstat/actionstat/pkg/database"
	"github.com/actionstat/actionstat/pkg/http"
	"github.com/actionstat/actionstat/pkg/jobqueue"
	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
)

// IndexConfig controls run index persistence batching.
type IndexConfig struct {
	// CommitEvery flushes the index after every N mutations; zero keeps the
	// default.
	CommitEvery int `mapstructure:"commitEvery"`
}

func (c *IndexConfig) SetDefaults() {
	if c.CommitEvery <= 0 {
		c.CommitEvery = 50
	}
}

// SchedulerConfig controls the periodic re-ingestion of tracked workflows.
type SchedulerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	IngestSpec string `mapstructure:"ingestSpec"`
}

func (c *SchedulerConfig) SetDefaults() {
	if c.IngestSpec == "" {
		c.IngestSpec = "@every 30m"
	}
}

type AppConfig struct {
	Log       log.Conf              `mapstructure:"log"`
	Http      http.Http             `mapstructure:"http"`
	Database  database.Database     `mapstructure:"database"`
	Redis     cache.Redis           `mapstructure:"redis"`
	Metrics   metrics.MetricsConfig `mapstructure:"metrics"`
	Queue     jobqueue.Config       `mapstructure:"queue"`
	Poller    jobqueue.PollerConfig `mapstructure:"poller"`
	GitHub    provider.GitHubConfig `mapstructure:"github"`
	Ingest    service.IngestLimits  `mapstructure:"ingest"`
	Index     IndexConfig           `mapstructure:"index"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler"`
}

var (
	cfg  AppConfig
	mu   sync.RWMutex
	once sync.Once
)

func NewConf(confDir string) *AppConfig {
	once.Do(func() {
		var err error
		cfg, err = LoadConfigFile(confDir)
		if err != nil {
			panic(fmt.Sprintf("load config file error: %s", err))
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return &cfg
}

// GetConfig returns a copy of the current configuration, safe to call while
// a hot reload is in flight.
func GetConfig() AppConfig {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadConfigFile load config file
func LoadConfigFile(confDir string) (AppConfig, error) {

	config := viper.New()
	config.SetConfigFile(confDir)
	if err := config.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read configuration file: %v", err)
	}

	config.WatchConfig()
	config.OnConfigChange(func(e fsnotify.Event) {
		log.Infow("The configuration changes, re-analyze the configuration file", "file", e.Name)
		if err := config.ReadInConfig(); err != nil {
			log.Errorw("failed to re-read configuration file", "error", err, "file", e.Name)
			return
		}
		mu.Lock()
		if err := config.Unmarshal(&cfg); err != nil {
			mu.Unlock()
			log.Errorw("failed to unmarshal configuration file", "error", err, "file", e.Name)
			return
		}
		applyDefaults(&cfg)
		mu.Unlock()
		log.Infow("configuration reloaded successfully", "file", e.Name)
	})
	if err := config.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal configuration file: %v", err)
	}
	applyDefaults(&cfg)
	log.Infow("config file loaded",
		"path", confDir,
	)

	return cfg, nil
}

func applyDefaults(c *AppConfig) {
	c.Http.SetDefaults()
	c.Metrics.SetDefaults()
	c.Queue.SetDefaults()
	c.Poller.SetDefaults()
	c.GitHub.SetDefaults()
	c.Ingest.SetDefaults()
	c.Index.SetDefaults()
	c.Scheduler.SetDefaults()
}
