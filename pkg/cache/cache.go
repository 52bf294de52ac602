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

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/actionstat/actionstat/pkg/log"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent (or caching is disabled).
var ErrMiss = errors.New("cache miss")

// Redis defines redis cache configuration.
type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTL      int    `mapstructure:"ttl"` // seconds
}

// SetDefaults fills missing configuration with safe defaults.
func (c *Redis) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.TTL <= 0 {
		c.TTL = 300
	}
}

// Cache is a read-through JSON cache over redis. A nil *Cache (or one built
// from a disabled config) is valid and misses on every read.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to redis when enabled; returns nil when disabled.
func New(ctx context.Context, cfg Redis) (*Cache, error) {
	cfg.SetDefaults()
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Infow("redis cache connected", "addr", cfg.Addr)

	return &Cache{
		client: client,
		ttl:    time.Duration(cfg.TTL) * time.Second,
	}, nil
}

// GetJSON loads key and unmarshals it into out. Returns ErrMiss when absent.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) error {
	if c == nil || c.client == nil {
		return ErrMiss
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal cached value %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it under key with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, value any) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Used after re-aggregation invalidates a served value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, key).Err()
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
