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

package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

type Http struct {
	Host            string
	Port            int
	AccessLog       bool
	ReadTimeout     int
	WriteTimeout    int
	IdleTimeout     int
	ShutdownTimeout int
	BodyLimit       int // request body size limit in bytes
}

func (h *Http) SetDefaults() {
	if h.Host == "" {
		h.Host = "127.0.0.1"
	}
	if h.Port == 0 {
		h.Port = 8080
	}
	if h.ReadTimeout == 0 {
		h.ReadTimeout = 60
	}
	if h.WriteTimeout == 0 {
		h.WriteTimeout = 60
	}
	if h.IdleTimeout == 0 {
		h.IdleTimeout = 60
	}
	if h.ShutdownTimeout == 0 {
		h.ShutdownTimeout = 10
	}
	if h.BodyLimit == 0 {
		h.BodyLimit = 4 * 1024 * 1024 // 4MB
	}
}

// QueryInt queries the int value from the query string
func (h *Http) QueryInt(c *fiber.Ctx, key string) int {
	value := c.Query(key)
	if value == "" {
		return 0
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return intValue
}
