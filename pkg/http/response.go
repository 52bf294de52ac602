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

import "github.com/gofiber/fiber/v2"

// Status is a stable application-level code/message pair carried in every
// response envelope, independent of the HTTP status.
type Status struct {
	Code int
	Msg  string
}

var (
	Success    = Status{Code: 0, Msg: "success"}
	Failed     = Status{Code: 1, Msg: "failed"}
	BadRequest = Status{Code: 400, Msg: "bad request"}
	NotFound   = Status{Code: 404, Msg: "not found"}

	RequestParameterParsingFailed = Status{Code: 1001, Msg: "request parameter parsing failed"}
)

type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
	Path string `json:"path,omitempty"`
}

// WithRepJSON writes a success envelope with the given payload.
func WithRepJSON(c *fiber.Ctx, data any) error {
	return c.JSON(response{Code: Success.Code, Msg: Success.Msg, Data: data})
}

// WithRepErrMsg writes an error envelope. The HTTP status stays whatever the
// handler set; callers that want a non-200 set it before returning.
func WithRepErrMsg(c *fiber.Ctx, code int, msg string, path string) error {
	return c.JSON(response{Code: code, Msg: msg, Path: path})
}
