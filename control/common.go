// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package control exposes a running arbiter over HTTP, and provides a
// client for it.
//
// Reads are JSON.  GET /status and GET /log support long polling: the
// response carries an Etag, and a request passing that value as the
// "etag" query parameter waits (up to "wait" seconds) until something
// changes, answering 304 Not Modified if nothing does.
package control

import (
	"time"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// DefaultWait is how long a long poll waits when the request does
	// not say.  MaxWait caps what it may ask for.
	DefaultWait = 30 * time.Second
	MaxWait     = 300 * time.Second
)

// Ack is the body of a successful POST.
type Ack struct {
	Intent string `json:"intent"`
}

// Error is the body of a failed request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
