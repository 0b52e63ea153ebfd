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

package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gdamore/prefork"
	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to a control Handler.
type Client struct {
	user string // HTTP Basic-Auth
	pass string
	auth bool
	base string // URI to root of tree on server

	// Reads are retried; intents are sent once, since incr and decr
	// are not idempotent.
	get  *retryablehttp.Client
	post *retryablehttp.Client
}

// NewClient returns a Client for the server at baseURI.  The transport
// may be nil to use a default one, but it may also be adjusted to
// support additional options such as TLS.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = http.DefaultTransport
	}
	c := &Client{
		base: baseURI,
		get:  retryablehttp.NewClient(),
		post: retryablehttp.NewClient(),
	}
	c.get.RetryMax = 2
	c.get.RetryWaitMin = 100 * time.Millisecond
	c.get.RetryWaitMax = time.Second
	c.post.RetryMax = 0
	for _, rc := range []*retryablehttp.Client{c.get, c.post} {
		rc.HTTPClient = &http.Client{Transport: t}
		rc.Logger = nil
		rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}
	return c
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

// poll issues a GET, optionally as a long poll against etag.  The
// returned etag is 0 if the value did not change, in which case v is
// left alone.
func (c *Client) poll(ctx context.Context, path string, etag int64, wait time.Duration, v interface{}) (int64, error) {
	u := c.base + path
	if etag != 0 {
		q := url.Values{}
		q.Set("etag", strconv.FormatInt(etag, 10))
		q.Set("wait", strconv.Itoa(int(wait/time.Second)))
		u += "?" + q.Encode()
	}
	req, e := retryablehttp.NewRequestWithContext(ctx, "GET", u, nil)
	if e != nil {
		return 0, e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	res, e := c.get.Do(req)
	if e != nil {
		return 0, e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return 0, nil
	}
	if res.StatusCode != http.StatusOK {
		return 0, responseError(res)
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return 0, e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return 0, e
	}
	tag, _ := strconv.ParseInt(res.Header.Get("Etag"), 10, 64)
	return tag, nil
}

func (c *Client) send(ctx context.Context, path string) error {
	req, e := retryablehttp.NewRequestWithContext(ctx, "POST", c.base+path, nil)
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", "text/plain") // we don't really care
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	res, e := c.post.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return responseError(res)
	}
	return nil
}

// responseError prefers the server's JSON error message to the bare
// status line.
func responseError(res *http.Response) error {
	e := &Error{}
	if b, err := io.ReadAll(res.Body); err == nil && json.Unmarshal(b, e) == nil && e.Message != "" {
		e.Code = res.StatusCode
		return e
	}
	return &Error{Code: res.StatusCode, Message: res.Status}
}

// Status returns the arbiter's current status.
func (c *Client) Status(ctx context.Context) (*prefork.Status, error) {
	s := &prefork.Status{}
	if _, e := c.poll(ctx, "/status", 0, 0, s); e != nil {
		return nil, e
	}
	return s, nil
}

// WatchStatus waits up to wait for the status to move on from last,
// and returns the new status, or last itself if nothing changed.
func (c *Client) WatchStatus(ctx context.Context, last *prefork.Status, wait time.Duration) (*prefork.Status, error) {
	if last == nil {
		return c.Status(ctx)
	}
	s := &prefork.Status{}
	etag, e := c.poll(ctx, "/status", last.Serial, wait, s)
	if e != nil {
		return nil, e
	}
	if etag == 0 {
		return last, nil
	}
	return s, nil
}

// Workers returns the records of the current workers.
func (c *Client) Workers(ctx context.Context) ([]prefork.WorkerRecord, error) {
	var w []prefork.WorkerRecord
	if _, e := c.poll(ctx, "/workers", 0, 0, &w); e != nil {
		return nil, e
	}
	return w, nil
}

// LogInfo is a copy of the arbiter's recent output.
type LogInfo struct {
	etag    int64
	Records []prefork.LogRecord
}

// GetLog returns the recent output without waiting.
func (c *Client) GetLog(ctx context.Context) (*LogInfo, error) {
	return c.WatchLog(ctx, nil, 0)
}

// WatchLog waits up to wait for new output after last.
func (c *Client) WatchLog(ctx context.Context, last *LogInfo, wait time.Duration) (*LogInfo, error) {
	v := &LogInfo{}
	var otag int64
	if last != nil {
		otag = last.etag
	}
	etag, e := c.poll(ctx, "/log", otag, wait, &v.Records)
	if e != nil {
		return nil, e
	}
	if etag == 0 {
		return last, nil
	}
	v.etag = etag
	return v, nil
}

func (c *Client) Increment(ctx context.Context) error {
	return c.send(ctx, "/workers/incr")
}

func (c *Client) Decrement(ctx context.Context) error {
	return c.send(ctx, "/workers/decr")
}

func (c *Client) Reload(ctx context.Context) error {
	return c.send(ctx, "/reload")
}

// Stop asks for a graceful shutdown.
func (c *Client) Stop(ctx context.Context) error {
	return c.send(ctx, "/stop")
}

// Kill asks for an immediate shutdown.
func (c *Client) Kill(ctx context.Context) error {
	return c.send(ctx, "/kill")
}

// Send posts the named intent.
func (c *Client) Send(ctx context.Context, i prefork.Intent) error {
	switch i {
	case prefork.IntentIncrement:
		return c.Increment(ctx)
	case prefork.IntentDecrement:
		return c.Decrement(ctx)
	case prefork.IntentReload:
		return c.Reload(ctx)
	case prefork.IntentGracefulStop:
		return c.Stop(ctx)
	case prefork.IntentImmediateStop:
		return c.Kill(ctx)
	}
	return &Error{Code: http.StatusBadRequest,
		Message: "intent " + i.String() + " is not available remotely"}
}
