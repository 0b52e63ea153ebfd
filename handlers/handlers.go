// Copyright 2026 The Govisor Authors
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

// Package handlers has ready-made connection handlers for workers.
package handlers

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gdamore/prefork"
)

// IdleTimeout bounds how long HTTP keeps an idle connection, and so how
// long a worker may be tied up by a client that went quiet.
const IdleTimeout = 5 * time.Second

// Echo writes every line it reads back to the client until the client
// closes the connection.
var Echo prefork.Handler = prefork.HandlerFunc(echo)

func echo(c net.Conn) error {
	r := bufio.NewReader(c)
	for {
		line, e := r.ReadBytes('\n')
		if len(line) > 0 {
			if _, we := c.Write(line); we != nil {
				return we
			}
		}
		if errors.Is(e, io.EOF) {
			return nil
		}
		if e != nil {
			return e
		}
	}
}

// HTTP serves a connection with h.  It handles every request sent on the
// connection, including keep-alive ones, and returns once the
// connection is closed or hijacked.
func HTTP(h http.Handler) prefork.Handler {
	return prefork.HandlerFunc(func(c net.Conn) error {
		done := make(chan struct{})
		var once sync.Once
		srv := &http.Server{
			Handler:           h,
			ReadHeaderTimeout: IdleTimeout,
			IdleTimeout:       IdleTimeout,
			ConnState: func(_ net.Conn, st http.ConnState) {
				if st == http.StateClosed || st == http.StateHijacked {
					once.Do(func() { close(done) })
				}
			},
		}
		e := srv.Serve(&oneConn{c: c, done: done})
		if errors.Is(e, errServed) {
			return nil
		}
		return e
	})
}

var errServed = errors.New("connection served")

// oneConn is a listener that yields a single connection, and then
// reports itself closed once that connection is finished with.
type oneConn struct {
	c    net.Conn
	done chan struct{}
	used bool
}

func (l *oneConn) Accept() (net.Conn, error) {
	if !l.used {
		l.used = true
		return l.c, nil
	}
	<-l.done
	return nil, errServed
}

func (l *oneConn) Close() error {
	return nil
}

func (l *oneConn) Addr() net.Addr {
	return l.c.LocalAddr()
}
