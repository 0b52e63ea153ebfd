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

package prefork

import (
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Worker exit codes.
const (
	ExitOK          = 0
	ExitStartup     = 1
	ExitWorkerFault = 3
)

// IsWorker reports whether this process was started by an arbiter to
// serve as a worker.
func IsWorker() bool {
	return os.Getenv(envWorker) != ""
}

// WorkerID returns the identifier the arbiter gave this worker, or ""
// outside a worker.
func WorkerID() string {
	return os.Getenv(envWorker)
}

// RunWorker serves connections from the inherited socket with h until
// told to stop, and returns the process exit code: ExitOK after a
// graceful stop, nonzero after a fault.  It must only be called in a
// process for which IsWorker is true.
func RunWorker(h Handler) int {
	logger := workerLogger().With().
		Int("worker", os.Getpid()).
		Logger()

	sock, e := InheritedSocket()
	if e != nil {
		logger.Error().Err(e).Msg("Worker has no socket")
		return ExitWorkerFault
	}
	// Our copy of the descriptor is only needed by the arbiter.
	sock.File().Close()

	interval, e := time.ParseDuration(os.Getenv(envHeartbeat))
	if e != nil || interval <= 0 {
		interval = DefaultHeartbeat
	}
	beat := os.NewFile(heartbeatFD, "heartbeat")

	w := newWorker(sock.Listener(), h, beat, interval, logger)
	w.handleSignals()
	logger.Info().
		Str("id", WorkerID()).
		Str("generation", os.Getenv(envGeneration)).
		Msg("Booting worker")
	return w.serve()
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// worker is the serving loop inside a worker process.
type worker struct {
	ln       net.Listener
	h        Handler
	beat     io.Writer
	interval time.Duration
	log      zerolog.Logger
	stopping atomic.Bool
	exit     func(int)
}

func newWorker(ln net.Listener, h Handler, beat io.Writer, interval time.Duration, log zerolog.Logger) *worker {
	return &worker{
		ln:       ln,
		h:        h,
		beat:     beat,
		interval: interval,
		log:      log,
		exit:     os.Exit,
	}
}

// handleSignals installs the worker's signal handling.  SIGTERM is a
// graceful stop; SIGINT and SIGQUIT stop at once.  Signals meant for the
// arbiter are ignored, since a terminal may deliver them to the whole
// process group.
func (w *worker) handleSignals() {
	signal.Ignore(syscall.SIGHUP, syscall.SIGTTIN, syscall.SIGTTOU,
		syscall.SIGUSR1, syscall.SIGWINCH)
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		for sig := range ch {
			if sig == syscall.SIGTERM {
				w.log.Info().Msg("Worker stopping gracefully")
				w.stop()
				continue
			}
			w.log.Info().Stringer("signal", sig).Msg("Worker exiting")
			w.exit(ExitOK)
		}
	}()
}

// stop makes the worker finish its current connection and exit.  Only
// this process's listener is closed; siblings keep accepting.
func (w *worker) stop() {
	if w.stopping.Swap(true) {
		return
	}
	w.ln.Close()
}

// notify sends a heartbeat.  If the arbiter has gone away there is no
// one left to supervise us, so we stop.
func (w *worker) notify() {
	if w.beat == nil {
		return
	}
	if _, e := w.beat.Write([]byte{'.'}); e != nil && !w.stopping.Load() {
		w.log.Warn().Err(e).Msg("Arbiter gone, stopping")
		w.stop()
	}
}

func (w *worker) serve() int {
	w.notify()
	dl, _ := w.ln.(deadliner)
	for {
		if dl != nil && w.interval > 0 {
			dl.SetDeadline(time.Now().Add(w.interval))
		}
		c, e := w.ln.Accept()
		if e != nil {
			if w.stopping.Load() {
				return ExitOK
			}
			var ne net.Error
			if errors.As(e, &ne) && ne.Timeout() {
				w.notify()
				continue
			}
			w.log.Error().Err(e).Msg("Accept failed")
			return ExitWorkerFault
		}
		if !w.handle(c) {
			return ExitWorkerFault
		}
		if w.stopping.Load() {
			return ExitOK
		}
		w.notify()
	}
}

// handle runs the handler on one connection.  It returns false if the
// handler panicked.
func (w *worker) handle(c net.Conn) (ok bool) {
	defer c.Close()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Handler panicked")
			ok = false
		}
	}()
	if e := w.h.ServeConn(c); e != nil {
		w.log.Warn().Err(e).Msg("Handler failed")
	}
	return true
}
