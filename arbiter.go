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

package prefork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Arbiter supervises a pool of worker processes sharing one listening
// socket.
//
// All arbiter state lives in a single goroutine, the one running Wait.
// Signals, control API requests, worker exits and heartbeats reach it
// over channels and are handled one at a time, so nothing needs locking
// except the published Status.
//
//   Initializing ---> Running ---> ShuttingDown ---> Stopped
//        |                              ^
//        +------------------------------+  (startup failure)
//
type Arbiter struct {
	cfg     Config
	id      string
	addr    ListenAddress
	argv    []string
	sock    *Socket
	pidfile *PidFile
	logging *Logging
	log     zerolog.Logger
	metrics *Metrics
	board   *board

	// Loop state.
	state      State
	target     int
	generation int
	workers    map[int]*workerProc
	exitCode   int
	nextSpawn  time.Time
	rate       *restartRate
	daemon     bool
	started    time.Time
	hooked     bool
	dirty      bool

	exits   chan exitEvent
	beats   chan int
	intents chan Intent
	stop    chan struct{}

	begun bool
	mx    sync.Mutex
}

// NewArbiter checks cfg and prepares an arbiter.  Bad addresses are
// reported here, before anything is bound.
func NewArbiter(cfg Config) (*Arbiter, error) {
	cfg = cfg.withDefaults()
	if e := cfg.validate(); e != nil {
		return nil, e
	}
	addr, e := ParseAddress(cfg.Address)
	if e != nil {
		return nil, e
	}
	argv, e := cfg.workerCommand()
	if e != nil {
		return nil, fmt.Errorf("cannot find worker command: %w", e)
	}

	a := &Arbiter{
		cfg:        cfg,
		id:         uuid.NewString(),
		addr:       addr,
		argv:       argv,
		logging:    NewLogging(cfg.Log),
		metrics:    newMetrics(),
		board:      newBoard(),
		state:      Initializing,
		target:     cfg.Workers,
		generation: 1,
		workers:    make(map[int]*workerProc),
		rate:       newRestartRate(cfg.RateLimit, cfg.RatePeriod),
		exits:      make(chan exitEvent, 64),
		beats:      make(chan int, 256),
		intents:    make(chan Intent, 32),
		stop:       make(chan struct{}),
	}
	a.log = a.logging.Logger.With().Str("arbiter", a.id[:8]).Logger()
	a.publish()
	return a, nil
}

// Main is the entry point for programs built on this package.  In a
// worker process it serves connections with cfg.Handler; otherwise it
// runs an arbiter.  The result is the process exit code.
//
//	func main() {
//		cfg := prefork.NewConfig()
//		cfg.Address = "8000"
//		cfg.Handler = myHandler
//		os.Exit(prefork.Main(cfg))
//	}
func Main(cfg Config) int {
	if IsWorker() {
		return RunWorker(cfg.Handler)
	}
	a, e := NewArbiter(cfg)
	if e != nil {
		cfg = cfg.withDefaults()
		fmt.Fprintf(cfg.ErrOutput, "Error: %s\n", FriendlyError(e))
		return ExitStartup
	}
	return a.Run()
}

// Run starts the arbiter and supervises workers until it stops.  The
// result is the process exit code.  Startup failures are reported as a
// single line on Config.ErrOutput.
func (a *Arbiter) Run() int {
	if e := a.Start(); e != nil {
		if errors.Is(e, errDaemonized) {
			return ExitOK
		}
		a.log.Debug().Err(e).Msg("Startup failed")
		fmt.Fprintf(a.cfg.ErrOutput, "Error: %s\n", FriendlyError(e))
		return ExitStartup
	}
	return a.Wait()
}

// Start performs initialization: binds the socket, detaches if asked to,
// applies the umask, writes the pidfile, drops privileges, and starts the
// initial workers.  Each of these happens exactly once.  On failure
// nothing is left running and the socket is closed.
func (a *Arbiter) Start() (err error) {
	a.mx.Lock()
	if a.begun {
		a.mx.Unlock()
		return ErrAlreadyRunning
	}
	a.begun = true
	a.mx.Unlock()

	defer func() {
		if err != nil && !errors.Is(err, errDaemonized) {
			a.abort()
		}
	}()

	if IsDaemon() {
		sock, e := InheritedSocket()
		if e != nil {
			return e
		}
		sock.Unlink()
		a.sock = sock
		a.daemon = true
	} else {
		sock, e := Bind(a.addr)
		if e != nil {
			return e
		}
		a.sock = sock
	}
	a.addr = a.sock.Addr()

	if a.cfg.Daemon && !a.daemon {
		exe, e := os.Executable()
		if e != nil {
			return e
		}
		pid, e := daemonize(append([]string{exe}, os.Args[1:]...), a.sock)
		if e != nil {
			return e
		}
		a.log.Info().Int("daemon", pid).Msg("Detached")
		a.sock.Release()
		a.sock = nil
		a.logging.Close()
		return errDaemonized
	}

	setUmask(a.cfg.Umask)

	if a.cfg.PidFile != "" {
		pf, e := CreatePidFile(a.cfg.PidFile, os.Getpid())
		if e != nil {
			return e
		}
		a.pidfile = pf
	}

	if a.cfg.User != "" || a.cfg.Group != "" {
		if e := dropPrivileges(a.cfg.User, a.cfg.Group); e != nil {
			return e
		}
	}

	if a.cfg.OnStart != nil {
		if e := a.cfg.OnStart(a); e != nil {
			return e
		}
		a.hooked = true
	}

	a.log.Info().
		Int("pid", os.Getpid()).
		Str("address", a.addr.String()).
		Msg("Listening at: " + a.addr.URL())
	a.log.Info().Int("workers", a.target).Msg("Starting workers")

	a.started = time.Now()
	a.state = Running
	if !a.cfg.DisableSignals {
		a.relaySignals(a.stop)
	}
	for i := 0; i < a.target; i++ {
		if e := a.spawn(); e != nil {
			return e
		}
	}
	a.publish()
	return nil
}

// Wait runs the supervisory loop until the arbiter stops, and returns
// the exit code: the first nonzero status of a faulted worker, or zero.
// It must only be called after a successful Start.
func (a *Arbiter) Wait() int {
	tick := time.NewTicker(a.cfg.Tick)
	defer tick.Stop()

	for a.state != Stopped {
		select {
		case ev := <-a.exits:
			a.reap(ev)
		case pid := <-a.beats:
			a.heartbeat(pid)
		case i := <-a.intents:
			a.apply(i)
		case <-tick.C:
		}
		a.step(time.Now())
		if a.dirty {
			a.publish()
		}
	}
	a.teardown()
	return a.exitCode
}

// step does the periodic work for the current state.
func (a *Arbiter) step(now time.Time) {
	switch a.state {
	case Running:
		a.murderIdle(now)
		a.killOverdue(now)
		a.rollReload(now)
		a.manageWorkers(now)
	case ShuttingDown:
		a.killOverdue(now)
		if len(a.workers) == 0 {
			a.state = Stopped
			a.dirty = true
		}
	}
}

func (a *Arbiter) apply(i Intent) {
	a.metrics.Intents.WithLabelValues(i.String()).Inc()
	switch i {
	case IntentGracefulStop:
		if a.state != Running {
			return
		}
		a.log.Info().Dur("grace", a.cfg.GracePeriod).Msg("Graceful shutdown")
		a.state = ShuttingDown
		for _, p := range a.workers {
			p.shutdown(a.cfg.GracePeriod)
		}

	case IntentImmediateStop:
		if a.state == Stopped {
			return
		}
		a.log.Info().Msg("Immediate shutdown")
		a.state = ShuttingDown
		for _, p := range a.workers {
			p.kill(killedShutdown)
		}

	case IntentIncrement:
		if a.state != Running {
			return
		}
		a.target++
		a.log.Info().Int("workers", a.target).Msg("Increasing workers")

	case IntentDecrement:
		if a.state != Running || a.target <= 1 {
			return
		}
		a.target--
		a.log.Info().Int("workers", a.target).Msg("Decreasing workers")

	case IntentReload:
		if a.state != Running {
			return
		}
		a.reload()

	case IntentReopenLogs:
		if e := a.logging.Reopen(); e != nil {
			a.log.Error().Err(e).Msg("Failed to reopen log file")
			return
		}
		a.log.Info().Msg("Reopened log file")

	case IntentStopWorkers:
		if a.state != Running {
			return
		}
		if !a.daemon {
			a.log.Debug().Msg("Ignoring worker stop request in foreground")
			return
		}
		a.log.Info().Msg("Stopping all workers")
		a.target = 0

	default:
		return
	}
	a.dirty = true
}

// reload runs the reload hook and starts a new generation.  Workers of
// older generations are then replaced one at a time by rollReload.
func (a *Arbiter) reload() {
	if a.cfg.ReloadHook != nil {
		if e := a.cfg.ReloadHook(); e != nil {
			a.log.Error().Err(e).Msg("Reload failed, keeping current workers")
			return
		}
	}
	a.generation++
	a.log.Info().Int("generation", a.generation).Msg("Reloading workers")
}

// rollReload replaces one old-generation worker, if no other worker is
// currently stopping.  The new worker is started first; manageWorkers
// then retires the oldest worker, so the number of serving workers never
// drops below the target.
func (a *Arbiter) rollReload(now time.Time) {
	if now.Before(a.nextSpawn) {
		return
	}
	old := false
	for _, p := range a.workers {
		if p.State == WorkerStopping {
			return
		}
		if p.State.Active() && p.Generation < a.generation {
			old = true
		}
	}
	if old {
		if e := a.spawn(); e != nil {
			a.log.Error().Err(e).Msg("Failed to start replacement worker")
			a.nextSpawn = now.Add(time.Second)
		}
	}
}

// activeWorkers returns the starting and running workers, oldest
// generation first, then oldest first.
func (a *Arbiter) activeWorkers() []*workerProc {
	active := make([]*workerProc, 0, len(a.workers))
	for _, p := range a.workers {
		if p.State.Active() {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Generation != active[j].Generation {
			return active[i].Generation < active[j].Generation
		}
		return active[i].Spawned.Before(active[j].Spawned)
	})
	return active
}

// manageWorkers brings the number of active workers to the target,
// stopping the oldest surplus workers or starting new ones.
func (a *Arbiter) manageWorkers(now time.Time) {
	active := a.activeWorkers()
	if surplus := len(active) - a.target; surplus > 0 {
		for _, p := range active[:surplus] {
			p.logger.Info().Msg("Retiring worker")
			p.shutdown(a.cfg.GracePeriod)
		}
		a.dirty = true
		return
	}
	for n := len(active); n < a.target; n++ {
		if now.Before(a.nextSpawn) {
			return
		}
		if e := a.spawn(); e != nil {
			a.log.Error().Err(e).Msg("Failed to start worker")
			a.nextSpawn = now.Add(time.Second)
			return
		}
	}
}

func (a *Arbiter) spawn() error {
	p, e := a.startWorker(a.generation, a.exits, a.beats)
	if e != nil {
		return e
	}
	a.workers[p.Pid] = p
	a.metrics.Spawns.Inc()
	a.dirty = true
	p.logger.Info().Int("generation", p.Generation).Msg("Booting worker")
	return nil
}

// murderIdle kills workers that have stopped sending heartbeats.
func (a *Arbiter) murderIdle(now time.Time) {
	if a.cfg.WorkerTimeout <= 0 {
		return
	}
	for _, p := range a.workers {
		if !p.State.Active() || p.killed != notKilled {
			continue
		}
		if now.Sub(p.LastBeat) > a.cfg.WorkerTimeout {
			p.logger.Error().
				Dur("timeout", a.cfg.WorkerTimeout).
				Msg("Worker timeout")
			p.kill(killedTimeout)
		}
	}
}

// killOverdue kills stopping workers whose grace period has run out.
func (a *Arbiter) killOverdue(now time.Time) {
	for _, p := range a.workers {
		if p.State == WorkerStopping && p.killed == notKilled &&
			now.After(p.deadline) {
			p.logger.Warn().Msg("Worker did not stop in time, killing")
			p.kill(killedGrace)
		}
	}
}

func (a *Arbiter) heartbeat(pid int) {
	p, ok := a.workers[pid]
	if !ok {
		return
	}
	p.LastBeat = time.Now()
	if p.State == WorkerStarting {
		p.State = WorkerRunning
		a.dirty = true
	}
}

// reap records a worker's exit.  An exit the arbiter did not ask for
// leaves the pool short, and manageWorkers starts a replacement.
func (a *Arbiter) reap(ev exitEvent) {
	p, ok := a.workers[ev.pid]
	if !ok {
		return
	}
	delete(a.workers, ev.pid)
	a.dirty = true
	now := time.Now()

	stopping := p.State == WorkerStopping
	p.State = WorkerDead
	code := exitCode(ev.state)

	var reason string
	switch {
	case p.killed == killedGrace || p.killed == killedShutdown:
		reason = "killed"
	case code != ExitOK:
		reason = "fault"
		if a.exitCode == ExitOK {
			a.exitCode = code
		}
	case stopping:
		reason = "stopped"
	default:
		reason = "exited"
	}
	a.metrics.Exits.WithLabelValues(reason).Inc()

	ev2 := p.logger.Info()
	if reason == "fault" {
		ev2 = p.logger.Warn()
	}
	ev2.Str("reason", reason).
		Str("status", describeExit(ev.state)).
		Dur("uptime", now.Sub(p.Spawned)).
		Msg("Worker exited")

	if a.state != Running || stopping {
		return
	}
	a.rate.note(now)
	if first, e := a.rate.tooQuickly(now); e != nil {
		if first {
			a.log.Warn().Err(e).
				Int("limit", a.cfg.RateLimit).
				Dur("period", a.cfg.RatePeriod).
				Msg("Workers are crashing")
		}
		if a.cfg.RestartBackoff > 0 {
			a.nextSpawn = now.Add(a.cfg.RestartBackoff)
		}
	}
}

// abort cleans up after a failed Start.
func (a *Arbiter) abort() {
	for _, p := range a.workers {
		p.kill(killedShutdown)
	}
	timeout := time.After(a.cfg.GracePeriod)
	for len(a.workers) > 0 {
		select {
		case ev := <-a.exits:
			a.reap(ev)
		case <-timeout:
			a.workers = make(map[int]*workerProc)
		}
	}
	a.teardown()
}

// teardown releases everything acquired during Start.
func (a *Arbiter) teardown() {
	close(a.stop)
	if a.hooked && a.cfg.OnStop != nil {
		a.cfg.OnStop(a)
	}
	if a.sock != nil {
		a.sock.Close()
	}
	if a.pidfile != nil {
		if e := a.pidfile.Remove(); e != nil {
			a.log.Warn().Err(e).Msg("Failed to remove pidfile")
		}
	}
	a.state = Stopped
	a.publish()
	a.log.Info().Int("status", a.exitCode).Msg("Arbiter stopped")
	a.logging.Close()
}

func (a *Arbiter) publish() {
	s := Status{
		ID:         a.id,
		Pid:        os.Getpid(),
		Address:    a.addr.String(),
		State:      a.state,
		Target:     a.target,
		Generation: a.generation,
		Started:    a.started,
		ExitCode:   a.exitCode,
		Workers:    make([]WorkerRecord, 0, len(a.workers)),
	}
	for _, p := range a.workers {
		s.Workers = append(s.Workers, p.WorkerRecord)
	}
	a.metrics.observe(&s)
	a.board.publish(s)
	a.dirty = false
}

// Status returns the most recently published snapshot.  It is safe to
// call from any goroutine.
func (a *Arbiter) Status() Status {
	return a.board.get()
}

// WatchStatus waits until the status serial differs from serial, or ctx
// is done, and returns the current snapshot.
func (a *Arbiter) WatchStatus(ctx context.Context, serial int64) Status {
	return a.board.watch(ctx, serial)
}

// Addr returns the listen address.  After Start it reflects the bound
// socket, including a kernel-assigned port.
func (a *Arbiter) Addr() ListenAddress {
	return a.addr
}

// ID identifies this arbiter instance.
func (a *Arbiter) ID() string {
	return a.id
}

// Logger returns the arbiter's logger.
func (a *Arbiter) Logger() zerolog.Logger {
	return a.log
}

// Logging returns the arbiter's log sink.
func (a *Arbiter) Logging() *Logging {
	return a.logging
}

// Metrics returns the arbiter's collectors.
func (a *Arbiter) Metrics() *Metrics {
	return a.metrics
}
