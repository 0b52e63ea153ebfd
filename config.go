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
	"io"
	"os"
	"time"
)

// Defaults for Config.
const (
	DefaultWorkers       = 1
	DefaultUmask         = 0o022
	DefaultGracePeriod   = 30 * time.Second
	DefaultWorkerTimeout = 30 * time.Second
	DefaultHeartbeat     = time.Second
	DefaultTick          = 500 * time.Millisecond
	DefaultRateLimit     = 10
	DefaultRatePeriod    = time.Minute
)

// Config describes an arbiter.  It is copied by NewArbiter and not
// changed afterwards; the worker count it gives is only the starting
// target, which intents can raise or lower.
type Config struct {
	// Address is the bind specification, see ParseAddress.
	Address string

	// Workers is the initial number of worker processes.
	Workers int

	// Handler serves connections inside worker processes.
	Handler Handler

	// PidFile, if set, receives the arbiter's pid while it runs.
	PidFile string

	// Umask is applied once at startup.  Zero means DefaultUmask,
	// UmaskUnset leaves the umask alone and UmaskNone clears it.
	Umask int

	// User and Group, if set, are switched to after the socket is
	// bound and the pidfile written.
	User  string
	Group string

	// Daemon detaches the arbiter from the terminal.
	Daemon bool

	// GracePeriod bounds how long a worker asked to stop may take
	// before it is killed.
	GracePeriod time.Duration

	// WorkerTimeout kills workers that have not sent a heartbeat for
	// this long.  Zero disables it.
	WorkerTimeout time.Duration

	// Heartbeat is how often idle workers report in.
	Heartbeat time.Duration

	// RestartBackoff delays replacing workers while they are crashing
	// faster than RateLimit per RatePeriod.  Zero means replace
	// immediately, whatever the rate.
	RestartBackoff time.Duration
	RateLimit      int
	RatePeriod     time.Duration

	// Tick is the longest the arbiter loop sleeps between checks of
	// its deadlines.
	Tick time.Duration

	// ReloadHook runs on reload, before workers are replaced.  If it
	// fails the reload is abandoned.
	ReloadHook func() error

	// OnStart runs in the arbiter process once it is initialized and
	// before any worker starts.  An error aborts startup.  OnStop runs
	// as the arbiter stops.
	OnStart func(*Arbiter) error
	OnStop  func(*Arbiter)

	// Command is the program run for workers; by default this
	// executable with the same arguments.
	Command []string

	// Env is added to each worker's environment.
	Env []string

	// Log configures logging.
	Log LogConfig

	// DisableSignals stops the arbiter from handling OS signals;
	// intents then only come from Enqueue.
	DisableSignals bool

	// ErrOutput receives the one line startup error shown to the
	// operator.  Defaults to stderr.
	ErrOutput io.Writer
}

// NewConfig returns a Config with the defaults filled in.
func NewConfig() Config {
	return Config{
		Workers: DefaultWorkers,
		Umask:   DefaultUmask,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Umask == 0 {
		c.Umask = DefaultUmask
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.WorkerTimeout < 0 {
		c.WorkerTimeout = 0
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RatePeriod <= 0 {
		c.RatePeriod = DefaultRatePeriod
	}
	if c.ErrOutput == nil {
		c.ErrOutput = os.Stderr
	}
	return c
}

func (c Config) validate() error {
	if c.Handler == nil {
		return ErrNoHandler
	}
	if c.Workers < 1 {
		return ErrBadWorkerCount
	}
	return nil
}

// workerCommand is the argv used to start workers.
func (c Config) workerCommand() ([]string, error) {
	if len(c.Command) != 0 {
		return append([]string(nil), c.Command...), nil
	}
	exe, e := os.Executable()
	if e != nil {
		return nil, e
	}
	return append([]string{exe}, os.Args[1:]...), nil
}
