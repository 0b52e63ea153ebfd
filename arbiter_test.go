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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/net/nettest"
)

// The test binary is also the worker program: the arbiter re-executes it
// with the worker environment set.
func TestMain(m *testing.M) {
	if IsWorker() {
		os.Exit(RunWorker(testHandler))
	}
	os.Exit(m.Run())
}

// testHandler answers a line with the worker's pid.  "sleep" answers,
// then holds the connection; "slow" takes a second to answer; "panic"
// faults the worker.
var testHandler = HandlerFunc(func(c net.Conn) error {
	line, e := bufio.NewReader(c).ReadString('\n')
	if e != nil {
		return e
	}
	switch strings.TrimSpace(line) {
	case "sleep":
		fmt.Fprintf(c, "%d\n", os.Getpid())
		time.Sleep(time.Minute)
	case "slow":
		time.Sleep(time.Second)
		fmt.Fprintf(c, "%d\n", os.Getpid())
	case "panic":
		panic("injected failure")
	default:
		fmt.Fprintf(c, "%d\n", os.Getpid())
	}
	return nil
})

type syncBuffer struct {
	b  bytes.Buffer
	mx sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.b.String()
}

func testConfig(workers int) (Config, *syncBuffer, *syncBuffer) {
	logs := &syncBuffer{}
	errs := &syncBuffer{}
	cfg := NewConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.Handler = testHandler
	cfg.Workers = workers
	cfg.Umask = UmaskUnset
	cfg.DisableSignals = true
	cfg.GracePeriod = 5 * time.Second
	cfg.Heartbeat = 50 * time.Millisecond
	cfg.Tick = 20 * time.Millisecond
	cfg.Log = LogConfig{Level: "debug", Output: logs}
	cfg.ErrOutput = errs
	return cfg, logs, errs
}

type testArbiter struct {
	*Arbiter
	done chan int
	code int
	over bool
	logs *syncBuffer
	t    *testing.T
}

func startArbiter(t *testing.T, cfg Config, logs *syncBuffer) *testArbiter {
	a, e := NewArbiter(cfg)
	So(e, ShouldBeNil)
	So(a.Start(), ShouldBeNil)
	ta := &testArbiter{Arbiter: a, done: make(chan int, 1), logs: logs, t: t}
	go func() {
		ta.done <- a.Wait()
	}()
	return ta
}

// finish waits for the arbiter to stop and returns its exit code.
func (ta *testArbiter) finish(d time.Duration) (int, bool) {
	if ta.over {
		return ta.code, true
	}
	select {
	case ta.code = <-ta.done:
		ta.over = true
		return ta.code, true
	case <-time.After(d):
		return 0, false
	}
}

// cleanup makes sure no workers outlive a test.
func (ta *testArbiter) cleanup() {
	if ta.over {
		return
	}
	ta.Enqueue(IntentImmediateStop)
	if _, ok := ta.finish(10 * time.Second); !ok {
		ta.t.Logf("arbiter did not stop; log:\n%s", ta.logs)
	}
}

// waitStatus waits until cond holds for the published status.
func (ta *testArbiter) waitStatus(d time.Duration, cond func(Status) bool) (Status, bool) {
	deadline := time.Now().Add(d)
	s := ta.Status()
	for !cond(s) {
		left := time.Until(deadline)
		if left <= 0 {
			return s, false
		}
		if left > 100*time.Millisecond {
			left = 100 * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(context.Background(), left)
		s = ta.WatchStatus(ctx, s.Serial)
		cancel()
	}
	return s, true
}

func running(n int) func(Status) bool {
	return func(s Status) bool {
		if len(s.Workers) != n {
			return false
		}
		for _, w := range s.Workers {
			if w.State != WorkerRunning {
				return false
			}
		}
		return true
	}
}

func pids(s Status) map[int]bool {
	m := make(map[int]bool)
	for _, w := range s.Workers {
		m[w.Pid] = true
	}
	return m
}

// request sends one line to the server and returns the answering pid.
func request(addr ListenAddress, msg string) (int, net.Conn, error) {
	c, e := net.DialTimeout(addr.Network, addr.Endpoint(), time.Second)
	if e != nil {
		return 0, nil, e
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, e := fmt.Fprintf(c, "%s\n", msg); e != nil {
		c.Close()
		return 0, nil, e
	}
	line, e := bufio.NewReader(c).ReadString('\n')
	if e != nil {
		c.Close()
		return 0, nil, e
	}
	pid, e := strconv.Atoi(strings.TrimSpace(line))
	return pid, c, e
}

func TestArbiterStartStop(t *testing.T) {
	Convey("Given an arbiter with three workers", t, func() {
		cfg, logs, _ := testConfig(3)
		ta := startArbiter(t, cfg, logs)
		Reset(ta.cleanup)

		s, ok := ta.waitStatus(10*time.Second, running(3))
		So(ok, ShouldBeTrue)
		So(s.State, ShouldEqual, Running)
		So(s.Target, ShouldEqual, 3)
		So(ta.Addr().Port, ShouldNotEqual, 0)
		So(logs.String(), ShouldContainSubstring, "Listening at: http://127.0.0.1:")

		Convey("Workers serve connections", func() {
			pid, c, e := request(ta.Addr(), "hello")
			So(e, ShouldBeNil)
			c.Close()
			So(pids(ta.Status())[pid], ShouldBeTrue)
		})

		Convey("A killed worker is replaced exactly once", func() {
			victim := s.Workers[0].Pid
			So(syscall.Kill(victim, syscall.SIGKILL), ShouldBeNil)

			s2, ok := ta.waitStatus(10*time.Second, func(s Status) bool {
				return running(3)(s) && !pids(s)[victim]
			})
			So(ok, ShouldBeTrue)
			now := pids(s2)
			for _, w := range s.Workers[1:] {
				So(now[w.Pid], ShouldBeTrue)
			}

			Convey("And the kill is reported at exit", func() {
				ta.Enqueue(IntentGracefulStop)
				code, ok := ta.finish(10 * time.Second)
				So(ok, ShouldBeTrue)
				So(code, ShouldEqual, 128+int(syscall.SIGKILL))
			})
		})

		Convey("A faulting worker is replaced", func() {
			_, _, e := request(ta.Addr(), "panic")
			So(e, ShouldNotBeNil)

			_, ok := ta.waitStatus(10*time.Second, func(s Status) bool {
				return s.ExitCode == ExitWorkerFault && running(3)(s)
			})
			So(ok, ShouldBeTrue)
			So(logs.String(), ShouldContainSubstring, "injected failure")
		})

		Convey("Incrementing adds a worker and leaves the others alone", func() {
			So(ta.Enqueue(IntentIncrement), ShouldBeTrue)
			s2, ok := ta.waitStatus(10*time.Second, running(4))
			So(ok, ShouldBeTrue)
			So(s2.Target, ShouldEqual, 4)
			now := pids(s2)
			for _, w := range s.Workers {
				So(now[w.Pid], ShouldBeTrue)
			}
		})

		Convey("Decrementing stops at one worker", func() {
			for i := 0; i < 5; i++ {
				So(ta.Enqueue(IntentDecrement), ShouldBeTrue)
			}
			s2, ok := ta.waitStatus(10*time.Second, running(1))
			So(ok, ShouldBeTrue)
			So(s2.Target, ShouldEqual, 1)

			Convey("And retired workers exit cleanly", func() {
				ta.Enqueue(IntentGracefulStop)
				code, ok := ta.finish(10 * time.Second)
				So(ok, ShouldBeTrue)
				So(code, ShouldEqual, ExitOK)
			})
		})

		Convey("Reload replaces every worker", func() {
			So(ta.Enqueue(IntentReload), ShouldBeTrue)
			s2, ok := ta.waitStatus(15*time.Second, func(s Status) bool {
				if !running(3)(s) {
					return false
				}
				for _, w := range s.Workers {
					if w.Generation != 2 {
						return false
					}
				}
				return true
			})
			So(ok, ShouldBeTrue)
			So(s2.Generation, ShouldEqual, 2)
			now := pids(s2)
			for _, w := range s.Workers {
				So(now[w.Pid], ShouldBeFalse)
			}
		})

		Convey("Graceful stop exits cleanly", func() {
			ta.Enqueue(IntentGracefulStop)
			code, ok := ta.finish(10 * time.Second)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, ExitOK)

			s2 := ta.Status()
			So(s2.State, ShouldEqual, Stopped)
			So(s2.Workers, ShouldBeEmpty)
			for _, w := range s.Workers {
				So(syscall.Kill(w.Pid, 0) == syscall.ESRCH, ShouldBeTrue)
			}

			_, _, e := request(ta.Addr(), "hello")
			So(e, ShouldNotBeNil)
		})

		Convey("Stopping twice is the same as once", func() {
			So(ta.Enqueue(IntentGracefulStop), ShouldBeTrue)
			So(ta.Enqueue(IntentGracefulStop), ShouldBeTrue)
			code, ok := ta.finish(10 * time.Second)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, ExitOK)
		})

		Convey("Immediate stop does not wait", func() {
			_, c, e := request(ta.Addr(), "sleep")
			So(e, ShouldBeNil)
			defer c.Close()

			ta.Enqueue(IntentImmediateStop)
			code, ok := ta.finish(3 * time.Second)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, ExitOK)
		})
	})
}

func TestArbiterGraceExpiry(t *testing.T) {
	Convey("Given a worker busy past the grace period", t, func() {
		cfg, logs, _ := testConfig(1)
		cfg.GracePeriod = 300 * time.Millisecond
		ta := startArbiter(t, cfg, logs)
		Reset(ta.cleanup)

		_, ok := ta.waitStatus(10*time.Second, running(1))
		So(ok, ShouldBeTrue)
		_, c, e := request(ta.Addr(), "sleep")
		So(e, ShouldBeNil)
		defer c.Close()

		Convey("Graceful stop kills it and still stops", func() {
			start := time.Now()
			ta.Enqueue(IntentGracefulStop)
			code, ok := ta.finish(10 * time.Second)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, ExitOK)
			So(time.Since(start) >= cfg.GracePeriod, ShouldBeTrue)
			So(ta.Status().State, ShouldEqual, Stopped)
			So(logs.String(), ShouldContainSubstring, "did not stop in time")
		})
	})
}

func TestArbiterGracefulInflight(t *testing.T) {
	Convey("Given a worker in the middle of a slow request", t, func() {
		cfg, logs, _ := testConfig(1)
		ta := startArbiter(t, cfg, logs)
		Reset(ta.cleanup)

		s, ok := ta.waitStatus(10*time.Second, running(1))
		So(ok, ShouldBeTrue)
		c, e := net.DialTimeout("tcp", ta.Addr().Endpoint(), time.Second)
		So(e, ShouldBeNil)
		defer c.Close()
		c.SetDeadline(time.Now().Add(10 * time.Second))
		_, e = fmt.Fprintf(c, "slow\n")
		So(e, ShouldBeNil)
		time.Sleep(200 * time.Millisecond)

		Convey("Graceful stop lets the request finish", func() {
			So(ta.Enqueue(IntentGracefulStop), ShouldBeTrue)
			_, ok := ta.waitStatus(2*time.Second, func(s Status) bool {
				return s.State == ShuttingDown
			})
			So(ok, ShouldBeTrue)

			line, e := bufio.NewReader(c).ReadString('\n')
			So(e, ShouldBeNil)
			pid, e := strconv.Atoi(strings.TrimSpace(line))
			So(e, ShouldBeNil)
			So(pid, ShouldEqual, s.Workers[0].Pid)

			code, ok := ta.finish(10 * time.Second)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, ExitOK)
		})
	})
}

func TestArbiterSignals(t *testing.T) {
	Convey("Given an arbiter on a unix socket handling signals", t, func() {
		path, e := nettest.LocalPath()
		So(e, ShouldBeNil)
		pidPath := filepath.Join(t.TempDir(), "prefork.pid")

		cfg, logs, _ := testConfig(2)
		cfg.Address = "unix:" + path
		cfg.PidFile = pidPath
		cfg.DisableSignals = false
		ta := startArbiter(t, cfg, logs)
		Reset(ta.cleanup)

		s, ok := ta.waitStatus(10*time.Second, running(2))
		So(ok, ShouldBeTrue)
		So(ta.Addr().IsUnix(), ShouldBeTrue)

		pid, e := ReadPidFile(pidPath)
		So(e, ShouldBeNil)
		So(pid, ShouldEqual, os.Getpid())

		wpid, c, e := request(ta.Addr(), "hello")
		So(e, ShouldBeNil)
		c.Close()
		So(pids(s)[wpid], ShouldBeTrue)

		Convey("TTIN and TTOU resize the pool", func() {
			So(syscall.Kill(os.Getpid(), syscall.SIGTTIN), ShouldBeNil)
			_, ok := ta.waitStatus(10*time.Second, running(3))
			So(ok, ShouldBeTrue)

			So(syscall.Kill(os.Getpid(), syscall.SIGTTOU), ShouldBeNil)
			s2, ok := ta.waitStatus(10*time.Second, running(2))
			So(ok, ShouldBeTrue)
			So(s2.Target, ShouldEqual, 2)
		})

		Convey("TERM stops gracefully and cleans up", func() {
			So(syscall.Kill(os.Getpid(), syscall.SIGTERM), ShouldBeNil)
			code, ok := ta.finish(10 * time.Second)
			So(ok, ShouldBeTrue)
			So(code, ShouldEqual, ExitOK)
			So(logs.String(), ShouldContainSubstring, "Handling signal")

			_, e := os.Stat(pidPath)
			So(os.IsNotExist(e), ShouldBeTrue)
			_, e = os.Stat(path)
			So(os.IsNotExist(e), ShouldBeTrue)
		})
	})
}

func TestArbiterWorkerTimeout(t *testing.T) {
	Convey("Given a worker timeout", t, func() {
		cfg, logs, _ := testConfig(1)
		cfg.WorkerTimeout = 500 * time.Millisecond
		ta := startArbiter(t, cfg, logs)
		Reset(ta.cleanup)

		s, ok := ta.waitStatus(10*time.Second, running(1))
		So(ok, ShouldBeTrue)
		victim := s.Workers[0].Pid

		Convey("A hung worker is killed and replaced", func() {
			_, c, e := request(ta.Addr(), "sleep")
			So(e, ShouldBeNil)
			defer c.Close()

			_, ok := ta.waitStatus(10*time.Second, func(s Status) bool {
				return running(1)(s) && !pids(s)[victim]
			})
			So(ok, ShouldBeTrue)
			So(logs.String(), ShouldContainSubstring, "Worker timeout")
		})
	})
}

func TestArbiterBindFailure(t *testing.T) {
	Convey("Given an address already in use", t, func() {
		ln, e := nettest.NewLocalListener("tcp4")
		So(e, ShouldBeNil)
		defer ln.Close()

		cfg, _, errs := testConfig(2)
		cfg.Address = ln.Addr().String()
		started := false
		cfg.OnStart = func(*Arbiter) error {
			started = true
			return nil
		}
		a, e := NewArbiter(cfg)
		So(e, ShouldBeNil)

		Convey("Run fails without starting workers", func() {
			So(a.Run(), ShouldEqual, ExitStartup)
			So(errs.String(), ShouldEqual, "Error: That port is already in use.\n")
			So(started, ShouldBeFalse)
			s := a.Status()
			So(s.State, ShouldEqual, Stopped)
			So(s.Workers, ShouldBeEmpty)
		})

		Convey("Start cannot be retried", func() {
			So(a.Start(), ShouldNotBeNil)
			So(a.Start(), ShouldEqual, ErrAlreadyRunning)
		})
	})
}

func TestArbiterStartupHook(t *testing.T) {
	Convey("Given a failing start hook", t, func() {
		cfg, _, errs := testConfig(2)
		stopped := false
		cfg.OnStart = func(*Arbiter) error {
			return fmt.Errorf("hook refused")
		}
		cfg.OnStop = func(*Arbiter) {
			stopped = true
		}
		a, e := NewArbiter(cfg)
		So(e, ShouldBeNil)

		Convey("Nothing is left running", func() {
			So(a.Run(), ShouldEqual, ExitStartup)
			So(errs.String(), ShouldEqual, "Error: hook refused\n")
			So(stopped, ShouldBeFalse)
			So(a.Status().Workers, ShouldBeEmpty)

			// The socket was closed.
			_, e := net.DialTimeout("tcp", a.Addr().Endpoint(), time.Second)
			So(e, ShouldNotBeNil)
		})
	})
}

func TestNewArbiterErrors(t *testing.T) {
	Convey("NewArbiter checks its configuration", t, func() {
		cfg, _, _ := testConfig(1)

		Convey("Bad address", func() {
			cfg.Address = "abc"
			_, e := NewArbiter(cfg)
			So(errors.Is(e, ErrInvalidAddress), ShouldBeTrue)
		})
		Convey("No handler", func() {
			cfg.Handler = nil
			_, e := NewArbiter(cfg)
			So(e, ShouldEqual, ErrNoHandler)
		})
		Convey("No workers", func() {
			cfg.Workers = 0
			_, e := NewArbiter(cfg)
			So(e, ShouldEqual, ErrBadWorkerCount)
		})
		Convey("Main reports the cause", func() {
			cfg.Address = "unix:"
			errs := &syncBuffer{}
			cfg.ErrOutput = errs
			So(Main(cfg), ShouldEqual, ExitStartup)
			So(errs.String(), ShouldStartWith, "Error: ")
		})
	})
}
