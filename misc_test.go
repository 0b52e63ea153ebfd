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
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPidFile(t *testing.T) {
	Convey("Given a pidfile path", t, func() {
		path := filepath.Join(t.TempDir(), "arbiter.pid")

		Convey("Creating it records our pid", func() {
			pf, e := CreatePidFile(path, os.Getpid())
			So(e, ShouldBeNil)
			So(pf.Path(), ShouldEqual, path)
			pid, e := ReadPidFile(path)
			So(e, ShouldBeNil)
			So(pid, ShouldEqual, os.Getpid())

			Convey("A second arbiter is refused", func() {
				_, e := CreatePidFile(path, os.Getpid()+1)
				So(errors.Is(e, ErrPidFileLocked), ShouldBeTrue)
			})

			Convey("Remove deletes it", func() {
				So(pf.Remove(), ShouldBeNil)
				_, e := os.Stat(path)
				So(os.IsNotExist(e), ShouldBeTrue)
			})

			Convey("Remove leaves a file someone else claimed", func() {
				os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0644)
				So(pf.Remove(), ShouldBeNil)
				_, e := os.Stat(path)
				So(e, ShouldBeNil)
			})
		})

		Convey("A stale pidfile is replaced", func() {
			os.WriteFile(path, []byte("2147483646\n"), 0644)
			_, e := CreatePidFile(path, os.Getpid())
			So(e, ShouldBeNil)
			pid, _ := ReadPidFile(path)
			So(pid, ShouldEqual, os.Getpid())
		})

		Convey("Garbage is not a pid", func() {
			os.WriteFile(path, []byte("garbage"), 0644)
			_, e := ReadPidFile(path)
			So(e, ShouldNotBeNil)
			_, e = CreatePidFile(path, os.Getpid())
			So(e, ShouldBeNil)
		})
	})
}

func TestRestartRate(t *testing.T) {
	Convey("Given a limit of 3 per minute", t, func() {
		r := newRestartRate(3, time.Minute)
		now := time.Now()

		Convey("A few restarts are fine", func() {
			r.note(now)
			r.note(now)
			first, e := r.tooQuickly(now)
			So(e, ShouldBeNil)
			So(first, ShouldBeFalse)
		})

		Convey("A burst is limited, and reported once", func() {
			for i := 0; i < 3; i++ {
				r.note(now)
			}
			first, e := r.tooQuickly(now)
			So(e, ShouldEqual, ErrRateLimited)
			So(first, ShouldBeTrue)

			first, e = r.tooQuickly(now.Add(time.Second))
			So(e, ShouldEqual, ErrRateLimited)
			So(first, ShouldBeFalse)

			Convey("And cools down after a quiet period", func() {
				_, e := r.tooQuickly(now.Add(2 * time.Minute))
				So(e, ShouldBeNil)
			})
		})

		Convey("Spread out restarts are fine", func() {
			for i := 0; i < 6; i++ {
				r.note(now.Add(time.Duration(i) * time.Minute))
			}
			_, e := r.tooQuickly(now.Add(6 * time.Minute))
			So(e, ShouldBeNil)
		})
	})
}

func TestIntents(t *testing.T) {
	Convey("Signals map to intents", t, func() {
		for sig, want := range map[os.Signal]Intent{
			syscall.SIGTERM:  IntentGracefulStop,
			syscall.SIGINT:   IntentImmediateStop,
			syscall.SIGQUIT:  IntentImmediateStop,
			syscall.SIGTTIN:  IntentIncrement,
			syscall.SIGTTOU:  IntentDecrement,
			syscall.SIGHUP:   IntentReload,
			syscall.SIGUSR1:  IntentReopenLogs,
			syscall.SIGWINCH: IntentStopWorkers,
			syscall.SIGUSR2:  IntentNone,
		} {
			So(IntentForSignal(sig), ShouldEqual, want)
		}
		So(len(arbiterSignals()), ShouldEqual, 8)
	})

	Convey("Intents parse by name", t, func() {
		for _, i := range []Intent{IntentGracefulStop, IntentImmediateStop,
			IntentIncrement, IntentDecrement, IntentReload} {
			p, e := ParseIntent(i.String())
			So(e, ShouldBeNil)
			So(p, ShouldEqual, i)
		}
		_, e := ParseIntent("none")
		So(e, ShouldNotBeNil)
		_, e = ParseIntent("bogus")
		So(e, ShouldNotBeNil)
	})

	Convey("The intent queue does not block", t, func() {
		cfg, _, _ := testConfig(1)
		a, e := NewArbiter(cfg)
		So(e, ShouldBeNil)
		n := cap(a.intents)
		for i := 0; i < n; i++ {
			So(a.Enqueue(IntentIncrement), ShouldBeTrue)
		}
		So(a.Enqueue(IntentIncrement), ShouldBeFalse)
	})
}

func TestConfig(t *testing.T) {
	Convey("NewConfig has the defaults", t, func() {
		c := NewConfig()
		So(c.Workers, ShouldEqual, DefaultWorkers)
		So(c.Umask, ShouldEqual, DefaultUmask)
		So(c.GracePeriod, ShouldEqual, DefaultGracePeriod)
		So(c.Heartbeat, ShouldEqual, DefaultHeartbeat)
		So(c.WorkerTimeout, ShouldEqual, 0)
		So(c.ErrOutput, ShouldEqual, os.Stderr)
		So(c.validate(), ShouldEqual, ErrNoHandler)
	})

	Convey("A bare Config gets the conservative umask", t, func() {
		So(Config{}.withDefaults().Umask, ShouldEqual, DefaultUmask)
		So(Config{Umask: UmaskUnset}.withDefaults().Umask, ShouldEqual, UmaskUnset)
		So(Config{Umask: UmaskNone}.withDefaults().Umask, ShouldEqual, UmaskNone)
	})

	Convey("The worker command defaults to this program", t, func() {
		c := NewConfig()
		argv, e := c.workerCommand()
		So(e, ShouldBeNil)
		exe, _ := os.Executable()
		So(argv[0], ShouldEqual, exe)

		c.Command = []string{"/bin/true", "x"}
		argv, e = c.workerCommand()
		So(e, ShouldBeNil)
		So(argv, ShouldResemble, []string{"/bin/true", "x"})
	})
}
