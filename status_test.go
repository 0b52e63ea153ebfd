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
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBoard(t *testing.T) {
	Convey("Given a status board", t, func() {
		b := newBoard()
		b.publish(Status{State: Running, Target: 2})
		s := b.get()
		So(s.State, ShouldEqual, Running)

		Convey("Publishing bumps the serial", func() {
			b.publish(Status{State: ShuttingDown})
			s2 := b.get()
			So(s2.Serial, ShouldEqual, s.Serial+1)
			So(s2.State, ShouldEqual, ShuttingDown)
		})

		Convey("Watchers wake on publish", func() {
			go func() {
				time.Sleep(20 * time.Millisecond)
				b.publish(Status{State: Stopped})
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s2 := b.watch(ctx, s.Serial)
			So(s2.State, ShouldEqual, Stopped)
		})

		Convey("Watchers give up with their context", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			So(b.watch(ctx, s.Serial).Serial, ShouldEqual, s.Serial)
		})

		Convey("Snapshots are copies", func() {
			now := time.Now()
			b.publish(Status{Workers: []WorkerRecord{
				{Pid: 2, Spawned: now.Add(time.Second), State: WorkerStopping},
				{Pid: 1, Spawned: now, State: WorkerRunning},
			}})
			s2 := b.get()
			So(s2.Workers[0].Pid, ShouldEqual, 1)
			So(s2.ActiveWorkers(), ShouldEqual, 1)
			s2.Workers[0].Pid = 99
			So(b.get().Workers[0].Pid, ShouldEqual, 1)
		})
	})

	Convey("States marshal by name", t, func() {
		b, e := json.Marshal(Status{State: ShuttingDown,
			Workers: []WorkerRecord{{State: WorkerStarting}}})
		So(e, ShouldBeNil)
		So(string(b), ShouldContainSubstring, `"state":"shutting-down"`)
		So(string(b), ShouldContainSubstring, `"state":"starting"`)

		var s Status
		So(json.Unmarshal(b, &s), ShouldBeNil)
		So(s.State, ShouldEqual, ShuttingDown)
		So(s.Workers[0].State, ShouldEqual, WorkerStarting)

		for v := Initializing; v <= Stopped; v++ {
			var got State
			txt, _ := v.MarshalText()
			So(got.UnmarshalText(txt), ShouldBeNil)
			So(got, ShouldEqual, v)
		}
		for v := WorkerStarting; v <= WorkerDead; v++ {
			var got WorkerState
			txt, _ := v.MarshalText()
			So(got.UnmarshalText(txt), ShouldBeNil)
			So(got, ShouldEqual, v)
		}
	})

	Convey("Unknown state names are refused", t, func() {
		var s Status
		So(json.Unmarshal([]byte(`{"state":"dozing"}`), &s), ShouldNotBeNil)
		So(json.Unmarshal([]byte(`{"workers":[{"state":"unknown"}]}`), &s), ShouldNotBeNil)
	})
}
