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
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the arbiter's lifecycle state.
type State int

const (
	Initializing State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for v := Initializing; v <= Stopped; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown arbiter state %q", b)
}

// WorkerState is the arbiter's view of one worker.
type WorkerState int

const (
	WorkerStarting WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerDead
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerDead:
		return "dead"
	}
	return "unknown"
}

func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *WorkerState) UnmarshalText(b []byte) error {
	for v := WorkerStarting; v <= WorkerDead; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", b)
}

// Active reports whether a worker in this state counts towards the
// target worker count.
func (s WorkerState) Active() bool {
	return s == WorkerStarting || s == WorkerRunning
}

// WorkerRecord describes one worker process.  Records belong to the
// arbiter; copies are handed out in Status.
type WorkerRecord struct {
	ID         string      `json:"id" yaml:"id"`
	Pid        int         `json:"pid" yaml:"pid"`
	Generation int         `json:"generation" yaml:"generation"`
	Spawned    time.Time   `json:"spawned" yaml:"spawned"`
	LastBeat   time.Time   `json:"lastBeat" yaml:"lastBeat"`
	State      WorkerState `json:"state" yaml:"state"`
}

// Status is a consistent snapshot of the arbiter.
type Status struct {
	ID         string         `json:"id" yaml:"id"`
	Pid        int            `json:"pid" yaml:"pid"`
	Address    string         `json:"address" yaml:"address"`
	State      State          `json:"state" yaml:"state"`
	Target     int            `json:"target" yaml:"target"`
	Generation int            `json:"generation" yaml:"generation"`
	Workers    []WorkerRecord `json:"workers" yaml:"workers"`
	Started    time.Time      `json:"started" yaml:"started"`
	Updated    time.Time      `json:"updated" yaml:"updated"`
	Serial     int64          `json:"serial,string" yaml:"serial"`
	ExitCode   int            `json:"exitCode" yaml:"exitCode"`
}

// ActiveWorkers counts the workers that are starting or running.
func (s *Status) ActiveWorkers() int {
	n := 0
	for _, w := range s.Workers {
		if w.State.Active() {
			n++
		}
	}
	return n
}

// board holds the most recently published Status.  The arbiter loop is
// the only writer; the control API reads it from other goroutines.
type board struct {
	status Status
	serial int64
	mx     sync.Mutex
	cv     *sync.Cond
}

func newBoard() *board {
	// The serial starts at the clock so that a restarted arbiter never
	// reuses an etag from an earlier one.
	b := &board{serial: time.Now().UnixNano()}
	b.cv = sync.NewCond(&b.mx)
	return b
}

func (b *board) publish(s Status) {
	sort.Slice(s.Workers, func(i, j int) bool {
		return s.Workers[i].Spawned.Before(s.Workers[j].Spawned)
	})
	b.mx.Lock()
	b.serial++
	s.Serial = b.serial
	s.Updated = time.Now()
	b.status = s
	b.cv.Broadcast()
	b.mx.Unlock()
}

func (b *board) get() Status {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.copyLocked()
}

func (b *board) copyLocked() Status {
	s := b.status
	s.Workers = append([]WorkerRecord(nil), b.status.Workers...)
	return s
}

// watch blocks until the serial differs from old or ctx is done.
func (b *board) watch(ctx context.Context, old int64) Status {
	stop := context.AfterFunc(ctx, func() {
		b.mx.Lock()
		b.cv.Broadcast()
		b.mx.Unlock()
	})
	defer stop()

	b.mx.Lock()
	defer b.mx.Unlock()
	for b.serial == old && ctx.Err() == nil {
		b.cv.Wait()
	}
	return b.copyLocked()
}
