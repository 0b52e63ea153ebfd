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
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// The worker's end of its heartbeat pipe; second entry of ExtraFiles.
const heartbeatFD = 4

// Why the arbiter killed a worker, if it did.
type killReason int

const (
	notKilled killReason = iota
	killedTimeout
	killedGrace
	killedShutdown
)

// workerProc is the arbiter's handle on one worker process.
type workerProc struct {
	WorkerRecord
	cmd      *exec.Cmd
	beat     *os.File
	deadline time.Time // when a stopping worker gets killed
	killed   killReason
	logger   zerolog.Logger
}

// exitEvent reports that a worker has been reaped.
type exitEvent struct {
	pid   int
	state *os.ProcessState
	err   error
}

// relay copies a worker's output into the arbiter's log sink, a line at
// a time.  Workers already format their lines, so they go in unchanged.
type relay struct {
	w   io.Writer
	buf bytes.Buffer
	mx  sync.Mutex
}

func (r *relay) Write(b []byte) (int, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.buf.Write(b)
	for {
		line, e := r.buf.ReadBytes('\n')
		if e != nil {
			// Partial line; keep it for the next write.
			r.buf.Reset()
			r.buf.Write(line)
			break
		}
		r.w.Write(line)
	}
	return len(b), nil
}

// flush emits any unterminated final line.
func (r *relay) flush() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.buf.Len() > 0 {
		r.buf.WriteByte('\n')
		r.w.Write(r.buf.Bytes())
		r.buf.Reset()
	}
}

// startWorker launches a worker of the given generation.  The new process
// inherits the listening socket as fd 3 and the write end of a heartbeat
// pipe as fd 4.  Exits are reported on exits, heartbeats on beats.
func (a *Arbiter) startWorker(gen int, exits chan<- exitEvent, beats chan<- int) (*workerProc, error) {
	r, w, e := os.Pipe()
	if e != nil {
		return nil, fmt.Errorf("heartbeat pipe: %w", e)
	}

	id := uuid.NewString()
	env := append(a.sock.env(),
		envWorker+"="+id,
		envGeneration+"="+strconv.Itoa(gen),
		envHeartbeat+"="+a.cfg.Heartbeat.String())
	env = append(env, logEnv(a.cfg.Log)...)
	env = append(env, a.cfg.Env...)

	out := &relay{w: a.logging.Sink()}
	cmd := exec.Command(a.argv[0], a.argv[1:]...)
	cmd.Env = childEnv(env...)
	cmd.ExtraFiles = []*os.File{a.sock.File(), w}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = workerProcAttr()
	// A grandchild holding the output pipe must not stall the reap.
	cmd.WaitDelay = time.Second

	if e := cmd.Start(); e != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("start worker: %w", e)
	}
	// Only the worker may hold the write end, so that we see EOF when
	// it dies.
	w.Close()

	now := time.Now()
	p := &workerProc{
		WorkerRecord: WorkerRecord{
			ID:         id,
			Pid:        cmd.Process.Pid,
			Generation: gen,
			Spawned:    now,
			LastBeat:   now,
			State:      WorkerStarting,
		},
		cmd:    cmd,
		beat:   r,
		logger: a.log.With().Int("worker", cmd.Process.Pid).Logger(),
	}

	go p.doWait(out, exits)
	go p.readBeats(beats)
	return p, nil
}

func (p *workerProc) doWait(out *relay, exits chan<- exitEvent) {
	e := p.cmd.Wait()
	out.flush()
	exits <- exitEvent{pid: p.Pid, state: p.cmd.ProcessState, err: e}
}

// readBeats forwards every byte the worker writes on its heartbeat pipe.
func (p *workerProc) readBeats(beats chan<- int) {
	defer p.beat.Close()
	reader := bufio.NewReader(p.beat)
	for {
		if _, e := reader.ReadByte(); e != nil {
			return
		}
		select {
		case beats <- p.Pid:
		default:
			// The loop is busy; one missed beat does not matter.
		}
	}
}

// signal delivers sig.  A worker that has already gone away counts as
// delivered: it is dead, and its reaping is already on its way.
func (p *workerProc) signal(sig syscall.Signal) {
	e := p.cmd.Process.Signal(sig)
	if e != nil && !errors.Is(e, os.ErrProcessDone) && !errors.Is(e, syscall.ESRCH) {
		p.logger.Warn().Err(e).Stringer("signal", sig).Msg("Failed sending signal")
	}
}

// shutdown asks the worker to finish its current connection and exit.
func (p *workerProc) shutdown(grace time.Duration) {
	if p.State == WorkerStopping || p.State == WorkerDead {
		return
	}
	p.State = WorkerStopping
	p.deadline = time.Now().Add(grace)
	p.signal(syscall.SIGTERM)
}

// kill terminates the worker immediately.
func (p *workerProc) kill(why killReason) {
	if p.State == WorkerDead || p.killed != notKilled {
		return
	}
	p.killed = why
	p.signal(syscall.SIGKILL)
}

// exitCode converts a wait status into a shell-style exit code.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return ExitWorkerFault
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// describeExit is used in log messages.
func describeExit(state *os.ProcessState) string {
	if state == nil {
		return "unknown"
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Exited() {
		return "exit status " + strconv.Itoa(ws.ExitStatus())
	}
	return state.String()
}
