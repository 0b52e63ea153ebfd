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
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Children find the listening socket at this descriptor; it is the first
// entry of exec.Cmd.ExtraFiles.
const listenFD = 3

// Environment used to hand the socket (and worker identity) to re-executed
// children.
const (
	envAddr       = "PREFORK_ADDR"
	envFD         = "PREFORK_FD"
	envWorker     = "PREFORK_WORKER"
	envGeneration = "PREFORK_GENERATION"
	envHeartbeat  = "PREFORK_HEARTBEAT"
	envDaemon     = "PREFORK_DAEMON"
	envLogLevel   = "PREFORK_WORKER_LOG_LEVEL"
	envLogJSON    = "PREFORK_WORKER_LOG_JSON"
)

// Socket is the listening socket shared by the arbiter and every worker.
// It is created once, and is only closed when the arbiter stops.
type Socket struct {
	addr ListenAddress
	ln   net.Listener
	file *os.File // descriptor handed to children
}

type filer interface {
	File() (*os.File, error)
}

// Bind creates the listening socket for addr.  Address reuse is enabled
// so that a restarted arbiter can bind again immediately.  A stale unix
// socket file left behind by a previous run is removed first.
func Bind(addr ListenAddress) (*Socket, error) {
	if addr.IsUnix() {
		if e := removeStaleSocket(addr.Path); e != nil {
			return nil, &BindError{Kind: classifyBindError(e), Addr: addr, Err: e}
		}
	}
	lc := net.ListenConfig{Control: reuseAddr}
	ln, e := lc.Listen(context.Background(), addr.Network, addr.Endpoint())
	if e != nil {
		return nil, &BindError{Kind: classifyBindError(e), Addr: addr, Err: e}
	}
	s, e := newSocket(addr, ln)
	if e != nil {
		return nil, &BindError{Kind: OtherBindError, Addr: addr, Err: e}
	}
	return s, nil
}

// InheritedSocket adopts the listening socket passed down by a parent
// process.  It returns ErrNotInherited if this process was not started
// with one.
func InheritedSocket() (*Socket, error) {
	spec := os.Getenv(envAddr)
	if spec == "" || os.Getenv(envFD) == "" {
		return nil, ErrNotInherited
	}
	addr, e := ParseAddress(spec)
	if e != nil {
		return nil, e
	}
	fd, e := strconv.Atoi(os.Getenv(envFD))
	if e != nil {
		return nil, fmt.Errorf("bad inherited descriptor %q: %w",
			os.Getenv(envFD), e)
	}
	f := os.NewFile(uintptr(fd), "listener")
	ln, e := net.FileListener(f)
	if e != nil {
		f.Close()
		return nil, fmt.Errorf("adopt inherited socket: %w", e)
	}
	return &Socket{addr: addr, ln: ln, file: f}, nil
}

func newSocket(addr ListenAddress, ln net.Listener) (*Socket, error) {
	fl, ok := ln.(filer)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listener %T cannot be shared", ln)
	}
	f, e := fl.File()
	if e != nil {
		ln.Close()
		return nil, e
	}
	if !addr.IsUnix() && addr.Port == 0 {
		// Report the kernel-assigned port.
		if ta, ok := ln.Addr().(*net.TCPAddr); ok {
			addr.Port = ta.Port
		}
	}
	return &Socket{addr: addr, ln: ln, file: f}, nil
}

// Addr returns the address the socket is bound to.
func (s *Socket) Addr() ListenAddress {
	return s.addr
}

// Listener returns this process's listener on the socket.
func (s *Socket) Listener() net.Listener {
	return s.ln
}

// File returns the descriptor that children inherit.
func (s *Socket) File() *os.File {
	return s.file
}

// Unlink arranges for a unix socket file to be removed on Close.  Sockets
// created by Bind already do this; an adopted socket only does so when
// its new owner is the arbiter.
func (s *Socket) Unlink() {
	if ul, ok := s.ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
}

// Release closes this process's copies of the socket without removing a
// unix socket file, which another process now owns.
func (s *Socket) Release() error {
	if ul, ok := s.ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	return s.Close()
}

// Close closes this process's copies of the socket.  Other processes
// holding the descriptor are not affected.
func (s *Socket) Close() error {
	e1 := s.ln.Close()
	e2 := s.file.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

// env is the environment that tells a child where to find the socket.
func (s *Socket) env() []string {
	return []string{
		envAddr + "=" + s.addr.String(),
		envFD + "=" + strconv.Itoa(listenFD),
	}
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	if !strings.HasPrefix(network, "tcp") {
		return nil
	}
	var serr error
	if e := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET,
			unix.SO_REUSEADDR, 1)
	}); e != nil {
		return e
	}
	return serr
}

func removeStaleSocket(path string) error {
	fi, e := os.Lstat(path)
	if e != nil {
		if os.IsNotExist(e) {
			return nil
		}
		return e
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// childEnv returns the current environment minus any of our own markers,
// followed by extra.
func childEnv(extra ...string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PREFORK_") && isMarker(kv) {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}

func isMarker(kv string) bool {
	for _, k := range []string{envAddr, envFD, envWorker, envGeneration,
		envHeartbeat, envDaemon, envLogLevel, envLogJSON} {
		if strings.HasPrefix(kv, k+"=") {
			return true
		}
	}
	return false
}
