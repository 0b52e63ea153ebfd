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
	"fmt"
	"os"
	"os/exec"
)

// errDaemonized is returned by Start in the foreground process once the
// daemon has been launched.  It is not a failure.
var errDaemonized = errors.New("daemonized")

// IsDaemon reports whether this process is the detached arbiter started
// by daemonize.
func IsDaemon() bool {
	return os.Getenv(envDaemon) != ""
}

// daemonize starts a copy of this program in a new session, handing it
// the already bound socket, so bind errors are still reported on the
// operator's terminal.  The copy runs detached with its standard streams
// on /dev/null; output should go to a log file.
func daemonize(argv []string, sock *Socket) (int, error) {
	null, e := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if e != nil {
		return 0, e
	}
	defer null.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = childEnv(append(sock.env(), envDaemon+"=1")...)
	cmd.ExtraFiles = []*os.File{sock.File()}
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.SysProcAttr = daemonProcAttr()
	if e := cmd.Start(); e != nil {
		return 0, fmt.Errorf("start daemon: %w", e)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}
