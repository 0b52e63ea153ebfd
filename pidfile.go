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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// PidFile is a file holding the arbiter's process id.
type PidFile struct {
	path string
	pid  int
}

// CreatePidFile writes pid to path.  If the file already names another
// live process, ErrPidFileLocked is returned and the file is left alone.
// A file naming a dead process is stale and is replaced.
func CreatePidFile(path string, pid int) (*PidFile, error) {
	if old, e := ReadPidFile(path); e == nil && old != pid && processAlive(old) {
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrPidFileLocked, path, old)
	}
	data := []byte(strconv.Itoa(pid) + "\n")
	if e := writeFileAtomic(path, data, 0644); e != nil {
		return nil, fmt.Errorf("write pidfile: %w", e)
	}
	return &PidFile{path: path, pid: pid}, nil
}

// ReadPidFile returns the process id stored at path.
func ReadPidFile(path string) (int, error) {
	b, e := os.ReadFile(path)
	if e != nil {
		return 0, e
	}
	pid, e := strconv.Atoi(string(bytes.TrimSpace(b)))
	if e != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile %s: bad contents %q", path, b)
	}
	return pid, nil
}

// Path returns where the pidfile lives.
func (p *PidFile) Path() string {
	return p.path
}

// Remove deletes the pidfile, unless some other process has since
// claimed it.
func (p *PidFile) Remove() error {
	if pid, e := ReadPidFile(p.path); e != nil || pid != p.pid {
		return nil
	}
	if e := os.Remove(p.path); e != nil && !os.IsNotExist(e) {
		return e
	}
	return nil
}

// processAlive reports whether pid names an existing process.  EPERM
// means it exists but belongs to someone else.
func processAlive(pid int) bool {
	e := unix.Kill(pid, 0)
	return e == nil || errors.Is(e, unix.EPERM)
}

// writeFileAtomic writes data to a temporary file next to path and
// renames it into place, so readers never see a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, e := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if e != nil {
		return e
	}
	tmp := f.Name()
	done := false
	defer func() {
		if !done {
			os.Remove(tmp)
		}
	}()

	if _, e := f.Write(data); e != nil {
		f.Close()
		return e
	}
	if e := f.Sync(); e != nil {
		f.Close()
		return e
	}
	if e := f.Close(); e != nil {
		return e
	}
	if e := os.Chmod(tmp, perm); e != nil {
		return e
	}
	if e := os.Rename(tmp, path); e != nil {
		return e
	}
	done = true
	return nil
}
