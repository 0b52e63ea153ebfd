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
	"io"
	"sync"
)

// MultiWriter fans each write out to a changing set of destinations.
// Unlike io.MultiWriter, destinations can be added and removed while
// loggers are writing to it, and a failing destination does not stop
// delivery to the others.
type MultiWriter struct {
	writers []io.Writer
	lock    sync.Mutex
}

// Write delivers b to every destination.  Records are expected to arrive
// a whole line at a time, which is what zerolog and the worker output
// relay both do.
func (m *MultiWriter) Write(b []byte) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, w := range m.writers {
		w.Write(b)
	}
	return len(b), nil
}

// AddWriter adds a destination.  A destination can only be added once.
func (m *MultiWriter) AddWriter(w io.Writer) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, x := range m.writers {
		if x == w {
			return
		}
	}
	m.writers = append(m.writers, w)
}

// DelWriter removes a destination.
func (m *MultiWriter) DelWriter(w io.Writer) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for i, x := range m.writers {
		if x == w {
			m.writers = append(m.writers[:i], m.writers[i+1:]...)
			break
		}
	}
}

// NewMultiWriter returns a MultiWriter delivering to ws.
func NewMultiWriter(ws ...io.Writer) *MultiWriter {
	m := &MultiWriter{}
	for _, w := range ws {
		m.AddWriter(w)
	}
	return m
}
