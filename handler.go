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
	"net"
)

// Handler is what applications must implement to serve connections.
// Each worker process owns exactly one Handler, and calls it for one
// connection at a time, from a single goroutine.  That is, implementers
// need not worry about locking.  Concurrency comes from running several
// workers, not from within a worker.
type Handler interface {
	// ServeConn processes one unit of work.  It may block for as long
	// as it needs to; a worker asked to stop gracefully waits for it to
	// return.  The worker closes the connection afterwards, whether or
	// not the handler already did.
	//
	// A returned error is logged, and the worker carries on.  A panic
	// is a fault: the worker process exits with a nonzero status and
	// the arbiter replaces it.
	ServeConn(net.Conn) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(net.Conn) error

// ServeConn calls f(c).
func (f HandlerFunc) ServeConn(c net.Conn) error {
	return f(c)
}
