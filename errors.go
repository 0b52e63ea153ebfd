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
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrInvalidAddress = errors.New("Invalid listen address")
	ErrNoHandler      = errors.New("No connection handler")
	ErrBadWorkerCount = errors.New("Worker count must be positive")
	ErrNotInherited   = errors.New("No inherited listening socket")
	ErrPidFileLocked  = errors.New("Pidfile names a running process")
	ErrAlreadyRunning = errors.New("Arbiter already started")
	ErrRateLimited    = errors.New("Restarting too quickly")
	ErrUnknownUser    = errors.New("Unknown user")
	ErrUnknownGroup   = errors.New("Unknown group")
)

// BindErrorKind classifies the operating system's reason for refusing
// to bind the listening socket.
type BindErrorKind int

const (
	OtherBindError BindErrorKind = iota
	PermissionDenied
	AddressInUse
	AddressNotAvailable
)

// These messages are matched by operator tooling; do not reword them.
const (
	MsgPermissionDenied    = "You don't have permission to access that port."
	MsgAddressInUse        = "That port is already in use."
	MsgAddressNotAvailable = "That IP address can't be assigned-to."
)

func (k BindErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "PermissionDenied"
	case AddressInUse:
		return "AddressInUse"
	case AddressNotAvailable:
		return "AddressNotAvailable"
	}
	return "Other"
}

// BindError is returned when the listening socket cannot be created.
type BindError struct {
	Kind BindErrorKind
	Addr ListenAddress
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// Friendly returns the short message shown to operators instead of the
// raw error.  Unclassified failures fall back to the OS message.
func (e *BindError) Friendly() string {
	switch e.Kind {
	case PermissionDenied:
		return MsgPermissionDenied
	case AddressInUse:
		return MsgAddressInUse
	case AddressNotAvailable:
		return MsgAddressNotAvailable
	}
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno.Error()
	}
	return e.Err.Error()
}

func classifyBindError(err error) BindErrorKind {
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return PermissionDenied
	case errors.Is(err, syscall.EADDRINUSE):
		return AddressInUse
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return AddressNotAvailable
	}
	return OtherBindError
}

// FriendlyError renders any startup error as the single line shown to
// the operator.
func FriendlyError(err error) string {
	var be *BindError
	if errors.As(err, &be) {
		return be.Friendly()
	}
	return err.Error()
}
