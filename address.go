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
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultHost is used when only a port is given.
	DefaultHost = "0.0.0.0"

	// DefaultAddress is used when the bind string is empty.
	DefaultAddress = "127.0.0.1:8000"

	unixPrefix = "unix:"
)

// ListenAddress is where the arbiter listens.  Exactly one of the TCP
// (Host, Port) or unix (Path) forms is populated, according to Network.
type ListenAddress struct {
	Network string `json:"network"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// TCPAddress returns a TCP listen address.
func TCPAddress(host string, port int) ListenAddress {
	return ListenAddress{Network: "tcp", Host: host, Port: port}
}

// UnixAddress returns a unix domain socket listen address.
func UnixAddress(path string) ListenAddress {
	return ListenAddress{Network: "unix", Path: path}
}

// IsUnix reports whether the address is a unix domain socket.
func (a ListenAddress) IsUnix() bool {
	return a.Network == "unix"
}

// Endpoint is the address string in the form accepted by net.Listen.
func (a ListenAddress) Endpoint() string {
	if a.IsUnix() {
		return a.Path
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// String renders the address the way it would be given on the command
// line, so that ParseAddress(a.String()) == a.
func (a ListenAddress) String() string {
	if a.IsUnix() {
		return unixPrefix + a.Path
	}
	return a.Endpoint()
}

// URL is used in the startup banner.
func (a ListenAddress) URL() string {
	if a.IsUnix() {
		return a.String()
	}
	return "http://" + a.Endpoint() + "/"
}

// ParseAddress converts a bind specification into a ListenAddress.  The
// accepted forms are "unix:<path>", "<port>", and "<host>:<port>".  An
// empty string yields DefaultAddress.  No name resolution is performed.
func ParseAddress(bind string) (ListenAddress, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		bind = DefaultAddress
	}

	if strings.HasPrefix(bind, unixPrefix) {
		path := bind[len(unixPrefix):]
		if path == "" {
			return ListenAddress{}, fmt.Errorf("%w: %q: missing socket path",
				ErrInvalidAddress, bind)
		}
		return UnixAddress(path), nil
	}

	if isDigits(bind) {
		port, e := parsePort(bind)
		if e != nil {
			return ListenAddress{}, e
		}
		return TCPAddress(DefaultHost, port), nil
	}

	host, ps, e := net.SplitHostPort(bind)
	if e != nil {
		return ListenAddress{}, fmt.Errorf("%w: %q: %v",
			ErrInvalidAddress, bind, e)
	}
	if host == "" {
		host = DefaultHost
	}
	port, e := parsePort(ps)
	if e != nil {
		return ListenAddress{}, e
	}
	return TCPAddress(host, port), nil
}

// parsePort accepts 0, which asks the kernel to pick a free port.
func parsePort(s string) (int, error) {
	if !isDigits(s) {
		return 0, fmt.Errorf("%w: port %q is not numeric",
			ErrInvalidAddress, s)
	}
	port, e := strconv.Atoi(s)
	if e != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w: port %q out of range",
			ErrInvalidAddress, s)
	}
	return port, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
