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

// Package prefork runs a network service as a pool of worker processes
// that share one listening socket, in the manner of a pre-forking
// server.
//
// An Arbiter binds the socket, then starts workers by re-executing the
// current program.  Each worker inherits the socket, accepts
// connections on it, and hands each one to the application's Handler.
// The arbiter keeps the configured number of workers alive, replacing
// any that die, and reacts to operator requests delivered as signals or
// through the control package:
//
//	SIGTERM            graceful stop
//	SIGINT, SIGQUIT    immediate stop
//	SIGTTIN, SIGTTOU   one more, or one fewer, worker
//	SIGHUP             replace workers one at a time
//	SIGUSR1            reopen the log file
//	SIGWINCH           stop all workers (daemon only)
//
// Since the same program runs as both arbiter and worker, main should
// go through Main, which decides which role this process has:
//
//	cfg := prefork.NewConfig()
//	cfg.Address = "127.0.0.1:8000"
//	cfg.Handler = handlers.Echo
//	os.Exit(prefork.Main(cfg))
//
// This package is POSIX only.
package prefork
