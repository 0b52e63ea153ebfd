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

package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gdamore/prefork"
	"github.com/gdamore/prefork/control"
	"github.com/gdamore/prefork/handlers"
	"github.com/spf13/cobra"
)

const defaultControl = "127.0.0.1:8321"

type serveOptions struct {
	workers     int
	pidFile     string
	daemon      bool
	umask       string
	user        string
	group       string
	grace       time.Duration
	timeout     time.Duration
	backoff     time.Duration
	handler     string
	logLevel    string
	logJSON     bool
	logFile     string
	control     string
	controlAuth string
	reload      bool
	reloadExtra []string
}

func newServeCmd() *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve [address]",
		Short: "Bind an address and serve it with worker processes",
		Long: `Bind an address and serve it with worker processes.

The address is HOST:PORT, :PORT, PORT, or unix:PATH, and defaults to
` + prefork.DefaultAddress + `.  Signals control the running server:
TERM stops gracefully, INT and QUIT stop at once, TTIN and TTOU add and
remove a worker, HUP replaces the workers, USR1 reopens the log file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := envString("BIND", "")
			if len(args) > 0 {
				addr = args[0]
			}
			cfg, err := o.config(addr)
			if err != nil {
				return err
			}
			cfg.ErrOutput = cmd.ErrOrStderr()
			if code := prefork.Main(cfg); code != prefork.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&o.workers, "workers", "w", envInt("WORKERS", prefork.DefaultWorkers),
		"number of worker processes")
	f.StringVar(&o.pidFile, "pid", envString("PID", ""), "pidfile to write")
	f.BoolVar(&o.daemon, "daemon", envBool("DAEMON", false),
		"detach from the terminal")
	f.StringVar(&o.umask, "umask", envString("UMASK", "022"),
		`octal umask to apply, or "" to leave it alone`)
	f.StringVarP(&o.user, "user", "u", envString("USER", ""),
		"switch to this user after binding")
	f.StringVarP(&o.group, "group", "g", envString("GROUP", ""),
		"switch to this group after binding")
	f.DurationVar(&o.grace, "graceful-timeout",
		envDuration("GRACEFUL_TIMEOUT", prefork.DefaultGracePeriod),
		"time allowed for workers to finish when stopping")
	f.DurationVar(&o.timeout, "timeout",
		envDuration("TIMEOUT", prefork.DefaultWorkerTimeout),
		"kill workers silent for this long (0 disables)")
	f.DurationVar(&o.backoff, "backoff", envDuration("BACKOFF", 0),
		"delay replacing workers that are crashing repeatedly")
	f.StringVar(&o.handler, "handler", envString("HANDLER", "echo"),
		"connection handler: echo or http")
	f.StringVar(&o.logLevel, "log-level", envString("LOG_LEVEL", "info"),
		"log level: debug, info, warn, error")
	f.BoolVar(&o.logJSON, "log-json", envBool("LOG_JSON", false),
		"log JSON lines")
	f.StringVar(&o.logFile, "log-file", envString("LOG_FILE", ""),
		"log to this file instead of stderr")
	f.StringVar(&o.control, "control", envString("CONTROL", ""),
		"serve the control API on this address (e.g. "+defaultControl+")")
	f.StringVar(&o.controlAuth, "control-auth", envString("CONTROL_AUTH", ""),
		"require user:bcrypt-hash basic auth on the control API")
	f.BoolVar(&o.reload, "reload", envBool("RELOAD", false),
		"reload workers when the executable changes")
	f.StringArrayVar(&o.reloadExtra, "reload-extra-file", nil,
		"also reload when files matching this pattern change")
	return cmd
}

// demoHTTP is served by the http handler.
var demoHTTP = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Hello from worker %d (%s)\n", os.Getpid(), prefork.WorkerID())
})

func pickHandler(name string) (prefork.Handler, error) {
	switch name {
	case "echo":
		return handlers.Echo, nil
	case "http":
		return handlers.HTTP(demoHTTP), nil
	}
	return nil, fmt.Errorf("unknown handler %q", name)
}

func parseUmask(s string) (int, error) {
	if s == "" {
		return prefork.UmaskUnset, nil
	}
	v, e := strconv.ParseUint(s, 8, 32)
	if e != nil || v > 0o777 {
		return 0, fmt.Errorf("bad umask %q", s)
	}
	if v == 0 {
		return prefork.UmaskNone, nil
	}
	return int(v), nil
}

// config turns the flags into an arbiter configuration.
func (o *serveOptions) config(addr string) (prefork.Config, error) {
	cfg := prefork.NewConfig()
	h, err := pickHandler(o.handler)
	if err != nil {
		return cfg, err
	}
	umask, err := parseUmask(o.umask)
	if err != nil {
		return cfg, err
	}
	if o.workers < 1 {
		return cfg, prefork.ErrBadWorkerCount
	}
	cfg.Address = addr
	cfg.Handler = h
	cfg.Workers = o.workers
	cfg.PidFile = o.pidFile
	cfg.Daemon = o.daemon
	cfg.Umask = umask
	cfg.User = o.user
	cfg.Group = o.group
	cfg.GracePeriod = o.grace
	cfg.WorkerTimeout = o.timeout
	cfg.RestartBackoff = o.backoff
	cfg.Log = prefork.LogConfig{
		Level:     o.logLevel,
		JSON:      o.logJSON,
		File:      o.logFile,
		MaxSizeMB: 100,
	}

	var user string
	var hash []byte
	if o.controlAuth != "" {
		if o.control == "" {
			return cfg, fmt.Errorf("--control-auth needs --control")
		}
		if user, hash, err = control.ParseAuth(o.controlAuth); err != nil {
			return cfg, err
		}
	}
	if o.control == "" && !o.reload {
		return cfg, nil
	}

	// Extras run in the arbiter only.
	var srv *control.Server
	var watcher *prefork.ReloadWatcher
	cfg.OnStart = func(a *prefork.Arbiter) error {
		if o.control != "" {
			h := control.NewHandler(a)
			if hash != nil {
				if err := h.SetAuth(user, hash); err != nil {
					return err
				}
			}
			s, err := control.Listen(o.control, h)
			if err != nil {
				return fmt.Errorf("control API: %w", err)
			}
			srv = s
			l := a.Logger()
			l.Info().Str("url", s.URL()).Msg("Control API listening")
		}
		if o.reload {
			w, err := prefork.WatchForReload(a, o.reloadExtra)
			if err != nil {
				if srv != nil {
					srv.Close()
				}
				return err
			}
			watcher = w
		}
		return nil
	}
	cfg.OnStop = func(a *prefork.Arbiter) {
		if watcher != nil {
			watcher.Close()
		}
		if srv != nil {
			srv.Close()
		}
	}
	return cfg, nil
}
