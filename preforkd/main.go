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

// Command preforkd serves a demo handler from a pool of worker
// processes, and controls a running instance.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

// exitError carries a status that has already been reported.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "preforkd",
		Short: "Pre-forking connection server",
		Long: `preforkd binds a socket once and serves it from a pool of worker
processes, which it keeps alive, grows, shrinks, and replaces on request.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("preforkd version %s\nCommit: %s\n",
		Version, Commit))
	root.AddCommand(newServeCmd())
	root.AddCommand(newCtlCmd())
	return root
}

// Flags may be defaulted from the environment.  The prefix differs
// from the one used between arbiter and workers.
const envPrefix = "PREFORKD_"

func envString(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v, e := strconv.Atoi(envString(name, "")); e == nil {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, e := strconv.ParseBool(envString(name, "")); e == nil {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, e := time.ParseDuration(envString(name, "")); e == nil {
		return v
	}
	return def
}
