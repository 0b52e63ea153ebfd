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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gdamore/prefork"
	"github.com/gdamore/prefork/control"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type ctlOptions struct {
	control string
	auth    string
	output  string
	timeout time.Duration
}

func (o *ctlOptions) client() *control.Client {
	base := o.control
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := control.NewClient(nil, strings.TrimSuffix(base, "/"))
	if o.auth != "" {
		user, pass, _ := strings.Cut(o.auth, ":")
		c.SetAuth(user, pass)
	}
	return c
}

func (o *ctlOptions) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func newCtlCmd() *cobra.Command {
	o := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running server through its control API",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&o.control, "control", envString("CONTROL", defaultControl),
		"address of the control API")
	pf.StringVar(&o.auth, "auth", envString("CONTROL_USER", ""),
		"user:password for the control API")
	pf.StringVarP(&o.output, "output", "o", "text", "output format: text, yaml, json")
	pf.DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the arbiter and its workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			s, err := o.client().Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), o.output, s, time.Now())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Show recent arbiter and worker output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context()
			defer cancel()
			l, err := o.client().GetLog(ctx)
			if err != nil {
				return err
			}
			for _, r := range l.Records {
				fmt.Fprintln(cmd.OutOrStdout(), r.Text)
			}
			return nil
		},
	})

	for _, i := range []struct {
		intent prefork.Intent
		short  string
	}{
		{prefork.IntentIncrement, "Add a worker"},
		{prefork.IntentDecrement, "Remove a worker"},
		{prefork.IntentReload, "Replace the workers one at a time"},
		{prefork.IntentGracefulStop, "Stop gracefully"},
		{prefork.IntentImmediateStop, "Stop immediately"},
	} {
		intent := i.intent
		cmd.AddCommand(&cobra.Command{
			Use:   intent.String(),
			Short: i.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := o.context()
				defer cancel()
				if err := o.client().Send(ctx, intent); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", intent)
				return nil
			},
		})
	}
	return cmd
}

func printStatus(w io.Writer, format string, s *prefork.Status, now time.Time) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "text", "":
		return control.WriteStatus(w, s, now)
	}
	return fmt.Errorf("unknown output format %q", format)
}
