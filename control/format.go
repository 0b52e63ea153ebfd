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

package control

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/gdamore/prefork"
)

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

type sorted []prefork.WorkerRecord

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if a.State.Active() != b.State.Active() {
		// stopping workers go last
		return a.State.Active()
	}
	if a.Generation != b.Generation {
		// newest generation first
		return a.Generation > b.Generation
	}
	return a.Spawned.Before(b.Spawned)
}

func SortWorkers(items []prefork.WorkerRecord) {
	sort.Sort(sorted(items))
}

// WriteStatus prints s as a short report followed by a worker table.
func WriteStatus(w io.Writer, s *prefork.Status, now time.Time) error {
	fmt.Fprintf(w, "Arbiter:    %d (%s)\n", s.Pid, s.State)
	fmt.Fprintf(w, "Address:    %s\n", s.Address)
	fmt.Fprintf(w, "Workers:    %d of %d\n", s.ActiveWorkers(), s.Target)
	fmt.Fprintf(w, "Generation: %d\n", s.Generation)
	if !s.Started.IsZero() {
		fmt.Fprintf(w, "Uptime:     %s\n", FormatDuration(now.Sub(s.Started)))
	}
	if len(s.Workers) == 0 {
		return nil
	}
	workers := append([]prefork.WorkerRecord(nil), s.Workers...)
	SortWorkers(workers)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tGEN\tSTATE\tUPTIME\tLAST BEAT")
	for _, wr := range workers {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", wr.Pid, wr.Generation,
			wr.State, FormatDuration(now.Sub(wr.Spawned)),
			FormatDuration(now.Sub(wr.LastBeat)))
	}
	return tw.Flush()
}
