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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDelay coalesces the burst of events produced by a single
// deploy into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadWatcher queues a reload whenever the worker executable, or a
// file matching one of the extra patterns, is written or replaced.
// Patterns use doublestar syntax, so "conf/**/*.yaml" is allowed.
type ReloadWatcher struct {
	a        *Arbiter
	exe      string
	patterns []string
	delay    time.Duration
	fsw      *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once
}

// WatchForReload starts watching.  The watcher stops when Close is
// called; callers normally do that from Config.OnStop.
func WatchForReload(a *Arbiter, patterns []string) (*ReloadWatcher, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return nil, fmt.Errorf("bad reload pattern %q", p)
		}
	}
	exe, e := filepath.Abs(a.argv[0])
	if e != nil {
		return nil, e
	}
	fsw, e := fsnotify.NewWatcher()
	if e != nil {
		return nil, fmt.Errorf("starting file watcher: %w", e)
	}
	w := &ReloadWatcher{
		a:        a,
		exe:      exe,
		patterns: patterns,
		delay:    DefaultReloadDelay,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	// Directories are watched rather than files, because deploys
	// usually replace files by rename.
	for _, dir := range w.dirs() {
		if e := fsw.Add(dir); e != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, e)
		}
	}
	go w.watch()
	return w, nil
}

// dirs lists every directory that could hold a watched file.
func (w *ReloadWatcher) dirs() []string {
	seen := map[string]bool{filepath.Dir(w.exe): true}
	for _, p := range w.patterns {
		base, _ := doublestar.SplitPattern(filepath.ToSlash(p))
		base = filepath.FromSlash(base)
		if fi, e := os.Stat(base); e == nil && fi.IsDir() {
			seen[base] = true
		}
		matches, _ := doublestar.FilepathGlob(p)
		for _, m := range matches {
			seen[filepath.Dir(m)] = true
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	return dirs
}

// Matches reports whether a change to name should trigger a reload.
func (w *ReloadWatcher) Matches(name string) bool {
	if abs, e := filepath.Abs(name); e == nil && abs == w.exe {
		return true
	}
	for _, p := range w.patterns {
		if ok, _ := doublestar.PathMatch(p, name); ok {
			return true
		}
	}
	return false
}

func (w *ReloadWatcher) watch() {
	var timer <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) {
				continue
			}
			if w.Matches(ev.Name) && timer == nil {
				w.a.log.Debug().Str("file", ev.Name).Msg("Change detected")
				timer = time.After(w.delay)
			}
		case <-timer:
			timer = nil
			w.a.Enqueue(IntentReload)
		case e, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.a.log.Warn().Err(e).Msg("File watcher error")
		}
	}
}

// Close stops watching.  It may be called more than once.
func (w *ReloadWatcher) Close() error {
	var e error
	w.once.Do(func() {
		close(w.done)
		e = w.fsw.Close()
	})
	return e
}
