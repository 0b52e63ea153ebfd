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
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig describes where arbiter and worker output goes.
type LogConfig struct {
	Level     string    // debug, info, warn, error
	JSON      bool      // JSON lines instead of console format
	File      string    // rotating log file; stderr if empty
	MaxSizeMB int       // rotation threshold for File
	Output    io.Writer // overrides File and stderr, used by tests
}

// Logging owns the arbiter's log sink.  Every line, whether produced by
// the arbiter itself or relayed from a worker, passes through the same
// MultiWriter, so the file and the in-memory ring see identical output.
type Logging struct {
	Logger zerolog.Logger
	sink   *MultiWriter
	ring   *RingLog
	file   *lumberjack.Logger
}

// NewLogging builds the sink and logger described by cfg.
func NewLogging(cfg LogConfig) *Logging {
	l := &Logging{sink: NewMultiWriter(), ring: NewRingLog(MaxLogRecords)}
	switch {
	case cfg.Output != nil:
		l.sink.AddWriter(cfg.Output)
	case cfg.File != "":
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: 3,
			MaxAge:     28,
		}
		l.sink.AddWriter(l.file)
	default:
		l.sink.AddWriter(os.Stderr)
	}
	l.sink.AddWriter(l.ring)
	l.Logger = newLogger(l.sink, cfg.Level, cfg.JSON)
	return l
}

func newLogger(w io.Writer, level string, json bool) zerolog.Logger {
	lvl, e := zerolog.ParseLevel(strings.ToLower(level))
	if e != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if !json {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Ring returns the in-memory copy of recent output.
func (l *Logging) Ring() *RingLog {
	return l.ring
}

// Sink returns the raw destination.  Worker output is relayed here
// unmodified, since workers format their lines the same way.
func (l *Logging) Sink() io.Writer {
	return l.sink
}

// Reopen starts a new log file.  It does nothing when logging to stderr.
func (l *Logging) Reopen() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close flushes and closes the log file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// logEnv passes the log format to workers.
func logEnv(cfg LogConfig) []string {
	return []string{
		envLogLevel + "=" + cfg.Level,
		envLogJSON + "=" + strconv.FormatBool(cfg.JSON),
	}
}

// workerLogger is the logger a worker process uses.  Its stderr is read
// by the arbiter and relayed into the arbiter's sink.
func workerLogger() zerolog.Logger {
	json, _ := strconv.ParseBool(os.Getenv(envLogJSON))
	return newLogger(os.Stderr, os.Getenv(envLogLevel), json)
}
