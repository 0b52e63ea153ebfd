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
	"context"
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one line of arbiter or worker output.
type LogRecord struct {
	ID   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// RingLog keeps the most recent lines written to it, so that the control
// API can show recent output without reading the log file.
type RingLog struct {
	records []LogRecord
	count   int
	id      int64
	mx      sync.Mutex
	cv      *sync.Cond
}

// NewRingLog returns a RingLog holding up to max lines.
func NewRingLog(max int) *RingLog {
	if max <= 0 {
		max = MaxLogRecords
	}
	l := &RingLog{
		records: make([]LogRecord, max),
		// Seeding with the clock invalidates etags held by clients
		// of a previous arbiter.
		id: time.Now().UnixNano(),
	}
	l.cv = sync.NewCond(&l.mx)
	return l
}

// Write implements io.Writer.  Each line becomes a record.
func (l *RingLog) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	if str == "" {
		return len(b), nil
	}
	now := time.Now()
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		// count may exceed the capacity; it is the next write index.
		idx := l.count % len(l.records)
		l.id++
		l.records[idx] = LogRecord{ID: l.id, Time: now, Text: line}
		l.count++
	}
	l.cv.Broadcast()
	l.mx.Unlock()
	return len(b), nil
}

// Records returns the stored records, oldest first, and an ID suitable for
// use as an etag.  If last is the current ID nothing has changed and nil
// is returned.
func (l *RingLog) Records(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	n := l.count
	if n > len(l.records) {
		n = len(l.records)
	}
	recs := make([]LogRecord, 0, n)
	for i := l.count - n; i < l.count; i++ {
		recs = append(recs, l.records[i%len(l.records)])
	}
	return recs, l.id
}

// Watch blocks until the log changes from last, or ctx is done, and
// returns the current ID.
func (l *RingLog) Watch(ctx context.Context, last int64) int64 {
	stop := context.AfterFunc(ctx, func() {
		l.mx.Lock()
		l.cv.Broadcast()
		l.mx.Unlock()
	})
	defer stop()

	l.mx.Lock()
	defer l.mx.Unlock()
	for l.id == last && ctx.Err() == nil {
		l.cv.Wait()
	}
	return l.id
}
