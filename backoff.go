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
	"time"
)

// restartRate tracks how often workers have had to be replaced.
//
// Workers are restarting too quickly if more than limit replacements
// happen within period.  Once that threshold is hit we stay in cool down
// until a full period has passed since the previous burst, which halves
// the effective rate for a worker that keeps crashing.
//
// Being rate limited does not stop respawning; it only delays it by the
// configured backoff.  With no backoff configured the rate is still
// tracked, so that the crash loop is logged.
type restartRate struct {
	limit  int
	period time.Duration
	times  []time.Time
	starts int
	cool   bool
}

func newRestartRate(limit int, period time.Duration) *restartRate {
	r := &restartRate{limit: limit, period: period}
	if limit > 0 {
		r.times = make([]time.Time, limit)
	}
	return r
}

// note records a replacement.
func (r *restartRate) note(now time.Time) {
	if r.limit > 0 {
		r.times[r.starts%r.limit] = now
	}
	r.starts++
}

// tooQuickly returns ErrRateLimited while replacements are happening
// faster than the configured rate.  first is true the first time the
// limit is hit, so callers log it once per burst.
func (r *restartRate) tooQuickly(now time.Time) (first bool, err error) {
	if r.limit == 0 || r.starts < r.limit {
		return false, nil
	}

	// Oldest entry in the window.
	end := r.times[r.starts%r.limit]
	if now.Before(end.Add(r.period)) {
		first = !r.cool
		r.cool = true
		return first, ErrRateLimited
	}

	if !r.cool {
		return false, nil
	}

	// Cool down from the prior burst expires a period after its last
	// replacement.
	end = r.times[(r.starts-1)%r.limit]
	if now.Before(end.Add(r.period)) {
		return false, ErrRateLimited
	}

	r.cool = false
	return false, nil
}
