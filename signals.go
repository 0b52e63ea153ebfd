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
	"os/signal"
	"strings"
	"syscall"
)

// Intent is an operator request to the arbiter.  Signals and control API
// calls are turned into intents and queued; the arbiter loop applies
// them one at a time.  Applying an intent that does not fit the current
// state does nothing, so repeating one is harmless.
type Intent int

const (
	IntentNone Intent = iota
	IntentGracefulStop
	IntentImmediateStop
	IntentIncrement
	IntentDecrement
	IntentReload
	IntentReopenLogs
	IntentStopWorkers
)

var intentNames = map[Intent]string{
	IntentNone:          "none",
	IntentGracefulStop:  "stop",
	IntentImmediateStop: "kill",
	IntentIncrement:     "incr",
	IntentDecrement:     "decr",
	IntentReload:        "reload",
	IntentReopenLogs:    "reopen",
	IntentStopWorkers:   "winch",
}

func (i Intent) String() string {
	if n, ok := intentNames[i]; ok {
		return n
	}
	return fmt.Sprintf("intent(%d)", int(i))
}

// ParseIntent is the inverse of String.
func ParseIntent(name string) (Intent, error) {
	name = strings.ToLower(name)
	for i, n := range intentNames {
		if n == name && i != IntentNone {
			return i, nil
		}
	}
	return IntentNone, fmt.Errorf("unknown intent %q", name)
}

// The arbiter's signal table.  SIGCHLD is not needed: each worker has a
// goroutine blocked in Wait.
var signalIntents = map[os.Signal]Intent{
	syscall.SIGTERM:  IntentGracefulStop,
	syscall.SIGINT:   IntentImmediateStop,
	syscall.SIGQUIT:  IntentImmediateStop,
	syscall.SIGTTIN:  IntentIncrement,
	syscall.SIGTTOU:  IntentDecrement,
	syscall.SIGHUP:   IntentReload,
	syscall.SIGUSR1:  IntentReopenLogs,
	syscall.SIGWINCH: IntentStopWorkers,
}

// IntentForSignal maps an OS signal to the intent it requests.
func IntentForSignal(sig os.Signal) Intent {
	return signalIntents[sig]
}

func arbiterSignals() []os.Signal {
	sigs := make([]os.Signal, 0, len(signalIntents))
	for s := range signalIntents {
		sigs = append(sigs, s)
	}
	return sigs
}

// Enqueue queues an intent for the arbiter loop.  It never blocks; if
// the queue is full the intent is dropped and false is returned.
func (a *Arbiter) Enqueue(i Intent) bool {
	select {
	case a.intents <- i:
		return true
	default:
		a.log.Warn().Stringer("intent", i).Msg("Intent queue full, dropping")
		return false
	}
}

// relaySignals turns incoming signals into queued intents until stop is
// closed.  Nothing else happens in signal context.
func (a *Arbiter) relaySignals(stop <-chan struct{}) {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, arbiterSignals()...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				a.log.Info().Stringer("signal", sig).Msg("Handling signal")
				a.Enqueue(IntentForSignal(sig))
			case <-stop:
				return
			}
		}
	}()
}
