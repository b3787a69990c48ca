// Copyright 2016 The Sandpass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"
	"sync"

	"zombiezen.com/go/keepdb/pkg/keepass"
)

// EventKind identifies an engine notification.
type EventKind int

// Event kinds.  For one operation, events arrive in the order
// Will*, any number of ProgressChanged, then exactly one terminal event.
const (
	WillLoad EventKind = 1 + iota
	ProgressChanged
	DidLoad
	LoadFailed
	InvalidKey
	WillSave
	DidSave
	SaveFailed
	Cancelled
	WillClose
	DidClose
)

var eventNames = [...]string{
	WillLoad:        "will load",
	ProgressChanged: "progress",
	DidLoad:         "did load",
	LoadFailed:      "load error",
	InvalidKey:      "invalid key",
	WillSave:        "will save",
	DidSave:         "did save",
	SaveFailed:      "save error",
	Cancelled:       "cancelled",
	WillClose:       "will close",
	DidClose:        "did close",
}

func (k EventKind) String() string {
	if k > 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// IsTerminal reports whether k ends a load or save operation.
func (k EventKind) IsTerminal() bool {
	switch k {
	case DidLoad, LoadFailed, InvalidKey, DidSave, SaveFailed, Cancelled:
		return true
	}
	return false
}

// An Event is a notification about an engine operation.
type Event struct {
	Kind EventKind

	// Ref is the container reference of the database.
	Ref string

	// Fraction is the overall progress in [0, 1] for ProgressChanged.
	Fraction float64

	// Warnings is set for DidLoad.
	Warnings *keepass.Warnings

	// Err is set for LoadFailed, InvalidKey, SaveFailed and Cancelled.
	Err error
}

// An Observer receives engine events.  Notify is called from the
// goroutine running the operation and must not call back into the
// engine.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event)

// Notify calls f(ev).
func (f ObserverFunc) Notify(ev Event) {
	f(ev)
}

// progressRelay forwards progress to an observer without ever reporting
// a smaller fraction than before.  Ciphers and KDFs may report from
// several goroutines at once.
type progressRelay struct {
	mu     sync.Mutex
	last   float64
	ref    string
	notify func(Event)
}

func (r *progressRelay) report(f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f <= r.last {
		return
	}
	r.last = f
	r.notify(Event{Kind: ProgressChanged, Ref: r.ref, Fraction: f})
}
