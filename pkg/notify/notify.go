// Copyright Pigeonworks LLC
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

// Package notify defines how the supervisor and proxy report backend output
// and user-visible events to whatever presents them.
package notify

import (
	"sync"
	"time"
)

// Severity tags an event for presentation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Kind identifies what an event is about.
type Kind string

const (
	// KindNotice is a free-form lifecycle message.
	KindNotice Kind = "notice"
	// KindReady fires when the readiness marker is observed.
	KindReady Kind = "ready"
	// KindEstablished fires once per session on the first successful forward.
	KindEstablished Kind = "established"
	// KindLost fires once per session on the first failure after establishment.
	KindLost Kind = "lost"
	// KindStartupFailure reports that the backend process could not be spawned.
	KindStartupFailure Kind = "startup-failure"
	// KindEnvironmentMissing reports that the host virtualization tooling is absent.
	KindEnvironmentMissing Kind = "environment-missing"
	// KindBackendNotInstalled reports that the backend distribution does not exist.
	KindBackendNotInstalled Kind = "backend-not-installed"
	// KindExited reports that the backend process exited.
	KindExited Kind = "exited"
)

// Event is a single user-visible notification.
type Event struct {
	Kind     Kind
	Severity Severity
	Text     string
	Time     time.Time
}

// Presenter receives backend output lines and events. Implementations must be
// safe for concurrent use: lines arrive from the session reader while events
// may arrive from any proxy worker.
type Presenter interface {
	Line(text string)
	Notify(ev Event)
}

// New builds an event stamped with the current time.
func New(kind Kind, severity Severity, text string) Event {
	return Event{Kind: kind, Severity: severity, Text: text, Time: time.Now()}
}

// Discard drops everything.
var Discard Presenter = discard{}

type discard struct{}

func (discard) Line(string)  {}
func (discard) Notify(Event) {}

// Fanout forwards every line and event to each presenter in order.
func Fanout(presenters ...Presenter) Presenter {
	out := make(fanout, 0, len(presenters))
	for _, p := range presenters {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

type fanout []Presenter

func (f fanout) Line(text string) {
	for _, p := range f {
		p.Line(text)
	}
}

func (f fanout) Notify(ev Event) {
	for _, p := range f {
		p.Notify(ev)
	}
}

// Recorder keeps every line and event it receives. It is useful for embedding
// the supervisor in programs that render output later, and in tests.
type Recorder struct {
	mu     sync.Mutex
	lines  []string
	events []Event
}

// Line records an output line.
func (r *Recorder) Line(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

// Notify records an event.
func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have the given kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
