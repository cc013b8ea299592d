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

// Package session holds the per-run state shared between the supervisor and
// the proxy: the readiness flag and the one-shot connectivity transitions.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Connectivity is the derived connectivity status of a session.
type Connectivity string

const (
	NotEstablished Connectivity = "not-established"
	Established    Connectivity = "established"
	Lost           Connectivity = "lost"
)

// Session is one run of the backend environment. A fresh Session starts not
// ready and not established; nothing carries over from a previous run.
type Session struct {
	ID        string
	StartedAt time.Time

	mu          sync.Mutex
	ready       bool
	established bool
	lost        bool
}

// New creates a session with a random ID.
func New() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
}

// Ready reports whether the readiness marker has been observed.
func (s *Session) Ready() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// MarkReady sets the readiness flag. It returns true only on the first call.
func (s *Session) MarkReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return false
	}
	s.ready = true
	return true
}

// ClearReady drops readiness after an explicit stop. Once cleared, no further
// connectivity transitions can fire for this session.
func (s *Session) ClearReady() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
}

// RecordSuccess notes a successful forward. It returns true exactly once per
// session: on the first success while ready.
func (s *Session) RecordSuccess() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || s.established {
		return false
	}
	s.established = true
	return true
}

// RecordFailure notes a failed forward or resolution. It returns true exactly
// once per session: on the first failure after establishment while ready.
func (s *Session) RecordFailure() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || !s.established || s.lost {
		return false
	}
	s.lost = true
	return true
}

// Connectivity returns the current derived status.
func (s *Session) Connectivity() Connectivity {
	if s == nil {
		return NotEstablished
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.lost:
		return Lost
	case s.established:
		return Established
	default:
		return NotEstablished
	}
}
