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

package supervisor

import (
	"errors"
	"time"
)

// State is the backend session lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Active reports whether a backend process is expected to be alive.
func (s State) Active() bool {
	return s == Starting || s == Running
}

var (
	// ErrAlreadyRunning is returned by Start when a session is not Stopped.
	ErrAlreadyRunning = errors.New("backend is already running or starting")
	// ErrNotRunning is returned by StopGraceful when there is nothing to stop.
	ErrNotRunning = errors.New("backend is not running")
	// ErrStartupFailure wraps a failure to spawn the backend process.
	ErrStartupFailure = errors.New("failed to start backend")
	// ErrStartAborted is returned by Start when a stop arrived while the
	// process was being spawned; the new process has been killed.
	ErrStartAborted = errors.New("start aborted by a stop request")
)

// Snapshot is a point-in-time view of the supervisor for observers.
type Snapshot struct {
	State     State
	SessionID string
	StartedAt time.Time
	PID       int
	Ready     bool
}
