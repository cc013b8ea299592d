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

// Package state records running distrogate instances in a shared state file
// so that other invocations can report on and clean up after them.
package state

import "time"

// State represents the entire state file structure.
type State struct {
	Version          string           `json:"version"`
	Instances        []*InstanceState `json:"instances"`
	LastReconciledAt time.Time        `json:"last_reconciled_at"`
}

// InstanceState is one `distrogate run` process and its backend session.
type InstanceState struct {
	PID         int       `json:"pid"`
	Distro      string    `json:"distro"`
	ListenAddr  string    `json:"listen_addr"`
	MetricsAddr string    `json:"metrics_addr,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Session *SessionState `json:"session,omitempty"`
}

// SessionState is the backend session owned by an instance.
type SessionState struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	BackendPID     int       `json:"backend_pid,omitempty"`
	Ready          bool      `json:"ready"`
	BackendAddress string    `json:"backend_address,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// InstanceStatus represents the status of an instance.
type InstanceStatus string

const (
	// StatusActive indicates the instance is active (process running).
	StatusActive InstanceStatus = "active"
	// StatusStale indicates the instance is stale (process not running).
	StatusStale InstanceStatus = "stale"
)

// CurrentVersion is the current version of the state file format.
const CurrentVersion = "1.0"
