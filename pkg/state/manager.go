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

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDirName is the state directory under the user's home.
const DefaultDirName = ".distrogate"

// ErrNotFound is returned when no instance matches.
var ErrNotFound = errors.New("instance not found")

// Manager handles state file operations with file locking.
type Manager struct {
	statePath string
	mu        sync.Mutex
}

// NewManager creates a new state manager. An empty dir uses ~/.distrogate.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, DefaultDirName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Manager{
		statePath: filepath.Join(dir, "state.json"),
	}, nil
}

// Path returns the state file path.
func (m *Manager) Path() string {
	return m.statePath
}

// readState reads the state file (must be called with lock held).
func (m *Manager) readState(f *os.File) (*State, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat state file: %w", err)
	}

	// Empty file, return new state
	if stat.Size() == 0 {
		return &State{
			Version:   CurrentVersion,
			Instances: []*InstanceState{},
		}, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek state file: %w", err)
	}

	var state State
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	if state.Instances == nil {
		state.Instances = []*InstanceState{}
	}

	return &state, nil
}

// writeState writes the state file (must be called with lock held).
func (m *Manager) writeState(f *os.File, state *State) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate state file: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to beginning: %w", err)
	}

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	return f.Sync()
}

// update runs fn on the current state under an exclusive lock and writes the
// result back.
func (m *Manager) update(fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.statePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f, true); err != nil {
		return fmt.Errorf("failed to lock state file: %w", err)
	}
	defer func() { _ = unlockFile(f) }()

	state, err := m.readState(f)
	if err != nil {
		return err
	}

	if err := fn(state); err != nil {
		return err
	}

	return m.writeState(f, state)
}

// RecordInstance inserts or replaces the instance with the same PID.
func (m *Manager) RecordInstance(inst *InstanceState) error {
	if inst == nil || inst.PID <= 0 {
		return fmt.Errorf("invalid instance record")
	}

	record := *inst
	record.UpdatedAt = time.Now()
	if record.StartedAt.IsZero() {
		record.StartedAt = record.UpdatedAt
	}

	return m.update(func(state *State) error {
		for i, existing := range state.Instances {
			if existing.PID == record.PID {
				state.Instances[i] = &record
				return nil
			}
		}
		state.Instances = append(state.Instances, &record)
		return nil
	})
}

// RemoveInstance removes the instance with the given PID.
func (m *Manager) RemoveInstance(pid int) error {
	return m.update(func(state *State) error {
		kept := make([]*InstanceState, 0, len(state.Instances))
		for _, inst := range state.Instances {
			if inst.PID != pid {
				kept = append(kept, inst)
			}
		}
		state.Instances = kept
		return nil
	})
}

// ListInstances lists all instances from the state file.
func (m *Manager) ListInstances() ([]*InstanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.statePath, os.O_RDONLY, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return []*InstanceState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	// Shared lock for reading
	if err := lockFile(f, false); err != nil {
		return nil, fmt.Errorf("failed to lock state file: %w", err)
	}
	defer func() { _ = unlockFile(f) }()

	state, err := m.readState(f)
	if err != nil {
		return nil, err
	}

	return state.Instances, nil
}

// GetInstance gets a specific instance by PID.
func (m *Manager) GetInstance(pid int) (*InstanceState, error) {
	instances, err := m.ListInstances()
	if err != nil {
		return nil, err
	}

	for _, inst := range instances {
		if inst.PID == pid {
			return inst, nil
		}
	}

	return nil, fmt.Errorf("%w: pid %d", ErrNotFound, pid)
}
