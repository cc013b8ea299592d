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
	"time"
)

// Reconcile drops instances whose process is no longer running and stamps
// the reconciliation time. It returns how many records were removed.
func (m *Manager) Reconcile() (int, error) {
	removed := 0
	err := m.update(func(state *State) error {
		kept := make([]*InstanceState, 0, len(state.Instances))
		for _, inst := range state.Instances {
			if GetInstanceStatus(inst) == StatusStale {
				removed++
				continue
			}
			kept = append(kept, inst)
		}
		state.Instances = kept
		state.LastReconciledAt = time.Now()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// GetInstanceStatus returns the status of an instance.
func GetInstanceStatus(inst *InstanceState) InstanceStatus {
	if IsProcessRunning(inst.PID) {
		return StatusActive
	}
	return StatusStale
}
