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

//go:build !windows

package state

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsProcessRunning checks if a process is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}

	// Signal 0 checks existence; EPERM means it exists under another user.
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillProcess kills pid and, when pid leads a process group, the group.
func KillProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
