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
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/state"
)

// stopTimeout bounds the terminate invocation.
const stopTimeout = 30 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Force-stop the backend from outside a running gateway",
	Long: `Stop tears the backend down without the cooperation of the gateway that
started it.

This command:
  1. Kills backend launch processes recorded in the state file
  2. Terminates the WSL distribution
  3. Removes stale state records

Stopping a backend that is not running is not an error.`,
	Example: `  # Stop the default distribution
  distrogate stop

  # Stop a different distribution
  distrogate stop --distro MyDistro`,
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	killed := 0
	mgr, mgrErr := newStateManager(cfg)
	if mgrErr == nil {
		instances, err := mgr.ListInstances()
		if err != nil {
			fmt.Fprintf(out, "⚠️  Failed to read state: %v\n", err)
		}
		for _, inst := range instances {
			if inst.Session == nil || inst.Session.BackendPID <= 0 || inst.Distro != cfg.Distro {
				continue
			}
			if !state.IsProcessRunning(inst.Session.BackendPID) {
				continue
			}
			if err := state.KillProcess(inst.Session.BackendPID); err != nil {
				fmt.Fprintf(out, "⚠️  Failed to kill backend %d: %v\n", inst.Session.BackendPID, err)
				continue
			}
			killed++
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
	defer cancel()

	env := distro.NewWSL(cfg.DistroConfig())
	if err := env.Terminate(ctx); err != nil {
		fmt.Fprintf(out, "❌ Failed to terminate %s: %v\n", env.Distro(), err)
		return err
	}

	fmt.Fprintf(out, "✅ Distribution %s terminated\n", env.Distro())
	if killed > 0 {
		fmt.Fprintf(out, "✅ Killed %d backend process(es)\n", killed)
	}

	if mgrErr == nil {
		if removed, err := mgr.Reconcile(); err == nil && removed > 0 {
			fmt.Fprintf(out, "✅ Removed %d stale record(s)\n", removed)
		}
	}
	return nil
}
