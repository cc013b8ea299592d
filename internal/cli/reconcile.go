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
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove records of instances that are no longer running",
	Long: `Reconcile drops state file records whose process has exited.

A run instance that was killed without a chance to clean up leaves its
record behind; status then reports it as stale. The reconcile operation is
safe and idempotent.`,
	Example: `  # Reconcile state file
  distrogate reconcile

  # Reconcile a custom state directory
  distrogate reconcile --state-dir /path/to/state`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newStateManager(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🔄 Reconciling state...")

	removed, err := mgr.Reconcile()
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}

	fmt.Fprintf(out, "✅ Removed %d stale record(s)\n", removed)
	fmt.Fprintf(out, "✅ State file updated: %s\n", mgr.Path())
	return nil
}
