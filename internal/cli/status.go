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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigeonworks-llc/go-distrogate/pkg/state"
)

var (
	statusFormat    string
	statusReconcile bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show running gateway instances",
	Long: `Status lists every distrogate run instance recorded in the state file.

For each instance it shows whether the process is still alive, the proxy
address, the backend session state and the last resolved backend address.`,
	Example: `  # Show instances in table format
  distrogate status

  # Show instances in JSON format
  distrogate status --format json

  # Drop stale records first
  distrogate status --reconcile`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "table", "Output format (table, json)")
	statusCmd.Flags().BoolVar(&statusReconcile, "reconcile", false, "Remove stale records before listing")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mgr, err := newStateManager(cfg)
	if err != nil {
		return err
	}

	if statusReconcile {
		if _, err := mgr.Reconcile(); err != nil {
			return fmt.Errorf("failed to reconcile state: %w", err)
		}
	}

	instances, err := mgr.ListInstances()
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	out := cmd.OutOrStdout()
	switch statusFormat {
	case "json":
		return outputStatusJSON(out, instances)
	case "table":
		if len(instances) == 0 {
			fmt.Fprintln(out, "No instances found")
			return nil
		}
		return outputStatusTable(out, instances)
	default:
		return fmt.Errorf("unknown format: %s", statusFormat)
	}
}

type statusEntry struct {
	*state.InstanceState
	Status state.InstanceStatus `json:"status"`
}

func outputStatusJSON(out io.Writer, instances []*state.InstanceState) error {
	entries := make([]statusEntry, 0, len(instances))
	for _, inst := range instances {
		entries = append(entries, statusEntry{
			InstanceState: inst,
			Status:        state.GetInstanceStatus(inst),
		})
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

func outputStatusTable(out io.Writer, instances []*state.InstanceState) error {
	fmt.Fprintf(out, "%-8s %-8s %-22s %-10s %-6s %-16s %-12s %s\n",
		"PID", "STATUS", "PROXY", "BACKEND", "READY", "ADDRESS", "STARTED", "DISTRO")
	fmt.Fprintln(out, strings.Repeat("-", 110))

	for _, inst := range instances {
		status := state.GetInstanceStatus(inst)
		statusStr := string(status)
		if status == state.StatusStale {
			statusStr += " ⚠️"
		}

		backend, ready, address := "-", "-", "-"
		if inst.Session != nil {
			backend = inst.Session.State
			ready = fmt.Sprintf("%t", inst.Session.Ready)
			if inst.Session.BackendAddress != "" {
				address = inst.Session.BackendAddress
			}
		}

		fmt.Fprintf(out, "%-8d %-8s %-22s %-10s %-6s %-16s %-12s %s\n",
			inst.PID,
			statusStr,
			truncate(orDash(inst.ListenAddr), 22),
			backend,
			ready,
			truncate(address, 16),
			formatTimeAgo(inst.StartedAt),
			inst.Distro)
	}

	fmt.Fprintf(out, "\nTotal: %d instance(s)\n", len(instances))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTimeAgo(t time.Time) string {
	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(duration.Hours()/24))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
