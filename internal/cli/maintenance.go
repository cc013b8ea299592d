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
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
)

var (
	logLines   int
	logFollow  bool
	execUser   string
	switchYes  bool
	switchDest string
)

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Show a backend service's log",
	Long: `Logs prints the tail of a service log inside the distribution.

Known services: ` + strings.Join(distro.Services(), ", ") + `.`,
	Example: `  # Last 100 lines of the text-to-speech server log
  distrogate logs xtts

  # Follow the web server error log
  distrogate logs apache --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open the distribution's maintenance terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInDistro(cmd, distro.DefaultUser, distro.TerminalCommand)
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show memory and process usage inside the distribution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInDistro(cmd, "", "htop")
	},
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Choose which backend components are installed and enabled",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInDistro(cmd, distro.DefaultUser, distro.ConfigureCommand)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command inside the distribution",
	Example: `  # Check disk usage as the service account
  distrogate exec -- df -h

  # Run as root
  distrogate exec --user root -- apt list --upgradable`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInDistro(cmd, execUser, args...)
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Print the backend server's git branch",
	Args:  cobra.NoArgs,
	RunE:  runBranch,
}

var branchSwitchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Switch the backend server between the release and dev branches",
	Long: `Switch stashes local changes in the server checkout, fetches origin and
resets the checkout onto the other branch (` + distro.ReleaseBranch + ` or ` + distro.DevBranch + `).

Stop the backend first; the switch does not restart it.`,
	Args: cobra.NoArgs,
	RunE: runBranchSwitch,
}

func init() {
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", distro.DefaultLogLines, "Number of trailing lines to show")
	logsCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Keep printing new lines")

	execCmd.Flags().StringVarP(&execUser, "user", "u", distro.DefaultUser, "Account to run as (empty for the distribution default)")

	branchSwitchCmd.Flags().BoolVarP(&switchYes, "yes", "y", false, "Do not ask for confirmation")
	branchSwitchCmd.Flags().StringVar(&switchDest, "to", "", "Target branch (default: the other one)")
	branchCmd.AddCommand(branchSwitchCmd)
}

func newMaintenanceEnv(cmd *cobra.Command) (*distro.WSL, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return distro.NewWSL(cfg.DistroConfig()), nil
}

func runInDistro(cmd *cobra.Command, user string, args ...string) error {
	env, err := newMaintenanceEnv(cmd)
	if err != nil {
		return err
	}
	err = env.Exec(cmd.Context(), distro.ExecOptions{
		User:   user,
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	}, args...)
	if err != nil {
		explainEnvError(cmd.OutOrStdout(), env, err)
	}
	return err
}

func runLogs(cmd *cobra.Command, args []string) error {
	tail, err := distro.LogCommand(args[0], logLines, logFollow)
	if err != nil {
		return err
	}
	return runInDistro(cmd, distro.DefaultUser, tail...)
}

func runBranch(cmd *cobra.Command, args []string) error {
	env, err := newMaintenanceEnv(cmd)
	if err != nil {
		return err
	}
	branch, err := env.CurrentBranch(cmd.Context())
	if err != nil {
		explainEnvError(cmd.OutOrStdout(), env, err)
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), branch)
	return nil
}

func runBranchSwitch(cmd *cobra.Command, args []string) error {
	env, err := newMaintenanceEnv(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	current, err := env.CurrentBranch(cmd.Context())
	if err != nil {
		explainEnvError(out, env, err)
		return err
	}
	target := switchDest
	if target == "" {
		if target, err = distro.OtherBranch(current); err != nil {
			return err
		}
	}
	if target == current {
		fmt.Fprintf(out, "✅ Already on %s\n", current)
		return nil
	}

	if !switchYes {
		fmt.Fprintf(out, "Switch %s from %s to %s? Local changes are stashed. [y/N] ", distro.ServerDir, current, target)
		if !confirm(cmd.InOrStdin()) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintf(out, "🔀 Switching %s to %s...\n", current, target)
	gitOut, err := env.SwitchBranch(cmd.Context(), target)
	if err != nil {
		explainEnvError(out, env, err)
		return err
	}
	if gitOut != "" {
		fmt.Fprintln(out, gitOut)
	}
	fmt.Fprintf(out, "✅ Now on %s\n", target)
	return nil
}

func confirm(r io.Reader) bool {
	line, _ := bufio.NewReader(r).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// explainEnvError prints a hint for errors the user can fix on the host.
func explainEnvError(out io.Writer, env *distro.WSL, err error) {
	switch {
	case errors.Is(err, distro.ErrEnvironmentMissing):
		fmt.Fprintf(out, "❌ WSL is not available. Install it or set --wsl-binary.\n")
	case errors.Is(err, distro.ErrBackendNotInstalled):
		fmt.Fprintf(out, "❌ Distribution %s is not installed.\n", env.Distro())
	}
}
