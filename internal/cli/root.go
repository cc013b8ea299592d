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
// Package cli provides the command-line interface for distrogate.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pigeonworks-llc/go-distrogate/internal/config"
	"github.com/pigeonworks-llc/go-distrogate/internal/logging"
	"github.com/pigeonworks-llc/go-distrogate/pkg/state"
)

var (
	// Version is set during build time
	Version = "dev"

	configPath string

	rootCmd = &cobra.Command{
		Use:   "distrogate",
		Short: "Supervise a WSL backend and proxy local traffic to it",
		Long: `distrogate runs a backend service inside a WSL distribution and exposes it
on a fixed local port.

Features:
  - Starts the backend and watches its output for the readiness marker
  - Graceful stop with bounded wait, escalating to a forced kill
  - Reverse proxy on 127.0.0.1:8081 that follows the distribution's address
  - One-time "established" and "lost" connectivity notifications per session
  - Optional Prometheus metrics endpoint

Example:
  # Start the backend and the proxy
  distrogate run

  # Check the setup
  distrogate doctor

  # Tear the distribution down from another terminal
  distrogate stop`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
)

// flagBindings maps config keys to persistent flag names.
var flagBindings = map[string]string{
	config.DistroKey:      "distro",
	config.WSLBinaryKey:   "wsl-binary",
	config.LogLevelKey:    "log-level",
	config.LogFormatKey:   "log-format",
	config.LogFileKey:     "log-file",
	config.StateDirKey:    "state-dir",
	config.MetricsAddrKey: "metrics-addr",
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/distrogate/config.yaml)")
	flags.String("distro", "", "WSL distribution hosting the backend")
	flags.String("wsl-binary", "", "Path to the wsl executable")
	flags.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	flags.String("log-file", "", "Also write logs to this file, rotated")
	flags.String("state-dir", "", "State directory (default ~/.distrogate)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(configureCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "distrogate version %s\n", Version)
	},
}

// loadConfig resolves the configuration for cmd from file, environment and
// flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := config.NewViper(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.BindFlags(v, cmd.Flags(), flagBindings); err != nil {
		return nil, err
	}
	return config.Load(v)
}

// newLogger builds the logger on stderr plus the optional log file.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(cmd.ErrOrStderr(), cfg.LoggingConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return logger, closer, nil
}

func newStateManager(cfg *config.Config) (*state.Manager, error) {
	mgr, err := state.NewManager(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create state manager: %w", err)
	}
	return mgr, nil
}
