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
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/pigeonworks-llc/go-distrogate/internal/config"
	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/ports"
	"github.com/pigeonworks-llc/go-distrogate/pkg/proxy"
	"github.com/pigeonworks-llc/go-distrogate/pkg/resolver"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the gateway can run",
	Long: `Doctor verifies the pieces distrogate depends on.

This command verifies:
  1. The wsl executable can be found
  2. The distribution is installed and reports an address
  3. The local proxy port is free
  4. The backend port answers on the reported address
  5. The configuration file and state directory are usable

The backend check only passes while the backend is running.`,
	Example: `  # Check the default setup
  distrogate doctor

  # Check a different distribution
  distrogate doctor --distro MyDistro`,
	RunE: runDoctor,
}

// check is one doctor step. A nil error passes; detail is printed either way.
type check struct {
	name   string
	detail string
	err    error
	// optional checks warn instead of failing the command
	optional bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	checks := doctorChecks(cmd.Context(), cfg)
	return printChecks(cmd.OutOrStdout(), checks)
}

func doctorChecks(ctx context.Context, cfg *config.Config) []check {
	var checks []check

	binary, err := exec.LookPath(cfg.WSLBinary)
	checks = append(checks, check{name: "wsl executable", detail: binary, err: err})

	env := distro.NewWSL(cfg.DistroConfig())
	qctx, cancel := context.WithTimeout(ctx, resolver.DefaultQueryTimeout)
	addr, err := env.QueryAddress(qctx)
	cancel()
	if err == nil && addr == "" {
		err = resolver.ErrUnresolved
	}
	checks = append(checks, check{name: "distribution " + env.Distro(), detail: addr, err: err})

	checker := ports.NewChecker(nil)
	checks = append(checks, check{
		name:   "proxy port",
		detail: proxy.DefaultListenAddr,
		err:    checker.CheckAvailable(proxy.DefaultBackendPort),
		// a running gateway holds the port
		optional: true,
	})

	if addr != "" {
		target := fmt.Sprintf("%s:%d", addr, proxy.DefaultBackendPort)
		checks = append(checks, check{
			name:     "backend",
			detail:   target,
			err:      checker.Reachable(ctx, addr, proxy.DefaultBackendPort),
			optional: true,
		})
	}

	configDetail := cfg.Path
	if configDetail == "" {
		configDetail = "defaults"
		if path, err := config.GetDefaultConfigFilePath(); err == nil {
			configDetail = "defaults (" + path + " not found)"
		}
	}
	checks = append(checks, check{name: "config", detail: configDetail})

	mgr, err := newStateManager(cfg)
	stateDetail := ""
	if err == nil {
		stateDetail = mgr.Path()
		err = writable(mgr.Path())
	}
	checks = append(checks, check{name: "state", detail: stateDetail, err: err})

	return checks
}

// writable opens path for appending, creating it if needed.
func writable(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func printChecks(out io.Writer, checks []check) error {
	failed := 0
	for _, c := range checks {
		switch {
		case c.err == nil:
			fmt.Fprintf(out, "  ✓ %-28s %s\n", c.name, c.detail)
		case c.optional:
			fmt.Fprintf(out, "  ⚠️  %-27s %v\n", c.name, c.err)
		default:
			fmt.Fprintf(out, "  ✗ %-28s %v\n", c.name, c.err)
			failed++
		}
	}
	fmt.Fprintln(out)

	if failed > 0 {
		fmt.Fprintf(out, "❌ %d check(s) failed\n", failed)
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Fprintln(out, "✅ Ready to run")
	return nil
}
