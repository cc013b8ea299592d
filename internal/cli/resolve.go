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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/resolver"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the distribution's current network address",
	Long: `Resolve queries the WSL distribution for the address the proxy would
forward to and prints it.

The distribution is started by the query if it is not running.`,
	Example: `  # Print the backend address
  distrogate resolve`,
	RunE: runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	env := distro.NewWSL(cfg.DistroConfig())
	r := resolver.New(env, resolver.WithLogger(logger))

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), resolver.DefaultQueryTimeout)
	defer cancel()

	addr, err := r.Resolve(ctx, true)
	switch {
	case err == nil:
		fmt.Fprintln(out, addr)
		return nil
	case errors.Is(err, distro.ErrEnvironmentMissing), errors.Is(err, distro.ErrBackendNotInstalled):
		explainEnvError(out, env, err)
	case errors.Is(err, resolver.ErrUnresolved):
		fmt.Fprintf(out, "❌ Distribution %s reported no address.\n", env.Distro())
	default:
		fmt.Fprintf(out, "❌ Address query failed: %v\n", err)
	}
	return err
}
