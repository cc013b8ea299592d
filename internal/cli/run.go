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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pigeonworks-llc/go-distrogate/pkg/notify"
	"github.com/pigeonworks-llc/go-distrogate/pkg/proxy"
)

var (
	runNoStart bool
	runConsole bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the backend and the local proxy",
	Long: `Run starts the reverse proxy on 127.0.0.1:8081 and launches the backend
inside the WSL distribution.

Backend output is printed as it arrives. Once the readiness marker appears
the distribution's address is refreshed and proxied requests reach the
backend.

Signals:
  Ctrl+C / SIGTERM   graceful stop; a second signal forces it
  SIGHUP             forced stop (terminal closed)

With --console, commands are read from stdin:
  start, stop, force-stop, restart, status, address, help, quit`,
	Example: `  # Start everything
  distrogate run

  # Start only the proxy and control the backend interactively
  distrogate run --no-start --console

  # Expose Prometheus metrics
  distrogate run --metrics-addr 127.0.0.1:9464`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runNoStart, "no-start", false, "Start only the proxy")
	runCmd.Flags().BoolVar(&runConsole, "console", false, "Read control commands from stdin")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	presenter := newConsolePresenter(cmd.OutOrStdout())
	g := newGateway(cfg, logger, presenter, gatewayOptions{
		listenAddr:  proxy.DefaultListenAddr,
		backendPort: proxy.DefaultBackendPort,
	})

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	var commands <-chan string
	if runConsole {
		commands = readCommands(cmd.InOrStdin())
		presenter.printf("Type \"help\" for console commands.\n")
	}

	return serve(cmd.Context(), g, !runNoStart, signals, commands)
}

// serve runs the gateway until a signal or a quit command arrives.
func serve(ctx context.Context, g *gateway, startBackend bool, signals <-chan os.Signal, commands <-chan string) error {
	if err := g.start(ctx, startBackend); err != nil {
		return err
	}

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				g.presenter.Notify(notify.New(notify.KindNotice, notify.SeverityWarning, "Terminal closed, forcing stop."))
				g.shutdown(ctx, true)
				return nil
			}
			g.exit(ctx, signals)
			return nil
		case line, ok := <-commands:
			if !ok {
				// stdin closed; keep serving until a signal.
				commands = nil
				continue
			}
			if g.handle(ctx, line) {
				g.exit(ctx, signals)
				return nil
			}
		}
	}
}

// exit stops gracefully; another signal during the wait forces the stop.
func (g *gateway) exit(ctx context.Context, signals <-chan os.Signal) {
	g.presenter.Notify(notify.New(notify.KindNotice, notify.SeverityInfo, "Shutting down. Press Ctrl+C again to force."))

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.shutdown(ctx, false)
	}()

	select {
	case <-done:
	case <-signals:
		g.presenter.Notify(notify.New(notify.KindNotice, notify.SeverityWarning, "Forcing stop."))
		_ = g.supervisor.StopForce(ctx)
		<-done
	}
}

// handle runs one console command and reports whether the gateway should exit.
func (g *gateway) handle(ctx context.Context, line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
	case "start":
		_ = g.supervisor.Start(ctx)
	case "stop":
		go func() { _ = g.supervisor.StopGraceful(ctx) }()
	case "force-stop", "kill":
		go func() { _ = g.supervisor.StopForce(ctx) }()
	case "restart":
		go func() {
			_ = g.supervisor.StopGraceful(ctx)
			_ = g.supervisor.Start(ctx)
		}()
	case "status":
		g.printStatus()
	case "address", "resolve":
		go func() {
			addr, err := g.resolver.Resolve(ctx, true)
			if err != nil {
				g.presenter.printf("Address unavailable: %v\n", err)
				return
			}
			g.presenter.printf("Backend address: %s\n", addr)
		}()
	case "help", "?":
		g.presenter.printf("Commands: start, stop, force-stop, restart, status, address, help, quit\n")
	case "quit", "exit":
		return true
	default:
		g.presenter.printf("Unknown command %q. Type \"help\" for a list.\n", line)
	}
	return false
}

func (g *gateway) printStatus() {
	snap := g.supervisor.Snapshot()
	cached := g.resolver.Cached()

	address := "-"
	if cached.Valid() {
		address = fmt.Sprintf("%s (resolved %s)", cached.Value, formatTimeAgo(cached.LastResolvedAt))
	}
	session, connectivity := "-", "-"
	if snap.SessionID != "" {
		session = snap.SessionID
	}
	if sess := g.supervisor.Session(); sess != nil {
		connectivity = string(sess.Connectivity())
	}

	g.presenter.printf("  State:        %s\n", snap.State)
	g.presenter.printf("  Session:      %s\n", session)
	g.presenter.printf("  Ready:        %t\n", snap.Ready)
	g.presenter.printf("  Connectivity: %s\n", connectivity)
	g.presenter.printf("  Address:      %s\n", address)
	g.presenter.printf("  Proxy:        %s\n", g.listenAddr())
}

// readCommands delivers stdin lines until EOF.
func readCommands(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}
