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
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pigeonworks-llc/go-distrogate/internal/config"
	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/metrics"
	"github.com/pigeonworks-llc/go-distrogate/pkg/notify"
	"github.com/pigeonworks-llc/go-distrogate/pkg/proxy"
	"github.com/pigeonworks-llc/go-distrogate/pkg/resolver"
	"github.com/pigeonworks-llc/go-distrogate/pkg/state"
	"github.com/pigeonworks-llc/go-distrogate/pkg/supervisor"
)

// shutdownTimeout bounds how long in-flight proxy and metrics requests get.
const shutdownTimeout = 5 * time.Second

// gatewayOptions are the parts of a gateway that are fixed in production and
// overridden in tests.
type gatewayOptions struct {
	listenAddr  string
	backendPort int
	supervisor  *supervisor.Config
}

// gateway wires the supervisor, resolver and proxy of one `run` invocation.
type gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	presenter *consolePresenter

	env        *distro.WSL
	resolver   *resolver.Resolver
	supervisor *supervisor.Supervisor
	proxy      *proxy.Server
	prom       *metrics.Prometheus
	metricsSrv *http.Server
	metricsLn  net.Listener
	states     *state.Manager

	startedAt time.Time
	recordMu  sync.Mutex
	closed    bool
}

func newGateway(cfg *config.Config, logger *slog.Logger, presenter *consolePresenter, opts gatewayOptions) *gateway {
	g := &gateway{
		cfg:       cfg,
		logger:    logger,
		presenter: presenter,
		env:       distro.NewWSL(cfg.DistroConfig()),
		startedAt: time.Now(),
	}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.MetricsAddr != "" {
		g.prom = metrics.NewPrometheus(metrics.DefaultNamespace)
		recorder = g.prom
	}

	g.resolver = resolver.New(g.env,
		resolver.WithPresenter(presenter),
		resolver.WithMetrics(recorder),
		resolver.WithLogger(logger.With("component", "resolver")),
	)

	supConfig := opts.supervisor
	if supConfig == nil {
		supConfig = cfg.SupervisorConfig()
	}
	g.supervisor = supervisor.New(g.env, supConfig,
		supervisor.WithPresenter(presenter),
		supervisor.WithMetrics(recorder),
		supervisor.WithLogger(logger.With("component", "supervisor")),
		supervisor.WithReadyHook(g.onReady),
		supervisor.WithTransitionHook(g.onTransition),
	)

	g.proxy = proxy.New(g.resolver, g.supervisor, &proxy.Config{
		ListenAddr:  opts.listenAddr,
		BackendPort: opts.backendPort,
	},
		proxy.WithPresenter(presenter),
		proxy.WithMetrics(recorder),
		proxy.WithLogger(logger.With("component", "proxy")),
	)

	states, err := state.NewManager(cfg.StateDir)
	if err != nil {
		logger.Warn("state tracking disabled", "error", err)
	} else {
		g.states = states
	}

	return g
}

// onReady refreshes the address as soon as the backend reports readiness.
func (g *gateway) onReady(ctx context.Context) {
	addr, err := g.resolver.Resolve(ctx, true)
	if err != nil {
		g.logger.Warn("address refresh after readiness failed", "error", err)
		return
	}
	g.logger.Info("backend address resolved", "address", addr)
	g.record(g.supervisor.Snapshot())
}

func (g *gateway) onTransition(snap supervisor.Snapshot) {
	g.record(snap)
}

// record writes this instance and its session to the state file.
func (g *gateway) record(snap supervisor.Snapshot) {
	if g.states == nil {
		return
	}
	g.recordMu.Lock()
	defer g.recordMu.Unlock()
	// Hooks may still fire from the exiting backend after close.
	if g.closed {
		return
	}

	inst := &state.InstanceState{
		PID:         os.Getpid(),
		Distro:      g.env.Distro(),
		ListenAddr:  g.listenAddr(),
		MetricsAddr: g.cfg.MetricsAddr,
		StartedAt:   g.startedAt,
	}
	if snap.SessionID != "" {
		inst.Session = &state.SessionState{
			ID:             snap.SessionID,
			State:          snap.State.String(),
			BackendPID:     snap.PID,
			Ready:          snap.Ready,
			BackendAddress: g.resolver.Cached().Value,
			StartedAt:      snap.StartedAt,
		}
	}
	if err := g.states.RecordInstance(inst); err != nil {
		g.logger.Warn("failed to record instance state", "error", err)
	}
}

func (g *gateway) listenAddr() string {
	if addr := g.proxy.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// start brings up the proxy, the metrics endpoint and, unless startBackend
// is false, the backend.
func (g *gateway) start(ctx context.Context, startBackend bool) error {
	if err := g.proxy.Start(); err != nil {
		return err
	}

	if g.prom != nil {
		if err := g.startMetrics(); err != nil {
			_ = g.proxy.Shutdown(ctx)
			return err
		}
	}

	g.record(g.supervisor.Snapshot())
	g.presenter.Notify(notify.New(notify.KindNotice, notify.SeverityInfo,
		fmt.Sprintf("Proxy listening on %s.", g.listenAddr())))

	if startBackend {
		// Startup failures are already reported; the gateway stays up for retries.
		_ = g.supervisor.Start(ctx)
	}
	return nil
}

func (g *gateway) startMetrics() error {
	listener, err := net.Listen("tcp", g.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", g.cfg.MetricsAddr, err)
	}

	g.metricsLn = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", g.prom.Handler())
	g.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.metricsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	g.logger.Info("metrics listening", "addr", listener.Addr().String())
	return nil
}

func (g *gateway) metricsAddr() string {
	if g.metricsLn == nil {
		return ""
	}
	return g.metricsLn.Addr().String()
}

// shutdown stops the backend, gracefully unless force is set, then releases
// the proxy port and removes the state record.
func (g *gateway) shutdown(ctx context.Context, force bool) {
	if force {
		_ = g.supervisor.StopForce(ctx)
	} else if g.supervisor.State().Active() {
		_ = g.supervisor.StopGraceful(ctx)
	}
	g.close()
}

// close releases the listeners and the state record without touching the
// backend.
func (g *gateway) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := g.proxy.Shutdown(ctx); err != nil {
		g.logger.Warn("proxy shutdown failed", "error", err)
	}
	if g.metricsSrv != nil {
		if err := g.metricsSrv.Shutdown(ctx); err != nil {
			_ = g.metricsSrv.Close()
		}
	}
	if g.states != nil {
		g.recordMu.Lock()
		g.closed = true
		if err := g.states.RemoveInstance(os.Getpid()); err != nil {
			g.logger.Warn("failed to remove instance state", "error", err)
		}
		g.recordMu.Unlock()
	}
}
