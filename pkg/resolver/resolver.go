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

// Package resolver caches the backend environment's network address.
//
// The cached value has no TTL. It is replaced only by a query, and a query
// only runs when nothing is cached or the caller forces a refresh. All
// queries go through a single-flight group so the external tool never runs
// twice at the same time; concurrent callers share the in-flight result.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/metrics"
	"github.com/pigeonworks-llc/go-distrogate/pkg/notify"
)

// ErrUnresolved means no address is known and the last query did not yield one.
var ErrUnresolved = errors.New("backend address unresolved")

// Query outcomes reported to metrics.
const (
	OutcomeSuccess             = "success"
	OutcomeEmpty               = "empty"
	OutcomeEnvironmentMissing  = "environment-missing"
	OutcomeBackendNotInstalled = "backend-not-installed"
	OutcomeFailure             = "failure"
)

const flightKey = "address"

// DefaultQueryTimeout bounds a single external query.
const DefaultQueryTimeout = 15 * time.Second

// Querier performs the external address query. An empty address with a nil
// error means the query ran but printed nothing.
type Querier interface {
	QueryAddress(ctx context.Context) (string, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context) (string, error)

// QueryAddress calls f.
func (f QuerierFunc) QueryAddress(ctx context.Context) (string, error) {
	return f(ctx)
}

// Address is a cached resolution result.
type Address struct {
	Value          string
	LastResolvedAt time.Time
}

// Valid reports whether an address is present.
func (a Address) Valid() bool {
	return a.Value != ""
}

// Resolver resolves and caches the backend address.
type Resolver struct {
	querier   Querier
	presenter notify.Presenter
	metrics   metrics.Recorder
	logger    *slog.Logger
	timeout   time.Duration

	flight singleflight.Group

	mu       sync.RWMutex
	cached   Address
	reported string // outcome of the last reported condition, reset on success
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPresenter sets where user-actionable conditions are reported.
func WithPresenter(p notify.Presenter) Option {
	return func(r *Resolver) {
		if p != nil {
			r.presenter = p
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Resolver) { r.metrics = metrics.OrNoop(m) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithQueryTimeout bounds each external query.
func WithQueryTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a resolver around querier.
func New(querier Querier, opts ...Option) *Resolver {
	r := &Resolver{
		querier:   querier,
		presenter: notify.Discard,
		metrics:   metrics.Noop{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout:   DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cached returns the current cache entry without any I/O.
func (r *Resolver) Cached() Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cached
}

// Resolve returns the backend address. Without forceRefresh a cached value is
// returned immediately; otherwise the environment is queried. A non-nil error
// always comes with an empty address.
func (r *Resolver) Resolve(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if cached := r.Cached(); cached.Valid() {
			return cached.Value, nil
		}
	}

	// The shared query must not die with whichever caller happened to start it.
	ch := r.flight.DoChan(flightKey, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.refresh(qctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refresh runs exactly one external query and applies its outcome to the cache.
func (r *Resolver) refresh(ctx context.Context) (string, error) {
	start := time.Now()
	addr, err := r.querier.QueryAddress(ctx)
	elapsed := time.Since(start)

	switch {
	case err == nil && addr != "":
		r.metrics.ResolverQuery(OutcomeSuccess, elapsed)
		r.store(addr)
		return addr, nil

	case err == nil:
		r.metrics.ResolverQuery(OutcomeEmpty, elapsed)
		r.logger.Warn("address query returned no output, keeping cached address")
		if cached := r.Cached(); cached.Valid() {
			return cached.Value, nil
		}
		return "", ErrUnresolved

	case errors.Is(err, distro.ErrEnvironmentMissing):
		r.metrics.ResolverQuery(OutcomeEnvironmentMissing, elapsed)
		r.clear()
		r.report(OutcomeEnvironmentMissing, notify.New(notify.KindEnvironmentMissing, notify.SeverityError,
			"WSL is not available on this machine. Install or enable WSL, then start the server again."))
		return "", err

	case errors.Is(err, distro.ErrBackendNotInstalled):
		r.metrics.ResolverQuery(OutcomeBackendNotInstalled, elapsed)
		r.clear()
		r.report(OutcomeBackendNotInstalled, notify.New(notify.KindBackendNotInstalled, notify.SeverityWarning,
			"The backend distribution is not installed. Run the distribution installer, then start the server."))
		return "", err

	default:
		r.metrics.ResolverQuery(OutcomeFailure, elapsed)
		r.logger.Warn("address query failed", "error", err)
		if cached := r.Cached(); cached.Valid() {
			return cached.Value, nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
}

// store replaces the cached address only when it changed.
func (r *Resolver) store(addr string) {
	r.mu.Lock()
	changed := r.cached.Value != addr
	if changed {
		r.cached = Address{Value: addr, LastResolvedAt: time.Now()}
	}
	r.reported = ""
	r.mu.Unlock()

	if changed {
		r.logger.Info("backend address resolved", "address", addr)
	}
}

func (r *Resolver) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = Address{}
}

// report emits ev unless the same condition was already reported since the
// last successful resolution.
func (r *Resolver) report(outcome string, ev notify.Event) {
	r.mu.Lock()
	if r.reported == outcome {
		r.mu.Unlock()
		return
	}
	r.reported = outcome
	r.mu.Unlock()

	r.logger.Warn("backend environment unavailable", "condition", outcome)
	r.presenter.Notify(ev)
}
