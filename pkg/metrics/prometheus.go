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

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "distrogate"

// Prometheus implements Recorder on a private registry.
type Prometheus struct {
	resolverQueries  *prometheus.CounterVec
	resolverDuration prometheus.Histogram
	proxyRequests    *prometheus.CounterVec
	proxyDuration    *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	connectivity     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheus creates a collector. An empty namespace uses DefaultNamespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	p := &Prometheus{
		registry: prometheus.NewRegistry(),
	}

	p.resolverQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_queries_total",
			Help:      "External backend address queries by outcome",
		},
		[]string{"outcome"},
	)

	p.resolverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_query_duration_seconds",
			Help:      "Duration of external backend address queries",
			Buckets:   prometheus.DefBuckets,
		},
	)

	p.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by method and response code",
		},
		[]string{"method", "code"},
	)

	p.proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Time until the upstream response headers were relayed",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	p.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Backend session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	p.connectivity = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectivity_transitions_total",
			Help:      "Connectivity notifications by status",
		},
		[]string{"status"},
	)

	p.registry.MustRegister(
		p.resolverQueries,
		p.resolverDuration,
		p.proxyRequests,
		p.proxyDuration,
		p.transitions,
		p.connectivity,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

func (p *Prometheus) ResolverQuery(outcome string, duration time.Duration) {
	p.resolverQueries.WithLabelValues(outcome).Inc()
	p.resolverDuration.Observe(duration.Seconds())
}

func (p *Prometheus) ProxyRequest(method string, status int, duration time.Duration) {
	p.proxyRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	p.proxyDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (p *Prometheus) SessionTransition(from, to string) {
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) ConnectivityTransition(status string) {
	p.connectivity.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
