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
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus("")

	p.ResolverQuery("success", 10*time.Millisecond)
	p.ResolverQuery("success", 5*time.Millisecond)
	p.ResolverQuery("not-installed", time.Millisecond)
	p.ProxyRequest("GET", 200, time.Millisecond)
	p.ProxyRequest("GET", 503, time.Millisecond)
	p.SessionTransition("stopped", "starting")
	p.ConnectivityTransition("established")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.resolverQueries.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.resolverQueries.WithLabelValues("not-installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.proxyRequests.WithLabelValues("GET", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.transitions.WithLabelValues("stopped", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectivity.WithLabelValues("established")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus("testns")
	p.ProxyRequest("POST", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `testns_proxy_requests_total{code="200",method="POST"} 1`)
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, Noop{}, OrNoop(nil))

	p := NewPrometheus("")
	assert.Same(t, p, OrNoop(p))
}
