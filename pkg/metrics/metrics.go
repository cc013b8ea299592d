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

// Package metrics instruments the supervisor, resolver and proxy.
package metrics

import "time"

// Recorder receives measurements from the other packages. All methods must
// be safe for concurrent use.
type Recorder interface {
	// ResolverQuery counts one external address query by outcome.
	ResolverQuery(outcome string, duration time.Duration)
	// ProxyRequest counts one forwarded request by method and response status.
	ProxyRequest(method string, status int, duration time.Duration)
	// SessionTransition counts a supervisor state change.
	SessionTransition(from, to string)
	// ConnectivityTransition counts an established or lost notification.
	ConnectivityTransition(status string)
}

// Noop discards all measurements.
type Noop struct{}

func (Noop) ResolverQuery(string, time.Duration)    {}
func (Noop) ProxyRequest(string, int, time.Duration) {}
func (Noop) SessionTransition(string, string)       {}
func (Noop) ConnectivityTransition(string)          {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
