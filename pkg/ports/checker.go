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

// Package ports checks local listen ports and remote reachability before the
// proxy binds and when diagnosing a setup.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultHost is the interface the proxy binds.
	DefaultHost = "127.0.0.1"
	// DefaultDialTimeout bounds reachability checks.
	DefaultDialTimeout = 2 * time.Second
)

// ErrInUse reports that a port cannot be bound.
var ErrInUse = errors.New("port in use")

// CheckerConfig holds configuration for port checks.
type CheckerConfig struct {
	Host        string
	DialTimeout time.Duration
}

// DefaultCheckerConfig returns default configuration.
func DefaultCheckerConfig() *CheckerConfig {
	return &CheckerConfig{
		Host:        DefaultHost,
		DialTimeout: DefaultDialTimeout,
	}
}

// Checker checks ports on a host.
type Checker struct {
	config *CheckerConfig
}

// NewChecker creates a new port checker.
func NewChecker(config *CheckerConfig) *Checker {
	if config == nil {
		config = DefaultCheckerConfig()
	}

	return &Checker{
		config: config,
	}
}

// isPortAvailable checks if a specific port can be bound.
func (c *Checker) isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(c.config.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// IsPortInUse checks if a port is currently in use.
func (c *Checker) IsPortInUse(port int) bool {
	return !c.isPortAvailable(port)
}

// CheckAvailable returns an error wrapping ErrInUse listing every port that
// cannot be bound.
func (c *Checker) CheckAvailable(ports ...int) error {
	unavailable := []int{}

	for _, port := range ports {
		if !c.isPortAvailable(port) {
			unavailable = append(unavailable, port)
		}
	}

	if len(unavailable) > 0 {
		return fmt.Errorf("%w: %v on %s", ErrInUse, unavailable, c.config.Host)
	}

	return nil
}

// Reachable dials host:port and reports whether something accepts
// connections there.
func (c *Checker) Reachable(ctx context.Context, host string, port int) error {
	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to reach %s:%d: %w", host, port, err)
	}
	_ = conn.Close()
	return nil
}

// SplitPort extracts the numeric port of a host:port listen address.
func SplitPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in address %q", addr)
	}
	return port, nil
}
