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

// Package distro talks to the virtual environment hosting the backend: it
// builds the launch command, queries the environment's current address and
// tears the environment down.
package distro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

const (
	// DefaultBinary is the host tool that drives the environment.
	DefaultBinary = "wsl"
	// DefaultDistro is the distribution hosting the backend.
	DefaultDistro = "DwemerAI4Skyrim3"
	// DefaultStartCommand runs the backend inside the distribution.
	DefaultStartCommand = "/etc/start_env"
)

var (
	// ErrEnvironmentMissing means the host tooling itself is not installed.
	ErrEnvironmentMissing = errors.New("virtualization tooling not found")
	// ErrBackendNotInstalled means the tooling works but the distribution does not exist.
	ErrBackendNotInstalled = errors.New("backend distribution is not installed")
)

// DefaultAddressCommand prints the distribution's addresses, first one wins.
var DefaultAddressCommand = []string{"hostname", "-I"}

// DefaultNotInstalledMarkers are substrings of wsl.exe diagnostics that mean
// the requested distribution does not exist.
var DefaultNotInstalledMarkers = []string{
	"WSL_E_DISTRO_NOT_FOUND",
	"There is no distribution with the supplied name",
}

// Config holds the environment invocation contract.
type Config struct {
	Binary              string
	Distro              string
	StartCommand        []string
	AddressCommand      []string
	NotInstalledMarkers []string
}

// DefaultConfig returns the stock WSL invocation contract.
func DefaultConfig() *Config {
	return &Config{
		Binary:              DefaultBinary,
		Distro:              DefaultDistro,
		StartCommand:        []string{DefaultStartCommand},
		AddressCommand:      append([]string(nil), DefaultAddressCommand...),
		NotInstalledMarkers: append([]string(nil), DefaultNotInstalledMarkers...),
	}
}

// WSL drives a WSL distribution through the wsl command line tool.
type WSL struct {
	config *Config
}

// NewWSL creates a WSL environment. Zero fields fall back to defaults.
func NewWSL(config *Config) *WSL {
	def := DefaultConfig()
	if config == nil {
		return &WSL{config: def}
	}

	c := *config
	if c.Binary == "" {
		c.Binary = def.Binary
	}
	if c.Distro == "" {
		c.Distro = def.Distro
	}
	if len(c.StartCommand) == 0 {
		c.StartCommand = def.StartCommand
	}
	if len(c.AddressCommand) == 0 {
		c.AddressCommand = def.AddressCommand
	}
	if len(c.NotInstalledMarkers) == 0 {
		c.NotInstalledMarkers = def.NotInstalledMarkers
	}
	return &WSL{config: &c}
}

// Distro returns the distribution name.
func (w *WSL) Distro() string {
	return w.config.Distro
}

// Command returns the unstarted backend launch command. It is deliberately
// not bound to a context: the backend outlives the request that started it.
func (w *WSL) Command() *exec.Cmd {
	args := append([]string{"-d", w.config.Distro, "--"}, w.config.StartCommand...)
	cmd := exec.Command(w.config.Binary, args...)
	cmd.SysProcAttr = sysProcAttr()
	return cmd
}

// QueryAddress asks the distribution for its current address. An empty
// string with a nil error means the query ran but printed nothing.
func (w *WSL) QueryAddress(ctx context.Context) (string, error) {
	args := append([]string{"-d", w.config.Distro, "--"}, w.config.AddressCommand...)
	stdout, stderr, err := w.run(ctx, args...)
	if err != nil {
		return "", w.classify(err, stdout, stderr)
	}

	fields := strings.Fields(DecodeOutput(stdout))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// Terminate shuts the whole distribution down. Terminating a distribution
// that is not running, or not installed, succeeds.
func (w *WSL) Terminate(ctx context.Context) error {
	stdout, stderr, err := w.run(ctx, "-t", w.config.Distro)
	if err == nil {
		return nil
	}

	err = w.classify(err, stdout, stderr)
	if errors.Is(err, ErrBackendNotInstalled) {
		return nil
	}
	return err
}

func (w *WSL) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, w.config.Binary, args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// classify maps a failed invocation onto the error taxonomy. wsl.exe prints
// its own diagnostics on stdout, so both streams are inspected.
func (w *WSL) classify(err error, stdout, stderr []byte) error {
	// A configured absolute path is not looked up, so it fails with ErrNotExist.
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %v", ErrEnvironmentMissing, w.config.Binary, err)
	}

	text := strings.TrimSpace(DecodeOutput(stdout) + "\n" + DecodeOutput(stderr))
	for _, marker := range w.config.NotInstalledMarkers {
		if strings.Contains(text, marker) {
			return fmt.Errorf("%w: %s", ErrBackendNotInstalled, w.config.Distro)
		}
	}

	if text == "" {
		return fmt.Errorf("failed to run %s: %w", w.config.Binary, err)
	}
	return fmt.Errorf("failed to run %s: %w: %s", w.config.Binary, err, text)
}
