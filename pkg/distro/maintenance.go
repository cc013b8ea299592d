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
package distro

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultUser is the distribution account that owns the backend services.
	DefaultUser = "dwemer"
	// ServerDir is the backend's git checkout.
	ServerDir = "/var/www/html/HerikaServer"
	// ReleaseBranch and DevBranch are the two branches the checkout may track.
	ReleaseBranch = "aiagent"
	DevBranch     = "dev"

	// TerminalCommand opens the distribution's maintenance shell.
	TerminalCommand = "/usr/local/bin/terminal"
	// ConfigureCommand runs the interactive component configuration.
	ConfigureCommand = "/usr/local/bin/conf_services"
	// DefaultLogLines is how many trailing lines a log view starts with.
	DefaultLogLines = 100
)

var (
	// ErrUnknownService means no log file is known for the service name.
	ErrUnknownService = errors.New("unknown service")
	// ErrUnknownBranch means the checkout is on neither the release nor the dev branch.
	ErrUnknownBranch = errors.New("unexpected server branch")
)

// ServiceLogs maps service names to their log files inside the distribution.
var ServiceLogs = map[string]string{
	"xtts":    "/home/dwemer/xtts-api-server/log.txt",
	"melotts": "/home/dwemer/MeloTTS/melo/log.txt",
	"whisper": "/home/dwemer/remote-faster-whisper/log.txt",
	"apache":  "/var/log/apache2/error.log",
}

// Services returns the service names with known logs, sorted.
func Services() []string {
	names := make([]string, 0, len(ServiceLogs))
	for name := range ServiceLogs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogCommand returns the tail invocation for a service's log.
func LogCommand(service string, lines int, follow bool) ([]string, error) {
	path, ok := ServiceLogs[strings.ToLower(service)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownService, service, strings.Join(Services(), ", "))
	}
	if lines <= 0 {
		lines = DefaultLogLines
	}
	args := []string{"tail", "-n", strconv.Itoa(lines)}
	if follow {
		args = append(args, "-f")
	}
	return append(args, path), nil
}

// ExecOptions attaches a command run inside the distribution to streams.
type ExecOptions struct {
	// User runs the command as this account; empty means the default user.
	User   string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (w *WSL) execArgs(user string, args []string) []string {
	full := []string{"-d", w.config.Distro}
	if user != "" {
		full = append(full, "-u", user)
	}
	full = append(full, "--")
	return append(full, args...)
}

// Exec runs args inside the distribution with the caller's streams attached
// and waits for it to exit. Interactive programs get the caller's console.
func (w *WSL) Exec(ctx context.Context, opts ExecOptions, args ...string) error {
	if len(args) == 0 {
		return errors.New("no command given")
	}
	cmd := exec.CommandContext(ctx, w.config.Binary, w.execArgs(opts.User, args)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return w.classify(err, nil, nil)
	}
	return nil
}

// Output runs args inside the distribution as user and returns its decoded,
// trimmed standard output.
func (w *WSL) Output(ctx context.Context, user string, args ...string) (string, error) {
	stdout, stderr, err := w.run(ctx, w.execArgs(user, args)...)
	if err != nil {
		return "", w.classify(err, stdout, stderr)
	}
	return strings.TrimSpace(DecodeOutput(stdout)), nil
}

// CurrentBranch returns the branch the backend checkout is on.
func (w *WSL) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := w.Output(ctx, DefaultUser, "git", "-C", ServerDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read server branch: %w", err)
	}
	return branch, nil
}

// OtherBranch returns the branch a switch from current moves to.
func OtherBranch(current string) (string, error) {
	switch current {
	case ReleaseBranch:
		return DevBranch, nil
	case DevBranch:
		return ReleaseBranch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBranch, current)
	}
}

// SwitchBranch stashes local changes, fetches and resets the checkout onto
// origin's copy of target. It returns git's output.
func (w *WSL) SwitchBranch(ctx context.Context, target string) (string, error) {
	if target != ReleaseBranch && target != DevBranch {
		return "", fmt.Errorf("%w: %q", ErrUnknownBranch, target)
	}
	script := fmt.Sprintf("cd %s && git stash save 'Auto-stash before switching branch' && git fetch origin && git checkout -B %s origin/%s",
		ServerDir, target, target)
	out, err := w.Output(ctx, DefaultUser, "bash", "-c", script)
	if err != nil {
		return "", fmt.Errorf("failed to switch to %s: %w", target, err)
	}
	return out, nil
}
