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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/state"
	"github.com/pigeonworks-llc/go-distrogate/pkg/supervisor"
)

const (
	fakeWSLEnv     = "DISTROGATE_FAKE_WSL_CLI"
	fakeBranchEnv  = "DISTROGATE_FAKE_BRANCH"
	missingDistro  = "MissingDistro"
	fakeDistroName = "TestDistro"
)

func TestMain(m *testing.M) {
	if os.Getenv(fakeWSLEnv) != "" {
		os.Exit(fakeWSL(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// fakeWSL answers the wsl invocations distrogate makes: "-t <distro>" and
// "-d <distro> [-u <user>] -- <command>". The start command runs until stdin
// closes; maintenance commands echo what they were asked to run.
func fakeWSL(args []string) int {
	if len(args) < 2 {
		return 1
	}
	if args[1] == missingDistro {
		fmt.Println("There is no distribution with the supplied name.")
		fmt.Println("Error code: Wsl/Service/WSL_E_DISTRO_NOT_FOUND")
		return 1
	}
	if args[0] == "-t" {
		return 0
	}

	var user string
	var command []string
	for i := 2; i < len(args); i++ {
		if args[i] == "-u" && i+1 < len(args) {
			user = args[i+1]
			i++
			continue
		}
		if args[i] == "--" {
			command = args[i+1:]
			break
		}
	}
	if len(command) == 0 {
		return 1
	}

	switch command[0] {
	case "hostname":
		fmt.Println("127.0.0.1 172.20.0.2")
		return 0
	case "git":
		if branch := os.Getenv(fakeBranchEnv); branch != "" {
			fmt.Println(branch)
		} else {
			fmt.Println(distro.ReleaseBranch)
		}
		return 0
	case "false":
		fmt.Fprintln(os.Stderr, "command failed")
		return 3
	case distro.DefaultStartCommand:
		fmt.Println("starting environment")
		fmt.Println(supervisor.DefaultReadinessMarker + " 0.0.0.0:8081")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Println("environment stopped")
		return 0
	default:
		fmt.Printf("ran %q as %q\n", strings.Join(command, " "), user)
		return 0
	}
}

// useFakeWSL routes wsl invocations of this test to the test binary.
func useFakeWSL(t *testing.T) string {
	t.Helper()
	t.Setenv(fakeWSLEnv, "1")
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

// execute runs the root command in-process with fresh flag values.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	resetFlags(rootCmd)
	configPath = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "distrogate version "+Version)
}

func TestConfigErrors(t *testing.T) {
	t.Run("invalid log level", func(t *testing.T) {
		_, err := execute(t, "status", "--state-dir", t.TempDir(), "--log-level", "loud")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log.level")
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		_, err := execute(t, "status", "--config", "/nonexistent/distrogate.yaml")
		assert.Error(t, err)
	})
}

func TestStatusCommand(t *testing.T) {
	t.Run("no instances", func(t *testing.T) {
		out, err := execute(t, "status", "--state-dir", t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, out, "No instances found")
	})

	dir := t.TempDir()
	mgr, err := state.NewManager(dir)
	require.NoError(t, err)
	require.NoError(t, mgr.RecordInstance(&state.InstanceState{
		PID:        os.Getpid(),
		Distro:     fakeDistroName,
		ListenAddr: "127.0.0.1:8081",
		StartedAt:  time.Now(),
		Session: &state.SessionState{
			ID:             "session-1",
			State:          "running",
			Ready:          true,
			BackendAddress: "172.20.0.2",
		},
	}))

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "status", "--state-dir", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "STATUS")
		assert.Contains(t, out, "active")
		assert.Contains(t, out, "172.20.0.2")
		assert.Contains(t, out, "Total: 1 instance(s)")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "status", "--state-dir", dir, "--format", "json")
		require.NoError(t, err)

		var entries []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, float64(os.Getpid()), entries[0]["pid"])
		assert.Equal(t, "active", entries[0]["status"])

		sess, ok := entries[0]["session"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "running", sess["state"])
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := execute(t, "status", "--state-dir", dir, "--format", "xml")
		assert.ErrorContains(t, err, "unknown format")
	})
}

func TestReconcileCommand(t *testing.T) {
	dir := t.TempDir()
	mgr, err := state.NewManager(dir)
	require.NoError(t, err)
	require.NoError(t, mgr.RecordInstance(&state.InstanceState{PID: 999999, Distro: fakeDistroName}))
	require.NoError(t, mgr.RecordInstance(&state.InstanceState{PID: os.Getpid(), Distro: fakeDistroName}))

	out, err := execute(t, "reconcile", "--state-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 stale record(s)")

	instances, err := mgr.ListInstances()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, os.Getpid(), instances[0].PID)
}

func TestResolveCommand(t *testing.T) {
	exe := useFakeWSL(t)

	t.Run("prints the first address", func(t *testing.T) {
		out, err := execute(t, "resolve", "--wsl-binary", exe, "--distro", fakeDistroName)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", strings.TrimSpace(out))
	})

	t.Run("distribution not installed", func(t *testing.T) {
		out, err := execute(t, "resolve", "--wsl-binary", exe, "--distro", missingDistro)
		assert.ErrorIs(t, err, distro.ErrBackendNotInstalled)
		assert.Contains(t, out, "is not installed")
	})

	t.Run("wsl missing", func(t *testing.T) {
		out, err := execute(t, "resolve", "--wsl-binary", "/nonexistent/wsl")
		require.Error(t, err)
		assert.Contains(t, out, "WSL is not available")
	})
}

func TestStopCommand(t *testing.T) {
	exe := useFakeWSL(t)

	t.Run("terminates the distribution", func(t *testing.T) {
		dir := t.TempDir()
		mgr, err := state.NewManager(dir)
		require.NoError(t, err)
		require.NoError(t, mgr.RecordInstance(&state.InstanceState{PID: 999999, Distro: fakeDistroName}))

		out, err := execute(t, "stop", "--wsl-binary", exe, "--distro", fakeDistroName, "--state-dir", dir)
		require.NoError(t, err)
		assert.Contains(t, out, "Distribution "+fakeDistroName+" terminated")
		assert.Contains(t, out, "Removed 1 stale record(s)")
	})

	t.Run("not installed is not an error", func(t *testing.T) {
		out, err := execute(t, "stop", "--wsl-binary", exe, "--distro", missingDistro, "--state-dir", t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, out, "terminated")
	})

	t.Run("wsl missing", func(t *testing.T) {
		out, err := execute(t, "stop", "--wsl-binary", "/nonexistent/wsl", "--state-dir", t.TempDir())
		assert.ErrorIs(t, err, distro.ErrEnvironmentMissing)
		assert.Contains(t, out, "Failed to terminate")
	})
}

func TestDoctorCommand(t *testing.T) {
	exe := useFakeWSL(t)

	t.Run("healthy setup", func(t *testing.T) {
		out, err := execute(t, "doctor", "--wsl-binary", exe, "--distro", fakeDistroName, "--state-dir", t.TempDir())
		require.NoError(t, err)
		assert.Contains(t, out, "wsl executable")
		assert.Contains(t, out, "127.0.0.1")
		assert.Contains(t, out, "Ready to run")
	})

	t.Run("failing checks", func(t *testing.T) {
		out, err := execute(t, "doctor", "--wsl-binary", exe, "--distro", missingDistro, "--state-dir", t.TempDir())
		require.Error(t, err)
		assert.Contains(t, out, "1 check(s) failed")
	})
}

func TestPrintChecks(t *testing.T) {
	var out bytes.Buffer
	err := printChecks(&out, []check{
		{name: "passes", detail: "ok"},
		{name: "warns", err: fmt.Errorf("busy"), optional: true},
		{name: "fails", err: fmt.Errorf("broken")},
	})

	assert.EqualError(t, err, "1 check(s) failed")
	assert.Contains(t, out.String(), "✓ passes")
	assert.Contains(t, out.String(), "busy")
	assert.Contains(t, out.String(), "✗ fails")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "just now", formatTimeAgo(time.Now()))
	assert.Equal(t, "5m ago", formatTimeAgo(time.Now().Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", formatTimeAgo(time.Now().Add(-3*time.Hour)))
	assert.Equal(t, "2d ago", formatTimeAgo(time.Now().Add(-49*time.Hour)))

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "-", orDash(""))
}
