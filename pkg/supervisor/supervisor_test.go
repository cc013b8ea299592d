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

package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigeonworks-llc/go-distrogate/pkg/notify"
)

const (
	fakeModeEnv = "DISTROGATE_FAKE_BACKEND"
	readyLine   = "AIAgent.ini Network Settings: 0.0.0.0:8081"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeModeEnv); mode != "" {
		os.Exit(fakeBackend(mode))
	}
	os.Exit(m.Run())
}

// fakeBackend imitates the environment start script.
func fakeBackend(mode string) int {
	switch mode {
	case "ready":
		fmt.Println("booting 1")
		fmt.Fprintln(os.Stderr, "booting 2")
		fmt.Println(readyLine)
		fmt.Println("serving")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Println("shutting down")
		return 0
	case "stubborn":
		fmt.Println(readyLine)
		time.Sleep(30 * time.Second)
		return 0
	case "crash":
		fmt.Println(readyLine)
		fmt.Println("segfault")
		return 2
	case "longline":
		fmt.Println(strings.Repeat("x", 2*maxLineBytes))
		fmt.Println(readyLine)
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		return 0
	case "silent":
		fmt.Println("booting")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		return 0
	default:
		return 0
	}
}

// fakeLauncher runs the test binary as the backend and counts terminations.
type fakeLauncher struct {
	t            *testing.T
	mode         string
	missing      bool
	terminateErr error

	// When gate is set, Command reports on entered and blocks until gate closes.
	entered chan struct{}
	gate    chan struct{}

	commands   atomic.Int32
	terminates atomic.Int32
}

func (l *fakeLauncher) Command() *exec.Cmd {
	l.commands.Add(1)
	if l.gate != nil {
		l.entered <- struct{}{}
		<-l.gate
	}
	if l.missing {
		return exec.Command("/nonexistent/distrogate-backend")
	}
	exe, err := os.Executable()
	require.NoError(l.t, err)
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), fakeModeEnv+"="+l.mode)
	return cmd
}

func (l *fakeLauncher) Terminate(context.Context) error {
	l.terminates.Add(1)
	return l.terminateErr
}

func testConfig() *Config {
	return &Config{
		GracefulTimeout: 300 * time.Millisecond,
		KillWait:        2 * time.Second,
	}
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		5*time.Second, 10*time.Millisecond, "state never became %s", want)
}

func TestNew_Defaults(t *testing.T) {
	s := New(&fakeLauncher{t: t}, nil)
	assert.Equal(t, DefaultReadinessMarker, s.config.ReadinessMarker)
	assert.Equal(t, DefaultGracefulTimeout, s.config.GracefulTimeout)
	assert.Equal(t, DefaultShutdownInput, s.config.ShutdownInput)
	assert.Equal(t, Stopped, s.State())
	assert.Nil(t, s.Session())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed without a process")
	}
}

func TestSupervisor_StartAndGracefulStop(t *testing.T) {
	ctx := context.Background()
	rec := &notify.Recorder{}
	launcher := &fakeLauncher{t: t, mode: "ready"}

	readyCalls := make(chan struct{}, 4)
	s := New(launcher, testConfig(),
		WithPresenter(rec),
		WithReadyHook(func(context.Context) { readyCalls <- struct{}{} }),
	)

	require.NoError(t, s.Start(ctx))
	waitForState(t, s, Running)

	select {
	case <-readyCalls:
	case <-time.After(5 * time.Second):
		t.Fatal("ready hook was not called")
	}

	sess := s.Session()
	require.NotNil(t, sess)
	assert.True(t, sess.Ready())
	assert.NotEmpty(t, s.Snapshot().SessionID)
	assert.NotZero(t, s.Snapshot().PID)

	require.NoError(t, s.StopGraceful(ctx))
	assert.Equal(t, Stopped, s.State())
	assert.False(t, sess.Ready())
	assert.Equal(t, int32(1), launcher.terminates.Load())

	lines := rec.Lines()
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, []string{"booting 1", "booting 2", readyLine, "serving"}, lines[:4])
	assert.Equal(t, 1, rec.Count(notify.KindReady))
	assert.Equal(t, 0, rec.Count(notify.KindExited), "requested exits are not reported as exits")
	assert.Len(t, readyCalls, 0, "ready hook must fire once per session")
}

func TestSupervisor_StartWhileActive(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{t: t, mode: "silent"}
	s := New(launcher, testConfig())

	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.StopForce(ctx) })

	err := s.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, int32(1), launcher.commands.Load(), "no second process may be spawned")
	assert.Equal(t, Starting, s.State())
}

func TestSupervisor_StopGracefulWhenStopped(t *testing.T) {
	rec := &notify.Recorder{}
	launcher := &fakeLauncher{t: t}
	s := New(launcher, testConfig(), WithPresenter(rec))

	err := s.StopGraceful(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, int32(0), launcher.terminates.Load())
	assert.Equal(t, 1, rec.Count(notify.KindNotice))
}

func TestSupervisor_GracefulStopKillsUnresponsiveBackend(t *testing.T) {
	ctx := context.Background()
	rec := &notify.Recorder{}
	launcher := &fakeLauncher{t: t, mode: "stubborn"}
	s := New(launcher, testConfig(), WithPresenter(rec))

	require.NoError(t, s.Start(ctx))
	waitForState(t, s, Running)

	started := time.Now()
	require.NoError(t, s.StopGraceful(ctx))
	assert.Less(t, time.Since(started), 10*time.Second)
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, int32(1), launcher.terminates.Load())

	select {
	case <-s.Done():
	default:
		t.Fatal("process must have exited")
	}
}

func TestSupervisor_StopForce(t *testing.T) {
	ctx := context.Background()

	t.Run("kills a running backend", func(t *testing.T) {
		launcher := &fakeLauncher{t: t, mode: "stubborn"}
		s := New(launcher, testConfig())

		require.NoError(t, s.Start(ctx))
		waitForState(t, s, Running)
		sess := s.Session()

		require.NoError(t, s.StopForce(ctx))
		assert.Equal(t, Stopped, s.State())
		assert.False(t, sess.Ready())
		assert.Equal(t, int32(1), launcher.terminates.Load())
	})

	t.Run("safe when stopped", func(t *testing.T) {
		launcher := &fakeLauncher{t: t}
		s := New(launcher, testConfig())

		assert.NoError(t, s.StopForce(ctx))
		assert.Equal(t, Stopped, s.State())
		assert.Equal(t, int32(1), launcher.terminates.Load(), "environment is terminated even with no process")
	})

	t.Run("terminate failure is returned", func(t *testing.T) {
		rec := &notify.Recorder{}
		launcher := &fakeLauncher{t: t, mode: "silent", terminateErr: errors.New("access denied")}
		s := New(launcher, testConfig(), WithPresenter(rec))

		require.NoError(t, s.Start(ctx))
		err := s.StopForce(ctx)
		assert.ErrorContains(t, err, "access denied")
		assert.Equal(t, Stopped, s.State(), "process is still killed")
	})
}

func TestSupervisor_NaturalExit(t *testing.T) {
	ctx := context.Background()
	rec := &notify.Recorder{}
	launcher := &fakeLauncher{t: t, mode: "crash"}
	s := New(launcher, testConfig(), WithPresenter(rec))

	require.NoError(t, s.Start(ctx))
	<-s.Done()
	waitForState(t, s, Stopped)

	require.Eventually(t, func() bool { return rec.Count(notify.KindExited) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.Lines(), "segfault")

	// Readiness survives an unrequested exit so the proxy can observe the loss.
	assert.True(t, s.Session().Ready())
	assert.Equal(t, int32(0), launcher.terminates.Load())

	// A new session can be started afterwards.
	launcher.mode = "silent"
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.StopForce(ctx) })
	assert.False(t, s.Session().Ready())
}

func TestSupervisor_StartupFailure(t *testing.T) {
	rec := &notify.Recorder{}
	launcher := &fakeLauncher{t: t, missing: true}
	s := New(launcher, testConfig(), WithPresenter(rec))

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrStartupFailure)
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, 1, rec.Count(notify.KindStartupFailure))
}

func TestSupervisor_ConcurrentStops(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{t: t, mode: "stubborn"}
	s := New(launcher, testConfig())

	require.NoError(t, s.Start(ctx))
	waitForState(t, s, Running)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = s.StopGraceful(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = s.StopForce(ctx)
	}()
	wg.Wait()

	assert.Equal(t, Stopped, s.State())
	assert.GreaterOrEqual(t, launcher.terminates.Load(), int32(1))
}

func TestSupervisor_TransitionHook(t *testing.T) {
	ctx := context.Background()
	launcher := &fakeLauncher{t: t, mode: "ready"}

	var mu sync.Mutex
	var seen []State
	s := New(launcher, testConfig(), WithTransitionHook(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(seen); n == 0 || seen[n-1] != snap.State {
			seen = append(seen, snap.State)
		}
	}))

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == Running
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.StopGraceful(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Starting, Running, Stopping, Stopped}, seen)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "starting", Starting.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Running.Active())
	assert.False(t, Stopping.Active())
}

func TestSupervisor_StopDuringSpawn(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		stop func(*Supervisor) error
	}{
		{"graceful", func(s *Supervisor) error { return s.StopGraceful(ctx) }},
		{"force", func(s *Supervisor) error { return s.StopForce(ctx) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			launcher := &fakeLauncher{
				t:       t,
				mode:    "ready",
				entered: make(chan struct{}),
				gate:    make(chan struct{}),
			}
			s := New(launcher, testConfig())

			started := make(chan error, 1)
			go func() { started <- s.Start(ctx) }()
			<-launcher.entered

			require.NoError(t, tc.stop(s))
			assert.Equal(t, Stopping, s.State())
			sess := s.Session()

			close(launcher.gate)
			select {
			case err := <-started:
				assert.ErrorIs(t, err, ErrStartAborted)
			case <-time.After(10 * time.Second):
				t.Fatal("Start did not return")
			}

			assert.Equal(t, Stopped, s.State())
			assert.False(t, sess.Ready())
			assert.Zero(t, s.Snapshot().PID)
			select {
			case <-s.Done():
			default:
				t.Fatal("spawned process must be reaped")
			}

			// The supervisor accepts a new start afterwards.
			launcher.gate = nil
			launcher.mode = "silent"
			require.NoError(t, s.Start(ctx))
			require.NoError(t, s.StopForce(ctx))
			assert.Equal(t, Stopped, s.State())
		})
	}
}

func TestSupervisor_OverlongLine(t *testing.T) {
	ctx := context.Background()
	rec := &notify.Recorder{}
	launcher := &fakeLauncher{t: t, mode: "longline"}
	s := New(launcher, testConfig(), WithPresenter(rec))

	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.StopForce(ctx) })
	waitForState(t, s, Running)

	lines := rec.Lines()
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Len(t, lines[0], maxLineBytes, "over-long lines are cut, not dropped")
	assert.Equal(t, readyLine, lines[1])
	assert.True(t, s.Session().Ready())
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("short\r\n0123456789abcdef\n\nlast"), 16)

	for _, want := range []struct {
		line      string
		truncated bool
	}{
		{"short", false},
		{"01234567", true},
		{"", false},
		{"last", false},
	} {
		line, truncated, err := readLine(r, 8)
		require.NoError(t, err)
		assert.Equal(t, want.line, string(line))
		assert.Equal(t, want.truncated, truncated)
	}

	_, _, err := readLine(r, 8)
	assert.ErrorIs(t, err, io.EOF)
}
