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
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

const fakeModeEnv = "DISTROGATE_FAKE_WSL"

// TestMain lets the test binary stand in for wsl.exe: when fakeModeEnv is set
// it behaves like the tool in the requested mode and exits before any test
// flags are parsed.
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeModeEnv); mode != "" {
		os.Exit(fakeWSL(mode))
	}
	os.Exit(m.Run())
}

func fakeWSL(mode string) int {
	switch mode {
	case "address":
		fmt.Println("172.20.1.5 fd00::5 ")
		return 0
	case "empty":
		fmt.Println("   ")
		return 0
	case "not-installed":
		msg := "There is no distribution with the supplied name.\r\nError code: Wsl/Service/WSL_E_DISTRO_NOT_FOUND\r\n"
		out, _ := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(msg)
		fmt.Print(out)
		return 1
	case "fail":
		fmt.Fprintln(os.Stderr, "catastrophic failure")
		return 3
	case "echo":
		fmt.Println(strings.Join(os.Args[1:], " "))
		return 0
	case "cat":
		_, _ = io.Copy(os.Stdout, os.Stdin)
		return 0
	case "branch-dev":
		fmt.Println("dev")
		return 0
	default:
		return 0
	}
}

func fakeEnvironment(t *testing.T, mode string) *WSL {
	t.Helper()
	t.Setenv(fakeModeEnv, mode)
	exe, err := os.Executable()
	require.NoError(t, err)
	return NewWSL(&Config{Binary: exe, Distro: "TestDistro"})
}

func TestNewWSL(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		w := NewWSL(nil)
		assert.Equal(t, DefaultDistro, w.Distro())
		assert.Equal(t, DefaultBinary, w.config.Binary)
		assert.Equal(t, DefaultAddressCommand, w.config.AddressCommand)
	})

	t.Run("partial config is completed", func(t *testing.T) {
		w := NewWSL(&Config{Distro: "Custom"})
		assert.Equal(t, "Custom", w.Distro())
		assert.Equal(t, []string{DefaultStartCommand}, w.config.StartCommand)
		assert.Equal(t, DefaultNotInstalledMarkers, w.config.NotInstalledMarkers)
	})
}

func TestWSL_Command(t *testing.T) {
	w := NewWSL(&Config{Binary: "wsl", Distro: "Dist", StartCommand: []string{"/etc/start_env", "--verbose"}})
	cmd := w.Command()

	assert.Equal(t, []string{"wsl", "-d", "Dist", "--", "/etc/start_env", "--verbose"}, cmd.Args)
	assert.NotNil(t, cmd.SysProcAttr)
	assert.Nil(t, cmd.Process, "command must not be started")
}

func TestWSL_QueryAddress(t *testing.T) {
	ctx := context.Background()

	t.Run("returns first token", func(t *testing.T) {
		addr, err := fakeEnvironment(t, "address").QueryAddress(ctx)
		require.NoError(t, err)
		assert.Equal(t, "172.20.1.5", addr)
	})

	t.Run("empty output is not an error", func(t *testing.T) {
		addr, err := fakeEnvironment(t, "empty").QueryAddress(ctx)
		require.NoError(t, err)
		assert.Empty(t, addr)
	})

	t.Run("missing distribution is classified", func(t *testing.T) {
		_, err := fakeEnvironment(t, "not-installed").QueryAddress(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBackendNotInstalled)
		assert.NotErrorIs(t, err, ErrEnvironmentMissing)
	})

	t.Run("other failures keep their output", func(t *testing.T) {
		_, err := fakeEnvironment(t, "fail").QueryAddress(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBackendNotInstalled)
		assert.Contains(t, err.Error(), "catastrophic failure")
	})

	t.Run("missing tooling is classified", func(t *testing.T) {
		w := NewWSL(&Config{Binary: "distrogate-no-such-tool-a1b2c3"})
		_, err := w.QueryAddress(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEnvironmentMissing)
	})
}

func TestWSL_Terminate(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		require.NoError(t, fakeEnvironment(t, "terminate").Terminate(ctx))
	})

	t.Run("missing distribution is nothing to terminate", func(t *testing.T) {
		require.NoError(t, fakeEnvironment(t, "not-installed").Terminate(ctx))
	})

	t.Run("missing tooling is reported", func(t *testing.T) {
		w := NewWSL(&Config{Binary: "distrogate-no-such-tool-a1b2c3"})
		assert.ErrorIs(t, w.Terminate(ctx), ErrEnvironmentMissing)
	})

	t.Run("missing absolute path is reported", func(t *testing.T) {
		w := NewWSL(&Config{Binary: "/nonexistent/distrogate/wsl"})
		assert.ErrorIs(t, w.Terminate(ctx), ErrEnvironmentMissing)
	})
}

func TestDecodeOutput(t *testing.T) {
	t.Run("utf-8 passes through", func(t *testing.T) {
		assert.Equal(t, "172.20.1.5\n", DecodeOutput([]byte("172.20.1.5\n")))
	})

	t.Run("utf-16le is decoded", func(t *testing.T) {
		enc, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String("WSL_E_DISTRO_NOT_FOUND")
		require.NoError(t, err)
		assert.Equal(t, "WSL_E_DISTRO_NOT_FOUND", DecodeOutput([]byte(enc)))
	})

	t.Run("utf-16le with BOM is decoded", func(t *testing.T) {
		enc, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String("hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", DecodeOutput([]byte(enc)))
	})

	t.Run("short input", func(t *testing.T) {
		assert.Equal(t, "", DecodeOutput(nil))
		assert.Equal(t, "x", DecodeOutput([]byte("x")))
	})
}

func TestStripNUL(t *testing.T) {
	assert.Equal(t, "ready", StripNUL("\x00r\x00e\x00a\x00d\x00y"))
	assert.Equal(t, "plain", StripNUL("plain"))
}
