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
// Package config loads distrogate settings from a YAML file, DISTROGATE_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pigeonworks-llc/go-distrogate/internal/logging"
	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/supervisor"
)

const (
	// AppName names the config directory.
	AppName = "distrogate"
	// EnvPrefix is prepended to environment variable names.
	EnvPrefix = "distrogate"

	defaultConfigFileName = "config.yaml"
)

// Keys, dotted for nested sections. DISTROGATE_LOG_LEVEL sets log.level.
const (
	DistroKey          = "distro"
	WSLBinaryKey       = "wsl_binary"
	StartCommandKey    = "start_command"
	AddressCommandKey  = "address_command"
	ReadinessMarkerKey = "readiness_marker"
	LogLevelKey        = "log.level"
	LogFormatKey       = "log.format"
	LogFileKey         = "log.file"
	MetricsAddrKey     = "metrics_addr"
	StateDirKey        = "state_dir"
)

// Config is the resolved configuration.
type Config struct {
	Distro          string    `mapstructure:"distro"`
	WSLBinary       string    `mapstructure:"wsl_binary"`
	StartCommand    []string  `mapstructure:"start_command"`
	AddressCommand  []string  `mapstructure:"address_command"`
	ReadinessMarker string    `mapstructure:"readiness_marker"`
	Log             LogConfig `mapstructure:"log"`
	MetricsAddr     string    `mapstructure:"metrics_addr"`
	StateDir        string    `mapstructure:"state_dir"`

	// Path is the file the settings were read from, empty if none.
	Path string `mapstructure:"-"`
}

// LogConfig is the log section.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Defaults returns the built-in values for every key.
func Defaults() map[string]any {
	return map[string]any{
		DistroKey:          distro.DefaultDistro,
		WSLBinaryKey:       distro.DefaultBinary,
		StartCommandKey:    []string{distro.DefaultStartCommand},
		AddressCommandKey:  append([]string(nil), distro.DefaultAddressCommand...),
		ReadinessMarkerKey: supervisor.DefaultReadinessMarker,
		LogLevelKey:        logging.DefaultConfig().Level,
		LogFormatKey:       logging.FormatText,
		LogFileKey:         "",
		MetricsAddrKey:     "",
		StateDirKey:        "",
	}
}

// GetDefaultConfigPath returns $XDG_CONFIG_HOME/distrogate, or
// ~/.config/distrogate when XDG_CONFIG_HOME is unset.
func GetDefaultConfigPath() (string, error) {
	val, set := os.LookupEnv("XDG_CONFIG_HOME")
	if !set || val == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		val = filepath.Join(home, ".config")
	}
	return os.ExpandEnv(filepath.Join(val, AppName)), nil
}

// GetDefaultConfigFilePath returns the default config.yaml location.
func GetDefaultConfigFilePath() (string, error) {
	path, err := GetDefaultConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(path, defaultConfigFileName), nil
}

// NewViper returns a viper with defaults and environment binding. When path
// is empty the default file is read if it exists; an explicit path must exist.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path == "" {
		def, err := GetDefaultConfigFilePath()
		if err != nil {
			return v, nil
		}
		if _, err := os.Stat(def); err != nil {
			return v, nil
		}
		path = def
	}

	path = os.ExpandEnv(path)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("the provided config file path does not exist: %s", path)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return v, nil
}

// BindFlags binds each flag to its key when the flag is defined in fs.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings map[string]string) error {
	for key, flag := range bindings {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", flag, err)
		}
	}
	return nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.Path = v.ConfigFileUsed()

	// Env values arrive as single strings.
	c.StartCommand = splitCommand(c.StartCommand)
	c.AddressCommand = splitCommand(c.AddressCommand)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values that cannot fall back to a default.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Distro) == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", DistroKey))
	}
	if strings.TrimSpace(c.ReadinessMarker) == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", ReadinessMarkerKey))
	}
	if len(c.StartCommand) == 0 {
		errs = append(errs, fmt.Errorf("%s must not be empty", StartCommandKey))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", LogLevelKey, err))
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown format %q", LogFormatKey, c.Log.Format))
	}
	return errors.Join(errs...)
}

// DistroConfig returns the environment invocation contract.
func (c *Config) DistroConfig() *distro.Config {
	return &distro.Config{
		Binary:         c.WSLBinary,
		Distro:         c.Distro,
		StartCommand:   c.StartCommand,
		AddressCommand: c.AddressCommand,
	}
}

// SupervisorConfig returns supervisor settings; timeouts keep their defaults.
func (c *Config) SupervisorConfig() *supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.ReadinessMarker = c.ReadinessMarker
	return sc
}

// LoggingConfig returns logger settings.
func (c *Config) LoggingConfig() *logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	lc.File = c.Log.File
	return lc
}

func splitCommand(parts []string) []string {
	if len(parts) == 1 {
		return strings.Fields(parts[0])
	}
	return parts
}
