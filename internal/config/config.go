// Copyright 2025 Google LLC
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

// Package config reads the configuration of the command line tools.
//
// Values are read, in order of precedence, from command line flags,
// environment variables prefixed with GXFLOW_ and a gxflow.yaml file
// found in $HOME/.gxflow or in the current directory.
package config

import (
	"strings"
	"time"

	"github.com/gx-org/gxflow/compile"
	"github.com/gx-org/gxflow/compile/compiledir"
	"github.com/gx-org/gxflow/compile/compilelock"
	"github.com/gx-org/gxflow/internal/logging"
	"github.com/gx-org/gxflow/link/vm"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EnvPrefix prefixes the environment variables read by the configuration.
const EnvPrefix = "GXFLOW"

type (
	// Log configures the logger.
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	// Config of the compilation of functions.
	Config struct {
		// Mode of the compilation (see compile.Modes).
		Mode string `mapstructure:"mode"`
		// AllowGC clears intermediate values during calls.
		AllowGC bool `mapstructure:"allow_gc"`
		// Lazy is one of auto, on or off.
		Lazy string `mapstructure:"lazy"`
		// MaxPasses of the equilibrium rewriters. Zero uses the default.
		MaxPasses int `mapstructure:"max_passes"`
		// CompileDir is the base compilation directory. Compilation does
		// not lock any directory if empty.
		CompileDir string `mapstructure:"compile_dir"`
		// LockTimeout is how long to wait for the compilation lock.
		LockTimeout time.Duration `mapstructure:"lock_timeout"`

		Log Log `mapstructure:"log"`
	}
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Mode:        compile.FastRun.Name,
		AllowGC:     true,
		Lazy:        vm.LazyAuto.String(),
		LockTimeout: compilelock.DefaultTimeout,
		Log: Log{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// NewViper returns a viper instance reading the configuration from the
// environment and from the configuration file.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("gxflow")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.gxflow")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("mode", def.Mode)
	v.SetDefault("allow_gc", def.AllowGC)
	v.SetDefault("lazy", def.Lazy)
	v.SetDefault("max_passes", def.MaxPasses)
	v.SetDefault("compile_dir", def.CompileDir)
	v.SetDefault("lock_timeout", def.LockTimeout)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	return v
}

func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// BindFlags defines the flags of the configuration and binds them to viper.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	def := Default()

	flags.String("mode", def.Mode, "compilation mode: FAST_RUN, FAST_COMPILE or NONE")
	mustBindPFlag(v, "mode", flags.Lookup("mode"))

	flags.Bool("allow-gc", def.AllowGC, "clear intermediate values during calls")
	mustBindPFlag(v, "allow_gc", flags.Lookup("allow-gc"))

	flags.String("lazy", def.Lazy, "lazy evaluation: auto, on or off")
	mustBindPFlag(v, "lazy", flags.Lookup("lazy"))

	flags.Int("max-passes", def.MaxPasses, "maximum number of passes of the equilibrium rewriters")
	mustBindPFlag(v, "max_passes", flags.Lookup("max-passes"))

	flags.String("compile-dir", def.CompileDir, "base compilation directory")
	mustBindPFlag(v, "compile_dir", flags.Lookup("compile-dir"))

	flags.Duration("lock-timeout", def.LockTimeout, "how long to wait for the lock of the compilation directory")
	mustBindPFlag(v, "lock_timeout", flags.Lookup("lock-timeout"))

	flags.String("log-level", def.Log.Level, "minimum level of the logs: none, debug, info, warn or error")
	mustBindPFlag(v, "log.level", flags.Lookup("log-level"))

	flags.String("log-format", def.Log.Format, "format of the logs: text or json")
	mustBindPFlag(v, "log.format", flags.Lookup("log-format"))
}

// Read the configuration. A missing configuration file is not an error.
func Read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
	}
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Verify returns all the invalid values of the configuration.
func (c *Config) Verify() error {
	var err error
	if _, modeErr := c.CompileMode(); modeErr != nil {
		err = multierr.Append(err, modeErr)
	}
	if _, lazyErr := c.LazyMode(); lazyErr != nil {
		err = multierr.Append(err, lazyErr)
	}
	if c.MaxPasses < 0 {
		err = multierr.Append(err, errors.Errorf("invalid max_passes %d: cannot be negative", c.MaxPasses))
	}
	if c.LockTimeout <= 0 {
		err = multierr.Append(err, errors.Wrapf(compilelock.ErrInvalidTimeout, "lock_timeout %s", c.LockTimeout))
	}
	return err
}

// CompileMode returns the compilation mode of the configuration.
func (c *Config) CompileMode() (compile.Mode, error) {
	return compile.ModeByName(c.Mode)
}

// LazyMode returns the lazy evaluation mode of the configuration.
func (c *Config) LazyMode() (vm.LazyMode, error) {
	for _, m := range []vm.LazyMode{vm.LazyAuto, vm.LazyOn, vm.LazyOff} {
		if strings.EqualFold(m.String(), c.Lazy) {
			return m, nil
		}
	}
	return vm.LazyAuto, errors.Errorf("unknown lazy mode %q: want auto, on or off", c.Lazy)
}

// Logger returns the logger configured by the configuration.
func (c *Config) Logger() (*zap.Logger, error) {
	return logging.New(c.Log.Format, c.Log.Level)
}

// CompileOptions returns the options to compile functions.
// The compilation directory is created if it does not exist.
func (c *Config) CompileOptions(logger *zap.Logger) ([]compile.Option, error) {
	mode, err := c.CompileMode()
	if err != nil {
		return nil, err
	}
	lazy, err := c.LazyMode()
	if err != nil {
		return nil, err
	}
	opts := []compile.Option{
		compile.WithMode(mode),
		compile.WithAllowGC(c.AllowGC),
		compile.WithLazy(lazy),
		compile.WithMaxPasses(c.MaxPasses),
		compile.WithLogger(logger),
	}
	if c.CompileDir == "" {
		return opts, nil
	}
	dir, err := compiledir.Ensure(c.CompileDir)
	if err != nil {
		return nil, err
	}
	return append(opts, compile.WithLock(dir, compilelock.WithTimeout(c.LockTimeout))), nil
}
