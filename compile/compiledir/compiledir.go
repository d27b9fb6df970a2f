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

// Package compiledir manages the directories where compiled functions
// keep their files.
//
// A base directory holds one directory per version of the compilation
// format, named like the directories of the Go module cache:
//
//	<base>/gxflow@v0.1.0
//
// Directories of older versions are stale and can be removed with Clean.
package compiledir

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gx-org/gxflow/compile/compilelock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

const (
	// Name prefixing the versioned directories.
	Name = "gxflow"
	// Version of the compilation format.
	Version = "v0.1.0"
)

// Current returns the version of the directories used by this package.
func Current() module.Version {
	return module.Version{Path: Name, Version: Version}
}

// Default returns the default base directory, in the user cache directory.
func Default() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot find the user cache directory")
	}
	return filepath.Join(cache, Name), nil
}

// Path returns the directory of a version in a base directory.
func Path(base string, v module.Version) string {
	return filepath.Join(base, v.Path+"@"+v.Version)
}

// Ensure creates the directory of the current version and returns its path.
func Ensure(base string) (string, error) {
	if base == "" {
		return "", errors.Errorf("empty compilation directory")
	}
	dir := Path(base, Current())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "cannot create compilation directory %s", dir)
	}
	return dir, nil
}

func parse(name string) (module.Version, bool) {
	path, version, ok := strings.Cut(name, "@")
	if !ok || path != Name {
		return module.Version{}, false
	}
	v := module.Version{Path: path, Version: version}
	if !semver.IsValid(version) || semver.Canonical(version) != version {
		return v, false
	}
	return v, true
}

// List returns the versions found in a base directory, older first.
// Entries not named after a version are ignored.
func List(base string) ([]module.Version, error) {
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list compilation directory %s", base)
	}
	var versions []module.Version
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if v, ok := parse(entry.Name()); ok {
			versions = append(versions, v)
		}
	}
	module.Sort(versions)
	return versions, nil
}

// Stale returns true if a version is older than the current version.
func Stale(v module.Version) bool {
	return v.Path == Name && semver.Compare(v.Version, Version) < 0
}

type (
	options struct {
		logger  *zap.Logger
		timeout time.Duration
		dryRun  bool
	}

	// Option configures Clean.
	Option func(*options)
)

// WithLogger sets the logger reporting removed directories.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLockTimeout sets how long to wait for the lock of the base directory.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithDryRun lists the stale directories without removing them.
func WithDryRun() Option {
	return func(o *options) {
		o.dryRun = true
	}
}

// Clean removes the directories of stale versions while holding the lock
// of the base directory. It returns the stale versions.
func Clean(ctx context.Context, base string, opts ...Option) ([]module.Version, error) {
	o := options{logger: zap.NewNop(), timeout: compilelock.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil, nil
	}
	var stale []module.Version
	err := compilelock.Do(ctx, base, func(ctx context.Context) error {
		versions, err := List(base)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if !Stale(v) {
				continue
			}
			stale = append(stale, v)
			if o.dryRun {
				continue
			}
			dir := Path(base, v)
			if err := os.RemoveAll(dir); err != nil {
				return errors.Wrapf(err, "cannot remove %s", dir)
			}
			o.logger.Info("removed stale compilation directory", zap.String("dir", dir), zap.String("version", v.Version))
		}
		return nil
	}, compilelock.WithTimeout(o.timeout), compilelock.WithLogger(o.logger))
	return stale, err
}
