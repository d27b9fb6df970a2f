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

// Package compilelock serializes the compilations using the same
// directory, across goroutines and processes.
//
// A lock is a file lock on a file of the directory. The process holding
// the lock records its identity in an owner file next to the lock file
// such that other processes can report who they are waiting for.
//
// Locks are re-entrant for a context: a function running under a lock
// (see Do) can acquire the lock again without waiting.
package compilelock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	lockFileName  = ".lock"
	ownerFileName = ".lock.owner"

	// DefaultTimeout is the maximum time spent waiting for a lock.
	DefaultTimeout = 120 * time.Second
)

// ErrInvalidTimeout is returned when a lock is requested with a timeout
// that is not strictly positive.
var ErrInvalidTimeout = errors.New("lock timeout must be strictly positive")

var errLocked = errors.New("directory is locked")

type (
	// TimeoutError is returned when a lock cannot be acquired before the timeout.
	TimeoutError struct {
		Dir     string
		Timeout time.Duration
		// Owner of the lock when the timeout occurred, if known.
		Owner *Owner
	}

	// Owner identifies the holder of a lock.
	Owner struct {
		ID       string    `json:"id"`
		PID      int       `json:"pid"`
		Hostname string    `json:"hostname"`
		Acquired time.Time `json:"acquired"`
	}

	// Lock is a lock held on a directory.
	Lock struct {
		dir   string
		flock *flock.Flock
		owner Owner

		mut   sync.Mutex
		depth int
	}

	options struct {
		timeout time.Duration
		logger  *zap.Logger
	}

	// Option configures the acquisition of a lock.
	Option func(*options) error
)

func (err *TimeoutError) Error() string {
	msg := fmt.Sprintf("could not lock %s within %s", err.Dir, err.Timeout)
	if err.Owner != nil {
		msg += fmt.Sprintf(": held by %s (pid %d on %s)", err.Owner.ID, err.Owner.PID, err.Owner.Hostname)
	}
	return msg
}

// Temporary returns true: the lock may be available later.
func (err *TimeoutError) Temporary() bool {
	return true
}

// WithTimeout sets the maximum time spent waiting for the lock.
func WithTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidTimeout, "got %s", d)
		}
		o.timeout = d
		return nil
	}
}

// WithLogger sets the logger reporting waits.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

type ctxKey struct{}

// held maps the directories locked by a context to their lock.
type held map[string]*Lock

func heldBy(ctx context.Context) held {
	h, _ := ctx.Value(ctxKey{}).(held)
	return h
}

// WithLock returns a context holding a lock. Locking the same directory
// with the returned context does not wait.
func WithLock(ctx context.Context, l *Lock) context.Context {
	h := make(held)
	for dir, other := range heldBy(ctx) {
		h[dir] = other
	}
	h[l.dir] = l
	return context.WithValue(ctx, ctxKey{}, h)
}

// Locks of the process, used to release them when forced.
var (
	processMut   sync.Mutex
	processLocks = make(map[string]*Lock)
)

func canonical(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "invalid directory %s", dir)
	}
	return filepath.Clean(abs), nil
}

func newBackOff(ctx context.Context, timeout time.Duration) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = timeout
	policy.Reset()
	return backoff.WithContext(policy, ctx)
}

// Acquire locks a directory, waiting until the lock is available or the
// timeout is reached. The directory is created if it does not exist.
func Acquire(ctx context.Context, dir string, opts ...Option) (*Lock, error) {
	o := options{timeout: DefaultTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	dir, err := canonical(dir)
	if err != nil {
		return nil, err
	}
	if l, ok := heldBy(ctx)[dir]; ok && l.reenter() {
		return l, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create %s", dir)
	}
	fl := flock.New(filepath.Join(dir, lockFileName))
	attempt := 1
	err = backoff.RetryNotify(func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLocked
		}
		return nil
	}, newBackOff(ctx, o.timeout), func(err error, wait time.Duration) {
		o.logger.Debug("waiting for compilation lock",
			zap.String("dir", dir),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait))
		attempt++
	})
	if errors.Is(err, errLocked) {
		timeoutErr := &TimeoutError{Dir: dir, Timeout: o.timeout}
		if owner, ok, _ := ReadOwner(dir); ok {
			timeoutErr.Owner = owner
		}
		return nil, timeoutErr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot lock %s", dir)
	}
	l := &Lock{dir: dir, flock: fl, depth: 1, owner: newOwner()}
	if err := l.writeOwner(); err != nil {
		return nil, multierr.Append(err, fl.Unlock())
	}
	processMut.Lock()
	processLocks[dir] = l
	processMut.Unlock()
	o.logger.Debug("compilation lock acquired",
		zap.String("dir", dir),
		zap.String("owner", l.owner.ID),
		zap.Int("attempts", attempt))
	return l, nil
}

func newOwner() Owner {
	hostname, _ := os.Hostname()
	return Owner{
		ID:       ulid.Make().String(),
		PID:      os.Getpid(),
		Hostname: hostname,
		Acquired: time.Now().UTC(),
	}
}

func (l *Lock) writeOwner() error {
	data, err := json.Marshal(l.owner)
	if err != nil {
		return errors.Wrapf(err, "cannot encode the owner of %s", l.dir)
	}
	if err := os.WriteFile(filepath.Join(l.dir, ownerFileName), data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write the owner of %s", l.dir)
	}
	return nil
}

func (l *Lock) reenter() bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.depth == 0 {
		return false
	}
	l.depth++
	return true
}

// Dir returns the locked directory.
func (l *Lock) Dir() string {
	return l.dir
}

// Owner returns the identity of the holder of the lock.
func (l *Lock) Owner() Owner {
	return l.owner
}

// Held returns true if the lock has not been released.
func (l *Lock) Held() bool {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.depth > 0
}

// Release the lock. A lock acquired more than once through the same
// context is released when all the acquisitions have been released.
func (l *Lock) Release() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.depth == 0 {
		return nil
	}
	l.depth--
	if l.depth > 0 {
		return nil
	}
	return l.release()
}

// release must be called with the mutex held.
func (l *Lock) release() error {
	l.depth = 0
	processMut.Lock()
	if processLocks[l.dir] == l {
		delete(processLocks, l.dir)
	}
	processMut.Unlock()
	err := os.Remove(filepath.Join(l.dir, ownerFileName))
	if os.IsNotExist(err) {
		err = nil
	}
	return multierr.Append(err, l.flock.Unlock())
}

// Do runs fn while holding the lock of a directory. The context passed to
// fn holds the lock.
func Do(ctx context.Context, dir string, fn func(ctx context.Context) error, opts ...Option) (err error) {
	l, err := Acquire(ctx, dir, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, l.Release())
	}()
	return fn(WithLock(ctx, l))
}

// ReadOwner returns the owner of the lock of a directory. It returns
// false if the directory is not locked.
func ReadOwner(dir string) (*Owner, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, ownerFileName))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "cannot read the owner of %s", dir)
	}
	owner := &Owner{}
	if err := json.Unmarshal(data, owner); err != nil {
		return nil, false, errors.Wrapf(err, "invalid owner file in %s", dir)
	}
	return owner, true, nil
}

// ForceUnlock releases the lock of a directory held by the current
// process and removes the lock files, whoever holds the lock.
func ForceUnlock(dir string) error {
	dir, err := canonical(dir)
	if err != nil {
		return err
	}
	processMut.Lock()
	l := processLocks[dir]
	processMut.Unlock()
	if l != nil {
		l.mut.Lock()
		err = l.release()
		l.mut.Unlock()
	}
	for _, name := range []string{ownerFileName, lockFileName} {
		if rmErr := os.Remove(filepath.Join(dir, name)); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}

// Locked returns true if the current process holds the lock of a directory.
func Locked(dir string) bool {
	dir, err := canonical(dir)
	if err != nil {
		return false
	}
	processMut.Lock()
	defer processMut.Unlock()
	_, ok := processLocks[dir]
	return ok
}
