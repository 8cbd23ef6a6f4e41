// Copyright 2026 The gVisor Authors.
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

package alos

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/bits"
	"sync"

	"golang.org/x/sync/semaphore"

	"fm10k.dev/alos/pkg/cleanup"
	"fm10k.dev/alos/pkg/errors"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/log"
	"fm10k.dev/alos/pkg/timeout"
)

// Lock is a reentrant mutual exclusion lock.
//
// A Lock must be zero before CreateLockV2 and is zero again after DeleteLock.
// Operations on a zero Lock return alerr.ErrLockUninitialized. A Lock must
// not be copied after creation.
type Lock struct {
	state *State

	// id is the registry key, assigned at creation.
	id uint64

	name         string
	switchNumber int

	// precedence is zero or the single bit of the lock's level.
	precedence uint32

	// sem is the exclusive primitive. It is nil iff the Lock is zero.
	sem *semaphore.Weighted

	// shared is the cross-process file lock, or nil for a process-private
	// lock.
	shared *sharedLock

	// mu protects the fields below.
	mu sync.Mutex

	// depth is the reentrancy depth. It is zero when the lock is free.
	depth int

	// owner is the goroutine id of the holder. It is valid iff depth > 0.
	owner int64
}

// lockOptions are internal creation options.
type lockOptions struct {
	// private keeps the lock process-private even if shared locks are
	// configured.
	private bool
}

// CreateLock creates a lock without switch or precedence.
func (s *State) CreateLock(name string) (*Lock, error) {
	l := &Lock{}
	if err := s.CreateLockV2(l, name, SwitchNone, SuperPrecedence); err != nil {
		return nil, err
	}
	return l, nil
}

// CreateLockV2 initializes the zero Lock l.
//
// switchNumber is SwitchNone or a switch index below config.MaxSwitches.
// precedence is SuperPrecedence or a level in [0, MaxPrecedence]. A
// precedence lock created with SwitchNone is exempt from the requirement to
// hold the switch lock first.
//
// On failure l is left zero.
func (s *State) CreateLockV2(l *Lock, name string, switchNumber, precedence int) error {
	return s.createLock(l, name, switchNumber, precedence, lockOptions{})
}

func (s *State) createLock(l *Lock, name string, switchNumber, precedence int, opts lockOptions) error {
	if !s.ok() {
		return alerr.ErrUninitialized
	}
	if l == nil || name == "" {
		return alerr.ErrInvalidArgument
	}
	if l.sem != nil {
		return errors.Wrapf(alerr.ErrInvalidArgument, "lock %q already initialized", l.name)
	}
	if switchNumber != SwitchNone && (switchNumber < 0 || switchNumber >= s.conf.MaxSwitches) {
		return errors.Wrapf(alerr.ErrInvalidArgument, "lock %q: switch %d out of range [0, %d)", name, switchNumber, s.conf.MaxSwitches)
	}
	var bit uint32
	switch {
	case precedence == SuperPrecedence:
	case precedence >= 0 && precedence <= MaxPrecedence:
		bit = 1 << precedence
	default:
		return errors.Wrapf(alerr.ErrInvalidArgument, "lock %q: precedence %d out of range", name, precedence)
	}

	cu := cleanup.Make(func() { *l = Lock{} })
	defer cu.Clean()

	l.state = s
	l.name = name
	l.switchNumber = switchNumber
	l.precedence = bit
	l.sem = semaphore.NewWeighted(1)

	if s.conf.SharedLockDir != "" && !opts.private {
		sl, err := openSharedLock(s.conf.SharedLockDir, name, switchNumber)
		if err != nil {
			return errors.WrapCause(alerr.ErrLockInit, err, "lock %q", name)
		}
		l.shared = sl
		cu.Add(sl.close)
	}

	if err := s.locks.insert(l); err != nil {
		return err
	}
	cu.Release()

	s.stats.locksCreated.Add(1)
	log.Debugf("Created lock %q, switch %d, precedence %#x", name, switchNumber, bit)
	return nil
}

// DeleteLock destroys l and removes it from its State. It fails with
// alerr.ErrLockDestroy while any goroutine holds l.
func DeleteLock(l *Lock) error {
	if l == nil {
		return alerr.ErrInvalidArgument
	}
	if l.sem == nil {
		return alerr.ErrLockUninitialized
	}
	l.mu.Lock()
	held := l.depth > 0
	l.mu.Unlock()
	if held || !l.sem.TryAcquire(1) {
		return errors.Wrapf(alerr.ErrLockDestroy, "lock %q is held", l.name)
	}

	s := l.state
	if !s.locks.remove(l) {
		log.Warningf("Deleting lock %q that is not registered", l.name)
	}
	if l.shared != nil {
		l.shared.close()
	}
	s.stats.locksDeleted.Add(1)
	log.Debugf("Deleted lock %q", l.name)
	*l = Lock{}
	return nil
}

// CaptureLock acquires l, waiting up to t. The calling goroutine may capture
// a lock it already holds; each capture must be matched by a ReleaseLock.
//
// A zero t acquires l if it is free and times out otherwise. Under
// config.PolicyStrict a precedence violation returns alerr.ErrLockPrecedence
// without acquiring l.
func CaptureLock(l *Lock, t timeout.Timeout) error {
	if l == nil {
		return alerr.ErrInvalidArgument
	}
	if l.sem == nil {
		return alerr.ErrLockUninitialized
	}
	if err := t.Validate(); err != nil {
		return errors.WrapCause(alerr.ErrInvalidArgument, err, "lock %q", l.name)
	}
	s := l.state
	me := CurrentThreadID()

	recorded, err := s.validatePrecedence(l, captureMode, 0)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.depth > 0 && l.owner == me {
		l.depth++
		l.mu.Unlock()
		s.stats.captures.Add(1)
		return nil
	}
	l.mu.Unlock()

	if err := l.acquire(t); err != nil {
		if recorded {
			s.forgetPrecedence(l)
		}
		return err
	}

	l.mu.Lock()
	l.depth = 1
	l.owner = me
	l.mu.Unlock()
	s.stats.captures.Add(1)
	return nil
}

// acquire takes the semaphore and, for shared locks, the file lock.
func (l *Lock) acquire(t timeout.Timeout) error {
	s := l.state
	ctx, cancel := t.Context(context.Background())
	defer cancel()

	if !l.sem.TryAcquire(1) {
		s.stats.contendedCaptures.Add(1)
		// Acquire fails immediately on an expired context, which gives a
		// zero timeout try-lock semantics after the TryAcquire above.
		if err := l.sem.Acquire(ctx, 1); err != nil {
			s.stats.captureTimeouts.Add(1)
			return errors.Wrapf(alerr.ErrLockTimeout, "lock %q not acquired within %v", l.name, t)
		}
	}
	if l.shared == nil {
		return nil
	}
	if err := l.shared.lock(ctx); err != nil {
		l.sem.Release(1)
		// The retry loop gives up shortly before the deadline, when ctx may
		// not be done yet. Only a failing TryLock is a lock error.
		if stderrors.Is(err, errSharedBusy) || ctx.Err() != nil {
			s.stats.captureTimeouts.Add(1)
			return errors.WrapCause(alerr.ErrLockTimeout, err, "shared lock %q not acquired within %v", l.name, t)
		}
		return errors.WrapCause(alerr.ErrUnableToLock, err, "shared lock %q", l.name)
	}
	return nil
}

// ReleaseLock releases one level of the calling goroutine's hold on l.
// Releasing a lock the caller does not hold returns alerr.ErrUnableToLock.
func ReleaseLock(l *Lock) error {
	if l == nil {
		return alerr.ErrInvalidArgument
	}
	if l.sem == nil {
		return alerr.ErrLockUninitialized
	}
	s := l.state
	me := CurrentThreadID()

	l.mu.Lock()
	if l.depth == 0 || l.owner != me {
		l.mu.Unlock()
		return errors.Wrapf(alerr.ErrUnableToLock, "lock %q is not held by the caller", l.name)
	}
	taken := l.depth
	l.mu.Unlock()

	// Release violations are reported only.
	s.validatePrecedence(l, releaseMode, taken)

	l.mu.Lock()
	l.depth--
	if l.depth > 0 {
		l.mu.Unlock()
		s.stats.releases.Add(1)
		return nil
	}
	l.owner = 0
	l.mu.Unlock()

	if l.shared != nil {
		if err := l.shared.unlock(); err != nil {
			l.mu.Lock()
			l.depth = 1
			l.owner = me
			l.mu.Unlock()
			s.restorePrecedence(l)
			return errors.WrapCause(alerr.ErrUnableToLock, err, "unlocking shared lock %q", l.name)
		}
	}
	l.sem.Release(1)
	s.stats.releases.Add(1)
	return nil
}

// IsLockTaken reports whether the calling goroutine holds l.
func IsLockTaken(l *Lock) (bool, error) {
	if l == nil {
		return false, alerr.ErrInvalidArgument
	}
	if l.sem == nil {
		return false, alerr.ErrLockUninitialized
	}
	me := CurrentThreadID()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0 && l.owner == me, nil
}

// GetLockPrecedence returns the level of l, or SuperPrecedence.
func GetLockPrecedence(l *Lock) (int, error) {
	if l == nil {
		return SuperPrecedence, alerr.ErrInvalidArgument
	}
	if l.sem == nil {
		return SuperPrecedence, alerr.ErrLockUninitialized
	}
	return precedenceLevel(l.precedence), nil
}

func precedenceLevel(bit uint32) int {
	if bit == 0 {
		return SuperPrecedence
	}
	return bits.TrailingZeros32(bit)
}

// Name returns the name l was created with.
func (l *Lock) Name() string {
	return l.name
}

// SwitchNumber returns the switch l is bound to, or SwitchNone.
func (l *Lock) SwitchNumber() int {
	return l.switchNumber
}

// String implements fmt.Stringer.
func (l *Lock) String() string {
	if l.sem == nil {
		return "<uninitialized lock>"
	}
	return fmt.Sprintf("%s (switch %d, precedence %d)", l.name, l.switchNumber, precedenceLevel(l.precedence))
}

// holder returns the reentrancy depth and owner of l.
func (l *Lock) holder() (int, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth, l.owner
}
