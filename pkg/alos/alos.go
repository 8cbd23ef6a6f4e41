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

// Package alos implements reentrant, optionally process-shared locks with a
// per-goroutine lock precedence validator, and long-lived worker threads that
// own a bounded event queue.
//
// All state lives in a State created by New. Locks and threads remember the
// State they were created from, so most operations take only the Lock or
// Thread. A process-wide State can be installed with InitDefault; the
// package-level constructors use it.
//
// Lock precedence: a lock may be tagged with a level in [0, 31]. A goroutine
// must capture tagged locks in increasing level order and release them in
// the reverse order. Violations are reported through the log, the
// ViolationHandler and Stats, and fail the capture only under
// config.PolicyStrict.
package alos

import (
	"os"
	"sync"
	"sync/atomic"

	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/errors"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/log"
)

const (
	// SuperPrecedence marks a lock without ordering constraints.
	SuperPrecedence = -1

	// SwitchNone marks a lock that is not bound to a switch.
	SwitchNone = -1

	// MaxPrecedence is the highest precedence level.
	MaxPrecedence = 31
)

// State is the root of the lock and thread subsystem.
//
// The zero value is not usable; every operation on it returns
// alerr.ErrUninitialized.
type State struct {
	conf *config.Config

	// initialized is set once both registries are ready, and cleared by
	// Teardown.
	initialized atomic.Bool

	// violationLog receives precedence violation reports. It may be rate
	// limited.
	violationLog log.Logger

	// onViolation is the optional ViolationHandler.
	onViolation atomic.Pointer[ViolationHandler]

	locks   lockRegistry
	threads threadRegistry

	// collections maps a goroutine id to its *lockCollection.
	collections sync.Map

	// realtimeOnce limits the real-time scheduling warning to one per State.
	realtimeOnce sync.Once

	stats counters
}

// New creates a State. A nil conf uses config.Default(). The lock registry is
// initialized first, then the thread registry, which registers the calling
// goroutine as the main thread under the process name.
func New(conf *config.Config) (*State, error) {
	if conf == nil {
		conf = config.Default()
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.WrapCause(alerr.ErrInvalidArgument, err, "invalid configuration")
	}
	if conf.SharedLockDir != "" {
		if err := os.MkdirAll(conf.SharedLockDir, 0o755); err != nil {
			return nil, errors.WrapCause(alerr.ErrLockInit, err, "creating shared lock directory %q", conf.SharedLockDir)
		}
	}

	s := &State{
		conf:         conf,
		violationLog: log.RateLimitedLogger(log.Global, conf.ViolationLogInterval, 1),
	}
	s.locks.init(conf.MaxLocks)
	s.threads.init()
	s.initialized.Store(true)

	mainThread := &Thread{
		state:   s,
		id:      CurrentThreadID(),
		name:    processName(),
		foreign: true,
		tid:     osThreadID(),
	}
	if err := s.threads.add(mainThread); err != nil {
		s.initialized.Store(false)
		return nil, err
	}
	log.Debugf("ALOS initialized: main thread %q (id %d), inversion defense %t, policy %v",
		mainThread.name, mainThread.id, s.InversionDefenseEnabled(), conf.PrecedencePolicy)
	return s, nil
}

// ok reports whether s was created by New and not torn down.
func (s *State) ok() bool {
	return s != nil && s.initialized.Load()
}

// Config returns the configuration s was created with.
func (s *State) Config() *config.Config {
	return s.conf
}

// Teardown releases the registries. Locks still registered are reported and
// their shared lock files closed; threads are forgotten but not stopped.
// Every later operation on s returns alerr.ErrUninitialized.
func (s *State) Teardown() error {
	if !s.ok() {
		return alerr.ErrUninitialized
	}
	s.initialized.Store(false)

	for _, l := range s.locks.drain() {
		log.Warningf("Lock %q still registered at teardown", l.name)
		if l.shared != nil {
			l.shared.close()
		}
	}
	s.threads.clear()
	s.collections.Clear()
	return nil
}

var defaultState atomic.Pointer[State]

// InitDefault creates the process-wide State. It may succeed only once.
func InitDefault(conf *config.Config) (*State, error) {
	s, err := New(conf)
	if err != nil {
		return nil, err
	}
	if !defaultState.CompareAndSwap(nil, s) {
		s.Teardown()
		return nil, errors.Wrapf(alerr.ErrAlreadyExists, "default state already initialized")
	}
	return s, nil
}

// Default returns the process-wide State, or nil if InitDefault was never
// called. Methods on a nil State return alerr.ErrUninitialized.
func Default() *State {
	return defaultState.Load()
}

// CreateLock creates a lock without precedence in the default State.
func CreateLock(name string) (*Lock, error) {
	return Default().CreateLock(name)
}

// CreateLockV2 initializes l in the default State.
func CreateLockV2(l *Lock, name string, switchNumber, precedence int) error {
	return Default().CreateLockV2(l, name, switchNumber, precedence)
}

// CreateThread starts a thread in the default State.
func CreateThread(name string, eventQueueCapacity int, entry ThreadFunc, arg any) (*Thread, error) {
	return Default().CreateThread(name, eventQueueCapacity, entry, arg)
}

// RegisterForeignThread registers the calling goroutine in the default State.
func RegisterForeignThread(name string) (*Thread, error) {
	return Default().RegisterForeignThread(name)
}

// UnregisterForeignThread unregisters the calling goroutine from the default
// State.
func UnregisterForeignThread() error {
	return Default().UnregisterForeignThread()
}

// CurrentThreadName returns the name of the calling goroutine in the default
// State.
func CurrentThreadName() string {
	return Default().CurrentThreadName()
}
