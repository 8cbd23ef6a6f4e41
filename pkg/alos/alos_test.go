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
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/log"
	"fm10k.dev/alos/pkg/timeout"
)

// newTestState returns a State that is torn down at the end of the test.
// Real-time scheduling is off so tests behave the same with and without
// CAP_SYS_NICE.
func newTestState(t *testing.T, opts ...func(*config.Config)) *State {
	t.Helper()
	conf := config.Default()
	conf.RealtimeThreads = false
	for _, opt := range opts {
		opt(conf)
	}
	s, err := New(conf)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { s.Teardown() })
	return s
}

// violationRecorder collects the violations reported by a State.
type violationRecorder struct {
	mu  sync.Mutex
	got []Violation
}

func recordViolations(s *State) *violationRecorder {
	r := &violationRecorder{}
	s.SetViolationHandler(func(v Violation) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, v)
	})
	return r
}

func (r *violationRecorder) kinds() []ViolationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []ViolationKind
	for _, v := range r.got {
		kinds = append(kinds, v.Kind)
	}
	return kinds
}

func (r *violationRecorder) all() []Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Violation(nil), r.got...)
}

func (r *violationRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}

// onGoroutine runs fn on a new goroutine and waits for it to return.
func onGoroutine(fn func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	<-done
}

// holdLock captures l on a new goroutine and keeps it until the returned
// function is called.
func holdLock(t *testing.T, l *Lock) (release func()) {
	t.Helper()
	captured := make(chan error)
	unlock := make(chan struct{})
	released := make(chan error)
	go func() {
		err := CaptureLock(l, timeout.Forever)
		captured <- err
		if err != nil {
			return
		}
		<-unlock
		released <- ReleaseLock(l)
	}()
	if err := <-captured; err != nil {
		t.Fatalf("CaptureLock(%q) failed: %v", l.Name(), err)
	}
	return func() {
		close(unlock)
		if err := <-released; err != nil {
			t.Errorf("ReleaseLock(%q) failed: %v", l.Name(), err)
		}
	}
}

// captureEmitter records formatted log lines.
type captureEmitter struct {
	mu    sync.Mutex
	lines []string
}

func (e *captureEmitter) Emit(_ int, _ log.Level, _ time.Time, format string, v ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lines = append(e.lines, fmt.Sprintf(format, v...))
}

func (e *captureEmitter) text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.lines, "\n")
}

// captureLog redirects the global log for the duration of the test.
func captureLog(t *testing.T) *captureEmitter {
	e := &captureEmitter{}
	old := log.Log().Emitter
	log.SetTarget(e)
	t.Cleanup(func() { log.SetTarget(old) })
	return e
}

func TestNewRegistersMainThread(t *testing.T) {
	s := newTestState(t)
	if got, want := s.CurrentThreadName(), processName(); got != want || got == "" {
		t.Errorf("CurrentThreadName() = %q, want %q", got, want)
	}
	st, err := s.GetThreadState(CurrentThreadID())
	if err != nil {
		t.Fatalf("GetThreadState() failed: %v", err)
	}
	if !st.Foreign {
		t.Errorf("main thread state %+v, want Foreign", st)
	}
	onGoroutine(func() {
		if got := s.CurrentThreadName(); got != "" {
			t.Errorf("CurrentThreadName() on unregistered goroutine = %q, want empty", got)
		}
	})
}

func TestNewInvalidConfig(t *testing.T) {
	conf := config.Default()
	conf.SwitchLockPrecedence = 40
	if _, err := New(conf); !errors.Is(err, alerr.ErrInvalidArgument) {
		t.Errorf("New() = %v, want %v", err, alerr.ErrInvalidArgument)
	}
}

func TestUninitializedState(t *testing.T) {
	for _, tc := range []struct {
		name string
		s    *State
	}{
		{name: "nil", s: nil},
		{name: "zero", s: &State{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.s.CreateLock("l"); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("CreateLock() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if err := tc.s.CreateLockV2(&Lock{}, "l", SwitchNone, 3); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("CreateLockV2() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if _, err := tc.s.CreateThread("t", 1, func(*Thread, any) {}, nil); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("CreateThread() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if _, err := tc.s.RegisterForeignThread("f"); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("RegisterForeignThread() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if err := tc.s.UnregisterForeignThread(); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("UnregisterForeignThread() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if _, err := tc.s.GetThreadState(1); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("GetThreadState() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if err := tc.s.WriteLockTable(&strings.Builder{}); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("WriteLockTable() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if err := tc.s.WriteMetrics(&strings.Builder{}); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("WriteMetrics() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if err := tc.s.Teardown(); !errors.Is(err, alerr.ErrUninitialized) {
				t.Errorf("Teardown() = %v, want %v", err, alerr.ErrUninitialized)
			}
			if got := tc.s.CurrentThreadName(); got != "" {
				t.Errorf("CurrentThreadName() = %q, want empty", got)
			}
		})
	}
}

func TestTeardown(t *testing.T) {
	s := newTestState(t)
	if _, err := s.CreateLock("leftover"); err != nil {
		t.Fatalf("CreateLock() failed: %v", err)
	}
	if err := s.Teardown(); err != nil {
		t.Fatalf("Teardown() failed: %v", err)
	}
	if _, err := s.CreateLock("late"); !errors.Is(err, alerr.ErrUninitialized) {
		t.Errorf("CreateLock() after Teardown = %v, want %v", err, alerr.ErrUninitialized)
	}
	if err := s.Teardown(); !errors.Is(err, alerr.ErrUninitialized) {
		t.Errorf("second Teardown() = %v, want %v", err, alerr.ErrUninitialized)
	}
}

func TestDefaultState(t *testing.T) {
	if _, err := CreateLock("before-init"); !errors.Is(err, alerr.ErrUninitialized) {
		t.Errorf("CreateLock() before InitDefault = %v, want %v", err, alerr.ErrUninitialized)
	}
	conf := config.Default()
	conf.RealtimeThreads = false
	s, err := InitDefault(conf)
	if err != nil {
		t.Fatalf("InitDefault() failed: %v", err)
	}
	if Default() != s {
		t.Errorf("Default() = %p, want %p", Default(), s)
	}
	if _, err := InitDefault(conf); !errors.Is(err, alerr.ErrAlreadyExists) {
		t.Errorf("second InitDefault() = %v, want %v", err, alerr.ErrAlreadyExists)
	}

	l, err := CreateLock("default")
	if err != nil {
		t.Fatalf("CreateLock() failed: %v", err)
	}
	var l2 Lock
	if err := CreateLockV2(&l2, "default-v2", 0, 4); err != nil {
		t.Fatalf("CreateLockV2() failed: %v", err)
	}
	if got, want := CurrentThreadName(), processName(); got != want {
		t.Errorf("CurrentThreadName() = %q, want %q", got, want)
	}
	onGoroutine(func() {
		if _, err := RegisterForeignThread("default-foreign"); err != nil {
			t.Errorf("RegisterForeignThread() failed: %v", err)
		}
		if err := UnregisterForeignThread(); err != nil {
			t.Errorf("UnregisterForeignThread() failed: %v", err)
		}
	})
	for _, l := range []*Lock{l, &l2} {
		if err := DeleteLock(l); err != nil {
			t.Errorf("DeleteLock(%q) failed: %v", l.Name(), err)
		}
	}
	if diff := cmp.Diff(Stats{LocksCreated: 2, LocksDeleted: 2}, s.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}
