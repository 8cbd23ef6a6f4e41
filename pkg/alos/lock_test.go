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
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/timeout"
)

func TestCreateLockInvalid(t *testing.T) {
	s := newTestState(t)
	initialized := &Lock{}
	if err := s.CreateLockV2(initialized, "initialized", SwitchNone, SuperPrecedence); err != nil {
		t.Fatalf("CreateLockV2() failed: %v", err)
	}

	for _, tc := range []struct {
		name         string
		lock         *Lock
		lockName     string
		switchNumber int
		precedence   int
	}{
		{name: "nil lock", lock: nil, lockName: "l", switchNumber: SwitchNone, precedence: SuperPrecedence},
		{name: "empty name", lock: &Lock{}, lockName: "", switchNumber: SwitchNone, precedence: SuperPrecedence},
		{name: "switch too large", lock: &Lock{}, lockName: "l", switchNumber: 64, precedence: 1},
		{name: "negative switch", lock: &Lock{}, lockName: "l", switchNumber: -2, precedence: 1},
		{name: "precedence too large", lock: &Lock{}, lockName: "l", switchNumber: 0, precedence: 32},
		{name: "negative precedence", lock: &Lock{}, lockName: "l", switchNumber: 0, precedence: -2},
		{name: "already initialized", lock: initialized, lockName: "l", switchNumber: SwitchNone, precedence: SuperPrecedence},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := s.CreateLockV2(tc.lock, tc.lockName, tc.switchNumber, tc.precedence)
			if !errors.Is(err, alerr.ErrInvalidArgument) {
				t.Errorf("CreateLockV2() = %v, want %v", err, alerr.ErrInvalidArgument)
			}
		})
	}
	if got := s.locks.len(); got != 1 {
		t.Errorf("registered locks = %d, want 1", got)
	}
}

func TestLockOperationsOnZeroLock(t *testing.T) {
	for _, tc := range []struct {
		name string
		lock *Lock
		want error
	}{
		{name: "nil", lock: nil, want: alerr.ErrInvalidArgument},
		{name: "zero", lock: &Lock{}, want: alerr.ErrLockUninitialized},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := CaptureLock(tc.lock, timeout.Zero); !errors.Is(err, tc.want) {
				t.Errorf("CaptureLock() = %v, want %v", err, tc.want)
			}
			if err := ReleaseLock(tc.lock); !errors.Is(err, tc.want) {
				t.Errorf("ReleaseLock() = %v, want %v", err, tc.want)
			}
			if _, err := IsLockTaken(tc.lock); !errors.Is(err, tc.want) {
				t.Errorf("IsLockTaken() = %v, want %v", err, tc.want)
			}
			if _, err := GetLockPrecedence(tc.lock); !errors.Is(err, tc.want) {
				t.Errorf("GetLockPrecedence() = %v, want %v", err, tc.want)
			}
			if err := DeleteLock(tc.lock); !errors.Is(err, tc.want) {
				t.Errorf("DeleteLock() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestReentrancy(t *testing.T) {
	s := newTestState(t)
	l, err := s.CreateLock("reentrant")
	if err != nil {
		t.Fatalf("CreateLock() failed: %v", err)
	}
	const depth = 5
	for i := 0; i < depth; i++ {
		if err := CaptureLock(l, timeout.Forever); err != nil {
			t.Fatalf("CaptureLock() #%d failed: %v", i, err)
		}
		if taken, err := IsLockTaken(l); err != nil || !taken {
			t.Fatalf("IsLockTaken() after capture #%d = %t, %v, want true, nil", i, taken, err)
		}
	}
	for i := 0; i < depth; i++ {
		if err := ReleaseLock(l); err != nil {
			t.Fatalf("ReleaseLock() #%d failed: %v", i, err)
		}
		taken, err := IsLockTaken(l)
		if err != nil {
			t.Fatalf("IsLockTaken() failed: %v", err)
		}
		if want := i < depth-1; taken != want {
			t.Errorf("IsLockTaken() after release #%d = %t, want %t", i, taken, want)
		}
	}
	if err := ReleaseLock(l); !errors.Is(err, alerr.ErrUnableToLock) {
		t.Errorf("extra ReleaseLock() = %v, want %v", err, alerr.ErrUnableToLock)
	}
}

// TestMutualExclusion checks that a precedence lock on a switch held by
// one thread times out for another.
func TestMutualExclusion(t *testing.T) {
	s := newTestState(t)
	l := &Lock{}
	if err := s.CreateLockV2(l, "L1", 0, 2); err != nil {
		t.Fatalf("CreateLockV2() failed: %v", err)
	}
	if err := CaptureLock(l, timeout.Forever); err != nil {
		t.Fatalf("CaptureLock() failed: %v", err)
	}
	if taken, _ := IsLockTaken(l); !taken {
		t.Errorf("IsLockTaken() in holder = false, want true")
	}

	onGoroutine(func() {
		if taken, _ := IsLockTaken(l); taken {
			t.Errorf("IsLockTaken() in other thread = true, want false")
		}
		start := time.Now()
		err := CaptureLock(l, timeout.FromDuration(100*time.Millisecond))
		if !errors.Is(err, alerr.ErrLockTimeout) {
			t.Errorf("CaptureLock() while held = %v, want %v", err, alerr.ErrLockTimeout)
		}
		if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
			t.Errorf("CaptureLock() timed out after %v, want at least 100ms", elapsed)
		}
		if err := ReleaseLock(l); !errors.Is(err, alerr.ErrUnableToLock) {
			t.Errorf("ReleaseLock() by non-owner = %v, want %v", err, alerr.ErrUnableToLock)
		}
	})

	if err := ReleaseLock(l); err != nil {
		t.Fatalf("ReleaseLock() failed: %v", err)
	}
	onGoroutine(func() {
		if err := CaptureLock(l, timeout.FromDuration(time.Second)); err != nil {
			t.Errorf("CaptureLock() after release failed: %v", err)
			return
		}
		if err := ReleaseLock(l); err != nil {
			t.Errorf("ReleaseLock() failed: %v", err)
		}
	})
}

func TestMutualExclusionCounter(t *testing.T) {
	s := newTestState(t)
	l, err := s.CreateLock("counter")
	if err != nil {
		t.Fatalf("CreateLock() failed: %v", err)
	}
	const workers, iterations = 8, 200
	var holders, counter int
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < iterations; j++ {
				if err := CaptureLock(l, timeout.Forever); err != nil {
					return err
				}
				holders++
				if holders != 1 {
					t.Errorf("%d holders inside the lock", holders)
				}
				counter++
				holders--
				if err := ReleaseLock(l); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	if counter != workers*iterations {
		t.Errorf("counter = %d, want %d", counter, workers*iterations)
	}
}

func TestCaptureZeroTimeout(t *testing.T) {
	s := newTestState(t)
	l, err := s.CreateLock("try")
	if err != nil {
		t.Fatalf("CreateLock() failed: %v", err)
	}
	// A free lock is acquired even with a zero timeout.
	if err := CaptureLock(l, timeout.Zero); err != nil {
		t.Fatalf("CaptureLock(zero) on a free lock failed: %v", err)
	}
	if err := ReleaseLock(l); err != nil {
		t.Fatalf("ReleaseLock() failed: %v", err)
	}

	release := holdLock(t, l)
	defer release()
	start := time.Now()
	if err := CaptureLock(l, timeout.Zero); !errors.Is(err, alerr.ErrLockTimeout) {
		t.Errorf("CaptureLock(zero) on a held lock = %v, want %v", err, alerr.ErrLockTimeout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("CaptureLock(zero) took %v", elapsed)
	}
}

func TestCaptureInvalidTimeout(t *testing.T) {
	s := newTestState(t)
	l, err := s.CreateLock("bad-timeout")
	if err != nil {
		t.Fatalf("CreateLock() failed: %v", err)
	}
	if err := CaptureLock(l, timeout.Timeout{Sec: -1}); !errors.Is(err, alerr.ErrInvalidArgument) {
		t.Errorf("CaptureLock(-1s) = %v, want %v", err, alerr.ErrInvalidArgument)
	}
}

func TestDeleteLock(t *testing.T) {
	s := newTestState(t)
	l, err := s.CreateLock("busy")
	if err != nil {
		t.Fatalf("CreateLock() failed: %v", err)
	}

	if err := CaptureLock(l, timeout.Forever); err != nil {
		t.Fatalf("CaptureLock() failed: %v", err)
	}
	if err := DeleteLock(l); !errors.Is(err, alerr.ErrLockDestroy) {
		t.Errorf("DeleteLock() while held by caller = %v, want %v", err, alerr.ErrLockDestroy)
	}
	if err := ReleaseLock(l); err != nil {
		t.Fatalf("ReleaseLock() failed: %v", err)
	}

	release := holdLock(t, l)
	if err := DeleteLock(l); !errors.Is(err, alerr.ErrLockDestroy) {
		t.Errorf("DeleteLock() while held by another thread = %v, want %v", err, alerr.ErrLockDestroy)
	}
	release()

	if err := DeleteLock(l); err != nil {
		t.Fatalf("DeleteLock() failed: %v", err)
	}
	if l.sem != nil || l.state != nil || l.name != "" || l.depth != 0 {
		t.Errorf("lock not zeroed after DeleteLock: %+v", l)
	}
	if err := CaptureLock(l, timeout.Zero); !errors.Is(err, alerr.ErrLockUninitialized) {
		t.Errorf("CaptureLock() after DeleteLock = %v, want %v", err, alerr.ErrLockUninitialized)
	}
	if got := s.locks.len(); got != 0 {
		t.Errorf("registered locks = %d, want 0", got)
	}

	// A deleted lock can be created again.
	if err := s.CreateLockV2(l, "again", SwitchNone, 7); err != nil {
		t.Fatalf("CreateLockV2() on a deleted lock failed: %v", err)
	}
}

func TestLockRegistryCapacity(t *testing.T) {
	s := newTestState(t, func(c *config.Config) { c.MaxLocks = 2 })
	a, err := s.CreateLock("a")
	if err != nil {
		t.Fatalf("CreateLock(a) failed: %v", err)
	}
	if _, err := s.CreateLock("b"); err != nil {
		t.Fatalf("CreateLock(b) failed: %v", err)
	}
	var c Lock
	if err := s.CreateLockV2(&c, "c", SwitchNone, 5); !errors.Is(err, alerr.ErrLockInit) {
		t.Fatalf("CreateLockV2(c) on a full table = %v, want %v", err, alerr.ErrLockInit)
	}
	if c.sem != nil || c.state != nil {
		t.Errorf("failed lock not left zero: %+v", &c)
	}
	if s.locks.nonSwitch() != 0 {
		t.Errorf("failed lock recorded in non-switch mask %#x", s.locks.nonSwitch())
	}
	if err := DeleteLock(a); err != nil {
		t.Fatalf("DeleteLock(a) failed: %v", err)
	}
	if err := s.CreateLockV2(&c, "c", SwitchNone, 5); err != nil {
		t.Errorf("CreateLockV2(c) after delete failed: %v", err)
	}
}

func TestLockRegistryOrder(t *testing.T) {
	s := newTestState(t)
	names := []string{"first", "second", "third", "fourth"}
	locks := make(map[string]*Lock)
	for _, name := range names {
		l, err := s.CreateLock(name)
		if err != nil {
			t.Fatalf("CreateLock(%q) failed: %v", name, err)
		}
		locks[name] = l
	}
	if err := DeleteLock(locks["second"]); err != nil {
		t.Fatalf("DeleteLock() failed: %v", err)
	}
	var got []string
	s.locks.forEach(func(l *Lock) bool {
		got = append(got, l.name)
		return true
	})
	want := []string{"first", "third", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("registry = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("registry = %v, want %v", got, want)
			break
		}
	}
}

func TestGetLockPrecedence(t *testing.T) {
	s := newTestState(t)
	for _, want := range []int{SuperPrecedence, 0, 1, 17, MaxPrecedence} {
		var l Lock
		if err := s.CreateLockV2(&l, "prec", SwitchNone, want); err != nil {
			t.Fatalf("CreateLockV2(%d) failed: %v", want, err)
		}
		got, err := GetLockPrecedence(&l)
		if err != nil || got != want {
			t.Errorf("GetLockPrecedence() = %d, %v, want %d, nil", got, err, want)
		}
	}
}

func TestNonSwitchMask(t *testing.T) {
	s := newTestState(t)
	for _, tc := range []struct {
		switchNumber int
		precedence   int
	}{
		{SwitchNone, 4},
		{SwitchNone, SuperPrecedence},
		{0, 6},
		{SwitchNone, 9},
	} {
		var l Lock
		if err := s.CreateLockV2(&l, "l", tc.switchNumber, tc.precedence); err != nil {
			t.Fatalf("CreateLockV2(%d, %d) failed: %v", tc.switchNumber, tc.precedence, err)
		}
	}
	if got, want := s.locks.nonSwitch(), uint32(1<<4|1<<9); got != want {
		t.Errorf("non-switch mask = %#x, want %#x", got, want)
	}
}
