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
	"fmt"
	"sort"

	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/errors"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/log"
)

type validateMode int

const (
	captureMode validateMode = iota
	releaseMode
)

// ViolationKind classifies a precedence violation.
type ViolationKind int

const (
	// InversionOnCapture is a capture of a lock while holding a lock of a
	// higher level on the same switch.
	InversionOnCapture ViolationKind = iota

	// InversionOnRelease is a final release of a lock while still holding a
	// lock of a higher level on the same switch.
	InversionOnRelease

	// SwitchLockNotHeld is a capture of a switch-specific lock without
	// holding that switch's switch lock.
	SwitchLockNotHeld
)

// String implements fmt.Stringer.
func (k ViolationKind) String() string {
	switch k {
	case InversionOnCapture:
		return "inversion on capture"
	case InversionOnRelease:
		return "inversion on release"
	case SwitchLockNotHeld:
		return "switch lock not taken first"
	default:
		return fmt.Sprintf("ViolationKind(%d)", int(k))
	}
}

// Violation describes one precedence violation.
type Violation struct {
	Kind ViolationKind

	// Lock, SwitchNumber and Precedence describe the lock being captured or
	// released.
	Lock         string
	SwitchNumber int
	Precedence   int

	// Held is the precedence mask the thread holds on the lock's switch,
	// excluding the lock itself. HeldLocks resolves it to lock names.
	Held      uint32
	HeldLocks []string

	ThreadID   int64
	ThreadName string
}

// String implements fmt.Stringer.
func (v Violation) String() string {
	verb := "capturing"
	if v.Kind == InversionOnRelease {
		verb = "releasing"
	}
	return fmt.Sprintf("%s: thread %q (id %d) %s %q (switch %d, precedence %d) while holding %#08x %q",
		v.Kind, v.ThreadName, v.ThreadID, verb, v.Lock, v.SwitchNumber, v.Precedence, v.Held, v.HeldLocks)
}

// ViolationHandler is called synchronously, on the violating goroutine, for
// every reported violation.
type ViolationHandler func(v Violation)

// SetViolationHandler installs h. A nil h removes the handler.
func (s *State) SetViolationHandler(h ViolationHandler) {
	if h == nil {
		s.onViolation.Store(nil)
		return
	}
	s.onViolation.Store(&h)
}

// lockCollection holds the precedence bits a goroutine holds, per switch.
// SwitchNone has its own slot. It is only touched by its own goroutine.
type lockCollection struct {
	masks map[int]uint32
}

// collection returns the calling goroutine's collection, creating it on
// first use.
func (s *State) collection(id int64) *lockCollection {
	if c, ok := s.collections.Load(id); ok {
		return c.(*lockCollection)
	}
	c := &lockCollection{masks: make(map[int]uint32)}
	s.collections.Store(id, c)
	return c
}

// storeMask records mask for switchNumber. A collection left without any
// bits is dropped, so goroutines that hold no precedence lock cost nothing.
func (s *State) storeMask(id int64, c *lockCollection, switchNumber int, mask uint32) {
	if mask != 0 {
		c.masks[switchNumber] = mask
		return
	}
	delete(c.masks, switchNumber)
	if len(c.masks) == 0 {
		s.collections.Delete(id)
	}
}

// heldPrecedence returns the calling goroutine's precedence mask on
// switchNumber.
func (s *State) heldPrecedence(switchNumber int) uint32 {
	c, ok := s.collections.Load(CurrentThreadID())
	if !ok {
		return 0
	}
	return c.(*lockCollection).masks[switchNumber]
}

// InversionDefenseEnabled reports whether captures and releases on s are
// checked against lock precedence.
func (s *State) InversionDefenseEnabled() bool {
	return inversionDefenseCompiled && s.conf.LockInversionDefense
}

// validatePrecedence checks a capture or release of l by the calling
// goroutine against the precedence bits it already holds on l's switch.
// taken is the reentrancy depth before a release.
//
// In capture mode, recorded reports whether l's bit was newly added, so a
// failed acquisition can undo it with forgetPrecedence. An error is returned
// only under config.PolicyStrict, and never in release mode.
func (s *State) validatePrecedence(l *Lock, mode validateMode, taken int) (recorded bool, err error) {
	if !s.InversionDefenseEnabled() || l.precedence == 0 {
		return false, nil
	}
	id := CurrentThreadID()
	c := s.collection(id)
	mine := c.masks[l.switchNumber]
	rest := mine &^ l.precedence

	switch mode {
	case captureMode:
		if mine&l.precedence != 0 {
			// Nested capture, validated when first taken.
			return false, nil
		}
		failed := false
		if s.switchLockMissing(l, mine) {
			s.report(l, SwitchLockNotHeld, rest)
			failed = true
		}
		if rest > l.precedence {
			s.report(l, InversionOnCapture, rest)
			failed = true
		}
		if failed && s.conf.PrecedencePolicy == config.PolicyStrict {
			s.storeMask(id, c, l.switchNumber, mine)
			return false, errors.Wrapf(alerr.ErrLockPrecedence, "capturing %q with precedence mask %#08x held", l.name, rest)
		}
		s.storeMask(id, c, l.switchNumber, mine|l.precedence)
		return true, nil

	case releaseMode:
		if taken > 1 {
			return false, nil
		}
		if rest > l.precedence {
			s.report(l, InversionOnRelease, rest)
		}
		s.storeMask(id, c, l.switchNumber, rest)
	}
	return false, nil
}

// forgetPrecedence removes l's bit from the calling goroutine's collection
// after a failed acquisition.
func (s *State) forgetPrecedence(l *Lock) {
	if !s.InversionDefenseEnabled() || l.precedence == 0 {
		return
	}
	id := CurrentThreadID()
	c := s.collection(id)
	s.storeMask(id, c, l.switchNumber, c.masks[l.switchNumber]&^l.precedence)
}

// restorePrecedence puts l's bit back into the calling goroutine's
// collection after a release that could not unlock. The goroutine still holds
// l, so the bit is not validated again.
func (s *State) restorePrecedence(l *Lock) {
	if !s.InversionDefenseEnabled() || l.precedence == 0 {
		return
	}
	id := CurrentThreadID()
	c := s.collection(id)
	s.storeMask(id, c, l.switchNumber, c.masks[l.switchNumber]|l.precedence)
}

// switchLockMissing reports whether l is a switch-specific lock that
// requires the switch lock, and mine does not include it.
func (s *State) switchLockMissing(l *Lock, mine uint32) bool {
	p := s.conf.SwitchLockPrecedence
	if p == config.SwitchLockCheckDisabled || l.switchNumber == SwitchNone {
		return false
	}
	switchBit := uint32(1) << p
	if l.precedence == switchBit || s.locks.nonSwitch()&l.precedence != 0 {
		return false
	}
	return mine&switchBit == 0
}

func (s *State) report(l *Lock, kind ViolationKind, held uint32) {
	v := Violation{
		Kind:         kind,
		Lock:         l.name,
		SwitchNumber: l.switchNumber,
		Precedence:   precedenceLevel(l.precedence),
		Held:         held,
		HeldLocks:    s.locks.namesOf(l.switchNumber, held),
		ThreadID:     CurrentThreadID(),
		ThreadName:   s.CurrentThreadName(),
	}
	if kind == SwitchLockNotHeld {
		s.stats.switchLockWarnings.Add(1)
	} else {
		s.stats.precedenceViolations.Add(1)
	}
	s.violationLog.Warningf("%v", v)
	if h := s.onViolation.Load(); h != nil {
		(*h)(v)
	}
}

// DumpLockPrecMask logs the precedence masks held by the calling goroutine
// and the non-switch mask.
func (s *State) DumpLockPrecMask() {
	if !s.ok() {
		log.Warningf("DumpLockPrecMask: %v", alerr.ErrUninitialized)
		return
	}
	id := CurrentThreadID()
	log.Infof("Lock precedence of thread %q (id %d), non-switch mask %#08x:", s.CurrentThreadName(), id, s.locks.nonSwitch())
	c, ok := s.collections.Load(id)
	if !ok {
		log.Infof("  no precedence locks held")
		return
	}
	masks := c.(*lockCollection).masks
	switches := make([]int, 0, len(masks))
	for sw := range masks {
		switches = append(switches, sw)
	}
	sort.Ints(switches)
	for _, sw := range switches {
		log.Infof("  switch %d: %#08x %q", sw, masks[sw], s.locks.namesOf(sw, masks[sw]))
	}
}
