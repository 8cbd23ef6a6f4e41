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
	"sync"

	"github.com/google/btree"

	"fm10k.dev/alos/pkg/errors"
	"fm10k.dev/alos/pkg/errors/alerr"
)

// lockRegistry is the table of all locks created from one State.
//
// mu is a plain mutex. It is never subject to precedence validation, and no
// Lock is captured while it is held.
type lockRegistry struct {
	mu sync.Mutex

	// max bounds the number of registered locks. Zero is unbounded.
	max int

	// nextID is the id of the next registered lock.
	nextID uint64

	// locks is ordered by id, which is creation order.
	locks *btree.BTreeG[*Lock]

	// nonSwitchMask has the bit of every precedence lock created without a
	// switch. Locks whose bit is set here do not require the switch lock.
	nonSwitchMask uint32
}

func lockLess(a, b *Lock) bool {
	return a.id < b.id
}

func (r *lockRegistry) init(max int) {
	r.max = max
	r.nextID = 1
	r.locks = btree.NewG(8, lockLess)
}

// insert assigns l an id and registers it.
func (r *lockRegistry) insert(l *Lock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && r.locks.Len() >= r.max {
		return errors.Wrapf(alerr.ErrLockInit, "lock table full (%d locks), cannot create %q", r.max, l.name)
	}
	l.id = r.nextID
	r.nextID++
	r.locks.ReplaceOrInsert(l)
	if l.switchNumber == SwitchNone && l.precedence != 0 {
		r.nonSwitchMask |= l.precedence
	}
	return nil
}

// remove deregisters l. It returns false if l was not registered.
func (r *lockRegistry) remove(l *Lock) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.locks.Delete(l)
	return ok
}

// drain removes and returns every registered lock.
func (r *lockRegistry) drain() []*Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Lock, 0, r.locks.Len())
	r.locks.Ascend(func(l *Lock) bool {
		all = append(all, l)
		return true
	})
	r.locks.Clear(false)
	return all
}

func (r *lockRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks.Len()
}

// forEach calls fn for every lock in creation order until fn returns false.
// fn must not call back into the registry.
func (r *lockRegistry) forEach(fn func(l *Lock) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks.Ascend(fn)
}

func (r *lockRegistry) nonSwitch() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonSwitchMask
}

// namesOf resolves the precedence bits in mask to lock names. Only locks of
// the given switch are considered; locks created without a switch always are.
func (r *lockRegistry) namesOf(switchNumber int, mask uint32) []string {
	var names []string
	r.forEach(func(l *Lock) bool {
		if l.precedence&mask != 0 && (l.switchNumber == switchNumber || l.switchNumber == SwitchNone) {
			names = append(names, l.name)
		}
		return true
	})
	return names
}
