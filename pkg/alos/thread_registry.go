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
	"runtime"
	"sort"
	"sync"

	"github.com/mohae/deepcopy"

	"fm10k.dev/alos/pkg/errors"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/eventqueue"
	"fm10k.dev/alos/pkg/goid"
)

// threadRegistry maps goroutine ids to the threads known to a State. It does
// not own the threads.
//
// mu is a plain mutex and is never subject to precedence validation.
type threadRegistry struct {
	mu      sync.Mutex
	threads map[int64]*Thread
}

func (r *threadRegistry) init() {
	r.threads = make(map[int64]*Thread)
}

// add registers t under t.id.
func (r *threadRegistry) add(t *Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.threads[t.id]; ok {
		return errors.Wrapf(alerr.ErrAlreadyExists, "thread id %d already registered as %q", t.id, old.name)
	}
	r.threads[t.id] = t
	return nil
}

// addIfAbsent registers t unless t.id is taken, and returns the registered
// thread.
func (r *threadRegistry) addIfAbsent(t *Thread) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.threads[t.id]; ok {
		return old
	}
	r.threads[t.id] = t
	return t
}

func (r *threadRegistry) remove(id int64) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	if ok {
		delete(r.threads, id)
	}
	return t, ok
}

func (r *threadRegistry) lookup(id int64) (*Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	return t, ok
}

func (r *threadRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

func (r *threadRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.threads)
}

// ThreadState is a snapshot of a registered thread.
type ThreadState struct {
	// ID is the thread's goroutine id.
	ID int64

	// OSThreadID is the OS thread id the thread was running on when it
	// registered. Threads started by CreateThread stay on it.
	OSThreadID int

	Name string

	// Foreign is set for threads registered with RegisterForeignThread,
	// including the main thread.
	Foreign bool

	// Realtime is set if real-time scheduling was applied.
	Realtime bool

	// QueuedEvents and QueueCapacity describe the event queue of threads
	// started by CreateThread.
	QueuedEvents  int
	QueueCapacity int

	// Events holds copies of the queued events, head first. Changing them
	// does not affect the queue.
	Events []eventqueue.Event

	// HeldLocks names the locks the thread holds, in creation order.
	HeldLocks []string
}

// snapshot returns the state of t. Its Events still refer to the queued
// events; callers deep copy it. It must be called with the registry mutex
// held.
func (t *Thread) snapshot() ThreadState {
	st := ThreadState{
		ID:         t.id,
		OSThreadID: t.tid,
		Name:       t.name,
		Foreign:    t.foreign,
		Realtime:   t.realtime,
	}
	if t.events != nil {
		st.Events = t.events.Events()
		st.QueuedEvents = len(st.Events)
		st.QueueCapacity = t.events.Cap()
	}
	return st
}

// RegisterForeignThread registers the calling goroutine, which was not
// started by CreateThread, under name. The returned Thread has no event
// queue and is only used for naming.
func (s *State) RegisterForeignThread(name string) (*Thread, error) {
	if !s.ok() {
		return nil, alerr.ErrUninitialized
	}
	if name == "" {
		return nil, alerr.ErrInvalidArgument
	}
	t := &Thread{
		state:   s,
		id:      CurrentThreadID(),
		name:    name,
		foreign: true,
		tid:     osThreadID(),
	}
	if err := s.threads.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

// UnregisterForeignThread removes the calling goroutine's foreign
// registration.
func (s *State) UnregisterForeignThread() error {
	if !s.ok() {
		return alerr.ErrUninitialized
	}
	id := CurrentThreadID()
	t, ok := s.threads.lookup(id)
	if !ok {
		return errors.Wrapf(alerr.ErrNotFound, "thread id %d is not registered", id)
	}
	if !t.foreign {
		return errors.Wrapf(alerr.ErrInvalidArgument, "thread %q was created by CreateThread, use ExitThread", t.name)
	}
	s.threads.remove(id)
	return nil
}

// registerForeignOwner names an unregistered goroutine found holding a lock.
func (s *State) registerForeignOwner(id int64) *Thread {
	return s.threads.addIfAbsent(&Thread{
		state:   s,
		id:      id,
		name:    fmt.Sprintf("foreign-%d", id),
		foreign: true,
	})
}

// CurrentThreadID returns the id of the calling goroutine.
func CurrentThreadID() int64 {
	return goid.Get()
}

// ThreadIDsEqual reports whether a and b identify the same thread.
func ThreadIDsEqual(a, b int64) bool {
	return a == b
}

// Yield yields the processor.
func Yield() {
	runtime.Gosched()
}

// CurrentThreadName returns the name the calling goroutine is registered
// under, or "" if it is not registered.
func (s *State) CurrentThreadName() string {
	if !s.ok() {
		return ""
	}
	t, ok := s.threads.lookup(CurrentThreadID())
	if !ok {
		return ""
	}
	return t.name
}

// GetThreadState returns a copy of the state of thread id. The copy does not
// change when the thread exits.
func (s *State) GetThreadState(id int64) (ThreadState, error) {
	if !s.ok() {
		return ThreadState{}, alerr.ErrUninitialized
	}
	s.threads.mu.Lock()
	t, ok := s.threads.threads[id]
	if !ok {
		s.threads.mu.Unlock()
		return ThreadState{}, errors.Wrapf(alerr.ErrNotFound, "thread id %d is not registered", id)
	}
	st := deepcopy.Copy(t.snapshot()).(ThreadState)
	s.threads.mu.Unlock()

	st.HeldLocks = s.locksHeldBy(id)
	return st, nil
}

// Threads returns the state of every registered thread, ordered by id.
func (s *State) Threads() []ThreadState {
	if !s.ok() {
		return nil
	}
	s.threads.mu.Lock()
	all := make([]ThreadState, 0, len(s.threads.threads))
	for _, t := range s.threads.threads {
		all = append(all, deepcopy.Copy(t.snapshot()).(ThreadState))
	}
	s.threads.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for i := range all {
		all[i].HeldLocks = s.locksHeldBy(all[i].ID)
	}
	return all
}

// locksHeldBy returns the names of the locks goroutine id holds.
func (s *State) locksHeldBy(id int64) []string {
	var names []string
	s.locks.forEach(func(l *Lock) bool {
		if depth, owner := l.holder(); depth > 0 && owner == id {
			names = append(names, l.name)
		}
		return true
	})
	return names
}
