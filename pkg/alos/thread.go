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
	stderrors "errors"
	"runtime"
	"sync/atomic"
	"time"

	"fm10k.dev/alos/pkg/cleanup"
	"fm10k.dev/alos/pkg/errors"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/eventqueue"
	"fm10k.dev/alos/pkg/log"
	"fm10k.dev/alos/pkg/timeout"
)

// ThreadFunc is the entry point of a thread started by CreateThread.
// Returning from it has the same effect as calling ExitThread.
//
// arg is passed through unchanged. It is the only caller slot; a thread that
// needs several values receives them in one struct.
type ThreadFunc func(t *Thread, arg any)

// Thread is a thread known to a State: either a long-lived worker started by
// CreateThread, which owns an event queue, or a foreign goroutine registered
// for naming only.
type Thread struct {
	state *State

	// id is the goroutine id, the registry key.
	id int64

	// tid is the OS thread id at registration.
	tid int

	name    string
	foreign bool

	// realtime is set once real-time scheduling was applied. It is
	// protected by the registry mutex.
	realtime bool

	entry ThreadFunc
	arg   any

	// waitLock guards wake. It is a process-private lock without
	// precedence.
	waitLock *Lock

	// wake has room for one pending wakeup. Senders post to it with
	// waitLock held.
	wake chan struct{}

	events *eventqueue.Queue

	// done is closed after the thread has torn down.
	done chan struct{}

	exited atomic.Bool
}

// ID returns the thread's id.
func (t *Thread) ID() int64 {
	return t.id
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	return t.name
}

// CreateThread starts a worker thread running entry(t, arg) with an event
// queue of eventQueueCapacity slots. The thread is registered before
// CreateThread returns.
//
// The thread runs on a goroutine locked to its own OS thread and, if
// configured, requests round-robin real-time scheduling at the minimum
// priority. Failure to obtain it is logged and otherwise ignored.
func (s *State) CreateThread(name string, eventQueueCapacity int, entry ThreadFunc, arg any) (*Thread, error) {
	if !s.ok() {
		return nil, alerr.ErrUninitialized
	}
	if name == "" || entry == nil || eventQueueCapacity < 0 {
		return nil, alerr.ErrInvalidArgument
	}

	t := &Thread{
		state: s,
		name:  name,
		entry: entry,
		arg:   arg,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	t.waitLock = &Lock{}
	if err := s.createLock(t.waitLock, name+".wait", SwitchNone, SuperPrecedence, lockOptions{private: true}); err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { DeleteLock(t.waitLock) })
	defer cu.Clean()

	events, err := eventqueue.New(eventQueueCapacity)
	if err != nil {
		return nil, err
	}
	t.events = events
	cu.Add(events.Destroy)

	registered := make(chan error, 1)
	go t.run(registered)
	if err := <-registered; err != nil {
		return nil, errors.WrapCause(alerr.ErrUnableToCreateThread, err, "thread %q", name)
	}
	cu.Release()

	s.stats.threadsCreated.Add(1)
	log.Debugf("Created thread %q (id %d, tid %d)", name, t.id, t.tid)
	return t, nil
}

// run is the body of a created thread.
func (t *Thread) run(registered chan<- error) {
	defer close(t.done)
	runtime.LockOSThread()

	t.id = CurrentThreadID()
	t.tid = osThreadID()
	if err := t.state.threads.add(t); err != nil {
		registered <- err
		return
	}
	t.state.applyRealtime(t)
	registered <- nil

	defer t.teardown()
	t.entry(t, t.arg)
}

// applyRealtime requests real-time scheduling for the calling OS thread.
func (s *State) applyRealtime(t *Thread) {
	if !s.conf.RealtimeThreads {
		return
	}
	if err := setRealtimeScheduling(); err != nil {
		s.realtimeOnce.Do(func() {
			log.Warningf("Real-time scheduling unavailable, threads use the default policy: %v", err)
		})
		return
	}
	s.threads.mu.Lock()
	t.realtime = true
	s.threads.mu.Unlock()
}

// teardown deregisters t and releases what it owns. The OS thread is not
// unlocked, so it terminates with the goroutine.
func (t *Thread) teardown() {
	if !t.exited.CompareAndSwap(false, true) {
		return
	}
	s := t.state
	s.threads.remove(t.id)
	t.events.Destroy()
	t.deleteWaitLock()
	if c, ok := s.collections.LoadAndDelete(t.id); ok && len(c.(*lockCollection).masks) > 0 {
		log.Warningf("Thread %q exited holding precedence locks %v", t.name, c.(*lockCollection).masks)
	}
	s.stats.threadsExited.Add(1)
	log.Debugf("Thread %q (id %d) exited", t.name, t.id)
}

// deleteWaitLock destroys t's wait lock. A sender may still be inside signal,
// so a held lock is waited for and the delete retried.
func (t *Thread) deleteWaitLock() {
	for {
		err := DeleteLock(t.waitLock)
		if err == nil {
			return
		}
		if !stderrors.Is(err, alerr.ErrLockDestroy) {
			log.Warningf("Thread %q: wait lock not destroyed: %v", t.name, err)
			return
		}
		if err := CaptureLock(t.waitLock, timeout.Forever); err != nil {
			log.Warningf("Thread %q: wait lock not destroyed: %v", t.name, err)
			return
		}
		ReleaseLock(t.waitLock)
	}
}

// ExitThread terminates the calling thread, which must be t, after tearing
// it down. It does not return on success.
func ExitThread(t *Thread) error {
	if t == nil {
		return alerr.ErrInvalidArgument
	}
	if t.state == nil {
		return alerr.ErrUninitialized
	}
	if t.foreign {
		return errors.Wrapf(alerr.ErrInvalidArgument, "thread %q is foreign, use UnregisterForeignThread", t.name)
	}
	if CurrentThreadID() != t.id {
		return errors.Wrapf(alerr.ErrInvalidArgument, "thread %q can only exit itself", t.name)
	}
	// The deferred teardown in run does the work.
	runtime.Goexit()
	return nil
}

// checkWorker validates t for event operations.
func checkWorker(t *Thread) error {
	if t == nil {
		return alerr.ErrInvalidArgument
	}
	if t.state == nil {
		return alerr.ErrUninitialized
	}
	if t.events == nil {
		return errors.Wrapf(alerr.ErrInvalidArgument, "thread %q has no event queue", t.name)
	}
	return nil
}

// SendThreadEvent appends ev to t's event queue and wakes t. It never
// blocks on a full queue.
func SendThreadEvent(t *Thread, ev eventqueue.Event) error {
	if err := checkWorker(t); err != nil {
		return err
	}
	if err := t.events.Send(ev); err != nil {
		if stderrors.Is(err, alerr.ErrEventQueueFull) {
			t.state.stats.queueFullRejections.Add(1)
		}
		return err
	}
	t.state.stats.eventsSent.Add(1)
	return t.signal()
}

// signal posts one wakeup under the wait lock.
func (t *Thread) signal() error {
	if err := CaptureLock(t.waitLock, timeout.Forever); err != nil {
		return errors.WrapCause(alerr.ErrUnableToSignal, err, "thread %q", t.name)
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	if err := ReleaseLock(t.waitLock); err != nil {
		return errors.WrapCause(alerr.ErrUnableToSignal, err, "thread %q", t.name)
	}
	return nil
}

// SignalThreadEventHandler wakes t without queueing an event, so that a
// GetThreadEvent in progress rechecks its queue.
func SignalThreadEventHandler(t *Thread) error {
	if err := checkWorker(t); err != nil {
		return err
	}
	return t.signal()
}

// GetThreadEvent removes the next event from t's queue, waiting up to to for
// one to arrive. A zero to returns alerr.ErrNoEventsAvailable at once when
// the queue is empty. After a wait the queue is checked again regardless of
// why the wait ended, and only that check decides the result.
func GetThreadEvent(t *Thread, to timeout.Timeout) (eventqueue.Event, error) {
	if err := checkWorker(t); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, errors.WrapCause(alerr.ErrInvalidArgument, err, "thread %q", t.name)
	}

	if err := CaptureLock(t.waitLock, timeout.Forever); err != nil {
		return nil, err
	}
	if ev, ok := t.events.Receive(); ok {
		ReleaseLock(t.waitLock)
		t.state.stats.eventsReceived.Add(1)
		return ev, nil
	}
	if to.IsZero() {
		ReleaseLock(t.waitLock)
		return nil, alerr.ErrNoEventsAvailable
	}
	// Drop wakeups posted before the queue was found empty.
	select {
	case <-t.wake:
	default:
	}
	if err := ReleaseLock(t.waitLock); err != nil {
		return nil, err
	}

	t.wait(to)

	if err := CaptureLock(t.waitLock, timeout.Forever); err != nil {
		return nil, err
	}
	ev, ok := t.events.Receive()
	ReleaseLock(t.waitLock)
	if !ok {
		return nil, alerr.ErrNoEventsAvailable
	}
	t.state.stats.eventsReceived.Add(1)
	return ev, nil
}

// wait blocks until t is woken or to elapses.
func (t *Thread) wait(to timeout.Timeout) {
	if to.IsForever() {
		<-t.wake
		return
	}
	timer := time.NewTimer(to.Duration())
	defer timer.Stop()
	select {
	case <-t.wake:
	case <-timer.C:
	}
}

// PeekThreadEvent returns the next event in t's queue without removing it.
func PeekThreadEvent(t *Thread) (eventqueue.Event, error) {
	if err := checkWorker(t); err != nil {
		return nil, err
	}
	ev, ok := t.events.Peek()
	if !ok {
		return nil, alerr.ErrNoEventsAvailable
	}
	return ev, nil
}

// WaitThreadExit blocks until t has exited or to elapses, in which case it
// returns alerr.ErrLockTimeout. A thread cannot wait for itself.
func WaitThreadExit(t *Thread, to timeout.Timeout) error {
	if err := checkWorker(t); err != nil {
		return err
	}
	if CurrentThreadID() == t.id {
		return errors.Wrapf(alerr.ErrInvalidArgument, "thread %q cannot wait for itself", t.name)
	}
	if to.IsForever() {
		<-t.done
		return nil
	}
	if err := to.Validate(); err != nil {
		return errors.WrapCause(alerr.ErrInvalidArgument, err, "thread %q", t.name)
	}
	timer := time.NewTimer(to.Duration())
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
		return errors.Wrapf(alerr.ErrLockTimeout, "thread %q still running after %v", t.name, to)
	}
}

// Done returns a channel that is closed when a thread started by
// CreateThread has exited.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}
