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

// Package eventqueue implements the bounded FIFO that backs a thread's event
// queue.
//
// Ownership of an Event passes to the queue on Send and to the caller on a
// successful Receive.
package eventqueue

import (
	"sync"

	"fm10k.dev/alos/pkg/errors"
	"fm10k.dev/alos/pkg/errors/alerr"
)

// Event is an opaque unit of work.
type Event any

// Queue is a bounded FIFO of Events. It is safe for concurrent use.
type Queue struct {
	// mu protects the fields below.
	mu sync.Mutex

	// buf is a ring of capacity slots; head indexes the oldest event.
	buf  []Event
	head int
	n    int

	destroyed bool
}

// New returns an empty queue with the given capacity. A zero capacity queue
// rejects every Send.
func New(capacity int) (*Queue, error) {
	if capacity < 0 {
		return nil, errors.Wrapf(alerr.ErrInvalidArgument, "event queue capacity %d", capacity)
	}
	return &Queue{buf: make([]Event, capacity)}, nil
}

// Send appends ev to the tail of the queue.
func (q *Queue) Send(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return alerr.ErrUninitialized
	}
	if q.n == len(q.buf) {
		return alerr.ErrEventQueueFull
	}
	q.buf[(q.head+q.n)%len(q.buf)] = ev
	q.n++
	return nil
}

// Receive removes and returns the head of the queue. It returns false if
// the queue is empty.
func (q *Queue) Receive() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	ev := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return ev, true
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	return q.buf[q.head], true
}

// Events returns the queued events, head first. The slice is new; the
// events themselves are shared with the queue.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil
	}
	evs := make([]Event, q.n)
	for i := range evs {
		evs[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return evs
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Destroy drops all queued events. Subsequent Sends fail.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.n = 0
	q.destroyed = true
}
