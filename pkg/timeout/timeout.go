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

// Package timeout defines the relative {seconds, microseconds} timeout used
// by blocking lock and event operations.
package timeout

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Timeout is a relative timeout. The zero value is a zero-length timeout;
// Forever disables the timeout entirely.
type Timeout struct {
	Sec  int64
	Usec int64

	forever bool
}

// Forever blocks without a deadline. It is a sentinel, not a numeric value.
var Forever = Timeout{forever: true}

// Zero is a zero-length timeout.
var Zero = Timeout{}

// FromDuration converts d to a Timeout, truncating to microseconds. Negative
// durations become Zero.
func FromDuration(d time.Duration) Timeout {
	if d <= 0 {
		return Zero
	}
	us := d.Microseconds()
	return Timeout{Sec: us / 1e6, Usec: us % 1e6}
}

// IsForever reports whether t is the Forever sentinel.
func (t Timeout) IsForever() bool {
	return t.forever
}

// IsZero reports whether t is a zero-length timeout.
func (t Timeout) IsZero() bool {
	return !t.forever && t.Sec == 0 && t.Usec == 0
}

// Validate returns an error if t has negative components.
func (t Timeout) Validate() error {
	if t.forever {
		return nil
	}
	if t.Sec < 0 || t.Usec < 0 {
		return fmt.Errorf("negative timeout %v", t)
	}
	return nil
}

// maxDuration is the longest time.Duration, about 292 years.
const maxDuration = time.Duration(math.MaxInt64)

// Duration returns t as a time.Duration, saturating at maxDuration. It
// panics on Forever.
func (t Timeout) Duration() time.Duration {
	if t.forever {
		panic("Duration called on timeout.Forever")
	}
	if t.Sec >= int64(maxDuration/time.Second) || t.Usec >= int64(maxDuration/time.Microsecond) {
		return maxDuration
	}
	d := time.Duration(t.Sec)*time.Second + time.Duration(t.Usec)*time.Microsecond
	if d < 0 {
		return maxDuration
	}
	return d
}

// Deadline returns the absolute deadline of t measured from now, and false
// for Forever.
func (t Timeout) Deadline(now time.Time) (time.Time, bool) {
	if t.forever {
		return time.Time{}, false
	}
	return now.Add(t.Duration()), true
}

// Context returns a context that is done when t elapses. The deadline is
// computed even for a zero timeout, so the returned context may already be
// done. Forever returns a cancelable context without a deadline.
func (t Timeout) Context(parent context.Context) (context.Context, context.CancelFunc) {
	d, ok := t.Deadline(time.Now())
	if !ok {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, d)
}

// String implements fmt.Stringer.
func (t Timeout) String() string {
	if t.forever {
		return "forever"
	}
	return fmt.Sprintf("%d.%06ds", t.Sec, t.Usec)
}
