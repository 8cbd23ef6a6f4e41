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

package timeout

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestFromDuration(t *testing.T) {
	for _, tc := range []struct {
		d    time.Duration
		want Timeout
	}{
		{d: 100 * time.Millisecond, want: Timeout{Usec: 100000}},
		{d: 2500 * time.Millisecond, want: Timeout{Sec: 2, Usec: 500000}},
		{d: 0, want: Zero},
		{d: -time.Second, want: Zero},
	} {
		got := FromDuration(tc.d)
		if got != tc.want {
			t.Errorf("FromDuration(%v) = %v, want %v", tc.d, got, tc.want)
		}
		if tc.d > 0 && got.Duration() != tc.d {
			t.Errorf("Duration() = %v, want %v", got.Duration(), tc.d)
		}
	}
}

func TestForever(t *testing.T) {
	if !Forever.IsForever() || Forever.IsZero() {
		t.Fatalf("Forever misclassified")
	}
	if _, ok := Forever.Deadline(time.Now()); ok {
		t.Errorf("Forever has a deadline")
	}
	ctx, cancel := Forever.Context(context.Background())
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Errorf("Forever context has a deadline")
	}
	if Forever.String() != "forever" {
		t.Errorf("String() = %q", Forever.String())
	}
}

func TestZeroContextIsDone(t *testing.T) {
	ctx, cancel := Zero.Context(context.Background())
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("zero timeout context not done")
	}
}

func TestValidate(t *testing.T) {
	if err := (Timeout{Sec: -1}).Validate(); err == nil {
		t.Errorf("negative seconds accepted")
	}
	if err := (Timeout{Usec: -1}).Validate(); err == nil {
		t.Errorf("negative microseconds accepted")
	}
	if err := Forever.Validate(); err != nil {
		t.Errorf("Forever rejected: %v", err)
	}
}

func TestDurationSaturates(t *testing.T) {
	for _, to := range []Timeout{
		{Sec: math.MaxInt64},
		{Sec: 9223372036, Usec: 999999},
		{Usec: math.MaxInt64},
		{Sec: 9223372035, Usec: 2000000},
	} {
		if got := to.Duration(); got != maxDuration {
			t.Errorf("%v.Duration() = %v, want %v", to, got, maxDuration)
		}
		ctx, cancel := to.Context(context.Background())
		if err := ctx.Err(); err != nil {
			t.Errorf("%v.Context() is done at once: %v", to, err)
		}
		cancel()
	}
	if got, want := (Timeout{Sec: 9223372035, Usec: 999999}).Duration(), time.Duration(9223372035999999000); got != want {
		t.Errorf("Duration() below the limit = %d, want %d", got, want)
	}
}
