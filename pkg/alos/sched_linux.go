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

//go:build linux
// +build linux

package alos

import (
	"fmt"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
)

// setRealtimeScheduling switches the calling OS thread to SCHED_RR at the
// minimum priority of that policy, so that application threads preempt it.
func setRealtimeScheduling() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("reading capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("loading capabilities: %w", err)
	}
	if !caps.Get(capability.EFFECTIVE, capability.CAP_SYS_NICE) {
		return fmt.Errorf("missing %v", capability.CAP_SYS_NICE)
	}
	prio, _, errno := unix.Syscall(unix.SYS_SCHED_GET_PRIORITY_MIN, unix.SCHED_RR, 0, 0)
	if errno != 0 {
		return fmt.Errorf("sched_get_priority_min(SCHED_RR): %w", errno)
	}
	attr := &unix.SchedAttr{
		Policy:   unix.SCHED_RR,
		Priority: uint32(prio),
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return fmt.Errorf("sched_setattr(SCHED_RR, %d): %w", prio, err)
	}
	return nil
}
