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
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// processName returns the kernel's name for the calling process.
func processName() string {
	var buf [16]byte
	if err := unix.Prctl(unix.PR_GET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0); err != nil {
		return filepath.Base(os.Args[0])
	}
	return unix.ByteSliceToString(buf[:])
}

// osThreadID returns the id of the OS thread the caller runs on.
func osThreadID() int {
	return unix.Gettid()
}

// CurrentProcessID returns the id of the calling process.
func CurrentProcessID() int {
	return unix.Getpid()
}
