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

// Package alerr holds the sentinel errors returned by the ALOS lock and
// thread subsystem.
package alerr

import (
	"strconv"

	"fm10k.dev/alos/pkg/errors"
)

// Status codes. Values are never reused.
const (
	StatusNoMemory errors.Status = iota + 1
	StatusLockInit
	StatusUninitialized
	StatusInvalidArgument
	StatusLockDestroy
	StatusLockUninitialized
	StatusLockTimeout
	StatusUnableToLock
	StatusLockPrecedence
	StatusUnableToCreateCond
	StatusUnableToCreateThread
	StatusAlreadyExists
	StatusNotFound
	StatusEventQueueFull
	StatusNoEventsAvailable
	StatusUnableToSignal
)

var (
	// ErrNoMemory is returned when an allocation needed by a constructor
	// could not be satisfied.
	ErrNoMemory = errors.New(StatusNoMemory, "out of memory")

	// ErrLockInit is returned when a lock could not be constructed, including
	// when the lock registry is full.
	ErrLockInit = errors.New(StatusLockInit, "unable to initialize lock")

	// ErrUninitialized is returned when the subsystem root state has not been
	// set up.
	ErrUninitialized = errors.New(StatusUninitialized, "subsystem not initialized")

	// ErrInvalidArgument is returned for nil or out-of-range arguments.
	ErrInvalidArgument = errors.New(StatusInvalidArgument, "invalid argument")

	// ErrLockDestroy is returned when a lock cannot be destroyed because it is
	// still held.
	ErrLockDestroy = errors.New(StatusLockDestroy, "unable to destroy lock")

	// ErrLockUninitialized is returned for operations on a zero Lock.
	ErrLockUninitialized = errors.New(StatusLockUninitialized, "lock not initialized")

	// ErrLockTimeout is returned when a lock was not acquired before the
	// deadline.
	ErrLockTimeout = errors.New(StatusLockTimeout, "lock capture timed out")

	// ErrUnableToLock wraps an underlying lock or unlock failure.
	ErrUnableToLock = errors.New(StatusUnableToLock, "unable to lock or unlock")

	// ErrLockPrecedence is returned in strict mode when a capture would
	// violate the lock precedence order.
	ErrLockPrecedence = errors.New(StatusLockPrecedence, "lock precedence violation")

	// ErrUnableToCreateCond is returned when a thread's wake channel could not
	// be created.
	ErrUnableToCreateCond = errors.New(StatusUnableToCreateCond, "unable to create condition variable")

	// ErrUnableToCreateThread is returned when a thread could not be started.
	ErrUnableToCreateThread = errors.New(StatusUnableToCreateThread, "unable to create thread")

	// ErrAlreadyExists is returned when the calling thread is already
	// registered.
	ErrAlreadyExists = errors.New(StatusAlreadyExists, "already exists")

	// ErrNotFound is returned when the calling thread is not registered.
	ErrNotFound = errors.New(StatusNotFound, "not found")

	// ErrEventQueueFull is returned when a thread's event queue is at
	// capacity.
	ErrEventQueueFull = errors.New(StatusEventQueueFull, "event queue full")

	// ErrNoEventsAvailable is returned when no event could be retrieved
	// before the timeout.
	ErrNoEventsAvailable = errors.New(StatusNoEventsAvailable, "no events available")

	// ErrUnableToSignal is returned when a waiting thread could not be woken.
	ErrUnableToSignal = errors.New(StatusUnableToSignal, "unable to signal thread")
)

var statusNames = map[errors.Status]string{
	StatusNoMemory:             "NoMemory",
	StatusLockInit:             "LockInit",
	StatusUninitialized:        "Uninitialized",
	StatusInvalidArgument:      "InvalidArgument",
	StatusLockDestroy:          "LockDestroy",
	StatusLockUninitialized:    "LockUninitialized",
	StatusLockTimeout:          "LockTimeout",
	StatusUnableToLock:         "UnableToLock",
	StatusLockPrecedence:       "LockPrecedence",
	StatusUnableToCreateCond:   "UnableToCreateCond",
	StatusUnableToCreateThread: "UnableToCreateThread",
	StatusAlreadyExists:        "AlreadyExists",
	StatusNotFound:             "NotFound",
	StatusEventQueueFull:       "EventQueueFull",
	StatusNoEventsAvailable:    "NoEventsAvailable",
	StatusUnableToSignal:       "UnableToSignal",
}

// StatusName returns the symbolic name of s, or "Unknown(<n>)".
func StatusName(s errors.Status) string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Unknown(" + strconv.Itoa(int(s)) + ")"
}
