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

// Package errors holds the standardized error definition for the ALOS
// subsystem.
package errors

import "fmt"

// Status is the numeric status code carried by an Error. Status values are
// stable and may be compared across package boundaries.
type Status int

// Error represents a status code with a descriptive message.
type Error struct {
	status  Status
	message string
}

// New creates a new *Error.
func New(status Status, message string) *Error {
	return &Error{
		status:  status,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying Status value.
func (e *Error) Status() Status { return e.status }

// Is reports whether target is an *Error with the same status. It allows
// errors.Is to match a sentinel against an error produced by Wrapf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.status == e.status
}

// wrapped is an *Error annotated with call-site context and an optional
// underlying cause.
type wrapped struct {
	err     *Error
	context string
	cause   error
}

// Error implements error.Error.
func (w *wrapped) Error() string {
	if w.cause != nil {
		return fmt.Sprintf("%s: %s: %v", w.context, w.err.message, w.cause)
	}
	return fmt.Sprintf("%s: %s", w.context, w.err.message)
}

// Unwrap returns both the status error and the cause, so that errors.Is
// matches either of them.
func (w *wrapped) Unwrap() []error {
	if w.cause == nil {
		return []error{w.err}
	}
	return []error{w.err, w.cause}
}

// Wrapf annotates e with a formatted context string. The result still
// matches e with errors.Is.
func Wrapf(e *Error, format string, v ...any) error {
	return &wrapped{err: e, context: fmt.Sprintf(format, v...)}
}

// WrapCause is like Wrapf, but additionally records the underlying cause,
// typically an OS-level error.
func WrapCause(e *Error, cause error, format string, v ...any) error {
	return &wrapped{err: e, context: fmt.Sprintf(format, v...), cause: cause}
}

// StatusOf returns the Status carried by err, and false if err does not
// carry one.
func StatusOf(err error) (Status, bool) {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.status, true
		case *wrapped:
			return e.err.status, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
