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
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
)

// sharedRetryInterval is the polling interval for a shared lock held by
// another process.
const sharedRetryInterval = time.Millisecond

var errSharedBusy = stderrors.New("held by another process")

// fileLock is the part of *flock.Flock a sharedLock uses.
type fileLock interface {
	TryLock() (bool, error)
	Unlock() error
	Close() error
}

// sharedLock makes a Lock exclusive across processes with an advisory file
// lock. It is always taken after the in-process semaphore, so only one
// goroutine per process ever contends for the file.
type sharedLock struct {
	f fileLock
}

// sharedLockPath returns the lock file of the named lock. Locks with the
// same name and switch in different processes share the file.
func sharedLockPath(dir, name string, switchNumber int) string {
	base := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, name)
	if switchNumber == SwitchNone {
		return filepath.Join(dir, base+".lock")
	}
	return filepath.Join(dir, fmt.Sprintf("%s.sw%d.lock", base, switchNumber))
}

func openSharedLock(dir, name string, switchNumber int) (*sharedLock, error) {
	path := sharedLockPath(dir, name, switchNumber)
	// Create the file up front so that a bad directory fails lock creation
	// rather than the first capture.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &sharedLock{f: flock.New(path)}, nil
}

// lock takes the file lock, polling until ctx is done.
func (sl *sharedLock) lock(ctx context.Context) error {
	op := func() error {
		ok, err := sl.f.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errSharedBusy
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(sharedRetryInterval), ctx))
}

func (sl *sharedLock) unlock() error {
	return sl.f.Unlock()
}

func (sl *sharedLock) close() {
	sl.f.Close()
}
