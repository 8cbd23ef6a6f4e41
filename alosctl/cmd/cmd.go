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

// Package cmd holds implementations of the alosctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"

	"fm10k.dev/alos/pkg/alos"
	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/log"
)

// Errorf logs an error to the log target and stderr and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// Fatalf is Errorf followed by os.Exit.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(int(subcommands.ExitFailure))
}

// newLock creates a registered lock bound to switchNumber at precedence.
func newLock(s *alos.State, name string, switchNumber, precedence int) (*alos.Lock, error) {
	l := &alos.Lock{}
	if err := s.CreateLockV2(l, name, switchNumber, precedence); err != nil {
		return nil, fmt.Errorf("creating lock %q: %w", name, err)
	}
	return l, nil
}

// withState runs fn against a State built from conf and tears it down
// afterwards.
func withState(conf *config.Config, fn func(s *alos.State) error) error {
	s, err := alos.New(conf)
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	defer func() {
		if err := s.Teardown(); err != nil {
			log.Warningf("Teardown failed: %v", err)
		}
	}()
	return fn(s)
}
