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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"fm10k.dev/alos/pkg/alos"
	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/log"
	"fm10k.dev/alos/pkg/timeout"
)

// errSkipped marks a check that does not apply to the configuration.
var errSkipped = errors.New("skipped")

// SelfTest implements subcommands.Command for the "selftest" command.
type SelfTest struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*SelfTest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SelfTest) Synopsis() string {
	return "check mutual exclusion, switch lock ordering and event queue limits"
}

// Usage implements subcommands.Command.Usage.
func (*SelfTest) Usage() string {
	return `selftest [flags]

Each check runs against a freshly initialized subsystem. The exit status is
non-zero if any check fails.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (st *SelfTest) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&st.timeout, "timeout", 100*time.Millisecond, "how long a second thread waits for a held lock.")
}

// Execute implements subcommands.Command.Execute.
func (st *SelfTest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	checks := []struct {
		name string
		run  func(*config.Config) error
	}{
		{"mutual-exclusion", st.mutualExclusion},
		{"switch-lock-first", switchLockFirst},
		{"event-queue-full", eventQueueFull},
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	failed := 0
	for _, c := range checks {
		err := c.run(conf)
		switch {
		case err == nil:
			fmt.Fprintf(w, "%s\tPASS\t\n", c.name)
		case errors.Is(err, errSkipped):
			fmt.Fprintf(w, "%s\tSKIP\t%v\n", c.name, err)
		default:
			failed++
			fmt.Fprintf(w, "%s\tFAIL\t%v\n", c.name, err)
		}
	}
	if err := w.Flush(); err != nil {
		return Errorf("writing results: %v", err)
	}
	if failed > 0 {
		return Errorf("%d of %d checks failed", failed, len(checks))
	}
	return subcommands.ExitSuccess
}

// mutualExclusion holds a lock on one thread and checks that a second
// thread sees it free of its own claims and times out capturing it.
func (st *SelfTest) mutualExclusion(conf *config.Config) error {
	c := *conf
	// Only one lock is involved; the switch lock is exercised separately.
	c.SwitchLockPrecedence = config.SwitchLockCheckDisabled
	return withState(&c, func(s *alos.State) error {
		l, err := newLock(s, "L1", 0, 2)
		if err != nil {
			return err
		}
		defer alos.DeleteLock(l)

		if err := alos.CaptureLock(l, timeout.Forever); err != nil {
			return fmt.Errorf("CaptureLock() in first thread: %w", err)
		}
		defer alos.ReleaseLock(l)
		if taken, err := alos.IsLockTaken(l); err != nil || !taken {
			return fmt.Errorf("IsLockTaken() in first thread = %t, %v, want true", taken, err)
		}

		result := make(chan error, 1)
		to := timeout.FromDuration(st.timeout)
		th, err := s.CreateThread("B", 0, func(*alos.Thread, any) {
			result <- contend(l, to)
		}, nil)
		if err != nil {
			return err
		}
		err = <-result
		if werr := alos.WaitThreadExit(th, timeout.Forever); err == nil {
			err = werr
		}
		return err
	})
}

// contend tries to capture l, which is held by another thread.
func contend(l *alos.Lock, to timeout.Timeout) error {
	if taken, err := alos.IsLockTaken(l); err != nil || taken {
		return fmt.Errorf("IsLockTaken() in second thread = %t, %v, want false", taken, err)
	}
	start := time.Now()
	err := alos.CaptureLock(l, to)
	if err == nil {
		alos.ReleaseLock(l)
		return fmt.Errorf("CaptureLock() of a held lock succeeded")
	}
	if !errors.Is(err, alerr.ErrLockTimeout) {
		return fmt.Errorf("CaptureLock() of a held lock = %v, want %v", err, alerr.ErrLockTimeout)
	}
	log.Debugf("Second thread gave up on %v after %v", l, time.Since(start))
	return nil
}

// switchLockFirst captures a switch-specific lock without the switch lock
// and expects the validator to report it, then captures both in order and
// expects silence.
func switchLockFirst(conf *config.Config) error {
	return withState(conf, func(s *alos.State) error {
		if !s.InversionDefenseEnabled() {
			return fmt.Errorf("%w: lock inversion defense is disabled", errSkipped)
		}
		level := s.Config().SwitchLockPrecedence
		if level < 0 || level >= alos.MaxPrecedence {
			return fmt.Errorf("%w: switch lock check is disabled", errSkipped)
		}

		var got []alos.Violation
		s.SetViolationHandler(func(v alos.Violation) {
			got = append(got, v)
		})
		defer s.SetViolationHandler(nil)

		switchLock, err := newLock(s, "SwitchLock", 0, level)
		if err != nil {
			return err
		}
		defer alos.DeleteLock(switchLock)
		resource, err := newLock(s, "Resource", 0, level+1)
		if err != nil {
			return err
		}
		defer alos.DeleteLock(resource)

		// Under the strict policy the capture itself fails.
		if err := alos.CaptureLock(resource, timeout.Forever); err == nil {
			alos.ReleaseLock(resource)
		} else if !errors.Is(err, alerr.ErrLockPrecedence) {
			return fmt.Errorf("CaptureLock(%v): %w", resource, err)
		}
		if len(got) != 1 || got[0].Kind != alos.SwitchLockNotHeld {
			return fmt.Errorf("capturing %v alone reported %v, want one %v", resource, got, alos.SwitchLockNotHeld)
		}
		log.Infof("Reported as expected: %v", got[0])

		got = nil
		for _, l := range []*alos.Lock{switchLock, resource} {
			if err := alos.CaptureLock(l, timeout.Forever); err != nil {
				return fmt.Errorf("CaptureLock(%v): %w", l, err)
			}
		}
		for _, l := range []*alos.Lock{resource, switchLock} {
			if err := alos.ReleaseLock(l); err != nil {
				return fmt.Errorf("ReleaseLock(%v): %w", l, err)
			}
		}
		if len(got) != 0 {
			return fmt.Errorf("capturing in order reported %v", got)
		}
		return nil
	})
}

// eventQueueFull fills a worker's queue and checks that one more event is
// rejected until an event is taken off.
func eventQueueFull(conf *config.Config) error {
	return withState(conf, func(s *alos.State) error {
		const capacity = 4
		stop := make(chan struct{})
		th, err := s.CreateThread("worker", capacity, func(*alos.Thread, any) {
			<-stop
		}, nil)
		if err != nil {
			return err
		}
		defer func() {
			close(stop)
			alos.WaitThreadExit(th, timeout.Forever)
		}()

		for i := 1; i <= capacity; i++ {
			if err := alos.SendThreadEvent(th, i); err != nil {
				return fmt.Errorf("SendThreadEvent(%d): %w", i, err)
			}
		}
		if err := alos.SendThreadEvent(th, capacity+1); !errors.Is(err, alerr.ErrEventQueueFull) {
			return fmt.Errorf("SendThreadEvent(%d) = %v, want %v", capacity+1, err, alerr.ErrEventQueueFull)
		}
		ev, err := alos.GetThreadEvent(th, timeout.Zero)
		if err != nil || ev != 1 {
			return fmt.Errorf("GetThreadEvent() = %v, %v, want 1, nil", ev, err)
		}
		if err := alos.SendThreadEvent(th, capacity+2); err != nil {
			return fmt.Errorf("SendThreadEvent(%d) after a receive: %w", capacity+2, err)
		}
		return nil
	})
}
