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
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"fm10k.dev/alos/pkg/alos"
	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/log"
	"fm10k.dev/alos/pkg/timeout"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers        int
	switches       int
	levels         int
	iterations     int
	inversionEvery int
	queueCapacity  int
	captureTimeout time.Duration
	metrics        bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run worker threads that contend for precedence locks and exchange events"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]

Workers are spread across switches. Each iteration captures the locks of the
worker's switch in precedence order, releases them in reverse, and passes an
event to the next worker. With -inversion-every, some iterations capture in
reverse order instead. The lock table, thread table and metrics are printed
at the end.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (st *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&st.workers, "workers", 4, "number of worker threads.")
	f.IntVar(&st.switches, "switches", 2, "number of switches the workers are spread across.")
	f.IntVar(&st.levels, "levels", 4, "number of precedence locks per switch, besides the switch lock.")
	f.IntVar(&st.iterations, "iterations", 1000, "iterations per worker.")
	f.IntVar(&st.inversionEvery, "inversion-every", 0, "capture in reverse order every N iterations. Zero never does.")
	f.IntVar(&st.queueCapacity, "queue-capacity", 16, "event queue capacity of each worker.")
	f.DurationVar(&st.captureTimeout, "capture-timeout", 10*time.Millisecond, "how long a capture waits before the iteration backs off.")
	f.BoolVar(&st.metrics, "metrics", true, "print counters in Prometheus text format.")
}

// worker is the state of one stress thread.
type worker struct {
	st       *Stress
	index    int
	locks    []*alos.Lock
	thread   *alos.Thread
	next     *alos.Thread
	start    <-chan struct{}
	abort    <-chan struct{}
	finished *sync.WaitGroup
	exit     <-chan struct{}

	completed  int
	backoffs   int
	rejections int
	err        error
}

// counter tallies completed iterations. An entry of perSwitch is only
// written with every lock of that switch held.
type counter struct {
	perSwitch []int
	total     atomic.Int64
}

// Execute implements subcommands.Command.Execute.
func (st *Stress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if st.workers < 1 || st.switches < 1 || st.iterations < 0 || st.inversionEvery < 0 || st.queueCapacity < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if st.switches > conf.MaxSwitches {
		return Errorf("-switches=%d exceeds --max-switches=%d", st.switches, conf.MaxSwitches)
	}
	first := conf.SwitchLockPrecedence + 1
	if st.levels < 1 || first+st.levels-1 > alos.MaxPrecedence {
		return Errorf("-levels=%d does not fit above switch lock precedence %d", st.levels, conf.SwitchLockPrecedence)
	}

	err := withState(conf, func(s *alos.State) error {
		return st.run(s, first, os.Stdout)
	})
	if err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (st *Stress) run(s *alos.State, first int, out io.Writer) error {
	conf := s.Config()
	var locks [][]*alos.Lock
	defer func() {
		for _, ls := range locks {
			for _, l := range ls {
				if err := alos.DeleteLock(l); err != nil {
					log.Warningf("DeleteLock(%v): %v", l, err)
				}
			}
		}
	}()
	for sw := 0; sw < st.switches; sw++ {
		var ls []*alos.Lock
		if conf.SwitchLockPrecedence >= 0 {
			l, err := newLock(s, fmt.Sprintf("sw%d.switch", sw), sw, conf.SwitchLockPrecedence)
			if err != nil {
				return err
			}
			ls = append(ls, l)
		}
		for lvl := first; lvl < first+st.levels; lvl++ {
			l, err := newLock(s, fmt.Sprintf("sw%d.level%d", sw, lvl), sw, lvl)
			if err != nil {
				return err
			}
			ls = append(ls, l)
		}
		locks = append(locks, ls)
	}

	var (
		start    = make(chan struct{})
		abort    = make(chan struct{})
		exit     = make(chan struct{})
		finished sync.WaitGroup
		workers  = make([]*worker, st.workers)
		cnt      = &counter{perSwitch: make([]int, st.switches)}
	)
	for i := range workers {
		w := &worker{
			st:       st,
			index:    i,
			locks:    locks[i%st.switches],
			start:    start,
			abort:    abort,
			finished: &finished,
			exit:     exit,
		}
		th, err := s.CreateThread(fmt.Sprintf("stress-%d", i), st.queueCapacity, func(t *alos.Thread, _ any) {
			w.run(t, cnt)
		}, nil)
		if err != nil {
			close(abort)
			for _, started := range workers[:i] {
				alos.WaitThreadExit(started.thread, timeout.Forever)
			}
			return err
		}
		w.thread = th
		workers[i] = w
	}
	for i, w := range workers {
		w.next = workers[(i+1)%len(workers)].thread
	}

	begin := time.Now()
	finished.Add(len(workers) + 1)
	close(start)

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			if err := alos.WaitThreadExit(w.thread, timeout.Forever); err != nil {
				return err
			}
			return w.err
		})
	}

	// Every worker is done sending but none has exited yet.
	finished.Done()
	finished.Wait()
	fmt.Fprintf(out, "Threads:\n")
	if err := s.WriteThreadTable(out); err != nil {
		log.Warningf("Writing thread table: %v", err)
	}
	close(exit)
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(begin)

	var completed, backoffs, rejections int
	for _, w := range workers {
		completed += w.completed
		backoffs += w.backoffs
		rejections += w.rejections
	}
	if got := cnt.total.Load(); got != int64(completed) {
		return fmt.Errorf("counted %d iterations under the locks, workers completed %d", got, completed)
	}
	sum := 0
	for _, n := range cnt.perSwitch {
		sum += n
	}
	if sum != completed {
		return fmt.Errorf("per-switch counters add up to %d, want %d", sum, completed)
	}

	fmt.Fprintf(out, "\n%d workers, %d iterations completed in %v, %d backoffs, %d rejected captures\n", len(workers), completed, elapsed, backoffs, rejections)
	fmt.Fprintf(out, "\nLocks:\n")
	if err := s.WriteLockTable(out); err != nil {
		return err
	}
	if st.metrics {
		fmt.Fprintf(out, "\nMetrics:\n")
		if err := s.WriteMetrics(out); err != nil {
			return err
		}
	}
	return nil
}

// run is the body of a worker thread.
func (w *worker) run(t *alos.Thread, cnt *counter) {
	select {
	case <-w.start:
	case <-w.abort:
		return
	}
	log.Debugf("Worker %q started on switch %d", t.Name(), w.locks[0].SwitchNumber())

	for n := 0; n < w.st.iterations && w.err == nil; n++ {
		inverted := w.st.inversionEvery > 0 && n%w.st.inversionEvery == w.st.inversionEvery-1
		w.iterate(inverted, cnt)
		if w.err != nil {
			break
		}
		if err := alos.SendThreadEvent(w.next, n); err != nil && !errors.Is(err, alerr.ErrEventQueueFull) {
			w.err = fmt.Errorf("worker %d: SendThreadEvent: %w", w.index, err)
		}
		w.drain(t)
		alos.Yield()
	}

	w.finished.Done()
	w.finished.Wait()
	w.drain(t)
	<-w.exit
}

// iterate captures the worker's locks, bumps the counters and releases
// them. A capture that times out or is rejected releases what was taken and
// ends the iteration early.
func (w *worker) iterate(inverted bool, cnt *counter) {
	order := w.locks
	if inverted {
		order = slices.Clone(w.locks)
		slices.Reverse(order)
	}
	to := timeout.FromDuration(w.st.captureTimeout)

	held := 0
	defer func() {
		for i := held - 1; i >= 0; i-- {
			if err := alos.ReleaseLock(order[i]); err != nil && w.err == nil {
				w.err = fmt.Errorf("worker %d: ReleaseLock(%v): %w", w.index, order[i], err)
			}
		}
	}()
	for _, l := range order {
		err := alos.CaptureLock(l, to)
		switch {
		case err == nil:
			held++
			continue
		case errors.Is(err, alerr.ErrLockTimeout):
			w.backoffs++
		case errors.Is(err, alerr.ErrLockPrecedence):
			w.rejections++
		default:
			w.err = fmt.Errorf("worker %d: CaptureLock(%v): %w", w.index, l, err)
		}
		return
	}

	sw := w.locks[0].SwitchNumber()
	cnt.perSwitch[sw]++
	cnt.total.Add(1)
	w.completed++
}

// drain takes every queued event off t without waiting.
func (w *worker) drain(t *alos.Thread) {
	for {
		_, err := alos.GetThreadEvent(t, timeout.Zero)
		if errors.Is(err, alerr.ErrNoEventsAvailable) {
			return
		}
		if err != nil {
			if w.err == nil {
				w.err = fmt.Errorf("worker %d: GetThreadEvent: %w", w.index, err)
			}
			return
		}
	}
}
