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
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"fm10k.dev/alos/pkg/errors/alerr"
	"fm10k.dev/alos/pkg/log"
)

// lockRow is one line of the lock table.
type lockRow struct {
	name         string
	switchNumber int
	precedence   uint32
	depth        int
	owner        int64
}

// WriteLockTable writes one row per registered lock, in creation order: name,
// switch, precedence mask, hold count and owner thread name. A holder that is
// not registered is registered as a foreign thread named foreign-<id>.
func (s *State) WriteLockTable(w io.Writer) error {
	if !s.ok() {
		return alerr.ErrUninitialized
	}
	var rows []lockRow
	s.locks.forEach(func(l *Lock) bool {
		depth, owner := l.holder()
		rows = append(rows, lockRow{
			name:         l.name,
			switchNumber: l.switchNumber,
			precedence:   l.precedence,
			depth:        depth,
			owner:        owner,
		})
		return true
	})

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tSWITCH\tPRECEDENCE\tTAKEN\tOWNER\n")
	for _, r := range rows {
		sw := "-"
		if r.switchNumber != SwitchNone {
			sw = fmt.Sprint(r.switchNumber)
		}
		owner := "-"
		if r.depth > 0 {
			owner = s.ownerName(r.owner)
		}
		fmt.Fprintf(tw, "%s\t%s\t%#08x\t%d\t%s\n", r.name, sw, r.precedence, r.depth, owner)
	}
	return tw.Flush()
}

// ownerName returns the registered name of goroutine id, registering it as
// a foreign thread if needed.
func (s *State) ownerName(id int64) string {
	if t, ok := s.threads.lookup(id); ok {
		return t.name
	}
	return s.registerForeignOwner(id).name
}

// WriteThreadTable writes one row per registered thread, ordered by id.
func (s *State) WriteThreadTable(w io.Writer) error {
	if !s.ok() {
		return alerr.ErrUninitialized
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTID\tNAME\tKIND\tEVENTS\tLOCKS\n")
	for _, t := range s.Threads() {
		kind := "created"
		if t.Foreign {
			kind = "foreign"
		}
		if t.Realtime {
			kind += ",rt"
		}
		events := "-"
		if !t.Foreign {
			events = fmt.Sprintf("%d/%d", t.QueuedEvents, t.QueueCapacity)
		}
		locks := "-"
		if len(t.HeldLocks) > 0 {
			locks = strings.Join(t.HeldLocks, ",")
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", t.ID, t.OSThreadID, t.Name, kind, events, locks)
	}
	return tw.Flush()
}

// DumpLocks logs the lock table.
func (s *State) DumpLocks() {
	var buf bytes.Buffer
	if err := s.WriteLockTable(&buf); err != nil {
		log.Warningf("DumpLocks: %v", err)
		return
	}
	log.Infof("Registered locks (pid %d):", CurrentProcessID())
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		log.Infof("  %s", line)
	}
}
