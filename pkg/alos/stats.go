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
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"fm10k.dev/alos/pkg/errors/alerr"
)

// metricPrefix is prepended to every exported metric name.
const metricPrefix = "alos_"

// counters are the live counters behind Stats.
type counters struct {
	locksCreated         atomic.Uint64
	locksDeleted         atomic.Uint64
	captures             atomic.Uint64
	contendedCaptures    atomic.Uint64
	captureTimeouts      atomic.Uint64
	releases             atomic.Uint64
	precedenceViolations atomic.Uint64
	switchLockWarnings   atomic.Uint64
	threadsCreated       atomic.Uint64
	threadsExited        atomic.Uint64
	eventsSent           atomic.Uint64
	eventsReceived       atomic.Uint64
	queueFullRejections  atomic.Uint64
}

// Stats is a snapshot of a State's counters.
type Stats struct {
	LocksCreated         uint64
	LocksDeleted         uint64
	Captures             uint64
	ContendedCaptures    uint64
	CaptureTimeouts      uint64
	Releases             uint64
	PrecedenceViolations uint64
	SwitchLockWarnings   uint64
	ThreadsCreated       uint64
	ThreadsExited        uint64
	EventsSent           uint64
	EventsReceived       uint64
	QueueFullRejections  uint64
}

// Stats returns a snapshot of the counters of s.
func (s *State) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	c := &s.stats
	return Stats{
		LocksCreated:         c.locksCreated.Load(),
		LocksDeleted:         c.locksDeleted.Load(),
		Captures:             c.captures.Load(),
		ContendedCaptures:    c.contendedCaptures.Load(),
		CaptureTimeouts:      c.captureTimeouts.Load(),
		Releases:             c.releases.Load(),
		PrecedenceViolations: c.precedenceViolations.Load(),
		SwitchLockWarnings:   c.switchLockWarnings.Load(),
		ThreadsCreated:       c.threadsCreated.Load(),
		ThreadsExited:        c.threadsExited.Load(),
		EventsSent:           c.eventsSent.Load(),
		EventsReceived:       c.eventsReceived.Load(),
		QueueFullRejections:  c.queueFullRejections.Load(),
	}
}

func counterFamily(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Counter: &dto.Counter{Value: proto.Float64(float64(v))},
		}},
	}
}

func gaugeFamily(name, help string, v int) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(metricPrefix + name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{
			Gauge: &dto.Gauge{Value: proto.Float64(float64(v))},
		}},
	}
}

// WriteMetrics writes the counters of s and the registry sizes in the
// Prometheus text exposition format.
func (s *State) WriteMetrics(w io.Writer) error {
	if !s.ok() {
		return alerr.ErrUninitialized
	}
	st := s.Stats()
	families := []*dto.MetricFamily{
		counterFamily("locks_created_total", "Locks created.", st.LocksCreated),
		counterFamily("locks_deleted_total", "Locks deleted.", st.LocksDeleted),
		counterFamily("lock_captures_total", "Successful lock captures, including nested ones.", st.Captures),
		counterFamily("lock_contended_captures_total", "Captures that found the lock held.", st.ContendedCaptures),
		counterFamily("lock_capture_timeouts_total", "Captures that timed out.", st.CaptureTimeouts),
		counterFamily("lock_releases_total", "Lock releases, including nested ones.", st.Releases),
		counterFamily("precedence_violations_total", "Lock precedence inversions detected.", st.PrecedenceViolations),
		counterFamily("switch_lock_warnings_total", "Switch-specific locks captured without the switch lock.", st.SwitchLockWarnings),
		counterFamily("threads_created_total", "Threads started by CreateThread.", st.ThreadsCreated),
		counterFamily("threads_exited_total", "Created threads that exited.", st.ThreadsExited),
		counterFamily("events_sent_total", "Events queued to threads.", st.EventsSent),
		counterFamily("events_received_total", "Events taken from thread queues.", st.EventsReceived),
		counterFamily("event_queue_full_total", "Events rejected by a full queue.", st.QueueFullRejections),
		gaugeFamily("registered_locks", "Locks currently registered.", s.locks.len()),
		gaugeFamily("registered_threads", "Threads currently registered.", s.threads.len()),
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
