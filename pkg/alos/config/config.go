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

// Package config provides basic infrastructure to set configuration settings
// for the ALOS lock and thread subsystem. Settings come from command line
// flags and, optionally, a TOML or YAML file.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"fm10k.dev/alos/pkg/log"
)

// Config holds configuration that is not part of the lock or thread API
// proper. Fields tagged with "flag" are populated from the flag of that name.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// LockInversionDefense enables the lock precedence validator on every
	// capture and release.
	LockInversionDefense bool `flag:"lock-inversion-defense" toml:"lock_inversion_defense" yaml:"lock_inversion_defense"`

	// PrecedencePolicy selects whether precedence violations are only
	// reported or also fail the capture.
	PrecedencePolicy Policy `flag:"precedence-policy" toml:"precedence_policy" yaml:"precedence_policy"`

	// SwitchLockPrecedence is the precedence level of the per-switch lock that
	// must be held before any other switch-specific lock.
	// SwitchLockCheckDisabled disables the check.
	SwitchLockPrecedence int `flag:"switch-lock-precedence" toml:"switch_lock_precedence" yaml:"switch_lock_precedence"`

	// MaxLocks bounds the number of simultaneously registered locks. Zero
	// means unbounded.
	MaxLocks int `flag:"max-locks" toml:"max_locks" yaml:"max_locks"`

	// MaxSwitches is the number of switch indices a lock may be bound to.
	MaxSwitches int `flag:"max-switches" toml:"max_switches" yaml:"max_switches"`

	// SharedLockDir, if set, makes locks exclusive across processes by also
	// taking a file lock in this directory.
	SharedLockDir string `flag:"shared-lock-dir" toml:"shared_lock_dir" yaml:"shared_lock_dir"`

	// RealtimeThreads requests round-robin real-time scheduling at the
	// minimum priority for threads started by CreateThread.
	RealtimeThreads bool `flag:"realtime-threads" toml:"realtime_threads" yaml:"realtime_threads"`

	// ViolationLogInterval limits precedence violation reports to one per
	// interval. Zero reports every violation.
	ViolationLogInterval time.Duration `flag:"violation-log-interval" toml:"violation_log_interval" yaml:"violation_log_interval"`
}

// SwitchLockCheckDisabled is the SwitchLockPrecedence that turns off the
// switch lock requirement.
const SwitchLockCheckDisabled = -1

// Policy controls what the precedence validator does on a violation.
type Policy int

const (
	// PolicyPermissive reports violations and lets the operation proceed.
	PolicyPermissive Policy = iota

	// PolicyStrict reports violations and fails the capture with
	// ErrLockPrecedence.
	PolicyStrict
)

func policyPtr(p Policy) *Policy {
	return &p
}

// Set implements flag.Value.
func (p *Policy) Set(v string) error {
	switch strings.ToLower(v) {
	case "permissive":
		*p = PolicyPermissive
	case "strict":
		*p = PolicyStrict
	default:
		return fmt.Errorf("invalid precedence policy %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (p *Policy) Get() any {
	return *p
}

// String implements flag.Value.
func (p Policy) String() string {
	switch p {
	case PolicyPermissive:
		return "permissive"
	case PolicyStrict:
		return "strict"
	default:
		panic(fmt.Sprintf("Invalid precedence policy %d", int(p)))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}

// validLogFormats lists the values accepted by --log-format.
var validLogFormats = map[string]struct{}{
	"text":   {},
	"json":   {},
	"logrus": {},
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if _, ok := validLogFormats[c.LogFormat]; !ok {
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.SwitchLockPrecedence < SwitchLockCheckDisabled || c.SwitchLockPrecedence > 31 {
		return fmt.Errorf("switch-lock-precedence must be -1 or a level in [0, 31], got %d", c.SwitchLockPrecedence)
	}
	if c.MaxLocks < 0 {
		return fmt.Errorf("max-locks must be non-negative, got %d", c.MaxLocks)
	}
	if c.MaxSwitches < 1 {
		return fmt.Errorf("max-switches must be positive, got %d", c.MaxSwitches)
	}
	if c.ViolationLogInterval < 0 {
		return fmt.Errorf("violation-log-interval must be non-negative, got %v", c.ViolationLogInterval)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
