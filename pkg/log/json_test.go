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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"fm10k.dev/alos/pkg/goid"
)

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: JSONEmitter{&Writer{Next: &buf}}}
	l.Warningf("lock %q inverted", "L1")

	var got struct {
		Level     Level     `json:"level"`
		Goroutine int64     `json:"goroutine"`
		Caller    string    `json:"caller"`
		Msg       string    `json:"msg"`
		Time      time.Time `json:"time"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if got.Level != Warning {
		t.Errorf("level = %v, want %v", got.Level, Warning)
	}
	if want := goid.Get(); got.Goroutine != want {
		t.Errorf("goroutine = %d, want %d", got.Goroutine, want)
	}
	if got.Msg != `lock "L1" inverted` {
		t.Errorf("msg = %q", got.Msg)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", got.Caller)
	}
}

func TestLevelUnmarshal(t *testing.T) {
	for in, want := range map[string]Level{
		`"warning"`: Warning,
		`"warn"`:    Warning,
		`"info"`:    Info,
		`"DEBUG"`:   Debug,
		`1`:         Info,
		`2`:         Debug,
	} {
		var l Level
		if err := l.UnmarshalJSON([]byte(in)); err != nil {
			t.Errorf("UnmarshalJSON(%s) failed: %v", in, err)
			continue
		}
		if l != want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", in, l, want)
		}
	}
	for _, in := range []string{`"trace"`, `3`, `{}`} {
		var l Level
		if err := l.UnmarshalJSON([]byte(in)); err == nil {
			t.Errorf("UnmarshalJSON(%s) = %v, want error", in, l)
		}
	}
}
