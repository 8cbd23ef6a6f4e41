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
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// pid is used for the threadid component of the header. glog pads it to
// seven columns.
var pid = padLeft(strconv.Itoa(os.Getpid()), 7)

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}

// levelChar returns the single-character glog severity for level.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// The caller is only resolved for warnings; it is too expensive for the
// info and debug paths, which report "x:0" instead.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := local[:0]

	b = append(b, levelChar(level))
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')

	caller := "x:0"
	if level == Warning {
		if _, file, line, ok := runtime.Caller(depth + 1); ok {
			if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
				file = file[slash+1:]
			}
			caller = file + ":" + strconv.Itoa(line)
		}
	}
	b = append(b, caller...)
	b = append(b, "] "...)

	// User-provided format string, copied.
	b = append(b, format...)
	b = append(b, '\n')

	// Pass to the underlying routine.
	g.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
