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

//go:build !linux
// +build !linux

package alos

import (
	"os"
	"path/filepath"
)

func processName() string {
	return filepath.Base(os.Args[0])
}

// osThreadID is not available; zero means unknown.
func osThreadID() int {
	return 0
}

// CurrentProcessID returns the id of the calling process.
func CurrentProcessID() int {
	return os.Getpid()
}
