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
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"fm10k.dev/alos/pkg/alos/config"
)

// PrintConfig implements subcommands.Command for the "config" command.
type PrintConfig struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*PrintConfig) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*PrintConfig) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*PrintConfig) Usage() string {
	return `config [flags]

Prints the configuration that results from --config and the global flags,
either as flags or as a TOML file that --config accepts.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *PrintConfig) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.format, "format", "flags", "output format: flags or toml.")
}

// Execute implements subcommands.Command.Execute.
func (p *PrintConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	switch p.format {
	case "flags":
		fmt.Fprintln(os.Stdout, strings.Join(conf.ToFlags(), " "))
	case "toml":
		if err := conf.WriteTOML(os.Stdout); err != nil {
			return Errorf("writing configuration: %v", err)
		}
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	return subcommands.ExitSuccess
}
