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

// Package cli is the main entrypoint for alosctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"fm10k.dev/alos/alosctl/cmd"
	"fm10k.dev/alos/pkg/alos/config"
	"fm10k.dev/alos/pkg/log"
)

// configFileFlagName names the flag that loads a configuration file. Flags
// set explicitly on the command line override the file.
const configFileFlagName = "config"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	configFile := flag.String(configFileFlagName, "", "path to a TOML or YAML configuration file.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig(flag.CommandLine, *configFile)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	subcommand := flag.CommandLine.Arg(0)

	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	if err := setupLogging(conf, subcommand); err != nil {
		cmd.Fatalf("%v", err)
	}

	const delimString = `**************** alosctl ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d, PPID %d, UID %d, GID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid(), os.Getuid(), os.Getgid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// loadConfig builds the configuration from the command line, starting from
// configFile when one is given.
func loadConfig(flagSet *flag.FlagSet, configFile string) (*config.Config, error) {
	if configFile == "" {
		return config.NewFromFlags(flagSet)
	}
	conf, err := config.LoadFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := conf.OverrideFromSet(flagSet); err != nil {
		return nil, err
	}
	return conf, nil
}

// setupLogging points the global logger at the configured destinations.
func setupLogging(conf *config.Config, subcommand string) error {
	var emitters log.MultiEmitter
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Command:   subcommand,
			PID:       os.Getpid(),
			Timestamp: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("opening log file %q: %w", conf.LogFilename, err)
		}
		emitters = append(emitters, newEmitter(conf.LogFormat, f))
		if conf.AlsoLogToStderr {
			emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
		}
	} else {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}

	switch len(emitters) {
	case 1:
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}
	return nil
}

// forEachCmd invokes the passed callback for each command supported by
// alosctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.SelfTest), "")
	cb(new(cmd.Stress), "")

	const helperGroup = "helpers"
	cb(new(cmd.PrintConfig), helperGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		l := logrus.New()
		l.SetOutput(logFile)
		return log.NewLogrusEmitter(l)
	}
	panic(fmt.Sprintf("invalid log format %q, must be 'text', 'json' or 'logrus'", format))
}
