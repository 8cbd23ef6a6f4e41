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

package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control the lock precedence validator.
	flagSet.Bool("lock-inversion-defense", true, "validate lock precedence on every capture and release.")
	flagSet.Var(policyPtr(PolicyPermissive), "precedence-policy", "what to do on a lock precedence violation: permissive (default, report only), strict (report and fail the capture).")
	flagSet.Int("switch-lock-precedence", 0, "precedence level of the switch lock that must be taken before other switch-specific locks. -1 disables the check.")
	flagSet.Duration("violation-log-interval", 0, "report at most one precedence violation per interval. Zero reports all of them.")

	// Flags that control resource limits.
	flagSet.Int("max-locks", 0, "maximum number of registered locks. Zero means unlimited.")
	flagSet.Int("max-switches", 64, "number of switch indices locks may be bound to.")

	// Flags that control cross-process and scheduling behavior.
	flagSet.String("shared-lock-dir", "", "directory holding lock files that make locks exclusive across processes. Empty keeps locks process-private.")
	flagSet.Bool("realtime-threads", true, "request SCHED_RR at the minimum priority for created threads. Failure to obtain it is logged, not fatal.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Default returns a Config holding the default value of every flag.
func Default() *Config {
	flagSet := flag.NewFlagSet("default", flag.ContinueOnError)
	RegisterFlags(flagSet)
	conf, err := NewFromFlags(flagSet)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return conf
}

// LoadFile reads a configuration file on top of the defaults. The format is
// chosen by extension: .toml, or .yaml/.yml.
func LoadFile(path string) (*Config, error) {
	conf := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, fmt.Errorf("error decoding %q: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("error decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q, must be .toml, .yaml or .yml", ext)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return conf, nil
}

// WriteTOML encodes c as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)

		// Validates the config again to ensure it's left in a consistent state.
		return c.Validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

// OverrideFromSet applies every flag that was explicitly set on flagSet, so
// that command line flags take precedence over a configuration file.
func (c *Config) OverrideFromSet(flagSet *flag.FlagSet) error {
	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		if err != nil || !c.hasFlag(fl.Name) {
			return
		}
		err = c.Override(flagSet, fl.Name, fl.Value.String())
	})
	return err
}

func (c *Config) hasFlag(name string) bool {
	st := reflect.TypeOf(c).Elem()
	for i := 0; i < st.NumField(); i++ {
		if n, ok := st.Field(i).Tag.Lookup("flag"); ok && n == name {
			return true
		}
	}
	return false
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
