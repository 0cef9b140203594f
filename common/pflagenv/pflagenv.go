//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//

// Package pflagenv fills flags that were not given on the command line from
// environment variables.
package pflagenv

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"github.com/mongoose-os/dbgprobe/common/multierror"
)

// ParseFlagSet sets every flag of fs that was not given on the command line
// from the environment variable EnvName(flag, envPrefix), if that is set and
// non-empty. All invalid values are reported.
//
// It should be called after Parse is called for the given FlagSet.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) error {
	// pflag cannot tell a flag set to its default value from one that was
	// not set at all, so collect the names of the set ones first.
	set := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		set[f.Name] = true
	})
	var names []string
	fs.VisitAll(func(f *pflag.Flag) {
		if !set[f.Name] {
			names = append(names, f.Name)
		}
	})
	var errs error
	for _, name := range names {
		envName := EnvName(name, envPrefix)
		v := os.Getenv(envName)
		if v == "" {
			continue
		}
		if err := fs.Set(name, v); err != nil {
			// Set may have stored a partial parse, put the default back.
			if f := fs.Lookup(name); f != nil {
				f.Value.Set(f.DefValue)
			}
			errs = multierror.Append(errs, errors.Annotatef(err, "$%s", envName))
		}
	}
	return errs
}

// The same as ParseFlagSet, but operates on a default FlagSet: pflag.CommandLine
func Parse(envPrefix string) error {
	return ParseFlagSet(pflag.CommandLine, envPrefix)
}

// EnvName is the environment variable that backs a flag: the flag name
// upper-cased, dashes turned into underscores, with envPrefix prepended.
func EnvName(flagName, envPrefix string) string {
	flagName = strings.ToUpper(flagName)
	flagName = strings.Replace(flagName, "-", "_", -1)
	return fmt.Sprint(envPrefix, flagName)
}

// AnnotateUsage mentions the backing variable in the usage of every flag.
func AnnotateUsage(fs *pflag.FlagSet, envPrefix string) {
	fs.VisitAll(func(f *pflag.Flag) {
		f.Usage = fmt.Sprintf("%s (env $%s)", f.Usage, EnvName(f.Name, envPrefix))
	})
}
