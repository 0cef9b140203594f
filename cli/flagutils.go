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
package main

import (
	goflag "flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/dbgprobe/cli/flags"
	"github.com/mongoose-os/dbgprobe/common/pflagenv"
	"github.com/mongoose-os/dbgprobe/version"
)

var (
	hiddenFlags = []string{
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"logbufsecs",
		"logtostderr",
		"stderrthreshold",
		"v",
		"vmodule",
	}
)

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	hiddenFlags = append(hiddenFlags, flags.Hidden...)
	hideFlags()
	pflagenv.AnnotateUsage(flag.CommandLine, envPrefix)
	flag.Usage = usage
}

func hideFlags() {
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
}

func unhideFlags() {
	for _, f := range hiddenFlags {
		f := flag.Lookup(f)
		if f != nil {
			f.Hidden = false
		}
	}
}

func printFlag(w io.Writer, name string) {
	f := flag.Lookup(name)
	if f == nil {
		return
	}
	arg := "<" + f.Value.Type() + ">"
	if f.Value.Type() == "bool" {
		arg = ""
	}
	fmt.Fprintf(w, "  --%s %s\t%s, default value: %q\n", name, arg, f.Usage, f.DefValue)
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', 0)

	if len(os.Args) == 3 && os.Args[1] == "help" {
		if c := findCommand(os.Args[2]); c != nil {
			fmt.Fprintf(w, "%s %s %s\n", os.Args[0], c.name, c.args)
			fmt.Fprintf(w, "\n%s.\n", c.short)
			if len(c.optional) > 0 {
				fmt.Fprintf(w, "\nFlags:\n")
				for _, name := range c.optional {
					printFlag(w, name)
				}
			}
			w.Flush()
			os.Exit(1)
		}
	}

	fmt.Fprintf(w, "Debug probe tool %s.\n", version.GetVersion())
	if version.LooksLikeDistrBuildId(version.BuildId) {
		color.New(color.FgYellow).Fprintf(w, "Distribution build %s, updates come from the package manager.\n", version.BuildId)
	}

	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s <command>\n", os.Args[0])
	fmt.Fprintf(w, "\nCommands:\n")

	for _, c := range commands {
		fmt.Fprintf(w, "  %s %s\t\t%s\n", c.name, c.args, c.short)
	}

	fmt.Fprintf(w, "\nGlobal Flags:\n")
	if *helpFull {
		fmt.Fprint(w, flag.CommandLine.FlagUsages())
	} else {
		for _, name := range []string{"probe", "protocol", "clock", "target", "verbose", "logtostderr"} {
			printFlag(w, name)
		}
		fmt.Fprintf(w, "\nRun \"%s help <command>\" for command flags, --helpfull for all flags.\n", os.Args[0])
	}

	w.Flush()
}
