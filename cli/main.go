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
	"context"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/dbgprobe/cli/flags"
	"github.com/mongoose-os/dbgprobe/common/pflagenv"
	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/dap"
	"github.com/mongoose-os/dbgprobe/ftdi"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/sim"
	"github.com/mongoose-os/dbgprobe/version"
)

const (
	envPrefix = "DBGPROBE_"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")

	// out receives command results, reports go to ourutil.Output.
	out io.Writer = os.Stdout

	// probeDrivers are the drivers of the running command.
	probeDrivers []probe.Driver
)

type attachMode int

const (
	noAttach attachMode = iota
	attach
)

type command struct {
	name     string
	handler  handler
	short    string
	args     string
	optional []string
	attach   attachMode
}

// handler runs a command. s is nil for commands that do not attach.
type handler func(ctx context.Context, s *probe.Session, args []string) error

var commands []command

func init() {
	commands = []command{
		{"list", listProbes, `List connected probes`, "", []string{"probe", "sim"}, noAttach},
		{"info", info, `Attach and show what is found on the target`, "", []string{"probe", "protocol", "clock", "target"}, attach},
		{"read-mem", readMem, `Read target memory`, "<addr> <length>", []string{"output"}, attach},
		{"write-mem", writeMem, `Write hex bytes, or the contents of @file, to target memory`, "<addr> <hex|@file>", nil, attach},
		{"read-reg", readReg, `Read a core register`, "<reg>", nil, attach},
		{"write-reg", writeReg, `Write a core register`, "<reg> <value>", nil, attach},
		{"regs", regs, `Dump core registers`, "", nil, attach},
		{"halt", halt, `Halt the core`, "", nil, attach},
		{"resume", resume, `Let the core run`, "", nil, attach},
		{"step", step, `Execute one instruction`, "", nil, attach},
		{"reset", reset, `Reset the target`, "", []string{"reset-kind", "halt"}, attach},
		{"erase", erase, `Erase a flash range, or all of it with --erase-all`, "[<addr> <length>]", []string{"erase-all", "region", "force"}, attach},
		{"flash", flashImage, `Program a firmware image`, "<file>", []string{"format", "base", "verify", "erase-all", "skip-erase"}, attach},
		{"verify", verifyImage, `Compare a firmware image with flash contents`, "<file>", []string{"format", "base"}, attach},
		{"image-info", imageInfo, `Show the segments of a firmware image`, "<file>", []string{"format", "base"}, noAttach},
	}
}

// drivers are the probe families this build knows about.
func drivers() []probe.Driver {
	fcfg := ftdi.DefaultConfig()
	fcfg.ResetPin = *flags.FTDIResetPin
	fcfg.Latency = *flags.FTDILatency
	ds := []probe.Driver{dap.NewDriver(), ftdi.NewDriver(fcfg)}
	if *flags.Sim {
		ds = append(ds, sim.NewDriver(sim.DriverOptions{MaxBlock: 256}, sim.New(sim.DefaultDescription(), sim.DefaultOptions())))
	}
	return ds
}

func findCommand(name string) *command {
	for i := range commands {
		if commands[i].name == name {
			return &commands[i]
		}
	}
	return nil
}

func run(ctx context.Context, args []string, ds []probe.Driver) error {
	probeDrivers = ds
	if len(args) == 0 {
		usage()
		return nil
	}
	c := findCommand(args[0])
	if c == nil {
		usage()
		return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "unknown command %q", args[0]))
	}
	if c.attach == noAttach {
		return errors.Trace(c.handler(ctx, nil, args[1:]))
	}
	p, s, err := connect(ctx, ds)
	if err != nil {
		return errors.Trace(err)
	}
	err = c.handler(ctx, s, args[1:])
	if *flags.Stats {
		printStats(s)
	}
	return errors.Trace(disconnect(ctx, p, s, err))
}

func main() {
	initFlags()
	flag.Parse()
	if err := pflagenv.Parse(envPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		fmt.Print(version.Banner())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flags.Timeout)
	defer cancel()
	glog.V(1).Infof("%s", version.GetUserAgent())
	if err := run(ctx, flag.Args(), drivers()); err != nil {
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		if *flags.Verbose {
			fmt.Fprintf(os.Stderr, "%s\n", errors.ErrorStack(err))
		}
		os.Exit(1)
	}
}
