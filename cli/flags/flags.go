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
package flags

import (
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/cortex"
	"github.com/mongoose-os/dbgprobe/flash"
	"github.com/mongoose-os/dbgprobe/image"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/wire"
)

var (
	Probe = flag.StringP("probe", "p", "", "Probe to use, family[:vid:pid[:serial]], e.g. cmsis-dap:0d28:0204. "+
		"If not set, the first probe found is used.")
	Sim      = flag.Bool("sim", false, "Add a simulated probe connected to a demo Cortex-M4 target")
	protocol = flag.String("protocol", "", "Wire protocol, swd or jtag. Default is the first one the probe supports.")
	Clock    = flag.Uint32("clock", 1000000, "SWCLK/TCK frequency, Hz")
	Target   = flag.String("target", "", "Target description YAML file with the memory map and flash algorithms")
	Timeout  = flag.Duration("timeout", 60*time.Second, "Timeout for the whole command")
	Verbose  = flag.Bool("verbose", false, "Verbose output")
	Force    = flag.Bool("force", false, "Do not ask for confirmation")

	Halt      = flag.Bool("halt", false, "Halt the core on attach. With reset, keep it halted after the reset.")
	Resume    = flag.Bool("resume", false, "Let the core run when the command is done")
	ResetHold = flag.Duration("reset-hold", probe.DefaultResetHold, "How long a hardware reset keeps nSRST asserted")
	resetKind = flag.String("reset-kind", "system", "Reset to perform: system, core or hardware")

	FTDIResetPin = flag.Uint8("ftdi-reset-pin", 0x10, "FTDI low byte pin mask driving nSRST, 0 to disable")
	FTDILatency  = flag.Uint8("ftdi-latency", 2, "FTDI latency timer, ms")

	format       = flag.String("format", "auto", "Image format: auto, bin, hex or elf")
	Base         = flag.Uint32("base", 0, "Load address of raw binary images. Default is the start of the first flash region.")
	Region       = flag.String("region", "", "Flash region to operate on. Default is the region containing the address.")
	Verify       = flag.Bool("verify", true, "Verify flash contents after programming")
	EraseAll     = flag.Bool("erase-all", false, "Erase the whole flash instead of the sectors being written")
	SkipErase    = flag.Bool("skip-erase", false, "Assume the sectors being written are erased")
	resumePolicy = flag.String("flash-resume", "halt", "State to leave the core in after flashing: halt, resume or reset-run")

	Output  = flag.StringP("output", "o", "", "Write data read from the target to this file")
	Stats   = flag.Bool("stats", false, "Print wire statistics and flash timing when done")
	Metrics = flag.Bool("metrics", false, "Print the metrics collected during the command")
)

// Hidden lists the advanced flags shown only by --helpfull.
var Hidden = []string{"ftdi-reset-pin", "ftdi-latency", "reset-hold", "flash-resume", "skip-erase"}

func Protocol() (wire.Protocol, error) {
	if *protocol == "" {
		return 0, nil
	}
	p, err := wire.ParseProtocol(*protocol)
	return p, errors.Trace(err)
}

func Format() (image.Format, error) {
	return image.ParseFormat(*format)
}

func ResumePolicy() (flash.ResumePolicy, error) {
	return flash.ParseResumePolicy(*resumePolicy)
}

// ResetKind returns the software reset to perform, or hw set if the probe
// should pulse the reset line instead.
func ResetKind() (kind cortex.ResetKind, hw bool, err error) {
	switch *resetKind {
	case "system":
		return cortex.ResetSystem, false, nil
	case "core":
		return cortex.ResetCore, false, nil
	case "hardware", "hw":
		return 0, true, nil
	}
	return 0, false, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "unknown reset kind %q", *resetKind))
}
