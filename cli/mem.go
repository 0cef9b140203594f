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
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/cli/flags"
	"github.com/mongoose-os/dbgprobe/cli/ourutil"
	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/cortex"
	"github.com/mongoose-os/dbgprobe/probe"
)

func badArgs(format string, args ...interface{}) error {
	return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, format, args...))
}

func parseUint32(what, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, badArgs("invalid %s %q", what, s)
	}
	return uint32(v), nil
}

func readMem(ctx context.Context, s *probe.Session, args []string) error {
	if len(args) != 2 {
		return badArgs("usage: read-mem <addr> <length>")
	}
	addr, err := parseUint32("address", args[0])
	if err != nil {
		return err
	}
	length, err := parseUint32("length", args[1])
	if err != nil {
		return err
	}
	data, err := s.ReadMemory(ctx, addr, int(length))
	if err != nil {
		return errors.Annotatef(err, "read failed after %d bytes", len(data))
	}
	if *flags.Output != "" {
		if err := ioutil.WriteFile(*flags.Output, data, 0644); err != nil {
			return errors.Trace(err)
		}
		ourutil.Reportf("Wrote %d bytes to %s", len(data), *flags.Output)
		return nil
	}
	ourutil.HexDump(out, addr, data)
	return nil
}

func writeMem(ctx context.Context, s *probe.Session, args []string) error {
	if len(args) != 2 {
		return badArgs("usage: write-mem <addr> <hex|@file>")
	}
	addr, err := parseUint32("address", args[0])
	if err != nil {
		return err
	}
	var data []byte
	if strings.HasPrefix(args[1], "@") {
		data, err = ioutil.ReadFile(args[1][1:])
		if err != nil {
			return errors.Trace(err)
		}
	} else {
		data, err = hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
		if err != nil {
			return badArgs("invalid hex data %q", args[1])
		}
	}
	if err := s.WriteMemory(ctx, addr, data); err != nil {
		return errors.Trace(err)
	}
	if *flags.Verbose {
		ourutil.Reportf("Wrote %d bytes at 0x%08x", len(data), addr)
	}
	return nil
}

func readReg(ctx context.Context, s *probe.Session, args []string) error {
	if len(args) != 1 {
		return badArgs("usage: read-reg <reg>")
	}
	reg, err := cortex.ParseReg(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	v, err := s.ReadCoreRegister(ctx, reg)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(out, "%s = 0x%08x\n", reg, v)
	return nil
}

func writeReg(ctx context.Context, s *probe.Session, args []string) error {
	if len(args) != 2 {
		return badArgs("usage: write-reg <reg> <value>")
	}
	reg, err := cortex.ParseReg(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	v, err := parseUint32("value", args[1])
	if err != nil {
		return err
	}
	return errors.Trace(s.WriteCoreRegister(ctx, reg, v))
}

var dumpRegs = []cortex.Reg{
	cortex.R0, 1, 2, 3, 4, 5, 6, 7, 8, cortex.R9, 10, 11, 12,
	cortex.SP, cortex.LR, cortex.PC, cortex.XPSR, cortex.MSP, cortex.PSP, cortex.CONTROL,
}

func regs(ctx context.Context, s *probe.Session, args []string) error {
	for i, reg := range dumpRegs {
		v, err := s.ReadCoreRegister(ctx, reg)
		if err != nil {
			return errors.Annotatef(err, "failed to read %s", reg)
		}
		sep := "  "
		if i%4 == 3 || i == len(dumpRegs)-1 {
			sep = "\n"
		}
		fmt.Fprintf(out, "%-7s 0x%08x%s", reg, v, sep)
	}
	return nil
}

func halt(ctx context.Context, s *probe.Session, args []string) error {
	if err := s.Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(printPC(ctx, s))
}

func resume(ctx context.Context, s *probe.Session, args []string) error {
	return errors.Trace(s.Resume(ctx))
}

func step(ctx context.Context, s *probe.Session, args []string) error {
	if err := s.Step(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(printPC(ctx, s))
}

func printPC(ctx context.Context, s *probe.Session) error {
	pc, err := s.ReadCoreRegister(ctx, cortex.PC)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(out, "Halted at 0x%08x\n", pc)
	return nil
}

func reset(ctx context.Context, s *probe.Session, args []string) error {
	kind, hw, err := flags.ResetKind()
	if err != nil {
		return errors.Trace(err)
	}
	if hw {
		if err := s.Probe().TargetReset(ctx, probe.ResetPulse); err != nil {
			return errors.Trace(err)
		}
		if !*flags.Halt {
			return nil
		}
		return errors.Trace(halt(ctx, s, nil))
	}
	if err := s.Reset(ctx, kind, *flags.Halt); err != nil {
		return errors.Trace(err)
	}
	if *flags.Halt {
		return errors.Trace(printPC(ctx, s))
	}
	return nil
}
