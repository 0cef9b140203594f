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

// Package cortex drives the debug logic of ARM Cortex-M cores: run control,
// core registers, resets and FPB breakpoints.
package cortex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/memap"
)

// Doc: ARM v7-M Architecture Reference Manual, C1.6

const (
	regCPUID    uint32 = 0xE000ED00
	regAIRCR           = 0xE000ED0C
	regAIRCRKey        = 0x05FA0000
	regDFSR            = 0xE000ED30

	regDHCSR    = 0xE000EDF0
	regDHCSRKey = 0xA05F0000
	regDCRSR    = 0xE000EDF4
	regDCRDR    = 0xE000EDF8
	regDEMCR    = 0xE000EDFC
	regPID0     = 0xE000EFE0

	// The DHCSR, DCRSR, DCRDR, DEMCR window, accessed through the banked
	// data registers.
	bankDebug = regDHCSR
	bankDHCSR = 0
	bankDCRSR = 1
	bankDCRDR = 2
	bankDEMCR = 3

	dhcsrDebugEn  = 1 << 0
	dhcsrHalt     = 1 << 1
	dhcsrStep     = 1 << 2
	dhcsrMaskInts = 1 << 3
	dhcsrRegRdy   = 1 << 16
	dhcsrSHalt    = 1 << 17
	dhcsrSSleep   = 1 << 18
	dhcsrSLockup  = 1 << 19
	dhcsrSResetSt = 1 << 25

	dcrsrWrite = 1 << 16

	aircrVectReset  = 1 << 0
	aircrSysResetRq = 1 << 2

	demcrVCCoreReset = 1 << 0
	demcrTrcEna      = 1 << 24

	dfsrHalted   = 1 << 0
	dfsrBkpt     = 1 << 1
	dfsrDWTTrap  = 1 << 2
	dfsrVCatch   = 1 << 3
	dfsrExternal = 1 << 4
)

// Reg is a core register selector as written to DCRSR.REGSEL.
type Reg uint32

const (
	R0      Reg = 0
	R1      Reg = 1
	R2      Reg = 2
	R3      Reg = 3
	R4      Reg = 4
	R5      Reg = 5
	R6      Reg = 6
	R7      Reg = 7
	R8      Reg = 8
	R9      Reg = 9
	R10     Reg = 10
	R11     Reg = 11
	R12     Reg = 12
	SP      Reg = 13 // SP is an alias for R13
	LR      Reg = 14 // LR is an alias for R14
	PC      Reg = 15 // PC is an alias for R15 (DebugReturnAddress)
	XPSR    Reg = 16
	MSP     Reg = 17
	PSP     Reg = 18
	CONTROL Reg = 20 // CONTROL, FAULTMASK, BASEPRI and PRIMASK
	FPSCR   Reg = 0x21
	S0      Reg = 0x40
)

func (r Reg) Valid() bool {
	return r <= 18 || r == CONTROL || r == FPSCR || (r >= S0 && r < S0+32)
}

func (r Reg) String() string {
	switch {
	case r == SP:
		return "SP"
	case r == LR:
		return "LR"
	case r == PC:
		return "PC"
	case r == XPSR:
		return "xPSR"
	case r == MSP:
		return "MSP"
	case r == PSP:
		return "PSP"
	case r == CONTROL:
		return "CONTROL"
	case r == FPSCR:
		return "FPSCR"
	case r <= 12:
		return fmt.Sprintf("R%d", uint32(r))
	case r >= S0 && r < S0+32:
		return fmt.Sprintf("S%d", uint32(r-S0))
	}
	return fmt.Sprintf("Reg(0x%x)", uint32(r))
}

func ParseReg(name string) (Reg, error) {
	n := strings.ToLower(name)
	switch n {
	case "sp", "r13":
		return SP, nil
	case "lr", "r14":
		return LR, nil
	case "pc", "r15":
		return PC, nil
	case "xpsr", "psr":
		return XPSR, nil
	case "msp":
		return MSP, nil
	case "psp":
		return PSP, nil
	case "control":
		return CONTROL, nil
	case "fpscr":
		return FPSCR, nil
	}
	if len(n) > 1 && (n[0] == 'r' || n[0] == 's') {
		if i, err := strconv.Atoi(n[1:]); err == nil {
			if n[0] == 'r' && i >= 0 && i <= 12 {
				return Reg(i), nil
			}
			if n[0] == 's' && i >= 0 && i < 32 {
				return S0 + Reg(i), nil
			}
		}
	}
	return 0, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "unknown register %q", name))
}

type CortexRegFile struct {
	R    [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32
}

func (r CortexRegFile) String() string {
	return fmt.Sprintf(
		"[R0=0x%x R1=0x%x R2=0x%x R3=0x%x R4=0x%x R5=0x%x R6=0x%x R7=0x%x "+
			"R8=0x%x R9=0x%x R10=0x%x R11=0x%x R12=0x%x SP=0x%x LR=0x%x PC=0x%x xPSR=0x%x MSP=0x%x PSP=0x%x]",
		r.R[0], r.R[1], r.R[2], r.R[3], r.R[4], r.R[5], r.R[6], r.R[7], r.R[8], r.R[9], r.R[10], r.R[11], r.R[12],
		r.R[SP], r.R[LR], r.R[PC], r.XPSR, r.MSP, r.PSP)
}

type ResetKind int

const (
	// ResetSystem resets the whole chip through AIRCR.SYSRESETREQ.
	ResetSystem ResetKind = iota
	// ResetCore resets only the core through AIRCR.VECTRESET (ARMv7-M).
	ResetCore
)

func (k ResetKind) String() string {
	if k == ResetCore {
		return "core"
	}
	return "system"
}

type HaltReason string

const (
	HaltNone        HaltReason = ""
	HaltRequest     HaltReason = "request"
	HaltBreakpoint  HaltReason = "breakpoint"
	HaltWatchpoint  HaltReason = "watchpoint"
	HaltVectorCatch HaltReason = "vector-catch"
	HaltExternal    HaltReason = "external"
)

type Status struct {
	Halted   bool
	Reason   HaltReason
	Sleeping bool
	Lockup   bool
	// ResetSeen is set if the core was reset since the last status read.
	ResetSeen bool
}

func (s Status) String() string {
	if !s.Halted {
		st := "running"
		if s.Sleeping {
			st = "sleeping"
		}
		if s.Lockup {
			st = "locked up"
		}
		return st
	}
	if s.Reason == HaltNone {
		return "halted"
	}
	return fmt.Sprintf("halted (%s)", s.Reason)
}

type Config struct {
	// HaltAttempts bounds the polls for S_HALT after a halt request or a
	// reset with vector catch.
	HaltAttempts int
	// RegReadyAttempts bounds the polls for S_REGRDY after a DCRSR write.
	RegReadyAttempts int
	PollInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{HaltAttempts: 100, RegReadyAttempts: 32, PollInterval: time.Millisecond}
}

// Mem is how the core debug logic is reached.
type Mem interface {
	memap.TargetMemReaderWriter
	memap.Banked
}

type CortexDebug interface {
	Init(ctx context.Context) error
	Name() string
	CPUID() uint32

	Status(ctx context.Context) (Status, error)
	Halt(ctx context.Context) error
	Resume(ctx context.Context) error
	Step(ctx context.Context) error
	WaitHalt(ctx context.Context, timeout time.Duration) error

	GetReg(ctx context.Context, reg Reg) (uint32, error)
	SetReg(ctx context.Context, reg Reg, value uint32) error
	GetRegs(ctx context.Context, regs *CortexRegFile) error
	SetRegs(ctx context.Context, regs *CortexRegFile) error

	Reset(ctx context.Context, kind ResetKind, halt bool) error
	ResetHalt(ctx context.Context) error
	ResetRun(ctx context.Context) error

	AvailableBreakpoints(ctx context.Context) (int, error)
	SetBreakpoint(ctx context.Context, addr uint32) error
	ClearBreakpoint(ctx context.Context, addr uint32) error

	EnableTrace(ctx context.Context, enable bool) error
}

func TargetName(cpuid, pid0 uint32) string {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	vendorno := cpuid >> 24
	vendor := ""
	switch vendorno {
	case 0x41:
		vendor = "ARM"
	}
	patch := cpuid & 0xf
	partno := (cpuid >> 4) & 0xfff
	rev := (cpuid >> 20) & 0xf
	part := partName(partno)
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, rev, patch)
}

func partName(partno uint32) string {
	switch partno {
	case 0xc20:
		return "Cortex-M0"
	case 0xc60:
		return "Cortex-M0+"
	case 0xc21:
		return "Cortex-M1"
	case 0xc23:
		return "Cortex-M3"
	case 0xc24:
		return "Cortex-M4"
	case 0xc27:
		return "Cortex-M7"
	case 0xd20:
		return "Cortex-M23"
	case 0xd21:
		return "Cortex-M33"
	case 0xd22:
		return "Cortex-M55"
	}
	return ""
}

// hasVectReset reports whether AIRCR.VECTRESET exists, which is only the
// case on ARMv7-M.
func hasVectReset(cpuid uint32) bool {
	switch (cpuid >> 4) & 0xfff {
	case 0xc23, 0xc24, 0xc27:
		return true
	}
	return false
}
