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
package cortex

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

type cortexMDebug struct {
	mem   Mem
	cfg   Config
	cpuid uint32
	name  string
	sleep func(time.Duration)
	now   func() time.Time
}

func NewCortexMDebug(mem Mem, cfg Config) CortexDebug {
	def := DefaultConfig()
	if cfg.HaltAttempts <= 0 {
		cfg.HaltAttempts = def.HaltAttempts
	}
	if cfg.RegReadyAttempts <= 0 {
		cfg.RegReadyAttempts = def.RegReadyAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &cortexMDebug{mem: mem, cfg: cfg, sleep: time.Sleep, now: time.Now}
}

func (c *cortexMDebug) Init(ctx context.Context) error {
	cpuid, err := c.mem.ReadTargetReg(ctx, regCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to read CPUID")
	}
	if cpuid>>24 != 0x41 || partName((cpuid>>4)&0xfff) == "" {
		return errors.Trace(probeerr.New(probeerr.KindAttachFailed, "not a Cortex-M core (CPUID 0x%08x)", cpuid))
	}
	c.cpuid = cpuid
	pid0, err := c.mem.ReadTargetReg(ctx, regPID0)
	if err != nil {
		glog.V(1).Infof("PID0 is not readable: %s", err)
		pid0 = 0
	}
	c.name = TargetName(cpuid, pid0)
	dhcsr, err := c.dhcsr(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if dhcsr&dhcsrDebugEn == 0 {
		if err := c.writeDHCSR(ctx, dhcsrDebugEn); err != nil {
			return errors.Annotatef(err, "failed to enable debug")
		}
	}
	glog.V(1).Infof("Core: %s, DHCSR 0x%08x", c.name, dhcsr)
	return nil
}

func (c *cortexMDebug) Name() string {
	return c.name
}

func (c *cortexMDebug) CPUID() uint32 {
	return c.cpuid
}

func (c *cortexMDebug) dhcsr(ctx context.Context) (uint32, error) {
	v, err := c.mem.ReadBanked(ctx, bankDebug, bankDHCSR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DHCSR")
	}
	glog.V(4).Infof("DHCSR: 0x%08x", v)
	return v, nil
}

func (c *cortexMDebug) writeDHCSR(ctx context.Context, ctrl uint32) error {
	return errors.Annotatef(c.mem.WriteBanked(ctx, bankDebug, bankDHCSR, regDHCSRKey|ctrl), "failed to write DHCSR")
}

func (c *cortexMDebug) Status(ctx context.Context) (Status, error) {
	var st Status
	dhcsr, err := c.dhcsr(ctx)
	if err != nil {
		return st, errors.Trace(err)
	}
	st.Halted = dhcsr&dhcsrSHalt != 0
	st.Sleeping = dhcsr&dhcsrSSleep != 0
	st.Lockup = dhcsr&dhcsrSLockup != 0
	st.ResetSeen = dhcsr&dhcsrSResetSt != 0
	if !st.Halted {
		return st, nil
	}
	dfsr, err := c.mem.ReadTargetReg(ctx, regDFSR)
	if err != nil {
		return st, errors.Annotatef(err, "failed to read DFSR")
	}
	switch {
	case dfsr&dfsrBkpt != 0:
		st.Reason = HaltBreakpoint
	case dfsr&dfsrDWTTrap != 0:
		st.Reason = HaltWatchpoint
	case dfsr&dfsrVCatch != 0:
		st.Reason = HaltVectorCatch
	case dfsr&dfsrExternal != 0:
		st.Reason = HaltExternal
	case dfsr&dfsrHalted != 0:
		st.Reason = HaltRequest
	}
	return st, nil
}

func (c *cortexMDebug) Halt(ctx context.Context) error {
	dhcsr, err := c.dhcsr(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if dhcsr&dhcsrSHalt != 0 {
		return nil
	}
	if err := c.writeDHCSR(ctx, dhcsrDebugEn|dhcsrHalt); err != nil {
		return errors.Trace(err)
	}
	halted, err := c.pollHalt(ctx, c.cfg.HaltAttempts)
	if err != nil {
		return errors.Trace(err)
	}
	if !halted {
		return errors.Trace(probeerr.New(probeerr.KindCoreNotHalted,
			"core did not halt after %d polls", c.cfg.HaltAttempts).WithAttempts(c.cfg.HaltAttempts))
	}
	glog.V(3).Infof("Core halted")
	return nil
}

// pollHalt polls S_HALT at most n times.
func (c *cortexMDebug) pollHalt(ctx context.Context, n int) (bool, error) {
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return false, errors.Trace(err)
			}
			c.sleep(c.cfg.PollInterval)
		}
		dhcsr, err := c.dhcsr(ctx)
		if err != nil {
			return false, errors.Trace(err)
		}
		if dhcsr&dhcsrSHalt != 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *cortexMDebug) Resume(ctx context.Context) error {
	// Clear the sticky halt reasons so the next halt reports its own cause.
	if err := c.mem.WriteTargetReg(ctx, regDFSR, 0x1f); err != nil {
		return errors.Annotatef(err, "failed to clear DFSR")
	}
	if err := c.writeDHCSR(ctx, dhcsrDebugEn); err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("Core resumed")
	return nil
}

func (c *cortexMDebug) Step(ctx context.Context) error {
	dhcsr, err := c.dhcsr(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if dhcsr&dhcsrSHalt == 0 {
		return errors.Trace(probeerr.New(probeerr.KindCoreNotHalted, "cannot step a running core"))
	}
	if err := c.writeDHCSR(ctx, dhcsrDebugEn|dhcsrStep|dhcsr&dhcsrMaskInts); err != nil {
		return errors.Trace(err)
	}
	halted, err := c.pollHalt(ctx, c.cfg.HaltAttempts)
	if err != nil {
		return errors.Trace(err)
	}
	if !halted {
		return errors.Trace(probeerr.New(probeerr.KindCoreNotHalted, "core did not halt after a step"))
	}
	return nil
}

func (c *cortexMDebug) WaitHalt(ctx context.Context, timeout time.Duration) error {
	deadline := c.now().Add(timeout)
	for n := 1; ; n++ {
		dhcsr, err := c.dhcsr(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if dhcsr&dhcsrSHalt != 0 {
			return nil
		}
		if !c.now().Before(deadline) {
			return errors.Trace(probeerr.New(probeerr.KindTimeout,
				"core did not halt within %s", timeout).WithAttempts(n))
		}
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		c.sleep(c.cfg.PollInterval)
	}
}

// waitRegReady polls S_REGRDY after a DCRSR write. It never completes if the
// core is running.
func (c *cortexMDebug) waitRegReady(ctx context.Context, reg Reg) error {
	for i := 0; i < c.cfg.RegReadyAttempts; i++ {
		dhcsr, err := c.dhcsr(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if dhcsr&dhcsrRegRdy != 0 {
			return nil
		}
		if dhcsr&dhcsrSHalt == 0 {
			return errors.Trace(probeerr.New(probeerr.KindCoreNotHalted, "core must be halted to access %s", reg))
		}
		c.sleep(c.cfg.PollInterval)
	}
	return errors.Trace(probeerr.New(probeerr.KindTimeout,
		"transfer of %s did not complete", reg).WithAttempts(c.cfg.RegReadyAttempts))
}

func (c *cortexMDebug) GetReg(ctx context.Context, reg Reg) (uint32, error) {
	if !reg.Valid() {
		return 0, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "invalid core register %s", reg))
	}
	if err := c.mem.WriteBanked(ctx, bankDebug, bankDCRSR, uint32(reg)); err != nil {
		return 0, errors.Annotatef(err, "failed to select %s", reg)
	}
	if err := c.waitRegReady(ctx, reg); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := c.mem.ReadBanked(ctx, bankDebug, bankDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read %s", reg)
	}
	glog.V(4).Infof("%s = 0x%08x", reg, v)
	return v, nil
}

func (c *cortexMDebug) SetReg(ctx context.Context, reg Reg, value uint32) error {
	if !reg.Valid() {
		return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "invalid core register %s", reg))
	}
	glog.V(4).Infof("%s := 0x%08x", reg, value)
	if err := c.mem.WriteBanked(ctx, bankDebug, bankDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to write %s", reg)
	}
	if err := c.mem.WriteBanked(ctx, bankDebug, bankDCRSR, dcrsrWrite|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to write %s", reg)
	}
	return errors.Trace(c.waitRegReady(ctx, reg))
}

func (c *cortexMDebug) GetRegs(ctx context.Context, regs *CortexRegFile) error {
	var err error
	for i := range regs.R {
		if regs.R[i], err = c.GetReg(ctx, Reg(i)); err != nil {
			return errors.Trace(err)
		}
	}
	if regs.XPSR, err = c.GetReg(ctx, XPSR); err != nil {
		return errors.Trace(err)
	}
	if regs.MSP, err = c.GetReg(ctx, MSP); err != nil {
		return errors.Trace(err)
	}
	if regs.PSP, err = c.GetReg(ctx, PSP); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c *cortexMDebug) SetRegs(ctx context.Context, regs *CortexRegFile) error {
	// MSP and PSP first, SP is banked onto one of them.
	if err := c.SetReg(ctx, MSP, regs.MSP); err != nil {
		return errors.Trace(err)
	}
	if err := c.SetReg(ctx, PSP, regs.PSP); err != nil {
		return errors.Trace(err)
	}
	for i, v := range regs.R {
		if err := c.SetReg(ctx, Reg(i), v); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(c.SetReg(ctx, XPSR, regs.XPSR))
}

func (c *cortexMDebug) Reset(ctx context.Context, kind ResetKind, halt bool) error {
	req := uint32(aircrSysResetRq)
	if kind == ResetCore {
		if !hasVectReset(c.cpuid) {
			return errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability, "%s does not support core-only reset", c.name))
		}
		req = aircrVectReset
	}
	glog.V(1).Infof("Reset (%s, halt %v)", kind, halt)
	demcr, err := c.mem.ReadBanked(ctx, bankDebug, bankDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to read DEMCR")
	}
	if halt {
		if err := c.writeDHCSR(ctx, dhcsrDebugEn|dhcsrHalt); err != nil {
			return errors.Trace(err)
		}
		if err := c.mem.WriteBanked(ctx, bankDebug, bankDEMCR, demcr|demcrVCCoreReset); err != nil {
			return errors.Annotatef(err, "failed to set vector catch")
		}
	} else if demcr&demcrVCCoreReset != 0 {
		if err := c.mem.WriteBanked(ctx, bankDebug, bankDEMCR, demcr&^demcrVCCoreReset); err != nil {
			return errors.Annotatef(err, "failed to clear vector catch")
		}
	}
	if err := c.mem.WriteTargetReg(ctx, regAIRCR, regAIRCRKey|req); err != nil {
		// The bus may go away while the reset is in progress.
		if !probeerr.Is(err, probeerr.KindTargetFault) {
			return errors.Annotatef(err, "failed to request reset")
		}
		glog.V(1).Infof("AIRCR write: %s", err)
	}
	if !halt {
		return nil
	}
	halted, err := c.pollHalt(ctx, c.cfg.HaltAttempts)
	if err != nil {
		return errors.Trace(err)
	}
	if !halted {
		return errors.Trace(probeerr.New(probeerr.KindCoreNotHalted, "core did not halt after reset"))
	}
	if err := c.mem.WriteBanked(ctx, bankDebug, bankDEMCR, demcr&^demcrVCCoreReset); err != nil {
		return errors.Annotatef(err, "failed to restore DEMCR")
	}
	return nil
}

func (c *cortexMDebug) ResetHalt(ctx context.Context) error {
	return c.Reset(ctx, ResetSystem, true)
}

func (c *cortexMDebug) ResetRun(ctx context.Context) error {
	return c.Reset(ctx, ResetSystem, false)
}

func (c *cortexMDebug) EnableTrace(ctx context.Context, enable bool) error {
	demcr, err := c.mem.ReadBanked(ctx, bankDebug, bankDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to read DEMCR")
	}
	if enable {
		demcr |= demcrTrcEna
	} else {
		demcr &^= demcrTrcEna
	}
	return errors.Annotatef(c.mem.WriteBanked(ctx, bankDebug, bankDEMCR, demcr), "failed to write DEMCR")
}
