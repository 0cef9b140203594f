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
package sim

import (
	"bytes"

	"github.com/golang/glog"

	"github.com/mongoose-os/dbgprobe/target"
)

// System control space registers the core model implements.
const (
	regCPUID  = 0xE000ED00
	regAIRCR  = 0xE000ED0C
	regDFSR   = 0xE000ED30
	regDHCSR  = 0xE000EDF0
	regDCRSR  = 0xE000EDF4
	regDCRDR  = 0xE000EDF8
	regDEMCR  = 0xE000EDFC
	regPID0   = 0xE000EFE0
	regFPCTRL = 0xE0002000
	regFPCOMP = 0xE0002008

	dhcsrKey      = 0xA05F0000
	dhcsrDebugEn  = 1 << 0
	dhcsrHalt     = 1 << 1
	dhcsrStep     = 1 << 2
	dhcsrMaskInts = 1 << 3
	dhcsrRegRdy   = 1 << 16
	dhcsrSHalt    = 1 << 17
	dhcsrRetire   = 1 << 24
	dhcsrResetSt  = 1 << 25

	aircrKey        = 0x05FA0000
	aircrVectReset  = 1 << 0
	aircrSysResetRq = 1 << 2

	demcrVCCoreReset = 1 << 0

	dfsrHalted = 1 << 0
	dfsrBkpt   = 1 << 1

	regPC   = 15
	regXPSR = 16
)

type core struct {
	regs    map[uint32]uint32
	halted  bool
	debugEn bool
	ctrl    uint32
	resetSt bool
	regRdy  bool
	dcrdr   uint32
	demcr   uint32
	dfsr    uint32
	cpuid   uint32
	pid0    uint32

	fpCtrl  uint32
	fpComp  []uint32
	fpRev2  bool
	pending *pendingReturn
}

type pendingReturn struct {
	polls int
	r0    uint32
}

func (c *core) init(opts Options) {
	c.regs = make(map[uint32]uint32)
	c.cpuid = opts.CPUID
	c.pid0 = opts.PID0
	c.fpComp = make([]uint32, opts.FPBUnits)
	c.fpRev2 = opts.FPBRev2
	c.regRdy = true
	c.regs[regXPSR] = 0x01000000
}

func validRegSel(sel uint32) bool {
	return sel <= 20 || sel == 0x21 || (sel >= 0x40 && sel <= 0x5f)
}

// access handles the debug and FPB registers. handled is false for other
// addresses.
func (c *core) access(t *Target, addr, size uint32, read bool, data uint32) (v uint32, handled, ok bool) {
	isFPComp := addr >= regFPCOMP && addr < regFPCOMP+4*uint32(len(c.fpComp))
	switch addr {
	case regCPUID, regAIRCR, regDFSR, regDHCSR, regDCRSR, regDCRDR, regDEMCR, regFPCTRL, regPID0:
	default:
		if !isFPComp {
			return 0, false, false
		}
	}
	if size != 4 {
		return 0, true, false
	}
	if read {
		return c.read(addr), true, true
	}
	c.write(t, addr, data)
	return 0, true, true
}

func (c *core) read(addr uint32) uint32 {
	switch addr {
	case regCPUID:
		return c.cpuid
	case regPID0:
		return c.pid0
	case regAIRCR:
		return 0xFA050000
	case regDFSR:
		return c.dfsr
	case regDHCSR:
		c.tick()
		v := c.ctrl
		if c.regRdy {
			v |= dhcsrRegRdy
		}
		if c.halted {
			v |= dhcsrSHalt
		} else {
			v |= dhcsrRetire
		}
		if c.resetSt {
			v |= dhcsrResetSt
			c.resetSt = false
		}
		return v
	case regDCRDR:
		return c.dcrdr
	case regDEMCR:
		return c.demcr
	case regFPCTRL:
		n := uint32(len(c.fpComp))
		v := c.fpCtrl&1 | (n&0xf)<<4 | (n>>4&0x7)<<12
		if c.fpRev2 {
			v |= 1 << 28
		}
		return v
	}
	if addr >= regFPCOMP {
		return c.fpComp[(addr-regFPCOMP)/4]
	}
	return 0
}

func (c *core) write(t *Target, addr, v uint32) {
	switch addr {
	case regDHCSR:
		if v&0xffff0000 != dhcsrKey {
			return
		}
		c.ctrl = v & (dhcsrDebugEn | dhcsrHalt | dhcsrStep | dhcsrMaskInts)
		c.debugEn = v&dhcsrDebugEn != 0
		switch {
		case !c.debugEn:
			if c.halted {
				c.halted = false
				t.runLocked()
			}
		case v&dhcsrHalt != 0:
			if !c.halted {
				c.halt(dfsrHalted)
			}
		case c.halted && v&dhcsrStep != 0:
			c.regs[regPC] += 2
			c.dfsr |= dfsrHalted
		case c.halted:
			c.halted = false
			t.runLocked()
		}
	case regDCRSR:
		sel := v & 0x7f
		if !c.halted || !validRegSel(sel) {
			// Register transfers only complete in debug state.
			c.regRdy = false
			return
		}
		c.regRdy = true
		if v&(1<<16) != 0 {
			c.regs[sel] = c.dcrdr
		} else {
			c.dcrdr = c.regs[sel]
		}
	case regDCRDR:
		c.dcrdr = v
	case regDEMCR:
		c.demcr = v
	case regDFSR:
		c.dfsr &^= v
	case regAIRCR:
		if v&0xffff0000 != aircrKey {
			return
		}
		if v&(aircrSysResetRq|aircrVectReset) != 0 {
			t.resetCoreLocked()
		}
	case regCPUID, regPID0:
	case regFPCTRL:
		if v&2 != 0 {
			c.fpCtrl = v & 1
		}
	default:
		c.fpComp[(addr-regFPCOMP)/4] = v
	}
}

func (c *core) halt(reason uint32) {
	c.halted = true
	c.pending = nil
	c.dfsr |= reason
	c.regRdy = true
}

// tick advances a routine that is still executing.
func (c *core) tick() {
	if c.pending == nil {
		return
	}
	if c.pending.polls > 0 {
		c.pending.polls--
		return
	}
	c.regs[0] = c.pending.r0
	c.pending = nil
	c.halt(dfsrBkpt)
}

// resetCoreLocked emulates a system reset: registers come from the vector
// table at the start of the first flash region.
func (t *Target) resetCoreLocked() {
	c := &t.core
	c.regs = map[uint32]uint32{regXPSR: 0x01000000}
	c.pending = nil
	c.resetSt = true
	var vt uint32
	for _, mr := range t.mem {
		if mr.r.Kind == target.KindFlash {
			vt = mr.r.Start
			break
		}
	}
	if sp, ok := t.readWordLocked(vt); ok {
		c.regs[13] = sp
	}
	if pc, ok := t.readWordLocked(vt + 4); ok {
		c.regs[regPC] = pc &^ 1
	}
	c.halted = false
	if c.debugEn && c.demcr&demcrVCCoreReset != 0 {
		c.halt(dfsrHalted)
	}
	glog.V(3).Infof("sim: core reset, halted %v", c.halted)
}

// runLocked lets the core execute from PC. Only entry points of bound flash
// algorithms do anything; they return to LR, which halts the core if it
// points at a BKPT instruction or an enabled FPB comparator.
func (t *Target) runLocked() {
	c := &t.core
	pc := c.regs[regPC] &^ 1
	r, ok := t.routines[pc]
	if !ok {
		return
	}
	if !bytes.Equal(t.readMemLocked(r.algo.LoadAddress, len(r.algo.Blob())), r.algo.Blob()) {
		glog.V(3).Infof("sim: PC 0x%08x is not in a loaded algorithm", pc)
		return
	}
	if t.f.hang[pc] {
		return
	}
	args := [4]uint32{c.regs[0], c.regs[1], c.regs[2], c.regs[3]}
	r0 := r.fn(t, r.algo, args)
	if code, ok := t.f.codes[[2]uint32{pc, args[0]}]; ok {
		r0 = code
	}
	lr := c.regs[14] &^ 1
	c.regs[regPC] = lr
	if !t.isBreakpointLocked(lr) {
		return
	}
	c.pending = &pendingReturn{polls: t.f.latency, r0: r0}
	c.tick()
}

func (t *Target) isBreakpointLocked(addr uint32) bool {
	if b := t.readMemLocked(addr, 2); b != nil && b[1] == 0xbe {
		return true
	}
	c := &t.core
	if c.fpCtrl&1 == 0 {
		return false
	}
	for _, comp := range c.fpComp {
		if comp&1 == 0 {
			continue
		}
		if c.fpRev2 {
			if comp&^1 == addr {
				return true
			}
		} else if comp&0x1ffffffc == addr&0x1ffffffc {
			return true
		}
	}
	return false
}

// Halted reports whether the core is in debug state.
func (t *Target) Halted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.core.halted
}

// CoreReg returns a core register by DCRSR selector.
func (t *Target) CoreReg(sel uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.core.regs[sel]
}

// SetCoreReg sets a core register by DCRSR selector.
func (t *Target) SetCoreReg(sel, v uint32) {
	t.mu.Lock()
	t.core.regs[sel] = v
	t.mu.Unlock()
}

// HardwareReset emulates nSRST.
func (t *Target) HardwareReset(asserted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inReset = asserted
	if !asserted {
		t.resetCoreLocked()
	}
}
