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

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

// Flash Patch and Breakpoint unit.
const (
	regFPCTRL  uint32 = 0xE0002000
	regFPCOMP0        = 0xE0002008

	fpCtrlEnable = 1 << 0
	fpCtrlKey    = 1 << 1
	fpCompEnable = 1 << 0
)

type fpbInfo struct {
	ctrl  uint32
	units int
	rev2  bool
}

func (c *cortexMDebug) fpb(ctx context.Context) (fpbInfo, error) {
	ctrl, err := c.mem.ReadTargetReg(ctx, regFPCTRL)
	if err != nil {
		return fpbInfo{}, errors.Annotatef(err, "failed to read FP_CTRL")
	}
	return fpbInfo{
		ctrl:  ctrl,
		units: int((ctrl>>4)&0xf | (ctrl>>8)&0x70),
		rev2:  (ctrl>>28)&0xf == 1,
	}, nil
}

// compValue encodes a comparator for a breakpoint at addr.
func (fi fpbInfo) compValue(addr uint32) (uint32, error) {
	if fi.rev2 {
		return addr&^1 | fpCompEnable, nil
	}
	if addr >= 0x20000000 {
		return 0, errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability,
			"breakpoints are only possible in the code region").At(addr))
	}
	v := addr&0x1ffffffc | fpCompEnable
	if addr&2 != 0 {
		v |= 0x80000000
	} else {
		v |= 0x40000000
	}
	return v, nil
}

func (c *cortexMDebug) AvailableBreakpoints(ctx context.Context) (int, error) {
	fi, err := c.fpb(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return fi.units, nil
}

func (c *cortexMDebug) SetBreakpoint(ctx context.Context, addr uint32) error {
	fi, err := c.fpb(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if fi.units == 0 {
		return errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability, "no hardware breakpoints"))
	}
	want, err := fi.compValue(addr)
	if err != nil {
		return errors.Trace(err)
	}
	comps, err := c.mem.ReadTargetMem(ctx, regFPCOMP0, fi.units)
	if err != nil {
		return errors.Annotatef(err, "failed to read comparators")
	}
	free := -1
	for i, v := range comps {
		if v == want {
			return nil
		}
		if v&fpCompEnable == 0 && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability,
			"all %d hardware breakpoints are in use", fi.units).At(addr))
	}
	if fi.ctrl&fpCtrlEnable == 0 {
		if err := c.mem.WriteTargetReg(ctx, regFPCTRL, fpCtrlKey|fpCtrlEnable); err != nil {
			return errors.Annotatef(err, "failed to enable FPB")
		}
	}
	glog.V(3).Infof("Breakpoint %d at 0x%08x", free, addr)
	return errors.Annotatef(c.mem.WriteTargetReg(ctx, regFPCOMP0+4*uint32(free), want),
		"failed to set breakpoint at 0x%08x", addr)
}

func (c *cortexMDebug) ClearBreakpoint(ctx context.Context, addr uint32) error {
	fi, err := c.fpb(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	want, err := fi.compValue(addr)
	if err != nil {
		return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "no breakpoint at 0x%08x", addr))
	}
	comps, err := c.mem.ReadTargetMem(ctx, regFPCOMP0, fi.units)
	if err != nil {
		return errors.Annotatef(err, "failed to read comparators")
	}
	for i, v := range comps {
		if v == want {
			return errors.Annotatef(c.mem.WriteTargetReg(ctx, regFPCOMP0+4*uint32(i), 0),
				"failed to clear breakpoint at 0x%08x", addr)
		}
	}
	return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "no breakpoint at 0x%08x", addr))
}
