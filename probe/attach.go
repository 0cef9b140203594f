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
package probe

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/cortex"
	"github.com/mongoose-os/dbgprobe/dp"
	"github.com/mongoose-os/dbgprobe/flash"
	"github.com/mongoose-os/dbgprobe/memap"
	"github.com/mongoose-os/dbgprobe/target"
	"github.com/mongoose-os/dbgprobe/wire"
)

type AttachOptions struct {
	// Protocol overrides the protocol selected on the probe.
	Protocol wire.Protocol
	ClockHz  uint32
	// ExpectedDPIDR, if set, must match the DPIDR read on attach. It
	// defaults to the one in Target.
	ExpectedDPIDR uint32
	// Target describes the memory map, the MEM-AP and the flash
	// algorithms. Without it memory accesses are not checked and no
	// flasher is available.
	Target *target.Description
	// HaltOnAttach halts the core once it has been identified.
	HaltOnAttach bool
	// ResumeOnDetach lets the core run when the session ends.
	ResumeOnDetach bool
	// PowerDownOnDetach drops the debug and system power requests.
	PowerDownOnDetach bool

	Wire   wire.Config
	DP     dp.Config
	Cortex cortex.Config

	WireMetrics  *wire.Metrics
	FlashMetrics *flash.Metrics
}

func DefaultAttachOptions() AttachOptions {
	return AttachOptions{
		Wire:   wire.DefaultConfig(),
		DP:     dp.DefaultConfig(),
		Cortex: cortex.DefaultConfig(),
	}
}

// SessionConfig is what an attach negotiated with the probe and found on
// the target.
type SessionConfig struct {
	Protocol     wire.Protocol
	DPIDR        dp.DPIDRValue
	MaxBlockSize int
	APCount      int
	APSel        uint8
	CPUID        uint32
	CoreName     string
}

// Attach connects to the target and identifies its core. It fails with
// ProbeBusy if a session is already attached through p.
func (p *Probe) Attach(ctx context.Context, opts AttachOptions) (*Session, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	// A session left behind by a transport failure loses the probe here.
	p.mu.Lock()
	if old := p.sess; old != nil {
		old.detached = true
		p.sess = nil
	}
	p.mu.Unlock()
	s, err := p.attach(ctx, opts)
	if err != nil {
		if probeerr.Is(err, probeerr.KindProbe) {
			p.setState(StateError)
		} else {
			p.setState(StateDisconnected)
		}
		return nil, err
	}
	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()
	p.setState(StateAttached)
	glog.Infof("Attached to %s via %s, %s (DPIDR 0x%08x)", s.cfg.CoreName, p.dev.Identity(), s.cfg.Protocol, uint32(s.cfg.DPIDR))
	return s, nil
}

func attachFailed(err error, format string, args ...interface{}) error {
	if k := probeerr.KindOf(err); k == probeerr.KindProbe || k == probeerr.KindAttachFailed {
		return errors.Annotatef(err, format, args...)
	}
	return errors.Trace(probeerr.Wrap(probeerr.KindAttachFailed, err, format, args...).In(probeerr.PhaseAttach))
}

func (p *Probe) attach(ctx context.Context, opts AttachOptions) (*Session, error) {
	p.mu.Lock()
	proto, clock := p.proto, p.clock
	p.mu.Unlock()
	if opts.Protocol != 0 {
		proto = opts.Protocol
	}
	if opts.ClockHz != 0 {
		clock = opts.ClockHz
	}
	if !p.supports(proto) {
		return nil, errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability,
			"%s does not support %s", p.dev.Identity(), proto))
	}
	link, err := p.dev.SelectProtocol(ctx, proto)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to select %s", proto)
	}
	if clock != 0 {
		if err := p.dev.SetClock(ctx, clock); err != nil {
			return nil, errors.Annotatef(err, "failed to set clock to %d Hz", clock)
		}
	}
	desc := opts.Target
	expected := opts.ExpectedDPIDR
	if expected == 0 && desc != nil {
		expected = desc.DPIDR
	}

	eng := wire.NewEngine(link, opts.Wire, wire.WithMetrics(opts.WireMetrics))
	if _, err := link.LineReset(ctx); err != nil {
		return nil, attachFailed(err, "no response to line reset")
	}
	dpc := dp.NewDPClient(eng, proto, opts.DP)
	idr, err := dpc.GetIDR(ctx)
	if err != nil {
		return nil, attachFailed(err, "failed to read DPIDR")
	}
	switch {
	case idr == 0:
		return nil, errors.Trace(probeerr.New(probeerr.KindAttachFailed, "DPIDR reads as zero").In(probeerr.PhaseAttach))
	case expected != 0 && uint32(idr) != expected:
		return nil, errors.Trace(probeerr.New(probeerr.KindAttachFailed,
			"unexpected DPIDR 0x%08x, want 0x%08x", uint32(idr), expected).In(probeerr.PhaseAttach))
	}
	glog.V(1).Infof("DP: %s", idr)
	if err := dpc.Init(ctx); err != nil {
		return nil, attachFailed(err, "failed to power up the debug domain")
	}
	nAPs, err := dpc.APCount(ctx)
	if err != nil {
		return nil, attachFailed(err, "failed to enumerate access ports")
	}

	mcfg := memap.DefaultConfig()
	var apSel uint8
	if desc != nil {
		apSel = desc.AP
		if desc.AutoIncrementBoundary != 0 {
			mcfg.AutoIncrementBoundary = desc.AutoIncrementBoundary
		}
		mcfg.MemoryMap = desc.MemoryMap()
	}
	if int(apSel) >= nAPs {
		return nil, errors.Trace(probeerr.New(probeerr.KindAttachFailed,
			"AP %d not present (%d found)", apSel, nAPs).In(probeerr.PhaseAttach))
	}
	apIDR, err := dpc.ReadAPReg(ctx, apSel, uint8(memap.IDR))
	if err != nil {
		return nil, attachFailed(err, "failed to read AP %d IDR", apSel)
	}
	if !dp.APIDRValue(apIDR).IsMemAP() {
		return nil, errors.Trace(probeerr.New(probeerr.KindAttachFailed,
			"AP %d is not a MEM-AP (IDR 0x%08x)", apSel, apIDR).In(probeerr.PhaseAttach))
	}
	mapc := memap.NewMemAPClient(dpc, apSel, mcfg)
	if err := mapc.Init(ctx); err != nil {
		return nil, attachFailed(err, "failed to initialize MEM-AP %d", apSel)
	}
	core := cortex.NewCortexMDebug(mapc, opts.Cortex)
	if err := core.Init(ctx); err != nil {
		return nil, attachFailed(err, "failed to identify the core")
	}
	if opts.HaltOnAttach {
		if err := core.Halt(ctx); err != nil {
			return nil, attachFailed(err, "failed to halt the core")
		}
	}
	return &Session{
		p:    p,
		opts: opts,
		desc: desc,
		eng:  eng,
		dp:   dpc,
		mem:  mapc,
		core: core,
		cfg: SessionConfig{
			Protocol:     proto,
			DPIDR:        idr,
			MaxBlockSize: eng.MaxBlockSize(),
			APCount:      nAPs,
			APSel:        apSel,
			CPUID:        core.CPUID(),
			CoreName:     core.Name(),
		},
	}, nil
}
