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

	"github.com/mongoose-os/dbgprobe/common/multierror"
	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/cortex"
	"github.com/mongoose-os/dbgprobe/dp"
	"github.com/mongoose-os/dbgprobe/flash"
	"github.com/mongoose-os/dbgprobe/memap"
	"github.com/mongoose-os/dbgprobe/target"
	"github.com/mongoose-os/dbgprobe/wire"
)

// Session is an attached probe bound to one core. Like the probe it came
// from, it must not be used concurrently.
type Session struct {
	p    *Probe
	opts AttachOptions
	cfg  SessionConfig
	desc *target.Description

	eng  *wire.Engine
	dp   dp.DPClient
	mem  memap.MemAPClient
	core cortex.CortexDebug

	detached bool
}

func (s *Session) Probe() *Probe { return s.p }

func (s *Session) Config() SessionConfig { return s.cfg }

// Target is the description the session was attached with, possibly nil.
func (s *Session) Target() *target.Description { return s.desc }

// Core gives direct access to the core debug channel.
func (s *Session) Core() cortex.CortexDebug { return s.core }

// MemAP gives direct access to the MEM-AP, including word level register
// access.
func (s *Session) MemAP() memap.MemAPClient { return s.mem }

func (s *Session) DP() dp.DPClient { return s.dp }

// Stats are the wire counters since attach.
func (s *Session) Stats() wire.Stats { return s.eng.Stats() }

func (s *Session) owner() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return s.p.sess == s
}

func (s *Session) check() error {
	switch {
	case s.detached || !s.owner():
		return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "session is detached"))
	case s.p.State() == StateError:
		return errors.Trace(probeerr.New(probeerr.KindProbe, "%s failed, attach again", s.p.dev.Identity()))
	}
	return nil
}

func (s *Session) done(err error) error {
	return s.p.transportError(err)
}

func (s *Session) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	data, err := s.mem.ReadMemory(ctx, addr, length)
	return data, s.done(err)
}

func (s *Session) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.mem.WriteMemory(ctx, addr, data))
}

func (s *Session) ReadCoreRegister(ctx context.Context, reg cortex.Reg) (uint32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	v, err := s.core.GetReg(ctx, reg)
	return v, s.done(err)
}

func (s *Session) WriteCoreRegister(ctx context.Context, reg cortex.Reg, value uint32) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.SetReg(ctx, reg, value))
}

func (s *Session) Status(ctx context.Context) (cortex.Status, error) {
	if err := s.check(); err != nil {
		return cortex.Status{}, err
	}
	st, err := s.core.Status(ctx)
	return st, s.done(err)
}

func (s *Session) Halt(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.Halt(ctx))
}

func (s *Session) Resume(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.Resume(ctx))
}

func (s *Session) Step(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.Step(ctx))
}

// Reset resets the core or the whole system, leaving the core halted at
// the reset vector if halt is set.
func (s *Session) Reset(ctx context.Context, kind cortex.ResetKind, halt bool) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.Reset(ctx, kind, halt))
}

func (s *Session) AvailableBreakpoints(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	n, err := s.core.AvailableBreakpoints(ctx)
	return n, s.done(err)
}

func (s *Session) SetBreakpoint(ctx context.Context, addr uint32) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.SetBreakpoint(ctx, addr))
}

func (s *Session) ClearBreakpoint(ctx context.Context, addr uint32) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.ClearBreakpoint(ctx, addr))
}

func (s *Session) EnableTrace(ctx context.Context, enable bool) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.done(s.core.EnableTrace(ctx, enable))
}

// Flasher returns a flasher for the named flash region, using the region's
// algorithm from the target description.
func (s *Session) Flasher(regionName string, opts ...flash.Option) (*flash.Flasher, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.desc == nil {
		return nil, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "no target description"))
	}
	r := s.desc.MemoryMap().Region(regionName)
	if r == nil {
		return nil, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "no region %q in %s", regionName, s.desc.Name))
	}
	algo, err := s.desc.AlgorithmFor(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if s.opts.FlashMetrics != nil {
		opts = append([]flash.Option{flash.WithMetrics(s.opts.FlashMetrics)}, opts...)
	}
	return flash.New(s.core, sessionMemory{s}, r, algo, opts...)
}

// FlasherAt returns a flasher for the flash region containing addr.
func (s *Session) FlasherAt(addr uint32, opts ...flash.Option) (*flash.Flasher, error) {
	if s.desc == nil {
		return nil, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "no target description"))
	}
	r, err := s.desc.FlashRegionAt(addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return s.Flasher(r.Name, opts...)
}

// sessionMemory routes flasher memory traffic through the session so that
// transport failures are noticed.
type sessionMemory struct {
	s *Session
}

func (m sessionMemory) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	return m.s.ReadMemory(ctx, addr, length)
}

func (m sessionMemory) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	return m.s.WriteMemory(ctx, addr, data)
}

// Detach ends the session and frees the probe for the next Attach. Cleanup
// is best effort: every step is attempted and the failures are combined.
func (s *Session) Detach(ctx context.Context) error {
	if s.detached {
		return nil
	}
	s.detached = true
	if !s.owner() {
		return nil
	}
	var errs error
	if s.p.State() != StateError {
		if s.opts.ResumeOnDetach {
			if err := s.core.Resume(ctx); err != nil {
				errs = multierror.Append(errs, errors.Annotatef(err, "failed to resume the core"))
			}
		}
		if s.opts.PowerDownOnDetach {
			if err := s.dp.SetDbgPower(ctx, false, false); err != nil {
				errs = multierror.Append(errs, errors.Annotatef(err, "failed to power down the debug domain"))
			}
		}
	}
	s.p.mu.Lock()
	if s.p.sess == s {
		s.p.sess = nil
		// A failed probe stays in the error state until the next attach.
		atomicCAS(&s.p.state, StateAttached, StateDisconnected)
	}
	s.p.mu.Unlock()
	glog.V(1).Infof("Detached from %s", s.p.dev.Identity())
	return errs
}
