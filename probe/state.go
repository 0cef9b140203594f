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
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/multierror"
	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/wire"
)

type State int32

const (
	StateDisconnected State = iota
	StateAttached
	// StateError is entered when the transport fails. Attach again to
	// recover.
	StateError
	// StateClosed is final.
	StateClosed
	stateAttaching
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAttached:
		return "attached"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "attaching"
}

// ResetKind selects how TargetReset drives the reset line.
type ResetKind int

const (
	// ResetPulse asserts the line for the configured hold time, then
	// releases it.
	ResetPulse ResetKind = iota
	ResetAssert
	ResetRelease
)

// DefaultResetHold is how long ResetPulse keeps the line asserted.
const DefaultResetHold = 20 * time.Millisecond

// Probe is an open device. It is the only handle to it: at most one Session
// may be attached through it at a time.
type Probe struct {
	dev   Device
	state int32

	mu    sync.Mutex
	sess  *Session
	proto wire.Protocol
	clock uint32
	hold  time.Duration
	sleep func(time.Duration)
}

func newProbe(dev Device) *Probe {
	p := &Probe{dev: dev, hold: DefaultResetHold, sleep: time.Sleep}
	if ps := dev.Protocols(); len(ps) > 0 {
		p.proto = ps[0]
	}
	return p
}

// New wraps an already opened device.
func New(dev Device) *Probe {
	return newProbe(dev)
}

func (p *Probe) Identity() Identity { return p.dev.Identity() }

func (p *Probe) State() State { return State(atomic.LoadInt32(&p.state)) }

func (p *Probe) Protocols() []wire.Protocol { return p.dev.Protocols() }

func (p *Probe) Protocol() wire.Protocol {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proto
}

func (p *Probe) supports(proto wire.Protocol) bool {
	for _, sp := range p.dev.Protocols() {
		if sp == proto {
			return true
		}
	}
	return false
}

// SelectProtocol sets the protocol used by the next Attach.
func (p *Probe) SelectProtocol(proto wire.Protocol) error {
	if !p.supports(proto) {
		return errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability,
			"%s does not support %s", p.dev.Identity(), proto))
	}
	p.mu.Lock()
	p.proto = proto
	p.mu.Unlock()
	return nil
}

// SetClock sets the wire clock, now and for subsequent attaches.
func (p *Probe) SetClock(ctx context.Context, hz uint32) error {
	if err := p.dev.SetClock(ctx, hz); err != nil {
		return p.transportError(err)
	}
	p.mu.Lock()
	p.clock = hz
	p.mu.Unlock()
	return nil
}

// SetResetHold sets the ResetPulse duration.
func (p *Probe) SetResetHold(d time.Duration) {
	p.mu.Lock()
	p.hold = d
	p.mu.Unlock()
}

// TargetReset drives the hardware reset line.
func (p *Probe) TargetReset(ctx context.Context, kind ResetKind) error {
	switch kind {
	case ResetAssert:
		return p.transportError(p.dev.SetReset(ctx, true))
	case ResetRelease:
		return p.transportError(p.dev.SetReset(ctx, false))
	}
	if err := p.dev.SetReset(ctx, true); err != nil {
		return p.transportError(err)
	}
	p.mu.Lock()
	hold := p.hold
	p.mu.Unlock()
	p.sleep(hold)
	return p.transportError(p.dev.SetReset(ctx, false))
}

// acquire claims the probe for an attach. Only one caller can win.
func (p *Probe) acquire() error {
	for {
		cur := State(atomic.LoadInt32(&p.state))
		switch cur {
		case StateAttached, stateAttaching:
			return errors.Trace(probeerr.New(probeerr.KindProbeBusy, "%s is already attached", p.dev.Identity()))
		case StateClosed:
			return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "%s is closed", p.dev.Identity()))
		}
		if atomic.CompareAndSwapInt32(&p.state, int32(cur), int32(stateAttaching)) {
			return nil
		}
	}
}

func atomicCAS(v *int32, from, to State) bool {
	return atomic.CompareAndSwapInt32(v, int32(from), int32(to))
}

func (p *Probe) setState(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

// transportError moves the probe to StateError if err is a transport
// failure, and returns err.
func (p *Probe) transportError(err error) error {
	if err == nil {
		return nil
	}
	if probeerr.Is(err, probeerr.KindProbe) {
		for {
			cur := atomic.LoadInt32(&p.state)
			if State(cur) == StateClosed || atomic.CompareAndSwapInt32(&p.state, cur, int32(StateError)) {
				break
			}
		}
		glog.Errorf("%s: %s", p.dev.Identity(), err)
	}
	return err
}

// Close detaches the session, if any, and closes the device.
func (p *Probe) Close(ctx context.Context) error {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	var errs error
	if s != nil {
		if err := s.Detach(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	p.setState(StateClosed)
	if err := p.dev.Close(); err != nil {
		errs = multierror.Append(errs, errors.Annotatef(err, "failed to close %s", p.dev.Identity()))
	}
	return errs
}
