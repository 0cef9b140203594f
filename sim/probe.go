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
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/wire"
)

// DriverOptions shape the simulated probes a Driver hands out.
type DriverOptions struct {
	// BitLevel frames requests on the host, like a bit-banging adapter.
	// Otherwise the probe accepts whole requests, like CMSIS-DAP.
	BitLevel bool
	// MaxBlock is the block transfer size of request level probes.
	MaxBlock int
	// Protocols defaults to SWD and JTAG.
	Protocols []wire.Protocol
}

// Driver is a probe driver whose probes are wired to simulated targets.
type Driver struct {
	opts DriverOptions

	mu      sync.Mutex
	targets []*Target
}

func NewDriver(opts DriverOptions, targets ...*Target) *Driver {
	if len(opts.Protocols) == 0 {
		opts.Protocols = []wire.Protocol{wire.SWD, wire.JTAG}
	}
	return &Driver{opts: opts, targets: targets}
}

// Add connects another target, as if a probe had been plugged in.
func (d *Driver) Add(t *Target) {
	d.mu.Lock()
	d.targets = append(d.targets, t)
	d.mu.Unlock()
}

func (d *Driver) Family() probe.Family { return probe.FamilySim }

func (d *Driver) identity(i int) probe.Identity {
	return probe.Identity{
		Family:      probe.FamilySim,
		Serial:      fmt.Sprintf("sim%d", i),
		Description: d.targets[i].desc.Name,
		Path:        fmt.Sprintf("sim:%d", i),
	}
}

func (d *Driver) List(ctx context.Context) ([]probe.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res []probe.Identity
	for i, t := range d.targets {
		if !t.unplugged() {
			res = append(res, d.identity(i))
		}
	}
	return res, nil
}

func (d *Driver) Open(ctx context.Context, id probe.Identity) (probe.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range d.targets {
		if di := d.identity(i); di.Matches(id) && !t.unplugged() {
			return &Device{t: t, id: di, opts: d.opts}, nil
		}
	}
	return nil, errors.Trace(probeerr.New(probeerr.KindProbeNotFound, "no simulated probe %s", id))
}

// Device is a simulated probe.
type Device struct {
	t    *Target
	id   probe.Identity
	opts DriverOptions

	mu     sync.Mutex
	proto  wire.Protocol
	clock  uint32
	closed bool
}

func (d *Device) Identity() probe.Identity { return d.id }

func (d *Device) Protocols() []wire.Protocol { return d.opts.Protocols }

func (d *Device) usable() error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed || d.t.unplugged() {
		return errors.Trace(probeerr.New(probeerr.KindProbe, "%s is gone", d.id))
	}
	return nil
}

func (d *Device) SelectProtocol(ctx context.Context, p wire.Protocol) (wire.Link, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	supported := false
	for _, sp := range d.opts.Protocols {
		supported = supported || sp == p
	}
	if !supported {
		return nil, errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability, "%s does not support %s", d.id, p))
	}
	d.mu.Lock()
	d.proto = p
	d.mu.Unlock()
	switch {
	case !d.opts.BitLevel:
		return d.t.Link(d.opts.MaxBlock), nil
	case p == wire.JTAG:
		return wire.NewJTAGLink(d.t.TAP()), nil
	}
	return wire.NewSWDLink(d.t.SWDWire()), nil
}

func (d *Device) SetClock(ctx context.Context, hz uint32) error {
	if err := d.usable(); err != nil {
		return err
	}
	d.mu.Lock()
	d.clock = hz
	d.mu.Unlock()
	return nil
}

// Clock is the last clock set, in Hz.
func (d *Device) Clock() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

func (d *Device) SetReset(ctx context.Context, asserted bool) error {
	if err := d.usable(); err != nil {
		return err
	}
	d.t.HardwareReset(asserted)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
