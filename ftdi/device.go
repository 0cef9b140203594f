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
package ftdi

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/transport"
	"github.com/mongoose-os/dbgprobe/wire"
)

const vendorFTDI = 0x0403

// Multi-channel parts with an MPSSE engine: FT2232H, FT232H, FT4232H.
var mpssePIDs = map[uint16]string{
	0x6010: "FT2232H",
	0x6014: "FT232H",
	0x6011: "FT4232H",
}

// Vendor control requests.
const (
	reqTypeOut = 0x40

	sioReset      = 0x00
	sioSetLatency = 0x09
	sioSetBitmode = 0x0b

	sioResetSIO     = 0
	sioPurgeRX      = 1
	sioPurgeTX      = 2
	bitmodeReset    = 0x00
	bitmodeMPSSE    = 0x02
	defaultLatency  = 2
	defaultClockHz  = 1000000
	defaultResetPin = 1 << 4 // GPIOL0
)

// Config describes how the adapter is wired.
type Config struct {
	// ResetPin is the low byte pin that drives the active low nSRST line;
	// zero disables hardware reset.
	ResetPin uint8
	// Latency is the chip's latency timer in milliseconds.
	Latency uint8
}

func DefaultConfig() Config {
	return Config{ResetPin: defaultResetPin, Latency: defaultLatency}
}

// Device is an FTDI chip in MPSSE mode on channel A.
type Device struct {
	id  probe.Identity
	cfg Config
	b   transport.Bulk
	m   *mpsse

	mu     sync.Mutex
	closed bool
}

func (d *Device) control(req uint8, val uint16) error {
	// Channel A is index 1.
	_, err := d.b.Control(reqTypeOut, req, val, 1, nil)
	return errors.Trace(err)
}

func newDevice(ctx context.Context, b transport.Bulk, id probe.Identity, cfg Config) (*Device, error) {
	d := &Device{id: id, cfg: cfg, b: b, m: &mpsse{b: b}}
	if err := d.init(ctx); err != nil {
		b.Close()
		return nil, errors.Annotatef(err, "%s: MPSSE init", id)
	}
	glog.V(1).Infof("%s: MPSSE ready", id)
	return d, nil
}

func (d *Device) init(ctx context.Context) error {
	for _, r := range []struct {
		req uint8
		val uint16
	}{
		{sioReset, sioResetSIO},
		{sioReset, sioPurgeRX},
		{sioReset, sioPurgeTX},
		{sioSetLatency, uint16(d.cfg.Latency)},
		{sioSetBitmode, bitmodeReset << 8},
		{sioSetBitmode, bitmodeMPSSE<<8 | uint16(pinTCK|pinTDI|pinTMS|d.cfg.ResetPin)},
	} {
		if err := d.control(r.req, r.val); err != nil {
			return errors.Annotatef(err, "control 0x%02x", r.req)
		}
	}
	if err := d.m.sync(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := d.m.b.Write(ctx, []byte{opDisableDiv5, opDisableAdapt, opDisable3Phase, opLoopbackOff}); err != nil {
		return errors.Trace(err)
	}
	// TMS high, nSRST released.
	if err := d.m.setLow(ctx, pinTMS|d.cfg.ResetPin, pinTCK|pinTDI|pinTMS|d.cfg.ResetPin); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.m.setClock(ctx, defaultClockHz))
}

func (d *Device) Identity() probe.Identity { return d.id }

func (d *Device) Protocols() []wire.Protocol { return []wire.Protocol{wire.JTAG} }

func (d *Device) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Trace(probeerr.New(probeerr.KindProbe, "%s is closed", d.id))
	}
	return nil
}

func (d *Device) SelectProtocol(ctx context.Context, p wire.Protocol) (wire.Link, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}
	if p != wire.JTAG {
		return nil, errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability, "%s does not support %s", d.id, p))
	}
	return wire.NewJTAGLink(d.m), nil
}

func (d *Device) SetClock(ctx context.Context, hz uint32) error {
	if err := d.usable(); err != nil {
		return err
	}
	return d.m.setClock(ctx, hz)
}

func (d *Device) SetReset(ctx context.Context, asserted bool) error {
	if err := d.usable(); err != nil {
		return err
	}
	if d.cfg.ResetPin == 0 {
		return errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability, "%s has no reset pin", d.id))
	}
	v := d.m.low | d.cfg.ResetPin
	if asserted {
		v &^= d.cfg.ResetPin
	}
	return d.m.setLow(ctx, v, d.m.lowDir)
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.control(sioSetBitmode, bitmodeReset<<8); err != nil {
		glog.V(1).Infof("%s: bitmode reset: %s", d.id, err)
	}
	return errors.Trace(d.b.Close())
}

// Driver finds FTDI MPSSE adapters.
type Driver struct {
	cfg      Config
	listUSB  func(match func(transport.Info) bool) ([]transport.Info, error)
	openBulk func(info transport.Info) (transport.Bulk, error)
}

func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg, listUSB: transport.ListUSB, openBulk: transport.OpenBulk}
}

func (drv *Driver) Family() probe.Family { return probe.FamilyFTDI }

func isMPSSE(info transport.Info) bool {
	_, ok := mpssePIDs[info.PID]
	return info.VID == vendorFTDI && ok && info.HasBulk()
}

func identity(info transport.Info) probe.Identity {
	desc := info.Product
	if desc == "" {
		desc = mpssePIDs[info.PID]
	}
	return probe.Identity{
		Family:      probe.FamilyFTDI,
		VID:         info.VID,
		PID:         info.PID,
		Serial:      info.Serial,
		Description: desc,
		Path:        info.Path,
	}
}

func (drv *Driver) List(ctx context.Context) ([]probe.Identity, error) {
	infos, err := drv.listUSB(isMPSSE)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var res []probe.Identity
	for _, info := range infos {
		res = append(res, identity(info))
	}
	return res, nil
}

func (drv *Driver) Open(ctx context.Context, sel probe.Identity) (probe.Device, error) {
	infos, err := drv.listUSB(isMPSSE)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, info := range infos {
		id := identity(info)
		if !id.Matches(sel) {
			continue
		}
		b, err := drv.openBulk(info)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return newDevice(ctx, b, id, drv.cfg)
	}
	return nil, errors.Trace(probeerr.New(probeerr.KindProbeNotFound, "no FTDI adapter %s", sel))
}
