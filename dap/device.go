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
package dap

import (
	"context"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/transport"
	"github.com/mongoose-os/dbgprobe/wire"
)

// productTag is what CMSIS-DAP probes must have in their product string.
const productTag = "CMSIS-DAP"

// Device is an open CMSIS-DAP probe.
type Device struct {
	c  *Client
	id probe.Identity

	mu     sync.Mutex
	proto  wire.Protocol
	closed bool
}

func newDevice(ctx context.Context, t transport.Packet, id probe.Identity) (*Device, error) {
	c, err := NewClient(ctx, t)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if id.Serial == "" {
		// HID enumeration does not report serial numbers.
		if sn, err := c.GetInfoString(ctx, InfoSerialNumber); err == nil {
			id.Serial = sn
		}
	}
	return &Device{c: c, id: id}, nil
}

func (d *Device) Identity() probe.Identity { return d.id }

func (d *Device) Client() *Client { return d.c }

func (d *Device) Protocols() []wire.Protocol {
	var res []wire.Protocol
	if d.c.Capabilities()&CapSWD != 0 {
		res = append(res, wire.SWD)
	}
	if d.c.Capabilities()&CapJTAG != 0 {
		res = append(res, wire.JTAG)
	}
	return res
}

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
	mode, cp := ConnectModeSWD, CapSWD
	if p == wire.JTAG {
		mode, cp = ConnectModeJTAG, CapJTAG
	}
	if d.c.Capabilities()&cp == 0 {
		return nil, errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability, "%s does not support %s", d.id, p))
	}
	if err := d.c.Connect(ctx, mode); err != nil {
		return nil, errors.Annotatef(err, "connect %s", p)
	}
	// Retries are up to the transaction engine, so WAIT is reported at once.
	if err := d.c.TransferConfigure(ctx, 0, 0, 0); err != nil {
		return nil, errors.Trace(err)
	}
	var err error
	if p == wire.JTAG {
		err = d.c.JTAGConfigure(ctx, wire.IRLength)
	} else {
		err = d.c.SWDConfigure(ctx, 0)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.c.SetHostStatus(ctx, StatusConnected, true); err != nil {
		glog.V(1).Infof("%s: host status: %s", d.id, err)
	}
	d.mu.Lock()
	d.proto = p
	d.mu.Unlock()
	glog.V(1).Infof("%s: connected over %s", d.id, p)
	return &Link{c: d.c, proto: p}, nil
}

func (d *Device) SetClock(ctx context.Context, hz uint32) error {
	if err := d.usable(); err != nil {
		return err
	}
	return errors.Trace(d.c.SWJClock(ctx, hz))
}

// SetReset drives nRESET, which is active low.
func (d *Device) SetReset(ctx context.Context, asserted bool) error {
	if err := d.usable(); err != nil {
		return err
	}
	v := PinNRESET
	if asserted {
		v = 0
	}
	_, err := d.c.SWJPins(ctx, v, PinNRESET, 0)
	return errors.Trace(err)
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	connected := d.proto != 0
	d.mu.Unlock()
	if connected {
		ctx := context.Background()
		d.c.SetHostStatus(ctx, StatusConnected, false)
		if err := d.c.Disconnect(ctx); err != nil {
			glog.V(1).Infof("%s: disconnect: %s", d.id, err)
		}
	}
	return errors.Trace(d.c.Close())
}

// Driver finds CMSIS-DAP probes: v1 probes on HID, v2 probes on a vendor
// specific bulk interface.
type Driver struct {
	listHID  func(match func(transport.Info) bool) ([]transport.Info, error)
	listUSB  func(match func(transport.Info) bool) ([]transport.Info, error)
	openHID  func(path string) (transport.Packet, error)
	openBulk func(info transport.Info) (transport.Bulk, error)
}

func NewDriver() *Driver {
	return &Driver{
		listHID:  transport.ListHID,
		listUSB:  transport.ListUSB,
		openHID:  transport.OpenHID,
		openBulk: transport.OpenBulk,
	}
}

func (drv *Driver) Family() probe.Family { return probe.FamilyCMSISDAP }

func isDAP(info transport.Info) bool {
	return strings.Contains(info.Product, productTag)
}

func identity(info transport.Info) probe.Identity {
	return probe.Identity{
		Family:      probe.FamilyCMSISDAP,
		VID:         info.VID,
		PID:         info.PID,
		Serial:      info.Serial,
		Description: info.Product,
		Path:        info.Path,
	}
}

func (drv *Driver) list() ([]transport.Info, error) {
	hids, herr := drv.listHID(isDAP)
	usbs, uerr := drv.listUSB(func(info transport.Info) bool { return info.HasBulk() })
	if herr != nil && uerr != nil {
		return nil, errors.Trace(herr)
	}
	res := hids
	for _, info := range usbs {
		if isDAP(info) {
			res = append(res, info)
		}
	}
	return res, nil
}

func (drv *Driver) List(ctx context.Context) ([]probe.Identity, error) {
	infos, err := drv.list()
	if err != nil {
		return nil, err
	}
	var res []probe.Identity
	for _, info := range infos {
		res = append(res, identity(info))
	}
	return res, nil
}

func (drv *Driver) Open(ctx context.Context, sel probe.Identity) (probe.Device, error) {
	infos, err := drv.list()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		id := identity(info)
		if !id.Matches(sel) {
			continue
		}
		var t transport.Packet
		if info.HasBulk() {
			t, err = drv.openBulk(info)
		} else {
			t, err = drv.openHID(info.Path)
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		dev, err := newDevice(ctx, t, id)
		if err != nil {
			return nil, errors.Annotatef(err, "%s", id)
		}
		return dev, nil
	}
	return nil, errors.Trace(probeerr.New(probeerr.KindProbeNotFound, "no CMSIS-DAP probe %s", sel))
}
