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

//go:build !no_libudev
// +build !no_libudev

package transport

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

// bulkInterface finds a vendor specific interface with a bulk endpoint in
// each direction.
func bulkInterface(dd *gousb.DeviceDesc) (intf, in, out int) {
	for _, cfg := range dd.Configs {
		for _, id := range cfg.Interfaces {
			if len(id.AltSettings) == 0 {
				continue
			}
			as := id.AltSettings[0]
			if as.Class != gousb.ClassVendorSpec {
				continue
			}
			in, out = 0, 0
			for _, ep := range as.Endpoints {
				if ep.TransferType != gousb.TransferTypeBulk {
					continue
				}
				if ep.Direction == gousb.EndpointDirectionIn && in == 0 {
					in = ep.Number
				} else if ep.Direction == gousb.EndpointDirectionOut && out == 0 {
					out = ep.Number
				}
			}
			if in != 0 && out != 0 {
				return id.Number, in, out
			}
		}
	}
	return -1, 0, 0
}

func usbPath(dd *gousb.DeviceDesc) string {
	return fmt.Sprintf("usb:%d.%d", dd.Bus, dd.Address)
}

func descInfo(dd *gousb.DeviceDesc) Info {
	info := Info{
		VID:  uint16(dd.Vendor),
		PID:  uint16(dd.Product),
		Path: usbPath(dd),
	}
	info.Interface, info.EndpointIn, info.EndpointOut = bulkInterface(dd)
	return info
}

// ListUSB returns the USB devices match accepts. match only sees the fields
// that come from the device descriptor; the accepted devices are then opened
// briefly to read their strings.
func ListUSB(match func(Info) bool) ([]Info, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		ok := match == nil || match(descInfo(dd))
		glog.V(1).Infof("Dev %+v match %t", dd, ok)
		return ok
	})
	// OpenDevices may fail overall but still return results. Only fail if no devices were returned.
	if err != nil && len(devs) == 0 {
		return nil, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "failed to enumerate USB devices"))
	}
	var res []Info
	for _, dev := range devs {
		info := descInfo(dev.Desc)
		info.Serial, _ = dev.SerialNumber()
		info.Manufacturer, _ = dev.Manufacturer()
		info.Product, _ = dev.Product()
		glog.V(1).Infof("Dev %s sn '%s'", info, info.Serial)
		res = append(res, info)
		dev.Close()
	}
	return res, nil
}

type bulk struct {
	uctx *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// OpenBulk opens the device at info.Path and claims the interface and
// endpoints in info.
func OpenBulk(info Info) (Bulk, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return usbPath(dd) == info.Path
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "failed to enumerate USB devices"))
	}
	if len(devs) == 0 {
		uctx.Close()
		return nil, errors.Trace(probeerr.New(probeerr.KindProbeNotFound, "no device at %s", info.Path))
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	b := &bulk{uctx: uctx, dev: devs[0]}
	if err := b.claim(info); err != nil {
		b.Close()
		return nil, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "failed to claim %s", info))
	}
	glog.Infof("Opened %s", info)
	return b, nil
}

func (b *bulk) claim(info Info) error {
	if err := b.dev.SetAutoDetach(true); err != nil {
		return errors.Annotatef(err, "auto detach")
	}
	num, err := b.dev.ActiveConfigNum()
	if err != nil {
		return errors.Annotatef(err, "active config")
	}
	if b.cfg, err = b.dev.Config(num); err != nil {
		return errors.Annotatef(err, "config %d", num)
	}
	if b.intf, err = b.cfg.Interface(info.Interface, 0); err != nil {
		return errors.Annotatef(err, "interface %d", info.Interface)
	}
	if b.in, err = b.intf.InEndpoint(info.EndpointIn); err != nil {
		return errors.Annotatef(err, "in endpoint %d", info.EndpointIn)
	}
	if b.out, err = b.intf.OutEndpoint(info.EndpointOut); err != nil {
		return errors.Annotatef(err, "out endpoint %d", info.EndpointOut)
	}
	return nil
}

func (b *bulk) MaxPacketSize() int { return b.in.Desc.MaxPacketSize }

func (b *bulk) Write(ctx context.Context, data []byte) error {
	glog.V(4).Infof(" => %s", hex.EncodeToString(data))
	if _, err := b.out.WriteContext(ctx, data); err != nil {
		return errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "bulk write failed"))
	}
	return nil
}

func (b *bulk) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, b.MaxPacketSize())
	n, err := b.ReadInto(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (b *bulk) ReadInto(ctx context.Context, buf []byte) (int, error) {
	n, err := b.in.ReadContext(ctx, buf)
	if err != nil {
		return 0, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "bulk read failed"))
	}
	glog.V(4).Infof("<=  %s", hex.EncodeToString(buf[:n]))
	return n, nil
}

func (b *bulk) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := b.dev.Control(rType, request, val, idx, data)
	if err != nil {
		return n, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "control request 0x%02x failed", request))
	}
	return n, nil
}

func (b *bulk) Close() error {
	if b.intf != nil {
		b.intf.Close()
	}
	var err error
	if b.cfg != nil {
		err = b.cfg.Close()
	}
	if cerr := b.dev.Close(); err == nil {
		err = cerr
	}
	if cerr := b.uctx.Close(); err == nil {
		err = cerr
	}
	return errors.Trace(err)
}
