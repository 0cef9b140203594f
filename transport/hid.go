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

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

const defaultReportSize = 64

// ListHID returns the HID devices match accepts.
func ListHID(match func(Info) bool) ([]Info, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "failed to enumerate HID devices"))
	}
	var res []Info
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s %q", i, di.VendorID, di.ProductID, di.Path, di.Product)
		info := Info{
			VID:          di.VendorID,
			PID:          di.ProductID,
			Manufacturer: di.Manufacturer,
			Product:      di.Product,
			Path:         di.Path,
		}
		if match == nil || match(info) {
			res = append(res, info)
		}
	}
	return res, nil
}

type hidPacket struct {
	d          hid.Device
	path       string
	reportSize int
}

// OpenHID opens the HID device at path.
func OpenHID(path string) (Packet, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "failed to enumerate HID devices"))
	}
	for _, di := range devs {
		if di.Path != path {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Trace(probeerr.Wrap(probeerr.KindProbe, err,
				"failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path))
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		rs := int(di.OutputReportLength)
		if rs == 0 {
			rs = defaultReportSize
		}
		return &hidPacket{d: d, path: path, reportSize: rs}, nil
	}
	return nil, errors.Trace(probeerr.New(probeerr.KindProbeNotFound, "no HID device at %s", path))
}

func (h *hidPacket) MaxPacketSize() int { return h.reportSize }

// Write sends data as one output report, zero padded.
func (h *hidPacket) Write(ctx context.Context, data []byte) error {
	if len(data) > h.reportSize {
		return errors.Errorf("packet too long (max %d, got %d)", h.reportSize, len(data))
	}
	buf := make([]byte, 1+h.reportSize)
	copy(buf[1:], data)
	glog.V(4).Infof(" => %s", hex.EncodeToString(data))
	if err := h.d.Write(buf); err != nil {
		return errors.Trace(probeerr.Wrap(probeerr.KindProbe, err, "device write failed"))
	}
	return nil
}

func (h *hidPacket) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "HID read")
	case resp, ok := <-h.d.ReadCh():
		if !ok {
			return nil, errors.Trace(probeerr.Wrap(probeerr.KindProbe, h.d.ReadError(), "device read failed"))
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		return resp, nil
	}
}

func (h *hidPacket) Close() error {
	h.d.Close()
	return nil
}
