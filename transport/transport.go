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

// Package transport moves packets between the host and USB attached debug
// probes, over HID reports or bulk endpoints.
package transport

import (
	"context"
	"fmt"
)

// Info describes a USB device found during enumeration.
type Info struct {
	VID          uint16
	PID          uint16
	Serial       string
	Manufacturer string
	Product      string
	// Path locates the device: the HID path, or "usb:<bus>.<address>".
	Path string

	// Vendor specific bulk interface, if the device has one.
	Interface   int
	EndpointIn  int
	EndpointOut int
}

func (i Info) String() string {
	return fmt.Sprintf("%04x:%04x %s (%s)", i.VID, i.PID, i.Path, i.Product)
}

func (i Info) HasBulk() bool { return i.EndpointIn > 0 && i.EndpointOut > 0 }

// Packet is a packet oriented channel to a probe.
type Packet interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	MaxPacketSize() int
	Close() error
}

// Bulk is a pair of bulk endpoints plus the device's control endpoint.
type Bulk interface {
	Packet
	// ReadInto reads one transfer into buf.
	ReadInto(ctx context.Context, buf []byte) (int, error)
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}
