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

// Package probe is the entry point to debug probes of all families: it
// enumerates and opens devices, and attaches to the target behind them.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/wire"
)

// Family tags the kind of probe an Identity refers to.
type Family string

const (
	FamilyCMSISDAP Family = "cmsis-dap"
	FamilyFTDI     Family = "ftdi"
	FamilySim      Family = "sim"
)

// Identity names one probe. In a selector, zero fields match anything.
type Identity struct {
	Family      Family
	VID         uint16
	PID         uint16
	Serial      string
	Description string
	// Path is the transport specific location, e.g. a HID device path.
	Path string
}

func (id Identity) String() string {
	s := fmt.Sprintf("%s %04x:%04x", id.Family, id.VID, id.PID)
	if id.Serial != "" {
		s += " " + id.Serial
	}
	if id.Description != "" {
		s += fmt.Sprintf(" (%s)", id.Description)
	}
	return s
}

// Matches reports whether id satisfies the selector sel.
func (id Identity) Matches(sel Identity) bool {
	switch {
	case sel.Family != "" && sel.Family != id.Family:
	case sel.VID != 0 && sel.VID != id.VID:
	case sel.PID != 0 && sel.PID != id.PID:
	case sel.Serial != "" && sel.Serial != id.Serial:
	case sel.Path != "" && sel.Path != id.Path:
	default:
		return true
	}
	return false
}

// ParseSelector parses "family[:vid:pid[:serial]]", e.g.
// "cmsis-dap:0d28:0204" or "sim::0:sim0". An empty string matches any probe.
func ParseSelector(s string) (Identity, error) {
	var sel Identity
	if s == "" {
		return sel, nil
	}
	parts := strings.SplitN(s, ":", 4)
	sel.Family = Family(parts[0])
	for i, p := range parts[1:] {
		if p == "" {
			continue
		}
		if i == 2 {
			sel.Serial = p
			break
		}
		var v uint16
		if _, err := fmt.Sscanf(p, "%x", &v); err != nil {
			return sel, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "bad probe selector %q", s))
		}
		if i == 0 {
			sel.VID = v
		} else {
			sel.PID = v
		}
	}
	return sel, nil
}

// Device is an open probe of some family.
type Device interface {
	Identity() Identity
	Protocols() []wire.Protocol
	// SelectProtocol switches the probe to p and returns the link that
	// carries requests to the target.
	SelectProtocol(ctx context.Context, p wire.Protocol) (wire.Link, error)
	SetClock(ctx context.Context, hz uint32) error
	// SetReset drives the target reset line.
	SetReset(ctx context.Context, asserted bool) error
	Close() error
}

// Driver enumerates and opens the probes of one family.
type Driver interface {
	Family() Family
	List(ctx context.Context) ([]Identity, error)
	Open(ctx context.Context, id Identity) (Device, error)
}

// List returns the probes all drivers can see, sorted. Drivers are queried
// concurrently. A driver not supported by this build is skipped.
func List(ctx context.Context, drivers ...Driver) ([]Identity, error) {
	res := make([][]Identity, len(drivers))
	eg, ctx := errgroup.WithContext(ctx)
	for i, drv := range drivers {
		i, drv := i, drv
		eg.Go(func() error {
			ids, err := drv.List(ctx)
			if probeerr.Is(err, probeerr.KindUnsupportedCapability) {
				glog.V(1).Infof("%s: %s", drv.Family(), err)
				return nil
			}
			if err != nil {
				return errors.Annotatef(err, "failed to list %s probes", drv.Family())
			}
			res[i] = ids
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var all []Identity
	for _, ids := range res {
		all = append(all, ids...)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		if a.VID != b.VID {
			return a.VID < b.VID
		}
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		if a.Serial != b.Serial {
			return a.Serial < b.Serial
		}
		return a.Path < b.Path
	})
	return all, nil
}

// Open opens the first probe matching sel. The returned Probe is the
// exclusive owner of the device.
func Open(ctx context.Context, sel Identity, drivers ...Driver) (*Probe, error) {
	ids, err := List(ctx, drivers...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var matches []Identity
	for _, id := range ids {
		if id.Matches(sel) {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return nil, errors.Trace(probeerr.New(probeerr.KindProbeNotFound, "no probe matching %s", sel))
	}
	if len(matches) > 1 {
		glog.Warningf("%d probes match %s, using %s", len(matches), sel, matches[0])
	}
	id := matches[0]
	for _, drv := range drivers {
		if drv.Family() != id.Family {
			continue
		}
		dev, err := drv.Open(ctx, id)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open %s", id)
		}
		glog.V(1).Infof("Opened %s", id)
		return newProbe(dev), nil
	}
	return nil, errors.Trace(probeerr.New(probeerr.KindProbeNotFound, "no driver for %s", id.Family))
}
