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
package wire

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

// DP register addresses shared by both protocols.
const (
	RegDPIDR    uint8 = 0x0
	RegABORT    uint8 = 0x0
	RegCTRLSTAT uint8 = 0x4
	RegSELECT   uint8 = 0x8
	RegRDBUFF   uint8 = 0xC
)

// SWDWire is a bit-level SWD interface. Bits are packed LSB first.
type SWDWire interface {
	WriteBits(ctx context.Context, data []byte, n int) error
	ReadBits(ctx context.Context, n int) ([]byte, error)
	// Turnaround clocks n cycles with SWDIO released by the host.
	Turnaround(ctx context.Context, n int) error
}

// SWDLink frames requests as SWD packets on an SWDWire.
type SWDLink struct {
	w           SWDWire
	turnaround  int
	idleCycles  int
	postedWaits int
}

func NewSWDLink(w SWDWire) *SWDLink {
	return &SWDLink{w: w, turnaround: 1, idleCycles: 8, postedWaits: 16}
}

// SetTurnaround sets the turnaround period, 1 to 4 cycles.
func (l *SWDLink) SetTurnaround(n int) {
	if n >= 1 && n <= 4 {
		l.turnaround = n
	}
}

func (l *SWDLink) Transfer(ctx context.Context, req Request) (Ack, uint32, error) {
	ack, data, err := l.packet(ctx, req)
	if err != nil || ack != AckOK || req.Port != AP {
		return ack, data, err
	}
	if req.Op == OpRead {
		// AP reads are posted, the value is returned by the next read.
		return l.follow(ctx, Read(DP, RegRDBUFF))
	}
	// A posted write that failed on the bus only shows in CTRL/STAT.
	ack, ctrl, err := l.follow(ctx, Read(DP, RegCTRLSTAT))
	if err != nil || ack != AckOK {
		return ack, 0, err
	}
	if ctrl&ctrlStatStickyErr != 0 {
		return AckFault, 0, nil
	}
	return AckOK, 0, nil
}

func (l *SWDLink) follow(ctx context.Context, req Request) (Ack, uint32, error) {
	for i := 0; ; i++ {
		ack, data, err := l.packet(ctx, req)
		if err != nil || ack != AckWait || i >= l.postedWaits {
			return ack, data, err
		}
	}
}

// LineReset sends the JTAG-to-SWD selection sequence followed by a line
// reset and reads DPIDR, which the protocol requires before any other
// access. The selection sequence is ignored by a target already in SWD mode.
func (l *SWDLink) LineReset(ctx context.Context) (uint32, error) {
	ones := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	for _, s := range []struct {
		b []byte
		n int
	}{
		{ones, 56},
		{[]byte{0x9e, 0xe7}, 16},
		{ones, 56},
		{[]byte{0}, 8},
	} {
		if err := l.w.WriteBits(ctx, s.b, s.n); err != nil {
			return 0, errors.Trace(err)
		}
	}
	ack, id, err := l.packet(ctx, Read(DP, RegDPIDR))
	if err != nil {
		return 0, errors.Trace(err)
	}
	if ack != AckOK {
		return 0, errors.Trace(probeerr.New(probeerr.KindProtocol, "DPIDR read after line reset: %s", ack))
	}
	return id, nil
}

func (l *SWDLink) packet(ctx context.Context, req Request) (Ack, uint32, error) {
	if err := l.w.WriteBits(ctx, []byte{swdHeader(req)}, 8); err != nil {
		return 0, 0, errors.Trace(err)
	}
	if err := l.w.Turnaround(ctx, l.turnaround); err != nil {
		return 0, 0, errors.Trace(err)
	}
	b, err := l.w.ReadBits(ctx, 3)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	ack := Ack(b[0] & 7)
	switch ack {
	case AckOK:
	case AckWait, AckFault:
		return ack, 0, l.finish(ctx)
	default:
		glog.V(3).Infof("SWD %s: bad ack %03b", req, b[0]&7)
		return AckProtocolError, 0, l.finish(ctx)
	}

	if req.Op == OpRead {
		b, err := l.w.ReadBits(ctx, 33)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		data := binary.LittleEndian.Uint32(b)
		if err := l.finish(ctx); err != nil {
			return 0, 0, err
		}
		if parity32(data) != b[4]&1 {
			glog.V(3).Infof("SWD %s: parity error on 0x%08x", req, data)
			return AckProtocolError, 0, nil
		}
		return AckOK, data, nil
	}

	if err := l.w.Turnaround(ctx, l.turnaround); err != nil {
		return 0, 0, errors.Trace(err)
	}
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf, req.Data)
	buf[4] = parity32(req.Data)
	if err := l.w.WriteBits(ctx, buf, 33); err != nil {
		return 0, 0, errors.Trace(err)
	}
	return AckOK, 0, l.idle(ctx)
}

// finish hands the line back to the host after a target-driven phase.
func (l *SWDLink) finish(ctx context.Context) error {
	if err := l.w.Turnaround(ctx, l.turnaround); err != nil {
		return errors.Trace(err)
	}
	return l.idle(ctx)
}

func (l *SWDLink) idle(ctx context.Context) error {
	if l.idleCycles == 0 {
		return nil
	}
	return errors.Trace(l.w.WriteBits(ctx, make([]byte, (l.idleCycles+7)/8), l.idleCycles))
}

// swdHeader builds the request header: start, APnDP, RnW, A[3:2], parity,
// stop, park, transmitted LSB first.
func swdHeader(req Request) uint8 {
	var f uint8
	if req.Port == AP {
		f |= 1
	}
	if req.Op == OpRead {
		f |= 2
	}
	f |= (req.Reg >> 2 & 3) << 2
	h := uint8(0x81) | f<<1
	if bits.OnesCount8(f)&1 == 1 {
		h |= 1 << 5
	}
	return h
}

// ParseSWDHeader is the inverse of the header encoding. ok is false if the
// fixed bits or the parity are wrong.
func ParseSWDHeader(h uint8) (req Request, ok bool) {
	if h&0x01 == 0 || h&0x40 != 0 || h&0x80 == 0 {
		return req, false
	}
	f := h >> 1 & 0xf
	if uint8(bits.OnesCount8(f)&1) != h>>5&1 {
		return req, false
	}
	if f&1 != 0 {
		req.Port = AP
	}
	if f&2 != 0 {
		req.Op = OpRead
	} else {
		req.Op = OpWrite
	}
	req.Reg = (f >> 2 & 3) << 2
	return req, true
}

func parity32(v uint32) uint8 {
	return uint8(bits.OnesCount32(v) & 1)
}
