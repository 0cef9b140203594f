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

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

// ARM JTAG-DP instruction register values.
const (
	IRAbort  uint8 = 0x8
	IRDPACC  uint8 = 0xA
	IRAPACC  uint8 = 0xB
	IRIDCODE uint8 = 0xE
	IRBypass uint8 = 0xF

	IRLength  = 4
	ACCLength = 35
)

// JTAG-DP scan acknowledgements; OK and FAULT share a code.
const (
	jtagAckOKFault = 0x2
	jtagAckWait    = 0x1
)

const ctrlStatStickyErr = 1 << 5

// TAPShifter clocks a single JTAG TAP. Bits are packed LSB first.
type TAPShifter interface {
	// ClockTMS clocks n bits of tms out on TMS with TDI held low.
	ClockTMS(ctx context.Context, tms uint32, n int) error
	// Shift shifts n bits of tdi through the selected register while the TAP
	// is in Shift-IR or Shift-DR, raising TMS on the last bit, and returns
	// the bits captured on TDO.
	Shift(ctx context.Context, tdi []byte, n int) ([]byte, error)
}

// JTAGLink frames requests as JTAG-DP scans. Results of JTAG-DP accesses are
// posted; the link collects them with a follow-up scan, so Transfer returns
// the value of the access it was given. AP accesses are followed by a
// CTRL/STAT read and a sticky error is reported as FAULT.
type JTAGLink struct {
	tap        TAPShifter
	ir         uint8
	irValid    bool
	idleCycles int
	maxPolls   int
}

func NewJTAGLink(tap TAPShifter) *JTAGLink {
	return &JTAGLink{tap: tap, idleCycles: 0, maxPolls: 64}
}

func (l *JTAGLink) Transfer(ctx context.Context, req Request) (Ack, uint32, error) {
	if req.Port == DP && req.Op == OpWrite && req.Reg == RegABORT {
		if _, _, err := l.scan(ctx, IRAbort, req); err != nil {
			return 0, 0, err
		}
		return AckOK, 0, nil
	}
	ir := IRDPACC
	if req.Port == AP {
		ir = IRAPACC
	}
	ack, _, err := l.scan(ctx, ir, req)
	if err != nil || ack != AckOK {
		return ack, 0, err
	}
	if req.Port == DP {
		return l.collect(ctx, Read(DP, RegRDBUFF))
	}
	ack, data, err := l.collect(ctx, Read(DP, RegCTRLSTAT))
	if err != nil || ack != AckOK {
		return ack, 0, err
	}
	ack, ctrl, err := l.collect(ctx, Read(DP, RegRDBUFF))
	if err != nil || ack != AckOK {
		return ack, 0, err
	}
	if ctrl&ctrlStatStickyErr != 0 {
		glog.V(3).Infof("JTAG %s: STICKYERR set, CTRL/STAT 0x%08x", req, ctrl)
		return AckFault, 0, nil
	}
	return AckOK, data, nil
}

// LineReset walks the TAP through Test-Logic-Reset to Run-Test/Idle and
// reads IDCODE, which reset selects.
func (l *JTAGLink) LineReset(ctx context.Context) (uint32, error) {
	if err := l.tap.ClockTMS(ctx, 0x1f, 6); err != nil {
		return 0, errors.Trace(err)
	}
	l.ir, l.irValid = IRIDCODE, true
	tdo, err := l.shiftDR(ctx, 0, 32)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id := uint32(tdo)
	if id&1 == 0 || id == 0xffffffff {
		return 0, errors.Trace(probeerr.New(probeerr.KindProtocol, "invalid IDCODE 0x%08x", id))
	}
	return id, nil
}

// collect issues req until its scan is no longer answered with WAIT and
// returns the result of the previous access.
func (l *JTAGLink) collect(ctx context.Context, req Request) (Ack, uint32, error) {
	for i := 0; i < l.maxPolls; i++ {
		ack, data, err := l.scan(ctx, IRDPACC, req)
		if err != nil || ack != AckWait {
			return ack, data, err
		}
	}
	glog.V(3).Infof("JTAG: access still in progress after %d polls", l.maxPolls)
	return AckProtocolError, 0, nil
}

func (l *JTAGLink) scan(ctx context.Context, ir uint8, req Request) (Ack, uint32, error) {
	if err := l.selectIR(ctx, ir); err != nil {
		return 0, 0, err
	}
	v := uint64(req.Data)<<3 | uint64(req.Reg>>2&3)<<1
	if req.Op == OpRead {
		v |= 1
	}
	tdo, err := l.shiftDR(ctx, v, ACCLength)
	if err != nil {
		return 0, 0, err
	}
	data := uint32(tdo >> 3)
	switch tdo & 7 {
	case jtagAckOKFault:
		return AckOK, data, nil
	case jtagAckWait:
		return AckWait, 0, nil
	}
	glog.V(3).Infof("JTAG %s: bad ack %03b", req, tdo&7)
	return AckProtocolError, 0, nil
}

func (l *JTAGLink) selectIR(ctx context.Context, ir uint8) error {
	if l.irValid && l.ir == ir {
		return nil
	}
	// Idle -> Select-DR -> Select-IR -> Capture-IR -> Shift-IR.
	if err := l.tap.ClockTMS(ctx, 0x3, 4); err != nil {
		return errors.Trace(err)
	}
	if _, err := l.tap.Shift(ctx, []byte{ir}, IRLength); err != nil {
		l.irValid = false
		return errors.Trace(err)
	}
	// Exit1-IR -> Update-IR -> Idle.
	if err := l.tap.ClockTMS(ctx, 0x1, 2); err != nil {
		l.irValid = false
		return errors.Trace(err)
	}
	l.ir, l.irValid = ir, true
	return nil
}

func (l *JTAGLink) shiftDR(ctx context.Context, v uint64, n int) (uint64, error) {
	// Idle -> Select-DR -> Capture-DR -> Shift-DR.
	if err := l.tap.ClockTMS(ctx, 0x1, 3); err != nil {
		return 0, errors.Trace(err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	tdo, err := l.tap.Shift(ctx, buf[:(n+7)/8], n)
	if err != nil {
		return 0, errors.Trace(err)
	}
	// Exit1-DR -> Update-DR -> Idle.
	if err := l.tap.ClockTMS(ctx, 0x1, 2); err != nil {
		return 0, errors.Trace(err)
	}
	if l.idleCycles > 0 {
		if err := l.tap.ClockTMS(ctx, 0, l.idleCycles); err != nil {
			return 0, errors.Trace(err)
		}
	}
	var out [8]byte
	copy(out[:], tdo)
	r := binary.LittleEndian.Uint64(out[:])
	if n < 64 {
		r &= 1<<uint(n) - 1
	}
	return r, nil
}
