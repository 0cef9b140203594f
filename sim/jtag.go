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

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/wire"
)

type tapState int

const (
	tapReset tapState = iota
	tapIdle
	tapSelectDR
	tapCaptureDR
	tapShiftDR
	tapExit1DR
	tapPauseDR
	tapExit2DR
	tapUpdateDR
	tapSelectIR
	tapCaptureIR
	tapShiftIR
	tapExit1IR
	tapPauseIR
	tapExit2IR
	tapUpdateIR
)

// next[state][tms]
var tapNext = [16][2]tapState{
	tapReset:     {tapIdle, tapReset},
	tapIdle:      {tapIdle, tapSelectDR},
	tapSelectDR:  {tapCaptureDR, tapSelectIR},
	tapCaptureDR: {tapShiftDR, tapExit1DR},
	tapShiftDR:   {tapShiftDR, tapExit1DR},
	tapExit1DR:   {tapPauseDR, tapUpdateDR},
	tapPauseDR:   {tapPauseDR, tapExit2DR},
	tapExit2DR:   {tapShiftDR, tapUpdateDR},
	tapUpdateDR:  {tapIdle, tapSelectDR},
	tapSelectIR:  {tapCaptureIR, tapReset},
	tapCaptureIR: {tapShiftIR, tapExit1IR},
	tapShiftIR:   {tapShiftIR, tapExit1IR},
	tapExit1IR:   {tapPauseIR, tapUpdateIR},
	tapPauseIR:   {tapPauseIR, tapExit2IR},
	tapExit2IR:   {tapShiftIR, tapUpdateIR},
	tapUpdateIR:  {tapIdle, tapSelectDR},
}

// TAP is the target end of a JTAG chain with a single ARM JTAG-DP.
type TAP struct {
	t *Target

	state    tapState
	ir       uint8
	shift    uint64
	length   int
	suppress bool
	result   uint32
}

func (t *Target) TAP() *TAP {
	return &TAP{t: t, state: tapReset, ir: wire.IRIDCODE}
}

func (p *TAP) ClockTMS(ctx context.Context, tms uint32, n int) error {
	if p.t.unplugged() {
		return errors.New("sim: probe disconnected")
	}
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	for i := 0; i < n; i++ {
		p.clock(uint8(tms>>uint(i)&1), 0)
	}
	return nil
}

func (p *TAP) Shift(ctx context.Context, tdi []byte, n int) ([]byte, error) {
	if p.t.unplugged() {
		return nil, errors.New("sim: probe disconnected")
	}
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if p.state != tapShiftDR && p.state != tapShiftIR {
		return nil, errors.Errorf("sim: TAP is not in a shift state (%d)", p.state)
	}
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		tms := uint8(0)
		if i == n-1 {
			tms = 1
		}
		out[i/8] |= p.clock(tms, tdi[i/8]>>uint(i%8)&1) << uint(i%8)
	}
	return out, nil
}

// clock advances the TAP by one TCK and returns TDO.
func (p *TAP) clock(tms, tdi uint8) uint8 {
	if p.t.f.unresponsive {
		return 1
	}
	var tdo uint8
	if p.state == tapShiftDR || p.state == tapShiftIR {
		tdo = uint8(p.shift & 1)
		p.shift = p.shift>>1 | uint64(tdi)<<uint(p.length-1)
	}
	p.state = tapNext[p.state][tms]
	switch p.state {
	case tapReset:
		p.ir = wire.IRIDCODE
	case tapCaptureIR:
		p.shift, p.length = 0x1, wire.IRLength
	case tapUpdateIR:
		p.ir = uint8(p.shift & 0xf)
	case tapCaptureDR:
		p.captureDR()
	case tapUpdateDR:
		p.updateDR()
	}
	return tdo
}

func (p *TAP) captureDR() {
	switch p.ir {
	case wire.IRIDCODE:
		p.shift, p.length = uint64(p.t.opts.IDCODE), 32
	case wire.IRDPACC, wire.IRAPACC:
		p.length = wire.ACCLength
		p.suppress = false
		ack := uint64(0x2)
		if p.t.takeWaitLocked() {
			ack, p.suppress = 0x1, true
		} else if p.t.takeCorruptLocked() {
			ack, p.suppress = 0x7, true
		}
		p.shift = uint64(p.result)<<3 | ack
	case wire.IRAbort:
		p.shift, p.length = 0, wire.ACCLength
	default:
		p.shift, p.length = 0, 1
	}
}

func (p *TAP) updateDR() {
	if p.suppress {
		p.suppress = false
		return
	}
	req := wire.Request{
		Op:   wire.OpWrite,
		Reg:  uint8(p.shift>>1&3) << 2,
		Data: uint32(p.shift >> 3),
	}
	if p.shift&1 != 0 {
		req.Op = wire.OpRead
	}
	switch p.ir {
	case wire.IRAbort:
		req.Port, req.Reg, req.Op = wire.DP, wire.RegABORT, wire.OpWrite
	case wire.IRDPACC:
		req.Port = wire.DP
	case wire.IRAPACC:
		req.Port = wire.AP
	default:
		return
	}
	_, v := p.t.accessLocked(req)
	p.result = v
}

// Clock advances the TAP by one TCK with the given TMS and TDI levels and
// returns TDO, for probes that drive the pins bit by bit.
func (p *TAP) Clock(tms, tdi uint8) uint8 {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	return p.clock(tms&1, tdi&1)
}
