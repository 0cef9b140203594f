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

// Package ftdi drives FTDI chips in MPSSE mode as JTAG adapters.
package ftdi

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/transport"
)

// MPSSE opcodes. Data is clocked out on the falling edge and sampled on the
// rising edge of TCK, LSB first.
const (
	opShiftBytes    = 0x39
	opShiftBits     = 0x3b
	opTMS           = 0x4b
	opTMSRead       = 0x6b
	opSetLow        = 0x80
	opSetHigh       = 0x82
	opLoopbackOff   = 0x85
	opSetDivisor    = 0x86
	opSendImmediate = 0x87
	opDisableDiv5   = 0x8a
	opDisable3Phase = 0x8d
	opDisableAdapt  = 0x97
	opBad           = 0xaa

	respBadCommand = 0xfa
)

// Low byte pins in MPSSE JTAG mode.
const (
	pinTCK uint8 = 1 << 0
	pinTDI uint8 = 1 << 1
	pinTDO uint8 = 1 << 2
	pinTMS uint8 = 1 << 3
)

// baseClock is the MPSSE clock with divide-by-5 off.
const baseClock = 30000000

const statusLen = 2

// mpsse sends command buffers to the chip and reads back the bytes they
// produce. It implements wire.TAPShifter.
type mpsse struct {
	b transport.Bulk

	// Current low byte output value and direction.
	low, lowDir uint8
}

func (m *mpsse) exec(ctx context.Context, cmd []byte, respLen int) ([]byte, error) {
	if respLen > 0 {
		cmd = append(cmd, opSendImmediate)
	}
	if err := m.b.Write(ctx, cmd); err != nil {
		return nil, errors.Trace(err)
	}
	if respLen == 0 {
		return nil, nil
	}
	return m.read(ctx, respLen)
}

// read collects n data bytes. Every USB packet from the chip starts with two
// modem status bytes, which are dropped.
func (m *mpsse) read(ctx context.Context, n int) ([]byte, error) {
	res := make([]byte, 0, n)
	buf := make([]byte, m.b.MaxPacketSize())
	for len(res) < n {
		if err := ctx.Err(); err != nil {
			return nil, errors.Annotatef(err, "MPSSE read")
		}
		k, err := m.b.ReadInto(ctx, buf)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if k > statusLen {
			res = append(res, buf[statusLen:k]...)
		}
	}
	if len(res) > n {
		glog.V(3).Infof("MPSSE: %d unexpected bytes", len(res)-n)
		res = res[:n]
	}
	return res, nil
}

// sync checks that the chip is in MPSSE mode: a bad opcode is echoed back
// after 0xFA.
func (m *mpsse) sync(ctx context.Context) error {
	resp, err := m.exec(ctx, []byte{opBad}, 2)
	if err != nil {
		return errors.Trace(err)
	}
	if resp[0] != respBadCommand || resp[1] != opBad {
		return errors.Trace(probeerr.New(probeerr.KindProbe, "MPSSE sync failed (got %x)", resp))
	}
	return nil
}

func (m *mpsse) setLow(ctx context.Context, value, dir uint8) error {
	m.low, m.lowDir = value, dir
	return errors.Trace(m.b.Write(ctx, []byte{opSetLow, value, dir}))
}

func divisor(hz uint32) uint16 {
	if hz == 0 || hz >= baseClock {
		return 0
	}
	div := (baseClock + hz - 1) / hz
	if div > 0x10000 {
		div = 0x10000
	}
	return uint16(div - 1)
}

func (m *mpsse) setClock(ctx context.Context, hz uint32) error {
	div := divisor(hz)
	glog.V(3).Infof("MPSSE clock %d Hz, divisor %d", hz, div)
	return errors.Trace(m.b.Write(ctx, []byte{opSetDivisor, byte(div), byte(div >> 8)}))
}

func (m *mpsse) ClockTMS(ctx context.Context, tms uint32, n int) error {
	var cmd []byte
	for n > 0 {
		k := n
		if k > 7 {
			k = 7
		}
		cmd = append(cmd, opTMS, byte(k-1), byte(tms)&(1<<uint(k)-1))
		tms >>= uint(k)
		n -= k
	}
	if len(cmd) == 0 {
		return nil
	}
	return errors.Trace(m.b.Write(ctx, cmd))
}

func (m *mpsse) Shift(ctx context.Context, tdi []byte, n int) ([]byte, error) {
	if n < 1 || len(tdi) < (n+7)/8 {
		return nil, errors.Errorf("bad shift of %d bits from %d bytes", n, len(tdi))
	}
	// All but the last bit are plain data; the last one goes out with TMS
	// high to leave the shift state.
	full, rem := (n-1)/8, (n-1)%8
	var cmd []byte
	respLen := 1
	if full > 0 {
		cmd = append(cmd, opShiftBytes, byte(full-1), byte((full-1)>>8))
		cmd = append(cmd, tdi[:full]...)
		respLen += full
	}
	if rem > 0 {
		cmd = append(cmd, opShiftBits, byte(rem-1), tdi[full])
		respLen++
	}
	last := tdi[(n-1)/8] >> uint((n-1)%8) & 1
	cmd = append(cmd, opTMSRead, 0, last<<7|1)
	resp, err := m.exec(ctx, cmd, respLen)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]byte, (n+7)/8)
	copy(out, resp[:full])
	i := full
	if rem > 0 {
		// Bits are shifted in at the top of the byte.
		out[full] = resp[i] >> uint(8-rem)
		i++
	}
	out[(n-1)/8] |= (resp[i] >> 7) << uint((n-1)%8)
	return out, nil
}
