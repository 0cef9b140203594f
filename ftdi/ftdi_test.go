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
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/probe"
	"github.com/mongoose-os/dbgprobe/sim"
	"github.com/mongoose-os/dbgprobe/transport"
	"github.com/mongoose-os/dbgprobe/wire"
)

// fakeChip executes MPSSE commands against a simulated TAP, one TCK at a
// time.
type fakeChip struct {
	t   *sim.Target
	tap *sim.TAP

	mode     uint16
	controls [][2]uint16
	low, dir uint8
	divisor  uint16
	out      []byte
	closed   bool
}

func newFakeChip(t *sim.Target) *fakeChip {
	return &fakeChip{t: t, tap: t.TAP()}
}

func (c *fakeChip) MaxPacketSize() int { return 64 }

func (c *fakeChip) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	c.controls = append(c.controls, [2]uint16{uint16(request), val})
	if request == sioSetBitmode {
		c.mode = val >> 8
	}
	return 0, nil
}

func (c *fakeChip) Write(ctx context.Context, data []byte) error {
	if c.closed {
		return errors.New("closed")
	}
	for i := 0; i < len(data); {
		op := data[i]
		i++
		if c.mode != bitmodeMPSSE {
			continue
		}
		switch op {
		case opTMS, opTMSRead:
			n, d := int(data[i])+1, data[i+1]
			i += 2
			var r uint8
			for k := 0; k < n; k++ {
				r = r>>1 | c.tap.Clock(d>>uint(k)&1, d>>7)<<7
			}
			if op == opTMSRead {
				c.out = append(c.out, r)
			}
		case opShiftBytes:
			n := int(data[i]) | int(data[i+1])<<8 + 1
			i += 2
			for _, b := range data[i : i+n] {
				var r uint8
				for k := uint(0); k < 8; k++ {
					r |= c.tap.Clock(0, b>>k&1) << k
				}
				c.out = append(c.out, r)
			}
			i += n
		case opShiftBits:
			n, d := int(data[i])+1, data[i+1]
			i += 2
			var r uint8
			for k := 0; k < n; k++ {
				r = r>>1 | c.tap.Clock(0, d>>uint(k)&1)<<7
			}
			c.out = append(c.out, r)
		case opSetLow:
			c.low, c.dir = data[i], data[i+1]
			i += 2
			if c.dir&defaultResetPin != 0 {
				c.t.HardwareReset(c.low&defaultResetPin == 0)
			}
		case opSetHigh:
			i += 2
		case opSetDivisor:
			c.divisor = uint16(data[i]) | uint16(data[i+1])<<8
			i += 2
		case opSendImmediate, opDisableDiv5, opDisable3Phase, opDisableAdapt, opLoopbackOff:
		default:
			c.out = append(c.out, respBadCommand, op)
		}
	}
	return nil
}

func (c *fakeChip) Read(ctx context.Context) ([]byte, error) {
	buf := make([]byte, c.MaxPacketSize())
	n, err := c.ReadInto(ctx, buf)
	return buf[:n], err
}

// ReadInto returns at most one packet, status bytes first, in small pieces
// to exercise reassembly.
func (c *fakeChip) ReadInto(ctx context.Context, buf []byte) (int, error) {
	n := copy(buf[statusLen:], c.out)
	if n > 5 {
		n = 5
	}
	c.out = c.out[n:]
	buf[0], buf[1] = 0x32, 0x60
	return statusLen + n, nil
}

func (c *fakeChip) Close() error {
	c.closed = true
	return nil
}

var _ transport.Bulk = (*fakeChip)(nil)

func newTarget() *sim.Target {
	return sim.New(sim.DefaultDescription(), sim.DefaultOptions())
}

func TestDivisor(t *testing.T) {
	assert.Equal(t, uint16(0), divisor(30000000))
	assert.Equal(t, uint16(0), divisor(60000000))
	assert.Equal(t, uint16(29), divisor(1000000))
	// Never faster than asked: 9 MHz rounds down to 7.5 MHz.
	assert.Equal(t, uint16(3), divisor(9000000))
	assert.Equal(t, uint16(0xffff), divisor(1))
}

func TestInit(t *testing.T) {
	c := newFakeChip(newTarget())
	d, err := newDevice(context.Background(), c, probe.Identity{Family: probe.FamilyFTDI}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, uint16(bitmodeMPSSE), c.mode)
	assert.Equal(t, [2]uint16{sioSetLatency, defaultLatency}, c.controls[3])
	assert.Equal(t, pinTMS|defaultResetPin, c.low)
	assert.Equal(t, pinTCK|pinTDI|pinTMS|defaultResetPin, c.dir)
	assert.Equal(t, uint16(29), c.divisor)
	assert.Equal(t, []wire.Protocol{wire.JTAG}, d.Protocols())

	_, err = d.SelectProtocol(context.Background(), wire.SWD)
	assert.True(t, probeerr.Is(err, probeerr.KindUnsupportedCapability))

	require.NoError(t, d.Close())
	assert.True(t, c.closed)
	assert.Equal(t, uint16(bitmodeReset), c.mode)
	_, err = d.SelectProtocol(context.Background(), wire.JTAG)
	assert.True(t, probeerr.Is(err, probeerr.KindProbe))
}

func TestSyncFailure(t *testing.T) {
	c := newFakeChip(newTarget())
	c.mode = 0xff
	// Bitmode control requests are ignored, so the chip never echoes.
	drop := &noMPSSE{c}
	_, err := newDevice(context.Background(), drop, probe.Identity{}, DefaultConfig())
	require.Error(t, err)
	assert.True(t, c.closed)
}

type noMPSSE struct{ *fakeChip }

func (c *noMPSSE) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return 0, nil
}

func (c *noMPSSE) ReadInto(ctx context.Context, buf []byte) (int, error) {
	if len(c.out) == 0 {
		c.out = []byte{0x00, 0x00}
	}
	return c.fakeChip.ReadInto(ctx, buf)
}

func TestShift(t *testing.T) {
	ctx := context.Background()
	tgt := newTarget()
	c := newFakeChip(tgt)
	d, err := newDevice(ctx, c, probe.Identity{}, DefaultConfig())
	require.NoError(t, err)
	l, err := d.SelectProtocol(ctx, wire.JTAG)
	require.NoError(t, err)
	id, err := l.LineReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultOptions().IDCODE, id)

	// IDCODE is still selected: shift it out directly, 32 bits then 3.
	m := d.m
	require.NoError(t, m.ClockTMS(ctx, 0x1, 3))
	tdo, err := m.Shift(ctx, []byte{0, 0, 0, 0}, 32)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x77, 0x04, 0xa0, 0x4b}, tdo)
	require.NoError(t, m.ClockTMS(ctx, 0x1, 2))
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	tgt := newTarget()
	drv := &Driver{
		cfg: DefaultConfig(),
		listUSB: func(match func(transport.Info) bool) ([]transport.Info, error) {
			var res []transport.Info
			for _, info := range []transport.Info{
				{VID: 0x0403, PID: 0x6010, Product: "Dual RS232-HS", Path: "usb:1.4", EndpointIn: 1, EndpointOut: 2},
				{VID: 0x0403, PID: 0x6001, Product: "FT232R USB UART", Path: "usb:1.5", EndpointIn: 1, EndpointOut: 2},
			} {
				if match(info) {
					res = append(res, info)
				}
			}
			return res, nil
		},
		openBulk: func(info transport.Info) (transport.Bulk, error) {
			return newFakeChip(tgt), nil
		},
	}
	ids, err := drv.List(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "ftdi 0403:6010 (Dual RS232-HS)", ids[0].String())

	p, err := probe.Open(ctx, probe.Identity{Family: probe.FamilyFTDI}, drv)
	require.NoError(t, err)
	opts := probe.DefaultAttachOptions()
	opts.Protocol = wire.JTAG
	opts.Target = tgt.Description()
	opts.DP.PollInterval = time.Microsecond
	opts.Cortex.PollInterval = time.Microsecond
	opts.Wire.Backoff = time.Microsecond
	s, err := p.Attach(ctx, opts)
	require.NoError(t, err)

	require.NoError(t, s.WriteMemory(ctx, 0x20000000, []byte{0xef, 0xbe, 0xad, 0xde}))
	got, err := s.ReadMemory(ctx, 0x20000000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, got)

	tgt.Poke(0x08000000, []byte{0x00, 0x10, 0x00, 0x20, 0x41, 0x02, 0x00, 0x08})
	p.SetResetHold(time.Microsecond)
	require.NoError(t, p.TargetReset(ctx, probe.ResetPulse))
	assert.Equal(t, uint32(0x08000240), tgt.CoreReg(15))

	require.NoError(t, s.Detach(ctx))
	require.NoError(t, p.Close(ctx))
}
