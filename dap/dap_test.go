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
	"bytes"
	"context"
	"encoding/binary"
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

// fakeProbe answers CMSIS-DAP commands from a simulated target.
type fakeProbe struct {
	t          *sim.Target
	link       *sim.Link
	tap        *wire.JTAGLink
	packetSize int
	caps       Capabilities
	serial     string

	pending [][]byte
	cmds    []cmd
	mode    ConnectMode
	clock   uint32
	closed  bool
}

func newFakeProbe(t *sim.Target) *fakeProbe {
	return &fakeProbe{
		t:          t,
		link:       t.Link(0),
		tap:        wire.NewJTAGLink(t.TAP()),
		packetSize: 64,
		caps:       CapSWD | CapJTAG,
		serial:     "0240000034",
	}
}

func (f *fakeProbe) MaxPacketSize() int { return f.packetSize }

func (f *fakeProbe) Close() error {
	f.closed = true
	return nil
}

func (f *fakeProbe) Write(ctx context.Context, data []byte) error {
	if f.closed {
		return errors.New("closed")
	}
	f.cmds = append(f.cmds, cmd(data[0]))
	f.pending = append(f.pending, f.handle(ctx, data))
	return nil
}

func (f *fakeProbe) Read(ctx context.Context) ([]byte, error) {
	if len(f.pending) == 0 {
		return nil, errors.New("nothing to read")
	}
	resp := f.pending[0]
	f.pending = f.pending[1:]
	return resp, nil
}

func status(ack wire.Ack) uint8 {
	switch ack {
	case wire.AckOK, wire.AckWait, wire.AckFault:
		return uint8(ack)
	}
	return 0x8 | 0x7
}

func (f *fakeProbe) handle(ctx context.Context, data []byte) []byte {
	c, args := cmd(data[0]), bytes.NewBuffer(data[1:])
	resp := bytes.NewBuffer([]byte{uint8(c)})
	switch c {
	case cmdInfo:
		var id uint8
		binary.Read(args, binary.LittleEndian, &id)
		switch id {
		case InfoPacketSize:
			resp.Write([]byte{2})
			binary.Write(resp, binary.LittleEndian, uint16(f.packetSize))
		case InfoPacketCount:
			resp.Write([]byte{1, 4})
		case InfoCapabilities:
			resp.Write([]byte{1, uint8(f.caps)})
		case InfoSerialNumber:
			resp.Write([]byte{uint8(len(f.serial) + 1)})
			resp.WriteString(f.serial)
			resp.WriteByte(0)
		default:
			resp.WriteByte(0)
		}
	case cmdConnect:
		var m uint8
		binary.Read(args, binary.LittleEndian, &m)
		if (m == 1 && f.caps&CapSWD != 0) || (m == 2 && f.caps&CapJTAG != 0) {
			f.mode = ConnectMode(m)
			resp.WriteByte(m)
		} else {
			resp.WriteByte(0)
		}
	case cmdSWJClock:
		binary.Read(args, binary.LittleEndian, &f.clock)
		resp.WriteByte(0)
	case cmdSWJPins:
		var v, sel uint8
		binary.Read(args, binary.LittleEndian, &v)
		binary.Read(args, binary.LittleEndian, &sel)
		if sel&PinNRESET != 0 {
			f.t.HardwareReset(v&PinNRESET == 0)
		}
		resp.WriteByte(v)
	case cmdJTAGIDCode:
		id, err := f.tap.LineReset(ctx)
		if err != nil {
			resp.WriteByte(0xff)
		} else {
			resp.WriteByte(0)
		}
		binary.Write(resp, binary.LittleEndian, id)
	case cmdTransfer:
		f.transfer(ctx, args, resp)
	case cmdTransferBlock:
		f.transferBlock(ctx, args, resp)
	default:
		resp.WriteByte(0)
	}
	return resp.Bytes()
}

func decodeReq(treq uint8) wire.Request {
	req := wire.Request{Op: wire.OpWrite, Port: wire.DP, Reg: treq & 0xc}
	if treq&1 != 0 {
		req.Port = wire.AP
	}
	if treq&2 != 0 {
		req.Op = wire.OpRead
	}
	return req
}

func (f *fakeProbe) transfer(ctx context.Context, args, resp *bytes.Buffer) {
	var idx, count uint8
	binary.Read(args, binary.LittleEndian, &idx)
	binary.Read(args, binary.LittleEndian, &count)
	var done uint8
	st := uint8(1)
	var out []uint32
	for i := 0; i < int(count); i++ {
		var treq uint8
		binary.Read(args, binary.LittleEndian, &treq)
		req := decodeReq(treq)
		if req.Op == wire.OpWrite {
			binary.Read(args, binary.LittleEndian, &req.Data)
		}
		ack, v, err := f.link.Transfer(ctx, req)
		if err != nil {
			ack = wire.AckProtocolError
		}
		if st = status(ack); ack != wire.AckOK {
			break
		}
		if req.Op == wire.OpRead {
			out = append(out, v)
		}
		done++
	}
	resp.Write([]byte{done, st})
	binary.Write(resp, binary.LittleEndian, out)
}

func (f *fakeProbe) transferBlock(ctx context.Context, args, resp *bytes.Buffer) {
	var idx, treq uint8
	var count uint16
	binary.Read(args, binary.LittleEndian, &idx)
	binary.Read(args, binary.LittleEndian, &count)
	binary.Read(args, binary.LittleEndian, &treq)
	r := decodeReq(treq)
	breq := wire.BlockRequest{Op: r.Op, Port: r.Port, Reg: r.Reg, Count: int(count)}
	if r.Op == wire.OpWrite {
		breq.Data = make([]uint32, count)
		binary.Read(args, binary.LittleEndian, breq.Data)
	}
	res, err := f.link.TransferBlock(ctx, breq)
	if err != nil {
		res.Ack = wire.AckProtocolError
	}
	binary.Write(resp, binary.LittleEndian, uint16(res.Done))
	resp.WriteByte(status(res.Ack))
	binary.Write(resp, binary.LittleEndian, res.Data)
}

func newTarget() *sim.Target {
	return sim.New(sim.DefaultDescription(), sim.DefaultOptions())
}

func attachOpts(tgt *sim.Target, proto wire.Protocol) probe.AttachOptions {
	opts := probe.DefaultAttachOptions()
	opts.Protocol = proto
	opts.Target = tgt.Description()
	opts.DP.PollInterval = time.Microsecond
	opts.Cortex.PollInterval = time.Microsecond
	opts.Wire.Backoff = time.Microsecond
	return opts
}

func TestNewClient(t *testing.T) {
	f := newFakeProbe(newTarget())
	f.packetSize = 512
	c, err := NewClient(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 512, c.MaxPacketSize())
	assert.Equal(t, (512-5)/4, c.GetTransferBlockMaxSize())
	assert.Equal(t, CapSWD|CapJTAG, c.Capabilities())
	sn, err := c.GetInfoString(context.Background(), InfoSerialNumber)
	require.NoError(t, err)
	assert.Equal(t, "0240000034", sn)

	require.NoError(t, c.Close())
	assert.True(t, f.closed)
}

func TestTransferStatus(t *testing.T) {
	for _, c := range []struct {
		st  TransferStatus
		ack wire.Ack
	}{
		{0x01, wire.AckOK},
		{0x02, wire.AckWait},
		{0x04, wire.AckFault},
		{0x07, wire.AckProtocolError},
		{0x09, wire.AckProtocolError},
	} {
		assert.Equal(t, c.ack, ackOf(c.st), "status 0x%02x", c.st)
	}
	assert.True(t, TransferStatus(1).Ok())
	assert.False(t, TransferStatus(0x11).Ok())
}

func TestLink(t *testing.T) {
	ctx := context.Background()
	tgt := newTarget()
	f := newFakeProbe(tgt)
	dev, err := newDevice(ctx, f, probe.Identity{Family: probe.FamilyCMSISDAP})
	require.NoError(t, err)
	assert.Equal(t, "0240000034", dev.Identity().Serial)
	assert.Equal(t, []wire.Protocol{wire.SWD, wire.JTAG}, dev.Protocols())

	l, err := dev.SelectProtocol(ctx, wire.SWD)
	require.NoError(t, err)
	assert.Equal(t, ConnectModeSWD, f.mode)
	id, err := l.LineReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultOptions().DPIDR, id)

	tgt.InjectWaits(1)
	ack, _, err := l.Transfer(ctx, wire.Read(wire.DP, wire.RegDPIDR))
	require.NoError(t, err)
	assert.Equal(t, wire.AckWait, ack)
	ack, v, err := l.Transfer(ctx, wire.Read(wire.DP, wire.RegDPIDR))
	require.NoError(t, err)
	assert.Equal(t, wire.AckOK, ack)
	assert.Equal(t, id, v)

	bl := l.(wire.BlockLink)
	assert.Equal(t, (64-5)/4, bl.MaxBlockSize())

	jl, err := dev.SelectProtocol(ctx, wire.JTAG)
	require.NoError(t, err)
	id, err = jl.LineReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultOptions().IDCODE, id)

	require.NoError(t, dev.Close())
	assert.Contains(t, f.cmds, cmdDisconnect)
	_, err = dev.SelectProtocol(ctx, wire.SWD)
	assert.True(t, probeerr.Is(err, probeerr.KindProbe))
}

func TestUnsupportedProtocol(t *testing.T) {
	ctx := context.Background()
	f := newFakeProbe(newTarget())
	f.caps = CapSWD
	dev, err := newDevice(ctx, f, probe.Identity{})
	require.NoError(t, err)
	assert.Equal(t, []wire.Protocol{wire.SWD}, dev.Protocols())
	_, err = dev.SelectProtocol(ctx, wire.JTAG)
	assert.True(t, probeerr.Is(err, probeerr.KindUnsupportedCapability))
}

func TestSession(t *testing.T) {
	for _, proto := range []wire.Protocol{wire.SWD, wire.JTAG} {
		t.Run(proto.String(), func(t *testing.T) {
			ctx := context.Background()
			tgt := newTarget()
			f := newFakeProbe(tgt)
			dev, err := newDevice(ctx, f, probe.Identity{Family: probe.FamilyCMSISDAP})
			require.NoError(t, err)
			p := probe.New(dev)
			opts := attachOpts(tgt, proto)
			opts.ClockHz = 4000000
			s, err := p.Attach(ctx, opts)
			require.NoError(t, err)
			assert.Equal(t, uint32(4000000), f.clock)

			data := make([]byte, 301)
			for i := range data {
				data[i] = byte(i * 7)
			}
			require.NoError(t, s.WriteMemory(ctx, 0x20000003, data))
			assert.Equal(t, data, tgt.Peek(0x20000003, len(data)))
			got, err := s.ReadMemory(ctx, 0x20000003, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, got)
			assert.Contains(t, f.cmds, cmdTransferBlock)

			tgt.InjectBusFault(0x20000100, 4)
			_, err = s.ReadMemory(ctx, 0x20000000, 0x200)
			assert.True(t, probeerr.Is(err, probeerr.KindTargetFault), "%v", err)

			require.NoError(t, s.Detach(ctx))
			require.NoError(t, p.Close(ctx))
		})
	}
}

func TestSetReset(t *testing.T) {
	ctx := context.Background()
	tgt := newTarget()
	tgt.Poke(0x08000000, []byte{0x00, 0x10, 0x00, 0x20, 0x41, 0x02, 0x00, 0x08})
	dev, err := newDevice(ctx, newFakeProbe(tgt), probe.Identity{})
	require.NoError(t, err)
	p := probe.New(dev)
	p.SetResetHold(time.Microsecond)
	require.NoError(t, p.TargetReset(ctx, probe.ResetPulse))
	assert.Equal(t, uint32(0x08000240), tgt.CoreReg(15))
	assert.Equal(t, uint32(0x20001000), tgt.CoreReg(13))
}

func TestDriver(t *testing.T) {
	ctx := context.Background()
	tgt := newTarget()
	var opened []string
	drv := &Driver{
		listHID: func(match func(transport.Info) bool) ([]transport.Info, error) {
			var res []transport.Info
			for _, info := range []transport.Info{
				{VID: 0x0d28, PID: 0x0204, Product: "DAPLink CMSIS-DAP", Path: "/dev/hidraw3"},
				{VID: 0x046d, PID: 0xc52b, Product: "USB Receiver", Path: "/dev/hidraw0"},
			} {
				if match(info) {
					res = append(res, info)
				}
			}
			return res, nil
		},
		listUSB: func(match func(transport.Info) bool) ([]transport.Info, error) {
			info := transport.Info{VID: 0x2e8a, PID: 0x000c, Serial: "E6614C", Product: "Picoprobe CMSIS-DAP v2",
				Path: "usb:1.7", Interface: 0, EndpointIn: 1, EndpointOut: 4}
			if !match(info) {
				return nil, nil
			}
			return []transport.Info{info}, nil
		},
		openHID: func(path string) (transport.Packet, error) {
			opened = append(opened, path)
			return newFakeProbe(tgt), nil
		},
		openBulk: func(info transport.Info) (transport.Bulk, error) {
			return nil, errors.Trace(probeerr.New(probeerr.KindProbe, "access denied"))
		},
	}
	ids, err := drv.List(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, probe.Identity{Family: probe.FamilyCMSISDAP, VID: 0x0d28, PID: 0x0204,
		Description: "DAPLink CMSIS-DAP", Path: "/dev/hidraw3"}, ids[0])
	assert.Equal(t, "E6614C", ids[1].Serial)

	dev, err := drv.Open(ctx, probe.Identity{VID: 0x0d28})
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/hidraw3"}, opened)
	assert.Equal(t, "0240000034", dev.Identity().Serial)

	_, err = drv.Open(ctx, probe.Identity{Serial: "E6614C"})
	assert.True(t, probeerr.Is(err, probeerr.KindProbe))

	_, err = drv.Open(ctx, probe.Identity{VID: 0x1366})
	assert.True(t, probeerr.Is(err, probeerr.KindProbeNotFound))
}
