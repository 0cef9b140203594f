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
package memap_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/sim"
	"github.com/mongoose-os/dbgprobe/sim/simtest"
	"github.com/mongoose-os/dbgprobe/wire"
)

var links = []simtest.Options{
	{Protocol: wire.SWD},
	{Protocol: wire.SWD, MaxBlock: 64},
	{Protocol: wire.SWD, BitLevel: true},
	{Protocol: wire.JTAG, BitLevel: true},
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestWordRegisters(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	require.NoError(t, s.MemAP.WriteTargetReg(ctx, 0x20000000, 0xDEADBEEF))
	v, err := s.MemAP.ReadTargetReg(ctx, 0x20000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, s.Target.Peek(0x20000000, 4))

	require.NoError(t, s.MemAP.WriteTargetMem(ctx, 0x20000100, []uint32{1, 2, 3}))
	words, err := s.MemAP.ReadTargetMem(ctx, 0x20000100, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, words)

	_, err = s.MemAP.ReadTargetMem(ctx, 0x20000102, 1)
	assert.True(t, probeerr.Is(err, probeerr.KindInvalidArgument))
}

func TestRoundTrip(t *testing.T) {
	for _, o := range links {
		ctx := context.Background()
		s := simtest.Connect(t, sim.New(sim.DefaultDescription(), sim.DefaultOptions()), o)
		for _, c := range []struct {
			addr uint32
			n    int
		}{
			{0x20000000, 4},
			{0x20000001, 1},
			{0x20000003, 6},
			{0x20000102, 2},
			{0x200003f0, 0x40}, // crosses the auto-increment boundary
			{0x20000ffd, 0x1203},
		} {
			data := pattern(c.n, byte(c.addr))
			require.NoError(t, s.MemAP.WriteMemory(ctx, c.addr, data), "%+v %#x", o, c.addr)
			got, err := s.MemAP.ReadMemory(ctx, c.addr, c.n)
			require.NoError(t, err)
			assert.Equal(t, data, got, "%+v %#x", o, c.addr)
			assert.Equal(t, data, s.Target.Peek(c.addr, c.n))
		}
	}
}

func TestNeighboursUntouched(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	require.True(t, s.Target.Poke(0x20000200, bytes.Repeat([]byte{0xaa}, 8)))
	require.NoError(t, s.MemAP.WriteMemory(ctx, 0x20000203, []byte{1, 2}))
	assert.Equal(t, []byte{0xaa, 0xaa, 0xaa, 1, 2, 0xaa, 0xaa, 0xaa}, s.Target.Peek(0x20000200, 8))
}

func TestInvalidAddressSendsNothing(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	for _, c := range []struct {
		addr uint32
		n    int
	}{
		{0x30000000, 4},
		{0x2000fffe, 4}, // runs off the end of SRAM
		{0x10000002, 4}, // word-only region, misaligned
		{0x10000000, 3}, // word-only region, partial word
		{0xfffffffe, 4}, // wraps
	} {
		before := s.Target.Requests()
		_, err := s.MemAP.ReadMemory(ctx, c.addr, c.n)
		assert.True(t, probeerr.Is(err, probeerr.KindInvalidAddress), "%#x: %s", c.addr, err)
		err = s.MemAP.WriteMemory(ctx, c.addr, make([]byte, c.n))
		assert.True(t, probeerr.Is(err, probeerr.KindInvalidAddress), "%#x: %s", c.addr, err)
		assert.Equal(t, before, s.Target.Requests(), "%#x", c.addr)
	}
}

func TestWordOnlyRegion(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	data := pattern(16, 3)
	require.NoError(t, s.MemAP.WriteMemory(ctx, 0x10000010, data))
	got, err := s.MemAP.ReadMemory(ctx, 0x10000010, 16)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBoundarySplit(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	// The simulated TAR wraps at the boundary, so a missing split would
	// land the second half at the start of the 1K block.
	data := pattern(0x20, 9)
	require.NoError(t, s.MemAP.WriteMemory(ctx, 0x200007f0, data))
	assert.Equal(t, data, s.Target.Peek(0x200007f0, 0x20))
	assert.Equal(t, make([]byte, 0x10), s.Target.Peek(0x20000400, 0x10))
}

func TestPartialTransferOnFault(t *testing.T) {
	for _, o := range links {
		ctx := context.Background()
		s := simtest.Connect(t, sim.New(sim.DefaultDescription(), sim.DefaultOptions()), o)
		s.Target.InjectBusFault(0x20000018, 4)

		err := s.MemAP.WriteMemory(ctx, 0x20000000, pattern(64, 1))
		require.Error(t, err)
		pe, ok := probeerr.As(err)
		require.True(t, ok, "%s", err)
		assert.Equal(t, probeerr.KindTargetFault, pe.Kind, "%+v", o)
		assert.Equal(t, 24, pe.Transferred, "%+v", o)
		assert.Equal(t, uint32(0x20000018), pe.Addr)
		assert.Equal(t, probeerr.PhaseMemory, pe.Phase)
		assert.Equal(t, pattern(24, 1), s.Target.Peek(0x20000000, 24))

		got, err := s.MemAP.ReadMemory(ctx, 0x20000000, 64)
		require.Error(t, err)
		assert.Equal(t, 24, probeerr.Transferred(err), "%+v", o)
		assert.Equal(t, pattern(24, 1), got)

		// The sticky flags were cleared, the port works again.
		assert.Zero(t, s.Target.CtrlStat()&(1<<5))
		got, err = s.MemAP.ReadMemory(ctx, 0x20000000, 8)
		require.NoError(t, err)
		assert.Equal(t, pattern(8, 1), got)
	}
}

func TestFlashIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	got, err := s.MemAP.ReadMemory(ctx, 0x08000000, 8)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 8), got)
	err = s.MemAP.WriteMemory(ctx, 0x08000000, []byte{1, 2, 3, 4})
	assert.True(t, probeerr.Is(err, probeerr.KindTargetFault), "%s", err)
}

func TestBanked(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	for i := 0; i < 4; i++ {
		require.NoError(t, s.MemAP.WriteBanked(ctx, 0x20000040, i, uint32(0x100+i)))
	}
	before := s.Target.Requests()
	for i := 0; i < 4; i++ {
		v, err := s.MemAP.ReadBanked(ctx, 0x20000040, i)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x100+i), v)
	}
	// TAR stays put: one request per read.
	assert.Equal(t, 4, s.Target.Requests()-before)

	_, err := s.MemAP.ReadBanked(ctx, 0x20000044, 0)
	assert.True(t, probeerr.Is(err, probeerr.KindInvalidArgument))
}

func TestRetryableProtocolErrorResumes(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{MaxBlock: 16})
	data := pattern(256, 5)
	require.NoError(t, s.MemAP.WriteMemory(ctx, 0x20000000, data))
	s.Target.CorruptResponses(1)
	got, err := s.MemAP.ReadMemory(ctx, 0x20000000, 256)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
