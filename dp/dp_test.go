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
package dp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/dp"
	"github.com/mongoose-os/dbgprobe/sim"
	"github.com/mongoose-os/dbgprobe/sim/simtest"
	"github.com/mongoose-os/dbgprobe/wire"
)

var protocols = []simtest.Options{
	{Protocol: wire.SWD},
	{Protocol: wire.SWD, BitLevel: true},
	{Protocol: wire.JTAG, BitLevel: true},
}

func newTarget() *sim.Target {
	return sim.New(sim.DefaultDescription(), sim.DefaultOptions())
}

func TestInit(t *testing.T) {
	for _, o := range protocols {
		s := simtest.Connect(t, newTarget(), o)
		idr, err := s.DP.GetIDR(context.Background())
		require.NoError(t, err)
		assert.Equal(t, dp.DPDesigner(0x477), idr.Designer(), "%+v", o)
		assert.Equal(t, uint8(1), idr.Version())
		assert.Equal(t, "ARM", idr.Designer().String())
		assert.Equal(t, uint32(0xf0000000), s.Target.CtrlStat()&0xf0000000)
	}
}

func TestAPRegisterReads(t *testing.T) {
	ctx := context.Background()
	var csws []uint32
	for _, o := range append([]simtest.Options{{Protocol: wire.JTAG}}, protocols...) {
		s := simtest.Connect(t, newTarget(), o)
		csw, err := s.DP.ReadAPReg(ctx, 0, 0x00)
		require.NoError(t, err)
		assert.NotZero(t, csw&0x40, "%+v: CSW 0x%08x", o, csw)
		csws = append(csws, csw)

		require.NoError(t, s.DP.WriteAPReg(ctx, 0, 0x04, 0x20000010))
		tar, err := s.DP.ReadAPReg(ctx, 0, 0x04)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x20000010), tar, "%+v", o)
		base, err := s.DP.ReadAPReg(ctx, 0, 0xf8)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xe00ff003), base, "%+v", o)
		idr, err := s.DP.ReadAPReg(ctx, 0, 0xfc)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x24770011), idr, "%+v", o)
		n, err := s.DP.APCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "%+v", o)
	}
	for _, csw := range csws[1:] {
		assert.Equal(t, csws[0], csw)
	}
}

func TestPowerUpNotAcknowledged(t *testing.T) {
	tgt := newTarget()
	tgt.BlockPowerUp(true)
	eng := simtest.NewEngine(tgt, simtest.Options{})
	dpc := dp.NewDPClient(eng, wire.SWD, dp.Config{PowerUpAttempts: 5, PollInterval: time.Microsecond})
	err := dpc.Init(context.Background())
	require.Error(t, err)
	pe, ok := probeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, probeerr.KindAttachFailed, pe.Kind)
	assert.Equal(t, 5, pe.Attempts)
}

func TestClearFault(t *testing.T) {
	for _, o := range protocols {
		ctx := context.Background()
		s := simtest.Connect(t, newTarget(), o)
		s.Target.InjectBusFault(0x20000100, 4)

		require.NoError(t, s.DP.WriteAPReg(ctx, 0, 0x04, 0x20000100))
		_, err := s.DP.ReadAPReg(ctx, 0, 0x0c)
		assert.True(t, probeerr.Is(err, probeerr.KindTargetFault), "%+v: %s", o, err)
		assert.NotZero(t, s.Target.CtrlStat()&(1<<5))

		// The port refuses everything until the flag is cleared.
		_, err = s.DP.ReadAPReg(ctx, 0, 0xfc)
		assert.True(t, probeerr.Is(err, probeerr.KindTargetFault), "%+v: %s", o, err)

		require.NoError(t, s.DP.ClearFault(ctx))
		assert.Zero(t, s.Target.CtrlStat()&(1<<5))
		idr, err := s.DP.ReadAPReg(ctx, 0, 0xfc)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x24770011), idr)
	}
}

func TestAPCount(t *testing.T) {
	opts := sim.DefaultOptions()
	opts.APCount = 2
	s := simtest.Connect(t, sim.New(sim.DefaultDescription(), opts), simtest.Options{})
	n, err := s.DP.APCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, dp.APIDRValue(0x24770011).IsMemAP())
	assert.False(t, dp.APIDRValue(0x24760010).IsMemAP())
}

func TestDbgReset(t *testing.T) {
	s := simtest.New(t, simtest.Options{})
	require.NoError(t, s.DP.DbgReset(context.Background()))
	assert.Zero(t, s.Target.CtrlStat()&0x0c000000)
}

func TestSelectCache(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	read := func() int {
		before := s.Target.Requests()
		_, err := s.DP.ReadAPReg(ctx, 0, 0xfc)
		require.NoError(t, err)
		return s.Target.Requests() - before
	}
	assert.Equal(t, 2, read())
	assert.Equal(t, 1, read())
	// A line reset may have reset SELECT on the target.
	require.NoError(t, s.Engine.Resync(ctx))
	assert.Equal(t, 2, read())
}

func TestReadWithWaits(t *testing.T) {
	for _, o := range protocols {
		ctx := context.Background()
		s := simtest.Connect(t, newTarget(), o)
		s.Target.InjectWaits(3)
		idr, err := s.DP.ReadAPReg(ctx, 0, 0xfc)
		require.NoError(t, err, "%+v", o)
		assert.Equal(t, uint32(0x24770011), idr)
		assert.Equal(t, uint64(3), s.Engine.Stats().Waits)
	}
}
