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
package flash_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/cortex"
	"github.com/mongoose-os/dbgprobe/flash"
	"github.com/mongoose-os/dbgprobe/sim/simtest"
	"github.com/mongoose-os/dbgprobe/target"
)

const flashStart = 0x08000000

// fakeClock only moves when slept on.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time        { return c.t }
func (c *fakeClock) sleep(d time.Duration) { c.t = c.t.Add(d) }

func newFlasher(t *testing.T, s *simtest.Stack, opts ...flash.Option) (*flash.Flasher, *target.FlashAlgorithm) {
	t.Helper()
	desc := s.Target.Description()
	r := desc.MemoryMap().Region("flash")
	require.NotNil(t, r)
	a, err := desc.AlgorithmFor(r)
	require.NoError(t, err)
	f, err := flash.New(s.Core, s.MemAP, r, a, opts...)
	require.NoError(t, err)
	return f, a
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*13)
	}
	return b
}

func TestNew(t *testing.T) {
	s := simtest.New(t, simtest.Options{})
	desc := s.Target.Description()
	a := desc.Algorithm("sim_flash")
	_, err := flash.New(s.Core, s.MemAP, desc.MemoryMap().Region("sram"), a)
	assert.True(t, probeerr.Is(err, probeerr.KindInvalidArgument), "%s", err)
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	var last = map[string]flash.Progress{}
	f, _ := newFlasher(t, s, flash.WithProgress(func(p flash.Progress) { last[p.Op] = p }))

	data := pattern(5000, 1)
	s.Target.Poke(flashStart+0x3000, []byte{0x12, 0x34})
	rep, err := f.Download(ctx, []flash.Segment{{Addr: flashStart + 0x100, Data: data}}, flash.DownloadOptions{Verify: true})
	require.NoError(t, err)

	assert.Equal(t, data, s.Target.Peek(flashStart+0x100, len(data)))
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 0x100), s.Target.Peek(flashStart, 0x100))
	// The rest of the sector was erased.
	assert.Equal(t, []byte{0xff, 0xff}, s.Target.Peek(flashStart+0x3000, 2))

	assert.Equal(t, []flash.Block{{Addr: flashStart, Size: 0x4000}}, rep.Erased)
	require.Len(t, rep.Programmed, 6)
	for i, b := range rep.Programmed {
		assert.Equal(t, flash.Block{Addr: flashStart + uint32(i)*0x400, Size: 0x400}, b)
	}
	assert.Empty(t, rep.Skipped)
	assert.Equal(t, len(data), rep.Verified)
	for _, p := range []flash.Phase{flash.PhaseHalt, flash.PhaseLoad, flash.PhaseInvoke, flash.PhasePoll, flash.PhaseCollect, flash.PhaseTeardown} {
		_, ok := rep.Phases[p]
		assert.True(t, ok, "%s", p)
	}

	assert.Equal(t, last["erase"].Total, last["erase"].Done)
	assert.Equal(t, 6*0x400, last["program"].Done)
	assert.Equal(t, len(data), last["verify"].Done)
}

func TestDownloadSegments(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	f, _ := newFlasher(t, s)

	a, b := pattern(0x20, 2), pattern(0x30, 3)
	rep, err := f.Download(ctx, []flash.Segment{
		{Addr: flashStart + 0x10200, Data: b},
		{Addr: flashStart + 0x10, Data: a},
	}, flash.DownloadOptions{Verify: true})
	require.NoError(t, err)
	assert.Equal(t, []flash.Block{{Addr: flashStart, Size: 0x4000}, {Addr: flashStart + 0x10000, Size: 0x10000}}, rep.Erased)
	assert.Equal(t, []flash.Block{{Addr: flashStart, Size: 0x400}, {Addr: flashStart + 0x10000, Size: 0x400}}, rep.Programmed)
	assert.Equal(t, a, s.Target.Peek(flashStart+0x10, len(a)))
	assert.Equal(t, b, s.Target.Peek(flashStart+0x10200, len(b)))

	_, err = f.Download(ctx, []flash.Segment{
		{Addr: flashStart, Data: a},
		{Addr: flashStart + 0x10, Data: b},
	}, flash.DownloadOptions{})
	assert.True(t, probeerr.Is(err, probeerr.KindInvalidArgument), "%s", err)
}

func TestProgramSkipsErasedPages(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	f, _ := newFlasher(t, s)

	data := append(bytes.Repeat([]byte{0xff}, 0x400), pattern(0x400, 5)...)
	rep, err := f.Program(ctx, flashStart+0x8000, data, true)
	require.NoError(t, err)
	assert.Empty(t, rep.Erased)
	assert.Equal(t, []flash.Block{{Addr: flashStart + 0x8000, Size: 0x400}}, rep.Skipped)
	assert.Equal(t, []flash.Block{{Addr: flashStart + 0x8400, Size: 0x400}}, rep.Programmed)
	assert.Equal(t, len(data), rep.Verified)
	assert.Equal(t, data, s.Target.Peek(flashStart+0x8000, len(data)))
}

func TestProgramOutsideRegion(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	f, _ := newFlasher(t, s)

	before := s.Target.Requests()
	_, err := f.Program(ctx, flashStart+0x3ff00, pattern(0x200, 0), false)
	e, ok := probeerr.As(err)
	require.True(t, ok, "%s", err)
	assert.Equal(t, probeerr.KindInvalidAddress, e.Kind)
	assert.Equal(t, uint32(flashStart+0x3ff00), e.Addr)
	assert.Equal(t, before, s.Target.Requests())
}

func TestEraseRange(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	f, _ := newFlasher(t, s)
	s.Target.Poke(flashStart+0xc000, pattern(0x8000, 9))

	rep, err := f.EraseRange(ctx, flashStart+0xf000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, []flash.Block{{Addr: flashStart + 0xc000, Size: 0x4000}, {Addr: flashStart + 0x10000, Size: 0x10000}}, rep.Erased)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 0x8000), s.Target.Peek(flashStart+0xc000, 0x8000))
}

func TestEraseAll(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	f, _ := newFlasher(t, s)
	s.Target.Poke(flashStart+0x3fff0, pattern(0x10, 1))

	rep, err := f.EraseAll(ctx)
	require.NoError(t, err)
	assert.Len(t, rep.Erased, 7)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 0x10), s.Target.Peek(flashStart+0x3fff0, 0x10))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	for _, algo := range []bool{false, true} {
		s := simtest.New(t, simtest.Options{})
		var opts []flash.Option
		if algo {
			opts = append(opts, flash.WithAlgorithmVerify())
		}
		f, _ := newFlasher(t, s, opts...)
		data := pattern(0x900, 4)
		s.Target.Poke(flashStart+0x40, data)

		rep, err := f.Verify(ctx, flashStart+0x40, data)
		require.NoError(t, err)
		assert.Equal(t, len(data), rep.Verified)

		s.Target.Poke(flashStart+0x40+0x812, []byte{^data[0x812]})
		rep, err = f.Verify(ctx, flashStart+0x40, data)
		e, ok := probeerr.As(err)
		require.True(t, ok, "%s", err)
		assert.Equal(t, probeerr.KindVerificationFailed, e.Kind)
		assert.Equal(t, uint32(flashStart+0x40+0x812), e.Addr, "algo %v", algo)
		assert.Less(t, rep.Verified, len(data))
	}
}

func TestRoutineTimeout(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	clk := &fakeClock{t: time.Unix(1000, 0)}
	f, a := newFlasher(t, s, flash.WithClock(clk.now, clk.sleep))
	s.Target.HangOn(a.Entry(a.PCEraseSector))

	start := clk.t
	rep, err := f.EraseRange(ctx, flashStart+0x4000, 0x100)
	e, ok := probeerr.As(err)
	require.True(t, ok, "%s", err)
	assert.Equal(t, probeerr.KindTimeout, e.Kind)
	assert.Equal(t, probeerr.PhaseFlashPoll, e.Phase)
	assert.Equal(t, uint32(flashStart+0x4000), e.Addr)
	assert.Empty(t, rep.Erased)

	bound := flash.DefaultTiming().Timeout(a.EraseSectorTimeout(), 1)
	elapsed := clk.t.Sub(start)
	assert.True(t, elapsed >= bound, "%s", elapsed)
	assert.True(t, elapsed <= bound+flash.DefaultTiming().Interval(bound), "%s", elapsed)
	assert.True(t, rep.Phases[flash.PhasePoll] >= bound)

	// Teardown stopped the routine.
	assert.True(t, s.Target.Halted())
}

func TestRoutineFailure(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	f, a := newFlasher(t, s)
	s.Target.FailOn(a.Entry(a.PCEraseSector), flashStart+0x4000, 5)

	rep, err := f.EraseRange(ctx, flashStart, 0xc000)
	e, ok := probeerr.As(err)
	require.True(t, ok, "%s", err)
	assert.Equal(t, probeerr.KindFlashOperationFailed, e.Kind)
	assert.Equal(t, probeerr.PhaseFlashCollect, e.Phase)
	assert.Equal(t, uint32(5), e.Code)
	assert.Equal(t, uint32(flashStart+0x4000), e.Addr)
	assert.Equal(t, []flash.Block{{Addr: flashStart, Size: 0x4000}}, rep.Erased)
}

func TestLoadFailure(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	f, a := newFlasher(t, s)
	s.Target.InjectBusFault(a.LoadAddress+8, 4)

	rep, err := f.EraseRange(ctx, flashStart, 0x10)
	e, ok := probeerr.As(err)
	require.True(t, ok, "%s", err)
	assert.Equal(t, probeerr.KindTargetFault, e.Kind)
	assert.Equal(t, probeerr.PhaseFlashLoad, e.Phase)
	assert.Empty(t, rep.Erased)
}

func TestRegistersRestored(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	require.NoError(t, s.Core.Halt(ctx))
	require.NoError(t, s.Core.SetReg(ctx, cortex.PC, 0x08000100))
	require.NoError(t, s.Core.SetReg(ctx, cortex.R0, 0x1234))
	require.NoError(t, s.Core.SetReg(ctx, cortex.SP, 0x20008000))
	var before cortex.CortexRegFile
	require.NoError(t, s.Core.GetRegs(ctx, &before))

	f, _ := newFlasher(t, s)
	_, err := f.Download(ctx, []flash.Segment{{Addr: flashStart, Data: pattern(0x500, 7)}}, flash.DownloadOptions{})
	require.NoError(t, err)

	assert.True(t, s.Target.Halted())
	var after cortex.CortexRegFile
	require.NoError(t, s.Core.GetRegs(ctx, &after))
	assert.Equal(t, before, after)

	f, _ = newFlasher(t, s, flash.WithResumePolicy(flash.Resume))
	_, err = f.EraseRange(ctx, flashStart, 0x10)
	require.NoError(t, err)
	assert.False(t, s.Target.Halted())
}

func TestCancelBetweenUnits(t *testing.T) {
	s := simtest.New(t, simtest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f, _ := newFlasher(t, s, flash.WithProgress(func(flash.Progress) { cancel() }))

	rep, err := f.EraseRange(ctx, flashStart, 0xc000)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Equal(t, []flash.Block{{Addr: flashStart, Size: 0x4000}}, rep.Erased)
	assert.True(t, s.Target.Halted())
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	s := simtest.New(t, simtest.Options{})
	reg := prometheus.NewRegistry()
	m := flash.NewMetrics(reg)
	f, a := newFlasher(t, s, flash.WithMetrics(m))

	_, err := f.EraseRange(ctx, flashStart, 0x10)
	require.NoError(t, err)
	s.Target.FailOn(a.Entry(a.PCEraseSector), flashStart, 1)
	_, err = f.EraseRange(ctx, flashStart, 0x10)
	require.Error(t, err)

	assert.Equal(t, 1, testutil.CollectAndCount(m.Duration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("erase", "FlashOperationFailed")))
}
