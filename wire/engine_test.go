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
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

type scriptLink struct {
	acks     []Ack
	data     uint32
	err      error
	resetErr error

	calls  []Request
	resets int
}

func (l *scriptLink) Transfer(ctx context.Context, req Request) (Ack, uint32, error) {
	l.calls = append(l.calls, req)
	if l.err != nil {
		return 0, 0, l.err
	}
	if len(l.acks) > 0 {
		a := l.acks[0]
		l.acks = l.acks[1:]
		if a != AckOK {
			return a, 0, nil
		}
	}
	return AckOK, l.data, nil
}

func (l *scriptLink) LineReset(ctx context.Context) (uint32, error) {
	l.resets++
	return 0x2ba01477, l.resetErr
}

func waits(n int) []Ack {
	var r []Ack
	for i := 0; i < n; i++ {
		r = append(r, AckWait)
	}
	return r
}

func newTestEngine(l Link, cfg Config, opts ...Option) *Engine {
	return NewEngine(l, cfg, append([]Option{WithSleep(func(time.Duration) {})}, opts...)...)
}

func TestExecuteWaitRetries(t *testing.T) {
	ctx := context.Background()
	const bound = 5
	for k := 0; k < bound; k++ {
		t.Run(fmt.Sprintf("wait%d", k), func(t *testing.T) {
			l := &scriptLink{acks: waits(k), data: 0x1234}
			e := newTestEngine(l, Config{MaxAttempts: bound})
			out, err := e.Execute(ctx, Read(DP, RegCTRLSTAT))
			require.NoError(t, err)
			assert.Equal(t, uint32(0x1234), out.Data)
			assert.Equal(t, k+1, out.Attempts)
			assert.Len(t, l.calls, k+1)
			assert.Equal(t, uint64(k+1), e.Stats().Transactions)
		})
	}

	for _, k := range []int{bound, bound + 3} {
		l := &scriptLink{acks: waits(k)}
		e := newTestEngine(l, Config{MaxAttempts: bound})
		_, err := e.Execute(ctx, Read(DP, RegCTRLSTAT))
		require.Error(t, err)
		assert.True(t, probeerr.Is(err, probeerr.KindTimeout), "%s", err)
		assert.Len(t, l.calls, bound)
		e2, _ := probeerr.As(err)
		assert.Equal(t, bound, e2.Attempts)
	}
}

func TestExecuteBackoff(t *testing.T) {
	var slept []time.Duration
	l := &scriptLink{acks: waits(4)}
	e := NewEngine(l, Config{MaxAttempts: 8, Backoff: time.Millisecond, MaxBackoff: 3 * time.Millisecond, Exponential: true},
		WithSleep(func(d time.Duration) { slept = append(slept, d) }))
	_, err := e.Execute(context.Background(), Read(DP, RegCTRLSTAT))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond}, slept)
}

func TestExecuteFault(t *testing.T) {
	l := &scriptLink{acks: []Ack{AckFault}}
	e := newTestEngine(l, DefaultConfig())
	epoch := e.Epoch()
	out, err := e.Execute(context.Background(), Read(AP, 0xc))
	assert.Equal(t, AckFault, out.Ack)
	assert.True(t, probeerr.Is(err, probeerr.KindTargetFault))
	assert.NotEqual(t, epoch, e.Epoch())
	assert.Len(t, l.calls, 1)
	assert.Equal(t, 0, l.resets)
}

func TestExecuteProtocolError(t *testing.T) {
	ctx := context.Background()

	l := &scriptLink{acks: []Ack{AckProtocolError}, data: 7}
	e := newTestEngine(l, Config{ProtocolRetries: 1})
	out, err := e.Execute(ctx, Read(DP, RegCTRLSTAT))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), out.Data)
	assert.Equal(t, 1, l.resets)
	assert.Equal(t, uint64(1), e.Stats().LineResets)

	l = &scriptLink{acks: []Ack{AckProtocolError, AckProtocolError}}
	e = newTestEngine(l, Config{ProtocolRetries: 1})
	_, err = e.Execute(ctx, Read(DP, RegCTRLSTAT))
	assert.True(t, probeerr.Is(err, probeerr.KindProtocol))
	assert.True(t, probeerr.Retryable(err))
	assert.Equal(t, 2, l.resets)

	l = &scriptLink{acks: []Ack{AckProtocolError}, resetErr: errors.New("no response")}
	e = newTestEngine(l, Config{ProtocolRetries: 3})
	_, err = e.Execute(ctx, Read(DP, RegCTRLSTAT))
	assert.True(t, probeerr.Is(err, probeerr.KindProtocol))
	assert.False(t, probeerr.Retryable(err))
	assert.Len(t, l.calls, 1)
}

func TestExecuteTransportError(t *testing.T) {
	l := &scriptLink{err: errors.New("device unplugged")}
	e := newTestEngine(l, DefaultConfig())
	_, err := e.Execute(context.Background(), Write(DP, RegSELECT, 0))
	assert.True(t, probeerr.Is(err, probeerr.KindProbe))
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestExecuteBadRegister(t *testing.T) {
	l := &scriptLink{}
	e := newTestEngine(l, DefaultConfig())
	_, err := e.Execute(context.Background(), Read(DP, 0x3))
	assert.True(t, probeerr.Is(err, probeerr.KindInvalidArgument))
	assert.Empty(t, l.calls)
}

// blockLink serves runs from a word array and stops with the configured ack
// once stopAt words have been transferred.
type blockLink struct {
	scriptLink
	mem      []uint32
	pos      int
	max      int
	stopAt   int
	stopAck  Ack
	stopLeft int
	blocks   int
}

func (l *blockLink) MaxBlockSize() int { return l.max }

func (l *blockLink) TransferBlock(ctx context.Context, req BlockRequest) (BlockResult, error) {
	l.blocks++
	res := BlockResult{Ack: AckOK}
	for i := 0; i < req.Len(); i++ {
		if l.pos == l.stopAt && l.stopLeft > 0 {
			l.stopLeft--
			res.Ack = l.stopAck
			return res, nil
		}
		if req.Op == OpWrite {
			l.mem[l.pos] = req.Data[i]
		} else {
			res.Data = append(res.Data, l.mem[l.pos])
		}
		l.pos++
		res.Done++
	}
	return res, nil
}

func TestExecuteBlock(t *testing.T) {
	ctx := context.Background()
	mem := make([]uint32, 10)
	for i := range mem {
		mem[i] = uint32(i * 3)
	}

	l := &blockLink{mem: mem, max: 4, stopAt: 5, stopAck: AckWait, stopLeft: 2}
	e := newTestEngine(l, Config{MaxAttempts: 4})
	data, err := e.ExecuteBlock(ctx, BlockRequest{Op: OpRead, Port: AP, Reg: 0xc, Count: 10})
	require.NoError(t, err)
	assert.Equal(t, mem, data)
	assert.Equal(t, uint64(2), e.Stats().Waits)

	l = &blockLink{mem: make([]uint32, 10), max: 4, stopAt: 6, stopAck: AckFault, stopLeft: 1}
	e = newTestEngine(l, DefaultConfig())
	_, err = e.ExecuteBlock(ctx, BlockRequest{Op: OpWrite, Port: AP, Reg: 0xc, Data: mem})
	require.Error(t, err)
	assert.True(t, probeerr.Is(err, probeerr.KindTargetFault))
	assert.Equal(t, 6, probeerr.Transferred(err))
	assert.Equal(t, mem[:6], l.mem[:6])
	assert.Equal(t, uint32(0), l.mem[6])

	l = &blockLink{mem: mem, max: 4, stopAt: 3, stopAck: AckProtocolError, stopLeft: 1}
	e = newTestEngine(l, DefaultConfig())
	data, err = e.ExecuteBlock(ctx, BlockRequest{Op: OpRead, Port: AP, Reg: 0xc, Count: 8})
	assert.True(t, probeerr.Is(err, probeerr.KindProtocol))
	assert.True(t, probeerr.Retryable(err))
	assert.Equal(t, mem[:3], data)
	assert.Equal(t, 1, l.resets)
}

func TestExecuteBlockSequential(t *testing.T) {
	l := &scriptLink{acks: []Ack{AckOK, AckWait, AckOK, AckFault}, data: 9}
	e := newTestEngine(l, DefaultConfig())
	data, err := e.ExecuteBlock(context.Background(), BlockRequest{Op: OpRead, Port: AP, Reg: 0xc, Count: 4})
	assert.True(t, probeerr.Is(err, probeerr.KindTargetFault))
	assert.Equal(t, []uint32{9, 9}, data)
	assert.Equal(t, 2, probeerr.Transferred(err))
	assert.Equal(t, 1, e.MaxBlockSize())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := &scriptLink{acks: []Ack{AckWait, AckWait, AckOK, AckFault}}
	e := newTestEngine(l, DefaultConfig(), WithMetrics(m))
	ctx := context.Background()
	_, err := e.Execute(ctx, Read(AP, 0xc))
	require.NoError(t, err)
	_, err = e.Execute(ctx, Write(AP, 0x4, 0x20000000))
	require.Error(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Transactions.WithLabelValues("AP", "read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("AP", "write")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Responses.WithLabelValues("WAIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Responses.WithLabelValues("FAULT")))
}
