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
	"math/bits"

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/wire"
)

type swdState int

const (
	swdIdle swdState = iota
	swdHeader
	swdWriteData
	swdLost
)

// SWDWire is the target end of an SWD line. It parses host bits into
// packets and queues the target's response bits. AP reads are posted as on
// real hardware: the data phase carries the previous AP read result.
type SWDWire struct {
	t *Target

	state   swdState
	shift   uint64
	nbits   int
	ones    int
	pending wire.Request
	out     []uint8
}

func (t *Target) SWDWire() *SWDWire {
	return &SWDWire{t: t, state: swdLost}
}

func (w *SWDWire) WriteBits(ctx context.Context, data []byte, n int) error {
	if w.t.unplugged() {
		return errors.New("sim: probe disconnected")
	}
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	w.out = w.out[:0]
	for i := 0; i < n; i++ {
		w.hostBit(data[i/8] >> uint(i%8) & 1)
	}
	return nil
}

func (w *SWDWire) ReadBits(ctx context.Context, n int) ([]byte, error) {
	if w.t.unplugged() {
		return nil, errors.New("sim: probe disconnected")
	}
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	res := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		// An undriven line is pulled high.
		b := uint8(1)
		if len(w.out) > 0 {
			b, w.out = w.out[0], w.out[1:]
		}
		res[i/8] |= b << uint(i%8)
	}
	return res, nil
}

func (w *SWDWire) Turnaround(ctx context.Context, n int) error {
	if w.t.unplugged() {
		return errors.New("sim: probe disconnected")
	}
	return nil
}

func (w *SWDWire) hostBit(b uint8) {
	if b == 1 {
		w.ones++
	} else {
		if w.ones >= 50 {
			w.lineReset()
			w.ones = 0
			return
		}
		w.ones = 0
	}
	switch w.state {
	case swdLost:
	case swdIdle:
		if b == 1 {
			w.state, w.shift, w.nbits = swdHeader, 1, 1
		}
	case swdHeader:
		w.shift |= uint64(b) << uint(w.nbits)
		w.nbits++
		if w.nbits == 8 {
			w.request(uint8(w.shift))
		}
	case swdWriteData:
		w.shift |= uint64(b) << uint(w.nbits)
		w.nbits++
		if w.nbits == 33 {
			w.state = swdIdle
			data := uint32(w.shift)
			if uint64(bits.OnesCount32(data)&1) != w.shift>>32&1 {
				w.t.ctrlStat |= ctrlWDataErr
				return
			}
			w.pending.Data = data
			w.t.accessLocked(w.pending)
		}
	}
}

func (w *SWDWire) lineReset() {
	if w.t.f.unresponsive {
		w.state = swdLost
		return
	}
	w.state = swdIdle
}

func (w *SWDWire) request(h uint8) {
	req, ok := wire.ParseSWDHeader(h)
	if !ok || w.t.takeDropLocked() {
		w.state = swdLost
		return
	}
	w.state = swdIdle
	if w.t.takeWaitLocked() {
		w.queue(uint64(wire.AckWait), 3)
		return
	}
	if req.Op == wire.OpWrite {
		if req.Port == wire.AP && w.t.ctrlStat&ctrlStickyErr != 0 {
			w.queue(uint64(wire.AckFault), 3)
			return
		}
		w.queue(uint64(wire.AckOK), 3)
		w.pending = req
		w.state, w.shift, w.nbits = swdWriteData, 0, 0
		return
	}
	posted := w.t.rdbuff
	ack, v := w.t.accessLocked(req)
	if ack != wire.AckOK {
		w.queue(uint64(ack), 3)
		return
	}
	if req.Port == wire.AP {
		v = posted
	}
	par := uint64(bits.OnesCount32(v) & 1)
	if w.t.takeCorruptLocked() {
		par ^= 1
	}
	w.queue(uint64(wire.AckOK), 3)
	w.queue(uint64(v)|par<<32, 33)
}

func (w *SWDWire) queue(v uint64, n int) {
	for i := 0; i < n; i++ {
		w.out = append(w.out, uint8(v>>uint(i)&1))
	}
}
