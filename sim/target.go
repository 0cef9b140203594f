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

// Package sim is a simulated ADIv5 target: a debug port with one MEM-AP in
// front of a Cortex-M memory system, reachable at the request level or
// through bit-level SWD and JTAG. It backs the "sim" probe family and the
// tests of the layers above the wire.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/golang/glog"

	"github.com/mongoose-os/dbgprobe/target"
	"github.com/mongoose-os/dbgprobe/wire"
)

// DP CTRL/STAT bits.
const (
	ctrlOrunDetect   = 1 << 0
	ctrlStickyOrun   = 1 << 1
	ctrlStickyCmp    = 1 << 4
	ctrlStickyErr    = 1 << 5
	ctrlWDataErr     = 1 << 7
	ctrlCDbgRstReq   = 1 << 26
	ctrlCDbgRstAck   = 1 << 27
	ctrlCDbgPwrUpReq = 1 << 28
	ctrlCDbgPwrUpAck = 1 << 29
	ctrlCSysPwrUpReq = 1 << 30
	ctrlCSysPwrUpAck = 1 << 31
)

// MEM-AP registers and CSW fields.
const (
	apCSW  = 0x00
	apTAR  = 0x04
	apDRW  = 0x0C
	apBD0  = 0x10
	apBD3  = 0x1C
	apCFG  = 0xF4
	apBASE = 0xF8
	apIDR  = 0xFC

	cswSizeMask    = 0x7
	cswAddrIncMask = 0x30
	cswAddrIncOne  = 0x10
	cswDeviceEn    = 0x40
)

type Options struct {
	DPIDR    uint32
	IDCODE   uint32
	CPUID    uint32
	PID0     uint32
	APIDR    uint32
	APCount  int
	FPBUnits int
	// FPBRev2 selects the revision 2 comparator format.
	FPBRev2 bool
}

func DefaultOptions() Options {
	return Options{
		DPIDR:    0x2ba01477,
		IDCODE:   0x4ba00477,
		CPUID:    0x410fc241,
		PID0:     0x0c,
		APIDR:    0x24770011,
		APCount:  1,
		FPBUnits: 6,
	}
}

type memRegion struct {
	r    *target.Region
	data []byte
}

type faults struct {
	waits        int
	ranges       [][2]uint64
	corrupt      int
	drop         int
	unresponsive bool
	noPowerAck   bool
	unplugged    bool
	hang         map[uint32]bool
	codes        map[[2]uint32]uint32
	latency      int
}

// Target is safe for concurrent use.
type Target struct {
	mu   sync.Mutex
	opts Options
	desc *target.Description

	ctrlStat uint32
	sel      uint32
	rdbuff   uint32
	csw      uint32
	tar      uint32
	boundary uint32

	mem      []*memRegion
	core     core
	routines map[uint32]*routine
	inReset  bool

	f        faults
	requests int
}

// New builds a target whose memory follows desc. Every flash algorithm of
// desc is bound to the default routines.
func New(desc *target.Description, opts Options) *Target {
	t := &Target{
		opts:     opts,
		desc:     desc,
		boundary: desc.AutoIncrementBoundary,
		routines: make(map[uint32]*routine),
		csw:      0x23000002,
		f: faults{
			hang:  make(map[uint32]bool),
			codes: make(map[[2]uint32]uint32),
		},
	}
	if t.boundary == 0 {
		t.boundary = target.DefaultAutoIncrementBoundary
	}
	for _, r := range desc.MemoryMap().Regions() {
		mr := &memRegion{r: r, data: make([]byte, r.Size)}
		if r.Kind == target.KindFlash {
			erased := uint8(0xff)
			if a, err := desc.AlgorithmFor(r); err == nil && a != nil {
				erased = a.Erased()
			}
			for i := range mr.data {
				mr.data[i] = erased
			}
		}
		t.mem = append(t.mem, mr)
	}
	t.core.init(opts)
	for _, a := range desc.Algorithms {
		t.BindAlgorithm(a)
	}
	return t
}

func (t *Target) Description() *target.Description { return t.desc }

// Access performs one request with non-posted semantics: the returned value
// is the result of this very request.
func (t *Target) Access(req wire.Request) (wire.Ack, uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.takeWaitLocked() {
		return wire.AckWait, 0
	}
	return t.accessLocked(req)
}

func (t *Target) takeWaitLocked() bool {
	if t.f.waits > 0 {
		t.f.waits--
		t.requests++
		return true
	}
	return false
}

func (t *Target) accessLocked(req wire.Request) (wire.Ack, uint32) {
	t.requests++
	var ack wire.Ack
	var v uint32
	if req.Port == wire.DP {
		ack, v = wire.AckOK, t.dpAccess(req)
	} else {
		ack, v = t.apAccess(req)
	}
	if glog.V(4) {
		glog.Infof("sim: %s -> %s 0x%08x", req, ack, v)
	}
	return ack, v
}

func (t *Target) dpAccess(req wire.Request) uint32 {
	switch {
	case req.Op == wire.OpRead && req.Reg == wire.RegDPIDR:
		return t.opts.DPIDR
	case req.Op == wire.OpWrite && req.Reg == wire.RegABORT:
		for _, m := range [][2]uint32{{1 << 1, ctrlStickyCmp}, {1 << 2, ctrlStickyErr}, {1 << 3, ctrlWDataErr}, {1 << 4, ctrlStickyOrun}} {
			if req.Data&m[0] != 0 {
				t.ctrlStat &^= m[1]
			}
		}
	case req.Reg == wire.RegCTRLSTAT:
		if t.sel&0xf != 0 {
			return 0
		}
		if req.Op == wire.OpRead {
			return t.ctrlStat
		}
		t.writeCtrlStat(req.Data)
	case req.Reg == wire.RegSELECT:
		if req.Op == wire.OpWrite {
			t.sel = req.Data
		}
		return t.rdbuff
	case req.Reg == wire.RegRDBUFF && req.Op == wire.OpRead:
		return t.rdbuff
	}
	return 0
}

func (t *Target) writeCtrlStat(v uint32) {
	sticky := uint32(ctrlStickyOrun | ctrlStickyCmp | ctrlStickyErr | ctrlWDataErr)
	t.ctrlStat &^= v & sticky
	keep := t.ctrlStat & sticky
	n := v&^sticky&^(ctrlCDbgRstAck|ctrlCDbgPwrUpAck|ctrlCSysPwrUpAck) | keep
	if !t.f.noPowerAck {
		if n&ctrlCDbgPwrUpReq != 0 {
			n |= ctrlCDbgPwrUpAck
		}
		if n&ctrlCSysPwrUpReq != 0 {
			n |= ctrlCSysPwrUpAck
		}
	}
	if n&ctrlCDbgRstReq != 0 {
		n |= ctrlCDbgRstAck
	}
	t.ctrlStat = n
}

// apAccess performs an AP register access. Every successful read also
// lands in RDBUFF, where posted reads collect it from.
func (t *Target) apAccess(req wire.Request) (wire.Ack, uint32) {
	ack, v := t.apReg(req)
	if ack == wire.AckOK && req.Op == wire.OpRead {
		t.rdbuff = v
	}
	return ack, v
}

func (t *Target) apReg(req wire.Request) (wire.Ack, uint32) {
	if t.ctrlStat&ctrlStickyErr != 0 {
		return wire.AckFault, 0
	}
	if t.ctrlStat&ctrlCDbgPwrUpAck == 0 || t.ctrlStat&ctrlCSysPwrUpAck == 0 {
		t.ctrlStat |= ctrlStickyErr
		return wire.AckFault, 0
	}
	apsel := int(t.sel >> 24)
	addr := t.sel&0xf0 | uint32(req.Reg)
	if apsel >= t.opts.APCount {
		return wire.AckOK, 0
	}
	if apsel != 0 {
		if addr == apIDR && req.Op == wire.OpRead {
			// A JTAG-AP.
			return wire.AckOK, 0x24760010
		}
		return wire.AckOK, 0
	}
	read := req.Op == wire.OpRead
	switch {
	case addr == apCSW:
		if read {
			return wire.AckOK, t.csw | cswDeviceEn
		}
		t.csw = req.Data &^ cswDeviceEn
	case addr == apTAR:
		if read {
			return wire.AckOK, t.tar
		}
		t.tar = req.Data
	case addr == apDRW:
		size := uint32(1) << (t.csw & cswSizeMask)
		v, ok := t.busAccess(t.tar, size, read, req.Data)
		if !ok {
			t.ctrlStat |= ctrlStickyErr
			return wire.AckFault, 0
		}
		if t.csw&cswAddrIncMask == cswAddrIncOne {
			m := t.boundary - 1
			t.tar = t.tar&^m | (t.tar+size)&m
		}
		if read {
			return wire.AckOK, v
		}
	case addr >= apBD0 && addr <= apBD3:
		v, ok := t.busAccess(t.tar&^0xf+addr-apBD0, 4, read, req.Data)
		if !ok {
			t.ctrlStat |= ctrlStickyErr
			return wire.AckFault, 0
		}
		if read {
			return wire.AckOK, v
		}
	case addr == apCFG && read:
		return wire.AckOK, 0
	case addr == apBASE && read:
		return wire.AckOK, 0xe00ff003
	case addr == apIDR && read:
		return wire.AckOK, t.opts.APIDR
	}
	return wire.AckOK, 0
}

// busAccess performs a size byte access. Data travels on the byte lanes
// selected by the low address bits.
func (t *Target) busAccess(addr, size uint32, read bool, data uint32) (uint32, bool) {
	if size > 4 || addr%size != 0 || t.inReset {
		return 0, false
	}
	for _, fr := range t.f.ranges {
		if uint64(addr) < fr[1] && uint64(addr)+uint64(size) > fr[0] {
			return 0, false
		}
	}
	if v, handled, ok := t.core.access(t, addr, size, read, data); handled {
		return v, ok
	}
	mr := t.findMem(addr)
	if mr == nil || !mr.r.ContainsRange(addr, int(size)) {
		return 0, false
	}
	if w := mr.r.AccessWidth; w != 0 && uint32(w) != size {
		return 0, false
	}
	off := addr - mr.r.Start
	lane := 8 * (addr & 3)
	if read {
		var v uint32
		for i := uint32(0); i < size; i++ {
			v |= uint32(mr.data[off+i]) << (8 * i)
		}
		return v << lane, true
	}
	if mr.r.Kind == target.KindFlash || mr.r.Kind == target.KindROM {
		return 0, false
	}
	for i := uint32(0); i < size; i++ {
		mr.data[off+i] = byte(data >> (lane + 8*i))
	}
	return 0, true
}

func (t *Target) findMem(addr uint32) *memRegion {
	for _, mr := range t.mem {
		if mr.r.Contains(addr) {
			return mr
		}
	}
	return nil
}

// lineReset returns the identification value a line reset reads back, or
// false if the target does not respond.
func (t *Target) lineReset() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f.unresponsive {
		return 0, false
	}
	return t.opts.DPIDR, true
}

func (t *Target) unplugged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.unplugged
}

func (t *Target) readMemLocked(addr uint32, n int) []byte {
	mr := t.findMem(addr)
	if mr == nil || !mr.r.ContainsRange(addr, n) {
		return nil
	}
	off := addr - mr.r.Start
	return mr.data[off : off+uint32(n)]
}

func (t *Target) readWordLocked(addr uint32) (uint32, bool) {
	b := t.readMemLocked(addr, 4)
	if b == nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// Peek returns a copy of target memory, bypassing the debug port.
func (t *Target) Peek(addr uint32, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.readMemLocked(addr, n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Poke writes target memory, including flash, bypassing the debug port.
func (t *Target) Poke(addr uint32, data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.readMemLocked(addr, len(data))
	if b == nil {
		return false
	}
	copy(b, data)
	return true
}

// Requests is the number of requests that reached the debug port.
func (t *Target) Requests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests
}

// CtrlStat returns the DP CTRL/STAT register.
func (t *Target) CtrlStat() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctrlStat
}

// InjectWaits makes the next n requests answer WAIT.
func (t *Target) InjectWaits(n int) {
	t.mu.Lock()
	t.f.waits = n
	t.mu.Unlock()
}

// InjectBusFault makes bus accesses overlapping [addr, addr+size) fail.
func (t *Target) InjectBusFault(addr, size uint32) {
	t.mu.Lock()
	t.f.ranges = append(t.f.ranges, [2]uint64{uint64(addr), uint64(addr) + uint64(size)})
	t.mu.Unlock()
}

// CorruptResponses corrupts the next n responses: read data parity on SWD,
// the acknowledge on JTAG.
func (t *Target) CorruptResponses(n int) {
	t.mu.Lock()
	t.f.corrupt = n
	t.mu.Unlock()
}

// DropResponses leaves the next n SWD requests unanswered.
func (t *Target) DropResponses(n int) {
	t.mu.Lock()
	t.f.drop = n
	t.mu.Unlock()
}

// SetUnresponsive makes the target ignore everything, including line resets.
func (t *Target) SetUnresponsive(v bool) {
	t.mu.Lock()
	t.f.unresponsive = v
	t.mu.Unlock()
}

// BlockPowerUp keeps the power-up acknowledge bits clear.
func (t *Target) BlockPowerUp(v bool) {
	t.mu.Lock()
	t.f.noPowerAck = v
	if v {
		t.ctrlStat &^= ctrlCDbgPwrUpAck | ctrlCSysPwrUpAck
	}
	t.mu.Unlock()
}

// Unplug makes every subsequent transport operation fail.
func (t *Target) Unplug() {
	t.mu.Lock()
	t.f.unplugged = true
	t.mu.Unlock()
}

func (t *Target) takeCorruptLocked() bool {
	if t.f.corrupt > 0 {
		t.f.corrupt--
		return true
	}
	return false
}

func (t *Target) takeDropLocked() bool {
	if t.f.unresponsive {
		return true
	}
	if t.f.drop > 0 {
		t.f.drop--
		return true
	}
	return false
}
