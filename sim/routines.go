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
	"github.com/mongoose-os/dbgprobe/target"
)

// RoutineFunc emulates a flash algorithm entry point. It receives R0-R3 and
// returns the value left in R0.
type RoutineFunc func(t *Target, a *target.FlashAlgorithm, args [4]uint32) uint32

type routine struct {
	algo *target.FlashAlgorithm
	fn   RoutineFunc
}

// BindAlgorithm attaches the default routines to the entry points of a.
// They only run once the blob has been loaded at its load address.
func (t *Target) BindAlgorithm(a *target.FlashAlgorithm) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bind := func(off *uint32, fn RoutineFunc) {
		if off != nil {
			t.routines[a.Entry(*off)] = &routine{algo: a, fn: fn}
		}
	}
	bind(a.PCInit, func(*Target, *target.FlashAlgorithm, [4]uint32) uint32 { return 0 })
	bind(a.PCUnInit, func(*Target, *target.FlashAlgorithm, [4]uint32) uint32 { return 0 })
	bind(&a.PCEraseSector, eraseSector)
	bind(&a.PCProgramPage, programPage)
	bind(a.PCEraseAll, eraseAll)
	bind(a.PCVerify, verify)
}

func eraseSector(t *Target, a *target.FlashAlgorithm, args [4]uint32) uint32 {
	s, ok := a.SectorAt(args[0])
	if !ok {
		return 1
	}
	return t.fillLocked(s.Addr, s.Size, a.Erased())
}

func eraseAll(t *Target, a *target.FlashAlgorithm, args [4]uint32) uint32 {
	return t.fillLocked(a.FlashStart, a.FlashSize, a.Erased())
}

func (t *Target) fillLocked(addr, size uint32, v uint8) uint32 {
	b := t.readMemLocked(addr, int(size))
	if b == nil {
		return 1
	}
	for i := range b {
		b[i] = v
	}
	return 0
}

// programPage programs like NOR flash: bits only move away from the erased
// value.
func programPage(t *Target, a *target.FlashAlgorithm, args [4]uint32) uint32 {
	addr, size, buf := args[0], args[1], args[2]
	if size > a.PageSize {
		return 2
	}
	dst := t.readMemLocked(addr, int(size))
	src := t.readMemLocked(buf, int(size))
	if dst == nil || src == nil {
		return 1
	}
	for i := range dst {
		if a.Erased() == 0xff {
			dst[i] &= src[i]
		} else {
			dst[i] |= src[i]
		}
	}
	return 0
}

// verify follows the FLM convention of returning addr+size on success and
// the first mismatching address otherwise.
func verify(t *Target, a *target.FlashAlgorithm, args [4]uint32) uint32 {
	addr, size, buf := args[0], args[1], args[2]
	dst := t.readMemLocked(addr, int(size))
	src := t.readMemLocked(buf, int(size))
	if dst == nil || src == nil {
		return addr
	}
	for i := range dst {
		if dst[i] != src[i] {
			return addr + uint32(i)
		}
	}
	return addr + size
}

// SetRoutine replaces the routine at an absolute entry address.
func (t *Target) SetRoutine(a *target.FlashAlgorithm, entry uint32, fn RoutineFunc) {
	t.mu.Lock()
	t.routines[entry] = &routine{algo: a, fn: fn}
	t.mu.Unlock()
}

// HangOn makes the routine at entry never return.
func (t *Target) HangOn(entry uint32) {
	t.mu.Lock()
	t.f.hang[entry] = true
	t.mu.Unlock()
}

// FailOn makes the routine at entry return code when called with R0 == arg0.
func (t *Target) FailOn(entry, arg0, code uint32) {
	t.mu.Lock()
	t.f.codes[[2]uint32{entry, arg0}] = code
	t.mu.Unlock()
}

// SetRoutineLatency makes routines take polls DHCSR reads to return.
func (t *Target) SetRoutineLatency(polls int) {
	t.mu.Lock()
	t.f.latency = polls
	t.mu.Unlock()
}
