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
package flash

import (
	"bytes"
	"context"
	"sort"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/target"
)

// verifyChunk is the read-back size used by Verify.
const verifyChunk = 4096

// group is a run of units that share one Init/UnInit bracket.
type group struct {
	fn    uint32
	units []*unit
}

// Segment is data to be placed at an address.
type Segment struct {
	Addr uint32
	Data []byte
}

type page struct {
	addr uint32
	data []byte
}

func (f *Flasher) bracket(g group) []*unit {
	if len(g.units) == 0 {
		return nil
	}
	a := f.algo
	t := f.opts.timing
	var res []*unit
	if a.PCInit != nil {
		res = append(res, &unit{
			name: "init", entry: a.Entry(*a.PCInit), addr: a.FlashStart, timeout: t.InitTimeout,
			args: []uint32{a.FlashStart, a.ClockHz, g.fn},
		})
	}
	res = append(res, g.units...)
	if a.PCUnInit != nil {
		res = append(res, &unit{
			name: "uninit", entry: a.Entry(*a.PCUnInit), addr: a.FlashStart, timeout: t.InitTimeout,
			args: []uint32{g.fn},
		})
	}
	return res
}

// transact runs the groups in one transaction: one halt, one load.
func (f *Flasher) transact(ctx context.Context, rep *Report, policy ResumePolicy, groups ...group) error {
	var units []*unit
	for _, g := range groups {
		units = append(units, f.bracket(g)...)
	}
	if len(units) == 0 {
		return nil
	}
	return f.newTransaction(rep, units, policy).run(ctx)
}

func (f *Flasher) eraseGroup(rep *Report, sectors []target.SectorInfo) group {
	g := group{fn: target.FuncErase}
	total, done := 0, 0
	for _, s := range sectors {
		total += int(s.Size)
	}
	minSize := f.algo.MinSectorSize()
	for _, s := range sectors {
		s := s
		n := int((s.Size + minSize - 1) / minSize)
		g.units = append(g.units, &unit{
			name:    "erase sector",
			entry:   f.algo.Entry(f.algo.PCEraseSector),
			args:    []uint32{s.Addr},
			addr:    s.Addr,
			timeout: f.opts.timing.Timeout(f.algo.EraseSectorTimeout(), n),
			done: func() {
				rep.Erased = append(rep.Erased, Block{Addr: s.Addr, Size: s.Size})
				done += int(s.Size)
				f.report(Progress{Op: "erase", Addr: s.Addr, Done: done, Total: total})
			},
		})
	}
	return g
}

func (f *Flasher) eraseAllGroup(rep *Report) group {
	a := f.algo
	sectors := a.SectorsIn(a.FlashStart, int(a.FlashSize))
	if a.PCEraseAll == nil {
		return f.eraseGroup(rep, sectors)
	}
	timeout := a.EraseAllTimeout()
	n := 1
	if timeout == 0 {
		timeout = a.EraseSectorTimeout()
		n = int(a.FlashSize / a.MinSectorSize())
	}
	return group{fn: target.FuncErase, units: []*unit{{
		name:    "erase all",
		entry:   a.Entry(*a.PCEraseAll),
		addr:    a.FlashStart,
		timeout: f.opts.timing.Timeout(timeout, n),
		done: func() {
			for _, s := range sectors {
				rep.Erased = append(rep.Erased, Block{Addr: s.Addr, Size: s.Size})
			}
			f.report(Progress{Op: "erase", Addr: a.FlashStart, Done: int(a.FlashSize), Total: int(a.FlashSize)})
		},
	}}}
}

// paginate lays the segments out on algorithm pages, padding with the
// erased value.
func (f *Flasher) paginate(segs []Segment) []page {
	a := f.algo
	ps := a.PageSize
	pages := make(map[uint32][]byte)
	for _, s := range segs {
		for i := 0; i < len(s.Data); {
			addr := s.Addr + uint32(i)
			base := a.FlashStart + (addr-a.FlashStart)/ps*ps
			p, ok := pages[base]
			if !ok {
				p = bytes.Repeat([]byte{a.Erased()}, int(ps))
				pages[base] = p
			}
			i += copy(p[addr-base:], s.Data[i:])
		}
	}
	res := make([]page, 0, len(pages))
	for addr, data := range pages {
		res = append(res, page{addr: addr, data: data})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].addr < res[j].addr })
	return res
}

func (f *Flasher) programGroup(rep *Report, pages []page) group {
	a := f.algo
	g := group{fn: target.FuncProgram}
	total, done := 0, 0
	for _, p := range pages {
		total += len(p.data)
	}
	for _, p := range pages {
		p := p
		b := Block{Addr: p.addr, Size: uint32(len(p.data))}
		if allErased(p.data, a.Erased()) {
			rep.Skipped = append(rep.Skipped, b)
			done += len(p.data)
			continue
		}
		g.units = append(g.units, &unit{
			name:    "program page",
			entry:   a.Entry(a.PCProgramPage),
			args:    []uint32{p.addr, uint32(len(p.data)), a.PageBuffer},
			addr:    p.addr,
			timeout: f.opts.timing.Timeout(a.ProgramPageTimeout(), 1),
			prepare: func(ctx context.Context) error {
				return errors.Annotatef(f.mem.WriteMemory(ctx, a.PageBuffer, p.data), "failed to fill the page buffer")
			},
			done: func() {
				rep.Programmed = append(rep.Programmed, b)
				done += len(p.data)
				f.report(Progress{Op: "program", Addr: b.Addr, Done: done, Total: total})
			},
		})
	}
	return g
}

// verifyGroup checks the segments with the algorithm's Verify entry point.
func (f *Flasher) verifyGroup(rep *Report, segs []Segment) group {
	a := f.algo
	g := group{fn: target.FuncVerify}
	total, done := 0, 0
	for _, s := range segs {
		total += len(s.Data)
	}
	for _, s := range segs {
		for i := 0; i < len(s.Data); i += int(a.PageSize) {
			chunk := s.Data[i:]
			if len(chunk) > int(a.PageSize) {
				chunk = chunk[:a.PageSize]
			}
			addr, end := s.Addr+uint32(i), s.Addr+uint32(i+len(chunk))
			g.units = append(g.units, &unit{
				name:    "verify",
				entry:   a.Entry(*a.PCVerify),
				args:    []uint32{addr, uint32(len(chunk)), a.PageBuffer},
				addr:    addr,
				timeout: f.opts.timing.Timeout(a.ProgramPageTimeout(), 1),
				verify:  true,
				ok:      func(r0 uint32) bool { return r0 == end },
				prepare: func(ctx context.Context) error {
					return errors.Annotatef(f.mem.WriteMemory(ctx, a.PageBuffer, chunk), "failed to fill the page buffer")
				},
				done: func() {
					rep.Verified += len(chunk)
					done += len(chunk)
					f.report(Progress{Op: "verify", Addr: addr, Done: done, Total: total})
				},
			})
		}
	}
	return g
}

func (f *Flasher) algorithmVerifies() bool {
	return f.opts.algoVerify && f.algo.PCVerify != nil
}

// readBack compares flash contents with the segments through the memory
// interface.
func (f *Flasher) readBack(ctx context.Context, rep *Report, segs []Segment) error {
	total, done := 0, 0
	for _, s := range segs {
		total += len(s.Data)
	}
	for _, s := range segs {
		for i := 0; i < len(s.Data); i += verifyChunk {
			want := s.Data[i:]
			if len(want) > verifyChunk {
				want = want[:verifyChunk]
			}
			addr := s.Addr + uint32(i)
			got, err := f.mem.ReadMemory(ctx, addr, len(want))
			if err != nil {
				return errors.Annotatef(probeerr.SetPhase(err, probeerr.PhaseFlashVerify), "failed to read back flash")
			}
			if !bytes.Equal(got, want) {
				j := 0
				for got[j] == want[j] {
					j++
				}
				return errors.Trace(probeerr.New(probeerr.KindVerificationFailed,
					"read 0x%02x, expected 0x%02x", got[j], want[j]).At(addr + uint32(j)).In(probeerr.PhaseFlashVerify))
			}
			rep.Verified += len(want)
			done += len(want)
			f.report(Progress{Op: "verify", Addr: addr, Done: done, Total: total})
		}
	}
	return nil
}

// EraseRange erases every sector overlapping [addr, addr+length).
func (f *Flasher) EraseRange(ctx context.Context, addr uint32, length int) (*Report, error) {
	rep, start := newReport(), f.opts.now()
	err := f.checkRange(addr, length)
	if err == nil {
		sectors := f.algo.SectorsIn(addr, length)
		glog.V(1).Infof("Erasing %d bytes @ 0x%08x, %d sectors", length, addr, len(sectors))
		err = f.transact(ctx, rep, f.opts.policy, f.eraseGroup(rep, sectors))
	}
	f.finish("erase", start, rep, err)
	return rep, errors.Trace(err)
}

// EraseAll erases the whole device, with the algorithm's chip erase if it
// has one, sector by sector otherwise.
func (f *Flasher) EraseAll(ctx context.Context) (*Report, error) {
	rep, start := newReport(), f.opts.now()
	err := f.transact(ctx, rep, f.opts.policy, f.eraseAllGroup(rep))
	f.finish("erase_all", start, rep, err)
	return rep, errors.Trace(err)
}

// Program writes data at addr, which must already be erased. Partial pages
// are padded with the erased value; pages that only hold the erased value
// are skipped.
func (f *Flasher) Program(ctx context.Context, addr uint32, data []byte, verify bool) (*Report, error) {
	rep, start := newReport(), f.opts.now()
	err := f.program(ctx, rep, []Segment{{Addr: addr, Data: data}}, verify)
	f.finish("program", start, rep, err)
	return rep, errors.Trace(err)
}

// Verify compares flash contents with data.
func (f *Flasher) Verify(ctx context.Context, addr uint32, data []byte) (*Report, error) {
	rep, start := newReport(), f.opts.now()
	segs := []Segment{{Addr: addr, Data: data}}
	err := f.checkRange(addr, len(data))
	if err == nil {
		if f.algorithmVerifies() {
			err = f.transact(ctx, rep, f.opts.policy, f.verifyGroup(rep, segs))
		} else {
			err = f.readBack(ctx, rep, segs)
		}
	}
	f.finish("verify", start, rep, err)
	return rep, errors.Trace(err)
}

type DownloadOptions struct {
	// EraseAll erases the whole device instead of the sectors the segments
	// cover.
	EraseAll bool
	// SkipErase assumes the target sectors are erased already.
	SkipErase bool
	Verify    bool
}

// Download erases the sectors the segments touch, programs them and
// optionally verifies the result, in a single transaction.
func (f *Flasher) Download(ctx context.Context, segs []Segment, opts DownloadOptions) (*Report, error) {
	rep, start := newReport(), f.opts.now()
	segs = append([]Segment(nil), segs...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })
	var err error
	for i, s := range segs {
		if err = f.checkRange(s.Addr, len(s.Data)); err != nil {
			break
		}
		if i > 0 && uint64(segs[i-1].Addr)+uint64(len(segs[i-1].Data)) > uint64(s.Addr) {
			err = errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "segments overlap").At(s.Addr))
			break
		}
	}
	if err == nil {
		var erase group
		switch {
		case opts.SkipErase:
		case opts.EraseAll:
			erase = f.eraseAllGroup(rep)
		default:
			erase = f.eraseGroup(rep, f.sectorsFor(segs))
		}
		err = f.program(ctx, rep, segs, opts.Verify, erase)
	}
	f.finish("download", start, rep, err)
	return rep, errors.Trace(err)
}

// program runs the pre groups and the programming of segs in one
// transaction, followed by verification if requested.
func (f *Flasher) program(ctx context.Context, rep *Report, segs []Segment, verify bool, pre ...group) error {
	for _, s := range segs {
		if err := f.checkRange(s.Addr, len(s.Data)); err != nil {
			return errors.Trace(err)
		}
	}
	groups := append(pre, f.programGroup(rep, f.paginate(segs)))
	if verify && f.algorithmVerifies() {
		groups = append(groups, f.verifyGroup(rep, segs))
		return errors.Trace(f.transact(ctx, rep, f.opts.policy, groups...))
	}
	if err := f.transact(ctx, rep, f.opts.policy, groups...); err != nil {
		return errors.Trace(err)
	}
	if verify {
		return errors.Trace(f.readBack(ctx, rep, segs))
	}
	return nil
}

func (f *Flasher) sectorsFor(segs []Segment) []target.SectorInfo {
	seen := make(map[uint32]bool)
	var res []target.SectorInfo
	for _, s := range segs {
		for _, sec := range f.algo.SectorsIn(s.Addr, len(s.Data)) {
			if !seen[sec.Addr] {
				seen[sec.Addr] = true
				res = append(res, sec)
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Addr < res[j].Addr })
	return res
}

func allErased(data []byte, v byte) bool {
	for _, b := range data {
		if b != v {
			return false
		}
	}
	return true
}
