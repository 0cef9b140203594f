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

// Package memap sequences memory accesses through an ADIv5 MEM-AP.
package memap

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/dp"
	"github.com/mongoose-os/dbgprobe/target"
)

type MemAPReg uint8

const (
	CSW  MemAPReg = 0x00
	TAR  MemAPReg = 0x04
	DRW  MemAPReg = 0x0c
	BD0  MemAPReg = 0x10
	BD1  MemAPReg = 0x14
	BD2  MemAPReg = 0x18
	BD3  MemAPReg = 0x1c
	CFG  MemAPReg = 0xf4
	BASE MemAPReg = 0xf8
	IDR  MemAPReg = 0xfc
)

const (
	CSW_DeviceEn = 0x40

	cswProt       = 0x23000000
	cswAddrIncOne = 0x10
)

// TargetMemReaderWriter is word access to target memory without memory map
// checks, for system and debug registers.
type TargetMemReaderWriter interface {
	ReadTargetReg(ctx context.Context, addr uint32) (uint32, error)
	ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error)
	WriteTargetReg(ctx context.Context, addr uint32, value uint32) error
	WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error
}

// Banked gives access to a 16 byte window through the banked data
// registers, without moving TAR between accesses.
type Banked interface {
	ReadBanked(ctx context.Context, base uint32, idx int) (uint32, error)
	WriteBanked(ctx context.Context, base uint32, idx int, value uint32) error
}

type MemAPClient interface {
	TargetMemReaderWriter
	Banked

	Init(ctx context.Context) error
	ReadReg(ctx context.Context, reg MemAPReg) (uint32, error)
	WriteReg(ctx context.Context, reg MemAPReg, value uint32) error

	// ReadMemory and WriteMemory access arbitrary byte ranges. The range is
	// checked against the memory map before anything is sent to the target.
	// On failure the bytes transferred before the fault are returned (for
	// reads) and recorded in the error.
	ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
}

type Config struct {
	// AutoIncrementBoundary is the TAR auto-increment wrap size.
	AutoIncrementBoundary uint32
	// ProtocolRetries is how many times a run interrupted by a protocol
	// error is resumed.
	ProtocolRetries int
	// MemoryMap, if set, restricts ReadMemory/WriteMemory.
	MemoryMap *target.MemoryMap
}

func DefaultConfig() Config {
	return Config{AutoIncrementBoundary: target.DefaultAutoIncrementBoundary, ProtocolRetries: 1}
}

type memAPClient struct {
	dpc   dp.DPClient
	apSel uint8
	cfg   Config

	// CSW and the banked window base as last written, valid within one
	// engine epoch.
	csw       uint32
	cswEpoch  uint64
	cswValid  bool
	bankBase  uint32
	bankEpoch uint64
	bankValid bool
}

func NewMemAPClient(dpc dp.DPClient, apSel uint8, cfg Config) MemAPClient {
	if cfg.AutoIncrementBoundary == 0 {
		cfg.AutoIncrementBoundary = target.DefaultAutoIncrementBoundary
	}
	return &memAPClient{dpc: dpc, apSel: apSel, cfg: cfg}
}

func (mapc *memAPClient) ReadReg(ctx context.Context, reg MemAPReg) (uint32, error) {
	value, err := mapc.dpc.ReadAPReg(ctx, mapc.apSel, uint8(reg))
	if err != nil {
		return 0, errors.Trace(err)
	}
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, nil
}

func (mapc *memAPClient) WriteReg(ctx context.Context, reg MemAPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	if err := mapc.dpc.WriteAPReg(ctx, mapc.apSel, uint8(reg), value); err != nil {
		return errors.Trace(err)
	}
	switch reg {
	case CSW:
		mapc.csw, mapc.cswEpoch, mapc.cswValid = value, mapc.dpc.Epoch(), true
	case TAR:
		mapc.bankValid = false
	}
	return nil
}

func (mapc *memAPClient) Init(ctx context.Context) error {
	mapc.cswValid, mapc.bankValid = false, false
	csw, err := mapc.ReadReg(ctx, CSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&CSW_DeviceEn == 0 {
		return errors.Trace(probeerr.New(probeerr.KindAttachFailed, "MEM-AP %d is disabled", mapc.apSel))
	}
	return errors.Trace(mapc.setCSW(ctx, 4, true))
}

func cswValue(size uint32, inc bool) uint32 {
	v := uint32(cswProt)
	switch size {
	case 2:
		v |= 1
	case 4:
		v |= 2
	}
	if inc {
		v |= cswAddrIncOne
	}
	return v
}

func (mapc *memAPClient) setCSW(ctx context.Context, size uint32, inc bool) error {
	v := cswValue(size, inc)
	if mapc.cswValid && mapc.cswEpoch == mapc.dpc.Epoch() && mapc.csw == v {
		return nil
	}
	mapc.cswValid = false
	return errors.Trace(mapc.WriteReg(ctx, CSW, v))
}

func (mapc *memAPClient) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	if err := mapc.setCSW(ctx, 4, false); err != nil {
		return 0, errors.Trace(err)
	}
	if err := mapc.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := mapc.ReadReg(ctx, DRW)
	if err != nil {
		return 0, mapc.failed(ctx, err, "read", addr, 4, 0)
	}
	glog.V(4).Infof("ReadTargetReg(0x%08x) == 0x%08x", addr, value)
	return value, nil
}

func (mapc *memAPClient) WriteTargetReg(ctx context.Context, addr uint32, value uint32) error {
	if err := mapc.setCSW(ctx, 4, false); err != nil {
		return errors.Trace(err)
	}
	if err := mapc.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("WriteTargetReg(0x%08x, 0x%08x)", addr, value)
	if err := mapc.WriteReg(ctx, DRW, value); err != nil {
		return mapc.failed(ctx, err, "write", addr, 4, 0)
	}
	return nil
}

func (mapc *memAPClient) ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	glog.V(4).Infof("ReadTargetMem(0x%08x, %d)", addr, length)
	if addr%4 != 0 {
		return nil, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "addr must be word-aligned, got 0x%x", addr))
	}
	res, err := mapc.readRuns(ctx, addr, length, 4)
	if err != nil {
		return res, mapc.failed(ctx, err, "read", addr, length*4, len(res)*4)
	}
	return res, nil
}

func (mapc *memAPClient) WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error {
	glog.V(4).Infof("WriteTargetMem(0x%08x, %d)", addr, len(data))
	if addr%4 != 0 {
		return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "addr must be word-aligned, got 0x%x", addr))
	}
	if n, err := mapc.writeRuns(ctx, addr, data, 4); err != nil {
		return mapc.failed(ctx, err, "write", addr, len(data)*4, n*4)
	}
	return nil
}

func (mapc *memAPClient) ReadBanked(ctx context.Context, base uint32, idx int) (uint32, error) {
	if err := mapc.selectBank(ctx, base, idx); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := mapc.ReadReg(ctx, BD0+MemAPReg(4*idx))
	if err != nil {
		return 0, mapc.failed(ctx, err, "read", base+uint32(4*idx), 4, 0)
	}
	return v, nil
}

func (mapc *memAPClient) WriteBanked(ctx context.Context, base uint32, idx int, value uint32) error {
	if err := mapc.selectBank(ctx, base, idx); err != nil {
		return errors.Trace(err)
	}
	if err := mapc.WriteReg(ctx, BD0+MemAPReg(4*idx), value); err != nil {
		return mapc.failed(ctx, err, "write", base+uint32(4*idx), 4, 0)
	}
	return nil
}

func (mapc *memAPClient) selectBank(ctx context.Context, base uint32, idx int) error {
	if base%16 != 0 || idx < 0 || idx > 3 {
		return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "bad banked access 0x%08x[%d]", base, idx))
	}
	if err := mapc.setCSW(ctx, 4, false); err != nil {
		return errors.Trace(err)
	}
	if mapc.bankValid && mapc.bankEpoch == mapc.dpc.Epoch() && mapc.bankBase == base {
		return nil
	}
	if err := mapc.WriteReg(ctx, TAR, base); err != nil {
		return errors.Trace(err)
	}
	mapc.bankBase, mapc.bankEpoch, mapc.bankValid = base, mapc.dpc.Epoch(), true
	return nil
}

// readRuns reads count transfers of size bytes starting at addr. TAR is
// written at the start of every run; runs stop at the auto-increment
// boundary. The raw DRW words are returned.
func (mapc *memAPClient) readRuns(ctx context.Context, addr uint32, count int, size uint32) ([]uint32, error) {
	res := make([]uint32, 0, count)
	retries := 0
	for len(res) < count {
		cur := addr + uint32(len(res))*size
		n := mapc.runLength(cur, count-len(res), size)
		if err := mapc.startRun(ctx, cur, size); err != nil {
			return res, errors.Trace(err)
		}
		values, err := mapc.dpc.ReadAPRegMulti(ctx, mapc.apSel, uint8(DRW), n)
		res = append(res, values...)
		if err != nil {
			if probeerr.Retryable(err) && retries < mapc.cfg.ProtocolRetries {
				retries++
				glog.V(3).Infof("resuming read at 0x%08x after %s", addr+uint32(len(res))*size, err)
				continue
			}
			return res, errors.Trace(err)
		}
	}
	return res, nil
}

// writeRuns is the write counterpart of readRuns. It returns the number of
// transfers that completed.
func (mapc *memAPClient) writeRuns(ctx context.Context, addr uint32, data []uint32, size uint32) (int, error) {
	done, retries := 0, 0
	for done < len(data) {
		cur := addr + uint32(done)*size
		n := mapc.runLength(cur, len(data)-done, size)
		if err := mapc.startRun(ctx, cur, size); err != nil {
			return done, errors.Trace(err)
		}
		err := mapc.dpc.WriteAPRegMulti(ctx, mapc.apSel, uint8(DRW), data[done:done+n])
		if err != nil {
			done += probeerr.Transferred(err)
			if probeerr.Retryable(err) && retries < mapc.cfg.ProtocolRetries {
				retries++
				glog.V(3).Infof("resuming write at 0x%08x after %s", addr+uint32(done)*size, err)
				continue
			}
			return done, errors.Trace(err)
		}
		done += n
	}
	return done, nil
}

func (mapc *memAPClient) runLength(addr uint32, left int, size uint32) int {
	b := mapc.cfg.AutoIncrementBoundary
	n := int((b - addr&(b-1)) / size)
	if n > left {
		n = left
	}
	return n
}

func (mapc *memAPClient) startRun(ctx context.Context, addr uint32, size uint32) error {
	if err := mapc.setCSW(ctx, size, true); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(mapc.WriteReg(ctx, TAR, addr))
}

// failed turns a run failure into the error reported to the caller. After a
// target fault the sticky flags are cleared so the port stays usable.
func (mapc *memAPClient) failed(ctx context.Context, err error, op string, addr uint32, length, done int) error {
	if probeerr.Is(err, probeerr.KindTargetFault) {
		fe := probeerr.Wrap(probeerr.KindTargetFault, err, "%s of %d bytes at 0x%08x aborted", op, length, addr).
			At(addr + uint32(done)).WithTransferred(done).In(probeerr.PhaseMemory)
		if cerr := mapc.dpc.ClearFault(ctx); cerr != nil {
			return errors.Annotatef(fe, "clearing the fault also failed: %s", cerr)
		}
		return errors.Trace(fe)
	}
	if pe, ok := probeerr.As(err); ok {
		pe.Transferred = done
		if pe.Phase == "" {
			pe.Phase = probeerr.PhaseMemory
		}
	}
	return errors.Annotatef(err, "%s of %d bytes at 0x%08x", op, length, addr)
}

func (r MemAPReg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case BD0:
		return "BD0"
	case BD1:
		return "BD1"
	case BD2:
		return "BD2"
	case BD3:
		return "BD3"
	case CFG:
		return "CFG"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
