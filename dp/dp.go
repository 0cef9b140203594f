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

// Package dp drives an ADIv5 Debug Port: identification, power-up, sticky
// error recovery and banked access to the access ports behind it.
package dp

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/wire"
)

type DPReg uint8

const (
	DPIDR      DPReg = 0x00
	DPABORT    DPReg = 0x00
	DPCTRLSTAT DPReg = 0x04
	DPSELECT   DPReg = 0x08
	DPRDBUFF   DPReg = 0x0C
)

const (
	abortSTKCMPCLR  = 1 << 1
	abortSTKERRCLR  = 1 << 2
	abortWDERRCLR   = 1 << 3
	abortORUNERRCLR = 1 << 4

	ctrlStickyOrun = 1 << 1
	ctrlStickyCmp  = 1 << 4
	ctrlStickyErr  = 1 << 5
	ctrlWDataErr   = 1 << 7
	ctrlStickyMask = ctrlStickyOrun | ctrlStickyCmp | ctrlStickyErr | ctrlWDataErr

	ctrlCDbgRstReq = 0x04000000
	ctrlCDbgRstAck = 0x08000000
	ctrlPwrReqDbg  = 0x10000000
	ctrlPwrAckDbg  = 0x20000000
	ctrlPwrReqSys  = 0x40000000
	ctrlPwrAckSys  = 0x80000000
	ctrlAckMask    = ctrlCDbgRstAck | ctrlPwrAckDbg | ctrlPwrAckSys

	apIDR = 0xFC
)

type Config struct {
	// PowerUpAttempts bounds the polls of CTRL/STAT for the power-up and
	// debug reset acknowledgements.
	PowerUpAttempts int
	PollInterval    time.Duration
	// MaxAPs bounds access port enumeration.
	MaxAPs int
}

func DefaultConfig() Config {
	return Config{PowerUpAttempts: 100, PollInterval: time.Millisecond, MaxAPs: 16}
}

// Engine is the part of wire.Engine the DP client needs.
type Engine interface {
	Execute(ctx context.Context, req wire.Request) (wire.Outcome, error)
	ExecuteBlock(ctx context.Context, req wire.BlockRequest) ([]uint32, error)
	Epoch() uint64
}

type DPClient interface {
	Init(ctx context.Context) error
	GetIDR(ctx context.Context) (DPIDRValue, error)
	DbgReset(ctx context.Context) error
	SetDbgPower(ctx context.Context, dbg, sys bool) error
	ClearFault(ctx context.Context) error
	ReadDPReg(ctx context.Context, reg DPReg) (uint32, error)
	WriteDPReg(ctx context.Context, reg DPReg, value uint32) error
	ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error)
	ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error)
	WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error
	WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error
	APCount(ctx context.Context) (int, error)
	// Epoch is the engine epoch; AP side state cached by callers is only
	// valid while it does not change.
	Epoch() uint64
}

func NewDPClient(eng Engine, proto wire.Protocol, cfg Config) DPClient {
	d := DefaultConfig()
	if cfg.PowerUpAttempts <= 0 {
		cfg.PowerUpAttempts = d.PowerUpAttempts
	}
	if cfg.MaxAPs <= 0 {
		cfg.MaxAPs = d.MaxAPs
	}
	return &dpClient{eng: eng, proto: proto, cfg: cfg, sleep: time.Sleep}
}

type dpClient struct {
	eng   Engine
	proto wire.Protocol
	cfg   Config
	sleep func(time.Duration)

	selectValue uint32
	selectEpoch uint64
	selectValid bool
}

func (dpc *dpClient) Epoch() uint64 { return dpc.eng.Epoch() }

func (dpc *dpClient) readReg(ctx context.Context, port wire.Port, reg uint8) (uint32, error) {
	out, err := dpc.eng.Execute(ctx, wire.Read(port, reg))
	if err != nil {
		return 0, errors.Trace(err)
	}
	return out.Data, nil
}

func (dpc *dpClient) writeReg(ctx context.Context, port wire.Port, reg uint8, value uint32) error {
	_, err := dpc.eng.Execute(ctx, wire.Write(port, reg, value))
	return errors.Trace(err)
}

func (dpc *dpClient) ReadDPReg(ctx context.Context, reg DPReg) (uint32, error) {
	value, err := dpc.readReg(ctx, wire.DP, uint8(reg))
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read %s", reg)
	}
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, nil
}

func (dpc *dpClient) WriteDPReg(ctx context.Context, reg DPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	if err := dpc.writeReg(ctx, wire.DP, uint8(reg), value); err != nil {
		return errors.Annotatef(err, "failed to write %s", reg)
	}
	if reg == DPSELECT {
		dpc.selectValue, dpc.selectEpoch, dpc.selectValid = value, dpc.eng.Epoch(), true
	}
	return nil
}

func (dpc *dpClient) Init(ctx context.Context) error {
	if _, err := dpc.GetIDR(ctx); err != nil {
		return errors.Annotatef(err, "failed to read DP ID")
	}
	if err := dpc.ClearFault(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := dpc.WriteDPReg(ctx, DPSELECT, 0); err != nil {
		return errors.Trace(err)
	}
	if err := dpc.SetDbgPower(ctx, true, true); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (dpc *dpClient) GetIDR(ctx context.Context) (DPIDRValue, error) {
	v, err := dpc.ReadDPReg(ctx, DPIDR)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return DPIDRValue(v), nil
}

// ClearFault clears the sticky error flags so that AP accesses are accepted
// again. SWD uses ABORT, JTAG-DP clears them through CTRL/STAT.
func (dpc *dpClient) ClearFault(ctx context.Context) error {
	if dpc.proto == wire.JTAG {
		stat, err := dpc.ReadDPReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Trace(err)
		}
		if stat&ctrlStickyMask == 0 {
			return nil
		}
		v := stat&^(ctrlAckMask|ctrlStickyMask) | ctrlStickyOrun | ctrlStickyCmp | ctrlStickyErr
		return errors.Annotatef(dpc.WriteDPReg(ctx, DPCTRLSTAT, v), "failed to clear sticky errors")
	}
	return errors.Annotatef(dpc.WriteDPReg(ctx, DPABORT,
		abortSTKCMPCLR|abortSTKERRCLR|abortWDERRCLR|abortORUNERRCLR), "failed to clear sticky errors")
}

func (dpc *dpClient) SetDbgPower(ctx context.Context, dbg, sys bool) error {
	var reqMask, ackMask uint32
	if dbg {
		reqMask |= ctrlPwrReqDbg
		ackMask |= ctrlPwrAckDbg
	}
	if sys {
		reqMask |= ctrlPwrReqSys
		ackMask |= ctrlPwrAckSys
	}
	var statValue uint32
	for i := 0; i < dpc.cfg.PowerUpAttempts; i++ {
		var err error
		statValue, err = dpc.ReadDPReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Trace(err)
		}
		if statValue&0xf0000000 == (reqMask | ackMask) {
			glog.V(3).Infof("debug power: CTRL/STAT 0x%08x after %d polls", statValue, i)
			return nil
		}
		if statValue&(ctrlPwrReqDbg|ctrlPwrReqSys) != reqMask {
			ctrlValue := (statValue & 0x0fffff0d) | reqMask
			if err := dpc.WriteDPReg(ctx, DPCTRLSTAT, ctrlValue); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		dpc.sleep(dpc.cfg.PollInterval)
	}
	return errors.Trace(probeerr.New(probeerr.KindAttachFailed,
		"debug power-up not acknowledged, CTRL/STAT 0x%08x", statValue).WithAttempts(dpc.cfg.PowerUpAttempts))
}

func (dpc *dpClient) DbgReset(ctx context.Context) error {
	statValue, err := dpc.ReadDPReg(ctx, DPCTRLSTAT)
	if err != nil {
		return errors.Trace(err)
	}
	// Set reset request
	ctrlValue := (statValue & 0x53ffff0d) | ctrlCDbgRstReq
	if err := dpc.WriteDPReg(ctx, DPCTRLSTAT, ctrlValue); err != nil {
		return errors.Trace(err)
	}
	if err := dpc.waitStat(ctx, ctrlCDbgRstAck, ctrlCDbgRstAck); err != nil {
		return errors.Annotatef(err, "debug reset request")
	}
	// Remove request
	if err := dpc.WriteDPReg(ctx, DPCTRLSTAT, ctrlValue&^ctrlCDbgRstReq); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(dpc.waitStat(ctx, ctrlCDbgRstAck, 0), "debug reset release")
}

func (dpc *dpClient) waitStat(ctx context.Context, mask, want uint32) error {
	for i := 0; i < dpc.cfg.PowerUpAttempts; i++ {
		statValue, err := dpc.ReadDPReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Trace(err)
		}
		if statValue&mask == want {
			return nil
		}
		dpc.sleep(dpc.cfg.PollInterval)
	}
	return errors.Trace(probeerr.New(probeerr.KindTimeout, "CTRL/STAT bits 0x%08x never became 0x%08x", mask, want).
		WithAttempts(dpc.cfg.PowerUpAttempts))
}

func (dpc *dpClient) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := (dpc.selectValue & 0x00ffff0f) | (uint32(apSel) << 24) | ((uint32(apBank) & 0xf) << 4)
	if dpc.selectValid && dpc.selectEpoch == dpc.eng.Epoch() && sv == dpc.selectValue {
		return nil
	}
	if err := dpc.WriteDPReg(ctx, DPSELECT, sv); err != nil {
		dpc.selectValid = false
		return errors.Annotatef(err, "failed to select AP %d bank %d", apSel, apBank)
	}
	return nil
}

func (dpc *dpClient) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := dpc.readReg(ctx, wire.AP, apReg%16)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read AP %d reg 0x%02x", apSel, apReg)
	}
	return v, nil
}

func (dpc *dpClient) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	res, err := dpc.eng.ExecuteBlock(ctx, wire.BlockRequest{Op: wire.OpRead, Port: wire.AP, Reg: apReg % 16, Count: length})
	return res, errors.Trace(err)
}

func (dpc *dpClient) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	if err := dpc.writeReg(ctx, wire.AP, apReg%16, value); err != nil {
		return errors.Annotatef(err, "failed to write AP %d reg 0x%02x", apSel, apReg)
	}
	return nil
}

func (dpc *dpClient) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	if err := dpc.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	_, err := dpc.eng.ExecuteBlock(ctx, wire.BlockRequest{Op: wire.OpWrite, Port: wire.AP, Reg: apReg % 16, Data: values})
	return errors.Trace(err)
}

// APCount counts the access ports by reading IDR until one reads as zero.
func (dpc *dpClient) APCount(ctx context.Context) (int, error) {
	n := 0
	for ; n < dpc.cfg.MaxAPs; n++ {
		idr, err := dpc.ReadAPReg(ctx, uint8(n), apIDR)
		if err != nil {
			return n, errors.Trace(err)
		}
		if idr == 0 {
			break
		}
		glog.V(1).Infof("AP %d: IDR 0x%08x (%s)", n, idr, APIDRValue(idr))
	}
	return n, nil
}

type DPIDRValue uint32

type DPDesigner uint16

func (v DPIDRValue) Designer() DPDesigner {
	return DPDesigner(v & 0xfff)
}

func (v DPIDRValue) Version() uint8 {
	return uint8((v >> 12) & 0xf)
}

func (v DPIDRValue) Minimal() bool {
	return (v>>16)&1 != 0
}

func (v DPIDRValue) PartNumber() uint8 {
	return uint8(v >> 20)
}

func (v DPIDRValue) Revision() uint8 {
	return uint8((v >> 28) & 0xf)
}

func (v DPIDRValue) String() string {
	return fmt.Sprintf("0x%08x (designer %s, DPv%d, part 0x%02x, rev %d)",
		uint32(v), v.Designer(), v.Version(), v.PartNumber(), v.Revision())
}

func (v DPDesigner) String() string {
	if v == 0x477 {
		return "ARM"
	}
	return fmt.Sprintf("0x%03x", uint16(v))
}

type APIDRValue uint32

// IsMemAP tells a MEM-AP from JTAG-APs and other access port classes.
func (v APIDRValue) IsMemAP() bool {
	return (v>>13)&0xf == 0x8
}

func (v APIDRValue) Type() uint8 {
	return uint8(v & 0xf)
}

func (v APIDRValue) String() string {
	kind := "other"
	if v.IsMemAP() {
		switch v.Type() {
		case 1:
			kind = "AHB3 MEM-AP"
		case 2:
			kind = "APB2/3 MEM-AP"
		case 4:
			kind = "AXI MEM-AP"
		case 8:
			kind = "AHB5 MEM-AP"
		default:
			kind = "MEM-AP"
		}
	} else if v.Type() == 0 && (v>>13)&0xf == 0 {
		kind = "JTAG-AP"
	}
	return fmt.Sprintf("0x%08x %s", uint32(v), kind)
}

func (r DPReg) String() string {
	switch r {
	case DPIDR:
		return "DPIDR"
	case DPCTRLSTAT:
		return "DPCTRLSTAT"
	case DPSELECT:
		return "DPSELECT"
	case DPRDBUFF:
		return "DPRDBUFF"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
