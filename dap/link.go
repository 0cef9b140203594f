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
package dap

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/wire"
)

// Link carries DP and AP requests in DAP_Transfer commands. The probe does
// the SWD or JTAG framing, including collecting posted JTAG results.
type Link struct {
	c     *Client
	proto wire.Protocol
	index uint8
}

func ackOf(st TransferStatus) wire.Ack {
	if st.SWDError() {
		return wire.AckProtocolError
	}
	switch st.AckValue() {
	case 1:
		return wire.AckOK
	case 2:
		return wire.AckWait
	case 4:
		return wire.AckFault
	}
	return wire.AckProtocolError
}

func transferRequest(port wire.Port, op wire.Op, reg uint8, data uint32) TransferRequest {
	tr := TransferRequest{Op: OpRead, AP: port == wire.AP, Reg: reg, Data: data}
	if op == wire.OpWrite {
		tr.Op = OpWrite
	}
	return tr
}

func (l *Link) Transfer(ctx context.Context, req wire.Request) (wire.Ack, uint32, error) {
	st, n, data, err := l.c.Transfer(ctx, l.index, []TransferRequest{transferRequest(req.Port, req.Op, req.Reg, req.Data)})
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	ack := ackOf(st)
	if ack != wire.AckOK || n != 1 {
		glog.V(3).Infof("%s: status 0x%02x", req, st)
		if ack == wire.AckOK {
			ack = wire.AckProtocolError
		}
		return ack, 0, nil
	}
	if req.Op == wire.OpRead {
		if len(data) != 1 {
			return 0, 0, errors.Trace(probeerr.New(probeerr.KindProbe, "%s: no data in response", req))
		}
		return ack, data[0], nil
	}
	return ack, 0, nil
}

var (
	swdLineReset  = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	swdJTAGToSWD  = []byte{0x9e, 0xe7}
	swdIdleCycles = []byte{0x00}
)

// LineReset puts the link in a known state and reads the identification
// register: DPIDR over SWD, the TAP IDCODE over JTAG.
func (l *Link) LineReset(ctx context.Context) (uint32, error) {
	if l.proto == wire.JTAG {
		// TMS high for at least 5 clocks puts the TAP in Test-Logic-Reset.
		if err := l.c.SWJSequence(ctx, 6, []byte{0x3f}); err != nil {
			return 0, errors.Trace(err)
		}
		id, err := l.c.JTAGIDCode(ctx, l.index)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if id&1 == 0 || id == 0xffffffff {
			return 0, errors.Trace(probeerr.New(probeerr.KindProtocol, "invalid IDCODE 0x%08x", id))
		}
		return id, nil
	}
	for _, seq := range []struct {
		n    int
		bits []byte
	}{
		{51, swdLineReset},
		{16, swdJTAGToSWD},
		{51, swdLineReset},
		{8, swdIdleCycles},
	} {
		if err := l.c.SWJSequence(ctx, seq.n, seq.bits); err != nil {
			return 0, errors.Trace(err)
		}
	}
	ack, id, err := l.Transfer(ctx, wire.Read(wire.DP, wire.RegDPIDR))
	if err != nil {
		return 0, errors.Trace(err)
	}
	if ack != wire.AckOK {
		return 0, errors.Trace(probeerr.New(probeerr.KindProtocol, "no response to line reset (%s)", ack))
	}
	return id, nil
}

func (l *Link) MaxBlockSize() int { return l.c.GetTransferBlockMaxSize() }

func (l *Link) TransferBlock(ctx context.Context, req wire.BlockRequest) (wire.BlockResult, error) {
	res := wire.BlockResult{Ack: wire.AckOK}
	ap := req.Port == wire.AP
	var st TransferStatus
	if req.Op == wire.OpRead {
		var err error
		st, res.Data, err = l.c.TransferBlockRead(ctx, l.index, ap, req.Reg, req.Count)
		if err != nil {
			return res, errors.Trace(err)
		}
		res.Done = len(res.Data)
	} else {
		var err error
		st, res.Done, err = l.c.TransferBlockWrite(ctx, l.index, ap, req.Reg, req.Data)
		if err != nil {
			return res, errors.Trace(err)
		}
	}
	if res.Done < req.Len() {
		if res.Ack = ackOf(st); res.Ack == wire.AckOK {
			res.Ack = wire.AckProtocolError
		}
	}
	return res, nil
}
