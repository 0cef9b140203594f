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

// Package wire implements ADIv5 debug port transactions: SWD and JTAG-DP
// framing and the retrying transaction engine shared by all probe families.
package wire

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
)

type Protocol uint8

const (
	SWD Protocol = iota + 1
	JTAG
)

func (p Protocol) String() string {
	switch p {
	case SWD:
		return "SWD"
	case JTAG:
		return "JTAG"
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "swd":
		return SWD, nil
	case "jtag":
		return JTAG, nil
	}
	return 0, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "unknown protocol %q", s))
}

type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

type Port uint8

const (
	DP Port = iota
	AP
)

func (p Port) String() string {
	if p == AP {
		return "AP"
	}
	return "DP"
}

// Request is a single DP or AP register access.
// Reg is the register byte address within the current bank: 0x0, 0x4, 0x8 or 0xC.
type Request struct {
	Op   Op
	Port Port
	Reg  uint8
	Data uint32
}

func Read(port Port, reg uint8) Request {
	return Request{Op: OpRead, Port: port, Reg: reg}
}

func Write(port Port, reg uint8, data uint32) Request {
	return Request{Op: OpWrite, Port: port, Reg: reg, Data: data}
}

func (r Request) String() string {
	if r.Op == OpRead {
		return fmt.Sprintf("%s.R[0x%x]", r.Port, r.Reg)
	}
	return fmt.Sprintf("%s.W[0x%x]=0x%08x", r.Port, r.Reg, r.Data)
}

func (r Request) Validate() error {
	if r.Reg&^0xc != 0 {
		return errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "bad register address 0x%x", r.Reg))
	}
	return nil
}

type Ack uint8

const (
	AckOK    Ack = 1
	AckWait  Ack = 2
	AckFault Ack = 4
	// AckProtocolError stands for an unparseable response: an invalid ack
	// code, a data parity mismatch or a line nobody drives.
	AckProtocolError Ack = 8
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	case AckProtocolError:
		return "PROTOCOL_ERROR"
	}
	return fmt.Sprintf("Ack(%d)", uint8(a))
}

// Outcome of a transaction as seen by the caller of Engine.Execute.
type Outcome struct {
	Ack      Ack
	Data     uint32
	Attempts int
}

// Link performs one raw transaction attempt. Implementations do no retrying.
// A non-nil error means the transport itself failed.
type Link interface {
	Transfer(ctx context.Context, req Request) (Ack, uint32, error)
	// LineReset brings the link back to a known state and re-reads the
	// target identification register, failing if the target does not answer.
	LineReset(ctx context.Context) (uint32, error)
}

// BlockRequest is a run of accesses to one register, typically DRW with
// auto-increment. For reads Count is the number of words; for writes Data
// holds the words.
type BlockRequest struct {
	Op    Op
	Port  Port
	Reg   uint8
	Count int
	Data  []uint32
}

func (r BlockRequest) Len() int {
	if r.Op == OpWrite {
		return len(r.Data)
	}
	return r.Count
}

func (r BlockRequest) single(i int) Request {
	req := Request{Op: r.Op, Port: r.Port, Reg: r.Reg}
	if r.Op == OpWrite {
		req.Data = r.Data[i]
	}
	return req
}

// BlockResult reports how far a block run got. Ack is the response that
// stopped the run, AckOK if it completed.
type BlockResult struct {
	Ack  Ack
	Done int
	Data []uint32
}

// BlockLink is implemented by links that can issue runs in one exchange
// with the probe.
type BlockLink interface {
	Link
	TransferBlock(ctx context.Context, req BlockRequest) (BlockResult, error)
	MaxBlockSize() int
}
