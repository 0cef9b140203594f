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

// Package dap implements (a subset of) the CMSIS-DAP probe interface
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
// over HID (v1) and USB bulk (v2) transports.
package dap

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/transport"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus     cmd = 0x01
	cmdConnect           cmd = 0x02
	cmdDisconnect        cmd = 0x03
	cmdTransferConfigure cmd = 0x04
	cmdTransfer          cmd = 0x05
	cmdTransferBlock     cmd = 0x06
	cmdDelay             cmd = 0x09
	cmdResetTarget       cmd = 0x0a
	cmdSWJPins           cmd = 0x10
	cmdSWJClock          cmd = 0x11
	cmdSWJSequence       cmd = 0x12
	cmdSWDConfigure      cmd = 0x13
	cmdJTAGConfigure     cmd = 0x15
	cmdJTAGIDCode        cmd = 0x16
)

// DAP_Info IDs.
const (
	InfoVendor          uint8 = 0x01
	InfoProduct         uint8 = 0x02
	InfoSerialNumber    uint8 = 0x03
	InfoFirmwareVersion uint8 = 0x04
	InfoTargetVendor    uint8 = 0x05
	InfoTargetName      uint8 = 0x06
	InfoCapabilities    uint8 = 0xf0
	InfoPacketCount     uint8 = 0xfe
	InfoPacketSize      uint8 = 0xff
)

type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning   StatusType = 0x01
)

type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD  ConnectMode = 0x01
	ConnectModeJTAG ConnectMode = 0x02
)

type TransferOp uint8

const (
	OpRead       TransferOp = 0
	OpReadMatch  TransferOp = 1
	OpWrite      TransferOp = 2
	OpWriteMatch TransferOp = 3
)

type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8
	Data uint32
}

type TransferStatus uint8

const (
	TransferStatusOK    TransferStatus = 1
	TransferStatusWait  TransferStatus = 2
	TransferStatusFault TransferStatus = 4
)

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == 1 && !ts.SWDError() && !ts.ValueMismatch()
}

func (ts TransferStatus) AckValue() uint8 {
	return uint8(ts & 7)
}

func (ts TransferStatus) SWDError() bool {
	return ts&8 != 0
}

func (ts TransferStatus) ValueMismatch() bool {
	return ts&0x10 != 0
}

// Capabilities is the first byte of DAP_Info(0xF0).
type Capabilities uint8

const (
	CapSWD  Capabilities = 1 << 0
	CapJTAG Capabilities = 1 << 1
)

// SWJ_Pins bits.
const (
	PinSWCLK  uint8 = 1 << 0
	PinSWDIO  uint8 = 1 << 1
	PinTDI    uint8 = 1 << 2
	PinTDO    uint8 = 1 << 3
	PinNTRST  uint8 = 1 << 5
	PinNRESET uint8 = 1 << 7
)

// Client speaks CMSIS-DAP commands to one probe.
type Client struct {
	t             transport.Packet
	maxPacketSize int
	packetCount   int
	caps          Capabilities
}

// NewClient takes ownership of t and queries the probe's packet geometry and
// capabilities.
func NewClient(ctx context.Context, t transport.Packet) (*Client, error) {
	dapc := &Client{
		t:             t,
		maxPacketSize: 8, // Start with a conservative guess
		packetCount:   1,
	}
	resp, err := dapc.GetInfo(ctx, InfoPacketSize)
	if err != nil {
		dapc.Close()
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	binary.Read(resp, binary.LittleEndian, &rl)
	if binary.Read(resp, binary.LittleEndian, &mps) != nil || rl != 2 || mps == 0 {
		dapc.Close()
		return nil, errors.Trace(probeerr.New(probeerr.KindProbe, "bad packet size response"))
	}
	dapc.maxPacketSize = int(mps)
	if tps := t.MaxPacketSize(); tps > 0 && tps < dapc.maxPacketSize {
		dapc.maxPacketSize = tps
	}
	if resp, err = dapc.GetInfo(ctx, InfoPacketCount); err == nil {
		var pc uint8
		binary.Read(resp, binary.LittleEndian, &rl)
		if binary.Read(resp, binary.LittleEndian, &pc) == nil && pc > 0 {
			dapc.packetCount = int(pc)
		}
	}
	if resp, err = dapc.GetInfo(ctx, InfoCapabilities); err != nil {
		dapc.Close()
		return nil, errors.Annotatef(err, "failed to get capabilities")
	}
	var caps uint8
	binary.Read(resp, binary.LittleEndian, &rl)
	binary.Read(resp, binary.LittleEndian, &caps)
	dapc.caps = Capabilities(caps)
	glog.V(3).Infof("max packet size: %d, count: %d, caps: 0x%02x", dapc.maxPacketSize, dapc.packetCount, caps)
	return dapc, nil
}

func (dapc *Client) MaxPacketSize() int { return dapc.maxPacketSize }

func (dapc *Client) Capabilities() Capabilities { return dapc.caps }

func newCmd(cmd cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{uint8(cmd)})
}

func (dapc *Client) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	if len(args.Bytes()) > dapc.maxPacketSize {
		return nil, errors.Errorf("packet too long (max %d, got %d)", dapc.maxPacketSize, len(args.Bytes()))
	}
	if err := dapc.t.Write(ctx, args.Bytes()); err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := dapc.t.Read(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cmd := args.Bytes()[0]
	if len(resp) == 0 || resp[0] != cmd {
		return nil, errors.Trace(probeerr.New(probeerr.KindProbe, "response to wrong command (want 0x%02x, got %x)", cmd, resp))
	}
	return bytes.NewBuffer(resp[1:]), nil
}

func (dapc *Client) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	cmd := args.Bytes()[0]
	if resp.Len() == 0 {
		return errors.Trace(probeerr.New(probeerr.KindProbe, "empty response to command 0x%02x", cmd))
	}
	if status := resp.Bytes()[0]; status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", cmd, status)
	}
	return nil
}

func (dapc *Client) GetInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	glog.V(3).Infof("GetInfo(%d)", info)
	args := newCmd(cmdInfo)
	binary.Write(args, binary.LittleEndian, info)
	resp, err := dapc.exec(ctx, args)
	return resp, errors.Annotatef(err, "failed to get info 0x%02x", info)
}

func (dapc *Client) GetInfoString(ctx context.Context, info uint8) (string, error) {
	resp, err := dapc.GetInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	var sl uint8
	binary.Read(resp, binary.LittleEndian, &sl)
	s := make([]uint8, sl)
	resp.Read(s)
	return string(bytes.TrimRight(s, "\x00")), nil
}

func (dapc *Client) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(cmdSetHostStatus)
	binary.Write(args, binary.LittleEndian, uint8(st))
	var v uint8
	if value {
		v = 1
	}
	binary.Write(args, binary.LittleEndian, v)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *Client) Connect(ctx context.Context, mode ConnectMode) error {
	glog.V(3).Infof("Connect(%d)", mode)
	args := newCmd(cmdConnect)
	binary.Write(args, binary.LittleEndian, uint8(mode))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 || resp.Bytes()[0] == 0 {
		return errors.Trace(probeerr.New(probeerr.KindUnsupportedCapability, "connect in mode %d failed", mode))
	}
	return nil
}

func (dapc *Client) Disconnect(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

func (dapc *Client) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func transferReq(req TransferRequest) uint8 {
	treq := req.Reg & 0xc
	if req.AP {
		treq |= 1 << 0
	}
	switch req.Op {
	case OpRead:
		treq |= 1 << 1
	case OpReadMatch:
		treq |= 1<<1 | 1<<4
	case OpWriteMatch:
		treq |= 1 << 5
	}
	return treq
}

// Transfer issues reqs in one exchange. It returns the status of the last
// attempted request, the number of requests completed and the data read by
// the completed ones. A non-OK status is not an error.
func (dapc *Client) Transfer(ctx context.Context, dapIndex uint8, reqs []TransferRequest) (TransferStatus, int, []uint32, error) {
	args := newCmd(cmdTransfer)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return 0, 0, nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.Reg)
		}
		binary.Write(args, binary.LittleEndian, transferReq(req))
		if req.Op != OpRead {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, 0, nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil || int(tc) > len(reqs) {
		return st, 0, nil, errors.Trace(probeerr.New(probeerr.KindProbe, "transfer response is too short"))
	}
	var data []uint32
	for _, req := range reqs[:tc] {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			// The last read of a failed run carries no data.
			break
		}
		data = append(data, d)
	}
	return st, int(tc), data, nil
}

func (dapc *Client) GetTransferBlockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (dapc.maxPacketSize - headerLen) / 4
}

// TransferBlockRead reads length words from one register. On a failed run it
// returns the words read before the failure and the status that stopped it.
func (dapc *Client) TransferBlockRead(ctx context.Context, dapIndex uint8, ap bool, reg uint8, length int) (TransferStatus, []uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%d, %t, 0x%x, %d)", dapIndex, ap, reg, length)
	if length > dapc.GetTransferBlockMaxSize() {
		return 0, nil, errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), length)
	}
	if reg&3 != 0 {
		return 0, nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(length))
	binary.Write(args, binary.LittleEndian, transferReq(TransferRequest{Op: OpRead, AP: ap, Reg: reg}))
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil || int(tc) > length {
		return st, nil, errors.Trace(probeerr.New(probeerr.KindProbe, "block response is too short"))
	}
	var res []uint32
	for i := 0; i < int(tc); i++ {
		var w uint32
		if binary.Read(resp, binary.LittleEndian, &w) != nil {
			return st, nil, errors.Trace(probeerr.New(probeerr.KindProbe, "block response is too short"))
		}
		res = append(res, w)
	}
	return st, res, nil
}

// TransferBlockWrite writes data to one register and returns the number of
// words written.
func (dapc *Client) TransferBlockWrite(ctx context.Context, dapIndex uint8, ap bool, reg uint8, data []uint32) (TransferStatus, int, error) {
	glog.V(3).Infof("TransferBlockWrite(%d, %t, 0x%x, %d)", dapIndex, ap, reg, len(data))
	if len(data) > dapc.GetTransferBlockMaxSize() {
		return 0, 0, errors.Errorf("request too big (max %d, got %d)", dapc.GetTransferBlockMaxSize(), len(data))
	}
	if reg&3 != 0 {
		return 0, 0, errors.Errorf("invalid reg 0x%x", reg)
	}
	args := newCmd(cmdTransferBlock)
	binary.Write(args, binary.LittleEndian, dapIndex)
	binary.Write(args, binary.LittleEndian, uint16(len(data)))
	binary.Write(args, binary.LittleEndian, transferReq(TransferRequest{Op: OpWrite, AP: ap, Reg: reg}))
	for _, value := range data {
		binary.Write(args, binary.LittleEndian, value)
	}
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil || int(tc) > len(data) {
		return st, 0, errors.Trace(probeerr.New(probeerr.KindProbe, "block response is too short"))
	}
	return st, int(tc), nil
}

func (dapc *Client) Delay(ctx context.Context, delay time.Duration) error {
	delayMicros := delay.Nanoseconds() / 1000
	if delayMicros > 65535 {
		return errors.Errorf("delay too large (%d)", delayMicros)
	}
	glog.V(3).Infof("Delay(%d)", delayMicros)
	args := newCmd(cmdDelay)
	binary.Write(args, binary.LittleEndian, uint16(delayMicros))
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *Client) ResetTarget(ctx context.Context) error {
	return errors.Trace(dapc.execCheckStatus(ctx, newCmd(cmdResetTarget)))
}

// SWJPins drives the pins selected by sel to value and returns the pin
// levels read back after wait microseconds.
func (dapc *Client) SWJPins(ctx context.Context, value, sel uint8, wait uint32) (uint8, error) {
	glog.V(3).Infof("SWJPins(0x%02x, 0x%02x, %d)", value, sel, wait)
	args := newCmd(cmdSWJPins)
	binary.Write(args, binary.LittleEndian, value)
	binary.Write(args, binary.LittleEndian, sel)
	binary.Write(args, binary.LittleEndian, wait)
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if resp.Len() == 0 {
		return 0, errors.Trace(probeerr.New(probeerr.KindProbe, "empty pins response"))
	}
	return resp.Bytes()[0], nil
}

func (dapc *Client) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *Client) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d, %v)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmd(cmdSWJSequence)
	// 256 is encoded as 0.
	binary.Write(args, binary.LittleEndian, uint8(numBits))
	args.Write(data[:(numBits+7)/8])
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *Client) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	args := newCmd(cmdSWDConfigure)
	binary.Write(args, binary.LittleEndian, config)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

// JTAGConfigure sets the IR lengths of the devices on the scan chain.
func (dapc *Client) JTAGConfigure(ctx context.Context, irLengths ...uint8) error {
	glog.V(3).Infof("JTAGConfigure(%v)", irLengths)
	args := newCmd(cmdJTAGConfigure)
	binary.Write(args, binary.LittleEndian, uint8(len(irLengths)))
	args.Write(irLengths)
	return errors.Trace(dapc.execCheckStatus(ctx, args))
}

func (dapc *Client) JTAGIDCode(ctx context.Context, index uint8) (uint32, error) {
	args := newCmd(cmdJTAGIDCode)
	binary.Write(args, binary.LittleEndian, index)
	resp, err := dapc.exec(ctx, args)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var st uint8
	var id uint32
	if binary.Read(resp, binary.LittleEndian, &st) != nil || binary.Read(resp, binary.LittleEndian, &id) != nil {
		return 0, errors.Trace(probeerr.New(probeerr.KindProbe, "IDCODE response is too short"))
	}
	if st != 0 {
		return 0, errors.Trace(probeerr.New(probeerr.KindProtocol, "JTAG IDCODE read failed (0x%02x)", st))
	}
	return id, nil
}

func (dapc *Client) Close() error {
	if dapc.t != nil {
		return dapc.t.Close()
	}
	return nil
}
