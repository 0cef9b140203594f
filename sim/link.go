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

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/wire"
)

// Link reaches the target at the request level, as a probe that does the
// framing in firmware would. It implements wire.BlockLink.
type Link struct {
	t        *Target
	maxBlock int
}

func (t *Target) Link(maxBlock int) *Link {
	return &Link{t: t, maxBlock: maxBlock}
}

func (l *Link) Transfer(ctx context.Context, req wire.Request) (wire.Ack, uint32, error) {
	if l.t.unplugged() {
		return 0, 0, errors.New("sim: probe disconnected")
	}
	l.t.mu.Lock()
	defer l.t.mu.Unlock()
	if l.t.takeDropLocked() {
		l.t.requests++
		return wire.AckProtocolError, 0, nil
	}
	if l.t.takeWaitLocked() {
		return wire.AckWait, 0, nil
	}
	ack, v := l.t.accessLocked(req)
	if ack == wire.AckOK && req.Op == wire.OpRead && l.t.takeCorruptLocked() {
		return wire.AckProtocolError, 0, nil
	}
	return ack, v, nil
}

func (l *Link) LineReset(ctx context.Context) (uint32, error) {
	if l.t.unplugged() {
		return 0, errors.New("sim: probe disconnected")
	}
	id, ok := l.t.lineReset()
	if !ok {
		return 0, errors.Trace(probeerr.New(probeerr.KindProtocol, "no response to line reset"))
	}
	return id, nil
}

func (l *Link) MaxBlockSize() int { return l.maxBlock }

func (l *Link) TransferBlock(ctx context.Context, req wire.BlockRequest) (wire.BlockResult, error) {
	res := wire.BlockResult{Ack: wire.AckOK}
	for i := 0; i < req.Len(); i++ {
		r := wire.Request{Op: req.Op, Port: req.Port, Reg: req.Reg}
		if req.Op == wire.OpWrite {
			r.Data = req.Data[i]
		}
		ack, v, err := l.Transfer(ctx, r)
		if err != nil {
			return res, err
		}
		if ack != wire.AckOK {
			res.Ack = ack
			return res, nil
		}
		if req.Op == wire.OpRead {
			res.Data = append(res.Data, v)
		}
		res.Done++
	}
	return res, nil
}
