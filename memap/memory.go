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
package memap

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/target"
)

// segment is a part of an access performed with one transfer size.
type segment struct {
	addr uint32
	len  int
	size uint32
}

func (mapc *memAPClient) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	glog.V(3).Infof("ReadMemory(0x%08x, %d)", addr, length)
	segs, err := mapc.plan(addr, length)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]byte, 0, length)
	for _, s := range segs {
		words, err := mapc.readRuns(ctx, s.addr, s.len/int(s.size), s.size)
		for i, w := range words {
			a := s.addr + uint32(i)*s.size
			v := w >> (8 * (a & 3))
			for j := uint32(0); j < s.size; j++ {
				res = append(res, byte(v>>(8*j)))
			}
		}
		if err != nil {
			return res, mapc.failed(ctx, err, "read", addr, length, len(res))
		}
	}
	return res, nil
}

func (mapc *memAPClient) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	glog.V(3).Infof("WriteMemory(0x%08x, %d)", addr, len(data))
	segs, err := mapc.plan(addr, len(data))
	if err != nil {
		return errors.Trace(err)
	}
	off := 0
	for _, s := range segs {
		words := make([]uint32, 0, s.len/int(s.size))
		for i := 0; i < s.len; i += int(s.size) {
			a := s.addr + uint32(i)
			var v uint32
			for j := 0; j < int(s.size); j++ {
				v |= uint32(data[off+i+j]) << (8 * uint(j))
			}
			words = append(words, v<<(8*(a&3)))
		}
		n, err := mapc.writeRuns(ctx, s.addr, words, s.size)
		if err != nil {
			return mapc.failed(ctx, err, "write", addr, len(data), off+n*int(s.size))
		}
		off += s.len
	}
	return nil
}

// plan validates the access and splits it into segments of uniform
// transfer size, in ascending address order. It sends nothing to the target.
func (mapc *memAPClient) plan(addr uint32, length int) ([]segment, error) {
	if length == 0 {
		return nil, nil
	}
	var spans []target.Span
	if mapc.cfg.MemoryMap != nil {
		var err error
		if spans, err = mapc.cfg.MemoryMap.Check(addr, length); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		if length < 0 || uint64(addr)+uint64(length) > 1<<32 {
			return nil, errors.Trace(probeerr.New(probeerr.KindInvalidAddress, "bad range, %d bytes", length).At(addr))
		}
		spans = []target.Span{{Addr: addr, Len: length}}
	}
	var segs []segment
	for _, sp := range spans {
		w := 0
		if sp.Region != nil {
			w = sp.Region.AccessWidth
		}
		segs = splitWidths(segs, sp.Addr, sp.Len, w)
	}
	return segs, nil
}

// splitWidths appends the segments for one span: unaligned head bytes and
// halfwords, an aligned word body and the tail. A non-zero width forces a
// single size.
func splitWidths(segs []segment, addr uint32, n int, width int) []segment {
	add := func(a uint32, l int, size uint32) {
		if k := len(segs) - 1; k >= 0 && segs[k].size == size && segs[k].addr+uint32(segs[k].len) == a {
			segs[k].len += l
			return
		}
		segs = append(segs, segment{addr: a, len: l, size: size})
	}
	if width > 0 {
		add(addr, n, uint32(width))
		return segs
	}
	for n > 0 {
		size, l := uint32(1), 1
		switch {
		case addr%4 == 0 && n >= 4:
			size, l = 4, n&^3
		case addr%2 == 0 && n >= 2:
			size, l = 2, 2
		}
		add(addr, l, size)
		addr += uint32(l)
		n -= l
	}
	return segs
}
