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
package image

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/flash"
)

// Intel HEX record types.
const (
	recData           = 0
	recEOF            = 1
	recExtSegAddr     = 2
	recStartSegAddr   = 3
	recExtLinearAddr  = 4
	recStartLinearAdr = 5
)

// ParseHex decodes Intel HEX. Discontinuities shorter than maxGapSize are
// filled with fill, longer ones start a new segment.
func ParseHex(hexData []byte, fill byte, maxGapSize int) (*Image, error) {
	img := &Image{}
	eof := false
	scanner := bufio.NewScanner(bytes.NewBuffer(hexData))
	lineNo := 0
	var cur *flash.Segment
	var base uint32
	flush := func() {
		if cur != nil {
			img.Segments = append(img.Segments, *cur)
			cur = nil
		}
	}
	for !eof && scanner.Scan() {
		lineNo++
		l := string(bytes.TrimSpace(scanner.Bytes()))
		if len(l) == 0 {
			continue
		}
		if l[0] != ':' {
			return nil, errors.Errorf("line %d: invalid start of the line", lineNo)
		}
		if len(l) < 11 || len(l)%2 != 1 {
			return nil, errors.Errorf("line %d: too short (%d)", lineNo, len(l))
		}
		ld, err := hex.DecodeString(l[1:])
		if err != nil {
			return nil, errors.Errorf("line %d: error decoding record body", lineNo)
		}
		buf := bytes.NewBuffer(ld)
		var recLen uint8
		binary.Read(buf, binary.BigEndian, &recLen)
		if len(ld) != 4+int(recLen)+1 {
			return nil, errors.Errorf("line %d: invalid length %d", lineNo, len(ld))
		}
		checksum := ld[len(ld)-1]
		cs := uint8(0)
		for _, b := range ld[:len(ld)-1] {
			cs += b
		}
		cs = (cs ^ 0xff) + 1
		if cs != checksum {
			return nil, errors.Errorf("line %d: invalid checksum (want %02x, got %02x)", lineNo, checksum, cs)
		}
		var recOffset uint16
		binary.Read(buf, binary.BigEndian, &recOffset)
		var recType uint8
		binary.Read(buf, binary.BigEndian, &recType)
		switch recType {
		case recData:
			data := make([]byte, recLen)
			buf.Read(data)
			addr := base + uint32(recOffset)
			if cur != nil {
				end := cur.Addr + uint32(len(cur.Data))
				if gap := int64(addr) - int64(end); gap > 0 && gap < int64(maxGapSize) {
					cur.Data = append(cur.Data, bytes.Repeat([]byte{fill}, int(gap))...)
				} else if gap != 0 {
					flush()
				}
			}
			if cur == nil {
				cur = &flash.Segment{Addr: addr}
			}
			cur.Data = append(cur.Data, data...)
		case recEOF:
			flush()
			eof = true
		case recExtSegAddr:
			if recLen != 2 {
				return nil, errors.Errorf("line %d: invalid extended segment address", lineNo)
			}
			var addr uint16
			binary.Read(buf, binary.BigEndian, &addr)
			base = uint32(addr) << 4
		case recStartSegAddr:
			if recLen != 4 {
				return nil, errors.Errorf("line %d: start segment address", lineNo)
			}
			var cs, ip uint16
			binary.Read(buf, binary.BigEndian, &cs)
			binary.Read(buf, binary.BigEndian, &ip)
			img.Entry, img.HasEntry = (uint32(cs)<<4)|uint32(ip), true
		case recExtLinearAddr:
			if recLen != 2 {
				return nil, errors.Errorf("line %d: invalid extended linear address", lineNo)
			}
			var addr uint16
			binary.Read(buf, binary.BigEndian, &addr)
			base = uint32(addr) << 16
		case recStartLinearAdr:
			if recLen != 4 {
				return nil, errors.Errorf("line %d: invalid start linear address", lineNo)
			}
			binary.Read(buf, binary.BigEndian, &img.Entry)
			img.HasEntry = true
		default:
			return nil, errors.Errorf("line %d: unsupported record type (%d)", lineNo, recType)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Annotatef(err, "line %d", lineNo)
	}
	if !eof {
		return nil, errors.Errorf("unexpected end of data")
	}
	return img, nil
}
