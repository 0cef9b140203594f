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

// Package image loads firmware images to be written to target flash.
package image

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/common/probeerr"
	"github.com/mongoose-os/dbgprobe/flash"
)

type Format string

const (
	FormatAuto Format = ""
	FormatBin  Format = "bin"
	FormatHex  Format = "hex"
	FormatELF  Format = "elf"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatAuto, FormatBin, FormatHex, FormatELF:
		return f, nil
	case "ihex":
		return FormatHex, nil
	case "auto":
		return FormatAuto, nil
	}
	return "", errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "unknown image format %q", s))
}

// Image is a set of non-overlapping segments, sorted by address.
type Image struct {
	Format   Format
	Segments []flash.Segment
	// Entry is the start address recorded in the image, if any.
	Entry    uint32
	HasEntry bool
}

// Size is the number of data bytes in the image.
func (img *Image) Size() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Range returns the lowest address and the address past the highest byte.
func (img *Image) Range() (uint32, uint32) {
	if len(img.Segments) == 0 {
		return 0, 0
	}
	last := img.Segments[len(img.Segments)-1]
	return img.Segments[0].Addr, last.Addr + uint32(len(last.Data))
}

// Dump lists the segments one per line.
func (img *Image) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "format %s, %d bytes in %d segments", img.Format, img.Size(), len(img.Segments))
	if img.HasEntry {
		fmt.Fprintf(&sb, ", entry 0x%08x", img.Entry)
	}
	sb.WriteString("\n")
	for _, s := range img.Segments {
		fmt.Fprintf(&sb, "  0x%08x-0x%08x %d\n", s.Addr, s.Addr+uint32(len(s.Data)), len(s.Data))
	}
	return sb.String()
}

// normalize sorts segments and rejects overlaps and wrap-around.
func (img *Image) normalize() error {
	var segs []flash.Segment
	for _, s := range img.Segments {
		if len(s.Data) == 0 {
			continue
		}
		if uint64(s.Addr)+uint64(len(s.Data)) > 1<<32 {
			return errors.Trace(probeerr.New(probeerr.KindInvalidArgument,
				"segment of %d bytes does not fit the address space", len(s.Data)).At(s.Addr))
		}
		segs = append(segs, s)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })
	for i := 1; i < len(segs); i++ {
		prev := segs[i-1]
		if prev.Addr+uint32(len(prev.Data)) > segs[i].Addr {
			return errors.Trace(probeerr.New(probeerr.KindInvalidArgument,
				"segments at 0x%08x and 0x%08x overlap", prev.Addr, segs[i].Addr))
		}
	}
	img.Segments = segs
	return nil
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// DetectFormat guesses the format from the contents, then the file name.
func DetectFormat(name string, data []byte) Format {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return FormatELF
	case bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte(":")):
		return FormatHex
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".elf", ".axf", ".out":
		return FormatELF
	case ".hex", ".ihex":
		return FormatHex
	}
	return FormatBin
}

// Parse decodes data. base is the load address of raw binaries and is
// ignored for formats that carry addresses.
func Parse(name string, data []byte, f Format, base uint32) (*Image, error) {
	if f == FormatAuto {
		f = DetectFormat(name, data)
	}
	var img *Image
	var err error
	switch f {
	case FormatBin:
		img = &Image{Segments: []flash.Segment{{Addr: base, Data: data}}}
	case FormatHex:
		img, err = ParseHex(data, 0xff, 0)
	case FormatELF:
		img, err = ParseELF(data)
	default:
		return nil, errors.Trace(probeerr.New(probeerr.KindInvalidArgument, "unknown image format %q", f))
	}
	if err != nil {
		return nil, errors.Annotatef(err, "%s", name)
	}
	img.Format = f
	if err := img.normalize(); err != nil {
		return nil, errors.Annotatef(err, "%s", name)
	}
	return img, nil
}

func Load(fname string, f Format, base uint32) (*Image, error) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Parse(fname, data, f, base)
}
