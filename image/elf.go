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
	"bytes"
	"debug/elf"
	"io/ioutil"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/flash"
)

// ParseELF returns the contents of the loadable segments at their physical
// (load) addresses. Zero-filled tails such as .bss are not part of the image.
func ParseELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Annotatef(err, "invalid ELF file")
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS32 {
		return nil, errors.Errorf("not a 32-bit ELF file (%s)", f.Class)
	}
	img := &Image{Entry: uint32(f.Entry), HasEntry: true}
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		d, err := ioutil.ReadAll(p.Open())
		if err != nil {
			return nil, errors.Annotatef(err, "segment %d", i)
		}
		glog.V(3).Infof("segment %d: 0x%08x (vaddr 0x%08x) %d bytes", i, p.Paddr, p.Vaddr, len(d))
		img.Segments = append(img.Segments, flash.Segment{Addr: uint32(p.Paddr), Data: d})
	}
	if len(img.Segments) == 0 {
		return nil, errors.Errorf("no loadable segments")
	}
	return img, nil
}
