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
	"github.com/juju/errors"

	"github.com/mongoose-os/dbgprobe/target"
)

const defaultDescription = `
name: sim-m4
core: cortex-m4
dpidr: 0x2ba01477
memory:
  - {name: flash, kind: flash, start: 0x08000000, size: 0x40000, algorithm: sim_flash}
  - {name: sram, kind: ram, start: 0x20000000, size: 0x10000}
  - {name: ccm, kind: ram, start: 0x10000000, size: 0x4000, access_width: 4}
flash_algorithms:
  - name: sim_flash
    default: true
    instructions: AL4AvnBHcEdwR3BHcEdwR3BHAAA=
    load_address: 0x20000000
    pc_init: 0x4
    pc_uninit: 0x6
    pc_program_page: 0x8
    pc_erase_sector: 0xa
    pc_erase_all: 0xc
    pc_verify: 0xe
    static_base: 0x400
    stack_pointer: 0x20001000
    page_buffer: 0x20002000
    page_size: 0x400
    flash_start: 0x08000000
    flash_size: 0x40000
    sectors:
      - {size: 0x4000, address: 0x0}
      - {size: 0x10000, address: 0x10000}
    program_page_timeout: 100
    erase_sector_timeout: 1000
    erase_all_timeout: 4000
`

// DefaultDescription describes a Cortex-M4 with 256K of flash in two sector
// sizes, 64K of SRAM and a word-only CCM block.
func DefaultDescription() *target.Description {
	d, err := target.Parse([]byte(defaultDescription))
	if err != nil {
		panic(errors.ErrorStack(err))
	}
	return d
}
