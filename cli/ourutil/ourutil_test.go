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
package ourutil

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
)

func TestHexDump(t *testing.T) {
	var b bytes.Buffer
	HexDump(&b, 0x20000000, []byte("0123456789abcdef\x00\x01XY"))
	exp := "20000000: 30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n" +
		"20000010: 00 01 58 59                                       |..XY|\n"
	if b.String() != exp {
		dmp := diffmatchpatch.New()
		t.Errorf("dump mismatch:\n%s", dmp.DiffPrettyText(dmp.DiffMain(exp, b.String(), false)))
	}
}

func TestConfirm(t *testing.T) {
	oldIn, oldOut := Input, Output
	defer func() { Input, Output = oldIn, oldOut }()
	for ans, exp := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		var out bytes.Buffer
		Input, Output = strings.NewReader(ans), &out
		assert.Equal(t, exp, Confirm("Erase?"), "answer %q", ans)
		assert.Equal(t, "Erase? [y/N] ", out.String())
	}
}

func TestFindNamedSubmatches(t *testing.T) {
	re := regexp.MustCompile(`^(?P<family>[a-z-]+):(?P<vid>[0-9a-f]{4})$`)
	assert.Equal(t, map[string]string{"family": "cmsis-dap", "vid": "0d28"}, FindNamedSubmatches(re, "cmsis-dap:0d28"))
	assert.Nil(t, FindNamedSubmatches(re, "ftdi"))
}

func TestFirstN(t *testing.T) {
	assert.Equal(t, "CMSIS", FirstN("CMSIS-DAP", 5))
	assert.Equal(t, "ftdi", FirstN("ftdi", 10))
}
