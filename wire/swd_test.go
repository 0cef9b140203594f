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
package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSWDHeader(t *testing.T) {
	for _, tc := range []struct {
		req  Request
		want uint8
	}{
		// Well known header values.
		{Read(DP, RegDPIDR), 0xa5},
		{Write(DP, RegABORT, 0), 0x81},
		{Read(DP, RegCTRLSTAT), 0x8d},
		{Write(DP, RegSELECT, 0), 0xb1},
		{Read(DP, RegRDBUFF), 0xbd},
		{Read(AP, 0xc), 0x9f},
		{Write(AP, 0x4, 0), 0x8b},
	} {
		got := swdHeader(tc.req)
		assert.Equal(t, tc.want, got, "%s", tc.req)
		back, ok := ParseSWDHeader(got)
		assert.True(t, ok)
		tc.req.Data = 0
		assert.Equal(t, tc.req, back)
	}

	_, ok := ParseSWDHeader(0xa5 ^ 0x20)
	assert.False(t, ok, "parity")
	_, ok = ParseSWDHeader(0xa4)
	assert.False(t, ok, "start bit")
	_, ok = ParseSWDHeader(0xff)
	assert.False(t, ok, "stop bit")
}

func TestParity(t *testing.T) {
	assert.Equal(t, uint8(0), parity32(0))
	assert.Equal(t, uint8(1), parity32(1))
	assert.Equal(t, uint8(0), parity32(0xdeadbeef))
	assert.Equal(t, uint8(1), parity32(0xdeadbeee))
	assert.Equal(t, uint8(0), parity32(0xffffffff))
}
