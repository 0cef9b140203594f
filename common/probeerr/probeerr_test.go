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
package probeerr

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindThroughAnnotations(t *testing.T) {
	base := New(KindTargetFault, "read DRW").At(0x20000010).WithTransferred(4)
	err := errors.Annotatef(base, "reading %d bytes", 16)
	err = errors.Trace(err)

	assert.Equal(t, KindTargetFault, KindOf(err))
	assert.True(t, Is(err, KindTargetFault))
	assert.False(t, Is(err, KindTimeout))
	assert.Equal(t, 4, Transferred(err))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x20000010), e.Addr)
}

func TestSetPhase(t *testing.T) {
	err := errors.Annotatef(New(KindTimeout, "poll"), "erase")
	SetPhase(err, PhaseFlashPoll)
	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, PhaseFlashPoll, e.Phase)

	plain := errors.New("plain")
	assert.Equal(t, plain, SetPhase(plain, PhaseMemory))
	assert.Equal(t, KindUnknown, KindOf(plain))
	assert.False(t, Is(nil, KindUnknown))
}

func TestErrorString(t *testing.T) {
	for _, tc := range []struct {
		err  *Error
		want string
	}{
		{New(KindInvalidAddress, "no region"), "InvalidAddress: no region"},
		{New(KindInvalidAddress, "no region").At(0x10), "InvalidAddress: no region at 0x00000010"},
		{New(KindFlashOperationFailed, "EraseSector").WithCode(3).In(PhaseFlashCollect),
			"FlashOperationFailed (flash-collect): EraseSector, code 3"},
		{New(KindTimeout, "DP.R[0x4]").WithAttempts(8), "Timeout: DP.R[0x4] after 8 attempts"},
		{Wrap(KindProbe, errors.New("usb gone"), "transfer"), "ProbeError: transfer: usb gone"},
	} {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}
