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
package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLooksLikeVersionNumber(t *testing.T) {
	assert.True(t, LooksLikeVersionNumber("1.2"))
	assert.True(t, LooksLikeVersionNumber("2.19.1"))
	assert.False(t, LooksLikeVersionNumber("latest"))
	assert.False(t, LooksLikeVersionNumber("1"))
}

func TestBuildIdParts(t *testing.T) {
	parts := GetBuildIdParts("1.2+abc123~bionic1")
	assert.Equal(t, map[string]string{"version": "1.2", "hash": "abc123", "distr": "bionic"}, parts)
	assert.True(t, LooksLikeDistrBuildId("1.2+abc123~bionic1"))
	assert.False(t, LooksLikeDistrBuildId("20201010-120000/master@abc123"))
}

func TestGetVersion(t *testing.T) {
	old := Version
	defer func() { Version = old }()
	Version = "1.3"
	assert.Equal(t, "1.3", GetVersion())
	assert.Contains(t, Banner(), "Version: 1.3\n")
	Version = "20201010-120000"
	assert.Equal(t, LatestVersionName, GetVersion())
	assert.True(t, strings.HasPrefix(GetUserAgent(), "dbgprobe/20201010-120000 "))
	assert.True(t, strings.HasSuffix(GetUserAgent(), "("+runtime.GOOS+"; "+runtime.GOARCH+")"))
}
