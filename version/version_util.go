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
	"fmt"
	"regexp"
	"runtime"

	"github.com/mongoose-os/dbgprobe/cli/ourutil"
)

const (
	LatestVersionName = "latest"
)

var (
	regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)
	regexpBuildIdDistr  = regexp.MustCompile(`^(?P<version>[^+]+)\+(?P<hash>[^~]+)\~(?P<distr>[^\d]+)\d+$`)
)

// GetVersion returns this binary's version, or "latest" if it's not a release build.
func GetVersion() string {
	if LooksLikeVersionNumber(Version) {
		return Version
	}
	return LatestVersionName
}

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// Returns whether the build id looks like the binary was built by a distro
// packager (like ubuntu or brew).
func LooksLikeDistrBuildId(s string) bool {
	return GetBuildIdParts(s) != nil
}

// GetBuildIdParts splits a distro build id into its version, hash and distr
// parts. Returns nil if s is not one.
func GetBuildIdParts(s string) map[string]string {
	return ourutil.FindNamedSubmatches(regexpBuildIdDistr, s)
}

// GetUserAgent identifies the tool, e.g. in probe logs attached to bug reports.
func GetUserAgent() string {
	return fmt.Sprintf("dbgprobe/%s %s (%s; %s)", Version, BuildId, runtime.GOOS, runtime.GOARCH)
}

// Banner is what --version prints.
func Banner() string {
	s := fmt.Sprintf("Debug probe tool\nVersion: %s\n", GetVersion())
	if BuildId != "" {
		s += fmt.Sprintf("Build ID: %s\n", BuildId)
	}
	return s
}
