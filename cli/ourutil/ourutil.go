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
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/golang/glog"
)

var (
	// Output and Input are where reports go and where prompts read answers.
	Output io.Writer = os.Stderr
	Input  io.Reader = os.Stdin
)

func Reportf(f string, args ...interface{}) {
	Freportf(Output, f, args...)
}

func Freportf(logFile io.Writer, f string, args ...interface{}) {
	fmt.Fprintf(logFile, f+"\n", args...)
	glog.Infof(f, args...)
}

func Prompt(text string) string {
	fmt.Fprintf(Output, "%s ", text)
	ans, _ := bufio.NewReader(Input).ReadString('\n')
	return strings.TrimSpace(ans)
}

// Confirm asks a yes/no question, anything but "y" or "yes" is a no.
func Confirm(text string) bool {
	switch strings.ToLower(Prompt(text + " [y/N]")) {
	case "y", "yes":
		return true
	}
	return false
}

func FirstN(s string, n int) string {
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// HexDump writes data in rows of 16 bytes, each prefixed by its address and
// followed by the printable characters.
func HexDump(w io.Writer, addr uint32, data []byte) {
	for off := 0; off < len(data); off += 16 {
		row := data[off:]
		if len(row) > 16 {
			row = row[:16]
		}
		var hex, text strings.Builder
		for i := 0; i < 16; i++ {
			if i == 8 {
				hex.WriteByte(' ')
			}
			if i >= len(row) {
				hex.WriteString("   ")
				continue
			}
			fmt.Fprintf(&hex, " %02x", row[i])
			if c := row[i]; c >= 0x20 && c < 0x7f {
				text.WriteByte(c)
			} else {
				text.WriteByte('.')
			}
		}
		fmt.Fprintf(w, "%08x:%s  |%s|\n", addr+uint32(off), hex.String(), text.String())
	}
}

// Returns a map from regexp capture group name to the corresponding matched
// string.
// A return value of nil indicates no match.
func FindNamedSubmatches(r *regexp.Regexp, s string) map[string]string {
	matches := r.FindStringSubmatch(s)
	if matches == nil {
		return nil
	}

	result := make(map[string]string)
	for i, name := range r.SubexpNames()[1:] {
		result[name] = matches[i+1]
	}
	return result
}
