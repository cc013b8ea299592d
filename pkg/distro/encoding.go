// Copyright Pigeonworks LLC
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

package distro

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// DecodeOutput converts tool output to a Go string. wsl.exe writes its own
// messages as UTF-16LE while commands run inside the distribution write UTF-8,
// so the encoding is sniffed per buffer.
func DecodeOutput(b []byte) string {
	if looksUTF16LE(b) {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if out, err := dec.Bytes(b); err == nil {
			return string(out)
		}
	}
	return string(b)
}

// StripNUL removes NUL bytes left behind when UTF-16 text is split on '\n'.
func StripNUL(s string) string {
	if !strings.Contains(s, "\x00") {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

func looksUTF16LE(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	if b[0] == 0xFF && b[1] == 0xFE {
		return true
	}

	// ASCII text encoded as UTF-16LE has a zero in every odd byte.
	pairs, zeros := 0, 0
	for i := 1; i < len(b); i += 2 {
		pairs++
		if b[i] == 0 {
			zeros++
		}
	}
	return zeros*2 > pairs
}
