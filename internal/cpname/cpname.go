// Copyright 2026 ShareFS Authors
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

// Package cpname implements the cross-platform name format used on the
// wire: forward-slash separated path components, each percent-escaped so
// that '/' and '%' bytes inside a component never collide with the
// separator or the escape character. Conversion to and from local paths
// enforces confinement under the share root; a name that would escape the
// root is rejected before any filesystem call sees it.
package cpname

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sharefs/internal/common"
)

// MaxNameLen bounds the escaped wire form of a single name. Anything
// longer is refused rather than truncated.
const MaxNameLen = 4096

const escapeChar = '%'

var hexDigits = "0123456789ABCDEF"

func needsEscape(b byte) bool {
	return b == '/' || b == escapeChar
}

// EscapedLength returns the number of bytes Escape would produce for raw.
func EscapedLength(raw []byte) int {
	n := len(raw)
	for _, b := range raw {
		if needsEscape(b) {
			n += 2
		}
	}
	return n
}

// Escape percent-encodes every '/' and '%' byte in raw. Returns
// ErrNameTooLong when the escaped form would exceed MaxNameLen; the caller
// never receives a truncated name.
func Escape(raw []byte) ([]byte, error) {
	n := EscapedLength(raw)
	if n > MaxNameLen {
		return nil, fmt.Errorf("escape %d bytes: %w", len(raw), common.ErrNameTooLong)
	}
	if n == len(raw) {
		out := make([]byte, n)
		copy(out, raw)
		return out, nil
	}
	out := make([]byte, 0, n)
	for _, b := range raw {
		if needsEscape(b) {
			out = append(out, escapeChar, hexDigits[b>>4], hexDigits[b&0xf])
		} else {
			out = append(out, b)
		}
	}
	return out, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// Unescape reverses Escape in place and returns the shortened slice.
// Malformed sequences (trailing '%', non-hex digits) are rejected with
// ErrInvalidName instead of being passed through.
func Unescape(buf []byte) ([]byte, error) {
	// Fast path: nothing escaped.
	if bytes.IndexByte(buf, escapeChar) < 0 {
		return buf, nil
	}
	w := 0
	for r := 0; r < len(buf); r++ {
		b := buf[r]
		if b != escapeChar {
			buf[w] = b
			w++
			continue
		}
		if r+2 >= len(buf) {
			return nil, fmt.Errorf("truncated escape at offset %d: %w", r, common.ErrInvalidName)
		}
		hi, ok1 := unhex(buf[r+1])
		lo, ok2 := unhex(buf[r+2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("bad escape %q at offset %d: %w", buf[r:r+3], r, common.ErrInvalidName)
		}
		buf[w] = hi<<4 | lo
		w++
		r += 2
	}
	return buf[:w], nil
}

// ToLocal converts a wire CP name to a local path confined under root.
// Empty, ".", ".." and absolute components are rejected, as is any
// component that unescapes to something containing the local separator or
// a NUL byte. This is the security boundary between guest-supplied names
// and the host filesystem.
func ToLocal(cpName string, root string) (string, error) {
	if len(cpName) > MaxNameLen {
		return "", fmt.Errorf("cp name %d bytes: %w", len(cpName), common.ErrNameTooLong)
	}
	if cpName == "" {
		return filepath.Clean(root), nil
	}
	if cpName[0] == '/' {
		return "", fmt.Errorf("absolute cp name: %w", common.ErrInvalidName)
	}
	parts := strings.Split(cpName, "/")
	comps := make([]string, 0, len(parts)+1)
	comps = append(comps, root)
	for _, p := range parts {
		dec, err := Unescape([]byte(p))
		if err != nil {
			return "", err
		}
		c := string(dec)
		switch c {
		case "", ".", "..":
			return "", fmt.Errorf("component %q: %w", c, common.ErrInvalidName)
		}
		if strings.ContainsAny(c, string(os.PathSeparator)+"\x00") {
			return "", fmt.Errorf("component %q: %w", c, common.ErrInvalidName)
		}
		comps = append(comps, c)
	}
	local := filepath.Join(comps...)
	// Components are already vetted; this catches anything Join could
	// still collapse outside the root.
	cleanRoot := filepath.Clean(root)
	if local != cleanRoot && !strings.HasPrefix(local, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("name escapes share root: %w", common.ErrInvalidName)
	}
	return local, nil
}

// FromLocal converts a local path under root back to a wire CP name.
func FromLocal(localPath string, root string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(localPath))
	if err != nil {
		return "", fmt.Errorf("relativize %q: %w", localPath, common.ErrInvalidName)
	}
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path outside share root: %w", common.ErrInvalidName)
	}
	parts := strings.Split(rel, string(os.PathSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		esc, err := Escape([]byte(p))
		if err != nil {
			return "", err
		}
		out = append(out, string(esc))
	}
	cp := strings.Join(out, "/")
	if len(cp) > MaxNameLen {
		return "", fmt.Errorf("cp name %d bytes: %w", len(cp), common.ErrNameTooLong)
	}
	return cp, nil
}
