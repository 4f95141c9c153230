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

package cpname

import (
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharefs/internal/common"
)

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		escaped string
	}{
		{"plain", "hello.txt", "hello.txt"},
		{"slash", "a/b", "a%2Fb"},
		{"percent", "100%", "100%25"},
		{"mixed", "a/b%c", "a%2Fb%25c"},
		{"empty", "", ""},
		{"only separators", "///", "%2F%2F%2F"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			esc, err := Escape([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.escaped, string(esc))

			back, err := Unescape(esc)
			require.NoError(t, err)
			assert.Equal(t, tt.in, string(back))
		})
	}
}

func TestEscapeUnescapeRandomRoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		raw := make([]byte, rng.Intn(128))
		for j := range raw {
			// All byte values except NUL, biased toward the escape set.
			switch rng.Intn(4) {
			case 0:
				raw[j] = '/'
			case 1:
				raw[j] = '%'
			default:
				raw[j] = byte(1 + rng.Intn(255))
			}
		}
		esc, err := Escape(raw)
		require.NoError(t, err)
		back, err := Unescape(esc)
		require.NoError(t, err)
		require.Equal(t, raw, back)
	}
}

func TestEscapeTooLong(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Repeat("/", MaxNameLen/2))
	_, err := Escape(raw)
	assert.ErrorIs(t, err, common.ErrNameTooLong)
}

func TestUnescapeMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"trailing percent", "abc%"},
		{"short escape", "abc%2"},
		{"non-hex", "abc%zz"},
		{"half hex", "abc%2Gdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Unescape([]byte(tt.in))
			assert.ErrorIs(t, err, common.ErrInvalidName)
		})
	}
}

func TestUnescapeLowercaseHex(t *testing.T) {
	t.Parallel()

	out, err := Unescape([]byte("a%2fb"))
	require.NoError(t, err)
	assert.Equal(t, "a/b", string(out))
}

func TestToLocal(t *testing.T) {
	t.Parallel()

	root := filepath.Join("/", "exports", "docs")

	tests := []struct {
		name    string
		cp      string
		want    string
		wantErr error
	}{
		{"simple", "a.txt", filepath.Join(root, "a.txt"), nil},
		{"nested", "sub/dir/a.txt", filepath.Join(root, "sub", "dir", "a.txt"), nil},
		{"share root", "", root, nil},
		{"escaped percent", "100%25.log", filepath.Join(root, "100%.log"), nil},
		{"dotdot", "../../etc", "", common.ErrInvalidName},
		{"embedded dotdot", "a/../b", "", common.ErrInvalidName},
		{"dot", "a/./b", "", common.ErrInvalidName},
		{"absolute", "/etc/passwd", "", common.ErrInvalidName},
		{"empty component", "a//b", "", common.ErrInvalidName},
		{"escaped separator in component", "a%2Fb", "", common.ErrInvalidName},
		{"bad escape", "a%zz", "", common.ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ToLocal(tt.cp, root)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromLocal(t *testing.T) {
	t.Parallel()

	root := filepath.Join("/", "exports", "docs")

	cp, err := FromLocal(filepath.Join(root, "sub", "100%.log"), root)
	require.NoError(t, err)
	assert.Equal(t, "sub/100%25.log", cp)

	cp, err = FromLocal(root, root)
	require.NoError(t, err)
	assert.Equal(t, "", cp)

	_, err = FromLocal(filepath.Join("/", "exports", "other", "x"), root)
	assert.ErrorIs(t, err, common.ErrInvalidName)
}

func TestToLocalFromLocalRoundTrip(t *testing.T) {
	t.Parallel()

	root := filepath.Join("/", "srv", "share")
	for _, cp := range []string{"a.txt", "x/y/z", "we%25ird"} {
		local, err := ToLocal(cp, root)
		require.NoError(t, err)
		back, err := FromLocal(local, root)
		require.NoError(t, err)
		assert.Equal(t, cp, back)
	}
}

func TestUnescapeIsInPlace(t *testing.T) {
	t.Parallel()

	buf := []byte("a%2Fb")
	out, err := Unescape(buf)
	require.NoError(t, err)
	// Same backing array, shortened.
	assert.Equal(t, "a/b", string(out))
	assert.Equal(t, &buf[0], &out[0])
}

func TestErrorsAreTaxonomy(t *testing.T) {
	t.Parallel()

	_, err := ToLocal("..", "/tmp")
	assert.True(t, errors.Is(err, common.ErrInvalidName))
}
