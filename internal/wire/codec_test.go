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

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharefs/internal/common"
)

func TestDecodeHeader(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	e.Uint32(uint32(OpGetattrV2))
	e.Uint32(42)
	h, err := DecodeHeader(e.Finish())
	require.NoError(t, err)
	assert.Equal(t, OpGetattrV2, h.Op)
	assert.Equal(t, uint32(42), h.ID)
}

func TestDecodeHeaderUndersized(t *testing.T) {
	t.Parallel()

	_, err := DecodeHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, common.ErrMalformedPacket)
}

func TestDecodeHeaderUnknownOp(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	e.Uint32(9999)
	e.Uint32(1)
	_, err := DecodeHeader(e.Finish())
	assert.ErrorIs(t, err, common.ErrNotSupported)
}

func TestDecoderStickyError(t *testing.T) {
	t.Parallel()

	d := NewDecoder([]byte{1, 2})
	_ = d.Uint32()
	require.Error(t, d.Err())
	first := d.Err()
	_ = d.Uint64()
	_ = d.Bytes()
	assert.Equal(t, first, d.Err(), "first error must stick")
}

func TestCountedFieldBounds(t *testing.T) {
	t.Parallel()

	// Length prefix claims more bytes than the packet holds.
	e := NewEncoder()
	e.Uint32(1000)
	buf := append(e.Finish(), []byte("short")...)
	d := NewDecoder(buf)
	_ = d.Bytes()
	assert.ErrorIs(t, d.Err(), common.ErrMalformedPacket)

	// Hostile length prefix beyond the payload cap must not allocate.
	e = NewEncoder()
	e.Uint32(1 << 30)
	d = NewDecoder(e.Finish())
	_ = d.Bytes()
	assert.ErrorIs(t, d.Err(), common.ErrMalformedPacket)
}

func TestOpenRequestRoundTrip(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	e.Uint32(uint32(OpenModeReadWrite))
	e.Uint32(uint32(OpenAlways))
	e.Byte(0)    // special
	e.Byte(0o6)  // owner
	e.Byte(0o4)  // group
	e.Byte(0o4)  // other
	e.Uint32(0)  // desired access
	e.Uint32(DefaultShareAccess)
	e.Uint32(uint32(LockOpportunistic))
	e.Uint32(OpenFlagAppend)
	e.Uint32(0) // case flags
	e.CPName("docs/a.txt")

	req, err := UnpackOpenRequest(OpOpenV2, e.Finish())
	require.NoError(t, err)
	assert.Equal(t, OpenModeReadWrite, req.Mode)
	assert.Equal(t, OpenAlways, req.Flags)
	assert.Equal(t, uint8(0o6), req.OwnerPerms)
	assert.Equal(t, LockOpportunistic, req.DesiredLock)
	assert.Equal(t, OpenFlagAppend, req.FlagBits)
	assert.Equal(t, "docs/a.txt", req.CPName)
}

func TestOpenRequestV1(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	e.Uint32(uint32(OpenModeReadOnly))
	e.Uint32(uint32(OpenExisting))
	e.Byte(0o4)
	e.CPName("a.txt")

	req, err := UnpackOpenRequest(OpOpen, e.Finish())
	require.NoError(t, err)
	assert.Equal(t, OpenModeReadOnly, req.Mode)
	assert.Equal(t, ServerLock(LockNone), req.DesiredLock)
	assert.Equal(t, "a.txt", req.CPName)
}

func TestOpenRequestTruncated(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	e.Uint32(uint32(OpenModeReadOnly))
	_, err := UnpackOpenRequest(OpOpen, e.Finish())
	assert.ErrorIs(t, err, common.ErrMalformedPacket)
}

func TestGetattrRequestVariants(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	e.CPName("a.txt")
	v1, err := UnpackGetattrRequest(OpGetattr, e.Finish())
	require.NoError(t, err)
	assert.False(t, v1.ByHandle())
	assert.Equal(t, InvalidHandle, v1.File)

	e = NewEncoder()
	e.Uint32(HintUseHandle)
	e.Uint32(7)
	e.Uint32(0)
	e.CPName("")
	v2, err := UnpackGetattrRequest(OpGetattrV2, e.Finish())
	require.NoError(t, err)
	assert.True(t, v2.ByHandle())
	assert.Equal(t, Handle(7), v2.File)
}

func TestAttrV2RoundTrip(t *testing.T) {
	t.Parallel()

	in := Attr{
		Mask:           AttrValidType | AttrValidSize | AttrValidFileID | AttrValidVolumeID,
		Type:           TypeDirectory,
		Size:           4096,
		AccessTime:     111,
		WriteTime:      222,
		OwnerPerms:     0o7,
		HostFileID:     987654,
		VolumeID:       3,
		EffectivePerms: 0o5,
	}
	e := NewEncoder()
	EncodeAttr(e, OpGetattrV2, &in)
	out := DecodeAttr(NewDecoder(e.Finish()), OpGetattrV2)
	assert.Equal(t, in, out)
}

func TestPackGetattrReply(t *testing.T) {
	t.Parallel()

	attr := Attr{Mask: AttrValidType | AttrValidSize, Type: TypeSymlink, Size: 5}
	buf := PackGetattrReply(99, OpGetattrV2, &attr, "target.txt")

	id, status, rest, err := DecodeReplyHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), id)
	assert.Equal(t, StatusSuccess, status)

	d := NewDecoder(rest)
	got := DecodeAttr(d, OpGetattrV2)
	assert.Equal(t, attr, got)
	assert.Equal(t, "target.txt", d.CPName())
	require.NoError(t, d.Err())
	assert.Zero(t, d.Remaining())
}

func TestPackErrorReply(t *testing.T) {
	t.Parallel()

	buf := PackErrorReply(7, StatusAccessDenied)
	id, status, rest, err := DecodeReplyHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
	assert.Equal(t, StatusAccessDenied, status)
	assert.Empty(t, rest)
}

func TestRenameRequestV2(t *testing.T) {
	t.Parallel()

	e := NewEncoder()
	e.Uint32(0)
	e.Uint32(uint32(InvalidHandle))
	e.Uint32(uint32(InvalidHandle))
	e.Uint32(0)
	e.Uint32(0)
	e.CPName("old.txt")
	e.CPName("sub/new.txt")

	req, err := UnpackRenameRequest(OpRenameV2, e.Finish())
	require.NoError(t, err)
	assert.Equal(t, "old.txt", req.OldName)
	assert.Equal(t, "sub/new.txt", req.NewName)
	assert.False(t, req.ByHandle())
}
