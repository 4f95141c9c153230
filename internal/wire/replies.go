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

// Attribute block encoding. V1 is a fixed prefix; V2 leads with the
// validity mask and appends the extended fields so newer peers can omit
// or add fields without breaking older ones.

func encodeAttrV1(e *Encoder, a *Attr) {
	e.Uint32(uint32(a.Type))
	e.Uint64(a.Size)
	e.Uint64(a.CreationTime)
	e.Uint64(a.AccessTime)
	e.Uint64(a.WriteTime)
	e.Uint64(a.AttrChangeTime)
	e.Byte(a.OwnerPerms)
}

func decodeAttrV1(d *Decoder) Attr {
	return Attr{
		Mask: AttrValidType | AttrValidSize | AttrValidCreationTime |
			AttrValidAccessTime | AttrValidWriteTime | AttrValidChangeTime |
			AttrValidOwnerPerms,
		Type:           FileType(d.Uint32()),
		Size:           d.Uint64(),
		CreationTime:   d.Uint64(),
		AccessTime:     d.Uint64(),
		WriteTime:      d.Uint64(),
		AttrChangeTime: d.Uint64(),
		OwnerPerms:     d.Byte(),
	}
}

func encodeAttrV2(e *Encoder, a *Attr) {
	e.Uint64(uint64(a.Mask))
	e.Uint32(uint32(a.Type))
	e.Uint64(a.Size)
	e.Uint64(a.CreationTime)
	e.Uint64(a.AccessTime)
	e.Uint64(a.WriteTime)
	e.Uint64(a.AttrChangeTime)
	e.Byte(a.SpecialPerms)
	e.Byte(a.OwnerPerms)
	e.Byte(a.GroupPerms)
	e.Byte(a.OtherPerms)
	e.Uint64(uint64(a.Flags))
	e.Uint64(a.AllocationSize)
	e.Uint32(a.UserID)
	e.Uint32(a.GroupID)
	e.Uint64(a.HostFileID)
	e.Uint32(a.VolumeID)
	e.Byte(a.EffectivePerms)
}

func decodeAttrV2(d *Decoder) Attr {
	return Attr{
		Mask:           AttrValid(d.Uint64()),
		Type:           FileType(d.Uint32()),
		Size:           d.Uint64(),
		CreationTime:   d.Uint64(),
		AccessTime:     d.Uint64(),
		WriteTime:      d.Uint64(),
		AttrChangeTime: d.Uint64(),
		SpecialPerms:   d.Byte(),
		OwnerPerms:     d.Byte(),
		GroupPerms:     d.Byte(),
		OtherPerms:     d.Byte(),
		Flags:          AttrFlags(d.Uint64()),
		AllocationSize: d.Uint64(),
		UserID:         d.Uint32(),
		GroupID:        d.Uint32(),
		HostFileID:     d.Uint64(),
		VolumeID:       d.Uint32(),
		EffectivePerms: d.Byte(),
	}
}

// EncodeAttr writes the variant matching the request op that produced the
// reply.
func EncodeAttr(e *Encoder, op Op, a *Attr) {
	switch op {
	case OpGetattrV2, OpSetattrV2, OpSearchReadV2:
		encodeAttrV2(e, a)
	default:
		encodeAttrV1(e, a)
	}
}

// DecodeAttr reads the variant matching op.
func DecodeAttr(d *Decoder, op Op) Attr {
	switch op {
	case OpGetattrV2, OpSetattrV2, OpSearchReadV2:
		return decodeAttrV2(d)
	default:
		return decodeAttrV1(d)
	}
}

// Reply pack helpers. Every reply starts with {requestId, status}; a
// non-success status carries no body.

func replyEncoder(id uint32, status Status) *Encoder {
	e := NewEncoder()
	EncodeReplyHeader(e, id, status)
	return e
}

// PackErrorReply builds a bare status reply for any op.
func PackErrorReply(id uint32, status Status) []byte {
	return replyEncoder(id, status).Finish()
}

// PackOpenReply returns the allocated handle; V2 adds the acquired lock.
func PackOpenReply(id uint32, op Op, file Handle, acquired ServerLock) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.Handle(file)
	if op == OpOpenV2 {
		e.Uint32(uint32(acquired))
	}
	return e.Finish()
}

func PackReadReply(id uint32, data []byte) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.Bytes(data)
	return e.Finish()
}

func PackWriteReply(id uint32, actualSize uint32) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.Uint32(actualSize)
	return e.Finish()
}

func PackEmptyReply(id uint32) []byte {
	return replyEncoder(id, StatusSuccess).Finish()
}

func PackSearchOpenReply(id uint32, search Handle) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.Handle(search)
	return e.Finish()
}

// PackSearchReadReply returns one entry. An empty name means the offset
// is past the end of the snapshot.
func PackSearchReadReply(id uint32, op Op, name string, attr *Attr) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.CPName(name)
	EncodeAttr(e, op, attr)
	return e.Finish()
}

// PackGetattrReply carries the attribute block; V2 appends the symlink
// target name (empty for non-links).
func PackGetattrReply(id uint32, op Op, attr *Attr, symlinkTarget string) []byte {
	e := replyEncoder(id, StatusSuccess)
	EncodeAttr(e, op, attr)
	if op == OpGetattrV2 {
		e.CPName(symlinkTarget)
	}
	return e.Finish()
}

func PackQueryVolumeReply(id uint32, freeBytes, totalBytes uint64) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.Uint64(freeBytes)
	e.Uint64(totalBytes)
	return e.Finish()
}

func PackServerLockChangeReply(id uint32, granted ServerLock) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.Uint32(uint32(granted))
	return e.Finish()
}

func PackWriteStreamReply(id uint32, actualSize uint32) []byte {
	e := replyEncoder(id, StatusSuccess)
	e.Uint32(actualSize)
	return e.Finish()
}

// PackLockBreakNotification builds the unsolicited server-to-guest
// packet revoking a granted server lock. It reuses the request framing
// with id zero; guests distinguish it from replies by direction.
func PackLockBreakNotification(file Handle, newLock ServerLock) []byte {
	e := NewEncoder()
	e.Uint32(uint32(OpServerLockChange))
	e.Uint32(0)
	e.Handle(file)
	e.Uint32(uint32(newLock))
	return e.Finish()
}
