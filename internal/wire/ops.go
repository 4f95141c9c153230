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

// Package wire defines the guest/host shared-folder request/reply format:
// opcodes, status codes, the versioned attribute block, and the counted
// cross-platform names carried inside packets. Every packet is decoded
// into a validated struct before any field is read; malformed input is an
// error, never an out-of-bounds access.
package wire

// Handle is the opaque 32-bit id a guest uses to refer to server-side
// file or search state. It is an index, not an identity proof.
type Handle uint32

// InvalidHandle is the sentinel carried in requests that pass no handle.
const InvalidHandle Handle = ^Handle(0)

// Op identifies a request opcode. Attribute-style operations have a V1
// and a V2 wire variant; the dispatcher negotiates which one a peer
// understands.
type Op uint32

const (
	OpOpen Op = iota
	OpRead
	OpWrite
	OpClose
	OpSearchOpen
	OpSearchRead
	OpSearchClose
	OpGetattr
	OpSetattr
	OpCreateDir
	OpDeleteFile
	OpDeleteDir
	OpRename
	OpQueryVolume
	OpOpenV2
	OpGetattrV2
	OpSetattrV2
	OpSearchReadV2
	OpSymlinkCreate
	OpServerLockChange
	OpCreateDirV2
	OpDeleteFileV2
	OpDeleteDirV2
	OpRenameV2
	OpWriteStream

	opCount
)

var opNames = map[Op]string{
	OpOpen:             "open",
	OpRead:             "read",
	OpWrite:            "write",
	OpClose:            "close",
	OpSearchOpen:       "search-open",
	OpSearchRead:       "search-read",
	OpSearchClose:      "search-close",
	OpGetattr:          "getattr",
	OpSetattr:          "setattr",
	OpCreateDir:        "create-dir",
	OpDeleteFile:       "delete-file",
	OpDeleteDir:        "delete-dir",
	OpRename:           "rename",
	OpQueryVolume:      "query-volume",
	OpOpenV2:           "open-v2",
	OpGetattrV2:        "getattr-v2",
	OpSetattrV2:        "setattr-v2",
	OpSearchReadV2:     "search-read-v2",
	OpSymlinkCreate:    "symlink-create",
	OpServerLockChange: "server-lock-change",
	OpCreateDirV2:      "create-dir-v2",
	OpDeleteFileV2:     "delete-file-v2",
	OpDeleteDirV2:      "delete-dir-v2",
	OpRenameV2:         "rename-v2",
	OpWriteStream:      "write-stream",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether o names a known opcode.
func (o Op) Valid() bool {
	return o < opCount
}

// Status is the wire status code carried in every reply.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusNotFound
	StatusInvalidHandle
	StatusNotPermitted
	StatusExists
	StatusNotDirectory
	StatusDirNotEmpty
	StatusProtocolError
	StatusAccessDenied
	StatusInvalidName
	StatusGenericError
	StatusSharingViolation
	StatusNoSpace
	StatusNotSupported
	StatusNameTooLong
	StatusVersionMismatch
	StatusResourceExhausted
	StatusStaleSession
)

// ServerLock is the lock level granted on an open file. A granted lock is
// revocable: a break notification drops it back to LockNone.
type ServerLock uint32

const (
	LockNone ServerLock = iota
	// LockOpportunistic asks the server to pick the strongest grantable
	// level.
	LockOpportunistic
	LockShared
	LockExclusive
)

func (l ServerLock) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockOpportunistic:
		return "opportunistic"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	}
	return "unknown"
}

// FileType on the wire.
type FileType uint32

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

// OpenMode is the requested access.
type OpenMode uint32

const (
	OpenModeReadOnly OpenMode = iota
	OpenModeWriteOnly
	OpenModeReadWrite
)

// OpenFlags controls creation behavior.
type OpenFlags uint32

const (
	OpenExisting OpenFlags = iota // fail if missing
	OpenAlways                    // create if missing
	CreateNew                     // fail if present
	CreateAlways                  // create, truncate if present
)

// Open flag bits (V2).
const (
	OpenFlagAppend     uint32 = 1 << 0
	OpenFlagSequential uint32 = 1 << 1
)

// DefaultShareAccess is the share access requested when the guest leaves
// the field unset.
const DefaultShareAccess uint32 = 0

// AttrValid is the V2 attribute validity mask: which Attr fields the
// sender actually filled in. Older peers simply omit bits.
type AttrValid uint64

const (
	AttrValidType AttrValid = 1 << iota
	AttrValidSize
	AttrValidCreationTime
	AttrValidAccessTime
	AttrValidWriteTime
	AttrValidChangeTime
	AttrValidSpecialPerms
	AttrValidOwnerPerms
	AttrValidGroupPerms
	AttrValidOtherPerms
	AttrValidFlags
	AttrValidAllocationSize
	AttrValidUserID
	AttrValidGroupID
	AttrValidFileID
	AttrValidVolumeID
	AttrValidEffectivePerms
)

// AttrFlags carries miscellaneous file attribute bits.
type AttrFlags uint64

const (
	AttrFlagHidden AttrFlags = 1 << iota
	AttrFlagReadOnly
	AttrFlagSystem
	AttrFlagArchive
)

// Attr is the decoded attribute block. V1 packs the fixed prefix (type,
// size, times, permissions); V2 prefixes a validity mask and adds the
// extended fields.
type Attr struct {
	Mask           AttrValid
	Type           FileType
	Size           uint64
	CreationTime   uint64
	AccessTime     uint64
	WriteTime      uint64
	AttrChangeTime uint64
	SpecialPerms   uint8
	OwnerPerms     uint8
	GroupPerms     uint8
	OtherPerms     uint8
	Flags          AttrFlags
	AllocationSize uint64
	UserID         uint32
	GroupID        uint32
	HostFileID     uint64
	VolumeID       uint32
	EffectivePerms uint8
}

// Hint bits for getattr/setattr/delete/rename requests (V2).
const (
	// HintUseHandle means the request targets an already-open handle
	// instead of a name.
	HintUseHandle uint32 = 1 << 0
	// HintSetAccessTime/HintSetWriteTime distinguish "set to given value"
	// from "leave alone" in setattr.
	HintSetAccessTime uint32 = 1 << 1
	HintSetWriteTime  uint32 = 1 << 2
)

// DirEntry is one name in a search snapshot. A tombstoned entry keeps its
// offset but reads back as absent.
type DirEntry struct {
	Name       string
	FileID     uint64
	IsDir      bool
	Tombstoned bool
}
