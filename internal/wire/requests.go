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
	"fmt"

	"sharefs/internal/common"
)

// OpenRequest is the decoded form of open/open-v2. V1 carries only mode,
// create flags, a single permissions byte and the name; V2 adds the full
// permission set, Windows-style access masks, the desired server lock and
// the append/sequential bits.
type OpenRequest struct {
	Op            Op
	Mode          OpenMode
	Flags         OpenFlags
	SpecialPerms  uint8
	OwnerPerms    uint8
	GroupPerms    uint8
	OtherPerms    uint8
	DesiredAccess uint32
	ShareAccess   uint32
	DesiredLock   ServerLock
	FlagBits      uint32 // OpenFlagAppend | OpenFlagSequential
	CaseFlags     uint32
	CPName        string
}

func UnpackOpenRequest(op Op, payload []byte) (*OpenRequest, error) {
	d := NewDecoder(payload)
	req := &OpenRequest{Op: op, ShareAccess: DefaultShareAccess}
	req.Mode = OpenMode(d.Uint32())
	req.Flags = OpenFlags(d.Uint32())
	switch op {
	case OpOpen:
		req.OwnerPerms = d.Byte()
	case OpOpenV2:
		req.SpecialPerms = d.Byte()
		req.OwnerPerms = d.Byte()
		req.GroupPerms = d.Byte()
		req.OtherPerms = d.Byte()
		req.DesiredAccess = d.Uint32()
		req.ShareAccess = d.Uint32()
		req.DesiredLock = ServerLock(d.Uint32())
		req.FlagBits = d.Uint32()
		req.CaseFlags = d.Uint32()
	default:
		return nil, fmt.Errorf("op %v is not an open variant: %w", op, common.ErrMalformedPacket)
	}
	req.CPName = d.CPName()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// ReadRequest asks for up to RequiredSize bytes at Offset.
type ReadRequest struct {
	File         Handle
	Offset       uint64
	RequiredSize uint32
}

func UnpackReadRequest(payload []byte) (*ReadRequest, error) {
	d := NewDecoder(payload)
	req := &ReadRequest{File: d.Handle(), Offset: d.Uint64(), RequiredSize: d.Uint32()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if req.RequiredSize > maxPayload {
		return nil, fmt.Errorf("read size %d exceeds limit: %w", req.RequiredSize, common.ErrMalformedPacket)
	}
	return req, nil
}

// WriteRequest carries the payload to write at Offset. The append bit
// overrides Offset for nodes opened in append mode.
type WriteRequest struct {
	File   Handle
	Offset uint64
	Flags  uint32
	Data   []byte
}

// Write flag bits.
const (
	WriteAppend uint32 = 1 << 0
)

func UnpackWriteRequest(payload []byte) (*WriteRequest, error) {
	d := NewDecoder(payload)
	req := &WriteRequest{File: d.Handle(), Offset: d.Uint64(), Flags: d.Uint32(), Data: d.Bytes()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// CloseRequest releases a file handle.
type CloseRequest struct {
	File Handle
}

func UnpackCloseRequest(payload []byte) (*CloseRequest, error) {
	d := NewDecoder(payload)
	req := &CloseRequest{File: d.Handle()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// SearchOpenRequest starts a directory enumeration.
type SearchOpenRequest struct {
	DirName string
}

func UnpackSearchOpenRequest(payload []byte) (*SearchOpenRequest, error) {
	d := NewDecoder(payload)
	req := &SearchOpenRequest{DirName: d.CPName()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// SearchReadRequest fetches the entry at Offset of an open search. The
// offset is client-tracked; the server keeps no cursor.
type SearchReadRequest struct {
	Op     Op
	Search Handle
	Offset uint32
}

func UnpackSearchReadRequest(op Op, payload []byte) (*SearchReadRequest, error) {
	d := NewDecoder(payload)
	req := &SearchReadRequest{Op: op, Search: d.Handle(), Offset: d.Uint32()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// SearchCloseRequest releases a search handle.
type SearchCloseRequest struct {
	Search Handle
}

func UnpackSearchCloseRequest(payload []byte) (*SearchCloseRequest, error) {
	d := NewDecoder(payload)
	req := &SearchCloseRequest{Search: d.Handle()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// GetattrRequest queries attributes by name (V1) or by handle/name with
// hints (V2).
type GetattrRequest struct {
	Op        Op
	Hints     uint32
	File      Handle
	CaseFlags uint32
	CPName    string
}

// ByHandle reports whether the request targets an open handle.
func (r *GetattrRequest) ByHandle() bool {
	return r.Hints&HintUseHandle != 0
}

func UnpackGetattrRequest(op Op, payload []byte) (*GetattrRequest, error) {
	d := NewDecoder(payload)
	req := &GetattrRequest{Op: op, File: InvalidHandle}
	switch op {
	case OpGetattr:
	case OpGetattrV2:
		req.Hints = d.Uint32()
		req.File = Handle(d.Uint32())
		req.CaseFlags = d.Uint32()
	default:
		return nil, fmt.Errorf("op %v is not a getattr variant: %w", op, common.ErrMalformedPacket)
	}
	req.CPName = d.CPName()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// SetattrRequest updates attributes by name (V1) or by handle/name (V2).
type SetattrRequest struct {
	Op        Op
	Hints     uint32
	File      Handle
	Attr      Attr
	CaseFlags uint32
	CPName    string
}

func (r *SetattrRequest) ByHandle() bool {
	return r.Hints&HintUseHandle != 0
}

func UnpackSetattrRequest(op Op, payload []byte) (*SetattrRequest, error) {
	d := NewDecoder(payload)
	req := &SetattrRequest{Op: op, File: InvalidHandle}
	switch op {
	case OpSetattr:
		req.Attr = decodeAttrV1(d)
	case OpSetattrV2:
		req.Hints = d.Uint32()
		req.File = Handle(d.Uint32())
		req.Attr = decodeAttrV2(d)
		req.CaseFlags = d.Uint32()
	default:
		return nil, fmt.Errorf("op %v is not a setattr variant: %w", op, common.ErrMalformedPacket)
	}
	req.CPName = d.CPName()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// CreateDirRequest creates a directory.
type CreateDirRequest struct {
	Op           Op
	SpecialPerms uint8
	OwnerPerms   uint8
	GroupPerms   uint8
	OtherPerms   uint8
	CaseFlags    uint32
	CPName       string
}

func UnpackCreateDirRequest(op Op, payload []byte) (*CreateDirRequest, error) {
	d := NewDecoder(payload)
	req := &CreateDirRequest{Op: op}
	switch op {
	case OpCreateDir:
		req.OwnerPerms = d.Byte()
	case OpCreateDirV2:
		req.SpecialPerms = d.Byte()
		req.OwnerPerms = d.Byte()
		req.GroupPerms = d.Byte()
		req.OtherPerms = d.Byte()
		req.CaseFlags = d.Uint32()
	default:
		return nil, fmt.Errorf("op %v is not a create-dir variant: %w", op, common.ErrMalformedPacket)
	}
	req.CPName = d.CPName()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// DeleteRequest removes a file or directory, by name (V1) or by
// handle/name (V2). The opcode distinguishes file from directory.
type DeleteRequest struct {
	Op     Op
	Hints  uint32
	File   Handle
	CPName string
}

func (r *DeleteRequest) ByHandle() bool {
	return r.Hints&HintUseHandle != 0
}

func UnpackDeleteRequest(op Op, payload []byte) (*DeleteRequest, error) {
	d := NewDecoder(payload)
	req := &DeleteRequest{Op: op, File: InvalidHandle}
	switch op {
	case OpDeleteFile, OpDeleteDir:
	case OpDeleteFileV2, OpDeleteDirV2:
		req.Hints = d.Uint32()
		req.File = Handle(d.Uint32())
	default:
		return nil, fmt.Errorf("op %v is not a delete variant: %w", op, common.ErrMalformedPacket)
	}
	req.CPName = d.CPName()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// RenameRequest moves OldName to NewName. V2 may target open handles.
type RenameRequest struct {
	Op           Op
	Hints        uint32
	OldFile      Handle
	NewFile      Handle
	OldCaseFlags uint32
	NewCaseFlags uint32
	OldName      string
	NewName      string
}

func (r *RenameRequest) ByHandle() bool {
	return r.Hints&HintUseHandle != 0
}

func UnpackRenameRequest(op Op, payload []byte) (*RenameRequest, error) {
	d := NewDecoder(payload)
	req := &RenameRequest{Op: op, OldFile: InvalidHandle, NewFile: InvalidHandle}
	switch op {
	case OpRename:
	case OpRenameV2:
		req.Hints = d.Uint32()
		req.OldFile = Handle(d.Uint32())
		req.NewFile = Handle(d.Uint32())
		req.OldCaseFlags = d.Uint32()
		req.NewCaseFlags = d.Uint32()
	default:
		return nil, fmt.Errorf("op %v is not a rename variant: %w", op, common.ErrMalformedPacket)
	}
	req.OldName = d.CPName()
	req.NewName = d.CPName()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// QueryVolumeRequest asks for free/total space of the volume backing a
// name.
type QueryVolumeRequest struct {
	CPName string
}

func UnpackQueryVolumeRequest(payload []byte) (*QueryVolumeRequest, error) {
	d := NewDecoder(payload)
	req := &QueryVolumeRequest{CPName: d.CPName()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// SymlinkCreateRequest creates SymlinkName pointing at TargetName. The
// target is share-relative and is not required to exist.
type SymlinkCreateRequest struct {
	SymlinkName string
	TargetName  string
}

func UnpackSymlinkCreateRequest(payload []byte) (*SymlinkCreateRequest, error) {
	d := NewDecoder(payload)
	req := &SymlinkCreateRequest{SymlinkName: d.CPName(), TargetName: d.CPName()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// ServerLockChangeRequest asks to change the server lock held on an open
// handle (acquire, upgrade, downgrade or release).
type ServerLockChangeRequest struct {
	File    Handle
	NewLock ServerLock
}

func UnpackServerLockChangeRequest(payload []byte) (*ServerLockChangeRequest, error) {
	d := NewDecoder(payload)
	req := &ServerLockChangeRequest{File: d.Handle(), NewLock: ServerLock(d.Uint32())}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// WriteStreamRequest streams raw data to an open handle at its current
// end, without an offset.
type WriteStreamRequest struct {
	File       Handle
	DoSecurity bool
	Data       []byte
}

func UnpackWriteStreamRequest(payload []byte) (*WriteStreamRequest, error) {
	d := NewDecoder(payload)
	req := &WriteStreamRequest{File: d.Handle(), DoSecurity: d.Byte() != 0, Data: d.Bytes()}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return req, nil
}
