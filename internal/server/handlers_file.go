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

package server

import (
	"errors"
	"fmt"
	"io"
	"os"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/session"
	"sharefs/internal/wire"
)

// openOSFlags maps the wire open mode and create disposition to OS open
// flags. Append is deliberately not translated to O_APPEND: append-mode
// writes seek under the session file-IO lock instead, so offset writes on
// the same descriptor keep working.
func openOSFlags(mode wire.OpenMode, flags wire.OpenFlags) (int, error) {
	var f int
	switch mode {
	case wire.OpenModeReadOnly:
		f = os.O_RDONLY
	case wire.OpenModeWriteOnly:
		f = os.O_WRONLY
	case wire.OpenModeReadWrite:
		f = os.O_RDWR
	default:
		return 0, fmt.Errorf("open mode %d: %w", mode, common.ErrMalformedPacket)
	}
	switch flags {
	case wire.OpenExisting:
	case wire.OpenAlways:
		f |= os.O_CREATE
	case wire.CreateNew:
		f |= os.O_CREATE | os.O_EXCL
	case wire.CreateAlways:
		f |= os.O_CREATE | os.O_TRUNC
	default:
		return 0, fmt.Errorf("open flags %d: %w", flags, common.ErrMalformedPacket)
	}
	return f, nil
}

func reopenOSFlags(mode wire.OpenMode) int {
	switch mode {
	case wire.OpenModeWriteOnly:
		return os.O_WRONLY
	case wire.OpenModeReadWrite:
		return os.O_RDWR
	default:
		return os.O_RDONLY
	}
}

func openPerm(req *wire.OpenRequest) os.FileMode {
	perm := os.FileMode(uint32(req.SpecialPerms)<<9 |
		uint32(req.OwnerPerms)<<6 | uint32(req.GroupPerms)<<3 | uint32(req.OtherPerms))
	if perm == 0 {
		perm = 0o644
	}
	return perm
}

func wantsWrite(mode wire.OpenMode, flags wire.OpenFlags) bool {
	return mode != wire.OpenModeReadOnly || flags != wire.OpenExisting
}

func (s *Server) handleOpen(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, eff, err := unpackVersioned(s, hdr.Op, payload, wire.UnpackOpenRequest)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	sh, local, err := s.shares.Resolve(req.CPName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if !sh.ReadAccess {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if wantsWrite(req.Mode, req.Flags) && !sh.WriteAccess {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}

	osFlags, err := openOSFlags(req.Mode, req.Flags)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	f, err := s.store.OpenFile(sh, local, osFlags, openPerm(req))
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	fi, err := s.store.StatHandle(f, sh, local)
	if err != nil {
		f.Close()
		return errorReply(hdr.ID, err)
	}
	if fi.Attr.Type == wire.TypeDirectory {
		f.Close()
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}

	var nodeFlags session.NodeFlags
	if req.FlagBits&wire.OpenFlagAppend != 0 {
		nodeFlags |= session.NodeAppend
	}
	if req.FlagBits&wire.OpenFlagSequential != 0 {
		nodeFlags |= session.NodeSequential
	}
	if local == sh.RootDir {
		nodeFlags |= session.NodeSharedFolderRoot
	}

	h, err := sess.CreateAndCacheNode(session.OpenInfo{
		LocalName:   local,
		ShareName:   sh.Name,
		Mode:        req.Mode,
		ShareAccess: req.ShareAccess,
		Flags:       nodeFlags,
		Share:       sh,
	}, fi.LocalID, f)
	if err != nil {
		f.Close()
		return errorReply(hdr.ID, err)
	}
	// The grant policy is conservative and cross-session: the strongest
	// level that conflicts with no lock any session already holds on the
	// same local file. An open never fails for want of a lock; the guest
	// just gets LockNone.
	granted := wire.LockNone
	if eff == wire.OpOpenV2 && req.DesiredLock != wire.LockNone {
		granted = sess.GrantServerLock(h, fi.LocalID, req.DesiredLock)
	}
	log.WithFields(log.Fields{
		"name":   req.CPName,
		"handle": h,
		"lock":   granted,
	}).Debug("open")
	return wire.PackOpenReply(hdr.ID, eff, h, granted)
}

// descriptorFor resolves a handle to a usable descriptor, reopening and
// re-admitting nodes the cache evicted. The returned snapshot carries a
// deep-copied name.
func (s *Server) descriptorFor(sess *session.Session, h wire.Handle) (billy.File, session.NodeSnapshot, error) {
	snap, err := sess.GetNodeCopy(h, true)
	if err != nil {
		return nil, session.NodeSnapshot{}, err
	}
	if snap.File != nil {
		return snap.File, snap, nil
	}
	f, err := s.store.OpenFile(snap.Share, snap.LocalName, reopenOSFlags(snap.Mode), 0)
	if err != nil {
		return nil, snap, err
	}
	if err := sess.UpdateNodeFile(h, f); err != nil {
		f.Close()
		return nil, snap, err
	}
	if err := sess.AddToCache(h); err != nil {
		log.WithError(err).WithField("handle", h).Warn("re-admit after reopen failed")
	}
	log.WithField("name", snap.LocalName).Debug("reopened evicted node")
	snap.File = f
	return f, snap, nil
}

func (s *Server) handleRead(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackReadRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	f, snap, err := s.descriptorFor(sess, req.File)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if snap.Mode == wire.OpenModeWriteOnly {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if req.RequiredSize == 0 {
		return wire.PackReadReply(hdr.ID, nil)
	}

	sequential, err := sess.NodeIsSequentialOpen(req.File)
	if err != nil {
		return errorReply(hdr.ID, err)
	}

	buf := make([]byte, req.RequiredSize)
	var n int
	if sequential {
		// Sequential opens read at the descriptor's own position; the
		// file-IO lock keeps that position consistent across requests.
		sess.LockFileIO()
		n, err = f.Read(buf)
		sess.UnlockFileIO()
	} else {
		n, err = f.ReadAt(buf, int64(req.Offset))
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return errorReply(hdr.ID, fmt.Errorf("read %s: %w", snap.LocalName, common.ErrIO))
	}
	return wire.PackReadReply(hdr.ID, buf[:n])
}

func (s *Server) handleWrite(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackWriteRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	f, snap, err := s.descriptorFor(sess, req.File)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if snap.Mode == wire.OpenModeReadOnly {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}

	appendWrite := snap.Flags&session.NodeAppend != 0 || req.Flags&wire.WriteAppend != 0
	if appendWrite && snap.Flags&session.NodeAppend == 0 {
		// An append-flagged write converts the handle to append mode for
		// the rest of its lifetime, as if it had been opened that way.
		if err := sess.UpdateNodeAppendFlag(req.File, true); err != nil {
			return errorReply(hdr.ID, err)
		}
	}
	n, err := s.writeAt(sess, f, req.Data, int64(req.Offset), appendWrite)
	s.store.InvalidateAttrs(snap.LocalName)
	if err != nil {
		return errorReply(hdr.ID, fmt.Errorf("write %s: %w", snap.LocalName, common.ErrIO))
	}
	return wire.PackWriteReply(hdr.ID, uint32(n))
}

// writeAt performs a positioned or appending write. billy descriptors
// have no positional write, so the seek/write pair runs under the
// session's file-IO lock to keep concurrent writers off each other's
// offsets.
func (s *Server) writeAt(sess *session.Session, f billy.File, data []byte, offset int64, appendWrite bool) (int, error) {
	sess.LockFileIO()
	defer sess.UnlockFileIO()
	var err error
	if appendWrite {
		_, err = f.Seek(0, io.SeekEnd)
	} else {
		_, err = f.Seek(offset, io.SeekStart)
	}
	if err != nil {
		return 0, err
	}
	return f.Write(data)
}

func (s *Server) handleWriteStream(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackWriteStreamRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	f, snap, err := s.descriptorFor(sess, req.File)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if snap.Mode == wire.OpenModeReadOnly {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	n, err := s.writeAt(sess, f, req.Data, 0, true)
	s.store.InvalidateAttrs(snap.LocalName)
	if err != nil {
		return errorReply(hdr.ID, fmt.Errorf("write stream %s: %w", snap.LocalName, common.ErrIO))
	}
	return wire.PackWriteStreamReply(hdr.ID, uint32(n))
}

func (s *Server) handleClose(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackCloseRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if err := sess.RemoveFileNode(req.File); err != nil {
		return errorReply(hdr.ID, err)
	}
	return wire.PackEmptyReply(hdr.ID)
}

func (s *Server) handleServerLockChange(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackServerLockChangeRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	current, err := sess.NodeServerLock(req.File)
	if err != nil {
		return errorReply(hdr.ID, err)
	}

	switch req.NewLock {
	case wire.LockNone:
		if err := sess.SetHandleServerLock(req.File, wire.LockNone); err != nil {
			return errorReply(hdr.ID, err)
		}
		return wire.PackServerLockChangeReply(hdr.ID, wire.LockNone)
	case wire.LockOpportunistic, wire.LockShared, wire.LockExclusive:
	default:
		return wire.PackErrorReply(hdr.ID, wire.StatusProtocolError)
	}
	if req.NewLock == current {
		return wire.PackServerLockChangeReply(hdr.ID, current)
	}

	localID, err := sess.NodeLocalID(req.File)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	// Two handles on the same local file never both hold exclusive, no
	// matter which sessions they belong to. The registry downgrades a
	// compatible request to shared and denies the rest.
	granted := sess.GrantServerLock(req.File, localID, req.NewLock)
	if granted == wire.LockNone {
		log.WithFields(log.Fields{
			"handle":    req.File,
			"requested": req.NewLock,
		}).Debug("lock change denied")
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	return wire.PackServerLockChangeReply(hdr.ID, granted)
}
