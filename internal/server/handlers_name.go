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
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/cpname"
	"sharefs/internal/localfs"
	"sharefs/internal/session"
	"sharefs/internal/share"
	"sharefs/internal/wire"
)

// virtualRootAttr is what stat of the share-list root reports.
func virtualRootAttr() wire.Attr {
	return wire.Attr{
		Mask: wire.AttrValidType | wire.AttrValidOwnerPerms |
			wire.AttrValidGroupPerms | wire.AttrValidOtherPerms,
		Type:       wire.TypeDirectory,
		OwnerPerms: 5, GroupPerms: 5, OtherPerms: 5,
	}
}

func (s *Server) handleGetattr(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, eff, err := unpackVersioned(s, hdr.Op, payload, wire.UnpackGetattrRequest)
	if err != nil {
		return errorReply(hdr.ID, err)
	}

	if req.ByHandle() {
		fi, err := s.statByHandle(sess, req.File)
		if err == nil {
			return wire.PackGetattrReply(hdr.ID, eff, &fi.Attr, fi.SymlinkTarget)
		}
		// A handle closed out from under the server is not fatal when the
		// request also carries a name: fall back to the name path, once.
		if !errors.Is(err, common.ErrInvalidHandle) || req.CPName == "" {
			return errorReply(hdr.ID, err)
		}
		log.WithFields(log.Fields{"handle": req.File, "name": req.CPName}).
			Debug("stale handle, retrying getattr by name")
	}

	if req.CPName == "" {
		attr := virtualRootAttr()
		return wire.PackGetattrReply(hdr.ID, eff, &attr, "")
	}
	sh, local, err := s.shares.Resolve(req.CPName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	fi, err := s.store.Stat(sh, local)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	return wire.PackGetattrReply(hdr.ID, eff, &fi.Attr, fi.SymlinkTarget)
}

func (s *Server) statByHandle(sess *session.Session, h wire.Handle) (*localfs.FileInfo, error) {
	f, snap, err := s.descriptorFor(sess, h)
	if err != nil {
		return nil, err
	}
	return s.store.StatHandle(f, snap.Share, snap.LocalName)
}

func (s *Server) handleSetattr(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, _, err := unpackVersioned(s, hdr.Op, payload, wire.UnpackSetattrRequest)
	if err != nil {
		return errorReply(hdr.ID, err)
	}

	if req.ByHandle() {
		err := s.setattrByHandle(sess, req)
		if err == nil {
			return wire.PackEmptyReply(hdr.ID)
		}
		if !errors.Is(err, common.ErrInvalidHandle) || req.CPName == "" {
			return errorReply(hdr.ID, err)
		}
		log.WithFields(log.Fields{"handle": req.File, "name": req.CPName}).
			Debug("stale handle, retrying setattr by name")
	}

	sh, local, err := s.shares.Resolve(req.CPName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if !sh.WriteAccess {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if req.Attr.Mask&wire.AttrValidSize != 0 {
		s.breakLocksByName(sess, sh, local)
	}
	if err := s.store.SetAttr(sh, local, &req.Attr); err != nil {
		return errorReply(hdr.ID, err)
	}
	return wire.PackEmptyReply(hdr.ID)
}

func (s *Server) setattrByHandle(sess *session.Session, req *wire.SetattrRequest) error {
	snap, err := sess.GetNodeCopy(req.File, true)
	if err != nil {
		return err
	}
	if !snap.Share.WriteAccess {
		return common.ErrAccessDenied
	}
	if req.Attr.Mask&wire.AttrValidSize != 0 {
		sess.BreakLocksByLocalID(snap.LocalID)
	}
	return s.store.SetAttr(snap.Share, snap.LocalName, &req.Attr)
}

// breakLocksByName revokes server locks on the local file behind a name
// before a mutation that invalidates them.
func (s *Server) breakLocksByName(sess *session.Session, sh *share.Info, local string) {
	fi, err := s.store.Stat(sh, local)
	if err != nil {
		return
	}
	if n := sess.BreakLocksByLocalID(fi.LocalID); n > 0 {
		log.WithFields(log.Fields{"name": local, "broken": n}).Debug("server locks broken")
	}
}

func (s *Server) handleCreateDir(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, _, err := unpackVersioned(s, hdr.Op, payload, wire.UnpackCreateDirRequest)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	sh, local, err := s.shares.Resolve(req.CPName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if !sh.WriteAccess {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if local == sh.RootDir {
		return wire.PackErrorReply(hdr.ID, wire.StatusExists)
	}
	perm := os.FileMode(uint32(req.SpecialPerms)<<9 |
		uint32(req.OwnerPerms)<<6 | uint32(req.GroupPerms)<<3 | uint32(req.OtherPerms))
	if perm == 0 {
		perm = 0o755
	}
	if err := s.store.Mkdir(sh, local, perm); err != nil {
		return errorReply(hdr.ID, err)
	}
	return wire.PackEmptyReply(hdr.ID)
}

func (s *Server) handleDelete(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, _, err := unpackVersioned(s, hdr.Op, payload, wire.UnpackDeleteRequest)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	isDir := req.Op == wire.OpDeleteDir || req.Op == wire.OpDeleteDirV2

	var (
		sh    *share.Info
		local string
	)
	if req.ByHandle() {
		snap, herr := sess.GetNodeCopy(req.File, true)
		switch {
		case herr == nil:
			sh, local = snap.Share, snap.LocalName
		case errors.Is(herr, common.ErrInvalidHandle) && req.CPName != "":
			log.WithFields(log.Fields{"handle": req.File, "name": req.CPName}).
				Debug("stale handle, retrying delete by name")
		default:
			return errorReply(hdr.ID, herr)
		}
	}
	if sh == nil {
		sh, local, err = s.shares.Resolve(req.CPName)
		if err != nil {
			return errorReply(hdr.ID, err)
		}
	}
	if !sh.WriteAccess {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if local == sh.RootDir {
		// The exported root itself is never deletable through the
		// protocol.
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}

	if isDir {
		if err := s.store.RemoveDir(sh, local); err != nil {
			return errorReply(hdr.ID, err)
		}
	} else {
		s.breakLocksByName(sess, sh, local)
		if err := s.store.Remove(sh, local); err != nil {
			return errorReply(hdr.ID, err)
		}
	}
	return wire.PackEmptyReply(hdr.ID)
}

func (s *Server) handleRename(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, _, err := unpackVersioned(s, hdr.Op, payload, wire.UnpackRenameRequest)
	if err != nil {
		return errorReply(hdr.ID, err)
	}

	var (
		shOld    *share.Info
		oldLocal string
	)
	if req.ByHandle() {
		snap, herr := sess.GetNodeCopy(req.OldFile, true)
		switch {
		case herr == nil:
			shOld, oldLocal = snap.Share, snap.LocalName
		case errors.Is(herr, common.ErrInvalidHandle) && req.OldName != "":
			log.WithFields(log.Fields{"handle": req.OldFile, "name": req.OldName}).
				Debug("stale handle, retrying rename by name")
		default:
			return errorReply(hdr.ID, herr)
		}
	}
	if shOld == nil {
		shOld, oldLocal, err = s.shares.Resolve(req.OldName)
		if err != nil {
			return errorReply(hdr.ID, err)
		}
	}
	shNew, newLocal, err := s.shares.Resolve(req.NewName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if !shOld.WriteAccess || !shNew.WriteAccess {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if shOld.Name != shNew.Name {
		// A move between exports crosses capability roots; the guest must
		// copy and delete.
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if oldLocal == shOld.RootDir || newLocal == shNew.RootDir {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}

	s.breakLocksByName(sess, shOld, oldLocal)
	if err := s.store.Rename(shOld, oldLocal, newLocal); err != nil {
		return errorReply(hdr.ID, err)
	}
	// Open nodes keep working across the rename under their new names.
	sess.UpdateNodeNames(oldLocal, newLocal)
	return wire.PackEmptyReply(hdr.ID)
}

func (s *Server) handleQueryVolume(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackQueryVolumeRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}

	if req.CPName == "" {
		// The share-list root spans volumes: report the most conservative
		// free figure and the largest capacity among shares.
		names := s.shares.Names()
		if len(names) == 0 {
			return wire.PackErrorReply(hdr.ID, wire.StatusNotFound)
		}
		var minFree, maxTotal uint64
		first := true
		for _, name := range names {
			sh, ok := s.shares.Get(name)
			if !ok {
				continue
			}
			free, total, err := s.store.StatFS(sh)
			if err != nil {
				log.WithError(err).WithField("share", name).Warn("statfs failed")
				continue
			}
			if first || free < minFree {
				minFree = free
			}
			if first || total > maxTotal {
				maxTotal = total
			}
			first = false
		}
		if first {
			return wire.PackErrorReply(hdr.ID, wire.StatusGenericError)
		}
		return wire.PackQueryVolumeReply(hdr.ID, minFree, maxTotal)
	}

	sh, _, err := s.shares.Resolve(req.CPName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	free, total, err := s.store.StatFS(sh)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	return wire.PackQueryVolumeReply(hdr.ID, free, total)
}

// localSymlinkTarget converts a wire symlink target to a local relative
// path. Unlike regular names, "." and ".." components are legal in a link
// target; the chroot layer stops any resolution that would leave the
// share.
func localSymlinkTarget(cp string) (string, error) {
	if cp == "" {
		return "", fmt.Errorf("empty symlink target: %w", common.ErrInvalidName)
	}
	parts := strings.Split(cp, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		dec, err := cpname.Unescape([]byte(p))
		if err != nil {
			return "", err
		}
		c := string(dec)
		if c == "" || strings.ContainsAny(c, string(os.PathSeparator)+"\x00") {
			return "", fmt.Errorf("symlink target component %q: %w", c, common.ErrInvalidName)
		}
		out = append(out, c)
	}
	return strings.Join(out, string(os.PathSeparator)), nil
}

func (s *Server) handleSymlinkCreate(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackSymlinkCreateRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	sh, local, err := s.shares.Resolve(req.SymlinkName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if !sh.WriteAccess {
		return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
	}
	if local == sh.RootDir {
		return wire.PackErrorReply(hdr.ID, wire.StatusExists)
	}
	target, err := localSymlinkTarget(req.TargetName)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if err := s.store.Symlink(sh, target, local); err != nil {
		return errorReply(hdr.ID, err)
	}
	return wire.PackEmptyReply(hdr.ID)
}
