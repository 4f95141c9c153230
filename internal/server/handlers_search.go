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
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/session"
	"sharefs/internal/wire"
)

func (s *Server) handleSearchOpen(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackSearchOpenRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}

	var h wire.Handle
	if req.DirName == "" {
		// The virtual root lists the configured shares.
		h, err = sess.SearchVirtualDir(func() ([]wire.DirEntry, error) {
			names := s.shares.Names()
			entries := make([]wire.DirEntry, len(names))
			for i, name := range names {
				entries[i] = wire.DirEntry{Name: name, FileID: uint64(i + 1), IsDir: true}
			}
			return entries, nil
		}, session.SearchShareListRoot)
	} else {
		sh, local, rerr := s.shares.Resolve(req.DirName)
		if rerr != nil {
			return errorReply(hdr.ID, rerr)
		}
		if !sh.ReadAccess {
			return wire.PackErrorReply(hdr.ID, wire.StatusAccessDenied)
		}
		h, err = sess.SearchRealDir(local, sh.Name, sh, func(dir string) ([]wire.DirEntry, error) {
			return s.store.ReadDir(sh, dir)
		})
	}
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	log.WithFields(log.Fields{"dir": req.DirName, "handle": h}).Debug("search open")
	return wire.PackSearchOpenReply(hdr.ID, h)
}

func (s *Server) handleSearchRead(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	eff := s.effectiveOp(hdr.Op)
	req, err := wire.UnpackSearchReadRequest(eff, payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	entry, err := sess.GetSearchResult(req.Search, req.Offset, false)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if entry == nil || entry.Tombstoned {
		// Empty name tells the guest the enumeration is exhausted (or the
		// slot was deleted mid-walk).
		return wire.PackSearchReadReply(hdr.ID, eff, "", &wire.Attr{})
	}

	snap, err := sess.GetSearchCopy(req.Search)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	attr := wire.Attr{Mask: wire.AttrValidType, Type: wire.TypeDirectory}
	if snap.Type == session.SearchDir {
		local := filepath.Join(snap.LocalDir, entry.Name)
		if fi, serr := s.store.Stat(snap.Share, local); serr == nil {
			attr = fi.Attr
		} else if !entry.IsDir {
			// Entry vanished between snapshot and read; report what the
			// snapshot knew.
			attr.Type = wire.TypeRegular
		}
	}
	return wire.PackSearchReadReply(hdr.ID, eff, entry.Name, &attr)
}

func (s *Server) handleSearchClose(sess *session.Session, hdr wire.Header, payload []byte) []byte {
	req, err := wire.UnpackSearchCloseRequest(payload)
	if err != nil {
		return errorReply(hdr.ID, err)
	}
	if err := sess.RemoveSearch(req.Search); err != nil {
		return errorReply(hdr.ID, err)
	}
	return wire.PackEmptyReply(hdr.ID)
}
