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

// Package server dispatches decoded requests against session state and
// the host filesystem capability. It is the single point where internal
// errors become wire status codes: every request the transport accepts
// framing for gets a status-coded reply, never a dropped packet and
// never a crash.
package server

import (
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/session"
	"sharefs/internal/share"
	"sharefs/internal/wire"
)

// Attribute protocol versions the dispatcher can speak.
const (
	attrVersion1 uint32 = 1
	attrVersion2 uint32 = 2
)

// v1Variant maps each V2 opcode to its V1 counterpart.
var v1Variant = map[wire.Op]wire.Op{
	wire.OpOpenV2:       wire.OpOpen,
	wire.OpGetattrV2:    wire.OpGetattr,
	wire.OpSetattrV2:    wire.OpSetattr,
	wire.OpSearchReadV2: wire.OpSearchRead,
	wire.OpCreateDirV2:  wire.OpCreateDir,
	wire.OpDeleteFileV2: wire.OpDeleteFile,
	wire.OpDeleteDirV2:  wire.OpDeleteDir,
	wire.OpRenameV2:     wire.OpRename,
}

// Server executes requests for any number of sessions. The preferred
// attribute version is process-wide and shared across sessions; it only
// ever moves down.
type Server struct {
	shares *share.Registry
	store  Store

	attrVersion atomic.Uint32
}

// New builds a server over a share registry and a filesystem capability.
func New(shares *share.Registry, store Store) *Server {
	s := &Server{shares: shares, store: store}
	s.attrVersion.Store(attrVersion2)
	return s
}

// AttrVersion reports the currently preferred attribute version.
func (s *Server) AttrVersion() uint32 {
	return s.attrVersion.Load()
}

// effectiveOp returns the variant to speak for op: the op itself, or its
// V1 counterpart once the process has downgraded.
func (s *Server) effectiveOp(op wire.Op) wire.Op {
	if s.attrVersion.Load() >= attrVersion2 {
		return op
	}
	if v1, ok := v1Variant[op]; ok {
		return v1
	}
	return op
}

// downgradeAttrVersion records that a peer does not speak V2. Monotonic,
// so concurrent downgrades and stale reads are harmless: a request that
// read the old value simply retries once.
func (s *Server) downgradeAttrVersion() {
	for {
		cur := s.attrVersion.Load()
		if cur <= attrVersion1 || s.attrVersion.CompareAndSwap(cur, attrVersion1) {
			return
		}
	}
}

// unpackVersioned decodes a request with the preferred variant of its
// opcode. When a V2 layout cannot explain the payload, the peer is taken
// to be a V1 speaker: the preferred version is downgraded for the rest of
// the process and the decode retried exactly once with the V1 layout.
func unpackVersioned[R any](s *Server, op wire.Op, payload []byte,
	unpack func(wire.Op, []byte) (R, error)) (R, wire.Op, error) {

	eff := s.effectiveOp(op)
	req, err := unpack(eff, payload)
	if err == nil {
		return req, eff, nil
	}
	v1, hasV1 := v1Variant[eff]
	if !hasV1 {
		var zero R
		return zero, eff, err
	}
	s.downgradeAttrVersion()
	log.WithField("op", op).Info("peer does not speak v2, downgrading attribute version")
	req, err = unpack(v1, payload)
	if err != nil {
		var zero R
		return zero, op, errors.Join(err, common.ErrVersionMismatch)
	}
	return req, v1, nil
}

// statusOf is the single mapping from the internal error taxonomy to wire
// status codes.
func statusOf(err error) wire.Status {
	switch {
	case err == nil:
		return wire.StatusSuccess
	case errors.Is(err, common.ErrInvalidHandle):
		return wire.StatusInvalidHandle
	case errors.Is(err, common.ErrInvalidName):
		return wire.StatusInvalidName
	case errors.Is(err, common.ErrNotFound):
		return wire.StatusNotFound
	case errors.Is(err, common.ErrExists):
		return wire.StatusExists
	case errors.Is(err, common.ErrAccessDenied):
		return wire.StatusAccessDenied
	case errors.Is(err, common.ErrNotDir):
		return wire.StatusNotDirectory
	case errors.Is(err, common.ErrNotEmpty):
		return wire.StatusDirNotEmpty
	case errors.Is(err, common.ErrVersionMismatch):
		return wire.StatusVersionMismatch
	case errors.Is(err, common.ErrNotSupported):
		return wire.StatusNotSupported
	case errors.Is(err, common.ErrNameTooLong):
		return wire.StatusNameTooLong
	case errors.Is(err, common.ErrExhausted):
		return wire.StatusResourceExhausted
	case errors.Is(err, common.ErrSessionClosed):
		return wire.StatusStaleSession
	case errors.Is(err, common.ErrMalformedPacket):
		return wire.StatusProtocolError
	default:
		return wire.StatusGenericError
	}
}

func errorReply(id uint32, err error) []byte {
	return wire.PackErrorReply(id, statusOf(err))
}

// Handle executes one request packet and returns the reply packet. The
// session reference is held for the duration, so teardown cannot free
// tables out from under a request in flight.
func (s *Server) Handle(sess *session.Session, packet []byte) []byte {
	hdr, err := wire.DecodeHeader(packet)
	if err != nil {
		log.WithError(err).Debug("request header rejected")
		return errorReply(hdr.ID, err)
	}
	if !sess.Acquire() {
		return wire.PackErrorReply(hdr.ID, wire.StatusStaleSession)
	}
	defer sess.Release()

	payload := packet[wire.HeaderSize:]
	log.WithFields(log.Fields{
		"op":      hdr.Op,
		"id":      hdr.ID,
		"session": sess.ID,
	}).Trace("dispatch")

	switch hdr.Op {
	case wire.OpOpen, wire.OpOpenV2:
		return s.handleOpen(sess, hdr, payload)
	case wire.OpRead:
		return s.handleRead(sess, hdr, payload)
	case wire.OpWrite:
		return s.handleWrite(sess, hdr, payload)
	case wire.OpClose:
		return s.handleClose(sess, hdr, payload)
	case wire.OpWriteStream:
		return s.handleWriteStream(sess, hdr, payload)
	case wire.OpServerLockChange:
		return s.handleServerLockChange(sess, hdr, payload)
	case wire.OpSearchOpen:
		return s.handleSearchOpen(sess, hdr, payload)
	case wire.OpSearchRead, wire.OpSearchReadV2:
		return s.handleSearchRead(sess, hdr, payload)
	case wire.OpSearchClose:
		return s.handleSearchClose(sess, hdr, payload)
	case wire.OpGetattr, wire.OpGetattrV2:
		return s.handleGetattr(sess, hdr, payload)
	case wire.OpSetattr, wire.OpSetattrV2:
		return s.handleSetattr(sess, hdr, payload)
	case wire.OpCreateDir, wire.OpCreateDirV2:
		return s.handleCreateDir(sess, hdr, payload)
	case wire.OpDeleteFile, wire.OpDeleteFileV2, wire.OpDeleteDir, wire.OpDeleteDirV2:
		return s.handleDelete(sess, hdr, payload)
	case wire.OpRename, wire.OpRenameV2:
		return s.handleRename(sess, hdr, payload)
	case wire.OpQueryVolume:
		return s.handleQueryVolume(sess, hdr, payload)
	case wire.OpSymlinkCreate:
		return s.handleSymlinkCreate(sess, hdr, payload)
	default:
		return wire.PackErrorReply(hdr.ID, wire.StatusNotSupported)
	}
}
