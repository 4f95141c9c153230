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

package session

import (
	"container/list"
	"fmt"
	"os"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/common"
	"sharefs/internal/share"
	"sharefs/internal/wire"
)

// MaxCachedOpenNodes bounds how many OS descriptors a session keeps open
// at once. Client-visible handles are unbounded; past this limit nodes
// are evicted to UncachedOpen and reopened on demand.
const MaxCachedOpenNodes = 30

// LocalID identifies a local file independent of its path.
type LocalID struct {
	VolumeID uint64
	FileID   uint64
}

// NodeState tracks which list owns a file node.
type NodeState int

const (
	NodeUnused NodeState = iota
	NodeCachedOpen
	NodeUncachedOpen
)

// NodeFlags carries per-open behavior bits.
type NodeFlags uint32

const (
	NodeAppend NodeFlags = 1 << iota
	NodeSequential
	NodeSharedFolderRoot
)

// OpenInfo is everything a successful open records on the new node.
type OpenInfo struct {
	LocalName   string
	ShareName   string
	Mode        wire.OpenMode
	ShareAccess uint32
	Flags       NodeFlags
	Share       *share.Info
}

// FileNode binds one opaque handle to an open local file. A node is owned
// by exactly one of: the free list (Unused), the cached-open list
// (CachedOpen), or nothing (UncachedOpen). The file descriptor is owned
// exclusively by the node; it is nil while the node is evicted.
type FileNode struct {
	handle      wire.Handle
	localName   string
	shareName   string
	localID     LocalID
	file        billy.File
	mode        wire.OpenMode
	shareAccess uint32
	serverLock  wire.ServerLock
	state       NodeState
	flags       NodeFlags
	shareInfo   *share.Info
	cacheElem   *list.Element
}

// NodeSnapshot is an immutable copy for inspection outside the node lock.
type NodeSnapshot struct {
	Handle     wire.Handle
	LocalName  string
	ShareName  string
	LocalID    LocalID
	File       billy.File
	Mode       wire.OpenMode
	ServerLock wire.ServerLock
	State      NodeState
	Flags      NodeFlags
	Share      *share.Info
}

// LockBreak notifies the holder of a granted server lock that it has been
// revoked. The notification is delivered before the node's lock state is
// cleared.
type LockBreak struct {
	SessionID string
	File      wire.Handle
	Previous  wire.ServerLock
	NewLock   wire.ServerLock
}

// nodeCache owns the session's file-node table, the bounded cached-open
// set and the server-lock bookkeeping. Callers hold the session node lock.
type nodeCache struct {
	table *table[FileNode]
	// cached orders admissions, front = most recently cached. Eviction
	// takes the least-recently-cached unlocked node from the back.
	cached          *list.List
	numCachedOpen   int
	numCachedLocked int
}

func newNodeCache() *nodeCache {
	return &nodeCache{
		table:  newTable[FileNode](),
		cached: list.New(),
	}
}

func (c *nodeCache) lookup(h wire.Handle) (*FileNode, error) {
	return c.table.lookup(h)
}

// admit puts a node on the cached-open list, evicting if at capacity.
// Returns false when every cached node holds a lock and nothing can be
// evicted; the node then stays UncachedOpen rather than breaking a lock.
func (c *nodeCache) admit(n *FileNode) bool {
	if c.numCachedOpen >= MaxCachedOpenNodes {
		if !c.evictOne() {
			n.state = NodeUncachedOpen
			return false
		}
	}
	n.state = NodeCachedOpen
	n.cacheElem = c.cached.PushFront(n.handle)
	c.numCachedOpen++
	if n.serverLock != wire.LockNone {
		c.numCachedLocked++
	}
	return true
}

// evictOne closes the descriptor of the least-recently-cached node that
// holds no server lock. Locked nodes are skipped: a lock is never broken
// silently by cache pressure.
func (c *nodeCache) evictOne() bool {
	e := c.cached.Back()
	for e != nil {
		h := e.Value.(wire.Handle)
		n, err := c.table.lookup(h)
		if err != nil {
			// Cached list and table disagree; drop the stale element and
			// keep scanning from its predecessor. Remove zeroes the
			// element's links, so the predecessor is taken first.
			prev := e.Prev()
			c.cached.Remove(e)
			e = prev
			continue
		}
		if n.serverLock != wire.LockNone {
			e = e.Prev()
			continue
		}
		c.detach(n)
		if n.file != nil {
			if err := n.file.Close(); err != nil {
				log.WithError(err).WithField("name", n.localName).Warn("evict: close failed")
			}
			n.file = nil
		}
		n.state = NodeUncachedOpen
		return true
	}
	return false
}

// detach removes a node from the cached list and fixes the counters.
func (c *nodeCache) detach(n *FileNode) {
	if n.cacheElem == nil {
		return
	}
	c.cached.Remove(n.cacheElem)
	n.cacheElem = nil
	c.numCachedOpen--
	if n.serverLock != wire.LockNone {
		c.numCachedLocked--
	}
}

// removeNode closes the descriptor and frees the handle.
func (c *nodeCache) removeNode(n *FileNode) error {
	c.detach(n)
	var closeErr error
	if n.file != nil {
		closeErr = n.file.Close()
		n.file = nil
	}
	n.serverLock = wire.LockNone
	n.state = NodeUnused
	if err := c.table.release(n.handle); err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", n.localName, common.ErrIO)
	}
	return nil
}

// Session node-table operations. Each takes the node lock for the
// duration of the table mutation only; anything that may block afterwards
// works from a snapshot.

// CreateAndCacheNode allocates a node for a freshly opened file and admits
// it to the cached-open set when capacity allows.
func (s *Session) CreateAndCacheNode(info OpenInfo, localID LocalID, file billy.File) (wire.Handle, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	if s.State() == StateClosed {
		return wire.InvalidHandle, common.ErrSessionClosed
	}

	h, n, err := s.nodes.table.allocate()
	if err != nil {
		return wire.InvalidHandle, err
	}
	*n = FileNode{
		handle:      h,
		localName:   info.LocalName,
		shareName:   info.ShareName,
		localID:     localID,
		file:        file,
		mode:        info.Mode,
		shareAccess: info.ShareAccess,
		flags:       info.Flags,
		shareInfo:   info.Share,
		state:       NodeUncachedOpen,
	}
	s.nodes.admit(n)
	return h, nil
}

// RemoveFileNode closes the node's descriptor and releases the handle.
// A lock the node still held is dropped from the shared registry.
func (s *Session) RemoveFileNode(h wire.Handle) error {
	s.nodeMu.Lock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		s.nodeMu.Unlock()
		return err
	}
	id, hadLock := n.localID, n.serverLock != wire.LockNone
	err = s.nodes.removeNode(n)
	s.nodeMu.Unlock()
	if hadLock {
		s.locks.release(id, s, h)
	}
	return err
}

// NodeFile returns the node's open descriptor, or nil when the node has
// been evicted and must be reopened by the caller (see UpdateNodeFile).
func (s *Session) NodeFile(h wire.Handle) (billy.File, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return nil, err
	}
	return n.file, nil
}

// NodeName returns the node's decoded local path.
func (s *Session) NodeName(h wire.Handle) (string, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return "", err
	}
	return n.localName, nil
}

// NodeLocalID returns the volume/file identity recorded at open.
func (s *Session) NodeLocalID(h wire.Handle) (LocalID, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return LocalID{}, err
	}
	return n.localID, nil
}

// NodeServerLock returns the lock currently granted on the node.
func (s *Session) NodeServerLock(h wire.Handle) (wire.ServerLock, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return wire.LockNone, err
	}
	return n.serverLock, nil
}

// NodeAppendFlag reports whether the node was opened for append.
func (s *Session) NodeAppendFlag(h wire.Handle) (bool, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return false, err
	}
	return n.flags&NodeAppend != 0, nil
}

// NodeShareMode returns the access mode the node was opened with.
func (s *Session) NodeShareMode(h wire.Handle) (wire.OpenMode, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return 0, err
	}
	return n.mode, nil
}

// NodeIsSequentialOpen reports the sequential-access hint.
func (s *Session) NodeIsSequentialOpen(h wire.Handle) (bool, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return false, err
	}
	return n.flags&NodeSequential != 0, nil
}

// NodeIsSharedFolderOpen reports whether the node is a share root open.
func (s *Session) NodeIsSharedFolderOpen(h wire.Handle) (bool, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return false, err
	}
	return n.flags&NodeSharedFolderRoot != 0, nil
}

// UpdateNodeFile installs a reopened descriptor on an evicted node.
func (s *Session) UpdateNodeFile(h wire.Handle, file billy.File) error {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return err
	}
	n.file = file
	return nil
}

// UpdateNodeAppendFlag flips the append bit on an open node.
func (s *Session) UpdateNodeAppendFlag(h wire.Handle, append bool) error {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return err
	}
	if append {
		n.flags |= NodeAppend
	} else {
		n.flags &^= NodeAppend
	}
	return nil
}

// UpdateNodeServerLock records the lock state for the node owning the
// given descriptor, after a lock acquire/downgrade/break handshake
// completes.
func (s *Session) UpdateNodeServerLock(file billy.File, lock wire.ServerLock) error {
	s.nodeMu.Lock()
	var found *FileNode
	s.nodes.table.forEach(func(_ wire.Handle, n *FileNode) bool {
		if n.file == file {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		s.nodeMu.Unlock()
		return fmt.Errorf("no node for descriptor: %w", common.ErrInvalidHandle)
	}
	id, h := found.localID, found.handle
	s.setNodeLock(found, lock)
	s.nodeMu.Unlock()
	s.syncLockRegistry(id, h, lock)
	return nil
}

// SetHandleServerLock is the by-handle variant of UpdateNodeServerLock.
func (s *Session) SetHandleServerLock(h wire.Handle, lock wire.ServerLock) error {
	s.nodeMu.Lock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		s.nodeMu.Unlock()
		return err
	}
	id := n.localID
	s.setNodeLock(n, lock)
	s.nodeMu.Unlock()
	s.syncLockRegistry(id, h, lock)
	return nil
}

// syncLockRegistry mirrors a node's lock state into the shared
// registry. Called without nodeMu held.
func (s *Session) syncLockRegistry(id LocalID, h wire.Handle, lock wire.ServerLock) {
	if lock == wire.LockNone {
		s.locks.release(id, s, h)
	} else {
		s.locks.set(id, s, h, lock)
	}
}

// GrantServerLock checks every session's grants on the local file and,
// when compatible, records the requested lock for this handle. The
// conservative policy never fails an open for want of a lock; on
// conflict the caller just gets LockNone.
func (s *Session) GrantServerLock(h wire.Handle, id LocalID, desired wire.ServerLock) wire.ServerLock {
	granted := s.locks.grant(id, s, h, desired)
	if granted == wire.LockNone {
		return wire.LockNone
	}
	s.nodeMu.Lock()
	n, err := s.nodes.lookup(h)
	if err == nil {
		s.setNodeLock(n, granted)
	}
	s.nodeMu.Unlock()
	if err != nil {
		s.locks.release(id, s, h)
		return wire.LockNone
	}
	return granted
}

// setNodeLock keeps the cached-locked counter in step. Caller holds
// nodeMu.
func (s *Session) setNodeLock(n *FileNode, lock wire.ServerLock) {
	if n.state == NodeCachedOpen {
		had := n.serverLock != wire.LockNone
		has := lock != wire.LockNone
		if has && !had {
			s.nodes.numCachedLocked++
		} else if !has && had {
			s.nodes.numCachedLocked--
		}
	}
	n.serverLock = lock
}

// IsCached reports whether the node is on the cached-open list.
func (s *Session) IsCached(h wire.Handle) (bool, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return false, err
	}
	return n.state == NodeCachedOpen, nil
}

// RemoveFromCache pins a node out of the cached-open set so a multi-step
// operation cannot have its descriptor evicted mid-flight. The descriptor
// stays open.
func (s *Session) RemoveFromCache(h wire.Handle) error {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return err
	}
	if n.state == NodeCachedOpen {
		s.nodes.detach(n)
		n.state = NodeUncachedOpen
	}
	return nil
}

// AddToCache re-admits a pinned node.
func (s *Session) AddToCache(h wire.Handle) error {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return err
	}
	if n.state != NodeCachedOpen {
		s.nodes.admit(n)
	}
	return nil
}

// GetNodeCopy snapshots a node so processing that may block can proceed
// without the node lock. The name is deep-copied only on request.
func (s *Session) GetNodeCopy(h wire.Handle, copyName bool) (NodeSnapshot, error) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(h)
	if err != nil {
		return NodeSnapshot{}, err
	}
	snap := NodeSnapshot{
		Handle:     n.handle,
		LocalID:    n.localID,
		File:       n.file,
		Mode:       n.mode,
		ServerLock: n.serverLock,
		State:      n.state,
		Flags:      n.flags,
		Share:      n.shareInfo,
	}
	if copyName {
		snap.LocalName = strings.Clone(n.localName)
		snap.ShareName = strings.Clone(n.shareName)
	}
	return snap, nil
}

// FileHasServerLock reports the strongest server lock granted on the
// local file across every session sharing this registry, with the
// handle holding it, for lock-conflict detection.
func (s *Session) FileHasServerLock(id LocalID) (wire.ServerLock, wire.Handle, bool) {
	return s.locks.strongest(id)
}

// UpdateNodeNames rewrites the recorded local names of open nodes after a
// rename: the renamed path itself and everything under it.
func (s *Session) UpdateNodeNames(oldName, newName string) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	sep := string(os.PathSeparator)
	prefix := oldName + sep
	s.nodes.table.forEach(func(_ wire.Handle, n *FileNode) bool {
		switch {
		case n.localName == oldName:
			n.localName = newName
		case strings.HasPrefix(n.localName, prefix):
			n.localName = newName + sep + n.localName[len(prefix):]
		}
		return true
	})
}

// BreakLocksByLocalID revokes every server lock held on the given local
// file, whichever session holds it. Each owner's notification is
// delivered on its session's break channel before that node's lock
// state is cleared, so the original requester observes the break ahead
// of any reuse of the file.
func (s *Session) BreakLocksByLocalID(id LocalID) int {
	return s.locks.breakByLocalID(id)
}

// breakGrantedLock delivers the revocation of one granted lock and
// clears the node's lock state. The registry entry is already gone; a
// handle the session has since closed is a no-op.
func (s *Session) breakGrantedLock(file wire.Handle, prev wire.ServerLock) {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	n, err := s.nodes.lookup(file)
	if err != nil {
		return
	}
	s.notifyBreak(LockBreak{
		SessionID: s.ID,
		File:      file,
		Previous:  prev,
		NewLock:   wire.LockNone,
	})
	s.setNodeLock(n, wire.LockNone)
}

// NumCachedOpenNodes returns the cached-open count (test and debug hook).
func (s *Session) NumCachedOpenNodes() int {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	return s.nodes.numCachedOpen
}

// NumCachedLockedNodes returns how many cached nodes hold locks.
func (s *Session) NumCachedLockedNodes() int {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	return s.nodes.numCachedLocked
}

// NumOpenNodes returns the total in-use node count.
func (s *Session) NumOpenNodes() int {
	s.nodeMu.Lock()
	defer s.nodeMu.Unlock()
	return s.nodes.table.inUseCount()
}
