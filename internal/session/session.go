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

// Package session owns the per-connection cache and concurrency domain of
// the shared-folder server: the file-node table, the search table, their
// locks, and the reference-counted session lifecycle. Opaque guest
// handles resolve to live OS state only through a session.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"sharefs/internal/wire"
)

// State of a session.
type State int32

const (
	StateOpen State = iota
	StateClosed
)

// Type distinguishes guest-created sessions from the server's own static
// one.
type Type int

const (
	TypeRegular Type = iota
	TypeInternal
)

// SendFunc delivers a reply packet for this session back to its
// transport.
type SendFunc func(packet []byte) error

// breakChanCapacity bounds pending lock-break notifications per session.
const breakChanCapacity = 16

// Session is the cache and concurrency domain for one guest connection.
// Three independent locks bound concurrency: nodeMu and searchMu are
// short-held table locks never held across a blocking OS call; fileIOMu
// serializes file I/O so at most one OS operation runs per handle.
type Session struct {
	ID   string
	Type Type

	state    atomic.Int32
	refCount atomic.Int32
	send     SendFunc

	nodeMu   sync.Mutex
	searchMu sync.Mutex
	fileIOMu sync.Mutex

	nodes    *nodeCache
	searches *searchCache
	// locks is shared by every session of one manager; server-lock
	// grants and conflicts span sessions.
	locks *LockRegistry

	breakCh chan LockBreak
}

func newSession(typ Type, send SendFunc, locks *LockRegistry) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		Type:     typ,
		send:     send,
		nodes:    newNodeCache(),
		searches: newSearchCache(),
		locks:    locks,
		breakCh:  make(chan LockBreak, breakChanCapacity),
	}
	s.refCount.Store(1) // creation reference, dropped by Close
	return s
}

// State returns the session state. Requests observing StateClosed must
// fail fast instead of touching the tables.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Acquire takes a reference for the duration of one request. It fails
// once the session is closed, so late-arriving requests cannot revive a
// tearing-down session.
func (s *Session) Acquire() bool {
	for {
		n := s.refCount.Load()
		if n <= 0 || s.State() == StateClosed {
			return false
		}
		if s.refCount.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The session is torn down exactly when the
// count drains to zero, which can only happen after Close.
func (s *Session) Release() {
	if s.refCount.Add(-1) == 0 {
		s.teardown()
	}
}

// Close marks the session closed and drops the creation reference.
// In-flight requests holding references complete and release normally;
// the last release tears the session down.
func (s *Session) Close() {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		return
	}
	s.Release()
}

// SendReply hands a reply packet to the transport.
func (s *Session) SendReply(packet []byte) error {
	return s.send(packet)
}

// LockBreaks is the channel on which revocations of granted server locks
// are delivered to whoever forwards them to the guest.
func (s *Session) LockBreaks() <-chan LockBreak {
	return s.breakCh
}

func (s *Session) notifyBreak(b LockBreak) {
	select {
	case s.breakCh <- b:
	default:
		// The guest is not draining breaks; dropping is safer than
		// blocking the node lock.
		log.WithFields(log.Fields{
			"session": s.ID,
			"handle":  b.File,
		}).Warn("lock break notification dropped")
	}
}

// LockFileIO serializes file I/O on this session's handles.
func (s *Session) LockFileIO() {
	s.fileIOMu.Lock()
}

// UnlockFileIO releases the file I/O lock.
func (s *Session) UnlockFileIO() {
	s.fileIOMu.Unlock()
}

// teardown force-closes everything the session still owns. Errors are
// logged and the teardown proceeds best-effort; there is nobody left to
// reply to.
func (s *Session) teardown() {
	s.nodeMu.Lock()
	var nodes []*FileNode
	s.nodes.table.forEach(func(_ wire.Handle, n *FileNode) bool {
		nodes = append(nodes, n)
		return true
	})
	for _, n := range nodes {
		if err := s.nodes.removeNode(n); err != nil {
			log.WithError(err).WithField("session", s.ID).Warn("teardown: node close failed")
		}
	}
	// Break producers run under nodeMu and skip nodes already removed,
	// so closing here cannot race a send.
	close(s.breakCh)
	s.nodeMu.Unlock()
	s.locks.releaseSession(s)

	s.searchMu.Lock()
	var searches []wire.Handle
	s.searches.table.forEach(func(h wire.Handle, _ *Search) bool {
		searches = append(searches, h)
		return true
	})
	for _, h := range searches {
		if err := s.searches.table.release(h); err != nil {
			log.WithError(err).WithField("session", s.ID).Warn("teardown: search release failed")
		}
	}
	s.searchMu.Unlock()

	log.WithField("session", s.ID).Debug("session torn down")
}

// Manager routes requests to sessions and owns their lifecycle. The
// internal session exists for the manager's lifetime and serves the
// server's own operations.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	internal *Session
	locks    *LockRegistry
}

// NewManager creates a manager with its internal session.
func NewManager() *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		locks:    NewLockRegistry(),
	}
	m.internal = newSession(TypeInternal, func([]byte) error { return nil }, m.locks)
	return m
}

// CreateSession allocates session state for a new transport connection.
func (m *Manager) CreateSession(send SendFunc) *Session {
	s := newSession(TypeRegular, send, m.locks)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	log.WithField("session", s.ID).Debug("session created")
	return s
}

// Lookup finds a session by id.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseSession marks the session closed and detaches it from routing.
// Outstanding requests finish before the session is destroyed.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Internal returns the static server-lifetime session.
func (m *Manager) Internal() *Session {
	return m.internal
}

// Shutdown closes every session including the internal one.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	m.internal.Close()
}
