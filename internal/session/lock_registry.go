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
	"sync"

	"sharefs/internal/wire"
)

// lockOwner is one granted server lock: the session and handle that
// hold it, and at what level.
type lockOwner struct {
	sess *Session
	file wire.Handle
	lock wire.ServerLock
}

// LockRegistry is the cross-session view of granted server locks, keyed
// by local file identity. Every session of one manager shares a
// registry, so a lock granted on one connection conflicts with and can
// be broken by any other. The registry mutex nests outside the session
// node locks: sessions call in only after releasing nodeMu, and break
// fan-out takes each victim's nodeMu only after dropping the registry
// mutex.
type LockRegistry struct {
	mu   sync.Mutex
	byID map[LocalID][]lockOwner
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{byID: make(map[LocalID][]lockOwner)}
}

// grant applies the conservative grant policy atomically against all
// sessions: the strongest level that does not conflict with a lock some
// other handle already holds on the same local file. A grant the
// requesting handle itself holds is replaced, never counted as a
// conflict.
func (r *LockRegistry) grant(id LocalID, sess *Session, file wire.Handle, desired wire.ServerLock) wire.ServerLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := wire.LockNone
	for _, o := range r.byID[id] {
		if o.sess == sess && o.file == file {
			continue
		}
		if o.lock > held {
			held = o.lock
		}
	}
	var granted wire.ServerLock
	switch {
	case held == wire.LockNone:
		granted = desired
		if granted == wire.LockOpportunistic {
			granted = wire.LockExclusive
		}
	case held == wire.LockShared &&
		(desired == wire.LockShared || desired == wire.LockOpportunistic):
		granted = wire.LockShared
	default:
		return wire.LockNone
	}
	r.setLocked(id, sess, file, granted)
	return granted
}

// set records or replaces the grant held by one handle.
func (r *LockRegistry) set(id LocalID, sess *Session, file wire.Handle, lock wire.ServerLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setLocked(id, sess, file, lock)
}

func (r *LockRegistry) setLocked(id LocalID, sess *Session, file wire.Handle, lock wire.ServerLock) {
	owners := r.byID[id]
	for i := range owners {
		if owners[i].sess == sess && owners[i].file == file {
			owners[i].lock = lock
			return
		}
	}
	r.byID[id] = append(owners, lockOwner{sess: sess, file: file, lock: lock})
}

// release drops the grant held by one handle, if any.
func (r *LockRegistry) release(id LocalID, sess *Session, file wire.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owners := r.byID[id]
	for i := range owners {
		if owners[i].sess == sess && owners[i].file == file {
			r.byID[id] = append(owners[:i], owners[i+1:]...)
			break
		}
	}
	if len(r.byID[id]) == 0 {
		delete(r.byID, id)
	}
}

// releaseSession drops every grant a tearing-down session still holds.
func (r *LockRegistry) releaseSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, owners := range r.byID {
		kept := owners[:0]
		for _, o := range owners {
			if o.sess != sess {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(r.byID, id)
		} else {
			r.byID[id] = kept
		}
	}
}

// strongest reports the highest lock level granted on the file and the
// handle holding it.
func (r *LockRegistry) strongest(id LocalID) (wire.ServerLock, wire.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		lock wire.ServerLock
		file wire.Handle
	)
	for _, o := range r.byID[id] {
		if o.lock > lock {
			lock, file = o.lock, o.file
		}
	}
	return lock, file, lock != wire.LockNone
}

// breakByLocalID revokes every grant on the file, whichever sessions
// hold them. Owners are unregistered first, then each is notified and
// its node state cleared; a victim that closed the handle in the
// meantime is a no-op.
func (r *LockRegistry) breakByLocalID(id LocalID) int {
	r.mu.Lock()
	owners := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()
	for _, o := range owners {
		o.sess.breakGrantedLock(o.file, o.lock)
	}
	return len(owners)
}
