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
	"strings"

	"sharefs/internal/common"
	"sharefs/internal/share"
	"sharefs/internal/wire"
)

// SearchType says what kind of objects a search enumerates, which decides
// how attributes are fetched for each entry later.
type SearchType int

const (
	// SearchDir enumerates files and subdirectories of a real directory.
	SearchDir SearchType = iota
	// SearchShareListRoot enumerates the configured shares.
	SearchShareListRoot
	// SearchOther enumerates other synthetic contents.
	SearchOther
)

// Search is one open directory enumeration: a snapshot taken at open
// time, consumed by client-tracked offsets. The snapshot never grows,
// shrinks or reorders; removal tombstones in place so offsets stay
// stable for the life of the handle.
type Search struct {
	handle    wire.Handle
	localDir  string
	shareName string
	entries   []wire.DirEntry
	typ       SearchType
	shareInfo *share.Info
}

// SearchSnapshot is an immutable copy for inspection outside the search
// lock.
type SearchSnapshot struct {
	Handle     wire.Handle
	LocalDir   string
	ShareName  string
	Type       SearchType
	Share      *share.Info
	NumEntries int
}

type searchCache struct {
	table *table[Search]
}

func newSearchCache() *searchCache {
	return &searchCache{table: newTable[Search]()}
}

// SearchRealDir enumerates a real directory once through the provided
// capability and binds the snapshot to a new handle. The enumeration runs
// before the search lock is taken; the lock is never held across a
// blocking call.
func (s *Session) SearchRealDir(localDir, shareName string, info *share.Info,
	enumerate func(dir string) ([]wire.DirEntry, error)) (wire.Handle, error) {

	entries, err := enumerate(localDir)
	if err != nil {
		return wire.InvalidHandle, err
	}
	return s.addSearch(localDir, shareName, info, entries, SearchDir)
}

// SearchVirtualDir binds a synthetic listing to a new handle. The
// enumerator brackets its own resource lifetime; by the time it returns,
// anything it acquired has been released.
func (s *Session) SearchVirtualDir(enumerate func() ([]wire.DirEntry, error),
	typ SearchType) (wire.Handle, error) {

	entries, err := enumerate()
	if err != nil {
		return wire.InvalidHandle, err
	}
	return s.addSearch("", "", nil, entries, typ)
}

func (s *Session) addSearch(localDir, shareName string, info *share.Info,
	entries []wire.DirEntry, typ SearchType) (wire.Handle, error) {

	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	if s.State() == StateClosed {
		return wire.InvalidHandle, common.ErrSessionClosed
	}
	h, sr, err := s.searches.table.allocate()
	if err != nil {
		return wire.InvalidHandle, err
	}
	*sr = Search{
		handle:    h,
		localDir:  localDir,
		shareName: shareName,
		entries:   entries,
		typ:       typ,
		shareInfo: info,
	}
	return h, nil
}

// GetSearchResult returns a copy of the entry at offset, or nil past the
// end of the snapshot. With remove set the entry is tombstoned in place,
// so a later getattr on a deleted target sees the gap; offsets of other
// entries are unaffected.
func (s *Session) GetSearchResult(h wire.Handle, offset uint32, remove bool) (*wire.DirEntry, error) {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	sr, err := s.searches.table.lookup(h)
	if err != nil {
		return nil, err
	}
	if int64(offset) >= int64(len(sr.entries)) {
		return nil, nil
	}
	ent := sr.entries[offset]
	if ent.Tombstoned {
		return nil, nil
	}
	if remove {
		sr.entries[offset].Tombstoned = true
		sr.entries[offset].Name = ""
	}
	out := ent
	return &out, nil
}

// RemoveSearch releases the handle and the snapshot storage.
func (s *Session) RemoveSearch(h wire.Handle) error {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	return s.searches.table.release(h)
}

// GetSearchCopy snapshots search metadata for use outside the lock.
func (s *Session) GetSearchCopy(h wire.Handle) (SearchSnapshot, error) {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	sr, err := s.searches.table.lookup(h)
	if err != nil {
		return SearchSnapshot{}, err
	}
	return SearchSnapshot{
		Handle:     sr.handle,
		LocalDir:   strings.Clone(sr.localDir),
		ShareName:  strings.Clone(sr.shareName),
		Type:       sr.typ,
		Share:      sr.shareInfo,
		NumEntries: len(sr.entries),
	}, nil
}

// SearchName returns the local directory a search handle enumerates.
func (s *Session) SearchName(h wire.Handle) (string, error) {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	sr, err := s.searches.table.lookup(h)
	if err != nil {
		return "", err
	}
	return sr.localDir, nil
}

// NumOpenSearches returns the in-use search count.
func (s *Session) NumOpenSearches() int {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	return s.searches.table.inUseCount()
}
