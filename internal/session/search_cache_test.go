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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharefs/internal/common"
	"sharefs/internal/wire"
)

func staticEnum(names ...string) func(string) ([]wire.DirEntry, error) {
	return func(string) ([]wire.DirEntry, error) {
		entries := make([]wire.DirEntry, 0, len(names))
		for i, n := range names {
			entries = append(entries, wire.DirEntry{Name: n, FileID: uint64(i + 1)})
		}
		return entries, nil
	}
}

func TestSearchRealDir(t *testing.T) {
	t.Parallel()
	s := newTestSession(t)

	h, err := s.SearchRealDir("/shared/docs", "docs", nil, staticEnum("a.txt", "b.txt"))
	require.NoError(t, err)

	ent, err := s.GetSearchResult(h, 0, false)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, "a.txt", ent.Name)

	ent, err = s.GetSearchResult(h, 1, false)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, "b.txt", ent.Name)

	// Past the end of the snapshot.
	ent, err = s.GetSearchResult(h, 2, false)
	require.NoError(t, err)
	assert.Nil(t, ent)

	dir, err := s.SearchName(h)
	require.NoError(t, err)
	assert.Equal(t, "/shared/docs", dir)
}

func TestSearchRealDirPropagatesError(t *testing.T) {
	t.Parallel()
	s := newTestSession(t)

	boom := errors.New("scandir failed")
	_, err := s.SearchRealDir("/nope", "docs", nil, func(string) ([]wire.DirEntry, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.NumOpenSearches(), "failed enumeration must not leak a handle")
}

func TestSearchVirtualDir(t *testing.T) {
	t.Parallel()
	s := newTestSession(t)

	cleanedUp := false
	h, err := s.SearchVirtualDir(func() ([]wire.DirEntry, error) {
		defer func() { cleanedUp = true }()
		return []wire.DirEntry{
			{Name: "docs", IsDir: true},
			{Name: "media", IsDir: true},
		}, nil
	}, SearchShareListRoot)
	require.NoError(t, err)
	assert.True(t, cleanedUp, "enumerator brackets its own resources")

	snap, err := s.GetSearchCopy(h)
	require.NoError(t, err)
	assert.Equal(t, SearchShareListRoot, snap.Type)
	assert.Equal(t, 2, snap.NumEntries)
}

func TestSearchSnapshotImmutable(t *testing.T) {
	t.Parallel()
	s := newTestSession(t)

	h, err := s.SearchRealDir("/d", "d", nil, staticEnum("a", "b", "c"))
	require.NoError(t, err)

	first, err := s.GetSearchResult(h, 1, false)
	require.NoError(t, err)
	second, err := s.GetSearchResult(h, 1, false)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same offset must read identically")

	// Mutating the returned copy must not write through to the snapshot.
	first.Name = "mutated"
	third, err := s.GetSearchResult(h, 1, false)
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestSearchResultRemoveTombstones(t *testing.T) {
	t.Parallel()
	s := newTestSession(t)

	h, err := s.SearchRealDir("/d", "d", nil, staticEnum("a", "b", "c"))
	require.NoError(t, err)

	ent, err := s.GetSearchResult(h, 1, true)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, "b", ent.Name)

	// Tombstoned offset reads as absent; neighbors keep their offsets.
	ent, err = s.GetSearchResult(h, 1, false)
	require.NoError(t, err)
	assert.Nil(t, ent)

	ent, err = s.GetSearchResult(h, 2, false)
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, "c", ent.Name)
}

func TestRemoveSearch(t *testing.T) {
	t.Parallel()
	s := newTestSession(t)

	h, err := s.SearchRealDir("/d", "d", nil, staticEnum("a"))
	require.NoError(t, err)
	require.NoError(t, s.RemoveSearch(h))

	_, err = s.GetSearchResult(h, 0, false)
	assert.ErrorIs(t, err, common.ErrInvalidHandle)
	assert.ErrorIs(t, s.RemoveSearch(h), common.ErrInvalidHandle)
}
