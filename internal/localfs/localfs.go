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

// Package localfs is the host-filesystem capability the protocol core
// invokes: thin OS wrappers over per-share chroots. The core translates
// and confines names before they reach this layer; the chroot is defense
// in depth, not the primary boundary.
package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"sharefs/internal/common"
	"sharefs/internal/session"
	"sharefs/internal/share"
	"sharefs/internal/wire"
)

// FileInfo is what a stat through the capability yields: the wire
// attribute block, the local identity, and the link target for symlinks.
type FileInfo struct {
	Attr          wire.Attr
	LocalID       session.LocalID
	SymlinkTarget string
}

// Store implements the OS capability over billy osfs chroots, one per
// share root.
type Store struct {
	roots sync.Map // root dir -> billy.Filesystem
	attrs *attrCache
}

// New creates a store. Attribute caching is disabled when ttl is zero.
func New(ttl time.Duration, cacheSize int) *Store {
	return &Store{attrs: newAttrCache(ttl, cacheSize)}
}

func (s *Store) fsFor(sh *share.Info) billy.Filesystem {
	if v, ok := s.roots.Load(sh.RootDir); ok {
		return v.(billy.Filesystem)
	}
	v, _ := s.roots.LoadOrStore(sh.RootDir, billy.Filesystem(osfs.New(sh.RootDir)))
	return v.(billy.Filesystem)
}

// rel converts a confined absolute local path to its share-relative form
// for the chrooted filesystem.
func rel(sh *share.Info, local string) (string, error) {
	r, err := filepath.Rel(sh.RootDir, local)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q outside share %q: %w", local, sh.Name, common.ErrInvalidName)
	}
	return r, nil
}

// MapOSError folds an OS-level failure into the core taxonomy.
func MapOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%v: %w", err, common.ErrNotFound)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%v: %w", err, common.ErrExists)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%v: %w", err, common.ErrAccessDenied)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%v: %w", err, common.ErrNotDir)
	case errors.Is(err, syscall.ENOTEMPTY):
		return fmt.Errorf("%v: %w", err, common.ErrNotEmpty)
	case errors.Is(err, syscall.EBADF):
		return fmt.Errorf("%v: %w", err, common.ErrInvalidHandle)
	case errors.Is(err, syscall.ENAMETOOLONG):
		return fmt.Errorf("%v: %w", err, common.ErrNameTooLong)
	default:
		return fmt.Errorf("%v: %w", err, common.ErrIO)
	}
}

// OpenFile opens or creates a file inside the share.
func (s *Store) OpenFile(sh *share.Info, local string, flag int, perm os.FileMode) (billy.File, error) {
	r, err := rel(sh, local)
	if err != nil {
		return nil, err
	}
	f, err := s.fsFor(sh).OpenFile(r, flag, perm)
	if err != nil {
		return nil, MapOSError(err)
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC) != 0 {
		s.attrs.invalidate(local)
	}
	return f, nil
}

func attrFromInfo(fi os.FileInfo) wire.Attr {
	a := wire.Attr{
		Mask: wire.AttrValidType | wire.AttrValidSize | wire.AttrValidAccessTime |
			wire.AttrValidWriteTime | wire.AttrValidChangeTime |
			wire.AttrValidOwnerPerms | wire.AttrValidGroupPerms | wire.AttrValidOtherPerms,
		Size:      uint64(fi.Size()),
		WriteTime: uint64(fi.ModTime().UnixNano()),
	}
	switch {
	case fi.IsDir():
		a.Type = wire.TypeDirectory
	case fi.Mode()&os.ModeSymlink != 0:
		a.Type = wire.TypeSymlink
	default:
		a.Type = wire.TypeRegular
	}
	mode := fi.Mode().Perm()
	a.SpecialPerms = uint8(fi.Mode() & (os.ModeSetuid | os.ModeSetgid | os.ModeSticky) >> 12)
	a.OwnerPerms = uint8(mode >> 6 & 7)
	a.GroupPerms = uint8(mode >> 3 & 7)
	a.OtherPerms = uint8(mode & 7)

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		a.Mask |= wire.AttrValidAccessTime | wire.AttrValidChangeTime |
			wire.AttrValidUserID | wire.AttrValidGroupID |
			wire.AttrValidFileID | wire.AttrValidVolumeID | wire.AttrValidAllocationSize
		a.AccessTime = uint64(st.Atim.Sec)*1e9 + uint64(st.Atim.Nsec)
		a.AttrChangeTime = uint64(st.Ctim.Sec)*1e9 + uint64(st.Ctim.Nsec)
		a.UserID = st.Uid
		a.GroupID = st.Gid
		a.HostFileID = st.Ino
		a.VolumeID = uint32(st.Dev)
		a.AllocationSize = uint64(st.Blocks) * 512
	}
	return a
}

func localIDFromInfo(fi os.FileInfo) session.LocalID {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return session.LocalID{VolumeID: uint64(st.Dev), FileID: st.Ino}
	}
	return session.LocalID{}
}

// Stat resolves attributes by name. Symlinks are reported as links, with
// their target, not followed.
func (s *Store) Stat(sh *share.Info, local string) (*FileInfo, error) {
	if fi, ok := s.attrs.get(local); ok {
		return fi, nil
	}
	r, err := rel(sh, local)
	if err != nil {
		return nil, err
	}
	bfs := s.fsFor(sh)
	osfi, err := bfs.Lstat(r)
	if err != nil {
		return nil, MapOSError(err)
	}
	info := &FileInfo{Attr: attrFromInfo(osfi), LocalID: localIDFromInfo(osfi)}
	if osfi.Mode()&os.ModeSymlink != 0 {
		if target, err := bfs.Readlink(r); err == nil {
			info.SymlinkTarget = target
		}
	}
	s.attrs.put(local, info)
	return info, nil
}

// StatHandle resolves attributes through an open descriptor when the OS
// supports it, falling back to the recorded name. A descriptor the OS no
// longer recognizes surfaces as ErrInvalidHandle so callers can retry by
// name.
func (s *Store) StatHandle(f billy.File, sh *share.Info, local string) (*FileInfo, error) {
	if st, ok := f.(interface{ Stat() (os.FileInfo, error) }); ok {
		osfi, err := st.Stat()
		if err != nil {
			return nil, MapOSError(err)
		}
		return &FileInfo{Attr: attrFromInfo(osfi), LocalID: localIDFromInfo(osfi)}, nil
	}
	return s.Stat(sh, local)
}

// SetAttr applies the masked attribute fields to a name.
func (s *Store) SetAttr(sh *share.Info, local string, attr *wire.Attr) error {
	r, err := rel(sh, local)
	if err != nil {
		return err
	}
	bfs := s.fsFor(sh)
	defer s.attrs.invalidate(local)

	// Permission and timestamp changes go through the os package on the
	// already-confined path; the chroot layer does not expose them.
	if attr.Mask&(wire.AttrValidOwnerPerms|wire.AttrValidGroupPerms|wire.AttrValidOtherPerms|wire.AttrValidSpecialPerms) != 0 {
		mode := os.FileMode(uint32(attr.OwnerPerms)<<6 | uint32(attr.GroupPerms)<<3 | uint32(attr.OtherPerms))
		if err := os.Chmod(local, mode); err != nil {
			return MapOSError(err)
		}
	}
	if attr.Mask&(wire.AttrValidAccessTime|wire.AttrValidWriteTime) != 0 {
		atime := time.Unix(0, int64(attr.AccessTime))
		mtime := time.Unix(0, int64(attr.WriteTime))
		now := time.Now()
		if attr.Mask&wire.AttrValidAccessTime == 0 {
			atime = now
		}
		if attr.Mask&wire.AttrValidWriteTime == 0 {
			mtime = now
		}
		if err := os.Chtimes(local, atime, mtime); err != nil {
			return MapOSError(err)
		}
	}
	if attr.Mask&wire.AttrValidSize != 0 {
		f, err := bfs.OpenFile(r, os.O_WRONLY, 0)
		if err != nil {
			return MapOSError(err)
		}
		defer f.Close()
		if err := f.Truncate(int64(attr.Size)); err != nil {
			return MapOSError(err)
		}
	}
	return nil
}

// Mkdir creates a directory.
func (s *Store) Mkdir(sh *share.Info, local string, perm os.FileMode) error {
	r, err := rel(sh, local)
	if err != nil {
		return err
	}
	// billy has no plain Mkdir; refuse to create missing parents, the
	// guest must create them one level at a time.
	parent := filepath.Dir(r)
	if parent != "." {
		if fi, err := s.fsFor(sh).Lstat(parent); err != nil {
			return MapOSError(err)
		} else if !fi.IsDir() {
			return common.ErrNotDir
		}
	}
	if _, err := s.fsFor(sh).Lstat(r); err == nil {
		return common.ErrExists
	}
	if err := s.fsFor(sh).MkdirAll(r, perm); err != nil {
		return MapOSError(err)
	}
	return nil
}

// Remove deletes a file (not a directory).
func (s *Store) Remove(sh *share.Info, local string) error {
	r, err := rel(sh, local)
	if err != nil {
		return err
	}
	fi, err := s.fsFor(sh).Lstat(r)
	if err != nil {
		return MapOSError(err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%q is a directory: %w", local, common.ErrAccessDenied)
	}
	if err := s.fsFor(sh).Remove(r); err != nil {
		return MapOSError(err)
	}
	s.attrs.invalidate(local)
	return nil
}

// RemoveDir deletes an empty directory.
func (s *Store) RemoveDir(sh *share.Info, local string) error {
	r, err := rel(sh, local)
	if err != nil {
		return err
	}
	fi, err := s.fsFor(sh).Lstat(r)
	if err != nil {
		return MapOSError(err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%q: %w", local, common.ErrNotDir)
	}
	entries, err := s.fsFor(sh).ReadDir(r)
	if err != nil {
		return MapOSError(err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%q: %w", local, common.ErrNotEmpty)
	}
	if err := s.fsFor(sh).Remove(r); err != nil {
		return MapOSError(err)
	}
	s.attrs.invalidate(local)
	return nil
}

// Rename moves oldLocal to newLocal within one share.
func (s *Store) Rename(sh *share.Info, oldLocal, newLocal string) error {
	or, err := rel(sh, oldLocal)
	if err != nil {
		return err
	}
	nr, err := rel(sh, newLocal)
	if err != nil {
		return err
	}
	if err := s.fsFor(sh).Rename(or, nr); err != nil {
		return MapOSError(err)
	}
	s.attrs.invalidate(oldLocal)
	s.attrs.invalidate(newLocal)
	return nil
}

// ReadDir enumerates a directory once, applying the share's exclude
// patterns. Entries come back name-sorted so snapshot order is stable
// across platforms.
func (s *Store) ReadDir(sh *share.Info, local string) ([]wire.DirEntry, error) {
	r, err := rel(sh, local)
	if err != nil {
		return nil, err
	}
	fis, err := s.fsFor(sh).ReadDir(r)
	if err != nil {
		return nil, MapOSError(err)
	}
	sort.Slice(fis, func(i, j int) bool { return fis[i].Name() < fis[j].Name() })

	entries := make([]wire.DirEntry, 0, len(fis))
	for _, fi := range fis {
		entryRel := filepath.Join(r, fi.Name())
		if sh.Excluded(entryRel) {
			log.WithFields(log.Fields{"share": sh.Name, "path": entryRel}).Trace("entry excluded")
			continue
		}
		entries = append(entries, wire.DirEntry{
			Name:   fi.Name(),
			FileID: localIDFromInfo(fi).FileID,
			IsDir:  fi.IsDir(),
		})
	}
	return entries, nil
}

// Symlink creates a link inside the share. The target is stored verbatim
// and confined on later resolution, the same as every other name.
func (s *Store) Symlink(sh *share.Info, target, local string) error {
	r, err := rel(sh, local)
	if err != nil {
		return err
	}
	if err := s.fsFor(sh).Symlink(target, r); err != nil {
		return MapOSError(err)
	}
	return nil
}

// StatFS reports free and total bytes of the volume backing the share.
func (s *Store) StatFS(sh *share.Info) (freeBytes, totalBytes uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(sh.RootDir, &st); err != nil {
		return 0, 0, MapOSError(err)
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}

// InvalidateAttrs drops any cached attributes for a path. Write paths in
// the dispatcher call this after mutating through a descriptor.
func (s *Store) InvalidateAttrs(local string) {
	s.attrs.invalidate(local)
}
