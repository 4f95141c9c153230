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
	"os"

	billy "github.com/go-git/go-billy/v5"

	"sharefs/internal/localfs"
	"sharefs/internal/share"
	"sharefs/internal/wire"
)

// Store is the host-filesystem capability the dispatcher invokes and
// trusts. Paths are always confined local paths produced by name
// resolution. Errors come back already folded into the common taxonomy.
type Store interface {
	OpenFile(sh *share.Info, local string, flag int, perm os.FileMode) (billy.File, error)
	Stat(sh *share.Info, local string) (*localfs.FileInfo, error)
	StatHandle(f billy.File, sh *share.Info, local string) (*localfs.FileInfo, error)
	SetAttr(sh *share.Info, local string, attr *wire.Attr) error
	Mkdir(sh *share.Info, local string, perm os.FileMode) error
	Remove(sh *share.Info, local string) error
	RemoveDir(sh *share.Info, local string) error
	Rename(sh *share.Info, oldLocal, newLocal string) error
	ReadDir(sh *share.Info, local string) ([]wire.DirEntry, error)
	Symlink(sh *share.Info, target, local string) error
	StatFS(sh *share.Info) (freeBytes, totalBytes uint64, err error)
	InvalidateAttrs(local string)
}

var _ Store = (*localfs.Store)(nil)
