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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharefs/internal/wire"
)

// getattrV1Payload builds a V2-opcode packet whose payload uses the V1
// layout (name only), the shape a V1-only peer produces.
func getattrV1Payload(name string) []byte {
	e := wire.NewEncoder()
	header(e, wire.OpGetattrV2, 20)
	e.CPName(name)
	return e.Finish()
}

func getattrV2Packet(id uint32, hints uint32, h wire.Handle, name string) []byte {
	e := wire.NewEncoder()
	header(e, wire.OpGetattrV2, id)
	e.Uint32(hints)
	e.Uint32(uint32(h))
	e.Uint32(0)
	e.CPName(name)
	return e.Finish()
}

func TestStickyVersionDowngrade(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "v.txt"), []byte("abc"), 0o644))
	require.Equal(t, uint32(2), env.srv.AttrVersion())

	// A V1 speaker behind a V2 opcode: one internal retry, then success,
	// and the process prefers V1 from now on.
	status, rest := env.do(t, getattrV1Payload("docs/v.txt"))
	require.Equal(t, wire.StatusSuccess, status)
	assert.Equal(t, uint32(1), env.srv.AttrVersion())

	// The reply is packed in the V1 layout.
	d := wire.NewDecoder(rest)
	attr := wire.DecodeAttr(d, wire.OpGetattr)
	require.NoError(t, d.Err())
	assert.Zero(t, d.Remaining())
	assert.Equal(t, uint64(3), attr.Size)

	// A different session hits V1 directly, without renegotiation.
	other := env.mgr.CreateSession(nil)
	reply := env.srv.Handle(other, getattrV1Payload("docs/v.txt"))
	_, status, rest, err := wire.DecodeReplyHeader(reply)
	require.NoError(t, err)
	require.Equal(t, wire.StatusSuccess, status)
	d = wire.NewDecoder(rest)
	attr = wire.DecodeAttr(d, wire.OpGetattr)
	require.NoError(t, d.Err())
	assert.Equal(t, uint64(3), attr.Size)
	assert.Equal(t, uint32(1), env.srv.AttrVersion())
}

func TestGetattrV2ByName(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "a.txt"), []byte("hello"), 0o644))

	status, rest := env.do(t, getattrV2Packet(21, 0, wire.InvalidHandle, "docs/a.txt"))
	require.Equal(t, wire.StatusSuccess, status)
	d := wire.NewDecoder(rest)
	attr := wire.DecodeAttr(d, wire.OpGetattrV2)
	_ = d.CPName() // symlink target, empty
	require.NoError(t, d.Err())
	assert.Equal(t, wire.TypeRegular, attr.Type)
	assert.Equal(t, uint64(5), attr.Size)
	assert.NotZero(t, attr.Mask&wire.AttrValidFileID)
}

func TestGetattrVirtualRoot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	status, rest := env.do(t, getattrV2Packet(22, 0, wire.InvalidHandle, ""))
	require.Equal(t, wire.StatusSuccess, status)
	d := wire.NewDecoder(rest)
	attr := wire.DecodeAttr(d, wire.OpGetattrV2)
	require.NoError(t, d.Err())
	assert.Equal(t, wire.TypeDirectory, attr.Type)
}

func TestGetattrByHandle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "h.txt"), []byte("1234"), 0o644))
	h, _ := env.openFile(t, "docs/h.txt", wire.OpenModeReadOnly, wire.OpenExisting, wire.LockNone)

	status, rest := env.do(t, getattrV2Packet(23, wire.HintUseHandle, h, ""))
	require.Equal(t, wire.StatusSuccess, status)
	d := wire.NewDecoder(rest)
	attr := wire.DecodeAttr(d, wire.OpGetattrV2)
	require.NoError(t, d.Err())
	assert.Equal(t, uint64(4), attr.Size)
}

func TestStaleHandleFallsBackToName(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "s.txt"), []byte("12"), 0o644))

	// A handle this session never allocated, plus a valid name: the
	// dispatcher retries by name exactly once and succeeds.
	status, rest := env.do(t, getattrV2Packet(24, wire.HintUseHandle, 9999, "docs/s.txt"))
	require.Equal(t, wire.StatusSuccess, status)
	d := wire.NewDecoder(rest)
	attr := wire.DecodeAttr(d, wire.OpGetattrV2)
	_ = d.CPName()
	require.NoError(t, d.Err())
	assert.Equal(t, uint64(2), attr.Size)

	// Without a name to fall back to, the stale handle surfaces.
	status, _ = env.do(t, getattrV2Packet(25, wire.HintUseHandle, 9999, ""))
	assert.Equal(t, wire.StatusInvalidHandle, status)
}

func TestSetattrTruncateByName(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "t.txt"), []byte("0123456789"), 0o644))

	e := wire.NewEncoder()
	header(e, wire.OpSetattrV2, 26)
	e.Uint32(0)
	e.Uint32(uint32(wire.InvalidHandle))
	wire.EncodeAttr(e, wire.OpSetattrV2, &wire.Attr{Mask: wire.AttrValidSize, Size: 3})
	e.Uint32(0)
	e.CPName("docs/t.txt")
	status, _ := env.do(t, e.Finish())
	require.Equal(t, wire.StatusSuccess, status)

	fi, err := os.Stat(filepath.Join(env.root, "t.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), fi.Size())
}

func searchOpenPacket(id uint32, dir string) []byte {
	e := wire.NewEncoder()
	header(e, wire.OpSearchOpen, id)
	e.CPName(dir)
	return e.Finish()
}

func searchReadPacket(id uint32, h wire.Handle, offset uint32) []byte {
	e := wire.NewEncoder()
	header(e, wire.OpSearchReadV2, id)
	e.Handle(h)
	e.Uint32(offset)
	return e.Finish()
}

func TestSearchRealDirectory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, name := range []string{"b.txt", "a.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(env.root, name), []byte("x"), 0o644))
	}

	status, rest := env.do(t, searchOpenPacket(30, "docs"))
	require.Equal(t, wire.StatusSuccess, status)
	d := wire.NewDecoder(rest)
	h := d.Handle()
	require.NoError(t, d.Err())

	var names []string
	for off := uint32(0); ; off++ {
		status, rest = env.do(t, searchReadPacket(31, h, off))
		require.Equal(t, wire.StatusSuccess, status)
		d = wire.NewDecoder(rest)
		name := d.CPName()
		wire.DecodeAttr(d, wire.OpSearchReadV2)
		require.NoError(t, d.Err())
		if name == "" {
			break
		}
		names = append(names, name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)

	e := wire.NewEncoder()
	header(e, wire.OpSearchClose, 32)
	e.Handle(h)
	status, _ = env.do(t, e.Finish())
	require.Equal(t, wire.StatusSuccess, status)

	// Reading a closed search is an invalid handle, not a crash.
	status, _ = env.do(t, searchReadPacket(33, h, 0))
	assert.Equal(t, wire.StatusInvalidHandle, status)
}

func TestSearchVirtualRootListsShares(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	extra := t.TempDir()
	_, err := env.reg.Add("extra", extra, false, nil)
	require.NoError(t, err)

	status, rest := env.do(t, searchOpenPacket(34, ""))
	require.Equal(t, wire.StatusSuccess, status)
	d := wire.NewDecoder(rest)
	h := d.Handle()

	var names []string
	for off := uint32(0); ; off++ {
		status, rest = env.do(t, searchReadPacket(35, h, off))
		require.Equal(t, wire.StatusSuccess, status)
		d = wire.NewDecoder(rest)
		name := d.CPName()
		attr := wire.DecodeAttr(d, wire.OpSearchReadV2)
		require.NoError(t, d.Err())
		if name == "" {
			break
		}
		assert.Equal(t, wire.TypeDirectory, attr.Type)
		names = append(names, name)
	}
	assert.Equal(t, []string{"docs", "extra"}, names)
}

func TestEvictedHandleStillReads(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "first.txt"), []byte("persistent"), 0o644))

	h, _ := env.openFile(t, "docs/first.txt", wire.OpenModeReadOnly, wire.OpenExisting, wire.LockNone)

	// Open enough files to push the first descriptor out of the cache.
	for i := 0; i < 35; i++ {
		name := fmt.Sprintf("f%02d.txt", i)
		require.NoError(t, os.WriteFile(filepath.Join(env.root, name), []byte("x"), 0o644))
		env.openFile(t, "docs/"+name, wire.OpenModeReadOnly, wire.OpenExisting, wire.LockNone)
	}
	f, err := env.sess.NodeFile(h)
	require.NoError(t, err)
	require.Nil(t, f, "first descriptor should have been evicted")

	// The dispatcher reopens transparently.
	status, rest := env.do(t, readPacket(h, 0, 10))
	require.Equal(t, wire.StatusSuccess, status)
	d := wire.NewDecoder(rest)
	assert.Equal(t, []byte("persistent"), d.Bytes())

	f, err = env.sess.NodeFile(h)
	require.NoError(t, err)
	assert.NotNil(t, f)
}
