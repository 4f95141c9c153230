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

// Package integration exercises the daemon end to end: a real TCP
// listener, framed packets, and the full dispatch path down to the
// filesystem. Each test environment gets its own config dir, share
// root and loopback port.
package integration

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"sharefs/internal/daemon"
	"sharefs/internal/wire"
)

// TestEnv is an isolated daemon plus one writable share.
type TestEnv struct {
	t         *testing.T
	g         *WithT
	Daemon    *daemon.Daemon
	ShareRoot string
}

// NewTestEnv starts a daemon on a loopback port with a single writable
// share named "docs".
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	g := NewWithT(t)

	cfgDir := t.TempDir()
	t.Setenv("SHAREFS_CONFIG_DIR", cfgDir)

	shareRoot := t.TempDir()
	sharesYAML := fmt.Sprintf("shares:\n  - name: docs\n    path: %s\n    writable: true\n", shareRoot)
	g.Expect(os.WriteFile(filepath.Join(cfgDir, "shares.yaml"), []byte(sharesYAML), 0600)).To(Succeed())

	d := daemon.New()
	d.ListenAddr = "127.0.0.1:0"
	g.Expect(d.Start()).To(Succeed())
	t.Cleanup(d.Stop)

	return &TestEnv{t: t, g: g, Daemon: d, ShareRoot: shareRoot}
}

// LocalPath maps a share-relative name to the backing directory.
func (env *TestEnv) LocalPath(name string) string {
	return filepath.Join(env.ShareRoot, name)
}

// GuestConn is one guest connection: its own session, handles and
// locks.
type GuestConn struct {
	t    *testing.T
	g    *WithT
	conn net.Conn
	seq  uint32
}

// Connect dials the daemon as a guest.
func (env *TestEnv) Connect() *GuestConn {
	env.t.Helper()
	conn, err := net.Dial("tcp", env.Daemon.Addr().String())
	env.g.Expect(err).NotTo(HaveOccurred())
	env.t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &GuestConn{t: env.t, g: env.g, conn: conn}
}

// Request sends one framed packet and returns the decoded reply.
func (c *GuestConn) Request(packet []byte) (wire.Status, []byte) {
	c.t.Helper()
	c.g.Expect(writeFrame(c.conn, packet)).To(Succeed())
	reply, err := readFrame(c.conn)
	c.g.Expect(err).NotTo(HaveOccurred())
	_, status, rest, err := wire.DecodeReplyHeader(reply)
	c.g.Expect(err).NotTo(HaveOccurred())
	return status, rest
}

// MustSucceed sends a packet and asserts a success status.
func (c *GuestConn) MustSucceed(packet []byte) []byte {
	c.t.Helper()
	status, rest := c.Request(packet)
	c.g.Expect(status).To(Equal(wire.StatusSuccess))
	return rest
}

func (c *GuestConn) nextID() uint32 {
	c.seq++
	return c.seq
}

// Transport framing: 4-byte big-endian length prefix per packet.

func writeFrame(w io.Writer, packet []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(packet)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(packet)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Packet builders for the operations the workflow tests use.

func (c *GuestConn) openPacket(name string, mode wire.OpenMode, flags wire.OpenFlags, lock wire.ServerLock) []byte {
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpOpenV2))
	e.Uint32(c.nextID())
	e.Uint32(uint32(mode))
	e.Uint32(uint32(flags))
	e.Byte(0)
	e.Byte(6)
	e.Byte(4)
	e.Byte(4)
	e.Uint32(0)
	e.Uint32(0)
	e.Uint32(uint32(lock))
	e.Uint32(0)
	e.Uint32(0)
	e.CPName(name)
	return e.Finish()
}

// Open opens a file and returns its handle.
func (c *GuestConn) Open(name string, mode wire.OpenMode, flags wire.OpenFlags) wire.Handle {
	c.t.Helper()
	rest := c.MustSucceed(c.openPacket(name, mode, flags, wire.LockNone))
	d := wire.NewDecoder(rest)
	h := d.Handle()
	c.g.Expect(d.Err()).NotTo(HaveOccurred())
	return h
}

// Write writes data at offset through an open handle.
func (c *GuestConn) Write(h wire.Handle, offset uint64, data []byte) {
	c.t.Helper()
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpWrite))
	e.Uint32(c.nextID())
	e.Handle(h)
	e.Uint64(offset)
	e.Uint32(0)
	e.Bytes(data)
	rest := c.MustSucceed(e.Finish())
	d := wire.NewDecoder(rest)
	c.g.Expect(d.Uint32()).To(Equal(uint32(len(data))))
}

// Read reads size bytes at offset through an open handle.
func (c *GuestConn) Read(h wire.Handle, offset uint64, size uint32) []byte {
	c.t.Helper()
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpRead))
	e.Uint32(c.nextID())
	e.Handle(h)
	e.Uint64(offset)
	e.Uint32(size)
	rest := c.MustSucceed(e.Finish())
	d := wire.NewDecoder(rest)
	data := d.Bytes()
	c.g.Expect(d.Err()).NotTo(HaveOccurred())
	return data
}

// Close releases an open handle.
func (c *GuestConn) Close(h wire.Handle) {
	c.t.Helper()
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpClose))
	e.Uint32(c.nextID())
	e.Handle(h)
	c.MustSucceed(e.Finish())
}

// Getattr stats a file by name using the V2 variant.
func (c *GuestConn) Getattr(name string) *wire.Attr {
	c.t.Helper()
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpGetattrV2))
	e.Uint32(c.nextID())
	e.Uint32(0)
	e.Uint32(uint32(wire.InvalidHandle))
	e.Uint32(0)
	e.CPName(name)
	rest := c.MustSucceed(e.Finish())
	d := wire.NewDecoder(rest)
	attr := wire.DecodeAttr(d, wire.OpGetattrV2)
	c.g.Expect(d.Err()).NotTo(HaveOccurred())
	return &attr
}

// SearchOpen opens a directory snapshot and returns the search handle.
func (c *GuestConn) SearchOpen(dir string) wire.Handle {
	c.t.Helper()
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpSearchOpen))
	e.Uint32(c.nextID())
	e.CPName(dir)
	rest := c.MustSucceed(e.Finish())
	d := wire.NewDecoder(rest)
	h := d.Handle()
	c.g.Expect(d.Err()).NotTo(HaveOccurred())
	return h
}

// SearchRead returns the entry name at offset, empty past the end.
func (c *GuestConn) SearchRead(h wire.Handle, offset uint32) string {
	c.t.Helper()
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpSearchReadV2))
	e.Uint32(c.nextID())
	e.Handle(h)
	e.Uint32(offset)
	rest := c.MustSucceed(e.Finish())
	d := wire.NewDecoder(rest)
	name := d.CPName()
	c.g.Expect(d.Err()).NotTo(HaveOccurred())
	return name
}

// SearchClose releases a search handle.
func (c *GuestConn) SearchClose(h wire.Handle) {
	c.t.Helper()
	e := wire.NewEncoder()
	e.Uint32(uint32(wire.OpSearchClose))
	e.Uint32(c.nextID())
	e.Handle(h)
	c.MustSucceed(e.Finish())
}

// ListDir drains a whole directory snapshot.
func (c *GuestConn) ListDir(dir string) []string {
	c.t.Helper()
	h := c.SearchOpen(dir)
	defer c.SearchClose(h)
	var names []string
	for offset := uint32(0); ; offset++ {
		name := c.SearchRead(h, offset)
		if name == "" {
			return names
		}
		names = append(names, name)
	}
}
