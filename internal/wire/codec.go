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

package wire

import (
	"encoding/binary"
	"fmt"

	"sharefs/internal/common"
)

// maxPayload bounds any counted field inside a packet. Guests are not
// trusted; a length prefix larger than this is a protocol error, not an
// allocation.
const maxPayload = 1 << 20

// MaxPacketSize bounds a whole framed packet on the transport: the
// largest counted field plus headroom for headers and fixed fields.
const MaxPacketSize = maxPayload + 4096

// Decoder walks a request buffer with bounds checks. Errors are sticky:
// after the first short read every accessor returns zero values and Err
// reports the failure, so unpack code can read a whole struct and check
// once.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder wraps buf for decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decode failure, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining reports how many undecoded bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%s at offset %d (packet %d bytes): %w",
			what, d.off, len(d.buf), common.ErrMalformedPacket)
	}
}

func (d *Decoder) Uint32() uint32 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 4 {
		d.fail("short uint32")
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 8 {
		d.fail("short uint64")
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 1 {
		d.fail("short byte")
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

// Bytes reads a counted byte field: u32 length followed by payload.
func (d *Decoder) Bytes() []byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if n > maxPayload {
		d.fail(fmt.Sprintf("field length %d exceeds limit", n))
		return nil
	}
	if d.Remaining() < int(n) {
		d.fail("short counted field")
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:])
	d.off += int(n)
	return out
}

// CPName reads a counted cross-platform name.
func (d *Decoder) CPName() string {
	return string(d.Bytes())
}

func (d *Decoder) Handle() Handle {
	return Handle(d.Uint32())
}

// Encoder builds a reply buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for a typical reply.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 128)}
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Byte(b byte) {
	e.buf = append(e.buf, b)
}

// Bytes writes a counted byte field.
func (e *Encoder) Bytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// CPName writes a counted cross-platform name.
func (e *Encoder) CPName(name string) {
	e.Bytes([]byte(name))
}

func (e *Encoder) Handle(h Handle) {
	e.Uint32(uint32(h))
}

// Finish returns the encoded packet.
func (e *Encoder) Finish() []byte {
	return e.buf
}

// Header begins every request: opcode then request id.
type Header struct {
	Op Op
	ID uint32
}

// HeaderSize is the fixed request header length.
const HeaderSize = 8

// DecodeHeader reads the request header. Undersized packets and unknown
// opcodes are protocol errors.
func DecodeHeader(buf []byte) (Header, error) {
	d := NewDecoder(buf)
	h := Header{Op: Op(d.Uint32()), ID: d.Uint32()}
	if err := d.Err(); err != nil {
		return Header{}, err
	}
	if !h.Op.Valid() {
		return h, fmt.Errorf("unknown opcode %d: %w", uint32(h.Op), common.ErrNotSupported)
	}
	return h, nil
}

// EncodeReplyHeader begins every reply: request id then status.
func EncodeReplyHeader(e *Encoder, id uint32, status Status) {
	e.Uint32(id)
	e.Uint32(uint32(status))
}

// DecodeReplyHeader is the inverse, used by tests and by in-process
// clients.
func DecodeReplyHeader(buf []byte) (id uint32, status Status, rest []byte, err error) {
	d := NewDecoder(buf)
	id = d.Uint32()
	status = Status(d.Uint32())
	if err = d.Err(); err != nil {
		return 0, 0, nil, err
	}
	return id, status, buf[8:], nil
}
