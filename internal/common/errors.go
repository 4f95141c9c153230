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

package common

import "errors"

// Error taxonomy shared by the protocol core. The dispatcher is the single
// point that maps these onto wire status codes; nothing below it ever
// terminates the process over one of these.
var (
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrInvalidName     = errors.New("invalid name")
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrAccessDenied    = errors.New("access denied")
	ErrNotDir          = errors.New("not a directory")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrNotSupported    = errors.New("operation not supported")
	ErrNameTooLong     = errors.New("name too long")
	ErrExhausted       = errors.New("resource exhausted")
	ErrIO              = errors.New("I/O error")
	ErrSessionClosed   = errors.New("session closed")
	ErrMalformedPacket = errors.New("malformed packet")
)
