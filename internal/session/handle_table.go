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
	"fmt"

	"sharefs/internal/common"
	"sharefs/internal/wire"
)

// maxTableSlots bounds how far a table may grow. Handles never run out
// logically; only this allocation bound can make allocate fail.
const maxTableSlots = 1 << 16

type slot[T any] struct {
	inUse bool
	val   T
}

// table is a slot arena with an index-based LIFO free list. Handle values
// are slot indexes offset by one, so the zero Handle is never valid; a
// released handle value may be recycled for a new logical entity, which is
// why callers must never treat a handle as an identity proof.
//
// The table itself is not synchronized; its owner holds the node-array or
// search-array lock across every call.
type table[T any] struct {
	slots []slot[T]
	free  []uint32 // LIFO, slot reuse stays cache-friendly
	used  int
}

func newTable[T any]() *table[T] {
	return &table[T]{}
}

func (t *table[T]) allocate() (wire.Handle, *T, error) {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.slots) >= maxTableSlots {
			return wire.InvalidHandle, nil, fmt.Errorf("table at %d slots: %w", maxTableSlots, common.ErrExhausted)
		}
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	s.inUse = true
	t.used++
	return wire.Handle(idx + 1), &s.val, nil
}

func (t *table[T]) slotOf(h wire.Handle) *slot[T] {
	if h == 0 || h == wire.InvalidHandle {
		return nil
	}
	idx := int(h - 1)
	if idx >= len(t.slots) || !t.slots[idx].inUse {
		return nil
	}
	return &t.slots[idx]
}

func (t *table[T]) lookup(h wire.Handle) (*T, error) {
	s := t.slotOf(h)
	if s == nil {
		return nil, fmt.Errorf("handle %d: %w", h, common.ErrInvalidHandle)
	}
	return &s.val, nil
}

// release returns the slot to the free list. Releasing a handle that is
// not in use errors without touching the free list, so a double release
// can never double-insert.
func (t *table[T]) release(h wire.Handle) error {
	s := t.slotOf(h)
	if s == nil {
		return fmt.Errorf("handle %d: %w", h, common.ErrInvalidHandle)
	}
	var zero T
	s.val = zero
	s.inUse = false
	t.free = append(t.free, uint32(h-1))
	t.used--
	return nil
}

func (t *table[T]) inUseCount() int {
	return t.used
}

// forEach visits every in-use slot until fn returns false.
func (t *table[T]) forEach(fn func(wire.Handle, *T) bool) {
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if !fn(wire.Handle(i+1), &t.slots[i].val) {
			return
		}
	}
}
