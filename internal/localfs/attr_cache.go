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

package localfs

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// attrCache memoizes name-based stat results for a short window. Guests
// hammer getattr during directory walks; a small TTL absorbs the burst
// without letting attributes go meaningfully stale. Handle-based stats
// bypass the cache entirely.
type attrCache struct {
	lru *expirable.LRU[string, FileInfo]
}

func newAttrCache(ttl time.Duration, size int) *attrCache {
	if ttl <= 0 || size <= 0 {
		return &attrCache{}
	}
	return &attrCache{lru: expirable.NewLRU[string, FileInfo](size, nil, ttl)}
}

func (c *attrCache) get(local string) (*FileInfo, bool) {
	if c.lru == nil {
		return nil, false
	}
	fi, ok := c.lru.Get(local)
	if !ok {
		return nil, false
	}
	// Copy out so callers can't mutate the cached entry.
	out := fi
	return &out, true
}

func (c *attrCache) put(local string, fi *FileInfo) {
	if c.lru == nil {
		return
	}
	c.lru.Add(local, *fi)
}

func (c *attrCache) invalidate(local string) {
	if c.lru == nil {
		return
	}
	c.lru.Remove(local)
}
