// Copyright 2025 BranchFS Authors
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

package overlay

import (
	"sync"
	"time"
)

// statCache caches lower-layer stat results with TTL-based expiration.
//
// Thread-safe: uses RWMutex for concurrent access.
type statCache struct {
	mu      sync.RWMutex
	entries map[string]*statEntry
	ttl     time.Duration
	maxSize int
}

type statEntry struct {
	info    *Info
	expires time.Time
}

// newStatCache creates a stat cache.
// ttl: time-to-live for cached entries (0 disables caching entirely)
// maxSize: maximum number of entries (0 for unlimited)
func newStatCache(ttl time.Duration, maxSize int) *statCache {
	return &statCache{
		entries: make(map[string]*statEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func (c *statCache) get(path string) *Info {
	if c.ttl == 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expires) {
		return nil
	}
	return entry.info
}

func (c *statCache) set(path string, info *Info) {
	if c.ttl == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Don't add new entries when at capacity.
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[path]; !exists {
			return
		}
	}
	c.entries[path] = &statEntry{
		info:    info,
		expires: time.Now().Add(c.ttl),
	}
}

func (c *statCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*statEntry, 256)
	}
}
