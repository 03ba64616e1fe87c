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

package storage

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// MemoryBackend keeps all content in process memory, capped at maxBytes.
type MemoryBackend struct {
	mu       sync.RWMutex
	contents map[ContentID][]byte
	nextID   ContentID
	total    uint64
	maxBytes uint64
}

// NewMemoryBackend creates an in-memory backend. maxBytes of 0 means
// unlimited.
func NewMemoryBackend(maxBytes uint64) *MemoryBackend {
	return &MemoryBackend{
		contents: make(map[ContentID][]byte),
		nextID:   1,
		maxBytes: maxBytes,
	}
}

func (b *MemoryBackend) charge(delta uint64) error {
	if b.maxBytes > 0 && b.total+delta > b.maxBytes {
		log.Debugf("[Storage] memory limit exceeded: %d + %d > %d", b.total, delta, b.maxBytes)
		return fmt.Errorf("memory backend limit %d exceeded: %w", b.maxBytes, common.ErrNoSpace)
	}
	b.total += delta
	return nil
}

func (b *MemoryBackend) Allocate(data []byte) (ContentID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.charge(uint64(len(data))); err != nil {
		return 0, err
	}
	id := b.nextID
	b.nextID++
	b.contents[id] = append([]byte(nil), data...)
	return id, nil
}

func (b *MemoryBackend) Read(id ContentID, offset uint64, buf []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.contents[id]
	if !ok {
		return 0, common.ErrNotFound
	}
	if offset >= uint64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (b *MemoryBackend) Write(id ContentID, offset uint64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.contents[id]
	if !ok {
		return 0, common.ErrNotFound
	}
	end := offset + uint64(len(data))
	if end > uint64(len(existing)) {
		if err := b.charge(end - uint64(len(existing))); err != nil {
			return 0, err
		}
		grown := make([]byte, end)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)
	b.contents[id] = existing
	return len(data), nil
}

func (b *MemoryBackend) Truncate(id ContentID, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.contents[id]
	if !ok {
		return common.ErrNotFound
	}
	cur := uint64(len(existing))
	switch {
	case length < cur:
		b.contents[id] = existing[:length]
		b.total -= cur - length
	case length > cur:
		if err := b.charge(length - cur); err != nil {
			return err
		}
		grown := make([]byte, length)
		copy(grown, existing)
		b.contents[id] = grown
	}
	return nil
}

func (b *MemoryBackend) Len(id ContentID) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.contents[id]
	if !ok {
		return 0, common.ErrNotFound
	}
	return uint64(len(data)), nil
}

func (b *MemoryBackend) CloneCoW(id ContentID) (ContentID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.contents[id]
	if !ok {
		return 0, common.ErrNotFound
	}
	if err := b.charge(uint64(len(data))); err != nil {
		return 0, err
	}
	newID := b.nextID
	b.nextID++
	b.contents[newID] = append([]byte(nil), data...)
	return newID, nil
}

func (b *MemoryBackend) BytesStored() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contents = make(map[ContentID][]byte)
	b.total = 0
	return nil
}
