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

// Package storage provides content backends for the filesystem core.
// A backend stores opaque content units addressed by ContentID; the node
// graph above it holds all naming and metadata.
package storage

import (
	"fmt"

	"branchfs/internal/config"
)

// ContentID identifies one content unit within a backend.
type ContentID uint64

// Backend stores file content. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Allocate creates a new content unit holding data (may be empty).
	Allocate(data []byte) (ContentID, error)

	// Read copies up to len(buf) bytes starting at offset into buf and
	// returns the number of bytes read. Reading past the end returns 0.
	Read(id ContentID, offset uint64, buf []byte) (int, error)

	// Write stores data at offset, extending the unit if needed, and
	// returns the number of bytes written.
	Write(id ContentID, offset uint64, data []byte) (int, error)

	// Truncate resizes the unit to length, zero-filling on extension.
	Truncate(id ContentID, length uint64) error

	// Len returns the current size of the unit.
	Len(id ContentID) (uint64, error)

	// CloneCoW duplicates the unit and returns the new id.
	CloneCoW(id ContentID) (ContentID, error)

	// BytesStored returns the total bytes currently held by the backend.
	BytesStored() uint64

	// Close releases backend resources.
	Close() error
}

// Backstore is implemented by backends that can snapshot their entire
// content set natively (e.g. by copying the backing directory).
type Backstore interface {
	SupportsNativeSnapshots() bool
	SnapshotNative(name string) error
}

// Open constructs the backend selected by cfg.Backstore.
func Open(cfg *config.FsConfig) (Backend, error) {
	switch cfg.Backstore.Mode {
	case config.BackstoreMemory:
		return NewMemoryBackend(cfg.Memory.MaxBytesInMemory), nil
	case config.BackstoreHostFs:
		return NewHostFsBackend(cfg.Backstore.Root)
	case config.BackstoreSqlite:
		return NewSqliteBackend(cfg.Backstore.Root)
	default:
		return nil, fmt.Errorf("unknown backstore mode %q", cfg.Backstore.Mode)
	}
}
