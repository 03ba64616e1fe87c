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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
	"branchfs/internal/util"
)

// HostFsBackend spills content units to files under a root directory.
// The root is guarded by a lock file so two cores never share it.
type HostFsBackend struct {
	root     string
	lock     *flock.Flock
	mu       sync.Mutex
	nextID   ContentID
	total    uint64
	sizes    map[ContentID]uint64
	snapSeq  int
}

// NewHostFsBackend creates (or reopens) a host-filesystem backend rooted
// at root. The directory is created if missing.
func NewHostFsBackend(root string) (*HostFsBackend, error) {
	if err := os.MkdirAll(filepath.Join(root, "content"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create backstore root: %w", err)
	}

	lock := flock.New(filepath.Join(root, ".lock"))
	err := util.Retry(context.Background(), func() error {
		ok, err := lock.TryLock()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("lock is held: %s", lock.Path())
		}
		return nil
	}, util.FileLockRetryOptions(context.Background())...)
	if err != nil {
		return nil, fmt.Errorf("backstore root %s is in use: %w", root, common.ErrBusy)
	}

	b := &HostFsBackend{
		root:   root,
		lock:   lock,
		nextID: 1,
		sizes:  make(map[ContentID]uint64),
	}
	if err := b.scan(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return b, nil
}

// scan rebuilds the id counter and size table from existing content files.
func (b *HostFsBackend) scan() error {
	entries, err := os.ReadDir(filepath.Join(b.root, "content"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var id uint64
		if _, err := fmt.Sscanf(entry.Name(), "%016x.dat", &id); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		b.sizes[ContentID(id)] = uint64(info.Size())
		b.total += uint64(info.Size())
		if ContentID(id) >= b.nextID {
			b.nextID = ContentID(id) + 1
		}
	}
	log.Debugf("[Storage] hostfs backend at %s: %d units, %d bytes", b.root, len(b.sizes), b.total)
	return nil
}

func (b *HostFsBackend) path(id ContentID) string {
	return filepath.Join(b.root, "content", fmt.Sprintf("%016x.dat", uint64(id)))
}

func (b *HostFsBackend) Allocate(data []byte) (ContentID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if err := os.WriteFile(b.path(id), data, 0600); err != nil {
		return 0, fmt.Errorf("failed to allocate content: %w", err)
	}
	b.sizes[id] = uint64(len(data))
	b.total += uint64(len(data))
	return id, nil
}

func (b *HostFsBackend) Read(id ContentID, offset uint64, buf []byte) (int, error) {
	b.mu.Lock()
	_, ok := b.sizes[id]
	b.mu.Unlock()
	if !ok {
		return 0, common.ErrNotFound
	}

	f, err := os.Open(b.path(id))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	defer f.Close()
	n, err := f.ReadAt(buf, int64(offset))
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (b *HostFsBackend) Write(id ContentID, offset uint64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size, ok := b.sizes[id]
	if !ok {
		return 0, common.ErrNotFound
	}
	f, err := os.OpenFile(b.path(id), os.O_RDWR, 0600)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	defer f.Close()
	n, err := f.WriteAt(data, int64(offset))
	if err != nil {
		return n, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	if end := offset + uint64(n); end > size {
		b.total += end - size
		b.sizes[id] = end
	}
	return n, nil
}

func (b *HostFsBackend) Truncate(id ContentID, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	size, ok := b.sizes[id]
	if !ok {
		return common.ErrNotFound
	}
	if err := os.Truncate(b.path(id), int64(length)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	b.total += length
	b.total -= size
	b.sizes[id] = length
	return nil
}

func (b *HostFsBackend) Len(id ContentID) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size, ok := b.sizes[id]
	if !ok {
		return 0, common.ErrNotFound
	}
	return size, nil
}

func (b *HostFsBackend) CloneCoW(id ContentID) (ContentID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size, ok := b.sizes[id]
	if !ok {
		return 0, common.ErrNotFound
	}
	newID := b.nextID
	b.nextID++
	if err := copyFile(b.path(id), b.path(newID)); err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	b.sizes[newID] = size
	b.total += size
	return newID, nil
}

func (b *HostFsBackend) BytesStored() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *HostFsBackend) Close() error {
	return b.lock.Unlock()
}

// SupportsNativeSnapshots reports that this backend can snapshot its
// content directory.
func (b *HostFsBackend) SupportsNativeSnapshots() bool {
	return true
}

// SnapshotNative copies the current content set to snapshots/<name>/.
func (b *HostFsBackend) SnapshotNative(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dst := filepath.Join(b.root, "snapshots", name)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("snapshot %q: %w", name, common.ErrAlreadyExists)
	}
	if err := os.MkdirAll(dst, 0700); err != nil {
		return err
	}
	for id := range b.sizes {
		if err := copyFile(b.path(id), filepath.Join(dst, filepath.Base(b.path(id)))); err != nil {
			return fmt.Errorf("failed to snapshot content %d: %w", id, err)
		}
	}
	b.snapSeq++
	log.Debugf("[Storage] hostfs native snapshot %q: %d units", name, len(b.sizes))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
