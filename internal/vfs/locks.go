package vfs

import (
	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// lockEntry is one held byte-range lock.
type lockEntry struct {
	handle HandleID
	rng    LockRange
}

func rangesOverlap(a, b LockRange) bool {
	return a.Offset < b.Offset+b.Len && b.Offset < a.Offset+a.Len
}

// Lock acquires a byte-range lock on the file behind h. An overlapping
// range conflicts when either side is exclusive, even against locks held
// by the same handle.
func (fs *FsCore) Lock(h HandleID, rng LockRange) (err error) {
	defer recoverCorePanic("Lock", &err)
	log.Debugf("[VFS] Lock: handle=%d offset=%d len=%d kind=%d", h, rng.Offset, rng.Len, rng.Kind)

	nodeID, _, _, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return common.ErrInvalidArgument
	}

	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	for _, e := range fs.locks[nodeID] {
		if rangesOverlap(e.rng, rng) && (e.rng.Kind == LockExclusive || rng.Kind == LockExclusive) {
			return common.ErrBusy
		}
	}
	fs.locks[nodeID] = append(fs.locks[nodeID], lockEntry{handle: h, rng: rng})
	return nil
}

// Unlock releases locks exactly matching (handle, offset, len, kind).
// Ranges are never split.
func (fs *FsCore) Unlock(h HandleID, rng LockRange) (err error) {
	defer recoverCorePanic("Unlock", &err)

	nodeID, _, _, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return common.ErrInvalidArgument
	}

	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	entries := fs.locks[nodeID]
	kept := entries[:0]
	for _, e := range entries {
		if e.handle == h && e.rng == rng {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(fs.locks, nodeID)
	} else {
		fs.locks[nodeID] = kept
	}
	return nil
}

// releaseLocksForHandle drops every lock the handle holds on the node.
func (fs *FsCore) releaseLocksForHandle(h HandleID, nodeID NodeID) {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	entries := fs.locks[nodeID]
	kept := entries[:0]
	for _, e := range entries {
		if e.handle == h {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(fs.locks, nodeID)
	} else {
		fs.locks[nodeID] = kept
	}
}
