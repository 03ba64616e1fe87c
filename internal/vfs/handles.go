package vfs

import (
	"fmt"
	"sync"

	"branchfs/internal/common"
)

// openHandle is one open file or directory.
type openHandle struct {
	id      HandleID
	nodeID  NodeID
	path    string
	kind    ItemType
	options OpenOptions

	// deleted marks a file handle whose node was unlinked while open;
	// the node is purged when the last such handle closes.
	deleted bool

	// Directory handles iterate over a listing captured at open time.
	entries  []DirEntryPlus
	position int
}

// handleTable owns all open handles.
type handleTable struct {
	mu      sync.RWMutex
	handles map[HandleID]*openHandle
	nextID  HandleID
	max     uint32
}

func newHandleTable(max uint32) *handleTable {
	return &handleTable{
		handles: make(map[HandleID]*openHandle),
		max:     max,
	}
}

func (t *handleTable) add(h *openHandle) (HandleID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.max > 0 && uint32(len(t.handles)) >= t.max {
		return 0, fmt.Errorf("handle table full (%d): %w", t.max, common.ErrNoSpace)
	}
	t.nextID++
	h.id = t.nextID
	t.handles[h.id] = h
	return h.id, nil
}

func (t *handleTable) get(id HandleID) (*openHandle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[id]
	return h, ok
}

// snapshotInfo copies the immutable fields of a handle so callers can
// work without holding the table lock.
func (t *handleTable) snapshotInfo(id HandleID) (nodeID NodeID, kind ItemType, opts OpenOptions, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, found := t.handles[id]
	if !found {
		return 0, 0, OpenOptions{}, false
	}
	return h.nodeID, h.kind, h.options, true
}

func (t *handleTable) remove(id HandleID) (*openHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return nil, false
	}
	delete(t.handles, id)
	return h, ok
}

func (t *handleTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}

// shareConflicts reports whether opening a node with opts collides with
// the share modes of existing file handles. Directory handles never
// participate.
func (t *handleTable) shareConflicts(nodeID NodeID, opts OpenOptions) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, h := range t.handles {
		if h.nodeID != nodeID || h.deleted || h.kind != ItemFile {
			continue
		}
		if opts.Read && !h.options.SharesWith(ShareRead) {
			return true
		}
		if opts.Write && !h.options.SharesWith(ShareWrite) {
			return true
		}
	}
	return false
}

// hasOpenForNode reports whether any handle references the node.
func (t *handleTable) hasOpenForNode(nodeID NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, h := range t.handles {
		if h.nodeID == nodeID {
			return true
		}
	}
	return false
}

// markDeletedForNode flags all file handles on the node for
// delete-on-close. Returns whether any handle was open.
func (t *handleTable) markDeletedForNode(nodeID NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	any := false
	for _, h := range t.handles {
		if h.nodeID != nodeID {
			continue
		}
		any = true
		if h.kind == ItemFile {
			h.deleted = true
		}
	}
	return any
}

// nextDirEntry advances a directory handle's cursor.
func (t *handleTable) nextDirEntry(id HandleID) (*DirEntryPlus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return nil, common.ErrInvalidArgument
	}
	if h.kind != ItemDirectory {
		return nil, common.ErrInvalidArgument
	}
	if h.position >= len(h.entries) {
		return nil, nil
	}
	entry := h.entries[h.position]
	h.position++
	return &entry, nil
}
