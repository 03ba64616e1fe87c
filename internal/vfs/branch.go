package vfs

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
	"branchfs/internal/storage"
)

// cloneSpec is an unlocked template of one subtree node: metadata plus
// source content ids, captured so backend content duplication can run
// without holding nodesMu.
type cloneSpec struct {
	kind     ItemType
	mode     uint32
	uid      uint32
	gid      uint32
	nlink    uint32
	times    FileTimes
	xattrs   map[string][]byte
	streams  map[string]*stream
	children map[string]*cloneSpec
	target   string
}

// captureSubtree copies the subtree rooted at id into a template.
// Caller holds nodesMu (read or write).
func (fs *FsCore) captureSubtree(id NodeID) (*cloneSpec, error) {
	src, ok := fs.getNode(id)
	if !ok {
		return nil, common.ErrNotFound
	}

	spec := &cloneSpec{
		kind:  src.kind,
		mode:  src.mode,
		uid:   src.uid,
		gid:   src.gid,
		nlink: src.nlink,
		times: src.times,
	}
	if len(src.xattrs) > 0 {
		spec.xattrs = make(map[string][]byte, len(src.xattrs))
		for k, v := range src.xattrs {
			spec.xattrs[k] = append([]byte(nil), v...)
		}
	}

	switch src.kind {
	case ItemFile:
		spec.streams = make(map[string]*stream, len(src.streams))
		for name, s := range src.streams {
			spec.streams[name] = &stream{content: s.content, size: s.size}
		}
	case ItemDirectory:
		spec.children = make(map[string]*cloneSpec, len(src.children))
		for name, childID := range src.children {
			child, err := fs.captureSubtree(childID)
			if err != nil {
				return nil, err
			}
			spec.children[name] = child
		}
	case ItemSymlink:
		spec.target = src.target
	}
	return spec, nil
}

// cloneStreams duplicates every captured stream's content in the
// backend, rewriting the template's content ids in place. No lock held.
func (fs *FsCore) cloneStreams(spec *cloneSpec) error {
	for _, s := range spec.streams {
		cloned, err := fs.store.CloneCoW(s.content)
		if err != nil {
			return err
		}
		s.content = cloned
	}
	for _, child := range spec.children {
		if err := fs.cloneStreams(child); err != nil {
			return err
		}
	}
	return nil
}

// materialize inserts the template as fresh nodes and returns the new
// root id. Caller holds nodesMu (write).
func (fs *FsCore) materialize(spec *cloneSpec) NodeID {
	n := &node{
		id:     fs.allocNodeID(),
		kind:   spec.kind,
		mode:   spec.mode,
		uid:    spec.uid,
		gid:    spec.gid,
		nlink:  spec.nlink,
		times:  spec.times,
		xattrs: spec.xattrs,
		target: spec.target,
	}
	if spec.streams != nil {
		n.streams = spec.streams
	}
	if spec.children != nil {
		n.children = make(map[string]NodeID, len(spec.children))
		for name, child := range spec.children {
			n.children[name] = fs.materialize(child)
		}
	}
	fs.nodes[n.id] = n
	return n.id
}

// cloneTreeCoW deep-copies the tree rooted at root into fresh node ids
// with independently duplicated content. The copy reflects the tree as
// captured; mutations racing with the content duplication phase land on
// the source only.
func (fs *FsCore) cloneTreeCoW(root NodeID) (NodeID, error) {
	fs.nodesMu.RLock()
	spec, err := fs.captureSubtree(root)
	fs.nodesMu.RUnlock()
	if err != nil {
		return 0, err
	}

	if err := fs.cloneStreams(spec); err != nil {
		return 0, err
	}

	fs.nodesMu.Lock()
	newRoot := fs.materialize(spec)
	fs.nodesMu.Unlock()
	return newRoot, nil
}

// SnapshotCreate records the current root of pid's branch under a new
// snapshot id. When the backstore prefers native snapshots, the native
// snapshot is taken first and its failure aborts the operation.
func (fs *FsCore) SnapshotCreate(pid PID, name string) (id SnapshotID, err error) {
	defer recoverCorePanic("SnapshotCreate", &err)
	log.Debugf("[VFS] SnapshotCreate: pid=%d name=%q", pid, name)

	fs.snapshotsMu.RLock()
	count := len(fs.snapshots)
	fs.snapshotsMu.RUnlock()
	if uint32(count) >= fs.cfg.Limits.MaxSnapshots {
		return SnapshotID{}, fmt.Errorf("snapshot limit %d reached: %w", fs.cfg.Limits.MaxSnapshots, common.ErrNoSpace)
	}

	fs.nodesMu.RLock()
	root := fs.branchRoot(pid)
	fs.nodesMu.RUnlock()

	id = NewSnapshotID()
	if fs.cfg.Backstore.PreferNativeSnapshots {
		if bs, ok := fs.store.(storage.Backstore); ok && bs.SupportsNativeSnapshots() {
			nativeName := name
			if nativeName == "" {
				nativeName = fmt.Sprintf("snapshot_%x", uuid.UUID(id))
			}
			if err := bs.SnapshotNative(nativeName); err != nil {
				return SnapshotID{}, err
			}
		}
	}

	fs.snapshotsMu.Lock()
	fs.snapshots[id] = &snapshotRecord{id: id, name: name, root: root}
	fs.snapshotsMu.Unlock()

	fs.emit(Event{Kind: EventSnapshotCreated, Snapshot: id, Name: name})
	return id, nil
}

// SnapshotDelete removes a snapshot no branch depends on.
func (fs *FsCore) SnapshotDelete(id SnapshotID) (err error) {
	defer recoverCorePanic("SnapshotDelete", &err)

	fs.branchesMu.RLock()
	for _, rec := range fs.branches {
		if rec.parentSnapshot != nil && *rec.parentSnapshot == id {
			fs.branchesMu.RUnlock()
			return fmt.Errorf("snapshot %s has dependent branches: %w", id, common.ErrBusy)
		}
	}
	fs.branchesMu.RUnlock()

	fs.snapshotsMu.Lock()
	defer fs.snapshotsMu.Unlock()
	if _, ok := fs.snapshots[id]; !ok {
		return fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
	}
	delete(fs.snapshots, id)
	return nil
}

// SnapshotList returns all recorded snapshots.
func (fs *FsCore) SnapshotList() []SnapshotInfo {
	fs.snapshotsMu.RLock()
	defer fs.snapshotsMu.RUnlock()

	out := make([]SnapshotInfo, 0, len(fs.snapshots))
	for _, rec := range fs.snapshots {
		out = append(out, SnapshotInfo{ID: rec.id, Name: rec.name, Root: rec.root})
	}
	return out
}

func (fs *FsCore) branchLimitReached() error {
	fs.branchesMu.RLock()
	defer fs.branchesMu.RUnlock()
	if uint32(len(fs.branches)) >= fs.cfg.Limits.MaxBranches {
		return fmt.Errorf("branch limit %d reached: %w", fs.cfg.Limits.MaxBranches, common.ErrNoSpace)
	}
	return nil
}

// BranchCreateFromSnapshot forks a writable branch off a snapshot. The
// subtree is cloned eagerly, so the branch and the snapshot's origin
// never share nodes.
func (fs *FsCore) BranchCreateFromSnapshot(snapID SnapshotID, name string) (id BranchID, err error) {
	defer recoverCorePanic("BranchCreateFromSnapshot", &err)
	log.Debugf("[VFS] BranchCreateFromSnapshot: snapshot=%s name=%q", snapID, name)

	if err := fs.branchLimitReached(); err != nil {
		return BranchID{}, err
	}

	fs.snapshotsMu.RLock()
	rec, ok := fs.snapshots[snapID]
	fs.snapshotsMu.RUnlock()
	if !ok {
		return BranchID{}, fmt.Errorf("snapshot %s: %w", snapID, common.ErrNotFound)
	}

	newRoot, err := fs.cloneTreeCoW(rec.root)
	if err != nil {
		return BranchID{}, err
	}

	id = NewBranchID()
	parent := snapID
	fs.branchesMu.Lock()
	fs.branches[id] = &branchRecord{id: id, name: name, root: newRoot, parentSnapshot: &parent}
	fs.branchesMu.Unlock()

	fs.emit(Event{Kind: EventBranchCreated, Branch: id, Name: name})
	return id, nil
}

// BranchCreateFromCurrent forks a branch off the live state of pid's
// branch without an intermediate snapshot.
func (fs *FsCore) BranchCreateFromCurrent(pid PID, name string) (id BranchID, err error) {
	defer recoverCorePanic("BranchCreateFromCurrent", &err)
	log.Debugf("[VFS] BranchCreateFromCurrent: pid=%d name=%q", pid, name)

	if err := fs.branchLimitReached(); err != nil {
		return BranchID{}, err
	}

	fs.nodesMu.RLock()
	root := fs.branchRoot(pid)
	fs.nodesMu.RUnlock()

	newRoot, err := fs.cloneTreeCoW(root)
	if err != nil {
		return BranchID{}, err
	}

	id = NewBranchID()
	fs.branchesMu.Lock()
	fs.branches[id] = &branchRecord{id: id, name: name, root: newRoot}
	fs.branchesMu.Unlock()
	return id, nil
}

// BranchList returns all branches, the default one included.
func (fs *FsCore) BranchList() []BranchInfo {
	fs.branchesMu.RLock()
	defer fs.branchesMu.RUnlock()

	out := make([]BranchInfo, 0, len(fs.branches))
	for _, rec := range fs.branches {
		info := BranchInfo{ID: rec.id, Name: rec.name, Root: rec.root}
		if rec.parentSnapshot != nil {
			parent := *rec.parentSnapshot
			info.ParentSnapshot = &parent
		}
		out = append(out, info)
	}
	return out
}
