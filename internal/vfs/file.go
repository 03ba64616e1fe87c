package vfs

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
	"branchfs/internal/storage"
)

// creatorIDs returns the uid/gid new nodes are owned by: the registered
// identity of pid, or the configured defaults.
func (fs *FsCore) creatorIDs(pid PID) (uint32, uint32) {
	if id, ok := fs.identityForProcess(pid); ok {
		return id.uid, id.gid
	}
	return fs.cfg.Security.DefaultUID, fs.cfg.Security.DefaultGID
}

// linkChild adds child to parent under name. Caller holds nodesMu.
func (fs *FsCore) linkChild(parent *node, name string, child *node) {
	parent.children[name] = child.id
	now := time.Now()
	parent.times.Mtime = now
	parent.times.Ctime = now
	if child.kind == ItemDirectory {
		parent.nlink++
	}
}

// unlinkChild removes child from parent. Caller holds nodesMu.
func (fs *FsCore) unlinkChild(parent *node, name string, child *node) {
	delete(parent.children, name)
	now := time.Now()
	parent.times.Mtime = now
	parent.times.Ctime = now
	if child.kind == ItemDirectory {
		parent.nlink--
	}
}

// Create makes a new file at path and returns an open handle to it.
func (fs *FsCore) Create(pid PID, path string, opts OpenOptions) (h HandleID, err error) {
	defer recoverCorePanic("Create", &err)
	log.Debugf("[VFS] Create: pid=%d path=%q", pid, path)

	name := common.BaseName(path)
	if name == "" {
		return 0, common.ErrInvalidArgument
	}

	// Validate before touching the backend so a failed create never
	// allocates a content unit. The checks rerun after the allocation
	// in case a concurrent create raced in between.
	checkTarget := func() (NodeID, error) {
		if _, _, rerr := fs.resolveLocked(pid, path); rerr == nil {
			return 0, fmt.Errorf("%s: %w", path, common.ErrAlreadyExists)
		}
		parentID, _, err := fs.resolveLocked(pid, common.ParentPath(path))
		if err != nil {
			return 0, err
		}
		parent, _ := fs.getNode(parentID)
		if parent.kind != ItemDirectory {
			return 0, common.ErrNotADirectory
		}
		if err := fs.checkDirEntryChange(parent, nil, pid); err != nil {
			return 0, err
		}
		if _, _, exists := fs.lookupChild(parent, name); exists {
			return 0, fmt.Errorf("%s: %w", path, common.ErrAlreadyExists)
		}
		return parentID, nil
	}

	fs.nodesMu.RLock()
	_, err = checkTarget()
	fs.nodesMu.RUnlock()
	if err != nil {
		return 0, err
	}

	content, err := fs.store.Allocate(nil)
	if err != nil {
		return 0, err
	}

	fs.nodesMu.Lock()
	parentID, err := checkTarget()
	if err != nil {
		fs.nodesMu.Unlock()
		return 0, err
	}
	parent, _ := fs.getNode(parentID)
	uid, gid := fs.creatorIDs(pid)
	n := newFileNode(fs.allocNodeID(), uid, gid, content)
	fs.nodes[n.id] = n
	fs.linkChild(parent, name, n)
	nodeID := n.id
	fs.nodesMu.Unlock()

	handlePath := "/" + common.NormalizePath(path)
	h, err = fs.handles.add(&openHandle{nodeID: nodeID, path: handlePath, kind: ItemFile, options: opts})
	if err != nil {
		return 0, err
	}
	fs.emit(Event{Kind: EventCreated, Path: handlePath})
	return h, nil
}

// Open opens an existing file. The handle's share modes constrain later
// opens of the same node.
func (fs *FsCore) Open(pid PID, path string, opts OpenOptions) (h HandleID, err error) {
	defer recoverCorePanic("Open", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Open %q → %v (%v)", path, err, time.Since(start)) }()
	}

	fs.nodesMu.RLock()
	id, _, rerr := fs.resolveLocked(pid, path)
	if rerr != nil {
		fs.nodesMu.RUnlock()
		// A file that exists only in the lower layer cannot back a
		// writable handle.
		if fs.lower != nil {
			if _, lerr := fs.lower.Stat(path); lerr == nil {
				return 0, fmt.Errorf("%s is lower-only: %w", path, common.ErrUnsupported)
			}
		}
		return 0, rerr
	}
	n, _ := fs.getNode(id)
	if n.kind == ItemDirectory {
		fs.nodesMu.RUnlock()
		return 0, common.ErrIsADirectory
	}
	if err := fs.checkAccess(n, pid, opts.Read, opts.Write, false); err != nil {
		fs.nodesMu.RUnlock()
		return 0, err
	}
	fs.nodesMu.RUnlock()

	if fs.handles.shareConflicts(id, opts) {
		return 0, fmt.Errorf("%s: %w", path, common.ErrAccessDenied)
	}
	return fs.handles.add(&openHandle{nodeID: id, path: "/" + common.NormalizePath(path), kind: ItemFile, options: opts})
}

// OpenByID opens a node directly, bypassing path resolution and
// permission checks. Share modes still apply.
func (fs *FsCore) OpenByID(pid PID, nodeID NodeID, opts OpenOptions) (h HandleID, err error) {
	defer recoverCorePanic("OpenByID", &err)

	fs.nodesMu.RLock()
	if _, ok := fs.getNode(nodeID); !ok {
		fs.nodesMu.RUnlock()
		return 0, common.ErrNotFound
	}
	path, found := fs.pathForNode(fs.branchRoot(pid), nodeID)
	fs.nodesMu.RUnlock()
	if !found {
		path = "/unknown"
	}

	if fs.handles.shareConflicts(nodeID, opts) {
		return 0, common.ErrAccessDenied
	}
	return fs.handles.add(&openHandle{nodeID: nodeID, path: path, kind: ItemFile, options: opts})
}

// Read copies file content at offset into buf.
func (fs *FsCore) Read(pid PID, h HandleID, offset uint64, buf []byte) (n int, err error) {
	defer recoverCorePanic("Read", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Read handle=%d → %d, %v (%v)", h, n, err, time.Since(start)) }()
	}

	nodeID, _, opts, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return 0, common.ErrBadDescriptor
	}
	if !opts.Read {
		return 0, common.ErrAccessDenied
	}

	fs.nodesMu.RLock()
	nd, found := fs.getNode(nodeID)
	if !found {
		fs.nodesMu.RUnlock()
		return 0, common.ErrNotFound
	}
	switch nd.kind {
	case ItemDirectory:
		fs.nodesMu.RUnlock()
		return 0, common.ErrIsADirectory
	case ItemSymlink:
		fs.nodesMu.RUnlock()
		return 0, common.ErrInvalidArgument
	}
	if err := fs.checkAccess(nd, pid, true, false, false); err != nil {
		fs.nodesMu.RUnlock()
		return 0, err
	}
	s, ok := nd.streams[opts.Stream]
	if !ok {
		fs.nodesMu.RUnlock()
		return 0, fmt.Errorf("stream %q: %w", opts.Stream, common.ErrNotFound)
	}
	content, size := s.content, s.size
	fs.nodesMu.RUnlock()

	if offset >= size {
		return 0, nil
	}
	if max := size - offset; uint64(len(buf)) > max {
		buf = buf[:max]
	}
	return fs.store.Read(content, offset, buf)
}

// Write stores data at offset. Content is cloned before every write so
// snapshots sharing the stream are never touched.
func (fs *FsCore) Write(pid PID, h HandleID, offset uint64, data []byte) (n int, err error) {
	defer recoverCorePanic("Write", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Write handle=%d → %d, %v (%v)", h, n, err, time.Since(start)) }()
	}

	nodeID, _, opts, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return 0, common.ErrBadDescriptor
	}
	if !opts.Write {
		return 0, common.ErrAccessDenied
	}

	fs.nodesMu.RLock()
	nd, found := fs.getNode(nodeID)
	if !found {
		fs.nodesMu.RUnlock()
		return 0, common.ErrNotFound
	}
	if nd.kind != ItemFile {
		fs.nodesMu.RUnlock()
		return 0, common.ErrInvalidArgument
	}
	if err := fs.checkAccess(nd, pid, false, true, false); err != nil {
		fs.nodesMu.RUnlock()
		return 0, err
	}
	var content storage.ContentID
	haveStream := false
	if s, ok := nd.streams[opts.Stream]; ok {
		content = s.content
		haveStream = true
	}
	var handlePath string
	if hdl, ok := fs.handles.get(h); ok {
		handlePath = hdl.path
	}
	fs.nodesMu.RUnlock()

	if !haveStream {
		content, err = fs.store.Allocate(nil)
		if err != nil {
			return 0, err
		}
	}
	cloned, err := fs.store.CloneCoW(content)
	if err != nil {
		return 0, err
	}
	written, err := fs.store.Write(cloned, offset, data)
	if err != nil {
		return 0, err
	}

	fs.nodesMu.Lock()
	nd, found = fs.getNode(nodeID)
	if !found {
		fs.nodesMu.Unlock()
		return 0, common.ErrNotFound
	}
	s, ok := nd.streams[opts.Stream]
	if !ok {
		s = &stream{}
		nd.streams[opts.Stream] = s
	}
	s.content = cloned
	if end := offset + uint64(written); end > s.size {
		s.size = end
	}
	now := time.Now()
	nd.times.Mtime = now
	nd.times.Ctime = now
	fs.nodesMu.Unlock()

	if written > 0 {
		fs.emit(Event{Kind: EventModified, Path: handlePath})
	}
	return written, nil
}

// Close releases a handle, dropping its byte-range locks. A node whose
// last link and last handle are both gone is purged.
func (fs *FsCore) Close(h HandleID) (err error) {
	defer recoverCorePanic("Close", &err)

	hdl, ok := fs.handles.remove(h)
	if !ok {
		return common.ErrInvalidArgument
	}
	fs.releaseLocksForHandle(h, hdl.nodeID)

	if hdl.deleted && !fs.handles.hasOpenForNode(hdl.nodeID) {
		fs.nodesMu.Lock()
		if n, found := fs.getNode(hdl.nodeID); found && n.nlink == 0 {
			delete(fs.nodes, hdl.nodeID)
		}
		fs.nodesMu.Unlock()
	}
	return nil
}

// Truncate resizes the default stream of the file behind h. Only
// shrinking is supported; growth must go through Write.
func (fs *FsCore) Truncate(h HandleID, length uint64) (err error) {
	defer recoverCorePanic("Truncate", &err)
	log.Debugf("[VFS] Truncate: handle=%d length=%d", h, length)

	nodeID, _, _, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return common.ErrInvalidArgument
	}

	fs.nodesMu.RLock()
	nd, found := fs.getNode(nodeID)
	if !found || nd.kind != ItemFile {
		fs.nodesMu.RUnlock()
		return common.ErrInvalidArgument
	}
	var content storage.ContentID
	var size uint64
	haveStream := false
	if s, ok := nd.streams[""]; ok {
		content, size, haveStream = s.content, s.size, true
	}
	var handlePath string
	if hdl, ok := fs.handles.get(h); ok {
		handlePath = hdl.path
	}
	fs.nodesMu.RUnlock()

	if haveStream {
		if length > size {
			return common.ErrUnsupported
		}
		if err := fs.store.Truncate(content, length); err != nil {
			return err
		}
	} else {
		content, err = fs.store.Allocate(make([]byte, length))
		if err != nil {
			return err
		}
	}

	fs.nodesMu.Lock()
	nd, found = fs.getNode(nodeID)
	if !found {
		fs.nodesMu.Unlock()
		return common.ErrNotFound
	}
	s, ok := nd.streams[""]
	if !ok {
		s = &stream{content: content}
		nd.streams[""] = s
	}
	s.size = length
	now := time.Now()
	nd.times.Mtime = now
	nd.times.Ctime = now
	fs.nodesMu.Unlock()

	fs.emit(Event{Kind: EventModified, Path: handlePath})
	return nil
}

// Unlink removes a file's directory entry. Open handles keep the node
// alive until the last one closes.
func (fs *FsCore) Unlink(pid PID, path string) (err error) {
	defer recoverCorePanic("Unlink", &err)
	log.Debugf("[VFS] Unlink: pid=%d path=%q", pid, path)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, ref, err := fs.resolveLocked(pid, path)
	if err != nil {
		return err
	}
	if ref == nil {
		return common.ErrInvalidArgument
	}
	nd, _ := fs.getNode(id)
	if nd.kind == ItemDirectory {
		return common.ErrIsADirectory
	}
	parent, ok := fs.getNode(ref.id)
	if !ok {
		return common.ErrNotFound
	}
	if err := fs.checkDirEntryChange(parent, nd, pid); err != nil {
		return err
	}

	hasOpen := fs.handles.markDeletedForNode(id)
	nd.nlink--
	nd.times.Ctime = time.Now()
	fs.unlinkChild(parent, ref.name, nd)
	if nd.nlink == 0 && !hasOpen {
		delete(fs.nodes, id)
	}
	fs.emit(Event{Kind: EventRemoved, Path: "/" + common.NormalizePath(path)})
	return nil
}

// Rename moves a node to a new parent/name, replacing a compatible
// destination.
func (fs *FsCore) Rename(pid PID, oldPath, newPath string) (err error) {
	defer recoverCorePanic("Rename", &err)
	log.Debugf("[VFS] Rename: pid=%d %q → %q", pid, oldPath, newPath)

	if common.NormalizePath(oldPath) == common.NormalizePath(newPath) {
		return nil
	}

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	srcID, srcRef, err := fs.resolveLocked(pid, oldPath)
	if err != nil {
		return err
	}
	if srcRef == nil {
		return common.ErrInvalidArgument
	}
	newName := common.BaseName(newPath)
	if newName == "" {
		return common.ErrInvalidName
	}
	dstParentID, _, err := fs.resolveLocked(pid, common.ParentPath(newPath))
	if err != nil {
		return err
	}
	dstParent, _ := fs.getNode(dstParentID)
	if dstParent.kind != ItemDirectory {
		return common.ErrNotADirectory
	}
	if dstParentID == srcRef.id && newName == srcRef.name {
		return nil
	}
	srcNode, _ := fs.getNode(srcID)
	if srcNode.kind == ItemDirectory && common.HasPrefixPath(newPath, oldPath) {
		return fmt.Errorf("cannot move a directory into itself: %w", common.ErrInvalidArgument)
	}

	var existing *node
	if existingID, storedName, found := fs.lookupChild(dstParent, newName); found {
		newName = storedName
		if existingID == srcID {
			return nil
		}
		existing, _ = fs.getNode(existingID)
		if srcNode.kind == ItemDirectory {
			if existing.kind != ItemDirectory {
				return common.ErrNotADirectory
			}
			if len(existing.children) > 0 {
				return common.ErrBusy
			}
		} else if existing.kind == ItemDirectory {
			return common.ErrIsADirectory
		}
	}

	srcParent, ok := fs.getNode(srcRef.id)
	if !ok {
		return common.ErrNotFound
	}
	if err := fs.checkDirEntryChange(srcParent, srcNode, pid); err != nil {
		return err
	}
	if dstParentID != srcRef.id {
		if err := fs.checkDirEntryChange(dstParent, existing, pid); err != nil {
			return err
		}
	}

	if existing != nil {
		if existing.kind == ItemDirectory {
			fs.unlinkChild(dstParent, newName, existing)
			delete(fs.nodes, existing.id)
		} else {
			hasOpen := fs.handles.markDeletedForNode(existing.id)
			existing.nlink--
			existing.times.Ctime = time.Now()
			fs.unlinkChild(dstParent, newName, existing)
			if existing.nlink == 0 && !hasOpen {
				delete(fs.nodes, existing.id)
			}
		}
	}

	fs.unlinkChild(srcParent, srcRef.name, srcNode)
	fs.linkChild(dstParent, newName, srcNode)
	srcNode.times.Ctime = time.Now()

	fs.emit(Event{
		Kind: EventRenamed,
		From: "/" + common.NormalizePath(oldPath),
		To:   "/" + common.NormalizePath(newPath),
	})
	return nil
}

// Link creates a second directory entry for an existing file.
func (fs *FsCore) Link(pid PID, oldPath, newPath string) (err error) {
	defer recoverCorePanic("Link", &err)
	log.Debugf("[VFS] Link: pid=%d %q → %q", pid, oldPath, newPath)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, _, err := fs.resolveLocked(pid, oldPath)
	if err != nil {
		return err
	}
	nd, _ := fs.getNode(id)
	if nd.kind == ItemDirectory {
		return common.ErrIsADirectory
	}
	if _, _, rerr := fs.resolveLocked(pid, newPath); rerr == nil {
		return fmt.Errorf("%s: %w", newPath, common.ErrAlreadyExists)
	}
	name := common.BaseName(newPath)
	if name == "" {
		return common.ErrInvalidName
	}
	parentID, _, err := fs.resolveLocked(pid, common.ParentPath(newPath))
	if err != nil {
		return err
	}
	parent, _ := fs.getNode(parentID)
	if parent.kind != ItemDirectory {
		return common.ErrNotADirectory
	}
	if err := fs.checkDirEntryChange(parent, nil, pid); err != nil {
		return err
	}
	if err := fs.checkAccess(nd, pid, true, false, false); err != nil {
		return err
	}

	fs.linkChild(parent, name, nd)
	nd.nlink++
	nd.times.Ctime = time.Now()
	fs.emit(Event{Kind: EventCreated, Path: "/" + common.NormalizePath(newPath)})
	return nil
}

// Symlink creates a symbolic link at linkPath pointing at target.
// Ownership stays at the configured defaults.
func (fs *FsCore) Symlink(pid PID, target, linkPath string) (err error) {
	defer recoverCorePanic("Symlink", &err)
	log.Debugf("[VFS] Symlink: pid=%d %q → %q", pid, linkPath, target)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	if _, _, rerr := fs.resolveLocked(pid, linkPath); rerr == nil {
		return fmt.Errorf("%s: %w", linkPath, common.ErrAlreadyExists)
	}
	name := common.BaseName(linkPath)
	if name == "" {
		return common.ErrInvalidName
	}
	parentID, _, err := fs.resolveLocked(pid, common.ParentPath(linkPath))
	if err != nil {
		return err
	}
	parent, _ := fs.getNode(parentID)
	if parent.kind != ItemDirectory {
		return common.ErrNotADirectory
	}
	if _, _, exists := fs.lookupChild(parent, name); exists {
		return common.ErrAlreadyExists
	}

	n := newSymlinkNode(fs.allocNodeID(), fs.cfg.Security.DefaultUID, fs.cfg.Security.DefaultGID, target)
	fs.nodes[n.id] = n
	fs.linkChild(parent, name, n)
	fs.emit(Event{Kind: EventCreated, Path: "/" + common.NormalizePath(linkPath)})
	return nil
}

// Readlink returns the target of a symlink.
func (fs *FsCore) Readlink(pid PID, path string) (target string, err error) {
	defer recoverCorePanic("Readlink", &err)

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return "", err
	}
	nd, _ := fs.getNode(id)
	if nd.kind != ItemSymlink {
		return "", common.ErrInvalidArgument
	}
	return nd.target, nil
}
