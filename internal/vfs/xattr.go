package vfs

import (
	"fmt"
	"sort"

	"branchfs/internal/common"
)

// XattrGet returns the value of an extended attribute.
func (fs *FsCore) XattrGet(pid PID, path, name string) (value []byte, err error) {
	defer recoverCorePanic("XattrGet", &err)

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return nil, err
	}
	nd, _ := fs.getNode(id)
	v, ok := nd.xattrs[name]
	if !ok {
		return nil, fmt.Errorf("xattr %q: %w", name, common.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// XattrSet stores an extended attribute.
func (fs *FsCore) XattrSet(pid PID, path, name string, value []byte) (err error) {
	defer recoverCorePanic("XattrSet", &err)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return err
	}
	nd, _ := fs.getNode(id)
	if nd.xattrs == nil {
		nd.xattrs = make(map[string][]byte)
	}
	nd.xattrs[name] = append([]byte(nil), value...)
	return nil
}

// XattrList returns all extended attribute names, sorted.
func (fs *FsCore) XattrList(pid PID, path string) (names []string, err error) {
	defer recoverCorePanic("XattrList", &err)

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return nil, err
	}
	nd, _ := fs.getNode(id)
	names = make([]string, 0, len(nd.xattrs))
	for name := range nd.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// XattrRemove deletes an extended attribute.
func (fs *FsCore) XattrRemove(pid PID, path, name string) (err error) {
	defer recoverCorePanic("XattrRemove", &err)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return err
	}
	nd, _ := fs.getNode(id)
	if _, ok := nd.xattrs[name]; !ok {
		return fmt.Errorf("xattr %q: %w", name, common.ErrNotFound)
	}
	delete(nd.xattrs, name)
	return nil
}

// LXattrGet is XattrGet; the core never follows symlinks during
// resolution, so the link-aware variants alias the plain ones.
func (fs *FsCore) LXattrGet(pid PID, path, name string) ([]byte, error) {
	return fs.XattrGet(pid, path, name)
}

// LXattrSet is XattrSet for symlinks.
func (fs *FsCore) LXattrSet(pid PID, path, name string, value []byte) error {
	return fs.XattrSet(pid, path, name, value)
}

// LXattrList is XattrList for symlinks.
func (fs *FsCore) LXattrList(pid PID, path string) ([]string, error) {
	return fs.XattrList(pid, path)
}

// LXattrRemove is XattrRemove for symlinks.
func (fs *FsCore) LXattrRemove(pid PID, path, name string) error {
	return fs.XattrRemove(pid, path, name)
}

// nodeForHandle maps a handle to its node id.
func (fs *FsCore) nodeForHandle(h HandleID) (NodeID, error) {
	nodeID, _, _, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return 0, common.ErrBadDescriptor
	}
	return nodeID, nil
}

// FXattrGet reads an extended attribute through a handle.
func (fs *FsCore) FXattrGet(h HandleID, name string) (value []byte, err error) {
	defer recoverCorePanic("FXattrGet", &err)

	nodeID, err := fs.nodeForHandle(h)
	if err != nil {
		return nil, err
	}

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	nd, ok := fs.getNode(nodeID)
	if !ok {
		return nil, common.ErrNotFound
	}
	v, ok := nd.xattrs[name]
	if !ok {
		return nil, fmt.Errorf("xattr %q: %w", name, common.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// FXattrSet writes an extended attribute through a handle.
func (fs *FsCore) FXattrSet(h HandleID, name string, value []byte) (err error) {
	defer recoverCorePanic("FXattrSet", &err)

	nodeID, err := fs.nodeForHandle(h)
	if err != nil {
		return err
	}

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	nd, ok := fs.getNode(nodeID)
	if !ok {
		return common.ErrNotFound
	}
	if nd.xattrs == nil {
		nd.xattrs = make(map[string][]byte)
	}
	nd.xattrs[name] = append([]byte(nil), value...)
	return nil
}

// FXattrList lists extended attributes through a handle.
func (fs *FsCore) FXattrList(h HandleID) (names []string, err error) {
	defer recoverCorePanic("FXattrList", &err)

	nodeID, err := fs.nodeForHandle(h)
	if err != nil {
		return nil, err
	}

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	nd, ok := fs.getNode(nodeID)
	if !ok {
		return nil, common.ErrNotFound
	}
	names = make([]string, 0, len(nd.xattrs))
	for name := range nd.xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FXattrRemove deletes an extended attribute through a handle.
func (fs *FsCore) FXattrRemove(h HandleID, name string) (err error) {
	defer recoverCorePanic("FXattrRemove", &err)

	nodeID, err := fs.nodeForHandle(h)
	if err != nil {
		return err
	}

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	nd, ok := fs.getNode(nodeID)
	if !ok {
		return common.ErrNotFound
	}
	if _, found := nd.xattrs[name]; !found {
		return fmt.Errorf("xattr %q: %w", name, common.ErrNotFound)
	}
	delete(nd.xattrs, name)
	return nil
}

// StreamsList returns the named alternate data streams of a file. The
// default stream is not listed.
func (fs *FsCore) StreamsList(pid PID, path string) (streams []StreamInfo, err error) {
	defer recoverCorePanic("StreamsList", &err)

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return nil, err
	}
	nd, _ := fs.getNode(id)
	switch nd.kind {
	case ItemDirectory:
		return nil, common.ErrIsADirectory
	case ItemSymlink:
		return nil, common.ErrInvalidArgument
	}
	for name, s := range nd.streams {
		if name == "" {
			continue
		}
		streams = append(streams, StreamInfo{Name: name, Size: s.size})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })
	return streams, nil
}
