package vfs

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
	"branchfs/internal/overlay"
	"branchfs/internal/storage"
)

// rawNameXattr stores the original byte name of an entry whose name was
// not valid UTF-8 and had to be percent-encoded.
const rawNameXattr = "user.branchfs.rawname"

// Mkdir creates a directory owned by the calling process.
func (fs *FsCore) Mkdir(pid PID, path string, mode uint32) (err error) {
	defer recoverCorePanic("Mkdir", &err)
	log.Debugf("[VFS] Mkdir: pid=%d path=%q mode=%o", pid, path, mode)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	if _, _, rerr := fs.resolveLocked(pid, path); rerr == nil {
		return fmt.Errorf("%s: %w", path, common.ErrAlreadyExists)
	}
	name := common.BaseName(path)
	if name == "" {
		return common.ErrInvalidArgument
	}
	parentID, _, err := fs.resolveLocked(pid, common.ParentPath(path))
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
	if _, _, exists := fs.lookupChild(parent, name); exists {
		return fmt.Errorf("%s: %w", path, common.ErrAlreadyExists)
	}

	uid, gid := fs.creatorIDs(pid)
	n := newDirNode(fs.allocNodeID(), uid, gid)
	n.mode = mode
	fs.nodes[n.id] = n
	fs.linkChild(parent, name, n)
	fs.emit(Event{Kind: EventCreated, Path: "/" + common.NormalizePath(path)})
	return nil
}

// Rmdir removes an empty directory.
func (fs *FsCore) Rmdir(pid PID, path string) (err error) {
	defer recoverCorePanic("Rmdir", &err)
	log.Debugf("[VFS] Rmdir: pid=%d path=%q", pid, path)

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
	if nd.kind != ItemDirectory {
		return common.ErrNotADirectory
	}
	if len(nd.children) > 0 {
		return fmt.Errorf("%s: %w", path, common.ErrBusy)
	}
	parent, ok := fs.getNode(ref.id)
	if !ok {
		return common.ErrNotFound
	}
	if err := fs.checkDirEntryChange(parent, nd, pid); err != nil {
		return err
	}

	fs.unlinkChild(parent, ref.name, nd)
	delete(fs.nodes, id)
	fs.emit(Event{Kind: EventRemoved, Path: "/" + common.NormalizePath(path)})
	return nil
}

// attributesFromLower translates a lower-layer stat into node attributes.
func (fs *FsCore) attributesFromLower(info overlay.Info) Attributes {
	attr := Attributes{
		Type:  ItemFile,
		Len:   info.Size,
		Mode:  uint32(info.Mode.Perm()),
		UID:   fs.cfg.Security.DefaultUID,
		GID:   fs.cfg.Security.DefaultGID,
		Nlink: 1,
		Times: FileTimes{Atime: info.ModTime, Mtime: info.ModTime, Ctime: info.ModTime, Birthtime: info.ModTime},
	}
	if info.IsDir {
		attr.Type = ItemDirectory
		attr.Nlink = 2
	} else if info.IsSymlink {
		attr.Type = ItemSymlink
	}
	return attr
}

// lowerEntriesFor fetches the lower layer's listing for path, translated
// to entries. Returns false when the overlay is disabled or the lower
// listing fails. No lock held.
func (fs *FsCore) lowerEntriesFor(path string) ([]DirEntryPlus, bool) {
	if fs.lower == nil {
		return nil, false
	}
	lowerEntries, err := fs.lower.ReadDir(path)
	if err != nil {
		return nil, false
	}
	entries := make([]DirEntryPlus, 0, len(lowerEntries))
	for _, le := range lowerEntries {
		entries = append(entries, DirEntryPlus{Name: le.Name, Attr: fs.attributesFromLower(le.Info)})
	}
	return entries, true
}

// readDirPlusLocked lists a directory with attributes, merging the
// pre-fetched lower entries (lower entries first, upper entries override
// same names). Caller holds nodesMu (read or write); lowerEntries comes
// from lowerEntriesFor, fetched before the lock was taken.
func (fs *FsCore) readDirPlusLocked(pid PID, path string, lowerEntries []DirEntryPlus, haveLower bool) ([]DirEntryPlus, error) {
	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		// No upper directory: fall through to a pure lower listing.
		if haveLower {
			entries := append([]DirEntryPlus(nil), lowerEntries...)
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
			return entries, nil
		}
		return nil, err
	}
	nd, _ := fs.getNode(id)
	switch nd.kind {
	case ItemFile, ItemSymlink:
		return nil, common.ErrNotADirectory
	}
	if err := fs.checkAccess(nd, pid, true, false, true); err != nil {
		return nil, err
	}

	merged := make(map[string]DirEntryPlus)
	for _, le := range lowerEntries {
		merged[le.Name] = le
	}
	for name, childID := range nd.children {
		child, ok := fs.getNode(childID)
		if !ok {
			continue
		}
		merged[name] = DirEntryPlus{Name: name, ID: childID, Attr: child.attributes()}
	}

	entries := make([]DirEntryPlus, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ReadDirPlus lists a directory with full attributes per entry.
func (fs *FsCore) ReadDirPlus(pid PID, path string) (entries []DirEntryPlus, err error) {
	defer recoverCorePanic("ReadDirPlus", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] ReadDirPlus %q → %d, %v (%v)", path, len(entries), err, time.Since(start)) }()
	}

	lowerEntries, haveLower := fs.lowerEntriesFor(path)

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()
	return fs.readDirPlusLocked(pid, path, lowerEntries, haveLower)
}

// ReadDirPlusRaw lists a directory with entry names as raw bytes,
// recovered from the rawname xattr for names that were percent-encoded.
// The permission bits in the returned attributes are synthesized, not
// the nodes' stored modes.
func (fs *FsCore) ReadDirPlusRaw(pid PID, path string) (entries []DirEntryRaw, err error) {
	defer recoverCorePanic("ReadDirPlusRaw", &err)

	lowerEntries, haveLower := fs.lowerEntriesFor(path)

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	plus, err := fs.readDirPlusLocked(pid, path, lowerEntries, haveLower)
	if err != nil {
		return nil, err
	}
	entries = make([]DirEntryRaw, 0, len(plus))
	for _, e := range plus {
		raw := []byte(e.Name)
		if nd, ok := fs.getNode(e.ID); ok {
			if stored, found := nd.xattrs[rawNameXattr]; found {
				raw = append([]byte(nil), stored...)
			}
		}
		attr := e.Attr
		if attr.Type == ItemDirectory {
			attr.Mode = 0o755
		} else {
			attr.Mode = 0o644
		}
		entries = append(entries, DirEntryRaw{RawName: raw, ID: e.ID, Attr: attr})
	}
	return entries, nil
}

// OpenDir opens a directory handle whose listing is captured at open
// time.
func (fs *FsCore) OpenDir(pid PID, path string) (h HandleID, err error) {
	defer recoverCorePanic("OpenDir", &err)

	lowerEntries, haveLower := fs.lowerEntriesFor(path)

	fs.nodesMu.RLock()
	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		fs.nodesMu.RUnlock()
		return 0, err
	}
	nd, _ := fs.getNode(id)
	if nd.kind != ItemDirectory {
		fs.nodesMu.RUnlock()
		return 0, common.ErrNotADirectory
	}
	if err := fs.checkAccess(nd, pid, true, false, false); err != nil {
		fs.nodesMu.RUnlock()
		return 0, err
	}
	entries, err := fs.readDirPlusLocked(pid, path, lowerEntries, haveLower)
	fs.nodesMu.RUnlock()
	if err != nil {
		return 0, err
	}

	return fs.handles.add(&openHandle{
		nodeID:  id,
		path:    "/" + common.NormalizePath(path),
		kind:    ItemDirectory,
		entries: entries,
	})
}

// ReadDirNext returns the next entry of a directory handle, or nil at
// the end.
func (fs *FsCore) ReadDirNext(h HandleID) (entry *DirEntryPlus, err error) {
	defer recoverCorePanic("ReadDirNext", &err)
	return fs.handles.nextDirEntry(h)
}

// CloseDir closes a directory handle.
func (fs *FsCore) CloseDir(h HandleID) (err error) {
	defer recoverCorePanic("CloseDir", &err)

	_, kind, _, ok := fs.handles.snapshotInfo(h)
	if !ok || kind != ItemDirectory {
		return common.ErrInvalidArgument
	}
	_, _ = fs.handles.remove(h)
	return nil
}

// percentEncodeName renders raw bytes as a safe entry name. ASCII
// alphanumerics plus '-', '_' and '.' pass through; everything else
// becomes %XX with uppercase hex.
func percentEncodeName(raw []byte) string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		safe := (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') ||
			b == '-' || b == '_' || b == '.'
		if safe {
			out = append(out, b)
		} else {
			out = append(out, '%', hexDigits[b>>4], hexDigits[b&0x0f])
		}
	}
	return string(out)
}

// CreateChildByID creates a file (itemType 0) or directory (itemType 1)
// directly under a parent node, accepting a raw byte name. Non-UTF-8
// names are percent-encoded and the original bytes kept in an xattr.
func (fs *FsCore) CreateChildByID(pid PID, parentID NodeID, nameBytes []byte, itemType uint8, mode uint32) (id NodeID, err error) {
	defer recoverCorePanic("CreateChildByID", &err)
	log.Debugf("[VFS] CreateChildByID: pid=%d parent=%d type=%d", pid, parentID, itemType)

	var name string
	encoded := false
	if utf8.Valid(nameBytes) {
		name = string(nameBytes)
	} else {
		name = percentEncodeName(nameBytes)
		encoded = true
	}
	if name == "" {
		return 0, common.ErrInvalidName
	}
	if itemType > 1 {
		return 0, common.ErrInvalidArgument
	}
	var content storage.ContentID
	if itemType == 0 {
		if content, err = fs.store.Allocate(nil); err != nil {
			return 0, err
		}
	}

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	parent, ok := fs.getNode(parentID)
	if !ok {
		return 0, common.ErrNotFound
	}
	if parent.kind != ItemDirectory {
		return 0, common.ErrNotADirectory
	}
	if _, _, exists := fs.lookupChild(parent, name); exists {
		return 0, fmt.Errorf("%s: %w", name, common.ErrAlreadyExists)
	}

	uid, gid := fs.creatorIDs(pid)
	var n *node
	if itemType == 0 {
		n = newFileNode(fs.allocNodeID(), uid, gid, content)
	} else {
		n = newDirNode(fs.allocNodeID(), uid, gid)
	}
	n.mode = mode
	if encoded {
		n.xattrs = map[string][]byte{rawNameXattr: append([]byte(nil), nameBytes...)}
	}
	fs.nodes[n.id] = n
	fs.linkChild(parent, name, n)
	fs.emit(Event{Kind: EventCreated, Path: "/" + name})
	return n.id, nil
}
