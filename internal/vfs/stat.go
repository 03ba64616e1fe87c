package vfs

import (
	"encoding/binary"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"branchfs/internal/common"
)

// File type bits folded into StatData.Mode.
const (
	statModeFile    = 0o100000
	statModeDir     = 0o040000
	statModeSymlink = 0o120000
)

// GetAttr returns a node's attributes, falling back to the lower layer
// when the path has no upper node and the overlay is enabled.
func (fs *FsCore) GetAttr(pid PID, path string) (attr Attributes, err error) {
	defer recoverCorePanic("GetAttr", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] GetAttr %q → %v (%v)", path, err, time.Since(start)) }()
	}

	fs.nodesMu.RLock()
	id, _, rerr := fs.resolveLocked(pid, path)
	if rerr == nil {
		nd, _ := fs.getNode(id)
		attr = nd.attributes()
		fs.nodesMu.RUnlock()
		return attr, nil
	}
	fs.nodesMu.RUnlock()

	if fs.lower != nil && errors.Is(rerr, common.ErrNotFound) {
		info, lerr := fs.lower.Stat(path)
		if lerr == nil {
			return fs.attributesFromLower(*info), nil
		}
	}
	return Attributes{}, rerr
}

// inoForPath derives a stable inode number from the path.
func inoForPath(path string) uint64 {
	sum := blake3.Sum256([]byte("/" + common.NormalizePath(path)))
	return binary.LittleEndian.Uint64(sum[:8])
}

// statFromAttributes shapes attributes into a stat(2)-like record. Dev
// is the constant 1 and the inode number is hashed from the path.
func statFromAttributes(path string, attr Attributes) StatData {
	mode := attr.Mode
	switch attr.Type {
	case ItemDirectory:
		mode |= statModeDir
	case ItemSymlink:
		mode |= statModeSymlink
	default:
		mode |= statModeFile
	}
	return StatData{
		Dev:       1,
		Ino:       inoForPath(path),
		Mode:      mode,
		Nlink:     attr.Nlink,
		UID:       attr.UID,
		GID:       attr.GID,
		Size:      attr.Len,
		Blksize:   4096,
		Blocks:    (attr.Len + 511) / 512,
		Atime:     attr.Times.Atime.Truncate(time.Second),
		Mtime:     attr.Times.Mtime.Truncate(time.Second),
		Ctime:     attr.Times.Ctime.Truncate(time.Second),
		Birthtime: attr.Times.Birthtime.Truncate(time.Second),
	}
}

// Stat resolves a path and returns its stat(2) translation.
func (fs *FsCore) Stat(pid PID, path string) (st StatData, err error) {
	defer recoverCorePanic("Stat", &err)

	attr, err := fs.GetAttr(pid, path)
	if err != nil {
		return StatData{}, err
	}
	return statFromAttributes(path, attr), nil
}

// Lstat is Stat; resolution never follows symlinks, so the two agree.
func (fs *FsCore) Lstat(pid PID, path string) (StatData, error) {
	return fs.Stat(pid, path)
}

// FStat returns the stat translation for an open handle, using the path
// the handle was opened with for the inode number.
func (fs *FsCore) FStat(h HandleID) (st StatData, err error) {
	defer recoverCorePanic("FStat", &err)

	hd, ok := fs.handles.get(h)
	if !ok {
		return StatData{}, common.ErrBadDescriptor
	}

	fs.nodesMu.RLock()
	defer fs.nodesMu.RUnlock()

	nd, ok := fs.getNode(hd.nodeID)
	if !ok {
		return StatData{}, common.ErrNotFound
	}
	return statFromAttributes(hd.path, nd.attributes()), nil
}

// StatFs reports fixed capacity figures; the backends have no real
// block geometry to expose.
func (fs *FsCore) StatFs() StatFsData {
	return StatFsData{
		Bsize:   4096,
		Frsize:  4096,
		Blocks:  1000000,
		Bfree:   500000,
		Bavail:  450000,
		Files:   100000,
		Ffree:   95000,
		Favail:  90000,
		Fsid:    0x12345678,
		Flag:    0,
		Namemax: 255,
	}
}
