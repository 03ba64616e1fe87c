package vfs

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// SetMode changes a node's permission bits. With enforcement enabled
// only the owner or root may do so.
func (fs *FsCore) SetMode(pid PID, path string, mode uint32) (err error) {
	defer recoverCorePanic("SetMode", &err)
	log.Debugf("[VFS] SetMode: pid=%d path=%q mode=%o", pid, path, mode)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return err
	}
	nd, _ := fs.getNode(id)
	if fs.cfg.Security.EnforcePosixPermissions {
		ident, ok := fs.identityForProcess(pid)
		if !ok || (ident.uid != 0 && ident.uid != nd.uid) {
			return fmt.Errorf("chmod %s: %w", path, common.ErrAccessDenied)
		}
	}
	nd.mode = mode
	nd.times.Ctime = time.Now()
	fs.emit(Event{Kind: EventModified, Path: "/" + common.NormalizePath(path)})
	return nil
}

// SetOwner changes a node's uid/gid. A uid change requires root; a gid
// change requires root, or ownership plus membership in the target
// group. Any change clears the setuid/setgid bits.
func (fs *FsCore) SetOwner(pid PID, path string, uid, gid uint32) (err error) {
	defer recoverCorePanic("SetOwner", &err)
	log.Debugf("[VFS] SetOwner: pid=%d path=%q uid=%d gid=%d", pid, path, uid, gid)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return err
	}
	nd, _ := fs.getNode(id)
	if fs.cfg.Security.EnforcePosixPermissions {
		ident, ok := fs.identityForProcess(pid)
		if !ok {
			return common.ErrAccessDenied
		}
		if uid != nd.uid && ident.uid != 0 {
			return fmt.Errorf("chown %s: %w", path, common.ErrAccessDenied)
		}
		if gid != nd.gid && ident.uid != 0 && !(ident.uid == nd.uid && ident.hasGroup(gid)) {
			return fmt.Errorf("chown %s: %w", path, common.ErrAccessDenied)
		}
	}
	nd.uid = uid
	nd.gid = gid
	nd.mode &^= 0o6000
	nd.times.Ctime = time.Now()
	return nil
}

// FChown changes ownership through a handle. Unlike the path variant it
// is root-only and leaves the setuid/setgid bits alone.
func (fs *FsCore) FChown(pid PID, h HandleID, uid, gid uint32) (err error) {
	defer recoverCorePanic("FChown", &err)

	nodeID, _, _, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return common.ErrBadDescriptor
	}

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	nd, found := fs.getNode(nodeID)
	if !found {
		return common.ErrNotFound
	}
	if fs.cfg.Security.EnforcePosixPermissions && (uid != nd.uid || gid != nd.gid) {
		ident, ok := fs.identityForProcess(pid)
		if !ok || ident.uid != 0 {
			return common.ErrAccessDenied
		}
	}
	nd.uid = uid
	nd.gid = gid
	nd.times.Ctime = time.Now()
	return nil
}

// SetTimes replaces all four node timestamps.
func (fs *FsCore) SetTimes(pid PID, path string, times FileTimes) (err error) {
	defer recoverCorePanic("SetTimes", &err)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return err
	}
	nd, _ := fs.getNode(id)
	nd.times = times
	return nil
}

// UTimens sets atime/mtime utimensat-style: nil pointers for both mean
// "now" for every timestamp; otherwise the given values are applied and
// ctime/birthtime are refreshed.
func (fs *FsCore) UTimens(pid PID, path string, atime, mtime *time.Time) (err error) {
	defer recoverCorePanic("UTimens", &err)

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	id, _, err := fs.resolveLocked(pid, path)
	if err != nil {
		return err
	}
	nd, _ := fs.getNode(id)
	applyUTimens(nd, atime, mtime)
	return nil
}

// FUTimens is UTimens through a handle.
func (fs *FsCore) FUTimens(h HandleID, atime, mtime *time.Time) (err error) {
	defer recoverCorePanic("FUTimens", &err)

	nodeID, _, _, ok := fs.handles.snapshotInfo(h)
	if !ok {
		return common.ErrBadDescriptor
	}

	fs.nodesMu.Lock()
	defer fs.nodesMu.Unlock()

	nd, found := fs.getNode(nodeID)
	if !found {
		return common.ErrNotFound
	}
	applyUTimens(nd, atime, mtime)
	return nil
}

func applyUTimens(nd *node, atime, mtime *time.Time) {
	now := time.Now()
	if atime == nil && mtime == nil {
		nd.times = FileTimes{Atime: now, Mtime: now, Ctime: now, Birthtime: now}
		return
	}
	if atime != nil {
		nd.times.Atime = *atime
	}
	if mtime != nil {
		nd.times.Mtime = *mtime
	}
	nd.times.Ctime = now
	nd.times.Birthtime = now
}
