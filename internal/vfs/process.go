package vfs

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// identity is the credential set of a registered process.
type identity struct {
	uid    uint32
	gid    uint32
	groups []uint32
}

func (id identity) hasGroup(gid uint32) bool {
	if id.gid == gid {
		return true
	}
	for _, g := range id.groups {
		if g == gid {
			return true
		}
	}
	return false
}

// RegisterProcess records a process with its credentials. Registering an
// already known pid refreshes the credentials; the branch binding is
// otherwise inherited from the nearest bound ancestor.
func (fs *FsCore) RegisterProcess(pid, parent PID, uid, gid uint32) {
	fs.procMu.Lock()
	defer fs.procMu.Unlock()

	if existing, ok := fs.procIdentity[pid]; ok {
		if existing.uid != uid || existing.gid != gid {
			fs.procIdentity[pid] = identity{uid: uid, gid: gid, groups: []uint32{gid}}
		}
		return
	}

	fs.procIdentity[pid] = identity{uid: uid, gid: gid, groups: []uint32{gid}}
	fs.procParent[pid] = parent
	if branch, ok := fs.findInheritedBranch(parent, pid); ok {
		fs.procBranch[pid] = branch
	}
	log.Debugf("[VFS] RegisterProcess: pid=%d parent=%d uid=%d gid=%d", pid, parent, uid, gid)
}

// findInheritedBranch walks the parent chain starting at pid for an
// explicit branch binding. Visited pids are tracked so a cycle anywhere
// in the ancestry terminates the walk. Caller holds procMu.
func (fs *FsCore) findInheritedBranch(pid, stop PID) (BranchID, bool) {
	seen := map[PID]struct{}{stop: {}}
	current := pid
	for {
		if _, looped := seen[current]; looped {
			return DefaultBranch, false
		}
		seen[current] = struct{}{}
		if branch, ok := fs.procBranch[current]; ok {
			return branch, true
		}
		parent, ok := fs.procParent[current]
		if !ok || parent == current {
			return DefaultBranch, false
		}
		current = parent
	}
}

// identityForProcess returns the registered credentials of pid.
func (fs *FsCore) identityForProcess(pid PID) (identity, bool) {
	fs.procMu.RLock()
	defer fs.procMu.RUnlock()
	id, ok := fs.procIdentity[pid]
	return id, ok
}

// branchForProcess returns the branch pid operates on.
func (fs *FsCore) branchForProcess(pid PID) BranchID {
	fs.procMu.RLock()
	defer fs.procMu.RUnlock()
	if branch, ok := fs.procBranch[pid]; ok {
		return branch
	}
	return DefaultBranch
}

// BindProcessToBranch pins pid (and its future descendants) to a branch.
func (fs *FsCore) BindProcessToBranch(branchID BranchID, pid PID) error {
	fs.branchesMu.RLock()
	_, ok := fs.branches[branchID]
	fs.branchesMu.RUnlock()
	if !ok {
		return fmt.Errorf("branch %s: %w", branchID, common.ErrNotFound)
	}

	fs.procMu.Lock()
	fs.procBranch[pid] = branchID
	fs.procMu.Unlock()
	log.Debugf("[VFS] BindProcessToBranch: pid=%d branch=%s", pid, branchID)
	return nil
}

// UnbindProcess removes the explicit branch binding of pid.
func (fs *FsCore) UnbindProcess(pid PID) {
	fs.procMu.Lock()
	delete(fs.procBranch, pid)
	fs.procMu.Unlock()
}
