package vfs

import (
	"fmt"

	"branchfs/internal/common"
)

// checkAccess verifies the requested access classes against the node's
// permission triads. With enforcement disabled everything is allowed;
// with it enabled, only registered processes can pass.
//
// Caller holds nodesMu (read or write).
func (fs *FsCore) checkAccess(n *node, pid PID, read, write, exec bool) error {
	if !fs.cfg.Security.EnforcePosixPermissions {
		return nil
	}
	id, ok := fs.identityForProcess(pid)
	if !ok {
		return fmt.Errorf("process %d not registered: %w", pid, common.ErrAccessDenied)
	}
	if fs.cfg.Security.RootBypass() && id.uid == 0 {
		return nil
	}

	check := func(ownerBit, groupBit, otherBit uint32) bool {
		switch {
		case id.uid == n.uid:
			return n.mode&ownerBit != 0
		case id.hasGroup(n.gid):
			return n.mode&groupBit != 0
		default:
			return n.mode&otherBit != 0
		}
	}

	if read && !check(0o400, 0o040, 0o004) {
		return common.ErrAccessDenied
	}
	if write && !check(0o200, 0o020, 0o002) {
		return common.ErrAccessDenied
	}
	if exec && !check(0o100, 0o010, 0o001) {
		return common.ErrAccessDenied
	}
	return nil
}

// checkDirEntryChange verifies that pid may add or remove an entry in
// dir: write+search on the directory, plus the sticky-bit rule when a
// child is being removed or replaced.
//
// Caller holds nodesMu.
func (fs *FsCore) checkDirEntryChange(dir, child *node, pid PID) error {
	if err := fs.checkAccess(dir, pid, false, true, true); err != nil {
		return err
	}
	if child == nil || !fs.cfg.Security.EnforcePosixPermissions {
		return nil
	}
	if dir.mode&0o1000 == 0 {
		return nil
	}
	id, ok := fs.identityForProcess(pid)
	if !ok {
		return common.ErrAccessDenied
	}
	if id.uid != 0 && id.uid != dir.uid && id.uid != child.uid {
		return fmt.Errorf("sticky directory: %w", common.ErrAccessDenied)
	}
	return nil
}
