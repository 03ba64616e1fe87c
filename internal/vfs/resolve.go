package vfs

import (
	"fmt"
	"strings"

	"branchfs/internal/common"
	"branchfs/internal/config"
)

// parentRef locates a node within its parent directory.
type parentRef struct {
	id   NodeID
	name string
}

// branchRoot returns the root node of the branch pid operates on.
func (fs *FsCore) branchRoot(pid PID) NodeID {
	branch := fs.branchForProcess(pid)
	fs.branchesMu.RLock()
	defer fs.branchesMu.RUnlock()
	if rec, ok := fs.branches[branch]; ok {
		return rec.root
	}
	return fs.branches[DefaultBranch].root
}

// lookupChild finds name in a directory's children, honoring the
// configured case sensitivity. The stored name is returned so callers
// in insensitive-preserving mode see the original spelling.
// Caller holds nodesMu.
func (fs *FsCore) lookupChild(dir *node, name string) (NodeID, string, bool) {
	if id, ok := dir.children[name]; ok {
		return id, name, true
	}
	if fs.cfg.CaseSensitivity == config.CaseInsensitivePreserving {
		for stored, id := range dir.children {
			if strings.EqualFold(stored, name) {
				return id, stored, true
			}
		}
	}
	return 0, "", false
}

// resolveLocked walks path on pid's branch. "." and ".." components are
// silently skipped, never resolved. The root resolves to itself with a
// nil parent ref. When the walk lands on a file or symlink that still
// has one component to consume, the node's own id doubles as the parent
// id in the returned ref.
//
// Traversal requires search permission on every directory crossed.
// Caller holds nodesMu.
func (fs *FsCore) resolveLocked(pid PID, path string) (NodeID, *parentRef, error) {
	current := fs.branchRoot(pid)
	parts := common.Components(path)
	if len(parts) == 0 {
		return current, nil, nil
	}

	for i, name := range parts {
		n, ok := fs.getNode(current)
		if !ok {
			return 0, nil, common.ErrNotFound
		}
		switch n.kind {
		case ItemDirectory:
			if err := fs.checkAccess(n, pid, false, false, true); err != nil {
				return 0, nil, err
			}
			child, stored, ok := fs.lookupChild(n, name)
			if !ok {
				return 0, nil, fmt.Errorf("%s: %w", path, common.ErrNotFound)
			}
			if i == len(parts)-1 {
				return child, &parentRef{id: current, name: stored}, nil
			}
			current = child
		default:
			if i == len(parts)-1 {
				return current, &parentRef{id: current, name: name}, nil
			}
			return 0, nil, fmt.Errorf("%s: %w", path, common.ErrNotADirectory)
		}
	}
	// Unreachable: the loop always returns on the last component.
	return current, nil, nil
}
