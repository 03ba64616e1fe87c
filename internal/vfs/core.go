package vfs

import (
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
	"branchfs/internal/config"
	"branchfs/internal/overlay"
	"branchfs/internal/storage"
)

// lowerStatCacheTTL caps staleness of lower-layer stat results.
// 30ms captures getattr bursts while keeping lower-file freshness under 50ms.
const lowerStatCacheTTL = 30 * time.Millisecond

type branchRecord struct {
	id             BranchID
	name           string
	root           NodeID
	parentSnapshot *SnapshotID
}

type snapshotRecord struct {
	id   SnapshotID
	name string
	root NodeID
}

// FsCore is the in-process filesystem: a node graph with copy-on-write
// branches, POSIX-checked path resolution, handles, byte-range locks and
// an optional read-only lower layer.
//
// Each table has its own lock. No lock is held across a storage backend
// or lower-layer call: operations stage those calls before or after the
// nodesMu critical section.
type FsCore struct {
	cfg   *config.FsConfig
	store storage.Backend
	lower overlay.LowerFS // nil unless the overlay is enabled

	nodesMu    sync.RWMutex
	nodes      map[NodeID]*node
	nextNodeID NodeID

	branchesMu sync.RWMutex
	branches   map[BranchID]*branchRecord

	snapshotsMu sync.RWMutex
	snapshots   map[SnapshotID]*snapshotRecord

	procMu       sync.RWMutex
	procIdentity map[PID]identity
	procParent   map[PID]PID
	procBranch   map[PID]BranchID

	handles *handleTable

	locksMu sync.Mutex
	locks   map[NodeID][]lockEntry

	subsMu  sync.RWMutex
	subs    map[SubscriptionID]EventSink
	nextSub SubscriptionID
}

// New creates a core from cfg, opening the configured storage backend
// and lower layer.
func New(cfg *config.FsConfig) (*FsCore, error) {
	backend, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	var lower overlay.LowerFS
	if cfg.Overlay.Enabled {
		lower = overlay.NewFromRoot(cfg.Overlay.LowerRoot, cfg.Overlay.Exclude, lowerStatCacheTTL)
	}
	return NewWithBackend(cfg, backend, lower), nil
}

// NewWithBackend creates a core over an existing backend and lower layer
// (lower may be nil).
func NewWithBackend(cfg *config.FsConfig, backend storage.Backend, lower overlay.LowerFS) *FsCore {
	fs := &FsCore{
		cfg:          cfg,
		store:        backend,
		lower:        lower,
		nodes:        make(map[NodeID]*node),
		nextNodeID:   1,
		branches:     make(map[BranchID]*branchRecord),
		snapshots:    make(map[SnapshotID]*snapshotRecord),
		procIdentity: make(map[PID]identity),
		procParent:   make(map[PID]PID),
		procBranch:   make(map[PID]BranchID),
		handles:      newHandleTable(cfg.Limits.MaxOpenHandles),
		locks:        make(map[NodeID][]lockEntry),
		subs:         make(map[SubscriptionID]EventSink),
	}
	fs.createRootDirectory()
	return fs
}

// createRootDirectory seeds the default branch with an empty root.
func (fs *FsCore) createRootDirectory() {
	root := newDirNode(fs.nextNodeID, fs.cfg.Security.DefaultUID, fs.cfg.Security.DefaultGID)
	fs.nextNodeID++
	fs.nodes[root.id] = root
	fs.branches[DefaultBranch] = &branchRecord{
		id:   DefaultBranch,
		name: "default",
		root: root.id,
	}
	log.Debugf("[VFS] created default branch, root node %d", root.id)
}

// Shutdown releases the storage backend.
func (fs *FsCore) Shutdown() error {
	return fs.store.Close()
}

// allocNodeID reserves the next node id. Caller holds nodesMu.
func (fs *FsCore) allocNodeID() NodeID {
	id := fs.nextNodeID
	fs.nextNodeID++
	return id
}

// getNode looks a node up. Caller holds nodesMu (read or write).
func (fs *FsCore) getNode(id NodeID) (*node, bool) {
	n, ok := fs.nodes[id]
	return n, ok
}

// recoverCorePanic converts a panic in a core operation into ErrIO.
func recoverCorePanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = common.ErrIO
		}
	}
}

// pathForNode finds one path from the branch root to target, depth-first.
func (fs *FsCore) pathForNode(root, target NodeID) (string, bool) {
	if root == target {
		return "/", true
	}
	n, ok := fs.getNode(root)
	if !ok || n.kind != ItemDirectory {
		return "", false
	}
	for name, childID := range n.children {
		if childID == target {
			return "/" + name, true
		}
		if sub, found := fs.pathForNode(childID, target); found {
			return "/" + name + sub, true
		}
	}
	return "", false
}

// Stats returns table sizes and backend usage.
func (fs *FsCore) Stats() FsStats {
	fs.branchesMu.RLock()
	branches := len(fs.branches)
	fs.branchesMu.RUnlock()

	fs.snapshotsMu.RLock()
	snapshots := len(fs.snapshots)
	fs.snapshotsMu.RUnlock()

	stats := FsStats{
		Branches:    branches,
		Snapshots:   snapshots,
		OpenHandles: fs.handles.count(),
	}
	stored := fs.store.BytesStored()
	if _, inMemory := fs.store.(*storage.MemoryBackend); inMemory {
		stats.BytesInMemory = stored
	} else {
		stats.BytesSpilled = stored
	}
	return stats
}
