package vfs

import (
	"time"

	"github.com/google/uuid"
)

// NodeID identifies a node in the graph.
type NodeID uint64

// HandleID identifies an open file or directory handle.
type HandleID uint64

// PID is an externally supplied process identifier.
type PID uint32

// SubscriptionID identifies an event subscription.
type SubscriptionID uint64

// SnapshotID is an opaque 16-byte snapshot identifier.
type SnapshotID uuid.UUID

// BranchID is an opaque 16-byte branch identifier.
type BranchID uuid.UUID

// DefaultBranch is the all-zero id of the branch every process starts on.
var DefaultBranch = BranchID(uuid.Nil)

func (id SnapshotID) String() string { return uuid.UUID(id).String() }
func (id BranchID) String() string   { return uuid.UUID(id).String() }

// NewSnapshotID generates a fresh snapshot id.
func NewSnapshotID() SnapshotID { return SnapshotID(uuid.New()) }

// NewBranchID generates a fresh branch id.
func NewBranchID() BranchID { return BranchID(uuid.New()) }

// ItemType distinguishes node kinds.
type ItemType uint8

const (
	ItemFile ItemType = iota
	ItemDirectory
	ItemSymlink
)

func (t ItemType) String() string {
	switch t {
	case ItemFile:
		return "file"
	case ItemDirectory:
		return "directory"
	case ItemSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// ShareMode declares what concurrently open handles are allowed to do
// with the same file.
type ShareMode uint8

const (
	ShareRead ShareMode = iota
	ShareWrite
	ShareDelete
)

// OpenOptions controls Open/Create behavior and the resulting handle.
type OpenOptions struct {
	Read  bool
	Write bool
	// Share lists the access other handles may hold concurrently.
	Share []ShareMode
	// Stream selects an alternate data stream; "" is the default stream.
	Stream string
}

// SharesWith reports whether the options grant mode to other handles.
func (o OpenOptions) SharesWith(mode ShareMode) bool {
	for _, m := range o.Share {
		if m == mode {
			return true
		}
	}
	return false
}

// LockKind is the byte-range lock flavor.
type LockKind uint8

const (
	LockShared LockKind = iota
	LockExclusive
)

// LockRange is one byte-range lock request.
type LockRange struct {
	Offset uint64
	Len    uint64
	Kind   LockKind
}

// FileTimes carries the four node timestamps.
type FileTimes struct {
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Birthtime time.Time
}

// Attributes is the metadata view of a node.
type Attributes struct {
	Type  ItemType
	Len   uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32
	Times FileTimes
}

// DirEntryPlus is one directory entry with full attributes.
type DirEntryPlus struct {
	Name string
	ID   NodeID
	Attr Attributes
}

// DirEntryRaw is a directory entry whose name is raw bytes. Attributes
// carry synthesized permission modes, not the node's stored mode.
type DirEntryRaw struct {
	RawName []byte
	ID      NodeID
	Attr    Attributes
}

// StreamInfo describes one named alternate data stream.
type StreamInfo struct {
	Name string
	Size uint64
}

// StatData is the stat(2)-shaped translation of node attributes.
type StatData struct {
	Dev       uint64
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      uint64
	Blksize   uint32
	Blocks    uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Birthtime time.Time
}

// StatFsData is the statfs(2)-shaped filesystem summary.
type StatFsData struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Favail  uint64
	Fsid    uint64
	Flag    uint64
	Namemax uint32
}

// EventKind enumerates emitted filesystem events.
type EventKind uint8

const (
	EventCreated EventKind = iota
	EventRemoved
	EventRenamed
	EventModified
	EventSnapshotCreated
	EventBranchCreated
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventRenamed:
		return "renamed"
	case EventModified:
		return "modified"
	case EventSnapshotCreated:
		return "snapshot-created"
	case EventBranchCreated:
		return "branch-created"
	default:
		return "unknown"
	}
}

// Event is one filesystem change notification.
type Event struct {
	Kind EventKind

	// Path is set for Created/Removed/Modified; From/To for Renamed.
	Path string
	From string
	To   string

	// Snapshot/Branch and Name are set for the lifecycle events.
	Snapshot SnapshotID
	Branch   BranchID
	Name     string
}

// EventSink receives events synchronously on the mutating goroutine.
type EventSink func(Event)

// SnapshotInfo describes one recorded snapshot.
type SnapshotInfo struct {
	ID   SnapshotID
	Name string
	Root NodeID
}

// BranchInfo describes one branch.
type BranchInfo struct {
	ID             BranchID
	Name           string
	Root           NodeID
	ParentSnapshot *SnapshotID
}

// FsStats summarizes a core instance.
type FsStats struct {
	Branches      int
	Snapshots     int
	OpenHandles   int
	BytesInMemory uint64
	BytesSpilled  uint64
}
