package vfs

import (
	"time"

	"branchfs/internal/storage"
)

// stream is one data stream of a file node. The default stream is keyed
// by "".
type stream struct {
	content storage.ContentID
	size    uint64
}

// node is one entry in the node graph. Exactly one of streams, children
// or target is populated depending on kind.
type node struct {
	id    NodeID
	kind  ItemType
	mode  uint32
	uid   uint32
	gid   uint32
	nlink uint32
	times FileTimes

	xattrs map[string][]byte

	streams  map[string]*stream
	children map[string]NodeID
	target   string
}

func nowTimes() FileTimes {
	now := time.Now()
	return FileTimes{Atime: now, Mtime: now, Ctime: now, Birthtime: now}
}

func newFileNode(id NodeID, uid, gid uint32, content storage.ContentID) *node {
	return &node{
		id:      id,
		kind:    ItemFile,
		mode:    0o644,
		uid:     uid,
		gid:     gid,
		nlink:   1,
		times:   nowTimes(),
		streams: map[string]*stream{"": {content: content}},
	}
}

func newDirNode(id NodeID, uid, gid uint32) *node {
	return &node{
		id:       id,
		kind:     ItemDirectory,
		mode:     0o755,
		uid:      uid,
		gid:      gid,
		nlink:    2,
		times:    nowTimes(),
		children: make(map[string]NodeID),
	}
}

func newSymlinkNode(id NodeID, uid, gid uint32, target string) *node {
	return &node{
		id:     id,
		kind:   ItemSymlink,
		mode:   0o777,
		uid:    uid,
		gid:    gid,
		nlink:  1,
		times:  nowTimes(),
		target: target,
	}
}

// defaultStreamSize returns the size of the default stream (0 if absent).
func (n *node) defaultStreamSize() uint64 {
	if s, ok := n.streams[""]; ok {
		return s.size
	}
	return 0
}

// attributes builds the metadata view of the node. Symlink length is the
// target length, matching lstat semantics.
func (n *node) attributes() Attributes {
	attr := Attributes{
		Type:  n.kind,
		Mode:  n.mode,
		UID:   n.uid,
		GID:   n.gid,
		Nlink: n.nlink,
		Times: n.times,
	}
	switch n.kind {
	case ItemFile:
		attr.Len = n.defaultStreamSize()
	case ItemSymlink:
		attr.Len = uint64(len(n.target))
	}
	return attr
}
