package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchfs/internal/common"
)

func TestResolveRoot(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	attr, err := core.GetAttr(1, "/")
	require.NoError(t, err)
	assert.Equal(t, ItemDirectory, attr.Type)

	// Dot components collapse to the root as well.
	attr, err = core.GetAttr(1, "/././.")
	require.NoError(t, err)
	assert.Equal(t, ItemDirectory, attr.Type)
}

func TestResolveDotComponentsDropped(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	require.NoError(t, core.Mkdir(1, "/docs", 0o755))
	h, err := core.Create(1, "/docs/f", rwShared())
	require.NoError(t, err)
	require.NoError(t, core.Close(h))

	_, err = core.GetAttr(1, "/./docs/./f")
	require.NoError(t, err)
	_, err = core.GetAttr(1, "docs///f")
	require.NoError(t, err)
}

func TestResolveDotDotDroppedNotResolved(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	require.NoError(t, core.Mkdir(1, "/a", 0o755))
	h, err := core.Create(1, "/b", rwShared())
	require.NoError(t, err)
	require.NoError(t, core.Close(h))

	// "/a/../b" does not walk back up to the root; the ".." vanishes
	// and the lookup becomes "/a/b", which does not exist.
	_, err = core.GetAttr(1, "/a/../b")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// "/b/.." degenerates to "/b" itself.
	attr, err := core.GetAttr(1, "/b/..")
	require.NoError(t, err)
	assert.Equal(t, ItemFile, attr.Type)
}

func TestResolveThroughFile(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	h, err := core.Create(1, "/f", rwShared())
	require.NoError(t, err)
	writeString(t, core, 1, h, 0, "content")
	require.NoError(t, core.Close(h))

	// A single trailing component after a file lands on the file itself.
	h2, err := core.Open(1, "/f/anything", OpenOptions{Read: true, Share: []ShareMode{ShareRead, ShareWrite}})
	require.NoError(t, err)
	assert.Equal(t, "content", readString(t, core, 1, h2, 0, 32))
	require.NoError(t, core.Close(h2))

	// Two or more components below a file cannot resolve.
	_, err = core.GetAttr(1, "/f/one/two")
	assert.ErrorIs(t, err, common.ErrNotADirectory)
}

func TestResolveDoesNotFollowSymlinks(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	require.NoError(t, core.Mkdir(1, "/real", 0o755))
	h, err := core.Create(1, "/real/f", rwShared())
	require.NoError(t, err)
	require.NoError(t, core.Close(h))
	require.NoError(t, core.Symlink(1, "/real", "/alias"))

	// The symlink itself resolves; paths through it do not.
	attr, err := core.GetAttr(1, "/alias")
	require.NoError(t, err)
	assert.Equal(t, ItemSymlink, attr.Type)
	_, err = core.GetAttr(1, "/alias/f/x")
	assert.ErrorIs(t, err, common.ErrNotADirectory)
}
