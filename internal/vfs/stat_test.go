package vfs

import (
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchfs/internal/common"
	"branchfs/internal/overlay"
	"branchfs/internal/storage"
)

func TestStatTranslation(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	h, err := core.Create(1, "/f", rwShared())
	require.NoError(t, err)
	writeString(t, core, 1, h, 0, make2K())
	require.NoError(t, core.Close(h))

	st, err := core.Stat(1, "/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Dev)
	assert.Equal(t, uint32(4096), st.Blksize)
	assert.Equal(t, uint64(2048), st.Size)
	assert.Equal(t, uint64(4), st.Blocks)
	assert.Equal(t, uint32(0o100644), st.Mode)
	assert.Zero(t, st.Mtime.Nanosecond())

	require.NoError(t, core.Mkdir(1, "/d", 0o755))
	st, err = core.Stat(1, "/d")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o040755), st.Mode)

	require.NoError(t, core.Symlink(1, "/f", "/ln"))
	st, err = core.Lstat(1, "/ln")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o120777), st.Mode)
}

func make2K() string {
	b := make([]byte, 2048)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestInodeNumbersStablePerPath(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	for _, path := range []string{"/one", "/two"} {
		h, err := core.Create(1, path, rwShared())
		require.NoError(t, err)
		require.NoError(t, core.Close(h))
	}

	a1, err := core.Stat(1, "/one")
	require.NoError(t, err)
	a2, err := core.Stat(1, "/one")
	require.NoError(t, err)
	b, err := core.Stat(1, "/two")
	require.NoError(t, err)

	assert.Equal(t, a1.Ino, a2.Ino)
	assert.NotEqual(t, a1.Ino, b.Ino)

	// Path spelling is normalized before hashing.
	a3, err := core.Stat(1, "//one/")
	require.NoError(t, err)
	assert.Equal(t, a1.Ino, a3.Ino)
}

func TestFStat(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	h, err := core.Create(1, "/f", rwShared())
	require.NoError(t, err)
	writeString(t, core, 1, h, 0, "abc")

	st, err := core.FStat(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Size)

	viaPath, err := core.Stat(1, "/f")
	require.NoError(t, err)
	assert.Equal(t, viaPath.Ino, st.Ino)

	require.NoError(t, core.Close(h))
	_, err = core.FStat(h)
	assert.ErrorIs(t, err, common.ErrBadDescriptor)
}

func TestStatFsConstants(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	sfs := core.StatFs()
	assert.Equal(t, uint32(4096), sfs.Bsize)
	assert.Equal(t, uint32(4096), sfs.Frsize)
	assert.Equal(t, uint64(1000000), sfs.Blocks)
	assert.Equal(t, uint64(500000), sfs.Bfree)
	assert.Equal(t, uint64(450000), sfs.Bavail)
	assert.Equal(t, uint64(100000), sfs.Files)
	assert.Equal(t, uint64(95000), sfs.Ffree)
	assert.Equal(t, uint64(90000), sfs.Favail)
	assert.Equal(t, uint64(0x12345678), sfs.Fsid)
	assert.Equal(t, uint32(255), sfs.Namemax)
}

func TestGetAttrLowerFallback(t *testing.T) {
	t.Parallel()

	mfs := memfs.New()
	require.NoError(t, billyutil.WriteFile(mfs, "/lower.txt", []byte("below"), 0o644))
	lower := overlay.NewBillyLower(mfs, nil, 0)

	cfg := testConfig()
	cfg.Security.DefaultUID = 500
	cfg.Security.DefaultGID = 500
	core := NewWithBackend(cfg, storage.NewMemoryBackend(0), lower)
	t.Cleanup(func() { _ = core.Shutdown() })

	attr, err := core.GetAttr(1, "/lower.txt")
	require.NoError(t, err)
	assert.Equal(t, ItemFile, attr.Type)
	assert.Equal(t, uint64(5), attr.Len)
	assert.Equal(t, uint32(500), attr.UID)

	// Opening a lower-only file is refused; the upper layer has no node
	// to back the handle.
	_, err = core.Open(1, "/lower.txt", OpenOptions{Read: true})
	assert.ErrorIs(t, err, common.ErrUnsupported)

	// An upper node with the same name wins.
	h, err := core.Create(1, "/lower.txt", rwShared())
	require.NoError(t, err)
	writeString(t, core, 1, h, 0, "upper now")
	require.NoError(t, core.Close(h))
	attr, err = core.GetAttr(1, "/lower.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), attr.Len)

	_, err = core.GetAttr(1, "/nowhere")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
