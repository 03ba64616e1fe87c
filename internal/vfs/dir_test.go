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

func TestMkdirRmdir(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	require.NoError(t, core.Mkdir(1, "/d", 0o750))
	attr, err := core.GetAttr(1, "/d")
	require.NoError(t, err)
	assert.Equal(t, ItemDirectory, attr.Type)
	assert.Equal(t, uint32(0o750), attr.Mode)
	assert.Equal(t, uint32(2), attr.Nlink)

	assert.ErrorIs(t, core.Mkdir(1, "/d", 0o755), common.ErrAlreadyExists)

	h, err := core.Create(1, "/d/inner", rwShared())
	require.NoError(t, err)
	require.NoError(t, core.Close(h))
	assert.ErrorIs(t, core.Rmdir(1, "/d"), common.ErrBusy)

	require.NoError(t, core.Unlink(1, "/d/inner"))
	require.NoError(t, core.Rmdir(1, "/d"))
	_, err = core.GetAttr(1, "/d")
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, core.Rmdir(1, "/"), common.ErrInvalidArgument)

	h, err = core.Create(1, "/file", rwShared())
	require.NoError(t, err)
	require.NoError(t, core.Close(h))
	assert.ErrorIs(t, core.Rmdir(1, "/file"), common.ErrNotADirectory)
}

func TestNestedDirectoryNlink(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	require.NoError(t, core.Mkdir(1, "/parent", 0o755))
	require.NoError(t, core.Mkdir(1, "/parent/child", 0o755))

	attr, err := core.GetAttr(1, "/parent")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), attr.Nlink)

	require.NoError(t, core.Rmdir(1, "/parent/child"))
	attr, err = core.GetAttr(1, "/parent")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), attr.Nlink)
}

func TestReadDirPlusSorted(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	for _, name := range []string{"/zeta", "/alpha", "/mid"} {
		h, err := core.Create(1, name, rwShared())
		require.NoError(t, err)
		require.NoError(t, core.Close(h))
	}
	require.NoError(t, core.Mkdir(1, "/beta", 0o755))

	entries, err := core.ReadDirPlus(1, "/")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"alpha", "beta", "mid", "zeta"}, names)

	_, err = core.ReadDirPlus(1, "/alpha")
	assert.ErrorIs(t, err, common.ErrNotADirectory)
}

func TestReadDirMergesLowerLayer(t *testing.T) {
	t.Parallel()

	mfs := memfs.New()
	require.NoError(t, billyutil.WriteFile(mfs, "/shared.txt", []byte("lower version"), 0o644))
	require.NoError(t, billyutil.WriteFile(mfs, "/lower-only.txt", []byte("below"), 0o644))
	lower := overlay.NewBillyLower(mfs, nil, 0)

	core := NewWithBackend(testConfig(), storage.NewMemoryBackend(0), lower)
	t.Cleanup(func() { _ = core.Shutdown() })

	h, err := core.Create(1, "/shared.txt", rwShared())
	require.NoError(t, err)
	writeString(t, core, 1, h, 0, "upper")
	require.NoError(t, core.Close(h))
	h, err = core.Create(1, "/upper-only.txt", rwShared())
	require.NoError(t, err)
	require.NoError(t, core.Close(h))

	entries, err := core.ReadDirPlus(1, "/")
	require.NoError(t, err)
	byName := make(map[string]DirEntryPlus, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.Len(t, byName, 3)
	// The upper node shadows the lower file of the same name.
	assert.Equal(t, uint64(5), byName["shared.txt"].Attr.Len)
	assert.NotZero(t, byName["shared.txt"].ID)
	assert.Zero(t, byName["lower-only.txt"].ID)
	assert.Equal(t, uint64(5), byName["lower-only.txt"].Attr.Len)

	// A directory that exists only below still lists.
	require.NoError(t, mfs.MkdirAll("/docs", 0o755))
	require.NoError(t, billyutil.WriteFile(mfs, "/docs/guide.md", []byte("# hi"), 0o644))
	docs, err := core.ReadDirPlus(1, "/docs")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "guide.md", docs[0].Name)
}

func TestDirectoryHandleIteration(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	require.NoError(t, core.Mkdir(1, "/d", 0o755))
	for _, name := range []string{"/d/a", "/d/b"} {
		h, err := core.Create(1, name, rwShared())
		require.NoError(t, err)
		require.NoError(t, core.Close(h))
	}

	dh, err := core.OpenDir(1, "/d")
	require.NoError(t, err)

	// The listing was captured at open; later changes are invisible.
	h, err := core.Create(1, "/d/c", rwShared())
	require.NoError(t, err)
	require.NoError(t, core.Close(h))

	var names []string
	for {
		entry, err := core.ReadDirNext(dh)
		require.NoError(t, err)
		if entry == nil {
			break
		}
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
	require.NoError(t, core.CloseDir(dh))

	_, err = core.ReadDirNext(dh)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestCloseDirOnFileHandle(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	h, err := core.Create(1, "/f", rwShared())
	require.NoError(t, err)
	assert.ErrorIs(t, core.CloseDir(h), common.ErrInvalidArgument)
	require.NoError(t, core.Close(h))

	_, err = core.OpenDir(1, "/f")
	assert.ErrorIs(t, err, common.ErrNotADirectory)
}

func TestPercentEncodeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain-name_1.txt", percentEncodeName([]byte("plain-name_1.txt")))
	assert.Equal(t, "a%20b", percentEncodeName([]byte("a b")))
	assert.Equal(t, "%FF%FE", percentEncodeName([]byte{0xff, 0xfe}))
	assert.Equal(t, "caf%C3%A9", percentEncodeName([]byte("café")))
}

func TestCreateChildByID(t *testing.T) {
	t.Parallel()
	core := newTestCore(t, nil)

	require.NoError(t, core.Mkdir(1, "/d", 0o755))
	fs := core
	fs.nodesMu.RLock()
	parentID, _, err := fs.resolveLocked(1, "/d")
	fs.nodesMu.RUnlock()
	require.NoError(t, err)

	t.Run("plain_name", func(t *testing.T) {
		id, err := core.CreateChildByID(1, parentID, []byte("child.txt"), 0, 0o644)
		require.NoError(t, err)
		assert.NotZero(t, id)
		_, err = core.GetAttr(1, "/d/child.txt")
		require.NoError(t, err)
	})

	t.Run("directory_child", func(t *testing.T) {
		_, err := core.CreateChildByID(1, parentID, []byte("sub"), 1, 0o755)
		require.NoError(t, err)
		attr, err := core.GetAttr(1, "/d/sub")
		require.NoError(t, err)
		assert.Equal(t, ItemDirectory, attr.Type)
	})

	t.Run("non_utf8_name_encoded", func(t *testing.T) {
		raw := []byte{'f', 0xff, 'x'}
		_, err := core.CreateChildByID(1, parentID, raw, 0, 0o644)
		require.NoError(t, err)
		_, err = core.GetAttr(1, "/d/f%FFx")
		require.NoError(t, err)

		entries, err := core.ReadDirPlusRaw(1, "/d")
		require.NoError(t, err)
		var found bool
		for _, e := range entries {
			if string(e.RawName) == string(raw) {
				found = true
				// Raw listings synthesize permission bits.
				assert.Equal(t, uint32(0o644), e.Attr.Mode)
			}
		}
		assert.True(t, found)
	})

	t.Run("invalid_type", func(t *testing.T) {
		_, err := core.CreateChildByID(1, parentID, []byte("x"), 9, 0o644)
		assert.ErrorIs(t, err, common.ErrInvalidArgument)
	})

	t.Run("duplicate_name", func(t *testing.T) {
		_, err := core.CreateChildByID(1, parentID, []byte("child.txt"), 0, 0o644)
		assert.ErrorIs(t, err, common.ErrAlreadyExists)
	})
}
