package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchfs/internal/common"
	"branchfs/internal/config"
)

func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	hostfs, err := NewHostFsBackend(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = hostfs.Close() })
	sqlite, err := NewSqliteBackend(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(0),
		"hostfs": hostfs,
		"sqlite": sqlite,
	}
}

func TestBackendRoundTrip(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := backend.Allocate([]byte("hello"))
			require.NoError(t, err)

			buf := make([]byte, 5)
			n, err := backend.Read(id, 0, buf)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			assert.Equal(t, "hello", string(buf))

			n, err = backend.Write(id, 5, []byte(" world"))
			require.NoError(t, err)
			assert.Equal(t, 6, n)

			size, err := backend.Len(id)
			require.NoError(t, err)
			assert.Equal(t, uint64(11), size)

			buf = make([]byte, 11)
			_, err = backend.Read(id, 0, buf)
			require.NoError(t, err)
			assert.Equal(t, "hello world", string(buf))

			// Read past the end is empty, not an error.
			n, err = backend.Read(id, 100, buf)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestBackendCloneIsIndependent(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := backend.Allocate([]byte("original"))
			require.NoError(t, err)

			clone, err := backend.CloneCoW(id)
			require.NoError(t, err)
			assert.NotEqual(t, id, clone)

			_, err = backend.Write(clone, 0, []byte("modified"))
			require.NoError(t, err)

			buf := make([]byte, 8)
			_, err = backend.Read(id, 0, buf)
			require.NoError(t, err)
			assert.Equal(t, "original", string(buf))
		})
	}
}

func TestBackendTruncate(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := backend.Allocate([]byte("1234567890"))
			require.NoError(t, err)

			require.NoError(t, backend.Truncate(id, 4))
			size, err := backend.Len(id)
			require.NoError(t, err)
			assert.Equal(t, uint64(4), size)

			require.NoError(t, backend.Truncate(id, 8))
			buf := make([]byte, 8)
			_, err = backend.Read(id, 0, buf)
			require.NoError(t, err)
			assert.Equal(t, []byte{'1', '2', '3', '4', 0, 0, 0, 0}, buf)
		})
	}
}

func TestBackendMissingContent(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Read(ContentID(9999), 0, make([]byte, 1))
			assert.ErrorIs(t, err, common.ErrNotFound)
			_, err = backend.Write(ContentID(9999), 0, []byte("x"))
			assert.ErrorIs(t, err, common.ErrNotFound)
			_, err = backend.CloneCoW(ContentID(9999))
			assert.ErrorIs(t, err, common.ErrNotFound)
		})
	}
}

func TestMemoryBackendLimit(t *testing.T) {
	t.Parallel()

	backend := NewMemoryBackend(10)
	id, err := backend.Allocate([]byte("12345"))
	require.NoError(t, err)

	_, err = backend.Allocate([]byte("1234567890"))
	assert.ErrorIs(t, err, common.ErrNoSpace)

	// Growth past the cap is also rejected.
	_, err = backend.Write(id, 5, []byte("67890A"))
	assert.ErrorIs(t, err, common.ErrNoSpace)

	assert.Equal(t, uint64(5), backend.BytesStored())
}

func TestHostFsBackendReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	backend, err := NewHostFsBackend(root)
	require.NoError(t, err)
	id, err := backend.Allocate([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, backend.Close())

	reopened, err := NewHostFsBackend(root)
	require.NoError(t, err)
	defer reopened.Close()

	buf := make([]byte, 9)
	_, err = reopened.Read(id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(buf))
	assert.Equal(t, uint64(9), reopened.BytesStored())
}

func TestHostFsBackendRootLocked(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first, err := NewHostFsBackend(root)
	require.NoError(t, err)
	defer first.Close()

	_, err = NewHostFsBackend(root)
	assert.ErrorIs(t, err, common.ErrBusy)
}

func TestHostFsNativeSnapshot(t *testing.T) {
	t.Parallel()

	backend, err := NewHostFsBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()

	_, err = backend.Allocate([]byte("content"))
	require.NoError(t, err)

	assert.True(t, backend.SupportsNativeSnapshots())
	require.NoError(t, backend.SnapshotNative("snap1"))
	assert.ErrorIs(t, backend.SnapshotNative("snap1"), common.ErrAlreadyExists)
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	backend, err := Open(cfg)
	require.NoError(t, err)
	_, ok := backend.(*MemoryBackend)
	assert.True(t, ok)

	cfg.Backstore.Mode = config.BackstoreHostFs
	cfg.Backstore.Root = t.TempDir()
	backend, err = Open(cfg)
	require.NoError(t, err)
	defer backend.Close()
	_, ok = backend.(*HostFsBackend)
	assert.True(t, ok)

	cfg.Backstore.Mode = "bogus"
	_, err = Open(cfg)
	assert.Error(t, err)
}
