package integration

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"branchfs/internal/config"
	"branchfs/internal/vfs"
)

// newCore builds a core from cfg and tears it down with the test.
func newCore(t *testing.T, g *WithT, cfg *config.FsConfig) *vfs.FsCore {
	t.Helper()
	core, err := vfs.New(cfg)
	g.Expect(err).NotTo(HaveOccurred())
	t.Cleanup(func() { _ = core.Shutdown() })
	return core
}

func memoryConfig() *config.FsConfig {
	cfg := config.Default()
	cfg.TrackEvents = true
	return cfg
}

func hostfsConfig(t *testing.T) *config.FsConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Backstore.Mode = config.BackstoreHostFs
	cfg.Backstore.Root = t.TempDir()
	cfg.Backstore.PreferNativeSnapshots = true
	return cfg
}

// seedLowerDir writes files into a temp dir used as the overlay root.
func seedLowerDir(t *testing.T, g *WithT, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		g.Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
		g.Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	}
	return root
}

func writeFile(g *WithT, core *vfs.FsCore, pid vfs.PID, path, content string) {
	opts := vfs.OpenOptions{
		Read:  true,
		Write: true,
		Share: []vfs.ShareMode{vfs.ShareRead, vfs.ShareWrite, vfs.ShareDelete},
	}
	h, err := core.Create(pid, path, opts)
	g.Expect(err).NotTo(HaveOccurred())
	n, err := core.Write(pid, h, 0, []byte(content))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n).To(Equal(len(content)))
	g.Expect(core.Close(h)).To(Succeed())
}

func readFile(g *WithT, core *vfs.FsCore, pid vfs.PID, path string) string {
	h, err := core.Open(pid, path, vfs.OpenOptions{
		Read:  true,
		Share: []vfs.ShareMode{vfs.ShareRead, vfs.ShareWrite},
	})
	g.Expect(err).NotTo(HaveOccurred())
	defer func() { _ = core.Close(h) }()

	buf := make([]byte, 1<<16)
	n, err := core.Read(pid, h, 0, buf)
	g.Expect(err).NotTo(HaveOccurred())
	return string(buf[:n])
}
