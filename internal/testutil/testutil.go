// Package testutil provides common test helpers for bubbles tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/javanstorm/bubbles/internal/config"
)

// TestConfig returns a Config rooted in a temporary directory with a
// short poll interval. The images and vms directories exist.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(ShortTempDir(t), "data")
	cfg.RuntimeTmp = ShortTempDir(t)
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Sandbox = config.SandboxOff

	if err := cfg.Paths().EnsureDirectories(); err != nil {
		t.Fatalf("failed to create data directories: %v", err)
	}
	return cfg
}

// ShortTempDir returns a temporary directory with a path short enough
// to hold unix sockets (sun_path is limited to 108 bytes).
func ShortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "bbl")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, sizeBytes int64) {
	t.Helper()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// CreateTemplate writes a complete template image (small disk, kernel,
// initrd, completion marker) for cfg's template name.
func CreateTemplate(t *testing.T, cfg *config.Config) config.TemplatePaths {
	t.Helper()

	tpl := cfg.Paths().Template(cfg.TemplateName)
	CreateTestDisk(t, tpl.Disk, 1024*1024)
	writeFile(t, tpl.Kernel, "kernel")
	writeFile(t, tpl.Initrd, "initrd")
	writeFile(t, tpl.Marker, "")
	return tpl
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
