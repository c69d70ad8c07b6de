package mount

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
)

// snapDirName is the metadata directory exposed inside every working copy.
// Tools use its symlinks to find the mount root, the client state directory
// and the control socket without any configuration.
const snapDirName = ".snap"

// setupSnapDir creates the metadata directory and its symlinks. Failures
// are logged, not fatal: a working copy without .snap is degraded, not
// broken.
func (m *Mount) setupSnapDir(ctx context.Context) {
	dir, err := m.EnsureDirectoryExists(ctx, snapDirName)
	if err != nil {
		m.logger.Warn("metadata directory not created", "dir", snapDirName, "error", err)
		return
	}
	links := []struct {
		name   string
		target string
	}{
		{"root", m.cfg.MountPath},
		{"this-dir", filepath.Join(m.cfg.MountPath, snapDirName)},
		{"client", m.cfg.ClientDir},
		{"socket", m.cfg.SocketPath()},
	}
	for _, l := range links {
		err := m.createSymlink(dir, l.name, l.target)
		if err != nil && !errors.Is(err, syscall.EEXIST) {
			m.logger.Warn("metadata symlink not created", "name", l.name, "error", err)
		}
	}
}
