// Package config holds the per-mount checkout configuration: where the
// working copy is mounted, where its client state lives, and which parent
// snapshot it is checked out against. The parent snapshot is persisted in
// its own file with a write-rename-sync sequence so a crash mid-checkout
// never leaves a torn value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/radryc/snapfs/internal/model"
)

// MountProtocol selects the kernel transport for a mount.
type MountProtocol string

const (
	ProtocolFUSE MountProtocol = "fuse"
	ProtocolNFS  MountProtocol = "nfs"
)

const (
	configFileName   = "config.json"
	snapshotFileName = "SNAPSHOT"
	overlayDirName   = "overlay"
)

// CheckoutConfig describes one working copy.
type CheckoutConfig struct {
	// MountPath is where the working copy appears to the operating system.
	MountPath string `json:"mount_path"`
	// ClientDir holds the mount's private state: overlay, snapshot file,
	// control socket.
	ClientDir string `json:"client_dir"`
	// RepoPath is the git object store backing the mount.
	RepoPath string `json:"repo_path"`
	// Protocol is the kernel transport.
	Protocol MountProtocol `json:"protocol"`
	// CaseSensitive controls name comparison in the working copy.
	CaseSensitive bool `json:"case_sensitive"`
	// MaxTreePrefetches bounds concurrent subtree prefetch operations.
	MaxTreePrefetches int64 `json:"max_tree_prefetches"`

	mu sync.Mutex
}

// Load reads the config from clientDir.
func Load(clientDir string) (*CheckoutConfig, error) {
	data, err := os.ReadFile(filepath.Join(clientDir, configFileName))
	if err != nil {
		return nil, fmt.Errorf("read checkout config: %w", err)
	}
	var cfg CheckoutConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse checkout config: %w", err)
	}
	cfg.ClientDir = clientDir
	cfg.applyDefaults()
	return &cfg, nil
}

// Create writes a fresh config and initial parent snapshot into clientDir.
func Create(cfg *CheckoutConfig, parent model.RootID) (*CheckoutConfig, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.ClientDir, 0755); err != nil {
		return nil, fmt.Errorf("create client dir: %w", err)
	}
	if err := os.MkdirAll(cfg.OverlayPath(), 0755); err != nil {
		return nil, fmt.Errorf("create overlay dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(cfg.ClientDir, configFileName), data, 0644); err != nil {
		return nil, fmt.Errorf("write checkout config: %w", err)
	}
	if err := cfg.SetParentCommit(parent); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *CheckoutConfig) applyDefaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolFUSE
	}
	if c.MaxTreePrefetches <= 0 {
		c.MaxTreePrefetches = 5
	}
}

// OverlayPath returns the overlay database directory.
func (c *CheckoutConfig) OverlayPath() string {
	return filepath.Join(c.ClientDir, overlayDirName)
}

// SocketPath returns the control socket path.
func (c *CheckoutConfig) SocketPath() string {
	return filepath.Join(c.ClientDir, "snapfs.sock")
}

// ParentCommit reads the persisted parent snapshot id.
func (c *CheckoutConfig) ParentCommit() (model.RootID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(c.ClientDir, snapshotFileName))
	if err != nil {
		return "", fmt.Errorf("read parent snapshot: %w", err)
	}
	return model.RootID(strings.TrimSpace(string(data))), nil
}

// SetParentCommit durably persists the parent snapshot id. The checkout
// coordinator calls this before releasing the parent-snapshot lock; a
// reader never observes a half-written value because the file is replaced
// atomically by rename.
func (c *CheckoutConfig) SetParentCommit(parent model.RootID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := filepath.Join(c.ClientDir, snapshotFileName)
	tmp, err := os.CreateTemp(c.ClientDir, snapshotFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(string(parent) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}
