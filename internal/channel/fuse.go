package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// FuseChannel runs a FUSE kernel session for one mount. The go-fuse server
// owns the device descriptor; the stop payload carries the negotiated
// kernel settings and a nil device placeholder.
type FuseChannel struct {
	mountPath string
	raw       fuse.RawFileSystem
	logger    *slog.Logger
	accessLog *AccessLog
	debug     bool

	mu        sync.Mutex
	server    *fuse.Server
	unmounted bool
}

// NewFuseChannel creates the channel over filesystem. The session starts on
// Initialize.
func NewFuseChannel(mountPath string, filesystem FileSystem, debug bool, logger *slog.Logger) *FuseChannel {
	if logger == nil {
		logger = slog.Default()
	}
	accessLog := NewAccessLog()
	return &FuseChannel{
		mountPath: mountPath,
		raw:       NewBridge(filesystem, accessLog),
		logger:    logger.With("component", "fuse-channel"),
		accessLog: accessLog,
		debug:     debug,
	}
}

func (c *FuseChannel) Kind() Kind { return KindFUSE }

func (c *FuseChannel) AccessLog() *AccessLog { return c.accessLog }

// Initialize mounts the FUSE session and waits for the kernel handshake.
// The returned channel delivers StopData once when the serve loop exits.
func (c *FuseChannel) Initialize(ctx context.Context) (<-chan StopData, error) {
	server, err := fuse.NewServer(c.raw, c.mountPath, &fuse.MountOptions{
		FsName:        "snapfs",
		Name:          "snapfs",
		DisableXAttrs: true,
		Debug:         c.debug,
		MaxBackground: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("mount fuse session at %s: %w", c.mountPath, err)
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		server.Unmount()
		return nil, fmt.Errorf("fuse handshake at %s: %w", c.mountPath, err)
	}
	c.logger.Info("fuse session established", "mount", c.mountPath)

	stop := make(chan StopData, 1)
	go func() {
		server.Wait()
		c.mu.Lock()
		reason := StopKernel
		if c.unmounted {
			reason = StopRequested
		}
		c.mu.Unlock()
		c.logger.Info("fuse session ended", "mount", c.mountPath, "reason", reason)
		stop <- StopData{
			Kind:         KindFUSE,
			Reason:       reason,
			FuseSettings: server.KernelSettings(),
		}
		close(stop)
	}()
	return stop, nil
}

// Unmount ends the kernel session. The stop channel resolves once the
// serve loop drains.
func (c *FuseChannel) Unmount(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.unmounted = true
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount fuse session at %s: %w", c.mountPath, err)
	}
	return nil
}
