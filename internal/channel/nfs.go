package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/radryc/snapfs/internal/privhelper"
)

// NFSChannel registers an NFS mount through the privileged helper. The data
// path is served by an external NFS endpoint; this channel only manages the
// kernel mount-table entry, so the session ends when Unmount runs rather
// than when a serve loop drains.
type NFSChannel struct {
	mountPath string
	addr      string
	helper    privhelper.Helper
	logger    *slog.Logger
	accessLog *AccessLog

	mu      sync.Mutex
	stop    chan StopData
	stopped bool
}

// NewNFSChannel creates the channel for an export served at addr.
func NewNFSChannel(mountPath, addr string, helper privhelper.Helper, logger *slog.Logger) *NFSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &NFSChannel{
		mountPath: mountPath,
		addr:      addr,
		helper:    helper,
		logger:    logger.With("component", "nfs-channel"),
		accessLog: NewAccessLog(),
	}
}

func (c *NFSChannel) Kind() Kind { return KindNFS }

func (c *NFSChannel) AccessLog() *AccessLog { return c.accessLog }

func (c *NFSChannel) Initialize(ctx context.Context) (<-chan StopData, error) {
	if err := c.helper.NFSMount(ctx, c.mountPath, c.addr, false); err != nil {
		return nil, fmt.Errorf("nfs mount at %s: %w", c.mountPath, err)
	}
	c.logger.Info("nfs mount established", "mount", c.mountPath, "addr", c.addr)
	c.mu.Lock()
	c.stop = make(chan StopData, 1)
	c.mu.Unlock()
	return c.stop, nil
}

func (c *NFSChannel) Unmount(ctx context.Context) error {
	c.mu.Lock()
	stop := c.stop
	alreadyStopped := c.stopped
	c.stopped = true
	c.mu.Unlock()
	if stop == nil || alreadyStopped {
		return nil
	}
	if err := c.helper.NFSUnmount(ctx, c.mountPath); err != nil {
		return fmt.Errorf("nfs unmount at %s: %w", c.mountPath, err)
	}
	c.logger.Info("nfs mount removed", "mount", c.mountPath)
	stop <- StopData{Kind: KindNFS, Reason: StopRequested}
	close(stop)
	return nil
}
