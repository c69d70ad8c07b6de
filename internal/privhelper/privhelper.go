// Package privhelper wraps the out-of-process operations that need elevated
// privilege: unmounting kernel sessions and managing bind mounts. The mount
// controller only sees the Helper interface; tests substitute NopHelper.
package privhelper

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Helper performs privileged mount-table operations.
type Helper interface {
	// FuseUnmount detaches a FUSE session at mountPath.
	FuseUnmount(ctx context.Context, mountPath string) error
	// NFSMount mounts an NFS export served at addr onto mountPath.
	NFSMount(ctx context.Context, mountPath, addr string, readOnly bool) error
	// NFSUnmount detaches an NFS mount at mountPath.
	NFSUnmount(ctx context.Context, mountPath string) error
	// BindMount makes target visible at pathInMount.
	BindMount(ctx context.Context, target, pathInMount string) error
	// BindUnmount removes a bind mount.
	BindUnmount(ctx context.Context, pathInMount string) error
}

// ExecHelper shells out to the system mount tools.
type ExecHelper struct {
	logger *slog.Logger
}

// NewExecHelper returns a helper backed by fusermount/mount/umount.
func NewExecHelper(logger *slog.Logger) *ExecHelper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecHelper{logger: logger.With("component", "privhelper")}
}

func (h *ExecHelper) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	h.logger.Debug("privileged command", "cmd", name, "args", args)
	return nil
}

func (h *ExecHelper) FuseUnmount(ctx context.Context, mountPath string) error {
	return h.run(ctx, "fusermount", "-u", "-z", mountPath)
}

func (h *ExecHelper) NFSMount(ctx context.Context, mountPath, addr string, readOnly bool) error {
	opts := "vers=3,tcp,nolock"
	if readOnly {
		opts += ",ro"
	}
	return h.run(ctx, "mount", "-t", "nfs", "-o", opts, addr, mountPath)
}

func (h *ExecHelper) NFSUnmount(ctx context.Context, mountPath string) error {
	return h.run(ctx, "umount", mountPath)
}

func (h *ExecHelper) BindMount(ctx context.Context, target, pathInMount string) error {
	return h.run(ctx, "mount", "--bind", target, pathInMount)
}

func (h *ExecHelper) BindUnmount(ctx context.Context, pathInMount string) error {
	return h.run(ctx, "umount", pathInMount)
}

// NopHelper records calls and performs nothing; used by tests.
type NopHelper struct {
	FuseUnmounts []string
	NFSMounts    []string
	NFSUnmounts  []string
	BindMounts   [][2]string
	BindUnmounts []string

	// Err, when set, is returned by every operation.
	Err error
}

func (h *NopHelper) FuseUnmount(ctx context.Context, mountPath string) error {
	h.FuseUnmounts = append(h.FuseUnmounts, mountPath)
	return h.Err
}

func (h *NopHelper) NFSMount(ctx context.Context, mountPath, addr string, readOnly bool) error {
	h.NFSMounts = append(h.NFSMounts, mountPath)
	return h.Err
}

func (h *NopHelper) NFSUnmount(ctx context.Context, mountPath string) error {
	h.NFSUnmounts = append(h.NFSUnmounts, mountPath)
	return h.Err
}

func (h *NopHelper) BindMount(ctx context.Context, target, pathInMount string) error {
	h.BindMounts = append(h.BindMounts, [2]string{target, pathInMount})
	return h.Err
}

func (h *NopHelper) BindUnmount(ctx context.Context, pathInMount string) error {
	h.BindUnmounts = append(h.BindUnmounts, pathInMount)
	return h.Err
}
