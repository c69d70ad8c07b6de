// Package channel implements the kernel-facing transport variants of a
// mount: a FUSE session and an NFS registration. Exactly one variant is
// active per mount; the mount controller drives them through the Transport
// interface and matches on Kind at the few call sites that need
// transport-specific behavior.
package channel

import (
	"context"
	"os"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Kind tags the transport variant.
type Kind int

const (
	KindNone Kind = iota
	KindFUSE
	KindNFS
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFUSE:
		return "fuse"
	case KindNFS:
		return "nfs"
	}
	return "unknown"
}

// StopReason says why a kernel session ended.
type StopReason int

const (
	// StopKernel means the kernel ended the session (external unmount,
	// device close).
	StopKernel StopReason = iota
	// StopRequested means an explicit Unmount ended the session.
	StopRequested
)

// StopData is the transport-specific teardown payload delivered once when
// the kernel session ends.
type StopData struct {
	Kind   Kind
	Reason StopReason

	// Device is the raw transport handle when the transport can relinquish
	// it for a hand-off; nil when the session library owns the descriptor
	// or the device is already gone.
	Device *os.File

	// FuseSettings carries the negotiated FUSE protocol parameters; only
	// set for KindFUSE.
	FuseSettings *fuse.InitIn
}

// Transport is one kernel-facing session. Initialize performs the handshake
// and returns a channel that delivers StopData exactly once when the
// session ends; Unmount ends the session explicitly.
type Transport interface {
	Kind() Kind
	Initialize(ctx context.Context) (<-chan StopData, error)
	Unmount(ctx context.Context) error
	AccessLog() *AccessLog
}
