// Package mountctl exposes a mount's control surface over a unix socket:
// checkout, status, journal inspection, partial checkout and unmount. The
// CLI talks to it with one JSON request and one JSON response per
// connection.
package mountctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/radryc/snapfs/internal/channel"
	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/mount"
)

// Request is received from the CLI.
type Request struct {
	Action string `json:"action"`

	// Target is the snapshot id for checkout and reset_parent, or the
	// object id for set_path_object.
	Target string `json:"target,omitempty"`
	// Mode is "normal", "dry_run" or "force".
	Mode string `json:"mode,omitempty"`
	// Path is the working-copy path for set_path_object.
	Path string `json:"path,omitempty"`
	// Type is "file", "executable" or "tree" for set_path_object.
	Type string `json:"type,omitempty"`
}

// ConflictInfo is one reported checkout conflict.
type ConflictInfo struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// JournalInfo is one journal record.
type JournalInfo struct {
	Seq          uint64   `json:"seq"`
	FromParent   string   `json:"from_parent"`
	ToParent     string   `json:"to_parent"`
	UncleanPaths []string `json:"unclean_paths,omitempty"`
	Time         string   `json:"time"`
}

// Response is sent to the CLI.
type Response struct {
	Success   bool                 `json:"success"`
	Error     string               `json:"error,omitempty"`
	Message   string               `json:"message,omitempty"`
	Parent    string               `json:"parent,omitempty"`
	State     string               `json:"state,omitempty"`
	Conflicts []ConflictInfo       `json:"conflicts,omitempty"`
	Changes   []mount.StatusChange `json:"changes,omitempty"`
	Journal   []JournalInfo        `json:"journal,omitempty"`
	Accesses  map[uint32]uint64    `json:"accesses,omitempty"`
}

// Handler serves control requests for one mount.
type Handler struct {
	socketPath string
	mnt        *mount.Mount
	transport  channel.Transport
	listener   net.Listener
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHandler listens on the mount's control socket. transport may be nil
// when no kernel channel is attached.
func NewHandler(mnt *mount.Mount, transport channel.Transport, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	socketPath := mnt.Config().SocketPath()

	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict control socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		socketPath: socketPath,
		mnt:        mnt,
		transport:  transport,
		listener:   listener,
		logger:     logger.With("component", "control-socket"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins accepting connections.
func (h *Handler) Start() {
	h.wg.Add(1)
	go h.acceptLoop()
	h.logger.Info("control socket started", "path", h.socketPath)
}

// Stop closes the socket and waits for in-flight requests.
func (h *Handler) Stop() {
	h.cancel()
	h.listener.Close()
	h.wg.Wait()
	os.Remove(h.socketPath)
	h.logger.Info("control socket stopped")
}

func (h *Handler) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.ctx.Done():
				return
			default:
				h.logger.Warn("accept error", "error", err)
				continue
			}
		}
		h.wg.Add(1)
		go h.handleConnection(conn)
	}
}

func (h *Handler) handleConnection(conn net.Conn) {
	defer h.wg.Done()
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request", "error", err)
		json.NewEncoder(conn).Encode(Response{Success: false, Error: "invalid request"})
		return
	}
	h.logger.Debug("control request", "action", req.Action)

	var resp Response
	switch req.Action {
	case "checkout":
		resp = h.handleCheckout(req)
	case "status":
		resp = h.handleStatus()
	case "parent":
		resp = Response{Success: true, Parent: string(h.mnt.Parent()), State: h.mnt.State().String()}
	case "journal":
		resp = h.handleJournal()
	case "set_path_object":
		resp = h.handleSetPathObject(req)
	case "reset_parent":
		resp = h.handleResetParent(req)
	case "unmount":
		resp = h.handleUnmount()
	case "accesses":
		resp = h.handleAccesses()
	default:
		resp = Response{Success: false, Error: "unknown action: " + req.Action}
	}

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func parseMode(s string) (model.CheckoutMode, error) {
	switch s {
	case "", "normal":
		return model.CheckoutNormal, nil
	case "dry_run":
		return model.CheckoutDryRun, nil
	case "force":
		return model.CheckoutForce, nil
	}
	return 0, fmt.Errorf("unknown checkout mode %q", s)
}

func conflictInfos(conflicts []model.Conflict) []ConflictInfo {
	out := make([]ConflictInfo, len(conflicts))
	for i, c := range conflicts {
		out[i] = ConflictInfo{Path: c.Path, Type: c.Type.String(), Message: c.Message}
	}
	return out
}

func (h *Handler) handleCheckout(req Request) Response {
	mode, err := parseMode(req.Mode)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	if req.Target == "" {
		return Response{Success: false, Error: "checkout requires a target snapshot"}
	}
	result, err := h.mnt.Checkout(h.ctx, model.RootID(req.Target), mode)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{
		Success:   true,
		Parent:    string(h.mnt.Parent()),
		Conflicts: conflictInfos(result.Conflicts),
	}
}

func (h *Handler) handleStatus() Response {
	changes, err := h.mnt.Status(h.ctx)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Parent: string(h.mnt.Parent()), Changes: changes}
}

func (h *Handler) handleJournal() Response {
	entries := h.mnt.Journal().Entries()
	out := make([]JournalInfo, len(entries))
	for i, e := range entries {
		out[i] = JournalInfo{
			Seq:          e.Seq,
			FromParent:   string(e.FromParent),
			ToParent:     string(e.ToParent),
			UncleanPaths: e.UncleanPaths,
			Time:         e.Time.Format(time.RFC3339),
		}
	}
	return Response{Success: true, Journal: out}
}

func (h *Handler) handleSetPathObject(req Request) Response {
	mode, err := parseMode(req.Mode)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	var typ model.EntryType
	switch req.Type {
	case "", "file":
		typ = model.TypeRegularFile
	case "executable":
		typ = model.TypeExecutableFile
	case "tree":
		typ = model.TypeTree
	default:
		return Response{Success: false, Error: "unknown object type: " + req.Type}
	}
	result, err := h.mnt.SetPathObjectID(h.ctx, req.Path, model.ObjectID(req.Target), typ, mode)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Conflicts: conflictInfos(result.Conflicts)}
}

func (h *Handler) handleResetParent(req Request) Response {
	if req.Target == "" {
		return Response{Success: false, Error: "reset_parent requires a target snapshot"}
	}
	if err := h.mnt.ResetParent(h.ctx, model.RootID(req.Target)); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Parent: string(h.mnt.Parent())}
}

func (h *Handler) handleUnmount() Response {
	if err := h.mnt.Unmount(h.ctx); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Message: "unmounted"}
}

func (h *Handler) handleAccesses() Response {
	if h.transport == nil {
		return Response{Success: false, Error: "no kernel channel attached"}
	}
	return Response{Success: true, Accesses: h.transport.AccessLog().Counts()}
}
