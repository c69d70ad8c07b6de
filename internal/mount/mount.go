// Package mount implements the checkout coordinator for one working copy:
// lifecycle, kernel-channel management, checkout and diff against snapshot
// parents, and the journal of snapshot transitions.
package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radryc/snapfs/internal/channel"
	"github.com/radryc/snapfs/internal/config"
	"github.com/radryc/snapfs/internal/fault"
	"github.com/radryc/snapfs/internal/journal"
	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/overlay"
	"github.com/radryc/snapfs/internal/privhelper"
	"github.com/radryc/snapfs/internal/store"
	"github.com/radryc/snapfs/internal/telemetry"
)

var (
	// ErrCheckoutInProgress is returned when another checkout holds the
	// parent snapshot lock past the bounded wait.
	ErrCheckoutInProgress = errors.New("another checkout is in progress")

	// ErrOutOfDateParent is returned when an operation names a parent
	// snapshot that is no longer checked out.
	ErrOutOfDateParent = errors.New("parent snapshot is out of date")

	// ErrMountCancelled is returned when an unmount arrived before the
	// kernel channel finished starting.
	ErrMountCancelled = errors.New("mount was cancelled before completion")
)

// HandoffData is delivered when the kernel channel ends: everything a
// successor needs to take over the working copy.
type HandoffData struct {
	MountPath  string
	ClientDir  string
	BindMounts []string
	Stop       channel.StopData

	// SerializedInodeMap is filled by a takeover shutdown, not by the
	// channel stop itself.
	SerializedInodeMap []byte
}

// Options configures a Mount.
type Options struct {
	Config *config.CheckoutConfig
	Store  store.ObjectStore
	// Journal defaults to a fresh journal.
	Journal *journal.Journal
	// Faults defaults to an injector with nothing configured.
	Faults *fault.Injector
	// Helper defaults to the exec-based privileged helper.
	Helper privhelper.Helper
	Logger *slog.Logger

	OwnerUID uint32
	OwnerGID uint32
}

// Mount is the controller for one working copy.
type Mount struct {
	cfg      *config.CheckoutConfig
	store    store.ObjectStore
	overlay  *overlay.Overlay
	journal  *journal.Journal
	faults   *fault.Injector
	helper   privhelper.Helper
	recorder *telemetry.Recorder
	logger   *slog.Logger

	state      atomic.Int32
	generation uint64
	initTime   time.Time

	// checkoutTime is the unix-nano stamp of the last mutating checkout,
	// seeded from initTime. Directory attributes report it as their mtime.
	checkoutTime atomic.Int64

	parentMu sync.Mutex
	parent   model.RootID

	ownerMu  sync.Mutex
	ownerUID uint32
	ownerGID uint32

	parentLock           *parentLock
	renameLock           sync.RWMutex
	prefetchesInProgress atomic.Int64

	inodes *InodeMap

	channelMu      sync.Mutex
	transport      channel.Transport
	mountPromise   *promise[struct{}]
	unmountPromise *promise[struct{}]
	unmountStarted bool
	completion     *promise[HandoffData]

	bindMu     sync.Mutex
	bindMounts []string
}

// New creates the controller. Initialize must run before anything else.
func New(opts Options) *Mount {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mount", opts.Config.MountPath)
	j := opts.Journal
	if j == nil {
		j = journal.New(logger)
	}
	f := opts.Faults
	if f == nil {
		f = fault.NewInjector()
	}
	h := opts.Helper
	if h == nil {
		h = privhelper.NewExecHelper(logger)
	}
	m := &Mount{
		cfg:        opts.Config,
		store:      opts.Store,
		overlay:    overlay.New(opts.Config.OverlayPath(), logger),
		journal:    j,
		faults:     f,
		helper:     h,
		recorder:   telemetry.NewRecorder(opts.Config.MountPath, logger),
		logger:     logger.With("component", "mount"),
		initTime:   time.Now(),
		ownerUID:   opts.OwnerUID,
		ownerGID:   opts.OwnerGID,
		parentLock: newParentLock(),
		completion: newPromise[HandoffData](),
	}
	m.checkoutTime.Store(m.initTime.UnixNano())
	m.inodes = newInodeMap(m, logger)
	return m
}

func (m *Mount) lastCheckoutTime() time.Time {
	return time.Unix(0, m.checkoutTime.Load())
}

// Config returns the mount's configuration.
func (m *Mount) Config() *config.CheckoutConfig { return m.cfg }

// Journal returns the mount's journal.
func (m *Mount) Journal() *journal.Journal { return m.journal }

// Faults returns the fault injector.
func (m *Mount) Faults() *fault.Injector { return m.faults }

// InodeMap returns the inode table.
func (m *Mount) InodeMap() *InodeMap { return m.inodes }

// Generation identifies the current kernel session, unique across process
// restarts. Zero until a channel has started.
func (m *Mount) Generation() uint64 { return m.generation }

// Parent returns the checked-out parent snapshot.
func (m *Mount) Parent() model.RootID {
	m.parentMu.Lock()
	defer m.parentMu.Unlock()
	return m.parent
}

func (m *Mount) setParent(p model.RootID) {
	m.parentMu.Lock()
	m.parent = p
	m.parentMu.Unlock()
}

func (m *Mount) owner() (uint32, uint32) {
	m.ownerMu.Lock()
	defer m.ownerMu.Unlock()
	return m.ownerUID, m.ownerGID
}

// Initialize loads the overlay and the root inode. takeoverData, when
// non-nil, is a predecessor's serialized inode table.
func (m *Mount) Initialize(ctx context.Context, takeoverData []byte) (err error) {
	m.transitionState(StateUninitialized, StateInitializing)
	defer func() {
		if err != nil {
			m.tryTransitionState(StateInitializing, StateInitError)
		}
	}()

	if ferr := m.faults.Check("mount", m.cfg.MountPath); ferr != nil {
		return fmt.Errorf("initialize mount %s: %w", m.cfg.MountPath, ferr)
	}
	if oerr := m.overlay.Initialize(); oerr != nil {
		return fmt.Errorf("initialize mount %s: %w", m.cfg.MountPath, oerr)
	}

	parent, perr := m.cfg.ParentCommit()
	if perr != nil {
		return fmt.Errorf("initialize mount %s: %w", m.cfg.MountPath, perr)
	}
	m.setParent(parent)
	m.journal.RecordHashUpdate("", parent)

	fctx := store.NewFetchContext()
	rootTree, terr := m.store.GetRootTree(ctx, parent, fctx)
	if terr != nil {
		return fmt.Errorf("initialize mount %s: load root tree of %s: %w", m.cfg.MountPath, parent, terr)
	}
	if takeoverData != nil {
		err = m.inodes.InitializeFromTakeover(ctx, rootTree, takeoverData)
	} else {
		err = m.inodes.Initialize(ctx, rootTree)
	}
	if err != nil {
		return fmt.Errorf("initialize mount %s: %w", m.cfg.MountPath, err)
	}

	m.setupSnapDir(ctx)
	m.publishCounters()
	if !m.tryTransitionState(StateInitializing, StateInitialized) {
		m.inodes.Shutdown(false)
		m.overlay.Close()
		return fmt.Errorf("initialize mount %s: interrupted by shutdown", m.cfg.MountPath)
	}
	m.logger.Info("mount initialized", "parent", string(parent), "takeover", takeoverData != nil)
	return nil
}

func (m *Mount) publishCounters() {
	loaded, unloaded := m.inodes.Counts()
	m.recorder.SetInodeCounts(loaded, unloaded)
	entries, memoryBytes, duration := m.journal.Stats()
	m.recorder.SetJournalStats(entries, memoryBytes, duration)
}

// Status reports working-copy changes against the current parent, sorted
// by path.
func (m *Mount) Status(ctx context.Context) ([]StatusChange, error) {
	col := &StatusCollector{}
	if err := m.Diff(ctx, m.Parent(), true, col); err != nil {
		return nil, err
	}
	changes := col.Changes()
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// Chown rewrites the reported owner of every path in the working copy.
func (m *Mount) Chown(uid, gid uint32) error {
	m.ownerMu.Lock()
	m.ownerUID = uid
	m.ownerGID = gid
	m.ownerMu.Unlock()

	err := m.overlay.ForEachMeta(func(path string, meta *overlay.Meta) bool {
		if meta.UID == uid && meta.GID == gid {
			return false
		}
		meta.UID = uid
		meta.GID = gid
		return true
	})
	if err != nil {
		return fmt.Errorf("chown mount %s: %w", m.cfg.MountPath, err)
	}
	if root := m.inodes.Root(); root != nil {
		m.rewriteLoadedOwner(root, uid, gid)
	}
	m.logger.Info("mount ownership changed", "uid", uid, "gid", gid)
	return nil
}

func (m *Mount) rewriteLoadedOwner(t *TreeInode, uid, gid uint32) {
	t.mu.Lock()
	children := make([]*TreeInode, 0)
	for _, ent := range t.entries {
		if ent.uid != 0 || ent.gid != 0 {
			ent.uid = uid
			ent.gid = gid
		}
		if ent.child != nil {
			children = append(children, ent.child)
		}
	}
	t.mu.Unlock()
	for _, c := range children {
		m.rewriteLoadedOwner(c, uid, gid)
	}
}

// AddBindMount binds targetDir into the working copy at pathInMount,
// creating the directory if needed. Only valid while the channel runs.
func (m *Mount) AddBindMount(ctx context.Context, pathInMount, targetDir string) error {
	if s := m.State(); s != StateRunning {
		return fmt.Errorf("add bind mount %s: mount is %s, not running", pathInMount, s)
	}
	if _, err := m.EnsureDirectoryExists(ctx, pathInMount); err != nil {
		return fmt.Errorf("add bind mount %s: %w", pathInMount, err)
	}
	full := m.cfg.MountPath + "/" + pathInMount
	if err := m.helper.BindMount(ctx, targetDir, full); err != nil {
		return fmt.Errorf("add bind mount %s: %w", pathInMount, err)
	}
	m.bindMu.Lock()
	m.bindMounts = append(m.bindMounts, pathInMount)
	m.bindMu.Unlock()
	m.logger.Info("bind mount added", "path", pathInMount, "target", targetDir)
	return nil
}

// RemoveBindMount removes a bind mount added by AddBindMount.
func (m *Mount) RemoveBindMount(ctx context.Context, pathInMount string) error {
	full := m.cfg.MountPath + "/" + pathInMount
	if err := m.helper.BindUnmount(ctx, full); err != nil {
		return fmt.Errorf("remove bind mount %s: %w", pathInMount, err)
	}
	m.bindMu.Lock()
	for i, p := range m.bindMounts {
		if p == pathInMount {
			m.bindMounts = append(m.bindMounts[:i], m.bindMounts[i+1:]...)
			break
		}
	}
	m.bindMu.Unlock()
	m.logger.Info("bind mount removed", "path", pathInMount)
	return nil
}

func (m *Mount) currentBindMounts() []string {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	return append([]string(nil), m.bindMounts...)
}

// Shutdown tears the mount down: journal subscribers are detached, the
// inode table is dropped and the overlay closed. With doTakeover set the
// serialized inode table is returned for a successor process.
func (m *Mount) Shutdown(ctx context.Context, doTakeover bool) ([]byte, error) {
	for {
		s := m.State()
		switch s {
		case StateRunning:
			if err := m.Unmount(ctx); err != nil {
				return nil, fmt.Errorf("shutdown mount %s: %w", m.cfg.MountPath, err)
			}
			if m.tryTransitionState(StateRunning, StateShuttingDown) {
				return m.shutdownLocked(doTakeover)
			}
		case StateUninitialized, StateInitializing, StateInitialized,
			StateStarting, StateInitError, StateFuseError:
			// An in-flight Initialize or StartChannel loses this CAS race
			// and backs out when its own final transition fails.
			if m.tryTransitionState(s, StateShuttingDown) {
				return m.shutdownLocked(doTakeover)
			}
		case StateShuttingDown, StateShutDown, StateDestroying:
			return nil, fmt.Errorf("shutdown mount %s: already %s", m.cfg.MountPath, s)
		default:
			return nil, fmt.Errorf("shutdown mount %s: cannot shut down while %s", m.cfg.MountPath, s)
		}
	}
}

func (m *Mount) shutdownLocked(doTakeover bool) ([]byte, error) {
	m.journal.CancelAllSubscribers()
	data, err := m.inodes.Shutdown(doTakeover)
	if err != nil {
		m.logger.Error("inode table shutdown failed", "error", err)
	}
	if cerr := m.overlay.Close(); cerr != nil {
		m.logger.Error("overlay close failed", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	m.transitionState(StateShuttingDown, StateShutDown)
	m.logger.Info("mount shut down", "takeover", doTakeover)
	return data, err
}

// Destroy finishes the mount's life. Calling it twice is a logic error and
// panics; callers own the mount's lifecycle exclusively.
func (m *Mount) Destroy(ctx context.Context) error {
	for {
		s := m.State()
		switch s {
		case StateShutDown:
			m.transitionState(StateShutDown, StateDestroying)
			m.logger.Debug("mount destroyed")
			return nil
		case StateDestroying:
			panic(fmt.Sprintf("mount %s: Destroy called twice", m.cfg.MountPath))
		case StateShuttingDown:
			// Another goroutine is mid-shutdown; destroying now would
			// race it.
			return fmt.Errorf("destroy mount %s: shutdown in progress", m.cfg.MountPath)
		default:
			if _, err := m.Shutdown(ctx, false); err != nil {
				return fmt.Errorf("destroy mount %s: %w", m.cfg.MountPath, err)
			}
		}
	}
}
