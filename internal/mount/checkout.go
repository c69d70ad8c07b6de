package mount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/overlay"
	"github.com/radryc/snapfs/internal/store"
	"github.com/radryc/snapfs/internal/telemetry"
)

// checkoutLockTimeout bounds how long a checkout waits for the parent
// snapshot lock before failing with ErrCheckoutInProgress.
const checkoutLockTimeout = 500 * time.Millisecond

// CheckoutResult reports a finished checkout attempt.
type CheckoutResult struct {
	Conflicts []model.Conflict
}

// checkoutContext carries the per-operation state of one checkout through
// the recursive merge.
type checkoutContext struct {
	ctx   context.Context
	m     *Mount
	mode  model.CheckoutMode
	fetch *store.FetchContext

	mu        sync.Mutex
	conflicts []model.Conflict
	touched   map[string]struct{}
}

// mutate reports whether this checkout is allowed to change anything.
func (cc *checkoutContext) mutate() bool {
	return cc.mode != model.CheckoutDryRun
}

func (cc *checkoutContext) addConflict(path string, typ model.ConflictType, msg string) {
	cc.mu.Lock()
	cc.conflicts = append(cc.conflicts, model.Conflict{Path: path, Type: typ, Message: msg})
	cc.mu.Unlock()
}

func (cc *checkoutContext) addTouched(path string) {
	cc.mu.Lock()
	cc.touched[path] = struct{}{}
	cc.mu.Unlock()
}

// localUnmodified reports whether ent still mirrors fromEnt: either never
// materialized and pointing at the same object, or materialized with
// pristine content from that object. Directories count as unmodified only
// while unmaterialized; a materialized listing is merged recursively.
func (cc *checkoutContext) localUnmodified(path string, ent *entry, fromEnt *model.TreeEntry) (bool, error) {
	if fromEnt == nil {
		return false, nil
	}
	if ent.typ != fromEnt.Type && !(ent.typ.IsTree() && fromEnt.Type.IsTree()) {
		return false, nil
	}
	if !ent.materialized {
		return ent.id == fromEnt.ID, nil
	}
	if ent.typ.IsTree() {
		return false, nil
	}
	meta, err := cc.m.overlay.GetMeta(path)
	if err != nil {
		if errors.Is(err, overlay.ErrNotMaterialized) {
			return false, nil
		}
		return false, err
	}
	return !meta.Dirty() && meta.OrigID == fromEnt.ID, nil
}

// applyTargetLocked makes the entry for name match toEnt, or removes it
// when toEnt is nil. The caller holds t.mu. Loaded child directories are
// dropped; the entry-swap is what makes unloaded subtrees cheap.
func (t *TreeInode) applyTargetLocked(cc *checkoutContext, name string, toEnt *model.TreeEntry) error {
	if !cc.mutate() {
		return nil
	}
	path := joinPath(t.path(), name)
	ent := t.entries[name]

	if ent != nil && ent.child != nil {
		cc.m.inodes.dropTree(ent.child)
		ent.child = nil
	}
	wasMaterialized := ent != nil && ent.materialized
	oldType := model.TypeRegularFile
	if ent != nil {
		oldType = ent.typ
	}

	if toEnt == nil {
		delete(t.entries, name)
	} else {
		if ent == nil {
			ent = &entry{}
			t.entries[name] = ent
		}
		ent.typ = toEnt.Type
		ent.id = toEnt.ID
		ent.materialized = false
		ent.mode = 0
		ent.uid = 0
		ent.gid = 0
		ent.size = 0
		ent.sizeValid = false
		ent.symlink = ""
	}
	if wasMaterialized {
		if err := cc.m.removeOverlaySubtree(path, oldType); err != nil {
			return err
		}
	}
	cc.addTouched(path)
	return nil
}

// checkout merges the snapshot transition fromTree -> toTree into this
// directory. It returns whether the directory became materialized, which
// the caller reflects in its own entry.
func (t *TreeInode) checkout(cc *checkoutContext, fromTree, toTree *model.Tree) (bool, error) {
	dirPath := t.path()
	if err := t.m.faults.Check("inodeCheckout", dirPath); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	names := make(map[string]struct{})
	for _, n := range model.EntryNames(fromTree, toTree) {
		names[n] = struct{}{}
	}
	for n := range t.entries {
		names[n] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	preservedLocal := false
	for _, name := range sorted {
		fromEnt := fromTree.Lookup(name)
		toEnt := toTree.Lookup(name)
		local := t.entries[name]
		path := joinPath(dirPath, name)

		if model.EntriesEqual(fromEnt, toEnt) {
			continue
		}

		if local == nil {
			if fromEnt == nil {
				// Added in the target; nothing local in the way.
				if err := t.applyTargetLocked(cc, name, toEnt); err != nil {
					return false, err
				}
				continue
			}
			if toEnt == nil {
				// Removed on both sides.
				continue
			}
			cc.addConflict(path, model.ConflictRemovedModified,
				"removed locally but changed in target snapshot")
			if cc.mode == model.CheckoutForce {
				if err := t.applyTargetLocked(cc, name, toEnt); err != nil {
					return false, err
				}
			} else {
				preservedLocal = true
			}
			continue
		}

		unmodified, err := cc.localUnmodified(path, local, fromEnt)
		if err != nil {
			cc.addConflict(path, model.ConflictError, err.Error())
			preservedLocal = true
			continue
		}
		if unmodified {
			if toEnt != nil && toEnt.Type.IsTree() && local.typ.IsTree() && local.child != nil {
				mat, err := cc.recurse(local.child, fromEnt, toEnt)
				if err != nil {
					return false, err
				}
				if cc.mutate() {
					if mat {
						local.materialized = true
						local.id = ""
						preservedLocal = true
					} else {
						local.id = toEnt.ID
					}
					cc.addTouched(path)
				}
				continue
			}
			if err := t.applyTargetLocked(cc, name, toEnt); err != nil {
				return false, err
			}
			continue
		}

		// Locally modified from here on.
		switch {
		case fromEnt == nil:
			cc.addConflict(path, model.ConflictUntrackedAdded,
				"untracked local path collides with target snapshot")
			if cc.mode == model.CheckoutForce {
				if err := t.applyTargetLocked(cc, name, toEnt); err != nil {
					return false, err
				}
			} else {
				preservedLocal = true
			}
		case toEnt == nil:
			if local.typ.IsTree() {
				cc.addConflict(path, model.ConflictDirectoryNotEmpty,
					"directory removed in target snapshot still holds local changes")
			} else {
				cc.addConflict(path, model.ConflictModifiedRemoved,
					"modified locally but removed in target snapshot")
			}
			if cc.mode == model.CheckoutForce {
				if err := t.applyTargetLocked(cc, name, nil); err != nil {
					return false, err
				}
			} else {
				preservedLocal = true
			}
		default:
			if local.typ.IsTree() && fromEnt.Type.IsTree() && toEnt.Type.IsTree() {
				child, err := t.getOrLoadChildLocked(cc.ctx, name, cc.fetch)
				if err != nil {
					cc.addConflict(path, model.ConflictError, err.Error())
					preservedLocal = true
					continue
				}
				mat, err := cc.recurse(child, fromEnt, toEnt)
				if err != nil {
					return false, err
				}
				if cc.mutate() {
					if mat {
						local.materialized = true
						local.id = ""
						preservedLocal = true
					} else {
						local.id = toEnt.ID
						local.materialized = false
					}
					cc.addTouched(path)
				}
			} else {
				cc.addConflict(path, model.ConflictModifiedModified,
					"modified locally and changed in target snapshot")
				if cc.mode == model.CheckoutForce {
					if err := t.applyTargetLocked(cc, name, toEnt); err != nil {
						return false, err
					}
				} else {
					preservedLocal = true
				}
			}
		}
	}

	if !cc.mutate() {
		return false, nil
	}

	materializedNow := false
	if preservedLocal && !t.materialized {
		t.materialized = true
		t.id = ""
		materializedNow = true
	}
	if t.materialized {
		if err := t.m.overlay.PutDir(dirPath, t.listingLocked()); err != nil {
			return false, err
		}
		if materializedNow {
			uid, gid := t.m.owner()
			if err := t.m.overlay.PutMeta(dirPath, overlay.Meta{
				Type: model.TypeTree, Mode: modeDir, UID: uid, GID: gid, Ino: t.ino,
			}); err != nil {
				return false, err
			}
		}
	} else {
		t.id = toTree.ID
	}
	return materializedNow, nil
}

// recurse merges one child directory, fetching both snapshot sides.
func (cc *checkoutContext) recurse(child *TreeInode, fromEnt, toEnt *model.TreeEntry) (bool, error) {
	var fromChild, toChild *model.Tree
	var err error
	if fromEnt != nil && fromEnt.Type.IsTree() {
		fromChild, err = cc.m.store.GetTree(cc.ctx, fromEnt.ID, cc.fetch)
		if err != nil {
			return false, fmt.Errorf("fetch source tree %s: %w", child.path(), err)
		}
	}
	toChild, err = cc.m.store.GetTree(cc.ctx, toEnt.ID, cc.fetch)
	if err != nil {
		return false, fmt.Errorf("fetch target tree %s: %w", child.path(), err)
	}
	return child.checkout(cc, fromChild, toChild)
}

// dropTree removes the records of a loaded subtree from the inode table.
func (im *InodeMap) dropTree(t *TreeInode) {
	t.mu.Lock()
	for _, ent := range t.entries {
		if ent.child != nil {
			im.dropTree(ent.child)
			ent.child = nil
		}
	}
	t.mu.Unlock()
	im.mu.Lock()
	delete(im.byIno, t.ino)
	im.unloadedTotal++
	im.mu.Unlock()
}

// Checkout moves the working copy from its current parent snapshot to
// target. A second concurrent checkout fails fast with
// ErrCheckoutInProgress. The journal records the transition together with
// every path shadowed by a local change before the checkout plus every path
// the checkout touched.
func (m *Mount) Checkout(ctx context.Context, target model.RootID, mode model.CheckoutMode) (*CheckoutResult, error) {
	start := time.Now()
	if err := m.faults.Check("checkout", string(target)); err != nil {
		return nil, fmt.Errorf("checkout to %s: %w", target, err)
	}

	if err := m.parentLock.acquireExclusive(ctx, checkoutLockTimeout); err != nil {
		return nil, fmt.Errorf("checkout to %s: %w", target, ErrCheckoutInProgress)
	}
	defer m.parentLock.releaseExclusive()

	if mode != model.CheckoutDryRun {
		m.checkoutTime.Store(time.Now().UnixNano())
	}

	oldParent := m.Parent()
	fctx := store.NewFetchContext()
	success := false
	defer func() {
		stats := fctx.Statistics()
		m.recorder.LogFinishedCheckout(telemetry.FinishedCheckout{
			Mode:         mode.String(),
			Duration:     time.Since(start),
			Success:      success,
			FetchedTrees: stats.Tree.AccessCount,
			FetchedBlobs: stats.Blob.AccessCount,
		})
		m.recorder.LogFetchStats("checkout", success, string(oldParent), string(target), stats)
	}()

	var fromTree, toTree *model.Tree
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fromTree, err = m.store.GetRootTree(gctx, oldParent, fctx)
		return err
	})
	g.Go(func() error {
		var err error
		toTree, err = m.store.GetRootTree(gctx, target, fctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("checkout to %s: fetch snapshot trees: %w", target, err)
	}

	root := m.inodes.Root()
	if root == nil {
		return nil, errors.New("checkout: inode table not initialized")
	}

	// Record which snapshot paths local changes shadow before anything
	// moves; these stay unclean across the transition. A dry run appends
	// nothing to the journal, so it skips the scan.
	tracker := newJournalDiffTracker(m.logger)
	if mode != model.CheckoutDryRun {
		if err := m.diffTree(ctx, root, fromTree, tracker, fctx); err != nil {
			m.logger.Warn("pre-checkout diff failed", "error", err)
		}
	}

	cc := &checkoutContext{
		ctx:     ctx,
		m:       m,
		mode:    mode,
		fetch:   fctx,
		touched: make(map[string]struct{}),
	}
	m.renameLock.Lock()
	unloaded := m.inodes.unloadChildrenUnreferencedByFs(root)
	m.logger.Debug("unloaded unreferenced inodes before checkout", "count", unloaded)
	_, err := root.checkout(cc, fromTree, toTree)
	m.renameLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("checkout to %s: %w", target, err)
	}

	if cc.mutate() {
		// The new parent is durable before the lock is released; a crash
		// after this point resumes on the target snapshot.
		if err := m.cfg.SetParentCommit(target); err != nil {
			return nil, fmt.Errorf("checkout to %s: %w", target, err)
		}
		m.setParent(target)

		unclean := make(map[string]struct{}, len(tracker.paths)+len(cc.touched))
		for p := range tracker.paths {
			unclean[p] = struct{}{}
		}
		for p := range cc.touched {
			unclean[p] = struct{}{}
		}
		m.journal.RecordUncleanPaths(oldParent, target, unclean)
	}
	success = true

	sort.Slice(cc.conflicts, func(i, j int) bool { return cc.conflicts[i].Path < cc.conflicts[j].Path })
	m.publishCounters()
	return &CheckoutResult{Conflicts: cc.conflicts}, nil
}

// SetPathObjectID grafts a single snapshot object at path without moving
// the parent snapshot: a partial checkout. Symlink objects are rejected.
func (m *Mount) SetPathObjectID(ctx context.Context, path string, id model.ObjectID, typ model.EntryType, mode model.CheckoutMode) (*CheckoutResult, error) {
	if typ == model.TypeSymlink {
		return nil, fmt.Errorf("set path object id %s: symlink objects cannot be grafted: %w", path, syscall.EINVAL)
	}
	if path == "" {
		return nil, fmt.Errorf("set path object id: empty path: %w", syscall.EINVAL)
	}
	if err := m.parentLock.acquireShared(ctx); err != nil {
		return nil, fmt.Errorf("set path object id %s: %w", path, err)
	}
	defer m.parentLock.releaseShared()

	dir, name := splitPath(path)
	var t *TreeInode
	var err error
	if mode == model.CheckoutDryRun {
		t, err = m.resolveDir(ctx, dir, store.NewFetchContext())
	} else {
		t, err = m.EnsureDirectoryExists(ctx, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("set path object id %s: %w", path, err)
	}

	cc := &checkoutContext{
		ctx:     ctx,
		m:       m,
		mode:    mode,
		fetch:   store.NewFetchContext(),
		touched: make(map[string]struct{}),
	}
	toEnt := &model.TreeEntry{Name: name, ID: id, Type: typ}

	m.renameLock.Lock()
	t.mu.Lock()
	local := t.entries[name]
	apply := true
	if local != nil && local.materialized && mode != model.CheckoutForce {
		cc.addConflict(path, model.ConflictModifiedModified,
			"local changes present at grafted path")
		apply = false
	}
	if apply {
		err = t.applyTargetLocked(cc, name, toEnt)
	}
	t.mu.Unlock()
	m.renameLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("set path object id %s: %w", path, err)
	}

	if apply && cc.mutate() {
		if err := m.materializeTree(t); err != nil {
			return nil, fmt.Errorf("set path object id %s: %w", path, err)
		}
		parent := m.Parent()
		m.journal.RecordUncleanPaths(parent, parent, cc.touched)
	}
	return &CheckoutResult{Conflicts: cc.conflicts}, nil
}

// ResetParent moves the parent snapshot pointer without touching the
// working copy. Local differences simply become differences against the new
// parent.
func (m *Mount) ResetParent(ctx context.Context, target model.RootID) error {
	if err := m.parentLock.acquireExclusive(ctx, checkoutLockTimeout); err != nil {
		return fmt.Errorf("reset parent to %s: %w", target, ErrCheckoutInProgress)
	}
	defer m.parentLock.releaseExclusive()

	oldParent := m.Parent()
	if err := m.cfg.SetParentCommit(target); err != nil {
		return fmt.Errorf("reset parent to %s: %w", target, err)
	}
	m.setParent(target)
	m.journal.RecordHashUpdate(oldParent, target)
	m.logger.Info("parent reset", "from", string(oldParent), "to", string(target))
	return nil
}
