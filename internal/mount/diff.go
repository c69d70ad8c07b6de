package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/overlay"
	"github.com/radryc/snapfs/internal/store"
	"github.com/radryc/snapfs/internal/telemetry"
)

// DiffCallback receives working-copy changes relative to a snapshot.
// Callbacks run on the diff walker's goroutine.
type DiffCallback interface {
	Added(path string, typ model.EntryType)
	Removed(path string, typ model.EntryType)
	Modified(path string, typ model.EntryType)
	DiffError(path string, err error)
}

// journalDiffTracker collects the paths whose snapshot content is shadowed
// by a local change: removals and modifications. Locally added paths do not
// shadow snapshot content and are skipped; errors are logged and the walk
// continues.
type journalDiffTracker struct {
	logger *slog.Logger

	mu    sync.Mutex
	paths map[string]struct{}
}

func newJournalDiffTracker(logger *slog.Logger) *journalDiffTracker {
	return &journalDiffTracker{logger: logger, paths: make(map[string]struct{})}
}

func (t *journalDiffTracker) Added(path string, typ model.EntryType) {}

func (t *journalDiffTracker) Removed(path string, typ model.EntryType) {
	t.mu.Lock()
	t.paths[path] = struct{}{}
	t.mu.Unlock()
}

func (t *journalDiffTracker) Modified(path string, typ model.EntryType) {
	t.mu.Lock()
	t.paths[path] = struct{}{}
	t.mu.Unlock()
}

func (t *journalDiffTracker) DiffError(path string, err error) {
	t.logger.Warn("error diffing working copy before checkout", "path", path, "error", err)
}

// StatusChange is one entry of a working-copy status report.
type StatusChange struct {
	Path   string          `json:"path"`
	Status string          `json:"status"`
	Type   model.EntryType `json:"-"`
}

// StatusCollector accumulates a status report.
type StatusCollector struct {
	mu      sync.Mutex
	changes []StatusChange
	errs    []string
}

func (c *StatusCollector) Added(path string, typ model.EntryType) {
	c.mu.Lock()
	c.changes = append(c.changes, StatusChange{Path: path, Status: "added", Type: typ})
	c.mu.Unlock()
}

func (c *StatusCollector) Removed(path string, typ model.EntryType) {
	c.mu.Lock()
	c.changes = append(c.changes, StatusChange{Path: path, Status: "removed", Type: typ})
	c.mu.Unlock()
}

func (c *StatusCollector) Modified(path string, typ model.EntryType) {
	c.mu.Lock()
	c.changes = append(c.changes, StatusChange{Path: path, Status: "modified", Type: typ})
	c.mu.Unlock()
}

func (c *StatusCollector) DiffError(path string, err error) {
	c.mu.Lock()
	c.errs = append(c.errs, fmt.Sprintf("%s: %v", path, err))
	c.mu.Unlock()
}

// Changes returns the collected report.
func (c *StatusCollector) Changes() []StatusChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StatusChange, len(c.changes))
	copy(out, c.changes)
	return out
}

// Errors returns paths the walk could not evaluate.
func (c *StatusCollector) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errs...)
}

// Diff reports working-copy changes relative to parent. With
// enforceCurrentParent set, a parent that is no longer the checked-out
// snapshot fails with ErrOutOfDateParent instead of producing a report
// against stale data.
func (m *Mount) Diff(ctx context.Context, parent model.RootID, enforceCurrentParent bool, cb DiffCallback) error {
	if err := m.parentLock.acquireShared(ctx); err != nil {
		return fmt.Errorf("diff against %s: %w", parent, err)
	}
	defer m.parentLock.releaseShared()

	if enforceCurrentParent {
		current := m.Parent()
		if current != parent {
			m.recorder.LogParentMismatch(telemetry.ParentMismatch{
				RequestedParent: string(parent),
				CurrentParent:   string(current),
			})
			return fmt.Errorf("diff against %s: current parent is %s: %w", parent, current, ErrOutOfDateParent)
		}
	}

	fctx := store.NewFetchContext()
	rootTree, err := m.store.GetRootTree(ctx, parent, fctx)
	if err != nil {
		return fmt.Errorf("diff against %s: %w", parent, err)
	}
	root := m.inodes.Root()
	if root == nil {
		return errors.New("diff: inode table not initialized")
	}
	return m.diffTree(ctx, root, rootTree, cb, fctx)
}

// diffTree walks one directory level, comparing the snapshot listing with
// local state. Unmodified unloaded subtrees are skipped without loading.
func (m *Mount) diffTree(ctx context.Context, t *TreeInode, srcTree *model.Tree, cb DiffCallback, fctx *store.FetchContext) error {
	t.mu.Lock()
	dirPath := t.path()
	local := make(map[string]*entry, len(t.entries))
	for name, ent := range t.entries {
		local[name] = ent
	}
	t.mu.Unlock()

	seen := make(map[string]struct{})
	if srcTree != nil {
		for i := range srcTree.Entries {
			srcEnt := &srcTree.Entries[i]
			seen[srcEnt.Name] = struct{}{}
			path := joinPath(dirPath, srcEnt.Name)
			ent, ok := local[srcEnt.Name]
			if !ok {
				m.reportTreeRemoved(ctx, path, srcEnt, cb, fctx)
				continue
			}
			if err := m.diffEntry(ctx, t, path, srcEnt, ent, cb, fctx); err != nil {
				cb.DiffError(path, err)
			}
		}
	}
	names := make([]string, 0, len(local))
	for name := range local {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	for _, name := range names {
		if dirPath == "" && name == snapDirName {
			continue
		}
		m.reportLocalAdded(ctx, t, joinPath(dirPath, name), name, cb, fctx)
	}
	return nil
}

func (m *Mount) diffEntry(ctx context.Context, t *TreeInode, path string, srcEnt *model.TreeEntry, ent *entry, cb DiffCallback, fctx *store.FetchContext) error {
	t.mu.RLock()
	typ := ent.typ
	id := ent.id
	materialized := ent.materialized
	child := ent.child
	t.mu.RUnlock()

	if typ != srcEnt.Type && !(typ.IsTree() && srcEnt.Type.IsTree()) {
		cb.Modified(path, typ)
		return nil
	}
	if typ.IsTree() {
		if child == nil && !materialized && id == srcEnt.ID {
			return nil
		}
		childTree, err := t.getOrLoadChild(ctx, srcEnt.Name, fctx)
		if err != nil {
			return err
		}
		srcChild, err := m.store.GetTree(ctx, srcEnt.ID, fctx)
		if err != nil {
			return err
		}
		return m.diffTree(ctx, childTree, srcChild, cb, fctx)
	}

	if !materialized {
		if id != srcEnt.ID {
			cb.Modified(path, typ)
		}
		return nil
	}
	meta, err := m.overlay.GetMeta(path)
	if err != nil {
		if errors.Is(err, overlay.ErrNotMaterialized) {
			cb.Modified(path, typ)
			return nil
		}
		return err
	}
	if meta.Dirty() || meta.OrigID != srcEnt.ID {
		cb.Modified(path, typ)
	}
	return nil
}

// reportTreeRemoved reports a snapshot entry with no local counterpart,
// recursing into removed directories so every contained file is named.
func (m *Mount) reportTreeRemoved(ctx context.Context, path string, srcEnt *model.TreeEntry, cb DiffCallback, fctx *store.FetchContext) {
	if !srcEnt.Type.IsTree() {
		cb.Removed(path, srcEnt.Type)
		return
	}
	tree, err := m.store.GetTree(ctx, srcEnt.ID, fctx)
	if err != nil {
		cb.DiffError(path, err)
		return
	}
	for i := range tree.Entries {
		e := &tree.Entries[i]
		m.reportTreeRemoved(ctx, joinPath(path, e.Name), e, cb, fctx)
	}
}

// reportLocalAdded reports a local entry the snapshot does not contain,
// recursing into directories.
func (m *Mount) reportLocalAdded(ctx context.Context, t *TreeInode, path, name string, cb DiffCallback, fctx *store.FetchContext) {
	t.mu.RLock()
	ent, ok := t.entries[name]
	var typ model.EntryType
	if ok {
		typ = ent.typ
	}
	t.mu.RUnlock()
	if !ok {
		return
	}
	if !typ.IsTree() {
		cb.Added(path, typ)
		return
	}
	child, err := t.getOrLoadChild(ctx, name, fctx)
	if err != nil {
		if !errors.Is(err, syscall.ENOENT) {
			cb.DiffError(path, err)
		}
		return
	}
	child.mu.RLock()
	names := make([]string, 0, len(child.entries))
	for n := range child.entries {
		names = append(names, n)
	}
	child.mu.RUnlock()
	for _, n := range names {
		m.reportLocalAdded(ctx, child, joinPath(path, n), n, cb, fctx)
	}
}
