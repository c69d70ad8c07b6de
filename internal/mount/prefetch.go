package mount

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/store"
)

// treePrefetchLease is an admission slot for one subtree prefetch. Release
// returns the slot; the ceiling bounds how many prefetch walks run at once
// across the mount.
type treePrefetchLease struct {
	m        *Mount
	released bool
}

// tryStartTreePrefetch claims a prefetch slot, or reports that the ceiling
// is reached.
func (m *Mount) tryStartTreePrefetch() (*treePrefetchLease, bool) {
	n := m.prefetchesInProgress.Add(1)
	if n > m.cfg.MaxTreePrefetches {
		m.prefetchesInProgress.Add(-1)
		return nil, false
	}
	return &treePrefetchLease{m: m}, true
}

func (l *treePrefetchLease) release() {
	if l.released {
		return
	}
	l.released = true
	l.m.prefetchesInProgress.Add(-1)
}

// PrefetchTree warms the object store's tree cache for the subtree rooted at
// id. It returns false without fetching when the concurrent-prefetch ceiling
// is reached.
func (m *Mount) PrefetchTree(ctx context.Context, id model.ObjectID) (bool, error) {
	lease, ok := m.tryStartTreePrefetch()
	if !ok {
		m.logger.Debug("tree prefetch skipped, ceiling reached", "tree", string(id))
		return false, nil
	}
	defer lease.release()

	fctx := store.NewFetchContext()
	if err := m.prefetchTreeRecursive(ctx, id, fctx); err != nil {
		return true, fmt.Errorf("prefetch tree %s: %w", string(id), err)
	}
	m.logger.Debug("tree prefetch finished", "tree", string(id), "stats", fctx.Statistics().String())
	return true, nil
}

func (m *Mount) prefetchTreeRecursive(ctx context.Context, id model.ObjectID, fctx *store.FetchContext) error {
	tree, err := m.store.GetTree(ctx, id, fctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range tree.Entries {
		if !e.Type.IsTree() {
			continue
		}
		childID := e.ID
		g.Go(func() error {
			return m.prefetchTreeRecursive(gctx, childID, fctx)
		})
	}
	return g.Wait()
}
