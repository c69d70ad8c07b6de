// Package store provides content-addressed access to snapshot trees and
// blobs, with per-operation fetch accounting.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/radryc/snapfs/internal/model"
)

// ErrObjectNotFound is returned when a tree or blob is not present in the
// backing store.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore retrieves snapshot data. Implementations must be safe for
// concurrent use; every method records its accesses in fctx.
type ObjectStore interface {
	// GetRootTree resolves a snapshot id to its root tree.
	GetRootTree(ctx context.Context, id model.RootID, fctx *FetchContext) (*model.Tree, error)

	// GetTree loads a tree object by id.
	GetTree(ctx context.Context, id model.ObjectID, fctx *FetchContext) (*model.Tree, error)

	// GetBlob loads blob content by id.
	GetBlob(ctx context.Context, id model.ObjectID, fctx *FetchContext) ([]byte, error)

	// GetTreeEntryForRootID resolves a single named entry of the snapshot's
	// root tree, for partial checkouts that graft one object.
	GetTreeEntryForRootID(ctx context.Context, id model.RootID, typ model.EntryType, name string, fctx *FetchContext) (*model.TreeEntry, error)
}

// FetchContext accumulates object access counts for one logical operation
// (a checkout, a diff). All counters are safe for concurrent update.
type FetchContext struct {
	treeAccesses atomic.Uint64
	treeHits     atomic.Uint64
	blobAccesses atomic.Uint64
	blobHits     atomic.Uint64
	metaAccesses atomic.Uint64
	metaHits     atomic.Uint64
}

// NewFetchContext returns an empty fetch context.
func NewFetchContext() *FetchContext { return &FetchContext{} }

// RecordTree records one tree access. hit marks a cache hit.
func (f *FetchContext) RecordTree(hit bool) {
	f.treeAccesses.Add(1)
	if hit {
		f.treeHits.Add(1)
	}
}

// RecordBlob records one blob access.
func (f *FetchContext) RecordBlob(hit bool) {
	f.blobAccesses.Add(1)
	if hit {
		f.blobHits.Add(1)
	}
}

// RecordMetadata records one metadata access.
func (f *FetchContext) RecordMetadata(hit bool) {
	f.metaAccesses.Add(1)
	if hit {
		f.metaHits.Add(1)
	}
}

// Merge folds the counters of other into f.
func (f *FetchContext) Merge(other *FetchContext) {
	f.treeAccesses.Add(other.treeAccesses.Load())
	f.treeHits.Add(other.treeHits.Load())
	f.blobAccesses.Add(other.blobAccesses.Load())
	f.blobHits.Add(other.blobHits.Load())
	f.metaAccesses.Add(other.metaAccesses.Load())
	f.metaHits.Add(other.metaHits.Load())
}

// AccessStats is a point-in-time snapshot of one object class.
type AccessStats struct {
	AccessCount  uint64
	CacheHitRate float64
}

// FetchStats summarizes all accesses of a fetch context.
type FetchStats struct {
	Tree     AccessStats
	Blob     AccessStats
	Metadata AccessStats
}

func hitRate(accesses, hits uint64) float64 {
	if accesses == 0 {
		return 100
	}
	return float64(hits) * 100 / float64(accesses)
}

// Statistics computes the current totals.
func (f *FetchContext) Statistics() FetchStats {
	ta, th := f.treeAccesses.Load(), f.treeHits.Load()
	ba, bh := f.blobAccesses.Load(), f.blobHits.Load()
	ma, mh := f.metaAccesses.Load(), f.metaHits.Load()
	return FetchStats{
		Tree:     AccessStats{AccessCount: ta, CacheHitRate: hitRate(ta, th)},
		Blob:     AccessStats{AccessCount: ba, CacheHitRate: hitRate(ba, bh)},
		Metadata: AccessStats{AccessCount: ma, CacheHitRate: hitRate(ma, mh)},
	}
}

// String renders the stats in log-friendly form.
func (s FetchStats) String() string {
	return fmt.Sprintf("%d trees (%.0f%% chr), %d blobs (%.0f%% chr), %d metadata (%.0f%% chr)",
		s.Tree.AccessCount, s.Tree.CacheHitRate,
		s.Blob.AccessCount, s.Blob.CacheHitRate,
		s.Metadata.AccessCount, s.Metadata.CacheHitRate)
}
