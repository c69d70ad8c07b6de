package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/radryc/snapfs/internal/model"
)

// MemoryStore is an in-process object store used by tests and by takeover
// rehearsals. Objects are addressed by the SHA-1 of their content, matching
// the git backend's addressing.
type MemoryStore struct {
	mu    sync.RWMutex
	roots map[model.RootID]model.ObjectID
	trees map[model.ObjectID]*model.Tree
	blobs map[model.ObjectID][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roots: make(map[model.RootID]model.ObjectID),
		trees: make(map[model.ObjectID]*model.Tree),
		blobs: make(map[model.ObjectID][]byte),
	}
}

// PutBlob stores blob content and returns its id.
func (s *MemoryStore) PutBlob(content []byte) model.ObjectID {
	sum := sha1.Sum(content)
	id := model.ObjectID(hex.EncodeToString(sum[:]))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = append([]byte(nil), content...)
	return id
}

// PutTree stores a tree and returns its id, derived from the entry listing.
func (s *MemoryStore) PutTree(entries []model.TreeEntry) model.ObjectID {
	h := sha1.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s %d %s\n", e.Name, e.Type, e.ID)
	}
	id := model.ObjectID(hex.EncodeToString(h.Sum(nil)))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[id] = model.NewTree(id, entries)
	return id
}

// PutRoot binds a snapshot id to a root tree.
func (s *MemoryStore) PutRoot(root model.RootID, tree model.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[root] = tree
}

// GetRootTree implements ObjectStore.
func (s *MemoryStore) GetRootTree(ctx context.Context, id model.RootID, fctx *FetchContext) (*model.Tree, error) {
	s.mu.RLock()
	treeID, ok := s.roots[id]
	s.mu.RUnlock()
	fctx.RecordMetadata(ok)
	if !ok {
		return nil, fmt.Errorf("root tree for snapshot %s: %w", id, ErrObjectNotFound)
	}
	return s.GetTree(ctx, treeID, fctx)
}

// GetTree implements ObjectStore.
func (s *MemoryStore) GetTree(ctx context.Context, id model.ObjectID, fctx *FetchContext) (*model.Tree, error) {
	s.mu.RLock()
	tree, ok := s.trees[id]
	s.mu.RUnlock()
	fctx.RecordTree(ok)
	if !ok {
		return nil, fmt.Errorf("tree %s: %w", id, ErrObjectNotFound)
	}
	return tree, nil
}

// GetBlob implements ObjectStore.
func (s *MemoryStore) GetBlob(ctx context.Context, id model.ObjectID, fctx *FetchContext) ([]byte, error) {
	s.mu.RLock()
	content, ok := s.blobs[id]
	s.mu.RUnlock()
	fctx.RecordBlob(ok)
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", id, ErrObjectNotFound)
	}
	return append([]byte(nil), content...), nil
}

// GetTreeEntryForRootID implements ObjectStore.
func (s *MemoryStore) GetTreeEntryForRootID(ctx context.Context, id model.RootID, typ model.EntryType, name string, fctx *FetchContext) (*model.TreeEntry, error) {
	root, err := s.GetRootTree(ctx, id, fctx)
	if err != nil {
		return nil, err
	}
	ent := root.Lookup(name)
	if ent == nil || ent.Type != typ {
		return nil, fmt.Errorf("entry %s (%s) in snapshot %s: %w", name, typ, id, ErrObjectNotFound)
	}
	copied := *ent
	return &copied, nil
}
