package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/filemode"
	"github.com/go-git/go-git/v6/plumbing/object"

	"github.com/radryc/snapfs/internal/model"
)

// GitStore serves snapshot trees and blobs out of a local git object
// database. Snapshot ids are commit hashes. The repository is expected to be
// a NoCheckout clone: only the object store is consulted, never a worktree.
type GitStore struct {
	repo   *git.Repository
	logger *slog.Logger

	mu        sync.RWMutex
	treeCache map[model.ObjectID]*model.Tree
	blobCache map[model.ObjectID][]byte
	blobBytes int

	// Blobs above this size are not cached. Trees are always cached; they
	// are small and checkout revisits them.
	maxCachedBlob int
}

// maxBlobCacheBytes bounds the total memory spent on cached blob content.
const maxBlobCacheBytes = 64 * 1024 * 1024

// OpenGitStore opens the git repository at path as an object store.
func OpenGitStore(path string, logger *slog.Logger) (*GitStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open git object store %s: %w", path, err)
	}
	return &GitStore{
		repo:          repo,
		logger:        logger.With("component", "gitstore"),
		treeCache:     make(map[model.ObjectID]*model.Tree),
		blobCache:     make(map[model.ObjectID][]byte),
		maxCachedBlob: 4 * 1024 * 1024,
	}, nil
}

func convertMode(mode filemode.FileMode) (model.EntryType, error) {
	switch mode {
	case filemode.Dir:
		return model.TypeTree, nil
	case filemode.Regular:
		return model.TypeRegularFile, nil
	case filemode.Executable:
		return model.TypeExecutableFile, nil
	case filemode.Symlink:
		return model.TypeSymlink, nil
	}
	return 0, fmt.Errorf("unsupported tree entry mode %s", mode)
}

func convertTree(t *object.Tree) (*model.Tree, error) {
	entries := make([]model.TreeEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		typ, err := convertMode(e.Mode)
		if err != nil {
			// Submodule commits and other exotic modes are not representable
			// in the working copy; skip them rather than failing the tree.
			continue
		}
		entries = append(entries, model.TreeEntry{
			Name: e.Name,
			ID:   model.ObjectID(e.Hash.String()),
			Type: typ,
		})
	}
	return model.NewTree(model.ObjectID(t.Hash.String()), entries), nil
}

// GetRootTree implements ObjectStore.
func (s *GitStore) GetRootTree(ctx context.Context, id model.RootID, fctx *FetchContext) (*model.Tree, error) {
	commit, err := s.repo.CommitObject(plumbing.NewHash(string(id)))
	if err != nil {
		fctx.RecordMetadata(false)
		if err == plumbing.ErrObjectNotFound {
			return nil, fmt.Errorf("snapshot %s: %w", id, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("resolve snapshot %s: %w", id, err)
	}
	fctx.RecordMetadata(true)
	return s.GetTree(ctx, model.ObjectID(commit.TreeHash.String()), fctx)
}

// GetTree implements ObjectStore.
func (s *GitStore) GetTree(ctx context.Context, id model.ObjectID, fctx *FetchContext) (*model.Tree, error) {
	s.mu.RLock()
	cached, ok := s.treeCache[id]
	s.mu.RUnlock()
	fctx.RecordTree(ok)
	if ok {
		return cached, nil
	}

	gitTree, err := s.repo.TreeObject(plumbing.NewHash(string(id)))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, fmt.Errorf("tree %s: %w", id, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("load tree %s: %w", id, err)
	}
	tree, err := convertTree(gitTree)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.treeCache[id] = tree
	s.mu.Unlock()
	return tree, nil
}

// GetBlob implements ObjectStore.
func (s *GitStore) GetBlob(ctx context.Context, id model.ObjectID, fctx *FetchContext) ([]byte, error) {
	s.mu.RLock()
	cached, ok := s.blobCache[id]
	s.mu.RUnlock()
	fctx.RecordBlob(ok)
	if ok {
		return append([]byte(nil), cached...), nil
	}

	blob, err := s.repo.BlobObject(plumbing.NewHash(string(id)))
	if err != nil {
		if err == plumbing.ErrObjectNotFound {
			return nil, fmt.Errorf("blob %s: %w", id, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("load blob %s: %w", id, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}

	if len(content) <= s.maxCachedBlob {
		s.mu.Lock()
		if s.blobBytes+len(content) > maxBlobCacheBytes {
			// Whole-cache eviction keeps the bookkeeping trivial; checkout
			// workloads rarely refetch evicted blobs.
			s.blobCache = make(map[model.ObjectID][]byte)
			s.blobBytes = 0
			s.logger.Debug("blob cache evicted")
		}
		s.blobCache[id] = append([]byte(nil), content...)
		s.blobBytes += len(content)
		s.mu.Unlock()
	}
	return content, nil
}

// GetTreeEntryForRootID implements ObjectStore.
func (s *GitStore) GetTreeEntryForRootID(ctx context.Context, id model.RootID, typ model.EntryType, name string, fctx *FetchContext) (*model.TreeEntry, error) {
	root, err := s.GetRootTree(ctx, id, fctx)
	if err != nil {
		return nil, err
	}
	ent := root.Lookup(name)
	if ent == nil {
		return nil, fmt.Errorf("entry %s in snapshot %s: %w", name, id, ErrObjectNotFound)
	}
	if ent.Type != typ {
		return nil, fmt.Errorf("entry %s in snapshot %s has type %s, want %s", name, id, ent.Type, typ)
	}
	copied := *ent
	return &copied, nil
}
