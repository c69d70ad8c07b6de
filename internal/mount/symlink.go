package mount

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"syscall"

	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/store"
)

// maxSymlinkDepth bounds symlink chains during resolution.
const maxSymlinkDepth = 40

// ErrTooManySymlinks is returned when resolution exceeds maxSymlinkDepth.
var ErrTooManySymlinks = errors.New("too many levels of symbolic links")

// ErrSymlinkEscape is returned when a symlink points outside the working
// copy.
var ErrSymlinkEscape = errors.New("symlink target escapes the working copy")

// lookupLeaf resolves p to its parent directory and entry type.
func (m *Mount) lookupLeaf(ctx context.Context, p string, fctx *store.FetchContext) (*TreeInode, string, model.EntryType, error) {
	dir, name := splitPath(p)
	parent, err := m.resolveDir(ctx, dir, fctx)
	if err != nil {
		return nil, "", 0, err
	}
	parent.mu.RLock()
	ent, ok := parent.entries[name]
	if !ok {
		parent.mu.RUnlock()
		return nil, "", 0, syscall.ENOENT
	}
	typ := ent.typ
	parent.mu.RUnlock()
	return parent, name, typ, nil
}

// ResolveSymlink follows symlinks starting at p until a non-symlink path is
// reached, rejecting absolute targets and targets that climb above the
// working-copy root.
func (m *Mount) ResolveSymlink(ctx context.Context, p string) (string, error) {
	fctx := store.NewFetchContext()
	current := p
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		parent, name, typ, err := m.lookupLeaf(ctx, current, fctx)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", p, err)
		}
		if typ != model.TypeSymlink {
			return current, nil
		}
		target, err := parent.readlinkEntry(ctx, name, fctx)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", p, err)
		}
		if strings.HasPrefix(target, "/") {
			return "", fmt.Errorf("resolve %s: target %s: %w", p, target, ErrSymlinkEscape)
		}
		next := path.Join(path.Dir(current), target)
		if next == "." {
			next = ""
		}
		if next == ".." || strings.HasPrefix(next, "../") {
			return "", fmt.Errorf("resolve %s: target %s: %w", p, target, ErrSymlinkEscape)
		}
		current = next
	}
	return "", fmt.Errorf("resolve %s: %w", p, ErrTooManySymlinks)
}

// LoadFileContents resolves symlinks at p and returns the content of the
// file it lands on.
func (m *Mount) LoadFileContents(ctx context.Context, p string) ([]byte, error) {
	resolved, err := m.ResolveSymlink(ctx, p)
	if err != nil {
		return nil, err
	}
	fctx := store.NewFetchContext()
	parent, name, typ, err := m.lookupLeaf(ctx, resolved, fctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", resolved, err)
	}
	if typ.IsTree() {
		return nil, fmt.Errorf("load %s: %w", resolved, syscall.EISDIR)
	}
	return parent.readEntryContent(ctx, name, fctx)
}
