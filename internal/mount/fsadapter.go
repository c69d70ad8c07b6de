package mount

import (
	"context"
	"syscall"

	"github.com/radryc/snapfs/internal/channel"
	"github.com/radryc/snapfs/internal/store"
)

// fsAdapter exposes the inode tree through the channel.FileSystem read API.
// Every lookup reply takes a kernel reference that Forget later drops.
type fsAdapter struct {
	m *Mount
}

// FileSystem returns the kernel-facing view of the mount.
func (m *Mount) FileSystem() channel.FileSystem {
	return &fsAdapter{m: m}
}

func (a *fsAdapter) treeByIno(ino uint64) (*TreeInode, error) {
	rec, err := a.m.inodes.lookupRecord(ino)
	if err != nil {
		return nil, err
	}
	if rec.tree == nil {
		return nil, syscall.ENOTDIR
	}
	return rec.tree, nil
}

func (a *fsAdapter) Lookup(ctx context.Context, parent uint64, name string) (channel.Attr, error) {
	a.m.renameLock.RLock()
	defer a.m.renameLock.RUnlock()
	t, err := a.treeByIno(parent)
	if err != nil {
		return channel.Attr{}, err
	}
	fctx := store.NewFetchContext()
	attr, err := t.Lookup(ctx, name, fctx)
	if err != nil {
		return channel.Attr{}, err
	}
	if attr.Mode&syscall.S_IFDIR != 0 {
		// Directory inode records are created on load, not lookup.
		if _, err := t.getOrLoadChild(ctx, name, fctx); err != nil {
			return channel.Attr{}, err
		}
	}
	a.m.inodes.incFsRefcount(attr.Ino)
	return attr, nil
}

func (a *fsAdapter) GetAttr(ctx context.Context, ino uint64) (channel.Attr, error) {
	a.m.renameLock.RLock()
	defer a.m.renameLock.RUnlock()
	rec, err := a.m.inodes.lookupRecord(ino)
	if err != nil {
		return channel.Attr{}, err
	}
	if rec.tree != nil {
		return rec.tree.Attr(), nil
	}
	rec.parent.mu.Lock()
	defer rec.parent.mu.Unlock()
	ent, ok := rec.parent.entries[rec.name]
	if !ok {
		return channel.Attr{}, syscall.ESTALE
	}
	return rec.parent.attrForEntryLocked(ctx, rec.name, ent, store.NewFetchContext())
}

func (a *fsAdapter) ReadDir(ctx context.Context, ino uint64) ([]channel.Dirent, error) {
	a.m.renameLock.RLock()
	defer a.m.renameLock.RUnlock()
	t, err := a.treeByIno(ino)
	if err != nil {
		return nil, err
	}
	return t.ReadDir(ctx, store.NewFetchContext())
}

func (a *fsAdapter) ReadFile(ctx context.Context, ino uint64, off int64, size int) ([]byte, error) {
	a.m.renameLock.RLock()
	defer a.m.renameLock.RUnlock()
	rec, err := a.m.inodes.lookupRecord(ino)
	if err != nil {
		return nil, err
	}
	if rec.tree != nil {
		return nil, syscall.EISDIR
	}
	content, err := rec.parent.readEntryContent(ctx, rec.name, store.NewFetchContext())
	if err != nil {
		return nil, err
	}
	if off >= int64(len(content)) {
		return nil, nil
	}
	end := off + int64(size)
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[off:end], nil
}

func (a *fsAdapter) Readlink(ctx context.Context, ino uint64) (string, error) {
	a.m.renameLock.RLock()
	defer a.m.renameLock.RUnlock()
	rec, err := a.m.inodes.lookupRecord(ino)
	if err != nil {
		return "", err
	}
	if rec.tree != nil {
		return "", syscall.EINVAL
	}
	return rec.parent.readlinkEntry(ctx, rec.name, store.NewFetchContext())
}

func (a *fsAdapter) Forget(ino uint64, nlookup uint64) {
	a.m.inodes.Forget(ino, nlookup)
}
