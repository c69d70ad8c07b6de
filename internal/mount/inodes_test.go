package mount

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/privhelper"
	"github.com/radryc/snapfs/internal/store"
)

func TestAdapterLookupAndRead(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fs := fx.m.FileSystem()

	attr, err := fs.Lookup(ctx, rootInodeNumber, "a.txt")
	if err != nil {
		t.Fatalf("Lookup a.txt: %v", err)
	}
	if attr.Size != uint64(len("alpha v1\n")) {
		t.Fatalf("a.txt size = %d", attr.Size)
	}
	if attr.Mode != modeFile {
		t.Fatalf("a.txt mode = %o", attr.Mode)
	}
	if attr.UID != 1000 || attr.GID != 1000 {
		t.Fatalf("a.txt owner = %d:%d", attr.UID, attr.GID)
	}

	content, err := fs.ReadFile(ctx, attr.Ino, 0, 4096)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "alpha v1\n" {
		t.Fatalf("content = %q", content)
	}

	// Offset reads slice the blob.
	tail, err := fs.ReadFile(ctx, attr.Ino, 6, 4096)
	if err != nil {
		t.Fatalf("ReadFile offset: %v", err)
	}
	if string(tail) != "v1\n" {
		t.Fatalf("tail = %q", tail)
	}
	past, err := fs.ReadFile(ctx, attr.Ino, 100, 10)
	if err != nil || past != nil {
		t.Fatalf("read past end = %q, %v", past, err)
	}

	if _, err := fs.Lookup(ctx, rootInodeNumber, "nope"); !errors.Is(err, syscall.ENOENT) {
		t.Fatalf("Lookup missing = %v, want ENOENT", err)
	}
}

func TestAdapterReadDir(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fs := fx.m.FileSystem()

	ents, err := fs.ReadDir(ctx, rootInodeNumber)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, len(ents))
	for i, e := range ents {
		names[i] = e.Name
	}
	want := []string{".snap", "a.txt", "b.txt", "sub"}
	if len(names) != len(want) {
		t.Fatalf("root listing = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("root listing = %v, want %v", names, want)
		}
	}

	sub, err := fs.Lookup(ctx, rootInodeNumber, "sub")
	if err != nil {
		t.Fatalf("Lookup sub: %v", err)
	}
	subEnts, err := fs.ReadDir(ctx, sub.Ino)
	if err != nil {
		t.Fatalf("ReadDir sub: %v", err)
	}
	if len(subEnts) != 1 || subEnts[0].Name != "c.txt" {
		t.Fatalf("sub listing = %+v", subEnts)
	}
}

func TestAdapterGetAttrAndStaleInode(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fs := fx.m.FileSystem()

	attr, err := fs.GetAttr(ctx, rootInodeNumber)
	if err != nil {
		t.Fatalf("GetAttr root: %v", err)
	}
	if attr.Mode != modeDir || attr.Nlink != 2 {
		t.Fatalf("root attr = %+v", attr)
	}

	if _, err := fs.GetAttr(ctx, 999999); !errors.Is(err, syscall.ESTALE) {
		t.Fatalf("GetAttr unknown = %v, want ESTALE", err)
	}
}

func TestForgetDropsLeafRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fs := fx.m.FileSystem()

	attr, err := fs.Lookup(ctx, rootInodeNumber, "a.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, err := fx.m.InodeMap().lookupRecord(attr.Ino); err != nil {
		t.Fatalf("record missing after lookup: %v", err)
	}

	fs.Forget(attr.Ino, 1)
	if _, err := fx.m.InodeMap().lookupRecord(attr.Ino); !errors.Is(err, syscall.ESTALE) {
		t.Fatalf("record survived forget: %v", err)
	}
}

func TestUnloadSparesKernelReferencedDirs(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fs := fx.m.FileSystem()
	im := fx.m.InodeMap()

	sub, err := fs.Lookup(ctx, rootInodeNumber, "sub")
	if err != nil {
		t.Fatalf("Lookup sub: %v", err)
	}

	// The kernel holds a reference to sub, so an unload pass keeps it.
	n := im.unloadChildrenUnreferencedByFs(im.Root())
	if _, err := im.lookupRecord(sub.Ino); err != nil {
		t.Fatalf("referenced dir was unloaded: %v", err)
	}

	fs.Forget(sub.Ino, 1)
	n = im.unloadChildrenUnreferencedByFs(im.Root())
	if n == 0 {
		t.Fatalf("unload pass freed nothing after forget")
	}
	if _, err := im.lookupRecord(sub.Ino); !errors.Is(err, syscall.ESTALE) {
		t.Fatalf("unreferenced dir still loaded: %v", err)
	}
}

func TestEnsureDirectoryExists(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	dir, err := fx.m.EnsureDirectoryExists(ctx, "new/deep")
	if err != nil {
		t.Fatalf("EnsureDirectoryExists: %v", err)
	}
	if dir.path() != "new/deep" {
		t.Fatalf("path = %q", dir.path())
	}
	// Idempotent.
	again, err := fx.m.EnsureDirectoryExists(ctx, "new/deep")
	if err != nil {
		t.Fatalf("second EnsureDirectoryExists: %v", err)
	}
	if again.ino != dir.ino {
		t.Fatalf("directory recreated: ino %d -> %d", dir.ino, again.ino)
	}
}

func TestWriteChildFileShowsUpInDiff(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()

	if err := fx.m.writeChildFile(root, "c.sh", []byte("#!/bin/sh\n"), model.TypeExecutableFile); err != nil {
		t.Fatalf("writeChildFile: %v", err)
	}
	changes, err := fx.m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(changes) != 1 || changes[0].Path != "c.sh" || changes[0].Status != "added" {
		t.Fatalf("changes = %+v", changes)
	}

	attr, err := root.Lookup(ctx, "c.sh", store.NewFetchContext())
	if err != nil {
		t.Fatalf("Lookup c.sh: %v", err)
	}
	if attr.Mode != modeExec {
		t.Fatalf("c.sh mode = %o, want executable", attr.Mode)
	}
}

func TestTakeoverPreservesInodeNumbers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fs := fx.m.FileSystem()

	sub, err := fs.Lookup(ctx, rootInodeNumber, "sub")
	if err != nil {
		t.Fatalf("Lookup sub: %v", err)
	}
	file, err := fs.Lookup(ctx, rootInodeNumber, "a.txt")
	if err != nil {
		t.Fatalf("Lookup a.txt: %v", err)
	}

	data, err := fx.m.Shutdown(ctx, true)
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("takeover shutdown produced no inode table")
	}

	m2 := New(Options{
		Config:   fx.m.Config(),
		Store:    fx.store,
		Helper:   &privhelper.NopHelper{},
		Logger:   testLogger(),
		OwnerUID: 1000,
		OwnerGID: 1000,
	})
	if err := m2.Initialize(ctx, data); err != nil {
		t.Fatalf("Initialize from takeover: %v", err)
	}
	t.Cleanup(func() { m2.Shutdown(context.Background(), false) })

	fs2 := m2.FileSystem()
	attr, err := fs2.GetAttr(ctx, sub.Ino)
	if err != nil {
		t.Fatalf("GetAttr sub after takeover: %v", err)
	}
	if attr.Mode != modeDir {
		t.Fatalf("sub attr after takeover = %+v", attr)
	}
	content, err := fs2.ReadFile(ctx, file.Ino, 0, 4096)
	if err != nil {
		t.Fatalf("ReadFile a.txt after takeover: %v", err)
	}
	if string(content) != "alpha v1\n" {
		t.Fatalf("a.txt after takeover = %q", content)
	}
}

func TestSplitHelpers(t *testing.T) {
	if dir, name := splitPath("a/b/c.txt"); dir != "a/b" || name != "c.txt" {
		t.Fatalf("splitPath = %q, %q", dir, name)
	}
	if dir, name := splitPath("top"); dir != "" || name != "top" {
		t.Fatalf("splitPath(top) = %q, %q", dir, name)
	}
	got := splitComponents("a/b/c")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("splitComponents = %v", got)
	}
	if got := splitComponents(""); len(got) != 0 {
		t.Fatalf("splitComponents(empty) = %v", got)
	}
}
