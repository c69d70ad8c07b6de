package mount

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/radryc/snapfs/internal/store"
)

func TestResolveSymlinkChain(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()

	// link0 -> link1 -> ... -> link38 -> a.txt: 39 hops resolve.
	if err := fx.m.createSymlink(root, "link38", "a.txt"); err != nil {
		t.Fatalf("create link38: %v", err)
	}
	for i := 37; i >= 0; i-- {
		if err := fx.m.createSymlink(root, fmt.Sprintf("link%d", i), fmt.Sprintf("link%d", i+1)); err != nil {
			t.Fatalf("create link%d: %v", i, err)
		}
	}

	resolved, err := fx.m.ResolveSymlink(ctx, "link0")
	if err != nil {
		t.Fatalf("ResolveSymlink: %v", err)
	}
	if resolved != "a.txt" {
		t.Fatalf("resolved = %q, want a.txt", resolved)
	}
	if got := fx.readFile(t, "link0"); got != "alpha v1\n" {
		t.Fatalf("content through chain = %q", got)
	}
}

func TestResolveSymlinkTooDeep(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()

	if err := fx.m.createSymlink(root, "loop", "loop"); err != nil {
		t.Fatalf("create loop: %v", err)
	}
	if _, err := fx.m.ResolveSymlink(ctx, "loop"); !errors.Is(err, ErrTooManySymlinks) {
		t.Fatalf("ResolveSymlink(loop) = %v, want ErrTooManySymlinks", err)
	}
}

func TestResolveSymlinkEscapes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()

	if err := fx.m.createSymlink(root, "abs", "/etc/passwd"); err != nil {
		t.Fatalf("create abs: %v", err)
	}
	if _, err := fx.m.ResolveSymlink(ctx, "abs"); !errors.Is(err, ErrSymlinkEscape) {
		t.Fatalf("absolute target = %v, want ErrSymlinkEscape", err)
	}

	if err := fx.m.createSymlink(root, "up", "../outside"); err != nil {
		t.Fatalf("create up: %v", err)
	}
	if _, err := fx.m.ResolveSymlink(ctx, "up"); !errors.Is(err, ErrSymlinkEscape) {
		t.Fatalf("climbing target = %v, want ErrSymlinkEscape", err)
	}
}

func TestResolveSymlinkRelativeWithinTree(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()

	sub, err := root.getOrLoadChild(ctx, "sub", store.NewFetchContext())
	if err != nil {
		t.Fatalf("load sub: %v", err)
	}
	if err := fx.m.createSymlink(sub, "up", "../a.txt"); err != nil {
		t.Fatalf("create sub/up: %v", err)
	}

	resolved, err := fx.m.ResolveSymlink(ctx, "sub/up")
	if err != nil {
		t.Fatalf("ResolveSymlink: %v", err)
	}
	if resolved != "a.txt" {
		t.Fatalf("resolved = %q, want a.txt", resolved)
	}
	if got := fx.readFile(t, "sub/up"); got != "alpha v1\n" {
		t.Fatalf("content through link = %q", got)
	}
}

func TestResolveSymlinkPlainPath(t *testing.T) {
	fx := newFixture(t)
	resolved, err := fx.m.ResolveSymlink(context.Background(), "sub/c.txt")
	if err != nil {
		t.Fatalf("ResolveSymlink: %v", err)
	}
	if resolved != "sub/c.txt" {
		t.Fatalf("resolved = %q", resolved)
	}
}
