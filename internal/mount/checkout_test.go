package mount

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/store"
)

func TestCheckoutFastForward(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("clean checkout reported conflicts: %+v", res.Conflicts)
	}
	if p := fx.m.Parent(); p != fx.snapB {
		t.Fatalf("parent = %s, want snapB", p)
	}
	if got := fx.readFile(t, "a.txt"); got != "alpha v2\n" {
		t.Fatalf("a.txt = %q", got)
	}
	if got := fx.readFile(t, "sub/c.txt"); got != "gamma v2\n" {
		t.Fatalf("sub/c.txt = %q", got)
	}
	if got := fx.readFile(t, "d.txt"); got != "delta\n" {
		t.Fatalf("d.txt = %q", got)
	}
}

func TestCheckoutJournalCoversSwappedSubtrees(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.m.Checkout(context.Background(), fx.snapB, model.CheckoutNormal); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	latest := fx.m.Journal().Latest()
	if latest.FromParent != fx.snapA || latest.ToParent != fx.snapB {
		t.Fatalf("journal transition = %+v", latest)
	}
	unclean := make(map[string]struct{}, len(latest.UncleanPaths))
	for _, p := range latest.UncleanPaths {
		unclean[p] = struct{}{}
	}
	// The sub directory took the entry-swap fast path; the journal must
	// still name it so subscribers invalidate the whole subtree.
	for _, want := range []string{"a.txt", "b.txt", "sub", "d.txt"} {
		if _, ok := unclean[want]; !ok {
			t.Fatalf("unclean paths %v missing %s", latest.UncleanPaths, want)
		}
	}
}

func TestCheckoutPreservesLocalEdit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()
	if err := fx.m.writeChildFile(root, "a.txt", []byte("local edit\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}

	res, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want 1", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Path != "a.txt" || c.Type != model.ConflictModifiedModified {
		t.Fatalf("conflict = %+v", c)
	}
	// The local edit survives; the rest of the working copy moved.
	if got := fx.readFile(t, "a.txt"); got != "local edit\n" {
		t.Fatalf("a.txt = %q", got)
	}
	if got := fx.readFile(t, "b.txt"); got != "beta v2\n" {
		t.Fatalf("b.txt = %q", got)
	}
	if p := fx.m.Parent(); p != fx.snapB {
		t.Fatalf("parent = %s, want snapB", p)
	}
}

func TestCheckoutForceDiscardsLocalEdit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()
	if err := fx.m.writeChildFile(root, "a.txt", []byte("local edit\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}

	res, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutForce)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Path != "a.txt" {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	if got := fx.readFile(t, "a.txt"); got != "alpha v2\n" {
		t.Fatalf("a.txt after force = %q", got)
	}
}

func TestCheckoutDryRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()
	if err := fx.m.writeChildFile(root, "a.txt", []byte("local edit\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	journalBefore := len(fx.m.Journal().Entries())

	res, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutDryRun)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Path != "a.txt" {
		t.Fatalf("dry run conflicts = %+v", res.Conflicts)
	}
	// Nothing moved.
	if p := fx.m.Parent(); p != fx.snapA {
		t.Fatalf("parent = %s, want snapA", p)
	}
	if got := fx.readFile(t, "b.txt"); got != "beta v1\n" {
		t.Fatalf("b.txt after dry run = %q", got)
	}
	if n := len(fx.m.Journal().Entries()); n != journalBefore {
		t.Fatalf("dry run appended journal records: %d -> %d", journalBefore, n)
	}
}

func TestCheckoutUntrackedCollision(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()
	if err := fx.m.writeChildFile(root, "d.txt", []byte("mine\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write d.txt: %v", err)
	}

	res, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want 1", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Path != "d.txt" || c.Type != model.ConflictUntrackedAdded {
		t.Fatalf("conflict = %+v", c)
	}
	if got := fx.readFile(t, "d.txt"); got != "mine\n" {
		t.Fatalf("d.txt = %q", got)
	}
}

func TestCheckoutModifiedRemoved(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Move to snapB first, edit d.txt, then go back to snapA which does
	// not contain it.
	if _, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal); err != nil {
		t.Fatalf("Checkout snapB: %v", err)
	}
	root := fx.m.InodeMap().Root()
	if err := fx.m.writeChildFile(root, "d.txt", []byte("precious\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write d.txt: %v", err)
	}

	res, err := fx.m.Checkout(ctx, fx.snapA, model.CheckoutNormal)
	if err != nil {
		t.Fatalf("Checkout snapA: %v", err)
	}
	var found bool
	for _, c := range res.Conflicts {
		if c.Path == "d.txt" && c.Type == model.ConflictModifiedRemoved {
			found = true
		}
	}
	if !found {
		t.Fatalf("conflicts = %+v, want modified_removed at d.txt", res.Conflicts)
	}
	if got := fx.readFile(t, "d.txt"); got != "precious\n" {
		t.Fatalf("d.txt = %q", got)
	}
}

func TestCheckoutRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal); err != nil {
		t.Fatalf("Checkout snapB: %v", err)
	}
	res, err := fx.m.Checkout(ctx, fx.snapA, model.CheckoutNormal)
	if err != nil {
		t.Fatalf("Checkout snapA: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("round trip conflicts = %+v", res.Conflicts)
	}
	if got := fx.readFile(t, "a.txt"); got != "alpha v1\n" {
		t.Fatalf("a.txt = %q", got)
	}
	if got := fx.readFile(t, "sub/c.txt"); got != "gamma v1\n" {
		t.Fatalf("sub/c.txt = %q", got)
	}
	if _, err := fx.m.LoadFileContents(ctx, "d.txt"); !errors.Is(err, syscall.ENOENT) {
		t.Fatalf("d.txt after round trip = %v, want ENOENT", err)
	}
}

func TestConcurrentCheckoutFailsFast(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.m.Faults().InjectDelay("inodeCheckout", "", time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	_, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal)
	if !errors.Is(err, ErrCheckoutInProgress) {
		t.Fatalf("second checkout = %v, want ErrCheckoutInProgress", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first checkout: %v", err)
	}
}

func TestCheckoutStampsAttributeTimes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()

	before := root.Attr().Mtime
	time.Sleep(10 * time.Millisecond)
	if _, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	after := root.Attr().Mtime
	if !after.After(before) {
		t.Fatalf("mtime did not advance: %v -> %v", before, after)
	}
	attr, err := root.Lookup(ctx, "a.txt", store.NewFetchContext())
	if err != nil {
		t.Fatalf("lookup a.txt: %v", err)
	}
	if !attr.Mtime.Equal(after) {
		t.Fatalf("entry mtime = %v, want %v", attr.Mtime, after)
	}

	// A dry run mutates nothing and must not move the stamp either.
	time.Sleep(10 * time.Millisecond)
	if _, err := fx.m.Checkout(ctx, fx.snapA, model.CheckoutDryRun); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if got := root.Attr().Mtime; !got.Equal(after) {
		t.Fatalf("dry run moved mtime: %v -> %v", after, got)
	}
}

func TestLookupWaitsForCheckoutMutation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fs := fx.m.FileSystem()
	fx.m.Faults().InjectDelay("inodeCheckout", "", 400*time.Millisecond)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := fx.m.Checkout(ctx, fx.snapB, model.CheckoutNormal)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	// The checkout holds the rename lock exclusively while it rewrites the
	// tree; a plain lookup must not observe the half-applied state.
	if _, err := fs.Lookup(ctx, rootInodeNumber, "a.txt"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 350*time.Millisecond {
		t.Fatalf("lookup returned after %v, before the checkout released the tree", elapsed)
	}
	if err := <-done; err != nil {
		t.Fatalf("checkout: %v", err)
	}
}

// treeCountingStore counts tree fetches made directly against the store.
type treeCountingStore struct {
	*store.MemoryStore
	treeFetches atomic.Int64
}

func (c *treeCountingStore) GetTree(ctx context.Context, id model.ObjectID, fctx *store.FetchContext) (*model.Tree, error) {
	c.treeFetches.Add(1)
	return c.MemoryStore.GetTree(ctx, id, fctx)
}

func TestCheckoutDryRunSkipsPreScan(t *testing.T) {
	base, _ := buildSnapshotStore()
	cs := &treeCountingStore{MemoryStore: base}
	m := newTestMount(t, cs)
	ctx := context.Background()

	root := m.InodeMap().Root()
	sub, err := root.getOrLoadChild(ctx, "sub", store.NewFetchContext())
	if err != nil {
		t.Fatalf("load sub: %v", err)
	}
	if err := m.writeChildFile(sub, "c.txt", []byte("edit\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write sub/c.txt: %v", err)
	}

	cs.treeFetches.Store(0)
	res, err := m.Checkout(ctx, "snapB", model.CheckoutDryRun)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Path != "sub/c.txt" {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	// Only the merge walks into sub, fetching its tree on each side. The
	// journal pre-scan would fetch the source tree a second time, but a dry
	// run records nothing and skips it.
	if n := cs.treeFetches.Load(); n != 2 {
		t.Fatalf("dry run fetched %d trees, want 2", n)
	}
}

func TestSetPathObjectIDRejectsSymlink(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.m.SetPathObjectID(context.Background(), "link", "someid", model.TypeSymlink, model.CheckoutNormal)
	if !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("graft of symlink = %v, want EINVAL", err)
	}
	_, err = fx.m.SetPathObjectID(context.Background(), "", "someid", model.TypeRegularFile, model.CheckoutNormal)
	if !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("graft at empty path = %v, want EINVAL", err)
	}
}

func TestSetPathObjectIDGraftsTree(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.m.SetPathObjectID(ctx, "grafted", fx.subB, model.TypeTree, model.CheckoutNormal)
	if err != nil {
		t.Fatalf("SetPathObjectID: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("graft conflicts = %+v", res.Conflicts)
	}
	if got := fx.readFile(t, "grafted/c.txt"); got != "gamma v2\n" {
		t.Fatalf("grafted/c.txt = %q", got)
	}
	// The parent snapshot did not move; the journal records the graft as
	// unclean paths on the current parent.
	if p := fx.m.Parent(); p != fx.snapA {
		t.Fatalf("parent = %s, want snapA", p)
	}
	latest := fx.m.Journal().Latest()
	if latest.FromParent != fx.snapA || latest.ToParent != fx.snapA {
		t.Fatalf("journal record = %+v", latest)
	}
	if len(latest.UncleanPaths) != 1 || latest.UncleanPaths[0] != "grafted" {
		t.Fatalf("unclean paths = %v", latest.UncleanPaths)
	}
}

func TestSetPathObjectIDConflictsWithLocalChange(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()
	if err := fx.m.writeChildFile(root, "x.txt", []byte("mine\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write x.txt: %v", err)
	}

	res, err := fx.m.SetPathObjectID(ctx, "x.txt", fx.subB, model.TypeTree, model.CheckoutNormal)
	if err != nil {
		t.Fatalf("SetPathObjectID: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Type != model.ConflictModifiedModified {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	if got := fx.readFile(t, "x.txt"); got != "mine\n" {
		t.Fatalf("x.txt = %q", got)
	}
}

func TestSetPathObjectIDDryRun(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.m.SetPathObjectID(ctx, "grafted", fx.subB, model.TypeTree, model.CheckoutDryRun)
	if err != nil {
		t.Fatalf("SetPathObjectID: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("dry run conflicts = %+v", res.Conflicts)
	}
	if _, err := fx.m.LoadFileContents(ctx, "grafted/c.txt"); err == nil {
		t.Fatalf("dry run must not graft anything")
	}
}
