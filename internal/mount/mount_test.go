package mount

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/radryc/snapfs/internal/config"
	"github.com/radryc/snapfs/internal/fault"
	"github.com/radryc/snapfs/internal/model"
	"github.com/radryc/snapfs/internal/privhelper"
	"github.com/radryc/snapfs/internal/store"
)

// fixture is a mount over an in-memory store with two snapshots:
//
//	snapA: a.txt "alpha v1\n", b.txt "beta v1\n", sub/c.txt "gamma v1\n"
//	snapB: a.txt "alpha v2\n", b.txt "beta v2\n", sub/c.txt "gamma v2\n",
//	       d.txt "delta\n"
type fixture struct {
	m     *Mount
	store *store.MemoryStore

	snapA model.RootID
	snapB model.RootID
	subB  model.ObjectID
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, subB := buildSnapshotStore()
	m := newTestMount(t, st)
	return &fixture{m: m, store: st, snapA: "snapA", snapB: "snapB", subB: subB}
}

func buildSnapshotStore() (*store.MemoryStore, model.ObjectID) {
	st := store.NewMemoryStore()

	a1 := st.PutBlob([]byte("alpha v1\n"))
	b1 := st.PutBlob([]byte("beta v1\n"))
	c1 := st.PutBlob([]byte("gamma v1\n"))
	subA := st.PutTree([]model.TreeEntry{
		{Name: "c.txt", ID: c1, Type: model.TypeRegularFile},
	})
	rootA := st.PutTree([]model.TreeEntry{
		{Name: "a.txt", ID: a1, Type: model.TypeRegularFile},
		{Name: "b.txt", ID: b1, Type: model.TypeRegularFile},
		{Name: "sub", ID: subA, Type: model.TypeTree},
	})
	st.PutRoot("snapA", rootA)

	a2 := st.PutBlob([]byte("alpha v2\n"))
	b2 := st.PutBlob([]byte("beta v2\n"))
	c2 := st.PutBlob([]byte("gamma v2\n"))
	d2 := st.PutBlob([]byte("delta\n"))
	subB := st.PutTree([]model.TreeEntry{
		{Name: "c.txt", ID: c2, Type: model.TypeRegularFile},
	})
	rootB := st.PutTree([]model.TreeEntry{
		{Name: "a.txt", ID: a2, Type: model.TypeRegularFile},
		{Name: "b.txt", ID: b2, Type: model.TypeRegularFile},
		{Name: "sub", ID: subB, Type: model.TypeTree},
		{Name: "d.txt", ID: d2, Type: model.TypeRegularFile},
	})
	st.PutRoot("snapB", rootB)
	return st, subB
}

func newTestMount(t *testing.T, st store.ObjectStore) *Mount {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Create(&config.CheckoutConfig{
		MountPath: filepath.Join(dir, "mnt"),
		ClientDir: filepath.Join(dir, "client"),
	}, "snapA")
	if err != nil {
		t.Fatalf("create config: %v", err)
	}

	m := New(Options{
		Config:   cfg,
		Store:    st,
		Helper:   &privhelper.NopHelper{},
		Logger:   testLogger(),
		OwnerUID: 1000,
		OwnerGID: 1000,
	})
	if err := m.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("initialize mount: %v", err)
	}
	t.Cleanup(func() {
		m.Shutdown(context.Background(), false)
	})
	return m
}

func (f *fixture) readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := f.m.LoadFileContents(context.Background(), path)
	if err != nil {
		t.Fatalf("load %s: %v", path, err)
	}
	return string(content)
}

func TestInitialize(t *testing.T) {
	fx := newFixture(t)
	if s := fx.m.State(); s != StateInitialized {
		t.Fatalf("state = %s, want initialized", s)
	}
	if p := fx.m.Parent(); p != fx.snapA {
		t.Fatalf("parent = %s, want snapA", p)
	}
	if got := fx.readFile(t, "a.txt"); got != "alpha v1\n" {
		t.Fatalf("a.txt = %q", got)
	}
	if got := fx.readFile(t, "sub/c.txt"); got != "gamma v1\n" {
		t.Fatalf("sub/c.txt = %q", got)
	}

	latest := fx.m.Journal().Latest()
	if latest == nil || latest.FromParent != "" || latest.ToParent != fx.snapA {
		t.Fatalf("initial journal record = %+v", latest)
	}
}

func TestInitializeFault(t *testing.T) {
	fx := newFixture(t)
	faults := fx.m.Faults()
	faults.InjectError("mount", "*", errors.New("boom"))

	m2 := New(Options{
		Config: fx.m.Config(),
		Store:  fx.store,
		Faults: faults,
		Helper: &privhelper.NopHelper{},
		Logger: testLogger(),
	})
	if err := m2.Initialize(context.Background(), nil); err == nil {
		t.Fatalf("Initialize must fail with injected fault")
	}
	if s := m2.State(); s != StateInitError {
		t.Fatalf("state = %s, want init_error", s)
	}
	if _, err := m2.Shutdown(context.Background(), false); err != nil {
		t.Fatalf("shutdown from init_error: %v", err)
	}
}

func TestStatusReportsLocalChanges(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	root := fx.m.InodeMap().Root()

	if err := fx.m.writeChildFile(root, "a.txt", []byte("local edit\n"), model.TypeRegularFile); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := fx.m.removeChild(root, "b.txt"); err != nil {
		t.Fatalf("remove b.txt: %v", err)
	}

	changes, err := fx.m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %+v, want 2", changes)
	}
	if changes[0].Path != "a.txt" || changes[0].Status != "modified" {
		t.Fatalf("changes[0] = %+v", changes[0])
	}
	if changes[1].Path != "b.txt" || changes[1].Status != "removed" {
		t.Fatalf("changes[1] = %+v", changes[1])
	}
}

func TestStatusCleanWorkingCopy(t *testing.T) {
	fx := newFixture(t)
	changes, err := fx.m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	// The .snap metadata directory must not show up as a local addition.
	if len(changes) != 0 {
		t.Fatalf("clean working copy reports changes: %+v", changes)
	}
}

func TestDiffOutOfDateParent(t *testing.T) {
	fx := newFixture(t)
	col := &StatusCollector{}
	err := fx.m.Diff(context.Background(), fx.snapB, true, col)
	if !errors.Is(err, ErrOutOfDateParent) {
		t.Fatalf("Diff against stale parent = %v, want ErrOutOfDateParent", err)
	}
}

func TestResetParent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.m.ResetParent(ctx, fx.snapB); err != nil {
		t.Fatalf("ResetParent: %v", err)
	}
	if p := fx.m.Parent(); p != fx.snapB {
		t.Fatalf("parent = %s, want snapB", p)
	}
	// The working copy did not move; its content now differs from the
	// parent snapshot.
	if got := fx.readFile(t, "a.txt"); got != "alpha v1\n" {
		t.Fatalf("a.txt after reset = %q", got)
	}
	latest := fx.m.Journal().Latest()
	if latest.FromParent != fx.snapA || latest.ToParent != fx.snapB || len(latest.UncleanPaths) != 0 {
		t.Fatalf("journal record after reset = %+v", latest)
	}
}

func TestChown(t *testing.T) {
	fx := newFixture(t)
	if err := fx.m.Chown(2000, 2000); err != nil {
		t.Fatalf("Chown: %v", err)
	}
	root := fx.m.InodeMap().Root()
	if attr := root.Attr(); attr.UID != 2000 || attr.GID != 2000 {
		t.Fatalf("root attr after chown = %+v", attr)
	}
	attr, err := root.Lookup(context.Background(), "a.txt", store.NewFetchContext())
	if err != nil {
		t.Fatalf("lookup a.txt: %v", err)
	}
	if attr.UID != 2000 || attr.GID != 2000 {
		t.Fatalf("a.txt attr after chown = %+v", attr)
	}
}

func TestShutdownLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.m.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s := fx.m.State(); s != StateShutDown {
		t.Fatalf("state = %s, want shut_down", s)
	}
	if _, err := fx.m.Shutdown(ctx, false); err == nil {
		t.Fatalf("second Shutdown must fail")
	}

	if err := fx.m.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("second Destroy must panic")
		}
	}()
	fx.m.Destroy(ctx)
}

func TestShutdownDuringInitialize(t *testing.T) {
	st, _ := buildSnapshotStore()
	dir := t.TempDir()
	cfg, err := config.Create(&config.CheckoutConfig{
		MountPath: filepath.Join(dir, "mnt"),
		ClientDir: filepath.Join(dir, "client"),
	}, "snapA")
	if err != nil {
		t.Fatalf("create config: %v", err)
	}
	faults := fault.NewInjector()
	faults.InjectDelay("mount", "*", 400*time.Millisecond)

	m := New(Options{
		Config: cfg,
		Store:  st,
		Faults: faults,
		Helper: &privhelper.NopHelper{},
		Logger: testLogger(),
	})
	done := make(chan error, 1)
	go func() { done <- m.Initialize(context.Background(), nil) }()
	time.Sleep(100 * time.Millisecond)

	if s := m.State(); s != StateInitializing {
		t.Fatalf("state = %s, want initializing", s)
	}
	if _, err := m.Shutdown(context.Background(), false); err != nil {
		t.Fatalf("shutdown during initialize: %v", err)
	}
	if s := m.State(); s != StateShutDown {
		t.Fatalf("state = %s, want shut_down", s)
	}
	if err := <-done; err == nil {
		t.Fatalf("interrupted Initialize must report an error")
	}
}

func TestMountGeneration(t *testing.T) {
	InitProcessGeneration(time.Unix(1700000000, 0), 42)
	g := nextMountGeneration()
	if g>>48 != 42 {
		t.Fatalf("generation pid bits = %d, want 42", g>>48)
	}
	if g2 := nextMountGeneration(); g2 == g {
		t.Fatalf("generations must differ within a process")
	}
}

func TestAddBindMountRequiresRunning(t *testing.T) {
	fx := newFixture(t)
	err := fx.m.AddBindMount(context.Background(), "buck-out", t.TempDir())
	if err == nil {
		t.Fatalf("AddBindMount before channel start must fail")
	}
}
