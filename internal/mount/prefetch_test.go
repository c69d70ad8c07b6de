package mount

import (
	"context"
	"testing"
)

func TestPrefetchTree(t *testing.T) {
	fx := newFixture(t)
	started, err := fx.m.PrefetchTree(context.Background(), fx.subB)
	if err != nil {
		t.Fatalf("PrefetchTree: %v", err)
	}
	if !started {
		t.Fatalf("prefetch refused with no other prefetches running")
	}
}

func TestPrefetchUnknownTree(t *testing.T) {
	fx := newFixture(t)
	started, err := fx.m.PrefetchTree(context.Background(), "no-such-tree")
	if err == nil {
		t.Fatalf("prefetch of unknown tree must fail")
	}
	if !started {
		t.Fatalf("admitted prefetch must report started even on failure")
	}
}

func TestPrefetchCeiling(t *testing.T) {
	fx := newFixture(t)

	// The default ceiling admits five concurrent prefetches.
	leases := make([]*treePrefetchLease, 0, 5)
	for i := 0; i < 5; i++ {
		lease, ok := fx.m.tryStartTreePrefetch()
		if !ok {
			t.Fatalf("lease %d refused below the ceiling", i)
		}
		leases = append(leases, lease)
	}
	if _, ok := fx.m.tryStartTreePrefetch(); ok {
		t.Fatalf("lease admitted above the ceiling")
	}

	leases[0].release()
	lease, ok := fx.m.tryStartTreePrefetch()
	if !ok {
		t.Fatalf("lease refused after a release")
	}
	lease.release()
	// Releasing twice must not free a second slot.
	leases[1].release()
	leases[1].release()
	for _, l := range leases[2:] {
		l.release()
	}
	if n := fx.m.prefetchesInProgress.Load(); n != 0 {
		t.Fatalf("prefetches in progress = %d, want 0", n)
	}
}
