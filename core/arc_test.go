package core

import "testing"

func TestFullArcContainsEverything(t *testing.T) {
	a := FullArc(0)
	for _, loc := range []uint32{0, 1 << 16, 1<<31 - 1, 1 << 31, 1<<32 - 1} {
		if !a.Contains(loc) {
			t.Errorf("full arc should contain location %d", loc)
		}
	}
}

func TestEmptyArcContainsNothing(t *testing.T) {
	a := EmptyArc(1000)
	if a.Contains(1000) {
		t.Fatalf("empty arc must not contain even its own center")
	}
}

func TestDhtArcContainsWraparound(t *testing.T) {
	// Center near the top of the ring so the interval wraps through 0.
	a := DhtArc{Center: 1<<32 - 10, HalfLength: 20}
	if !a.Contains(5) {
		t.Fatalf("wrapped arc should contain a location just past the wrap point")
	}
	if a.Contains(1 << 20) {
		t.Fatalf("wrapped arc should not contain a location far from either bound")
	}
}

func TestDhtArcCoverage(t *testing.T) {
	full := FullArc(0)
	if cov := full.Coverage(); cov < 0.99 || cov > 1.01 {
		t.Fatalf("full arc coverage = %f, want ~1.0", cov)
	}
	empty := EmptyArc(0)
	if cov := empty.Coverage(); cov != 0 {
		t.Fatalf("empty arc coverage = %f, want 0", cov)
	}
}

func TestDhtArcOverlaps(t *testing.T) {
	a := DhtArc{Center: 100, HalfLength: 50}
	b := DhtArc{Center: 140, HalfLength: 50}
	c := DhtArc{Center: 10000, HalfLength: 10}
	if !a.Overlaps(b) {
		t.Fatalf("adjacent-center arcs with overlapping intervals should report Overlaps")
	}
	if a.Overlaps(c) {
		t.Fatalf("far-apart small arcs should not overlap")
	}
	if a.Overlaps(EmptyArc(100)) {
		t.Fatalf("an empty arc never overlaps anything")
	}
}

func TestDhtArcDistanceTo(t *testing.T) {
	a := DhtArc{Center: 100}
	if d := a.DistanceTo(110); d != 10 {
		t.Fatalf("distance = %d, want 10", d)
	}
	// Distance should take the shorter way around the ring.
	far := DhtArc{Center: 0}
	d := far.DistanceTo(1<<32 - 1)
	if d != 1 {
		t.Fatalf("wraparound distance = %d, want 1", d)
	}
}

func TestDhtArcSetContainsLocation(t *testing.T) {
	set := DhtArcSet{{Center: 0, HalfLength: 10}, {Center: 1000, HalfLength: 10}}
	if !set.ContainsLocation(5) {
		t.Fatalf("set should contain a location inside its first arc")
	}
	if set.ContainsLocation(500) {
		t.Fatalf("set should not contain a location between its arcs")
	}
}

func TestDhtArcSetOverlapsAny(t *testing.T) {
	set := DhtArcSet{{Center: 0, HalfLength: 10}}
	if !set.OverlapsAny(DhtArc{Center: 5, HalfLength: 10}) {
		t.Fatalf("overlapping arc should be detected")
	}
	if set.OverlapsAny(DhtArc{Center: 100000, HalfLength: 5}) {
		t.Fatalf("non-overlapping arc should not be detected")
	}
}
