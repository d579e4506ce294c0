package core

import "math"

// arcFull is the half-length a full arc (covers the entire 2^32 ring)
// declares, per §4.8: "of 2^31 is full" — doubled, a half-length of 2^31
// on each side covers the whole ring exactly once.
const arcFull uint32 = 1 << 31

// DhtArc is the contiguous interval of the 2^32 address circle an agent
// pledges to store, declared as a center location plus a half-length on
// each side. Arcs wrap around the ring.
type DhtArc struct {
	Center     uint32
	HalfLength uint32
}

// FullArc returns an arc covering the entire ring, centered at center.
func FullArc(center uint32) DhtArc { return DhtArc{Center: center, HalfLength: arcFull} }

// EmptyArc returns a non-storage arc (half-length 0) centered at center.
func EmptyArc(center uint32) DhtArc { return DhtArc{Center: center} }

// Coverage reports the fraction of the ring this arc covers: arc length /
// 2^32 (§4.8).
func (a DhtArc) Coverage() float64 {
	length := uint64(a.HalfLength) * 2
	return float64(length) / (math.MaxUint32 + 1)
}

// Bounds returns the arc's start and end locations on the ring (inclusive),
// wrapping through 0 when Center+HalfLength overflows uint32.
func (a DhtArc) Bounds() (start, end uint32) {
	return a.Center - a.HalfLength, a.Center + a.HalfLength
}

// Contains reports whether location loc falls within the arc, accounting
// for ring wraparound.
func (a DhtArc) Contains(loc uint32) bool {
	if a.HalfLength == 0 {
		return false
	}
	if a.HalfLength >= arcFull {
		return true
	}
	start, end := a.Bounds()
	if start <= end {
		return loc >= start && loc <= end
	}
	// wrapped: the covered interval is [start, 2^32) ∪ [0, end]
	return loc >= start || loc <= end
}

// Overlaps reports whether two arcs' covered intervals intersect on the
// circle (§4.8 peer selection / gossip initiation).
func (a DhtArc) Overlaps(b DhtArc) bool {
	if a.HalfLength == 0 || b.HalfLength == 0 {
		return false
	}
	if a.HalfLength >= arcFull || b.HalfLength >= arcFull {
		return true
	}
	// Sample both endpoints of a against b, and b's center against a: if
	// neither endpoint of a lies in b, the two contiguous arcs intersect
	// only when b lies wholly inside a, and then a contains b's center.
	aStart, aEnd := a.Bounds()
	return b.Contains(aStart) || b.Contains(aEnd) || a.Contains(b.Center)
}

// DistanceTo returns the shortest ring distance from the arc's center to
// loc, used to rank candidate authorities by proximity (§4.8 peer
// selection: "prefer those whose center is closest to L").
func (a DhtArc) DistanceTo(loc uint32) uint32 {
	var d uint32
	if loc >= a.Center {
		d = loc - a.Center
	} else {
		d = a.Center - loc
	}
	if wrapped := uint32(1<<32-1) - d + 1; wrapped < d {
		return wrapped
	}
	return d
}

// DhtArcSet is an unordered collection of arcs, e.g. a peer's own
// historical-vs-recent pair or a gossip session's negotiated overlap set.
type DhtArcSet []DhtArc

// ContainsLocation reports whether any arc in the set covers loc.
func (s DhtArcSet) ContainsLocation(loc uint32) bool {
	for _, a := range s {
		if a.Contains(loc) {
			return true
		}
	}
	return false
}

// OverlapsAny reports whether arc overlaps any arc in the set.
func (s DhtArcSet) OverlapsAny(arc DhtArc) bool {
	for _, a := range s {
		if a.Overlaps(arc) {
			return true
		}
	}
	return false
}
