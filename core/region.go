package core

import (
	"time"

	"github.com/bits-and-blooms/bitset"
)

// RegionSize fixes the spacetime rectangle dimensions gossip reconciles
// over: an arc slice paired with a time slice (§4.8 "fixed-size spacetime
// rectangles sized by the historical/recent schedule"). The exact
// constants are tuned empirically upstream (§9 open question); these are
// the schedule's structural defaults.
type RegionSize struct {
	ArcSlices  uint32 // number of equal slices the reconciled arc is cut into
	TimeSlice  time.Duration
}

// DefaultRecentRegionSize and DefaultHistoricalRegionSize are the region
// schedules for the recent and historical gossip loops respectively: the
// recent loop reconciles over finer, more frequent slices; historical
// trades resolution for bandwidth.
var (
	DefaultRecentRegionSize     = RegionSize{ArcSlices: 32, TimeSlice: time.Minute}
	DefaultHistoricalRegionSize = RegionSize{ArcSlices: 8, TimeSlice: 24 * time.Hour}
)

// RegionCoord identifies one cell of the reconciliation grid: an arc slice
// index and a time slice index.
type RegionCoord struct {
	ArcSlice  uint32
	TimeSlice int64
}

// RegionFingerprint is the commutative, associative summary exchanged for
// a region (§4.8): count of ops, XOR of their 32-byte digests, and total
// byte length. Any two peers holding the same op set compute the same
// fingerprint regardless of arrival order.
type RegionFingerprint struct {
	Count      uint32
	XorDigest  [32]byte
	TotalBytes uint64
}

// Equal reports whether two fingerprints match on every field — a region
// with matching fingerprints is assumed reconciled without exchanging op
// hashes.
func (f RegionFingerprint) Equal(o RegionFingerprint) bool {
	return f.Count == o.Count && f.XorDigest == o.XorDigest && f.TotalBytes == o.TotalBytes
}

// regionOf maps a basis location and timestamp onto the reconciliation
// grid for the given schedule and overlap arc.
func regionOf(rs RegionSize, overlap DhtArc, basis uint32, ts time.Time) RegionCoord {
	start, _ := overlap.Bounds()
	offset := basis - start // wraps correctly via uint32 arithmetic
	sliceWidth := uint32(uint64(overlap.HalfLength) * 2 / uint64(rs.ArcSlices))
	if sliceWidth == 0 {
		sliceWidth = 1
	}
	arcSlice := offset / sliceWidth
	if arcSlice >= rs.ArcSlices {
		arcSlice = rs.ArcSlices - 1
	}
	timeSlice := ts.UnixNano() / int64(rs.TimeSlice)
	return RegionCoord{ArcSlice: arcSlice, TimeSlice: timeSlice}
}

// RegionSet partitions a gossip overlap arc into the grid cells named by
// its RegionSize schedule, grouping known ops by RegionCoord and computing
// each region's fingerprint. The bitset tracks which of the schedule's
// ArcSlices this session has already found mismatched, so OpTransfer
// candidates can be re-scanned without re-walking reconciled slices.
type RegionSet struct {
	schedule RegionSize
	overlap  DhtArc
	byRegion map[RegionCoord][]DhtOpLight
	mismatch *bitset.BitSet
}

// NewRegionSet partitions ops (typically DhtStore.AllLight) into regions
// over overlap under schedule.
func NewRegionSet(schedule RegionSize, overlap DhtArc, ops []DhtOpLight) *RegionSet {
	rs := &RegionSet{
		schedule: schedule,
		overlap:  overlap,
		byRegion: make(map[RegionCoord][]DhtOpLight),
		mismatch: bitset.New(uint(schedule.ArcSlices)),
	}
	for _, op := range ops {
		if !overlap.Contains(op.BasisHash.Location) {
			continue
		}
		coord := regionOf(schedule, overlap, op.BasisHash.Location, op.Order.Timestamp)
		rs.byRegion[coord] = append(rs.byRegion[coord], op)
	}
	return rs
}

// Fingerprint computes coord's commutative fingerprint over its op set.
func (r *RegionSet) Fingerprint(coord RegionCoord) RegionFingerprint {
	ops := r.byRegion[coord]
	fp := RegionFingerprint{Count: uint32(len(ops))}
	for _, op := range ops {
		fp.XorDigest = xorDigest(fp.XorDigest, op.OpHash.Digest)
		fp.TotalBytes += opLightSize(op)
	}
	return fp
}

// Coords returns every region coordinate with at least one op.
func (r *RegionSet) Coords() []RegionCoord {
	out := make([]RegionCoord, 0, len(r.byRegion))
	for c := range r.byRegion {
		out = append(out, c)
	}
	return out
}

// OpsIn returns the ops staged under coord.
func (r *RegionSet) OpsIn(coord RegionCoord) []DhtOpLight { return r.byRegion[coord] }

// MarkMismatch records that coord's fingerprint differed from the peer's,
// so it needs a bloom-filter exchange (§4.8 step 4).
func (r *RegionSet) MarkMismatch(coord RegionCoord) {
	if coord.ArcSlice < uint32(r.mismatch.Len()) {
		r.mismatch.Set(uint(coord.ArcSlice))
	}
}

// Mismatched reports whether coord's arc slice was marked as mismatched.
func (r *RegionSet) Mismatched(coord RegionCoord) bool {
	return r.mismatch.Test(uint(coord.ArcSlice))
}

func xorDigest(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// opLightSize approximates the wire byte length of an op for the
// fingerprint's total-bytes term: a type tag, header hash, basis hash,
// op hash, and order timestamp, all fixed width.
func opLightSize(op DhtOpLight) uint64 {
	return uint64(1 + HashLength + HashLength + HashLength + 8)
}
