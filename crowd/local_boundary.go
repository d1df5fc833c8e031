package crowd

import (
	"math"

	"github.com/arl/crowdsim/detour"
	"github.com/arl/gogeo/f32/d3"
)

const (
	maxBoundarySegs  = 8
	maxBoundaryPolys = 16
)

// boundarySegment is one wall edge kept by LocalBoundary, along with its
// squared distance from the agent it was collected for — used to prune
// the nearest maxBoundarySegs edges out of everything found nearby.
type boundarySegment struct {
	s [6]float32 // segment start/end, packed as [x0,y0,z0,x1,y1,z1]
	d float32    // squared distance from the query center, for ranking
}

// LocalBoundary caches the navmesh wall segments immediately around an
// agent, refreshed periodically rather than every tick (see
// Crowd.updateNeighbours), so that collision avoidance has nearby
// obstacle edges to steer away from without re-querying the navmesh on
// every single update.
type LocalBoundary struct {
	center [3]float32
	segs   [maxBoundarySegs]boundarySegment
	nsegs  int

	polys  [maxBoundaryPolys]detour.PolyRef
	npolys int
}

func NewLocalBoundary() *LocalBoundary {
	lb := &LocalBoundary{}
	lb.reset()
	return lb
}

// addSegment inserts s into the ranked-by-distance segment list,
// displacing whichever currently-kept segment is farthest away once the
// list is full.
func (lb *LocalBoundary) addSegment(dist float32, s []float32) {
	var target *boundarySegment

	switch {
	case lb.nsegs == 0:
		target = &lb.segs[0]

	case dist >= lb.segs[lb.nsegs-1].d:
		// Farther than everything already kept: only worth keeping if
		// there's still a free slot.
		if lb.nsegs >= maxBoundarySegs {
			return
		}
		target = &lb.segs[lb.nsegs]

	default:
		// Find where dist belongs in the ranked list and shift the tail
		// down to make room, dropping the current farthest entry if the
		// list is already at capacity.
		insertAt := 0
		for insertAt < lb.nsegs && lb.segs[insertAt].d < dist {
			insertAt++
		}

		shiftFrom := insertAt + 1
		var shiftCount int
		if lb.nsegs-insertAt < maxBoundarySegs-shiftFrom {
			shiftCount = lb.nsegs - insertAt
		} else {
			shiftCount = maxBoundarySegs - shiftFrom
		}
		if shiftFrom+shiftCount > maxBoundarySegs {
			panic("crowd: LocalBoundary segment shift overflowed its backing array")
		}
		if shiftCount > 0 {
			copy(lb.segs[shiftFrom:], lb.segs[insertAt:insertAt+shiftCount])
		}
		target = &lb.segs[insertAt]
	}

	target.d = dist
	copy(target.s[:], s[:6])

	if lb.nsegs < maxBoundarySegs {
		lb.nsegs++
	}
}

func (lb *LocalBoundary) reset() {
	lb.center[0] = math.MaxFloat32
	lb.center[1] = math.MaxFloat32
	lb.center[2] = math.MaxFloat32
	lb.npolys = 0
	lb.nsegs = 0
}

// update rebuilds the cached wall segments around pos: it gathers the
// navmesh polygons within collisionQueryRange of ref, walks each one's
// boundary edges, and keeps the nearest maxBoundarySegs of them. Edges
// farther than collisionQueryRange are discarded outright rather than
// competing for a ranked slot.
func (lb *LocalBoundary) update(ref detour.PolyRef, pos d3.Vec3, collisionQueryRange float32, navquery *detour.NavMeshQuery, filter detour.QueryFilter) {
	const maxSegsPerPoly = detour.VertsPerPolygon * 3

	if ref == 0 {
		lb.reset()
		return
	}

	copy(lb.center[:], pos)

	navquery.FindLocalNeighbourhood(ref, pos, collisionQueryRange,
		filter, lb.polys[:], nil, &lb.npolys, maxBoundaryPolys)

	lb.nsegs = 0
	var (
		edges  [maxSegsPerPoly * 6]float32
		nedges = 0
	)
	for j := 0; j < lb.npolys; j++ {
		navquery.PolyWallSegments(lb.polys[j], filter, edges[:], nil, &nedges, maxSegsPerPoly)
		for k := 0; k < nedges; k++ {
			s := edges[k*6:]
			distSqr, _ := detour.DistancePtSegSqr2D(pos, s, s[3:])
			if distSqr > collisionQueryRange*collisionQueryRange {
				continue
			}
			lb.addSegment(distSqr, s)
		}
	}
}

// isValid reports whether every polygon this boundary was built from
// still passes filter — a boundary referencing a polygon the filter has
// since rejected (removed area, changed flags) must be rebuilt before
// use.
func (lb *LocalBoundary) isValid(navquery *detour.NavMeshQuery, filter detour.QueryFilter) bool {
	if lb.npolys == 0 {
		return false
	}
	for i := 0; i < lb.npolys; i++ {
		if !navquery.IsValidPolyRef(lb.polys[i], filter) {
			return false
		}
	}
	return true
}

func (lb *LocalBoundary) Center() d3.Vec3 {
	return lb.center[:]
}

func (lb *LocalBoundary) SegmentCount() int {
	return lb.nsegs
}

func (lb *LocalBoundary) Segment(i int) []float32 {
	return lb.segs[i].s[:]
}
