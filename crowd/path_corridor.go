package crowd

import (
	"github.com/arl/crowdsim/detour"
	"github.com/arl/gogeo/f32/d3"
)

// A PathCorridor represents a dynamic polygon corridor used to plan agent
// movement.
//
// The corridor is loaded with a path, usually obtained from a
// detour.NavMeshQuery.FindPath() query. The corridor is then used to plan
// local movement, with the corridor automatically updating as needed to
// deal with inaccurate agent locomotion.
//
// Typical use:
//
//   - Construct a new path corridor object.
//   - Obtain a path from a detour.NavMeshQuery object.
//   - Use Reset() to set the agent's current position (at the beginning
//     of the path).
//   - Use SetCorridor() to load the path and target.
//   - Use FindCorners() to plan movement (this handles dynamic path
//     straightening).
//   - Use MovePosition() to feed agent movement back into the corridor
//     (the corridor will automatically adjust as needed).
//   - If the target is moving, use MoveTargetPosition() to update the end
//     of the corridor (the corridor will automatically adjust as
//     needed).
//   - Repeat the previous three steps to continue moving the agent.
//
// The corridor position and target are always constrained to the
// navigation mesh.
//
// One difficulty in maintaining a path is that floating point error,
// locomotion inaccuracy, and/or local steering can push an agent across
// the boundary of its path corridor, temporarily invalidating the path.
// PathCorridor uses local mesh queries to detect and repair the corridor
// as these issues arise.
//
// Because those local queries are what move the position and target,
// two behaviors are worth keeping in mind:
//
// Every time a move function runs there's a chance the path becomes
// non-optimal — the farther the target moves from its original location,
// and the farther the position strays outside the original corridor, the
// more likely that becomes. Call OptimizePathTopology() and
// OptimizePathVisibility() periodically to correct for it.
//
// Local mesh queries also have distance limits (see the
// detour.NavMeshQuery methods they call), so the most accurate use moves
// position and target in small increments. After a large increment,
// compare the desired and resulting polygon references — if they don't
// match, a full replan may be needed (e.g. after moving the target, check
// LastPoly() against the expected polygon).
type PathCorridor struct {
	pos    [3]float32
	target [3]float32

	path    []detour.PolyRef
	npath   int
	maxPath int
}

// init allocates the corridor's path buffer to hold up to maxPath
// polygons.
func (pc *PathCorridor) init(maxPath int) bool {
	pc.path = make([]detour.PolyRef, maxPath)
	pc.maxPath = maxPath
	return true
}

// Reset collapses the corridor to a single polygon, ref, with both
// position and target set to pos.
func (pc *PathCorridor) Reset(ref detour.PolyRef, pos d3.Vec3) {
	copy(pc.pos[:], pos[:3])
	copy(pc.target[:], pos[:3])
	pc.path[0] = ref
	pc.npath = 1
}

// minCornerDist is how close (planar distance) the agent must already be
// to a leading corner before FindCorners discards it as redundant.
const minCornerDist = 0.01

// FindCorners straightens the corridor's path from the current position
// toward its target, writing up to maxCorners vertices, flags, and
// polygon references into the given buffers, and returns how many
// corners it produced.
//
// Leading corners within minCornerDist of the current position are
// pruned, as are any corners beyond the first off-mesh connection
// encountered — an agent must traverse that connection before the
// corridor can be straightened any further.
//
// Due to an internal optimization, the function never returns more than
// maxCorners-1 corners: buffers meant to hold N corners should be sized
// for N+1.
//
// If the target is within range, it is returned as the final corner with
// a zero polygon reference.
func (pc *PathCorridor) FindCorners(cornerVerts []d3.Vec3, cornerFlags []uint8,
	cornerPolys []detour.PolyRef, maxCorners int,
	navquery *detour.NavMeshQuery, filter detour.QueryFilter) int {

	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}
	if pc.npath == 0 {
		panic("crowd: PathCorridor has an empty path")
	}

	ncorners, _ := navquery.FindStraightPath(pc.pos[:], pc.target[:], pc.path,
		cornerVerts, cornerFlags, cornerPolys, int32(maxCorners))

	for ncorners != 0 {
		tooClose := (cornerFlags[0]&detour.StraightPathOffMeshConnection) == 0 &&
			d3.Vec3Dist2DSqr(pc.pos[:], cornerVerts[0]) <= minCornerDist*minCornerDist
		if !tooClose {
			break
		}
		ncorners--
		if ncorners != 0 {
			copy(cornerFlags, cornerFlags[1:1+ncorners])
			copy(cornerPolys, cornerPolys[1:1+ncorners])
			copy(cornerVerts, cornerVerts[3:3*(1+ncorners)])
		}
	}

	for i := 0; i < ncorners; i++ {
		if (cornerFlags[i] & detour.StraightPathOffMeshConnection) != 0 {
			ncorners = i + 1
			break
		}
	}

	return ncorners
}

// OptimizePathVisibility shortcuts the corridor toward next when next is
// directly visible from the current position and heading straight for it
// beats following the existing path.
//
// Inaccurate locomotion or dynamic obstacle avoidance can push an agent
// well outside its original corridor; left unchecked, this accumulates
// into a non-optimal path (visibly so near tile corners). A local
// raycast toward next is how this function tests and repairs that,
// bounded by pathOptimizationRange — it is not meant for long-distance
// searches, and is cheap enough to call every few ticks for agents that
// drift.
func (pc *PathCorridor) OptimizePathVisibility(next d3.Vec3, pathOptimizationRange float32, navquery *detour.NavMeshQuery, filter detour.QueryFilter) {
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}

	goal := d3.NewVec3From(next)
	dist := goal.Dist2D(pc.pos[:])

	if dist < 0.01 {
		// Already at the goal; nothing to optimize.
		return
	}

	// Overshoot slightly — helps shortcut open areas that straddle a
	// tile boundary.
	dist += 0.01
	if pathOptimizationRange < dist {
		dist = pathOptimizationRange
	}

	delta := goal.Sub(pc.pos[:])
	d3.Vec3Mad(goal, pc.pos[:], delta, pathOptimizationRange/dist)

	const maxRaycastPolys = 32
	var (
		visited [maxRaycastPolys]detour.PolyRef
		norm    [3]float32
	)

	nvisited, t, _ := navquery.Raycast2(pc.path[0], pc.pos[:], goal, filter, norm[:], visited[:], maxRaycastPolys)
	if nvisited > 1 && t > 0.99 {
		pc.npath = mergeCorridorStartShortcut(pc.path, pc.npath, pc.maxPath, visited[:], nvisited)
	}
}

// OptimizePathTopology re-plans a short stretch of the corridor via a
// bounded local search, correcting the kind of non-optimal path that
// inaccurate locomotion or avoidance steering produces over time. As
// with OptimizePathVisibility, the benefit scales with how much an
// agent's real movement diverges from its planned corridor.
func (pc *PathCorridor) OptimizePathTopology(navquery *detour.NavMeshQuery, filter detour.QueryFilter) bool {
	if navquery == nil {
		panic("crowd: OptimizePathTopology called with a nil NavMeshQuery")
	}
	if filter == nil {
		panic("crowd: OptimizePathTopology called with a nil QueryFilter")
	}
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}

	if pc.npath < 3 {
		return false
	}

	const (
		maxTopoIters = 32
		maxTopoPolys = 32
	)

	var replanned [maxTopoPolys]detour.PolyRef
	navquery.InitSlicedFindPath(pc.path[0], pc.path[pc.npath-1], pc.pos[:], pc.target[:], filter, 0)
	navquery.UpdateSlicedFindPath(maxTopoIters, nil)
	nres, status := navquery.FinalizeSlicedFindPathPartial(pc.path, pc.npath, replanned[:], maxTopoPolys)

	if detour.StatusSucceed(status) && nres > 0 {
		pc.npath = mergeCorridorStartShortcut(pc.path, pc.npath, pc.maxPath, replanned[:], nres)
		return true
	}

	return false
}

// MoveOverOffmeshConnection advances the corridor past the off-mesh
// connection offMeshConRef, dropping every polygon up to and including it
// from the path and reporting the connection's attached start/end points via
// startPos/endPos. It returns false if offMeshConRef doesn't appear in
// the corridor's remaining path.
func (pc *PathCorridor) MoveOverOffmeshConnection(offMeshConRef detour.PolyRef, refs []detour.PolyRef, startPos, endPos d3.Vec3, navquery *detour.NavMeshQuery) bool {
	if navquery == nil {
		panic("crowd: MoveOverOffmeshConnection called with a nil NavMeshQuery")
	}
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}
	if pc.npath == 0 {
		panic("crowd: PathCorridor has an empty path")
	}

	var (
		prevRef, curRef detour.PolyRef = 0, pc.path[0]
		consumed        int
	)
	for consumed < pc.npath && curRef != offMeshConRef {
		prevRef = curRef
		curRef = pc.path[consumed]
		consumed++
	}
	if consumed == pc.npath {
		return false
	}

	for i := consumed; i < pc.npath; i++ {
		pc.path[i-consumed] = pc.path[i]
	}
	pc.npath -= consumed

	refs[0] = prevRef
	refs[1] = curRef

	nav := navquery.AttachedNavMesh()
	if nav == nil {
		panic("crowd: NavMeshQuery has no attached NavMesh")
	}

	status := nav.OffMeshConnectionPolyEndPoints(refs[0], refs[1], startPos, endPos)
	if detour.StatusSucceed(status) {
		copy(pc.pos[:], endPos)
		return true
	}

	return false
}

// FixPathStart forces the corridor's leading polygon to safeRef and its
// position to safePos, and sets the second path entry to 0. A path of one
// or two entries becomes three: safeRef, 0, then its former last polygon;
// a longer path keeps its length and its entries from the third on. Used
// to recover when an agent's current polygon reference has been
// invalidated but later polygons in its path may still be reachable once
// a replan runs.
func (pc *PathCorridor) FixPathStart(safeRef detour.PolyRef, safePos d3.Vec3) bool {
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}

	copy(pc.pos[:], safePos[:3])
	if pc.npath < 3 && pc.npath > 0 {
		pc.path[2] = pc.path[pc.npath-1]
		pc.path[0] = safeRef
		pc.path[1] = 0
		pc.npath = 3
	} else {
		pc.path[0] = safeRef
		pc.path[1] = 0
	}

	return true
}

// TrimInvalidPath drops every polygon from the first invalid one onward
// (as judged by filter), falling back to safeRef/safePos if even the
// leading polygon has gone bad, and re-clamps the target onto whatever
// polygon remains last in the trimmed path.
func (pc *PathCorridor) TrimInvalidPath(safeRef detour.PolyRef, safePos d3.Vec3,
	navquery *detour.NavMeshQuery, filter detour.QueryFilter) bool {
	if navquery == nil {
		panic("crowd: TrimInvalidPath called with a nil NavMeshQuery")
	}
	if filter == nil {
		panic("crowd: TrimInvalidPath called with a nil QueryFilter")
	}
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}

	var validCount int
	for validCount < pc.npath && navquery.IsValidPolyRef(pc.path[validCount], filter) {
		validCount++
	}

	switch {
	case validCount == pc.npath:
		return true
	case validCount == 0:
		copy(pc.pos[:], safePos[:3])
		pc.path[0] = safeRef
		pc.npath = 1
	default:
		pc.npath = validCount
	}

	tgt := d3.NewVec3From(pc.target[:])
	navquery.ClosestPointOnPolyBoundary(pc.path[pc.npath-1], tgt, pc.target[:])

	return true
}

// IsValid reports whether the first maxLookAhead polygons of the
// corridor's path still pass filter.
//
// A path can be invalidated by structural changes to the navigation mesh,
// or by a polygon's state changing such that the filter now rejects it
// (e.g. an exclusion/inclusion flag flip).
func (pc *PathCorridor) IsValid(maxLookAhead int, navquery *detour.NavMeshQuery, filter detour.QueryFilter) bool {
	n := pc.npath
	if maxLookAhead < pc.npath {
		n = maxLookAhead
	}
	for i := 0; i < n; i++ {
		if !navquery.IsValidPolyRef(pc.path[i], filter) {
			return false
		}
	}

	return true
}

// MovePosition moves the corridor's position from its current location
// toward npos, constrained to the navmesh surface, adjusting the
// corridor (shortening or lengthening it) so the new position lands in
// its first polygon. It reports whether the move succeeded.
//
// npos is expected to be 'near' the current corridor — how near depends
// on local polygon density and the query's search extents. The resulting
// position will differ from npos if npos isn't on the navmesh, or isn't
// reachable by a local search.
func (pc *PathCorridor) MovePosition(npos d3.Vec3, navquery *detour.NavMeshQuery, filter detour.QueryFilter) bool {
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}
	if pc.npath == 0 {
		panic("crowd: PathCorridor has an empty path")
	}

	result := d3.NewVec3()
	const maxVisitedPolys = 16
	var (
		visited  [maxVisitedPolys]detour.PolyRef
		nvisited int
	)
	status := navquery.MoveAlongSurface(pc.path[0], pc.pos[:], npos, filter,
		result, visited[:], &nvisited, maxVisitedPolys)
	if detour.StatusSucceed(status) {
		pc.npath = mergeCorridorStartMoved(pc.path, pc.npath, pc.maxPath, visited[:], nvisited)

		h, _ := navquery.PolyHeight(pc.path[0], result)
		result[1] = h
		d3.Vec3Copy(pc.pos[:], result)
		return true
	}
	return false
}

// MoveTargetPosition moves the corridor's target from its current
// location toward npos, constrained to the navmesh surface, adjusting
// the corridor so the new target lands in its last polygon. It reports
// whether the move succeeded.
//
// As with MovePosition, npos is expected to be 'near' the current
// corridor, and the resulting target will differ from npos if npos isn't
// on the navmesh or reachable by a local search.
func (pc *PathCorridor) MoveTargetPosition(npos d3.Vec3, navquery *detour.NavMeshQuery, filter detour.QueryFilter) bool {
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}
	if pc.npath == 0 {
		panic("crowd: PathCorridor has an empty path")
	}

	const maxVisitedPolys = 16
	var (
		visited  [maxVisitedPolys]detour.PolyRef
		result   = d3.NewVec3()
		nvisited int
	)
	status := navquery.MoveAlongSurface(pc.path[pc.npath-1], pc.target[:], npos, filter,
		result, visited[:], &nvisited, maxVisitedPolys)
	if detour.StatusSucceed(status) {
		pc.npath = mergeCorridorEndMoved(pc.path, pc.npath, pc.maxPath, visited[:], nvisited)
		d3.Vec3Copy(pc.target[:], result)
		return true
	}
	return false
}

// SetCorridor loads a new path and target into the corridor, replacing
// whatever it held before.
func (pc *PathCorridor) SetCorridor(target d3.Vec3, path []detour.PolyRef, npath int) {
	if pc.path == nil {
		panic("crowd: PathCorridor used before init")
	}
	if npath <= 0 {
		panic("crowd: SetCorridor requires npath > 0")
	}
	if npath >= pc.maxPath {
		panic("crowd: SetCorridor path exceeds the corridor's capacity")
	}

	copy(pc.target[:], target[:])
	copy(pc.path, path[:npath])
	pc.npath = npath
}

// Pos returns the corridor's current position (within its first
// polygon).
func (pc *PathCorridor) Pos() d3.Vec3 {
	return pc.pos[:]
}

// Target returns the corridor's current target (within its last
// polygon).
func (pc *PathCorridor) Target() d3.Vec3 {
	return pc.target[:]
}

// FirstPoly returns the polygon reference containing the corridor's
// position, or zero if the corridor has no path.
func (pc *PathCorridor) FirstPoly() detour.PolyRef {
	if pc.npath != 0 {
		return pc.path[0]
	}
	return 0
}

// LastPoly returns the polygon reference containing the corridor's
// target, or zero if the corridor has no path.
func (pc *PathCorridor) LastPoly() detour.PolyRef {
	if pc.npath != 0 {
		return pc.path[pc.npath-1]
	}
	return 0
}

// Path returns the corridor's full path buffer; only the first
// PathCount() entries are meaningful.
func (pc *PathCorridor) Path() []detour.PolyRef {
	return pc.path
}

// PathCount returns the number of polygons in the corridor's current
// path.
func (pc *PathCorridor) PathCount() int {
	return pc.npath
}

// furthestCommonPoly scans path for the polygon reference it shares with
// visited that is found first when path is scanned from its end backward
// (fromEnd true, giving the one furthest along path) or from its start
// forward (fromEnd false, giving the one nearest its start), returning the
// indices of that shared polygon in each slice, or (-1, -1) if the two
// paths never intersect.
//
// All three merge functions below need exactly this lookup; they differ
// only in which end of path they search from and how they stitch the
// two slices back together afterward.
func furthestCommonPoly(path []detour.PolyRef, npath int, visited []detour.PolyRef, nvisited int, fromEnd bool) (pathIdx, visitedIdx int) {
	pathIdx, visitedIdx = -1, -1

	// For a given i, if path[i] matches more than one entry of visited,
	// the lowest-indexed match wins: the loop below deliberately keeps
	// scanning all of j and lets the last (smallest-j) match overwrite
	// the previous one, rather than stopping at the first hit.
	scan := func(i int) bool {
		found := false
		for j := nvisited - 1; j >= 0; j-- {
			if path[i] == visited[j] {
				pathIdx, visitedIdx = i, j
				found = true
			}
		}
		return found
	}

	if fromEnd {
		for i := npath - 1; i >= 0; i-- {
			if scan(i) {
				break
			}
		}
	} else {
		for i := 0; i < npath; i++ {
			if scan(i) {
				break
			}
		}
	}

	return pathIdx, visitedIdx
}

// mergeCorridorStartMoved splices visited onto the front of path after
// MovePosition finds the agent has walked onto one or more newly visited
// polygons, keeping the path consistent with where the agent actually
// is.
func mergeCorridorStartMoved(path []detour.PolyRef, npath, maxPath int,
	visited []detour.PolyRef, nvisited int) int {
	furthestPath, furthestVisited := furthestCommonPoly(path, npath, visited, nvisited, true)
	if furthestPath == -1 || furthestVisited == -1 {
		return npath
	}

	// Prepend the visited tail, then keep as much of the original path
	// (from just past the shared polygon onward) as still fits.
	keepVisited := nvisited - furthestVisited
	origStart := furthestPath + 1
	if npath < origStart {
		origStart = npath
	}
	tailSize := 0
	if npath-origStart > 0 {
		tailSize = npath - origStart
	}
	if keepVisited+tailSize > maxPath {
		tailSize = maxPath - keepVisited
	}
	if tailSize > 0 {
		copy(path[keepVisited:], path[origStart:origStart+tailSize])
	}

	for i := 0; i < keepVisited; i++ {
		path[i] = visited[(nvisited-1)-i]
	}

	return keepVisited + tailSize
}

// mergeCorridorEndMoved splices visited onto the back of path after
// MoveTargetPosition finds the target's local search crossed into newly
// visited polygons.
func mergeCorridorEndMoved(path []detour.PolyRef, npath, maxPath int,
	visited []detour.PolyRef, nvisited int) int {
	furthestPath, furthestVisited := furthestCommonPoly(path, npath, visited, nvisited, false)
	if furthestPath == -1 || furthestVisited == -1 {
		return npath
	}

	pathEnd := furthestPath + 1
	visitedStart := furthestVisited + 1
	count := nvisited - visitedStart
	if maxPath-pathEnd < count {
		count = maxPath - pathEnd
	}
	if pathEnd+count > maxPath {
		panic("crowd: mergeCorridorEndMoved overflowed the path buffer")
	}
	if count != 0 {
		copy(path[pathEnd:], visited[visitedStart:visitedStart+count])
	}

	return pathEnd + count
}

// mergeCorridorStartShortcut replaces the front of path with visited
// when a raycast (OptimizePathVisibility) or local replan
// (OptimizePathTopology) finds a shorter route to a polygon further
// along the existing path.
func mergeCorridorStartShortcut(path []detour.PolyRef, npath, maxPath int,
	visited []detour.PolyRef, nvisited int) int {
	furthestPath, furthestVisited := furthestCommonPoly(path, npath, visited, nvisited, true)
	if furthestPath == -1 || furthestVisited == -1 {
		return npath
	}

	keepVisited := furthestVisited
	if keepVisited <= 0 {
		// The shortcut doesn't actually skip anything.
		return npath
	}

	tailSize := npath - furthestPath
	if tailSize < 0 {
		tailSize = 0
	}
	if keepVisited+tailSize > maxPath {
		tailSize = maxPath - keepVisited
	}
	if tailSize != 0 {
		copy(path[keepVisited:], path[furthestPath:furthestPath+tailSize])
	}

	copy(path[:keepVisited], visited[:keepVisited])

	return keepVisited + tailSize
}
