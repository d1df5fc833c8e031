package detour

import (
	"github.com/arl/gogeo/f32/d3"
	"github.com/arl/math32"
)

// DistancePtSegSqr2D returns the squared distance (xz-plane) between a point
// and a segment, along with the normalized projection t of the point onto
// the segment, clamped to [0, 1].
func DistancePtSegSqr2D(pt, p, q d3.Vec3) (distSqr, t float32) {
	distSqr = distancePtSegSqr2D(pt, p, q, &t)
	return
}

// ClosestPointOnPoly finds the closest point on the specified polygon to the
// given position, and reports through posOverPoly (if non-nil) whether that
// position is projected from a point above the polygon.
func (q *NavMeshQuery) ClosestPointOnPoly(ref PolyRef, pos, closest d3.Vec3, posOverPoly *bool) Status {
	return q.closestPointOnPoly(ref, pos, closest, posOverPoly)
}

// ClosestPointOnPolyBoundary finds the closest point on the boundary of the
// specified polygon to the given position.
func (q *NavMeshQuery) ClosestPointOnPolyBoundary(ref PolyRef, pos, closest d3.Vec3) Status {
	return q.closestPointOnPolyBoundary(ref, pos, closest)
}

// PolyHeight returns the height of the polygon at the provided position,
// using the tile's detail mesh. pos is expected to be (or to project onto)
// the polygon.
func (q *NavMeshQuery) PolyHeight(ref PolyRef, pos d3.Vec3) (float32, Status) {
	if !q.nav.IsValidPolyRef(ref) {
		return 0, Failure | InvalidParam
	}
	closest := d3.NewVec3()
	st := q.closestPointOnPoly(ref, pos, closest, nil)
	if StatusFailed(st) {
		return 0, st
	}
	return closest[1], Success
}

// Raycast2 is a slice-friendly wrapper around Raycast, matching the crowd
// package's calling convention: it writes the visited polygon path and the
// hit normal directly into caller-owned slices and returns the number of
// polygons visited along with the hit parameter t.
//
// t is math.MaxFloat32 if the ray reached endPos without hitting a wall.
func (q *NavMeshQuery) Raycast2(startRef PolyRef, startPos, endPos d3.Vec3,
	filter QueryFilter, hitNormal []float32, path []PolyRef, maxPath int) (nres int, t float32, st Status) {

	hit, status := q.raycast(startRef, startPos, endPos, filter, 0, 0, path, maxPath)
	if hitNormal != nil {
		copy(hitNormal, hit.HitNormal)
	}
	return hit.PathCount, hit.T, status
}

// MoveAlongSurface moves from the start position toward the end position
// constrained to the navigation mesh surface, crossing polygon boundaries
// as needed. It uses a small, scratch node pool (distinct from the main
// search node pool) since this is a flood-fill over a handful of polygons,
// not a path search.
//
//  Arguments:
//   startRef  The reference id of the start polygon.
//   startPos  The starting position.
//   endPos    The desired end position.
//   filter    The filter used to test polygon passability.
//   resultPos Receives the result position.
//   visited   Receives the reference ids of the polygons visited, in order.
//   nvisited  Receives the number of polygons in visited.
//   maxVisited The max number of polygons the visited slice can hold.
func (q *NavMeshQuery) MoveAlongSurface(startRef PolyRef, startPos, endPos d3.Vec3,
	filter QueryFilter, resultPos []float32, visited []PolyRef, nvisited *int, maxVisited int) Status {

	if !q.nav.IsValidPolyRef(startRef) || startPos == nil || endPos == nil || filter == nil || resultPos == nil || visited == nil || nvisited == nil || maxVisited <= 0 {
		return Failure | InvalidParam
	}

	*nvisited = 0

	if q.tinyNodePool == nil {
		q.tinyNodePool = newNodePool(64, 32)
	}
	q.tinyNodePool.Clear()

	startNode := q.tinyNodePool.Node(startRef, 0)
	startNode.PIdx = 0
	startNode.Cost = 0
	startNode.Total = 0
	startNode.ID = startRef
	startNode.Flags = nodeClosed

	const maxStack = 48
	var stack [maxStack]*Node
	nstack := 0
	stack[nstack] = startNode
	nstack++

	bestPos := d3.NewVec3From(startPos)
	var bestNode *Node
	bestNode = startNode
	bestDist := bestPos.Dist2DSqr(endPos)

	var verts [VertsPerPolygon * 3]float32

	for nstack > 0 {
		nstack--
		curNode := stack[nstack]

		curRef := curNode.ID
		var curTile *MeshTile
		var curPoly *Poly
		q.nav.TileAndPolyByRefUnsafe(curRef, &curTile, &curPoly)

		nverts := int(curPoly.VertCount)
		for i := 0; i < nverts; i++ {
			copy(verts[i*3:], curTile.Verts[curPoly.Verts[i]*3:curPoly.Verts[i]*3+3])
		}

		// If target is inside the poly, stop search.
		if pointInPolygon2D(endPos, verts[:], nverts) {
			bestNode = curNode
			bestPos.Assign(endPos)
			break
		}

		// Find wall edges and find nearest point inside the walls.
		for i, j := 0, nverts-1; i < nverts; j, i = i, i+1 {
			// Find links to neighbour which can be passed through.
			var (
				neighbourRef  PolyRef
				neighbourTile *MeshTile
				neighbourPoly *Poly
			)
			var k uint32
			for k = curPoly.FirstLink; k != nullLink; k = curTile.Links[k].Next {
				link := &curTile.Links[k]
				if int(link.Edge) == j {
					if link.Ref != 0 {
						q.nav.TileAndPolyByRefUnsafe(link.Ref, &neighbourTile, &neighbourPoly)
						if filter.PassFilter(link.Ref, neighbourTile, neighbourPoly) {
							neighbourRef = link.Ref
						}
					}
					break
				}
			}

			if neighbourRef == 0 {
				// Wall edge, calc distance.
				vj := curTile.Verts[curPoly.Verts[j]*3 : curPoly.Verts[j]*3+3]
				vi := curTile.Verts[curPoly.Verts[i]*3 : curPoly.Verts[i]*3+3]
				var tseg float32
				distSqr := distancePtSegSqr2D(endPos, vj, vi, &tseg)
				if distSqr < bestDist {
					p := d3.Vec3(vj).Lerp(d3.Vec3(vi), tseg)
					bestPos.Assign(p)
					bestDist = distSqr
					bestNode = curNode
				}
				continue
			}

			// Skip already visited.
			if q.tinyNodePool.FindNode(neighbourRef, 0) != nil {
				continue
			}

			neighbourNode := q.tinyNodePool.Node(neighbourRef, 0)
			if neighbourNode == nil {
				continue
			}
			neighbourNode.PIdx = q.tinyNodePool.NodeIdx(curNode)
			neighbourNode.ID = neighbourRef
			neighbourNode.Flags |= nodeClosed

			if nstack < maxStack {
				stack[nstack] = neighbourNode
				nstack++
			}
		}
	}

	n := 0
	if bestNode != nil {
		node := bestNode
		for node != nil && n < maxVisited {
			visited[n] = node.ID
			n++
			if node.PIdx == 0 {
				break
			}
			node = q.tinyNodePool.NodeAtIdx(int32(node.PIdx))
		}
		// reverse in place: visited should read start..best
		for l, r := 0, n-1; l < r; l, r = l+1, r-1 {
			visited[l], visited[r] = visited[r], visited[l]
		}
	}
	*nvisited = n

	copy(resultPos, bestPos)
	return Success
}

// pointInPolygon2D tests whether pt lies inside the xz-projection of the
// given convex polygon.
func pointInPolygon2D(pt d3.Vec3, verts []float32, nverts int) bool {
	inside := false
	for i, j := 0, nverts-1; i < nverts; j, i = i, i+1 {
		vi := verts[i*3 : i*3+3]
		vj := verts[j*3 : j*3+3]
		if ((vi[2] > pt[2]) != (vj[2] > pt[2])) &&
			(pt[0] < (vj[0]-vi[0])*(pt[2]-vi[2])/(vj[2]-vi[2])+vi[0]) {
			inside = !inside
		}
	}
	return inside
}

// FindLocalNeighbourhood collects the polygons within a given radius of the
// center position, using a small flood-fill over the polygon adjacency
// graph rather than the spatial bounding-volume tree (the radius here is
// typically small: this backs the crowd's per-tick local boundary refresh).
func (q *NavMeshQuery) FindLocalNeighbourhood(startRef PolyRef, pos d3.Vec3, radius float32,
	filter QueryFilter, resultRef, resultParent []PolyRef, resultCount *int, maxResult int) Status {

	if !q.nav.IsValidPolyRef(startRef) || pos == nil || filter == nil || resultRef == nil || resultCount == nil || maxResult <= 0 {
		return Failure | InvalidParam
	}

	*resultCount = 0

	if q.tinyNodePool == nil {
		q.tinyNodePool = newNodePool(64, 32)
	}
	q.tinyNodePool.Clear()

	startNode := q.tinyNodePool.Node(startRef, 0)
	startNode.PIdx = 0
	startNode.ID = startRef
	startNode.Flags = nodeClosed

	const maxStack = 48
	var stack [maxStack]*Node
	nstack := 0
	stack[nstack] = startNode
	nstack++

	radiusSqr := radius * radius

	n := 0
	if n < maxResult {
		resultRef[n] = startNode.ID
		if resultParent != nil {
			resultParent[n] = 0
		}
		n++
	}

	var pa, pb [VertsPerPolygon * 3]float32

	for nstack > 0 {
		nstack--
		curNode := stack[nstack]

		curRef := curNode.ID
		var curTile *MeshTile
		var curPoly *Poly
		q.nav.TileAndPolyByRefUnsafe(curRef, &curTile, &curPoly)

		var k uint32
		for k = curPoly.FirstLink; k != nullLink; k = curTile.Links[k].Next {
			link := &curTile.Links[k]
			neighbourRef := link.Ref
			if neighbourRef == 0 {
				continue
			}
			if q.tinyNodePool.FindNode(neighbourRef, 0) != nil {
				continue
			}

			var neighbourTile *MeshTile
			var neighbourPoly *Poly
			q.nav.TileAndPolyByRefUnsafe(neighbourRef, &neighbourTile, &neighbourPoly)

			if !filter.PassFilter(neighbourRef, neighbourTile, neighbourPoly) {
				continue
			}

			// Expand to neighbour only if within search radius.
			npa := 0
			for i := 0; i < int(curPoly.VertCount); i++ {
				copy(pa[i*3:], curTile.Verts[curPoly.Verts[i]*3:curPoly.Verts[i]*3+3])
				npa++
			}
			npb := 0
			for i := 0; i < int(neighbourPoly.VertCount); i++ {
				copy(pb[i*3:], neighbourTile.Verts[neighbourPoly.Verts[i]*3:neighbourPoly.Verts[i]*3+3])
				npb++
			}
			_ = npa
			_ = npb

			distSqr := distancePtPolyEdgesSqrMin(pos, pb[:], npb)
			if distSqr > radiusSqr {
				continue
			}

			neighbourNode := q.tinyNodePool.Node(neighbourRef, 0)
			if neighbourNode == nil {
				continue
			}
			neighbourNode.PIdx = q.tinyNodePool.NodeIdx(curNode)
			neighbourNode.ID = neighbourRef
			neighbourNode.Flags |= nodeClosed

			if n < maxResult {
				resultRef[n] = neighbourRef
				if resultParent != nil {
					resultParent[n] = curRef
				}
				n++
			}

			if nstack < maxStack {
				stack[nstack] = neighbourNode
				nstack++
			}
		}
	}

	*resultCount = n
	return Success
}

// distancePtPolyEdgesSqrMin returns the minimum squared distance from pt to
// any edge of the given polygon, or zero if pt lies inside it.
func distancePtPolyEdgesSqrMin(pt d3.Vec3, verts []float32, nverts int) float32 {
	if pointInPolygon2D(pt, verts, nverts) {
		return 0
	}
	min := float32(math32.MaxFloat32)
	for i, j := 0, nverts-1; i < nverts; j, i = i, i+1 {
		vi := verts[i*3 : i*3+3]
		vj := verts[j*3 : j*3+3]
		var t float32
		d := distancePtSegSqr2D(pt, vj, vi, &t)
		if d < min {
			min = d
		}
	}
	return min
}

// PolyWallSegments returns the wall segments of the given polygon: edges
// with no passable neighbour (solid walls) and edges whose neighbour fails
// the filter. segmentVerts receives 2 points (6 floats) per segment;
// segmentRefs, if non-nil, receives 0 for each segment written.
func (q *NavMeshQuery) PolyWallSegments(ref PolyRef, filter QueryFilter,
	segmentVerts []float32, segmentRefs []PolyRef, segmentCount *int, maxSegments int) Status {

	if !q.nav.IsValidPolyRef(ref) || filter == nil || segmentVerts == nil || segmentCount == nil || maxSegments <= 0 {
		return Failure | InvalidParam
	}

	var tile *MeshTile
	var poly *Poly
	q.nav.TileAndPolyByRefUnsafe(ref, &tile, &poly)

	n := 0
	nv := int(poly.VertCount)
	for i, j := 0, nv-1; i < nv; j, i = i, i+1 {
		passable := false
		var neiRef PolyRef

		var k uint32
		for k = poly.FirstLink; k != nullLink; k = tile.Links[k].Next {
			link := &tile.Links[k]
			if int(link.Edge) == j {
				if link.Ref != 0 {
					var neiTile *MeshTile
					var neiPoly *Poly
					q.nav.TileAndPolyByRefUnsafe(link.Ref, &neiTile, &neiPoly)
					if filter.PassFilter(link.Ref, neiTile, neiPoly) {
						passable = true
						neiRef = link.Ref
					}
				}
			}
		}

		if passable {
			continue
		}

		if n >= maxSegments {
			return Success | BufferTooSmall
		}

		vj := tile.Verts[poly.Verts[j]*3 : poly.Verts[j]*3+3]
		vi := tile.Verts[poly.Verts[i]*3 : poly.Verts[i]*3+3]
		copy(segmentVerts[n*6:], vj)
		copy(segmentVerts[n*6+3:], vi)
		if segmentRefs != nil {
			segmentRefs[n] = neiRef
		}
		n++
	}

	*segmentCount = n
	return Success
}

// InitSlicedFindPath sets up a time-sliced A* search that can be advanced
// incrementally across multiple UpdateSlicedFindPath calls, so that a
// caller driving many concurrent searches (e.g. a crowd of agents) can
// bound the work done per call instead of blocking until the search
// completes. It shares the main node pool and open list with the
// synchronous FindPath, since only one sliced search is ever in flight on
// a given NavMeshQuery at a time.
func (q *NavMeshQuery) InitSlicedFindPath(startRef, endRef PolyRef, startPos, endPos d3.Vec3,
	filter QueryFilter, options uint32) Status {

	q.query = queryData{}
	q.query.status = Failure

	if !q.nav.IsValidPolyRef(startRef) || !q.nav.IsValidPolyRef(endRef) ||
		startPos == nil || endPos == nil || filter == nil {
		return Failure | InvalidParam
	}

	q.query.startRef = startRef
	q.query.endRef = endRef
	q.query.startPos = d3.NewVec3From(startPos)
	q.query.endPos = d3.NewVec3From(endPos)
	q.query.filter = filter
	q.query.options = options
	q.query.raycastLimitSqr = math32.MaxFloat32

	if startRef == endRef {
		q.query.status = Success
		return Success
	}

	q.nodePool.Clear()
	q.openList.clear()

	startNode := q.nodePool.Node(startRef, 0)
	startNode.Pos.Assign(startPos)
	startNode.PIdx = 0
	startNode.Cost = 0
	startNode.Total = startPos.Dist(endPos) * HScale
	startNode.ID = startRef
	startNode.Flags = nodeOpen
	q.openList.push(startNode)

	q.query.status = InProgress
	q.query.lastBestNode = startNode
	q.query.lastBestNodeCost = startNode.Total

	return q.query.status
}

// UpdateSlicedFindPath advances an in-progress sliced search by at most
// maxIter iterations of the underlying A* loop. doneIters, if non-nil,
// receives the number of iterations actually performed.
func (q *NavMeshQuery) UpdateSlicedFindPath(maxIter int32, doneIters *int32) Status {
	if !StatusInProgress(q.query.status) {
		return q.query.status
	}

	// Make sure the request is still valid.
	if !q.nav.IsValidPolyRef(q.query.startRef) || !q.nav.IsValidPolyRef(q.query.endRef) {
		q.query.status = Failure
		return q.query.status
	}

	var iter int32
	outOfNodes := false

	for iter < maxIter && !q.openList.empty() {
		iter++

		bestNode := q.openList.pop()
		bestNode.Flags &= ^nodeOpen
		bestNode.Flags |= nodeClosed

		if bestNode.ID == q.query.endRef {
			q.query.lastBestNode = bestNode
			q.query.status = Success
			if doneIters != nil {
				*doneIters = iter
			}
			return q.query.status
		}

		var bestRef PolyRef
		var bestTile *MeshTile
		var bestPoly *Poly
		bestRef = bestNode.ID
		q.nav.TileAndPolyByRefUnsafe(bestRef, &bestTile, &bestPoly)

		var parentRef PolyRef
		var parentTile *MeshTile
		var parentPoly *Poly
		if bestNode.PIdx != 0 {
			parentRef = q.nodePool.NodeAtIdx(int32(bestNode.PIdx)).ID
		}
		if parentRef != 0 {
			q.nav.TileAndPolyByRefUnsafe(parentRef, &parentTile, &parentPoly)
		}

		var i uint32
		for i = bestPoly.FirstLink; i != nullLink; i = bestTile.Links[i].Next {
			neighbourRef := bestTile.Links[i].Ref
			if neighbourRef == 0 || neighbourRef == parentRef {
				continue
			}

			var neighbourTile *MeshTile
			var neighbourPoly *Poly
			q.nav.TileAndPolyByRefUnsafe(neighbourRef, &neighbourTile, &neighbourPoly)

			if !q.query.filter.PassFilter(neighbourRef, neighbourTile, neighbourPoly) {
				continue
			}

			var crossSide uint8
			if bestTile.Links[i].Side != 0xff {
				crossSide = bestTile.Links[i].Side >> 1
			}

			neighbourNode := q.nodePool.Node(neighbourRef, crossSide)
			if neighbourNode == nil {
				outOfNodes = true
				continue
			}

			if neighbourNode.Flags == 0 {
				status := q.edgeMidPoint(bestRef, bestPoly, bestTile,
					neighbourRef, neighbourPoly, neighbourTile, neighbourNode.Pos[:])
				if StatusFailed(status) {
					continue
				}
			}

			var cost, heuristic float32
			if neighbourRef == q.query.endRef {
				curCost := q.query.filter.Cost(bestNode.Pos[:], neighbourNode.Pos[:],
					parentRef, parentTile, parentPoly, bestRef, bestTile, bestPoly,
					neighbourRef, neighbourTile, neighbourPoly)
				endCost := q.query.filter.Cost(neighbourNode.Pos[:], q.query.endPos[:],
					bestRef, bestTile, bestPoly, neighbourRef, neighbourTile, neighbourPoly, 0, nil, nil)
				cost = bestNode.Cost + curCost + endCost
				heuristic = 0
			} else {
				curCost := q.query.filter.Cost(bestNode.Pos[:], neighbourNode.Pos[:],
					parentRef, parentTile, parentPoly, bestRef, bestTile, bestPoly,
					neighbourRef, neighbourTile, neighbourPoly)
				cost = bestNode.Cost + curCost
				heuristic = neighbourNode.Pos.Dist(q.query.endPos) * HScale
			}
			total := cost + heuristic

			if (neighbourNode.Flags&nodeOpen) != 0 && total >= neighbourNode.Total {
				continue
			}
			if (neighbourNode.Flags&nodeClosed) != 0 && total >= neighbourNode.Total {
				continue
			}

			neighbourNode.PIdx = q.nodePool.NodeIdx(bestNode)
			neighbourNode.ID = neighbourRef
			neighbourNode.Flags &= ^NodeFlags(nodeClosed)
			neighbourNode.Cost = cost
			neighbourNode.Total = total

			if (neighbourNode.Flags & nodeOpen) != 0 {
				q.openList.modify(neighbourNode)
			} else {
				neighbourNode.Flags |= nodeOpen
				q.openList.push(neighbourNode)
			}

			if heuristic < q.query.lastBestNodeCost {
				q.query.lastBestNodeCost = heuristic
				q.query.lastBestNode = neighbourNode
			}
		}
	}

	if doneIters != nil {
		*doneIters = iter
	}

	if q.openList.empty() {
		status := Success | PartialResult
		if outOfNodes {
			status |= OutOfNodes
		}
		q.query.status = status
	}

	return q.query.status
}

// FinalizeSlicedFindPath finalizes a sliced search whose status is Success
// and writes the path to the best node reached. When that node is not
// endRef (the open list ran out first) the path is partial and the status
// carries PartialResult. A search that has not succeeded returns Failure.
func (q *NavMeshQuery) FinalizeSlicedFindPath(path []PolyRef, maxPath int) (int, Status) {
	if !StatusSucceed(q.query.status) {
		q.query = queryData{}
		return 0, Failure
	}

	var n int
	var st Status
	if q.query.startRef == q.query.endRef {
		if maxPath < 1 {
			q.query = queryData{}
			return 0, Failure | BufferTooSmall
		}
		path[0] = q.query.startRef
		n = 1
		st = Success
	} else {
		n, st = q.pathToNode(q.query.lastBestNode, path[:maxPath])
		if q.query.lastBestNode.ID != q.query.endRef {
			st |= PartialResult
		}
	}

	q.query = queryData{}
	return n, st
}

// FinalizeSlicedFindPathPartial finalizes an in-progress or failed sliced
// search, returning the best partial path found so far that still shares a
// prefix with existingPath (the part of the agent's current corridor that
// remains valid).
func (q *NavMeshQuery) FinalizeSlicedFindPathPartial(existingPath []PolyRef, existingSize int,
	path []PolyRef, maxPath int) (int, Status) {

	if existingSize == 0 || q.query.lastBestNode == nil {
		q.query = queryData{}
		return 0, Failure
	}

	// Find the furthest common polygon between the existing path and the
	// search tree, walking the search tree's parent chain.
	var furthestNode *Node
	furthestIdx := -1
	node := q.query.lastBestNode
	for node != nil {
		for i := existingSize - 1; i >= 0; i-- {
			if existingPath[i] == node.ID {
				furthestNode = node
				furthestIdx = i
				break
			}
		}
		if furthestNode != nil {
			break
		}
		if node.PIdx == 0 {
			break
		}
		node = q.nodePool.NodeAtIdx(int32(node.PIdx))
	}

	if furthestNode == nil || furthestIdx < 0 {
		q.query = queryData{}
		return 0, Failure
	}

	n, _ := q.pathToNode(furthestNode, path[:maxPath])
	st := Success | PartialResult
	q.query = queryData{}
	return n, st
}
