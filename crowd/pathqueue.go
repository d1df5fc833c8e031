package crowd

import (
	"github.com/arl/crowdsim/detour"
	"github.com/arl/gogeo/f32/d3"
)

const (
	PathQInvalid = 0
	// MaxQueue is the default number of concurrent path requests a
	// PathQueue holds when no explicit size is requested via Init.
	MaxQueue = 8

	// maxKeepAlive is how many Update/UpdateOrdered calls a finished
	// request's slot survives before being recycled, giving the caller a
	// few ticks to come back and read its result with GetPathResult.
	maxKeepAlive = 2
)

type PathQueueRef uint32

// pathQuery is one slot of a PathQueue: a pending or in-flight sliced
// find-path request, plus its result buffer once the search completes.
type pathQuery struct {
	ref PathQueueRef

	startPos, endPos [3]float32
	startRef, endRef detour.PolyRef

	path  []detour.PolyRef
	npath int

	status    detour.Status
	keepAlive int
	filter    detour.QueryFilter
}

func (q *pathQuery) free() bool {
	return q.ref == PathQInvalid
}

func (q *pathQuery) done() bool {
	return detour.StatusSucceed(q.status) || detour.StatusFailed(q.status)
}

// PathQueue amortizes full navmesh searches across ticks: rather than
// blocking a tick on every agent's replan, agents enqueue a request and
// the queue advances each one's sliced search a few iterations at a time
// until it completes, bounded by whatever iteration budget the caller
// hands to Update/UpdateOrdered on a given tick.
type PathQueue struct {
	queue       []pathQuery
	nextHandle  PathQueueRef
	maxPathSize int
	queueHead   int
	navquery    *detour.NavMeshQuery
}

func NewPathQueue() *PathQueue {
	return &PathQueue{
		queue:      make([]pathQuery, MaxQueue),
		nextHandle: 1,
	}
}

func (pq *PathQueue) purge() {
	pq.navquery = nil
	for i := range pq.queue {
		pq.queue[i].path = nil
	}
}

// Init prepares the queue to hold up to maxQueueSize concurrent path
// requests, each with a result buffer of maxPathSize polygon refs. A
// maxQueueSize of 0 keeps the default of MaxQueue slots.
func (pq *PathQueue) Init(maxPathSize, maxSearchNodeCount int, nav *detour.NavMesh, maxQueueSize int) bool {
	if maxQueueSize <= 0 {
		maxQueueSize = MaxQueue
	}
	pq.queue = make([]pathQuery, maxQueueSize)
	pq.purge()

	status, navquery := detour.NewNavMeshQuery(nav, int32(maxSearchNodeCount))
	if detour.StatusFailed(status) {
		return false
	}
	pq.navquery = navquery
	pq.maxPathSize = maxPathSize

	for i := range pq.queue {
		pq.queue[i].ref = PathQInvalid
		pq.queue[i].path = make([]detour.PolyRef, pq.maxPathSize)
	}

	pq.queueHead = 0
	return true
}

// Size reports the number of concurrent path request slots available.
func (pq *PathQueue) Size() int {
	return len(pq.queue)
}

// advance pushes a single slot's sliced search forward by at most budget
// iterations, returning how many iterations it actually consumed. A slot that is free, already
// finished, or merely aging out under keepAlive costs nothing.
func (pq *PathQueue) advance(q *pathQuery, budget int32) int32 {
	if q.free() {
		return 0
	}

	if q.done() {
		// The caller hasn't read the result yet; free the slot once it's
		// been idle long enough that we assume it never will.
		q.keepAlive++
		if q.keepAlive > maxKeepAlive {
			q.ref = PathQInvalid
			q.status = 0
		}
		return 0
	}

	if q.status == 0 {
		q.status = pq.navquery.InitSlicedFindPath(q.startRef, q.endRef, q.startPos[:], q.endPos[:], q.filter, 0)
	}

	var spent int32
	if detour.StatusInProgress(q.status) {
		q.status = pq.navquery.UpdateSlicedFindPath(budget, &spent)
	}
	if detour.StatusSucceed(q.status) {
		q.npath, q.status = pq.navquery.FinalizeSlicedFindPath(q.path, pq.maxPathSize)
	}
	return spent
}

// Update advances every pending request in round-robin order, starting
// from wherever the last call left off, spending at most maxIters
// pathfinder iterations in total. It has no notion of request priority or
// a per-request cap: the first in-progress slot it visits may consume the
// entire budget in one call. UpdateOrdered should be preferred whenever
// the caller can rank its requests and wants to bound any one of them.
func (pq *PathQueue) Update(maxIters int) {
	n := len(pq.queue)
	remaining := int32(maxIters)

	for i := 0; i < n && remaining > 0; i++ {
		q := &pq.queue[pq.queueHead%n]
		pq.queueHead++
		remaining -= pq.advance(q, remaining)
	}
}

// UpdateOrdered advances the requests named by refs, visiting them in the
// given order, spending at most maxItersPerRequest pathfinder iterations
// on any single one of them and maxIters in total across the whole call.
// Slots in the queue that refs doesn't mention (e.g. requests this caller
// doesn't know about yet) are still swept round-robin with whatever
// budget is left over, so nothing in the queue starves indefinitely just
// for being left out of refs.
func (pq *PathQueue) UpdateOrdered(refs []PathQueueRef, maxIters, maxItersPerRequest int) {
	n := len(pq.queue)
	remaining := int32(maxIters)
	perRequest := int32(maxItersPerRequest)

	visited := make([]bool, n)

	budgetFor := func() int32 {
		if perRequest <= 0 || perRequest > remaining {
			return remaining
		}
		return perRequest
	}

	for _, ref := range refs {
		if remaining <= 0 {
			break
		}
		for i := range pq.queue {
			if pq.queue[i].ref != ref {
				continue
			}
			remaining -= pq.advance(&pq.queue[i], budgetFor())
			visited[i] = true
			break
		}
	}

	for i := 0; i < n && remaining > 0; i++ {
		idx := pq.queueHead % n
		pq.queueHead++
		if visited[idx] {
			continue
		}
		remaining -= pq.advance(&pq.queue[idx], remaining)
	}
}

func (pq *PathQueue) Request(startRef, endRef detour.PolyRef, startPos, endPos d3.Vec3, filter detour.QueryFilter) PathQueueRef {
	slot := -1
	for i := range pq.queue {
		if pq.queue[i].free() {
			slot = i
			break
		}
	}
	if slot == -1 {
		return PathQInvalid
	}

	ref := pq.nextHandle
	pq.nextHandle++
	if pq.nextHandle == PathQInvalid {
		pq.nextHandle++
	}

	q := &pq.queue[slot]
	q.ref = ref
	copy(q.startPos[:], startPos[:3])
	q.startRef = startRef
	copy(q.endPos[:], endPos[:3])
	q.endRef = endRef
	q.status = 0
	q.npath = 0
	q.filter = filter
	q.keepAlive = 0

	return ref
}

func (pq *PathQueue) GetRequestStatus(ref PathQueueRef) detour.Status {
	for i := range pq.queue {
		if pq.queue[i].ref == ref {
			return pq.queue[i].status
		}
	}
	return detour.Failure
}

func (pq *PathQueue) GetPathResult(ref PathQueueRef, path []detour.PolyRef, pathSize *int, maxPath int) detour.Status {
	for i := range pq.queue {
		if pq.queue[i].ref != ref {
			continue
		}
		q := &pq.queue[i]
		details := q.status & detour.StatusDetailMask
		// Free the slot for reuse now that its result has been claimed.
		q.ref = PathQInvalid
		q.status = 0

		n := q.npath
		if n > maxPath {
			n = maxPath
		}
		copy(path, q.path[:n])
		*pathSize = n
		return details | detour.Success
	}
	return detour.Failure
}

func (pq *PathQueue) GetNavQuery() *detour.NavMeshQuery {
	return pq.navquery
}
