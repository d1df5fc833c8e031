package crowd

import (
	"github.com/arl/math32"
)

// spatialHash folds a cell coordinate pair into a bucket index, wrapping
// around n (which must be a power of two).
func spatialHash(x, y, n int32) int32 {
	return ((x * 73856093) ^ (y * 19349663)) & (n - 1)
}

// gridEntry is one occupant of a single grid cell: an agent index plus a
// chain pointer to the next occupant hashed into the same bucket.
type gridEntry struct {
	agent uint16
	x, y  int16
	next  uint16
}

// ProximityGrid buckets agents (and, in principle, any id with a bounding
// box) into a uniform 2D grid over the x/z plane so that neighbor queries
// during crowd avoidance don't have to scan every agent in the
// simulation. Agents are rebucketed from scratch every tick via Clear +
// AddItem rather than moved incrementally, since a crowd update already
// recomputes every agent's position each tick anyway.
type ProximityGrid struct {
	cellSize    float32
	invCellSize float32

	entries  []gridEntry
	nextFree int
	capacity int

	buckets    []uint16
	bucketCount int32

	// bounds tracks the smallest bounding rectangle, in grid cells, that
	// has ever contained an item since the last Clear.
	bounds [4]int32
}

// NewProximityGrid allocates a grid with room for capacity entries across
// cells of the given size. capacity bounds how many (agent, cell) pairs
// can be tracked at once; an agent spanning multiple cells consumes one
// entry per cell it overlaps, so capacity should exceed the agent count.
func NewProximityGrid(capacity int, cellSize float32) *ProximityGrid {
	if capacity <= 0 {
		panic("crowd: ProximityGrid capacity must be positive")
	}
	if cellSize <= 0 {
		panic("crowd: ProximityGrid cell size must be positive")
	}

	pg := &ProximityGrid{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		capacity:    capacity,
		entries:     make([]gridEntry, capacity),
	}

	bucketCount := math32.NextPow2(uint32(capacity))
	pg.buckets = make([]uint16, bucketCount)
	pg.bucketCount = int32(bucketCount)

	pg.Clear()
	return pg
}

// Clear empties the grid and resets its bounds, ready for a fresh tick's
// worth of AddItem calls.
func (pg *ProximityGrid) Clear() {
	for i := range pg.buckets {
		pg.buckets[i] = 0xffff
	}
	pg.nextFree = 0
	pg.bounds[0] = 0xffff
	pg.bounds[1] = 0xffff
	pg.bounds[2] = -0xffff
	pg.bounds[3] = -0xffff
}

// AddItem registers id under every cell its axis-aligned bounding box
// (minx,miny)-(maxx,maxy) overlaps. Once the entry pool is exhausted,
// further overlapping cells are silently dropped rather than growing the
// pool, matching the fixed per-tick budget the rest of the crowd update
// pipeline assumes.
func (pg *ProximityGrid) AddItem(id uint16, minx, miny, maxx, maxy float32) {
	iminx := int32(math32.Floor(minx * pg.invCellSize))
	iminy := int32(math32.Floor(miny * pg.invCellSize))
	imaxx := int32(math32.Floor(maxx * pg.invCellSize))
	imaxy := int32(math32.Floor(maxy * pg.invCellSize))

	if iminx < pg.bounds[0] {
		pg.bounds[0] = iminx
	}
	if iminy < pg.bounds[1] {
		pg.bounds[1] = iminy
	}
	if imaxx > pg.bounds[2] {
		pg.bounds[2] = imaxx
	}
	if imaxy > pg.bounds[3] {
		pg.bounds[3] = imaxy
	}

	for y := iminy; y <= imaxy; y++ {
		for x := iminx; x <= imaxx; x++ {
			if pg.nextFree >= pg.capacity {
				return
			}
			h := spatialHash(x, y, pg.bucketCount)
			idx := uint16(pg.nextFree)
			pg.nextFree++

			e := &pg.entries[idx]
			e.x = int16(x)
			e.y = int16(y)
			e.agent = id
			e.next = pg.buckets[h]
			pg.buckets[h] = idx
		}
	}
}

// QueryItems collects, into ids, the distinct item ids whose cells
// overlap the box (minx,miny)-(maxx,maxy), stopping once maxIds have been
// found. It returns the number written.
func (pg *ProximityGrid) QueryItems(minx, miny, maxx, maxy float32, ids []uint16, maxIds int) int {
	iminx := int32(math32.Floor(minx * pg.invCellSize))
	iminy := int32(math32.Floor(miny * pg.invCellSize))
	imaxx := int32(math32.Floor(maxx * pg.invCellSize))
	imaxy := int32(math32.Floor(maxy * pg.invCellSize))

	var n int
	for y := iminy; y <= imaxy; y++ {
		for x := iminx; x <= imaxx; x++ {
			h := spatialHash(x, y, pg.bucketCount)
			idx := pg.buckets[h]
			for idx != 0xffff {
				e := &pg.entries[idx]
				if int32(e.x) == x && int32(e.y) == y {
					seen := false
					for i := 0; i < n; i++ {
						if ids[i] == e.agent {
							seen = true
							break
						}
					}
					if !seen {
						if n >= maxIds {
							return n
						}
						ids[n] = e.agent
						n++
					}
				}
				idx = e.next
			}
		}
	}

	return n
}

// ItemCountAt counts how many entries occupy a single grid cell, mostly
// useful for debugging or visualizing how crowded the grid has become.
func (pg *ProximityGrid) ItemCountAt(x, y int32) int {
	var n int
	h := spatialHash(x, y, pg.bucketCount)
	idx := pg.buckets[h]
	for idx != 0xffff {
		e := &pg.entries[idx]
		if int32(e.x) == x && int32(e.y) == y {
			n++
		}
		idx = e.next
	}
	return n
}

// Bounds returns the grid-cell bounding rectangle (minx, miny, maxx,
// maxy) covering every item added since the last Clear.
func (pg *ProximityGrid) Bounds() [4]int32 {
	return pg.bounds
}

func (pg *ProximityGrid) CellSize() float32 {
	return pg.cellSize
}
