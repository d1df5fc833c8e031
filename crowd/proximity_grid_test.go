package crowd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProximityGridAddItem(t *testing.T) {
	pg := NewProximityGrid(10, 1)
	assert.Equal(t, 0, pg.ItemCountAt(1, 1), "grid should start empty")

	pg.AddItem(1, 1, 1, 2, 2)
	assert.Equal(t, 1, pg.ItemCountAt(1, 1), "should have 1 item in the cell")

	pg.Clear()
	assert.Equal(t, 0, pg.ItemCountAt(1, 1), "Clear should empty the grid")

	pg.AddItem(1, 1, 1, 2, 2)
	assert.Equal(t, 1, pg.ItemCountAt(1, 1))

	pg.AddItem(2, 1, 1, 2, 2)
	assert.Equal(t, 2, pg.ItemCountAt(1, 1), "two overlapping agents should both land in the cell")
}

func TestProximityGridQueryItemsDedupes(t *testing.T) {
	pg := NewProximityGrid(64, 1)

	// A box spanning cells (0,0)-(1,1) registers agent 5 under all four
	// cells; a query over the same box must report it once, not four
	// times.
	pg.AddItem(5, 0, 0, 1.5, 1.5)

	ids := make([]uint16, 8)
	n := pg.QueryItems(0, 0, 1.5, 1.5, ids, len(ids))
	if n != 1 {
		t.Fatalf("QueryItems returned %d ids, want 1 (deduped)", n)
	}
	if ids[0] != 5 {
		t.Errorf("ids[0] = %d, want 5", ids[0])
	}
}

func TestProximityGridQueryItemsRespectsMaxIds(t *testing.T) {
	pg := NewProximityGrid(64, 1)
	pg.AddItem(1, 0, 0, 0, 0)
	pg.AddItem(2, 0, 0, 0, 0)
	pg.AddItem(3, 0, 0, 0, 0)

	ids := make([]uint16, 2)
	n := pg.QueryItems(0, 0, 0, 0, ids, 2)
	if n != 2 {
		t.Fatalf("QueryItems returned %d ids, want exactly the 2-id cap", n)
	}
}

func TestProximityGridBoundsGrowsWithFarItems(t *testing.T) {
	pg := NewProximityGrid(64, 1)

	// A grid whose max bound never advances past the first item would
	// report the same bounds regardless of how far later items reach.
	pg.AddItem(1, 0, 0, 0, 0)
	pg.AddItem(2, 5, 5, 6, 6)

	b := pg.Bounds()
	assert.Equal(t, int32(0), b[0], "min x should stay at the nearer item")
	assert.Equal(t, int32(0), b[1], "min y should stay at the nearer item")
	assert.Equal(t, int32(6), b[2], "max x should grow to cover the farther item")
	assert.Equal(t, int32(6), b[3], "max y should grow to cover the farther item")
}

func TestProximityGridCapacityExhaustion(t *testing.T) {
	// Only 2 entries available: the third overlapping cell silently drops
	// instead of growing the pool or panicking.
	pg := NewProximityGrid(2, 1)

	pg.AddItem(1, 0, 0, 2, 0) // spans 3 cells along x: (0,0) (1,0) (2,0)
	assert.Equal(t, 1, pg.ItemCountAt(0, 0))
	assert.Equal(t, 1, pg.ItemCountAt(1, 0))
	assert.Equal(t, 0, pg.ItemCountAt(2, 0), "third cell should have been dropped once capacity ran out")
}
