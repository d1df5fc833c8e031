package crowd

import "testing"

// newTestCrowd builds a Crowd with just enough state for resolve() to work,
// without going through Init (which requires a real NavMesh).
func newTestCrowd(maxAgents int) *Crowd {
	c := &Crowd{maxAgents: maxAgents}
	c.agents = make([]CrowdAgent, maxAgents)
	c.generation = make([]uint32, maxAgents)
	return c
}

func TestAgentIDRoundTrip(t *testing.T) {
	c := newTestCrowd(4)

	id := newAgentID(2, c.generation[2])
	idx, ok := c.resolve(id)
	if !ok {
		t.Fatalf("resolve() = false, want true for a freshly minted id")
	}
	if idx != 2 {
		t.Errorf("idx = %d, want 2", idx)
	}
}

func TestAgentIDRejectedAfterRemove(t *testing.T) {
	c := newTestCrowd(4)

	id := newAgentID(1, c.generation[1])
	c.agents[1].active = true

	c.RemoveAgent(id)
	if c.agents[1].active {
		t.Fatalf("RemoveAgent did not deactivate the slot")
	}

	if _, ok := c.resolve(id); ok {
		t.Fatalf("resolve() = true, want false for an id removed from its slot")
	}
}

func TestAgentIDRejectedAfterSlotReuse(t *testing.T) {
	c := newTestCrowd(4)

	original := newAgentID(0, c.generation[0])
	c.agents[0].active = true
	c.RemoveAgent(original)

	// Slot 0 gets reused by a different agent, minted under the bumped
	// generation.
	reused := newAgentID(0, c.generation[0])
	if reused == original {
		t.Fatalf("reused id must differ from the removed one")
	}

	if _, ok := c.resolve(original); ok {
		t.Fatalf("stale id resolved successfully after its slot was reused")
	}
	if idx, ok := c.resolve(reused); !ok || idx != 0 {
		t.Fatalf("resolve(reused) = (%d, %v), want (0, true)", idx, ok)
	}
}

func TestAgentIDInvalidIsRejected(t *testing.T) {
	c := newTestCrowd(4)

	if _, ok := c.resolve(InvalidAgentID); ok {
		t.Fatalf("resolve(InvalidAgentID) = true, want false")
	}
}

func TestAgentIDOutOfRangeIsRejected(t *testing.T) {
	c := newTestCrowd(4)

	id := newAgentID(4, 0) // maxAgents is 4, so index 4 is out of range
	if _, ok := c.resolve(id); ok {
		t.Fatalf("resolve() = true, want false for an out-of-range index")
	}
}
