package crowd

import (
	"testing"

	"github.com/arl/gogeo/f32/d3"
)

func vec3(x, y, z float32) d3.Vec3 {
	v := d3.NewVec3()
	v.SetXYZ(x, y, z)
	return v
}

func TestSweepCircleCircleApproaching(t *testing.T) {
	c0 := vec3(0, 0, 0)
	v := vec3(1, 0, 0)
	c1 := vec3(3, 0, 0)

	tmin, tmax, moving := sweepCircleCircle(c0, 0.5, v, c1, 0.5)
	if !moving {
		t.Fatalf("expected moving=true for non-zero relative velocity")
	}
	if tmin != 2 {
		t.Errorf("tmin = %v, want 2", tmin)
	}
	if tmax != 4 {
		t.Errorf("tmax = %v, want 4", tmax)
	}
}

func TestSweepCircleCircleStationary(t *testing.T) {
	c0 := vec3(0, 0, 0)
	v := vec3(0, 0, 0)
	c1 := vec3(3, 0, 0)

	_, _, moving := sweepCircleCircle(c0, 0.5, v, c1, 0.5)
	if moving {
		t.Fatalf("expected moving=false when relative velocity is zero")
	}
}

func TestSweepCircleCircleAlreadyOverlapping(t *testing.T) {
	c0 := vec3(0, 0, 0)
	v := vec3(1, 0, 0)
	c1 := vec3(0.5, 0, 0)

	tmin, _, moving := sweepCircleCircle(c0, 0.5, v, c1, 0.5)
	if !moving {
		t.Fatalf("expected moving=true")
	}
	if tmin >= 0 {
		t.Errorf("tmin = %v, want < 0 (circles already overlap at t=0)", tmin)
	}
}

func TestIsectRaySegCrossing(t *testing.T) {
	ap := vec3(0, 0, 0)
	u := vec3(1, 0, 0)
	bp := vec3(0.5, 0, -1)
	bq := vec3(0.5, 0, 1)

	isect, dist := isectRaySeg(ap, u, bp, bq)
	if !isect {
		t.Fatalf("expected an intersection")
	}
	if dist != 0.5 {
		t.Errorf("t = %v, want 0.5", dist)
	}
}

func TestIsectRaySegParallel(t *testing.T) {
	ap := vec3(0, 0, 0)
	u := vec3(1, 0, 0)
	bp := vec3(0, 0, 1)
	bq := vec3(1, 0, 1)

	if isect, _ := isectRaySeg(ap, u, bp, bq); isect {
		t.Fatalf("expected no intersection for a segment parallel to the ray")
	}
}

func TestIsectRaySegBeyondRayLength(t *testing.T) {
	// u has unit length here, so t > 1 means the segment crosses the ray's
	// line beyond its length and must be rejected.
	ap := vec3(0, 0, 0)
	u := vec3(1, 0, 0)
	bp := vec3(2, 0, -1)
	bq := vec3(2, 0, 1)

	if isect, _ := isectRaySeg(ap, u, bp, bq); isect {
		t.Fatalf("expected no intersection when the crossing point is beyond u's length")
	}
}
