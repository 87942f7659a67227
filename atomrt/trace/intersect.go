package trace

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/atomrt/atomrt/core"
)

// Hit is the traverser's running result: the nearest atom found so far along
// a ray, and the distance to its near root. Distance is the cap test_cell
// must beat to accept a new candidate.
type Hit struct {
	AtomID   uint32
	Distance float32
	Found    bool
}

// TestCell is the ray-sphere intersection test: origin and dir are in the
// same world-relative frame as atoms' positions (both traversers pass their
// world-relative ray origin, not one translated to a voxel corner), and
// returned distances are measured from origin.
// ids lists candidate atom indices into atoms. best.Distance is the cap a
// candidate root must beat; callers seed it with the small voxel's
// voxel-max-hit-time so only atoms genuinely nearer than the cell's exit are
// ever accepted, which keeps traversal order correct without sorting.
func TestCell(ids []uint32, atoms []core.ConvertedAtom, origin, dir mgl32.Vec3, best Hit) Hit {
	for _, id := range ids {
		a := atoms[id]
		oc := origin.Sub(a.Position)
		b := oc.Dot(dir)
		cCoef := oc.Dot(oc) - a.Radius*a.Radius
		disc := b*b - cCoef
		if disc <= 0 {
			continue
		}
		// Near root only. A ray origin inside the atom makes this root
		// negative, which is rejected below rather than falling back to the
		// far root, so rays starting inside a sphere report a miss.
		t := -b - float32(math.Sqrt(float64(disc)))
		if t < 0 {
			continue
		}
		// Ties go to the smaller atom id, independent of reference-list
		// order (the list itself has no guaranteed order).
		if t < best.Distance || (t == best.Distance && (!best.Found || id < best.AtomID)) {
			best = Hit{AtomID: id, Distance: t, Found: true}
		}
	}
	return best
}
