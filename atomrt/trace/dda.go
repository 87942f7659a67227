// Package trace implements the two DDA-based ray traversers (primary camera
// rays, short divergent AO rays) and the ray-sphere intersection contract
// they share. Both traversers are expressed as concrete functions over the
// shared DDA value type and test_cell helper rather than through a virtual
// interface: the two loops differ enough in shape (two-phase fill/drain vs.
// a single bounded walk) that a shared interface would just be indirection.
package trace

import "github.com/go-gl/mathgl/mgl32"

// DDA is a 3-D digital differential analyzer: incremental stepping of a ray
// through a uniform grid of cubes with edge h. It is a value type, never
// heap-allocated, so traversal loops carry it by value/pointer on the stack.
type DDA struct {
	edge  float32
	cell  [3]int32
	tNext [3]float32
	dt    [3]float32 // per-axis t increment to cross one cell
	step  [3]int32   // -1, 0, or +1
}

// NewDDA initializes a DDA walking from origin in direction dir through a
// grid of the given edge length, with t=0 corresponding to origin. origin
// and dir are in the same local frame the caller intends to keep using for
// cell-coordinate math; dir need not be normalized, but its magnitude fixes
// the meaning of the t values VoxelMaxHitTime returns. axisCells is the grid
// resolution along each axis; the initial cell is clamped to [0, axisCells-1]
// before its boundary is computed, matching render_atoms.wgsl's
// clamp(i32(floor(p/edge)), 0, n-1) so a ray origin sitting exactly on the
// grid's outer face (common for a camera placed on the world boundary) lands
// in the last cell instead of one step out of bounds.
func NewDDA(origin, dir mgl32.Vec3, edge float32, axisCells int32) DDA {
	var d DDA
	d.edge = edge
	for axis := 0; axis < 3; axis++ {
		o := origin[axis]
		v := dir[axis]
		c := int32(floorDiv(o, edge))
		if c < 0 {
			c = 0
		} else if c >= axisCells {
			c = axisCells - 1
		}
		d.cell[axis] = c

		switch {
		case v > 0:
			d.step[axis] = 1
			boundary := float32(c+1) * edge
			d.tNext[axis] = (boundary - o) / v
			d.dt[axis] = edge / v
		case v < 0:
			d.step[axis] = -1
			boundary := float32(c) * edge
			d.tNext[axis] = (boundary - o) / v
			d.dt[axis] = edge / -v
		default:
			d.step[axis] = 0
			d.tNext[axis] = float32(posInf)
			d.dt[axis] = float32(posInf)
		}
	}
	return d
}

const posInf = 1e30

// Cell returns the current integer cell coordinate.
func (d *DDA) Cell() [3]int32 { return d.cell }

// VoxelMaxHitTime returns the ray parameter t at which the ray exits the
// current cell.
func (d *DDA) VoxelMaxHitTime() float32 {
	return min3(d.tNext[0], d.tNext[1], d.tNext[2])
}

// Advance steps to the next cell: the axis with smallest t_next is picked,
// that axis's cell coordinate moves by one step, and its t_next is pushed
// out by dt. Returns the axis advanced (0,1,2), or -1 if every axis is
// parallel to the grid (dir has a zero component on all three axes, which
// cannot happen for a normalized direction but is guarded defensively).
func (d *DDA) Advance() int {
	axis := 0
	if d.tNext[1] < d.tNext[axis] {
		axis = 1
	}
	if d.tNext[2] < d.tNext[axis] {
		axis = 2
	}
	if d.tNext[axis] >= posInf {
		return -1
	}
	d.cell[axis] += d.step[axis]
	d.tNext[axis] += d.dt[axis]
	return axis
}

func min3(a, b, c float32) float32 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func floorDiv(v, edge float32) float32 {
	q := v / edge
	i := float32(int64(q))
	if q < 0 && i != q {
		i--
	}
	return i
}

// RayBoxEntry returns the t at which the ray (origin, dir) enters the
// axis-aligned box [min, max], clamped to 0 so a ray already inside the box
// starts at its own origin. ok is false if the ray misses the box entirely.
func RayBoxEntry(origin, dir, min, max mgl32.Vec3) (t float32, ok bool) {
	tMin := float32(0)
	tMax := float32(posInf)
	for axis := 0; axis < 3; axis++ {
		o, v := origin[axis], dir[axis]
		lo, hi := min[axis], max[axis]
		if v == 0 {
			if o < lo || o > hi {
				return 0, false
			}
			continue
		}
		t0 := (lo - o) / v
		t1 := (hi - o) / v
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tMin {
			tMin = t0
		}
		if t1 < tMax {
			tMax = t1
		}
		if tMin > tMax {
			return 0, false
		}
	}
	return tMin, true
}
