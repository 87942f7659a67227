package trace

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/atomrt/atomrt/bvh"
	"github.com/atomrt/atomrt/core"
)

func buildGrid(t *testing.T, atoms []core.Atom, cfg core.Config) (*bvh.Grid, []core.ConvertedAtom, core.WorldVolume) {
	t.Helper()
	radii := core.DefaultElementRadii()
	pre, err := bvh.Preprocess(atoms, radii, cfg)
	require.NoError(t, err)
	grid, err := bvh.NewGridBuilder(cfg).BuildGrid(pre.Converted)
	require.NoError(t, err)
	return grid, pre.Converted, pre.World
}

// S1: single atom at the world origin, camera looking down -z, center ray
// hits with depth ~= 1.5nm.
func TestPrimarySingleAtomCenterHit(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 4
	radii := core.DefaultElementRadii()
	radii[6] = 0.5 // override the table so the test atom's radius is exactly 0.5nm

	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Element: 6}}
	pre, err := bvh.Preprocess(atoms, radii, cfg)
	require.NoError(t, err)
	grid, err := bvh.NewGridBuilder(cfg).BuildGrid(pre.Converted)
	require.NoError(t, err)

	originWorld := mgl32.Vec3{0, 0, 2}
	dir := mgl32.Vec3{0, 0, -1}
	originLocal := pre.World.ToLocal(originWorld)

	hit, err := TracePrimary(originLocal, dir, grid, pre.Converted, cfg)
	require.NoError(t, err)
	require.True(t, hit.Found)
	require.InDelta(t, 1.5, hit.Distance, 1e-4)
}

// S1: a ray well outside the atom's angular extent misses.
func TestPrimaryCornerRayMisses(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 4
	radii := core.DefaultElementRadii()
	radii[6] = 0.5

	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Element: 6}}
	pre, err := bvh.Preprocess(atoms, radii, cfg)
	require.NoError(t, err)
	grid, err := bvh.NewGridBuilder(cfg).BuildGrid(pre.Converted)
	require.NoError(t, err)

	originWorld := mgl32.Vec3{0, 0, 2}
	// A ray angled far enough off-axis to clear the r=0.5 sphere entirely.
	dir := mgl32.Vec3{1, 1, -1}.Normalize()
	originLocal := pre.World.ToLocal(originWorld)

	hit, err := TracePrimary(originLocal, dir, grid, pre.Converted, cfg)
	require.NoError(t, err)
	require.False(t, hit.Found)
}

// S3: two touching atoms; the ray along their shared tangent point ties, and
// the tie-break picks the smaller atom id deterministically.
func TestPrimaryTouchingAtomsTieBreak(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 4
	radii := core.DefaultElementRadii()
	radii[6] = 0.5

	atoms := []core.Atom{
		{Position: [3]float32{-0.5, 0, 0}, Element: 6},
		{Position: [3]float32{0.5, 0, 0}, Element: 6},
	}
	pre, err := bvh.Preprocess(atoms, radii, cfg)
	require.NoError(t, err)
	grid, err := bvh.NewGridBuilder(cfg).BuildGrid(pre.Converted)
	require.NoError(t, err)

	originWorld := mgl32.Vec3{0, 0, 2}
	dir := mgl32.Vec3{0, 0, -1}
	originLocal := pre.World.ToLocal(originWorld)

	hit, err := TracePrimary(originLocal, dir, grid, pre.Converted, cfg)
	require.NoError(t, err)
	require.True(t, hit.Found)
	require.Equal(t, uint32(0), hit.AtomID)
	require.InDelta(t, 1.5, hit.Distance, 1e-3)
}

// S4 / B3: camera origin inside an atom; the near root is negative and the
// primary traverser reports a miss rather than falling back to the far root.
func TestPrimaryOriginInsideAtomMisses(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 4
	radii := core.DefaultElementRadii()
	radii[6] = 0.1

	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Element: 6}}
	pre, err := bvh.Preprocess(atoms, radii, cfg)
	require.NoError(t, err)
	grid, err := bvh.NewGridBuilder(cfg).BuildGrid(pre.Converted)
	require.NoError(t, err)

	originLocal := pre.World.ToLocal(mgl32.Vec3{0, 0, 0}) // camera placed at the atom's own center
	dir := mgl32.Vec3{0, 0, -1}

	hit, err := TracePrimary(originLocal, dir, grid, pre.Converted, cfg)
	require.NoError(t, err)
	require.False(t, hit.Found)
}

// B4: a ray that grazes past the world bounding box terminates cleanly
// without a panic or an out-of-range dense-grid dereference.
func TestPrimaryRayGrazingWorldBoundsTerminates(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 4
	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Element: 6}}
	grid, converted, world := buildGrid(t, atoms, cfg)

	// Ray starting well outside the world box, running parallel to one of
	// its faces so it never enters the volume.
	originLocal := world.ToLocal(mgl32.Vec3{0, 0, 100})
	dir := mgl32.Vec3{1, 0, 0}

	hit, err := TracePrimary(originLocal, dir, grid, converted, cfg)
	require.NoError(t, err)
	require.False(t, hit.Found)
}

// P5: among several atoms along one ray, the primary traverser returns the
// one with minimum t >= 0.
func TestPrimaryReturnsNearestAtom(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 16
	radii := core.DefaultElementRadii()
	radii[6] = 0.3

	atoms := []core.Atom{
		{Position: [3]float32{0, 0, -4}, Element: 6}, // far
		{Position: [3]float32{0, 0, 0}, Element: 6},  // near
		{Position: [3]float32{0, 0, -8}, Element: 6}, // farthest
	}
	pre, err := bvh.Preprocess(atoms, radii, cfg)
	require.NoError(t, err)
	grid, err := bvh.NewGridBuilder(cfg).BuildGrid(pre.Converted)
	require.NoError(t, err)

	originLocal := pre.World.ToLocal(mgl32.Vec3{0, 0, 4})
	dir := mgl32.Vec3{0, 0, -1}

	hit, err := TracePrimary(originLocal, dir, grid, pre.Converted, cfg)
	require.NoError(t, err)
	require.True(t, hit.Found)
	require.Equal(t, uint32(1), hit.AtomID) // the atom at z=0, nearest the camera
	require.InDelta(t, float64(4-0.3), float64(hit.Distance), 1e-3)
}

func TestDDAAdvanceEntersNeighboringCell(t *testing.T) {
	dda := NewDDA(mgl32.Vec3{0.5, 0.5, 0.5}, mgl32.Vec3{1, 0, 0}, 1.0, 4)
	require.Equal(t, [3]int32{0, 0, 0}, dda.Cell())
	axis := dda.Advance()
	require.Equal(t, 0, axis)
	require.Equal(t, [3]int32{1, 0, 0}, dda.Cell())
}

func TestRayBoxEntryClampsToZeroWhenInside(t *testing.T) {
	t0, ok := RayBoxEntry(mgl32.Vec3{1, 1, 1}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{2, 2, 2})
	require.True(t, ok)
	require.Equal(t, float32(0), t0)
}

func TestRayBoxEntryMisses(t *testing.T) {
	_, ok := RayBoxEntry(mgl32.Vec3{-5, 5, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{2, 2, 2})
	require.False(t, ok)
}

func TestTestCellTieBreaksOnSmallerAtomID(t *testing.T) {
	atoms := []core.ConvertedAtom{
		{Position: mgl32.Vec3{0, 0, 0}, Radius: 0.5},
		{Position: mgl32.Vec3{0, 0, 0}, Radius: 0.5}, // identical sphere, higher id
	}
	hit := TestCell([]uint32{1, 0}, atoms, mgl32.Vec3{0, 0, 2}, mgl32.Vec3{0, 0, -1}, Hit{Distance: float32(math.Inf(1))})
	require.True(t, hit.Found)
	require.Equal(t, uint32(0), hit.AtomID, "equal-distance ties must resolve to the smaller atom id regardless of test order")
}
