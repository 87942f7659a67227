package bvh

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/atomrt/atomrt/core"
)

func smallConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 8 // 4 large voxels/axis, small tables stay test-sized
	return cfg
}

func buildFrom(t *testing.T, atoms []core.Atom, cfg core.Config) *Grid {
	t.Helper()
	radii := core.DefaultElementRadii()
	pre, err := Preprocess(atoms, radii, cfg)
	require.NoError(t, err)
	grid, err := NewGridBuilder(cfg).BuildGrid(pre.Converted)
	require.NoError(t, err)
	return grid
}

// P4: compacted indices form a dense 1..K prefix with no gaps.
func TestCompactedIndicesAreDensePrefix(t *testing.T) {
	cfg := smallConfig()
	atoms := []core.Atom{
		{Position: [3]float32{-3, -3, -3}, Element: 6},
		{Position: [3]float32{3, 3, 3}, Element: 7},
		{Position: [3]float32{-3, 3, -3}, Element: 8},
	}
	grid := buildFrom(t, atoms, cfg)

	seen := make(map[uint32]bool)
	for _, c := range grid.Dense {
		if c.Empty() {
			continue
		}
		seen[c.CompactedIndex] = true
	}
	if len(seen) != grid.OccupiedLargeCells() {
		t.Fatalf("occupied cell count mismatch: dense has %d distinct indices, Compacted has %d entries", len(seen), grid.OccupiedLargeCells())
	}
	for i := uint32(1); i <= uint32(len(seen)); i++ {
		if !seen[i] {
			t.Fatalf("compacted index prefix has a gap at %d", i)
		}
	}
}

// I3: empty large cells have CompactedIndex == 0 and are never referenced by
// Compacted.
func TestEmptyCellsStayZero(t *testing.T) {
	cfg := smallConfig()
	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Element: 6}}
	grid := buildFrom(t, atoms, cfg)

	nonEmpty := 0
	for _, c := range grid.Dense {
		if !c.Empty() {
			nonEmpty++
		}
	}
	require.Equal(t, 8, nonEmpty, "an atom at the origin sits on the corner shared by eight large voxels and occupies exactly those eight")
}

// P3: for every occupied large voxel, the sum of its 512 small-cell counts
// equals the cell's packed small_ref_count exactly (not merely an upper
// bound) — this is the invariant the B2 count / B5 emit split has to
// preserve despite redoing the cube-sphere test at two different grains.
func TestSmallCountsSumToPackedCount(t *testing.T) {
	cfg := smallConfig()
	atoms := []core.Atom{
		{Position: [3]float32{0, 0, 0}, Element: 6},
		{Position: [3]float32{0.05, 0, 0}, Element: 1},
		{Position: [3]float32{0, 0.05, 0.05}, Element: 8},
		{Position: [3]float32{-1.9, -1.9, -1.9}, Element: 16},
	}
	grid := buildFrom(t, atoms, cfg)

	for ci, cell := range grid.Compacted {
		var sum uint32
		base := ci * smallVoxelsPerLargeCell
		for i := 0; i < smallVoxelsPerLargeCell; i++ {
			sum += uint32(grid.Small[base+i].Count)
		}
		if sum != cell.SmallRefCount() {
			t.Errorf("cell %d: small counts sum to %d, counts_packed says %d", ci, sum, cell.SmallRefCount())
		}
	}
}

// I4: every occupied large voxel reserves exactly 512 small-cell slots, zero-
// filled where unoccupied, even when its counts_packed small_ref_count is 0.
func TestEverySmallBlockHas512Slots(t *testing.T) {
	cfg := smallConfig()
	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Element: 6}}
	grid := buildFrom(t, atoms, cfg)

	require.Equal(t, grid.OccupiedLargeCells()*smallVoxelsPerLargeCell, len(grid.Small))
}

// P2: every large-voxel atom reference list has exactly atom_ref_count
// entries, and every entry is a valid atom index.
func TestLargeAtomRefCountsMatchWrittenEntries(t *testing.T) {
	cfg := smallConfig()
	atoms := []core.Atom{
		{Position: [3]float32{0, 0, 0}, Element: 6},
		{Position: [3]float32{0.1, 0.1, 0.1}, Element: 7},
		{Position: [3]float32{1.9, 1.9, 1.9}, Element: 8}, // straddles a large-voxel boundary
	}
	grid := buildFrom(t, atoms, cfg)

	for _, cell := range grid.Compacted {
		count := cell.AtomRefCount()
		for i := uint32(0); i < count; i++ {
			ref := grid.LargeAtomRefs[cell.AtomRefBase+i]
			if int(ref) >= len(atoms) {
				t.Fatalf("large atom ref %d out of range (have %d converted atoms)", ref, len(atoms))
			}
		}
	}
}

// R1: coordinate packing round-trips through CompactedLargeCell.Coords.
func TestCoordsPackRoundTrip(t *testing.T) {
	cases := [][3]int32{
		{0, 0, 0},
		{3, 2, 1},
		{63, 0, 10},
	}
	for _, c := range cases {
		packed := packCoords(c[0], c[1], c[2])
		cell := CompactedLargeCell{CoordsPacked: packed}
		ix, iy, iz := cell.Coords()
		require.Equal(t, c[0], ix)
		require.Equal(t, c[1], iy)
		require.Equal(t, c[2], iz)
	}
}

// R2: counts_packed round-trips through packCounts/unpackCounts.
func TestCountsPackRoundTrip(t *testing.T) {
	atomRefs, smallRefs := packTestRoundTrip(t, 12, 400)
	require.Equal(t, uint32(12), atomRefs)
	require.Equal(t, uint32(400), smallRefs)
}

func packTestRoundTrip(t *testing.T, a, s uint32) (uint32, uint32) {
	t.Helper()
	return unpackCounts(packCounts(a, s))
}

// B1: an atom sitting exactly on a large-voxel boundary is assigned to both
// neighboring large voxels (the accept-in-both rule for boundary cases),
// not dropped or double-counted into one.
func TestAtomOnLargeVoxelBoundaryTouchesBothCells(t *testing.T) {
	cfg := smallConfig()
	b := NewGridBuilder(cfg)

	// World-relative position sitting exactly on the boundary between large
	// voxel 1 and large voxel 2 along x (large voxel edge = 2nm).
	atom := core.ConvertedAtom{Position: mgl32.Vec3{4, 4, 4}, Radius: 0.15}
	cells := b.touchedLargeVoxels(atom)
	if len(cells) < 2 {
		t.Fatalf("expected atom on a cell boundary to touch >=2 large voxels, got %d", len(cells))
	}
}

// B2 (cube-sphere exactness): a small voxel whose nearest corner is exactly
// at distance r from the atom center is rejected, per the strict d^2 > 0
// acceptance rule.
func TestCubeSphereOverlapIsStrict(t *testing.T) {
	pos := [3]float32{0, 0, 0}
	r := float32(1.0)
	// Small voxel whose nearest face sits exactly at distance r: clamp
	// equals pos, diff == r on one axis only so d^2 == r^2 - r^2 == 0.
	cellOrigin := [3]float32{0, 0, 0}
	small := [3]int{1, 0, 0} // voxel at x in [1, 2) with edge=1 puts its nearest corner at x=r=1
	hit := cubeSphereOverlap(pos, r, cellOrigin, small, 1.0)
	require.False(t, hit, "exact tangency (d^2 == 0) must be rejected")
}

// S1: a scene with exactly one atom, placed on the corner shared by eight
// large voxels, produces a grid with those eight occupied large voxels, each
// referencing the atom once, and a nonzero small-voxel table.
func TestSingleAtomScene(t *testing.T) {
	cfg := smallConfig()
	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Radius: 0, Element: 6}}
	grid := buildFrom(t, atoms, cfg)

	require.Equal(t, 8, grid.OccupiedLargeCells())
	require.Equal(t, uint32(1), grid.Compacted[0].AtomRefCount())
	require.Greater(t, grid.Compacted[0].SmallRefCount(), uint32(0))
}

// S3: atoms clustered entirely within one small voxel still produce correct
// per-cell counts (dense overlap doesn't overflow the 14-bit atom count or
// corrupt neighboring lanes). The cluster sits on the corner shared by eight
// large voxels, so every atom is referenced by all eight.
func TestDenseClusterWithinOneSmallVoxel(t *testing.T) {
	cfg := smallConfig()
	var atoms []core.Atom
	for i := 0; i < 50; i++ {
		d := float32(i) * 0.001
		atoms = append(atoms, core.Atom{Position: [3]float32{d, d, d}, Element: 6})
	}
	grid := buildFrom(t, atoms, cfg)

	require.Equal(t, 8, grid.OccupiedLargeCells())
	require.Equal(t, uint32(50), grid.Compacted[0].AtomRefCount())
}
