package trace

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/atomrt/atomrt/core"
)

// P6: a ray with no atom closer than ao_cutoff_nm returns miss.
func TestAOMissWhenNothingWithinCutoff(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 8
	radii := core.DefaultElementRadii()
	radii[6] = 0.1

	// Atom far enough away that it sits well beyond the 1.433nm AO cutoff.
	atoms := []core.Atom{{Position: [3]float32{0, 0, -3}, Element: 6}}
	grid, converted, world := buildGrid(t, atoms, cfg)

	originLocal := world.ToLocal(mgl32.Vec3{0, 0, 0})
	dir := mgl32.Vec3{0, 0, -1}

	hit, err := TraceAO(originLocal, dir, grid, converted, cfg)
	require.NoError(t, err)
	require.False(t, hit.Found)
}

// An atom sitting inside the cutoff is found.
func TestAOHitsWithinCutoff(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 8
	radii := core.DefaultElementRadii()
	radii[6] = 0.2

	atoms := []core.Atom{{Position: [3]float32{0, 0, -1}, Element: 6}}
	grid, converted, world := buildGrid(t, atoms, cfg)

	originLocal := world.ToLocal(mgl32.Vec3{0, 0, 0})
	dir := mgl32.Vec3{0, 0, -1}

	hit, err := TraceAO(originLocal, dir, grid, converted, cfg)
	require.NoError(t, err)
	require.True(t, hit.Found)
	require.Less(t, hit.Distance, cfg.AOCutoffNM)
}

// B4: an AO ray grazing the world bounds terminates without dereferencing
// out-of-range grid tables.
func TestAORayOutOfBoundsTerminates(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.WorldEdgeNM = 8
	atoms := []core.Atom{{Position: [3]float32{0, 0, 0}, Element: 6}}
	grid, converted, world := buildGrid(t, atoms, cfg)

	originLocal := world.ToLocal(mgl32.Vec3{0, 0, 50})
	dir := mgl32.Vec3{0, 0, 1} // moving further away, never re-entering the world

	hit, err := TraceAO(originLocal, dir, grid, converted, cfg)
	require.NoError(t, err)
	require.False(t, hit.Found)
}
