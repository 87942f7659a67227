package trace

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/atomrt/atomrt/bvh"
	"github.com/atomrt/atomrt/core"
)

// primaryFillDepth is K=16, the number of occupied large voxels the fill
// phase accumulates before the drain phase runs. The GPU kernel cooperates
// across a 64-lane subgroup with a shared scratchpad; this CPU reference
// walks one ray at a time, so the scratchpad is just a local slice, but the
// fill/drain staging and the K bound are preserved exactly since they are
// what the early-exit correctness argument depends on.
const primaryFillDepth = 16

type largeVoxelEntry struct {
	compactedIndex uint32
	entryT         float32
}

// TracePrimary runs the two-phase primary traverser: walk the large-voxel
// DDA in batches of up to K occupied voxels (fill phase), then drain each
// batch with a small-voxel DDA and test_cell (drain phase), repeating until
// a hit or out-of-bounds. origin and dir are in world-relative coordinates
// (the same frame as grid.Config's volume).
func TracePrimary(origin, dir mgl32.Vec3, grid *bvh.Grid, atoms []core.ConvertedAtom, cfg core.Config) (Hit, error) {
	worldMin := mgl32.Vec3{0, 0, 0}
	worldMax := mgl32.Vec3{cfg.WorldEdgeNM, cfg.WorldEdgeNM, cfg.WorldEdgeNM}

	entryT, ok := RayBoxEntry(origin, dir, worldMin, worldMax)
	if !ok {
		return Hit{}, nil // B4: ray grazing/missing the world box terminates as a clean miss.
	}
	start := origin.Add(dir.Mul(entryT))
	axisCells := int32(grid.AxisCells)
	large := NewDDA(start, dir, cfg.LargeVoxelNM, axisCells)

	outerIters := uint32(0)
	for {
		outerIters++
		if outerIters > cfg.FaultLimit {
			return Hit{}, core.NewTraversalFaultError(core.FaultOuterPrimary)
		}

		batch, hitBounds := fillLarge(&large, grid, axisCells, cfg)
		if len(batch) == 0 {
			return Hit{}, nil // no more occupied large voxels along the ray: miss.
		}
		// fillLarge measures entry t from start; shift it to be measured from origin.
		for i := range batch {
			batch[i].entryT += entryT
		}

		hit, err := drainLarge(batch, origin, dir, grid, atoms, cfg)
		if err != nil {
			return Hit{}, err
		}
		if hit.Found {
			return hit, nil
		}
		if !hitBounds {
			return Hit{}, nil
		}
	}
}

// fillLarge walks the large DDA, collecting up to primaryFillDepth occupied
// cells. It returns the batch and whether the walk stopped only because the
// batch filled (true) as opposed to running out of world bounds (false).
func fillLarge(large *DDA, grid *bvh.Grid, axisCells int32, cfg core.Config) ([]largeVoxelEntry, bool) {
	batch := make([]largeVoxelEntry, 0, primaryFillDepth)
	t := float32(0)
	fillIters := uint32(0)
	for len(batch) < primaryFillDepth {
		fillIters++
		if fillIters > cfg.FaultLimit {
			return batch, false
		}
		c := large.Cell()
		if c[0] < 0 || c[0] >= axisCells || c[1] < 0 || c[1] >= axisCells || c[2] < 0 || c[2] >= axisCells {
			return batch, false
		}
		idx := int(c[2])*int(axisCells)*int(axisCells) + int(c[1])*int(axisCells) + int(c[0])
		cell := grid.Dense[idx]
		if !cell.Empty() {
			batch = append(batch, largeVoxelEntry{compactedIndex: cell.CompactedIndex, entryT: t})
		}
		t = large.VoxelMaxHitTime()
		if large.Advance() < 0 {
			return batch, false
		}
	}
	return batch, true
}

// drainLarge walks the K accepted large voxels in order, running a small DDA
// inside each. Returns on the first accepted hit.
func drainLarge(batch []largeVoxelEntry, origin, dir mgl32.Vec3, grid *bvh.Grid, atoms []core.ConvertedAtom, cfg core.Config) (Hit, error) {
	edge := cfg.LargeVoxelNM
	small := cfg.SmallVoxelNM
	n := int32(cfg.SmallVoxelsPerLargeAxis())

	for _, entry := range batch {
		compact := grid.Compacted[entry.compactedIndex-1]
		ix, iy, iz := compact.Coords()
		cellOrigin := mgl32.Vec3{float32(ix) * edge, float32(iy) * edge, float32(iz) * edge}
		localOrigin := origin.Add(dir.Mul(entry.entryT)).Sub(cellOrigin)

		dda := NewDDA(localOrigin, dir, small, n)
		innerIters := uint32(0)
		for {
			innerIters++
			if innerIters > cfg.FaultLimit {
				return Hit{}, core.NewTraversalFaultError(core.FaultInnerPrimary)
			}
			c := dda.Cell()
			if c[0] < 0 || c[0] >= n || c[1] < 0 || c[1] >= n || c[2] < 0 || c[2] >= n {
				break
			}
			exitT := dda.VoxelMaxHitTime()
			local := uint32(c[0]) + uint32(c[1])*uint32(n) + uint32(c[2])*uint32(n)*uint32(n)
			cellIdx := int(entry.compactedIndex-1)*smallVoxelsPerLargeCellRef + int(local)
			smallCell := grid.Small[cellIdx]
			if smallCell.Count > 0 {
				ids := grid.SmallAtomRefs[compact.SmallRefBase+uint32(smallCell.Offset) : compact.SmallRefBase+uint32(smallCell.Offset)+uint32(smallCell.Count)]
				hit := TestCell(ids, atoms, origin, dir, Hit{Distance: entry.entryT + exitT})
				if hit.Found {
					return hit, nil
				}
			}
			if dda.Advance() < 0 {
				break
			}
		}
	}
	return Hit{}, nil
}

// smallVoxelsPerLargeCellRef mirrors bvh's 512-per-large-cell layout; kept as
// a local constant so this package does not need an exported constant from
// bvh purely for index arithmetic.
const smallVoxelsPerLargeCellRef = 512
