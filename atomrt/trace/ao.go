package trace

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/atomrt/atomrt/bvh"
	"github.com/atomrt/atomrt/core"
)

// AOCutoffNM default: 1 nm plus the small-voxel diagonal (0.25*sqrt(3)),
// letting the AO traverser skip the large-voxel cache entirely.
// Config.AOCutoffNM carries the configured value; this constant documents
// where the default in core.DefaultConfig comes from.
const aoDiagonalFactor = 1.7320508 // sqrt(3)

// TraceAO runs the short-range ambient-occlusion traverser: a single
// small-voxel DDA, no large-voxel fill/drain staging, terminating at
// Config.AOCutoffNM. origin and dir are in the same world-relative frame as
// TracePrimary's.
func TraceAO(origin, dir mgl32.Vec3, grid *bvh.Grid, atoms []core.ConvertedAtom, cfg core.Config) (Hit, error) {
	small := cfg.SmallVoxelNM
	axisSmall := int32(grid.AxisCells) * int32(cfg.SmallVoxelsPerLargeAxis())
	n := int32(cfg.SmallVoxelsPerLargeAxis())

	dda := NewDDA(origin, dir, small, axisSmall)
	iters := uint32(0)
	for {
		iters++
		if iters > cfg.FaultLimit {
			return Hit{}, core.NewTraversalFaultError(core.FaultSmallDDA)
		}

		exitT := dda.VoxelMaxHitTime()
		if exitT >= cfg.AOCutoffNM {
			return Hit{}, nil // cutoff reached before any hit: miss.
		}

		c := dda.Cell()
		if c[0] < 0 || c[0] >= axisSmall || c[1] < 0 || c[1] >= axisSmall || c[2] < 0 || c[2] >= axisSmall {
			return Hit{}, nil // out of world bounds: miss.
		}

		largeIx, largeIy, largeIz := c[0]/n, c[1]/n, c[2]/n
		largeAxis := int32(grid.AxisCells)
		largeIdx := int(largeIz)*int(largeAxis)*int(largeAxis) + int(largeIy)*int(largeAxis) + int(largeIx)
		large := grid.Dense[largeIdx]
		if !large.Empty() {
			lx, ly, lz := c[0]%n, c[1]%n, c[2]%n
			local := uint32(lx) + uint32(ly)*uint32(n) + uint32(lz)*uint32(n)*uint32(n)
			cellIdx := int(large.CompactedIndex-1)*smallVoxelsPerLargeCellRef + int(local)
			smallCell := grid.Small[cellIdx]
			if smallCell.Count > 0 {
				ids := grid.SmallAtomRefs[large.SmallRefBase+uint32(smallCell.Offset) : large.SmallRefBase+uint32(smallCell.Offset)+uint32(smallCell.Count)]
				hit := TestCell(ids, atoms, origin, dir, Hit{Distance: min2(exitT, cfg.AOCutoffNM)})
				if hit.Found {
					return hit, nil
				}
			}
		}

		if dda.Advance() < 0 {
			return Hit{}, nil
		}
	}
}

func min2(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
