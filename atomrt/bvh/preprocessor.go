// Package bvh builds the per-frame two-level uniform-grid BVH and the
// atom-preprocessing stage that feeds it.
package bvh

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/atomrt/atomrt/core"
)

// blockSize is the atom-block granularity for the bounding-box reduction:
// atoms are partitioned into blocks of ~64K. Blocks are independent, so the
// reduction runs on a goroutine pool, the same host-tier task-pool pattern
// used for the rest of the driver's independent-block work.
const blockSize = 1 << 16

type blockResult struct {
	min  mgl32.Vec3
	max  mgl32.Vec3
	refs uint64
}

// PreprocessResult is the output of the atom preprocessor.
type PreprocessResult struct {
	Converted []core.ConvertedAtom
	World     core.WorldVolume
}

// Preprocess computes the world bounding box and packs each atom into a
// world-relative record. It is the single entry point for the
// preprocessing stage of the pipeline.
func Preprocess(atoms []core.Atom, radii core.ElementRadii, cfg core.Config) (*PreprocessResult, error) {
	if uint32(len(atoms)) > cfg.MaxAtoms {
		return nil, core.NewCapacityError(core.KindCapacityExceededAtoms, uint32(len(atoms)), cfg.MaxAtoms)
	}
	if len(atoms) == 0 {
		return nil, core.NewEmptyWorldError()
	}

	blocks := reduceBlocks(atoms, radii, cfg)

	half := cfg.WorldEdgeNM / 2
	minB := mgl32.Vec3{half, half, half}
	maxB := mgl32.Vec3{-half, -half, -half}
	var totalRefs uint64
	for _, b := range blocks {
		minB = componentMin(minB, b.min)
		maxB = componentMax(maxB, b.max)
		totalRefs += b.refs
	}
	if totalRefs > uint64(cfg.MaxReferences) {
		return nil, core.NewCapacityError(core.KindCapacityExceededReferences, uint32(totalRefs), cfg.MaxReferences)
	}

	minB, maxB = snapAndClamp(minB, maxB, cfg)

	world := core.WorldVolume{Edge: cfg.WorldEdgeNM, Min: minB, Max: maxB}
	converted := convert(atoms, radii, world)
	if len(converted) == 0 {
		return nil, core.NewEmptyWorldError()
	}

	return &PreprocessResult{Converted: converted, World: world}, nil
}

// reduceBlocks computes, in parallel, the local min/max of position±radius
// and the projected small-voxel reference count for each block of atoms.
func reduceBlocks(atoms []core.Atom, radii core.ElementRadii, cfg core.Config) []blockResult {
	n := len(atoms)
	numBlocks := (n + blockSize - 1) / blockSize
	results := make([]blockResult, numBlocks)

	var wg sync.WaitGroup
	wg.Add(numBlocks)
	for b := 0; b < numBlocks; b++ {
		go func(b int) {
			defer wg.Done()
			start := b * blockSize
			end := start + blockSize
			if end > n {
				end = n
			}
			results[b] = reduceOne(atoms[start:end], radii, cfg)
		}(b)
	}
	wg.Wait()
	return results
}

func reduceOne(atoms []core.Atom, radii core.ElementRadii, cfg core.Config) blockResult {
	inf := float32(math.Inf(1))
	res := blockResult{
		min: mgl32.Vec3{inf, inf, inf},
		max: mgl32.Vec3{-inf, -inf, -inf},
	}
	small := cfg.SmallVoxelNM
	for _, a := range atoms {
		r := radii[a.Element]
		p := mgl32.Vec3{a.Position[0], a.Position[1], a.Position[2]}
		res.min = componentMin(res.min, p.Sub(mgl32.Vec3{r, r, r}))
		res.max = componentMax(res.max, p.Add(mgl32.Vec3{r, r, r}))

		// ceil((2r+eps)/small)^3 small-voxel references.
		span := math.Ceil(float64((2*r + 1e-4) / small))
		if span < 1 {
			span = 1
		}
		res.refs += uint64(span * span * span)
	}
	return res
}

// snapAndClamp implements the bounding-box snap: align to the large voxel
// grid, then clamp to the world volume.
func snapAndClamp(min, max mgl32.Vec3, cfg core.Config) (mgl32.Vec3, mgl32.Vec3) {
	edge := cfg.LargeVoxelNM
	half := cfg.WorldEdgeNM / 2

	snap := func(v float32, f func(float64) float64) float32 {
		return float32(f(float64(v/edge))) * edge
	}
	clamp := func(v float32) float32 {
		if v < -half {
			return -half
		}
		if v > half {
			return half
		}
		return v
	}

	sMin := mgl32.Vec3{snap(min.X(), math.Floor), snap(min.Y(), math.Floor), snap(min.Z(), math.Floor)}
	sMax := mgl32.Vec3{snap(max.X(), math.Ceil), snap(max.Y(), math.Ceil), snap(max.Z(), math.Ceil)}

	sMin = mgl32.Vec3{clamp(sMin.X()), clamp(sMin.Y()), clamp(sMin.Z())}
	sMax = mgl32.Vec3{clamp(sMax.X()), clamp(sMax.Y()), clamp(sMax.Z())}
	return sMin, sMax
}

// convert is the per-atom conversion kernel: translate to world-relative
// coordinates, substitute the element radius, and drop any atom wholly
// outside the (snapped) world volume.
func convert(atoms []core.Atom, radii core.ElementRadii, world core.WorldVolume) []core.ConvertedAtom {
	out := make([]core.ConvertedAtom, 0, len(atoms))
	extent := world.Max.Sub(world.Min)
	for _, a := range atoms {
		r := radii[a.Element]
		p := mgl32.Vec3{a.Position[0], a.Position[1], a.Position[2]}
		local := world.ToLocal(p)

		if local.X()+r < 0 || local.X()-r > extent.X() ||
			local.Y()+r < 0 || local.Y()-r > extent.Y() ||
			local.Z()+r < 0 || local.Z()-r > extent.Z() {
			continue // wholly outside the world volume
		}

		out = append(out, core.ConvertedAtom{Position: local, Radius: r, Element: a.Element})
	}
	return out
}

func componentMin(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{min32(a.X(), b.X()), min32(a.Y(), b.Y()), min32(a.Z(), b.Z())}
}
func componentMax(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{max32(a.X(), b.X()), max32(a.Y(), b.Y()), max32(a.Z(), b.Z())}
}
func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
