package bvh

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/atomrt/atomrt/core"
)

// GridBuilder runs the five ordered build stages (B1 Reset, B2 Count,
// B3 Compact, B4 Populate+CountSmall, B5 Emit) and produces a Grid. It is a
// CPU reference implementation of the GPU kernel pipeline
// (reset_counters, reset_globals, count_large, compact_large,
// reference_large_and_count_small, emit_small). B2 is sharded across a
// goroutine pool; the later stages run serially. Atomic counters stand in
// for the device's relaxed-order atomics throughout.
//
// State machine: Idle -> Preparing -> Counting -> Compacting -> Referencing
// -> Ready. BuildGrid runs the whole sequence; none of its CPU stages can
// fail, so its error result is always nil and a returned Grid is always in
// the Ready state.
type GridBuilder struct {
	cfg       core.Config
	axisCells int
	numCells  int
}

func NewGridBuilder(cfg core.Config) *GridBuilder {
	axis := cfg.LargeVoxelsPerAxis()
	return &GridBuilder{cfg: cfg, axisCells: axis, numCells: axis * axis * axis}
}

// atomFootprint is the per-(atom, touched large voxel) work item computed
// once and reused by the counting and emitting stages, since this CPU
// reference need not redo the cube-sphere test twice the way a bandwidth-
// constrained GPU kernel pair might.
type atomFootprint struct {
	atomID     uint32
	cellIndex  int      // linear index into the dense grid
	smallLocal []uint16 // local small-voxel indices (0..511) passing cube-sphere
}

// BuildGrid runs B1..B5 and returns the compacted grid. atoms must already be
// world-relative (core.ConvertedAtom), as produced by Preprocess.
func (b *GridBuilder) BuildGrid(atoms []core.ConvertedAtom) (*Grid, error) {
	// B1 - Reset: counter lanes and global allocators. Dense grid cells are
	// zero-valued by construction (Go slices start zeroed), which already
	// satisfies "compacted_index == 0 means empty" (invariant I3).
	laneCounters := make([]uint32, b.numCells*8) // 8 lanes/cell (B1)

	// B2 - Count large references: one goroutine-task per atom, computing
	// the exact footprint so later stages need not repeat the cube-sphere
	// test. Footprints for different atoms are independent; ordering is
	// enforced only at stage boundaries.
	footprints := b.countLarge(atoms, laneCounters)

	// B3 - Compact and allocate.
	dense, compacted, cellRefBase, cellSmallBase, cellInfo := b.compact(laneCounters)

	// B4 - Populate large references and count small references.
	largeRefs, smallCounts := b.referenceLargeAndCountSmall(footprints, cellRefBase, cellInfo, len(compacted))

	// Prefix sum over each cell's 512 small counters -> Offset (part of the
	// Referencing(B4->B5) builder state; see emit_small.wgsl for the GPU
	// analogue, which runs this as its first pass).
	small, cursor := b.prefixSumSmall(smallCounts, cellInfo, cellSmallBase, len(compacted))

	// B5 - Emit small references.
	smallRefs := b.emitSmall(footprints, cellInfo, cellSmallBase, small, cursor)

	return &Grid{
		Config:        b.cfg,
		Dense:         dense,
		Compacted:     compacted,
		Small:         small,
		LargeAtomRefs: largeRefs,
		SmallAtomRefs: smallRefs,
		AxisCells:     b.axisCells,
	}, nil
}

func (b *GridBuilder) largeIndex(ix, iy, iz int) int {
	return (iz*b.axisCells+iy)*b.axisCells + ix
}

// touchedLargeVoxels returns the (up to 8) large-voxel cells an atom's AABB
// overlaps, clipped to the large-voxel grid's bounds (B2).
func (b *GridBuilder) touchedLargeVoxels(a core.ConvertedAtom) [][3]int {
	edge := b.cfg.LargeVoxelNM
	r := a.Radius
	minI := []int{
		int(floorDiv(a.Position.X()-r, edge)),
		int(floorDiv(a.Position.Y()-r, edge)),
		int(floorDiv(a.Position.Z()-r, edge)),
	}
	maxI := []int{
		int(floorDiv(a.Position.X()+r, edge)),
		int(floorDiv(a.Position.Y()+r, edge)),
		int(floorDiv(a.Position.Z()+r, edge)),
	}

	var out [][3]int
	for ix := minI[0]; ix <= maxI[0]; ix++ {
		if ix < 0 || ix >= b.axisCells {
			continue
		}
		for iy := minI[1]; iy <= maxI[1]; iy++ {
			if iy < 0 || iy >= b.axisCells {
				continue
			}
			for iz := minI[2]; iz <= maxI[2]; iz++ {
				if iz < 0 || iz >= b.axisCells {
					continue
				}
				out = append(out, [3]int{ix, iy, iz})
			}
		}
	}
	return out
}

// smallHitsInLargeVoxel runs the exact cube-sphere test (B4) for every
// small voxel of one large cell that the atom's AABB might touch, returning
// local indices (0..511) ordered with the largest-extent axis innermost,
// which minimizes divergence across warps processing neighboring atoms on
// the real GPU kernel.
func (b *GridBuilder) smallHitsInLargeVoxel(a core.ConvertedAtom, cell [3]int) []uint16 {
	small := b.cfg.SmallVoxelNM
	n := b.cfg.SmallVoxelsPerLargeAxis() // 8
	cellOrigin := [3]float32{
		float32(cell[0]) * b.cfg.LargeVoxelNM,
		float32(cell[1]) * b.cfg.LargeVoxelNM,
		float32(cell[2]) * b.cfg.LargeVoxelNM,
	}
	pos := [3]float32{a.Position.X(), a.Position.Y(), a.Position.Z()}
	r := a.Radius

	extent := [3]float32{}
	for axis := 0; axis < 3; axis++ {
		lo := pos[axis] - r - cellOrigin[axis]
		hi := pos[axis] + r - cellOrigin[axis]
		extent[axis] = hi - lo
	}
	order := axesLargestExtentLast(extent)

	lo, hi := [3]int{}, [3]int{}
	for axis := 0; axis < 3; axis++ {
		lo[axis] = clampInt(int(floorDiv(pos[axis]-r-cellOrigin[axis], small)), 0, n-1)
		hi[axis] = clampInt(int(floorDiv(pos[axis]+r-cellOrigin[axis], small)), 0, n-1)
	}

	var hits []uint16
	a0, a1, a2 := order[0], order[1], order[2]
	var idx [3]int
	for idx[a0] = lo[a0]; idx[a0] <= hi[a0]; idx[a0]++ {
		for idx[a1] = lo[a1]; idx[a1] <= hi[a1]; idx[a1]++ {
			for idx[a2] = lo[a2]; idx[a2] <= hi[a2]; idx[a2]++ {
				if cubeSphereOverlap(pos, r, cellOrigin, idx, small) {
					local := uint16(idx[0] + idx[1]*n + idx[2]*n*n)
					hits = append(hits, local)
				}
			}
		}
	}
	return hits
}

// cubeSphereOverlap implements the exact cube-sphere overlap criterion:
// d^2 = r^2 - sum_i(clamp(p_i, c_i, c_i+small) - p_i)^2; accept iff d^2 > 0.
func cubeSphereOverlap(pos [3]float32, r float32, cellOrigin [3]float32, small [3]int, smallEdge float32) bool {
	d2 := r * r
	for axis := 0; axis < 3; axis++ {
		c := cellOrigin[axis] + float32(small[axis])*smallEdge
		clamped := clampF(pos[axis], c, c+smallEdge)
		diff := clamped - pos[axis]
		d2 -= diff * diff
	}
	return d2 > 0
}

func axesLargestExtentLast(extent [3]float32) [3]int {
	order := [3]int{0, 1, 2}
	sort.Slice(order[:], func(i, j int) bool { return extent[order[i]] < extent[order[j]] })
	return order
}

// countLarge is B2: for every atom, compute its touched large voxels and
// their exact small-voxel footprints, then accumulate the packed
// (atom_ref_count, small_ref_count) lane counters. Runs across a goroutine
// pool, one task per chunk of atoms: the host tier's independent-block
// pattern.
func (b *GridBuilder) countLarge(atoms []core.ConvertedAtom, laneCounters []uint32) []atomFootprint {
	n := len(atoms)
	footprints := make([]atomFootprint, 0, n*2)
	var mu sync.Mutex

	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	if chunk == 0 {
		chunk = 1
	}

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			var local []atomFootprint
			for i := start; i < end; i++ {
				atomID := uint32(i)
				lane := atomID % 8
				for _, cell := range b.touchedLargeVoxels(atoms[i]) {
					hits := b.smallHitsInLargeVoxel(atoms[i], cell)
					cellIdx := b.largeIndex(cell[0], cell[1], cell[2])
					laneSlot := cellIdx*8 + int(lane)
					atomic.AddUint32(&laneCounters[laneSlot], packCounts(1, uint32(len(hits))))
					local = append(local, atomFootprint{atomID: atomID, cellIndex: cellIdx, smallLocal: hits})
				}
			}
			mu.Lock()
			footprints = append(footprints, local...)
			mu.Unlock()
		}(start, end)
	}
	wg.Wait()
	return footprints
}

// cellInfoT carries per-occupied-cell bookkeeping from B3 into B4/B5.
type cellInfoT struct {
	compactedIndex uint32 // 1-based
	atomCursor     uint32 // atomic cursor into LargeAtomRefs, relative to base
}

// compact is B3: sum the 8 lane counters per cell, skip empty cells, and
// allocate a dense prefix of compacted indices plus base offsets into the
// atom/small reference arrays.
func (b *GridBuilder) compact(laneCounters []uint32) ([]LargeCell, []CompactedLargeCell, []uint32, []uint32, []*cellInfoT) {
	dense := make([]LargeCell, b.numCells)
	cellRefBase := make([]uint32, b.numCells)
	cellSmallBase := make([]uint32, b.numCells)
	cellInfo := make([]*cellInfoT, b.numCells)

	var compacted []CompactedLargeCell

	// Global allocators start at 1; 0 is reserved for "empty" (B1).
	var nextCompacted uint32 = 1
	var nextAtomRef uint32 = 1
	var nextSmallRef uint32 = 1

	for iz := 0; iz < b.axisCells; iz++ {
		for iy := 0; iy < b.axisCells; iy++ {
			for ix := 0; ix < b.axisCells; ix++ {
				idx := b.largeIndex(ix, iy, iz)
				var atomRefs, smallRefs uint32
				for lane := 0; lane < 8; lane++ {
					a, s := unpackCounts(laneCounters[idx*8+lane])
					atomRefs += a
					smallRefs += s
				}
				if atomRefs == 0 {
					continue // empty: compacted_index stays 0 (invariant I3)
				}

				compactedIdx := nextCompacted
				nextCompacted++
				atomBase := nextAtomRef
				nextAtomRef += atomRefs
				smallBase := nextSmallRef
				nextSmallRef += smallRefs // exact count; I4's extra 512 slots live in Grid.Small, sized by compacted-cell count, not here.

				dense[idx] = LargeCell{
					CompactedIndex: compactedIdx,
					AtomRefBase:    atomBase,
					SmallRefBase:   smallBase,
					CountsPacked:   packCounts(atomRefs, smallRefs),
				}
				cellRefBase[idx] = atomBase
				cellSmallBase[idx] = smallBase
				cellInfo[idx] = &cellInfoT{compactedIndex: compactedIdx}

				ixc, iyc, izc := int32(ix), int32(iy), int32(iz)
				compacted = append(compacted, CompactedLargeCell{
					CoordsPacked: packCoords(ixc, iyc, izc),
					AtomRefBase:  atomBase,
					SmallRefBase: smallBase,
					CountsPacked: packCounts(atomRefs, smallRefs),
				})
			}
		}
	}

	return dense, compacted, cellRefBase, cellSmallBase, cellInfo
}

// referenceLargeAndCountSmall is B4: write each atom id into its touched
// large cells' reference lists, and tally per-small-voxel hit counts (not
// yet offsets) for the following prefix-sum pass.
func (b *GridBuilder) referenceLargeAndCountSmall(footprints []atomFootprint, cellRefBase []uint32, cellInfo []*cellInfoT, numCompacted int) ([]uint32, [][512]uint32) {
	largeRefs := footprintsAtomRefCapacity(footprints, cellRefBase)
	smallCounts := make([][512]uint32, numCompacted)

	for _, fp := range footprints {
		info := cellInfo[fp.cellIndex]
		base := cellRefBase[fp.cellIndex]
		slot := atomic.AddUint32(&info.atomCursor, 1) - 1
		ensureLen(&largeRefs, int(base+slot)+1)
		largeRefs[base+slot] = fp.atomID

		ci := info.compactedIndex - 1
		for _, local := range fp.smallLocal {
			atomic.AddUint32(&smallCounts[ci][local], 1)
		}
	}

	return largeRefs, smallCounts
}

// footprintsAtomRefCapacity is a small helper sizing the flat reference
// array without a second allocator pass over the dense grid.
func footprintsAtomRefCapacity(footprints []atomFootprint, cellRefBase []uint32) []uint32 {
	var maxEnd uint32
	for _, fp := range footprints {
		end := cellRefBase[fp.cellIndex] + 1
		if end > maxEnd {
			maxEnd = end
		}
	}
	// Grown lazily by ensureLen; this just seeds a minimal starting length.
	return make([]uint32, maxEnd)
}

func ensureLen(s *[]uint32, n int) {
	if len(*s) >= n {
		return
	}
	grown := make([]uint32, n)
	copy(grown, *s)
	*s = grown
}

// prefixSumSmall converts each occupied cell's 512 raw hit counters into
// (offset, 0) SmallCell entries via a per-cell serial prefix sum, then
// returns a zeroed atomic cursor array for the emit stage. This scan is the
// first, cell-granular pass of the emit_small kernel.
func (b *GridBuilder) prefixSumSmall(smallCounts [][512]uint32, cellInfo []*cellInfoT, cellSmallBase []uint32, numCompacted int) ([]SmallCell, []uint32) {
	small := make([]SmallCell, numCompacted*smallVoxelsPerLargeCell)
	cursor := make([]uint32, numCompacted*smallVoxelsPerLargeCell)

	for ci := 0; ci < numCompacted; ci++ {
		var running uint32
		for local := 0; local < smallVoxelsPerLargeCell; local++ {
			count := smallCounts[ci][local]
			small[ci*smallVoxelsPerLargeCell+local] = SmallCell{Offset: uint16(running), Count: 0}
			running += count
		}
	}
	return small, cursor
}

// emitSmall is B5: redo the cube-sphere membership (already cached in the
// footprint) and atomically place each reference at
// small_reference_base + offset + cursor, finishing with small.Count equal
// to the final cursor position.
func (b *GridBuilder) emitSmall(footprints []atomFootprint, cellInfo []*cellInfoT, cellSmallBase []uint32, small []SmallCell, cursor []uint32) []uint32 {
	maxEnd := uint32(1)
	for _, fp := range footprints {
		info := cellInfo[fp.cellIndex]
		base := cellSmallBase[fp.cellIndex]
		for _, local := range fp.smallLocal {
			flat := int(info.compactedIndex-1)*smallVoxelsPerLargeCell + int(local)
			end := base + uint32(small[flat].Offset) + atomic.LoadUint32(&cursor[flat]) + 1
			if end > maxEnd {
				maxEnd = end
			}
		}
	}

	smallRefs := make([]uint32, maxEnd)
	for _, fp := range footprints {
		info := cellInfo[fp.cellIndex]
		base := cellSmallBase[fp.cellIndex]
		for _, local := range fp.smallLocal {
			flat := int(info.compactedIndex-1)*smallVoxelsPerLargeCell + int(local)
			slot := atomic.AddUint32(&cursor[flat], 1) - 1
			pos := base + uint32(small[flat].Offset) + slot
			ensureLen(&smallRefs, int(pos)+1)
			smallRefs[pos] = fp.atomID
			small[flat].Count = uint16(slot + 1)
		}
	}
	return smallRefs
}

func floorDiv(v, edge float32) float32 {
	return floorF(v / edge)
}

func floorF(v float32) float32 {
	i := float32(int64(v))
	if v < 0 && i != v {
		i--
	}
	return i
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
