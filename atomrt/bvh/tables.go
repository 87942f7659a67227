package bvh

import (
	"encoding/binary"

	"github.com/atomrt/atomrt/core"
)

// Matches the WGSL LargeCell / CompactedLargeCell / SmallCell structs used by
// the kernels in atomrt/shaders.
//
//	struct LargeCell {
//	    compacted_index : u32;      (4)
//	    atom_reference_base : u32;  (4)
//	    small_reference_base : u32; (4)
//	    counts_packed : u32;        (4)
//	}; -> 16 bytes, dense array of (W/large_voxel)^3 entries.
//
//	struct CompactedLargeCell {
//	    coords_packed : u32;        (4)
//	    atom_reference_base : u32;  (4)
//	    small_reference_base : u32; (4)
//	    counts_packed : u32;        (4)
//	}; -> 16 bytes, indexed by compacted_index - 1.
//
//	struct SmallCell {
//	    offset : u16;  (2)
//	    count  : u16;  (2)
//	}; -> 4 bytes, 512 per occupied large cell.

const (
	atomRefCountBits = 14
	atomRefCountMask = (1 << atomRefCountBits) - 1

	// smallVoxelsPerLargeCell is 8*8*8: every occupied large voxel reserves
	// exactly this many small-cell slots (I4).
	smallVoxelsPerLargeCell = 512
)

// packCounts encodes (atomRefs, smallRefs) into the low-14/upper-18 layout
// used for counts_packed.
func packCounts(atomRefs, smallRefs uint32) uint32 {
	return (atomRefs & atomRefCountMask) | (smallRefs << atomRefCountBits)
}

func unpackCounts(packed uint32) (atomRefs, smallRefs uint32) {
	return packed & atomRefCountMask, packed >> atomRefCountBits
}

// packCoords packs large-cell integer coordinates into one 32-bit word: 11
// bits each for x and y and the remaining 10 bits for z. Coords masks z to
// 10 bits and sign-extends x and y from bit 10, so coordinates round-trip
// for 0..1023 on every axis: a (W/large_voxel) grid up to 1024 per side
// (W=2048nm at 2nm voxels), comfortably above the reference W=128nm case.
func packCoords(ix, iy, iz int32) uint32 {
	return (uint32(ix) & 0x7FF) | ((uint32(iy) & 0x7FF) << 11) | ((uint32(iz) & 0x7FF) << 22)
}

// LargeCell is the dense per-large-voxel metadata record. A record is
// empty iff CompactedIndex == 0 (I3).
type LargeCell struct {
	CompactedIndex uint32
	AtomRefBase    uint32
	SmallRefBase   uint32
	CountsPacked   uint32
}

func (c LargeCell) Empty() bool { return c.CompactedIndex == 0 }

func (c LargeCell) AtomRefCount() uint32 {
	n, _ := unpackCounts(c.CountsPacked)
	return n
}

func (c LargeCell) SmallRefCount() uint32 {
	_, n := unpackCounts(c.CountsPacked)
	return n
}

func (c LargeCell) bytes() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], c.CompactedIndex)
	binary.LittleEndian.PutUint32(buf[4:8], c.AtomRefBase)
	binary.LittleEndian.PutUint32(buf[8:12], c.SmallRefBase)
	binary.LittleEndian.PutUint32(buf[12:16], c.CountsPacked)
	return buf
}

// CompactedLargeCell is the entry the primary traverser scans.
type CompactedLargeCell struct {
	CoordsPacked uint32
	AtomRefBase  uint32
	SmallRefBase uint32
	CountsPacked uint32
}

func (c CompactedLargeCell) Coords() (ix, iy, iz int32) {
	u := c.CoordsPacked
	ix = signExtend11(u & 0x7FF)
	iy = signExtend11((u >> 11) & 0x7FF)
	iz = signExtend11((u >> 22) & 0x3FF)
	return
}

func signExtend11(v uint32) int32 {
	if v&0x400 != 0 {
		return int32(v) - 0x800
	}
	return int32(v)
}

func (c CompactedLargeCell) bytes() [16]byte {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], c.CoordsPacked)
	binary.LittleEndian.PutUint32(buf[4:8], c.AtomRefBase)
	binary.LittleEndian.PutUint32(buf[8:12], c.SmallRefBase)
	binary.LittleEndian.PutUint32(buf[12:16], c.CountsPacked)
	return buf
}

// SmallCell is one of the 512 per-large-cell fine-grid entries. Offset is
// relative to the owning large cell's SmallRefBase.
type SmallCell struct {
	Offset uint16
	Count  uint16
}

func (s SmallCell) bytes() [4]byte {
	var buf [4]byte
	binary.LittleEndian.PutUint16(buf[0:2], s.Offset)
	binary.LittleEndian.PutUint16(buf[2:4], s.Count)
	return buf
}

// Grid is the complete compacted two-level BVH for one frame. All tables
// are owned by the GridBuilder that produced them and are read-only for the
// traversers.
type Grid struct {
	Config core.Config // dimensions used to build this grid

	// Dense (W/large_voxel)^3 table; empty cells have CompactedIndex == 0.
	Dense []LargeCell

	// Compacted[i] corresponds to dense cell with CompactedIndex == i+1.
	Compacted []CompactedLargeCell

	// Small is a flat array; block for compacted cell i starts at i*512.
	Small []SmallCell

	LargeAtomRefs []uint32
	SmallAtomRefs []uint32

	AxisCells int // large voxels per axis, i.e. Config.LargeVoxelsPerAxis()
}

// DenseBytes/CompactedBytes/SmallBytes serialize the tables into the exact
// wire layout the WGSL kernels expect, mirroring bvh.BVHNode.ToBytes in the
// teacher's TLAS builder.
func (g *Grid) DenseBytes() []byte {
	buf := make([]byte, 0, len(g.Dense)*16)
	for _, c := range g.Dense {
		b := c.bytes()
		buf = append(buf, b[:]...)
	}
	return buf
}

func (g *Grid) CompactedBytes() []byte {
	buf := make([]byte, 0, len(g.Compacted)*16)
	for _, c := range g.Compacted {
		b := c.bytes()
		buf = append(buf, b[:]...)
	}
	return buf
}

func (g *Grid) SmallBytes() []byte {
	buf := make([]byte, 0, len(g.Small)*4)
	for _, s := range g.Small {
		b := s.bytes()
		buf = append(buf, b[:]...)
	}
	return buf
}

func (g *Grid) LargeAtomRefBytes() []byte {
	buf := make([]byte, len(g.LargeAtomRefs)*4)
	for i, v := range g.LargeAtomRefs {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func (g *Grid) SmallAtomRefBytes() []byte {
	buf := make([]byte, len(g.SmallAtomRefs)*4)
	for i, v := range g.SmallAtomRefs {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

// OccupiedLargeCells returns the number of occupied large voxels, i.e. the
// length of Compacted (P4: a dense prefix 1..=K).
func (g *Grid) OccupiedLargeCells() int {
	return len(g.Compacted)
}
