package core

import "github.com/go-gl/mathgl/mgl32"

// Atom is the external frame-provider record: a sphere in nanometers plus
// an atomic-number element id in 0..=118. Radius here is the author's input
// radius; the converted atom below substitutes the per-element table value.
type Atom struct {
	Position [3]float32
	Radius   float32
	Element  uint8
}

// ConvertedAtom is the packed, world-relative record the grid builder and
// traversers operate on. Position has been translated so the world minimum
// corner sits at the origin; Radius has been substituted from the
// per-element table and is float32 here and on the GPU side alike
// (atomrt/gpu uploads it as a 32-bit float into the f32 radius field of the
// WGSL Atom struct; no half-precision conversion takes place). Element is carried
// through unchanged from the source Atom; the grid builder and traversers
// never read it themselves, but it rides along because the conversion step
// filters and reorders atoms relative to the caller's input, so it's the
// only point where a parallel element-id array could still be kept in sync
// with the position/radius array atomrt/gpu uploads.
type ConvertedAtom struct {
	Position mgl32.Vec3
	Radius   float32
	Element  uint8
}

// ElementRadii maps an atomic number (index) to its van der Waals radius in
// nanometers. Index 0 is unused (no element 0); values are filled in for the
// common light/organic elements relevant to molecular scenes and fall back to
// a generic heavy-atom default otherwise.
type ElementRadii [119]float32

// DefaultElementRadii returns a table seeded with standard vdW radii (nm) for
// the most common atoms in molecular scenes, with a conservative fallback for
// the rest of the periodic table.
func DefaultElementRadii() ElementRadii {
	var t ElementRadii
	for i := range t {
		t[i] = 0.18 // generic heavy-atom fallback
	}
	t[1] = 0.110  // H
	t[6] = 0.170  // C
	t[7] = 0.155  // N
	t[8] = 0.152  // O
	t[9] = 0.147  // F
	t[15] = 0.180 // P
	t[16] = 0.180 // S
	t[17] = 0.175 // Cl
	t[35] = 0.185 // Br
	t[53] = 0.198 // I
	return t
}

// WorldVolume is the axis-aligned cube: side W nm centered on the origin.
// Min/Max are the snapped, clamped bounding box computed by the
// preprocessor each frame; they are always aligned to LargeVoxelNM and
// always within [-W/2, +W/2].
type WorldVolume struct {
	Edge float32
	Min  mgl32.Vec3
	Max  mgl32.Vec3
}

// HalfEdge returns W/2.
func (w WorldVolume) HalfEdge() float32 {
	return w.Edge / 2
}

// ToLocal translates a world-space point into the world-relative frame used
// by ConvertedAtom and the grid builder (origin at the volume's minimum
// corner).
func (w WorldVolume) ToLocal(p mgl32.Vec3) mgl32.Vec3 {
	return p.Sub(w.Min)
}

// Camera is the external camera-provider contract. Basis is column-major;
// FOVMultiplier = tan(fov/2) * 2/N.
type Camera struct {
	Position      mgl32.Vec3
	Basis         mgl32.Mat3
	FOVMultiplier float32
	Jitter        [2]float32
}

// FrameProvider is the external collaborator that delivers, per frame, the
// atom array for that frame.
type FrameProvider interface {
	Atoms(frameID uint64) []Atom
}

// CameraProvider is the external collaborator that delivers, per frame, the
// camera for that frame.
type CameraProvider interface {
	Camera(frameID uint64) Camera
}
