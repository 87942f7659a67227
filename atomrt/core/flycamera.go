package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// FlyCamera is a concrete CameraProvider used by the demo harness (cmd/atomrt)
// and by tests that need a camera without wiring a real frame source: yaw/
// pitch/speed fly controls, emitting the core.Camera contract (basis + FOV
// multiplier) instead of a view matrix, since the traverser works directly
// from ray origin/direction rather than through a rasterization pipeline.
type FlyCamera struct {
	Position    mgl32.Vec3
	Yaw         float32
	Pitch       float32
	Speed       float32
	Sensitivity float32
	FOVRadians  float32
	TextureSize uint32
}

func NewFlyCamera(textureSize uint32) *FlyCamera {
	return &FlyCamera{
		Position:    mgl32.Vec3{0, 0, 20},
		Speed:       10.0,
		Sensitivity: 0.003,
		FOVRadians:  mgl32.DegToRad(60),
		TextureSize: textureSize,
	}
}

func (c *FlyCamera) Forward() mgl32.Vec3 {
	return mgl32.Vec3{
		float32(math.Cos(float64(c.Pitch)) * math.Sin(float64(c.Yaw))),
		float32(math.Sin(float64(c.Pitch))),
		float32(-math.Cos(float64(c.Pitch)) * math.Cos(float64(c.Yaw))),
	}
}

func (c *FlyCamera) Right() mgl32.Vec3 {
	return mgl32.Vec3{
		float32(math.Cos(float64(c.Yaw))),
		0,
		float32(math.Sin(float64(c.Yaw))),
	}
}

// Basis returns the column-major rotation basis (right, up, forward) the
// camera contract requires, reconstructing "up" orthogonally from forward
// and right so the basis stays orthonormal regardless of pitch.
func (c *FlyCamera) Basis() mgl32.Mat3 {
	forward := c.Forward()
	right := c.Right()
	up := right.Cross(forward).Normalize()
	return mgl32.Mat3FromCols(right, up, forward)
}

// Camera implements core.CameraProvider; frameID is ignored by this simple
// single-viewpoint provider.
func (c *FlyCamera) Camera(frameID uint64) Camera {
	n := float32(c.TextureSize)
	if n == 0 {
		n = 1
	}
	return Camera{
		Position:      c.Position,
		Basis:         c.Basis(),
		FOVMultiplier: float32(math.Tan(float64(c.FOVRadians)/2)) * 2 / n,
	}
}
