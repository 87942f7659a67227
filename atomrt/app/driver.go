// Package app wires the core preprocessor, the gpu package's compute
// pipelines, and an external frame/camera provider into a per-frame render
// loop with an Init/RunFrame shape: one-time setup in Init, then one RunFrame
// call per frame that covers both the teacher App's Update and Render steps.
package app

import (
	"github.com/cogentcore/webgpu/wgpu"

	"github.com/atomrt/atomrt/bvh"
	"github.com/atomrt/atomrt/core"
	"github.com/atomrt/atomrt/gpu"
)

// Driver owns one atom-viewer instance: config, the device-visible BVH and
// shading state (gpu.Manager), and the frame-report ring buffer. Atoms and
// camera come from external providers so the driver stays test-friendly and
// agnostic of where a scene is loaded from.
type Driver struct {
	Config   core.Config
	Radii    core.ElementRadii
	Frames   core.FrameProvider
	Cameras  core.CameraProvider
	Manager  *gpu.Manager
	Context  *core.DriverContext
	Profiler *Profiler

	groupMarksGroupsPerAxis int
}

func NewDriver(device *wgpu.Device, cfg core.Config, frames core.FrameProvider, cameras core.CameraProvider) *Driver {
	return &Driver{
		Config:   cfg,
		Radii:    core.DefaultElementRadii(),
		Frames:   frames,
		Cameras:  cameras,
		Manager:  gpu.NewManager(device),
		Context:  core.NewDriverContext(64),
		Profiler: NewProfiler(),
	}
}

// Init compiles every kernel and allocates the BVH tables and output
// textures sized for Config. Call once before the first RunFrame.
func (d *Driver) Init() error {
	if err := d.Manager.CreatePipelines(); err != nil {
		return err
	}
	d.Manager.EnsureTables(d.Config, d.Config.MaxReferences)
	if err := d.Manager.EnsureOutputTextures(d.Config); err != nil {
		return err
	}
	d.Manager.UpdateConfig(d.Config)

	axis := d.Config.LargeVoxelsPerAxis()
	d.groupMarksGroupsPerAxis = (axis + 7) / 8
	return d.Manager.CreateBindGroups()
}

// RunFrame drives one complete frame: preprocess, the five build stages
// (B1-B5), and the shade pass. A capacity or empty-world failure drops the
// frame (recorded but not fatal to the driver); a backend error from the
// compute device is returned to the caller.
func (d *Driver) RunFrame(frameSeed uint32) (core.FrameReport, error) {
	frameID := d.Context.NextFrame()
	report := core.FrameReport{FrameIndex: frameID}

	d.Profiler.Reset()

	d.Profiler.BeginScope("Preprocess")
	atoms := d.Frames.Atoms(frameID)
	pre, err := bvh.Preprocess(atoms, d.Radii, d.Config)
	d.Profiler.EndScope("Preprocess")
	if err != nil {
		report.Dropped = true
		report.Err = err
		return d.Context.RecordReport(report), nil
	}

	d.Profiler.BeginScope("Upload")
	atomBufGrew := d.Manager.UploadAtoms(pre.Converted)
	cam := d.Cameras.Camera(frameID)
	d.Manager.UpdateCamera(cam, frameSeed)
	if atomBufGrew {
		if err := d.Manager.CreateBindGroups(); err != nil {
			return report, err
		}
	}
	d.Profiler.EndScope("Upload")

	numAtoms := len(pre.Converted)
	numCells := d.Config.LargeVoxelsPerAxis()
	numCells = numCells * numCells * numCells
	numGroups := d.groupMarksGroupsPerAxis * d.groupMarksGroupsPerAxis * d.groupMarksGroupsPerAxis

	encoder, err := d.Manager.Device.CreateCommandEncoder(nil)
	if err != nil {
		return report, core.NewBackendError(err.Error())
	}

	d.Profiler.BeginScope("B1 Reset")
	d.Manager.DispatchResetCounters(encoder, numCells)
	d.Manager.DispatchResetGroupMarks(encoder, numGroups)
	d.Manager.DispatchResetGlobals(encoder)
	d.Profiler.EndScope("B1 Reset")

	d.Profiler.BeginScope("B2 Count")
	d.Manager.DispatchCountLarge(encoder, numAtoms)
	d.Profiler.EndScope("B2 Count")

	d.Profiler.BeginScope("B3 Compact")
	d.Manager.DispatchCompactLarge(encoder, numCells)
	d.Profiler.EndScope("B3 Compact")

	readGlobals, err := d.Manager.ReadbackGlobals(encoder)
	if err != nil {
		return report, err
	}

	d.Profiler.BeginScope("B4 Reference")
	d.Manager.DispatchReferenceLargeAndCountSmall(encoder, numAtoms)
	d.Profiler.EndScope("B4 Reference")

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return report, core.NewBackendError(err.Error())
	}
	d.Manager.Device.GetQueue().Submit(cmd)

	occupied, atomRefs, smallRefs := readGlobals()
	d.Manager.WriteOccupiedCount(occupied)

	encoder2, err := d.Manager.Device.CreateCommandEncoder(nil)
	if err != nil {
		return report, core.NewBackendError(err.Error())
	}

	d.Profiler.BeginScope("B5 Emit")
	d.Manager.DispatchEmitSmall(encoder2, int(occupied), numAtoms)
	d.Profiler.EndScope("B5 Emit")

	d.Profiler.BeginScope("Shade")
	d.Manager.DispatchRenderAtoms(encoder2, d.Config)
	d.Profiler.EndScope("Shade")

	cmd2, err := encoder2.Finish(nil)
	if err != nil {
		return report, core.NewBackendError(err.Error())
	}
	d.Manager.Device.GetQueue().Submit(cmd2)
	d.Manager.Device.Poll(false, nil)
	d.Manager.SwapOutputs()

	report.LargeCells = occupied
	report.AtomRefs = atomRefs
	report.SmallRefs = smallRefs
	d.Profiler.SetCount("Atoms", numAtoms)
	d.Profiler.SetCount("LargeCells", int(occupied))
	d.Profiler.SetCount("AtomRefs", int(atomRefs))
	d.Profiler.SetCount("SmallRefs", int(smallRefs))

	return d.Context.RecordReport(report), nil
}
