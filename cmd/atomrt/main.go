// Command atomrt is the windowed demo harness: a glfw window, a wgpu
// surface, a fly camera, and a synthetic atom scene driven through
// atomrt/app.Driver every frame.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"runtime"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/atomrt/atomrt/app"
	"github.com/atomrt/atomrt/core"
)

func init() {
	runtime.LockOSThread()
}

// randomAtomScene is a stand-in FrameProvider for the demo harness: a fixed
// cloud of atoms scattered through the world volume, regenerated once and
// reused every frame (no per-frame simulation in this harness).
type randomAtomScene struct {
	atoms []core.Atom
}

func newRandomAtomScene(n int, worldEdge float32, seed int64) *randomAtomScene {
	r := rand.New(rand.NewSource(seed))
	half := worldEdge / 2
	atoms := make([]core.Atom, n)
	elements := []uint8{1, 6, 7, 8, 16}
	for i := range atoms {
		atoms[i] = core.Atom{
			Position: [3]float32{
				(r.Float32()*2 - 1) * half * 0.5,
				(r.Float32()*2 - 1) * half * 0.5,
				(r.Float32()*2 - 1) * half * 0.5,
			},
			Element: elements[r.Intn(len(elements))],
		}
	}
	return &randomAtomScene{atoms: atoms}
}

func (s *randomAtomScene) Atoms(frameID uint64) []core.Atom {
	return s.atoms
}

func main() {
	numAtoms := flag.Int("atoms", 20000, "number of atoms in the demo scene")
	flag.Parse()

	if err := glfw.Init(); err != nil {
		panic(err)
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(1024, 1024, "atomrt", nil, nil)
	if err != nil {
		panic(err)
	}
	defer window.Destroy()

	instance := wgpu.CreateInstance(nil)
	surface := instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(window))
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		panic(err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		panic(err)
	}

	width, height := window.GetFramebufferSize()
	caps := surface.GetCapabilities(adapter)
	format := caps.Formats[0]
	surfaceConfig := &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      format,
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	surface.Configure(adapter, device, surfaceConfig)

	cfg := core.DefaultConfig()
	cfg.TextureSize = 1024

	scene := newRandomAtomScene(*numAtoms, cfg.WorldEdgeNM, 1)
	camera := core.NewFlyCamera(cfg.TextureSize)
	camera.Position[2] = cfg.WorldEdgeNM * 0.4

	driver := app.NewDriver(device, cfg, scene, camera)
	if err := driver.Init(); err != nil {
		panic(err)
	}
	if err := driver.Manager.CreateBlitPipeline(format); err != nil {
		panic(err)
	}

	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}
	})

	var frameSeed uint32
	for !window.ShouldClose() {
		glfw.PollEvents()

		report, err := driver.RunFrame(frameSeed)
		frameSeed++
		if err != nil {
			fmt.Printf("ERROR: frame %d: %v\n", report.FrameIndex, err)
			continue
		}
		if report.Dropped {
			fmt.Printf("frame %d dropped: %v\n", report.FrameIndex, report.Err)
			continue
		}

		nextTexture, err := surface.GetCurrentTexture()
		if err != nil {
			fmt.Printf("ERROR: GetCurrentTexture failed: %v\n", err)
			continue
		}
		swapView, err := nextTexture.CreateView(nil)
		if err != nil {
			nextTexture.Release()
			continue
		}

		encoder, err := device.CreateCommandEncoder(nil)
		if err != nil {
			swapView.Release()
			nextTexture.Release()
			continue
		}
		if err := driver.Manager.Present(encoder, swapView); err != nil {
			fmt.Printf("ERROR: present failed: %v\n", err)
		}
		cmd, err := encoder.Finish(nil)
		if err == nil {
			device.GetQueue().Submit(cmd)
			surface.Present()
		}
		device.Poll(false, nil)

		swapView.Release()
		nextTexture.Release()
	}
}
