// Package gpu owns every wgpu resource the driver touches: buffers, compute
// pipelines, and the three output textures. Buffer growth follows the
// ensureBuffer pattern (geometric 1.5x growth, old content preserved via a
// device-side copy) the teacher engine uses for its voxel/sector tables.
package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/atomrt/atomrt/core"
	"github.com/atomrt/atomrt/shaders"
)

const (
	HeadroomAtoms     = 1 << 20 // bytes of slack before an atom-buffer regrow
	HeadroomReference = 4 << 20 // bytes of slack before a reference-buffer regrow

	SafeBufferSizeLimit = 1024 * 1024 * 1024 // warn above this, same ceiling the teacher uses

	atomBufferCount = 3 // triple-buffered atom input, per the concurrency model
)

// Manager owns the device-visible state for one atomrt instance: the BVH
// tables, the atom input buffers, the kernel pipelines, and the output
// textures. Nothing here is safe for concurrent use from more than one
// driver goroutine; the driver serializes frame submission itself.
type Manager struct {
	Device *wgpu.Device

	// Atom input, triple-buffered: index atomBufIndex is written by the host
	// while the other two may still be in flight on the device. ElementsBufs
	// is a parallel per-atom array (render_atoms' only consumer) rotated in
	// lockstep with AtomBufs so a frame never reads one slot's positions
	// against another slot's element ids.
	AtomBufs     [atomBufferCount]*wgpu.Buffer
	ElementsBufs [atomBufferCount]*wgpu.Buffer
	atomBufIndex int

	ConfigBuf *wgpu.Buffer // uniform
	CameraBuf *wgpu.Buffer // uniform

	DenseBuf         *wgpu.Buffer
	CompactedBuf     *wgpu.Buffer
	SmallBuf         *wgpu.Buffer
	LargeAtomRefsBuf *wgpu.Buffer
	SmallAtomRefsBuf *wgpu.Buffer
	LaneCountersBuf  *wgpu.Buffer
	GroupMarksBuf    *wgpu.Buffer
	GlobalsBuf       *wgpu.Buffer
	OccupiedCountBuf *wgpu.Buffer // uniform, written after B3 reads back (or bound from Globals)

	globalsReadbackBuf *wgpu.Buffer // host-mappable copy target for ReadbackGlobals

	blitPipeline *wgpu.RenderPipeline
	blitSampler  *wgpu.Sampler
	blitBG       *wgpu.BindGroup
	swapFormat   wgpu.TextureFormat

	// Output textures, double-buffered per frame parity so the presenter can
	// read last frame's result while this frame's shade pass writes the other.
	ColorTex  [2]*wgpu.Texture
	ColorView [2]*wgpu.TextureView
	DepthTex  [2]*wgpu.Texture
	DepthView [2]*wgpu.TextureView
	MotionTex [2]*wgpu.Texture
	MotionVw  [2]*wgpu.TextureView
	parity    int

	pipelines   map[string]*wgpu.ComputePipeline
	bindGroups0 map[string]*wgpu.BindGroup // group 0: atoms/config(/camera)
	bindGroups1 map[string]*wgpu.BindGroup // group 1: BVH tables
	bindGroup2  *wgpu.BindGroup            // group 2: render_atoms' output textures
}

// NewManager creates the device-independent bookkeeping; call CreatePipelines
// and EnsureTables before the first frame.
func NewManager(device *wgpu.Device) *Manager {
	return &Manager{
		Device:      device,
		pipelines:   make(map[string]*wgpu.ComputePipeline),
		bindGroups0: make(map[string]*wgpu.BindGroup),
		bindGroups1: make(map[string]*wgpu.BindGroup),
	}
}

// CreatePipelines compiles every named kernel. emit_small contributes two
// pipelines (prefix_sum, emit) sharing one shader module: one logical
// build stage, split internally into two passes with no barrier finer
// than "between dispatches".
func (m *Manager) CreatePipelines() error {
	type kernel struct {
		name, entry, code string
	}
	kernels := []kernel{
		{"reset_counters", "main", shaders.ResetCountersWGSL},
		{"reset_group_marks", "main", shaders.ResetGroupMarksWGSL},
		{"reset_globals", "main", shaders.ResetGlobalsWGSL},
		{"count_large", "main", shaders.CountLargeWGSL},
		{"compact_large", "main", shaders.CompactLargeWGSL},
		{"reference_large_and_count_small", "main", shaders.ReferenceLargeAndCountSmallWGSL},
		{"emit_small_prefix_sum", "prefix_sum", shaders.EmitSmallWGSL},
		{"emit_small_emit", "emit", shaders.EmitSmallWGSL},
		{"render_atoms", "main", shaders.RenderAtomsWGSL},
	}

	for _, k := range kernels {
		mod, err := m.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          k.name,
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: k.code},
		})
		if err != nil {
			return core.NewBackendError(fmt.Sprintf("compile %s: %v", k.name, err))
		}
		pipeline, err := m.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label: k.name,
			Compute: wgpu.ProgrammableStageDescriptor{
				Module:     mod,
				EntryPoint: k.entry,
			},
		})
		mod.Release()
		if err != nil {
			return core.NewBackendError(fmt.Sprintf("create pipeline %s: %v", k.name, err))
		}
		m.pipelines[k.name] = pipeline
	}
	return nil
}

// ensureBuffer grows *buf geometrically (1.5x) when it is too small for
// neededSize, preserving old content via a device-side copy when data is
// nil (an in-place update rather than a full overwrite). Returns true if the
// buffer was (re)created, which callers use to know their bind groups need
// rebuilding.
func (m *Manager) ensureBuffer(name string, buf **wgpu.Buffer, data []byte, usage wgpu.BufferUsage, headroom int) bool {
	needed := uint64(len(data) + headroom)
	if needed%4 != 0 {
		needed += 4 - needed%4
	}

	current := *buf
	usage |= wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

	if current == nil || current.GetSize() < needed {
		newSize := needed
		if current != nil {
			if grown := uint64(float64(current.GetSize()) * 1.5); grown > newSize {
				newSize = grown
			}
		}
		if newSize > SafeBufferSizeLimit {
			fmt.Printf("WARNING: buffer %s allocation size %d exceeds safety limit %d\n", name, newSize, SafeBufferSizeLimit)
		}

		newBuf, err := m.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: name,
			Size:  newSize,
			Usage: usage,
		})
		if err != nil {
			panic(err)
		}

		if current != nil && data == nil {
			encoder, err := m.Device.CreateCommandEncoder(nil)
			if err != nil {
				panic(err)
			}
			encoder.CopyBufferToBuffer(current, 0, newBuf, 0, current.GetSize())
			cmdBuf, err := encoder.Finish(nil)
			if err != nil {
				panic(err)
			}
			m.Device.GetQueue().Submit(cmdBuf)
		}
		if current != nil {
			current.Release()
		}
		*buf = newBuf
		if len(data) > 0 {
			m.Device.GetQueue().WriteBuffer(*buf, 0, data)
		}
		return true
	}

	if len(data) > 0 {
		m.Device.GetQueue().WriteBuffer(*buf, 0, data)
	}
	return false
}

// UploadAtoms writes the per-frame, world-relative, radius-substituted atom
// array (bvh.Preprocess's output) into the next slot of the triple-buffered
// atom input, rotating the index so the host never writes a slot the device
// may still be reading. Every kernel's Atom struct is {pos: vec3<f32>,
// radius: f32}, 16 bytes; the element id is not part of that shared layout
// (count_large/reference_large_and_count_small/emit_small never read it) so
// it's uploaded into a separate, identically-rotated ElementsBufs slot that
// only render_atoms binds. Returns true if either underlying buffer was
// (re)created, meaning every bind group referencing them is stale.
func (m *Manager) UploadAtoms(atoms []core.ConvertedAtom) bool {
	atomBuf := make([]byte, len(atoms)*16)
	elementBuf := make([]byte, len(atoms)*4)
	for i, a := range atoms {
		off := i * 16
		binary.LittleEndian.PutUint32(atomBuf[off:], math.Float32bits(a.Position.X()))
		binary.LittleEndian.PutUint32(atomBuf[off+4:], math.Float32bits(a.Position.Y()))
		binary.LittleEndian.PutUint32(atomBuf[off+8:], math.Float32bits(a.Position.Z()))
		binary.LittleEndian.PutUint32(atomBuf[off+12:], math.Float32bits(a.Radius))
		binary.LittleEndian.PutUint32(elementBuf[i*4:], uint32(a.Element))
	}
	atomsGrew := m.ensureBuffer(fmt.Sprintf("AtomsBuf[%d]", m.atomBufIndex), &m.AtomBufs[m.atomBufIndex], atomBuf, wgpu.BufferUsageStorage, HeadroomAtoms)
	elementsGrew := m.ensureBuffer(fmt.Sprintf("ElementsBuf[%d]", m.atomBufIndex), &m.ElementsBufs[m.atomBufIndex], elementBuf, wgpu.BufferUsageStorage, HeadroomAtoms/4)
	m.atomBufIndex = (m.atomBufIndex + 1) % atomBufferCount
	return atomsGrew || elementsGrew
}

// CurrentAtomBuf returns the buffer UploadAtoms most recently wrote, the one
// the builder kernels should bind for this frame.
func (m *Manager) CurrentAtomBuf() *wgpu.Buffer {
	prev := (m.atomBufIndex - 1 + atomBufferCount) % atomBufferCount
	return m.AtomBufs[prev]
}

// CurrentElementsBuf returns the element-id buffer paired with
// CurrentAtomBuf, the one render_atoms should bind for this frame.
func (m *Manager) CurrentElementsBuf() *wgpu.Buffer {
	prev := (m.atomBufIndex - 1 + atomBufferCount) % atomBufferCount
	return m.ElementsBufs[prev]
}

// UpdateConfig writes the packed Config uniform every kernel reads.
func (m *Manager) UpdateConfig(cfg core.Config) {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(cfg.WorldEdgeNM))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(cfg.LargeVoxelNM))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(cfg.SmallVoxelNM))
	binary.LittleEndian.PutUint32(buf[12:], uint32(cfg.LargeVoxelsPerAxis()))
	binary.LittleEndian.PutUint32(buf[16:], cfg.TextureSize)
	binary.LittleEndian.PutUint32(buf[20:], cfg.AOSamples)
	binary.LittleEndian.PutUint32(buf[24:], math.Float32bits(cfg.AOCutoffNM))
	binary.LittleEndian.PutUint32(buf[28:], cfg.FaultLimit)

	if m.ConfigBuf == nil {
		var err error
		m.ConfigBuf, err = m.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "ConfigUB",
			Size:  32,
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			panic(err)
		}
	}
	m.Device.GetQueue().WriteBuffer(m.ConfigBuf, 0, buf)
}

// UpdateCamera writes the per-frame Camera uniform render_atoms consumes,
// in WGSL uniform layout: position at 0, the mat3x3 basis at 16 with a
// 16-byte column stride, fov_multiplier at 64, jitter at 72, frame_seed at
// 80, 96 bytes in all.
func (m *Manager) UpdateCamera(cam core.Camera, frameSeed uint32) {
	buf := make([]byte, 96)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(cam.Position.X()))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(cam.Position.Y()))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(cam.Position.Z()))
	binary.LittleEndian.PutUint32(buf[12:], 0)
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			binary.LittleEndian.PutUint32(buf[16+col*16+row*4:], math.Float32bits(cam.Basis.Col(col)[row]))
		}
	}
	binary.LittleEndian.PutUint32(buf[64:], math.Float32bits(cam.FOVMultiplier))
	binary.LittleEndian.PutUint32(buf[72:], math.Float32bits(cam.Jitter[0]))
	binary.LittleEndian.PutUint32(buf[76:], math.Float32bits(cam.Jitter[1]))
	binary.LittleEndian.PutUint32(buf[80:], frameSeed)

	if m.CameraBuf == nil {
		var err error
		m.CameraBuf, err = m.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "CameraUB",
			Size:  96,
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			panic(err)
		}
	}
	m.Device.GetQueue().WriteBuffer(m.CameraBuf, 0, buf)
}

// EnsureTables (re)allocates the BVH storage buffers to fit cfg's grid
// dimensions and the projected reference counts; call once before B1 each
// frame whose atom count may have changed the cap requirements.
func (m *Manager) EnsureTables(cfg core.Config, maxReferences uint32) {
	numCells := cfg.LargeVoxelsPerAxis()
	numCells = numCells * numCells * numCells

	m.ensureBuffer("DenseBuf", &m.DenseBuf, nil, wgpu.BufferUsageStorage, numCells*16)
	m.ensureBuffer("LaneCountersBuf", &m.LaneCountersBuf, nil, wgpu.BufferUsageStorage, numCells*8*4)
	groupsPerAxis := (cfg.LargeVoxelsPerAxis() + 7) / 8
	m.ensureBuffer("GroupMarksBuf", &m.GroupMarksBuf, nil, wgpu.BufferUsageStorage, groupsPerAxis*groupsPerAxis*groupsPerAxis*4)
	m.ensureBuffer("GlobalsBuf", &m.GlobalsBuf, nil, wgpu.BufferUsageStorage, 12)

	m.ensureBuffer("CompactedBuf", &m.CompactedBuf, nil, wgpu.BufferUsageStorage, numCells*16)
	m.ensureBuffer("SmallBuf", &m.SmallBuf, nil, wgpu.BufferUsageStorage, numCells*512*4)
	m.ensureBuffer("LargeAtomRefsBuf", &m.LargeAtomRefsBuf, nil, wgpu.BufferUsageStorage, int(maxReferences)*4+HeadroomReference)
	m.ensureBuffer("SmallAtomRefsBuf", &m.SmallAtomRefsBuf, nil, wgpu.BufferUsageStorage, int(maxReferences)*4+HeadroomReference)

	occupiedBuf := make([]byte, 4)
	m.ensureBuffer("OccupiedCountBuf", &m.OccupiedCountBuf, occupiedBuf, wgpu.BufferUsageUniform, 0)
}

// EnsureOutputTextures (re)creates the double-buffered color/depth/motion
// textures at N=cfg.TextureSize when the size has changed.
func (m *Manager) EnsureOutputTextures(cfg core.Config) error {
	n := cfg.TextureSize
	if m.ColorTex[0] != nil && m.ColorTex[0].GetWidth() == n {
		return nil
	}
	formats := []struct {
		tex    *[2]*wgpu.Texture
		view   *[2]*wgpu.TextureView
		format wgpu.TextureFormat
		label  string
	}{
		{&m.ColorTex, &m.ColorView, wgpu.TextureFormatRGBA16Float, "atomrt-color"},
		{&m.DepthTex, &m.DepthView, wgpu.TextureFormatR32Float, "atomrt-depth"},
		{&m.MotionTex, &m.MotionVw, wgpu.TextureFormatRG16Float, "atomrt-motion"},
	}
	for _, f := range formats {
		for i := 0; i < 2; i++ {
			if f.tex[i] != nil {
				f.tex[i].Release()
			}
			tex, err := m.Device.CreateTexture(&wgpu.TextureDescriptor{
				Label:         f.label,
				Size:          wgpu.Extent3D{Width: n, Height: n, DepthOrArrayLayers: 1},
				Format:        f.format,
				Dimension:     wgpu.TextureDimension2D,
				MipLevelCount: 1,
				SampleCount:   1,
				Usage:         wgpu.TextureUsageStorageBinding | wgpu.TextureUsageTextureBinding,
			})
			if err != nil {
				return core.NewBackendError(fmt.Sprintf("create %s: %v", f.label, err))
			}
			f.tex[i] = tex
			view, err := tex.CreateView(nil)
			if err != nil {
				return core.NewBackendError(fmt.Sprintf("create %s view: %v", f.label, err))
			}
			f.view[i] = view
		}
	}
	return nil
}

// CreateBlitPipeline compiles the fullscreen blit that samples the shaded
// color texture onto the swapchain, since a compute shader can't target the
// swapchain directly. Call once the surface format is known.
func (m *Manager) CreateBlitPipeline(swapFormat wgpu.TextureFormat) error {
	m.swapFormat = swapFormat
	mod, err := m.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "blit",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.BlitWGSL},
	})
	if err != nil {
		return core.NewBackendError(fmt.Sprintf("compile blit: %v", err))
	}

	m.blitSampler, err = m.Device.CreateSampler(&wgpu.SamplerDescriptor{
		MinFilter: wgpu.FilterModeLinear,
		MagFilter: wgpu.FilterModeLinear,
	})
	if err != nil {
		return core.NewBackendError(fmt.Sprintf("create blit sampler: %v", err))
	}

	m.blitPipeline, err = m.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "blit",
		Vertex: wgpu.VertexState{
			Module:     mod,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     mod,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    swapFormat,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	mod.Release()
	if err != nil {
		return core.NewBackendError(fmt.Sprintf("create blit pipeline: %v", err))
	}
	return m.createBlitBindGroup()
}

func (m *Manager) createBlitBindGroup() error {
	bg, err := m.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "blit-bg",
		Layout: m.blitPipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, TextureView: m.CurrentColorView()},
			{Binding: 1, Sampler: m.blitSampler},
		},
	})
	if err != nil {
		return core.NewBackendError(fmt.Sprintf("create blit bind group: %v", err))
	}
	m.blitBG = bg
	return nil
}

// Present blits the just-shaded color texture onto swapchainView. Call
// after SwapOutputs so CurrentColorView refers to this frame's result.
func (m *Manager) Present(encoder *wgpu.CommandEncoder, swapchainView *wgpu.TextureView) error {
	if err := m.createBlitBindGroup(); err != nil {
		return err
	}
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       swapchainView,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	pass.SetPipeline(m.blitPipeline)
	pass.SetBindGroup(0, m.blitBG, nil)
	pass.Draw(3, 1, 0, 0)
	return pass.End()
}

// group0Bindings and group1Bindings record exactly which bindings each
// kernel's WGSL file declares at each group, since the kernels don't all
// touch the same subset of the atom/config/camera and BVH-table resources
// (compact_large, for instance, never reads the atom array). A bind group
// can only be created with the entries its pipeline's auto-derived layout
// actually expects, so every kernel gets its own filtered entry list rather
// than one shared superset.
var group0Bindings = map[string][]uint32{
	"reset_counters":                  nil,
	"reset_group_marks":               nil,
	"reset_globals":                   nil,
	"count_large":                     {0, 1},
	"compact_large":                   {1},
	"reference_large_and_count_small": {0, 1},
	"emit_small_prefix_sum":           nil,
	"emit_small_emit":                 {0, 1},
	"render_atoms":                    {0, 1, 2, 3},
}

var group1Bindings = map[string][]uint32{
	"reset_counters":                  {5},
	"reset_group_marks":               {7},
	"reset_globals":                   {6},
	"count_large":                     {5, 7},
	"compact_large":                   {0, 1, 5, 6, 7},
	"reference_large_and_count_small": {0, 2, 3, 5},
	"emit_small_prefix_sum":           {2, 8},
	"emit_small_emit":                 {0, 2, 4},
	"render_atoms":                    {0, 2, 3, 4},
}

func filterEntries(all []wgpu.BindGroupEntry, keep []uint32) []wgpu.BindGroupEntry {
	if len(keep) == 0 {
		return nil
	}
	wanted := make(map[uint32]bool, len(keep))
	for _, b := range keep {
		wanted[b] = true
	}
	out := make([]wgpu.BindGroupEntry, 0, len(keep))
	for _, e := range all {
		if wanted[e.Binding] {
			out = append(out, e)
		}
	}
	return out
}

// CreateBindGroups (re)builds every kernel's bind groups against the current
// buffers. Call after any EnsureTables/EnsureOutputTextures call that
// returned true (buffer recreated) or after CreatePipelines.
func (m *Manager) CreateBindGroups() error {
	tableEntries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: m.DenseBuf, Size: wgpu.WholeSize},
		{Binding: 1, Buffer: m.CompactedBuf, Size: wgpu.WholeSize},
		{Binding: 2, Buffer: m.SmallBuf, Size: wgpu.WholeSize},
		{Binding: 3, Buffer: m.LargeAtomRefsBuf, Size: wgpu.WholeSize},
		{Binding: 4, Buffer: m.SmallAtomRefsBuf, Size: wgpu.WholeSize},
		{Binding: 5, Buffer: m.LaneCountersBuf, Size: wgpu.WholeSize},
		{Binding: 6, Buffer: m.GlobalsBuf, Size: wgpu.WholeSize},
		{Binding: 7, Buffer: m.GroupMarksBuf, Size: wgpu.WholeSize},
		{Binding: 8, Buffer: m.OccupiedCountBuf, Size: wgpu.WholeSize},
	}

	atomEntries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: m.CurrentAtomBuf(), Size: wgpu.WholeSize},
		{Binding: 1, Buffer: m.ConfigBuf, Size: wgpu.WholeSize},
		{Binding: 2, Buffer: m.CameraBuf, Size: wgpu.WholeSize},
		{Binding: 3, Buffer: m.CurrentElementsBuf(), Size: wgpu.WholeSize},
	}

	for name, pipeline := range m.pipelines {
		if entries0 := filterEntries(atomEntries, group0Bindings[name]); entries0 != nil {
			bg0, err := m.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
				Label:   name + "-group0",
				Layout:  pipeline.GetBindGroupLayout(0),
				Entries: entries0,
			})
			if err != nil {
				return core.NewBackendError(fmt.Sprintf("bind group0 %s: %v", name, err))
			}
			m.bindGroups0[name] = bg0
		}

		entries1 := filterEntries(tableEntries, group1Bindings[name])
		bg1, err := m.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   name + "-group1",
			Layout:  pipeline.GetBindGroupLayout(1),
			Entries: entries1,
		})
		if err != nil {
			return core.NewBackendError(fmt.Sprintf("bind group1 %s: %v", name, err))
		}
		m.bindGroups1[name] = bg1
	}

	renderPipeline := m.pipelines["render_atoms"]
	bg2, err := m.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "render_atoms-group2",
		Layout: renderPipeline.GetBindGroupLayout(2),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, TextureView: m.ColorView[m.parity]},
			{Binding: 1, TextureView: m.DepthView[m.parity]},
			{Binding: 2, TextureView: m.MotionVw[m.parity]},
		},
	})
	if err != nil {
		return core.NewBackendError(fmt.Sprintf("bind group2 render_atoms: %v", err))
	}
	m.bindGroup2 = bg2
	return nil
}

// dispatch1D submits a single kernel over gridSize elements at the given
// workgroup size. Kernels with no group-0 resources (the three reset
// kernels and emit_small_prefix_sum) skip that SetBindGroup call entirely, matching their pipeline
// layout having no group 0 at all.
func (m *Manager) dispatch1D(encoder *wgpu.CommandEncoder, name string, gridSize uint32, workgroupSize uint32) {
	pipeline := m.pipelines[name]
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	if bg0, ok := m.bindGroups0[name]; ok {
		pass.SetBindGroup(0, bg0, nil)
	}
	pass.SetBindGroup(1, m.bindGroups1[name], nil)
	groups := (gridSize + workgroupSize - 1) / workgroupSize
	pass.DispatchWorkgroups(groups, 1, 1)
	pass.End()
}

func (m *Manager) DispatchResetCounters(encoder *wgpu.CommandEncoder, numCells int) {
	m.dispatch1D(encoder, "reset_counters", uint32(numCells*8), 64)
}

func (m *Manager) DispatchResetGroupMarks(encoder *wgpu.CommandEncoder, numGroups int) {
	m.dispatch1D(encoder, "reset_group_marks", uint32(numGroups), 64)
}

func (m *Manager) DispatchResetGlobals(encoder *wgpu.CommandEncoder) {
	m.dispatch1D(encoder, "reset_globals", 1, 1)
}

func (m *Manager) DispatchCountLarge(encoder *wgpu.CommandEncoder, numAtoms int) {
	m.dispatch1D(encoder, "count_large", uint32(numAtoms), 64)
}

func (m *Manager) DispatchCompactLarge(encoder *wgpu.CommandEncoder, numCells int) {
	m.dispatch1D(encoder, "compact_large", uint32(numCells), 64)
}

func (m *Manager) DispatchReferenceLargeAndCountSmall(encoder *wgpu.CommandEncoder, numAtoms int) {
	m.dispatch1D(encoder, "reference_large_and_count_small", uint32(numAtoms), 64)
}

// WriteOccupiedCount uploads the occupied-cell count ReadbackGlobals
// reported, the bound the emit_small prefix_sum pass's dispatch against.
func (m *Manager) WriteOccupiedCount(n uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	m.Device.GetQueue().WriteBuffer(m.OccupiedCountBuf, 0, buf)
}

// DispatchEmitSmall runs the prefix-sum pass and the emit pass back to back;
// occupiedCells is read back from Globals.next_compacted_index-1 after B3
// (app.Driver.RunFrame stages this readback through ReadbackGlobals).
func (m *Manager) DispatchEmitSmall(encoder *wgpu.CommandEncoder, occupiedCells, numAtoms int) {
	m.dispatch1D(encoder, "emit_small_prefix_sum", uint32(occupiedCells), 64)
	m.dispatch1D(encoder, "emit_small_emit", uint32(numAtoms), 64)
}

// DispatchRenderAtoms shades one N x N frame, 8x8 tiles of 64 threads each.
func (m *Manager) DispatchRenderAtoms(encoder *wgpu.CommandEncoder, cfg core.Config) {
	pipeline := m.pipelines["render_atoms"]
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, m.bindGroups0["render_atoms"], nil)
	pass.SetBindGroup(1, m.bindGroups1["render_atoms"], nil)
	pass.SetBindGroup(2, m.bindGroup2, nil)
	tiles := (cfg.TextureSize + 7) / 8
	pass.DispatchWorkgroups(tiles, tiles, 1)
	pass.End()
}

// SwapOutputs flips the output-texture parity for the next frame.
func (m *Manager) SwapOutputs() {
	m.parity = 1 - m.parity
}

// CurrentColorView returns the just-written color texture's view (the one
// the presenter should read this frame).
func (m *Manager) CurrentColorView() *wgpu.TextureView {
	prev := 1 - m.parity
	return m.ColorView[prev]
}

// ReadbackGlobals records a copy of the three global allocators into
// encoder, so B3 must already be recorded earlier in that encoder. The
// returned function maps the copy and blocks (via repeated Poll) until the
// map completes, the same MapAsync + poll-until-mapped pattern the teacher
// uses for its Hi-Z readback; call it only after encoder has been
// submitted. Its counts are the "-1" adjustment away from the atomic
// allocators' 1-based slot 0 convention (occupiedCells, atomRefs, smallRefs).
func (m *Manager) ReadbackGlobals(encoder *wgpu.CommandEncoder) (func() (uint32, uint32, uint32), error) {
	if m.globalsReadbackBuf == nil {
		var err error
		m.globalsReadbackBuf, err = m.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "GlobalsReadback",
			Size:  12,
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, core.NewBackendError(fmt.Sprintf("create globals readback buffer: %v", err))
		}
	}
	encoder.CopyBufferToBuffer(m.GlobalsBuf, 0, m.globalsReadbackBuf, 0, 12)

	return func() (uint32, uint32, uint32) {
		mapped := false
		m.globalsReadbackBuf.MapAsync(wgpu.MapModeRead, 0, 12, func(status wgpu.BufferMapAsyncStatus) {
			mapped = status == wgpu.BufferMapAsyncStatusSuccess
		})
		for !mapped {
			m.Device.Poll(true, nil)
		}
		data := m.globalsReadbackBuf.GetMappedRange(0, 12)
		nextCompacted := binary.LittleEndian.Uint32(data[0:4])
		nextAtomRef := binary.LittleEndian.Uint32(data[4:8])
		nextSmallRef := binary.LittleEndian.Uint32(data[8:12])
		m.globalsReadbackBuf.Unmap()
		return nextCompacted - 1, nextAtomRef - 1, nextSmallRef - 1
	}, nil
}
