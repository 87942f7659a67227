// Package shaders embeds the WGSL kernel source the compute backend compiles
// into pipelines. Kernel names are a fixed contract; each constant here is
// uploaded under the entry point its file declares.
package shaders

import (
	_ "embed"
)

//go:embed reset_counters.wgsl
var ResetCountersWGSL string

//go:embed reset_group_marks.wgsl
var ResetGroupMarksWGSL string

//go:embed reset_globals.wgsl
var ResetGlobalsWGSL string

//go:embed count_large.wgsl
var CountLargeWGSL string

//go:embed compact_large.wgsl
var CompactLargeWGSL string

//go:embed reference_large_and_count_small.wgsl
var ReferenceLargeAndCountSmallWGSL string

//go:embed emit_small.wgsl
var EmitSmallWGSL string

//go:embed render_atoms.wgsl
var RenderAtomsWGSL string

//go:embed blit.wgsl
var BlitWGSL string
