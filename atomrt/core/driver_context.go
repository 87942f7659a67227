package core

import "github.com/google/uuid"

// FrameReport is one entry of the driver's frame-report ring buffer. ID
// distinguishes reports across frame numbers that may repeat after
// wraparound or reset.
type FrameReport struct {
	ID         uuid.UUID
	FrameIndex uint64
	LargeCells uint32
	AtomRefs   uint32
	SmallRefs  uint32
	Faults     uint32
	Dropped    bool
	Err        error
}

// DriverContext is the sole piece of global mutable state in the core: the
// per-frame counter and a fixed-size ring buffer of recent frame reports. It
// is owned by the driver (app.Driver.Context) rather than held in
// package-level globals.
type DriverContext struct {
	frameIndex uint64
	ring       []FrameReport
	head       int
	filled     int
}

func NewDriverContext(ringSize int) *DriverContext {
	if ringSize <= 0 {
		ringSize = 16
	}
	return &DriverContext{ring: make([]FrameReport, ringSize)}
}

// NextFrame advances the frame counter and returns the id for the new frame.
func (d *DriverContext) NextFrame() uint64 {
	id := d.frameIndex
	d.frameIndex++
	return id
}

// RecordReport appends a report to the ring buffer, stamping it with a fresh
// uuid and overwriting the oldest entry once the buffer is full.
func (d *DriverContext) RecordReport(r FrameReport) FrameReport {
	r.ID = uuid.New()
	d.ring[d.head] = r
	d.head = (d.head + 1) % len(d.ring)
	if d.filled < len(d.ring) {
		d.filled++
	}
	return r
}

// RecentReports returns up to n of the most recently recorded reports, newest
// first.
func (d *DriverContext) RecentReports(n int) []FrameReport {
	if n > d.filled {
		n = d.filled
	}
	out := make([]FrameReport, 0, n)
	idx := d.head
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(d.ring) - 1
		}
		out = append(out, d.ring[idx])
	}
	return out
}
