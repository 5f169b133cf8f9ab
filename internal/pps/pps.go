// Package pps captures pulse-per-second assert edges from Linux kernel PPS
// character devices and from GPIO lines with edge event support.
package pps

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Edge is one observed assert edge.
type Edge struct {
	// Sequence increases by one per edge the kernel saw; holes mean missed
	// pulses.
	Sequence uint32
	// Assert is the kernel timestamp of the edge on the realtime clock.
	Assert time.Time
	// Received is the local clock when the edge reached this process,
	// carrying wall and monotonic readings.
	Received time.Time
}

// Stats counts capture activity. All fields are cumulative.
type Stats struct {
	Edges   uint64
	Gaps    uint64
	Invalid uint64
	Dropped uint64
}

// A Source produces assert edges until its context ends or the device fails.
// A failed source is not restartable; callers build a fresh one.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Edge)) error
	Stats() Stats
}

// Open builds a source for path. GPIO character devices (/dev/gpiochipN plus
// a line offset) deliver edges through line events, everything else is
// treated as a kernel PPS device.
func Open(path string, gpioLine int, log zerolog.Logger) (Source, error) {
	if strings.HasPrefix(filepath.Base(path), "gpiochip") {
		return newGPIOSource(path, gpioLine, log)
	}
	return newKernelSource(path, log)
}

// seqTracker detects holes in an edge sequence.
type seqTracker struct {
	last  uint32
	seen  bool
	edges atomic.Uint64
	gaps  atomic.Uint64
}

// observe accounts for seq and returns how many edges were missed since the
// previous one. dup is true when seq repeats the previous edge.
func (t *seqTracker) observe(seq uint32) (missed uint32, dup bool) {
	if t.seen {
		if seq == t.last {
			return 0, true
		}
		missed = seq - t.last - 1
	}
	t.last = seq
	t.seen = true
	t.edges.Add(1)
	if missed > 0 {
		t.gaps.Add(uint64(missed))
	}
	return missed, false
}
