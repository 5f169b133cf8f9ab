// Package ntpshm publishes time samples to ntpd/chrony shared-memory
// refclock segments. The segment layout and the count/valid write protocol
// follow the ntpd SHM driver; a reader that observes an odd or changing
// count discards the sample instead of consuming a torn write.
package ntpshm

import (
	"sync/atomic"
	"time"
)

// ntpdBase is the SysV IPC key of unit 0, ASCII "NTP0". Unit n lives at
// ntpdBase+n.
const ntpdBase = 0x4e545030

// MaxUnit bounds the accepted unit numbers.
const MaxUnit = 15

// Key returns the SysV IPC key for a refclock unit.
func Key(unit int) int {
	return ntpdBase + unit
}

// segment mirrors struct shmTime on 64-bit ABIs, where time_t is 64 bits.
// Field offsets are load-bearing; see TestSegmentLayout.
type segment struct {
	mode        int32
	count       int32
	clockSec    int64
	clockUSec   int32
	_           int32
	receiveSec  int64
	receiveUSec int32
	leap        int32
	precision   int32
	nsamples    int32
	valid       int32
	clockNSec   uint32
	receiveNSec uint32
	_           [8]int32
}

// Reading is one consistent snapshot of a segment.
type Reading struct {
	Real      time.Time
	Local     time.Time
	Precision int
	Leap      int
}

// Clock is one attached refclock unit.
type Clock struct {
	unit   int
	mem    []byte
	seg    *segment
	writes atomic.Uint64
}

// Unit returns the refclock unit number.
func (c *Clock) Unit() int {
	return c.unit
}

// Writes returns how many samples have been published to this unit.
func (c *Clock) Writes() uint64 {
	return c.writes.Load()
}

// Close detaches the segment. The segment itself stays behind for the next
// writer; SysV segments outlive their processes.
func (c *Clock) Close() error {
	return c.detach()
}

// Update publishes one sample: real is the reference time the sample
// describes, local the clock reading judged to match it. The count is bumped
// before and after the payload, with valid dropped for the duration, so a
// concurrent reader never consumes half a sample.
func (c *Clock) Update(real, local time.Time, precision, leap int) {
	seg := c.seg
	atomic.StoreInt32(&seg.valid, 0)
	atomic.AddInt32(&seg.count, 1)

	seg.clockSec = real.Unix()
	seg.clockUSec = int32(real.Nanosecond() / 1000)
	seg.clockNSec = uint32(real.Nanosecond())
	seg.receiveSec = local.Unix()
	seg.receiveUSec = int32(local.Nanosecond() / 1000)
	seg.receiveNSec = uint32(local.Nanosecond())
	seg.leap = int32(leap)
	seg.precision = int32(precision)

	atomic.AddInt32(&seg.count, 1)
	atomic.StoreInt32(&seg.valid, 1)
	c.writes.Add(1)
}

// Read returns a consistent snapshot, or ok=false if no valid sample is
// present or a writer kept interleaving.
func (c *Clock) Read() (Reading, bool) {
	seg := c.seg
	for attempt := 0; attempt < 3; attempt++ {
		before := atomic.LoadInt32(&seg.count)
		if atomic.LoadInt32(&seg.valid) == 0 {
			return Reading{}, false
		}
		r := Reading{
			Real:      time.Unix(seg.clockSec, int64(seg.clockNSec)).UTC(),
			Local:     time.Unix(seg.receiveSec, int64(seg.receiveNSec)).UTC(),
			Precision: int(seg.precision),
			Leap:      int(seg.leap),
		}
		after := atomic.LoadInt32(&seg.count)
		if before == after && before%2 == 0 {
			return r, true
		}
	}
	return Reading{}, false
}

// init marks the segment as a mode-1 writer and invalidates whatever the
// previous owner left in it.
func (c *Clock) init() {
	atomic.StoreInt32(&c.seg.valid, 0)
	c.seg.mode = 1
}
