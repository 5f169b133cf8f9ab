package ntpshm

import (
	"testing"
	"time"
	"unsafe"

	"github.com/rs/zerolog"

	"gpstimed/internal/correlator"
)

// heapClock backs a Clock with process memory so the write discipline can be
// exercised without a SysV segment.
func heapClock(unit int) *Clock {
	c := &Clock{unit: unit, seg: new(segment)}
	c.init()
	return c
}

func TestSegmentLayout(t *testing.T) {
	var s segment
	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"mode", unsafe.Offsetof(s.mode), 0},
		{"count", unsafe.Offsetof(s.count), 4},
		{"clockSec", unsafe.Offsetof(s.clockSec), 8},
		{"clockUSec", unsafe.Offsetof(s.clockUSec), 16},
		{"receiveSec", unsafe.Offsetof(s.receiveSec), 24},
		{"receiveUSec", unsafe.Offsetof(s.receiveUSec), 32},
		{"leap", unsafe.Offsetof(s.leap), 36},
		{"precision", unsafe.Offsetof(s.precision), 40},
		{"nsamples", unsafe.Offsetof(s.nsamples), 44},
		{"valid", unsafe.Offsetof(s.valid), 48},
		{"clockNSec", unsafe.Offsetof(s.clockNSec), 52},
		{"receiveNSec", unsafe.Offsetof(s.receiveNSec), 56},
	}
	for _, o := range offsets {
		if o.got != o.want {
			t.Fatalf("%s at offset %d, ntpd expects %d", o.name, o.got, o.want)
		}
	}
	if got := unsafe.Sizeof(s); got != 96 {
		t.Fatalf("segment size %d, ntpd expects 96", got)
	}
}

func TestKey(t *testing.T) {
	if got := Key(0); got != 0x4e545030 {
		t.Fatalf("Key(0)=%#x want 0x4e545030", got)
	}
	if got := Key(2); got != 0x4e545032 {
		t.Fatalf("Key(2)=%#x", got)
	}
}

func TestUpdateThenRead(t *testing.T) {
	c := heapClock(0)
	real := time.Date(2026, 3, 14, 12, 0, 5, 123456789, time.UTC)
	local := real.Add(42 * time.Microsecond)

	c.Update(real, local, -20, 0)

	if got := c.seg.mode; got != 1 {
		t.Fatalf("mode=%d want 1", got)
	}
	if got := c.seg.clockSec; got != real.Unix() {
		t.Fatalf("clockSec=%d want %d", got, real.Unix())
	}
	if got := c.seg.clockUSec; got != 123456 {
		t.Fatalf("clockUSec=%d want 123456", got)
	}
	if got := c.seg.clockNSec; got != 123456789 {
		t.Fatalf("clockNSec=%d want 123456789", got)
	}
	if got := c.seg.receiveNSec; got != 123498789 {
		t.Fatalf("receiveNSec=%d want 123498789", got)
	}

	r, ok := c.Read()
	if !ok {
		t.Fatal("read after update must succeed")
	}
	if !r.Real.Equal(real) || !r.Local.Equal(local) {
		t.Fatalf("read real=%v local=%v", r.Real, r.Local)
	}
	if r.Precision != -20 || r.Leap != 0 {
		t.Fatalf("read precision=%d leap=%d", r.Precision, r.Leap)
	}
	if got := c.Writes(); got != 1 {
		t.Fatalf("writes=%d want 1", got)
	}
}

func TestCountAdvancesTwicePerUpdate(t *testing.T) {
	c := heapClock(0)
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		c.Update(now, now, -1, 0)
	}
	if got := c.seg.count; got != 10 {
		t.Fatalf("count=%d want 10", got)
	}
	if got := c.seg.valid; got != 1 {
		t.Fatalf("valid=%d want 1", got)
	}
}

func TestReadRejectsEmptySegment(t *testing.T) {
	c := heapClock(0)
	if _, ok := c.Read(); ok {
		t.Fatal("read of never-written segment must fail")
	}
}

func TestReadRejectsTornWrite(t *testing.T) {
	c := heapClock(0)
	now := time.Unix(1700000000, 500)
	c.Update(now, now, -1, 0)

	// A writer died mid-update: count is odd.
	c.seg.count++
	if _, ok := c.Read(); ok {
		t.Fatal("odd count must be rejected")
	}
}

func TestPublisherRoutesByClass(t *testing.T) {
	p := &Publisher{log: zerolog.Nop(), receipt: heapClock(0), pulse: heapClock(1)}

	second := time.Date(2026, 3, 14, 12, 0, 7, 0, time.UTC)
	p.Publish(correlator.Sample{
		Class: correlator.ClassReceipt,
		Real:  second, Clock: second.Add(120 * time.Millisecond), Precision: -1,
	})
	p.Publish(correlator.Sample{
		Class: correlator.ClassPulse,
		Real:  second, Clock: second.Add(3 * time.Microsecond), Precision: -20,
	})

	r, ok := p.receipt.Read()
	if !ok || !r.Local.Equal(second.Add(120*time.Millisecond)) || r.Precision != -1 {
		t.Fatalf("receipt unit read=%+v ok=%v", r, ok)
	}
	pr, ok := p.pulse.Read()
	if !ok || !pr.Local.Equal(second.Add(3*time.Microsecond)) || pr.Precision != -20 {
		t.Fatalf("pulse unit read=%+v ok=%v", pr, ok)
	}

	if st := p.Stats(); st.ReceiptWrites != 1 || st.PulseWrites != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestPublisherWithoutUnits(t *testing.T) {
	p := &Publisher{log: zerolog.Nop()}
	p.Publish(correlator.Sample{Class: correlator.ClassReceipt, Real: time.Now(), Clock: time.Now()})
	p.Publish(correlator.Sample{Class: correlator.ClassPulse, Real: time.Now(), Clock: time.Now()})
	if st := p.Stats(); st != (PublisherStats{}) {
		t.Fatalf("stats=%+v want zero", st)
	}
	p.Close()
}
