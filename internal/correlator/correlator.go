// Package correlator fuses decoded receiver fixes with PPS assert edges into
// disciplined time samples and runs the per-device synchronization state
// machine. Fixes and edges arrive on independent streams with no ordering
// guarantee between them; matching is keyed by UTC second, never by arrival
// order.
package correlator

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gpstimed/internal/nmea"
	"gpstimed/internal/pps"
)

// Class tags the two measurement kinds a refclock consumer distinguishes.
type Class uint8

const (
	// ClassReceipt is the sentence-receipt offset: decoded time against the
	// local clock at frame completion. Coarse, serial latency dominates.
	ClassReceipt Class = iota
	// ClassPulse is a PPS measurement: a whole UTC second against the local
	// clock at the hardware edge.
	ClassPulse
)

func (c Class) String() string {
	if c == ClassPulse {
		return "pulse"
	}
	return "receipt"
}

// Sample is one disciplined correlation result. Immutable after emission.
type Sample struct {
	Device string
	Class  Class
	// Real is the reference UTC time the sample describes.
	Real time.Time
	// Clock is the local clock reading judged to correspond to Real.
	Clock time.Time
	// Precision is the NTP log2-seconds exponent of the measurement.
	Precision int
	Leap      int
}

// State is the per-device synchronization state.
type State int32

const (
	Unsynced State = iota
	Acquiring
	Synced
	Holdover
)

func (s State) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Synced:
		return "synced"
	case Holdover:
		return "holdover"
	default:
		return "unsynced"
	}
}

// Tuning defaults. Zero values in Config select these.
const (
	defaultStaleness      = 1500 * time.Millisecond
	defaultPulseTolerance = 200 * time.Millisecond
	defaultCadenceSlack   = 250 * time.Millisecond
	defaultHoldover       = 10 * time.Second

	cadence = time.Second

	// receiptPrecision is the fixed exponent for sentence-receipt samples;
	// transmission at serial baud rates swamps anything finer.
	receiptPrecision = -1
	// pulseFallbackPrecision is reported for pulse samples until the tick
	// estimator settles.
	pulseFallbackPrecision = -20
	// holdoverPenalty degrades the exponent of synthesized samples.
	holdoverPenalty = 4
)

// Config tunes one correlator. Zero durations and counts select defaults;
// quality gates at zero are disabled.
type Config struct {
	Device string

	// Quality gates. A fix failing any enabled gate is dropped entirely.
	MinQuality    int
	MinSatellites int
	MaxHDOP       float64

	// Staleness bounds the age of a fix or edge still eligible for pairing.
	Staleness time.Duration
	// PulseTolerance bounds |assert - second boundary| for a pair to count
	// as disciplined.
	PulseTolerance time.Duration
	// CadenceSlack extends the 1 Hz cadence interval before a missing pair
	// steps Synced down to Holdover.
	CadenceSlack time.Duration
	// HoldoverBudget bounds how long Holdover may synthesize samples before
	// falling back to Unsynced.
	HoldoverBudget time.Duration
}

func (c *Config) setDefaults() {
	if c.Staleness == 0 {
		c.Staleness = defaultStaleness
	}
	if c.PulseTolerance == 0 {
		c.PulseTolerance = defaultPulseTolerance
	}
	if c.CadenceSlack == 0 {
		c.CadenceSlack = defaultCadenceSlack
	}
	if c.HoldoverBudget == 0 {
		c.HoldoverBudget = defaultHoldover
	}
}

// Stats counts correlation activity. All fields are cumulative.
type Stats struct {
	ReceiptSamples  uint64
	PulseSamples    uint64
	Pairs           uint64
	QualityGated    uint64
	StaleDropped    uint64
	ToleranceMisses uint64
	Synthesized     uint64
	StateChanges    uint64
}

type counters struct {
	receiptSamples  atomic.Uint64
	pulseSamples    atomic.Uint64
	pairs           atomic.Uint64
	qualityGated    atomic.Uint64
	staleDropped    atomic.Uint64
	toleranceMisses atomic.Uint64
	synthesized     atomic.Uint64
	stateChanges    atomic.Uint64
}

// Correlator matches one device's fix and edge streams. Fix, Pulse and Tick
// must be called from a single goroutine; State and Stats may be read from
// anywhere.
type Correlator struct {
	cfg  Config
	log  zerolog.Logger
	emit func(Sample)
	est  *pps.Estimator
	diag *rate.Limiter

	state atomic.Int32
	c     counters

	pendingFixes map[int64]nmea.Fix
	pendingEdges map[int64]pps.Edge

	lastFixAt     time.Time
	lastEdgeAt    time.Time
	lastPairAt    time.Time
	holdoverSince time.Time

	// Last disciplined corrections, fueling holdover synthesis.
	pulseOffset  time.Duration
	receiptDelay time.Duration
	disciplined  bool
}

// New returns a correlator for one device. emit receives every sample on the
// caller's goroutine and must not block.
func New(cfg Config, log zerolog.Logger, emit func(Sample)) *Correlator {
	cfg.setDefaults()
	return &Correlator{
		cfg:          cfg,
		log:          log,
		emit:         emit,
		est:          pps.NewEstimator(pulseFallbackPrecision),
		diag:         rate.NewLimiter(rate.Every(time.Second), 5),
		pendingFixes: make(map[int64]nmea.Fix),
		pendingEdges: make(map[int64]pps.Edge),
	}
}

// State returns the current synchronization state.
func (c *Correlator) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of the correlation counters.
func (c *Correlator) Stats() Stats {
	return Stats{
		ReceiptSamples:  c.c.receiptSamples.Load(),
		PulseSamples:    c.c.pulseSamples.Load(),
		Pairs:           c.c.pairs.Load(),
		QualityGated:    c.c.qualityGated.Load(),
		StaleDropped:    c.c.staleDropped.Load(),
		ToleranceMisses: c.c.toleranceMisses.Load(),
		Synthesized:     c.c.synthesized.Load(),
		StateChanges:    c.c.stateChanges.Load(),
	}
}

// Fix feeds one decoded fix. The fix's receipt instant drives the clock of
// the state machine.
func (c *Correlator) Fix(f nmea.Fix) {
	now := f.Received
	c.prune(now)
	c.watchdog(now)

	if c.gated(f) {
		c.c.qualityGated.Add(1)
		if c.diag.Allow() {
			c.log.Debug().Int("quality", f.Quality).Int("sats", f.Sats).
				Float64("hdop", f.HDOP).Msg("fix below quality gates, dropped")
		}
		return
	}

	c.lastFixAt = now
	c.receiptDelay = f.Received.Sub(f.Time)

	c.c.receiptSamples.Add(1)
	c.emit(Sample{
		Device:    c.cfg.Device,
		Class:     ClassReceipt,
		Real:      f.Time,
		Clock:     f.Received,
		Precision: receiptPrecision,
	})

	key := f.Time.Unix()
	if e, ok := c.pendingEdges[key]; ok {
		delete(c.pendingEdges, key)
		c.pair(key, e, now)
	} else {
		c.pendingFixes[key] = f
		if c.State() == Unsynced {
			c.setState(Acquiring)
		}
		c.holdoverFromFix(key)
	}
}

// Pulse feeds one PPS assert edge.
func (c *Correlator) Pulse(e pps.Edge) {
	now := e.Received
	c.prune(now)
	c.watchdog(now)

	c.est.Observe(e.Assert)
	c.lastEdgeAt = now

	key := inferSecond(e.Assert)
	if _, ok := c.pendingFixes[key]; ok {
		delete(c.pendingFixes, key)
		c.pair(key, e, now)
	} else {
		c.pendingEdges[key] = e
		if c.State() == Unsynced {
			c.setState(Acquiring)
		}
		c.holdoverFromEdge(key, e)
	}
}

// Tick advances the cadence watchdog when no input arrives.
func (c *Correlator) Tick(now time.Time) {
	c.prune(now)
	c.watchdog(now)
}

// pair correlates one edge with the fix that named the same UTC second. Both
// have been removed from the pending sets; the edge contributes to at most
// this one sample.
func (c *Correlator) pair(key int64, e pps.Edge, now time.Time) {
	second := time.Unix(key, 0).UTC()
	offset := e.Assert.Sub(second)

	if offset < -c.cfg.PulseTolerance || offset > c.cfg.PulseTolerance {
		c.c.toleranceMisses.Add(1)
		if c.diag.Allow() {
			c.log.Debug().Dur("offset", offset).
				Msg("pulse offset outside tolerance, pair dropped")
		}
		return
	}

	c.c.pairs.Add(1)
	c.pulseOffset = offset
	c.disciplined = true
	c.lastPairAt = now

	c.c.pulseSamples.Add(1)
	c.emit(Sample{
		Device:    c.cfg.Device,
		Class:     ClassPulse,
		Real:      second,
		Clock:     e.Assert,
		Precision: c.est.Precision(),
	})
	c.setState(Synced)
}

// holdoverFromFix synthesizes the missing pulse stream while edges are lost:
// the last disciplined offset places the second boundary on the local clock.
func (c *Correlator) holdoverFromFix(key int64) {
	if c.State() != Holdover || !c.disciplined {
		return
	}
	second := time.Unix(key, 0).UTC()
	c.c.synthesized.Add(1)
	c.c.pulseSamples.Add(1)
	c.emit(Sample{
		Device:    c.cfg.Device,
		Class:     ClassPulse,
		Real:      second,
		Clock:     second.Add(c.pulseOffset),
		Precision: degrade(c.est.Precision()),
	})
}

// holdoverFromEdge keeps both streams alive while fixes are lost. The edge's
// own second inference stands in for the missing sentence confirmation.
func (c *Correlator) holdoverFromEdge(key int64, e pps.Edge) {
	if c.State() != Holdover || !c.disciplined {
		return
	}
	second := time.Unix(key, 0).UTC()
	offset := e.Assert.Sub(second)
	if offset < -c.cfg.PulseTolerance || offset > c.cfg.PulseTolerance {
		c.c.toleranceMisses.Add(1)
		return
	}

	c.c.synthesized.Add(2)
	c.c.pulseSamples.Add(1)
	c.emit(Sample{
		Device:    c.cfg.Device,
		Class:     ClassPulse,
		Real:      second,
		Clock:     e.Assert,
		Precision: degrade(c.est.Precision()),
	})
	c.c.receiptSamples.Add(1)
	c.emit(Sample{
		Device:    c.cfg.Device,
		Class:     ClassReceipt,
		Real:      second,
		Clock:     second.Add(c.receiptDelay),
		Precision: degrade(receiptPrecision),
	})
}

// gated reports whether a fix fails an enabled quality gate.
func (c *Correlator) gated(f nmea.Fix) bool {
	if c.cfg.MinQuality > 0 && f.Quality < c.cfg.MinQuality {
		return true
	}
	if c.cfg.MinSatellites > 0 && f.Sats < c.cfg.MinSatellites {
		return true
	}
	if c.cfg.MaxHDOP > 0 && f.HDOP > c.cfg.MaxHDOP {
		return true
	}
	return false
}

// prune expires pending entries past the staleness window so they can never
// pair late.
func (c *Correlator) prune(now time.Time) {
	for key, f := range c.pendingFixes {
		if now.Sub(f.Received) > c.cfg.Staleness {
			delete(c.pendingFixes, key)
			c.c.staleDropped.Add(1)
		}
	}
	for key, e := range c.pendingEdges {
		if now.Sub(e.Received) > c.cfg.Staleness {
			delete(c.pendingEdges, key)
			c.c.staleDropped.Add(1)
		}
	}
}

// watchdog steps the state machine down as inputs go missing.
func (c *Correlator) watchdog(now time.Time) {
	switch c.State() {
	case Synced:
		if now.Sub(c.lastPairAt) > cadence+c.cfg.CadenceSlack {
			c.holdoverSince = now
			c.setState(Holdover)
		}
	case Holdover:
		if now.Sub(c.holdoverSince) > c.cfg.HoldoverBudget {
			c.disciplined = false
			c.setState(Unsynced)
		}
	case Acquiring:
		if now.Sub(c.lastFixAt) > c.cfg.Staleness && now.Sub(c.lastEdgeAt) > c.cfg.Staleness {
			c.setState(Unsynced)
		}
	}
}

func (c *Correlator) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.c.stateChanges.Add(1)
	c.log.Info().Str("device", c.cfg.Device).
		Stringer("from", old).Stringer("to", s).Msg("sync state changed")
}

// degrade applies the holdover penalty to a precision exponent. Exponents
// are log2 seconds; 0 already means a full second of uncertainty.
func degrade(precision int) int {
	precision += holdoverPenalty
	if precision > 0 {
		return 0
	}
	return precision
}

// inferSecond names the UTC second an assert edge marks. Edges fire at the
// top of a second, so the kernel timestamp rounds to the nearest one.
func inferSecond(assert time.Time) int64 {
	sec := assert.Unix()
	if assert.Nanosecond() >= int(time.Second/2) {
		sec++
	}
	return sec
}
