// Package nmea decodes the NMEA 0183 byte stream of a GNSS receiver into fix
// events. Framing and checksum validation happen here; standard sentence
// payloads are handed to github.com/adrianmo/go-nmea, receiver-private
// sentences to the configured Dialect.
package nmea

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gonmea "github.com/adrianmo/go-nmea"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// maxGarbage bounds how many bytes are skipped per resync while hunting
	// for a frame start.
	maxGarbage = 164
	// maxFrame bounds an unterminated frame before the leading '$' is
	// dropped and the scan resyncs.
	maxFrame = 256

	ackTimeout     = time.Second
	maxAckAttempts = 3
)

// Fix is one decoded receiver time report. Time is the decoded UTC timestamp
// at sentence resolution; Received is the local clock when the frame
// completed, carrying both wall and monotonic readings.
type Fix struct {
	Time     time.Time
	Quality  int
	Sats     int
	HDOP     float64
	Received time.Time
}

// Stats counts decode activity. All fields are cumulative.
type Stats struct {
	Frames       uint64
	GarbageBytes uint64
	BadChecksum  uint64
	ParseErrors  uint64
	Ignored      uint64
	Private      uint64
	Fixes        uint64
	AckRetries   uint64
}

type counters struct {
	frames       atomic.Uint64
	garbageBytes atomic.Uint64
	badChecksum  atomic.Uint64
	parseErrors  atomic.Uint64
	ignored      atomic.Uint64
	private      atomic.Uint64
	fixes        atomic.Uint64
	ackRetries   atomic.Uint64
}

// Decoder assembles fixes from one receiver stream. It is not safe for
// concurrent use; Stats may be read from other goroutines.
type Decoder struct {
	dialect Dialect
	log     zerolog.Logger
	diag    *rate.Limiter

	c counters

	// receiver configuration handshake
	awaitingAck bool
	ackDeadline time.Time
	ackAttempts int

	// fix assembly scratchpad
	year, month, day int
	lastTOD          int
	quality          int
	qualityFromGGA   bool
	sats             int
	hdop             float64
	lastSecond       time.Time
}

// NewDecoder returns a decoder speaking the given receiver dialect.
func NewDecoder(dialect Dialect, log zerolog.Logger) *Decoder {
	return &Decoder{
		dialect: dialect,
		log:     log,
		diag:    rate.NewLimiter(rate.Every(time.Second), 5),
		quality: -1,
	}
}

// Stats returns a snapshot of the decode counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:       d.c.frames.Load(),
		GarbageBytes: d.c.garbageBytes.Load(),
		BadChecksum:  d.c.badChecksum.Load(),
		ParseErrors:  d.c.parseErrors.Load(),
		Ignored:      d.c.ignored.Load(),
		Private:      d.c.private.Load(),
		Fixes:        d.c.fixes.Load(),
		AckRetries:   d.c.ackRetries.Load(),
	}
}

// Run configures the receiver, then decodes frames from rw until the stream
// ends, calling emit for each assembled fix. Malformed input is counted and
// skipped; only stream I/O errors are returned. Run may be called again
// after the stream ends, such as when a device reconnects; counters carry
// over, the configuration handshake starts fresh.
func (d *Decoder) Run(rw io.ReadWriter, emit func(Fix)) error {
	d.awaitingAck = false
	d.ackDeadline = time.Time{}
	d.ackAttempts = 0

	if err := d.sendSetup(rw); err != nil {
		return fmt.Errorf("configure receiver: %w", err)
	}

	sc := bufio.NewScanner(rw)
	sc.Buffer(make([]byte, 0, 256), 4096)
	sc.Split(scanFrames(&d.c.garbageBytes))

	for sc.Scan() {
		now := time.Now()
		d.handleFrame(sc.Bytes(), now, emit)

		if d.awaitingAck && now.After(d.ackDeadline) {
			if err := d.retrySetup(rw); err != nil {
				return fmt.Errorf("configure receiver: %w", err)
			}
		}
	}
	return sc.Err()
}

func (d *Decoder) sendSetup(w io.Writer) error {
	frames := d.dialect.Setup()
	if len(frames) == 0 {
		return nil
	}
	for _, f := range frames {
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	if d.dialect.WantAck() {
		d.awaitingAck = true
		d.ackDeadline = time.Now().Add(ackTimeout)
		d.ackAttempts++
	}
	return nil
}

func (d *Decoder) retrySetup(w io.Writer) error {
	if d.ackAttempts >= maxAckAttempts {
		d.awaitingAck = false
		d.log.Warn().Int("attempts", d.ackAttempts).
			Msg("receiver never acknowledged sentence configuration, using receiver defaults")
		return nil
	}
	d.c.ackRetries.Add(1)
	d.awaitingAck = false
	return d.sendSetup(w)
}

func (d *Decoder) handleFrame(frame []byte, now time.Time, emit func(Fix)) {
	d.c.frames.Add(1)

	payload, ok := checksumOK(frame)
	if !ok {
		d.c.badChecksum.Add(1)
		if d.diag.Allow() {
			d.log.Debug().Str("frame", string(frame)).Msg("checksum mismatch")
		}
		return
	}

	if len(payload) > 0 && payload[0] == 'P' {
		d.c.private.Add(1)
		d.handlePrivate(payload)
		return
	}

	switch sentenceType(payload) {
	case "RMC", "GGA", "ZDA", "GSA":
	default:
		d.c.ignored.Add(1)
		return
	}

	s, err := gonmea.Parse(string(frame))
	if err != nil {
		d.c.parseErrors.Add(1)
		if d.diag.Allow() {
			d.log.Debug().Err(err).Str("frame", string(frame)).Msg("sentence parse failed")
		}
		return
	}

	switch v := s.(type) {
	case gonmea.RMC:
		d.applyRMC(v, now, emit)
	case gonmea.GGA:
		d.applyGGA(v, now, emit)
	case gonmea.ZDA:
		d.applyZDA(v, now, emit)
	case gonmea.GSA:
		d.applyGSA(v)
	}
}

func (d *Decoder) handlePrivate(payload string) {
	ack, err := d.dialect.HandlePrivate(payload)
	if err != nil && d.diag.Allow() {
		d.log.Warn().Err(err).Msg("receiver rejected configuration")
	}
	if !ack || !d.awaitingAck {
		return
	}
	if err != nil {
		// Rejected outright. Retrying a failed command occasionally helps
		// on receivers that are still booting.
		d.ackDeadline = time.Time{}
		return
	}
	d.awaitingAck = false
	d.log.Info().Str("dialect", d.dialect.Name()).Msg("receiver sentence configuration acknowledged")
}

func (d *Decoder) applyRMC(v gonmea.RMC, now time.Time, emit func(Fix)) {
	if v.Date.Valid {
		d.setDate(2000+v.Date.YY, v.Date.MM, v.Date.DD)
	}
	if v.Validity != gonmea.ValidRMC {
		d.quality = 0
		d.qualityFromGGA = false
	} else if !d.qualityFromGGA {
		d.quality = 1
	}
	d.emitTime(v.Time, v.Date.Valid, now, emit)
}

func (d *Decoder) applyGGA(v gonmea.GGA, now time.Time, emit func(Fix)) {
	if q, err := strconv.Atoi(v.FixQuality); err == nil {
		d.quality = q
		d.qualityFromGGA = true
	}
	d.sats = int(v.NumSatellites)
	if v.HDOP > 0 {
		d.hdop = v.HDOP
	}
	d.emitTime(v.Time, false, now, emit)
}

func (d *Decoder) applyZDA(v gonmea.ZDA, now time.Time, emit func(Fix)) {
	if v.Year > 0 {
		d.setDate(int(v.Year), int(v.Month), int(v.Day))
	}
	d.emitTime(v.Time, v.Year > 0, now, emit)
}

func (d *Decoder) applyGSA(v gonmea.GSA) {
	if v.HDOP > 0 {
		d.hdop = v.HDOP
	}
}

func (d *Decoder) setDate(year, month, day int) {
	d.year, d.month, d.day = year, month, day
}

// emitTime produces at most one fix per decoded UTC second. ownsDate marks
// sentences that carry their own date; the rest reuse the last seen date and
// are suppressed across midnight until a dated sentence arrives.
func (d *Decoder) emitTime(t gonmea.Time, ownsDate bool, now time.Time, emit func(Fix)) {
	if !t.Valid || d.year == 0 {
		return
	}
	tod := (t.Hour*3600+t.Minute*60+t.Second)*1000 + t.Millisecond
	if !ownsDate && tod < d.lastTOD {
		d.year = 0
		return
	}
	d.lastTOD = tod

	ts := time.Date(d.year, time.Month(d.month), d.day,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
	sec := ts.Truncate(time.Second)
	if sec.Equal(d.lastSecond) {
		return
	}
	d.lastSecond = sec

	d.c.fixes.Add(1)
	emit(Fix{
		Time:     ts,
		Quality:  max(d.quality, 0),
		Sats:     d.sats,
		HDOP:     d.hdop,
		Received: now,
	})
}

// sentenceType normalizes the address field to its trailing three characters
// so talker prefixes do not matter (GPRMC, GNRMC and BDRMC are all RMC).
func sentenceType(payload string) string {
	addr := payload
	if i := strings.IndexByte(addr, ','); i >= 0 {
		addr = addr[:i]
	}
	if len(addr) < 3 {
		return ""
	}
	return addr[len(addr)-3:]
}

// checksumOK validates a "$payload*hh" frame and returns the payload.
func checksumOK(frame []byte) (string, bool) {
	if len(frame) < 4 || frame[0] != '$' {
		return "", false
	}
	star := bytes.LastIndexByte(frame, '*')
	if star < 0 || len(frame)-star != 3 {
		return "", false
	}
	given, err := strconv.ParseUint(string(frame[star+1:]), 16, 8)
	if err != nil {
		return "", false
	}
	payload := frame[1:star]
	if xor(payload) != byte(given) {
		return "", false
	}
	return string(payload), true
}

func xor(b []byte) byte {
	var c byte
	for _, x := range b {
		c ^= x
	}
	return c
}

// scanFrames is a bufio.SplitFunc yielding one "$...*hh" frame per token,
// terminator stripped. Bytes outside frames are skipped in bounded chunks
// and accounted in skipped.
func scanFrames(skipped *atomic.Uint64) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		start := bytes.IndexByte(data, '$')
		if start < 0 {
			n := len(data)
			if atEOF && n > 0 {
				skipped.Add(uint64(n))
				return n, nil, nil
			}
			if n > maxGarbage {
				skipped.Add(maxGarbage)
				return maxGarbage, nil, nil
			}
			return 0, nil, nil
		}
		if start > 0 {
			skipped.Add(uint64(start))
			return start, nil, nil
		}

		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			return i + 1, dropCR(data[:i]), nil
		}
		if atEOF {
			return len(data), dropCR(data), nil
		}
		if len(data) > maxFrame {
			// No terminator in sight. Drop the '$' and resync.
			skipped.Add(1)
			return 1, nil, nil
		}
		return 0, nil, nil
	}
}

func dropCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}
