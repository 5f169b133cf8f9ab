package device

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gpstimed/internal/config"
	"gpstimed/internal/correlator"
	"gpstimed/internal/hub"
	"gpstimed/internal/metrics"
	"gpstimed/internal/nmea"
	"gpstimed/internal/ntpshm"
	"gpstimed/internal/pps"
)

// Reopen policy for failed device streams. Runs that survive for a while
// reset the ladder so a long-lived device reopens quickly after a hiccup.
const (
	backoffInitial    = 50 * time.Millisecond
	backoffFactor     = 1.5
	backoffJitter     = 0.25
	backoffMax        = 60 * time.Second
	backoffResetAfter = 10 * time.Second
)

// pipeline runs one receiver: the serial decode loop, the optional pulse
// capture loop, and the correlation loop that fuses them. The correlator,
// decoder, and publisher live as long as the pipeline; ports and pulse
// sources come and go with each reopen.
type pipeline struct {
	cfg config.Device
	log zerolog.Logger

	dec  *nmea.Decoder
	corr *correlator.Correlator
	shm  *ntpshm.Publisher
	out  *hub.Hub[correlator.Sample]

	openPort  func() (io.ReadWriteCloser, error)
	openPulse func() (pps.Source, error)

	fixes chan nmea.Fix
	edges chan pps.Edge

	restarts atomic.Uint64

	mu      sync.Mutex
	src     pps.Source
	ppsBase pps.Stats
}

func newPipeline(cfg config.Device, out *hub.Hub[correlator.Sample], log zerolog.Logger) (*pipeline, error) {
	dialect, err := nmea.NewDialect(cfg.Dialect, cfg.Sentences)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.Name, err)
	}
	log = log.With().Str("device", cfg.Name).Logger()

	units := ntpshm.Units{Receipt: cfg.ShmUnit}
	if cfg.PPS != nil {
		units.Pulse = cfg.PPS.ShmUnit
	}

	p := &pipeline{
		cfg:   cfg,
		log:   log,
		dec:   nmea.NewDecoder(dialect, log),
		shm:   ntpshm.NewPublisher(units, log),
		out:   out,
		fixes: make(chan nmea.Fix, 8),
		edges: make(chan pps.Edge, 8),
	}
	p.corr = correlator.New(correlator.Config{
		Device:        cfg.Name,
		MinQuality:    cfg.MinQuality,
		MinSatellites: cfg.MinSatellites,
		MaxHDOP:       cfg.MaxHDOP,
	}, log, p.publish)

	p.openPort = func() (io.ReadWriteCloser, error) { return openStream(cfg) }
	if cfg.PPS != nil {
		pc := *cfg.PPS
		p.openPulse = func() (pps.Source, error) { return pps.Open(pc.Device, pc.GpioLine, log) }
	}
	return p, nil
}

// publish fans one correlated sample out to the refclock segments and the
// protocol server. Neither path blocks.
func (p *pipeline) publish(s correlator.Sample) {
	p.shm.Publish(s)
	p.out.Publish(s)
}

// correlate owns the correlator for the pipeline's lifetime. Decode and
// capture goroutines come and go with the device; this loop keeps state
// transitions moving while the device is down.
func (p *pipeline) correlate(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.fixes:
			p.corr.Fix(f)
		case e := <-p.edges:
			p.corr.Pulse(e)
		case now := <-tick.C:
			p.corr.Tick(now)
		}
	}
}

// runLoop keeps the device streams alive: open, pump until failure, back
// off, reopen.
func (p *pipeline) runLoop(ctx context.Context) {
	backoff := backoffInitial
	for {
		started := time.Now()
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= backoffResetAfter {
			backoff = backoffInitial
		}
		p.restarts.Add(1)
		p.log.Warn().Err(err).Dur("backoff", backoff).Msg("device stream failed, reopening")

		t := time.NewTimer(jittered(backoff))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = nextBackoff(backoff)
	}
}

// runOnce opens the device and pumps both streams until either one fails.
// The first failure tears the whole run down; the survivor is restarted
// alongside the failed stream.
func (p *pipeline) runOnce(ctx context.Context) error {
	port, err := p.openPort()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() { _ = port.Close() })
	defer stop()

	p.log.Info().Str("path", p.cfg.Device).Int("baud", p.cfg.Baud).Msg("receiver opened")

	fail := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		fail <- p.decode(runCtx, port)
	}()

	if p.openPulse != nil {
		src, perr := p.openPulse()
		if perr != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("pulse source: %w", perr)
		}
		p.setSource(src)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail <- p.capture(runCtx, src)
		}()
	}

	err = <-fail
	cancel()
	wg.Wait()
	p.retireSource()
	return err
}

// decode pumps the serial stream through the sentence decoder until the
// stream dies. A clean EOF still ends the run.
func (p *pipeline) decode(ctx context.Context, port io.ReadWriter) error {
	err := p.dec.Run(port, func(f nmea.Fix) {
		select {
		case p.fixes <- f:
		case <-ctx.Done():
		}
	})
	if err == nil {
		err = io.EOF
	}
	return err
}

// capture pumps pulse edges until the source dies or the run is canceled.
func (p *pipeline) capture(ctx context.Context, src pps.Source) error {
	return src.Run(ctx, func(e pps.Edge) {
		select {
		case p.edges <- e:
		case <-ctx.Done():
		}
	})
}

func (p *pipeline) setSource(src pps.Source) {
	p.mu.Lock()
	p.src = src
	p.mu.Unlock()
}

// retireSource folds the finished capture source's counters into the
// running totals so they survive the reopen.
func (p *pipeline) retireSource() {
	p.mu.Lock()
	if p.src != nil {
		addStats(&p.ppsBase, p.src.Stats())
		p.src = nil
	}
	p.mu.Unlock()
}

func (p *pipeline) ppsStats() pps.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.ppsBase
	if p.src != nil {
		addStats(&st, p.src.Stats())
	}
	return st
}

func addStats(dst *pps.Stats, s pps.Stats) {
	dst.Edges += s.Edges
	dst.Gaps += s.Gaps
	dst.Invalid += s.Invalid
	dst.Dropped += s.Dropped
}

func (p *pipeline) health() metrics.DeviceHealth {
	return metrics.DeviceHealth{
		Device:     p.cfg.Name,
		State:      p.corr.State().String(),
		Restarts:   p.restarts.Load(),
		Decoder:    p.dec.Stats(),
		PPS:        p.ppsStats(),
		Correlator: p.corr.Stats(),
		Shm:        p.shm.Stats(),
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * backoffFactor)
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// jittered spreads a delay by the jitter fraction so devices lost to a
// common fault do not all reopen on the same tick.
func jittered(d time.Duration) time.Duration {
	spread := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * spread)
}
