// Package device runs the receiver pipelines. Each configured receiver gets
// a supervised pipeline that decodes sentences, captures pulses, correlates
// the two, and fans time samples out to the refclock segments and the
// protocol server. Pipelines fail and restart independently.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"gpstimed/internal/config"
	"gpstimed/internal/correlator"
	"gpstimed/internal/hub"
	"gpstimed/internal/metrics"
)

// Supervisor owns one pipeline per configured receiver.
type Supervisor struct {
	log   zerolog.Logger
	pipes []*pipeline

	started atomic.Bool
	closed  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds the pipelines and attaches their refclock segments.
// Samples from every pipeline are published to out.
func NewSupervisor(devices []config.Device, out *hub.Hub[correlator.Sample], log zerolog.Logger) (*Supervisor, error) {
	s := &Supervisor{log: log}
	for i := range devices {
		p, err := newPipeline(devices[i], out, log)
		if err != nil {
			s.detach()
			return nil, err
		}
		s.pipes = append(s.pipes, p)
		log.Info().Str("device", devices[i].Name).Str("path", devices[i].Device).
			Msg("registered receiver")
	}
	return s, nil
}

// Start launches every pipeline. The supervisor runs until ctx ends or
// Close is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("supervisor is closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("supervisor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, p := range s.pipes {
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			p.correlate(runCtx)
		}()
		go func() {
			defer s.wg.Done()
			p.runLoop(runCtx)
		}()
	}
	return nil
}

// Close stops every pipeline, waits for their goroutines, and detaches the
// refclock segments. Safe to call more than once.
func (s *Supervisor) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.detach()
}

func (s *Supervisor) detach() {
	for _, p := range s.pipes {
		p.shm.Close()
	}
}

// Health snapshots every pipeline's counters for the metrics collector.
func (s *Supervisor) Health() []metrics.DeviceHealth {
	out := make([]metrics.DeviceHealth, 0, len(s.pipes))
	for _, p := range s.pipes {
		out = append(out, p.health())
	}
	return out
}
