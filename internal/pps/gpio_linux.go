//go:build linux

package pps

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/warthog618/go-gpiocdev"
)

// gpioSource turns rising edges on a GPIO line into pulse edges. It covers
// boards where the pulse pin has no pps-gpio overlay bound to it.
type gpioSource struct {
	chip    string
	offset  int
	log     zerolog.Logger
	tracker seqTracker
	dropped atomic.Uint64
}

func newGPIOSource(chip string, offset int, log zerolog.Logger) (Source, error) {
	if offset < 0 {
		return nil, fmt.Errorf("gpio line offset %d out of range", offset)
	}
	return &gpioSource{chip: chip, offset: offset, log: log}, nil
}

func (s *gpioSource) Name() string { return fmt.Sprintf("%s:%d", s.chip, s.offset) }

func (s *gpioSource) Stats() Stats {
	return Stats{
		Edges:   s.tracker.edges.Load(),
		Gaps:    s.tracker.gaps.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *gpioSource) Run(ctx context.Context, emit func(Edge)) error {
	events := make(chan gpiocdev.LineEvent, 8)
	line, err := gpiocdev.RequestLine(s.chip, s.offset,
		gpiocdev.WithConsumer("gpstimed"),
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithRealtimeEventClock,
		gpiocdev.WithEventHandler(func(ev gpiocdev.LineEvent) {
			select {
			case events <- ev:
			default:
				s.dropped.Add(1)
			}
		}))
	if err != nil {
		return fmt.Errorf("request %s line %d: %w", s.chip, s.offset, err)
	}
	defer line.Close()

	s.log.Info().Str("device", s.Name()).Msg("watching GPIO rising edges")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Type != gpiocdev.LineEventRisingEdge {
				continue
			}
			missed, dup := s.tracker.observe(ev.LineSeqno)
			if dup {
				continue
			}
			if missed > 0 {
				s.log.Debug().Str("device", s.Name()).Uint32("missed", missed).
					Msg("pulse sequence gap")
			}
			emit(Edge{
				Sequence: ev.LineSeqno,
				Assert:   time.Unix(0, int64(ev.Timestamp)),
				Received: time.Now(),
			})
		}
	}
}
