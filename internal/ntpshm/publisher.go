package ntpshm

import (
	"github.com/rs/zerolog"

	"gpstimed/internal/correlator"
)

// Units names the refclock units one device publishes to. A nil pointer
// leaves that sample class unpublished.
type Units struct {
	Receipt *int
	Pulse   *int
}

// Publisher routes a device's time samples to its refclock units.
type Publisher struct {
	log     zerolog.Logger
	receipt *Clock
	pulse   *Clock
}

// PublisherStats reports cumulative writes per sample class.
type PublisherStats struct {
	ReceiptWrites uint64
	PulseWrites   uint64
}

// NewPublisher attaches the configured units. A unit that cannot attach is
// reported once and disabled; the rest keep publishing. A Publisher with no
// units is valid and publishes nothing.
func NewPublisher(units Units, log zerolog.Logger) *Publisher {
	return &Publisher{
		log:     log,
		receipt: attachUnit(units.Receipt, "receipt", log),
		pulse:   attachUnit(units.Pulse, "pulse", log),
	}
}

func attachUnit(unit *int, class string, log zerolog.Logger) *Clock {
	if unit == nil {
		return nil
	}
	c, err := Attach(*unit)
	if err != nil {
		log.Error().Err(err).Int("unit", *unit).Str("class", class).
			Msg("ntp shm attach failed, unit disabled")
		return nil
	}
	log.Info().Int("unit", c.Unit()).Str("class", class).Msg("attached to ntp shm")
	return c
}

// Publish writes one sample to the unit serving its class, if any.
func (p *Publisher) Publish(s correlator.Sample) {
	var c *Clock
	switch s.Class {
	case correlator.ClassReceipt:
		c = p.receipt
	case correlator.ClassPulse:
		c = p.pulse
	}
	if c == nil {
		return
	}
	c.Update(s.Real, s.Clock, s.Precision, s.Leap)
}

// Stats returns the write counters.
func (p *Publisher) Stats() PublisherStats {
	var st PublisherStats
	if p.receipt != nil {
		st.ReceiptWrites = p.receipt.Writes()
	}
	if p.pulse != nil {
		st.PulseWrites = p.pulse.Writes()
	}
	return st
}

// Close detaches all units.
func (p *Publisher) Close() {
	if p.receipt != nil {
		_ = p.receipt.Close()
		p.receipt = nil
	}
	if p.pulse != nil {
		_ = p.pulse.Close()
		p.pulse = nil
	}
}
