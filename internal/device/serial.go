package device

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"gpstimed/internal/config"
)

// silenceMultiple scales the configured read timeout into the longest a
// receiver may stay quiet before its stream is declared dead.
const silenceMultiple = 5

// stream adapts an open serial port for the decoder. Reads watch for
// prolonged silence; writes pass through for the dialect handshake.
type stream struct {
	port    io.ReadWriteCloser
	silence time.Duration
	last    time.Time
}

// openStream opens and configures the receiver's serial port. Reads time
// out per the device configuration so a line that goes dead surfaces as an
// error instead of blocking the pipeline forever.
func openStream(cfg config.Device) (*stream, error) {
	mode, err := buildMode(cfg.Baud, cfg.Framing)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("read timeout on %s: %w", cfg.Device, err)
	}
	if err := setFlowControl(cfg.Device, cfg.FlowControl); err != nil {
		port.Close()
		return nil, fmt.Errorf("flow control on %s: %w", cfg.Device, err)
	}

	return &stream{
		port:    port,
		silence: silenceMultiple * cfg.ReadTimeout,
		last:    time.Now(),
	}, nil
}

// buildMode translates a baud rate and an "8N1" style framing word into a
// port mode.
func buildMode(baud int, framing string) (*serial.Mode, error) {
	if len(framing) != 3 {
		return nil, fmt.Errorf("framing %q is not of the form 8N1", framing)
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: int(framing[0] - '0'),
	}
	switch framing[1] {
	case 'N':
		mode.Parity = serial.NoParity
	case 'E':
		mode.Parity = serial.EvenParity
	case 'O':
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("parity %q unknown", framing[1:2])
	}
	switch framing[2] {
	case '1':
		mode.StopBits = serial.OneStopBit
	case '2':
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("stop bits %q unknown", framing[2:3])
	}
	return mode, nil
}

// Read passes through port reads. The port returns empty reads on timeout;
// enough of them without a byte of progress end the stream.
func (s *stream) Read(p []byte) (int, error) {
	for {
		n, err := s.port.Read(p)
		if n > 0 || err != nil {
			s.last = time.Now()
			return n, err
		}
		if idle := time.Since(s.last); idle >= s.silence {
			return 0, fmt.Errorf("no bytes from receiver in %s", idle.Round(time.Second))
		}
	}
}

func (s *stream) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *stream) Close() error {
	return s.port.Close()
}
