package device

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"gpstimed/internal/config"
	"gpstimed/internal/correlator"
	"gpstimed/internal/hub"
	"gpstimed/internal/pps"
)

// fixEpoch is the fix time carried by the RMC frames below.
var fixEpoch = time.Date(2026, 1, 15, 17, 0, 0, 0, time.UTC)

func nmeaFrame(payload string) string {
	var c byte
	for i := 0; i < len(payload); i++ {
		c ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, c)
}

func rmcAt(sec int) string {
	return nmeaFrame(fmt.Sprintf(
		"GNRMC,1700%02d.00,A,5231.20,N,01324.50,E,0.1,90.0,150126,,,A", sec))
}

// fakePort replays scripted bytes. With hold set it blocks at end of data
// until closed, like a live but quiet line; otherwise it reports EOF.
type fakePort struct {
	data io.Reader
	done chan struct{}
	once sync.Once
	hold bool
}

func newFakePort(frames string, hold bool) *fakePort {
	return &fakePort{data: strings.NewReader(frames), done: make(chan struct{}), hold: hold}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	n, err := p.data.Read(b)
	if err == io.EOF && p.hold {
		<-p.done
		return 0, io.ErrClosedPipe
	}
	return n, err
}

func (p *fakePort) Write(b []byte) (int, error) { return len(b), nil }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// fakeSource emits its scripted edges once, then idles until canceled.
type fakeSource struct {
	edges []pps.Edge
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Stats() pps.Stats { return pps.Stats{Edges: uint64(len(s.edges))} }

func (s *fakeSource) Run(ctx context.Context, emit func(pps.Edge)) error {
	for _, e := range s.edges {
		emit(e)
	}
	<-ctx.Done()
	return ctx.Err()
}

func testDevice(name string) config.Device {
	return config.Device{
		Name:    name,
		Device:  "/dev/tty" + name,
		Dialect: "generic",
		Baud:    38400,
	}
}

func startSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
}

func recvSample(t *testing.T, sub *hub.Subscriber[correlator.Sample]) correlator.Sample {
	t.Helper()
	select {
	case s, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed while waiting for sample")
		}
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("no sample from pipeline")
	}
	return correlator.Sample{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelinePublishesReceipts(t *testing.T) {
	h := hub.New[correlator.Sample]()
	defer h.Close()
	sub := h.Subscribe(16)

	s, err := NewSupervisor([]config.Device{testDevice("GPS0")}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	s.pipes[0].openPort = func() (io.ReadWriteCloser, error) {
		return newFakePort(rmcAt(0), true), nil
	}
	startSupervisor(t, s)

	got := recvSample(t, sub)
	if got.Class != correlator.ClassReceipt || got.Device != "GPS0" {
		t.Fatalf("sample=%+v", got)
	}
	if !got.Real.Equal(fixEpoch) {
		t.Fatalf("real=%v want %v", got.Real, fixEpoch)
	}

	health := s.Health()
	if len(health) != 1 || health[0].Device != "GPS0" {
		t.Fatalf("health=%+v", health)
	}
	if health[0].Decoder.Fixes != 1 {
		t.Fatalf("fixes=%d want 1", health[0].Decoder.Fixes)
	}
	waitFor(t, "acquiring state", func() bool {
		return s.Health()[0].State == "acquiring"
	})
}

func TestPipelineRestartsAfterStreamLoss(t *testing.T) {
	h := hub.New[correlator.Sample]()
	defer h.Close()
	sub := h.Subscribe(16)

	s, err := NewSupervisor([]config.Device{testDevice("GPS0")}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	var opens atomic.Int32
	s.pipes[0].openPort = func() (io.ReadWriteCloser, error) {
		if opens.Add(1) == 1 {
			return newFakePort(rmcAt(0), false), nil
		}
		return newFakePort(rmcAt(1), true), nil
	}
	startSupervisor(t, s)

	first := recvSample(t, sub)
	if !first.Real.Equal(fixEpoch) {
		t.Fatalf("first sample real=%v", first.Real)
	}
	second := recvSample(t, sub)
	if !second.Real.Equal(fixEpoch.Add(time.Second)) {
		t.Fatalf("second sample real=%v", second.Real)
	}

	if got := s.Health()[0].Restarts; got == 0 {
		t.Fatalf("restarts=0 after stream loss")
	}
	if got := s.Health()[0].Decoder.Fixes; got != 2 {
		t.Fatalf("fixes=%d want 2, decoder should survive the reopen", got)
	}
}

func TestPipelinePairsPulseWithFix(t *testing.T) {
	h := hub.New[correlator.Sample]()
	defer h.Close()
	sub := h.Subscribe(16)

	dev := testDevice("GPS0")
	dev.PPS = &config.PPS{Device: "/dev/pps0"}
	s, err := NewSupervisor([]config.Device{dev}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	s.pipes[0].openPort = func() (io.ReadWriteCloser, error) {
		return newFakePort(rmcAt(0), true), nil
	}
	s.pipes[0].openPulse = func() (pps.Source, error) {
		return &fakeSource{edges: []pps.Edge{{
			Sequence: 1,
			Assert:   fixEpoch.Add(5 * time.Microsecond),
			Received: time.Now(),
		}}}, nil
	}
	startSupervisor(t, s)

	receipt := recvSample(t, sub)
	if receipt.Class != correlator.ClassReceipt {
		t.Fatalf("first sample class=%v want receipt", receipt.Class)
	}
	pulse := recvSample(t, sub)
	if pulse.Class != correlator.ClassPulse {
		t.Fatalf("second sample class=%v want pulse", pulse.Class)
	}
	if !pulse.Real.Equal(fixEpoch) || !pulse.Clock.Equal(fixEpoch.Add(5*time.Microsecond)) {
		t.Fatalf("pulse real=%v clock=%v", pulse.Real, pulse.Clock)
	}

	health := s.Health()[0]
	if health.Correlator.Pairs != 1 {
		t.Fatalf("pairs=%d want 1", health.Correlator.Pairs)
	}
	if health.PPS.Edges != 1 {
		t.Fatalf("edges=%d want 1", health.PPS.Edges)
	}
	waitFor(t, "synced state", func() bool {
		return s.Health()[0].State == "synced"
	})
}

func TestOpenFailureBacksOffAndRetries(t *testing.T) {
	h := hub.New[correlator.Sample]()
	defer h.Close()

	s, err := NewSupervisor([]config.Device{testDevice("GPS0")}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	var opens atomic.Int32
	s.pipes[0].openPort = func() (io.ReadWriteCloser, error) {
		opens.Add(1)
		return nil, fmt.Errorf("no such device")
	}
	startSupervisor(t, s)

	waitFor(t, "repeated open attempts", func() bool { return opens.Load() >= 3 })
	if got := s.Health()[0].Restarts; got < 2 {
		t.Fatalf("restarts=%d want >= 2", got)
	}
}

func TestPipelineFailureLeavesSiblingRunning(t *testing.T) {
	h := hub.New[correlator.Sample]()
	defer h.Close()
	sub := h.Subscribe(16)

	s, err := NewSupervisor([]config.Device{testDevice("GPS0"), testDevice("GPS1")}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	s.pipes[0].openPort = func() (io.ReadWriteCloser, error) {
		return nil, fmt.Errorf("no such device")
	}
	s.pipes[1].openPort = func() (io.ReadWriteCloser, error) {
		return newFakePort(rmcAt(0), true), nil
	}
	startSupervisor(t, s)

	got := recvSample(t, sub)
	if got.Device != "GPS1" {
		t.Fatalf("sample device=%q want GPS1", got.Device)
	}
	waitFor(t, "failing pipeline retries", func() bool {
		return s.Health()[0].Restarts > 0
	})
}

func TestSupervisorLifecycle(t *testing.T) {
	h := hub.New[correlator.Sample]()
	defer h.Close()

	s, err := NewSupervisor([]config.Device{testDevice("GPS0")}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	s.pipes[0].openPort = func() (io.ReadWriteCloser, error) {
		return nil, fmt.Errorf("no such device")
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatalf("second Start() succeeded")
	}
	s.Close()
	s.Close()
	if err := s.Start(ctx); err == nil {
		t.Fatalf("Start() after Close succeeded")
	}
}

func TestSupervisorCloseWithoutStart(t *testing.T) {
	h := hub.New[correlator.Sample]()
	defer h.Close()

	s, err := NewSupervisor([]config.Device{testDevice("GPS0")}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	s.Close()
}

func TestBuildMode(t *testing.T) {
	cases := []struct {
		framing string
		data    int
		parity  serial.Parity
		stop    serial.StopBits
	}{
		{"8N1", 8, serial.NoParity, serial.OneStopBit},
		{"7E2", 7, serial.EvenParity, serial.TwoStopBits},
		{"8O1", 8, serial.OddParity, serial.OneStopBit},
	}
	for _, tc := range cases {
		mode, err := buildMode(4800, tc.framing)
		if err != nil {
			t.Fatalf("buildMode(%q) error: %v", tc.framing, err)
		}
		if mode.BaudRate != 4800 || mode.DataBits != tc.data ||
			mode.Parity != tc.parity || mode.StopBits != tc.stop {
			t.Fatalf("buildMode(%q) = %+v", tc.framing, mode)
		}
	}

	for _, bad := range []string{"", "8N", "8X1", "8N3"} {
		if _, err := buildMode(4800, bad); err == nil {
			t.Fatalf("buildMode(%q) succeeded", bad)
		}
	}
}

func TestBackoffLadder(t *testing.T) {
	if got := nextBackoff(backoffInitial); got != 75*time.Millisecond {
		t.Fatalf("nextBackoff(initial)=%v", got)
	}
	if got := nextBackoff(backoffMax); got != backoffMax {
		t.Fatalf("nextBackoff(max)=%v, cap not applied", got)
	}
	for i := 0; i < 100; i++ {
		if d := jittered(time.Second); d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jittered(1s)=%v outside the jitter band", d)
		}
	}
}

type idlePort struct{}

func (idlePort) Read([]byte) (int, error)    { return 0, nil }
func (idlePort) Write(b []byte) (int, error) { return len(b), nil }
func (idlePort) Close() error                { return nil }

func TestStreamFailsOnSilence(t *testing.T) {
	s := &stream{port: idlePort{}, silence: 20 * time.Millisecond, last: time.Now()}
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err == nil || n != 0 {
		t.Fatalf("Read() = %d, %v; want silence error", n, err)
	}
}
