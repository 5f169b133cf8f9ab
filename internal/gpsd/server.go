package gpsd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"gpstimed/internal/correlator"
	"gpstimed/internal/hub"
)

// DeviceInfo describes one configured device for DEVICES replies. Watch
// device filters match either the name or the path.
type DeviceInfo struct {
	Name     string
	Path     string
	Baud     int
	Parity   string
	Stopbits string
}

// Config holds the listener endpoints and the device inventory.
type Config struct {
	Binds   []string
	Port    int
	Devices []DeviceInfo
}

// Stats is a snapshot of server activity.
type Stats struct {
	ActiveSessions int64
	Accepted       uint64
	BadCommands    uint64
	SamplesDropped uint64
}

// Server accepts clients and streams correlated time samples to the ones
// whose watch asks for them. Sessions are fully independent; one stalled or
// misbehaving client never affects another.
type Server struct {
	cfg Config
	log zerolog.Logger
	hub *hub.Hub[correlator.Sample]

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}

	wg          sync.WaitGroup
	active      atomic.Int64
	accepted    atomic.Uint64
	badCommands atomic.Uint64
}

// New returns a server reading samples from h. Call Listen before Serve.
func New(cfg Config, h *hub.Hub[correlator.Sample], log zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		log:   log,
		hub:   h,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds every configured address. Any single bind failing is fatal
// and closes the rest.
func (s *Server) Listen() error {
	for _, bind := range s.cfg.Binds {
		addr := net.JoinHostPort(bind, strconv.Itoa(s.cfg.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("gpsd listener: %w", err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("gpsd listening")
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

// Serve accepts clients until ctx is canceled, then closes the listeners
// and every live session and waits for them to drain.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listeners := make([]net.Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, ln := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(ln)
	}

	<-ctx.Done()
	s.closeListeners()
	s.closeSessions()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.accepted.Add(1)
	s.active.Add(1)

	log := s.log.With().Str("client", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("client connected")

	sess := newSession(s, conn, log)
	sess.run()

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.active.Add(-1)
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// deviceMatches reports whether a watch filter names the device carrying
// the sample, by configured name or by path.
func (s *Server) deviceMatches(filter, device string) bool {
	if filter == device {
		return true
	}
	for _, d := range s.cfg.Devices {
		if d.Name == device {
			return d.Path == filter
		}
	}
	return false
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveSessions: s.active.Load(),
		Accepted:       s.accepted.Load(),
		BadCommands:    s.badCommands.Load(),
		SamplesDropped: s.hub.Dropped(),
	}
}
