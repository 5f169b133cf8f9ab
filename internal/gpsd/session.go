package gpsd

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpstimed/internal/correlator"
	"gpstimed/internal/hub"
)

// subscriberBuffer sizes the per-session sample queue. At two reports per
// device per second this rides out several seconds of a stalled client
// before samples are dropped.
const subscriberBuffer = 32

// writeTimeout bounds one message write. A client that stops reading loses
// its session instead of holding it open.
const writeTimeout = 10 * time.Second

// session is one connected client. The read loop parses commands and queues
// replies; the write loop drains replies and the sample subscription onto
// the socket. Either loop failing closes the connection and ends both.
type session struct {
	srv  *Server
	conn net.Conn
	log  zerolog.Logger
	sub  *hub.Subscriber[correlator.Sample]

	replies chan any

	mu    sync.Mutex
	watch watchMsg
}

func newSession(srv *Server, conn net.Conn, log zerolog.Logger) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		log:     log,
		sub:     srv.hub.Subscribe(subscriberBuffer),
		replies: make(chan any, 5),
	}
}

func (s *session) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop()
	}()

	s.readLoop()
	s.sub.Cancel()
	close(s.replies)
	<-done
	_ = s.conn.Close()
	s.log.Info().Msg("client disconnected")
}

func (s *session) readLoop() {
	r := bufio.NewReaderSize(s.conn, maxLine)
	for {
		line, err := readLine(r)
		if errors.Is(err, errLineTooLong) {
			s.srv.badCommands.Add(1)
			s.replies <- newError("command line too long")
			continue
		}
		if err != nil {
			return
		}
		s.replies <- s.handle(line)
	}
}

// readLine returns the next newline-terminated line. Input exceeding the
// reader's buffer is discarded through its newline and reported as too long.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err == nil {
		return string(line), nil
	}
	if !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = r.ReadSlice('\n')
	}
	if err != nil {
		return "", err
	}
	return "", errLineTooLong
}

func (s *session) handle(line string) any {
	name, body, err := splitCommand(line)
	if err != nil {
		s.srv.badCommands.Add(1)
		return newError(err.Error())
	}

	switch name {
	case "VERSION":
		return newVersion()
	case "DEVICES":
		return newDevices(s.srv.cfg.Devices)
	case "POLL":
		return newPoll()
	case "WATCH":
		return s.handleWatch(body)
	default:
		s.srv.badCommands.Add(1)
		return newError(errUnrecognized.Error())
	}
}

func (s *session) handleWatch(body string) any {
	var upd watchMsg
	if body != "" {
		if err := json.Unmarshal([]byte(body), &upd); err != nil {
			s.srv.badCommands.Add(1)
			return newError("malformed watch")
		}
	}

	s.mu.Lock()
	s.watch.merge(upd)
	ack := s.watch
	s.mu.Unlock()

	ack.Class = "WATCH"
	return ack
}

// wants reports whether the session's negotiated watch covers this sample.
func (s *session) wants(sample correlator.Sample) bool {
	s.mu.Lock()
	w := s.watch
	s.mu.Unlock()

	if !flag(w.Enable) {
		return false
	}
	if w.Device != nil && !s.srv.deviceMatches(*w.Device, sample.Device) {
		return false
	}
	if sample.Class == correlator.ClassPulse {
		return flag(w.PPS)
	}
	return flag(w.JSON)
}

func (s *session) writeLoop() {
	// On any exit, close the connection so the read loop's pending read
	// fails, and drain replies so a read loop blocked mid-send gets free to
	// notice. The drain ends when the read loop closes the channel.
	defer func() {
		_ = s.conn.Close()
		for range s.replies {
		}
	}()

	enc := json.NewEncoder(s.conn)
	write := func(v any) error {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return enc.Encode(v)
	}
	for {
		select {
		case v, ok := <-s.replies:
			if !ok {
				return
			}
			if err := write(v); err != nil {
				s.log.Debug().Err(err).Msg("client write failed")
				return
			}
		case sample, ok := <-s.sub.C():
			if !ok {
				return
			}
			if !s.wants(sample) {
				continue
			}
			if err := write(newReport(sample)); err != nil {
				s.log.Debug().Err(err).Msg("client write failed")
				return
			}
		}
	}
}
