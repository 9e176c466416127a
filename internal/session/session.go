// Package session implements the voicewire connection session: the protocol
// state machine that owns the transport stream and executes the handshake,
// keep-alive, framed audio transfer, and disconnect.
//
// A [Session] moves through Idle → Handshaking → Established → Closing →
// Closed; any state may jump straight to Closed on a fatal I/O error. The
// stream carries text control lines interleaved with binary audio chunks, so
// the session enforces a single-reader discipline: exactly one goroutine may
// read at a time (see [Session.ReadControl] and [Session.ReceiveAudioFrame]).
package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/voicewire/voicewire/internal/protocol"
)

// State is a session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default timeouts applied when the corresponding [Config] field is zero.
const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultPingTimeout      = 3 * time.Second
)

// Config configures a [Session].
type Config struct {
	// Resolver maps the target host to a connectable endpoint.
	// Defaults to a [NetResolver] if nil.
	Resolver Resolver

	// Dialer opens the transport stream. Defaults to a plain [net.Dialer].
	Dialer *net.Dialer

	// HandshakeTimeout bounds the wait for the handshake reply.
	// Defaults to 5s if zero.
	HandshakeTimeout time.Duration

	// PingTimeout bounds the wait for a PONG in [Session.Ping].
	// Defaults to 3s if zero.
	PingTimeout time.Duration
}

// Session owns one transport stream to a single remote peer.
// State transitions are safe for concurrent use; stream reads are not — the
// caller must maintain at most one outstanding read at any time.
type Session struct {
	resolver         Resolver
	dialer           *net.Dialer
	handshakeTimeout time.Duration
	pingTimeout      time.Duration

	mu           sync.Mutex
	state        State
	conn         net.Conn
	r            *protocol.Reader
	w            *protocol.Writer
	lastActivity time.Time
}

// New creates an idle [Session] with the given configuration.
func New(cfg Config) *Session {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &NetResolver{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	return &Session{
		resolver:         resolver,
		dialer:           dialer,
		handshakeTimeout: handshakeTimeout,
		pingTimeout:      pingTimeout,
		state:            StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the most recent successful stream
// operation. Zero before the first one.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RemoteAddr returns the peer address, or "" when not connected.
func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Connect resolves host, opens the transport stream, and performs the
// two-line handshake. It blocks until the peer replies or the stream fails;
// ctx and the handshake timeout both bound the wait.
//
// On any reply other than VOICE_SERVER_READY the partially-opened stream is
// torn down and a [*HandshakeError] is returned.
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return &TransportError{Op: "connect", Err: errAlreadyUsed(state)}
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	addr, err := s.resolver.Resolve(ctx, host, port)
	if err != nil {
		s.setState(StateClosed)
		return &TransportError{Op: "connect", Err: err}
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.setState(StateClosed)
		return &TransportError{Op: "connect", Err: err}
	}

	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	if err := w.WriteLine(protocol.MarkerConnect); err != nil {
		_ = conn.Close()
		s.setState(StateClosed)
		return &TransportError{Op: "connect", Err: err}
	}

	deadline := time.Now().Add(s.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	reply, err := r.ReadLine()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		s.setState(StateClosed)
		return &HandshakeError{Err: err}
	}
	if reply != protocol.MarkerReady {
		_ = conn.Close()
		s.setState(StateClosed)
		return &HandshakeError{Reply: reply}
	}

	s.mu.Lock()
	s.conn = conn
	s.r = r
	s.w = w
	s.state = StateEstablished
	s.lastActivity = time.Now()
	s.mu.Unlock()

	slog.Info("session established", "remote", conn.RemoteAddr().String())
	return nil
}

// SendAudioFrame writes one framed audio payload: the AUDIO_DATA marker
// line, the 4-byte little-endian length prefix, and the payload verbatim.
// Returns a [*SendError] unless the session is Established.
func (s *Session) SendAudioFrame(payload []byte) error {
	s.mu.Lock()
	if s.state != StateEstablished {
		state := s.state
		s.mu.Unlock()
		return &SendError{State: state}
	}
	w := s.w
	s.mu.Unlock()

	if err := w.WriteFrame(payload); err != nil {
		// A rejected payload never reached the stream; only real I/O
		// failures are fatal to the session.
		if errors.Is(err, protocol.ErrFrameSize) {
			return &SendError{State: StateEstablished, Err: err}
		}
		return s.fatal("send", err)
	}
	s.touch()
	return nil
}

// ReadControl reads the next control line. It must only be called by the
// session's single reader; after an AUDIO_DATA line the caller must consume
// the chunk via [Session.ReceiveAudioFrame] before reading further lines.
func (s *Session) ReadControl() (string, error) {
	r := s.reader()
	if r == nil {
		return "", &TransportError{Op: "receive", Err: net.ErrClosed}
	}
	line, err := r.ReadLine()
	if err != nil {
		return "", s.fatal("receive", err)
	}
	s.touch()
	return line, nil
}

// ReceiveAudioFrame reads the 4-byte little-endian length prefix and the
// payload of a frame whose AUDIO_DATA marker has already been consumed.
// Declared lengths of 0 or above 65535 yield (nil, nil): the chunk is
// treated as lost to desync, never as a panic.
func (s *Session) ReceiveAudioFrame() ([]byte, error) {
	r := s.reader()
	if r == nil {
		return nil, &TransportError{Op: "receive", Err: net.ErrClosed}
	}
	payload, err := r.ReadFrame()
	if err != nil {
		return nil, s.fatal("receive", err)
	}
	s.touch()
	return payload, nil
}

// Ping writes PING and blocks for the literal PONG reply, returning the
// elapsed wall-clock duration. Any other reply or stream failure yields a
// [*PingError].
//
// Ping reads the stream directly, so it must not be called while another
// goroutine (such as a receive loop) is reading; once a session has a
// dedicated reader, route pings through it instead (see [Session.SendPing]).
func (s *Session) Ping() (time.Duration, error) {
	s.mu.Lock()
	if s.state != StateEstablished {
		state := s.state
		s.mu.Unlock()
		return 0, &PingError{Err: errNotEstablished(state)}
	}
	conn, r, w := s.conn, s.r, s.w
	s.mu.Unlock()

	start := time.Now()
	if err := w.WriteLine(protocol.MarkerPing); err != nil {
		return 0, &PingError{Err: s.fatal("ping", err)}
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
	reply, err := r.ReadLine()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return 0, &PingError{Err: s.fatal("ping", err)}
	}
	if reply != protocol.MarkerPong {
		return 0, &PingError{Reply: reply}
	}
	s.touch()
	return time.Since(start), nil
}

// SendPing writes a PING without waiting for the reply. Used when a
// dedicated reader goroutine owns the stream and will observe the PONG.
func (s *Session) SendPing() error {
	return s.writeControl(protocol.MarkerPing, "ping")
}

// SendPong answers a peer-initiated PING.
func (s *Session) SendPong() error {
	return s.writeControl(protocol.MarkerPong, "pong")
}

// Disconnect performs the best-effort teardown: it writes
// VOICE_CLIENT_DISCONNECT, then unconditionally closes the read side, the
// write side, and the socket in that order. Every close error is logged and
// never propagated; teardown always completes. Safe to call any number of
// times.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = StateClosing
	conn := s.conn
	w := s.w
	s.conn = nil
	s.r = nil
	s.w = nil
	s.mu.Unlock()

	if conn != nil {
		if prev == StateEstablished && w != nil {
			if err := w.WriteLine(protocol.MarkerDisconnect); err != nil {
				logTeardown(&DisconnectError{Step: "notify", Err: err})
			}
		}

		// The read and write halves close independently on TCP; a plain
		// Close covers transports that cannot split the two.
		if tc, ok := conn.(*net.TCPConn); ok {
			if err := tc.CloseRead(); err != nil {
				logTeardown(&DisconnectError{Step: "close-read", Err: err})
			}
			if err := tc.CloseWrite(); err != nil {
				logTeardown(&DisconnectError{Step: "close-write", Err: err})
			}
		}
		if err := conn.Close(); err != nil {
			logTeardown(&DisconnectError{Step: "close-socket", Err: err})
		}
	}

	s.setState(StateClosed)
	slog.Info("session closed")
	return nil
}

// writeControl writes one control line while Established.
func (s *Session) writeControl(marker, op string) error {
	s.mu.Lock()
	if s.state != StateEstablished {
		state := s.state
		s.mu.Unlock()
		return &TransportError{Op: op, Err: errNotEstablished(state)}
	}
	w := s.w
	s.mu.Unlock()

	if err := w.WriteLine(marker); err != nil {
		return s.fatal(op, err)
	}
	s.touch()
	return nil
}

// reader returns the protocol reader, or nil when the stream is gone.
func (s *Session) reader() *protocol.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r
}

// fatal records a fatal stream failure: the session jumps to Closed, the
// socket is released, and a [*TransportError] is returned.
func (s *Session) fatal(op string, err error) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.r = nil
	s.w = nil
	alreadyClosed := s.state == StateClosed || s.state == StateClosing
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if !alreadyClosed {
		slog.Warn("session stream failure", "op", op, "err", err)
	}
	return &TransportError{Op: op, Err: err}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func logTeardown(err *DisconnectError) {
	slog.Warn("session teardown", "step", err.Step, "err", err.Err)
}

type stateError struct {
	msg string
}

func (e *stateError) Error() string { return e.msg }

func errAlreadyUsed(state State) error {
	return &stateError{msg: "session already used (state " + state.String() + ")"}
}

func errNotEstablished(state State) error {
	return &stateError{msg: "session not established (state " + state.String() + ")"}
}
