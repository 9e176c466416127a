// Package peer implements the server side of the voicewire wire protocol:
// it accepts a client handshake, answers keep-alive probes, relays or echoes
// framed audio, and drops the connection on the disconnect marker.
//
// The package backs the -serve debug mode of the voicewire command and the
// end-to-end tests. It is deliberately small: one goroutine per connection,
// no session state beyond the stream itself.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/voicewire/voicewire/internal/protocol"
)

// Config configures a [Server].
type Config struct {
	// Echo makes the server send every received audio frame back to the
	// client. When false, frames are read and discarded.
	Echo bool
}

// Server accepts voicewire clients on a TCP listener.
// All exported methods are safe for concurrent use.
type Server struct {
	echo bool

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// New creates a [Server] with the given configuration.
func New(cfg Config) *Server {
	return &Server{
		echo:  cfg.Echo,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the server to addr (e.g. ":8080"). Use ":0" in tests for an
// ephemeral port and read it back via [Server.Addr].
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("peer: listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("peer listening", "addr", ln.Addr().String(), "echo", s.echo)
	return nil
}

// Addr returns the bound listener address, or "" before [Server.Listen].
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until the listener is closed. It returns nil
// after [Server.Close] and the accept error otherwise.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("peer: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return fmt.Errorf("peer: accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close shuts the listener, drops every live connection, and waits for the
// connection goroutines to finish. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) remove(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handle runs the protocol for one client connection.
func (s *Server) handle(conn net.Conn) {
	defer s.remove(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	// Handshake: exactly one VOICE_CLIENT_CONNECT line, answered with
	// VOICE_SERVER_READY. Anything else drops the connection.
	first, err := r.ReadLine()
	if err != nil {
		slog.Debug("peer: handshake read failed", "remote", remote, "err", err)
		return
	}
	if first != protocol.MarkerConnect {
		slog.Warn("peer: unexpected handshake line, dropping", "remote", remote, "line", first)
		return
	}
	if err := w.WriteLine(protocol.MarkerReady); err != nil {
		slog.Warn("peer: handshake reply failed", "remote", remote, "err", err)
		return
	}
	slog.Info("peer: client connected", "remote", remote)

	for {
		line, err := r.ReadLine()
		if err != nil {
			slog.Debug("peer: client gone", "remote", remote, "err", err)
			return
		}

		switch line {
		case protocol.MarkerPing:
			// PING is an active request: always answer.
			if err := w.WriteLine(protocol.MarkerPong); err != nil {
				slog.Warn("peer: pong write failed", "remote", remote, "err", err)
				return
			}

		case protocol.MarkerAudio:
			payload, err := r.ReadFrame()
			if err != nil {
				slog.Warn("peer: frame read failed", "remote", remote, "err", err)
				return
			}
			if payload == nil {
				slog.Warn("peer: dropped malformed frame", "remote", remote)
				continue
			}
			if s.echo {
				if err := w.WriteFrame(payload); err != nil {
					slog.Warn("peer: echo write failed", "remote", remote, "err", err)
					return
				}
			}

		case protocol.MarkerDisconnect:
			// Immediate drop signal.
			slog.Info("peer: client disconnected", "remote", remote)
			return

		default:
			slog.Debug("peer: ignoring unknown line", "remote", remote, "line", line)
		}
	}
}
