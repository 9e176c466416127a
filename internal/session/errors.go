package session

import "fmt"

// HandshakeError reports a missing or unexpected reply to the connect
// handshake. The partially-opened stream has already been torn down when
// this error is returned.
type HandshakeError struct {
	// Reply is the line the peer actually sent, empty when none arrived.
	Reply string

	// Err is the underlying stream error, if any.
	Err error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %v", e.Err)
	}
	return fmt.Sprintf("handshake failed: peer replied %q, want %q", e.Reply, "VOICE_SERVER_READY")
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError reports an I/O failure on the session stream. The session
// transitions to Closed when one occurs.
type TransportError struct {
	// Op names the operation that failed: "connect", "send", "receive", "ping".
	Op string

	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendError reports an audio frame that could not be sent: either the
// session was outside the Established state, or the payload itself was
// rejected before touching the stream. The session stays usable.
type SendError struct {
	// State is the session state at the time of the attempt.
	State State

	// Err is the payload validation failure, nil for state errors.
	Err error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot send audio frame: %v", e.Err)
	}
	return fmt.Sprintf("cannot send audio frame in state %s", e.State)
}

func (e *SendError) Unwrap() error { return e.Err }

// PingError reports a keep-alive probe that received something other than
// the expected PONG, or failed on the stream.
type PingError struct {
	// Reply is the unexpected line received, empty on I/O failure.
	Reply string

	Err error
}

func (e *PingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ping failed: %v", e.Err)
	}
	return fmt.Sprintf("ping failed: peer replied %q, want %q", e.Reply, "PONG")
}

func (e *PingError) Unwrap() error { return e.Err }

// DisconnectError aggregates failures observed during teardown. It is never
// returned to callers: Disconnect logs it and always completes. The type
// exists so teardown reports carry structure in logs.
type DisconnectError struct {
	// Step names the release step that failed: "notify", "close-read",
	// "close-write", "close-socket".
	Step string

	Err error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnect step %s: %v", e.Step, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }
