// Package protocol implements the voicewire wire format: a line-oriented
// control plane interleaved with length-prefixed binary audio chunks on a
// single duplex byte stream.
//
// Control messages are UTF-8 lines terminated by '\n'. An audio transfer is
// the [MarkerAudio] line followed by a 4-byte little-endian unsigned length
// and exactly that many raw PCM bytes. Because text and binary share one
// stream and are distinguished only by the preceding marker, [Reader] models
// the boundary as an explicit state machine: it is either expecting a control
// line or expecting N binary bytes, never guessing.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Control-plane markers exchanged between client and peer.
const (
	// MarkerConnect opens the handshake (client → server).
	MarkerConnect = "VOICE_CLIENT_CONNECT"

	// MarkerReady accepts the handshake (server → client).
	MarkerReady = "VOICE_SERVER_READY"

	// MarkerPing requests a liveness reply from the remote side.
	MarkerPing = "PING"

	// MarkerPong answers a [MarkerPing].
	MarkerPong = "PONG"

	// MarkerAudio announces a length-prefixed binary audio chunk.
	MarkerAudio = "AUDIO_DATA"

	// MarkerDisconnect signals an immediate, final drop (client → server).
	MarkerDisconnect = "VOICE_CLIENT_DISCONNECT"
)

const (
	// MinFrameLen and MaxFrameLen bound the declared length of an audio
	// frame. Anything outside this range is treated as stream desync.
	MinFrameLen = 1
	MaxFrameLen = 65535

	// lengthSize is the size of the little-endian length prefix.
	lengthSize = 4

	// maxLineLen caps control lines so a binary chunk misread as text
	// cannot grow a line without bound.
	maxLineLen = 256
)

// DefaultPort is the well-known voicewire port.
const DefaultPort = 8080

// Reader modes. The reader refuses line reads while binary bytes are
// pending and refuses frame reads while a control line is expected.
type mode int

const (
	modeControl mode = iota
	modeBinary
)

var (
	// ErrBinaryPending is returned by [Reader.ReadLine] when the previous
	// control line announced an audio chunk that has not been consumed yet.
	ErrBinaryPending = errors.New("protocol: binary audio bytes pending, read the frame first")

	// ErrControlPending is returned by [Reader.ReadFrame] when no audio
	// marker line has been consumed.
	ErrControlPending = errors.New("protocol: expecting a control line, not binary data")

	// ErrFrameSize is returned by [Writer.WriteFrame] for payload lengths
	// outside [MinFrameLen, MaxFrameLen]. Nothing has been written when it
	// is returned; the stream is untouched.
	ErrFrameSize = errors.New("protocol: frame length outside allowed range")
)

// EncodeLength encodes n as the 4-byte little-endian frame length prefix.
func EncodeLength(n uint32) []byte {
	buf := make([]byte, lengthSize)
	binary.LittleEndian.PutUint32(buf, n)
	return buf
}

// DecodeLength decodes the 4-byte little-endian frame length prefix.
func DecodeLength(buf []byte) (uint32, error) {
	if len(buf) < lengthSize {
		return 0, fmt.Errorf("protocol: length prefix too short: %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Writer serialises control lines and audio frames onto a stream.
// Each message is flushed as a unit. Safe for concurrent use; concurrent
// writers are serialised so a frame can never interleave with a line.
type Writer struct {
	mu sync.Mutex
	bw *bufio.Writer
}

// NewWriter wraps w in a buffered protocol writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteLine writes one control line (marker + '\n') and flushes.
func (w *Writer) WriteLine(marker string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.bw.WriteString(marker); err != nil {
		return fmt.Errorf("protocol: write line %q: %w", marker, err)
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("protocol: write line %q: %w", marker, err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("protocol: flush line %q: %w", marker, err)
	}
	return nil
}

// WriteFrame writes the [MarkerAudio] line, the 4-byte little-endian length
// prefix, and the payload verbatim, then flushes. The payload length must be
// within [MinFrameLen, MaxFrameLen].
func (w *Writer) WriteFrame(payload []byte) error {
	if len(payload) < MinFrameLen || len(payload) > MaxFrameLen {
		return fmt.Errorf("%w: %d not in [%d, %d]",
			ErrFrameSize, len(payload), MinFrameLen, MaxFrameLen)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.bw.WriteString(MarkerAudio); err != nil {
		return fmt.Errorf("protocol: write audio marker: %w", err)
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("protocol: write audio marker: %w", err)
	}
	if _, err := w.bw.Write(EncodeLength(uint32(len(payload)))); err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("protocol: flush frame: %w", err)
	}
	return nil
}

// Reader deserialises the shared stream. It tracks whether the next bytes
// are a control line or a pending binary chunk, so binary audio can never be
// misparsed as text.
//
// Not safe for concurrent use: the stream has exactly one reader at a time.
type Reader struct {
	br   *bufio.Reader
	mode mode
}

// NewReader wraps r in a buffered protocol reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine reads one control line, stripped of its terminator. When the line
// equals [MarkerAudio] the reader switches to binary mode and the caller must
// consume the chunk with [Reader.ReadFrame] before reading further lines.
func (r *Reader) ReadLine() (string, error) {
	if r.mode == modeBinary {
		return "", ErrBinaryPending
	}

	// Byte-wise so an unterminated line fails at the cap instead of
	// buffering an arbitrary amount from a desynced or hostile peer.
	var sb strings.Builder
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if sb.Len() > 0 && errors.Is(err, io.EOF) {
				// Partial line at EOF: surface the bytes with the
				// error so the caller can log what was cut off.
				return strings.TrimRight(sb.String(), "\r"), err
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		if sb.Len() >= maxLineLen {
			return "", fmt.Errorf("protocol: control line exceeds %d bytes", maxLineLen)
		}
		sb.WriteByte(b)
	}

	line := strings.TrimRight(sb.String(), "\r")
	if line == MarkerAudio {
		r.mode = modeBinary
	}
	return line, nil
}

// ReadFrame reads the 4-byte little-endian length prefix and then exactly
// that many payload bytes, returning the reader to control mode.
//
// A declared length of 0 or above [MaxFrameLen] is treated as "no data"
// rather than an error: the chunk is assumed lost to desync and the reader
// resyncs to control mode with a nil payload. I/O failures are returned.
func (r *Reader) ReadFrame() ([]byte, error) {
	if r.mode != modeBinary {
		return nil, ErrControlPending
	}

	prefix := make([]byte, lengthSize)
	if _, err := io.ReadFull(r.br, prefix); err != nil {
		return nil, fmt.Errorf("protocol: read length prefix: %w", err)
	}
	length := binary.LittleEndian.Uint32(prefix)

	// Always return to control mode: either we consume the payload below
	// or we deliberately drop the chunk.
	r.mode = modeControl

	if length < MinFrameLen || length > MaxFrameLen {
		return nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("protocol: read %d payload bytes: %w", length, err)
	}
	return payload, nil
}

// ExpectingFrame reports whether the reader has a pending binary chunk.
func (r *Reader) ExpectingFrame() bool {
	return r.mode == modeBinary
}
