package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestWriteFrame_ReadFrame_RoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 320, 1024, 4096, 65535} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		var buf bytes.Buffer
		w := NewWriter(&buf)
		if err := w.WriteFrame(payload); err != nil {
			t.Fatalf("WriteFrame(%d bytes): %v", n, err)
		}

		r := NewReader(&buf)
		line, err := r.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if line != MarkerAudio {
			t.Fatalf("marker = %q, want %q", line, MarkerAudio)
		}
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame(%d bytes): %v", n, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("payload mismatch at length %d", n)
		}
	}
}

func TestWriteFrame_RejectsOutOfRangeLengths(t *testing.T) {
	w := NewWriter(&bytes.Buffer{})

	if err := w.WriteFrame(nil); !errors.Is(err, ErrFrameSize) {
		t.Errorf("WriteFrame(empty) = %v, want ErrFrameSize", err)
	}
	if err := w.WriteFrame(make([]byte, MaxFrameLen+1)); !errors.Is(err, ErrFrameSize) {
		t.Errorf("WriteFrame(65536 bytes) = %v, want ErrFrameSize", err)
	}
}

func TestReadFrame_OutOfRangeLengthIsNoData(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
	}{
		{"zero", 0},
		{"above max", MaxFrameLen + 1},
		{"huge", 0xFFFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			buf.WriteString(MarkerAudio + "\n")
			buf.Write(EncodeLength(tt.length))

			r := NewReader(&buf)
			if _, err := r.ReadLine(); err != nil {
				t.Fatalf("ReadLine: %v", err)
			}
			got, err := r.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got != nil {
				t.Errorf("ReadFrame = %d bytes, want nil (no data)", len(got))
			}
			if r.ExpectingFrame() {
				t.Error("reader still in binary mode after dropped chunk")
			}
		})
	}
}

func TestReader_ModeEnforcement(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := NewReader(&buf)

	// Frame read before the marker line is consumed is refused.
	if _, err := r.ReadFrame(); !errors.Is(err, ErrControlPending) {
		t.Errorf("ReadFrame before marker: err = %v, want ErrControlPending", err)
	}

	if _, err := r.ReadLine(); err != nil {
		t.Fatalf("ReadLine: %v", err)
	}

	// Line read while binary bytes are pending is refused.
	if _, err := r.ReadLine(); !errors.Is(err, ErrBinaryPending) {
		t.Errorf("ReadLine with pending frame: err = %v, want ErrBinaryPending", err)
	}

	if _, err := r.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if r.ExpectingFrame() {
		t.Error("reader still expecting frame after ReadFrame")
	}
}

func TestReader_InterleavedControlAndBinary(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// PONG, one frame whose payload contains '\n' and marker-like bytes,
	// then another control line. The frame bytes must never surface as text.
	tricky := []byte("PING\nVOICE_CLIENT_DISCONNECT\n\x00\xff")
	if err := w.WriteLine(MarkerPong); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := w.WriteFrame(tricky); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.WriteLine(MarkerPing); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	r := NewReader(&buf)

	line, err := r.ReadLine()
	if err != nil || line != MarkerPong {
		t.Fatalf("first line = %q, %v; want PONG", line, err)
	}
	line, err = r.ReadLine()
	if err != nil || line != MarkerAudio {
		t.Fatalf("second line = %q, %v; want AUDIO_DATA", line, err)
	}
	payload, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(payload, tricky) {
		t.Errorf("payload = %q, want %q", payload, tricky)
	}
	line, err = r.ReadLine()
	if err != nil || line != MarkerPing {
		t.Fatalf("third line = %q, %v; want PING", line, err)
	}
}

func TestReadLine_StripsCarriageReturn(t *testing.T) {
	r := NewReader(bytes.NewBufferString("VOICE_SERVER_READY\r\n"))
	line, err := r.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != MarkerReady {
		t.Errorf("line = %q, want %q", line, MarkerReady)
	}
}

// countingReader tracks how many bytes were pulled from the source.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestReadLine_UnterminatedLineFailsAtCap(t *testing.T) {
	src := &countingReader{r: bytes.NewReader(bytes.Repeat([]byte{'A'}, 1<<20))}
	r := NewReader(src)

	if _, err := r.ReadLine(); err == nil {
		t.Fatal("expected error for an unterminated oversized line")
	}
	// The reader must give up near the cap, not slurp the whole stream.
	if src.n > 8192 {
		t.Errorf("read %d bytes before failing, want at most a buffer past the cap", src.n)
	}
}

func TestEncodeDecodeLength(t *testing.T) {
	for _, n := range []uint32{0, 1, 320, 65535, 65536} {
		buf := EncodeLength(n)
		if len(buf) != 4 {
			t.Fatalf("EncodeLength(%d) = %d bytes, want 4", n, len(buf))
		}
		got, err := DecodeLength(buf)
		if err != nil {
			t.Fatalf("DecodeLength: %v", err)
		}
		if got != n {
			t.Errorf("round-trip %d = %d", n, got)
		}
	}

	if _, err := DecodeLength([]byte{1, 2}); err == nil {
		t.Error("DecodeLength(short buf) = nil, want error")
	}
}

func TestEncodeLength_LittleEndian(t *testing.T) {
	buf := EncodeLength(320)
	want := []byte{0x40, 0x01, 0x00, 0x00}
	if !bytes.Equal(buf, want) {
		t.Errorf("EncodeLength(320) = %v, want %v", buf, want)
	}
}
