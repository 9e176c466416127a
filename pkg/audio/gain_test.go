package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

// pcm16 packs int16 samples as little-endian bytes.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// sample16 reads the i-th little-endian int16 sample.
func sample16(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func TestApplyGain16_IdentityAndSilence(t *testing.T) {
	orig := pcm16(0, 1000, -1000, 32767, -32768)

	identity := append([]byte(nil), orig...)
	ApplyGain16(identity, 1.0)
	for i := 0; i < len(orig)/2; i++ {
		if sample16(identity, i) != sample16(orig, i) {
			t.Errorf("gain 1.0 changed sample %d: %d -> %d", i, sample16(orig, i), sample16(identity, i))
		}
	}

	silence := append([]byte(nil), orig...)
	ApplyGain16(silence, 0)
	for i := 0; i < len(silence)/2; i++ {
		if sample16(silence, i) != 0 {
			t.Errorf("gain 0 left sample %d = %d, want 0", i, sample16(silence, i))
		}
	}
}

func TestApplyGain16_ScalesAndClamps(t *testing.T) {
	tests := []struct {
		name string
		in   int16
		gain float64
		want int16
	}{
		{"halved", 1000, 0.5, 500},
		{"negative halved", -1000, 0.5, -500},
		{"clamp high", 30000, 2.0, 32767},
		{"clamp low", -30000, 2.0, -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := pcm16(tt.in)
			ApplyGain16(buf, tt.gain)
			if got := sample16(buf, 0); got != tt.want {
				t.Errorf("ApplyGain16(%d, %v) = %d, want %d", tt.in, tt.gain, got, tt.want)
			}
		})
	}
}

func TestApplyGain8_ScalesAroundBias(t *testing.T) {
	// 228 = bias 128 + 100; halved deviation is +50.
	buf := []byte{228}
	ApplyGain8(buf, 0.5)
	if buf[0] != 178 {
		t.Errorf("ApplyGain8(228, 0.5) = %d, want 178", buf[0])
	}

	// Silence at any gain stays at the bias.
	buf = []byte{128}
	ApplyGain8(buf, 2.0)
	if buf[0] != 128 {
		t.Errorf("ApplyGain8(128, 2.0) = %d, want 128", buf[0])
	}

	// Clamp at the unsigned edges.
	buf = []byte{255}
	ApplyGain8(buf, 4.0)
	if buf[0] != 255 {
		t.Errorf("ApplyGain8(255, 4.0) = %d, want 255", buf[0])
	}
	buf = []byte{0}
	ApplyGain8(buf, 4.0)
	if buf[0] != 0 {
		t.Errorf("ApplyGain8(0, 4.0) = %d, want 0", buf[0])
	}
}

func TestLevel16_ZeroAndFullScale(t *testing.T) {
	if got := Level16(pcm16(0, 0, 0, 0)); got != 0 {
		t.Errorf("Level16(zero buffer) = %v, want 0", got)
	}

	full := pcm16(32767, -32768, 32767, -32768)
	if got := Level16(full); math.Abs(got-1.0) > 0.001 {
		t.Errorf("Level16(full-scale buffer) = %v, want ~1.0", got)
	}

	if got := Level16(nil); got != 0 {
		t.Errorf("Level16(nil) = %v, want 0", got)
	}
}

func TestLevel16_MidScale(t *testing.T) {
	half := pcm16(16384, -16384)
	got := Level16(half)
	if math.Abs(got-0.5) > 0.001 {
		t.Errorf("Level16(half-scale buffer) = %v, want ~0.5", got)
	}
}

func TestLevel8_ZeroAndFullScale(t *testing.T) {
	if got := Level8([]byte{128, 128, 128}); got != 0 {
		t.Errorf("Level8(silent buffer) = %v, want 0", got)
	}

	if got := Level8([]byte{255, 1, 255, 1}); math.Abs(got-1.0) > 0.001 {
		t.Errorf("Level8(full-scale buffer) = %v, want ~1.0", got)
	}

	if got := Level8(nil); got != 0 {
		t.Errorf("Level8(nil) = %v, want 0", got)
	}
}

func TestFormat_BufferSize(t *testing.T) {
	f := Format{SampleRate: 44100, BitDepth: 16, Channels: 1}
	// 100ms at 88200 B/s is 8820 bytes, already sample-aligned.
	if got := f.BufferSize(100 * time.Millisecond); got != 8820 {
		t.Errorf("BufferSize(100ms) = %d, want 8820", got)
	}

	stereo := Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	if got := stereo.BufferSize(100 * time.Millisecond); got%4 != 0 {
		t.Errorf("stereo BufferSize = %d, want multiple of 4", got)
	}
}

func TestCandidates_RankedPreference(t *testing.T) {
	c := Candidates()
	if len(c) == 0 {
		t.Fatal("no candidates")
	}
	best := Format{SampleRate: 44100, BitDepth: 16, Channels: 1}
	if c[0] != best {
		t.Errorf("first candidate = %v, want %v", c[0], best)
	}
	for i, f := range c[:6] {
		if f.Channels != 1 {
			t.Errorf("candidate %d is stereo before mono variants are exhausted", i)
		}
	}
}
