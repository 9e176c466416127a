// Package audio implements the voicewire capture/playback pipeline.
//
// The pipeline negotiates a device format from a ranked candidate list,
// runs the capture loop (metering, gain, forwarding to the outbound frame
// callback), and plays received frames back through the output device.
// Device access sits behind the [Opener] interface; the real implementation
// lives in audio/miniaudio and tests use audio/mock.
//
// When no candidate format opens on both directions the pipeline degrades to
// an unavailable state instead of failing the call: playback becomes a no-op
// and the capture loop substitutes zero level readings.
package audio

import (
	"fmt"
	"time"
)

// Format describes a negotiated device format. PCM is little-endian; 8-bit
// samples are unsigned with a bias of 128 (classic WAV u8), 16-bit samples
// are signed.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// BitDepth is bits per sample: 8 or 16.
	BitDepth int

	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// String returns e.g. "44100Hz/16-bit mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	}
	return fmt.Sprintf("%dHz/%d-bit %s", f.SampleRate, f.BitDepth, ch)
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * (f.BitDepth / 8) * f.Channels
}

// BufferSize returns the buffer size in bytes covering d of audio, aligned
// down to a whole sample frame and never smaller than one.
func (f Format) BufferSize(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	align := (f.BitDepth / 8) * f.Channels
	if align < 1 {
		align = 1
	}
	n -= n % align
	if n < align {
		n = align
	}
	return n
}

// Candidates returns the ranked list of formats the pipeline tries during
// negotiation, best first: CD-quality mono down through lower rates and
// 8-bit depth, then stereo variants as a last resort.
func Candidates() []Format {
	return []Format{
		{SampleRate: 44100, BitDepth: 16, Channels: 1},
		{SampleRate: 22050, BitDepth: 16, Channels: 1},
		{SampleRate: 11025, BitDepth: 16, Channels: 1},
		{SampleRate: 44100, BitDepth: 8, Channels: 1},
		{SampleRate: 22050, BitDepth: 8, Channels: 1},
		{SampleRate: 11025, BitDepth: 8, Channels: 1},
		{SampleRate: 44100, BitDepth: 16, Channels: 2},
		{SampleRate: 22050, BitDepth: 16, Channels: 2},
	}
}

// CaptureDevice is an open audio input. Read blocks until at least one byte
// of captured audio is available or the device fails.
type CaptureDevice interface {
	Read(p []byte) (int, error)
	Stop() error
	Close() error
}

// PlaybackDevice is an open audio output. Write queues PCM for rendering.
type PlaybackDevice interface {
	Write(p []byte) (int, error)
	Stop() error
	Close() error
}

// HardwareGain is optionally implemented by playback devices whose volume
// can be set natively. SetGain receives a value proportional between the
// reported minimum and maximum. Preferred over software gain for output.
type HardwareGain interface {
	GainRange() (min, max float64)
	SetGain(v float64) error
}

// Opener opens capture and playback devices for a given format. A format is
// usable only when both directions open successfully.
type Opener interface {
	OpenCapture(f Format) (CaptureDevice, error)
	OpenPlayback(f Format) (PlaybackDevice, error)
}

// UnavailableError reports that no candidate format opened on both
// directions. Non-fatal: the session continues without audio.
type UnavailableError struct {
	// Tried lists the formats that were attempted.
	Tried []Format
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("audio unavailable: no working format among %d candidates", len(e.Tried))
}
