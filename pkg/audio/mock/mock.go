// Package mock provides in-memory mock implementations of the
// [audio.Opener], [audio.CaptureDevice], and [audio.PlaybackDevice]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests
// can assert on counts and written data, and expose exported fields that
// the test sets to control behaviour.
//
// Typical usage:
//
//	opener := &mock.Opener{
//	    SupportedFormats: []audio.Format{{SampleRate: 22050, BitDepth: 16, Channels: 1}},
//	    CaptureData:      pcm,
//	}
//	pipeline := audio.NewPipeline(audio.PipelineConfig{Opener: opener, ...})
package mock

import (
	"io"
	"sync"

	"github.com/voicewire/voicewire/pkg/audio"
)

// Opener is a mock [audio.Opener] that succeeds only for the formats listed
// in SupportedFormats.
type Opener struct {
	mu sync.Mutex

	// SupportedFormats lists formats for which both directions open.
	// Empty means every open fails (pipeline goes unavailable).
	SupportedFormats []audio.Format

	// CaptureData is the PCM served by capture devices, in order. When
	// exhausted, reads block until the device is closed.
	CaptureData []byte

	// HardwareGainMin and HardwareGainMax, when Max > Min, make playback
	// devices implement [audio.HardwareGain] with that range.
	HardwareGainMin float64
	HardwareGainMax float64

	// TriedCapture records every format passed to OpenCapture.
	TriedCapture []audio.Format

	// TriedPlayback records every format passed to OpenPlayback.
	TriedPlayback []audio.Format

	// Captures and Playbacks hold every device handed out.
	Captures  []*CaptureDevice
	Playbacks []*PlaybackDevice
}

func (o *Opener) supports(f audio.Format) bool {
	for _, s := range o.SupportedFormats {
		if s == f {
			return true
		}
	}
	return false
}

// OpenCapture implements [audio.Opener].
func (o *Opener) OpenCapture(f audio.Format) (audio.CaptureDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.TriedCapture = append(o.TriedCapture, f)
	if !o.supports(f) {
		return nil, &unsupportedError{format: f}
	}
	dev := &CaptureDevice{
		Format: f,
		data:   o.CaptureData,
		done:   make(chan struct{}),
	}
	o.Captures = append(o.Captures, dev)
	return dev, nil
}

// OpenPlayback implements [audio.Opener].
func (o *Opener) OpenPlayback(f audio.Format) (audio.PlaybackDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.TriedPlayback = append(o.TriedPlayback, f)
	if !o.supports(f) {
		return nil, &unsupportedError{format: f}
	}
	dev := &PlaybackDevice{Format: f}
	if o.HardwareGainMax > o.HardwareGainMin {
		dev.gainMin = o.HardwareGainMin
		dev.gainMax = o.HardwareGainMax
		dev.hardware = true
	}
	o.Playbacks = append(o.Playbacks, dev)
	return dev, nil
}

type unsupportedError struct {
	format audio.Format
}

func (e *unsupportedError) Error() string {
	return "mock: unsupported format " + e.format.String()
}

// CaptureDevice is a mock [audio.CaptureDevice] serving canned PCM.
type CaptureDevice struct {
	// Format is the format the device was opened with.
	Format audio.Format

	mu     sync.Mutex
	data   []byte
	off    int
	done   chan struct{}
	closed bool

	// CallCountStop and CallCountClose record lifecycle calls.
	CallCountStop  int
	CallCountClose int
}

// Read serves the next slice of canned data. Once the data is exhausted it
// blocks until Close, then returns [io.EOF] — mirroring a device that stays
// open but silent.
func (d *CaptureDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.EOF
	}
	if d.off < len(d.data) {
		n := copy(p, d.data[d.off:])
		d.off += n
		d.mu.Unlock()
		return n, nil
	}
	done := d.done
	d.mu.Unlock()

	<-done
	return 0, io.EOF
}

// Stop implements [audio.CaptureDevice].
func (d *CaptureDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	return nil
}

// Close implements [audio.CaptureDevice]. Safe to call more than once.
func (d *CaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}

// PlaybackDevice is a mock [audio.PlaybackDevice] recording written PCM.
type PlaybackDevice struct {
	// Format is the format the device was opened with.
	Format audio.Format

	mu       sync.Mutex
	written  []byte
	hardware bool
	gainMin  float64
	gainMax  float64
	gainSet  []float64

	// CallCountStop and CallCountClose record lifecycle calls.
	CallCountStop  int
	CallCountClose int
}

// Write implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, p...)
	return len(p), nil
}

// Written returns a copy of all PCM written so far.
func (d *PlaybackDevice) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.written))
	copy(out, d.written)
	return out
}

// GainRange implements [audio.HardwareGain] when the opener enabled it.
func (d *PlaybackDevice) GainRange() (min, max float64) {
	return d.gainMin, d.gainMax
}

// SetGain implements [audio.HardwareGain]; values are recorded for asserts.
func (d *PlaybackDevice) SetGain(v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gainSet = append(d.gainSet, v)
	return nil
}

// GainsSet returns every value passed to SetGain.
func (d *PlaybackDevice) GainsSet() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.gainSet))
	copy(out, d.gainSet)
	return out
}

// IsHardware reports whether this device was opened with a hardware gain
// range.
func (d *PlaybackDevice) IsHardware() bool { return d.hardware }

// Stop implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	return nil
}

// Close implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}
