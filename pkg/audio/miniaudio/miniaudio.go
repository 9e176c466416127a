// Package miniaudio implements the [audio.Opener] interface on top of the
// malgo (miniaudio) bindings, giving the pipeline access to the host's real
// capture and playback hardware.
//
// miniaudio is callback-driven while the pipeline expects blocking reads and
// buffered writes, so each device wraps the callback in a small adapter: the
// capture callback feeds a bounded channel that Read drains, and the
// playback callback drains a bounded buffer that Write fills. Overruns drop
// audio rather than block the device thread.
package miniaudio

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voicewire/voicewire/pkg/audio"
)

// captureQueueDepth bounds the number of callback buffers queued between
// the device thread and Read.
const captureQueueDepth = 8

// playbackHighWater caps the bytes buffered for playback before Write
// starts dropping (about half a second at 44.1kHz/16-bit mono).
const playbackHighWater = 44100

// Opener opens real devices through a shared miniaudio context.
// Create with [NewOpener] and release with [Opener.Close].
type Opener struct {
	ctx *malgo.AllocatedContext
}

// NewOpener initialises the miniaudio context.
func NewOpener() (*Opener, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "msg", message)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Opener{ctx: ctx}, nil
}

// Close releases the miniaudio context. Devices must be closed first.
func (o *Opener) Close() error {
	if o.ctx == nil {
		return nil
	}
	err := o.ctx.Uninit()
	o.ctx.Free()
	o.ctx = nil
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

func sampleFormat(f audio.Format) (malgo.FormatType, error) {
	switch f.BitDepth {
	case 16:
		return malgo.FormatS16, nil
	case 8:
		return malgo.FormatU8, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("miniaudio: unsupported bit depth %d", f.BitDepth)
	}
}

// OpenCapture implements [audio.Opener].
func (o *Opener) OpenCapture(f audio.Format) (audio.CaptureDevice, error) {
	format, err := sampleFormat(f)
	if err != nil {
		return nil, err
	}

	dev := &captureDevice{
		frames: make(chan []byte, captureQueueDepth),
		done:   make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = format
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(o.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: dev.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open capture %s: %w", f.String(), err)
	}
	dev.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("miniaudio: start capture %s: %w", f.String(), err)
	}
	return dev, nil
}

// OpenPlayback implements [audio.Opener].
func (o *Opener) OpenPlayback(f audio.Format) (audio.PlaybackDevice, error) {
	format, err := sampleFormat(f)
	if err != nil {
		return nil, err
	}

	dev := &playbackDevice{}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(o.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: dev.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open playback %s: %w", f.String(), err)
	}
	dev.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("miniaudio: start playback %s: %w", f.String(), err)
	}
	return dev, nil
}

// captureDevice bridges the miniaudio capture callback to blocking reads.
type captureDevice struct {
	frames chan []byte
	done   chan struct{}

	mu      sync.Mutex
	device  *malgo.Device
	pending []byte
	closed  bool
}

// onData runs on the device thread: it must never block.
func (d *captureDevice) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	buf := make([]byte, len(input))
	copy(buf, input)
	select {
	case d.frames <- buf:
	default:
		// Reader fell behind; dropping is better than stalling the device.
	}
}

// Read blocks until captured audio is available or the device is closed.
func (d *captureDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		d.mu.Unlock()
		return n, nil
	}
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, io.EOF
	}

	select {
	case buf := <-d.frames:
		n := copy(p, buf)
		if n < len(buf) {
			d.mu.Lock()
			d.pending = buf[n:]
			d.mu.Unlock()
		}
		return n, nil
	case <-d.done:
		return 0, io.EOF
	}
}

func (d *captureDevice) Stop() error {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop capture: %w", err)
	}
	return nil
}

func (d *captureDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	device := d.device
	d.device = nil
	d.mu.Unlock()

	close(d.done)
	if device != nil {
		device.Uninit()
	}
	return nil
}

// playbackDevice bridges buffered writes to the miniaudio playback callback.
type playbackDevice struct {
	mu     sync.Mutex
	device *malgo.Device
	buf    []byte
	closed bool
}

// onData runs on the device thread: it pulls queued PCM and zero-fills any
// shortfall so playback underruns render silence.
func (d *playbackDevice) onData(output, _ []byte, _ uint32) {
	d.mu.Lock()
	n := copy(output, d.buf)
	d.buf = d.buf[n:]
	d.mu.Unlock()

	for i := n; i < len(output); i++ {
		output[i] = 0
	}
}

// Write queues PCM for rendering. When the queue exceeds the high-water
// mark the oldest audio is dropped to keep latency bounded.
func (d *playbackDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	d.buf = append(d.buf, p...)
	if over := len(d.buf) - playbackHighWater; over > 0 {
		d.buf = d.buf[over:]
	}
	return len(p), nil
}

func (d *playbackDevice) Stop() error {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop playback: %w", err)
	}
	return nil
}

func (d *playbackDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	device := d.device
	d.device = nil
	d.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	return nil
}
