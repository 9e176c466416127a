package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultBufferDuration sizes the capture buffer when the config leaves
	// it unset: roughly 100ms of audio at the negotiated byte rate.
	defaultBufferDuration = 100 * time.Millisecond

	// fallbackBufferBytes is the capture buffer size used when no format
	// has been negotiated.
	fallbackBufferBytes = 1024

	// captureYield is the pause between capture iterations so the loop
	// never monopolises the device.
	captureYield = time.Millisecond

	// captureBackoff is the pause after a failed capture read.
	captureBackoff = 50 * time.Millisecond
)

// PipelineConfig holds the dependencies of a [Pipeline].
type PipelineConfig struct {
	// Opener provides capture and playback devices.
	Opener Opener

	// Volume is the shared volume state. A fresh one is created if nil.
	Volume *VolumeState

	// OnFrame receives each captured, gain-adjusted buffer for outbound
	// framing. The slice is owned by the callee.
	OnFrame func(pcm []byte)

	// BufferDuration sizes the capture buffer. Defaults to 100ms.
	BufferDuration time.Duration
}

// Pipeline owns the negotiated capture and playback devices and runs the
// capture loop. Create with [NewPipeline], then call [Pipeline.Negotiate],
// [Pipeline.Run] in its own goroutine, and finally [Pipeline.Close].
type Pipeline struct {
	opener  Opener
	volume  *VolumeState
	onFrame func([]byte)
	bufDur  time.Duration

	mu        sync.Mutex
	format    Format
	capture   CaptureDevice
	playback  PlaybackDevice
	hwGain    HardwareGain
	hwApplied float64
	available bool
	closed    bool
}

// NewPipeline creates an un-negotiated pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	volume := cfg.Volume
	if volume == nil {
		volume = NewVolumeState()
	}
	bufDur := cfg.BufferDuration
	if bufDur <= 0 {
		bufDur = defaultBufferDuration
	}
	return &Pipeline{
		opener:    cfg.Opener,
		volume:    volume,
		onFrame:   cfg.OnFrame,
		bufDur:    bufDur,
		hwApplied: -1,
	}
}

// Volume returns the shared volume state.
func (p *Pipeline) Volume() *VolumeState { return p.volume }

// Available reports whether a device format was negotiated.
func (p *Pipeline) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// ActiveFormat returns the negotiated format; ok is false while unavailable.
func (p *Pipeline) ActiveFormat() (f Format, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format, p.available
}

// Negotiate walks the ranked candidate list and selects the first format
// for which both a capture and a playback device open. On total failure it
// returns a [*UnavailableError] and the pipeline degrades to silent
// operation — the error is advisory, not fatal.
func (p *Pipeline) Negotiate() error {
	candidates := Candidates()

	for _, f := range candidates {
		capture, err := p.opener.OpenCapture(f)
		if err != nil {
			slog.Debug("audio: capture open failed", "format", f.String(), "err", err)
			continue
		}
		playback, err := p.opener.OpenPlayback(f)
		if err != nil {
			slog.Debug("audio: playback open failed", "format", f.String(), "err", err)
			_ = capture.Close()
			continue
		}

		p.mu.Lock()
		p.format = f
		p.capture = capture
		p.playback = playback
		p.available = true
		// Native output gain only works on 16-bit paths and needs a
		// usable control range; 8-bit and rangeless devices go through
		// software gain.
		if hw, ok := playback.(HardwareGain); ok && f.BitDepth == 16 {
			if min, max := hw.GainRange(); max > min {
				p.hwGain = hw
			}
		}
		p.mu.Unlock()

		slog.Info("audio: format negotiated", "format", f.String(), "hardware_gain", p.hwGain != nil)
		return nil
	}

	slog.Warn("audio: no working device format, continuing without audio")
	return &UnavailableError{Tried: candidates}
}

// Run executes the capture loop until ctx is cancelled. Each iteration
// reads one buffer, meters it, applies the mic gain (unless muted, in which
// case the level reads 0 and the buffer is withheld), and forwards the
// result to the outbound callback. Single-iteration failures are logged and
// the loop continues; only cancellation stops it.
//
// While the pipeline is unavailable, Run substitutes zero level updates on
// the same cadence so observers still receive volume data.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	capture := p.capture
	format := p.format
	available := p.available
	p.mu.Unlock()

	if !available {
		return p.runSilent(ctx)
	}

	// Cancellation must stop the loop even while a device read is in
	// flight: releasing the device unblocks the read.
	stop := context.AfterFunc(ctx, func() {
		_ = capture.Close()
	})
	defer stop()

	bufSize := format.BufferSize(p.bufDur)
	if bufSize <= 0 {
		bufSize = fallbackBufferBytes
	}
	buf := make([]byte, bufSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := capture.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("audio: capture read failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(captureBackoff):
			}
			continue
		}
		if n == 0 {
			continue
		}
		pcm := buf[:n]

		vol := p.volume.Snapshot()
		if vol.Muted {
			p.volume.RecordInputLevel(0)
		} else {
			level := p.meter(format, pcm)
			p.volume.RecordInputLevel(level)

			out := make([]byte, n)
			copy(out, pcm)
			p.applyCaptureGain(format, out, vol.MicGain)
			if p.onFrame != nil {
				p.onFrame(out)
			}
		}

		// Yield so the loop never occupies the device back to back.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(captureYield):
		}
	}
}

// runSilent keeps the volume observable while no device is open.
func (p *Pipeline) runSilent(ctx context.Context) error {
	ticker := time.NewTicker(p.bufDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.volume.RecordInputLevel(0)
		}
	}
}

// Playback applies the speaker gain to pcm and writes it to the output
// device. The buffer is owned (and may be modified) by the pipeline. No-op
// while unavailable. Failures are logged, never returned: a dropped
// playback buffer must not disturb the session.
func (p *Pipeline) Playback(pcm []byte) {
	p.mu.Lock()
	playback := p.playback
	format := p.format
	available := p.available && !p.closed
	p.mu.Unlock()

	if !available || len(pcm) == 0 {
		return
	}

	gain := p.volume.Snapshot().SpeakerGain
	if !p.setHardwareGain(gain) {
		// Software fallback, and the only path for 8-bit formats.
		if format.BitDepth == 8 {
			ApplyGain8(pcm, gain)
		} else {
			ApplyGain16(pcm, gain)
		}
	}

	if _, err := playback.Write(pcm); err != nil {
		slog.Warn("audio: playback write failed", "err", err)
	}
}

// setHardwareGain applies gain through the device's native control when one
// exists, proportional between its reported bounds. Reports whether the
// hardware path handled the gain.
func (p *Pipeline) setHardwareGain(gain float64) bool {
	p.mu.Lock()
	hw := p.hwGain
	applied := p.hwApplied
	p.mu.Unlock()

	if hw == nil {
		return false
	}
	if gain == applied {
		return true
	}

	min, max := hw.GainRange()
	if err := hw.SetGain(min + (max-min)*gain); err != nil {
		slog.Warn("audio: hardware gain failed, falling back to software", "err", err)
		p.mu.Lock()
		p.hwGain = nil
		p.mu.Unlock()
		return false
	}

	p.mu.Lock()
	p.hwApplied = gain
	p.mu.Unlock()
	return true
}

// Close stops then closes both devices independently, continuing past
// individual failures so every release is attempted. The aggregated report
// is returned for logging; the pipeline is unusable afterwards.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	capture := p.capture
	playback := p.playback
	p.capture = nil
	p.playback = nil
	p.hwGain = nil
	p.available = false
	p.mu.Unlock()

	var errs []error
	if capture != nil {
		if err := capture.Stop(); err != nil {
			slog.Warn("audio: capture stop failed", "err", err)
			errs = append(errs, err)
		}
		if err := capture.Close(); err != nil {
			slog.Warn("audio: capture close failed", "err", err)
			errs = append(errs, err)
		}
	}
	if playback != nil {
		if err := playback.Stop(); err != nil {
			slog.Warn("audio: playback stop failed", "err", err)
			errs = append(errs, err)
		}
		if err := playback.Close(); err != nil {
			slog.Warn("audio: playback close failed", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// meter computes the normalised input level for the active format.
func (p *Pipeline) meter(f Format, pcm []byte) float64 {
	if f.BitDepth == 8 {
		return Level8(pcm)
	}
	return Level16(pcm)
}

// applyCaptureGain applies the mic gain in software. Capture never uses a
// hardware gain path.
func (p *Pipeline) applyCaptureGain(f Format, pcm []byte, gain float64) {
	if gain == 1.0 {
		return
	}
	if f.BitDepth == 8 {
		ApplyGain8(pcm, gain)
	} else {
		ApplyGain16(pcm, gain)
	}
}
