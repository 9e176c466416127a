package audio

import "sync"

// VolumeSnapshot is a point-in-time copy of the volume state.
type VolumeSnapshot struct {
	// MicGain is the capture gain in [0.0, 1.0].
	MicGain float64

	// SpeakerGain is the playback gain in [0.0, 1.0].
	SpeakerGain float64

	// Muted reports whether capture is muted.
	Muted bool

	// InputLevel is the last measured input level in [0.0, 1.0].
	InputLevel float64
}

// VolumeState holds the gains, mute flag, and last measured input level.
// Controller actions write it; the pipeline reads it on every capture
// iteration. Safe for concurrent use.
type VolumeState struct {
	mu          sync.Mutex
	micGain     float64
	speakerGain float64
	muted       bool
	inputLevel  float64
}

// NewVolumeState returns a volume state with both gains at 1.0.
func NewVolumeState() *VolumeState {
	return &VolumeState{micGain: 1.0, speakerGain: 1.0}
}

// SetMicGain sets the capture gain, clamped to [0.0, 1.0].
func (v *VolumeState) SetMicGain(g float64) {
	v.mu.Lock()
	v.micGain = clampUnit(g)
	v.mu.Unlock()
}

// SetSpeakerGain sets the playback gain, clamped to [0.0, 1.0].
func (v *VolumeState) SetSpeakerGain(g float64) {
	v.mu.Lock()
	v.speakerGain = clampUnit(g)
	v.mu.Unlock()
}

// SetMuted sets the mute flag. While muted the pipeline reports level 0 and
// withholds captured buffers.
func (v *VolumeState) SetMuted(muted bool) {
	v.mu.Lock()
	v.muted = muted
	v.mu.Unlock()
}

// RecordInputLevel stores the most recent measured input level.
func (v *VolumeState) RecordInputLevel(level float64) {
	v.mu.Lock()
	v.inputLevel = clampUnit(level)
	v.mu.Unlock()
}

// Snapshot returns a consistent copy of the current state.
func (v *VolumeState) Snapshot() VolumeSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return VolumeSnapshot{
		MicGain:     v.micGain,
		SpeakerGain: v.speakerGain,
		Muted:       v.muted,
		InputLevel:  v.inputLevel,
	}
}

func clampUnit(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > 1 {
		return 1
	}
	return g
}
