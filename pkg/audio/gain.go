package audio

// Gain and metering math for raw PCM buffers. 16-bit samples are signed
// little-endian; 8-bit samples are unsigned with a bias of 128.

// ApplyGain16 multiplies every little-endian int16 sample in pcm by gain,
// clamped to [-32768, 32767]. The buffer is modified in place. gain 1.0 is
// the identity, 0 yields silence. A trailing odd byte is left untouched.
func ApplyGain16(pcm []byte, gain float64) {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		v := int32(s * gain)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		pcm[i] = byte(v)
		pcm[i+1] = byte(v >> 8)
	}
}

// ApplyGain8 multiplies every biased uint8 sample in pcm by gain around the
// 128 midpoint, clamped to the unsigned range. Modified in place.
func ApplyGain8(pcm []byte, gain float64) {
	for i := range pcm {
		v := int32(float64(int32(pcm[i])-128) * gain)
		if v > 127 {
			v = 127
		} else if v < -128 {
			v = -128
		}
		pcm[i] = byte(v + 128)
	}
}

// Level16 returns the mean absolute sample magnitude of 16-bit PCM,
// normalised by the maximum signed magnitude to [0.0, 1.0]. An empty buffer
// yields 0.
func Level16(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		if s < 0 {
			s = -s
		}
		sum += s
	}
	level := sum / float64(samples) / 32768.0
	if level > 1 {
		level = 1
	}
	return level
}

// Level8 returns the mean absolute deviation from the 128 bias of 8-bit
// PCM, normalised by 127 to [0.0, 1.0].
func Level8(pcm []byte) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, b := range pcm {
		d := float64(int32(b) - 128)
		if d < 0 {
			d = -d
		}
		sum += d
	}
	level := sum / float64(len(pcm)) / 127.0
	if level > 1 {
		level = 1
	}
	return level
}
