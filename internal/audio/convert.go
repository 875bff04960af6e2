package audio

// DecodePCM16 converts little-endian 16-bit PCM bytes to samples
func DecodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// EncodePCM16 converts samples to little-endian 16-bit PCM bytes
func EncodePCM16(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(uint16(s) >> 8)
	}
	return pcm
}

// ToFloat32 converts PCM16 samples to normalized float32 samples in
// [-1, 1), the input format the transcription model expects.
func ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// MillisForSamples converts a sample count to milliseconds at the given rate
func MillisForSamples(samples int64, sampleRate int) int64 {
	return samples * 1000 / int64(sampleRate)
}

// SamplesForMillis converts milliseconds to a sample count at the given rate
func SamplesForMillis(ms int64, sampleRate int) int64 {
	return ms * int64(sampleRate) / 1000
}
