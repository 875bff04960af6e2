package audio

import (
	"strings"
	"testing"
)

func TestWAVRoundTrip(t *testing.T) {
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(i % 3000)
	}

	data, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if len(data) != 44+len(samples)*2 {
		t.Errorf("Expected %d bytes, got %d", 44+len(samples)*2, len(data))
	}

	decoded, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if rate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i, want := range samples {
		if decoded[i] != want {
			t.Fatalf("Sample %d: expected %d, got %d", i, want, decoded[i])
		}
	}
}

func TestEncodeWAVValidation(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Errorf("Expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1, 2, 3}, 0); err == nil {
		t.Errorf("Expected error for zero sample rate")
	}
}

func TestDecodeWAVRejectsBadData(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2, 3, 4}, 16000)
	if err != nil {
		t.Fatalf("Failed to encode fixture: %v", err)
	}

	tests := []struct {
		name     string
		mutate   func([]byte) []byte
		errorMsg string
	}{
		{
			name:     "truncated header",
			mutate:   func(d []byte) []byte { return d[:20] },
			errorMsg: "too short",
		},
		{
			name: "wrong magic",
			mutate: func(d []byte) []byte {
				out := append([]byte(nil), d...)
				copy(out[0:4], "RIFX")
				return out
			},
			errorMsg: "not a WAV file",
		},
		{
			name: "non-PCM format",
			mutate: func(d []byte) []byte {
				out := append([]byte(nil), d...)
				out[20] = 3 // IEEE float
				return out
			},
			errorMsg: "unsupported audio format",
		},
		{
			name: "stereo",
			mutate: func(d []byte) []byte {
				out := append([]byte(nil), d...)
				out[22] = 2
				return out
			},
			errorMsg: "unsupported channel count",
		},
		{
			name: "8-bit depth",
			mutate: func(d []byte) []byte {
				out := append([]byte(nil), d...)
				out[34] = 8
				return out
			},
			errorMsg: "unsupported bit depth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeWAV(tt.mutate(valid))
			if err == nil {
				t.Fatalf("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestDecodeWAVHonorsDataSize(t *testing.T) {
	data, err := EncodeWAV([]int16{10, 20, 30, 40}, 16000)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	// Trailing bytes beyond the declared data chunk are ignored.
	padded := append(append([]byte(nil), data...), 0xAA, 0xBB)
	decoded, _, err := DecodeWAV(padded)
	if err != nil {
		t.Fatalf("Failed to decode padded WAV: %v", err)
	}
	if len(decoded) != 4 {
		t.Errorf("Expected 4 samples, got %d", len(decoded))
	}
	if decoded[3] != 40 {
		t.Errorf("Expected last sample 40, got %d", decoded[3])
	}
}
