package audio

import "testing"

func TestPCM16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	pcm := EncodePCM16(samples)
	if len(pcm) != len(samples)*2 {
		t.Fatalf("Expected %d bytes, got %d", len(samples)*2, len(pcm))
	}

	decoded := DecodePCM16(pcm)
	for i, want := range samples {
		if decoded[i] != want {
			t.Errorf("Sample %d: expected %d, got %d", i, want, decoded[i])
		}
	}
}

func TestDecodePCM16LittleEndian(t *testing.T) {
	// 0x0201 and 0xFFFF (-1) little-endian.
	decoded := DecodePCM16([]byte{0x01, 0x02, 0xFF, 0xFF})
	if decoded[0] != 0x0201 {
		t.Errorf("Expected 0x0201, got 0x%04x", decoded[0])
	}
	if decoded[1] != -1 {
		t.Errorf("Expected -1, got %d", decoded[1])
	}
}

func TestToFloat32(t *testing.T) {
	out := ToFloat32([]int16{0, 16384, -16384, 32767, -32768})

	if out[0] != 0 {
		t.Errorf("Expected 0, got %f", out[0])
	}
	if out[1] != 0.5 {
		t.Errorf("Expected 0.5, got %f", out[1])
	}
	if out[2] != -0.5 {
		t.Errorf("Expected -0.5, got %f", out[2])
	}
	if out[3] >= 1.0 {
		t.Errorf("Expected value below 1.0, got %f", out[3])
	}
	if out[4] != -1.0 {
		t.Errorf("Expected -1.0, got %f", out[4])
	}
}

func TestSampleTimeConversions(t *testing.T) {
	tests := []struct {
		samples    int64
		sampleRate int
		wantMs     int64
	}{
		{16000, 16000, 1000},
		{8000, 16000, 500},
		{320, 16000, 20},
		{0, 16000, 0},
		{8000, 8000, 1000},
	}
	for _, tt := range tests {
		if got := MillisForSamples(tt.samples, tt.sampleRate); got != tt.wantMs {
			t.Errorf("MillisForSamples(%d, %d): expected %d, got %d",
				tt.samples, tt.sampleRate, tt.wantMs, got)
		}
		if got := SamplesForMillis(tt.wantMs, tt.sampleRate); got != tt.samples {
			t.Errorf("SamplesForMillis(%d, %d): expected %d, got %d",
				tt.wantMs, tt.sampleRate, tt.samples, got)
		}
	}
}
