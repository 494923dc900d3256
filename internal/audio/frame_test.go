package audio

import (
	"testing"
	"time"
)

func TestFrameDuration(t *testing.T) {
	tests := []struct {
		name     string
		frame    Frame
		expected time.Duration
	}{
		{name: "20ms at 16kHz", frame: Frame{Samples: make([]int16, 320), SampleRate: 16000}, expected: 20 * time.Millisecond},
		{name: "30ms at 8kHz", frame: Frame{Samples: make([]int16, 240), SampleRate: 8000}, expected: 30 * time.Millisecond},
		{name: "default rate", frame: Frame{Samples: make([]int16, 160)}, expected: 10 * time.Millisecond},
		{name: "empty", frame: Frame{SampleRate: 16000}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Duration(); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestUtteranceSamples(t *testing.T) {
	u := &Utterance{
		SampleRate: 16000,
		Frames: []Frame{
			{Sequence: 1, Samples: []int16{1, 2}},
			{Sequence: 2, Samples: []int16{3}},
			{Sequence: 3, Samples: []int16{4, 5, 6}},
		},
	}

	samples := u.Samples()
	expected := []int16{1, 2, 3, 4, 5, 6}
	if len(samples) != len(expected) {
		t.Fatalf("Expected %d samples, got %d", len(expected), len(samples))
	}
	for i := range expected {
		if samples[i] != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], samples[i])
		}
	}

	wav, err := u.WAV()
	if err != nil {
		t.Fatalf("WAV failed: %v", err)
	}
	decoded, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != 16000 || len(decoded) != len(expected) {
		t.Errorf("Unexpected decoded audio: rate=%d samples=%d", rate, len(decoded))
	}
}

func TestPCMBytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}

	decoded, err := PCMFromBytes(PCMToBytes(samples))
	if err != nil {
		t.Fatalf("PCMFromBytes failed: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], decoded[i])
		}
	}

	if _, err := PCMFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length PCM data")
	}
}
