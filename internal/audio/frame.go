package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// DefaultSampleRate is the capture rate assumed when a frame does not carry one
const DefaultSampleRate = 16000

// Frame is one fixed-duration block of mono PCM-16 audio from the capture boundary
type Frame struct {
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Samples    []int16   `json:"-"`
	SampleRate int       `json:"sample_rate"`
}

// Duration returns the wall-clock length of the frame's audio
func (f Frame) Duration() time.Duration {
	rate := f.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(rate)
}

// CloseReason explains why an utterance was closed
type CloseReason string

const (
	CloseSpeechEnd   CloseReason = "speech_end"
	CloseMaxDuration CloseReason = "max_duration"
	CloseManualStop  CloseReason = "manual_stop"
	CloseDegraded    CloseReason = "degraded"
	CloseFlush       CloseReason = "flush"
)

// Utterance is a closed, ordered run of frames bounded by speech start and end.
// It must not be modified once emitted.
type Utterance struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Frames        []Frame       `json:"-"`
	StartSequence uint64        `json:"start_sequence"`
	EndSequence   uint64        `json:"end_sequence"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	SampleRate    int           `json:"sample_rate"`
	Reason        CloseReason   `json:"reason"`
	Manual        bool          `json:"manual"`
}

// Samples concatenates the PCM samples of every frame in order
func (u *Utterance) Samples() []int16 {
	total := 0
	for _, f := range u.Frames {
		total += len(f.Samples)
	}

	samples := make([]int16, 0, total)
	for _, f := range u.Frames {
		samples = append(samples, f.Samples...)
	}
	return samples
}

// WAV encodes the utterance audio as a mono 16-bit WAV file
func (u *Utterance) WAV() ([]byte, error) {
	rate := u.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return EncodeWAV(u.Samples(), rate)
}

// PCMFromBytes converts little-endian PCM-16 bytes into samples
func PCMFromBytes(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm data length must be even, got %d bytes", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// PCMToBytes converts samples into little-endian PCM-16 bytes
func PCMToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
