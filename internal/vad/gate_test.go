package vad

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
)

const testFrameSamples = 320 // 20ms at 16kHz

var errClassifier = errors.New("classifier unavailable")

// markerClassifier reads the first sample: 1 speech, 0 silence, -1 error
func markerClassifier() Classifier {
	return ClassifierFunc(func(samples []int16) (Decision, error) {
		switch samples[0] {
		case 1:
			return Decision{Probability: 1, Speech: true}, nil
		case -1:
			return Decision{}, errClassifier
		default:
			return Decision{}, nil
		}
	})
}

// makeFrames builds frames from a pattern: 'S' speech, '.' silence, 'E' classifier error
func makeFrames(pattern string, firstSeq uint64) []audio.Frame {
	base := time.Unix(1700000000, 0)
	frames := make([]audio.Frame, 0, len(pattern))
	for i, c := range pattern {
		samples := make([]int16, testFrameSamples)
		switch c {
		case 'S':
			samples[0] = 1
		case 'E':
			samples[0] = -1
		}
		seq := firstSeq + uint64(i)
		frames = append(frames, audio.Frame{
			Sequence:   seq,
			Timestamp:  base.Add(time.Duration(seq) * 20 * time.Millisecond),
			Samples:    samples,
			SampleRate: 16000,
		})
	}
	return frames
}

func repeat(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func testGateConfig() GateConfig {
	return GateConfig{
		MinSpeech:        100 * time.Millisecond,
		Hangover:         200 * time.Millisecond,
		MaxUtterance:     time.Second,
		FailureThreshold: 3,
	}
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate, err := NewGate("session-1", testGateConfig(), markerClassifier(), logger)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return gate
}

// feed runs frames through the gate and collects every emitted utterance
func feed(g *Gate, frames []audio.Frame) ([]*audio.Utterance, int) {
	var out []*audio.Utterance
	degraded := 0
	for _, f := range frames {
		res := g.Process(f)
		out = append(out, res.Utterances...)
		if res.Degraded {
			degraded++
		}
	}
	return out, degraded
}

func TestGateEmitsOneUtterancePerSpeechInterval(t *testing.T) {
	gate := newTestGate(t)

	pattern := repeat('.', 10) + repeat('S', 30) + repeat('.', 20)
	utterances, _ := feed(gate, makeFrames(pattern, 0))

	if len(utterances) != 1 {
		t.Fatalf("Expected exactly 1 utterance, got %d", len(utterances))
	}

	u := utterances[0]
	if u.StartSequence != 10 {
		t.Errorf("Expected utterance to start at sequence 10, got %d", u.StartSequence)
	}
	// 30 speech frames plus the hangover
	if u.EndSequence != 49 {
		t.Errorf("Expected utterance to end at sequence 49, got %d", u.EndSequence)
	}
	if u.Reason != audio.CloseSpeechEnd {
		t.Errorf("Expected reason %s, got %s", audio.CloseSpeechEnd, u.Reason)
	}
	if u.Duration != 800*time.Millisecond {
		t.Errorf("Expected duration 800ms, got %v", u.Duration)
	}
	if u.SessionID != "session-1" {
		t.Errorf("Expected session id session-1, got %s", u.SessionID)
	}
	if gate.State() != StateSilence {
		t.Errorf("Expected gate to return to silence, got %s", gate.State())
	}
}

func TestGateSeparatesIntervals(t *testing.T) {
	gate := newTestGate(t)

	pattern := repeat('S', 10) + repeat('.', 15) + repeat('S', 10) + repeat('.', 15)
	utterances, _ := feed(gate, makeFrames(pattern, 0))

	if len(utterances) != 2 {
		t.Fatalf("Expected 2 utterances, got %d", len(utterances))
	}
	if utterances[0].EndSequence >= utterances[1].StartSequence {
		t.Errorf("Utterances overlap: first ends %d, second starts %d",
			utterances[0].EndSequence, utterances[1].StartSequence)
	}
}

func TestGateShortSilenceDoesNotSplit(t *testing.T) {
	gate := newTestGate(t)

	// 5 silent frames is 100ms, below the 200ms hangover
	pattern := repeat('S', 10) + repeat('.', 5) + repeat('S', 10) + repeat('.', 12)
	utterances, _ := feed(gate, makeFrames(pattern, 0))

	if len(utterances) != 1 {
		t.Fatalf("Expected 1 utterance, got %d", len(utterances))
	}
}

func TestGateDiscardsBlipsBelowMinimumSpeech(t *testing.T) {
	gate := newTestGate(t)

	pattern := repeat('S', 3) + repeat('.', 20)
	utterances, _ := feed(gate, makeFrames(pattern, 0))

	if len(utterances) != 0 {
		t.Fatalf("Expected blip to be discarded, got %d utterances", len(utterances))
	}
	if stats := gate.Stats(); stats.Discarded != 1 {
		t.Errorf("Expected 1 discarded utterance, got %d", stats.Discarded)
	}
}

func TestGateMaxUtteranceCap(t *testing.T) {
	gate := newTestGate(t)

	pattern := repeat('S', 120) + repeat('.', 10)
	utterances, _ := feed(gate, makeFrames(pattern, 0))

	if len(utterances) != 3 {
		t.Fatalf("Expected 3 utterances, got %d", len(utterances))
	}

	for i, u := range utterances {
		if u.Duration > time.Second {
			t.Errorf("Utterance %d exceeds cap: %v", i, u.Duration)
		}
	}
	for i := 0; i < 2; i++ {
		if utterances[i].Reason != audio.CloseMaxDuration {
			t.Errorf("Utterance %d: expected reason %s, got %s", i, audio.CloseMaxDuration, utterances[i].Reason)
		}
		if utterances[i].Duration != time.Second {
			t.Errorf("Utterance %d: expected duration at the cap, got %v", i, utterances[i].Duration)
		}
	}
	if utterances[1].StartSequence != 50 {
		t.Errorf("Expected second utterance to continue at sequence 50, got %d", utterances[1].StartSequence)
	}
	if utterances[2].Reason != audio.CloseSpeechEnd {
		t.Errorf("Expected last utterance to end on speech end, got %s", utterances[2].Reason)
	}
}

func TestGateManualOverride(t *testing.T) {
	gate := newTestGate(t)

	if res := gate.Control(ManualStart); len(res.Utterances) != 0 {
		t.Fatalf("Manual start should not emit, got %d", len(res.Utterances))
	}

	// Automatic classification would close this after the hangover
	pattern := repeat('.', 5) + repeat('S', 5) + repeat('.', 20)
	utterances, _ := feed(gate, makeFrames(pattern, 0))
	if len(utterances) != 0 {
		t.Fatalf("Expected no automatic emission during manual capture, got %d", len(utterances))
	}
	if !gate.Manual() {
		t.Error("Expected manual capture to be active")
	}

	res := gate.Control(ManualStop)
	if len(res.Utterances) != 1 {
		t.Fatalf("Expected manual stop to emit 1 utterance, got %d", len(res.Utterances))
	}

	u := res.Utterances[0]
	if !u.Manual {
		t.Error("Expected utterance to be marked manual")
	}
	if u.Reason != audio.CloseManualStop {
		t.Errorf("Expected reason %s, got %s", audio.CloseManualStop, u.Reason)
	}
	if len(u.Frames) != 30 {
		t.Errorf("Expected all 30 frames, got %d", len(u.Frames))
	}
	if gate.Manual() || gate.State() != StateSilence {
		t.Errorf("Expected automatic silence after manual stop, got manual=%v state=%s", gate.Manual(), gate.State())
	}
}

func TestGateManualUtteranceIgnoresMinimumSpeech(t *testing.T) {
	gate := newTestGate(t)

	gate.Control(ManualStart)
	feed(gate, makeFrames("..", 0))
	res := gate.Control(ManualStop)

	if len(res.Utterances) != 1 {
		t.Fatalf("Expected silent manual utterance to be kept, got %d", len(res.Utterances))
	}
}

func TestGateManualStartClosesAutomaticUtterance(t *testing.T) {
	gate := newTestGate(t)

	utterances, _ := feed(gate, makeFrames(repeat('S', 10), 0))
	if len(utterances) != 0 {
		t.Fatalf("Expected open utterance, got %d emitted", len(utterances))
	}

	res := gate.Control(ManualStart)
	if len(res.Utterances) != 1 {
		t.Fatalf("Expected automatic utterance to be closed by manual start, got %d", len(res.Utterances))
	}
	if res.Utterances[0].Manual {
		t.Error("Closed utterance should be automatic")
	}

	feed(gate, makeFrames(repeat('S', 4), 10))
	res = gate.Control(ManualStop)
	if len(res.Utterances) != 1 || res.Utterances[0].StartSequence != 10 {
		t.Fatalf("Expected manual utterance starting at 10, got %+v", res.Utterances)
	}
}

func TestGateManualControlsAreIdempotent(t *testing.T) {
	gate := newTestGate(t)

	if res := gate.Control(ManualStop); len(res.Utterances) != 0 {
		t.Errorf("Manual stop without start should be a no-op")
	}

	gate.Control(ManualStart)
	feed(gate, makeFrames(repeat('S', 3), 0))
	gate.Control(ManualStart)
	feed(gate, makeFrames(repeat('S', 3), 3))

	res := gate.Control(ManualStop)
	if len(res.Utterances) != 1 || len(res.Utterances[0].Frames) != 6 {
		t.Fatalf("Expected one manual utterance with 6 frames, got %+v", res.Utterances)
	}
}

func TestGateClassifierFailuresAreInconclusive(t *testing.T) {
	gate := newTestGate(t)

	pattern := repeat('S', 10) + "EE" + repeat('S', 5)
	utterances, degraded := feed(gate, makeFrames(pattern, 0))

	if degraded != 0 {
		t.Errorf("Expected no degradation below threshold, got %d", degraded)
	}
	if len(utterances) != 0 {
		t.Errorf("Expected utterance to remain open, got %d emitted", len(utterances))
	}
	if gate.State() != StateSpeaking {
		t.Errorf("Expected state to stay speaking, got %s", gate.State())
	}
	if stats := gate.Stats(); stats.ClassifierErrors != 2 {
		t.Errorf("Expected 2 classifier errors, got %d", stats.ClassifierErrors)
	}
}

func TestGateRepeatedFailuresDegradeCapture(t *testing.T) {
	gate := newTestGate(t)

	pattern := repeat('S', 10) + "EEE"
	utterances, degraded := feed(gate, makeFrames(pattern, 0))

	if degraded != 1 {
		t.Fatalf("Expected capture degraded once, got %d", degraded)
	}
	if len(utterances) != 1 {
		t.Fatalf("Expected open utterance to be force-closed, got %d", len(utterances))
	}
	if utterances[0].Reason != audio.CloseDegraded {
		t.Errorf("Expected reason %s, got %s", audio.CloseDegraded, utterances[0].Reason)
	}
	if len(utterances[0].Frames) != 13 {
		t.Errorf("Expected 13 frames, got %d", len(utterances[0].Frames))
	}
	if gate.State() != StateSilence {
		t.Errorf("Expected silence after degradation, got %s", gate.State())
	}
}

func TestGateFlush(t *testing.T) {
	gate := newTestGate(t)

	feed(gate, makeFrames(repeat('S', 10), 0))
	res := gate.Flush()

	if len(res.Utterances) != 1 {
		t.Fatalf("Expected flush to emit open utterance, got %d", len(res.Utterances))
	}
	if res.Utterances[0].Reason != audio.CloseFlush {
		t.Errorf("Expected reason %s, got %s", audio.CloseFlush, res.Utterances[0].Reason)
	}
	if res := gate.Flush(); len(res.Utterances) != 0 {
		t.Errorf("Second flush should emit nothing")
	}
}

func TestGateConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*GateConfig)
		expectErr bool
	}{
		{name: "valid", modify: func(c *GateConfig) {}, expectErr: false},
		{name: "zero hangover", modify: func(c *GateConfig) { c.Hangover = 0 }, expectErr: true},
		{name: "cap below hangover", modify: func(c *GateConfig) { c.MaxUtterance = 100 * time.Millisecond }, expectErr: true},
		{name: "min speech above cap", modify: func(c *GateConfig) { c.MinSpeech = 2 * time.Second }, expectErr: true},
		{name: "zero failure threshold", modify: func(c *GateConfig) { c.FailureThreshold = 0 }, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testGateConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestParseControl(t *testing.T) {
	if c, err := ParseControl("manual_start"); err != nil || c != ManualStart {
		t.Errorf("Expected ManualStart, got %v (%v)", c, err)
	}
	if c, err := ParseControl("stop"); err != nil || c != ManualStop {
		t.Errorf("Expected ManualStop, got %v (%v)", c, err)
	}
	if _, err := ParseControl("pause"); err == nil {
		t.Error("Expected error for unknown control")
	}
}

func TestGateClassifierStats(t *testing.T) {
	if stats := newTestGate(t).ClassifierStats(); stats != nil {
		t.Errorf("Expected no stats from a plain classifier function, got %+v", stats)
	}

	energy, err := NewEnergyClassifier(0.5, 0)
	if err != nil {
		t.Fatalf("NewEnergyClassifier failed: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate, err := NewGate("session-2", testGateConfig(), energy, logger)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	feed(gate, makeFrames("...", 0))

	stats := gate.ClassifierStats()
	if stats == nil || stats.TotalFrames != 3 {
		t.Errorf("Expected 3 classified frames, got %+v", stats)
	}
}
