package vad

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
)

// State is the gate's speech-presence state
type State int

const (
	StateSilence State = iota
	StateSpeaking
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Control is an explicit capture signal from the caller
type Control int

const (
	ManualStart Control = iota + 1
	ManualStop
)

// String returns a string representation of the control
func (c Control) String() string {
	switch c {
	case ManualStart:
		return "manual_start"
	case ManualStop:
		return "manual_stop"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ParseControl maps a control name to a Control
func ParseControl(name string) (Control, error) {
	switch name {
	case "manual_start", "start":
		return ManualStart, nil
	case "manual_stop", "stop":
		return ManualStop, nil
	default:
		return 0, fmt.Errorf("unknown capture control %q", name)
	}
}

// GateConfig bounds utterance detection
type GateConfig struct {
	// MinSpeech is the least amount of classified speech an automatic utterance needs
	MinSpeech time.Duration
	// Hangover is the sustained silence that closes an automatic utterance
	Hangover time.Duration
	// MaxUtterance caps the audio length of any utterance
	MaxUtterance time.Duration
	// FailureThreshold is the number of consecutive classifier errors that
	// force-close the open utterance and report CaptureDegraded
	FailureThreshold int
}

// Validate checks the gate configuration
func (c GateConfig) Validate() error {
	if c.MinSpeech < 0 {
		return fmt.Errorf("min speech must not be negative, got %v", c.MinSpeech)
	}
	if c.Hangover <= 0 {
		return fmt.Errorf("hangover must be positive, got %v", c.Hangover)
	}
	if c.MaxUtterance <= c.Hangover {
		return fmt.Errorf("max utterance (%v) must be greater than hangover (%v)", c.MaxUtterance, c.Hangover)
	}
	if c.MinSpeech >= c.MaxUtterance {
		return fmt.Errorf("min speech (%v) must be less than max utterance (%v)", c.MinSpeech, c.MaxUtterance)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	return nil
}

// Result is what one gate input produced
type Result struct {
	Utterances []*audio.Utterance
	// Degraded is set when repeated classifier failures forced a close
	Degraded bool
}

// GateStats reports gate counters
type GateStats struct {
	State            string `json:"state"`
	Manual           bool   `json:"manual"`
	Frames           uint64 `json:"frames"`
	SpeechFrames     uint64 `json:"speech_frames"`
	ClassifierErrors uint64 `json:"classifier_errors"`
	Emitted          uint64 `json:"utterances_emitted"`
	Discarded        uint64 `json:"utterances_discarded"`
	Degraded         uint64 `json:"capture_degraded"`
}

type inputKind int

const (
	inputSpeech inputKind = iota
	inputSilence
	inputInconclusive
	inputManualStart
	inputManualStop
	inputFlush
)

// utteranceBuilder accumulates frames for the open utterance
type utteranceBuilder struct {
	id       string
	manual   bool
	frames   []audio.Frame
	duration time.Duration
	speech   time.Duration
}

// Gate turns a frame stream into utterances. Automatic classification and
// manual control feed the same transition function; while manual is set the
// classifier is still consulted but its verdict is not acted on.
//
// A Gate is driven by a single goroutine; the mutex only guards Stats readers.
type Gate struct {
	sessionID  string
	config     GateConfig
	classifier Classifier
	logger     *slog.Logger

	state      State
	manual     bool
	open       *utteranceBuilder
	silenceRun time.Duration
	failures   int

	stats GateStats
	mu    sync.Mutex
}

// NewGate creates a gate for one session
func NewGate(sessionID string, config GateConfig, classifier Classifier, logger *slog.Logger) (*Gate, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}

	return &Gate{
		sessionID:  sessionID,
		config:     config,
		classifier: classifier,
		logger:     logger,
		state:      StateSilence,
	}, nil
}

// Process classifies one frame and advances the state machine
func (g *Gate) Process(frame audio.Frame) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.Frames++

	decision, err := g.classifier.Classify(frame.Samples)
	if err != nil {
		return g.classifierFailed(frame, err)
	}
	g.failures = 0

	kind := inputSilence
	if decision.Speech {
		kind = inputSpeech
		g.stats.SpeechFrames++
	}

	return Result{Utterances: g.step(kind, &frame)}
}

// Control applies a manual start or stop signal
func (g *Gate) Control(c Control) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch c {
	case ManualStart:
		return Result{Utterances: g.step(inputManualStart, nil)}
	case ManualStop:
		return Result{Utterances: g.step(inputManualStop, nil)}
	default:
		return Result{}
	}
}

// Flush closes any open utterance, used when capture ends
func (g *Gate) Flush() Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Result{Utterances: g.step(inputFlush, nil)}
}

// State returns the current speech-presence state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Manual reports whether manual capture is active
func (g *Gate) Manual() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.manual
}

// Stats returns a snapshot of gate counters
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := g.stats
	stats.State = g.state.String()
	stats.Manual = g.manual
	return stats
}

// ClassifierStats returns the classifier's counters, or nil when the
// classifier keeps none
func (g *Gate) ClassifierStats() *ClassifierStats {
	r, ok := g.classifier.(StatsReporter)
	if !ok {
		return nil
	}
	stats := r.GetStats()
	return &stats
}

func (g *Gate) classifierFailed(frame audio.Frame, err error) Result {
	g.stats.ClassifierErrors++

	g.logger.Warn("Speech classifier failed, frame treated as inconclusive",
		slog.String("session_id", g.sessionID),
		slog.Uint64("sequence", frame.Sequence),
		slog.String("error", err.Error()),
	)

	if g.manual {
		return Result{Utterances: g.step(inputInconclusive, &frame)}
	}

	g.failures++
	utterances := g.step(inputInconclusive, &frame)
	if g.failures < g.config.FailureThreshold {
		return Result{Utterances: utterances}
	}

	failures := g.failures
	g.failures = 0
	g.stats.Degraded++
	if u := g.close(audio.CloseDegraded); u != nil {
		utterances = append(utterances, u)
	}
	g.state = StateSilence

	g.logger.Warn("Capture degraded by repeated classifier failures",
		slog.String("condition", "CaptureDegraded"),
		slog.String("session_id", g.sessionID),
		slog.Int("consecutive_failures", failures),
	)

	return Result{Utterances: utterances, Degraded: true}
}

// step is the single transition function for every gate input
func (g *Gate) step(kind inputKind, frame *audio.Frame) []*audio.Utterance {
	var out []*audio.Utterance

	switch kind {
	case inputManualStart:
		if g.manual {
			return nil
		}
		if g.open != nil {
			out = appendClosed(out, g.close(audio.CloseFlush))
		}
		g.manual = true
		g.state = StateSpeaking
		g.open = g.newBuilder()
		return out

	case inputManualStop:
		if !g.manual {
			return nil
		}
		out = appendClosed(out, g.close(audio.CloseManualStop))
		g.manual = false
		g.state = StateSilence
		return out

	case inputFlush:
		out = appendClosed(out, g.close(audio.CloseFlush))
		g.manual = false
		g.state = StateSilence
		return out
	}

	if g.manual {
		if g.open == nil {
			g.open = g.newBuilder()
		}
		return g.appendFrame(*frame, kind)
	}

	switch g.state {
	case StateSilence:
		if kind != inputSpeech {
			return nil
		}
		g.state = StateSpeaking
		g.open = g.newBuilder()
		return g.appendFrame(*frame, kind)

	case StateSpeaking:
		if g.open == nil {
			g.open = g.newBuilder()
		}
		out = g.appendFrame(*frame, kind)
		if g.open == nil {
			return out
		}
		if kind == inputSilence && g.silenceRun >= g.config.Hangover {
			out = appendClosed(out, g.close(audio.CloseSpeechEnd))
			g.state = StateSilence
		}
		return out
	}

	return out
}

// appendFrame adds a frame to the open utterance, closing it at the duration cap
func (g *Gate) appendFrame(frame audio.Frame, kind inputKind) []*audio.Utterance {
	var out []*audio.Utterance
	d := frame.Duration()

	if g.open.duration > 0 && g.open.duration+d > g.config.MaxUtterance {
		out = appendClosed(out, g.close(audio.CloseMaxDuration))
		if !g.reopenAfterCap(kind) {
			return out
		}
	}

	g.open.frames = append(g.open.frames, frame)
	g.open.duration += d
	switch kind {
	case inputSpeech:
		g.open.speech += d
		g.silenceRun = 0
	case inputSilence:
		g.silenceRun += d
	}

	if g.open.duration >= g.config.MaxUtterance {
		out = appendClosed(out, g.close(audio.CloseMaxDuration))
		if g.manual {
			g.open = g.newBuilder()
		} else {
			g.state = StateSilence
		}
	}

	return out
}

// reopenAfterCap decides whether the frame that overflowed the cap starts a new utterance
func (g *Gate) reopenAfterCap(kind inputKind) bool {
	if g.manual || kind == inputSpeech {
		g.open = g.newBuilder()
		return true
	}
	g.state = StateSilence
	return false
}

func (g *Gate) newBuilder() *utteranceBuilder {
	g.silenceRun = 0
	return &utteranceBuilder{
		id:     uuid.NewString(),
		manual: g.manual,
	}
}

// close finalizes the open utterance. Automatic utterances with less speech
// than MinSpeech are discarded; manual ones are always emitted.
func (g *Gate) close(reason audio.CloseReason) *audio.Utterance {
	b := g.open
	g.open = nil
	g.silenceRun = 0

	if b == nil || len(b.frames) == 0 {
		return nil
	}

	if !b.manual && b.speech < g.config.MinSpeech {
		g.stats.Discarded++
		g.logger.Debug("Discarding utterance below minimum speech",
			slog.String("session_id", g.sessionID),
			slog.Duration("speech", b.speech),
			slog.Duration("min_speech", g.config.MinSpeech),
		)
		return nil
	}

	first := b.frames[0]
	last := b.frames[len(b.frames)-1]
	rate := first.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}

	u := &audio.Utterance{
		ID:            b.id,
		SessionID:     g.sessionID,
		Frames:        b.frames,
		StartSequence: first.Sequence,
		EndSequence:   last.Sequence,
		StartTime:     first.Timestamp,
		EndTime:       last.Timestamp.Add(last.Duration()),
		Duration:      b.duration,
		SampleRate:    rate,
		Reason:        reason,
		Manual:        b.manual,
	}

	g.stats.Emitted++
	g.logger.Info("Utterance closed",
		slog.String("session_id", g.sessionID),
		slog.String("utterance_id", u.ID),
		slog.String("reason", string(reason)),
		slog.Bool("manual", u.Manual),
		slog.Duration("duration", u.Duration),
		slog.Int("frames", len(u.Frames)),
	)

	return u
}

func appendClosed(out []*audio.Utterance, u *audio.Utterance) []*audio.Utterance {
	if u == nil {
		return out
	}
	return append(out, u)
}
