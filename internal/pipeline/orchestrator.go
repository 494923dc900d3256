package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/output"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

// State is the orchestrator's pipeline state
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingUtterance State = "awaiting_utterance"
	StateTranscribing      State = "transcribing"
	StateAnalyzing         State = "analyzing"
	StateGeneratingLyrics  State = "generating_lyrics"
	StateSynthesizing      State = "synthesizing"
	StateDelivering        State = "delivering"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// Busy reports whether a stage is in progress
func (s State) Busy() bool {
	switch s {
	case StateTranscribing, StateAnalyzing, StateGeneratingLyrics, StateSynthesizing, StateDelivering:
		return true
	default:
		return false
	}
}

// Metrics receives pipeline measurements
type Metrics interface {
	RecordStateTransition(state string)
	RecordPipelineRun(outcome string, durationSeconds float64)
	RecordSegment(bytes int)
	RecordSequenceViolation()
}

type nopMetrics struct{}

func (nopMetrics) RecordStateTransition(string)      {}
func (nopMetrics) RecordPipelineRun(string, float64) {}
func (nopMetrics) RecordSegment(int)                 {}
func (nopMetrics) RecordSequenceViolation()          {}

// Config tunes an orchestrator
type Config struct {
	// SampleRate of synthesized audio, used to wrap PCM tracks as WAV
	SampleRate int
	// MaxTracks bounds how many finished tracks are retained
	MaxTracks int
	// MaxHistoryTurns bounds the songwriting conversation carried into
	// lyrics; the oldest exchanges are forgotten first
	MaxHistoryTurns int
}

// Stats reports orchestrator counters
type Stats struct {
	Runs      uint64 `json:"runs"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Segments  uint64 `json:"segments"`
}

// Orchestrator drives one session's utterances through transcription,
// analysis, lyrics and synthesis, one utterance at a time
type Orchestrator struct {
	sessionID string
	stages    *Stages
	stream    *output.Stream
	config    Config
	logger    *slog.Logger
	metrics   Metrics

	state        State
	genre        stage.GenreConfig
	lastError    *output.ErrorInfo
	current      *output.Assembler
	tracks       []*output.Track
	trackOffset  int
	lastActivity time.Time
	stats        Stats

	// conversation is the current song's history; song counts resets so a
	// run started before NewSong cannot write into the new conversation
	conversation []stage.Turn
	song         uint64

	mu sync.RWMutex
}

// New creates an orchestrator. metrics may be nil.
func New(sessionID string, genre stage.GenreConfig, stages *Stages, stream *output.Stream, config Config, logger *slog.Logger, metrics Metrics) (*Orchestrator, error) {
	if stages == nil {
		return nil, fmt.Errorf("stages are required")
	}
	if stream == nil {
		return nil, fmt.Errorf("output stream is required")
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}
	if config.MaxTracks <= 0 {
		config.MaxTracks = 16
	}
	if config.MaxHistoryTurns <= 0 {
		config.MaxHistoryTurns = 12
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Orchestrator{
		sessionID:    sessionID,
		stages:       stages,
		stream:       stream,
		config:       config,
		logger:       logger.With(slog.String("session_id", sessionID)),
		metrics:      metrics,
		state:        StateIdle,
		genre:        genre.WithDefaults(),
		lastActivity: time.Now(),
	}, nil
}

// Run processes utterances in arrival order until ctx ends (cancelled) or the
// channel closes (idle). It returns the final state.
func (o *Orchestrator) Run(ctx context.Context, utterances <-chan *audio.Utterance) State {
	o.setState(StateAwaitingUtterance, "")

	for {
		select {
		case <-ctx.Done():
			o.setState(StateCancelled, "")
			return StateCancelled

		case u, ok := <-utterances:
			if !ok {
				if ctx.Err() != nil {
					o.setState(StateCancelled, "")
					return StateCancelled
				}
				o.setState(StateIdle, "")
				return StateIdle
			}
			if u == nil {
				continue
			}

			if o.State() != StateAwaitingUtterance {
				o.setState(StateAwaitingUtterance, "")
			}
			o.process(ctx, u)

			if ctx.Err() != nil {
				o.setState(StateCancelled, "")
				return StateCancelled
			}
			if o.State() == StateFailed {
				o.setState(StateAwaitingUtterance, "")
			}
		}
	}
}

// process runs one utterance through every stage
func (o *Orchestrator) process(ctx context.Context, u *audio.Utterance) {
	runID := uuid.NewString()
	start := time.Now()
	genre := o.Genre()
	history, song := o.conversationSnapshot()

	o.mu.Lock()
	o.stats.Runs++
	o.mu.Unlock()

	o.logger.Info("Pipeline run started",
		slog.String("run_id", runID),
		slog.String("utterance_id", u.ID),
		slog.Duration("audio", u.Duration),
		slog.String("genre", genre.Genre),
	)

	o.setState(StateTranscribing, u.ID)
	transcript, err := o.stages.Transcription.Call(ctx, stage.TranscriptRequest{Utterance: u, LanguageHint: genre.Language})
	if err != nil {
		o.fail(ctx, u, start, err)
		return
	}

	o.setState(StateAnalyzing, u.ID)
	analysis, err := o.stages.Analysis.Call(ctx, stage.AnalysisRequest{Transcript: transcript, Genre: genre})
	if err != nil {
		o.fail(ctx, u, start, err)
		return
	}
	if analysis.Genre.Genre == "" {
		analysis.Genre = genre
	}
	analysis.History = history

	o.setState(StateGeneratingLyrics, u.ID)
	lyrics, err := o.stages.Lyrics.Call(ctx, analysis)
	if err != nil {
		o.fail(ctx, u, start, err)
		return
	}
	if lyrics.Genre.Genre == "" {
		lyrics.Genre = genre
	}
	o.remember(song, transcript.Text, lyrics.FormatText())

	o.setState(StateSynthesizing, u.ID)
	asm := output.NewAssembler(runID, u.ID, lyrics.Title, o.config.SampleRate)
	o.mu.Lock()
	o.current = asm
	o.mu.Unlock()

	sink := func(chunk stage.SynthesisChunk) error {
		seg, err := asm.Accept(chunk)
		if err != nil {
			o.metrics.RecordSequenceViolation()
			o.logger.Error("Synthesis chunk rejected",
				slog.String("run_id", runID),
				slog.Int("index", chunk.Index),
				slog.String("error", err.Error()),
			)
			return stage.Fail(stage.ReasonSequenceViolation, err)
		}

		o.mu.Lock()
		o.stats.Segments++
		o.lastActivity = time.Now()
		o.mu.Unlock()

		o.metrics.RecordSegment(seg.Bytes)
		o.stream.Publish(output.Event{
			Type:        output.EventSegment,
			UtteranceID: u.ID,
			RunID:       runID,
			Segment:     &seg,
		})
		return nil
	}

	_, err = o.stages.Synthesis.Call(ctx, SynthesisJob{
		Request: stage.SynthesisRequest{Lyrics: lyrics, RunID: runID},
		Sink:    sink,
	})
	if err == nil && !asm.Complete() {
		err = &stage.Error{
			Stage:  stage.Synthesis,
			Reason: stage.ReasonSequenceViolation,
			Err:    fmt.Errorf("%w: stream finished after %d chunks without a terminal chunk", output.ErrSequenceViolation, asm.Len()),
		}
	}
	if err != nil {
		asm.Abort()
		o.fail(ctx, u, start, err)
		return
	}

	o.setState(StateDelivering, u.ID)
	track, err := asm.Track()
	if err != nil {
		o.fail(ctx, u, start, &stage.Error{Stage: stage.Synthesis, Reason: stage.ReasonSequenceViolation, Err: err})
		return
	}
	index := o.addTrack(track)

	o.stream.Publish(output.Event{
		Type:        output.EventTrack,
		UtteranceID: u.ID,
		RunID:       runID,
		Track:       track,
		TrackIndex:  &index,
	})

	elapsed := time.Since(start)
	o.mu.Lock()
	o.stats.Completed++
	o.mu.Unlock()
	o.metrics.RecordPipelineRun("completed", elapsed.Seconds())

	o.logger.Info("Pipeline run completed",
		slog.String("run_id", runID),
		slog.String("utterance_id", u.ID),
		slog.String("title", track.Title),
		slog.Int("segments", track.Segments),
		slog.Int("track_index", index),
		slog.Duration("elapsed", elapsed),
	)

	o.setState(StateIdle, u.ID)
}

// fail records a failed run. Failures caused by cancellation are not reported
// as errors.
func (o *Orchestrator) fail(ctx context.Context, u *audio.Utterance, start time.Time, err error) {
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		o.mu.Lock()
		o.stats.Cancelled++
		o.mu.Unlock()
		o.metrics.RecordPipelineRun("cancelled", elapsed.Seconds())
		o.logger.Info("Pipeline run cancelled", slog.String("utterance_id", u.ID))
		return
	}

	info := output.ErrorInfo{
		Reason:      string(stage.ReasonOf(err)),
		Message:     err.Error(),
		UtteranceID: u.ID,
		At:          time.Now(),
	}
	var serr *stage.Error
	if errors.As(err, &serr) {
		info.Stage = string(serr.Stage)
		info.Reason = string(serr.Reason)
	}

	o.mu.Lock()
	o.lastError = &info
	o.stats.Failed++
	o.mu.Unlock()
	o.metrics.RecordPipelineRun("failed", elapsed.Seconds())

	o.logger.Error("Pipeline run failed",
		slog.String("utterance_id", u.ID),
		slog.String("stage", info.Stage),
		slog.String("reason", info.Reason),
		slog.Duration("elapsed", elapsed),
		slog.String("error", info.Message),
	)

	o.setState(StateFailed, u.ID)
	o.stream.Publish(output.Event{
		Type:        output.EventError,
		UtteranceID: u.ID,
		Error:       &info,
	})
}

func (o *Orchestrator) setState(state State, utteranceID string) {
	o.mu.Lock()
	prev := o.state
	o.state = state
	o.lastActivity = time.Now()
	o.mu.Unlock()

	if prev == state {
		return
	}

	o.metrics.RecordStateTransition(string(state))
	o.logger.Debug("Pipeline state changed",
		slog.String("from", string(prev)),
		slog.String("to", string(state)),
		slog.String("utterance_id", utteranceID),
	)
	o.stream.Publish(output.Event{
		Type:        output.EventState,
		State:       string(state),
		UtteranceID: utteranceID,
	})
}

func (o *Orchestrator) addTrack(track *output.Track) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.tracks = append(o.tracks, track)
	if len(o.tracks) > o.config.MaxTracks {
		drop := len(o.tracks) - o.config.MaxTracks
		o.tracks = o.tracks[drop:]
		o.trackOffset += drop
	}
	return o.trackOffset + len(o.tracks) - 1
}

// State returns the current pipeline state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Genre returns the selection applied to the next utterance
func (o *Orchestrator) Genre() stage.GenreConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.genre
}

// SetGenre changes the selection; a run already in progress keeps its own
func (o *Orchestrator) SetGenre(genre stage.GenreConfig) error {
	genre = genre.WithDefaults()
	if err := genre.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.genre = genre
	return nil
}

// NewSong forgets the songwriting conversation so the next utterance starts
// a fresh song. A run already in progress finishes but is not remembered.
func (o *Orchestrator) NewSong() {
	o.mu.Lock()
	turns := len(o.conversation)
	o.conversation = nil
	o.song++
	o.mu.Unlock()

	o.logger.Info("Conversation reset for a new song", slog.Int("forgotten_turns", turns))
}

// Conversation returns a copy of the current song's turns, oldest first
func (o *Orchestrator) Conversation() []stage.Turn {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]stage.Turn(nil), o.conversation...)
}

func (o *Orchestrator) conversationSnapshot() ([]stage.Turn, uint64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]stage.Turn(nil), o.conversation...), o.song
}

// remember records one exchange of the song it was written for
func (o *Orchestrator) remember(song uint64, said, written string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if song != o.song {
		return
	}
	o.conversation = append(o.conversation,
		stage.Turn{Role: stage.RoleListener, Content: said},
		stage.Turn{Role: stage.RoleWriter, Content: written},
	)
	if over := len(o.conversation) - o.config.MaxHistoryTurns; over > 0 {
		// Forget whole exchanges so a listener turn always leads
		over += over % 2
		o.conversation = append([]stage.Turn(nil), o.conversation[over:]...)
	}
}

// LastError returns the most recent stage failure, nil if none
func (o *Orchestrator) LastError() *output.ErrorInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.lastError == nil {
		return nil
	}
	info := *o.lastError
	return &info
}

// Current returns the assembler of the latest synthesis run, nil before the first
func (o *Orchestrator) Current() *output.Assembler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Track returns a finished track by its index
func (o *Orchestrator) Track(index int) (*output.Track, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	i := index - o.trackOffset
	if i < 0 || i >= len(o.tracks) {
		return nil, false
	}
	return o.tracks[i], true
}

// TrackCount returns how many tracks have been finished, including evicted ones
func (o *Orchestrator) TrackCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.trackOffset + len(o.tracks)
}

// LastActivity returns the time of the last state change or accepted segment
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastActivity
}

// Stats returns a snapshot of orchestrator counters
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stats
}
