package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/metrics"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/output"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/pipeline"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/queue"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/vad"
)

// EndReason explains why a session ended
type EndReason string

const (
	EndStopped     EndReason = "Stopped"
	EndIdleTimeout EndReason = "IdleTimeout"
	EndShutdown    EndReason = "Shutdown"
)

// input is one capture event; exactly one of frame and control is set
type input struct {
	frame   *audio.Frame
	control vad.Control
}

// Session is one listener's capture and pipeline
type Session struct {
	ID        string
	StartTime time.Time

	gate       *vad.Gate
	orch       *pipeline.Orchestrator
	stream     *output.Stream
	inputs     chan input
	utterances *queue.Queue[*audio.Utterance]
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Processing control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	lastActivity   time.Time
	endReason      EndReason
	endTime        time.Time
	framesReceived uint64
	framesDropped  uint64
	utteranceCount uint64
	degradedCount  uint64
	discarded      uint64

	mu sync.RWMutex
}

// Status is the caller-visible snapshot of a session
type Status struct {
	ID           string             `json:"id"`
	State        string             `json:"state"`
	Active       bool               `json:"active"`
	EndReason    string             `json:"end_reason,omitempty"`
	Genre        stage.GenreConfig  `json:"genre"`
	LastError    *output.ErrorInfo  `json:"last_error,omitempty"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	LastActivity time.Time          `json:"last_activity"`
	Duration     time.Duration      `json:"duration"`
	Capture      CaptureStatus      `json:"capture"`
	Output       OutputStatus       `json:"output"`
	Pipeline     pipeline.Stats     `json:"pipeline"`
	Conversation []stage.Turn       `json:"conversation,omitempty"`
}

// CaptureStatus describes the capture side of a session
type CaptureStatus struct {
	State           string `json:"state"`
	Manual          bool   `json:"manual"`
	FramesReceived  uint64 `json:"frames_received"`
	FramesDropped   uint64 `json:"frames_dropped"`
	FramesProcessed uint64 `json:"frames_processed"`
	Utterances      uint64 `json:"utterances"`
	Pending         int    `json:"pending_utterances"`
	Degraded        uint64 `json:"capture_degraded"`

	// Discarded counts utterances left unprocessed when the session stopped
	Discarded  uint64               `json:"discarded_utterances"`
	Classifier *vad.ClassifierStats `json:"classifier,omitempty"`
}

// OutputStatus references the session's accumulated output
type OutputStatus struct {
	Tracks      int    `json:"tracks"`
	LatestTrack int    `json:"latest_track"`
	CurrentRun  string `json:"current_run,omitempty"`
	Segments    int    `json:"current_run_segments"`
	Subscribers int    `json:"subscribers"`
}

// start launches the capture loop and the orchestrator. Once both have
// returned, anything left unprocessed is accounted for.
func (s *Session) start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		var (
			inner    sync.WaitGroup
			flushed  int
			leftover int
		)
		inner.Add(2)

		go func() {
			defer inner.Done()
			flushed = s.captureLoop()
		}()

		go func() {
			defer inner.Done()
			pipe := s.utterances.Pipe(s.ctx)
			s.orch.Run(s.ctx, pipe)
			// Anything still forwarded after the orchestrator left is unprocessed
			for range pipe {
				leftover++
			}
		}()

		inner.Wait()
		s.utterances.Close()
		s.discardUnprocessed(flushed + leftover + len(s.utterances.Drain()))
	}()
}

// captureLoop feeds frames and controls through the gate in arrival order.
// On stop it flushes the gate and returns how many utterances that closed.
func (s *Session) captureLoop() int {
	for {
		select {
		case <-s.ctx.Done():
			return len(s.gate.Flush().Utterances)

		case in := <-s.inputs:
			var result vad.Result
			if in.frame != nil {
				result = s.gate.Process(*in.frame)
			} else {
				result = s.gate.Control(in.control)
				s.touch()
			}
			s.handleResult(result)
		}
	}
}

func (s *Session) handleResult(result vad.Result) {
	for _, u := range result.Utterances {
		s.mu.Lock()
		s.utteranceCount++
		s.lastActivity = time.Now()
		s.mu.Unlock()

		s.metrics.RecordUtterance(string(u.Reason), u.Duration.Seconds())
		s.utterances.Push(u)
	}

	if result.Degraded {
		s.mu.Lock()
		s.degradedCount++
		s.mu.Unlock()

		s.metrics.RecordCaptureDegraded()
		s.stream.Publish(output.Event{
			Type: output.EventDegraded,
			Error: &output.ErrorInfo{
				Reason:  "CaptureDegraded",
				Message: "repeated speech classifier failures closed the current utterance",
				At:      time.Now(),
			},
		})
	}
}

// discardUnprocessed records utterances the stopped pipeline never handled
func (s *Session) discardUnprocessed(pending int) {
	if pending == 0 {
		return
	}

	s.mu.Lock()
	s.discarded += uint64(pending)
	s.mu.Unlock()

	s.logger.Warn("Session stopped with unprocessed utterances",
		slog.String("session_id", s.ID),
		slog.Int("utterances", pending),
	)
}

// feed queues a frame without blocking
func (s *Session) feed(frame audio.Frame) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	s.mu.Lock()
	s.framesReceived++
	s.mu.Unlock()
	s.metrics.RecordFrameReceived()

	select {
	case s.inputs <- input{frame: &frame}:
		return nil
	default:
	}

	s.mu.Lock()
	s.framesDropped++
	dropped := s.framesDropped
	s.mu.Unlock()
	s.metrics.RecordFrameDropped()

	s.logger.Warn("Frame queue full, dropping frame",
		slog.String("condition", "BackpressureDrop"),
		slog.String("session_id", s.ID),
		slog.Uint64("sequence", frame.Sequence),
		slog.Uint64("dropped_total", dropped),
	)
	return ErrBackpressureDrop
}

// control queues a capture control, waiting for room since controls are never dropped
func (s *Session) control(ctx context.Context, c vad.Control) error {
	select {
	case s.inputs <- input{control: c}:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// idleSince returns the last utterance or pipeline activity, and whether the
// session is currently doing work
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.RLock()
	last := s.lastActivity
	s.mu.RUnlock()

	if t := s.orch.LastActivity(); t.After(last) {
		last = t
	}

	busy := s.orch.State().Busy() || s.gate.State() == vad.StateSpeaking || s.gate.Manual() || !s.utterances.IsEmpty()
	return last, busy
}

// stop cancels capture and pipeline and waits up to grace for them to finish.
// It reports false when the session was already stopping.
func (s *Session) stop(reason EndReason, grace time.Duration) bool {
	first := false
	s.once.Do(func() {
		first = true

		s.mu.Lock()
		s.endReason = reason
		s.endTime = time.Now()
		s.mu.Unlock()

		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(grace):
			s.logger.Warn("Session did not stop within grace period",
				slog.String("session_id", s.ID),
				slog.Duration("grace_period", grace),
			)
		}

		s.stream.Close(string(reason))
	})
	return first
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gateStats := s.gate.Stats()
	pending := s.utterances.Len()

	status := Status{
		ID:           s.ID,
		State:        string(s.orch.State()),
		Active:       s.endTime.IsZero(),
		EndReason:    string(s.endReason),
		Genre:        s.orch.Genre(),
		LastError:    s.orch.LastError(),
		Conversation: s.orch.Conversation(),
		StartTime:    s.StartTime,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.StartTime),
		Capture: CaptureStatus{
			State:           gateStats.State,
			Manual:          gateStats.Manual,
			FramesReceived:  s.framesReceived,
			FramesDropped:   s.framesDropped,
			FramesProcessed: gateStats.Frames,
			Utterances:      s.utteranceCount,
			Pending:         pending,
			Degraded:        s.degradedCount,
			Discarded:       s.discarded,
			Classifier:      s.gate.ClassifierStats(),
		},
		Output: OutputStatus{
			Tracks:      s.orch.TrackCount(),
			LatestTrack: s.orch.TrackCount() - 1,
			Subscribers: s.stream.Subscribers(),
		},
		Pipeline: s.orch.Stats(),
	}

	if t := s.orch.LastActivity(); t.After(status.LastActivity) {
		status.LastActivity = t
	}

	if !s.endTime.IsZero() {
		end := s.endTime
		status.EndTime = &end
		status.Duration = end.Sub(s.StartTime)
	}

	if asm := s.orch.Current(); asm != nil && !asm.Complete() {
		status.Output.Segments = asm.Len()
	}

	return status
}
