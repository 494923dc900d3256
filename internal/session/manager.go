package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/metrics"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/output"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/pipeline"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/queue"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/vad"
)

var (
	// ErrCapacityExceeded is returned when the concurrent session limit is reached
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrSessionNotFound is returned for an unknown or expired session ID
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when input reaches a session that has ended
	ErrSessionClosed = errors.New("session closed")
	// ErrBackpressureDrop is returned when a frame is dropped because the session queue is full
	ErrBackpressureDrop = errors.New("frame dropped: session queue full")
	// ErrTrackNotFound is returned for a track index the session does not hold
	ErrTrackNotFound = errors.New("track not found")
)

// ClassifierFactory builds the speech classifier for a new session
type ClassifierFactory func() (vad.Classifier, error)

// Config tunes the session manager
type Config struct {
	MaxConcurrent   int
	IdleTimeout     time.Duration
	FrameQueueSize  int
	StopGracePeriod time.Duration
	StatusRetention time.Duration
	// CleanupInterval is how often idle sessions and expired tombstones are reaped
	CleanupInterval time.Duration
	EventBuffer     int

	Gate     vad.GateConfig
	Pipeline pipeline.Config
	// NewClassifier defaults to an energy classifier built from Threshold and Smoothing
	NewClassifier ClassifierFactory
	Threshold     float32
	Smoothing     float32
}

// DefaultConfig returns the manager defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   10,
		IdleTimeout:     120 * time.Second,
		FrameQueueSize:  256,
		StopGracePeriod: 2 * time.Second,
		StatusRetention: 300 * time.Second,
		CleanupInterval: 30 * time.Second,
		EventBuffer:     64,
		Gate: vad.GateConfig{
			MinSpeech:        250 * time.Millisecond,
			Hangover:         600 * time.Millisecond,
			MaxUtterance:     15 * time.Second,
			FailureThreshold: 5,
		},
		Pipeline:  pipeline.Config{SampleRate: 24000, MaxTracks: 16},
		Threshold: 0.5,
		Smoothing: 0.3,
	}
}

func (c *Config) validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent sessions must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	if c.FrameQueueSize < 1 {
		return fmt.Errorf("frame queue size must be at least 1, got %d", c.FrameQueueSize)
	}
	if c.StopGracePeriod <= 0 {
		return fmt.Errorf("stop grace period must be positive, got %v", c.StopGracePeriod)
	}
	if c.StatusRetention < 0 {
		return fmt.Errorf("status retention must not be negative, got %v", c.StatusRetention)
	}
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.IdleTimeout / 4
		if c.CleanupInterval > 30*time.Second {
			c.CleanupInterval = 30 * time.Second
		}
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.NewClassifier == nil {
		threshold, smoothing := c.Threshold, c.Smoothing
		c.NewClassifier = func() (vad.Classifier, error) {
			return vad.NewEnergyClassifier(threshold, smoothing)
		}
	}
	return nil
}

// Stats reports manager counters
type Stats struct {
	Active   int    `json:"active_sessions"`
	Ended    int    `json:"retained_ended_sessions"`
	Capacity int    `json:"capacity"`
	Started  uint64 `json:"sessions_started"`
	Rejected uint64 `json:"capacity_rejections"`
}

// Manager owns every live session and the tombstones of recently ended ones
type Manager struct {
	config  Config
	stages  *pipeline.Stages
	logger  *slog.Logger
	metrics *metrics.Metrics

	sessions map[string]*Session
	ended    map[string]*Session
	started  uint64
	rejected uint64
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager and starts its reaper. m may be nil.
func NewManager(config Config, stages *pipeline.Stages, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if stages == nil {
		return nil, fmt.Errorf("stages are required")
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		config:   config,
		stages:   stages,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
		ended:    make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	mgr.wg.Add(1)
	go mgr.reaper()

	return mgr, nil
}

// Start opens a session with the given selection and returns its ID
func (m *Manager) Start(ctx context.Context, genre stage.GenreConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.ctx.Err() != nil {
		return "", ErrSessionClosed
	}

	genre = genre.WithDefaults()
	if err := genre.Validate(); err != nil {
		return "", fmt.Errorf("invalid genre config: %w", err)
	}

	classifier, err := m.config.NewClassifier()
	if err != nil {
		return "", fmt.Errorf("failed to create speech classifier: %w", err)
	}

	id := uuid.NewString()
	logger := m.logger.With(slog.String("session_id", id))

	gate, err := vad.NewGate(id, m.config.Gate, classifier, logger)
	if err != nil {
		return "", err
	}

	stream := output.NewStream(id, m.config.EventBuffer, logger)
	orch, err := pipeline.New(id, genre, m.stages, stream, m.config.Pipeline, m.logger, m.metrics)
	if err != nil {
		return "", err
	}

	sessionCtx, cancel := context.WithCancel(m.ctx)
	s := &Session{
		ID:           id,
		StartTime:    time.Now(),
		gate:         gate,
		orch:         orch,
		stream:       stream,
		inputs:       make(chan input, m.config.FrameQueueSize),
		utterances:   queue.New[*audio.Utterance](),
		logger:       logger,
		metrics:      m.metrics,
		ctx:          sessionCtx,
		cancel:       cancel,
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.config.MaxConcurrent {
		m.rejected++
		active := len(m.sessions)
		m.mu.Unlock()
		cancel()

		m.metrics.RecordCapacityRejection()
		m.logger.Warn("Session rejected, capacity reached",
			slog.Int("active_sessions", active),
			slog.Int("max_concurrent", m.config.MaxConcurrent),
		)
		return "", ErrCapacityExceeded
	}
	m.sessions[id] = s
	m.started++
	active := len(m.sessions)
	m.mu.Unlock()

	s.start()

	m.metrics.RecordSessionStarted()
	m.metrics.SetActiveSessions(active)

	m.logger.Info("Session started",
		slog.String("session_id", id),
		slog.String("genre", genre.Genre),
		slog.String("mood", genre.Mood),
		slog.String("theme", genre.Theme),
		slog.Int("active_sessions", active),
	)

	return id, nil
}

// Stop ends a session. Stopping an ended session is a no-op.
func (m *Manager) Stop(id string) error {
	return m.end(id, EndStopped)
}

func (m *Manager) end(id string, reason EndReason) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		_, ended := m.ended[id]
		m.mu.Unlock()
		if ended {
			return nil
		}
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.ended[id] = s
	active := len(m.sessions)
	m.mu.Unlock()

	if !s.stop(reason, m.config.StopGracePeriod) {
		return nil
	}

	status := s.Status()
	m.metrics.SetActiveSessions(active)
	m.metrics.RecordSessionEnded(string(reason), status.Duration.Seconds())

	m.logger.Info("Finalizing session",
		slog.String("session_id", id),
		slog.String("reason", string(reason)),
		slog.Duration("duration", status.Duration),
		slog.Int("tracks", status.Output.Tracks),
		slog.Uint64("utterances", status.Capture.Utterances),
		slog.Uint64("frames_dropped", status.Capture.FramesDropped),
	)

	return nil
}

// Status returns the session's snapshot, including recently ended sessions
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

// FeedAudio queues one frame for a session's capture loop. A full queue drops
// the frame and returns ErrBackpressureDrop.
func (m *Manager) FeedAudio(id string, frame audio.Frame) error {
	s, err := m.active(id)
	if err != nil {
		return err
	}
	return s.feed(frame)
}

// Control applies a manual capture signal in order with queued frames
func (m *Manager) Control(id string, c vad.Control) error {
	if c != vad.ManualStart && c != vad.ManualStop {
		return fmt.Errorf("unknown capture control %d", int(c))
	}

	s, err := m.active(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.StopGracePeriod)
	defer cancel()

	if err := s.control(ctx, c); err != nil {
		return err
	}

	m.logger.Info("Capture control applied",
		slog.String("session_id", id),
		slog.String("control", c.String()),
	)
	return nil
}

// Subscribe attaches a listener to the session's output stream
func (m *Manager) Subscribe(id string) (*output.Subscription, error) {
	s, err := m.active(id)
	if err != nil {
		return nil, err
	}
	sub, err := s.stream.Subscribe()
	if errors.Is(err, output.ErrStreamClosed) {
		return nil, ErrSessionClosed
	}
	return sub, err
}

// UpdateGenre changes the selection used from the next utterance on
func (m *Manager) UpdateGenre(id string, genre stage.GenreConfig) error {
	s, err := m.active(id)
	if err != nil {
		return err
	}
	if err := s.orch.SetGenre(genre.WithDefaults()); err != nil {
		return fmt.Errorf("invalid genre config: %w", err)
	}

	m.logger.Info("Session genre updated",
		slog.String("session_id", id),
		slog.String("genre", genre.Genre),
	)
	return nil
}

// NewSong clears the session's songwriting conversation so the next
// utterance starts a new song instead of refining the current one
func (m *Manager) NewSong(id string) error {
	s, err := m.active(id)
	if err != nil {
		return err
	}
	s.orch.NewSong()
	s.touch()

	m.logger.Info("Session song reset", slog.String("session_id", id))
	return nil
}

// Track returns finished track n of a session
func (m *Manager) Track(id string, n int) (*output.Track, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	track, ok := s.orch.Track(n)
	if !ok {
		return nil, ErrTrackNotFound
	}
	return track, nil
}

// List returns the status of every active session, oldest first
func (m *Manager) List() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})

	list := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, s.Status())
	}
	return list
}

// ActiveCount returns the number of live sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns manager counters
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Active:   len(m.sessions),
		Ended:    len(m.ended),
		Capacity: m.config.MaxConcurrent,
		Started:  m.started,
		Rejected: m.rejected,
	}
}

// Shutdown stops every session and the reaper
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Stopping session manager")

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = m.end(id, EndShutdown)
			}(id)
		}
		wg.Wait()

		m.cancel()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Session manager stopped", slog.Int("sessions", len(ids)))
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if s, ok := m.ended[id]; ok {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

func (m *Manager) active(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if _, ok := m.ended[id]; ok {
		return nil, ErrSessionClosed
	}
	return nil, ErrSessionNotFound
}

// reaper periodically ends idle sessions and forgets old tombstones
func (m *Manager) reaper() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
			m.expireTombstones()
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	var idle []string

	m.mu.RLock()
	for id, s := range m.sessions {
		last, busy := s.idleSince()
		if !busy && now.Sub(last) > m.config.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.Info("Ending idle session",
			slog.String("session_id", id),
			slog.Duration("idle_timeout", m.config.IdleTimeout),
		)
		_ = m.end(id, EndIdleTimeout)
	}
}

func (m *Manager) expireTombstones() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, s := range m.ended {
		s.mu.RLock()
		endTime := s.endTime
		s.mu.RUnlock()

		if !endTime.IsZero() && now.Sub(endTime) > m.config.StatusRetention {
			delete(m.ended, id)
		}
	}
}
