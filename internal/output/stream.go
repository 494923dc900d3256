package output

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrStreamClosed is returned when subscribing to a finished session
	ErrStreamClosed = errors.New("output stream closed")
	// ErrSubscriberOverflow marks a subscriber dropped for not keeping up
	ErrSubscriberOverflow = errors.New("subscriber fell behind")
)

// EventType identifies an output event
type EventType string

const (
	EventState    EventType = "state"
	EventSegment  EventType = "segment"
	EventTrack    EventType = "track"
	EventError    EventType = "error"
	EventDegraded EventType = "degraded"
	EventClosed   EventType = "closed"
)

// ErrorInfo is a stage-tagged failure as seen by the caller
type ErrorInfo struct {
	Stage       string    `json:"stage,omitempty"`
	Reason      string    `json:"reason"`
	Message     string    `json:"message"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	At          time.Time `json:"at"`
}

// Event is one message on a session's output stream
type Event struct {
	Type        EventType  `json:"type"`
	SessionID   string     `json:"session_id"`
	Time        time.Time  `json:"time"`
	State       string     `json:"state,omitempty"`
	UtteranceID string     `json:"utterance_id,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	Segment     *Segment   `json:"segment,omitempty"`
	Track       *Track     `json:"track,omitempty"`
	TrackIndex  *int       `json:"track_index,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	// Reason is set on closed events
	Reason string `json:"reason,omitempty"`
}

// Subscription receives a session's events until the stream closes or the
// subscriber falls behind
type Subscription struct {
	id     uint64
	events chan Event
	stream *Stream

	err  error
	once sync.Once
	mu   sync.Mutex
}

// Events returns the event channel; it is closed when the subscription ends
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err reports why the subscription ended, nil after a normal close
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes
func (s *Subscription) Close() {
	s.stream.remove(s.id, nil)
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}

// Stream fans a session's events out to its subscribers. Publishing never
// blocks: a subscriber whose buffer is full is closed with ErrSubscriberOverflow.
type Stream struct {
	sessionID string
	buffer    int
	logger    *slog.Logger

	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	mu sync.Mutex
}

// NewStream creates the output stream of one session
func NewStream(sessionID string, buffer int, logger *slog.Logger) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{
		sessionID: sessionID,
		buffer:    buffer,
		logger:    logger,
		subs:      make(map[uint64]*Subscription),
	}
}

// Subscribe adds a subscriber
func (s *Stream) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}

	s.nextID++
	sub := &Subscription{
		id:     s.nextID,
		events: make(chan Event, s.buffer),
		stream: s,
	}
	s.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers an event to every subscriber
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.deliver(ev)
}

// deliver sends without blocking; callers hold mu
func (s *Stream) deliver(ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = s.sessionID
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	for id, sub := range s.subs {
		select {
		case sub.events <- ev:
		default:
			delete(s.subs, id)
			sub.end(ErrSubscriberOverflow)
			s.logger.Warn("Output subscriber fell behind, closing it",
				slog.String("session_id", s.sessionID),
				slog.Uint64("subscriber", id),
				slog.String("event", string(ev.Type)),
			)
		}
	}
}

// Close publishes the final closed event and ends every subscription
func (s *Stream) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.deliver(Event{Type: EventClosed, Reason: reason})
	s.closed = true

	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.end(nil)
	}
}

// Subscribers returns the number of active subscribers
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Closed reports whether the stream has been closed
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) remove(id uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		sub.end(err)
	}
}
