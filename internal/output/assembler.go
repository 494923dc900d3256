package output

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

var (
	// ErrSequenceViolation is returned for a chunk that breaks the gapless order
	ErrSequenceViolation = errors.New("sequence violation")
	// ErrIncomplete is returned when the track is requested before the terminal chunk
	ErrIncomplete = errors.New("track incomplete")
	// ErrAborted is returned by an assembler whose run was abandoned
	ErrAborted = errors.New("assembly aborted")
)

// Segment is one accepted chunk of a run, ready for playback
type Segment struct {
	RunID       string `json:"run_id"`
	UtteranceID string `json:"utterance_id"`
	Index       int    `json:"index"`
	Format      string `json:"format"`
	Bytes       int    `json:"bytes"`
	Terminal    bool   `json:"terminal"`
	Audio       []byte `json:"-"`
}

// Track is the complete audio of one run
type Track struct {
	RunID       string `json:"run_id"`
	UtteranceID string `json:"utterance_id"`
	Title       string `json:"title"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sample_rate"`
	Segments    int    `json:"segments"`
	Bytes       int    `json:"bytes"`
	Audio       []byte `json:"-"`
}

// WAV returns the track as a WAV file. PCM tracks are wrapped, WAV tracks
// are returned unchanged.
func (t *Track) WAV() ([]byte, error) {
	switch t.Format {
	case "wav":
		return t.Audio, nil
	case "pcm16", "":
		samples, err := audio.PCMFromBytes(t.Audio)
		if err != nil {
			return nil, err
		}
		return audio.EncodeWAV(samples, t.SampleRate)
	default:
		return nil, fmt.Errorf("unsupported track format %q", t.Format)
	}
}

// Assembler merges the synthesis chunks of one run into an ordered sequence.
// Accepted segments are visible to readers immediately; the complete track is
// available once the terminal chunk has been accepted.
type Assembler struct {
	runID       string
	utteranceID string
	title       string
	sampleRate  int

	segments   []Segment
	next       int
	terminated bool
	aborted    bool
	changed    chan struct{}

	mu sync.Mutex
}

// NewAssembler creates an assembler for one run
func NewAssembler(runID, utteranceID, title string, sampleRate int) *Assembler {
	return &Assembler{
		runID:       runID,
		utteranceID: utteranceID,
		title:       title,
		sampleRate:  sampleRate,
		changed:     make(chan struct{}),
	}
}

// Accept appends a chunk. Its index must be exactly one greater than the last
// accepted index, starting at 0, and nothing is accepted after the terminal chunk.
func (a *Assembler) Accept(chunk stage.SynthesisChunk) (Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.aborted:
		return Segment{}, ErrAborted
	case a.terminated:
		return Segment{}, fmt.Errorf("%w: chunk %d after terminal chunk %d", ErrSequenceViolation, chunk.Index, a.next-1)
	case chunk.Index != a.next:
		return Segment{}, fmt.Errorf("%w: expected chunk %d, got %d", ErrSequenceViolation, a.next, chunk.Index)
	}

	seg := Segment{
		RunID:       a.runID,
		UtteranceID: a.utteranceID,
		Index:       chunk.Index,
		Format:      chunk.Format,
		Bytes:       len(chunk.Audio),
		Terminal:    chunk.Terminal,
		Audio:       chunk.Audio,
	}
	a.segments = append(a.segments, seg)
	a.next++
	a.terminated = chunk.Terminal
	a.notify()

	return seg, nil
}

// Abort ends the run without a terminal chunk; readers stop after the
// segments already accepted
func (a *Assembler) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminated || a.aborted {
		return
	}
	a.aborted = true
	a.notify()
}

// notify wakes every reader waiting for a change; callers hold mu
func (a *Assembler) notify() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// Complete reports whether the terminal chunk has been accepted
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

// Len returns the number of accepted segments
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segments)
}

// Segments returns a channel yielding every accepted segment in order,
// including those accepted before the call. The channel closes after the
// terminal segment, on abort, or when ctx ends.
func (a *Assembler) Segments(ctx context.Context) <-chan Segment {
	out := make(chan Segment)

	go func() {
		defer close(out)

		for i := 0; ; {
			a.mu.Lock()
			if i < len(a.segments) {
				seg := a.segments[i]
				a.mu.Unlock()

				select {
				case out <- seg:
					i++
				case <-ctx.Done():
					return
				}
				continue
			}
			if a.terminated || a.aborted {
				a.mu.Unlock()
				return
			}
			changed := a.changed
			a.mu.Unlock()

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Track returns the complete audio once the terminal chunk has been accepted
func (a *Assembler) Track() (*Track, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.aborted {
		return nil, ErrAborted
	}
	if !a.terminated {
		return nil, fmt.Errorf("%w: %d segments accepted", ErrIncomplete, len(a.segments))
	}

	size := 0
	for _, s := range a.segments {
		size += len(s.Audio)
	}

	data := make([]byte, 0, size)
	format := ""
	for _, s := range a.segments {
		data = append(data, s.Audio...)
		if format == "" {
			format = s.Format
		}
	}

	return &Track{
		RunID:       a.runID,
		UtteranceID: a.utteranceID,
		Title:       a.title,
		Format:      format,
		SampleRate:  a.sampleRate,
		Segments:    len(a.segments),
		Bytes:       len(data),
		Audio:       data,
	}, nil
}
