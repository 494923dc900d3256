package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/audio"
)

// Known genre, mood and theme choices offered to listeners
var (
	Genres = []string{"pop", "rock", "jazz", "hip-hop", "electronic"}
	Moods  = []string{"upbeat", "sad", "energetic", "chill", "romantic"}
	Themes = []string{"love", "breakup", "party", "reflection", "adventure"}
)

// GenreConfig is the listener's stylistic selection for a session
type GenreConfig struct {
	Genre    string `json:"genre" yaml:"genre"`
	Mood     string `json:"mood" yaml:"mood"`
	Theme    string `json:"theme" yaml:"theme"`
	Language string `json:"language,omitempty" yaml:"language"`
}

// DefaultGenreConfig returns the selection used when a session names none
func DefaultGenreConfig() GenreConfig {
	return GenreConfig{Genre: "pop", Mood: "upbeat", Theme: "love", Language: "en"}
}

// WithDefaults fills empty fields from DefaultGenreConfig
func (g GenreConfig) WithDefaults() GenreConfig {
	d := DefaultGenreConfig()
	if g.Genre == "" {
		g.Genre = d.Genre
	}
	if g.Mood == "" {
		g.Mood = d.Mood
	}
	if g.Theme == "" {
		g.Theme = d.Theme
	}
	if g.Language == "" {
		g.Language = d.Language
	}
	return g
}

// Validate checks the selection against the known choices
func (g GenreConfig) Validate() error {
	if !contains(Genres, g.Genre) {
		return fmt.Errorf("genre must be one of [%s], got %q", strings.Join(Genres, ", "), g.Genre)
	}
	if !contains(Moods, g.Mood) {
		return fmt.Errorf("mood must be one of [%s], got %q", strings.Join(Moods, ", "), g.Mood)
	}
	if !contains(Themes, g.Theme) {
		return fmt.Errorf("theme must be one of [%s], got %q", strings.Join(Themes, ", "), g.Theme)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// TranscriptRequest asks for one utterance to be transcribed
type TranscriptRequest struct {
	Utterance    *audio.Utterance
	LanguageHint string
}

// Word is one transcribed word with its confidence
type Word struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// TranscriptResult is the text derived from one utterance
type TranscriptResult struct {
	UtteranceID string        `json:"utterance_id"`
	Text        string        `json:"text"`
	Words       []Word        `json:"words,omitempty"`
	Language    string        `json:"language"`
	Latency     time.Duration `json:"latency"`
}

// Role marks who spoke a conversation turn
type Role string

const (
	RoleListener Role = "listener"
	RoleWriter   Role = "writer"
)

// Turn is one entry of a session's songwriting conversation: something the
// listener said, or the lyrics written in reply
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AnalysisRequest pairs a transcript with the session's selection
type AnalysisRequest struct {
	Transcript TranscriptResult
	Genre      GenreConfig
}

// ToneScore is one emotional tone label with its score
type ToneScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// AnalysisResult is the emotional and topical profile of one transcript
type AnalysisResult struct {
	UtteranceID  string        `json:"utterance_id"`
	Transcript   string        `json:"transcript"`
	Tones        []ToneScore   `json:"tones"`
	DominantTone string        `json:"dominant_tone"`
	Summary      string        `json:"summary"`
	Topics       []string      `json:"topics,omitempty"`
	Genre        GenreConfig   `json:"genre"`
	Latency      time.Duration `json:"latency"`
	// History holds the earlier turns of the current song, oldest first.
	// Lyrics written with a history refine the song instead of starting over.
	History []Turn `json:"history,omitempty"`
}

// SectionKind marks a structural part of a song
type SectionKind string

const (
	SectionVerse  SectionKind = "verse"
	SectionChorus SectionKind = "chorus"
	SectionBridge SectionKind = "bridge"
	SectionOutro  SectionKind = "outro"
)

// ParseSectionKind normalizes a section label
func ParseSectionKind(s string) (SectionKind, error) {
	switch k := SectionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case SectionVerse, SectionChorus, SectionBridge, SectionOutro:
		return k, nil
	default:
		return "", fmt.Errorf("unknown section type %q", s)
	}
}

// Section is one structural block of lyrics
type Section struct {
	Kind    SectionKind `json:"kind"`
	Content string      `json:"content"`
}

// LyricsResult is a generated song derived from one analysis
type LyricsResult struct {
	UtteranceID string        `json:"utterance_id"`
	Title       string        `json:"title"`
	Text        string        `json:"text"`
	Sections    []Section     `json:"sections"`
	Genre       GenreConfig   `json:"genre"`
	Latency     time.Duration `json:"latency"`
}

// Count returns how many sections of kind the song has
func (l LyricsResult) Count(kind SectionKind) int {
	n := 0
	for _, s := range l.Sections {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// FormatText renders the song as a titled, tagged lyric sheet
func (l LyricsResult) FormatText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", l.Title)
	for _, s := range l.Sections {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", strings.ToUpper(string(s.Kind)), strings.TrimSpace(s.Content))
	}
	return b.String()
}

// SynthesisRequest asks for music for one song
type SynthesisRequest struct {
	Lyrics LyricsResult
	RunID  string
}

// SynthesisChunk is one ordered piece of synthesized audio
type SynthesisChunk struct {
	Index    int    `json:"index"`
	Audio    []byte `json:"-"`
	Format   string `json:"format"`
	Terminal bool   `json:"terminal"`
}

// ChunkSink receives synthesis chunks as they arrive; an error aborts the stream
type ChunkSink func(SynthesisChunk) error

// Transcriber is the transcription collaborator
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscriptRequest) (TranscriptResult, error)
}

// Analyzer is the content and emotion analysis collaborator
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error)
}

// LyricWriter is the lyric generation collaborator
type LyricWriter interface {
	WriteLyrics(ctx context.Context, analysis AnalysisResult) (LyricsResult, error)
}

// Synthesizer is the music synthesis collaborator. It streams chunks into
// sink and returns once the terminal chunk has been delivered.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest, sink ChunkSink) error
}
