package lyrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

const sampleSong = `{"title":"Sunny Day","sections":[
	{"section_type":"VERSE","content":"  I feel happy today \n\n walking in the sun "},
	{"section_type":"CHORUS","content":"Sing it loud"},
	{"section_type":"VERSE","content":"Every step is light"},
	{"section_type":"OUTRO","content":"   "}
]}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAnalysis() stage.AnalysisResult {
	return stage.AnalysisResult{
		UtteranceID:  "utt-1",
		Transcript:   "i feel happy today",
		DominantTone: "joyful",
		Summary:      "The speaker is in a good mood.",
		Genre:        stage.GenreConfig{Genre: "jazz", Mood: "upbeat", Theme: "love"},
	}
}

func TestParseSong(t *testing.T) {
	result, err := ParseSong(sampleSong)
	if err != nil {
		t.Fatalf("ParseSong failed: %v", err)
	}

	if result.Title != "Sunny Day" {
		t.Errorf("Expected title Sunny Day, got %q", result.Title)
	}
	if result.Count(stage.SectionVerse) != 2 || result.Count(stage.SectionChorus) != 1 {
		t.Errorf("Unexpected sections: %+v", result.Sections)
	}
	if len(result.Sections) != 3 {
		t.Errorf("Expected blank outro to be dropped, got %d sections", len(result.Sections))
	}
	if result.Sections[0].Content != "I feel happy today\nwalking in the sun" {
		t.Errorf("Expected cleaned lines, got %q", result.Sections[0].Content)
	}
	if !strings.Contains(result.Text, "[VERSE]") {
		t.Errorf("Expected formatted text, got %q", result.Text)
	}
}

func TestParseSongErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: " "},
		{name: "not json", text: "la la la"},
		{name: "no title", text: `{"title":"","sections":[{"section_type":"VERSE","content":"a"},{"section_type":"CHORUS","content":"b"}]}`},
		{name: "unknown section", text: `{"title":"x","sections":[{"section_type":"INTRO","content":"a"}]}`},
		{name: "no chorus", text: `{"title":"x","sections":[{"section_type":"VERSE","content":"a"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSong(tt.text)
			if got := stage.ReasonOf(err); got != stage.ReasonMalformedResponse {
				t.Errorf("Expected MalformedResponse, got %s (%v)", got, err)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(testAnalysis())

	for _, want := range []string{"i feel happy today", "joyful", "Genre: jazz", "Mood: upbeat", "Theme: love", "Language: en", "VERSE, CHORUS"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}
}

func TestBuildPromptWithHistory(t *testing.T) {
	analysis := testAnalysis()
	analysis.Transcript = "make the chorus about the ocean"
	analysis.History = []stage.Turn{
		{Role: stage.RoleListener, Content: "a song about summer"},
		{Role: stage.RoleWriter, Content: "TITLE: Summer\n\n[VERSE]\nsun on my face"},
	}

	prompt := BuildPrompt(analysis)

	for _, want := range []string{
		"Based on the following conversation",
		"Listener: a song about summer",
		"Songwriter: TITLE: Summer",
		"Listener: make the chorus about the ocean",
		"Revise the song",
		"Genre: jazz",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}
	if strings.Index(prompt, "a song about summer") > strings.Index(prompt, "the ocean") {
		t.Error("Expected history before the latest statement")
	}
}

func TestSongSchema(t *testing.T) {
	schema := SongSchema()
	if schema.Type != genai.TypeObject {
		t.Fatalf("Expected object schema, got %v", schema.Type)
	}
	sections := schema.Properties["sections"]
	if sections == nil || sections.Items == nil {
		t.Fatal("Expected sections array schema")
	}
	if got := sections.Items.Properties["section_type"].Enum; len(got) != 4 {
		t.Errorf("Expected 4 section types, got %v", got)
	}
}

func TestCheckBlocked(t *testing.T) {
	tests := []struct {
		name     string
		resp     *genai.GenerateContentResponse
		expected stage.Reason
	}{
		{
			name:     "prompt blocked",
			resp:     &genai.GenerateContentResponse{PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety}},
			expected: stage.ReasonContentRejected,
		},
		{
			name:     "safety finish",
			resp:     &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}},
			expected: stage.ReasonContentRejected,
		},
		{
			name:     "nil response",
			resp:     nil,
			expected: stage.ReasonMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stage.ReasonOf(checkBlocked(tt.resp)); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}

	ok := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop}}}
	if err := checkBlocked(ok); err != nil {
		t.Errorf("Expected normal finish to pass, got %v", err)
	}
}

func TestWriteLyrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]string{{"text": sampleSong}}},
				"finishReason": "STOP",
			}},
		})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, string(body))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), Config{APIKey: "test-key", BaseURL: srv.URL + "/"}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	result, err := client.WriteLyrics(context.Background(), testAnalysis())
	if err != nil {
		t.Fatalf("WriteLyrics failed: %v", err)
	}
	if result.UtteranceID != "utt-1" || result.Genre.Genre != "jazz" {
		t.Errorf("Expected analysis metadata to carry over, got %+v", result)
	}
	if result.Count(stage.SectionVerse) != 2 {
		t.Errorf("Expected 2 verses, got %d", result.Count(stage.SectionVerse))
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}, testLogger()); err == nil {
		t.Error("Expected error for missing API key")
	}
}
