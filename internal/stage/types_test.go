package stage

import (
	"strings"
	"testing"
)

func TestGenreConfigDefaultsAndValidate(t *testing.T) {
	cfg := GenreConfig{Genre: "jazz"}.WithDefaults()
	if cfg.Genre != "jazz" || cfg.Mood != "upbeat" || cfg.Theme != "love" || cfg.Language != "en" {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name string
		cfg  GenreConfig
	}{
		{name: "unknown genre", cfg: GenreConfig{Genre: "polka", Mood: "sad", Theme: "love"}},
		{name: "unknown mood", cfg: GenreConfig{Genre: "rock", Mood: "angry", Theme: "love"}},
		{name: "unknown theme", cfg: GenreConfig{Genre: "rock", Mood: "sad", Theme: "taxes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestParseSectionKind(t *testing.T) {
	if k, err := ParseSectionKind(" VERSE "); err != nil || k != SectionVerse {
		t.Errorf("Expected verse, got %q (%v)", k, err)
	}
	if _, err := ParseSectionKind("intro"); err == nil {
		t.Error("Expected error for unknown section")
	}
}

func TestLyricsFormatText(t *testing.T) {
	l := LyricsResult{
		Title: "Sunny Day",
		Sections: []Section{
			{Kind: SectionVerse, Content: "I feel happy today"},
			{Kind: SectionChorus, Content: "Sing it loud"},
			{Kind: SectionVerse, Content: "Walking in the light"},
		},
	}

	text := l.FormatText()
	if !strings.HasPrefix(text, "TITLE: Sunny Day") {
		t.Errorf("Expected title header, got %q", text)
	}
	if strings.Count(text, "[VERSE]") != 2 || l.Count(SectionVerse) != 2 {
		t.Errorf("Expected two verse markers, got %q", text)
	}
}
