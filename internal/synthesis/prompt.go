package synthesis

import (
	"fmt"
	"strings"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

var genreDescriptors = map[string]string{
	"pop":        "pop vocal clear melodic synthesizer",
	"rock":       "rock electric-guitar drums powerful energetic",
	"jazz":       "jazz piano smooth saxophone melodic",
	"hip-hop":    "rap hip-hop beats vocal rhythmic",
	"electronic": "electronic synthesizer beats modern",
}

var moodDescriptors = map[string]string{
	"upbeat":    "energetic bright positive",
	"sad":       "melancholic emotional soft",
	"energetic": "dynamic powerful strong",
	"chill":     "relaxed smooth gentle",
	"romantic":  "soft emotional intimate",
}

// StyleTags returns the instrumentation and mood descriptors for a selection
func StyleTags(genre stage.GenreConfig) string {
	tags := []string{
		genreDescriptors[strings.ToLower(genre.Genre)],
		moodDescriptors[strings.ToLower(genre.Mood)],
		"clear vocal",
	}

	var out []string
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}

// FormatPrompt renders lyrics in the segment-tagged layout the music model expects
func FormatPrompt(lyrics stage.LyricsResult) string {
	var b strings.Builder
	b.WriteString("Generate music from the given lyrics segment by segment.\n")
	fmt.Fprintf(&b, "[Genre] %s\n\n", StyleTags(lyrics.Genre))
	fmt.Fprintf(&b, "[Title] %s\n\n", lyrics.Title)

	for _, s := range lyrics.Sections {
		fmt.Fprintf(&b, "[%s]\n", strings.ToLower(string(s.Kind)))
		for _, line := range strings.Split(strings.TrimSpace(s.Content), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String())
}
