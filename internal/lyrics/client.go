package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

// DefaultModel is the Gemini model used when none is configured
const DefaultModel = "gemini-2.0-flash"

// Config contains lyrics client configuration
type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the Gemini endpoint, used for proxies
	BaseURL     string
	Temperature float32
}

// Client writes structured song lyrics with Gemini
type Client struct {
	config Config
	models *genai.Models
	logger *slog.Logger
}

type sectionJSON struct {
	SectionType string `json:"section_type"`
	Content     string `json:"content"`
}

type songJSON struct {
	Title    string        `json:"title"`
	Sections []sectionJSON `json:"sections"`
}

// NewClient creates a new lyrics client
func NewClient(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Temperature <= 0 {
		config.Temperature = 0.9
	}

	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{
		config: config,
		models: client.Models,
		logger: logger,
	}, nil
}

// WriteLyrics generates a song for one analysis result
func (c *Client) WriteLyrics(ctx context.Context, analysis stage.AnalysisResult) (stage.LyricsResult, error) {
	startTime := time.Now()

	resp, err := c.models.GenerateContent(ctx, c.config.Model, genai.Text(BuildPrompt(analysis)), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(c.config.Temperature),
		ResponseMIMEType: "application/json",
		ResponseSchema:   SongSchema(),
	})
	if err != nil {
		return stage.LyricsResult{}, classifyError(err)
	}

	if err := checkBlocked(resp); err != nil {
		return stage.LyricsResult{}, err
	}

	result, err := ParseSong(resp.Text())
	if err != nil {
		return stage.LyricsResult{}, err
	}

	result.UtteranceID = analysis.UtteranceID
	result.Genre = analysis.Genre
	result.Latency = time.Since(startTime)

	c.logger.Debug("Lyrics generated",
		slog.String("utterance_id", result.UtteranceID),
		slog.String("title", result.Title),
		slog.Int("sections", len(result.Sections)),
		slog.Duration("latency", result.Latency),
	)

	return result, nil
}

// BuildPrompt renders the songwriting request for one analysis
func BuildPrompt(analysis stage.AnalysisResult) string {
	genre := analysis.Genre.WithDefaults()

	var b strings.Builder
	if len(analysis.History) > 0 {
		b.WriteString("Based on the following conversation:\n\n")
		for _, turn := range analysis.History {
			speaker := "Listener"
			if turn.Role == stage.RoleWriter {
				speaker = "Songwriter"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, strings.TrimSpace(turn.Content))
		}
		fmt.Fprintf(&b, "Listener: %s\n\n", strings.TrimSpace(analysis.Transcript))
		b.WriteString("Revise the song to follow the listener's latest feedback, keeping what they did not ask to change.\n\n")
	} else {
		b.WriteString("Based on the following statement from the listener:\n\n")
		fmt.Fprintf(&b, "%q\n\n", analysis.Transcript)
	}
	if analysis.DominantTone != "" {
		fmt.Fprintf(&b, "The listener sounds %s.", analysis.DominantTone)
		if analysis.Summary != "" {
			fmt.Fprintf(&b, " %s", analysis.Summary)
		}
		b.WriteString("\n\n")
	}
	b.WriteString("Create song lyrics with these parameters:\n")
	fmt.Fprintf(&b, "- Genre: %s\n", genre.Genre)
	fmt.Fprintf(&b, "- Mood: %s\n", genre.Mood)
	fmt.Fprintf(&b, "- Theme: %s\n", genre.Theme)
	fmt.Fprintf(&b, "- Language: %s\n\n", genre.Language)
	b.WriteString("Generate a complete song with the following structure:\n")
	b.WriteString("1. A title\n2. At least one verse\n3. A chorus\n4. Optional bridge\n5. Optional outro\n\n")
	b.WriteString("The output must follow the exact JSON structure with these section types: VERSE, CHORUS, BRIDGE, OUTRO.\n")
	return b.String()
}

// SongSchema is the response schema Gemini must follow
func SongSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"title": {Type: genai.TypeString},
			"sections": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"section_type": {Type: genai.TypeString, Enum: []string{"VERSE", "CHORUS", "BRIDGE", "OUTRO"}},
						"content":      {Type: genai.TypeString},
					},
					Required:         []string{"section_type", "content"},
					PropertyOrdering: []string{"section_type", "content"},
				},
			},
		},
		Required:         []string{"title", "sections"},
		PropertyOrdering: []string{"title", "sections"},
	}
}

// ParseSong validates a JSON song. It must have a title, a verse and a chorus.
func ParseSong(text string) (stage.LyricsResult, error) {
	if strings.TrimSpace(text) == "" {
		return stage.LyricsResult{}, stage.Failf(stage.ReasonMalformedResponse, "no response generated from the model")
	}

	var raw songJSON
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return stage.LyricsResult{}, stage.Fail(stage.ReasonMalformedResponse, fmt.Errorf("invalid lyrics JSON: %w", err))
	}

	result := stage.LyricsResult{Title: strings.TrimSpace(raw.Title)}
	if result.Title == "" {
		return stage.LyricsResult{}, stage.Failf(stage.ReasonMalformedResponse, "song has no title")
	}

	for i, s := range raw.Sections {
		kind, err := stage.ParseSectionKind(s.SectionType)
		if err != nil {
			return stage.LyricsResult{}, stage.Fail(stage.ReasonMalformedResponse, fmt.Errorf("section %d: %w", i, err))
		}
		content := cleanLines(s.Content)
		if content == "" {
			continue
		}
		result.Sections = append(result.Sections, stage.Section{Kind: kind, Content: content})
	}

	if result.Count(stage.SectionVerse) == 0 || result.Count(stage.SectionChorus) == 0 {
		return stage.LyricsResult{}, stage.Failf(stage.ReasonMalformedResponse, "song needs at least one verse and a chorus")
	}

	result.Text = result.FormatText()
	return result, nil
}

// cleanLines trims each line and drops blank ones
func cleanLines(content string) string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// checkBlocked reports safety blocks as ContentRejected
func checkBlocked(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return stage.Failf(stage.ReasonMalformedResponse, "empty response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return stage.Failf(stage.ReasonContentRejected, "prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		switch cand.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
			return stage.Failf(stage.ReasonContentRejected, "generation stopped: %s", cand.FinishReason)
		}
	}
	return nil
}

// classifyError maps Gemini API errors onto stage reasons
func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return stage.Fail(stage.ReasonForStatus(apiErr.Code), err)
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return stage.Fail(stage.ReasonForStatus(apiErrPtr.Code), err)
	}

	return stage.Fail(stage.ReasonOf(err), err)
}
