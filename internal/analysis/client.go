package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

const systemPrompt = `You analyze short spoken statements for a songwriter.
Reply with a JSON object only, using this shape:
{"tones":[{"label":"<emotion>","score":<0..1>}],"dominant_tone":"<emotion>","summary":"<one sentence>","topics":["<topic>"]}
Use lower-case single-word emotion labels such as joyful, sad, angry, calm, nostalgic, hopeful, anxious, romantic.
List at most four tones ordered by score.`

// Config contains analysis client configuration
type Config struct {
	// BaseURL selects the provider; empty uses OpenAI
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

// Client scores the emotional tone and topics of a transcript with a chat model
type Client struct {
	config Config
	api    *openai.Client
	logger *slog.Logger
}

type toneJSON struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type analysisJSON struct {
	Tones        []toneJSON `json:"tones"`
	DominantTone string     `json:"dominant_tone"`
	Summary      string     `json:"summary"`
	Topics       []string   `json:"topics"`
}

// NewClient creates a new analysis client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 400
	}

	apiConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		apiConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}

	return &Client{
		config: config,
		api:    openai.NewClientWithConfig(apiConfig),
		logger: logger,
	}, nil
}

// Analyze derives the tone profile of one transcript
func (c *Client) Analyze(ctx context.Context, req stage.AnalysisRequest) (stage.AnalysisResult, error) {
	text := strings.TrimSpace(req.Transcript.Text)
	if text == "" {
		return stage.AnalysisResult{}, stage.Failf(stage.ReasonMalformedInput, "transcript is empty")
	}

	startTime := time.Now()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(text, req.Genre)},
		},
	})
	if err != nil {
		return stage.AnalysisResult{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return stage.AnalysisResult{}, stage.Failf(stage.ReasonMalformedResponse, "completion has no choices")
	}

	result, err := ParseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return stage.AnalysisResult{}, err
	}

	result.UtteranceID = req.Transcript.UtteranceID
	result.Transcript = text
	result.Genre = req.Genre
	result.Latency = time.Since(startTime)

	c.logger.Debug("Transcript analyzed",
		slog.String("utterance_id", result.UtteranceID),
		slog.String("dominant_tone", result.DominantTone),
		slog.Int("tones", len(result.Tones)),
		slog.Duration("latency", result.Latency),
	)

	return result, nil
}

func userPrompt(text string, genre stage.GenreConfig) string {
	return fmt.Sprintf("Statement: %q\nThe listener wants a %s song with a %s mood about %s.", text, genre.Genre, genre.Mood, genre.Theme)
}

// ParseResult validates the model's JSON reply. Scores are clamped to [0, 1],
// tones are sorted by score and a missing dominant tone is taken from the top score.
func ParseResult(content string) (stage.AnalysisResult, error) {
	var raw analysisJSON
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return stage.AnalysisResult{}, stage.Fail(stage.ReasonMalformedResponse, fmt.Errorf("invalid analysis JSON: %w", err))
	}

	tones := make([]stage.ToneScore, 0, len(raw.Tones))
	for _, t := range raw.Tones {
		label := strings.ToLower(strings.TrimSpace(t.Label))
		if label == "" {
			continue
		}
		tones = append(tones, stage.ToneScore{Label: label, Score: clamp(t.Score)})
	}
	if len(tones) == 0 {
		return stage.AnalysisResult{}, stage.Failf(stage.ReasonMalformedResponse, "analysis has no tones")
	}

	sort.SliceStable(tones, func(i, j int) bool { return tones[i].Score > tones[j].Score })

	dominant := strings.ToLower(strings.TrimSpace(raw.DominantTone))
	if dominant == "" {
		dominant = tones[0].Label
	}

	return stage.AnalysisResult{
		Tones:        tones,
		DominantTone: dominant,
		Summary:      strings.TrimSpace(raw.Summary),
		Topics:       raw.Topics,
	}, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// classifyError maps OpenAI client errors onto stage reasons
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return stage.Fail(stage.ReasonForStatus(apiErr.HTTPStatusCode), err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return stage.Fail(stage.ReasonForStatus(reqErr.HTTPStatusCode), err)
	}

	return stage.Fail(stage.ReasonOf(err), err)
}
