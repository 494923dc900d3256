package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

// Client transcribes utterances through an OpenAI-compatible Whisper endpoint
type Client struct {
	config    Config
	api       *openai.Client
	semaphore chan struct{} // Rate limiting semaphore
	logger    *slog.Logger

	// Statistics
	totalRequests      uint64
	successRequests    uint64
	failedRequests     uint64
	unintelligible     uint64
	avgResponseTime    time.Duration
	totalAudioDuration time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	// BaseURL selects the provider, e.g. https://api.groq.com/openai/v1; empty uses OpenAI
	BaseURL       string
	APIKey        string
	Model         string
	MaxConcurrent int
	// NoSpeechThreshold rejects results whose first segment is likely silence
	NoSpeechThreshold float64
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests      uint64        `json:"total_requests"`
	SuccessRequests    uint64        `json:"success_requests"`
	FailedRequests     uint64        `json:"failed_requests"`
	Unintelligible     uint64        `json:"unintelligible"`
	SuccessRate        float64       `json:"success_rate"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	TotalAudioDuration time.Duration `json:"total_audio_duration"`
	ActiveRequests     int           `json:"active_requests"`
}

// NewClient creates a new transcription client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.Model == "" {
		config.Model = openai.Whisper1
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.NoSpeechThreshold <= 0 || config.NoSpeechThreshold > 1 {
		config.NoSpeechThreshold = 0.7
	}

	apiConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		apiConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	}

	return &Client{
		config:    config,
		api:       openai.NewClientWithConfig(apiConfig),
		semaphore: make(chan struct{}, config.MaxConcurrent),
		logger:    logger,
	}, nil
}

// Transcribe sends one utterance for transcription. A single attempt is made;
// retries belong to the stage client wrapping it.
func (c *Client) Transcribe(ctx context.Context, req stage.TranscriptRequest) (stage.TranscriptResult, error) {
	if req.Utterance == nil || len(req.Utterance.Frames) == 0 {
		return stage.TranscriptResult{}, stage.Failf(stage.ReasonMalformedInput, "utterance has no audio")
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return stage.TranscriptResult{}, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	wav, err := req.Utterance.WAV()
	if err != nil {
		c.incrementFailedRequests()
		return stage.TranscriptResult{}, stage.Fail(stage.ReasonMalformedInput, fmt.Errorf("failed to encode utterance: %w", err))
	}

	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.config.Model,
		FilePath: req.Utterance.ID + ".wav",
		Reader:   bytes.NewReader(wav),
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: req.LanguageHint,
	})
	if err != nil {
		c.incrementFailedRequests()
		return stage.TranscriptResult{}, classifyError(err)
	}

	result, err := c.buildResult(req, resp)
	if err != nil {
		c.incrementUnintelligible()
		return stage.TranscriptResult{}, err
	}

	latency := time.Since(startTime)
	result.Latency = latency
	c.recordSuccess(latency, req.Utterance.Duration)

	c.logger.Debug("Utterance transcribed",
		slog.String("session_id", req.Utterance.SessionID),
		slog.String("utterance_id", req.Utterance.ID),
		slog.Int("words", len(result.Words)),
		slog.String("language", result.Language),
		slog.Duration("latency", latency),
	)

	return result, nil
}

// buildResult converts the verbose response into a transcript
func (c *Client) buildResult(req stage.TranscriptRequest, resp openai.AudioResponse) (stage.TranscriptResult, error) {
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return stage.TranscriptResult{}, stage.Failf(stage.ReasonUnintelligible, "no speech recognized")
	}

	if len(resp.Segments) > 0 && resp.Segments[0].NoSpeechProb > c.config.NoSpeechThreshold {
		return stage.TranscriptResult{}, stage.Failf(stage.ReasonUnintelligible,
			"no speech probability %.2f above threshold %.2f", resp.Segments[0].NoSpeechProb, c.config.NoSpeechThreshold)
	}

	var words []stage.Word
	if len(resp.Segments) == 0 {
		words = splitWords(text, 1)
	}
	for _, seg := range resp.Segments {
		words = append(words, splitWords(seg.Text, segmentConfidence(seg.AvgLogprob))...)
	}

	language := resp.Language
	if language == "" {
		language = req.LanguageHint
	}

	return stage.TranscriptResult{
		UtteranceID: req.Utterance.ID,
		Text:        text,
		Words:       words,
		Language:    language,
	}, nil
}

// segmentConfidence turns an average token log probability into [0, 1]
func segmentConfidence(avgLogprob float64) float32 {
	p := math.Exp(avgLogprob)
	if p > 1 {
		p = 1
	}
	return float32(p)
}

func splitWords(text string, confidence float32) []stage.Word {
	fields := strings.Fields(text)
	words := make([]stage.Word, 0, len(fields))
	for _, f := range fields {
		words = append(words, stage.Word{Text: f, Confidence: confidence})
	}
	return words
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

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementUnintelligible() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
	c.unintelligible++
}

func (c *Client) recordSuccess(responseTime, audio time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successRequests++
	c.totalAudioDuration += audio

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:      c.totalRequests,
		SuccessRequests:    c.successRequests,
		FailedRequests:     c.failedRequests,
		Unintelligible:     c.unintelligible,
		SuccessRate:        successRate,
		AvgResponseTime:    c.avgResponseTime,
		TotalAudioDuration: c.totalAudioDuration,
		ActiveRequests:     len(c.semaphore),
	}
}

// Close waits for active requests to complete
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
