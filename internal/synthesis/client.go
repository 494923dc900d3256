package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

// Client streams music from an HTTP synthesis service. The service answers a
// JSON request with newline-delimited JSON chunks.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalChunks     uint64
	totalBytes      uint64

	mu sync.RWMutex
}

// Config contains synthesis client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	SampleRate    int
	Format        string // "pcm16" or "wav"
	MaxConcurrent int
}

// Request is the body posted to the synthesis service
type Request struct {
	RunID      string `json:"run_id"`
	Prompt     string `json:"prompt"`
	Title      string `json:"title"`
	Genre      string `json:"genre"`
	Mood       string `json:"mood"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

// Chunk is one line of the synthesis response stream. Audio is base64 in JSON.
type Chunk struct {
	Index    int    `json:"index"`
	Audio    []byte `json:"audio"`
	Format   string `json:"format"`
	Terminal bool   `json:"terminal"`
	Error    string `json:"error,omitempty"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64 `json:"total_requests"`
	SuccessRequests uint64 `json:"success_requests"`
	FailedRequests  uint64 `json:"failed_requests"`
	TotalChunks     uint64 `json:"total_chunks"`
	TotalBytes      uint64 `json:"total_bytes"`
	ActiveRequests  int    `json:"active_requests"`
}

// NewClient creates a new synthesis client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}

	if config.Format == "" {
		config.Format = "pcm16"
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	// No client timeout: the stream is bounded by the caller's context
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
	}, nil
}

// Synthesize requests music for one song and feeds each chunk to sink in
// arrival order. Once a chunk has been handed to sink, any later failure is
// marked non-retryable so a retry never replays chunks.
func (c *Client) Synthesize(ctx context.Context, req stage.SynthesisRequest, sink stage.ChunkSink) error {
	if len(req.Lyrics.Sections) == 0 {
		return stage.Failf(stage.ReasonMalformedInput, "lyrics have no sections")
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	c.incrementTotalRequests()

	delivered, err := c.stream(ctx, req, sink)
	if err != nil {
		c.incrementFailedRequests()
		if delivered > 0 {
			return stage.NoRetry(err)
		}
		return err
	}

	c.incrementSuccessRequests()
	return nil
}

// stream performs one request and returns how many chunks reached the sink
func (c *Client) stream(ctx context.Context, req stage.SynthesisRequest, sink stage.ChunkSink) (int, error) {
	body, err := json.Marshal(Request{
		RunID:      req.RunID,
		Prompt:     FormatPrompt(req.Lyrics),
		Title:      req.Lyrics.Title,
		Genre:      req.Lyrics.Genre.Genre,
		Mood:       req.Lyrics.Genre.Mood,
		SampleRate: c.config.SampleRate,
		Format:     c.config.Format,
	})
	if err != nil {
		return 0, stage.Fail(stage.ReasonMalformedInput, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, stage.Fail(stage.ReasonMalformedInput, fmt.Errorf("failed to create HTTP request: %w", err))
	}

	// Set headers
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	httpReq.Header.Set("User-Agent", "Realtime-Music-Generator/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, stage.Fail(stage.ReasonOf(err), fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, stage.Failf(stage.ReasonForStatus(resp.StatusCode), "HTTP error %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	decoder := json.NewDecoder(resp.Body)
	delivered := 0
	for {
		var chunk Chunk
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				if delivered == 0 {
					return 0, stage.Failf(stage.ReasonServiceUnavailable, "stream ended before any chunk")
				}
				return delivered, stage.Failf(stage.ReasonSequenceViolation, "stream ended after %d chunks without a terminal chunk", delivered)
			}
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, stage.Fail(stage.ReasonMalformedResponse, fmt.Errorf("failed to decode chunk %d: %w", delivered, err))
		}

		if chunk.Error != "" {
			return delivered, stage.Failf(stage.ReasonServiceUnavailable, "synthesis service reported: %s", chunk.Error)
		}

		if chunk.Format == "" {
			chunk.Format = c.config.Format
		}

		if err := sink(stage.SynthesisChunk{
			Index:    chunk.Index,
			Audio:    chunk.Audio,
			Format:   chunk.Format,
			Terminal: chunk.Terminal,
		}); err != nil {
			return delivered, err
		}
		delivered++
		c.recordChunk(len(chunk.Audio))

		if chunk.Terminal {
			c.logger.Debug("Synthesis stream complete",
				slog.String("run_id", req.RunID),
				slog.Int("chunks", delivered),
			)
			return delivered, nil
		}
	}
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) recordChunk(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalChunks++
	c.totalBytes += uint64(size)
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		TotalChunks:     c.totalChunks,
		TotalBytes:      c.totalBytes,
		ActiveRequests:  len(c.semaphore),
	}
}
