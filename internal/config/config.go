package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	UDP           UDPConfig           `yaml:"udp"`
	Session       SessionConfig       `yaml:"session"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Lyrics        LyricsConfig        `yaml:"lyrics"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port           int      `yaml:"port"`
	Address        string   `yaml:"address"`
	Enabled        bool     `yaml:"enabled"`
	ReadTimeout    float64  `yaml:"read_timeout"`  // seconds
	WriteTimeout   float64  `yaml:"write_timeout"` // seconds
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// UDPConfig contains UDP capture ingress configuration
type UDPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"`
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
}

// SessionConfig contains session lifecycle limits
type SessionConfig struct {
	MaxConcurrent   int     `yaml:"max_concurrent"`
	IdleTimeout     float64 `yaml:"idle_timeout"` // seconds
	FrameQueueSize  int     `yaml:"frame_queue_size"`
	StopGracePeriod float64 `yaml:"stop_grace_period"` // seconds
	StatusRetention float64 `yaml:"status_retention"`  // seconds
	CleanupInterval float64 `yaml:"cleanup_interval"`  // seconds
	EventBuffer     int     `yaml:"event_buffer"`
	MaxTracks       int     `yaml:"max_tracks"`
	MaxHistoryTurns int     `yaml:"max_history_turns"`
}

// AudioConfig contains audio format parameters
type AudioConfig struct {
	SampleRate       int `yaml:"sample_rate"`
	Channels         int `yaml:"channels"`
	BitDepth         int `yaml:"bit_depth"`
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// VADConfig contains speech gate configuration
type VADConfig struct {
	Threshold            float32 `yaml:"threshold"`
	Smoothing            float32 `yaml:"smoothing"`
	MinSpeechDuration    float64 `yaml:"min_speech_duration"`    // seconds
	HangoverDuration     float64 `yaml:"hangover_duration"`      // seconds
	MaxUtteranceDuration float64 `yaml:"max_utterance_duration"` // seconds
	FailureThreshold     int     `yaml:"failure_threshold"`
}

// RetryConfig bounds the latency and retries of one stage
type RetryConfig struct {
	AttemptTimeout float64 `yaml:"attempt_timeout"` // seconds
	Deadline       float64 `yaml:"deadline"`        // seconds
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff float64 `yaml:"initial_backoff"` // seconds
	MaxBackoff     float64 `yaml:"max_backoff"`     // seconds
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	BaseURL           string      `yaml:"base_url"`
	APIKey            string      `yaml:"api_key"`
	Model             string      `yaml:"model"`
	MaxConcurrent     int         `yaml:"max_concurrent"`
	NoSpeechThreshold float64     `yaml:"no_speech_threshold"`
	Retry             RetryConfig `yaml:"retry"`
}

// AnalysisConfig contains content analysis API configuration
type AnalysisConfig struct {
	BaseURL     string      `yaml:"base_url"`
	APIKey      string      `yaml:"api_key"`
	Model       string      `yaml:"model"`
	Temperature float32     `yaml:"temperature"`
	MaxTokens   int         `yaml:"max_tokens"`
	Retry       RetryConfig `yaml:"retry"`
}

// LyricsConfig contains lyric generation API configuration
type LyricsConfig struct {
	BaseURL     string      `yaml:"base_url"`
	APIKey      string      `yaml:"api_key"`
	Model       string      `yaml:"model"`
	Temperature float32     `yaml:"temperature"`
	Retry       RetryConfig `yaml:"retry"`
}

// SynthesisConfig contains music synthesis service configuration
type SynthesisConfig struct {
	Endpoint      string      `yaml:"endpoint"`
	APIKey        string      `yaml:"api_key"`
	Format        string      `yaml:"format"`
	MaxConcurrent int         `yaml:"max_concurrent"`
	Retry         RetryConfig `yaml:"retry"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with the service defaults
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         8080,
			Address:      "0.0.0.0",
			Enabled:      true,
			ReadTimeout:  15,
			WriteTimeout: 60,
		},
		UDP: UDPConfig{
			Enabled:     false,
			Port:        4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			Workers:     4,
			QueueSize:   1024,
		},
		Session: SessionConfig{
			MaxConcurrent:   10,
			IdleTimeout:     120,
			FrameQueueSize:  256,
			StopGracePeriod: 2,
			StatusRetention: 300,
			CleanupInterval: 10,
			EventBuffer:     64,
			MaxTracks:       16,
			MaxHistoryTurns: 12,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			Channels:         1,
			BitDepth:         16,
			OutputSampleRate: 24000,
		},
		VAD: VADConfig{
			Threshold:            0.5,
			Smoothing:            0.3,
			MinSpeechDuration:    0.25,
			HangoverDuration:     0.6,
			MaxUtteranceDuration: 15,
			FailureThreshold:     5,
		},
		Transcription: TranscriptionConfig{
			Model:             "whisper-1",
			MaxConcurrent:     10,
			NoSpeechThreshold: 0.7,
			Retry:             retryDefaults(15, 50),
		},
		Analysis: AnalysisConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   400,
			Retry:       retryDefaults(10, 35),
		},
		Lyrics: LyricsConfig{
			Model:       "gemini-2.0-flash",
			Temperature: 0.9,
			Retry:       retryDefaults(20, 65),
		},
		Synthesis: SynthesisConfig{
			Endpoint:      "http://localhost:9000/v1/synthesize",
			Format:        "pcm16",
			MaxConcurrent: 4,
			Retry:         retryDefaults(90, 280),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func retryDefaults(attemptTimeout, deadline float64) RetryConfig {
	return RetryConfig{
		AttemptTimeout: attemptTimeout,
		Deadline:       deadline,
		MaxAttempts:    3,
		InitialBackoff: 0.25,
		MaxBackoff:     2,
	}
}

// Load reads and parses the configuration file over the defaults, fills
// secrets from the environment and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv fills empty API keys from the environment
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Transcription.APIKey == "" {
		if strings.Contains(c.Transcription.BaseURL, "groq") {
			c.Transcription.APIKey = getenv("GROQ_API_KEY")
		} else {
			c.Transcription.APIKey = getenv("OPENAI_API_KEY")
		}
	}
	if c.Analysis.APIKey == "" {
		c.Analysis.APIKey = getenv("OPENAI_API_KEY")
	}
	if c.Lyrics.APIKey == "" {
		c.Lyrics.APIKey = getenv("GEMINI_API_KEY")
	}
	if c.Synthesis.APIKey == "" {
		c.Synthesis.APIKey = getenv("SYNTH_API_KEY")
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.UDP.Validate(); err != nil {
		return fmt.Errorf("udp config: %w", err)
	}

	if !c.HTTP.Enabled && !c.UDP.Enabled {
		return fmt.Errorf("at least one of http or udp must be enabled")
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis config: %w", err)
	}

	if err := c.Lyrics.Validate(); err != nil {
		return fmt.Errorf("lyrics config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}

	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty when HTTP is enabled")
	}

	if h.ReadTimeout <= 0 || h.WriteTimeout <= 0 {
		return fmt.Errorf("read_timeout and write_timeout must be positive")
	}

	return nil
}

// Validate validates UDP configuration
func (u *UDPConfig) Validate() error {
	if !u.Enabled {
		return nil
	}

	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	if u.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", u.Workers)
	}

	if u.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", u.QueueSize)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %f", s.IdleTimeout)
	}

	if s.FrameQueueSize < 1 {
		return fmt.Errorf("frame_queue_size must be at least 1, got %d", s.FrameQueueSize)
	}

	if s.StopGracePeriod <= 0 {
		return fmt.Errorf("stop_grace_period must be positive, got %f", s.StopGracePeriod)
	}

	if s.StatusRetention < 0 {
		return fmt.Errorf("status_retention cannot be negative, got %f", s.StatusRetention)
	}

	if s.CleanupInterval <= 0 || s.CleanupInterval > s.IdleTimeout {
		return fmt.Errorf("cleanup_interval must be positive and at most idle_timeout, got %f", s.CleanupInterval)
	}

	if s.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1, got %d", s.EventBuffer)
	}

	if s.MaxTracks < 1 {
		return fmt.Errorf("max_tracks must be at least 1, got %d", s.MaxTracks)
	}

	// One exchange is a listener turn plus a writer turn
	if s.MaxHistoryTurns < 2 {
		return fmt.Errorf("max_history_turns must be at least 2, got %d", s.MaxHistoryTurns)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	switch a.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("sample_rate must be one of 8000, 16000, 24000, 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.OutputSampleRate < 8000 {
		return fmt.Errorf("output_sample_rate must be at least 8000 Hz, got %d", a.OutputSampleRate)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.Smoothing < 0 || v.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", v.Smoothing)
	}

	if v.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", v.MinSpeechDuration)
	}

	if v.HangoverDuration <= 0 {
		return fmt.Errorf("hangover_duration must be positive, got %f", v.HangoverDuration)
	}

	if v.MaxUtteranceDuration <= v.HangoverDuration || v.MaxUtteranceDuration <= v.MinSpeechDuration {
		return fmt.Errorf("max_utterance_duration (%f) must exceed hangover and min speech durations", v.MaxUtteranceDuration)
	}

	if v.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", v.FailureThreshold)
	}

	return nil
}

// Validate validates a stage retry policy
func (r *RetryConfig) Validate() error {
	if err := r.Policy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.NoSpeechThreshold <= 0 || t.NoSpeechThreshold > 1 {
		return fmt.Errorf("no_speech_threshold must be in (0, 1], got %f", t.NoSpeechThreshold)
	}

	return t.Retry.Validate()
}

// Validate validates analysis configuration
func (a *AnalysisConfig) Validate() error {
	if a.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if a.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", a.Temperature)
	}

	if a.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", a.MaxTokens)
	}

	return a.Retry.Validate()
}

// Validate validates lyrics configuration
func (l *LyricsConfig) Validate() error {
	if l.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if l.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", l.Temperature)
	}

	return l.Retry.Validate()
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	validFormats := map[string]bool{"pcm16": true, "wav": true}
	if !validFormats[s.Format] {
		return fmt.Errorf("format must be 'pcm16' or 'wav', got '%s'", s.Format)
	}

	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	return s.Retry.Validate()
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path
	return nil
}

// Sanitized returns a copy with API keys masked, safe to print or serve
func (c *Config) Sanitized() Config {
	cp := *c
	cp.HTTP.AllowedOrigins = append([]string(nil), c.HTTP.AllowedOrigins...)
	cp.Transcription.APIKey = mask(c.Transcription.APIKey)
	cp.Analysis.APIKey = mask(c.Analysis.APIKey)
	cp.Lyrics.APIKey = mask(c.Lyrics.APIKey)
	cp.Synthesis.APIKey = mask(c.Synthesis.APIKey)
	return cp
}

func mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Policy converts the retry settings into a stage policy
func (r *RetryConfig) Policy() stage.Policy {
	return stage.Policy{
		AttemptTimeout: seconds(r.AttemptTimeout),
		Deadline:       seconds(r.Deadline),
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: seconds(r.InitialBackoff),
		MaxBackoff:     seconds(r.MaxBackoff),
	}
}

// GetReadTimeoutDuration returns the read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return seconds(h.ReadTimeout)
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return seconds(h.WriteTimeout)
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeoutDuration() time.Duration {
	return seconds(s.IdleTimeout)
}

// GetStopGracePeriodDuration returns the stop grace period as a time.Duration
func (s *SessionConfig) GetStopGracePeriodDuration() time.Duration {
	return seconds(s.StopGracePeriod)
}

// GetStatusRetentionDuration returns the status retention as a time.Duration
func (s *SessionConfig) GetStatusRetentionDuration() time.Duration {
	return seconds(s.StatusRetention)
}

// GetCleanupIntervalDuration returns the reaper interval as a time.Duration
func (s *SessionConfig) GetCleanupIntervalDuration() time.Duration {
	return seconds(s.CleanupInterval)
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return seconds(v.MinSpeechDuration)
}

// GetHangoverDuration returns the closing silence duration as a time.Duration
func (v *VADConfig) GetHangoverDuration() time.Duration {
	return seconds(v.HangoverDuration)
}

// GetMaxUtteranceDuration returns the utterance cap as a time.Duration
func (v *VADConfig) GetMaxUtteranceDuration() time.Duration {
	return seconds(v.MaxUtteranceDuration)
}
