package analysis

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

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": content},
		}},
	})
	return string(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key"}, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestAnalyzeSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ResponseFormat.Type != "json_object" {
			http.Error(w, "expected json mode", http.StatusBadRequest)
			return
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "jazz") {
			http.Error(w, "expected genre in prompt", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponse(`{"tones":[{"label":"calm","score":0.2},{"label":"Joyful","score":0.9}],"summary":"The speaker is happy.","topics":["happiness"]}`))
	})

	req := stage.AnalysisRequest{
		Transcript: stage.TranscriptResult{UtteranceID: "utt-1", Text: "i feel happy today"},
		Genre:      stage.GenreConfig{Genre: "jazz", Mood: "upbeat", Theme: "love"},
	}
	result, err := client.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if result.DominantTone != "joyful" {
		t.Errorf("Expected dominant tone joyful, got %q", result.DominantTone)
	}
	if len(result.Tones) != 2 || result.Tones[0].Label != "joyful" {
		t.Errorf("Expected tones sorted by score, got %+v", result.Tones)
	}
	if result.UtteranceID != "utt-1" || result.Genre.Genre != "jazz" {
		t.Errorf("Expected request metadata to carry over, got %+v", result)
	}
}

func TestAnalyzeMalformedReply(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatResponse(`not json at all`))
	})

	_, err := client.Analyze(context.Background(), stage.AnalysisRequest{
		Transcript: stage.TranscriptResult{Text: "hello"},
	})
	if got := stage.ReasonOf(err); got != stage.ReasonMalformedResponse {
		t.Errorf("Expected MalformedResponse, got %s (%v)", got, err)
	}
}

func TestAnalyzeServiceUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"bad gateway","type":"server_error"}}`)
	})

	_, err := client.Analyze(context.Background(), stage.AnalysisRequest{
		Transcript: stage.TranscriptResult{Text: "hello"},
	})
	if got := stage.ReasonOf(err); got != stage.ReasonServiceUnavailable {
		t.Errorf("Expected ServiceUnavailable, got %s (%v)", got, err)
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		dominant  string
		expectErr bool
	}{
		{name: "explicit dominant", content: `{"tones":[{"label":"sad","score":0.7}],"dominant_tone":"Sad"}`, dominant: "sad"},
		{name: "clamped score", content: `{"tones":[{"label":"angry","score":3}]}`, dominant: "angry"},
		{name: "no tones", content: `{"tones":[],"summary":"x"}`, expectErr: true},
		{name: "blank labels", content: `{"tones":[{"label":" ","score":0.5}]}`, expectErr: true},
		{name: "not json", content: `{`, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseResult(tt.content)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if result.DominantTone != tt.dominant {
				t.Errorf("Expected dominant %q, got %q", tt.dominant, result.DominantTone)
			}
			for _, tone := range result.Tones {
				if tone.Score < 0 || tone.Score > 1 {
					t.Errorf("Score out of range: %+v", tone)
				}
			}
		})
	}
}
