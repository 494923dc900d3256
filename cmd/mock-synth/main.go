// Command mock-synth is a local synthesis server for development. It answers
// the synthesis request with a few seconds of sine tone streamed as NDJSON
// chunks, so the whole pipeline can run without a real music model.
package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/synthesis"
)

// pitches maps a genre to the base tone in Hz
var pitches = map[string]float64{
	"pop":        440,
	"rock":       329.63,
	"jazz":       293.66,
	"hip-hop":    220,
	"electronic": 523.25,
}

type mockServer struct {
	chunks   int
	chunkDur time.Duration
	delay    time.Duration
	logger   *slog.Logger
}

func (s *mockServer) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesis.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusUnprocessableEntity)
		return
	}
	if req.SampleRate <= 0 {
		req.SampleRate = 24000
	}

	s.logger.Info("Synthesis request received",
		slog.String("run_id", req.RunID),
		slog.String("title", req.Title),
		slog.String("genre", req.Genre),
		slog.String("mood", req.Mood),
		slog.Int("sample_rate", req.SampleRate),
		slog.Int("prompt_bytes", len(req.Prompt)),
	)

	freq, ok := pitches[req.Genre]
	if !ok {
		freq = 440
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	samplesPerChunk := int(float64(req.SampleRate) * s.chunkDur.Seconds())
	for i := 0; i < s.chunks; i++ {
		select {
		case <-r.Context().Done():
			s.logger.Warn("Client went away mid-stream", slog.String("run_id", req.RunID), slog.Int("index", i))
			return
		case <-time.After(s.delay):
		}

		chunk := synthesis.Chunk{
			Index:    i,
			Audio:    tone(freq, req.SampleRate, i*samplesPerChunk, samplesPerChunk),
			Format:   "pcm16",
			Terminal: i == s.chunks-1,
		}
		if err := enc.Encode(chunk); err != nil {
			s.logger.Error("Failed to write chunk", slog.String("error", err.Error()))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	s.logger.Info("Synthesis stream complete", slog.String("run_id", req.RunID), slog.Int("chunks", s.chunks))
}

// tone renders n little-endian PCM16 samples of a sine wave starting at offset
func tone(freq float64, rate, offset, n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(offset+i) / float64(rate)
		v := int16(8000 * math.Sin(2*math.Pi*freq*t))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	chunks := flag.Int("chunks", 8, "Chunks per synthesis")
	chunkDur := flag.Duration("chunk-duration", 500*time.Millisecond, "Audio length of each chunk")
	delay := flag.Duration("delay", 150*time.Millisecond, "Delay before each chunk")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s := &mockServer{chunks: *chunks, chunkDur: *chunkDur, delay: *delay, logger: logger}

	router := mux.NewRouter()
	router.HandleFunc("/v1/synthesize", s.handleSynthesize).Methods("POST")

	logger.Info("Mock synthesis server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "http://localhost"+*addr+"/v1/synthesize"),
	)

	if err := http.ListenAndServe(*addr, router); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
