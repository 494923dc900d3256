package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/futurespyhi/Realtime-Music-Generator/internal/stage"
)

// SynthesisJob carries a synthesis request and the sink its chunks flow into
type SynthesisJob struct {
	Request stage.SynthesisRequest
	Sink    stage.ChunkSink
}

// Policies holds the retry policy of every stage
type Policies struct {
	Transcription stage.Policy
	Analysis      stage.Policy
	Lyrics        stage.Policy
	Synthesis     stage.Policy
}

// Collaborators are the external capabilities the pipeline drives
type Collaborators struct {
	Transcriber stage.Transcriber
	Analyzer    stage.Analyzer
	LyricWriter stage.LyricWriter
	Synthesizer stage.Synthesizer
}

// Stages is the set of stage clients shared by every session's orchestrator
type Stages struct {
	Transcription *stage.Client[stage.TranscriptRequest, stage.TranscriptResult]
	Analysis      *stage.Client[stage.AnalysisRequest, stage.AnalysisResult]
	Lyrics        *stage.Client[stage.AnalysisResult, stage.LyricsResult]
	Synthesis     *stage.Client[SynthesisJob, struct{}]
}

// NewStages wraps each collaborator in a stage client. recorder may be nil.
func NewStages(policies Policies, c Collaborators, logger *slog.Logger, recorder stage.Recorder) (*Stages, error) {
	if c.Transcriber == nil || c.Analyzer == nil || c.LyricWriter == nil || c.Synthesizer == nil {
		return nil, fmt.Errorf("all four collaborators are required")
	}

	transcription, err := stage.NewClient(stage.Transcription, policies.Transcription, c.Transcriber.Transcribe, logger, recorder)
	if err != nil {
		return nil, err
	}

	analysis, err := stage.NewClient(stage.Analysis, policies.Analysis, c.Analyzer.Analyze, logger, recorder)
	if err != nil {
		return nil, err
	}

	lyrics, err := stage.NewClient(stage.Lyrics, policies.Lyrics, c.LyricWriter.WriteLyrics, logger, recorder)
	if err != nil {
		return nil, err
	}

	synthesize := func(ctx context.Context, job SynthesisJob) (struct{}, error) {
		return struct{}{}, c.Synthesizer.Synthesize(ctx, job.Request, job.Sink)
	}
	synthesis, err := stage.NewClient(stage.Synthesis, policies.Synthesis, synthesize, logger, recorder)
	if err != nil {
		return nil, err
	}

	return &Stages{
		Transcription: transcription,
		Analysis:      analysis,
		Lyrics:        lyrics,
		Synthesis:     synthesis,
	}, nil
}
