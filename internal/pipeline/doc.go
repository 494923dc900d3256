// Package pipeline implements the per-session orchestrator. It takes closed
// utterances one at a time and moves each through transcription, analysis,
// lyric generation and synthesis, publishing every state change, segment,
// finished track and stage-tagged error on the session's output stream.
//
// A failed utterance moves the orchestrator to failed and then back to
// awaiting_utterance; it never ends the session. Cancelling the run context
// cancels the stage call in flight and the orchestrator reports cancelled.
package pipeline
