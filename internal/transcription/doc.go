// Package transcription adapts an OpenAI-compatible Whisper endpoint (OpenAI
// or Groq) to the transcription stage. Utterances are uploaded as WAV with a
// verbose JSON response so per-segment confidence and no-speech probability
// can be turned into word confidences and Unintelligible failures.
package transcription
