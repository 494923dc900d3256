// Package audio defines capture frames and utterances and converts PCM audio
// to and from the WAV container used for transcription uploads.
package audio
