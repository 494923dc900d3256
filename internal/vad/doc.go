// Package vad gates a live frame stream into utterances. A Classifier scores
// each frame; the Gate applies hangover, minimum speech, a duration cap and
// manual capture control on top of those scores.
package vad
