// Package analysis adapts an OpenAI-compatible chat model in JSON mode to the
// analysis stage.
package analysis
