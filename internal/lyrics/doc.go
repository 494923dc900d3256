// Package lyrics adapts Gemini structured output to the lyrics stage. Songs
// come back as JSON constrained by a response schema and are validated to
// contain a title, a verse and a chorus.
package lyrics
