// Package synthesis implements the HTTP client for the music synthesis
// service. Lyrics are rendered into a genre-tagged prompt and the service
// streams audio back as newline-delimited JSON chunks, which are handed to
// the caller's sink as they arrive.
package synthesis
