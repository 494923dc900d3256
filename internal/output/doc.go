// Package output assembles synthesis chunks into ordered, playable segments
// and fans session events out to subscribers.
//
// An Assembler belongs to one pipeline run. It accepts chunks strictly in
// index order starting at 0, exposes the accepted segments as a lazily
// consumed channel for streaming playback, and yields one complete Track
// after the terminal chunk.
//
// A Stream belongs to one session and carries state changes, segments,
// finished tracks, stage-tagged errors and a final closed event.
package output
