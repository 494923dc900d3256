// Package server exposes sessions over the network: an HTTP API for session
// lifecycle, track download and monitoring, a WebSocket stream carrying
// capture packets in and pipeline events out, and a UDP listener that feeds
// the same binary packets into sessions through a bounded worker pool.
package server
