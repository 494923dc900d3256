// Package protocol implements the binary capture packet format shared by the
// UDP ingress and WebSocket clients. It handles header parsing, audio payload
// extraction and manual capture control packets.
package protocol
