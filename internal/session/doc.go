// Package session manages listener sessions. Each session owns a bounded frame
// queue, a capture loop running the speech gate, and a pipeline orchestrator.
// The Manager enforces the concurrent session limit, reaps idle sessions and
// keeps the status of ended sessions for a retention window.
package session
