// Package stage defines the payloads exchanged between pipeline stages, the
// collaborator interfaces, the failure taxonomy and a generic client that
// applies per-stage deadlines, bounded retries and cancellation.
package stage
