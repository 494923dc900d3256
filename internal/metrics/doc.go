// Package metrics defines the service's Prometheus metrics on an explicit
// registry. Every Record method is safe on a nil *Metrics.
package metrics
