// Package queue provides a generic FIFO used to hand work from a producer
// that must never block to a consumer that may be slow.
package queue
