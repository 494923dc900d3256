package vad

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrEmptyFrame is returned when a frame carries no samples
var ErrEmptyFrame = errors.New("frame has no samples")

// fullScaleEnergy is the RMS level treated as certain speech
const fullScaleEnergy = 10000.0

// Decision is the classifier verdict for one frame
type Decision struct {
	Probability float32 `json:"probability"`
	Speech      bool    `json:"speech"`
	Confidence  float32 `json:"confidence"`
}

// Classifier decides whether a block of samples contains speech
type Classifier interface {
	Classify(samples []int16) (Decision, error)
}

// ClassifierFunc adapts a plain function to the Classifier interface
type ClassifierFunc func(samples []int16) (Decision, error)

// Classify calls f(samples)
func (f ClassifierFunc) Classify(samples []int16) (Decision, error) {
	return f(samples)
}

// EnergyClassifier is an RMS-energy speech classifier with exponential smoothing.
// One instance belongs to one session because the smoothing carries state.
type EnergyClassifier struct {
	threshold float32
	smoothing float32

	lastProbability float32

	totalFrames   uint64
	speechFrames  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// StatsReporter is implemented by classifiers that keep counters
type StatsReporter interface {
	GetStats() ClassifierStats
}

// ClassifierStats reports classifier counters
type ClassifierStats struct {
	TotalFrames      uint64    `json:"total_frames"`
	SpeechFrames     uint64    `json:"speech_frames"`
	SpeechPercentage float64   `json:"speech_percentage"`
	LastProcessed    time.Time `json:"last_processed"`
	Threshold        float32   `json:"threshold"`
}

// NewEnergyClassifier creates a classifier. smoothing is the weight given to the
// previous frame's probability, 0 disables smoothing.
func NewEnergyClassifier(threshold, smoothing float32) (*EnergyClassifier, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}
	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be in [0, 1), got %f", smoothing)
	}

	return &EnergyClassifier{
		threshold: threshold,
		smoothing: smoothing,
	}, nil
}

// Classify scores a frame and compares it against the threshold
func (c *EnergyClassifier) Classify(samples []int16) (Decision, error) {
	if len(samples) == 0 {
		return Decision{}, ErrEmptyFrame
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	probability := energyProbability(samples)
	if c.totalFrames > 0 && c.smoothing > 0 {
		probability = (1-c.smoothing)*probability + c.smoothing*c.lastProbability
	}
	c.lastProbability = probability

	speech := probability >= c.threshold

	c.totalFrames++
	if speech {
		c.speechFrames++
	}
	c.lastProcessed = time.Now()

	// Confidence grows with the distance from the threshold
	confidence := float32(math.Abs(float64(probability - c.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return Decision{
		Probability: probability,
		Speech:      speech,
		Confidence:  confidence * 2,
	}, nil
}

// energyProbability maps the RMS energy of samples onto [0, 1]
func energyProbability(samples []int16) float32 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	normalized := energy / fullScaleEnergy
	if normalized > 1 {
		normalized = 1
	}
	return float32(normalized)
}

// GetStats returns current classifier statistics
func (c *EnergyClassifier) GetStats() ClassifierStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	percentage := float64(0)
	if c.totalFrames > 0 {
		percentage = float64(c.speechFrames) / float64(c.totalFrames) * 100
	}

	return ClassifierStats{
		TotalFrames:      c.totalFrames,
		SpeechFrames:     c.speechFrames,
		SpeechPercentage: percentage,
		LastProcessed:    c.lastProcessed,
		Threshold:        c.threshold,
	}
}
