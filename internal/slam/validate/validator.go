// Package validate filters individual ranging observations for physical
// plausibility, sensor-class accuracy bounds, temporal consistency, and
// rate-of-change before they reach the filter. It holds no state beyond
// a bounded per-source measurement history.
package validate

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/fieldsense/rangeslam/internal/config"
	"github.com/fieldsense/rangeslam/internal/slam"
)

// Config holds validator gate parameters.
type Config struct {
	MinDistance    float64 // metres, lower physical plausibility bound
	MaxDistance    float64 // metres, upper physical plausibility bound
	MaxSpeed       float64 // m/s, rate-of-change gate vs previous same-source reading
	SigmaGate      float64 // temporal consistency multiplier (classic 3-sigma)
	HistoryLength  int     // bounded ring length per source
	TemporalWindow int     // readings used for mean/stddev
}

// DefaultConfig returns validator configuration loaded from the canonical
// tuning defaults file. Panics if the file cannot be found; intended for
// tests and binaries that have already validated config availability.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a validator Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MinDistance:    cfg.GetValidatorMinDistanceM(),
		MaxDistance:    cfg.GetValidatorMaxDistanceM(),
		MaxSpeed:       cfg.GetValidatorMaxSpeedMps(),
		SigmaGate:      cfg.GetValidatorSigmaGate(),
		HistoryLength:  cfg.GetValidatorHistoryLength(),
		TemporalWindow: cfg.GetValidatorTemporalWindow(),
	}
}

// Result reports the outcome of validating one measurement. Errors lists
// every gate the measurement failed, not just the first.
type Result struct {
	Valid  bool
	Errors []string
}

// Validator applies the measurement gates. Every call, pass or fail,
// appends the measurement to that source's history so chained temporal
// checks see the full observation sequence.
type Validator struct {
	mu      sync.Mutex
	cfg     Config
	history map[string][]slam.RangingMeasurement
}

// New creates a Validator with the given configuration.
func New(cfg Config) *Validator {
	return &Validator{
		cfg:     cfg,
		history: make(map[string][]slam.RangingMeasurement),
	}
}

// SetConfig swaps gate thresholds while keeping per-source history.
func (v *Validator) SetConfig(cfg Config) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg = cfg
}

// Validate checks a single measurement against all gates and records it in
// the per-source history regardless of outcome.
func (v *Validator) Validate(m slam.RangingMeasurement) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	var errs []string

	// Gate 1: physical plausibility.
	if m.Distance < v.cfg.MinDistance || m.Distance > v.cfg.MaxDistance {
		errs = append(errs, fmt.Sprintf("distance %.3fm outside [%.2fm, %.2fm]",
			m.Distance, v.cfg.MinDistance, v.cfg.MaxDistance))
	}
	if m.Accuracy < 0 || m.Accuracy >= m.Distance {
		errs = append(errs, fmt.Sprintf("accuracy %.3fm not in [0, distance %.3fm)",
			m.Accuracy, m.Distance))
	}

	// Gate 2: sensor-class accuracy ceiling. An accuracy claim beyond the
	// class ceiling signals sensor malfunction, not genuine precision.
	if ceiling := m.Type.AccuracyCeiling(); m.Accuracy > ceiling {
		errs = append(errs, fmt.Sprintf("%s accuracy %.3fm exceeds class ceiling %.1fm",
			m.Type, m.Accuracy, ceiling))
	}

	prior := v.history[m.SourceID]

	// Gate 3: temporal consistency against recent same-source readings.
	// The first couple of readings per source always pass; there is not
	// enough history for a meaningful deviation estimate.
	if len(prior) >= 2 {
		window := prior
		if len(window) > v.cfg.TemporalWindow {
			window = window[len(window)-v.cfg.TemporalWindow:]
		}
		xs := make([]float64, len(window))
		for i, h := range window {
			xs[i] = h.Distance
		}
		mean := stat.Mean(xs, nil)
		sd := stat.StdDev(xs, nil)
		if sd > 0 && math.Abs(m.Distance-mean) > v.cfg.SigmaGate*sd {
			errs = append(errs, fmt.Sprintf("distance %.3fm deviates %.1f-sigma from recent mean %.3fm",
				m.Distance, math.Abs(m.Distance-mean)/sd, mean))
		}
	}

	// Gate 4: rate-of-change vs the immediately preceding reading.
	if len(prior) > 0 {
		prev := prior[len(prior)-1]
		dt := float64(m.TimestampMs-prev.TimestampMs) / 1000.0
		if dt > 0 {
			speed := math.Abs(m.Distance-prev.Distance) / dt
			if speed > v.cfg.MaxSpeed {
				errs = append(errs, fmt.Sprintf("implied speed %.1fm/s exceeds %.1fm/s",
					speed, v.cfg.MaxSpeed))
			}
		}
	}

	// Record unconditionally, bounded to the most recent HistoryLength.
	prior = append(prior, m)
	if len(prior) > v.cfg.HistoryLength {
		prior = prior[len(prior)-v.cfg.HistoryLength:]
	}
	v.history[m.SourceID] = prior

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// HistoryLen returns the number of retained readings for a source.
func (v *Validator) HistoryLen(sourceID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.history[sourceID])
}

// Reset clears all per-source history. Called when SLAM is reset.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.history = make(map[string][]slam.RangingMeasurement)
}
