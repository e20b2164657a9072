// Package loop detects revisits of previously observed locations. The
// detector only flags closures, it performs no pose-graph correction, so
// a flagged closure is an event for logging and statistics, not a state
// mutation. History is a list of visited location buckets, each holding a
// representative pose and the set of landmark ids observed nearby.
package loop

import (
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldsense/rangeslam/internal/config"
	"github.com/fieldsense/rangeslam/internal/slam"
)

// Config holds detector thresholds.
type Config struct {
	// LocationThreshold is the radius (metres) within which a pose is
	// considered a revisit of a stored location.
	LocationThreshold float64
	// MinConfidence is the acceptance threshold for a closure. It is
	// deliberately conservative: a false closure is a bad graph-correcting
	// signal for any downstream consumer.
	MinConfidence float64
}

// DefaultConfig returns detector configuration loaded from the canonical
// tuning defaults file. Panics if the file cannot be found.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a detector Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		LocationThreshold: cfg.GetLoopLocationThresholdM(),
		MinConfidence:     cfg.GetLoopMinConfidence(),
	}
}

// visitedLocation is one location bucket in the detector's history.
type visitedLocation struct {
	pose        slam.DevicePose
	landmarkIDs map[string]struct{}
	visits      int
}

// Closure describes an accepted loop closure event.
type Closure struct {
	EventID          string  // loop_<uuid>
	Confidence       float64 // blended score, > MinConfidence
	Displacement     float64 // metres between current and historic pose
	MatchedLandmarks int     // shared landmark ids with the matched bucket
	TotalLandmarks   int     // landmark ids stored at the matched bucket
}

// Detector maintains visited-location history and flags revisits.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	visited []*visitedLocation
}

// New creates a Detector with the given configuration.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// SetConfig swaps thresholds while keeping the visited history.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// Observe checks the current pose and measurement against the visited
// history, then records the (pose, landmark ids) association, merging
// into an existing nearby bucket when one is within threshold. It returns
// the accepted closure, if any. Detection runs before recording so a
// location cannot match against itself.
func (d *Detector) Observe(pose slam.DevicePose, m slam.RangingMeasurement, landmarkIDs []string) (Closure, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	closure, ok := d.detectLocked(pose, m, landmarkIDs)
	d.recordLocked(pose, landmarkIDs)
	return closure, ok
}

func (d *Detector) detectLocked(pose slam.DevicePose, m slam.RangingMeasurement, landmarkIDs []string) (Closure, bool) {
	best := Closure{}
	found := false

	for _, loc := range d.visited {
		dist := poseDistance(pose, loc.pose)
		if dist > d.cfg.LocationThreshold {
			continue
		}

		shared := 0
		for _, id := range landmarkIDs {
			if _, ok := loc.landmarkIDs[id]; ok {
				shared++
			}
		}
		if shared == 0 || len(loc.landmarkIDs) == 0 {
			continue
		}

		// Geometric consistency: a spatial coincidence is only trustworthy
		// when the displacement is small relative to the measurement's own
		// uncertainty.
		if dist > 3*m.Accuracy {
			continue
		}

		distanceFactor := (d.cfg.LocationThreshold - dist) / d.cfg.LocationThreshold
		accuracyFactor := 1 / (1 + m.Accuracy)
		similarityFactor := float64(shared) / float64(len(loc.landmarkIDs))
		confidence := 0.3*distanceFactor + 0.3*accuracyFactor + 0.4*similarityFactor

		if confidence > d.cfg.MinConfidence && (!found || confidence > best.Confidence) {
			best = Closure{
				EventID:          "loop_" + uuid.NewString(),
				Confidence:       confidence,
				Displacement:     dist,
				MatchedLandmarks: shared,
				TotalLandmarks:   len(loc.landmarkIDs),
			}
			found = true
		}
	}

	return best, found
}

// recordLocked merges the association into the nearest bucket within
// threshold, or starts a new bucket.
func (d *Detector) recordLocked(pose slam.DevicePose, landmarkIDs []string) {
	var nearest *visitedLocation
	nearestDist := math.MaxFloat64
	for _, loc := range d.visited {
		if dist := poseDistance(pose, loc.pose); dist <= d.cfg.LocationThreshold && dist < nearestDist {
			nearest = loc
			nearestDist = dist
		}
	}

	if nearest != nil {
		for _, id := range landmarkIDs {
			nearest.landmarkIDs[id] = struct{}{}
		}
		nearest.visits++
		return
	}

	ids := make(map[string]struct{}, len(landmarkIDs))
	for _, id := range landmarkIDs {
		ids[id] = struct{}{}
	}
	d.visited = append(d.visited, &visitedLocation{pose: pose, landmarkIDs: ids, visits: 1})
}

// VisitedCount returns the number of stored location buckets.
func (d *Detector) VisitedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.visited)
}

// Reset clears all visited-location history.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visited = nil
}

func poseDistance(a, b slam.DevicePose) float64 {
	return a.Position.DistanceTo(b.Position)
}
