// Package pipeline composes the fusion stages into a running engine. It
// owns the processing goroutine: IMU samples drive filter prediction,
// ranging batches are validated, prioritised and applied as filter
// updates, and each step publishes the resulting pose and full state on
// subscriber feeds.
package pipeline

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fieldsense/rangeslam/internal/config"
	"github.com/fieldsense/rangeslam/internal/feed"
	"github.com/fieldsense/rangeslam/internal/slam"
	"github.com/fieldsense/rangeslam/internal/slam/ekf"
	"github.com/fieldsense/rangeslam/internal/slam/loop"
	"github.com/fieldsense/rangeslam/internal/slam/validate"
)

// confidenceTraceScale maps position covariance trace onto [0,1]
// confidence. Trace at or above this value reads as zero confidence.
const confidenceTraceScale = 10.0

// Config bundles per-stage tuning plus feed sizing.
type Config struct {
	Filter    ekf.Config
	Validator validate.Config
	Loop      loop.Config

	// FeedBufferDepth sizes the pose and state subscriber channels.
	FeedBufferDepth int
}

func DefaultConfig() Config {
	return Config{
		Filter:          ekf.DefaultConfig(),
		Validator:       validate.DefaultConfig(),
		Loop:            loop.DefaultConfig(),
		FeedBufferDepth: feed.DefaultBufferDepth,
	}
}

func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Filter:          ekf.ConfigFromTuning(cfg),
		Validator:       validate.ConfigFromTuning(cfg),
		Loop:            loop.ConfigFromTuning(cfg),
		FeedBufferDepth: cfg.GetFeedBufferDepth(),
	}
}

// ErrAlreadyRunning is returned by Start when the processing goroutine
// is still live.
var ErrAlreadyRunning = errors.New("pipeline: processor already running")

// Processor is the composition root for the fusion engine. All stage
// mutation happens on a single goroutine started by Start; accessor
// methods and Reset are safe to call concurrently and take effect
// between discrete processing steps.
type Processor struct {
	mu  sync.Mutex
	cfg Config

	filter    *ekf.Filter
	validator *validate.Validator
	detector  *loop.Detector

	stats     slam.ProcessingStats
	lastIMUms int64

	poseFeed  *feed.Feed[slam.DevicePose]
	stateFeed *feed.Feed[slam.SlamState]

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config) *Processor {
	p := &Processor{
		cfg:       cfg,
		filter:    ekf.New(cfg.Filter),
		validator: validate.New(cfg.Validator),
		detector:  loop.New(cfg.Loop),
		poseFeed:  feed.New[slam.DevicePose](cfg.FeedBufferDepth),
		stateFeed: feed.New[slam.SlamState](cfg.FeedBufferDepth),
	}
	p.stats.SessionID = uuid.New().String()
	return p
}

// Poses returns a subscription carrying one DevicePose per processed
// step. Slow consumers lose oldest entries rather than stalling the
// pipeline.
func (p *Processor) Poses() *feed.Subscription[slam.DevicePose] {
	return p.poseFeed.Subscribe()
}

// States returns a subscription carrying the full SlamState snapshot
// emitted after each processed step.
func (p *Processor) States() *feed.Subscription[slam.SlamState] {
	return p.stateFeed.Subscribe()
}

// Start launches the processing goroutine. It drains imu and ranging
// until the context is cancelled or both channels are closed.
func (p *Processor) Start(ctx context.Context, imu <-chan slam.IMUMeasurement, ranging <-chan []slam.RangingMeasurement) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	diagf("processor start: session=%s", p.Stats().SessionID)

	go func() {
		defer close(done)
		defer func() {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
		}()
		for {
			select {
			case <-runCtx.Done():
				return
			case m, ok := <-imu:
				if !ok {
					imu = nil
					if ranging == nil {
						return
					}
					continue
				}
				p.stepIMU(m)
			case batch, ok := <-ranging:
				if !ok {
					ranging = nil
					if imu == nil {
						return
					}
					continue
				}
				p.stepRanging(batch)
			}
		}
	}()
	return nil
}

// Stop cancels the processing goroutine and waits for it to drain.
// Safe to call more than once.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Reset returns every stage to its initial state and starts a fresh
// session. Subscriptions survive a reset.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter.Reset()
	p.validator.Reset()
	p.detector.Reset()
	p.lastIMUms = 0
	p.stats = slam.ProcessingStats{SessionID: uuid.New().String()}
	diagf("processor reset: session=%s", p.stats.SessionID)
}

// Stats returns a copy of the per-session counters.
func (p *Processor) Stats() slam.ProcessingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// UpdateConfig swaps stage tuning between processing steps. Filter and
// validator history are preserved; only thresholds change.
func (p *Processor) UpdateConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.filter.SetConfig(cfg.Filter)
	p.validator.SetConfig(cfg.Validator)
	p.detector.SetConfig(cfg.Loop)
	diagf("processor tuning updated")
}

// CurrentPose is a side-effect-free pose query.
func (p *Processor) CurrentPose() slam.DevicePose {
	return p.filter.Pose()
}

// CurrentState is a side-effect-free full state query.
func (p *Processor) CurrentState() slam.SlamState {
	return p.snapshotState()
}

// ProcessIMU applies one IMU sample synchronously. Exposed for callers
// that drive the engine without the Start goroutine.
func (p *Processor) ProcessIMU(m slam.IMUMeasurement) {
	p.stepIMU(m)
}

// ProcessRanging applies one ranging batch synchronously.
func (p *Processor) ProcessRanging(batch []slam.RangingMeasurement) {
	p.stepRanging(batch)
}

func (p *Processor) stepIMU(m slam.IMUMeasurement) {
	p.mu.Lock()
	dt := p.cfg.Filter.MinDt
	if p.lastIMUms > 0 && m.TimestampMs > p.lastIMUms {
		dt = float64(m.TimestampMs-p.lastIMUms) / 1000.0
	}
	p.lastIMUms = m.TimestampMs
	p.filter.Predict(m, dt)
	p.stats.IMUSamples++
	p.emitLocked()
	p.mu.Unlock()

	tracef("imu step ts=%d dt=%.3f", m.TimestampMs, dt)
}

func (p *Processor) stepRanging(batch []slam.RangingMeasurement) {
	if len(batch) == 0 {
		return
	}
	p.mu.Lock()
	p.stats.RangingMeasurements += int64(len(batch))

	valid := make([]slam.RangingMeasurement, 0, len(batch))
	for _, m := range batch {
		res := p.validator.Validate(m)
		if !res.Valid {
			p.stats.RejectedValidation++
			diagf("measurement rejected: source=%s type=%s dist=%.2f reasons=%v",
				m.SourceID, m.Type, m.Distance, res.Errors)
			continue
		}
		valid = append(valid, m)
	}

	prioritize(valid)

	for _, m := range valid {
		pose := p.filter.Pose()
		if closure, ok := p.detector.Observe(pose, m, []string{m.SourceID}); ok {
			p.stats.LoopClosures++
			diagf("loop closure: event=%s confidence=%.3f displacement=%.2fm matched=%d/%d",
				closure.EventID, closure.Confidence, closure.Displacement,
				closure.MatchedLandmarks, closure.TotalLandmarks)
		}

		outcome := p.filter.Update(m)
		switch outcome {
		case ekf.OutcomeApplied:
			p.stats.AppliedUpdates++
		case ekf.OutcomeNewLandmark:
			p.stats.AppliedUpdates++
		case ekf.OutcomeRejectedOutlier:
			p.stats.RejectedOutlier++
			opsf("outlier rejected: source=%s dist=%.2f", m.SourceID, m.Distance)
		case ekf.OutcomeSingular, ekf.OutcomeDegenerate:
			p.stats.SkippedDegenerate++
			opsf("update skipped (%s): source=%s", outcome, m.SourceID)
		}
		tracef("ranging step source=%s type=%s dist=%.2f outcome=%s",
			m.SourceID, m.Type, m.Distance, outcome)
	}
	p.emitLocked()
	p.mu.Unlock()
}

// emitLocked snapshots and publishes under the processor mutex so the
// emitted state, the stats counters, and any concurrent Reset stay
// consistent with each other. Feed publishes never block, so holding
// the mutex across them is safe.
func (p *Processor) emitLocked() {
	state := p.snapshotState()
	p.stats.LandmarkCount = len(state.Landmarks)
	p.stats.LastStateConfidence = state.Confidence
	p.poseFeed.Publish(state.Pose)
	p.stateFeed.Publish(state)
}

func (p *Processor) snapshotState() slam.SlamState {
	return slam.SlamState{
		Pose:       p.filter.Pose(),
		Landmarks:  p.filter.Landmarks(),
		Covariance: p.filter.Covariance(),
		Confidence: stateConfidence(p.filter.PositionCovarianceTrace()),
	}
}

// prioritize orders a batch so the most trustworthy sensor class and
// most precise readings hit the filter first: ascending sensor-class
// priority weighted by reported accuracy.
func prioritize(ms []slam.RangingMeasurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].Type.Priority()*ms[i].Accuracy <
			ms[j].Type.Priority()*ms[j].Accuracy
	})
}

// stateConfidence collapses position uncertainty to a [0,1] score.
func stateConfidence(posTrace float64) float64 {
	c := 1.0 - posTrace/confidenceTraceScale
	return math.Min(1, math.Max(0, c))
}
