// Package ekf implements the extended Kalman filter at the heart of the
// range-SLAM engine. The filter owns a 10-dimensional state vector
// [px py pz vx vy vz qw qx qy qz] with a 10×10 covariance, plus the map of
// landmark estimates keyed by ranging source id.
//
// The state and covariance are stored as fixed-size arrays so the hot
// predict/update path performs no allocation. Concurrent Predict/Update
// calls are serialised by the filter mutex; accessors copy state out under
// the same lock.
package ekf

import (
	"math"
	"sort"
	"sync"

	"github.com/fieldsense/rangeslam/internal/config"
	"github.com/fieldsense/rangeslam/internal/monitoring"
	"github.com/fieldsense/rangeslam/internal/slam"
)

// stateDim is the filter state dimension.
const stateDim = 10

// gravity is the magnitude of gravitational acceleration subtracted from
// the world-frame +Z axis after rotating body acceleration to world frame.
const gravity = 9.81

// minRangeDenominator guards the measurement Jacobian against a predicted
// distance too small to yield meaningful position partials.
const minRangeDenominator = 1e-6

// Config holds filter noise parameters and gates.
type Config struct {
	ProcessNoisePos    float64 // position process noise σ² per component
	ProcessNoiseVel    float64 // velocity process noise σ² per component
	ProcessNoiseOrient float64 // orientation process noise σ² per component

	NoiseWiFiRTT   float64 // measurement noise variance, WiFi-RTT
	NoiseBluetooth float64 // measurement noise variance, Bluetooth channel sounding
	NoiseAcoustic  float64 // measurement noise variance, acoustic FMCW

	MahalanobisGate float64 // squared innovation gate (chi-squared, 1 DOF)

	MinDt float64 // seconds, predict dt clamp lower bound
	MaxDt float64 // seconds, predict dt clamp upper bound

	// VelocityDamping (1/s) decays the velocity covariance block each
	// predict. Velocity is unobservable through scalar range
	// measurements, so without decay its variance grows without bound
	// and leaks into the position block through the transition coupling.
	VelocityDamping float64

	NewLandmarkUncertainty float64 // initial 1-sigma uncertainty for seeded landmarks
}

// DefaultConfig returns filter configuration loaded from the canonical
// tuning defaults file. Panics if the file cannot be found; intended for
// tests and binaries that have already validated config availability.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a filter Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		ProcessNoisePos:        cfg.GetProcessNoisePos(),
		ProcessNoiseVel:        cfg.GetProcessNoiseVel(),
		ProcessNoiseOrient:     cfg.GetProcessNoiseOrient(),
		NoiseWiFiRTT:           cfg.GetMeasurementNoiseWiFiRTT(),
		NoiseBluetooth:         cfg.GetMeasurementNoiseBluetooth(),
		NoiseAcoustic:          cfg.GetMeasurementNoiseAcoustic(),
		MahalanobisGate:        cfg.GetMahalanobisGate(),
		MinDt:                  cfg.GetMinPredictDtSeconds(),
		MaxDt:                  cfg.GetMaxPredictDtSeconds(),
		VelocityDamping:        cfg.GetVelocityDampingPerS(),
		NewLandmarkUncertainty: cfg.GetNewLandmarkUncertainty(),
	}
}

// measurementNoise returns the noise variance for a sensor class. The
// trust hierarchy is acoustic > WiFi-RTT > Bluetooth.
func (c Config) measurementNoise(t slam.MeasurementType) float64 {
	switch t {
	case slam.AcousticFMCW:
		return c.NoiseAcoustic
	case slam.WiFiRTT:
		return c.NoiseWiFiRTT
	default:
		return c.NoiseBluetooth
	}
}

// UpdateOutcome reports, explicitly, what a single Update call did to the
// filter. Callers and tests assert on outcomes instead of relying on
// logging side effects.
type UpdateOutcome int

const (
	// OutcomeApplied means the measurement passed the gate and the state
	// was updated.
	OutcomeApplied UpdateOutcome = iota
	// OutcomeNewLandmark means a landmark was seeded for a previously
	// unseen source id and the update was applied.
	OutcomeNewLandmark
	// OutcomeRejectedOutlier means the Mahalanobis gate discarded the
	// measurement; state and covariance are unchanged.
	OutcomeRejectedOutlier
	// OutcomeSingular means the innovation covariance was not invertible;
	// the update was skipped with no state change.
	OutcomeSingular
	// OutcomeDegenerate means a numerical guard (near-zero predicted
	// range, non-finite result) skipped the update with no state change.
	OutcomeDegenerate
)

// String returns the outcome name.
func (o UpdateOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNewLandmark:
		return "new-landmark"
	case OutcomeRejectedOutlier:
		return "rejected-outlier"
	case OutcomeSingular:
		return "singular"
	case OutcomeDegenerate:
		return "degenerate"
	default:
		return "unknown"
	}
}

// Applied reports whether the filter state changed.
func (o UpdateOutcome) Applied() bool {
	return o == OutcomeApplied || o == OutcomeNewLandmark
}

// Filter is the EKF state estimator. The zero value is not usable; create
// one with New.
type Filter struct {
	mu sync.Mutex

	cfg Config

	// State vector: [px py pz vx vy vz qw qx qy qz], row-major covariance.
	x [stateDim]float64
	p [stateDim * stateDim]float64

	landmarks map[string]*slam.Landmark

	// Timestamp of the last predict or update, for pose stamping.
	timestampMs int64
}

// New creates a Filter at the origin with identity orientation and
// identity covariance.
func New(cfg Config) *Filter {
	f := &Filter{cfg: cfg}
	f.resetLocked()
	return f
}

func (f *Filter) resetLocked() {
	f.x = [stateDim]float64{}
	f.x[6] = 1 // identity quaternion
	f.p = [stateDim * stateDim]float64{}
	for i := 0; i < stateDim; i++ {
		f.p[i*stateDim+i] = 1.0
	}
	f.landmarks = make(map[string]*slam.Landmark)
	f.timestampMs = 0
}

// Reset reinitialises the filter to origin position/velocity, identity
// orientation, identity covariance, and an empty landmark map.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
}

// SetConfig swaps tuning without touching state or landmarks.
func (f *Filter) SetConfig(cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

// Predict advances the state by one IMU sample. dt is clamped to the
// configured bounds before integration. Body-frame acceleration is rotated
// into world frame and gravity is removed along world +Z.
func (f *Filter) Predict(imu slam.IMUMeasurement, dt float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dt < f.cfg.MinDt {
		dt = f.cfg.MinDt
	} else if dt > f.cfg.MaxDt {
		dt = f.cfg.MaxDt
	}

	// Snapshot for rollback if integration goes non-finite.
	prevX, prevP := f.x, f.p

	q := f.quaternionLocked()

	// Position integrates current velocity.
	f.x[0] += f.x[3] * dt
	f.x[1] += f.x[4] * dt
	f.x[2] += f.x[5] * dt

	// Velocity integrates world-frame acceleration minus gravity.
	accWorld := quatRotate(q, imu.Acceleration)
	accWorld[2] -= gravity
	f.x[3] += accWorld[0] * dt
	f.x[4] += accWorld[1] * dt
	f.x[5] += accWorld[2] * dt

	// Orientation integrates angular velocity via the exponential map.
	delta := quatFromAngularRate(imu.AngularVelocity, dt)
	q = quatNormalize(quatMultiply(q, delta))
	f.x[6], f.x[7], f.x[8], f.x[9] = q.W, q.X, q.Y, q.Z

	// Covariance: P' = F·P·Fᵀ + Q with F = I plus dt coupling of
	// position rows to velocity rows. Computed in two sweeps the same way
	// the flat-array layout suggests: FP first, then (FP)Fᵀ.
	var fp [stateDim * stateDim]float64
	copy(fp[:], f.p[:])
	for i := 0; i < 3; i++ {
		for j := 0; j < stateDim; j++ {
			fp[i*stateDim+j] = f.p[i*stateDim+j] + dt*f.p[(i+3)*stateDim+j]
		}
	}
	for i := 0; i < stateDim; i++ {
		for j := 0; j < 3; j++ {
			f.p[i*stateDim+j] = fp[i*stateDim+j] + dt*fp[i*stateDim+j+3]
		}
		for j := 3; j < stateDim; j++ {
			f.p[i*stateDim+j] = fp[i*stateDim+j]
		}
	}

	// Diagonal process noise, scaled by the integration interval.
	for i := 0; i < 3; i++ {
		f.p[i*stateDim+i] += f.cfg.ProcessNoisePos * dt
	}
	for i := 3; i < 6; i++ {
		f.p[i*stateDim+i] += f.cfg.ProcessNoiseVel * dt
	}
	for i := 6; i < stateDim; i++ {
		f.p[i*stateDim+i] += f.cfg.ProcessNoiseOrient * dt
	}

	// Decay the velocity covariance rows and columns so the unobservable
	// velocity variance settles at a finite steady state instead of
	// inflating the position block through the coupling terms.
	if f.cfg.VelocityDamping > 0 {
		alpha := 1 / (1 + f.cfg.VelocityDamping*dt)
		for i := 3; i < 6; i++ {
			for j := 0; j < stateDim; j++ {
				f.p[i*stateDim+j] *= alpha
			}
		}
		for i := 0; i < stateDim; i++ {
			for j := 3; j < 6; j++ {
				f.p[i*stateDim+j] *= alpha
			}
		}
	}

	if !f.finiteLocked() {
		monitoring.Logf("[ekf] predict produced non-finite state, rolling back")
		f.x, f.p = prevX, prevP
		return
	}

	f.timestampMs = imu.TimestampMs
}

// Update folds one ranging measurement into the state. The returned
// outcome distinguishes an applied update from every flavour of skipped
// one; skipped updates leave state and covariance untouched.
func (f *Filter) Update(m slam.RangingMeasurement) UpdateOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	lm, known := f.landmarks[m.SourceID]
	if !known {
		lm = f.seedLandmarkLocked(m)
		f.landmarks[m.SourceID] = lm
	}

	// Predicted scalar distance from current position to the landmark.
	dx := f.x[0] - float64(lm.Position.X)
	dy := f.x[1] - float64(lm.Position.Y)
	dz := f.x[2] - float64(lm.Position.Z)
	predicted := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if predicted < minRangeDenominator {
		monitoring.Logf("[ekf] skipping update for %q: predicted range degenerate", m.SourceID)
		return OutcomeDegenerate
	}

	innovation := m.Distance - predicted
	r := f.cfg.measurementNoise(m.Type)

	// Measurement Jacobian: distance partials w.r.t. position only.
	h0 := dx / predicted
	h1 := dy / predicted
	h2 := dz / predicted

	// Innovation covariance S = H·P·Hᵀ + R (scalar for a range measurement).
	var s float64
	hs := [3]float64{h0, h1, h2}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s += hs[i] * f.p[i*stateDim+j] * hs[j]
		}
	}
	s += r
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		monitoring.Logf("[ekf] skipping update for %q: innovation covariance not invertible (S=%g)", m.SourceID, s)
		return OutcomeSingular
	}

	// Outlier gate: squared Mahalanobis distance, chi-squared 1 DOF.
	// This is the last line of defence against multipath-corrupted
	// readings that pass the validator's coarser checks.
	if innovation*innovation/s > f.cfg.MahalanobisGate {
		return OutcomeRejectedOutlier
	}

	prevX, prevP := f.x, f.p

	// Kalman gain K = P·Hᵀ·S⁻¹.
	var k [stateDim]float64
	for i := 0; i < stateDim; i++ {
		k[i] = (f.p[i*stateDim+0]*h0 + f.p[i*stateDim+1]*h1 + f.p[i*stateDim+2]*h2) / s
	}

	// State update x += K·innovation.
	for i := 0; i < stateDim; i++ {
		f.x[i] += k[i] * innovation
	}

	// Covariance update P = (I − K·H)·P, computed as P − K·(H·P).
	var hp [stateDim]float64
	for j := 0; j < stateDim; j++ {
		hp[j] = h0*f.p[0*stateDim+j] + h1*f.p[1*stateDim+j] + h2*f.p[2*stateDim+j]
	}
	for i := 0; i < stateDim; i++ {
		for j := 0; j < stateDim; j++ {
			f.p[i*stateDim+j] -= k[i] * hp[j]
		}
	}

	f.normalizeQuaternionLocked()

	if !f.finiteLocked() {
		monitoring.Logf("[ekf] update for %q produced non-finite state, rolling back", m.SourceID)
		f.x, f.p = prevX, prevP
		return OutcomeDegenerate
	}

	f.refineLandmarkLocked(lm, m)
	f.timestampMs = m.TimestampMs

	if !known {
		return OutcomeNewLandmark
	}
	return OutcomeApplied
}

// seedLandmarkLocked creates a landmark estimate by projecting forward
// from the current pose by the measured distance, with high initial
// uncertainty. Body +X is the forward axis.
func (f *Filter) seedLandmarkLocked(m slam.RangingMeasurement) *slam.Landmark {
	forward := quatRotate(f.quaternionLocked(), [3]float64{1, 0, 0})
	return &slam.Landmark{
		ID: m.SourceID,
		Position: slam.Point3D{
			X: float32(f.x[0] + forward[0]*m.Distance),
			Y: float32(f.x[1] + forward[1]*m.Distance),
			Z: float32(f.x[2] + forward[2]*m.Distance),
		},
		Uncertainty: f.cfg.NewLandmarkUncertainty,
	}
}

// refineLandmarkLocked nudges the landmark along the device→landmark ray
// toward the measured sphere, weighted by the relative uncertainties. The
// landmark is refined, never replaced; the filter never deletes landmarks.
func (f *Filter) refineLandmarkLocked(lm *slam.Landmark, m slam.RangingMeasurement) {
	dx := float64(lm.Position.X) - f.x[0]
	dy := float64(lm.Position.Y) - f.x[1]
	dz := float64(lm.Position.Z) - f.x[2]
	d := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if d < minRangeDenominator {
		return
	}

	targetX := f.x[0] + dx/d*m.Distance
	targetY := f.x[1] + dy/d*m.Distance
	targetZ := f.x[2] + dz/d*m.Distance

	w := lm.Uncertainty / (lm.Uncertainty + math.Max(m.Accuracy, 1e-3))
	lm.Position = slam.Point3D{
		X: float32(float64(lm.Position.X) + w*(targetX-float64(lm.Position.X))),
		Y: float32(float64(lm.Position.Y) + w*(targetY-float64(lm.Position.Y))),
		Z: float32(float64(lm.Position.Z) + w*(targetZ-float64(lm.Position.Z))),
	}
	lm.Uncertainty = (1-w)*lm.Uncertainty + w*math.Max(m.Accuracy, 1e-3)
}

func (f *Filter) quaternionLocked() slam.Quaternion {
	return slam.Quaternion{W: f.x[6], X: f.x[7], Y: f.x[8], Z: f.x[9]}
}

func (f *Filter) normalizeQuaternionLocked() {
	q := quatNormalize(f.quaternionLocked())
	f.x[6], f.x[7], f.x[8], f.x[9] = q.W, q.X, q.Y, q.Z
}

// finiteLocked reports whether every state and covariance element is
// finite. Guards against singular inversions and degenerate inputs.
func (f *Filter) finiteLocked() bool {
	for _, v := range f.x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	for _, v := range f.p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Pose returns the current pose snapshot.
func (f *Filter) Pose() slam.DevicePose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slam.DevicePose{
		Position:    slam.Point3D{X: float32(f.x[0]), Y: float32(f.x[1]), Z: float32(f.x[2])},
		Orientation: f.quaternionLocked(),
		TimestampMs: f.timestampMs,
	}
}

// Landmarks returns a copy of all landmark estimates, sorted by id so
// that downstream consumers observe a deterministic order.
func (f *Filter) Landmarks() []slam.Landmark {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]slam.Landmark, 0, len(f.landmarks))
	for _, lm := range f.landmarks {
		out = append(out, *lm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Landmark returns the estimate for a source id, if one exists.
func (f *Filter) Landmark(sourceID string) (slam.Landmark, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lm, ok := f.landmarks[sourceID]
	if !ok {
		return slam.Landmark{}, false
	}
	return *lm, true
}

// LandmarkCount returns the number of landmarks in the map.
func (f *Filter) LandmarkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.landmarks)
}

// Covariance returns a copy of the 10×10 covariance matrix.
func (f *Filter) Covariance() [10][10]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out [10][10]float64
	for i := 0; i < stateDim; i++ {
		for j := 0; j < stateDim; j++ {
			out[i][j] = f.p[i*stateDim+j]
		}
	}
	return out
}

// PositionCovarianceTrace returns the trace of the 3×3 positional
// covariance submatrix, the basis for the emitted confidence value.
func (f *Filter) PositionCovarianceTrace() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p[0] + f.p[1*stateDim+1] + f.p[2*stateDim+2]
}

// StateVector returns a copy of the raw state vector. Primarily for tests
// asserting that rejected measurements leave the state untouched.
func (f *Filter) StateVector() [10]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.x
}
