// Package slam defines the shared data model for the range-SLAM engine:
// geometric primitives, measurement records, landmark estimates, and the
// immutable state snapshots emitted by the processing pipeline.
package slam

import "math"

// Point3D is an immutable single-precision 3D coordinate. It carries no
// identity beyond its value and is used both as a landmark position and
// as a mesh vertex.
type Point3D struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// DistanceTo returns the Euclidean distance to another point in metres.
func (p Point3D) DistanceTo(q Point3D) float64 {
	dx := float64(p.X - q.X)
	dy := float64(p.Y - q.Y)
	dz := float64(p.Z - q.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Quaternion is a unit quaternion in (w, x, y, z) order representing a
// rotation from body frame to world frame.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IdentityQuaternion returns the no-rotation quaternion.
func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}

// Norm returns the quaternion magnitude.
func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// DevicePose is the agent's estimated pose at a point in time. Poses are
// passed by value: each emission is a snapshot, never shared mutable state.
type DevicePose struct {
	Position    Point3D    `json:"position"`
	Orientation Quaternion `json:"orientation"`
	TimestampMs int64      `json:"timestamp_ms"` // monotonic milliseconds
}

// IMUMeasurement is a single inertial sample. Acceleration is in body
// frame (m/s²), angular velocity in rad/s. The magnetic field is optional
// and unused by the filter; it is carried for completeness.
type IMUMeasurement struct {
	Acceleration    [3]float64 // body frame, m/s²
	AngularVelocity [3]float64 // rad/s
	MagneticField   *[3]float64
	TimestampMs     int64
}

// MeasurementType identifies the ranging sensor class a measurement came from.
type MeasurementType int

const (
	WiFiRTT MeasurementType = iota
	BluetoothCS
	AcousticFMCW
)

// String returns the sensor class name.
func (t MeasurementType) String() string {
	switch t {
	case WiFiRTT:
		return "wifi-rtt"
	case BluetoothCS:
		return "bluetooth-cs"
	case AcousticFMCW:
		return "acoustic-fmcw"
	default:
		return "unknown"
	}
}

// AccuracyCeiling returns the maximum plausible reported accuracy for the
// sensor class, in metres. A measurement claiming worse accuracy than this
// is a sign of sensor malfunction, not genuine imprecision.
func (t MeasurementType) AccuracyCeiling() float64 {
	switch t {
	case WiFiRTT:
		return 10.0
	case BluetoothCS:
		return 5.0
	case AcousticFMCW:
		return 1.0
	default:
		return 0
	}
}

// Priority returns the batch-ordering weight for the sensor class. Lower
// values are applied to the filter first: acoustic ranging is the most
// trustworthy, Bluetooth the least.
func (t MeasurementType) Priority() float64 {
	switch t {
	case AcousticFMCW:
		return 1.0
	case WiFiRTT:
		return 2.0
	case BluetoothCS:
		return 3.0
	default:
		return 4.0
	}
}

// RangingMeasurement is a single distance observation to a landmark.
// Invariants: Distance > 0, Accuracy >= 0 (1-sigma, metres).
type RangingMeasurement struct {
	SourceID    string // stable per physical landmark/reflector
	Distance    float64
	Accuracy    float64
	TimestampMs int64
	Type        MeasurementType
}

// Landmark is a persistent environmental reference point with an estimated
// position and a scalar 1-sigma uncertainty.
type Landmark struct {
	ID          string  `json:"id"`
	Position    Point3D `json:"position"`
	Uncertainty float64 `json:"uncertainty"`
}

// SlamState is the snapshot emitted after every predict or update cycle.
// It is immutable once emitted: each emission is a new value, and the
// landmark slice and covariance are copies owned by the snapshot.
type SlamState struct {
	Pose       DevicePose      `json:"pose"`
	Landmarks  []Landmark      `json:"landmarks"`
	Covariance [10][10]float64 `json:"covariance"`
	Confidence float64         `json:"confidence"` // [0, 1], from positional covariance trace
}

// ProcessingStats holds cumulative pipeline counters. Snapshots are copied
// out under the processor lock, so all fields are plain values.
type ProcessingStats struct {
	SessionID           string  `json:"session_id"`
	IMUSamples          int64   `json:"imu_samples"`
	RangingMeasurements int64   `json:"ranging_measurements"`
	RejectedValidation  int64   `json:"rejected_validation"`
	RejectedOutlier     int64   `json:"rejected_outlier"`
	SkippedDegenerate   int64   `json:"skipped_degenerate"`
	AppliedUpdates      int64   `json:"applied_updates"`
	LoopClosures        int64   `json:"loop_closures"`
	LandmarkCount       int     `json:"landmark_count"`
	LastStateConfidence float64 `json:"last_state_confidence"`
}

// EnvironmentMesh is a coarse voxel-surface mesh derived from the point
// cloud. It is fully regenerated per reconstruction cycle rather than
// patched incrementally.
type EnvironmentMesh struct {
	Vertices  []Point3D  `json:"vertices"`
	Triangles [][3]int32 `json:"triangles"`
	Normals   []Point3D  `json:"normals"` // one per triangle
}
