package ekf

import (
	"math"

	"github.com/fieldsense/rangeslam/internal/slam"
)

// minAngularRate is the angular speed (rad/s) below which the integration
// delta collapses to the identity quaternion, avoiding division by a
// near-zero rotation angle.
const minAngularRate = 1e-8

// quatMultiply returns the Hamilton product a ⊗ b.
func quatMultiply(a, b slam.Quaternion) slam.Quaternion {
	return slam.Quaternion{
		W: a.W*b.W - a.X*b.X - a.Y*b.Y - a.Z*b.Z,
		X: a.W*b.X + a.X*b.W + a.Y*b.Z - a.Z*b.Y,
		Y: a.W*b.Y - a.X*b.Z + a.Y*b.W + a.Z*b.X,
		Z: a.W*b.Z + a.X*b.Y - a.Y*b.X + a.Z*b.W,
	}
}

// quatNormalize rescales q to unit norm. A degenerate zero quaternion
// falls back to identity rather than producing NaNs.
func quatNormalize(q slam.Quaternion) slam.Quaternion {
	n := q.Norm()
	if n < 1e-12 {
		return slam.IdentityQuaternion()
	}
	return slam.Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// quatRotate rotates body-frame vector v into world frame by q.
// Expands q·v·q* with q assumed unit norm.
func quatRotate(q slam.Quaternion, v [3]float64) [3]float64 {
	// t = 2 q_vec × v
	tx := 2 * (q.Y*v[2] - q.Z*v[1])
	ty := 2 * (q.Z*v[0] - q.X*v[2])
	tz := 2 * (q.X*v[1] - q.Y*v[0])
	// v' = v + w·t + q_vec × t
	return [3]float64{
		v[0] + q.W*tx + q.Y*tz - q.Z*ty,
		v[1] + q.W*ty + q.Z*tx - q.X*tz,
		v[2] + q.W*tz + q.X*ty - q.Y*tx,
	}
}

// quatFromAngularRate converts a body-frame angular velocity integrated
// over dt into a delta quaternion via the axis-angle exponential map.
func quatFromAngularRate(w [3]float64, dt float64) slam.Quaternion {
	rate := math.Sqrt(w[0]*w[0] + w[1]*w[1] + w[2]*w[2])
	if rate < minAngularRate {
		return slam.IdentityQuaternion()
	}
	angle := rate * dt
	half := angle / 2
	s := math.Sin(half) / rate
	return slam.Quaternion{
		W: math.Cos(half),
		X: w[0] * s,
		Y: w[1] * s,
		Z: w[2] * s,
	}
}
