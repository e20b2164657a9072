package ekf

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/fieldsense/rangeslam/internal/slam"
)

func gravityOnlyIMU(tsMs int64) slam.IMUMeasurement {
	return slam.IMUMeasurement{
		Acceleration: [3]float64{0, 0, 9.81},
		TimestampMs:  tsMs,
	}
}

func acousticRange(source string, dist float64, tsMs int64) slam.RangingMeasurement {
	return slam.RangingMeasurement{
		SourceID:    source,
		Distance:    dist,
		Accuracy:    0.05,
		TimestampMs: tsMs,
		Type:        slam.AcousticFMCW,
	}
}

func TestInitialState(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	pose := f.Pose()
	assert.Equal(t, slam.Point3D{}, pose.Position)
	assert.Equal(t, slam.IdentityQuaternion(), pose.Orientation)
	assert.Equal(t, 0, f.LandmarkCount())

	cov := f.Covariance()
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			require.Equal(t, want, cov[i][j], "cov[%d][%d]", i, j)
		}
	}
}

func TestQuaternionStaysUnit(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	rng := rand.New(rand.NewSource(7))
	ts := int64(0)
	for i := 0; i < 200; i++ {
		ts += 50
		f.Predict(slam.IMUMeasurement{
			Acceleration: [3]float64{
				rng.NormFloat64(),
				rng.NormFloat64(),
				9.81 + rng.NormFloat64(),
			},
			AngularVelocity: [3]float64{
				rng.NormFloat64() * 0.5,
				rng.NormFloat64() * 0.5,
				rng.NormFloat64() * 0.5,
			},
			TimestampMs: ts,
		}, 0.05)
		f.Update(acousticRange("src", 2.0+rng.NormFloat64()*0.3, ts))

		pose := f.Pose()
		require.InDelta(t, 1.0, pose.Orientation.Norm(), 1e-5, "step %d", i)
	}
}

func TestCovarianceStaysSymmetricPSD(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	rng := rand.New(rand.NewSource(3))
	ts := int64(0)
	for i := 0; i < 100; i++ {
		ts += 50
		f.Predict(slam.IMUMeasurement{
			Acceleration:    [3]float64{rng.NormFloat64() * 0.2, rng.NormFloat64() * 0.2, 9.81},
			AngularVelocity: [3]float64{0, 0, rng.NormFloat64() * 0.1},
			TimestampMs:     ts,
		}, 0.05)
		f.Update(acousticRange("a", 2.0+rng.NormFloat64()*0.05, ts))
		f.Update(acousticRange("b", 3.5+rng.NormFloat64()*0.05, ts))
	}

	cov := f.Covariance()
	dense := mat.NewSymDense(10, nil)
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			require.InDelta(t, cov[j][i], cov[i][j], 1e-9, "asymmetric at (%d,%d)", i, j)
			if j >= i {
				dense.SetSym(i, j, (cov[i][j]+cov[j][i])/2)
			}
		}
	}

	var eig mat.EigenSym
	require.True(t, eig.Factorize(dense, false), "eigendecomposition failed")
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-9, "negative eigenvalue")
	}
}

func TestFirstObservationSeedsLandmarkForward(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	outcome := f.Update(acousticRange("refl_1", 2.0, 100))
	assert.Equal(t, OutcomeNewLandmark, outcome)

	lm, ok := f.Landmark("refl_1")
	require.True(t, ok)
	// Identity orientation: forward is +X.
	assert.InDelta(t, 2.0, float64(lm.Position.X), 1e-3)
	assert.InDelta(t, 0.0, float64(lm.Position.Y), 1e-3)
	assert.InDelta(t, 0.0, float64(lm.Position.Z), 1e-3)
}

func TestOutlierLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	ts := int64(0)
	for i := 0; i < 10; i++ {
		ts += 100
		f.Predict(gravityOnlyIMU(ts), 0.1)
		require.True(t, f.Update(acousticRange("refl_1", 2.0, ts)).Applied())
	}

	xBefore := f.StateVector()
	pBefore := f.Covariance()

	outcome := f.Update(acousticRange("refl_1", 15.0, ts+100))
	assert.Equal(t, OutcomeRejectedOutlier, outcome)
	assert.Equal(t, xBefore, f.StateVector())
	assert.Equal(t, pBefore, f.Covariance())
}

func TestStationaryLandmarkConvergence(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	rng := rand.New(rand.NewSource(1))
	ts := int64(0)
	for i := 0; i < 20; i++ {
		ts += 50
		f.Predict(gravityOnlyIMU(ts), 0.05)
		outcome := f.Update(acousticRange("refl_1", 2.0+rng.NormFloat64()*0.02, ts))
		require.True(t, outcome.Applied(), "step %d: %s", i, outcome)
	}

	lm, ok := f.Landmark("refl_1")
	require.True(t, ok)
	err := lm.Position.DistanceTo(slam.Point3D{X: 2.0})
	assert.Less(t, err, 0.1, "landmark error %.3fm", err)
}

func TestCorruptedMeasurementDoesNotPerturbConvergedLandmark(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	rng := rand.New(rand.NewSource(2))
	ts := int64(0)
	for i := 0; i < 20; i++ {
		ts += 50
		f.Predict(gravityOnlyIMU(ts), 0.05)
		require.True(t, f.Update(acousticRange("refl_1", 2.0+rng.NormFloat64()*0.02, ts)).Applied())
	}

	before, ok := f.Landmark("refl_1")
	require.True(t, ok)

	ts += 50
	outcome := f.Update(acousticRange("refl_1", 15.0, ts))
	assert.Equal(t, OutcomeRejectedOutlier, outcome)

	after, ok := f.Landmark("refl_1")
	require.True(t, ok)
	assert.Less(t, after.Position.DistanceTo(before.Position), 0.01)
}

func TestDtClamping(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	f := New(cfg)
	// Give the filter some velocity, then predict with an absurd dt. The
	// position step must be bounded by MaxDt, not the raw gap.
	f.Update(acousticRange("refl_1", 2.0, 100))
	f.Predict(slam.IMUMeasurement{
		Acceleration: [3]float64{1.0, 0, 9.81},
		TimestampMs:  1000,
	}, 0.5)
	v := f.StateVector()[3]
	require.Greater(t, v, 0.0)

	before := f.StateVector()[0]
	f.Predict(gravityOnlyIMU(100000), 99.0)
	moved := f.StateVector()[0] - before
	assert.InDelta(t, v*cfg.MaxDt, moved, 1e-9)
}

func TestDegenerateRangeSkipsUpdate(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	// Seeding at distance 0 puts the landmark on top of the device.
	outcome := f.Update(acousticRange("refl_1", 0.0, 100))
	assert.Equal(t, OutcomeDegenerate, outcome)
}

func TestResetClearsLandmarksAndState(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	f.Predict(gravityOnlyIMU(100), 0.1)
	f.Update(acousticRange("refl_1", 2.0, 100))
	require.Equal(t, 1, f.LandmarkCount())

	f.Reset()
	assert.Equal(t, 0, f.LandmarkCount())
	assert.Equal(t, slam.Point3D{}, f.Pose().Position)
	assert.Equal(t, slam.IdentityQuaternion(), f.Pose().Orientation)
}

func TestLandmarksSortedAndCopied(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	f.Update(acousticRange("b", 3.0, 100))
	f.Update(acousticRange("a", 2.0, 200))

	lms := f.Landmarks()
	require.Len(t, lms, 2)
	assert.Equal(t, "a", lms[0].ID)
	assert.Equal(t, "b", lms[1].ID)

	// Mutating the copy must not reach the filter.
	lms[0].Position.X = 999
	lm, _ := f.Landmark("a")
	assert.NotEqual(t, float32(999), lm.Position.X)
}

func TestPositionCovarianceTraceShrinksWithUpdates(t *testing.T) {
	t.Parallel()

	f := New(DefaultConfig())
	before := f.PositionCovarianceTrace()
	require.InDelta(t, 3.0, before, 1e-9)

	ts := int64(0)
	for i := 0; i < 20; i++ {
		ts += 50
		f.Predict(gravityOnlyIMU(ts), 0.05)
		f.Update(acousticRange("refl_1", 2.0, ts))
	}
	after := f.PositionCovarianceTrace()
	assert.Less(t, after, before)
	assert.False(t, math.IsNaN(after))
}

func TestVelocityVarianceStaysBounded(t *testing.T) {
	t.Parallel()

	// Velocity is never observed directly, so a long stretch of predicts
	// with no range updates must not let its variance run away.
	f := New(DefaultConfig())
	ts := int64(0)
	for i := 0; i < 200; i++ {
		ts += 50
		f.Predict(gravityOnlyIMU(ts), 0.05)
	}
	cov := f.Covariance()
	for i := 3; i < 6; i++ {
		assert.Less(t, cov[i][i], 1.0, "velocity variance at index %d", i)
	}
	// The position trace grows from process noise alone, but bounded
	// velocity uncertainty keeps the growth from compounding.
	assert.Less(t, f.PositionCovarianceTrace(), 10.0)
}
