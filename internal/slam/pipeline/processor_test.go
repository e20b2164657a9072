package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsense/rangeslam/internal/slam"
)

func gravityIMU(tsMs int64) slam.IMUMeasurement {
	return slam.IMUMeasurement{
		Acceleration: [3]float64{0, 0, 9.81},
		TimestampMs:  tsMs,
	}
}

func ranging(source string, mType slam.MeasurementType, dist, acc float64, tsMs int64) slam.RangingMeasurement {
	return slam.RangingMeasurement{
		SourceID:    source,
		Distance:    dist,
		Accuracy:    acc,
		TimestampMs: tsMs,
		Type:        mType,
	}
}

func TestPrioritizeOrdersByClassThenAccuracy(t *testing.T) {
	t.Parallel()

	t.Run("equal accuracy orders acoustic first bluetooth last", func(t *testing.T) {
		t.Parallel()
		batch := []slam.RangingMeasurement{
			ranging("w", slam.WiFiRTT, 5.0, 0.5, 100),
			ranging("b", slam.BluetoothCS, 5.0, 0.5, 100),
			ranging("a", slam.AcousticFMCW, 5.0, 0.5, 100),
		}
		prioritize(batch)
		assert.Equal(t, "a", batch[0].SourceID)
		assert.Equal(t, "w", batch[1].SourceID)
		assert.Equal(t, "b", batch[2].SourceID)
	})

	t.Run("precise reading beats a sloppier one of the same class", func(t *testing.T) {
		t.Parallel()
		batch := []slam.RangingMeasurement{
			ranging("sloppy", slam.AcousticFMCW, 5.0, 0.9, 100),
			ranging("sharp", slam.AcousticFMCW, 5.0, 0.1, 100),
		}
		prioritize(batch)
		assert.Equal(t, "sharp", batch[0].SourceID)
	})

	t.Run("very precise bluetooth can outrank sloppy wifi", func(t *testing.T) {
		t.Parallel()
		batch := []slam.RangingMeasurement{
			ranging("w", slam.WiFiRTT, 5.0, 3.0, 100),     // 2.0 * 3.0 = 6.0
			ranging("b", slam.BluetoothCS, 5.0, 0.5, 100), // 3.0 * 0.5 = 1.5
		}
		prioritize(batch)
		assert.Equal(t, "b", batch[0].SourceID)
	})
}

// stationaryCycle drives one predict plus one single-source acoustic
// ranging batch 50ms apart. The distance pattern repeats a fixed cycle
// around 2.0m so every reading stays inside the validator's sigma gate.
var stationaryDistances = [5]float64{2.00, 2.02, 1.98, 2.01, 1.99}

func runStationary(p *Processor, cycles int) int64 {
	ts := int64(0)
	for i := 0; i < cycles; i++ {
		ts += 50
		p.ProcessIMU(gravityIMU(ts))
		p.ProcessRanging([]slam.RangingMeasurement{
			ranging("refl_1", slam.AcousticFMCW, stationaryDistances[i%5], 0.05, ts),
		})
	}
	return ts
}

func TestStationaryConvergence(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	runStationary(p, 20)

	stats := p.Stats()
	assert.EqualValues(t, 20, stats.IMUSamples)
	assert.EqualValues(t, 20, stats.RangingMeasurements)
	assert.EqualValues(t, 0, stats.RejectedValidation)
	assert.EqualValues(t, 0, stats.RejectedOutlier)
	assert.EqualValues(t, 20, stats.AppliedUpdates)
	assert.Equal(t, 1, stats.LandmarkCount)
	assert.Greater(t, stats.LastStateConfidence, 0.6)

	state := p.CurrentState()
	require.Len(t, state.Landmarks, 1)
	lm := state.Landmarks[0]
	assert.Equal(t, "refl_1", lm.ID)
	assert.Less(t, lm.Position.DistanceTo(slam.Point3D{X: 2.0}), 0.1)
}

func TestCorruptedMeasurementRejectedByValidator(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	ts := runStationary(p, 20)

	before := p.CurrentState().Landmarks[0]

	// A 15m spike from a source whose rolling window sits at 2m fails the
	// sigma gate before it can reach the filter.
	p.ProcessRanging([]slam.RangingMeasurement{
		ranging("refl_1", slam.AcousticFMCW, 15.0, 0.05, ts+50),
	})

	stats := p.Stats()
	assert.EqualValues(t, 1, stats.RejectedValidation)
	assert.EqualValues(t, 20, stats.AppliedUpdates)

	after := p.CurrentState().Landmarks[0]
	assert.Less(t, after.Position.DistanceTo(before.Position), 0.01)
}

func TestOutlierGateCountsRejection(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	// First reading seeds the landmark at 2m. The second is physically
	// plausible (6 m/s, within bounds, too little history for the sigma
	// gate) but statistically inconsistent with the filter's estimate.
	p.ProcessRanging([]slam.RangingMeasurement{
		ranging("refl_1", slam.AcousticFMCW, 2.0, 0.05, 1000),
	})
	p.ProcessRanging([]slam.RangingMeasurement{
		ranging("refl_1", slam.AcousticFMCW, 8.0, 0.05, 2000),
	})

	stats := p.Stats()
	assert.EqualValues(t, 0, stats.RejectedValidation)
	assert.EqualValues(t, 1, stats.RejectedOutlier)
	assert.EqualValues(t, 1, stats.AppliedUpdates)
}

func TestStatsSessionAndReset(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	firstSession := p.Stats().SessionID
	require.NotEmpty(t, firstSession)

	runStationary(p, 5)
	require.Positive(t, p.Stats().AppliedUpdates)

	p.Reset()
	stats := p.Stats()
	assert.NotEqual(t, firstSession, stats.SessionID)
	assert.Zero(t, stats.IMUSamples)
	assert.Zero(t, stats.AppliedUpdates)
	assert.Zero(t, stats.LandmarkCount)
	assert.Empty(t, p.CurrentState().Landmarks)
	assert.Equal(t, slam.Point3D{}, p.CurrentPose().Position)
}

func TestResetKeepsStatsConsistentUnderLoad(t *testing.T) {
	t.Parallel()

	// A reset racing a processing step must never leave stats that mix
	// sessions, such as a landmark count with zeroed update counters.
	p := New(DefaultConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts := int64(0)
		for i := 0; i < 200; i++ {
			ts += 50
			p.ProcessRanging([]slam.RangingMeasurement{
				ranging("refl_1", slam.AcousticFMCW, 2.0, 0.05, ts),
			})
		}
	}()

	for i := 0; i < 50; i++ {
		p.Reset()
		stats := p.Stats()
		if stats.LandmarkCount > 0 {
			assert.Positive(t, stats.AppliedUpdates,
				"landmark count carried across a reset")
		}
	}
	<-done
}

func TestLoopClosureCounted(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	runStationary(p, 20)

	// The agent never moved, so every observation lands in one visited
	// bucket and revisits close against it with high confidence.
	stats := p.Stats()
	assert.Positive(t, stats.LoopClosures)
}

func TestEmittedStateMatchesQueries(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	states := p.States()
	poses := p.Poses()

	p.ProcessIMU(gravityIMU(50))

	select {
	case s := <-states.C():
		assert.Equal(t, p.CurrentPose().Position, s.Pose.Position)
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	default:
		t.Fatal("no state emitted")
	}
	select {
	case pose := <-poses.C():
		assert.EqualValues(t, 50, pose.TimestampMs)
	default:
		t.Fatal("no pose emitted")
	}
}

func TestStartStopStreamDriven(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	imuCh := make(chan slam.IMUMeasurement)
	rangeCh := make(chan []slam.RangingMeasurement)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx, imuCh, rangeCh))
	assert.ErrorIs(t, p.Start(ctx, imuCh, rangeCh), ErrAlreadyRunning)

	imuCh <- gravityIMU(50)
	rangeCh <- []slam.RangingMeasurement{
		ranging("refl_1", slam.AcousticFMCW, 2.0, 0.05, 100),
	}

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.IMUSamples == 1 && s.RangingMeasurements == 1
	}, time.Second, time.Millisecond)

	p.Stop()
	p.Stop() // idempotent

	// A stopped processor can be restarted.
	require.NoError(t, p.Start(ctx, imuCh, rangeCh))
	p.Stop()
}

func TestClosedStreamsEndProcessing(t *testing.T) {
	t.Parallel()

	p := New(DefaultConfig())
	imuCh := make(chan slam.IMUMeasurement, 1)
	rangeCh := make(chan []slam.RangingMeasurement, 1)
	imuCh <- gravityIMU(50)
	close(imuCh)
	close(rangeCh)

	require.NoError(t, p.Start(context.Background(), imuCh, rangeCh))

	require.Eventually(t, func() bool {
		return p.Stats().IMUSamples == 1
	}, time.Second, time.Millisecond)
	p.Stop()
}
