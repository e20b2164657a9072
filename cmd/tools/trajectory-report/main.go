// Command trajectory-report runs a deterministic replay through the
// fusion engine and renders the resulting trajectory and landmark map
// as a standalone HTML scatter chart.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/fieldsense/rangeslam/internal/config"
	"github.com/fieldsense/rangeslam/internal/slam"
	"github.com/fieldsense/rangeslam/internal/slam/pipeline"
	"github.com/fieldsense/rangeslam/internal/slam/recon"
)

var (
	outPath = flag.String("out", "trajectory-report.html", "Output HTML file")
	steps   = flag.Int("steps", 500, "Replay steps (one IMU sample per step)")
	seed    = flag.Int64("seed", 1, "Replay noise seed")
)

func main() {
	flag.Parse()

	tuning := config.MustLoadDefaultConfig()
	proc := pipeline.New(pipeline.ConfigFromTuning(tuning))
	rec := recon.New(recon.ConfigFromTuning(tuning))

	replay(proc, rec)

	stats := proc.Stats()
	landmarks := proc.CurrentState().Landmarks
	trajectory := rec.Trajectory()

	if err := render(*outPath, trajectory, landmarks, stats); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote %s: %d trajectory points, %d landmarks, %d applied updates",
		*outPath, len(trajectory), len(landmarks), stats.AppliedUpdates)
}

// replay drives the processor synchronously so the output is fully
// reproducible for a given seed.
func replay(proc *pipeline.Processor, rec *recon.Reconstructor) {
	rng := rand.New(rand.NewSource(*seed))
	reflectors := map[string]slam.Point3D{
		"refl_1": {X: 2.0},
		"refl_2": {X: -1.5, Y: 1.5},
		"refl_3": {Y: -2.5, Z: 0.5},
	}
	const (
		accuracy = 0.05
		stepMs   = 20
	)

	ts := int64(0)
	for i := 0; i < *steps; i++ {
		ts += stepMs
		proc.ProcessIMU(slam.IMUMeasurement{
			Acceleration: [3]float64{
				rng.NormFloat64() * 0.01,
				rng.NormFloat64() * 0.01,
				9.81 + rng.NormFloat64()*0.01,
			},
			TimestampMs: ts,
		})

		if i%10 != 0 {
			continue
		}
		pos := proc.CurrentPose().Position
		batch := make([]slam.RangingMeasurement, 0, len(reflectors))
		for _, id := range []string{"refl_1", "refl_2", "refl_3"} {
			batch = append(batch, slam.RangingMeasurement{
				SourceID:    id,
				Distance:    pos.DistanceTo(reflectors[id]) + rng.NormFloat64()*accuracy,
				Accuracy:    accuracy,
				TimestampMs: ts,
				Type:        slam.AcousticFMCW,
			})
		}
		proc.ProcessRanging(batch)
		rec.Ingest(proc.CurrentState())
	}
}

func render(path string, trajectory []slam.Point3D, landmarks []slam.Landmark, stats slam.ProcessingStats) error {
	traj := make([]opts.ScatterData, 0, len(trajectory))
	maxAbs := 1.0
	for _, p := range trajectory {
		traj = append(traj, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(float64(p.X)), math.Abs(float64(p.Y))))
	}
	lms := make([]opts.ScatterData, 0, len(landmarks))
	for _, lm := range landmarks {
		lms = append(lms, opts.ScatterData{Value: []interface{}{lm.Position.X, lm.Position.Y}})
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(float64(lm.Position.X)), math.Abs(float64(lm.Position.Y))))
	}

	pad := maxAbs * 1.05

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Range-SLAM Trajectory", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Range-SLAM Trajectory and Landmarks",
			Subtitle: fmt.Sprintf("session=%s applied=%d rejected=%d loops=%d", stats.SessionID, stats.AppliedUpdates, stats.RejectedValidation+stats.RejectedOutlier, stats.LoopClosures),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("trajectory", traj, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("landmarks", lms, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scatter.Render(f)
}
