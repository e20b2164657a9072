package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fieldsense/rangeslam/internal/config"
	"github.com/fieldsense/rangeslam/internal/slam"
	"github.com/fieldsense/rangeslam/internal/slam/pipeline"
	"github.com/fieldsense/rangeslam/internal/slam/recon"
)

var (
	configPath = flag.String("config", "", "Path to tuning config JSON (defaults to bundled tuning.defaults.json)")
	duration   = flag.Duration("duration", 10*time.Second, "Simulated session length")
	imuRate    = flag.Int("imu-rate", 50, "Simulated IMU sample rate, Hz")
	rangeRate  = flag.Int("range-rate", 5, "Simulated ranging batch rate, Hz")
	seed       = flag.Int64("seed", 1, "Simulation noise seed")
	verbose    = flag.Bool("v", false, "Enable diagnostic logging")
	trace      = flag.Bool("vv", false, "Enable per-measurement trace logging")
	statsOut   = flag.String("stats", "", "Write final session stats JSON to this file (stdout if empty)")
)

// reflector is one simulated acoustic ranging source at a fixed world
// position.
type reflector struct {
	id  string
	pos slam.Point3D
}

func main() {
	flag.Parse()

	var diag, traceW io.Writer
	if *verbose || *trace {
		diag = os.Stderr
	}
	if *trace {
		traceW = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diag, traceW)

	tuning := config.MustLoadDefaultConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	}
	if err := tuning.Validate(); err != nil {
		log.Fatalf("invalid tuning config: %v", err)
	}

	proc := pipeline.New(pipeline.ConfigFromTuning(tuning))
	rec := recon.New(recon.ConfigFromTuning(tuning))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	imuCh := make(chan slam.IMUMeasurement, 16)
	rangeCh := make(chan []slam.RangingMeasurement, 4)

	if err := proc.Start(ctx, imuCh, rangeCh); err != nil {
		log.Fatalf("failed to start processor: %v", err)
	}

	var wg sync.WaitGroup

	// Reconstruction runs off the emitted state feed only.
	states := proc.States()
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx, states)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		simulate(ctx, imuCh, rangeCh)
		close(imuCh)
		close(rangeCh)
	}()

	<-ctx.Done()
	wg.Wait()
	proc.Stop()

	stats := proc.Stats()
	pose := proc.CurrentPose()
	log.Printf("session %s done: pose=(%.2f, %.2f, %.2f) landmarks=%d cloud=%d trajectory=%d",
		stats.SessionID, pose.Position.X, pose.Position.Y, pose.Position.Z,
		stats.LandmarkCount, len(rec.PointCloud()), len(rec.Trajectory()))

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal stats: %v", err)
	}
	if *statsOut != "" {
		if err := os.WriteFile(*statsOut, out, 0o644); err != nil {
			log.Fatalf("failed to write stats file: %v", err)
		}
	} else {
		os.Stdout.Write(append(out, '\n'))
	}
}

// simulate feeds a stationary device observing four fixed acoustic
// reflectors. IMU samples carry gravity plus small noise; ranging
// batches carry true distance plus accuracy-scaled noise.
func simulate(ctx context.Context, imuCh chan<- slam.IMUMeasurement, rangeCh chan<- []slam.RangingMeasurement) {
	rng := rand.New(rand.NewSource(*seed))
	reflectors := []reflector{
		{id: "refl_1", pos: slam.Point3D{X: 2.0}},
		{id: "refl_2", pos: slam.Point3D{X: -1.5, Y: 1.5}},
		{id: "refl_3", pos: slam.Point3D{Y: -2.5, Z: 0.5}},
		{id: "refl_4", pos: slam.Point3D{X: 1.0, Y: 3.0}},
	}
	const accuracy = 0.05

	imuTick := time.NewTicker(time.Second / time.Duration(*imuRate))
	defer imuTick.Stop()
	rangeTick := time.NewTicker(time.Second / time.Duration(*rangeRate))
	defer rangeTick.Stop()

	start := time.Now()
	devicePos := slam.Point3D{}
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-imuTick.C:
			m := slam.IMUMeasurement{
				Acceleration: [3]float64{
					rng.NormFloat64() * 0.01,
					rng.NormFloat64() * 0.01,
					9.81 + rng.NormFloat64()*0.01,
				},
				AngularVelocity: [3]float64{0, 0, 0},
				TimestampMs:     t.Sub(start).Milliseconds(),
			}
			select {
			case imuCh <- m:
			case <-ctx.Done():
				return
			}
		case t := <-rangeTick.C:
			batch := make([]slam.RangingMeasurement, 0, len(reflectors))
			for _, r := range reflectors {
				d := devicePos.DistanceTo(r.pos) + rng.NormFloat64()*accuracy
				batch = append(batch, slam.RangingMeasurement{
					SourceID:    r.id,
					Distance:    d,
					Accuracy:    accuracy,
					TimestampMs: t.Sub(start).Milliseconds(),
					Type:        slam.AcousticFMCW,
				})
			}
			select {
			case rangeCh <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}
