// Package recon accumulates emitted SLAM state snapshots into a
// confidence-weighted point cloud, a thinned trajectory, and a coarse
// voxel-surface mesh. It reads immutable snapshots only and never calls
// back into the estimation core.
package recon

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/fieldsense/rangeslam/internal/config"
	"github.com/fieldsense/rangeslam/internal/feed"
	"github.com/fieldsense/rangeslam/internal/slam"
)

// Clamp bounds for tuning parameters. Out-of-range values are pulled
// back in rather than rejected.
const (
	minGridResolution = 0.01
	maxGridResolution = 1.0
	minMaxRange       = 1.0
	maxMaxRange       = 100.0
)

// trajectoryMinStep is the minimum pose displacement recorded on the
// trajectory.
const trajectoryMinStep = 0.1

// Config tunes accumulation, pruning, and meshing.
type Config struct {
	// GridResolution is the landmark merge radius and the voxel edge
	// length, meters.
	GridResolution float64
	// MinConfidence is the point-cloud inclusion floor. Landmarks below
	// half of it are pruned entirely.
	MinConfidence float64
	// MaxRange drops landmarks further than this from the latest pose,
	// meters.
	MaxRange float64
	// MeshThreshold is the landmark count at which mesh regeneration
	// begins.
	MeshThreshold int
}

func DefaultConfig() Config {
	return Config{
		GridResolution: 0.1,
		MinConfidence:  0.3,
		MaxRange:       20.0,
		MeshThreshold:  10,
	}
}

func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		GridResolution: cfg.GetReconGridResolutionM(),
		MinConfidence:  cfg.GetReconMinConfidence(),
		MaxRange:       cfg.GetReconMaxRangeM(),
		MeshThreshold:  cfg.GetReconMeshThreshold(),
	}
}

// normalized clamps every parameter into its allowed range.
func (c Config) normalized() Config {
	c.GridResolution = clamp(c.GridResolution, minGridResolution, maxGridResolution)
	c.MinConfidence = clamp(c.MinConfidence, 0, 1)
	c.MaxRange = clamp(c.MaxRange, minMaxRange, maxMaxRange)
	if c.MeshThreshold < 1 {
		c.MeshThreshold = 1
	}
	return c
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// landmarkPoint is one accumulated landmark with its blended confidence.
type landmarkPoint struct {
	SourceID   string
	Position   slam.Point3D
	Confidence float64
	// Samples counts merges, for the running-average confidence blend.
	Samples int
}

// Reconstructor folds SlamState snapshots into the accumulated model.
// All mutation happens under one mutex; Ingest is deterministic for a
// given snapshot sequence since a Reset.
type Reconstructor struct {
	mu  sync.Mutex
	cfg Config

	landmarks  []landmarkPoint
	trajectory []slam.Point3D

	// lastPose is the most recent pose recorded into the trajectory and
	// drives thinning. latestPose tracks every ingested pose and anchors
	// range filtering for queries between trajectory updates.
	lastPose   slam.Point3D
	havePose   bool
	latestPose slam.Point3D

	cloudFeed *feed.Feed[[]slam.Point3D]
	meshFeed  *feed.Feed[slam.EnvironmentMesh]
}

func New(cfg Config) *Reconstructor {
	return &Reconstructor{
		cfg:       cfg.normalized(),
		cloudFeed: feed.New[[]slam.Point3D](feed.DefaultBufferDepth),
		meshFeed:  feed.New[slam.EnvironmentMesh](feed.DefaultBufferDepth),
	}
}

// Clouds returns a subscription receiving the filtered point cloud
// after each ingested state.
func (r *Reconstructor) Clouds() *feed.Subscription[[]slam.Point3D] {
	return r.cloudFeed.Subscribe()
}

// Meshes returns a subscription receiving the regenerated mesh whenever
// the accumulated landmark count reaches the mesh threshold.
func (r *Reconstructor) Meshes() *feed.Subscription[slam.EnvironmentMesh] {
	return r.meshFeed.Subscribe()
}

// Run consumes states until the context ends or the subscription
// closes.
func (r *Reconstructor) Run(ctx context.Context, states *feed.Subscription[slam.SlamState]) {
	defer states.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states.C():
			if !ok {
				return
			}
			r.Ingest(s)
		}
	}
}

// Ingest merges one state snapshot: landmark accumulation, pruning,
// trajectory thinning, then output publication.
func (r *Reconstructor) Ingest(state slam.SlamState) {
	r.mu.Lock()
	for _, lm := range state.Landmarks {
		r.mergeLocked(lm, state.Confidence)
	}
	r.latestPose = state.Pose.Position
	r.pruneLocked(state.Pose.Position)
	r.recordPoseLocked(state.Pose.Position)
	cloud := r.cloudLocked(state.Pose.Position)
	var (
		mesh    slam.EnvironmentMesh
		hasMesh bool
	)
	if len(r.landmarks) >= r.cfg.MeshThreshold {
		mesh = buildMesh(cloud, r.cfg.GridResolution)
		hasMesh = true
	}
	r.mu.Unlock()

	r.cloudFeed.Publish(cloud)
	if hasMesh {
		r.meshFeed.Publish(mesh)
	}
}

// mergeLocked folds one landmark in: nearest accumulated landmark
// within the grid resolution absorbs it, else it is appended as new.
func (r *Reconstructor) mergeLocked(lm slam.Landmark, confidence float64) {
	bestIdx := -1
	bestDist := r.cfg.GridResolution
	for i := range r.landmarks {
		d := r.landmarks[i].Position.DistanceTo(lm.Position)
		if d <= bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		p := &r.landmarks[bestIdx]
		p.Position = lm.Position
		p.Confidence = (p.Confidence*float64(p.Samples) + confidence) / float64(p.Samples+1)
		p.Samples++
		return
	}
	r.landmarks = append(r.landmarks, landmarkPoint{
		SourceID:   lm.ID,
		Position:   lm.Position,
		Confidence: confidence,
		Samples:    1,
	})
}

func (r *Reconstructor) pruneLocked(pose slam.Point3D) {
	floor := r.cfg.MinConfidence * 0.5
	kept := r.landmarks[:0]
	for _, p := range r.landmarks {
		if p.Confidence < floor {
			continue
		}
		if p.Position.DistanceTo(pose) > r.cfg.MaxRange {
			continue
		}
		kept = append(kept, p)
	}
	r.landmarks = kept
}

func (r *Reconstructor) recordPoseLocked(pos slam.Point3D) {
	if r.havePose && pos.DistanceTo(r.lastPose) < trajectoryMinStep {
		return
	}
	r.trajectory = append(r.trajectory, pos)
	r.lastPose = pos
	r.havePose = true
}

// cloudLocked builds the filtered point cloud: confident landmarks
// within range of the given pose.
func (r *Reconstructor) cloudLocked(pose slam.Point3D) []slam.Point3D {
	cloud := make([]slam.Point3D, 0, len(r.landmarks))
	for _, p := range r.landmarks {
		if p.Confidence < r.cfg.MinConfidence {
			continue
		}
		if p.Position.DistanceTo(pose) > r.cfg.MaxRange {
			continue
		}
		cloud = append(cloud, p.Position)
	}
	return cloud
}

// PointCloud returns the filtered cloud relative to the latest recorded
// pose.
func (r *Reconstructor) PointCloud() []slam.Point3D {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cloudLocked(r.latestPose)
}

// Trajectory returns a copy of the thinned pose track.
func (r *Reconstructor) Trajectory() []slam.Point3D {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]slam.Point3D, len(r.trajectory))
	copy(out, r.trajectory)
	return out
}

// LandmarkCount reports the accumulated landmark total before
// cloud filtering.
func (r *Reconstructor) LandmarkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.landmarks)
}

// Mesh regenerates and returns the surface mesh. ok is false while the
// accumulated landmark count is below the mesh threshold.
func (r *Reconstructor) Mesh() (mesh slam.EnvironmentMesh, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.landmarks) < r.cfg.MeshThreshold {
		return slam.EnvironmentMesh{}, false
	}
	return buildMesh(r.cloudLocked(r.latestPose), r.cfg.GridResolution), true
}

// Snapshot bundles the current cloud, mesh, and trajectory copies.
type Snapshot struct {
	Cloud      []slam.Point3D
	Mesh       slam.EnvironmentMesh
	HasMesh    bool
	Trajectory []slam.Point3D
}

// Snapshot returns a consistent copy of every reconstruction output.
func (r *Reconstructor) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Cloud:      r.cloudLocked(r.latestPose),
		Trajectory: make([]slam.Point3D, len(r.trajectory)),
	}
	copy(snap.Trajectory, r.trajectory)
	if len(r.landmarks) >= r.cfg.MeshThreshold {
		snap.Mesh = buildMesh(snap.Cloud, r.cfg.GridResolution)
		snap.HasMesh = true
	}
	return snap
}

// Reset drops all accumulated landmarks and trajectory.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.landmarks = nil
	r.trajectory = nil
	r.havePose = false
	r.lastPose = slam.Point3D{}
	r.latestPose = slam.Point3D{}
}

type voxelKey struct {
	X, Y, Z int32
}

// buildMesh rasterises the cloud into a sparse occupancy grid and emits
// geometry for surface voxels only (occupied voxels with at least one
// empty 6-connected neighbor). Full regeneration each call; voxels are
// walked in sorted key order so output is deterministic.
func buildMesh(cloud []slam.Point3D, resolution float64) slam.EnvironmentMesh {
	occupied := make(map[voxelKey]struct{}, len(cloud))
	for _, p := range cloud {
		occupied[voxelFor(p, resolution)] = struct{}{}
	}

	keys := make([]voxelKey, 0, len(occupied))
	for k := range occupied {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})

	var mesh slam.EnvironmentMesh
	for _, k := range keys {
		if !isSurface(k, occupied) {
			continue
		}
		appendVoxel(&mesh, k, resolution)
	}
	return mesh
}

func voxelFor(p slam.Point3D, resolution float64) voxelKey {
	return voxelKey{
		X: int32(math.Floor(float64(p.X) / resolution)),
		Y: int32(math.Floor(float64(p.Y) / resolution)),
		Z: int32(math.Floor(float64(p.Z) / resolution)),
	}
}

var neighborOffsets = [6]voxelKey{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},
}

func isSurface(k voxelKey, occupied map[voxelKey]struct{}) bool {
	for _, d := range neighborOffsets {
		n := voxelKey{k.X + d.X, k.Y + d.Y, k.Z + d.Z}
		if _, ok := occupied[n]; !ok {
			return true
		}
	}
	return false
}

// Cube corner order: index bit 0 = +x, bit 1 = +y, bit 2 = +z.
var cubeFaces = [6]struct {
	Corners [4]int
	Normal  slam.Point3D
}{
	{Corners: [4]int{1, 3, 7, 5}, Normal: slam.Point3D{X: 1}},  // +x
	{Corners: [4]int{0, 4, 6, 2}, Normal: slam.Point3D{X: -1}}, // -x
	{Corners: [4]int{2, 6, 7, 3}, Normal: slam.Point3D{Y: 1}},  // +y
	{Corners: [4]int{0, 1, 5, 4}, Normal: slam.Point3D{Y: -1}}, // -y
	{Corners: [4]int{4, 5, 7, 6}, Normal: slam.Point3D{Z: 1}},  // +z
	{Corners: [4]int{0, 2, 3, 1}, Normal: slam.Point3D{Z: -1}}, // -z
}

// appendVoxel emits 8 vertices, 12 triangles (2 per face), and one
// normal per triangle for a single voxel cube.
func appendVoxel(mesh *slam.EnvironmentMesh, k voxelKey, resolution float64) {
	base := int32(len(mesh.Vertices))
	x0 := float32(float64(k.X) * resolution)
	y0 := float32(float64(k.Y) * resolution)
	z0 := float32(float64(k.Z) * resolution)
	s := float32(resolution)

	for i := 0; i < 8; i++ {
		v := slam.Point3D{X: x0, Y: y0, Z: z0}
		if i&1 != 0 {
			v.X += s
		}
		if i&2 != 0 {
			v.Y += s
		}
		if i&4 != 0 {
			v.Z += s
		}
		mesh.Vertices = append(mesh.Vertices, v)
	}

	for _, f := range cubeFaces {
		a := base + int32(f.Corners[0])
		b := base + int32(f.Corners[1])
		c := base + int32(f.Corners[2])
		d := base + int32(f.Corners[3])
		mesh.Triangles = append(mesh.Triangles,
			[3]int32{a, b, c},
			[3]int32{a, c, d},
		)
		mesh.Normals = append(mesh.Normals, f.Normal, f.Normal)
	}
}
