package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for SLAM tuning parameters.
// All fields are pointers so that partial JSON files are safe: fields
// omitted from the file fall back to the defaults supplied by the Get*
// methods.
type TuningConfig struct {
	// Filter params
	ProcessNoisePos           *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel           *float64 `json:"process_noise_vel,omitempty"`
	ProcessNoiseOrient        *float64 `json:"process_noise_orient,omitempty"`
	MeasurementNoiseWiFiRTT   *float64 `json:"measurement_noise_wifi_rtt,omitempty"`
	MeasurementNoiseBluetooth *float64 `json:"measurement_noise_bluetooth,omitempty"`
	MeasurementNoiseAcoustic  *float64 `json:"measurement_noise_acoustic,omitempty"`
	MahalanobisGate           *float64 `json:"mahalanobis_gate,omitempty"`
	MinPredictDtSeconds       *float64 `json:"min_predict_dt_seconds,omitempty"`
	MaxPredictDtSeconds       *float64 `json:"max_predict_dt_seconds,omitempty"`
	VelocityDampingPerS       *float64 `json:"velocity_damping_per_s,omitempty"`
	NewLandmarkUncertainty    *float64 `json:"new_landmark_uncertainty,omitempty"`

	// Validator params
	ValidatorMinDistanceM   *float64 `json:"validator_min_distance_m,omitempty"`
	ValidatorMaxDistanceM   *float64 `json:"validator_max_distance_m,omitempty"`
	ValidatorMaxSpeedMps    *float64 `json:"validator_max_speed_mps,omitempty"`
	ValidatorHistoryLength  *int     `json:"validator_history_length,omitempty"`
	ValidatorTemporalWindow *int     `json:"validator_temporal_window,omitempty"`
	ValidatorSigmaGate      *float64 `json:"validator_sigma_gate,omitempty"`

	// Loop closure params
	LoopLocationThresholdM *float64 `json:"loop_location_threshold_m,omitempty"`
	LoopMinConfidence      *float64 `json:"loop_min_confidence,omitempty"`

	// Reconstruction params. Out-of-range values are clamped by the
	// reconstruction module rather than rejected here.
	ReconGridResolutionM *float64 `json:"recon_grid_resolution_m,omitempty"`
	ReconMinConfidence   *float64 `json:"recon_min_confidence,omitempty"`
	ReconMaxRangeM       *float64 `json:"recon_max_range_m,omitempty"`
	ReconMeshThreshold   *int     `json:"recon_mesh_threshold,omitempty"`

	// State feed params
	FeedBufferDepth *int `json:"feed_buffer_depth,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/slam/ekf/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Filter and
// validator parameters with no sane interpretation (negative variances,
// inverted distance bounds) are rejected outright; reconstruction
// parameters are deliberately left alone because the reconstruction
// module clamps them to its allowed ranges instead.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*float64{
		"process_noise_pos":           c.ProcessNoisePos,
		"process_noise_vel":           c.ProcessNoiseVel,
		"process_noise_orient":        c.ProcessNoiseOrient,
		"measurement_noise_wifi_rtt":  c.MeasurementNoiseWiFiRTT,
		"measurement_noise_bluetooth": c.MeasurementNoiseBluetooth,
		"measurement_noise_acoustic":  c.MeasurementNoiseAcoustic,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.MahalanobisGate != nil && *c.MahalanobisGate <= 0 {
		return fmt.Errorf("mahalanobis_gate must be positive, got %f", *c.MahalanobisGate)
	}
	if c.MinPredictDtSeconds != nil && *c.MinPredictDtSeconds <= 0 {
		return fmt.Errorf("min_predict_dt_seconds must be positive, got %f", *c.MinPredictDtSeconds)
	}
	if c.MaxPredictDtSeconds != nil && c.MinPredictDtSeconds != nil &&
		*c.MaxPredictDtSeconds < *c.MinPredictDtSeconds {
		return fmt.Errorf("max_predict_dt_seconds %f is below min_predict_dt_seconds %f",
			*c.MaxPredictDtSeconds, *c.MinPredictDtSeconds)
	}
	if c.VelocityDampingPerS != nil && *c.VelocityDampingPerS < 0 {
		return fmt.Errorf("velocity_damping_per_s must be non-negative, got %f", *c.VelocityDampingPerS)
	}
	if c.NewLandmarkUncertainty != nil && *c.NewLandmarkUncertainty <= 0 {
		return fmt.Errorf("new_landmark_uncertainty must be positive, got %f", *c.NewLandmarkUncertainty)
	}

	if c.ValidatorMinDistanceM != nil && *c.ValidatorMinDistanceM < 0 {
		return fmt.Errorf("validator_min_distance_m must be non-negative, got %f", *c.ValidatorMinDistanceM)
	}
	if c.ValidatorMaxDistanceM != nil && c.ValidatorMinDistanceM != nil &&
		*c.ValidatorMaxDistanceM <= *c.ValidatorMinDistanceM {
		return fmt.Errorf("validator_max_distance_m %f must exceed validator_min_distance_m %f",
			*c.ValidatorMaxDistanceM, *c.ValidatorMinDistanceM)
	}
	if c.ValidatorMaxSpeedMps != nil && *c.ValidatorMaxSpeedMps <= 0 {
		return fmt.Errorf("validator_max_speed_mps must be positive, got %f", *c.ValidatorMaxSpeedMps)
	}
	if c.ValidatorHistoryLength != nil && *c.ValidatorHistoryLength < 1 {
		return fmt.Errorf("validator_history_length must be at least 1, got %d", *c.ValidatorHistoryLength)
	}
	if c.ValidatorTemporalWindow != nil && *c.ValidatorTemporalWindow < 1 {
		return fmt.Errorf("validator_temporal_window must be at least 1, got %d", *c.ValidatorTemporalWindow)
	}
	if c.ValidatorSigmaGate != nil && *c.ValidatorSigmaGate <= 0 {
		return fmt.Errorf("validator_sigma_gate must be positive, got %f", *c.ValidatorSigmaGate)
	}

	if c.LoopLocationThresholdM != nil && *c.LoopLocationThresholdM <= 0 {
		return fmt.Errorf("loop_location_threshold_m must be positive, got %f", *c.LoopLocationThresholdM)
	}
	if c.LoopMinConfidence != nil && (*c.LoopMinConfidence < 0 || *c.LoopMinConfidence > 1) {
		return fmt.Errorf("loop_min_confidence must be in [0, 1], got %f", *c.LoopMinConfidence)
	}

	if c.FeedBufferDepth != nil && *c.FeedBufferDepth < 1 {
		return fmt.Errorf("feed_buffer_depth must be at least 1, got %d", *c.FeedBufferDepth)
	}

	return nil
}

// GetProcessNoisePos returns the position process noise variance or the default.
func (c *TuningConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 0.1
	}
	return *c.ProcessNoisePos
}

// GetProcessNoiseVel returns the velocity process noise variance or the default.
func (c *TuningConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 0.5
	}
	return *c.ProcessNoiseVel
}

// GetProcessNoiseOrient returns the orientation process noise variance or the default.
func (c *TuningConfig) GetProcessNoiseOrient() float64 {
	if c.ProcessNoiseOrient == nil {
		return 0.01
	}
	return *c.ProcessNoiseOrient
}

// GetMeasurementNoiseWiFiRTT returns the WiFi-RTT measurement noise variance or the default.
func (c *TuningConfig) GetMeasurementNoiseWiFiRTT() float64 {
	if c.MeasurementNoiseWiFiRTT == nil {
		return 1.0
	}
	return *c.MeasurementNoiseWiFiRTT
}

// GetMeasurementNoiseBluetooth returns the Bluetooth measurement noise variance or the default.
func (c *TuningConfig) GetMeasurementNoiseBluetooth() float64 {
	if c.MeasurementNoiseBluetooth == nil {
		return 3.0
	}
	return *c.MeasurementNoiseBluetooth
}

// GetMeasurementNoiseAcoustic returns the acoustic measurement noise variance or the default.
func (c *TuningConfig) GetMeasurementNoiseAcoustic() float64 {
	if c.MeasurementNoiseAcoustic == nil {
		return 0.05
	}
	return *c.MeasurementNoiseAcoustic
}

// GetMahalanobisGate returns the squared Mahalanobis outlier gate or the default.
func (c *TuningConfig) GetMahalanobisGate() float64 {
	if c.MahalanobisGate == nil {
		return 9.0
	}
	return *c.MahalanobisGate
}

// GetMinPredictDtSeconds returns the minimum predict time step or the default.
func (c *TuningConfig) GetMinPredictDtSeconds() float64 {
	if c.MinPredictDtSeconds == nil {
		return 0.01
	}
	return *c.MinPredictDtSeconds
}

// GetMaxPredictDtSeconds returns the maximum predict time step or the default.
func (c *TuningConfig) GetMaxPredictDtSeconds() float64 {
	if c.MaxPredictDtSeconds == nil {
		return 1.0
	}
	return *c.MaxPredictDtSeconds
}

// GetVelocityDampingPerS returns the velocity covariance decay rate or the default.
func (c *TuningConfig) GetVelocityDampingPerS() float64 {
	if c.VelocityDampingPerS == nil {
		return 4.0
	}
	return *c.VelocityDampingPerS
}

// GetNewLandmarkUncertainty returns the initial landmark uncertainty or the default.
func (c *TuningConfig) GetNewLandmarkUncertainty() float64 {
	if c.NewLandmarkUncertainty == nil {
		return 10.0
	}
	return *c.NewLandmarkUncertainty
}

// GetValidatorMinDistanceM returns the minimum plausible distance or the default.
func (c *TuningConfig) GetValidatorMinDistanceM() float64 {
	if c.ValidatorMinDistanceM == nil {
		return 0.10
	}
	return *c.ValidatorMinDistanceM
}

// GetValidatorMaxDistanceM returns the maximum plausible distance or the default.
func (c *TuningConfig) GetValidatorMaxDistanceM() float64 {
	if c.ValidatorMaxDistanceM == nil {
		return 50.0
	}
	return *c.ValidatorMaxDistanceM
}

// GetValidatorMaxSpeedMps returns the rate-of-change gate speed or the default.
func (c *TuningConfig) GetValidatorMaxSpeedMps() float64 {
	if c.ValidatorMaxSpeedMps == nil {
		return 10.0
	}
	return *c.ValidatorMaxSpeedMps
}

// GetValidatorHistoryLength returns the per-source history ring length or the default.
func (c *TuningConfig) GetValidatorHistoryLength() int {
	if c.ValidatorHistoryLength == nil {
		return 10
	}
	return *c.ValidatorHistoryLength
}

// GetValidatorTemporalWindow returns the temporal consistency window or the default.
func (c *TuningConfig) GetValidatorTemporalWindow() int {
	if c.ValidatorTemporalWindow == nil {
		return 5
	}
	return *c.ValidatorTemporalWindow
}

// GetValidatorSigmaGate returns the temporal consistency sigma multiplier or the default.
func (c *TuningConfig) GetValidatorSigmaGate() float64 {
	if c.ValidatorSigmaGate == nil {
		return 3.0
	}
	return *c.ValidatorSigmaGate
}

// GetLoopLocationThresholdM returns the loop closure location radius or the default.
func (c *TuningConfig) GetLoopLocationThresholdM() float64 {
	if c.LoopLocationThresholdM == nil {
		return 2.0
	}
	return *c.LoopLocationThresholdM
}

// GetLoopMinConfidence returns the loop closure acceptance confidence or the default.
func (c *TuningConfig) GetLoopMinConfidence() float64 {
	if c.LoopMinConfidence == nil {
		return 0.75
	}
	return *c.LoopMinConfidence
}

// GetReconGridResolutionM returns the reconstruction grid resolution or the default.
func (c *TuningConfig) GetReconGridResolutionM() float64 {
	if c.ReconGridResolutionM == nil {
		return 0.1
	}
	return *c.ReconGridResolutionM
}

// GetReconMinConfidence returns the reconstruction confidence floor or the default.
func (c *TuningConfig) GetReconMinConfidence() float64 {
	if c.ReconMinConfidence == nil {
		return 0.3
	}
	return *c.ReconMinConfidence
}

// GetReconMaxRangeM returns the reconstruction range limit or the default.
func (c *TuningConfig) GetReconMaxRangeM() float64 {
	if c.ReconMaxRangeM == nil {
		return 20.0
	}
	return *c.ReconMaxRangeM
}

// GetReconMeshThreshold returns the landmark count that enables meshing or the default.
func (c *TuningConfig) GetReconMeshThreshold() int {
	if c.ReconMeshThreshold == nil {
		return 10
	}
	return *c.ReconMeshThreshold
}

// GetFeedBufferDepth returns the per-subscriber feed buffer depth or the default.
func (c *TuningConfig) GetFeedBufferDepth() int {
	if c.FeedBufferDepth == nil {
		return 8
	}
	return *c.FeedBufferDepth
}
