package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig represents the root configuration for the calibration core.
// All fields are pointers so that a partial JSON file only overrides the
// values it names; the Get* accessors supply defaults for everything else.
type TuningConfig struct {
	// Controller params
	UpdateInterval         *int64   `json:"update_interval,omitempty"`          // ticks between trigger evaluations
	LearningRate           *float64 `json:"learning_rate,omitempty"`            // gradient descent step size
	WindowSize             *int     `json:"window_size,omitempty"`              // error ring capacity
	FallbackSpeedKmh       *float64 `json:"fallback_speed_kmh,omitempty"`       // static real-speed default
	SampleLimit            *int     `json:"sample_limit,omitempty"`             // max real-world samples per lookup
	TelemetryTimeout       *string  `json:"telemetry_timeout,omitempty"`        // duration string like "2s"
	EngineFailureThreshold *int     `json:"engine_failure_threshold,omitempty"` // consecutive unreachable cycles before fatal

	// Matcher params
	MaxMatchDistanceM *float64 `json:"max_match_distance_m,omitempty"`
	MatchThreshold    *float64 `json:"match_threshold,omitempty"`
	RoutingTimeout    *string  `json:"routing_timeout,omitempty"`

	// Aggregator params
	SampleCadence *int64 `json:"sample_cadence,omitempty"` // ticks between edge-state aggregations
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the max file size. Fields omitted from the
// JSON retain their default values, so partial configs are safe.
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

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.UpdateInterval != nil && *c.UpdateInterval < 1 {
		return fmt.Errorf("update_interval must be >= 1, got %d", *c.UpdateInterval)
	}
	if c.LearningRate != nil && *c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %f", *c.LearningRate)
	}
	if c.WindowSize != nil && *c.WindowSize < 1 {
		return fmt.Errorf("window_size must be >= 1, got %d", *c.WindowSize)
	}
	if c.MatchThreshold != nil {
		if *c.MatchThreshold <= 0 || *c.MatchThreshold > 1 {
			return fmt.Errorf("match_threshold must be in (0, 1], got %f", *c.MatchThreshold)
		}
	}
	if c.MaxMatchDistanceM != nil && *c.MaxMatchDistanceM <= 0 {
		return fmt.Errorf("max_match_distance_m must be positive, got %f", *c.MaxMatchDistanceM)
	}
	if c.EngineFailureThreshold != nil && *c.EngineFailureThreshold < 1 {
		return fmt.Errorf("engine_failure_threshold must be >= 1, got %d", *c.EngineFailureThreshold)
	}
	if c.SampleCadence != nil && *c.SampleCadence < 1 {
		return fmt.Errorf("sample_cadence must be >= 1, got %d", *c.SampleCadence)
	}
	if c.TelemetryTimeout != nil && *c.TelemetryTimeout != "" {
		if _, err := time.ParseDuration(*c.TelemetryTimeout); err != nil {
			return fmt.Errorf("invalid telemetry_timeout '%s': %w", *c.TelemetryTimeout, err)
		}
	}
	if c.RoutingTimeout != nil && *c.RoutingTimeout != "" {
		if _, err := time.ParseDuration(*c.RoutingTimeout); err != nil {
			return fmt.Errorf("invalid routing_timeout '%s': %w", *c.RoutingTimeout, err)
		}
	}
	return nil
}

// GetUpdateInterval returns the update_interval value or the default.
// 300 ticks is roughly five simulated minutes at 1 Hz stepping.
func (c *TuningConfig) GetUpdateInterval() int64 {
	if c.UpdateInterval == nil {
		return 300
	}
	return *c.UpdateInterval
}

// GetLearningRate returns the learning_rate value or the default.
func (c *TuningConfig) GetLearningRate() float64 {
	if c.LearningRate == nil {
		return 0.1
	}
	return *c.LearningRate
}

// GetWindowSize returns the window_size value or the default.
func (c *TuningConfig) GetWindowSize() int {
	if c.WindowSize == nil {
		return 10
	}
	return *c.WindowSize
}

// GetFallbackSpeedKmh returns the fallback_speed_kmh value or the default.
// 36.9 km/h is a typical congested urban average, used when no real-world
// samples are available from any scope.
func (c *TuningConfig) GetFallbackSpeedKmh() float64 {
	if c.FallbackSpeedKmh == nil {
		return 36.9
	}
	return *c.FallbackSpeedKmh
}

// GetSampleLimit returns the sample_limit value or the default.
func (c *TuningConfig) GetSampleLimit() int {
	if c.SampleLimit == nil {
		return 10
	}
	return *c.SampleLimit
}

// GetTelemetryTimeout parses and returns the TelemetryTimeout as a duration.
func (c *TuningConfig) GetTelemetryTimeout() time.Duration {
	if c.TelemetryTimeout == nil || *c.TelemetryTimeout == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*c.TelemetryTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetEngineFailureThreshold returns the engine_failure_threshold value or the default.
func (c *TuningConfig) GetEngineFailureThreshold() int {
	if c.EngineFailureThreshold == nil {
		return 3
	}
	return *c.EngineFailureThreshold
}

// GetMaxMatchDistanceM returns the max_match_distance_m value or the default.
func (c *TuningConfig) GetMaxMatchDistanceM() float64 {
	if c.MaxMatchDistanceM == nil {
		return 500
	}
	return *c.MaxMatchDistanceM
}

// GetMatchThreshold returns the match_threshold value or the default.
func (c *TuningConfig) GetMatchThreshold() float64 {
	if c.MatchThreshold == nil {
		return 0.7
	}
	return *c.MatchThreshold
}

// GetRoutingTimeout parses and returns the RoutingTimeout as a duration.
func (c *TuningConfig) GetRoutingTimeout() time.Duration {
	if c.RoutingTimeout == nil || *c.RoutingTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*c.RoutingTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetSampleCadence returns the sample_cadence value or the default.
func (c *TuningConfig) GetSampleCadence() int64 {
	if c.SampleCadence == nil {
		return 1
	}
	return *c.SampleCadence
}
