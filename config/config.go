package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"bedcam/calibration"
)

// maxFileSize caps the config file read for safety (1MB).
const maxFileSize = 1 * 1024 * 1024

// aspectTolerance is the maximum relative mismatch allowed between the
// processing-size aspect ratio and the physical rectangle's aspect ratio.
// If the two drift apart, the reported mm-per-pixel value no longer holds
// after the final resize, so a mismatch is a configuration error.
const aspectTolerance = 0.01

// Config is the root configuration record, loaded once at startup and
// treated as immutable afterwards. Recalibration after an edit happens by
// reloading the whole file, never by patching fields in place.
type Config struct {
	Camera      CameraConfig      `json:"camera"`
	Calibration CalibrationConfig `json:"calibration"`
	Processing  ProcessingConfig  `json:"processing"`
	Log         LogConfig         `json:"log"`
	Save        SaveConfig        `json:"save"`
	Capture     CaptureConfig     `json:"capture"`
}

// CameraConfig selects the capture source and its connection behavior.
type CameraConfig struct {
	Source        string `json:"source"`         // device index ("0") or stream URL
	RetryAttempts int    `json:"retry_attempts"` // connection attempts before giving up
	RetryDelaySec int    `json:"retry_delay_seconds"`
}

// CalibrationConfig describes the known physical rectangle and how the
// camera sees it. SrcPoints order is top-left, top-right, bottom-right,
// bottom-left of the rectified view.
type CalibrationConfig struct {
	SrcPoints      []calibration.Point `json:"src_points"`
	PhysicalWidth  float64             `json:"physical_width_mm"`
	PhysicalHeight float64             `json:"physical_height_mm"`
	OutputScale    float64             `json:"output_scale"` // pixels per mm
}

// ProcessingConfig is the fixed output resolution of the pipeline.
type ProcessingConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LogConfig locates the printer log and the event marker substrings.
type LogConfig struct {
	Path         string `json:"path"`
	LayerMarker  string `json:"layer_marker"`  // line carries the layer number in field 3
	RecoatMarker string `json:"recoat_marker"` // line triggers a capture pair
}

// SaveConfig controls where processed frames land on disk.
type SaveConfig struct {
	Root     string `json:"root"`
	PartName string `json:"part_name"`
}

// CaptureConfig times the second capture of a recoat event.
type CaptureConfig struct {
	DelaySec float64 `json:"delay_seconds"`
}

// Default returns a Config with the operational knobs filled in. The
// calibration section has no meaningful default and must come from the
// file.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Source:        "0",
			RetryAttempts: 6,
			RetryDelaySec: 10,
		},
		Processing: ProcessingConfig{Width: 1024, Height: 1024},
		Log: LogConfig{
			LayerMarker:  "Exposure",
			RecoatMarker: "Recoat",
		},
		Save:    SaveConfig{Root: "captures", PartName: "part"},
		Capture: CaptureConfig{DelaySec: 2.0},
	}
}

// Load reads and validates a JSON config file. Fields omitted from the
// file keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every field the pipeline depends on. Geometry errors
// here abort startup; there is no safe default transform to fall back to.
func (c *Config) Validate() error {
	if c.Camera.Source == "" {
		return fmt.Errorf("camera.source is required")
	}
	if c.Camera.RetryAttempts < 1 {
		return fmt.Errorf("camera.retry_attempts must be >= 1, got %d", c.Camera.RetryAttempts)
	}
	if c.Camera.RetryDelaySec < 0 {
		return fmt.Errorf("camera.retry_delay_seconds must be >= 0, got %d", c.Camera.RetryDelaySec)
	}

	if n := len(c.Calibration.SrcPoints); n != 4 {
		return fmt.Errorf("calibration.src_points must contain exactly 4 points, got %d", n)
	}
	if c.Calibration.PhysicalWidth <= 0 {
		return fmt.Errorf("calibration.physical_width_mm must be > 0, got %v", c.Calibration.PhysicalWidth)
	}
	if c.Calibration.PhysicalHeight <= 0 {
		return fmt.Errorf("calibration.physical_height_mm must be > 0, got %v", c.Calibration.PhysicalHeight)
	}
	if c.Calibration.OutputScale <= 0 {
		return fmt.Errorf("calibration.output_scale must be > 0, got %v", c.Calibration.OutputScale)
	}

	if c.Processing.Width <= 0 || c.Processing.Height <= 0 {
		return fmt.Errorf("processing size must be positive, got %dx%d", c.Processing.Width, c.Processing.Height)
	}
	// The mm-per-pixel value survives the final resize only when the
	// processing size keeps the physical rectangle's proportions.
	physAspect := c.Calibration.PhysicalWidth / c.Calibration.PhysicalHeight
	procAspect := float64(c.Processing.Width) / float64(c.Processing.Height)
	if math.Abs(procAspect-physAspect)/physAspect > aspectTolerance {
		return fmt.Errorf("processing size %dx%d (aspect %.4f) is not proportional to the physical rectangle %vx%v mm (aspect %.4f)",
			c.Processing.Width, c.Processing.Height, procAspect,
			c.Calibration.PhysicalWidth, c.Calibration.PhysicalHeight, physAspect)
	}

	if c.Save.Root == "" || c.Save.PartName == "" {
		return fmt.Errorf("save.root and save.part_name are required")
	}
	if c.Capture.DelaySec < 0 {
		return fmt.Errorf("capture.delay_seconds must be >= 0, got %v", c.Capture.DelaySec)
	}
	return nil
}

// ValidateLog checks the fields the log watcher needs. Kept out of
// Validate so modes that never build a watcher, like a one-shot capture,
// can run without a log section.
func (c *Config) ValidateLog() error {
	if c.Log.Path == "" {
		return fmt.Errorf("log.path is required")
	}
	if c.Log.LayerMarker == "" || c.Log.RecoatMarker == "" {
		return fmt.Errorf("log.layer_marker and log.recoat_marker are required")
	}
	return nil
}

// ToCalibration converts the file record into the calibration package's
// input form.
func (c *Config) ToCalibration() calibration.Config {
	var pts [4]calibration.Point
	copy(pts[:], c.Calibration.SrcPoints)
	return calibration.Config{
		SrcPoints:      pts,
		PhysicalWidth:  c.Calibration.PhysicalWidth,
		PhysicalHeight: c.Calibration.PhysicalHeight,
		OutputScale:    c.Calibration.OutputScale,
	}
}

// RetryDelay returns the camera retry delay as a Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Camera.RetryDelaySec) * time.Second
}

// CaptureDelay returns the recoat second-capture delay as a Duration.
func (c *Config) CaptureDelay() time.Duration {
	return time.Duration(c.Capture.DelaySec * float64(time.Second))
}
