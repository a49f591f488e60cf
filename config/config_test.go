package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "camera": {"source": "rtsp://printer-cam/stream", "retry_attempts": 3, "retry_delay_seconds": 5},
  "calibration": {
    "src_points": [
      {"x": 412.5, "y": 187.3},
      {"x": 1520.8, "y": 203.1},
      {"x": 1688.2, "y": 901.4},
      {"x": 301.7, "y": 874.9}
    ],
    "physical_width_mm": 250,
    "physical_height_mm": 250,
    "output_scale": 4
  },
  "processing": {"width": 1024, "height": 1024},
  "log": {"path": "printer.log", "layer_marker": "Exposure", "recoat_marker": "Recoat"},
  "save": {"root": "captures", "part_name": "bracket-v2"},
  "capture": {"delay_seconds": 1.5}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validJSON))
	require.NoError(t, err)

	assert.Equal(t, "rtsp://printer-cam/stream", cfg.Camera.Source)
	assert.Equal(t, 3, cfg.Camera.RetryAttempts)
	assert.Equal(t, 250.0, cfg.Calibration.PhysicalWidth)
	assert.Equal(t, 4.0, cfg.Calibration.OutputScale)
	assert.Equal(t, 1024, cfg.Processing.Width)
	assert.Equal(t, "bracket-v2", cfg.Save.PartName)
	assert.Equal(t, 1.5, cfg.Capture.DelaySec)

	cal := cfg.ToCalibration()
	assert.Equal(t, 412.5, cal.SrcPoints[0].X)
	assert.Equal(t, 874.9, cal.SrcPoints[3].Y)
}

func TestLoadAppliesDefaults(t *testing.T) {
	// Omitted operational fields keep their defaults.
	partial := `{
  "calibration": {
    "src_points": [
      {"x": 0, "y": 0}, {"x": 100, "y": 0}, {"x": 100, "y": 100}, {"x": 0, "y": 100}
    ],
    "physical_width_mm": 100,
    "physical_height_mm": 100,
    "output_scale": 2
  },
  "processing": {"width": 512, "height": 512},
  "log": {"path": "printer.log"}
}`
	cfg, err := Load(writeConfig(t, partial))
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Camera.RetryAttempts)
	assert.Equal(t, "Exposure", cfg.Log.LayerMarker)
	assert.Equal(t, "Recoat", cfg.Log.RecoatMarker)
	assert.Equal(t, "captures", cfg.Save.Root)
}

func TestLoadRejectsWrongExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validJSON), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"three points", func(c *Config) { c.Calibration.SrcPoints = c.Calibration.SrcPoints[:3] }},
		{"zero physical width", func(c *Config) { c.Calibration.PhysicalWidth = 0 }},
		{"negative physical height", func(c *Config) { c.Calibration.PhysicalHeight = -1 }},
		{"zero scale", func(c *Config) { c.Calibration.OutputScale = 0 }},
		{"zero processing width", func(c *Config) { c.Processing.Width = 0 }},
		{"aspect mismatch", func(c *Config) { c.Processing.Height = 512 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validJSON))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsProportionalProcessingSize(t *testing.T) {
	cfg, err := Load(writeConfig(t, validJSON))
	require.NoError(t, err)

	// 250x250 mm is square; any square processing size is proportional.
	cfg.Processing.Width = 640
	cfg.Processing.Height = 640
	assert.NoError(t, cfg.Validate())
}

func TestValidatePassesWithoutLogSection(t *testing.T) {
	cfg, err := Load(writeConfig(t, validJSON))
	require.NoError(t, err)

	// One-shot captures never build a watcher, so a missing log path must
	// not block startup validation.
	cfg.Log = LogConfig{}
	assert.NoError(t, cfg.Validate())
}

func TestValidateLog(t *testing.T) {
	cfg, err := Load(writeConfig(t, validJSON))
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateLog())

	cfg.Log.Path = ""
	assert.Error(t, cfg.ValidateLog())

	cfg.Log.Path = "printer.log"
	cfg.Log.RecoatMarker = ""
	assert.Error(t, cfg.ValidateLog())
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load(writeConfig(t, validJSON))
	require.NoError(t, err)

	assert.Equal(t, "5s", cfg.RetryDelay().String())
	assert.Equal(t, "1.5s", cfg.CaptureDelay().String())
}
