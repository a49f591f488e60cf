package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"bedcam/calibration"
	"bedcam/camera"
	"bedcam/config"
	"bedcam/frame"
	"bedcam/pkg/logwatch"
)

var (
	// Command-line flags
	configPath = flag.String("config", "config.json", "Path to the JSON configuration file\n\t\tHolds camera, calibration, log, and save settings")
	oneshot    = flag.Bool("oneshot", false, "Capture and process a single frame immediately, then exit (useful for checking calibration)")
)

// captureSession bundles the immutable per-configuration state: the camera
// connection, the calibrated frame processor, and the save layout. It is
// rebuilt wholesale if the configuration changes; nothing in it mutates
// between frames.
type captureSession struct {
	cam       *camera.Camera
	processor *frame.Processor
	saveRoot  string
	partName  string
	delay     time.Duration
}

// handleRecoat runs the capture pair for one powder recoat event: the
// fresh powder surface first, then the start-of-exposure view after the
// configured delay. A failed frame is skipped rather than fatal; the next
// recoat gets another chance.
func (s *captureSession) handleRecoat(layer int) {
	fmt.Printf("[CAPTURE] Recoat event for layer %d\n", layer)

	if err := s.captureStage("recoat", layer); err != nil {
		fmt.Printf("[CAPTURE] Skipping recoat frame for layer %d: %v\n", layer, err)
	}

	time.Sleep(s.delay)

	if err := s.captureStage("start", layer); err != nil {
		fmt.Printf("[CAPTURE] Skipping start frame for layer %d: %v\n", layer, err)
	}
}

// captureStage grabs one frame, rectifies it, and writes it under
// <root>/<part>/<stage>/.
func (s *captureSession) captureStage(stage string, layer int) error {
	img, err := s.cam.Grab()
	if err != nil {
		return err
	}
	defer img.Close()

	processed, scaleMM, err := s.processor.Process(img)
	if err != nil {
		return err
	}
	defer processed.Close()

	folder := filepath.Join(s.saveRoot, s.partName, stage)
	if err := os.MkdirAll(folder, 0755); err != nil {
		return fmt.Errorf("failed to create save folder: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000000")
	outputPath := filepath.Join(folder, fmt.Sprintf("image_%s_layer_%d.png", timestamp, layer))
	if ok := gocv.IMWrite(outputPath, processed); !ok {
		return fmt.Errorf("failed to write %s", outputPath)
	}

	fmt.Printf("[CAPTURE] Saved %s (%.4f mm/pixel)\n", outputPath, scaleMM)
	return nil
}

func main() {
	flag.Parse()

	fmt.Printf("[STARTUP] bedcam starting with config %s\n", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("[STARTUP] Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Calibration failures abort startup. There is no safe default
	// transform to fall back to.
	cal, err := calibration.Calibrate(cfg.ToCalibration())
	if err != nil {
		fmt.Printf("[CALIBRATION] Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[CALIBRATION] Warp target %dx%d px, %.4f mm/pixel, output %dx%d px\n",
		cal.TargetWidth, cal.TargetHeight, cal.ScaleFactorMM,
		cfg.Processing.Width, cfg.Processing.Height)

	processor, err := frame.NewProcessor(cal, cfg.Processing.Width, cfg.Processing.Height)
	if err != nil {
		fmt.Printf("[CALIBRATION] Failed to build processor: %v\n", err)
		os.Exit(1)
	}
	defer processor.Close()

	cam, err := camera.Open(cfg.Camera.Source, cfg.Camera.RetryAttempts, cfg.RetryDelay())
	if err != nil {
		fmt.Printf("[CAMERA] %v\n", err)
		os.Exit(1)
	}
	defer cam.Close()

	session := &captureSession{
		cam:       cam,
		processor: processor,
		saveRoot:  cfg.Save.Root,
		partName:  cfg.Save.PartName,
		delay:     cfg.CaptureDelay(),
	}

	if *oneshot {
		if err := session.captureStage("manual", 0); err != nil {
			fmt.Printf("[CAPTURE] Oneshot capture failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// The log section is only needed once we actually watch a build.
	if err := cfg.ValidateLog(); err != nil {
		fmt.Printf("[STARTUP] Configuration error: %v\n", err)
		os.Exit(1)
	}

	watcher, err := logwatch.New(cfg.Log.Path, cfg.Log.LayerMarker, cfg.Log.RecoatMarker, session.handleRecoat)
	if err != nil {
		fmt.Printf("[LOGWATCH] %v\n", err)
		os.Exit(1)
	}
	if err := watcher.ReplayExisting(); err != nil {
		fmt.Printf("[LOGWATCH] %v\n", err)
		os.Exit(1)
	}
	if err := watcher.Start(); err != nil {
		fmt.Printf("[LOGWATCH] %v\n", err)
		os.Exit(1)
	}
	defer watcher.Stop()

	fmt.Printf("[STARTUP] Monitoring %s for build events (Ctrl+C to stop)\n", cfg.Log.Path)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("[SHUTDOWN] Stopping monitor\n")
}
