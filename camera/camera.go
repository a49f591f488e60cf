package camera

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

const (
	// DefaultRetryAttempts is how many times Open tries to reach the
	// camera before giving up.
	DefaultRetryAttempts = 6

	// DefaultRetryDelay is the wait between connection attempts. Machine
	// vision cameras on the shop floor can take a while to enumerate
	// after power-up.
	DefaultRetryDelay = 10 * time.Second
)

// Camera wraps a video capture source and serializes frame grabs.
type Camera struct {
	source  string
	capture *gocv.VideoCapture
	mu      sync.Mutex
}

// Open connects to a capture source (device index like "0" or a stream
// URL), retrying up to attempts times with delay between tries.
func Open(source string, attempts int, delay time.Duration) (*Camera, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		capture, err := gocv.OpenVideoCapture(source)
		if err == nil && capture.IsOpened() {
			fmt.Printf("[CAMERA] Connected to %s on attempt %d/%d\n", source, attempt, attempts)
			return &Camera{source: source, capture: capture}, nil
		}
		if err == nil {
			capture.Close()
			err = fmt.Errorf("capture source %s opened but reports closed", source)
		}
		lastErr = err

		if attempt < attempts {
			fmt.Printf("[CAMERA] Attempt %d/%d failed (%v), retrying in %v...\n",
				attempt, attempts, err, delay)
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("no camera found at %s after %d attempts: %w", source, attempts, lastErr)
}

// Grab reads one frame from the camera. The caller owns the returned Mat
// and must Close it. On error the returned Mat is the zero value and
// holds no native allocation.
func (c *Camera) Grab() (gocv.Mat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return gocv.Mat{}, fmt.Errorf("camera %s is closed", c.source)
	}

	img := gocv.NewMat()
	if ok := c.capture.Read(&img); !ok || img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("failed to read frame from %s", c.source)
	}
	return img, nil
}

// Close releases the capture device. Safe to call more than once.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.capture = nil
	fmt.Printf("[CAMERA] Released %s\n", c.source)
	return err
}
