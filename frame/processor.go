package frame

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"bedcam/calibration"
)

// ErrFrame indicates an input frame the processor cannot safely warp:
// empty, zero-sized, or with an unexpected channel layout.
var ErrFrame = errors.New("invalid frame")

// pipelineChannels is the fixed channel layout of the pipeline (BGR).
const pipelineChannels = 3

// Processor applies a precomputed perspective transform to camera frames
// and resizes the result to a fixed processing resolution.
//
// The transform state is read-only after construction, so a single
// Processor may be shared by concurrent callers as long as each call
// operates on its own input and output Mats.
type Processor struct {
	transform  gocv.Mat
	targetSize image.Point
	outputSize image.Point
	scaleMM    float64
}

// NewProcessor builds a Processor from a calibration result and the fixed
// output resolution. The calibration transform is copied into an OpenCV
// matrix once here; the Result itself is not retained.
func NewProcessor(cal *calibration.Result, outputWidth, outputHeight int) (*Processor, error) {
	if cal == nil || cal.Transform == nil {
		return nil, fmt.Errorf("frame: nil calibration result")
	}
	if outputWidth <= 0 || outputHeight <= 0 {
		return nil, fmt.Errorf("frame: processing size must be positive, got %dx%d", outputWidth, outputHeight)
	}

	transform := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			transform.SetDoubleAt(r, c, cal.Transform.At(r, c))
		}
	}

	return &Processor{
		transform:  transform,
		targetSize: image.Pt(cal.TargetWidth, cal.TargetHeight),
		outputSize: image.Pt(outputWidth, outputHeight),
		scaleMM:    cal.ScaleFactorMM,
	}, nil
}

// Process warps src into the calibrated target rectangle and resizes it to
// the processing resolution, returning the processed image and the
// calibration-time distance-per-pixel value. Destination pixels that map
// outside src are filled black. The caller owns the returned Mat and must
// Close it; src is not modified.
//
// Stateless per call: the same src always yields the same output. On
// error the returned Mat is the zero value and holds no native
// allocation.
func (p *Processor) Process(src gocv.Mat) (gocv.Mat, float64, error) {
	if src.Empty() || src.Cols() == 0 || src.Rows() == 0 {
		return gocv.Mat{}, 0, fmt.Errorf("%w: empty input image", ErrFrame)
	}
	if src.Channels() != pipelineChannels {
		return gocv.Mat{}, 0, fmt.Errorf("%w: expected %d channels, got %d",
			ErrFrame, pipelineChannels, src.Channels())
	}

	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpPerspective(src, &warped, p.transform, p.targetSize)

	// Area interpolation avoids aliasing when shrinking to the processing
	// resolution.
	processed := gocv.NewMat()
	gocv.Resize(warped, &processed, p.outputSize, 0, 0, gocv.InterpolationArea)

	return processed, p.scaleMM, nil
}

// ScaleFactorMM returns the physical distance represented by one pixel of
// the processed output.
func (p *Processor) ScaleFactorMM() float64 {
	return p.scaleMM
}

// OutputSize returns the fixed processing resolution.
func (p *Processor) OutputSize() image.Point {
	return p.outputSize
}

// Close releases the transform matrix. The Processor must not be used
// after Close.
func (p *Processor) Close() {
	p.transform.Close()
}
