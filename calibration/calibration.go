package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// reprojectTolerance is the maximum pixel error allowed when the solved
// transform is checked against its own correspondence points. Anything
// worse means the geometry is too ill-conditioned to measure with.
const reprojectTolerance = 1e-3

var (
	// ErrConfiguration indicates invalid physical dimensions, scale factor,
	// or correspondence points in the calibration config.
	ErrConfiguration = errors.New("invalid calibration configuration")

	// ErrCalibration indicates a degenerate point correspondence (collinear
	// or coincident source points) that cannot produce a stable transform.
	ErrCalibration = errors.New("degenerate calibration correspondence")
)

// Point is a 2D pixel coordinate in the camera image plane.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Config holds the one-time calibration inputs: the four corners of a known
// physical rectangle as seen by the camera, the rectangle's physical size,
// and the output scale (destination pixels per physical unit).
//
// SrcPoints must be ordered to match the destination rectangle corners:
// top-left, top-right, bottom-right, bottom-left (origin top-left, x right,
// y down). A wrong order still solves cleanly but produces a transform that
// rectifies into the wrong orientation, so the caller must guarantee it.
type Config struct {
	SrcPoints      [4]Point
	PhysicalWidth  float64 // physical units (mm)
	PhysicalHeight float64 // physical units (mm)
	OutputScale    float64 // destination pixels per physical unit
}

// Result is the immutable output of Calibrate. It is shared read-only with
// the frame processor for the lifetime of a processing session and is
// recreated wholesale on reconfiguration, never mutated.
type Result struct {
	// Transform is the 3x3 homography mapping source pixel coordinates to
	// destination pixel coordinates of the axis-aligned target rectangle.
	Transform *mat.Dense

	// TargetWidth and TargetHeight are the warp destination size in pixels,
	// round(physical * scale) per axis with a floor of 1.
	TargetWidth  int
	TargetHeight int

	// ScaleFactorMM is the physical distance represented by one pixel of
	// the warped output, 1/OutputScale. Constant for the session.
	ScaleFactorMM float64
}

// Calibrate computes the perspective transform mapping cfg.SrcPoints onto
// the corners of an axis-aligned rectangle sized from the physical
// dimensions and output scale, plus the per-pixel physical distance.
// Pure function of its inputs; runs once per configuration.
func Calibrate(cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	targetWidth := roundDimension(cfg.PhysicalWidth * cfg.OutputScale)
	targetHeight := roundDimension(cfg.PhysicalHeight * cfg.OutputScale)

	dst := [4]Point{
		{0, 0},
		{float64(targetWidth), 0},
		{float64(targetWidth), float64(targetHeight)},
		{0, float64(targetHeight)},
	}

	transform, err := solveHomography(cfg.SrcPoints, dst)
	if err != nil {
		return nil, err
	}

	// Sanity check the solve: each source corner must land on its
	// destination corner. A near-singular system can pass the solver but
	// fail here.
	for i := range cfg.SrcPoints {
		mapped, err := applyTransform(transform, cfg.SrcPoints[i])
		if err != nil {
			return nil, fmt.Errorf("%w: corner %d maps to infinity", ErrCalibration, i)
		}
		if math.Abs(mapped.X-dst[i].X) > reprojectTolerance || math.Abs(mapped.Y-dst[i].Y) > reprojectTolerance {
			return nil, fmt.Errorf("%w: corner %d reprojects to (%.4f, %.4f), want (%.1f, %.1f)",
				ErrCalibration, i, mapped.X, mapped.Y, dst[i].X, dst[i].Y)
		}
	}

	return &Result{
		Transform:     transform,
		TargetWidth:   targetWidth,
		TargetHeight:  targetHeight,
		ScaleFactorMM: 1.0 / cfg.OutputScale,
	}, nil
}

// Apply maps a source-plane point through the calibration transform into
// destination-plane coordinates.
func (r *Result) Apply(p Point) (Point, error) {
	return applyTransform(r.Transform, p)
}

func (cfg Config) validate() error {
	if cfg.PhysicalWidth <= 0 {
		return fmt.Errorf("%w: physical width must be > 0, got %v", ErrConfiguration, cfg.PhysicalWidth)
	}
	if cfg.PhysicalHeight <= 0 {
		return fmt.Errorf("%w: physical height must be > 0, got %v", ErrConfiguration, cfg.PhysicalHeight)
	}
	if cfg.OutputScale <= 0 {
		return fmt.Errorf("%w: output scale must be > 0, got %v", ErrConfiguration, cfg.OutputScale)
	}
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if cfg.SrcPoints[i] == cfg.SrcPoints[j] {
				return fmt.Errorf("%w: source points %d and %d coincide at (%v, %v)",
					ErrCalibration, i, j, cfg.SrcPoints[i].X, cfg.SrcPoints[i].Y)
			}
		}
	}
	// Any collinear triple makes the correspondence rank-deficient.
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				if collinear(cfg.SrcPoints[i], cfg.SrcPoints[j], cfg.SrcPoints[k]) {
					return fmt.Errorf("%w: source points %d, %d, %d are collinear", ErrCalibration, i, j, k)
				}
			}
		}
	}
	return nil
}

func roundDimension(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		n = 1
	}
	return n
}

func collinear(a, b, c Point) bool {
	// Twice the signed triangle area.
	area := (b.X-a.X)*(c.Y-a.Y) - (c.X-a.X)*(b.Y-a.Y)
	return math.Abs(area) < 1e-9
}

// solveHomography finds the 3x3 matrix H with h22 = 1 mapping src[i] to
// dst[i], by solving the 8x8 linear system from the four correspondences:
//
//	x' = (h00 x + h01 y + h02) / (h20 x + h21 y + 1)
//	y' = (h10 x + h11 y + h12) / (h20 x + h21 y + 1)
func solveHomography(src, dst [4]Point) (*mat.Dense, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		sx, sy := src[i].X, src[i].Y
		dx, dy := dst[i].X, dst[i].Y
		r := 2 * i

		a.SetRow(r, []float64{sx, sy, 1, 0, 0, 0, -sx * dx, -sy * dx})
		b.SetVec(r, dx)

		a.SetRow(r+1, []float64{0, 0, 0, sx, sy, 1, -sx * dy, -sy * dy})
		b.SetVec(r+1, dy)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibration, err)
	}

	return mat.NewDense(3, 3, []float64{
		h.AtVec(0), h.AtVec(1), h.AtVec(2),
		h.AtVec(3), h.AtVec(4), h.AtVec(5),
		h.AtVec(6), h.AtVec(7), 1,
	}), nil
}

func applyTransform(h *mat.Dense, p Point) (Point, error) {
	denom := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	if denom == 0 {
		return Point{}, fmt.Errorf("point (%v, %v) maps to the line at infinity", p.X, p.Y)
	}
	return Point{
		X: (h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)) / denom,
		Y: (h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)) / denom,
	}, nil
}
