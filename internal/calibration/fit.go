package calibration

import (
	"fmt"
	"image"
	"math"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Sub-pixel refinement settings for detected chessboard corners.
const (
	SubPixWindow     = 11
	SubPixIterations = 30
	SubPixEpsilon    = 0.001
)

// Board describes a printed chessboard by its internal corner grid and
// the physical size of one square.
type Board struct {
	Width      int
	Height     int
	SquareSize float64 // centimetres
}

// DefaultBoard is the 8x6 board with 3.025 cm squares used for quadrant work.
var DefaultBoard = Board{Width: 8, Height: 6, SquareSize: 3.025}

func (b Board) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: internal corners %dx%d", ErrInvalidBoard, b.Width, b.Height)
	}
	if b.SquareSize <= 0 {
		return fmt.Errorf("%w: square size %v", ErrInvalidBoard, b.SquareSize)
	}
	return nil
}

func (b Board) patternSize() image.Point {
	return image.Pt(b.Width, b.Height)
}

// ObjectPoints returns the board's corners on the z=0 plane, x varying
// fastest, matching the order FindChessboardCorners reports them in.
func (b Board) ObjectPoints() []gocv.Point3f {
	pts := make([]gocv.Point3f, 0, b.Width*b.Height)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			pts = append(pts, gocv.Point3f{
				X: float32(float64(x) * b.SquareSize),
				Y: float32(float64(y) * b.SquareSize),
			})
		}
	}
	return pts
}

// Observation pairs the known board geometry with its detected pixel
// positions in one calibration image.
type Observation struct {
	Object []gocv.Point3f
	Image  []gocv.Point2f
}

// Detect finds the board in img and refines the corners to sub-pixel
// accuracy. ok is false when the board is not found.
func (b Board) Detect(img gocv.Mat) (obs Observation, ok bool) {
	gray := gocv.NewMat()
	defer gray.Close()
	if img.Channels() == 1 {
		img.CopyTo(&gray)
	} else {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}

	corners := gocv.NewMat()
	defer corners.Close()
	if !gocv.FindChessboardCorners(gray, b.patternSize(), &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage) {
		return Observation{}, false
	}

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, SubPixIterations, SubPixEpsilon)
	gocv.CornerSubPix(gray, &corners, image.Pt(SubPixWindow, SubPixWindow), image.Pt(-1, -1), criteria)

	refined := gocv.NewPoint2fVectorFromMat(corners)
	defer refined.Close()

	return Observation{Object: b.ObjectPoints(), Image: refined.ToPoints()}, true
}

// FitReport describes which images contributed to a fit.
type FitReport struct {
	Detected []int
	Skipped  []int
	RMS      float64
}

// Fit detects the board in every image and fits a camera model to the
// detections. Images where the board is not found are skipped, not
// errors; fewer than MinObservations detections is ErrInsufficientData.
func Fit(images []gocv.Mat, board Board) (*Model, FitReport, error) {
	var report FitReport

	if err := board.Validate(); err != nil {
		return nil, report, err
	}
	if len(images) == 0 {
		return nil, report, ErrNoImages
	}

	var observations []Observation
	var size image.Point
	for i, img := range images {
		if img.Empty() {
			report.Skipped = append(report.Skipped, i)
			continue
		}
		if size == (image.Point{}) {
			size = image.Pt(img.Cols(), img.Rows())
		}

		obs, ok := board.Detect(img)
		if !ok {
			logrus.WithField("image", i).Debug("chessboard not found")
			report.Skipped = append(report.Skipped, i)
			continue
		}
		report.Detected = append(report.Detected, i)
		observations = append(observations, obs)
	}

	model, err := FitObservations(observations, size)
	if err != nil {
		return nil, report, err
	}
	report.RMS = model.RMS()

	return model, report, nil
}

// FitObservations fits a pinhole model with a fixed 1:1 focal aspect
// ratio, minimising reprojection error over all observations.
func FitObservations(observations []Observation, imageSize image.Point) (*Model, error) {
	if len(observations) < MinObservations {
		return nil, fmt.Errorf("%w: %d usable chessboard detections, need %d",
			ErrInsufficientData, len(observations), MinObservations)
	}

	objectPoints := gocv.NewPoints3fVector()
	defer objectPoints.Close()
	imagePoints := gocv.NewPoints2fVector()
	defer imagePoints.Close()

	for i, obs := range observations {
		if len(obs.Object) != len(obs.Image) || len(obs.Image) == 0 {
			return nil, fmt.Errorf("observation %d: %d object points vs %d image points", i, len(obs.Object), len(obs.Image))
		}
		if !planar(obs.Object) {
			return nil, fmt.Errorf("%w: observation %d has collinear board points", ErrFitFailed, i)
		}
		ov := gocv.NewPoint3fVectorFromPoints(obs.Object)
		objectPoints.Append(ov)
		ov.Close()

		iv := gocv.NewPoint2fVectorFromPoints(obs.Image)
		imagePoints.Append(iv)
		iv.Close()
	}

	// Identity start so the fixed aspect ratio is exactly fx:fy = 1:1.
	camera := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer camera.Close()
	for i := 0; i < 3; i++ {
		camera.SetDoubleAt(i, i, 1)
	}
	dist := gocv.NewMat()
	defer dist.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	gocv.ClearLastException()
	rms := gocv.CalibrateCamera(objectPoints, imagePoints, imageSize, &camera, &dist, &rvecs, &tvecs,
		gocv.CalibFlag(gocv.CalibFlagPinholeFixAspectRatio))
	if err := gocv.LastExceptionError(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFitFailed, err)
	}

	k := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			k = append(k, camera.GetDoubleAt(r, c))
		}
	}
	if err := checkFit(k, rms); err != nil {
		return nil, err
	}

	return NewModel(k, matValues(dist), rms, imageSize)
}

// checkFit rejects results OpenCV returns without raising: the identity
// guess left in place, or non-finite values.
func checkFit(k []float64, rms float64) error {
	fx, fy := k[0], k[4]
	switch {
	case !finite(rms) || rms < 0:
		return fmt.Errorf("%w: reprojection error %v", ErrFitFailed, rms)
	case !finite(fx) || !finite(fy) || fx <= 1 || fy <= 1:
		return fmt.Errorf("%w: focal lengths %v, %v", ErrFitFailed, fx, fy)
	}
	for _, v := range k {
		if !finite(v) {
			return fmt.Errorf("%w: non-finite camera matrix %v", ErrFitFailed, k)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// planar reports whether pts span a plane, i.e. are not all on one line.
func planar(pts []gocv.Point3f) bool {
	if len(pts) < 3 {
		return false
	}
	a := pts[0]
	for i := 1; i < len(pts); i++ {
		b := pts[i]
		for j := i + 1; j < len(pts); j++ {
			c := pts[j]
			ux, uy, uz := float64(b.X-a.X), float64(b.Y-a.Y), float64(b.Z-a.Z)
			vx, vy, vz := float64(c.X-a.X), float64(c.Y-a.Y), float64(c.Z-a.Z)
			cx, cy, cz := uy*vz-uz*vy, uz*vx-ux*vz, ux*vy-uy*vx
			if cx*cx+cy*cy+cz*cz > 1e-12 {
				return true
			}
		}
	}
	return false
}

// matValues flattens a single-row or single-column CV_64F Mat.
func matValues(m gocv.Mat) []float64 {
	var out []float64
	if m.Rows() == 1 {
		for c := 0; c < m.Cols(); c++ {
			out = append(out, m.GetDoubleAt(0, c))
		}
		return out
	}
	for r := 0; r < m.Rows(); r++ {
		out = append(out, m.GetDoubleAt(r, 0))
	}
	return out
}
