// Package calibration fits and applies a pinhole lens-distortion model
// derived from chessboard photographs.
package calibration

import (
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInsufficientData is returned when fewer than MinObservations
	// chessboard detections are available for a fit.
	ErrInsufficientData = errors.New("insufficient calibration data")

	// ErrNoImages is returned when Fit is called without images.
	ErrNoImages = errors.New("no calibration images")

	// ErrInvalidBoard is returned for non-positive board geometry.
	ErrInvalidBoard = errors.New("invalid chessboard geometry")

	// ErrFitFailed is returned when OpenCV rejects the observations or
	// produces an unusable camera matrix.
	ErrFitFailed = errors.New("calibration fit failed")
)

// MinObservations is the number of successful chessboard detections a fit needs.
const MinObservations = 3

// Model is a fitted camera matrix plus distortion coefficients. It is
// immutable once built; a nil *Model means "no calibration" and Undistort
// passes images through untouched.
type Model struct {
	camera     *mat.Dense
	distortion []float64
	rms        float64
	imageSize  image.Point
}

// NewModel builds a model from a row-major 3x3 camera matrix and a
// distortion vector (k1, k2, p1, p2[, k3, ...]).
func NewModel(camera []float64, distortion []float64, rms float64, imageSize image.Point) (*Model, error) {
	if len(camera) != 9 {
		return nil, fmt.Errorf("camera matrix must have 9 elements, got %d", len(camera))
	}
	if len(distortion) < 4 {
		return nil, fmt.Errorf("distortion vector must have at least 4 elements, got %d", len(distortion))
	}

	return &Model{
		camera:     mat.NewDense(3, 3, append([]float64(nil), camera...)),
		distortion: append([]float64(nil), distortion...),
		rms:        rms,
		imageSize:  imageSize,
	}, nil
}

// CameraMatrix returns a copy of the 3x3 intrinsic matrix.
func (m *Model) CameraMatrix() *mat.Dense {
	return mat.DenseCopyOf(m.camera)
}

// Distortion returns a copy of the distortion coefficients.
func (m *Model) Distortion() []float64 {
	return append([]float64(nil), m.distortion...)
}

func (m *Model) RMS() float64 { return m.rms }

func (m *Model) ImageSize() image.Point { return m.imageSize }

// FocalLengths returns fx and fy in pixels.
func (m *Model) FocalLengths() (float64, float64) {
	return m.camera.At(0, 0), m.camera.At(1, 1)
}

// PrincipalPoint returns cx and cy in pixels.
func (m *Model) PrincipalPoint() (float64, float64) {
	return m.camera.At(0, 2), m.camera.At(1, 2)
}

func (m *Model) String() string {
	if m == nil {
		return "<uncalibrated>"
	}
	return fmt.Sprintf("camera=\n%v\ndistortion=%v rms=%.4f",
		mat.Formatted(m.camera, mat.Prefix("    "), mat.Squeeze()), m.distortion, m.rms)
}

// Undistort removes lens distortion from img. The new camera matrix keeps
// the full field of view (alpha = 1) at the image's own size. The input is
// not modified and the caller owns the returned Mat. If OpenCV rejects the
// model for this image, a copy of img is returned.
func (m *Model) Undistort(img gocv.Mat) gocv.Mat {
	if m == nil || img.Empty() {
		return img.Clone()
	}

	camera := m.cameraMat()
	defer camera.Close()
	dist := m.distortionMat()
	defer dist.Close()

	size := image.Pt(img.Cols(), img.Rows())
	gocv.ClearLastException()
	newCamera, _ := gocv.GetOptimalNewCameraMatrixWithParams(camera, dist, size, 1, size, false)
	defer newCamera.Close()
	if err := gocv.LastExceptionError(); err != nil {
		logrus.WithError(err).Warn("undistort failed, using the image as captured")
		return img.Clone()
	}

	out := gocv.NewMat()
	if err := gocv.Undistort(img, &out, camera, dist, newCamera); err != nil {
		logrus.WithError(err).Warn("undistort failed, using the image as captured")
		out.Close()
		return img.Clone()
	}
	return out
}

func (m *Model) cameraMat() gocv.Mat {
	k := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			k.SetDoubleAt(r, c, m.camera.At(r, c))
		}
	}
	return k
}

func (m *Model) distortionMat() gocv.Mat {
	d := gocv.NewMatWithSize(1, len(m.distortion), gocv.MatTypeCV64F)
	for i, v := range m.distortion {
		d.SetDoubleAt(0, i, v)
	}
	return d
}
