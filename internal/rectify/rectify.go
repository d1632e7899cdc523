// Package rectify warps a quadrant to a square top-down view and corrects
// underwater color casts.
package rectify

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// DefaultSize is the side length of rectified output in pixels.
const DefaultSize = 2000

var (
	// ErrCornerCount is returned when Perspective is not given exactly 4 corners.
	ErrCornerCount = errors.New("perspective rectification needs exactly 4 corners")

	ErrInvalidSize = errors.New("output size must be positive")
)

// Perspective maps corners (TL, TR, BR, BL) onto the corners of a
// size×size square and resamples img through that projection. Corners are
// expected to lie inside img. The caller owns the returned Mat.
func Perspective(img gocv.Mat, corners []gocv.Point2f, size int) (gocv.Mat, error) {
	if len(corners) != 4 {
		return gocv.NewMat(), fmt.Errorf("%w: got %d", ErrCornerCount, len(corners))
	}
	if size <= 0 {
		return gocv.NewMat(), fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	src := gocv.NewPoint2fVectorFromPoints(corners)
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints(squareCorners(size))
	defer dst.Close()

	m := gocv.GetPerspectiveTransform2f(src, dst)
	defer m.Close()

	out := gocv.NewMat()
	if err := gocv.WarpPerspective(img, &out, m, image.Pt(size, size)); err != nil {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("warp perspective: %w", err)
	}
	return out, nil
}

func squareCorners(size int) []gocv.Point2f {
	s := float32(size - 1)
	return []gocv.Point2f{
		{X: 0, Y: 0},
		{X: s, Y: 0},
		{X: s, Y: s},
		{X: 0, Y: s},
	}
}
