// Package corners locates the four corners of a survey quadrant in a
// photograph and orders them TL, TR, BR, BL.
package corners

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

var (
	// ErrCornerCount is returned when a corner set does not hold exactly 4 points.
	ErrCornerCount = errors.New("quadrant needs exactly 4 corners")

	// ErrDegenerateQuad is returned for zero-area or self-intersecting quads.
	ErrDegenerateQuad = errors.New("corners do not form a simple quadrilateral")
)

// Quad holds quadrant corners in canonical order: top-left, top-right,
// bottom-right, bottom-left (clockwise on screen).
type Quad [4]gocv.Point2f

// NewQuad copies exactly four points into a Quad without reordering them.
func NewQuad(pts []gocv.Point2f) (Quad, error) {
	var q Quad
	if len(pts) != 4 {
		return q, fmt.Errorf("%w: got %d", ErrCornerCount, len(pts))
	}
	copy(q[:], pts)
	return q, nil
}

func (q Quad) Points() []gocv.Point2f {
	return append([]gocv.Point2f(nil), q[:]...)
}

// ImagePoints rounds the corners to pixel positions.
func (q Quad) ImagePoints() []image.Point {
	out := make([]image.Point, len(q))
	for i, p := range q {
		out[i] = image.Pt(int(math.Round(float64(p.X))), int(math.Round(float64(p.Y))))
	}
	return out
}

// SignedArea is the shoelace area. With image coordinates (y down) it is
// positive when the corners run clockwise on screen.
func (q Quad) SignedArea() float64 {
	var sum float64
	for i := range q {
		a, b := q[i], q[(i+1)%len(q)]
		sum += float64(a.X)*float64(b.Y) - float64(b.X)*float64(a.Y)
	}
	return sum / 2
}

// Sides returns the four edge lengths TL-TR, TR-BR, BR-BL, BL-TL.
func (q Quad) Sides() []float64 {
	sides := make([]float64, len(q))
	for i := range q {
		a, b := q[i], q[(i+1)%len(q)]
		sides[i] = math.Hypot(float64(b.X-a.X), float64(b.Y-a.Y))
	}
	return sides
}

// Validate checks the quad is a simple polygon with non-zero area.
func (q Quad) Validate() error {
	if q.SignedArea() == 0 {
		return fmt.Errorf("%w: zero area", ErrDegenerateQuad)
	}
	// Only opposite edges can cross in a quadrilateral.
	if segmentsCross(q[0], q[1], q[2], q[3]) || segmentsCross(q[1], q[2], q[3], q[0]) {
		return fmt.Errorf("%w: edges intersect", ErrDegenerateQuad)
	}
	return nil
}

func cross(o, a, b gocv.Point2f) float64 {
	return float64(a.X-o.X)*float64(b.Y-o.Y) - float64(a.Y-o.Y)*float64(b.X-o.X)
}

func segmentsCross(p1, p2, p3, p4 gocv.Point2f) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

// Order puts four unordered corners into canonical order. Points are
// sorted by angle around their centroid, then rotated so the point with
// the smallest x+y comes first. With y pointing down, increasing atan2
// angle turns clockwise on screen, so for a convex quad the result is
// TL, TR, BR, BL and SignedArea is positive.
func Order(pts [4]gocv.Point2f) Quad {
	var cx, cy float64
	for _, p := range pts {
		cx += float64(p.X)
		cy += float64(p.Y)
	}
	cx /= 4
	cy /= 4

	sorted := pts
	sort.SliceStable(sorted[:], func(i, j int) bool {
		ai := math.Atan2(float64(sorted[i].Y)-cy, float64(sorted[i].X)-cx)
		aj := math.Atan2(float64(sorted[j].Y)-cy, float64(sorted[j].X)-cx)
		return ai < aj
	})

	root := 0
	for i := 1; i < len(sorted); i++ {
		if sorted[i].X+sorted[i].Y < sorted[root].X+sorted[root].Y {
			root = i
		}
	}

	var q Quad
	for i := range q {
		q[i] = sorted[(root+i)%len(sorted)]
	}
	return q
}
