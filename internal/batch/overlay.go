package batch

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"quadrant/internal/corners"
)

var (
	overlayEdge   = color.RGBA{0, 255, 0, 255}
	overlayCorner = color.RGBA{0, 0, 255, 255}
	overlayRoot   = color.RGBA{255, 255, 0, 255}
)

// drawOverlay outlines q on a copy of img, marks each corner, and rings
// the top-left one so the ordering can be checked by eye.
func drawOverlay(img gocv.Mat, q corners.Quad, src corners.Source) gocv.Mat {
	out := img.Clone()
	pts := q.ImagePoints()

	for i := range pts {
		gocv.Line(&out, pts[i], pts[(i+1)%len(pts)], overlayEdge, 2)
	}
	for _, p := range pts {
		gocv.Circle(&out, p, 6, overlayCorner, -1)
	}
	gocv.Circle(&out, pts[0], 14, overlayRoot, 3)

	gocv.PutText(&out, src.String(), image.Pt(20, 40), gocv.FontHersheyPlain, 2, overlayEdge, 2)
	return out
}
