package corners

import (
	"image"
	"math"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// Detection defaults.
const (
	DefaultBlurSize       = 5
	DefaultCannyLow       = 50
	DefaultCannyHigh      = 150
	DefaultMinArea        = 10000.0
	DefaultApproxEpsilon  = 0.02
	DefaultAreaSaturation = 50000.0
)

// Detector finds the quadrant frame as the best-scoring four-sided
// external contour in an edge map.
type Detector struct {
	BlurSize       int
	CannyLow       float32
	CannyHigh      float32
	MinArea        float64 // contours below this area (px²) are ignored
	ApproxEpsilon  float64 // polygon tolerance as a fraction of perimeter
	AreaSaturation float64 // area (px²) above which size stops adding to the score

	// ManualOnly skips automatic detection and always asks the provider.
	ManualOnly bool
}

func NewDetector() *Detector {
	return &Detector{
		BlurSize:       DefaultBlurSize,
		CannyLow:       DefaultCannyLow,
		CannyHigh:      DefaultCannyHigh,
		MinArea:        DefaultMinArea,
		ApproxEpsilon:  DefaultApproxEpsilon,
		AreaSaturation: DefaultAreaSaturation,
	}
}

// Candidate is one four-vertex contour considered by Detect.
type Candidate struct {
	Corners [4]gocv.Point2f
	Area    float64
	Score   float64
}

// Candidates returns every four-vertex contour large enough to be scored.
func (d *Detector) Candidates(img gocv.Mat) []Candidate {
	gray := gocv.NewMat()
	defer gray.Close()
	if img.Channels() == 1 {
		img.CopyTo(&gray)
	} else {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	}

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(d.BlurSize, d.BlurSize), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, d.CannyLow, d.CannyHigh)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var out []Candidate
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < d.MinArea {
			continue
		}

		epsilon := d.ApproxEpsilon * gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, epsilon, true)
		pts := approx.ToPoints()
		approx.Close()

		if len(pts) != 4 {
			continue
		}

		var c Candidate
		for j, p := range pts {
			c.Corners[j] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
		}
		c.Area = area
		c.Score = Score(c.Corners, area, d.AreaSaturation)
		out = append(out, c)
	}

	return out
}

// Detect returns the ordered corners of the highest-scoring candidate.
// ok is false when no candidate scores above zero.
func (d *Detector) Detect(img gocv.Mat) (q Quad, ok bool) {
	var best *Candidate
	candidates := d.Candidates(img)
	for i := range candidates {
		c := &candidates[i]
		logrus.WithFields(logrus.Fields{
			"area":  c.Area,
			"score": c.Score,
		}).Trace("quad candidate")
		if c.Score > 0 && (best == nil || c.Score > best.Score) {
			best = c
		}
	}

	if best == nil {
		return Quad{}, false
	}
	return Order(best.Corners), true
}

// Score rates a four-sided candidate. Near-equal sides push the first
// factor towards 1 and the second grows with area until saturation.
// Degenerate candidates with zero mean side length score 0.
func Score(pts [4]gocv.Point2f, area, saturation float64) float64 {
	sides := Quad(pts).Sides()
	mean, std := stat.PopMeanStdDev(sides, nil)
	if mean == 0 || saturation <= 0 {
		return 0
	}
	return 1 / (1 + std/mean) * math.Min(area/saturation, 1)
}
