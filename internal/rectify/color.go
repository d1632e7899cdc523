package rectify

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Red enhancement levels accepted by Enhance.
const (
	MinRedLevel = 1
	MaxRedLevel = 5
)

// Per-level increments applied above level 1.
const (
	redBoostStep        = 0.125
	saturationBoostStep = 0.05
)

var (
	ErrRedLevel = errors.New("red level out of range")
	ErrChannels = errors.New("color correction needs a 3-channel BGR image")
)

// Shift is a sub-pixel channel translation.
type Shift struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Default channel shifts, tuned for a GoPro in its underwater housing.
var (
	DefaultRedShift  = Shift{X: 1.5, Y: 1.0}
	DefaultBlueShift = Shift{X: -1.0, Y: -0.5}
)

// Corrector aligns color channels and boosts red and saturation to undo
// the cast water puts on a photograph. Green is the reference channel.
type Corrector struct {
	Red  Shift
	Blue Shift
}

func NewCorrector() *Corrector {
	return &Corrector{Red: DefaultRedShift, Blue: DefaultBlueShift}
}

// Boosts returns the red and saturation multipliers for a red level.
// Both are 1 at MinRedLevel.
func Boosts(level int) (red, saturation float64) {
	steps := float64(level - MinRedLevel)
	return 1 + steps*redBoostStep, 1 + steps*saturationBoostStep
}

// CorrectChromaticAberration translates the red and blue channels of a
// BGR image by the configured shifts using bilinear sampling. Pixels
// shifted in from outside the frame are black.
func (c *Corrector) CorrectChromaticAberration(img gocv.Mat) (gocv.Mat, error) {
	if img.Channels() != 3 {
		return gocv.NewMat(), fmt.Errorf("%w: got %d channels", ErrChannels, img.Channels())
	}

	channels := gocv.Split(img)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()

	size := image.Pt(img.Cols(), img.Rows())
	blue := translate(channels[0], c.Blue, size)
	defer blue.Close()
	red := translate(channels[2], c.Red, size)
	defer red.Close()

	out := gocv.NewMat()
	gocv.Merge([]gocv.Mat{blue, channels[1], red}, &out)
	return out, nil
}

func translate(ch gocv.Mat, s Shift, size image.Point) gocv.Mat {
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer m.Close()
	m.SetDoubleAt(0, 0, 1)
	m.SetDoubleAt(0, 1, 0)
	m.SetDoubleAt(0, 2, s.X)
	m.SetDoubleAt(1, 0, 0)
	m.SetDoubleAt(1, 1, 1)
	m.SetDoubleAt(1, 2, s.Y)

	out := gocv.NewMat()
	gocv.WarpAffineWithParams(ch, &out, m, size, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	return out
}

// Enhance corrects chromatic aberration, then scales the red channel and
// the HSV saturation by the multipliers for redLevel, clamping both to
// the valid range. The result is 8-bit BGR; img is not modified.
func (c *Corrector) Enhance(img gocv.Mat, redLevel int) (gocv.Mat, error) {
	if redLevel < MinRedLevel || redLevel > MaxRedLevel {
		return gocv.NewMat(), fmt.Errorf("%w: %d not in [%d,%d]", ErrRedLevel, redLevel, MinRedLevel, MaxRedLevel)
	}

	aligned, err := c.CorrectChromaticAberration(img)
	if err != nil {
		return aligned, err
	}
	defer aligned.Close()

	redBoost, satBoost := Boosts(redLevel)

	unit := gocv.NewMat()
	defer unit.Close()
	aligned.ConvertToWithParams(&unit, gocv.MatTypeCV32FC3, 1.0/255, 0)

	if err := scaleChannel(&unit, 2, redBoost); err != nil {
		return gocv.NewMat(), err
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(unit, &hsv, gocv.ColorBGRToHSV)

	if err := scaleChannel(&hsv, 1, satBoost); err != nil {
		return gocv.NewMat(), err
	}

	gocv.CvtColor(hsv, &unit, gocv.ColorHSVToBGR)

	out := gocv.NewMat()
	unit.ConvertToWithParams(&out, gocv.MatTypeCV8UC3, 255, 0)
	return out, nil
}

// scaleChannel multiplies one channel of a float image in place and caps
// it at 1.
func scaleChannel(img *gocv.Mat, idx int, factor float64) error {
	channels := gocv.Split(*img)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()
	if idx >= len(channels) {
		return fmt.Errorf("channel %d out of range (%d channels)", idx, len(channels))
	}

	if factor != 1 {
		channels[idx].MultiplyFloat(float32(factor))
	}
	gocv.Threshold(channels[idx], &channels[idx], 1, 1, gocv.ThresholdTrunc)

	gocv.Merge(channels, img)
	return nil
}
