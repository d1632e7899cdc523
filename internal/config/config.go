// Package config loads pipeline settings from an optional JSON file.
// Every field is optional; omitted fields keep their defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultPath is the config file the CLI looks for when none is given.
const DefaultPath = "quadrant.json"

const maxFileSize = 1 << 20

// Shift mirrors rectify.Shift so this package stays free of gocv.
type Shift struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// File is the on-disk form. Pointers distinguish "absent" from zero.
type File struct {
	OutputSize      *int     `json:"outputSize,omitempty"`
	JPEGQuality     *int     `json:"jpegQuality,omitempty"`
	RedLevel        *int     `json:"redLevel,omitempty"`
	OutputSuffix    *string  `json:"outputSuffix,omitempty"`
	QuadrantSizeCm  *float64 `json:"quadrantSizeCm,omitempty"`
	CalibrationPath *string  `json:"calibrationPath,omitempty"`

	RedShift  *Shift `json:"redShift,omitempty"`
	BlueShift *Shift `json:"blueShift,omitempty"`

	CannyLow       *float32 `json:"cannyLow,omitempty"`
	CannyHigh      *float32 `json:"cannyHigh,omitempty"`
	BlurSize       *int     `json:"blurSize,omitempty"`
	MinArea        *float64 `json:"minArea,omitempty"`
	ApproxEpsilon  *float64 `json:"approxEpsilon,omitempty"`
	AreaSaturation *float64 `json:"areaSaturation,omitempty"`

	BoardWidth      *int     `json:"boardWidth,omitempty"`
	BoardHeight     *int     `json:"boardHeight,omitempty"`
	BoardSquareSize *float64 `json:"boardSquareSizeCm,omitempty"`
}

// Config is the resolved set of settings.
type Config struct {
	OutputSize      int
	JPEGQuality     int
	RedLevel        int
	OutputSuffix    string
	QuadrantSizeCm  float64
	CalibrationPath string

	RedShift  Shift
	BlueShift Shift

	CannyLow       float32
	CannyHigh      float32
	BlurSize       int
	MinArea        float64
	ApproxEpsilon  float64
	AreaSaturation float64

	BoardWidth      int
	BoardHeight     int
	BoardSquareSize float64
}

// Default returns the settings used when no config file is present.
func Default() Config {
	return Config{
		OutputSize:      2000,
		JPEGQuality:     98,
		RedLevel:        3,
		OutputSuffix:    "_Corrected",
		QuadrantSizeCm:  50,
		CalibrationPath: "quadrant-calibration.json",

		RedShift:  Shift{X: 1.5, Y: 1.0},
		BlueShift: Shift{X: -1.0, Y: -0.5},

		CannyLow:       50,
		CannyHigh:      150,
		BlurSize:       5,
		MinArea:        10000,
		ApproxEpsilon:  0.02,
		AreaSaturation: 50000,

		BoardWidth:      8,
		BoardHeight:     6,
		BoardSquareSize: 3.025,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()

	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("path", clean).Debug("no config file, using defaults")
			return c, nil
		}
		return c, pkgerrors.Wrap(err, "failed to stat config file")
	}
	if info.Size() > maxFileSize {
		return c, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return c, pkgerrors.Wrap(err, "failed to read config file")
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return c, pkgerrors.Wrapf(err, "failed to parse %s", clean)
	}
	c.Apply(f)

	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", clean, err)
	}
	return c, nil
}

// Apply overlays every field set in f.
func (c *Config) Apply(f File) {
	setInt(&c.OutputSize, f.OutputSize)
	setInt(&c.JPEGQuality, f.JPEGQuality)
	setInt(&c.RedLevel, f.RedLevel)
	if f.OutputSuffix != nil {
		c.OutputSuffix = *f.OutputSuffix
	}
	setFloat(&c.QuadrantSizeCm, f.QuadrantSizeCm)
	if f.CalibrationPath != nil {
		c.CalibrationPath = *f.CalibrationPath
	}

	if f.RedShift != nil {
		c.RedShift = *f.RedShift
	}
	if f.BlueShift != nil {
		c.BlueShift = *f.BlueShift
	}

	if f.CannyLow != nil {
		c.CannyLow = *f.CannyLow
	}
	if f.CannyHigh != nil {
		c.CannyHigh = *f.CannyHigh
	}
	setInt(&c.BlurSize, f.BlurSize)
	setFloat(&c.MinArea, f.MinArea)
	setFloat(&c.ApproxEpsilon, f.ApproxEpsilon)
	setFloat(&c.AreaSaturation, f.AreaSaturation)

	setInt(&c.BoardWidth, f.BoardWidth)
	setInt(&c.BoardHeight, f.BoardHeight)
	setFloat(&c.BoardSquareSize, f.BoardSquareSize)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func (c Config) Validate() error {
	switch {
	case c.OutputSize <= 0:
		return fmt.Errorf("outputSize must be positive, got %d", c.OutputSize)
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("jpegQuality must be between 1 and 100, got %d", c.JPEGQuality)
	case c.RedLevel < 1 || c.RedLevel > 5:
		return fmt.Errorf("redLevel must be between 1 and 5, got %d", c.RedLevel)
	case c.QuadrantSizeCm <= 0:
		return fmt.Errorf("quadrantSizeCm must be positive, got %v", c.QuadrantSizeCm)
	case c.BlurSize <= 0 || c.BlurSize%2 == 0:
		return fmt.Errorf("blurSize must be a positive odd number, got %d", c.BlurSize)
	case c.CannyLow < 0 || c.CannyHigh < c.CannyLow:
		return fmt.Errorf("canny thresholds must satisfy 0 <= low <= high, got %v/%v", c.CannyLow, c.CannyHigh)
	case c.ApproxEpsilon <= 0:
		return fmt.Errorf("approxEpsilon must be positive, got %v", c.ApproxEpsilon)
	case c.AreaSaturation <= 0:
		return fmt.Errorf("areaSaturation must be positive, got %v", c.AreaSaturation)
	case c.BoardWidth <= 0 || c.BoardHeight <= 0 || c.BoardSquareSize <= 0:
		return fmt.Errorf("chessboard %dx%d@%vcm is invalid", c.BoardWidth, c.BoardHeight, c.BoardSquareSize)
	}
	return nil
}

// PixelsPerCm is the scale of rectified output.
func (c Config) PixelsPerCm() float64 {
	return float64(c.OutputSize) / c.QuadrantSizeCm
}

func (c Config) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"outputSize":  c.OutputSize,
		"jpegQuality": c.JPEGQuality,
		"redLevel":    c.RedLevel,
		"suffix":      c.OutputSuffix,
		"redShift":    c.RedShift,
		"blueShift":   c.BlueShift,
	}
}
