// Package batch runs the quadrant pipeline over a list of photographs:
// undistort, locate corners, rectify, color-correct, write.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"quadrant/internal/calibration"
	"quadrant/internal/corners"
	"quadrant/internal/rectify"
)

// DefaultJPEGQuality and DefaultSuffix are used for unset Pipeline fields.
const (
	DefaultJPEGQuality = 98
	DefaultSuffix      = "_Corrected"
)

var (
	ErrNoImages        = errors.New("no images to process")
	ErrImageUnreadable = errors.New("image could not be read")
	ErrOutputWrite     = errors.New("output could not be written")
	ErrSettings        = errors.New("invalid pipeline settings")
)

// Outcome is what happened to one image.
type Outcome int

const (
	Processed Outcome = iota
	Skipped
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Skipped:
		return "skipped"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Loader reads an image. An empty Mat means it could not be read.
type Loader func(path string) gocv.Mat

// Writer encodes img as a JPEG at path.
type Writer func(path string, img gocv.Mat, quality int) error

func readImage(path string) gocv.Mat {
	return gocv.IMRead(path, gocv.IMReadColor)
}

func writeJPEG(path string, img gocv.Mat, quality int) error {
	if !gocv.IMWriteWithParams(path, img, []int{int(gocv.IMWriteJpegQuality), quality}) {
		return fmt.Errorf("encoder refused %s", path)
	}
	return nil
}

// Pipeline holds everything needed to turn a photograph into a corrected
// top-down quadrant image. Model may be nil, in which case images are not
// undistorted. Zero-valued sizes, quality and suffix take their defaults.
type Pipeline struct {
	Model     *calibration.Model
	Detector  *corners.Detector
	Provider  corners.Provider
	Corrector *rectify.Corrector

	RedLevel    int
	OutputSize  int
	JPEGQuality int
	Suffix      string
	OutputDir   string

	// DebugOverlay writes "{base}-analysis.jpg" with the chosen corners
	// drawn on the undistorted image.
	DebugOverlay bool
	// SaveCorners writes automatically detected corners to a sidecar file
	// so a later run can reuse or hand-edit them.
	SaveCorners bool

	Load  Loader
	Write Writer
}

func (p *Pipeline) withDefaults() *Pipeline {
	c := *p
	if c.Detector == nil {
		c.Detector = corners.NewDetector()
	}
	if c.Corrector == nil {
		c.Corrector = rectify.NewCorrector()
	}
	if c.RedLevel == 0 {
		c.RedLevel = rectify.MinRedLevel
	}
	if c.OutputSize == 0 {
		c.OutputSize = rectify.DefaultSize
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.Suffix == "" {
		c.Suffix = DefaultSuffix
	}
	if c.Load == nil {
		c.Load = readImage
	}
	if c.Write == nil {
		c.Write = writeJPEG
	}
	return &c
}

func (p *Pipeline) validate() error {
	switch {
	case p.RedLevel < rectify.MinRedLevel || p.RedLevel > rectify.MaxRedLevel:
		return fmt.Errorf("%w: red level %d", ErrSettings, p.RedLevel)
	case p.OutputSize < 0:
		return fmt.Errorf("%w: output size %d", ErrSettings, p.OutputSize)
	case p.JPEGQuality < 1 || p.JPEGQuality > 100:
		return fmt.Errorf("%w: jpeg quality %d", ErrSettings, p.JPEGQuality)
	}
	return nil
}

// Failure records why one image was not processed.
type Failure struct {
	Path string
	Err  error
}

// Result summarises a batch run. Succeeded+Skipped+Failed counts the
// images visited; a cancelled image is not counted.
type Result struct {
	RunID     string
	Succeeded int
	Skipped   int
	Failed    int
	Cancelled bool
	OutputDir string
	Failures  []Failure
	Outputs   []string
}

// ProcessOne runs every stage on s.Image. The returned Mat is only
// non-empty for Processed and is owned by the caller.
func (p *Pipeline) ProcessOne(ctx context.Context, s *corners.Session) (Outcome, gocv.Mat, error) {
	pp := p.withDefaults()
	if err := pp.validate(); err != nil {
		return Processed, gocv.NewMat(), err
	}
	return pp.process(ctx, s)
}

func (p *Pipeline) process(ctx context.Context, s *corners.Session) (Outcome, gocv.Mat, error) {
	undistorted := p.Model.Undistort(s.Image)
	defer undistorted.Close()

	view := *s
	view.Image = undistorted

	sel, err := p.Detector.DetectWithFallback(ctx, &view, p.Provider)
	if err != nil {
		return Processed, gocv.NewMat(), err
	}

	switch sel.Kind {
	case corners.Cancelled:
		return Cancelled, gocv.NewMat(), nil
	case corners.Skipped:
		return Skipped, gocv.NewMat(), nil
	}

	log := logrus.WithFields(logrus.Fields{"path": s.Path, "source": sel.Source})
	log.WithField("corners", sel.Quad.Points()).Debug("corners selected")

	if p.SaveCorners && sel.Source == corners.Automatic {
		if err := corners.WriteSidecar(s.Path, sel.Quad); err != nil {
			log.WithError(err).Warn("failed to save corners")
		}
	}
	if p.DebugOverlay {
		p.writeOverlay(s.Path, undistorted, sel)
	}

	square, err := rectify.Perspective(undistorted, sel.Quad.Points(), p.OutputSize)
	if err != nil {
		return Processed, gocv.NewMat(), err
	}
	defer square.Close()

	corrected, err := p.Corrector.Enhance(square, p.RedLevel)
	if err != nil {
		return Processed, gocv.NewMat(), err
	}
	return Processed, corrected, nil
}

func (p *Pipeline) writeOverlay(src string, img gocv.Mat, sel corners.Selection) {
	overlay := drawOverlay(img, sel.Quad, sel.Source)
	defer overlay.Close()

	path := OverlayPath(src, p.OutputDir)
	if err := p.Write(path, overlay, p.JPEGQuality); err != nil {
		logrus.WithError(err).WithField("path", path).Warn("failed to write overlay")
		return
	}
	logrus.WithField("path", path).Debug("wrote overlay")
}

// ProcessBatch processes paths in order. It only returns an error when
// there is nothing to do or the pipeline is misconfigured; per-image
// problems are collected in Result.Failures. Cancelling ctx, or a
// cancel selection, stops the run before the next image.
func (p *Pipeline) ProcessBatch(ctx context.Context, paths []string) (Result, error) {
	res := Result{RunID: uuid.NewString(), OutputDir: p.OutputDir}
	if len(paths) == 0 {
		return res, ErrNoImages
	}

	pp := p.withDefaults()
	if err := pp.validate(); err != nil {
		return res, err
	}
	if pp.OutputDir != "" {
		if err := os.MkdirAll(pp.OutputDir, 0o755); err != nil {
			return res, fmt.Errorf("%w: %v", ErrOutputWrite, err)
		}
	}

	runLog := logrus.WithField("run", res.RunID)
	runLog.WithField("images", len(paths)).Info("batch started")

	// written maps each output path to the source that produced it, so two
	// sources sharing a base name cannot overwrite each other.
	written := make(map[string]string, len(paths))

	total := len(paths)
	for idx, path := range paths {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		log := runLog.WithFields(logrus.Fields{
			"image": fmt.Sprintf("[%d/%d]", idx+1, total),
			"path":  path,
		})

		var (
			outcome Outcome
			out     string
			err     error
		)
		target := OutputPath(path, pp.OutputDir, pp.Suffix)
		if prev, ok := written[target]; ok {
			err = fmt.Errorf("%w: %s already written from %s", ErrOutputWrite, target, prev)
		} else {
			outcome, out, err = pp.processPath(ctx, path, idx+1, total)
		}
		switch {
		case err != nil:
			res.Failed++
			res.Failures = append(res.Failures, Failure{Path: path, Err: err})
			log.WithError(err).Warn("image failed")
		case outcome == Cancelled:
			res.Cancelled = true
			log.Info("run cancelled")
		case outcome == Skipped:
			res.Skipped++
			log.Info("image skipped")
		default:
			res.Succeeded++
			res.Outputs = append(res.Outputs, out)
			written[out] = path
			log.WithField("output", out).Info("image corrected")
		}

		if res.Cancelled {
			break
		}
	}

	runLog.WithFields(logrus.Fields{
		"succeeded": res.Succeeded,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
		"cancelled": res.Cancelled,
	}).Info("batch finished")
	return res, nil
}

// processPath loads, processes and writes one image, returning the output
// path on success. A panic anywhere in the stages fails only this image.
func (p *Pipeline) processPath(ctx context.Context, path string, index, total int) (outcome Outcome, output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, output, err = Processed, "", fmt.Errorf("panic: %v", r)
		}
	}()

	img := p.Load(path)
	defer img.Close()
	if img.Empty() {
		return Processed, "", fmt.Errorf("%w: %s", ErrImageUnreadable, path)
	}

	s := &corners.Session{Path: path, Index: index, Total: total, Image: img}
	outcome, corrected, err := p.process(ctx, s)
	defer corrected.Close()
	if err != nil || outcome != Processed {
		return outcome, "", err
	}

	output = OutputPath(path, p.OutputDir, p.Suffix)
	if err := p.Write(output, corrected, p.JPEGQuality); err != nil {
		return Processed, "", fmt.Errorf("%w: %v", ErrOutputWrite, err)
	}
	return Processed, output, nil
}
