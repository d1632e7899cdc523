package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"quadrant/internal/batch"
	"quadrant/internal/calibration"
	"quadrant/internal/config"
	"quadrant/internal/corners"
	"quadrant/internal/rectify"
)

type processOptions struct {
	outputDir    string
	redLevel     int
	quality      int
	size         int
	suffix       string
	manual       bool
	onMiss       string
	reorder      bool
	debugOverlay bool
	saveCorners  bool
}

func NewProcessCommand() *cobra.Command {
	var opts processOptions

	cmd := &cobra.Command{
		Use:   "process <dir|image>...",
		Short: "Rectify and color-correct quadrant photographs",
		Long: `Undistort each photograph, locate the quadrant's four corners, warp it to a
square top-down view and correct the underwater color cast.

Corners are detected automatically. When detection fails, corners are read
from "<image>.corners" (four "x y" lines, or "skip" / "cancel"); images
with neither are handled by --on-miss.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			applyProcessFlags(cmd, &conf, opts)
			if err := conf.Validate(); err != nil {
				return err
			}

			provider, err := missProvider(opts.onMiss, opts.reorder)
			if err != nil {
				return err
			}

			model, err := calibration.Load(conf.CalibrationPath)
			if err != nil {
				return err
			}
			if model == nil {
				logrus.WithField("path", conf.CalibrationPath).Warn("no calibration found, images will not be undistorted")
			} else {
				logrus.WithFields(logrus.Fields{"path": conf.CalibrationPath, "rms": model.RMS()}).Info("calibration loaded")
			}

			paths, err := batch.CollectImages(args, conf.OutputSuffix)
			if err != nil {
				return err
			}

			p := &batch.Pipeline{
				Model:        model,
				Detector:     newDetector(conf, opts.manual),
				Provider:     provider,
				Corrector:    &rectify.Corrector{Red: rectify.Shift(conf.RedShift), Blue: rectify.Shift(conf.BlueShift)},
				RedLevel:     conf.RedLevel,
				OutputSize:   conf.OutputSize,
				JPEGQuality:  conf.JPEGQuality,
				Suffix:       conf.OutputSuffix,
				OutputDir:    opts.outputDir,
				DebugOverlay: opts.debugOverlay,
				SaveCorners:  opts.saveCorners,
			}

			res, err := p.ProcessBatch(cmd.Context(), paths)
			if err != nil {
				return err
			}
			printSummary(cmd, res, conf)
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d images failed", res.Failed, len(paths))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.outputDir, "output-dir", "o", "", "directory for corrected images (default: beside each source image)")
	f.IntVar(&opts.redLevel, "red-level", 0, "red enhancement level, 1 (none) to 5")
	f.IntVar(&opts.quality, "quality", 0, "JPEG quality, 1 to 100")
	f.IntVar(&opts.size, "size", 0, "side length of the output image in pixels")
	f.StringVar(&opts.suffix, "suffix", "", "suffix appended to output file names")
	f.BoolVar(&opts.manual, "manual", false, "skip automatic detection and take every image's corners from its sidecar file")
	f.StringVar(&opts.onMiss, "on-miss", "skip", "what to do when no corners are found: skip, cancel or fail")
	f.BoolVar(&opts.reorder, "reorder", false, "sort sidecar corners into top-left, clockwise order")
	f.BoolVar(&opts.debugOverlay, "debug-overlay", false, "also write {name}-analysis.jpg with the chosen corners drawn")
	f.BoolVar(&opts.saveCorners, "save-corners", false, "write detected corners to {image}.corners")

	return cmd
}

func applyProcessFlags(cmd *cobra.Command, conf *config.Config, opts processOptions) {
	flags := cmd.Flags()
	if flags.Changed("red-level") {
		conf.RedLevel = opts.redLevel
	}
	if flags.Changed("quality") {
		conf.JPEGQuality = opts.quality
	}
	if flags.Changed("size") {
		conf.OutputSize = opts.size
	}
	if flags.Changed("suffix") {
		conf.OutputSuffix = opts.suffix
	}
}

func newDetector(conf config.Config, manual bool) *corners.Detector {
	return &corners.Detector{
		BlurSize:       conf.BlurSize,
		CannyLow:       conf.CannyLow,
		CannyHigh:      conf.CannyHigh,
		MinArea:        conf.MinArea,
		ApproxEpsilon:  conf.ApproxEpsilon,
		AreaSaturation: conf.AreaSaturation,
		ManualOnly:     manual,
	}
}

// missProvider reads sidecar corners and falls back to the --on-miss
// policy for images without one.
func missProvider(onMiss string, reorder bool) (corners.Provider, error) {
	var fallback corners.Provider
	switch onMiss {
	case "skip":
		fallback = corners.Fixed(corners.Skipped)
	case "cancel":
		fallback = corners.Fixed(corners.Cancelled)
	case "fail":
	default:
		return nil, fmt.Errorf("invalid --on-miss %q: want skip, cancel or fail", onMiss)
	}
	return corners.Sidecar{Fallback: fallback, Reorder: reorder}, nil
}

func printSummary(cmd *cobra.Command, res batch.Result, conf config.Config) {
	bold := color.New(color.Bold).SprintfFunc()

	outDir := res.OutputDir
	if outDir == "" {
		outDir = "(beside each source image)"
	}

	cmd.Println()
	if res.Cancelled {
		cmd.Println(color.New(color.Bold, color.FgYellow).Sprint("Run cancelled"))
	}
	cmd.Printf("%s %s\n", bold("Processed:"), color.GreenString("%d", res.Succeeded))
	cmd.Printf("%s %s\n", bold("Skipped:  "), color.YellowString("%d", res.Skipped))
	failed := fmt.Sprintf("%d", res.Failed)
	if res.Failed > 0 {
		failed = color.RedString("%d", res.Failed)
	}
	cmd.Printf("%s %s\n", bold("Failed:   "), failed)
	cmd.Printf("%s %s\n", bold("Output:   "), outDir)
	cmd.Printf("%s %.2f px/cm (%d px over %.0f cm)\n", bold("Scale:    "), conf.PixelsPerCm(), conf.OutputSize, conf.QuadrantSizeCm)
	cmd.Printf("%s %s\n", bold("Run ID:   "), res.RunID)

	for _, f := range res.Failures {
		cmd.Printf("  %s %s: %v\n", color.New(color.Bold, color.FgRed).Sprint("✘"), filepath.Base(f.Path), f.Err)
	}
}
