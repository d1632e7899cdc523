package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"quadrant/internal/batch"
	"quadrant/internal/calibration"
)

func NewCalibrateCommand() *cobra.Command {
	var (
		boardWidth  int
		boardHeight int
		squareSize  float64
	)

	cmd := &cobra.Command{
		Use:   "calibrate <dir|image>...",
		Short: "Fit the lens model from chessboard photographs",
		Long: `Fit the camera's lens distortion from photographs of a printed chessboard
taken through the same housing, and save it for later "process" runs.

At least three photographs must show the whole board.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}

			board := calibration.Board{Width: conf.BoardWidth, Height: conf.BoardHeight, SquareSize: conf.BoardSquareSize}
			flags := cmd.Flags()
			if flags.Changed("board-width") {
				board.Width = boardWidth
			}
			if flags.Changed("board-height") {
				board.Height = boardHeight
			}
			if flags.Changed("square-size") {
				board.SquareSize = squareSize
			}

			paths, err := batch.CollectImages(args, "")
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("%w in %v", calibration.ErrNoImages, args)
			}

			images := make([]gocv.Mat, len(paths))
			for i, p := range paths {
				images[i] = gocv.IMRead(p, gocv.IMReadColor)
				defer images[i].Close()
			}

			model, report, err := calibration.Fit(images, board)
			printDetections(cmd, paths, report)
			if err != nil {
				return err
			}

			if err := calibration.Save(conf.CalibrationPath, model); err != nil {
				return err
			}

			fx, fy := model.FocalLengths()
			logrus.WithFields(logrus.Fields{
				"rms":  model.RMS(),
				"fx":   fx,
				"fy":   fy,
				"path": conf.CalibrationPath,
			}).Info("calibration saved")

			bold := color.New(color.Bold).SprintfFunc()
			cmd.Printf("\n%s %.4f px\n", bold("RMS reprojection error:"), model.RMS())
			cmd.Printf("%s %s\n", bold("Saved to:"), conf.CalibrationPath)
			return nil
		},
	}

	cmd.Flags().IntVar(&boardWidth, "board-width", calibration.DefaultBoard.Width, "inner corners per chessboard row")
	cmd.Flags().IntVar(&boardHeight, "board-height", calibration.DefaultBoard.Height, "inner corners per chessboard column")
	cmd.Flags().Float64Var(&squareSize, "square-size", calibration.DefaultBoard.SquareSize, "chessboard square size in cm")

	return cmd
}

func printDetections(cmd *cobra.Command, paths []string, report calibration.FitReport) {
	found := make(map[int]bool, len(report.Detected))
	for _, i := range report.Detected {
		found[i] = true
	}
	for i, p := range paths {
		mark := color.New(color.Bold, color.FgRed).Sprint("✘")
		if found[i] {
			mark = color.New(color.Bold, color.FgGreen).Sprint("✔")
		}
		cmd.Printf("%s %s\n", mark, filepath.Base(p))
	}
}
