// Package main is the canopy command: train, evaluate and apply tree canopy
// segmentation models.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/born-ml/canopy/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "v0.1.0-dev"

const loggerKey = "logger"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		pterm.Error.Println(err)
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "canopy",
		Usage:   "segment tree canopy in aerial and ground imagery",
		Version: version,
		Flags:   globalFlags(),
		Before: func(c *cli.Context) error {
			logger, err := logging.NewLogger("canopy", c.Bool(flagDebug))
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]any{loggerKey: logger}
			return nil
		},
		After: func(c *cli.Context) error {
			// stdout cannot be synced on every platform.
			_ = loggerFrom(c).Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "train",
				Usage:  "train a model on image/mask pairs",
				Flags:  trainFlags(),
				Action: TrainAction,
			},
			{
				Name:   "evaluate",
				Usage:  "report pixel accuracy of a checkpoint on the held-out split",
				Flags:  evaluateFlags(),
				Action: EvaluateAction,
			},
			{
				Name:      "predict",
				Usage:     "segment images and write overlays and masks",
				ArgsUsage: "<image|dir>...",
				Flags:     predictFlags(),
				Action:    PredictAction,
			},
			{
				Name:      "inspect",
				Usage:     "print the header of a checkpoint",
				ArgsUsage: "<checkpoint>",
				Action:    InspectAction,
			},
			{
				Name:   "version",
				Usage:  "print the version",
				Action: VersionAction,
			},
		},
	}
}

func loggerFrom(c *cli.Context) *zap.SugaredLogger {
	if logger, ok := c.App.Metadata[loggerKey].(*zap.SugaredLogger); ok {
		return logger
	}
	return logging.NewNop()
}
