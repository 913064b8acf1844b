package main

import (
	"github.com/urfave/cli/v2"

	"github.com/born-ml/canopy/internal/config"
	"github.com/born-ml/canopy/internal/device"
)

const (
	// Global flags.
	flagDebug  = "debug"
	flagDevice = "device"

	// Data flags.
	flagImageDir  = "image-dir"
	flagMaskDir   = "mask-dir"
	flagImageExt  = "image-ext"
	flagMaskExt   = "mask-ext"
	flagTestRatio = "test-ratio"
	flagSeed      = "seed"
	flagBatchSize = "batch-size"
	flagWorkers   = "workers"

	// Model flags.
	flagCheckpoint = "checkpoint"
	flagResume     = "resume"
	flagPretrained = "pretrained"
	flagEpochs     = "epochs"
	flagLR         = "lr"
	flagEvaluate   = "evaluate"

	// Inference flags.
	flagOutputDir = "output-dir"
	flagColor     = "color"
	flagAlpha     = "alpha"
)

func env(name string) []string {
	return []string{"CANOPY_" + name}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Usage:   "enable debug logging",
			EnvVars: env("DEBUG"),
		},
		&cli.StringFlag{
			Name:    flagDevice,
			Value:   device.Auto.String(),
			Usage:   "compute device: auto, cpu or webgpu",
			EnvVars: []string{device.EnvVar},
		},
	}
}

func checkpointFlag() cli.Flag {
	return &cli.PathFlag{
		Name:    flagCheckpoint,
		Aliases: []string{"c"},
		Value:   config.DefaultCheckpoint,
		Usage:   "checkpoint `FILE`",
		EnvVars: env("CHECKPOINT"),
	}
}

func dataFlags() []cli.Flag {
	return []cli.Flag{
		&cli.PathFlag{
			Name:     flagImageDir,
			Required: true,
			Usage:    "directory of input images",
			EnvVars:  env("IMAGE_DIR"),
		},
		&cli.PathFlag{
			Name:     flagMaskDir,
			Required: true,
			Usage:    "directory of label masks named after their images",
			EnvVars:  env("MASK_DIR"),
		},
		&cli.StringSliceFlag{
			Name:    flagImageExt,
			Value:   cli.NewStringSlice(config.DefaultImageExt),
			Usage:   "image extensions to index",
			EnvVars: env("IMAGE_EXT"),
		},
		&cli.StringFlag{
			Name:    flagMaskExt,
			Value:   config.DefaultMaskExt,
			Usage:   "mask extension",
			EnvVars: env("MASK_EXT"),
		},
		&cli.Float64Flag{
			Name:    flagTestRatio,
			Value:   config.DefaultTestRatio,
			Usage:   "fraction of samples held out for evaluation",
			EnvVars: env("TEST_RATIO"),
		},
		&cli.Uint64Flag{
			Name:    flagSeed,
			Value:   config.DefaultSeed,
			Usage:   "seed of the train/test split and shuffling",
			EnvVars: env("SEED"),
		},
		&cli.IntFlag{
			Name:    flagBatchSize,
			Value:   config.DefaultBatchSize,
			Usage:   "samples per batch",
			EnvVars: env("BATCH_SIZE"),
		},
		&cli.IntFlag{
			Name:    flagWorkers,
			Value:   config.DefaultWorkers,
			Usage:   "concurrent preprocessing workers",
			EnvVars: env("WORKERS"),
		},
	}
}

func trainFlags() []cli.Flag {
	return append(dataFlags(),
		checkpointFlag(),
		&cli.PathFlag{
			Name:    flagResume,
			Usage:   "resume model and optimizer state from `FILE`",
			EnvVars: env("RESUME"),
		},
		&cli.PathFlag{
			Name:    flagPretrained,
			Usage:   "initialize the backbone from a SafeTensors or GGUF `FILE`",
			EnvVars: env("PRETRAINED"),
		},
		&cli.IntFlag{
			Name:    flagEpochs,
			Value:   config.DefaultEpochs,
			Usage:   "number of epochs",
			EnvVars: env("EPOCHS"),
		},
		&cli.Float64Flag{
			Name:    flagLR,
			Value:   config.DefaultLR,
			Usage:   "Adam learning rate",
			EnvVars: env("LR"),
		},
		&cli.BoolFlag{
			Name:    flagEvaluate,
			Value:   true,
			Usage:   "report pixel accuracy on the held-out split after training",
			EnvVars: env("EVALUATE"),
		},
	)
}

func evaluateFlags() []cli.Flag {
	return append(dataFlags(), checkpointFlag())
}

func predictFlags() []cli.Flag {
	return []cli.Flag{
		checkpointFlag(),
		&cli.PathFlag{
			Name:    flagOutputDir,
			Aliases: []string{"o"},
			Value:   config.DefaultOutputDir,
			Usage:   "directory for overlays and masks",
			EnvVars: env("OUTPUT_DIR"),
		},
		&cli.StringFlag{
			Name:    flagColor,
			Value:   config.DefaultColor,
			Usage:   "overlay colour as hex",
			EnvVars: env("COLOR"),
		},
		&cli.Float64Flag{
			Name:    flagAlpha,
			Value:   config.DefaultAlpha,
			Usage:   "overlay weight in (0, 1]",
			EnvVars: env("ALPHA"),
		},
	}
}

func parseDevice(c *cli.Context) (device.Kind, error) {
	return device.Parse(c.String(flagDevice))
}

func dataConfig(c *cli.Context) config.Data {
	return config.Data{
		ImageDir:  c.Path(flagImageDir),
		MaskDir:   c.Path(flagMaskDir),
		ImageExts: c.StringSlice(flagImageExt),
		MaskExt:   c.String(flagMaskExt),
		TestRatio: c.Float64(flagTestRatio),
		Seed:      c.Uint64(flagSeed),
		BatchSize: c.Int(flagBatchSize),
		Workers:   c.Int(flagWorkers),
	}
}

func trainConfig(c *cli.Context) (config.Train, error) {
	kind, err := parseDevice(c)
	if err != nil {
		return config.Train{}, err
	}
	cfg := config.Train{
		Data:       dataConfig(c),
		Device:     kind,
		Checkpoint: c.Path(flagCheckpoint),
		Resume:     c.Path(flagResume),
		Pretrained: c.Path(flagPretrained),
		Epochs:     c.Int(flagEpochs),
		LR:         c.Float64(flagLR),
		Evaluate:   c.Bool(flagEvaluate),
	}
	err = cfg.Validate()
	return cfg, err
}

func evaluateConfig(c *cli.Context) (config.Evaluate, error) {
	kind, err := parseDevice(c)
	if err != nil {
		return config.Evaluate{}, err
	}
	cfg := config.Evaluate{
		Data:       dataConfig(c),
		Device:     kind,
		Checkpoint: c.Path(flagCheckpoint),
	}
	err = cfg.Validate()
	return cfg, err
}

func predictConfig(c *cli.Context) (config.Predict, error) {
	kind, err := parseDevice(c)
	if err != nil {
		return config.Predict{}, err
	}
	cfg := config.Predict{
		Device:     kind,
		Checkpoint: c.Path(flagCheckpoint),
		OutputDir:  c.Path(flagOutputDir),
		Color:      c.String(flagColor),
		Alpha:      c.Float64(flagAlpha),
	}
	err = cfg.Validate()
	return cfg, err
}
