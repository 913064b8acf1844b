package main

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/born-ml/canopy/internal/checkpoint"
	"github.com/born-ml/canopy/internal/device"
)

// resolveDevice turns the requested device into a concrete one.
func resolveDevice(c *cli.Context, requested device.Kind) (device.Kind, error) {
	kind, err := device.Select(requested)
	if err != nil {
		return 0, err
	}
	loggerFrom(c).Infow("using device", "device", kind)
	return kind, nil
}

// TrainAction is the corresponding action for 'train'.
func TrainAction(c *cli.Context) error {
	cfg, err := trainConfig(c)
	if err != nil {
		return err
	}
	kind, err := resolveDevice(c, cfg.Device)
	if err != nil {
		return err
	}
	return dispatch(kind, trainJob{ctx: c.Context, cfg: cfg, logger: loggerFrom(c)})
}

// EvaluateAction is the corresponding action for 'evaluate'.
func EvaluateAction(c *cli.Context) error {
	cfg, err := evaluateConfig(c)
	if err != nil {
		return err
	}
	kind, err := resolveDevice(c, cfg.Device)
	if err != nil {
		return err
	}
	return dispatch(kind, evaluateJob{ctx: c.Context, cfg: cfg, logger: loggerFrom(c)})
}

// PredictAction is the corresponding action for 'predict'.
func PredictAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one image or directory is required")
	}
	cfg, err := predictConfig(c)
	if err != nil {
		return err
	}
	kind, err := resolveDevice(c, cfg.Device)
	if err != nil {
		return err
	}
	return dispatch(kind, predictJob{ctx: c.Context, cfg: cfg, paths: c.Args().Slice(), logger: loggerFrom(c)})
}

// InspectAction is the corresponding action for 'inspect'.
func InspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("exactly one checkpoint path is required")
	}
	info, err := checkpoint.ReadHeader(c.Args().First())
	if err != nil {
		return err
	}
	return printInfo(c, info)
}

func printInfo(c *cli.Context, info *checkpoint.Info) error {
	summary := pterm.TableData{
		{"model", info.ModelType},
		{"format", fmt.Sprintf("v%d", info.Version)},
		{"created", info.CreatedAt.Format("2006-01-02 15:04:05 MST")},
		{"data", fmt.Sprintf("%d bytes", info.DataSize)},
		{"sha256", hex.EncodeToString(info.Checksum[:])},
	}
	if t := info.Training; t != nil {
		summary = append(summary,
			[]string{"epoch", fmt.Sprint(t.Epoch + 1)},
			[]string{"step", fmt.Sprint(t.Step)},
			[]string{"loss", fmt.Sprintf("%.4f", t.Loss)},
			[]string{"optimizer", t.OptimizerType},
		)
	}
	keys := make([]string, 0, len(info.Metadata))
	for k := range info.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		summary = append(summary, []string{"meta." + k, info.Metadata[k]})
	}
	if err := pterm.DefaultTable.WithData(summary).WithWriter(c.App.Writer).Render(); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer)

	tensors := pterm.TableData{{"tensor", "dtype", "shape"}}
	for _, t := range info.Tensors {
		dims := make([]string, len(t.Shape))
		for i, d := range t.Shape {
			dims[i] = fmt.Sprint(d)
		}
		tensors = append(tensors, []string{t.Name, t.DType, "[" + strings.Join(dims, " ") + "]"})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(tensors).WithWriter(c.App.Writer).Render()
}

// VersionAction is the corresponding action for 'version'.
func VersionAction(c *cli.Context) error {
	fmt.Fprintf(c.App.Writer, "canopy %s\n", version)
	return nil
}
