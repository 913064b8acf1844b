//go:build windows

package main

import (
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/pkg/errors"

	"github.com/born-ml/canopy/internal/device"
)

// gpuJob is a job that can also run on the WebGPU backend.
type gpuJob interface {
	job
	onWebGPU(*webgpu.Backend) error
}

// dispatch runs j on the backend for kind.
func dispatch(kind device.Kind, j job) error {
	switch kind {
	case device.CPU:
		return j.onCPU(cpu.New())
	case device.WebGPU:
		gj, ok := j.(gpuJob)
		if !ok {
			return errors.Errorf("%T cannot run on %s", j, kind)
		}
		gpu, err := webgpu.New()
		if err != nil {
			return errors.Wrap(err, "initialize webgpu")
		}
		defer gpu.Release()
		return gj.onWebGPU(gpu)
	default:
		return errors.Errorf("unresolved device %s", kind)
	}
}

func (j trainJob) onWebGPU(b *webgpu.Backend) error {
	return runTrain(j.ctx, b, j.cfg, j.logger)
}

func (j evaluateJob) onWebGPU(b *webgpu.Backend) error {
	return runEvaluate(j.ctx, b, j.cfg, j.logger)
}

func (j predictJob) onWebGPU(b *webgpu.Backend) error {
	return runPredict(j.ctx, b, j.cfg, j.paths, j.logger)
}
