package main

import (
	"context"

	"github.com/born-ml/born/backend/cpu"
	"go.uber.org/zap"

	"github.com/born-ml/canopy/internal/config"
)

// job is a pipeline bound to its settings, waiting for a backend.
type job interface {
	onCPU(*cpu.Backend) error
}

type trainJob struct {
	ctx    context.Context
	cfg    config.Train
	logger *zap.SugaredLogger
}

func (j trainJob) onCPU(b *cpu.Backend) error {
	return runTrain(j.ctx, b, j.cfg, j.logger)
}

type evaluateJob struct {
	ctx    context.Context
	cfg    config.Evaluate
	logger *zap.SugaredLogger
}

func (j evaluateJob) onCPU(b *cpu.Backend) error {
	return runEvaluate(j.ctx, b, j.cfg, j.logger)
}

type predictJob struct {
	ctx    context.Context
	cfg    config.Predict
	paths  []string
	logger *zap.SugaredLogger
}

func (j predictJob) onCPU(b *cpu.Backend) error {
	return runPredict(j.ctx, b, j.cfg, j.paths, j.logger)
}
