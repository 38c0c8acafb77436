// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training implements the adversarial training loop: for every batch a discriminator step on real and
// generated images followed by a generator step, and at the end of every epoch, samples and checkpoints.
package training

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/rgan/pkg/adversarial"
	"github.com/gomlx/rgan/pkg/datasets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepRecord is one row of the step log.
type StepRecord struct {
	// Epoch and Batch are 1-based.
	Epoch, Batch int

	DLoss, GLoss float64
}

// Sink receives the outputs of the training: step log records, per-epoch samples and checkpoints.
type Sink interface {
	// AppendStep is called every check_rate batches.
	AppendStep(record StepRecord) error

	// SaveSamples is called at the end of every epoch with the images generated from the constant noise,
	// rescaled to [0, 1]. epoch is 1-based.
	SaveSamples(epoch int, samples *tensors.Tensor) error

	// SaveCheckpoint is called every checkpoint_interval epochs and at the last epoch.
	SaveCheckpoint(model *adversarial.Model) error
}

// State of the training, updated at every step.
type State struct {
	// Epoch and Batch currently being trained, 0-based.
	Epoch, Batch int

	// NumEpochs to train and NumBatches per epoch.
	NumEpochs, NumBatches int

	// Step counts the batches trained so far in this run.
	Step int

	// Losses of the last step.
	DLoss, RealLoss, FakeLoss, GLoss float64
}

// Hook functions, called at the different stages of Loop.Run.
type (
	OnStartFn    func(loop *Loop) error
	OnStepFn     func(loop *Loop) error
	OnEpochEndFn func(loop *Loop) error
	OnEndFn      func(loop *Loop, err error) error
)

type hook[F any] struct {
	name string
	fn   F
}

// Loop trains a Model on a Dataset, writing its outputs to a Sink.
//
// The public attributes are meant for reading only.
type Loop struct {
	Model *adversarial.Model
	Data  *datasets.Dataset
	Sink  Sink
	State State

	// StepDurations of the steps run so far.
	StepDurations []time.Duration

	rng                            *rand.Rand
	constantNoise, constantClasses *tensors.Tensor

	onStart    []hook[OnStartFn]
	onStep     []hook[OnStepFn]
	onEpochEnd []hook[OnEpochEndFn]
	onEnd      []hook[OnEndFn]
}

// NewLoop creates a training loop. sink can be nil, in which case nothing is saved.
//
// The constant noise used for the per-epoch samples is drawn here, from ConstantNoiseSeed, and every other
// random value comes from a source seeded from the clock, see SetSeed.
func NewLoop(model *adversarial.Model, data *datasets.Dataset, sink Sink) *Loop {
	hp := model.Hyperparameters()
	numSamples := SamplesGridDim * SamplesGridDim
	constantRng := rand.New(rand.NewPCG(ConstantNoiseSeed, ConstantNoiseSeed))
	now := uint64(time.Now().UnixNano())
	loop := &Loop{
		Model:         model,
		Data:          data,
		Sink:          sink,
		rng:           rand.New(rand.NewPCG(now, now>>32)),
		constantNoise: Noise(constantRng, numSamples, hp.LatentDim),
	}
	if hp.Variant.IsConditional() {
		loop.constantClasses = CyclingClasses(numSamples, hp.NumClasses)
	}
	return loop
}

// SetSeed makes the sampling of batches, noise and labels deterministic.
func (loop *Loop) SetSeed(seed uint64) *Loop {
	loop.rng = rand.New(rand.NewPCG(seed, seed))
	return loop
}

// OnStart registers a hook called before the first step.
func (loop *Loop) OnStart(name string, fn OnStartFn) {
	loop.onStart = append(loop.onStart, hook[OnStartFn]{name, fn})
}

// OnStep registers a hook called after every step, with the losses in Loop.State.
func (loop *Loop) OnStep(name string, fn OnStepFn) {
	loop.onStep = append(loop.onStep, hook[OnStepFn]{name, fn})
}

// OnEpochEnd registers a hook called at the end of every epoch, after the samples and checkpoints are saved.
//
// This is where convergence or divergence criteria can be implemented: returning an error interrupts the
// training.
func (loop *Loop) OnEpochEnd(name string, fn OnEpochEndFn) {
	loop.onEpochEnd = append(loop.onEpochEnd, hook[OnEpochEndFn]{name, fn})
}

// OnEnd registers a hook called when the training ends, with the error that ended it, if any.
func (loop *Loop) OnEnd(name string, fn OnEndFn) {
	loop.onEnd = append(loop.onEnd, hook[OnEndFn]{name, fn})
}

// MedianStepDuration of the steps run so far.
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return 0
	}
	durations := slices.Clone(loop.StepDurations)
	slices.Sort(durations)
	return durations[len(durations)/2]
}

// Run trains for the configured number of epochs.
//
// It stops early, between batches, if ctx is cancelled, returning the context error. NaN losses are logged
// but don't interrupt the training.
func (loop *Loop) Run(ctx context.Context) error {
	hp := loop.Model.Hyperparameters()
	if loop.Data.Size() == 0 {
		return errors.Errorf("dataset %q is empty", loop.Data.Name)
	}
	if hp.Variant.IsConditional() && !loop.Data.HasLabels() {
		return errors.Errorf("model variant %s requires labels, dataset %q has none", hp.Variant, loop.Data.Name)
	}
	loop.State = State{
		NumEpochs:  hp.Epochs,
		NumBatches: NumBatches(loop.Data.Size(), hp.BatchSize),
	}
	loop.StepDurations = make([]time.Duration, 0, loop.State.NumEpochs*loop.State.NumBatches)
	for _, h := range loop.onStart {
		if err := h.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", h.name)
		}
	}
	err := loop.run(ctx)
	for _, h := range loop.onEnd {
		if hookErr := h.fn(loop, err); hookErr != nil && err == nil {
			err = errors.WithMessagef(hookErr, "OnEnd(hook %q)", h.name)
		}
	}
	return err
}

func (loop *Loop) run(ctx context.Context) error {
	hp := loop.Model.Hyperparameters()
	state := &loop.State
	for state.Epoch = 0; state.Epoch < state.NumEpochs; state.Epoch++ {
		// Labels are smoothed once per epoch.
		labels := tensors.FromValue(SmoothedLabels(loop.rng, hp.BatchSize))
		var sawNaN bool
		for state.Batch = 0; state.Batch < state.NumBatches; state.Batch++ {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "training interrupted at epoch %d, batch %d", state.Epoch+1, state.Batch+1)
			}
			if err := loop.step(labels); err != nil {
				return errors.WithMessagef(err, "epoch %d, batch %d", state.Epoch+1, state.Batch+1)
			}
			if math.IsNaN(state.DLoss) || math.IsNaN(state.GLoss) {
				sawNaN = true
			}
			if (state.Batch+1)%hp.CheckRate == 0 {
				record := StepRecord{Epoch: state.Epoch + 1, Batch: state.Batch + 1, DLoss: state.DLoss, GLoss: state.GLoss}
				klog.V(1).Infof("epoch %d, batch %d/%d: d_loss=%.4f, g_loss=%.4f",
					record.Epoch, record.Batch, state.NumBatches, record.DLoss, record.GLoss)
				if loop.Sink != nil {
					if err := loop.Sink.AppendStep(record); err != nil {
						return err
					}
				}
			}
			for _, h := range loop.onStep {
				if err := h.fn(loop); err != nil {
					return errors.WithMessagef(err, "OnStep(hook %q)", h.name)
				}
			}
		}
		if sawNaN {
			klog.Warningf("epoch %d: NaN losses, training continues", state.Epoch+1)
		}
		if err := loop.endEpoch(); err != nil {
			return err
		}
	}
	return nil
}

// step trains the discriminator and then the generator on one batch.
func (loop *Loop) step(labels *tensors.Tensor) error {
	startTime := time.Now()
	hp := loop.Model.Hyperparameters()
	state := &loop.State

	indices := SampleIndices(loop.rng, loop.Data.Size(), hp.BatchSize)
	real, classes := loop.Data.Batch(indices)
	if !hp.Variant.IsConditional() {
		classes = nil
	}
	fake, err := loop.Model.Generate(Noise(loop.rng, hp.BatchSize, hp.LatentDim), classes)
	if err != nil {
		return err
	}
	state.DLoss, state.RealLoss, state.FakeLoss, err = loop.Model.TrainDiscriminator(real, fake, labels, classes)
	if err != nil {
		return err
	}
	state.GLoss, err = loop.Model.TrainGenerator(Noise(loop.rng, hp.BatchSize, hp.LatentDim), labels, classes)
	if err != nil {
		return err
	}
	state.Step++
	loop.StepDurations = append(loop.StepDurations, time.Since(startTime))
	return nil
}

// endEpoch saves the samples, and the checkpoint if it's due, and calls the OnEpochEnd hooks.
func (loop *Loop) endEpoch() error {
	hp := loop.Model.Hyperparameters()
	epoch := loop.State.Epoch
	if loop.Sink != nil {
		samples, err := loop.Samples()
		if err != nil {
			return errors.WithMessagef(err, "failed to generate samples for epoch %d", epoch+1)
		}
		if err := loop.Sink.SaveSamples(epoch+1, samples); err != nil {
			return err
		}
		if (epoch+1)%hp.CheckpointInterval == 0 || epoch == loop.State.NumEpochs-1 {
			if err := loop.Sink.SaveCheckpoint(loop.Model); err != nil {
				return err
			}
			klog.V(1).Infof("epoch %d: checkpoint saved", epoch+1)
		}
	}
	for _, h := range loop.onEpochEnd {
		if err := h.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", h.name)
		}
	}
	return nil
}

// Samples generates images from the constant noise (and cycling classes for RCGAN), rescaled to [0, 1].
func (loop *Loop) Samples() (*tensors.Tensor, error) {
	generated, err := loop.Model.Generate(loop.constantNoise, loop.constantClasses)
	if err != nil {
		return nil, err
	}
	return RescaleToUnit(generated), nil
}
