// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/rgan/pkg/adversarial"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/gomlx/rgan/pkg/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSmoothedLabels(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	labels := SmoothedLabels(rng, 1000)
	var sum float64
	for _, label := range labels {
		require.True(t, label > 0 && label <= 1, "label %g out of (0, 1]", label)
		require.GreaterOrEqual(t, float64(label), RealLabelMean-5*RealLabelStdDev)
		sum += float64(label)
	}
	assert.InDelta(t, RealLabelMean, sum/float64(len(labels)), 0.001)
}

func TestSampleIndices(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	indices := SampleIndices(rng, 10, 100)
	require.Len(t, indices, 100)
	seen := make(map[int]bool)
	for _, idx := range indices {
		require.True(t, idx >= 0 && idx < 10)
		seen[idx] = true
	}
	// With replacement: 100 draws over 10 values repeat.
	assert.LessOrEqual(t, len(seen), 10)

	assert.Equal(t, 1, NumBatches(64, 64))
	assert.Equal(t, 4, NumBatches(1000, 256))
	assert.Equal(t, 235, NumBatches(60000, 256))
}

func TestCyclingClasses(t *testing.T) {
	assert.Nil(t, CyclingClasses(4, 0))
	assert.Equal(t, []int32{0, 1, 2, 0, 1}, CyclingClasses(5, 3).Value())
	rescaled := RescaleToUnit(tensors.FromValue([]float32{-1, 0, 1}))
	assert.Equal(t, []float32{0, 0.5, 1}, rescaled.Value())
}

// recordingSink keeps everything the loop sends it.
type recordingSink struct {
	records       []StepRecord
	samplesEpochs []int
	samplesShapes [][]int
	checkpoints   int
}

func (s *recordingSink) AppendStep(record StepRecord) error {
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) SaveSamples(epoch int, samples *tensors.Tensor) error {
	s.samplesEpochs = append(s.samplesEpochs, epoch)
	s.samplesShapes = append(s.samplesShapes, samples.Shape().Dimensions)
	return nil
}

func (s *recordingSink) SaveCheckpoint(_ *adversarial.Model) error {
	s.checkpoints++
	return nil
}

func runLoop(t *testing.T, hp config.Hyperparameters, data *datasets.Dataset) (*Loop, *recordingSink) {
	model, err := adversarial.New(graphtest.BuildTestBackend(), nil, hp)
	require.NoError(t, err)
	defer model.Finalize()
	sink := &recordingSink{}
	loop := NewLoop(model, data, sink).SetSeed(7)
	var epochsEnded int
	loop.OnEpochEnd("count", func(loop *Loop) error {
		epochsEnded++
		return nil
	})
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, hp.Epochs, epochsEnded)
	return loop, sink
}

func TestLoopOneEpoch(t *testing.T) {
	for _, variant := range []config.Variant{config.RGAN, config.RCGAN} {
		t.Run(string(variant), func(t *testing.T) {
			hp := config.Defaults()
			hp.Variant = variant
			hp.LatentDim = 8
			hp.ImageDim = 16
			hp.Channels = 1
			hp.Epochs = 1
			hp.BatchSize = 64
			hp.CheckpointInterval = 1
			hp.CheckRate = 1
			data := datasets.NewSynthetic(datasets.SyntheticSeed, 64, hp.ImageDim, hp.Channels, 4)
			if variant.IsConditional() {
				hp.NumClasses = data.NumClasses
			}

			loop, sink := runLoop(t, hp, data)
			assert.Equal(t, 1, loop.State.Step)
			assert.Len(t, loop.StepDurations, 1)
			require.Len(t, sink.records, 1)
			assert.Equal(t, 1, sink.records[0].Epoch)
			assert.Equal(t, 1, sink.records[0].Batch)
			assert.Greater(t, sink.records[0].DLoss, 0.0)
			assert.Greater(t, sink.records[0].GLoss, 0.0)
			assert.Equal(t, []int{1}, sink.samplesEpochs)
			assert.Equal(t, []int{SamplesGridDim * SamplesGridDim, 16, 16, 1}, sink.samplesShapes[0])
			assert.Equal(t, 1, sink.checkpoints)

			// No step record when check_rate is larger than the number of batches.
			hp.CheckRate = 2
			_, sink = runLoop(t, hp, data)
			assert.Empty(t, sink.records)
			assert.Equal(t, 1, sink.checkpoints)
		})
	}
}

func TestLoopCheckpointInterval(t *testing.T) {
	hp := config.Defaults()
	hp.LatentDim = 8
	hp.ImageDim = 16
	hp.Channels = 1
	hp.Epochs = 3
	hp.BatchSize = 16
	hp.CheckpointInterval = 2
	hp.CheckRate = 1
	data := datasets.NewSynthetic(datasets.SyntheticSeed, 32, hp.ImageDim, hp.Channels, 4)

	loop, sink := runLoop(t, hp, data)
	assert.Equal(t, 6, loop.State.Step)
	assert.Len(t, sink.records, 6)
	assert.Equal(t, 3, sink.records[5].Epoch)
	assert.Equal(t, 2, sink.records[5].Batch)
	assert.Equal(t, []int{1, 2, 3}, sink.samplesEpochs)
	// Epoch 2, and the last epoch.
	assert.Equal(t, 2, sink.checkpoints)
}

func TestLoopCancelled(t *testing.T) {
	hp := config.Defaults()
	hp.LatentDim = 8
	hp.ImageDim = 16
	hp.Channels = 1
	hp.Epochs = 1
	hp.BatchSize = 8
	data := datasets.NewSynthetic(datasets.SyntheticSeed, 16, hp.ImageDim, hp.Channels, 4)
	model, err := adversarial.New(graphtest.BuildTestBackend(), nil, hp)
	require.NoError(t, err)
	defer model.Finalize()

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	loop := NewLoop(model, data, sink)
	loop.OnStep("cancel", func(*Loop) error {
		cancel()
		return nil
	})
	var endErr error
	loop.OnEnd("end", func(_ *Loop, err error) error {
		endErr = err
		return nil
	})
	err = loop.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, endErr, context.Canceled)
	assert.Equal(t, 1, loop.State.Step)
	assert.Empty(t, sink.samplesEpochs)
	assert.Zero(t, sink.checkpoints)
}

func TestLoopRequiresLabels(t *testing.T) {
	hp := config.Defaults()
	hp.Variant = config.RCGAN
	hp.NumClasses = 2
	hp.LatentDim = 8
	hp.ImageDim = 16
	hp.Channels = 1
	model, err := adversarial.New(graphtest.BuildTestBackend(), nil, hp)
	require.NoError(t, err)
	defer model.Finalize()
	data := datasets.NewSynthetic(datasets.SyntheticSeed, 4, hp.ImageDim, hp.Channels, 2)
	data.Labels = nil
	require.Error(t, NewLoop(model, data, nil).Run(context.Background()))
}

func TestLoopDefaultImageSize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full size training step in short mode")
	}
	hp := config.Defaults()
	hp.Epochs = 1
	hp.CheckpointInterval = 1
	hp.CheckRate = 1
	data := datasets.NewSynthetic(datasets.SyntheticSeed, 256, hp.ImageDim, hp.Channels, 10)
	_, sink := runLoop(t, hp, data)
	require.Len(t, sink.records, 1)
	assert.Equal(t, []int{SamplesGridDim * SamplesGridDim, 32, 32, 3}, sink.samplesShapes[0])
	assert.Equal(t, 1, sink.checkpoints)
}
