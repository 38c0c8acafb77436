// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package adversarial

import (
	"math"
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/gomlx/rgan/pkg/networks"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testHyperparameters(variant config.Variant) config.Hyperparameters {
	hp := config.Defaults()
	hp.Variant = variant
	hp.LatentDim = 8
	hp.ImageDim = 16
	hp.Channels = 1
	hp.BatchSize = 4
	if variant.IsConditional() {
		hp.NumClasses = 2
	}
	return hp
}

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func TestBinaryCrossEntropy(t *testing.T) {
	graphtest.RunTestGraphFn(t, "BinaryCrossEntropy", func(g *Graph) (inputs, outputs []*Node) {
		labels := Const(g, []float32{1, 0, 1})
		predictions := Const(g, [][]float32{{0.9}, {0.1}, {0}})
		inputs = []*Node{labels, predictions}
		outputs = []*Node{BinaryCrossEntropy(labels, predictions)}
		return
	}, []any{
		float32((-math.Log(0.9)*2 - math.Log(Epsilon)) / 3),
	}, 1e-3)
}

func TestNewInvalid(t *testing.T) {
	hp := testHyperparameters(config.RGAN)
	hp.ImageDim = 10
	_, err := New(graphtest.BuildTestBackend(), nil, hp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfiguration))

	// Only grayscale and RGB images are supported.
	hp = testHyperparameters(config.RGAN)
	hp.Channels = 2
	_, err = New(graphtest.BuildTestBackend(), nil, hp)
	assert.True(t, errors.Is(err, config.ErrConfiguration))
}

func TestAdamBetas(t *testing.T) {
	hp := testHyperparameters(config.RGAN)
	m, err := New(graphtest.BuildTestBackend(), nil, hp)
	require.NoError(t, err)
	defer m.Finalize()
	assert.Equal(t, 0.9, context.GetParamOr(m.Context(), optimizers.ParamAdamBeta1, 0.0))
	assert.Equal(t, 0.999, context.GetParamOr(m.Context(), optimizers.ParamAdamBeta2, 0.0))

	hp.AdamBeta1 = 0.5
	m, err = New(graphtest.BuildTestBackend(), nil, hp)
	require.NoError(t, err)
	defer m.Finalize()
	assert.Equal(t, 0.5, context.GetParamOr(m.Context(), optimizers.ParamAdamBeta1, 0.0))
	require.NoError(t, m.Materialize())
}

// snapshot clones the current values of the network variables.
func snapshot(m *Model, scope string) map[string]*tensors.Tensor {
	values := make(map[string]*tensors.Tensor)
	for _, v := range networks.Variables(m.Context(), scope) {
		values[v.ScopeAndName()] = must.M1(v.MustValue().Clone())
	}
	return values
}

// changed returns the names of the variables whose value differs from the snapshot.
func changed(t *testing.T, m *Model, scope string, before map[string]*tensors.Tensor) []string {
	var names []string
	vars := networks.Variables(m.Context(), scope)
	require.Len(t, vars, len(before))
	for _, v := range vars {
		if !before[v.ScopeAndName()].Equal(v.MustValue()) {
			names = append(names, v.ScopeAndName())
		}
	}
	return names
}

func TestTrainSteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, variant := range []config.Variant{config.RGAN, config.RCGAN} {
		t.Run(string(variant), func(t *testing.T) {
			hp := testHyperparameters(variant)
			m, err := New(backend, nil, hp)
			require.NoError(t, err)
			defer m.Finalize()
			require.NoError(t, m.Materialize())
			assert.Contains(t, m.Summary(), "generator:")
			assert.Contains(t, m.Summary(), "discriminator:")

			rng := rand.New(rand.NewPCG(1, 2))
			batchSize := hp.BatchSize
			real := randomTensor(rng, batchSize, hp.ImageDim, hp.ImageDim, hp.Channels)
			labels := tensors.FromValue([]float32{0.9, 0.91, 0.89, 0.9})
			classes := tensors.FromValue([]int32{0, 1, 1, 0})
			fake, err := m.Generate(randomTensor(rng, batchSize, hp.LatentDim), classes)
			require.NoError(t, err)
			assert.Equal(t, []int{batchSize, hp.ImageDim, hp.ImageDim, hp.Channels}, fake.Shape().Dimensions)

			// Discriminator step: only discriminator variables change.
			generatorBefore := snapshot(m, networks.GeneratorScope)
			discriminatorBefore := snapshot(m, networks.DiscriminatorScope)
			dLoss, realLoss, fakeLoss, err := m.TrainDiscriminator(real, fake, labels, classes)
			require.NoError(t, err)
			assert.InDelta(t, 0.5*(realLoss+fakeLoss), dLoss, 1e-9)
			assert.False(t, math.IsNaN(dLoss))
			assert.Empty(t, changed(t, m, networks.GeneratorScope, generatorBefore))
			assert.NotEmpty(t, changed(t, m, networks.DiscriminatorScope, discriminatorBefore))

			// Generator step: only generator variables change.
			generatorBefore = snapshot(m, networks.GeneratorScope)
			discriminatorBefore = snapshot(m, networks.DiscriminatorScope)
			gLoss, err := m.TrainGenerator(randomTensor(rng, batchSize, hp.LatentDim), labels, classes)
			require.NoError(t, err)
			assert.False(t, math.IsNaN(gLoss))
			assert.Greater(t, gLoss, 0.0)
			assert.NotEmpty(t, changed(t, m, networks.GeneratorScope, generatorBefore))
			assert.Empty(t, changed(t, m, networks.DiscriminatorScope, discriminatorBefore))

			// Discriminator variables are trainable again for its own step.
			for _, v := range networks.Variables(m.Context(), networks.DiscriminatorScope) {
				if v.Name() == "weights" {
					assert.True(t, v.Trainable, "%s should be trainable", v.ScopeAndName())
				}
			}

			// Probabilities in [0, 1].
			probs, err := m.Discriminate(real, classes)
			require.NoError(t, err)
			for _, p := range tensors.MustCopyFlatData[float32](probs) {
				assert.True(t, p >= 0 && p <= 1)
			}
		})
	}
}

func TestClassesRequired(t *testing.T) {
	m, err := New(graphtest.BuildTestBackend(), nil, testHyperparameters(config.RCGAN))
	require.NoError(t, err)
	defer m.Finalize()
	_, err = m.Generate(randomTensor(rand.New(rand.NewPCG(0, 0)), 1, 8), nil)
	require.Error(t, err)
}
