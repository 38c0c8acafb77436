// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smallHyperparameters keeps the unrolled LSTMs short enough for tests.
func smallHyperparameters(variant config.Variant) config.Hyperparameters {
	hp := config.Defaults()
	hp.Variant = variant
	hp.LatentDim = 8
	hp.ImageDim = 16
	hp.Channels = 3
	if variant.IsConditional() {
		hp.NumClasses = 3
	}
	return hp
}

func TestValidate(t *testing.T) {
	hp := smallHyperparameters(config.RGAN)
	require.NoError(t, Validate(hp))

	hp.ImageDim = 18
	err := Validate(hp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfiguration))

	hp.ImageDim = 12
	err = Validate(hp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfiguration))

	assert.Equal(t, 5, DiscriminatorFeatureDim(32))
	assert.Equal(t, 1, DiscriminatorFeatureDim(16))
}

func TestGenerator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, variant := range []config.Variant{config.RGAN, config.RCGAN} {
		t.Run(string(variant), func(t *testing.T) {
			hp := smallHyperparameters(variant)
			ctx := context.New()
			const batchSize = 2
			noiseData := make([]float32, batchSize*hp.LatentDim)
			for ii := range noiseData {
				noiseData[ii] = float32(math.Cos(float64(ii)))
			}
			noise := tensors.FromFlatDataAndDimensions(noiseData, batchSize, hp.LatentDim)
			classes := tensors.FromValue([]int32{0, 2})
			output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, noise, classes *Node) *Node {
				return Generator(ctx, hp, noise, classes)
			}, noise, classes)
			require.NoError(t, err)
			assert.Equal(t, []int{batchSize, hp.ImageDim, hp.ImageDim, hp.Channels}, output.Shape().Dimensions)
			for _, v := range tensors.MustCopyFlatData[float32](output) {
				require.True(t, v >= -1 && v <= 1, "generator output %g out of [-1, 1]", v)
			}

			// All variables under the generator scope.
			for v := range ctx.IterVariables() {
				assert.True(t, InScope(v.Scope(), AbsScope(GeneratorScope)), "variable %s outside generator scope", v.ScopeAndName())
			}
		})
	}
}

func TestDiscriminator(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, variant := range []config.Variant{config.RGAN, config.RCGAN} {
		t.Run(string(variant), func(t *testing.T) {
			hp := smallHyperparameters(variant)
			ctx := context.New()
			const batchSize = 3
			images := make([]float32, batchSize*hp.ImageDim*hp.ImageDim*hp.Channels)
			for ii := range images {
				images[ii] = float32(math.Sin(float64(ii)))
			}
			imagesT := tensors.FromFlatDataAndDimensions(images, batchSize, hp.ImageDim, hp.ImageDim, hp.Channels)
			classes := tensors.FromValue([]int32{0, 1, 2})
			for _, training := range []bool{false, true} {
				output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, images, classes *Node) *Node {
					ctx.SetTraining(images.Graph(), training)
					return Discriminator(ctx, hp, images, classes, false)
				}, imagesT, classes)
				require.NoError(t, err)
				assert.Equal(t, []int{batchSize, 1}, output.Shape().Dimensions)
				for _, p := range tensors.MustCopyFlatData[float32](output) {
					require.True(t, p >= 0 && p <= 1, "discriminator output %g out of [0, 1]", p)
				}
			}
			_, hasLabelPlane := findVariable(ctx, "/discriminator/label_plane", "weights")
			assert.Equal(t, variant.IsConditional(), hasLabelPlane)
		})
	}
}

func findVariable(ctx *context.Context, scope, name string) (*context.Variable, bool) {
	v := ctx.GetVariableByScopeAndName(scope, name)
	return v, v != nil
}

func TestSpectralNormalize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	kernel := tensors.FromValue([][]float32{{3, 0}, {0, 1}})
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, kernel *Node) *Node {
		return SpectralNormalize(ctx.In("sn"), kernel, true)
	})
	require.NoError(t, err)
	var output *tensors.Tensor
	for range 20 {
		output, err = exec.Exec1(kernel)
		require.NoError(t, err)
	}
	got := output.Value().([][]float32)
	assert.InDelta(t, 1.0, got[0][0], 1e-3)
	assert.InDelta(t, 1.0/3.0, got[1][1], 1e-3)
	assert.InDelta(t, 0.0, got[0][1], 1e-6)

	// Without update the vector stays put.
	u := ctx.GetVariableByScopeAndName("/sn", SpectralVectorName)
	require.NotNil(t, u)
	before := u.MustValue().Value().([][]float32)
	_, err = context.ExecOnce(backend, ctx, func(ctx *context.Context, kernel *Node) *Node {
		return SpectralNormalize(ctx.In("sn"), kernel, false)
	}, tensors.FromValue([][]float32{{1, 2}, {3, 4}}))
	require.NoError(t, err)
	assert.Equal(t, before, u.MustValue().Value().([][]float32))
}

func TestMaxNormProjection(t *testing.T) {
	graphtest.RunTestGraphFn(t, "MaxNormProjection", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][]float32{{3, 4}, {0.3, 0.4}})
		inputs = []*Node{x}
		outputs = []*Node{MaxNormProjection(x, MaxNorm, 1)}
		return
	}, []any{
		[][]float32{{1.8, 2.4}, {0.3, 0.4}},
	}, 1e-4)
}

func TestConstrainMaxNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	large := [][][][]float32{{{{30, 40}, {1, 0}}, {{0, 10}, {0, 0.5}}, {{6, 8}, {0, 0}}, {{0, 0}, {3, 4}}}}
	discriminatorW := ctx.In(DiscriminatorScope).In("lstm").VariableWithValue("inputsW", large)
	generatorW := ctx.In(GeneratorScope).In("lstm").VariableWithValue("inputsW", large)
	_, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		value := discriminatorW.ValueGraph(g)
		_ = generatorW.ValueGraph(g)
		ConstrainMaxNorm(ctx, g, AbsScope(DiscriminatorScope))
		return value
	})
	require.NoError(t, err)

	constrained := discriminatorW.MustValue().Value().([][][][]float32)
	for _, gate := range constrained[0] {
		for _, unit := range gate {
			norm := math.Hypot(float64(unit[0]), float64(unit[1]))
			assert.LessOrEqual(t, norm, MaxNorm+1e-4)
		}
	}
	assert.InDelta(t, 1.8, constrained[0][0][0][0], 1e-4)
	assert.InDelta(t, 1.0, constrained[0][0][1][0], 1e-4)
	assert.Equal(t, large, generatorW.MustValue().Value().([][][][]float32))
}
