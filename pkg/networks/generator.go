// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/rgan/pkg/config"
)

// Channel sizes of the generator stages.
const (
	generatorDenseChannels     = 384
	generatorRecurrentFeatures = 192
	generatorRecurrentHidden   = 96
)

// Generator builds the generator graph under the GeneratorScope of ctx.
//
// noise is shaped [batch, latent_dim]. For the RCGAN variant classes must be given, shaped [batch] with
// integer labels in [0, num_classes), and their one-hot encoding is concatenated to the noise. For RGAN
// classes is ignored and may be nil.
//
// The output is shaped [batch, image_dim, image_dim, channels], with values in [-1, 1].
//
// Batch normalization statistics and spectral norm vectors are updated if ctx.IsTraining(g).
func Generator(ctx *context.Context, hp config.Hyperparameters, noise, classes *Node) *Node {
	ctx = ctx.In(GeneratorScope).Checked(false)
	g := noise.Graph()
	update := ctx.IsTraining(g)
	batchSize := noise.Shape().Dim(0)
	baseDim := hp.ImageDim / 4

	x := noise
	if hp.Variant.IsConditional() {
		x = Concatenate([]*Node{x, oneHot(hp, classes, noise)}, -1)
	}

	// Dense projection to a small spatial volume.
	x = SpectralDense(ctx.In("dense"), x, baseDim*baseDim*generatorDenseChannels, update)
	x = leakyRelu(hp, x)
	x = Reshape(x, batchSize, baseDim, baseDim, generatorDenseChannels)

	convBlock := func(name string, x *Node, channels, kernelSize int) *Node {
		blockCtx := ctx.In(name)
		x = SpectralConv(blockCtx, x).Channels(channels).KernelSize(kernelSize).UpdateSpectralVector(update).Done()
		return normalize(blockCtx, hp, x, true)
	}
	x = leakyRelu(hp, convBlock("conv_1", x, 2*generatorDenseChannels, 3))
	x = leakyRelu(hp, convBlock("conv_2", upsample(x), generatorDenseChannels, 3))
	x = leakyRelu(hp, convBlock("conv_3", upsample(x), generatorRecurrentFeatures, 4))

	// Pixels as a sequence.
	dim := hp.ImageDim
	x = Reshape(x, batchSize, dim*dim, generatorRecurrentFeatures)
	x, _ = Recurrent(ctx.In("lstm"), x, generatorRecurrentHidden, false)
	x = Reshape(x, batchSize, dim, dim, generatorRecurrentHidden)

	x = convBlock("conv_4", x, generatorRecurrentHidden, 3)
	x = convBlock("conv_5", x, generatorRecurrentHidden, 3)
	x = leakyRelu(hp, convBlock("conv_6", x, hp.Channels, 3))
	x = Tanh(x)
	return Reshape(x, batchSize, dim, dim, hp.Channels)
}
