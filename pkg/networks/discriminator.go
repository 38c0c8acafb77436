// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/rgan/pkg/config"
)

// Discriminator builds the discriminator graph under the DiscriminatorScope of ctx, and returns the
// probability, shaped [batch, 1], that each image is real.
//
// images are shaped [batch, image_dim, image_dim, channels]. For the RCGAN variant classes must be given,
// shaped [batch], and a label plane, projected from their one-hot encoding, is concatenated as an extra
// channel. For RGAN classes is ignored and may be nil.
//
// If frozen is true, the discriminator is being used as part of the generator training: batch normalization
// uses the moving averages without updating them, and spectral norm vectors are not updated. Dropout is
// still applied if ctx.IsTraining(g).
func Discriminator(ctx *context.Context, hp config.Hyperparameters, images, classes *Node, frozen bool) *Node {
	ctx = ctx.In(DiscriminatorScope).Checked(false)
	g := images.Graph()
	dtype := images.DType()
	training := ctx.IsTraining(g)
	update := training && !frozen
	batchSize := images.Shape().Dim(0)
	dim := hp.ImageDim
	dropoutRate := Scalar(g, dtype, hp.DropoutRate)

	x := images
	if hp.Variant.IsConditional() {
		plane := SpectralDense(ctx.In("label_plane"), oneHot(hp, classes, images), dim*dim, update)
		plane = Reshape(plane, batchSize, dim, dim, 1)
		x = Concatenate([]*Node{x, plane}, -1)
	}

	block := func(name string, x *Node, channels, stride int, pad bool) *Node {
		blockCtx := ctx.In(name)
		conv := SpectralConv(blockCtx, x).Channels(channels).Strides(stride).UpdateSpectralVector(update)
		if !pad {
			conv.NoPadding()
		}
		x = conv.Done()
		x = normalize(blockCtx, hp, x, !frozen)
		x = leakyRelu(hp, x)
		if training && hp.DropoutRate > 0 {
			x = layers.Dropout(blockCtx.In("dropout"), x, dropoutRate)
		}
		return x
	}

	x = block("conv_1", x, hp.Channels, 1, true)
	x = Reshape(x, batchSize, dim*dim, hp.Channels)
	x, _ = Recurrent(ctx.In("lstm_1"), x, hp.Channels, false)
	x = Reshape(x, batchSize, dim, dim, hp.Channels)

	x = block("conv_2", x, 256, 2, false)
	x = block("conv_3", x, 128, 2, false)
	x = block("conv_4", x, 64, 1, false)

	featureDim := DiscriminatorFeatureDim(dim)
	x = Reshape(x, batchSize, featureDim*featureDim, 64)
	_, x = Recurrent(ctx.In("lstm_2"), x, 8, true)
	x = SpectralDense(ctx.In("output"), x, 1, update)
	return Sigmoid(x)
}
