// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package networks builds the generator and discriminator of the RGAN/RCGAN models.
//
// Both networks interleave spectrally normalized convolutions with LSTM layers run over the image pixels
// flattened as a sequence. The generator upsamples a dense projection of the latent vector twice (so
// image_dim must be a multiple of 4), and the discriminator downsamples with two strided convolutions
// and one "valid" convolution before a bidirectional LSTM.
//
// Variables are created under the GeneratorScope and DiscriminatorScope scopes of the given context, so
// that each network's parameters can be told apart, frozen, saved and restored independently.
package networks

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

const (
	// GeneratorScope is the scope (under the root) of the generator variables.
	GeneratorScope = "generator"

	// DiscriminatorScope is the scope (under the root) of the discriminator variables.
	DiscriminatorScope = "discriminator"
)

// AbsScope returns the absolute scope of a top-level network scope.
func AbsScope(scope string) string {
	return context.ScopeSeparator + scope
}

// Variables returns the variables of the network under the top-level scope (GeneratorScope or
// DiscriminatorScope), sorted by scope and name.
func Variables(ctx *context.Context, scope string) []*context.Variable {
	absScope := AbsScope(scope)
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if InScope(v.Scope(), absScope) {
			vars = append(vars, v)
		}
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ScopeAndName(), b.ScopeAndName())
	})
	return vars
}

// MinImageDim is the smallest image dimension the discriminator can reduce to a non-empty feature map.
const MinImageDim = 16

// Validate checks that the image dimension fits the block structure: two 2x upsampling stages in the
// generator, and two stride 2 "valid" convolutions followed by a 3x3 "valid" convolution in the
// discriminator.
func Validate(hp config.Hyperparameters) error {
	if err := hp.Validate(); err != nil {
		return err
	}
	if hp.ImageDim%4 != 0 {
		return errors.Wrapf(config.ErrConfiguration,
			"image_dim=%d must be a multiple of 4: the generator upsamples twice by 2", hp.ImageDim)
	}
	if DiscriminatorFeatureDim(hp.ImageDim) < 1 {
		return errors.Wrapf(config.ErrConfiguration,
			"image_dim=%d is too small for the discriminator reductions, it must be >= %d", hp.ImageDim, MinImageDim)
	}
	return nil
}

// DiscriminatorFeatureDim is the spatial dimension of the last discriminator feature map, fed as a sequence
// of DiscriminatorFeatureDim^2 elements to the bidirectional LSTM. For image_dim=32 it is 5.
func DiscriminatorFeatureDim(imageDim int) int {
	dim := (imageDim-3)/2 + 1 // conv 3x3, stride 2, valid
	dim = (dim-3)/2 + 1       // conv 3x3, stride 2, valid
	return dim - 2            // conv 3x3, valid
}

// leakyRelu with the configured slope.
func leakyRelu(hp config.Hyperparameters, x *Node) *Node {
	return activations.LeakyReluWithAlpha(x, hp.LeakySlope)
}

// normalize applies batch normalization over the last axis.
//
// If trainable is false the moving averages are used and not updated, in a differentiable way, so gradients
// can flow through a frozen network.
func normalize(ctx *context.Context, hp config.Hyperparameters, x *Node, trainable bool) *Node {
	return batchnorm.New(ctx, x, -1).
		Momentum(hp.BatchNormMomentum).
		Trainable(trainable).
		UseBackendInference(false).
		Done()
}

// upsample doubles the spatial dimensions with nearest neighbor interpolation.
func upsample(x *Node) *Node {
	dims := x.Shape().Dimensions
	return Interpolate(x, dims[0], 2*dims[1], 2*dims[2], dims[3]).Nearest().Done()
}

// oneHot encodes the class labels, shaped [batch], as [batch, numClasses] of dtype of like.
func oneHot(hp config.Hyperparameters, classes *Node, like *Node) *Node {
	return OneHot(classes, hp.NumClasses, like.DType())
}
