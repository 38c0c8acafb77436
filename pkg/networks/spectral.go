// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package networks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// SpectralVectorName is the name of the non-trainable variable holding the left singular vector estimate
	// of spectrally normalized layers.
	SpectralVectorName = "u"

	// SpectralNormEpsilon is added to norms to avoid divisions by 0.
	SpectralNormEpsilon = 1e-12
)

// SpectralNormalize returns kernel divided by an estimate of its largest singular value.
//
// The kernel is viewed as a matrix [prod(dims[:-1]), dims[-1]], and the estimate is done with one
// step of power iteration, starting from the vector stored in the variable SpectralVectorName in ctx.
// If update is true the refined vector is stored back in the variable, so the estimate improves on each
// forward pass. Gradients don't flow through the power iteration.
func SpectralNormalize(ctx *context.Context, kernel *Node, update bool) *Node {
	g := kernel.Graph()
	dtype := kernel.DType()
	outputDim := kernel.Shape().Dim(-1)
	w := Reshape(kernel, kernel.Shape().Size()/outputDim, outputDim)
	uVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
		VariableWithShape(SpectralVectorName, shapes.Make(dtype, 1, outputDim)).
		SetTrainable(false)
	u := uVar.ValueGraph(g)

	wNoGrad := StopGradient(w)
	v := L2NormalizeWithEpsilon(Einsum("bo,io->bi", u, wNoGrad), SpectralNormEpsilon, -1)
	u = L2NormalizeWithEpsilon(Einsum("bi,io->bo", v, wNoGrad), SpectralNormEpsilon, -1)
	u, v = StopGradient(u), StopGradient(v)
	if update {
		uVar.SetValueGraph(u)
	}

	// sigma = v . W . u^T, with gradients w.r.t. W.
	sigma := ReduceAllSum(Mul(Einsum("bi,io->bo", v, w), u))
	return Div(kernel, AddScalar(sigma, SpectralNormEpsilon))
}

// SpectralConvBuilder configures a 2D convolution whose kernel is spectrally normalized.
// Create it with SpectralConv, and apply it with Done.
type SpectralConvBuilder struct {
	ctx        *context.Context
	x          *Node
	channels   int
	kernelSize int
	stride     int
	padSame    bool
	bias       bool
	update     bool
}

// SpectralConv creates a spectrally normalized 2D convolution on x, shaped [batch, height, width, channels].
// Variables are created in ctx directly: use a dedicated scope for each layer.
//
// Defaults: kernel size 3, stride 1, "same" padding, with bias, and the singular vector estimate is updated.
func SpectralConv(ctx *context.Context, x *Node) *SpectralConvBuilder {
	return &SpectralConvBuilder{
		ctx:        ctx,
		x:          x,
		kernelSize: 3,
		stride:     1,
		padSame:    true,
		bias:       true,
		update:     true,
	}
}

// Channels sets the number of output channels. Required.
func (c *SpectralConvBuilder) Channels(channels int) *SpectralConvBuilder {
	c.channels = channels
	return c
}

// KernelSize sets the (square) kernel size.
func (c *SpectralConvBuilder) KernelSize(size int) *SpectralConvBuilder {
	c.kernelSize = size
	return c
}

// Strides sets the stride for both spatial axes.
func (c *SpectralConvBuilder) Strides(stride int) *SpectralConvBuilder {
	c.stride = stride
	return c
}

// PadSame pads the input so the output spatial dimensions are ceil(input/stride). This is the default.
func (c *SpectralConvBuilder) PadSame() *SpectralConvBuilder {
	c.padSame = true
	return c
}

// NoPadding ("valid" padding): output dimensions are (input-kernel)/stride+1.
func (c *SpectralConvBuilder) NoPadding() *SpectralConvBuilder {
	c.padSame = false
	return c
}

// UpdateSpectralVector configures whether the power iteration vector is stored back. It should be false
// for inference and for frozen networks.
func (c *SpectralConvBuilder) UpdateSpectralVector(update bool) *SpectralConvBuilder {
	c.update = update
	return c
}

// Done creates the variables and returns the convolved x.
func (c *SpectralConvBuilder) Done() *Node {
	if c.channels <= 0 {
		exceptions.Panicf("SpectralConv requires Channels to be set, got %d", c.channels)
	}
	g := c.x.Graph()
	dtype := c.x.DType()
	inputChannels := c.x.Shape().Dim(-1)
	kernelVar := c.ctx.VariableWithShape("weights",
		shapes.Make(dtype, c.kernelSize, c.kernelSize, inputChannels, c.channels))
	kernel := SpectralNormalize(c.ctx, kernelVar.ValueGraph(g), c.update)

	conv := Convolve(c.x, kernel).StridePerAxis(c.stride, c.stride)
	if c.padSame {
		conv.PadSame()
	} else {
		conv.NoPadding()
	}
	output := conv.Done()
	if c.bias {
		biasVar := c.ctx.WithInitializer(initializers.Zero).
			VariableWithShape("biases", shapes.Make(dtype, c.channels))
		output = Add(output, Reshape(biasVar.ValueGraph(g), 1, 1, 1, c.channels))
	}
	return output
}

// SpectralDense is a fully connected layer with a spectrally normalized kernel.
// x is shaped [batch, inputDim], and the output is [batch, outputDim].
func SpectralDense(ctx *context.Context, x *Node, outputDim int, update bool) *Node {
	g := x.Graph()
	dtype := x.DType()
	kernelVar := ctx.VariableWithShape("weights", shapes.Make(dtype, x.Shape().Dim(-1), outputDim))
	kernel := SpectralNormalize(ctx, kernelVar.ValueGraph(g), update)
	biasVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(dtype, outputDim))
	return Add(Einsum("bi,io->bo", x, kernel), ExpandAxes(biasVar.ValueGraph(g), 0))
}
