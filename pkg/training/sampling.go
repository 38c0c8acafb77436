// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

const (
	// RealLabelMean and RealLabelStdDev of the smoothed labels for real images.
	RealLabelMean   = 0.9
	RealLabelStdDev = 0.005

	// SamplesGridDim is the number of rows and columns of the per-epoch samples grid.
	SamplesGridDim = 4

	// ConstantNoiseSeed seeds the noise used for the per-epoch samples, so samples of different epochs
	// (and different runs) are comparable.
	ConstantNoiseSeed = 42
)

// SmoothedLabels returns n labels for real images drawn from N(RealLabelMean, RealLabelStdDev), clipped
// to at most 1.
func SmoothedLabels(rng *rand.Rand, n int) []float32 {
	labels := make([]float32, n)
	for ii := range labels {
		labels[ii] = float32(math.Min(1.0, RealLabelMean+RealLabelStdDev*rng.NormFloat64()))
	}
	return labels
}

// SampleIndices draws batchSize indices uniformly from [0, n), with replacement.
func SampleIndices(rng *rand.Rand, n, batchSize int) []int {
	indices := make([]int, batchSize)
	for ii := range indices {
		indices[ii] = rng.IntN(n)
	}
	return indices
}

// NumBatches per epoch: enough batches to cover n samples.
func NumBatches(n, batchSize int) int {
	return (n + batchSize - 1) / batchSize
}

// Noise returns a tensor shaped [batchSize, latentDim] with values from a standard normal distribution.
func Noise(rng *rand.Rand, batchSize, latentDim int) *tensors.Tensor {
	data := make([]float32, batchSize*latentDim)
	for ii := range data {
		data[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, batchSize, latentDim)
}

// CyclingClasses returns n classes cycling through [0, numClasses), or nil if numClasses is 0.
func CyclingClasses(n, numClasses int) *tensors.Tensor {
	if numClasses <= 0 {
		return nil
	}
	classes := make([]int32, n)
	for ii := range classes {
		classes[ii] = int32(ii % numClasses)
	}
	return tensors.FromValue(classes)
}

// RescaleToUnit maps generated images from [-1, 1] to [0, 1].
func RescaleToUnit(images *tensors.Tensor) *tensors.Tensor {
	data := tensors.MustCopyFlatData[float32](images)
	for ii, v := range data {
		data[ii] = 0.5*v + 0.5
	}
	return tensors.FromFlatDataAndDimensions(data, images.Shape().Dimensions...)
}
