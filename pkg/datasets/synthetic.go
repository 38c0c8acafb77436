// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// SyntheticSeed is the default seed of the synthetic dataset.
const SyntheticSeed = 42

// NewSynthetic generates n images with a smooth blob each: the position and color of the blob depend on the class,
// and are slightly jittered per image. Classes are assigned round-robin.
//
// It's fast to generate and easy to learn, and it's used for testing and demos.
func NewSynthetic(seed uint64, n, imageDim, channels, numClasses int) *Dataset {
	rng := rand.New(rand.NewPCG(seed, seed))
	imageSize := imageDim * imageDim * channels
	data := make([]float32, n*imageSize)
	labels := make([]int32, n)
	sigma := float64(imageDim) / 8
	for ii := range n {
		class := ii % numClasses
		labels[ii] = int32(class)
		angle := 2 * math.Pi * float64(class) / float64(numClasses)
		centerY := float64(imageDim)/2 + float64(imageDim)/4*math.Sin(angle) + rng.NormFloat64()
		centerX := float64(imageDim)/2 + float64(imageDim)/4*math.Cos(angle) + rng.NormFloat64()
		img := data[ii*imageSize : (ii+1)*imageSize]
		for y := range imageDim {
			for x := range imageDim {
				dy, dx := float64(y)-centerY, float64(x)-centerX
				intensity := math.Exp(-(dy*dy + dx*dx) / (2 * sigma * sigma))
				for c := range channels {
					// Each channel gets a phase-shifted share of the blob, giving each class its color.
					weight := 1.0
					if channels > 1 {
						weight = 0.5 + 0.5*math.Cos(angle+2*math.Pi*float64(c)/float64(channels))
					}
					img[(y*imageDim+x)*channels+c] = float32(2*intensity*weight - 1)
				}
			}
		}
	}
	return &Dataset{
		Name:       Synthetic,
		Images:     tensors.FromFlatDataAndDimensions(data, n, imageDim, imageDim, channels),
		Labels:     labels,
		NumClasses: numClasses,
		flat:       data,
	}
}
