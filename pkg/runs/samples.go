// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runs

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
)

// SamplesFileNames returns the paths of the NumPy and PNG files holding the samples of an epoch.
func (r *Run) SamplesFileNames(epoch int) (npyPath, pngPath string) {
	base := filepath.Join(r.Dir, SamplesDir, fmt.Sprintf("epoch%d", epoch))
	return base + ".npy", base + ".png"
}

// SaveSamples writes the samples of an epoch, images shaped [n, height, width, channels] with values in [0, 1],
// as a NumPy file and as a PNG with the images arranged in a square grid. It implements training.Sink.
func (r *Run) SaveSamples(epoch int, samples *tensors.Tensor) error {
	npyPath, pngPath := r.SamplesFileNames(epoch)
	if err := numpy.ToNpyFile(samples, npyPath); err != nil {
		return errors.WithMessagef(err, "failed to save samples of epoch %d", epoch)
	}
	grid, err := Grid(samples)
	if err != nil {
		return errors.WithMessagef(err, "failed to save samples of epoch %d", epoch)
	}
	return errors.Wrapf(imaging.Save(grid, pngPath), "failed to save samples of epoch %d", epoch)
}

// Grid arranges the images, shaped [n, height, width, channels] with values in [0, 1], in a square grid with
// ceil(sqrt(n)) columns. Grayscale images are rendered in RGB.
func Grid(samples *tensors.Tensor) (image.Image, error) {
	dims := samples.Shape().Dimensions
	if len(dims) != 4 || (dims[3] != 1 && dims[3] != 3) {
		return nil, errors.Errorf("samples must be shaped [n, height, width, 1 or 3], got %s", samples.Shape())
	}
	numImages, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if channels == 1 {
		grey := tensors.MustCopyFlatData[float32](samples)
		rgb := make([]float32, 0, 3*len(grey))
		for _, v := range grey {
			rgb = append(rgb, v, v, v)
		}
		samples = tensors.FromFlatDataAndDimensions(rgb, numImages, height, width, 3)
	}

	var imgs []image.Image
	err := exceptions.TryCatch[error](func() {
		imgs = images.ToImage().MaxValue(1.0).Batch(samples)
	})
	if err != nil {
		return nil, err
	}
	cols := int(math.Ceil(math.Sqrt(float64(numImages))))
	rows := (numImages + cols - 1) / cols
	grid := imaging.New(cols*width, rows*height, color.Black)
	for ii, img := range imgs {
		grid = imaging.Paste(grid, img, image.Pt((ii%cols)*width, (ii/cols)*height))
	}
	return grid, nil
}
