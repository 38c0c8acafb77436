// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides the image datasets used to train the RGAN/RCGAN models.
//
// Every dataset is normalized to float32 images shaped [N, image_dim, image_dim, channels] with values in [-1, 1],
// and optionally integer class labels. Named datasets are read from NumPy files in a data directory, see Load.
package datasets

import (
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the known datasets.
const (
	Synthetic = "synthetic"
	MNIST     = "mnist"
	Fashion   = "fashion"
	CIFAR10   = "cifar10"
	Faces     = "faces"
	Lorenz    = "lorenz"
)

// labeled lists whether each known dataset carries class labels.
var labeled = map[string]bool{
	Synthetic: true,
	MNIST:     true,
	Fashion:   true,
	CIFAR10:   true,
	Faces:     false,
	Lorenz:    false,
}

// Names returns the names of the known datasets, sorted.
func Names() []string {
	names := make([]string, 0, len(labeled))
	for name := range labeled {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasLabels returns whether the named dataset carries class labels, and whether the dataset is known at all.
func HasLabels(name string) (hasLabels, known bool) {
	hasLabels, known = labeled[name]
	return
}

// CheckVariant fails with config.ErrConfiguration if the dataset is unknown, or if the variant needs labels
// the dataset doesn't have. It doesn't read any data.
func CheckVariant(variant config.Variant, name string) error {
	hasLabels, known := HasLabels(name)
	if !known {
		return errors.Wrapf(config.ErrConfiguration, "unknown dataset %q, valid values are %q", name, Names())
	}
	return config.CheckVariantData(variant, name, hasLabels)
}

// Dataset of images normalized to [-1, 1].
type Dataset struct {
	Name string

	// Images shaped [N, image_dim, image_dim, channels], float32.
	Images *tensors.Tensor

	// Labels holds one class per image, or is nil if the dataset has no labels.
	Labels []int32

	// NumClasses is the number of distinct labels, or 0 if the dataset has no labels.
	NumClasses int

	flat []float32
}

// Size is the number of images.
func (ds *Dataset) Size() int { return ds.Images.Shape().Dim(0) }

// HasLabels returns whether the dataset carries class labels.
func (ds *Dataset) HasLabels() bool { return ds.Labels != nil }

// ImageShape returns the image dimensions: height, width, channels.
func (ds *Dataset) ImageShape() (height, width, channels int) {
	dims := ds.Images.Shape().Dimensions
	return dims[1], dims[2], dims[3]
}

// Batch gathers the images (and labels, if available) at the given indices.
// classes is nil if the dataset has no labels.
func (ds *Dataset) Batch(indices []int) (batch, classes *tensors.Tensor) {
	if ds.flat == nil {
		ds.flat = tensors.MustCopyFlatData[float32](ds.Images)
	}
	height, width, channels := ds.ImageShape()
	imageSize := height * width * channels
	data := make([]float32, 0, len(indices)*imageSize)
	for _, idx := range indices {
		data = append(data, ds.flat[idx*imageSize:(idx+1)*imageSize]...)
	}
	batch = tensors.FromFlatDataAndDimensions(data, len(indices), height, width, channels)
	if ds.Labels != nil {
		labels := make([]int32, len(indices))
		for ii, idx := range indices {
			labels[ii] = ds.Labels[idx]
		}
		classes = tensors.FromValue(labels)
	}
	return
}

// ImagesFileName and LabelsFileName of a named dataset in the data directory.
func ImagesFileName(name string) string { return name + "_images.npy" }
func LabelsFileName(name string) string { return name + "_labels.npy" }

// Load the named dataset.
//
// The synthetic dataset is generated, with 1024 images in 10 classes. The other datasets are read from
// "<name>_images.npy" and, for labeled datasets, "<name>_labels.npy" in dataDir. Images can be shaped [N, H, W]
// (grayscale) or [N, H, W, C] with C=1 or C=3. Integer images are taken to be in [0, 255], and float images either
// in [0, 1] or [-1, 1].
//
// Images are resized to imageDim x imageDim, and converted to the requested number of channels.
func Load(dataDir, name string, imageDim, channels int) (*Dataset, error) {
	hasLabels, known := HasLabels(name)
	if !known {
		return nil, errors.Wrapf(config.ErrConfiguration, "unknown dataset %q, valid values are %q", name, Names())
	}
	if name == Synthetic {
		return NewSynthetic(SyntheticSeed, 1024, imageDim, channels, 10), nil
	}

	imagesPath := filepath.Join(dataDir, ImagesFileName(name))
	raw, err := numpy.FromNpyFile(imagesPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load dataset %q", name)
	}
	var labels []int32
	if hasLabels {
		labelsPath := filepath.Join(dataDir, LabelsFileName(name))
		if _, err := os.Stat(labelsPath); err != nil {
			return nil, errors.Wrapf(err, "dataset %q requires labels", name)
		}
		labelsT, err := numpy.FromNpyFile(labelsPath)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load labels of dataset %q", name)
		}
		err = exceptions.TryCatch[error](func() { labels = toInt32(labelsT) })
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", name)
		}
	}
	ds, err := FromTensor(name, raw, labels, imageDim, channels)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("dataset %q: %d images shaped %s, %d classes", name, ds.Size(), ds.Images.Shape(), ds.NumClasses)
	return ds, nil
}

// FromTensor normalizes raw images, shaped [N, H, W] or [N, H, W, C], and creates a Dataset.
// labels can be nil for unlabeled datasets.
func FromTensor(name string, raw *tensors.Tensor, labels []int32, imageDim, channels int) (*Dataset, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Wrapf(config.ErrConfiguration, "only 1 or 3 channels are supported, got %d", channels)
	}
	dims := raw.Shape().Dimensions
	var numImages, height, width, rawChannels int
	switch len(dims) {
	case 3:
		numImages, height, width, rawChannels = dims[0], dims[1], dims[2], 1
	case 4:
		numImages, height, width, rawChannels = dims[0], dims[1], dims[2], dims[3]
	default:
		return nil, errors.Errorf("dataset %q images must be shaped [N, H, W] or [N, H, W, C], got %s", name, raw.Shape())
	}
	if rawChannels != 1 && rawChannels != 3 {
		return nil, errors.Errorf("dataset %q images must have 1 or 3 channels, got %s", name, raw.Shape())
	}
	if labels != nil && len(labels) != numImages {
		return nil, errors.Errorf("dataset %q has %d images but %d labels", name, numImages, len(labels))
	}

	// Normalize to [0, 1] and RGB, so images can be resized.
	var unit []float32
	if err := exceptions.TryCatch[error](func() { unit = toUnitRange(raw) }); err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	rgb := make([]float32, 0, numImages*height*width*3)
	for ii := 0; ii < len(unit); ii += rawChannels {
		if rawChannels == 1 {
			rgb = append(rgb, unit[ii], unit[ii], unit[ii])
		} else {
			rgb = append(rgb, unit[ii:ii+3]...)
		}
	}
	imagesT := tensors.FromFlatDataAndDimensions(rgb, numImages, height, width, 3)
	if height != imageDim || width != imageDim {
		var err error
		imagesT, err = resize(imagesT, imageDim)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to resize dataset %q", name)
		}
	}

	// Scale to [-1, 1] with the requested channels.
	rgb = tensors.MustCopyFlatData[float32](imagesT)
	data := make([]float32, 0, numImages*imageDim*imageDim*channels)
	for ii := 0; ii < len(rgb); ii += 3 {
		if channels == 1 {
			data = append(data, 2*(rgb[ii]+rgb[ii+1]+rgb[ii+2])/3-1)
		} else {
			for c := range 3 {
				data = append(data, 2*rgb[ii+c]-1)
			}
		}
	}
	ds := &Dataset{
		Name:   name,
		Images: tensors.FromFlatDataAndDimensions(data, numImages, imageDim, imageDim, channels),
		Labels: labels,
		flat:   data,
	}
	if labels != nil {
		ds.NumClasses = int(slices.Max(labels)) + 1
	}
	return ds, nil
}

// resize RGB images, in [0, 1], to imageDim x imageDim.
func resize(imagesT *tensors.Tensor, imageDim int) (resized *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		imgs := images.ToImage().MaxValue(1.0).Batch(imagesT)
		for ii, img := range imgs {
			imgs[ii] = imaging.Resize(img, imageDim, imageDim, imaging.Lanczos)
		}
		resized = images.ToTensor(dtypes.Float32).MaxValue(1.0).Batch(imgs)
	})
	return
}

// toUnitRange converts the raw image values to float32 in [0, 1].
func toUnitRange(raw *tensors.Tensor) []float32 {
	data := make([]float32, raw.Size())
	if raw.DType().IsFloat() {
		floats := tensors.MustCopyFlatData[float32](convertToFloat32(raw))
		minValue := slices.Min(floats)
		for ii, v := range floats {
			if minValue < 0 {
				v = 0.5*v + 0.5
			}
			data[ii] = float32(math.Min(1, math.Max(0, float64(v))))
		}
		return data
	}
	raw.MustConstFlatData(func(flat any) {
		switch values := flat.(type) {
		case []uint8:
			for ii, v := range values {
				data[ii] = float32(v) / 255
			}
		default:
			exceptions.Panicf("unsupported images dtype %s, use uint8 or a float dtype", raw.DType())
		}
	})
	return data
}

// convertToFloat32 returns raw if already float32, or a float32 copy.
func convertToFloat32(raw *tensors.Tensor) *tensors.Tensor {
	if raw.DType() == dtypes.Float32 {
		return raw
	}
	converted := tensors.FromShape(shapes.Make(dtypes.Float32, raw.Shape().Dimensions...))
	tensors.MustMutableFlatData[float32](converted, func(to []float32) {
		raw.MustConstFlatData(func(flat any) {
			switch values := flat.(type) {
			case []float64:
				for ii, v := range values {
					to[ii] = float32(v)
				}
			default:
				exceptions.Panicf("unsupported images dtype %s", raw.DType())
			}
		})
	})
	return converted
}

// toInt32 converts integer labels of any dtype.
func toInt32(labelsT *tensors.Tensor) []int32 {
	labels := make([]int32, labelsT.Size())
	labelsT.MustConstFlatData(func(flat any) {
		switch values := flat.(type) {
		case []int32:
			copy(labels, values)
		case []int64:
			for ii, v := range values {
				labels[ii] = int32(v)
			}
		case []uint8:
			for ii, v := range values {
				labels[ii] = int32(v)
			}
		default:
			exceptions.Panicf("unsupported labels dtype %s", labelsT.DType())
		}
	})
	return labels
}
