// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the hyperparameters of an RGAN/RCGAN model.
//
// Hyperparameters live as context parameters (see CreateDefaultContext), so they can be set from the
// command line with `-set` (see commandline.ParseContextSettings), and they are read into an immutable
// Hyperparameters value with FromContext when the model is constructed.
package config

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// ErrConfiguration is returned (wrapped) whenever the hyperparameters are invalid or incompatible with the
// network architecture, or the variant is incompatible with the dataset.
var ErrConfiguration = errors.New("configuration error")

// Variant of the model: unconditional (RGAN) or class-conditional (RCGAN).
type Variant string

const (
	RGAN  Variant = "RGAN"
	RCGAN Variant = "RCGAN"
)

// ParseVariant accepts the variant name in any case.
func ParseVariant(name string) (Variant, error) {
	switch Variant(strings.ToUpper(name)) {
	case RGAN:
		return RGAN, nil
	case RCGAN:
		return RCGAN, nil
	}
	return "", errors.Wrapf(ErrConfiguration, "unknown model variant %q, valid values are %q and %q", name, RGAN, RCGAN)
}

// IsConditional returns whether the variant takes class labels.
func (v Variant) IsConditional() bool { return v == RCGAN }

// Names of the context parameters holding the hyperparameters. They are also the column names used
// when persisting the hyperparameters of a run.
const (
	ParamVariant             = "variant"
	ParamLatentDim           = "latent_dim"
	ParamImageDim            = "image_dim"
	ParamChannels            = "channels"
	ParamEpochs              = "epochs"
	ParamBatchSize           = "batch_size"
	ParamGeneratorRateFactor = "generator_rate_factor"
	ParamDropoutRate         = "dropout_rate"
	ParamBatchNormMomentum   = "batch_norm_momentum"
	ParamLeakySlope          = "leaky_slope"
	ParamCheckpointInterval  = "checkpoint_interval"
	ParamCheckRate           = "check_rate"
	ParamNumClasses          = "num_classes"
)

// Hyperparameter names shared with the optimizers package, which declares them as variables.
var (
	ParamLearningRate = optimizers.ParamLearningRate
	ParamAdamBeta1    = optimizers.ParamAdamBeta1
	ParamAdamBeta2    = optimizers.ParamAdamBeta2
)

// ParamNames lists all hyperparameters in the order they are persisted.
var ParamNames = []string{
	ParamVariant, ParamLatentDim, ParamImageDim, ParamChannels, ParamEpochs, ParamBatchSize,
	ParamLearningRate, ParamGeneratorRateFactor, ParamAdamBeta1, ParamAdamBeta2, ParamDropoutRate,
	ParamBatchNormMomentum, ParamLeakySlope, ParamCheckpointInterval, ParamCheckRate, ParamNumClasses,
}

// Hyperparameters of one training run. It is created once, at model construction, and passed around by value.
type Hyperparameters struct {
	Variant   Variant
	LatentDim int
	ImageDim  int
	Channels  int

	Epochs    int
	BatchSize int

	// LearningRate of the discriminator optimizer. The generator uses LearningRate * GeneratorRateFactor.
	LearningRate        float64
	GeneratorRateFactor float64

	// AdamBeta1 and AdamBeta2 are the moving average coefficients of both Adam optimizers.
	AdamBeta1, AdamBeta2 float64

	DropoutRate       float64
	BatchNormMomentum float64
	LeakySlope        float64

	// CheckpointInterval is the number of epochs between checkpoints. The last epoch is always checkpointed.
	CheckpointInterval int

	// CheckRate is the number of batches between step log records.
	CheckRate int

	// NumClasses is only used by the RCGAN variant.
	NumClasses int
}

// Defaults returns the default hyperparameters.
func Defaults() Hyperparameters {
	return Hyperparameters{
		Variant:             RGAN,
		LatentDim:           100,
		ImageDim:            32,
		Channels:            3,
		Epochs:              100,
		BatchSize:           256,
		LearningRate:        0.0004,
		GeneratorRateFactor: 0.25,
		AdamBeta1:           0.9,
		AdamBeta2:           0.999,
		DropoutRate:         0.25,
		BatchNormMomentum:   0.8,
		LeakySlope:          0.2,
		CheckpointInterval:  10,
		CheckRate:           20,
		NumClasses:          0,
	}
}

// Params returns the hyperparameters as a map of context parameters.
func (hp Hyperparameters) Params() map[string]any {
	return map[string]any{
		ParamVariant:             string(hp.Variant),
		ParamLatentDim:           hp.LatentDim,
		ParamImageDim:            hp.ImageDim,
		ParamChannels:            hp.Channels,
		ParamEpochs:              hp.Epochs,
		ParamBatchSize:           hp.BatchSize,
		ParamLearningRate:        hp.LearningRate,
		ParamGeneratorRateFactor: hp.GeneratorRateFactor,
		ParamAdamBeta1:           hp.AdamBeta1,
		ParamAdamBeta2:           hp.AdamBeta2,
		ParamDropoutRate:         hp.DropoutRate,
		ParamBatchNormMomentum:   hp.BatchNormMomentum,
		ParamLeakySlope:          hp.LeakySlope,
		ParamCheckpointInterval:  hp.CheckpointInterval,
		ParamCheckRate:           hp.CheckRate,
		ParamNumClasses:          hp.NumClasses,
	}
}

// SetInContext sets the hyperparameters as parameters in the root scope of ctx.
func (hp Hyperparameters) SetInContext(ctx *context.Context) {
	ctx.InAbsPath(context.RootScope).SetParams(hp.Params())
}

// CreateDefaultContext creates a context.Context with all hyperparameters set to their defaults.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	Defaults().SetInContext(ctx)
	return ctx
}

// FromContext reads the hyperparameters from the context parameters, using the defaults for the missing ones,
// and validates them.
func FromContext(ctx *context.Context) (Hyperparameters, error) {
	defaults := Defaults()
	variant, err := ParseVariant(context.GetParamOr(ctx, ParamVariant, string(defaults.Variant)))
	if err != nil {
		return Hyperparameters{}, err
	}
	hp := Hyperparameters{
		Variant:             variant,
		LatentDim:           context.GetParamOr(ctx, ParamLatentDim, defaults.LatentDim),
		ImageDim:            context.GetParamOr(ctx, ParamImageDim, defaults.ImageDim),
		Channels:            context.GetParamOr(ctx, ParamChannels, defaults.Channels),
		Epochs:              context.GetParamOr(ctx, ParamEpochs, defaults.Epochs),
		BatchSize:           context.GetParamOr(ctx, ParamBatchSize, defaults.BatchSize),
		LearningRate:        context.GetParamOr(ctx, ParamLearningRate, defaults.LearningRate),
		GeneratorRateFactor: context.GetParamOr(ctx, ParamGeneratorRateFactor, defaults.GeneratorRateFactor),
		AdamBeta1:           context.GetParamOr(ctx, ParamAdamBeta1, defaults.AdamBeta1),
		AdamBeta2:           context.GetParamOr(ctx, ParamAdamBeta2, defaults.AdamBeta2),
		DropoutRate:         context.GetParamOr(ctx, ParamDropoutRate, defaults.DropoutRate),
		BatchNormMomentum:   context.GetParamOr(ctx, ParamBatchNormMomentum, defaults.BatchNormMomentum),
		LeakySlope:          context.GetParamOr(ctx, ParamLeakySlope, defaults.LeakySlope),
		CheckpointInterval:  context.GetParamOr(ctx, ParamCheckpointInterval, defaults.CheckpointInterval),
		CheckRate:           context.GetParamOr(ctx, ParamCheckRate, defaults.CheckRate),
		NumClasses:          context.GetParamOr(ctx, ParamNumClasses, defaults.NumClasses),
	}
	if err := hp.Validate(); err != nil {
		return Hyperparameters{}, err
	}
	return hp, nil
}

// Validate checks the ranges of every hyperparameter. It doesn't check compatibility with the network
// architecture, see networks.Validate for that.
func (hp Hyperparameters) Validate() error {
	var problems []string
	positive := func(name string, value int) {
		if value <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be > 0, got %d", name, value))
		}
	}
	positive(ParamLatentDim, hp.LatentDim)
	positive(ParamImageDim, hp.ImageDim)
	if hp.Channels != 1 && hp.Channels != 3 {
		problems = append(problems, fmt.Sprintf("%s must be 1 (grayscale) or 3 (RGB), got %d", ParamChannels, hp.Channels))
	}
	positive(ParamEpochs, hp.Epochs)
	positive(ParamBatchSize, hp.BatchSize)
	positive(ParamCheckpointInterval, hp.CheckpointInterval)
	positive(ParamCheckRate, hp.CheckRate)
	if hp.LearningRate <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be > 0, got %g", ParamLearningRate, hp.LearningRate))
	}
	if hp.GeneratorRateFactor <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be > 0, got %g", ParamGeneratorRateFactor, hp.GeneratorRateFactor))
	}
	unitInterval := func(name string, value float64) {
		if value < 0 || value >= 1 {
			problems = append(problems, fmt.Sprintf("%s must be in [0, 1), got %g", name, value))
		}
	}
	unitInterval(ParamAdamBeta1, hp.AdamBeta1)
	unitInterval(ParamAdamBeta2, hp.AdamBeta2)
	unitInterval(ParamDropoutRate, hp.DropoutRate)
	if hp.BatchNormMomentum <= 0 || hp.BatchNormMomentum >= 1 {
		problems = append(problems, fmt.Sprintf("%s must be in (0, 1), got %g", ParamBatchNormMomentum, hp.BatchNormMomentum))
	}
	if hp.LeakySlope < 0 {
		problems = append(problems, fmt.Sprintf("%s must be >= 0, got %g", ParamLeakySlope, hp.LeakySlope))
	}
	switch hp.Variant {
	case RGAN:
	case RCGAN:
		positive(ParamNumClasses, hp.NumClasses)
	default:
		problems = append(problems, fmt.Sprintf("unknown %s %q", ParamVariant, hp.Variant))
	}
	if len(problems) > 0 {
		return errors.Wrapf(ErrConfiguration, "invalid hyperparameters: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GeneratorLearningRate is the discriminator learning rate scaled by GeneratorRateFactor.
func (hp Hyperparameters) GeneratorLearningRate() float64 {
	return hp.LearningRate * hp.GeneratorRateFactor
}

// CheckVariantData fails if the variant requires labels and the dataset has none.
// It must be called before any network is constructed.
func CheckVariantData(variant Variant, dataName string, hasLabels bool) error {
	if variant.IsConditional() && !hasLabels {
		return errors.Wrapf(ErrConfiguration, "model variant %s requires a labeled dataset, %q has no labels", variant, dataName)
	}
	return nil
}
