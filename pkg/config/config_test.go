// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	ctx := CreateDefaultContext()
	hp, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), hp)

	paramsSet, err := commandline.ParseContextSettings(ctx, "batch_size=32;learning_rate=0.001;variant=RCGAN;num_classes=10")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ParamBatchSize, ParamLearningRate, ParamVariant, ParamNumClasses}, paramsSet)
	hp, err = FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 32, hp.BatchSize)
	assert.Equal(t, RCGAN, hp.Variant)
	assert.Equal(t, 10, hp.NumClasses)
	assert.InDelta(t, 0.001*0.25, hp.GeneratorLearningRate(), 1e-12)
	assert.Equal(t, 0.9, hp.AdamBeta1)

	_, err = commandline.ParseContextSettings(ctx, "adam_beta1=0.5")
	require.NoError(t, err)
	hp, err = FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.5, hp.AdamBeta1)
	assert.Equal(t, 0.999, hp.AdamBeta2)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(hp *Hyperparameters){
		"latent_dim":      func(hp *Hyperparameters) { hp.LatentDim = 0 },
		"channels_zero":   func(hp *Hyperparameters) { hp.Channels = 0 },
		"channels_two":    func(hp *Hyperparameters) { hp.Channels = 2 },
		"channels_rgba":   func(hp *Hyperparameters) { hp.Channels = 4 },
		"adam_beta1":      func(hp *Hyperparameters) { hp.AdamBeta1 = 1.0 },
		"adam_beta2":      func(hp *Hyperparameters) { hp.AdamBeta2 = -0.5 },
		"batch_size":      func(hp *Hyperparameters) { hp.BatchSize = -1 },
		"dropout_rate":    func(hp *Hyperparameters) { hp.DropoutRate = 1.0 },
		"momentum":        func(hp *Hyperparameters) { hp.BatchNormMomentum = 1.0 },
		"leaky_slope":     func(hp *Hyperparameters) { hp.LeakySlope = -0.1 },
		"learning_rate":   func(hp *Hyperparameters) { hp.LearningRate = 0 },
		"rcgan_no_labels": func(hp *Hyperparameters) { hp.Variant = RCGAN },
		"variant":         func(hp *Hyperparameters) { hp.Variant = "WGAN" },
	} {
		t.Run(name, func(t *testing.T) {
			hp := Defaults()
			mutate(&hp)
			err := hp.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), "error should wrap ErrConfiguration: %v", err)
		})
	}
	require.NoError(t, Defaults().Validate())
	gray := Defaults()
	gray.Channels = 1
	require.NoError(t, gray.Validate())
}

func TestCheckVariantData(t *testing.T) {
	require.NoError(t, CheckVariantData(RGAN, "faces", false))
	require.NoError(t, CheckVariantData(RCGAN, "mnist", true))
	err := CheckVariantData(RCGAN, "faces", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	v, err := ParseVariant("rcgan")
	require.NoError(t, err)
	assert.Equal(t, RCGAN, v)
	_, err = ParseVariant("dcgan")
	assert.True(t, errors.Is(err, ErrConfiguration))
}
