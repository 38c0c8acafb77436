// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rgan trains a recurrent-convolutional GAN (RGAN), or its class-conditional version (RCGAN), on an image
// dataset.
//
// Each training creates a run directory under -log-dir, with the hyperparameters, the step log, the samples
// generated at the end of each epoch and the checkpoints. A run can be continued with -continue-train, which
// creates a new run directory that keeps the lineage of the original one.
//
// Examples:
//
//	rgan -model=RCGAN -data=synthetic -set="epochs=5;batch_size=64"
//	rgan -data=mnist -data-dir=~/data -set="channels=1;image_dim=28"
//	rgan -continue-train=runs/2026_10_15_10_00_00_RGAN_mnist -set="epochs=20"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/rgan/pkg/adversarial"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/gomlx/rgan/pkg/datasets"
	"github.com/gomlx/rgan/pkg/runs"
	"github.com/gomlx/rgan/pkg/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel = flag.String("model", string(config.RGAN),
		fmt.Sprintf("Model variant: %q or %q (class-conditional).", config.RGAN, config.RCGAN))
	flagData = flag.String("data", datasets.Synthetic,
		fmt.Sprintf("Dataset to train on, one of %q.", datasets.Names()))
	flagDataDir = flag.String("data-dir", "data",
		"Directory with the datasets NumPy files, <name>_images.npy and <name>_labels.npy.")
	flagLogDir   = flag.String("log-dir", "runs", "Base directory where run directories are created.")
	flagContinue = flag.String("continue-train", "",
		"Run directory to continue training from. Its hyperparameters are used, except those given with -set, "+
			"and the weights are restored from its latest checkpoint. The training continues in a new run directory.")
	flagSummary = flag.Bool("summary", false, "Print the networks variables and exit.")
)

func main() {
	klog.InitFlags(nil)
	settingsCtx := config.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(settingsCtx, "set")
	flag.Parse()

	if err := run(settingsCtx, *settings); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run(settingsCtx *mlcontext.Context, settings string) error {
	variant, err := config.ParseVariant(*flagModel)
	if err != nil {
		return err
	}
	settingsCtx.SetParam(config.ParamVariant, string(variant))
	paramsSet, err := commandline.ParseContextSettings(settingsCtx, settings)
	if err != nil {
		return errors.WithMessage(err, "failed to parse -set")
	}

	// Hyperparameters and dataset, either from the command line or from the run being continued.
	// Incompatible variant and dataset fail before reading data or building networks.
	var hp config.Hyperparameters
	var data *datasets.Dataset
	overrides := runs.Overrides(settingsCtx, paramsSet)
	if *flagContinue != "" {
		rec, err := runs.LoadRecord(*flagContinue, overrides)
		if err != nil {
			return err
		}
		hp = rec.Hyperparameters
		if err := datasets.CheckVariant(hp.Variant, rec.Data); err != nil {
			return err
		}
		data, err = datasets.Load(*flagDataDir, rec.Data, hp.ImageDim, hp.Channels)
		if err != nil {
			return err
		}
	} else {
		variant, err = config.ParseVariant(mlcontext.GetParamOr(settingsCtx, config.ParamVariant, string(variant)))
		if err != nil {
			return err
		}
		if err := datasets.CheckVariant(variant, *flagData); err != nil {
			return err
		}
		defaults := config.Defaults()
		data, err = datasets.Load(*flagDataDir, *flagData,
			mlcontext.GetParamOr(settingsCtx, config.ParamImageDim, defaults.ImageDim),
			mlcontext.GetParamOr(settingsCtx, config.ParamChannels, defaults.Channels))
		if err != nil {
			return err
		}
		if variant.IsConditional() && mlcontext.GetParamOr(settingsCtx, config.ParamNumClasses, 0) == 0 {
			settingsCtx.SetParam(config.ParamNumClasses, data.NumClasses)
		}
		hp, err = config.FromContext(settingsCtx)
		if err != nil {
			return err
		}
	}
	if hp.Variant.IsConditional() && hp.NumClasses < data.NumClasses {
		return errors.Wrapf(config.ErrConfiguration, "num_classes=%d, but dataset %q has %d classes",
			hp.NumClasses, data.Name, data.NumClasses)
	}

	var backend backends.Backend
	if err := exceptions.TryCatch[error](func() { backend = backends.MustNew() }); err != nil {
		return errors.WithMessage(err, "failed to create a backend")
	}
	model, err := adversarial.New(backend, nil, hp)
	if err != nil {
		return err
	}
	defer model.Finalize()

	if *flagSummary {
		if err := model.Materialize(); err != nil {
			return err
		}
		fmt.Printf("%s model, %s:\n%s", hp.Variant, backend.Name(), model.Summary())
		return nil
	}

	var r *runs.Run
	if *flagContinue != "" {
		r, err = runs.Resume(*flagContinue, overrides, *flagLogDir, model)
		if err != nil {
			return err
		}
	} else {
		r, err = runs.Create(*flagLogDir, hp, data.Name)
		if err != nil {
			return err
		}
	}
	if len(paramsSet) > 0 {
		klog.Infof("hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(settingsCtx, paramsSet))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	loop := training.NewLoop(model, data, r)
	training.AttachProgressBar(loop)
	if err := loop.Run(ctx); err != nil {
		return errors.WithMessagef(err, "training of run %q failed", r.Dir)
	}
	klog.Infof("training of run %q finished", r.Dir)
	return nil
}
