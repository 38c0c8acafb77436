// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runs

import (
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/rgan/pkg/adversarial"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/gomlx/rgan/pkg/networks"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Resume continues the run in dir into a new training segment, restoring the weights of model from its latest
// checkpoint.
//
// It reads the hyperparameters of the last segment and replaces the ones in overrides. The model must have been
// built with those hyperparameters, see LoadRecord. Then the generator and discriminator weights are restored
// (see Restore), and only after that a new run directory is created under baseDir, named
// "<timestamp>_<variant>_<data>_from_<parent timestamp>". The new init.csv holds the rows of the parent plus a
// new row, whose parent_run is the run id of the parent's last row.
//
// It returns an error wrapping ErrNotFound if dir, its hyperparameters record or its checkpoints are missing,
// and ErrShapeMismatch if the checkpoint doesn't fit model. Nothing is created under baseDir on error.
func Resume(dir string, overrides map[string]any, baseDir string, model *adversarial.Model) (*Run, error) {
	parent, df, err := readRecord(dir, overrides)
	if err != nil {
		return nil, err
	}
	hp := parent.Hyperparameters
	if model == nil {
		return nil, errors.Errorf("no model given to restore run %q into", dir)
	}
	if model.Hyperparameters() != hp {
		return nil, errors.Wrapf(config.ErrConfiguration,
			"model hyperparameters %+v differ from the ones of the resumed run %q, %+v", model.Hyperparameters(), dir, hp)
	}
	if err := Restore(dir, model); err != nil {
		return nil, err
	}

	run, err := newRun(baseDir, runName(time.Now(), hp.Variant, parent.Data, leadingTimestamp(dir)))
	if err != nil {
		return nil, err
	}
	run.ParentDir = dir
	run.Record = Record{
		RunID:           uuid.NewString(),
		ParentRun:       parent.RunID,
		Segment:         parent.Segment + 1,
		Data:            parent.Data,
		Hyperparameters: hp,
	}
	if err := writeRecords(filepath.Join(run.Dir, InitFileName), &df, run.Record); err != nil {
		return nil, err
	}
	klog.Infof("resuming run %q (segment %d) into %q", dir, run.Record.Segment, run.Dir)
	return run, nil
}

// Restore loads the weights of the generator and discriminator networks from the latest checkpoint in the
// run directory dir into model. The optimizers start afresh.
//
// The model variables are materialized first. It fails with an error wrapping ErrShapeMismatch if a network
// variable is missing from the checkpoint or has a different shape, and no variable is changed in that case.
func Restore(dir string, model *adversarial.Model) error {
	checkpointsDir := filepath.Join(dir, CheckpointsDir)
	loader, err := checkpoints.Load(context.New()).
		Dir(checkpointsDir).
		ExcludeAllParams().
		Done()
	if err != nil {
		return errors.Wrapf(ErrNotFound, "no checkpoint in %q: %v", checkpointsDir, err)
	}
	if err := model.Materialize(); err != nil {
		return errors.WithMessage(err, "failed to create the network variables")
	}

	loaded := loader.LoadedVariables()
	ctx := model.Context()
	variables := append(networks.Variables(ctx, networks.GeneratorScope), networks.Variables(ctx, networks.DiscriminatorScope)...)
	for _, v := range variables {
		value, found := loaded[v.ParameterName()]
		if !found {
			return errors.Wrapf(ErrShapeMismatch, "variable %q missing from checkpoint in %q", v.ScopeAndName(), checkpointsDir)
		}
		if !value.Shape().Equal(v.Shape()) {
			return errors.Wrapf(ErrShapeMismatch, "variable %q is shaped %s, checkpoint in %q has %s",
				v.ScopeAndName(), v.Shape(), checkpointsDir, value.Shape())
		}
	}
	for _, v := range variables {
		if err := v.SetValue(loaded[v.ParameterName()]); err != nil {
			return errors.WithMessagef(err, "failed to restore variable %q", v.ScopeAndName())
		}
	}
	klog.V(1).Infof("restored %d variables from %q", len(variables), checkpointsDir)
	return nil
}
