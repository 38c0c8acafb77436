// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runs manages the directories of training runs: the hyperparameters record, the step log, the per-epoch
// samples and the checkpoints, and the resumption of a run into a new directory.
//
// A run directory looks like:
//
//	<base>/<timestamp>_<variant>_<data>[_from_<parent timestamp>]/
//		init.csv       hyperparameters, one row per training segment, the last row is the current one.
//		log.csv        epoch,batch,d_loss,g_loss
//		img/           epoch<N>.npy and epoch<N>.png samples.
//		checkpoints/   GoMLX checkpoints, all kept.
package runs

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/rgan/pkg/adversarial"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/gomlx/rgan/pkg/training"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotFound is returned (wrapped) when a run directory, its hyperparameters record or its checkpoints
	// are missing.
	ErrNotFound = errors.New("run not found")

	// ErrShapeMismatch is returned (wrapped) when persisted weights don't fit the rebuilt networks.
	ErrShapeMismatch = errors.New("persisted weights shape mismatch")
)

// Names of the files and subdirectories of a run directory.
const (
	InitFileName   = "init.csv"
	LogFileName    = "log.csv"
	SamplesDir     = "img"
	CheckpointsDir = "checkpoints"
)

// TimestampLayout used as the prefix of the run directory names.
const TimestampLayout = "2006_01_02_15_04_05"

// LogHeader is the header of the step log.
var LogHeader = []string{"epoch", "batch", "d_loss", "g_loss"}

// DirPermMode is the permission used when creating run directories.
const DirPermMode = 0o755

// Run is the directory of one training segment. It implements training.Sink.
type Run struct {
	// Dir of the run.
	Dir string

	// Record of the hyperparameters of this segment, as persisted in the last row of init.csv.
	Record Record

	// ParentDir is the directory of the run this one was resumed from, or empty.
	ParentDir string

	checkpointsHandler *checkpoints.Handler
}

var _ training.Sink = (*Run)(nil)

// Create a new run directory under baseDir, named after the current time, the variant and the data tag.
func Create(baseDir string, hp config.Hyperparameters, data string) (*Run, error) {
	run, err := newRun(baseDir, runName(time.Now(), hp.Variant, data, ""))
	if err != nil {
		return nil, err
	}
	run.Record = Record{
		RunID:           uuid.NewString(),
		Segment:         1,
		Data:            data,
		Hyperparameters: hp,
	}
	if err := writeRecords(filepath.Join(run.Dir, InitFileName), nil, run.Record); err != nil {
		return nil, err
	}
	klog.Infof("created run %q", run.Dir)
	return run, nil
}

// runName returns "<timestamp>_<variant>_<data>", plus "_from_<parentTimestamp>" if parentTimestamp is given.
func runName(now time.Time, variant config.Variant, data, parentTimestamp string) string {
	name := now.Format(TimestampLayout) + "_" + string(variant) + "_" + data
	if parentTimestamp != "" {
		name += "_from_" + parentTimestamp
	}
	return name
}

// leadingTimestamp of a run directory name, or the whole name if it doesn't start with one.
func leadingTimestamp(dir string) string {
	name := filepath.Base(dir)
	if len(name) >= len(TimestampLayout) {
		if _, err := time.Parse(TimestampLayout, name[:len(TimestampLayout)]); err == nil {
			return name[:len(TimestampLayout)]
		}
	}
	return name
}

// newRun creates the run directory with its subdirectories and an empty step log.
// If the name is taken (two runs started in the same second), a counter is appended.
func newRun(baseDir, name string) (*Run, error) {
	if err := os.MkdirAll(baseDir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create base directory %q", baseDir)
	}
	dir := filepath.Join(baseDir, name)
	for ii := 2; ; ii++ {
		err := os.Mkdir(dir, DirPermMode)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "failed to create run directory %q", dir)
		}
		dir = filepath.Join(baseDir, name+"_"+strconv.Itoa(ii))
	}
	for _, subDir := range []string{SamplesDir, CheckpointsDir} {
		if err := os.Mkdir(filepath.Join(dir, subDir), DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "failed to create %q", filepath.Join(dir, subDir))
		}
	}
	run := &Run{Dir: dir}
	if err := run.writeLog(LogHeader, false); err != nil {
		return nil, err
	}
	return run, nil
}

// Hyperparameters of the run.
func (r *Run) Hyperparameters() config.Hyperparameters { return r.Record.Hyperparameters }

// writeLog writes one row to the step log, appending or truncating it.
func (r *Run) writeLog(row []string, appendRow bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if appendRow {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	path := filepath.Join(r.Dir, LogFileName)
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open step log %q", path)
	}
	defer func() { _ = f.Close() }()
	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		return errors.Wrapf(err, "failed to write to step log %q", path)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrapf(err, "failed to write to step log %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close step log %q", path)
}

// AppendStep appends a row to the step log. It implements training.Sink.
func (r *Run) AppendStep(record training.StepRecord) error {
	return r.writeLog([]string{
		strconv.Itoa(record.Epoch),
		strconv.Itoa(record.Batch),
		strconv.FormatFloat(record.DLoss, 'g', -1, 64),
		strconv.FormatFloat(record.GLoss, 'g', -1, 64),
	}, true)
}

// Save a checkpoint of all the variables in ctx: generator and discriminator weights and the optimizers state.
// Previous checkpoints are kept.
func (r *Run) Save(ctx *context.Context) error {
	if r.checkpointsHandler == nil {
		var err error
		r.checkpointsHandler, err = checkpoints.Build(ctx).
			Dir(filepath.Join(r.Dir, CheckpointsDir)).
			Keep(-1).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to configure checkpoints of run %q", r.Dir)
		}
	}
	return errors.WithMessagef(r.checkpointsHandler.Save(), "failed to save checkpoint of run %q", r.Dir)
}

// SaveCheckpoint saves the model variables. It implements training.Sink.
func (r *Run) SaveCheckpoint(model *adversarial.Model) error {
	return r.Save(model.Context())
}
