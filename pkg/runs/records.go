// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runs

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/rgan/pkg/config"
	"github.com/pkg/errors"
)

// Columns of init.csv besides the hyperparameters, see config.ParamNames.
const (
	ColumnRunID     = "run_id"
	ColumnParentRun = "parent_run"
	ColumnSegment   = "segment"
	ColumnData      = "data"
)

// Columns returns the column names of init.csv.
func Columns() []string {
	return append([]string{ColumnRunID, ColumnParentRun, ColumnSegment, ColumnData}, config.ParamNames...)
}

// Record is one row of init.csv: the hyperparameters of one training segment and its lineage.
type Record struct {
	// RunID identifies the segment, and ParentRun is the RunID of the segment it was resumed from.
	RunID, ParentRun string

	// Segment counts the training segments of the lineage, starting at 1.
	Segment int

	// Data is the name of the dataset.
	Data string

	Hyperparameters config.Hyperparameters
}

// row returns the record values in the order of Columns.
func (rec Record) row() []string {
	params := rec.Hyperparameters.Params()
	row := []string{rec.RunID, rec.ParentRun, strconv.Itoa(rec.Segment), rec.Data}
	for _, name := range config.ParamNames {
		switch value := params[name].(type) {
		case float64:
			row = append(row, strconv.FormatFloat(value, 'g', -1, 64))
		default:
			row = append(row, fmt.Sprint(value))
		}
	}
	return row
}

// readRecords reads init.csv as a string-typed dataframe.
func readRecords(dir string) (dataframe.DataFrame, error) {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return dataframe.DataFrame{}, errors.Wrapf(ErrNotFound, "run directory %q", dir)
	}
	path := filepath.Join(dir, InitFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dataframe.DataFrame{}, errors.Wrapf(ErrNotFound, "hyperparameters record %q", path)
		}
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(df.Err, "failed to parse %q", path)
	}
	if df.Nrow() == 0 {
		return dataframe.DataFrame{}, errors.Wrapf(ErrNotFound, "hyperparameters record %q is empty", path)
	}
	return df, nil
}

// writeRecords writes previous (which can be an empty dataframe) plus rec to path.
func writeRecords(path string, previous *dataframe.DataFrame, rec Record) error {
	df := dataframe.LoadRecords([][]string{Columns(), rec.row()},
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if previous != nil {
		// Columns added after the previous rows were written are left empty.
		prev := *previous
		for _, name := range Columns() {
			if !slices.Contains(prev.Names(), name) {
				prev = prev.Mutate(series.New(make([]string, prev.Nrow()), series.String, name))
			}
		}
		df = prev.Select(Columns()).RBind(df)
	}
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to build hyperparameters record %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() { _ = f.Close() }()
	if err := df.WriteCSV(f); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// lastRow parses the lineage columns of the last row of df, and sets its hyperparameters in ctx, converted
// to the type of their defaults. Hyperparameters missing from df are left untouched.
func lastRow(df dataframe.DataFrame, ctx *context.Context) (rec Record, err error) {
	last := df.Nrow() - 1
	names := make(map[string]bool)
	for _, name := range df.Names() {
		names[name] = true
	}
	cell := func(name string) series.Element {
		return df.Col(name).Elem(last)
	}
	for _, name := range []string{ColumnRunID, ColumnData} {
		if !names[name] {
			return rec, errors.Wrapf(ErrNotFound, "hyperparameters record is missing column %q", name)
		}
	}
	rec.RunID = cell(ColumnRunID).String()
	rec.Data = cell(ColumnData).String()
	if names[ColumnParentRun] {
		rec.ParentRun = cell(ColumnParentRun).String()
	}
	rec.Segment = 1
	if names[ColumnSegment] {
		if rec.Segment, err = cell(ColumnSegment).Int(); err != nil {
			return rec, errors.Wrapf(err, "invalid %s", ColumnSegment)
		}
	}

	rootCtx := ctx.InAbsPath(context.RootScope)
	defaults := config.Defaults().Params()
	for _, name := range config.ParamNames {
		if !names[name] {
			continue
		}
		elem := cell(name)
		var value any
		switch defaults[name].(type) {
		case int:
			value, err = elem.Int()
		case float64:
			if f := elem.Float(); math.IsNaN(f) {
				err = errors.New("not a number")
			} else {
				value = f
			}
		default:
			value = elem.String()
		}
		if err != nil {
			return rec, errors.Wrapf(config.ErrConfiguration, "invalid value %q for %s: %v", elem.String(), name, err)
		}
		rootCtx.SetParam(name, value)
	}
	return rec, nil
}

// ReadHyperparameters reads the record of the last training segment persisted in dir.
//
// It returns an error wrapping ErrNotFound if dir or its init.csv is missing.
func ReadHyperparameters(dir string) (Record, error) {
	return LoadRecord(dir, nil)
}

// LoadRecord reads the record of the last training segment persisted in dir, and replaces the hyperparameters
// given in overrides. The result is validated.
//
// It returns an error wrapping ErrNotFound if dir or its init.csv is missing.
func LoadRecord(dir string, overrides map[string]any) (Record, error) {
	rec, _, err := readRecord(dir, overrides)
	return rec, err
}

// readRecord reads the last row of the record in dir, applies the overrides and validates the hyperparameters.
// It also returns all the rows read.
func readRecord(dir string, overrides map[string]any) (Record, dataframe.DataFrame, error) {
	df, err := readRecords(dir)
	if err != nil {
		return Record{}, df, err
	}
	ctx := config.CreateDefaultContext()
	rec, err := lastRow(df, ctx)
	if err != nil {
		return Record{}, df, errors.WithMessagef(err, "run %q", dir)
	}
	ctx.SetParams(overrides)
	rec.Hyperparameters, err = config.FromContext(ctx)
	if err != nil {
		return Record{}, df, errors.WithMessagef(err, "run %q", dir)
	}
	return rec, df, nil
}

// Overrides returns the hyperparameters explicitly set in ctx: paramsSet is the list returned by
// commandline.ParseContextSettings.
func Overrides(ctx *context.Context, paramsSet []string) map[string]any {
	overrides := make(map[string]any)
	rootCtx := ctx.InAbsPath(context.RootScope)
	for _, paramPath := range paramsSet {
		_, name := context.SplitScope(paramPath)
		if value, found := rootCtx.GetParam(name); found {
			overrides[name] = value
		}
	}
	return overrides
}
