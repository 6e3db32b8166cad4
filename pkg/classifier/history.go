// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/pkg/errors"
)

// Names of the quantities recorded in the History.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
)

// MetricNames in the order they are reported.
var MetricNames = []string{MetricLoss, MetricAccuracy, MetricValLoss, MetricValAccuracy}

// EpochMetrics are the results of one training epoch. Loss and Accuracy are the means over the
// training batches, ValLoss and ValAccuracy are measured on the validation set after the epoch.
type EpochMetrics struct {
	Epoch    int
	Duration time.Duration

	Loss, Accuracy, ValLoss, ValAccuracy float64
}

// Get returns the metric with the given name (see MetricNames).
func (e EpochMetrics) Get(name string) (value float64, found bool) {
	switch name {
	case MetricLoss:
		return e.Loss, true
	case MetricAccuracy:
		return e.Accuracy, true
	case MetricValLoss:
		return e.ValLoss, true
	case MetricValAccuracy:
		return e.ValAccuracy, true
	}
	return 0, false
}

// String formats the epoch as Keras does at the end of each epoch.
func (e EpochMetrics) String() string {
	return fmt.Sprintf("%s - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f",
		commandline.FormatDuration(e.Duration), e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy)
}

// History of a training run, one entry per completed epoch.
type History struct {
	Epochs []EpochMetrics

	// StoppedEarly is set if a callback stopped the training before the configured number of epochs.
	StoppedEarly bool
}

// Len is the number of completed epochs.
func (h *History) Len() int { return len(h.Epochs) }

// Last returns the metrics of the last epoch. It must not be called on an empty History.
func (h *History) Last() EpochMetrics { return h.Epochs[len(h.Epochs)-1] }

// Metric returns the values of the named metric for every epoch, or nil if the name is unknown.
func (h *History) Metric(name string) []float64 {
	if !isMetricName(name) {
		return nil
	}
	values := make([]float64, 0, len(h.Epochs))
	for _, e := range h.Epochs {
		v, _ := e.Get(name)
		values = append(values, v)
	}
	return values
}

// Rows formats the History as a table with the columns "epoch" followed by MetricNames.
func (h *History) Rows() (header []string, rows [][]string) {
	header = append([]string{"epoch"}, MetricNames...)
	for _, e := range h.Epochs {
		row := []string{fmt.Sprintf("%d", e.Epoch)}
		for _, name := range MetricNames {
			v, _ := e.Get(name)
			row = append(row, fmt.Sprintf("%.4f", v))
		}
		rows = append(rows, row)
	}
	return
}

// DataFrame returns the History with the columns "epoch" followed by MetricNames.
func (h *History) DataFrame() dataframe.DataFrame {
	epochs := make([]int, 0, len(h.Epochs))
	for _, e := range h.Epochs {
		epochs = append(epochs, e.Epoch)
	}
	columns := []series.Series{series.New(epochs, series.Int, "epoch")}
	for _, name := range MetricNames {
		columns = append(columns, series.New(h.Metric(name), series.Float, name))
	}
	return dataframe.New(columns...)
}

// WriteCSV writes the History as CSV, with a header row.
func (h *History) WriteCSV(w io.Writer) error {
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "building history dataframe")
	}
	return errors.Wrap(df.WriteCSV(w), "writing history as CSV")
}

func isMetricName(name string) bool {
	return slices.Contains(MetricNames, name)
}

// checkMetricName returns a configuration error if name is not one of MetricNames.
func checkMetricName(name string) error {
	if !isMetricName(name) {
		return config.Configf("unknown metric %q to monitor, valid values are %q", name, MetricNames)
	}
	return nil
}
