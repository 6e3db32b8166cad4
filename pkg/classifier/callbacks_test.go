// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"bytes"
	"math"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// historyOf builds a History where the given values are the validation loss of each epoch.
func historyOf(valLosses ...float64) *History {
	h := &History{}
	for ii, v := range valLosses {
		h.Epochs = append(h.Epochs, EpochMetrics{Epoch: ii + 1, ValLoss: v, ValAccuracy: 1 - v})
	}
	return h
}

// feed calls cb with the history growing one epoch at a time, and returns the epoch it stopped at, or 0.
func feed(t *testing.T, cb Callback, full *History) int {
	h := &History{}
	for _, e := range full.Epochs {
		h.Epochs = append(h.Epochs, e)
		stop, err := cb.OnEpochEnd(nil, h)
		require.NoError(t, err)
		if stop {
			return e.Epoch
		}
	}
	return 0
}

func TestNewMonitor(t *testing.T) {
	m, err := NewMonitor("", "", 0)
	require.NoError(t, err)
	assert.Equal(t, MetricValLoss, m.Metric)
	assert.False(t, m.Maximize)

	m, err = NewMonitor(MetricValAccuracy, "auto", -0.5)
	require.NoError(t, err)
	assert.True(t, m.Maximize)
	assert.Equal(t, 0.5, m.MinDelta)

	m, err = NewMonitor(MetricLoss, "max", 0)
	require.NoError(t, err)
	assert.True(t, m.Maximize)

	_, err = NewMonitor("f1", "", 0)
	assert.True(t, errors.Is(err, config.ErrConfig))
	_, err = NewMonitor(MetricLoss, "lowest", 0)
	assert.True(t, errors.Is(err, config.ErrConfig))
}

func TestMonitorUpdate(t *testing.T) {
	m, err := NewMonitor(MetricValLoss, "min", 0.1)
	require.NoError(t, err)
	_, seen := m.Best()
	assert.False(t, seen)

	h := historyOf(1.0)
	assert.True(t, m.Update(h))
	h = historyOf(1.0, 0.95) // Less than MinDelta.
	assert.False(t, m.Update(h))
	h = historyOf(1.0, 0.95, 0.8)
	assert.True(t, m.Update(h))
	best, seen := m.Best()
	assert.True(t, seen)
	assert.Equal(t, 0.8, best)
	h = historyOf(1.0, 0.95, 0.8, math.NaN())
	assert.False(t, m.Update(h))
	best, _ = m.Best()
	assert.Equal(t, 0.8, best)
}

func TestEarlyStopping(t *testing.T) {
	newES := func(patience int) Callback {
		m, err := NewMonitor(MetricValLoss, "", 0)
		require.NoError(t, err)
		return NewEarlyStopping(m, patience)
	}
	// Always improving: never stops.
	assert.Equal(t, 0, feed(t, newES(1), historyOf(5, 4, 3, 2, 1)))
	// Stops after 2 epochs without improvement.
	assert.Equal(t, 4, feed(t, newES(2), historyOf(5, 4, 4.5, 4.2, 3)))
	// An improvement resets the wait.
	assert.Equal(t, 5, feed(t, newES(2), historyOf(5, 5.5, 4, 4.5, 4.1, 4.2)))
	// Patience 0 stops at the first epoch without improvement.
	assert.Equal(t, 3, feed(t, newES(0), historyOf(5, 4, 4)))

	// Monitoring an accuracy.
	m, err := NewMonitor(MetricValAccuracy, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, feed(t, NewEarlyStopping(m, 1), historyOf(0.5, 0.4, 0.45)))
}

func TestCallbacksFromSpecs(t *testing.T) {
	callbacks, err := CallbacksFromSpecs([]config.CallbackSpec{
		{Type: "early_stopping", Monitor: "val_accuracy", Patience: 3},
		{Type: "Model_Checkpoint", Dir: t.TempDir(), SaveBestOnly: true},
	})
	require.NoError(t, err)
	require.Len(t, callbacks, 2)
	es, ok := callbacks[0].(*EarlyStopping)
	require.True(t, ok)
	assert.Equal(t, 3, es.Patience)
	assert.True(t, es.Monitor.Maximize)
	mc, ok := callbacks[1].(*ModelCheckpoint)
	require.True(t, ok)
	assert.True(t, mc.SaveBestOnly)
	assert.Equal(t, MetricValLoss, mc.Monitor.Metric)

	for name, spec := range map[string]config.CallbackSpec{
		"unknown type":        {Type: "reduce_lr_on_plateau"},
		"negative patience":   {Type: "early_stopping", Patience: -1},
		"unknown monitor":     {Type: "early_stopping", Monitor: "precision"},
		"checkpoint no dir":   {Type: "model_checkpoint"},
		"negative keep":       {Type: "model_checkpoint", Dir: "x", Keep: -2},
		"checkpoint bad mode": {Type: "model_checkpoint", Dir: "x", Mode: "up"},
	} {
		_, err := CallbacksFromSpecs([]config.CallbackSpec{spec})
		require.Errorf(t, err, "case %q", name)
		assert.Truef(t, errors.Is(err, config.ErrConfig), "case %q: expected a configuration error, got %v", name, err)
		assert.Containsf(t, err.Error(), "model_fit_callbacks[0]", "case %q", name)
	}
}

func TestHistory(t *testing.T) {
	h := historyOf(0.5, 0.25)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 2, h.Last().Epoch)
	assert.Equal(t, []float64{0.5, 0.25}, h.Metric(MetricValLoss))
	assert.Equal(t, []float64{0.5, 0.75}, h.Metric(MetricValAccuracy))
	assert.Nil(t, h.Metric("auc"))

	header, rows := h.Rows()
	assert.Equal(t, []string{"epoch", "loss", "accuracy", "val_loss", "val_accuracy"}, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"2", "0.0000", "0.0000", "0.2500", "0.7500"}, rows[1])
	assert.Contains(t, h.Last().String(), "val_loss: 0.2500 - val_accuracy: 0.7500")

	var buf bytes.Buffer
	require.NoError(t, h.WriteCSV(&buf))
	df := dataframe.ReadCSV(&buf)
	require.NoError(t, df.Err)
	assert.Equal(t, append([]string{"epoch"}, MetricNames...), df.Names())
	assert.Equal(t, 2, df.Nrow())
	assert.InDeltaSlice(t, []float64{0.5, 0.25}, df.Col(MetricValLoss).Float(), 1e-6)
	assert.InDeltaSlice(t, []float64{1, 2}, df.Col("epoch").Float(), 1e-6)
}
