// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"math"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Callback is called by Train at the end of every epoch, after the validation.
type Callback interface {
	// OnEpochEnd is called with the history so far, whose last entry is the epoch just finished.
	// If it returns stop=true, training ends after this epoch.
	OnEpochEnd(model *Model, history *History) (stop bool, err error)
}

// CallbackConstructor builds a Callback from its descriptor, or returns a configuration error.
type CallbackConstructor func(spec config.CallbackSpec) (Callback, error)

// KnownCallbacks maps a descriptor type to its constructor.
var KnownCallbacks = map[string]CallbackConstructor{
	"early_stopping":   newEarlyStoppingFromSpec,
	"model_checkpoint": newModelCheckpointFromSpec,
}

// CallbackFromSpec creates the callback described by spec.
func CallbackFromSpec(spec config.CallbackSpec) (Callback, error) {
	constructor, found := KnownCallbacks[strings.ToLower(spec.Type)]
	if !found {
		return nil, config.Configf("unknown callback type %q, valid types are %q",
			spec.Type, xslices.SortedKeys(KnownCallbacks))
	}
	return constructor(spec)
}

// CallbacksFromSpecs creates the callbacks described by specs, in order.
func CallbacksFromSpecs(specs []config.CallbackSpec) ([]Callback, error) {
	callbacks := make([]Callback, 0, len(specs))
	for ii, spec := range specs {
		cb, err := CallbackFromSpec(spec)
		if err != nil {
			return nil, errors.WithMessagef(err, "model_fit_callbacks[%d]", ii)
		}
		callbacks = append(callbacks, cb)
	}
	return callbacks, nil
}

// Monitor tracks the best value of one of the History metrics.
type Monitor struct {
	// Metric is one of MetricNames.
	Metric string

	// Maximize is true if larger values are better.
	Maximize bool

	// MinDelta is the minimum change over the best value that counts as an improvement.
	MinDelta float64

	best float64
	seen bool
}

// NewMonitor returns a Monitor for the metric. Mode is "min", "max" or "auto" (or empty), in which case
// accuracies are maximized and losses minimized. An empty metric defaults to "val_loss".
func NewMonitor(metric, mode string, minDelta float64) (*Monitor, error) {
	if metric == "" {
		metric = MetricValLoss
	}
	if err := checkMetricName(metric); err != nil {
		return nil, err
	}
	m := &Monitor{Metric: metric, MinDelta: math.Abs(minDelta)}
	switch strings.ToLower(mode) {
	case "min":
	case "max":
		m.Maximize = true
	case "", "auto":
		m.Maximize = strings.Contains(metric, "acc")
	default:
		return nil, config.Configf("invalid mode %q for monitor of %q, valid values are \"min\", \"max\" and \"auto\"", mode, metric)
	}
	return m, nil
}

// Best returns the best value seen so far, and whether any value was seen.
func (m *Monitor) Best() (float64, bool) { return m.best, m.seen }

// Update with the last epoch of the history, and returns whether it improved over the previous best.
func (m *Monitor) Update(history *History) bool {
	value, _ := history.Last().Get(m.Metric)
	improved := !m.seen
	if m.seen {
		if m.Maximize {
			improved = value-m.MinDelta > m.best
		} else {
			improved = value+m.MinDelta < m.best
		}
	}
	if math.IsNaN(value) {
		improved = false
	}
	if improved {
		m.best = value
		m.seen = true
	}
	return improved
}

// EarlyStopping stops training when the monitored metric has not improved for Patience epochs.
type EarlyStopping struct {
	Monitor  *Monitor
	Patience int

	wait int
}

// NewEarlyStopping creates an EarlyStopping callback.
func NewEarlyStopping(monitor *Monitor, patience int) *EarlyStopping {
	return &EarlyStopping{Monitor: monitor, Patience: patience}
}

func newEarlyStoppingFromSpec(spec config.CallbackSpec) (Callback, error) {
	if spec.Patience < 0 {
		return nil, config.Configf("early_stopping patience must be >= 0, got %d", spec.Patience)
	}
	monitor, err := NewMonitor(spec.Monitor, spec.Mode, spec.MinDelta)
	if err != nil {
		return nil, err
	}
	return NewEarlyStopping(monitor, spec.Patience), nil
}

// OnEpochEnd implements Callback.
func (cb *EarlyStopping) OnEpochEnd(_ *Model, history *History) (stop bool, err error) {
	if cb.Monitor.Update(history) {
		cb.wait = 0
		return false, nil
	}
	cb.wait++
	if cb.wait >= cb.Patience {
		best, _ := cb.Monitor.Best()
		klog.Infof("Epoch %d: early stopping, best %s=%.4f", history.Last().Epoch, cb.Monitor.Metric, best)
		return true, nil
	}
	return false, nil
}

// ModelCheckpoint saves the model in Dir at the end of every epoch, or only when the monitored
// metric improves if SaveBestOnly is set.
type ModelCheckpoint struct {
	Dir string

	// Keep is the number of checkpoints to keep, 0 keeps all of them.
	Keep int

	SaveBestOnly bool
	Monitor      *Monitor
}

func newModelCheckpointFromSpec(spec config.CallbackSpec) (Callback, error) {
	if spec.Dir == "" {
		return nil, config.Configf("model_checkpoint requires a dir")
	}
	if spec.Keep < 0 {
		return nil, config.Configf("model_checkpoint keep must be >= 0, got %d", spec.Keep)
	}
	monitor, err := NewMonitor(spec.Monitor, spec.Mode, spec.MinDelta)
	if err != nil {
		return nil, err
	}
	return &ModelCheckpoint{Dir: spec.Dir, Keep: spec.Keep, SaveBestOnly: spec.SaveBestOnly, Monitor: monitor}, nil
}

// OnEpochEnd implements Callback.
func (cb *ModelCheckpoint) OnEpochEnd(model *Model, history *History) (stop bool, err error) {
	improved := cb.Monitor.Update(history)
	if cb.SaveBestOnly && !improved {
		return false, nil
	}
	if err = model.saveCheckpoint(cb.Dir, cb.Keep); err != nil {
		return false, err
	}
	klog.V(1).Infof("Epoch %d: saved model to %q", history.Last().Epoch, cb.Dir)
	return false, nil
}
