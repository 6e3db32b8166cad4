// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/gomlx/imgclassifier/pkg/imagefolder"
	"github.com/gomlx/imgclassifier/pkg/network"
	"github.com/gomlx/imgclassifier/ui/report"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainOption configures Train.
type TrainOption func(o *trainOptions)

type trainOptions struct {
	out          io.Writer
	progressBar  bool
	callbacks    []Callback
	ctx          *context.Context
	printSummary bool
}

// WithOutput sets where the per-epoch results and the model summary are printed. Default is os.Stdout.
// Use io.Discard to silence it.
func WithOutput(w io.Writer) TrainOption {
	return func(o *trainOptions) { o.out = w }
}

// WithProgressBar enables the progress bars while decoding images and training.
func WithProgressBar(enabled bool) TrainOption {
	return func(o *trainOptions) { o.progressBar = enabled }
}

// WithCallbacks adds callbacks to the ones described in the network specification. They are called after those.
func WithCallbacks(callbacks ...Callback) TrainOption {
	return func(o *trainOptions) { o.callbacks = append(o.callbacks, callbacks...) }
}

// WithContext uses ctx to hold the model, instead of a new one. Hyperparameters already set in it
// (e.g. with commandline.ParseContextSettings) are kept, unless Train sets them.
//
// If ctx already holds the variables of a model with the same network (e.g. Model.Context of a
// previous Train or of LoadModel), training continues from its weights.
func WithContext(ctx *context.Context) TrainOption {
	return func(o *trainOptions) { o.ctx = ctx }
}

// WithSummary controls whether the model summary is printed after training. Default is true.
func WithSummary(enabled bool) TrainOption {
	return func(o *trainOptions) { o.printSummary = enabled }
}

// Train loads the training data described by cfg, builds the network described by net, and fits it
// for hp.Epochs epochs, validating after each epoch and then running the callbacks.
//
// It returns the trained model and the training history. Any failure aborts the training: nothing is retried.
func Train(backend backends.Backend, cfg *config.Config, hp *config.Hyperparams, net *config.NetworkSpec,
	opts ...TrainOption) (*Model, *History, error) {
	o := &trainOptions{out: os.Stdout, printSummary: true}
	for _, opt := range opts {
		opt(o)
	}
	// Defaults are filled in copies, the caller's values are not changed.
	cfgCopy, hpCopy := *cfg, *hp
	cfg, hp = &cfgCopy, &hpCopy
	cfg.SetDefaults()
	hp.SetDefaults()
	for _, validator := range []interface{ Validate() error }{cfg, hp, net} {
		if err := validator.Validate(); err != nil {
			return nil, nil, err
		}
	}
	callbacks, err := CallbacksFromSpecs(net.Callbacks)
	if err != nil {
		return nil, nil, err
	}
	callbacks = append(callbacks, o.callbacks...)

	data, err := imagefolder.LoadTrainingAndValidation(backend, cfg, hp, o.progressBar)
	if err != nil {
		return nil, nil, err
	}
	seq, err := network.FromNetworkSpec(net, len(data.ClassNames))
	if err != nil {
		return nil, nil, err
	}

	ctx := o.ctx
	if ctx == nil {
		ctx = context.New()
	}
	ctx.SetParams(map[string]any{
		context.ParamInitialSeed: hp.Seed,
		ParamBatchSize:           hp.BatchSize,
		ParamNumEpochs:           hp.Epochs,
	})
	model := newModel(backend, ctx, seq, Metadata{
		ClassNames:   data.ClassNames,
		ImgSize:      cfg.ImgSize,
		ImgColorMode: cfg.ImgColorMode,
		Network:      *net,
	})
	model.reuse = holdsModel(ctx)
	if model.reuse {
		klog.V(1).Infof("Continuing training from the model variables already in the context")
	}
	optimizer := SelectOptimizer(hp.Optimizer, hp.LearningRate)
	klog.V(1).Infof("Optimizer: %s, learning rate %g", optimizer.Kind, optimizer.LearningRate)

	var history *History
	err = exceptions.TryCatch[error](func() {
		var fitErr error
		history, fitErr = model.fit(data, optimizer, hp.Epochs, callbacks, o)
		if fitErr != nil {
			panic(fitErr)
		}
	})
	if err != nil {
		return nil, history, errors.WithMessage(err, "training failed")
	}

	if o.printSummary {
		summary, err := network.Summary(ctx, seq)
		if err != nil {
			return nil, history, err
		}
		report.Summary(o.out, summary)
	}
	return model, history, nil
}

// holdsModel returns whether ctx already has the model variables, created by a previous training
// or pending in a checkpoint loader.
func holdsModel(ctx *context.Context) bool {
	if ctx.Loader() != nil {
		return true
	}
	for range ctx.In(network.ModelScope).IterVariablesInScope() {
		return true
	}
	return false
}

// fit runs the epochs. The model graph is built by the trainer on the first training step.
func (m *Model) fit(data *imagefolder.TrainingData, optimizer OptimizerChoice, epochs int,
	callbacks []Callback, o *trainOptions) (*History, error) {
	trainLoss := newMeanLossMetric()
	trainAcc := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAcc := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	m.setTrainer(optimizer.Build(m.ctx), []metrics.Interface{trainLoss, trainAcc, movingAcc})

	history := &History{}
	var stepDurations []time.Duration
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		// One loop per epoch: the progress bar is good for only one run of a loop.
		loop := train.NewLoop(m.trainer)
		if o.progressBar {
			commandline.AttachProgressBar(loop)
		}
		values, err := loop.RunEpochs(data.TrainingDS, 1)
		stepDurations = append(stepDurations, loop.TrainStepDurations...)
		if err != nil {
			return history, errors.WithMessagef(err, "epoch %d", epoch)
		}
		if !m.reuse {
			m.reuse = true
			m.trainer.SetContext(m.ctx.Reuse())
		}
		results := EpochMetrics{Epoch: epoch}
		trainMetrics := m.trainer.TrainMetrics()
		if results.Loss, err = metricValue(trainMetrics, values, trainLoss); err != nil {
			return history, err
		}
		if results.Accuracy, err = metricValue(trainMetrics, values, trainAcc); err != nil {
			return history, err
		}
		if math.IsNaN(results.Loss) || math.IsInf(results.Loss, 0) {
			return history, errors.Errorf("epoch %d: training loss is %g", epoch, results.Loss)
		}
		results.ValLoss, results.ValAccuracy, err = m.EvaluateDataset(data.ValidationDS)
		if err != nil {
			return history, errors.WithMessagef(err, "epoch %d", epoch)
		}
		results.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, results)
		_, _ = fmt.Fprintf(o.out, "Epoch %d/%d\n%s\n", epoch, epochs, results)

		stop := false
		for _, cb := range callbacks {
			cbStop, err := cb.OnEpochEnd(m, history)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d callback", epoch)
			}
			stop = stop || cbStop
		}
		if stop {
			history.StoppedEarly = epoch < epochs
			break
		}
	}
	if len(stepDurations) > 0 {
		slices.Sort(stepDurations)
		klog.V(1).Infof("Median train step duration: %s",
			commandline.FormatDuration(stepDurations[len(stepDurations)/2]))
	}
	return history, nil
}
