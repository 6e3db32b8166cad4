// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier trains, evaluates and inspects image classification models built by package network,
// over image folders loaded by package imagefolder.
//
// The typical flow is Train, then Evaluate and PredictAndShowErrors on the test set. A trained Model
// can be saved with Model.Save and loaded back with LoadModel.
package classifier

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/gomlx/imgclassifier/pkg/network"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Context hyperparameters set by Train, and saved with the checkpoints.
const (
	ParamOptimizer = "optimizer"
	ParamBatchSize = "batch_size"
	ParamNumEpochs = "num_epochs"
)

// MetadataFile is the name of the file, in the model directory, describing the model.
const MetadataFile = "model.yaml"

// Metadata is everything, besides the weights, needed to rebuild a saved model.
type Metadata struct {
	ClassNames   []string           `yaml:"class_names"`
	ImgSize      [2]int             `yaml:"img_size"`
	ImgColorMode config.ColorMode   `yaml:"img_color_mode"`
	Network      config.NetworkSpec `yaml:"network"`

	// RunID identifies the training run that created the model, if set.
	RunID string `yaml:"run_id,omitempty"`
}

// Model is a trained (or being trained) classifier: the network, its weights (in the context) and
// the metadata needed to feed it images.
//
// A Model is not safe for concurrent use.
type Model struct {
	backend  backends.Backend
	ctx      *context.Context
	network  *network.Sequential
	metadata Metadata

	// reuse is set once the model variables exist (after the first training epoch, or when loaded from
	// a checkpoint). New graphs then reuse them.
	reuse bool

	trainer             *train.Trainer
	evalLoss, evalAcc   metrics.Interface
	predictExec         *context.Exec
	checkpointsHandlers map[string]*checkpoints.Handler
}

func newModel(backend backends.Backend, ctx *context.Context, seq *network.Sequential, metadata Metadata) *Model {
	return &Model{
		backend:             backend,
		ctx:                 ctx,
		network:             seq,
		metadata:            metadata,
		checkpointsHandlers: make(map[string]*checkpoints.Handler),
	}
}

// Context holding the model weights and hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// Network returns the layers of the model.
func (m *Model) Network() *network.Sequential { return m.network }

// Metadata of the model.
func (m *Model) Metadata() Metadata { return m.metadata }

// ClassNames indexed by label.
func (m *Model) ClassNames() []string { return m.metadata.ClassNames }

// SetRunID sets the id of the training run, saved with the metadata.
func (m *Model) SetRunID(id string) { m.metadata.RunID = id }

// DatasetConfig returns a copy of cfg where the image geometry is the one the model was trained with.
func (m *Model) DatasetConfig(cfg *config.Config) *config.Config {
	c := *cfg
	if c.ImgSize != m.metadata.ImgSize || c.ImgColorMode != m.metadata.ImgColorMode {
		klog.Warningf("configured images %v/%q differ from the model's %v/%q, using the model's",
			c.ImgSize, c.ImgColorMode, m.metadata.ImgSize, m.metadata.ImgColorMode)
		c.ImgSize = m.metadata.ImgSize
		c.ImgColorMode = m.metadata.ImgColorMode
	}
	return &c
}

// meanLossGraph is the mean sparse categorical cross-entropy of the batch.
func meanLossGraph(_ *context.Context, labels, logits []*Node) *Node {
	return ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(labels, logits))
}

func newMeanLossMetric() *metrics.MeanMetric {
	return metrics.NewMeanMetric("Mean Loss", "#loss", metrics.LossMetricType, meanLossGraph, nil)
}

// setTrainer creates the train.Trainer used to fit and evaluate the model.
func (m *Model) setTrainer(optimizer optimizers.Interface, trainMetrics []metrics.Interface) {
	m.evalLoss = newMeanLossMetric()
	m.evalAcc = metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	ctx := m.ctx
	if m.reuse {
		ctx = ctx.Reuse()
	}
	m.trainer = train.NewTrainer(m.backend, ctx, m.network.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizer,
		trainMetrics,
		[]metrics.Interface{m.evalLoss, m.evalAcc})
}

func (m *Model) getTrainer() *train.Trainer {
	if m.trainer == nil {
		// Only used for evaluation: the optimizer is never applied.
		choice := SelectOptimizer(
			context.GetParamOr(m.ctx, ParamOptimizer, string(Adam)),
			context.GetParamOr(m.ctx, optimizers.ParamLearningRate, optimizers.AdamDefaultLearningRate))
		m.setTrainer(choice.Build(m.ctx), nil)
	}
	return m.trainer
}

// metricValue returns the value of metric, found by identity among the metrics of a trainer.
func metricValue(all []metrics.Interface, values []*tensors.Tensor, metric metrics.Interface) (float64, error) {
	for ii, candidate := range all {
		if candidate == metric && ii < len(values) {
			return scalarValue(values[ii])
		}
	}
	return 0, errors.Errorf("metric %q not found in the trainer", metric.Name())
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("expected a float scalar, got a tensor shaped %s", t.Shape())
}

// EvaluateDataset returns the mean loss and accuracy of the model over one pass of ds.
// The dataset is reset afterwards.
func (m *Model) EvaluateDataset(ds train.Dataset) (loss, accuracy float64, err error) {
	trainer := m.getTrainer()
	values, err := trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "evaluating on %q", ds.Name())
	}
	evalMetrics := trainer.EvalMetrics()
	if loss, err = metricValue(evalMetrics, values, m.evalLoss); err != nil {
		return
	}
	accuracy, err = metricValue(evalMetrics, values, m.evalAcc)
	return
}

// Predict returns the predicted label of each image of the batch, shaped [batch, height, width, channels].
func (m *Model) Predict(images *tensors.Tensor) ([]int32, error) {
	if m.predictExec == nil {
		exec, err := context.NewExec(m.backend, m.ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
			return ArgMax(m.network.Logits(ctx, images), -1, dtypes.Int32)
		})
		if err != nil {
			return nil, err
		}
		m.predictExec = exec
	}
	predictions, err := m.predictExec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessage(err, "predicting")
	}
	defer predictions.MustFinalizeAll()
	labels, ok := predictions.Value().([]int32)
	if !ok {
		return nil, errors.Errorf("unexpected predictions shaped %s", predictions.Shape())
	}
	return labels, nil
}

// hasCheckpoints returns whether dir holds GoMLX checkpoints.
func hasCheckpoints(dir string) bool {
	matches, _ := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	return len(matches) > 0
}

// checkpointHandler returns the handler saving checkpoints of the model in dir, creating it if needed.
//
// A handler on a directory with checkpoints from elsewhere would overwrite the current weights
// with the saved ones, so that is a configuration error.
func (m *Model) checkpointHandler(dir string, keep int) (*checkpoints.Handler, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if handler, found := m.checkpointsHandlers[dir]; found {
		return handler, nil
	}
	if hasCheckpoints(dir) {
		return nil, config.Configf("directory %q already holds a model, remove it or choose another directory", dir)
	}
	if keep <= 0 {
		keep = -1
	}
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Keep(keep).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating checkpoints in %q", dir)
	}
	m.checkpointsHandlers[dir] = handler
	return handler, nil
}

// saveCheckpoint saves the current weights and the metadata in dir.
func (m *Model) saveCheckpoint(dir string, keep int) error {
	handler, err := m.checkpointHandler(dir, keep)
	if err != nil {
		return err
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving model to %q", handler.Dir())
	}
	data, err := yaml.Marshal(&m.metadata)
	if err != nil {
		return errors.Wrap(err, "encoding model metadata")
	}
	path := filepath.Join(handler.Dir(), MetadataFile)
	if err = os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}

// Save the model weights (as a GoMLX checkpoint) and its metadata in dir, so it can be loaded with LoadModel.
// Saving again to the same directory replaces the previous version.
func (m *Model) Save(dir string) error {
	return m.saveCheckpoint(dir, 1)
}

// LoadModel loads a model saved with Model.Save (or by a model_checkpoint callback) in dir.
// The weights of the most recent checkpoint are used.
func LoadModel(backend backends.Backend, dir string) (*Model, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, MetadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model metadata")
	}
	var metadata Metadata
	if err = yaml.Unmarshal(data, &metadata); err != nil {
		return nil, config.Configf("invalid model metadata in %q: %v", path, err)
	}
	if err = metadata.Network.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "model metadata in %q", path)
	}
	seq, err := network.FromNetworkSpec(&metadata.Network, len(metadata.ClassNames))
	if err != nil {
		return nil, errors.WithMessagef(err, "model metadata in %q", path)
	}
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(dir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model weights from %q", dir)
	}
	m := newModel(backend, ctx, seq, metadata)
	m.reuse = true
	m.checkpointsHandlers[handler.Dir()] = handler
	klog.V(1).Infof("Loaded model from %q: %d classes", dir, len(metadata.ClassNames))
	return m, nil
}
