// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/gomlx/imgclassifier/pkg/imagefolder"
	"github.com/gomlx/imgclassifier/pkg/imagefolder/imagefoldertest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	imgSize       = 8
	trainPerClass = 10
	testPerClass  = 3
)

// testSetup creates training and test folders for the classes, and a small configuration to train on them.
func testSetup(t *testing.T, classes ...string) (*config.Config, *config.Hyperparams, *config.NetworkSpec) {
	root := t.TempDir()
	cfg := &config.Config{
		TrainDSPath:  imagefoldertest.CreateFolder(t, filepath.Join(root, "train"), classes, trainPerClass, imgSize, imgSize),
		TestDSPath:   imagefoldertest.CreateFolder(t, filepath.Join(root, "test"), classes, testPerClass, imgSize, imgSize),
		ImgSize:      [2]int{imgSize, imgSize},
		ImgColorMode: config.RGB,
	}
	hp := &config.Hyperparams{
		ValidationSplit: 0.2,
		BatchSize:       4,
		Optimizer:       "adam",
		LearningRate:    0.01,
		Epochs:          2,
		Seed:            42,
		ShuffleBuffer:   8,
	}
	net := &config.NetworkSpec{
		Topology: []config.LayerSpec{
			{Type: "conv2d", Filters: 2, KernelSize: 3, Activation: "relu"},
			{Type: "flatten"},
		},
	}
	return cfg, hp, net
}

// recordingDisplay records the calls to ShowErrors.
type recordingDisplay struct {
	calls      int
	wrong      []WrongPrediction
	classNames []string
}

func (d *recordingDisplay) ShowErrors(wrong []WrongPrediction, classNames []string) error {
	d.calls++
	d.wrong = wrong
	d.classNames = classNames
	return nil
}

// stopAt is a Callback that stops the training at the given epoch.
type stopAt int

func (s stopAt) OnEpochEnd(_ *Model, history *History) (bool, error) {
	return history.Last().Epoch >= int(s), nil
}

func TestTrainAndEvaluate(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	var out bytes.Buffer
	model, history, err := Train(backend, cfg, hp, net, WithOutput(&out))
	require.NoError(t, err)
	assert.Equal(t, []string{"blue", "red"}, model.ClassNames())
	assert.Equal(t, hp.Epochs, history.Len())
	assert.False(t, history.StoppedEarly)
	for _, e := range history.Epochs {
		for _, name := range MetricNames {
			v, found := e.Get(name)
			require.True(t, found)
			assert.Falsef(t, math.IsNaN(v), "epoch %d: %s is NaN", e.Epoch, name)
		}
		assert.True(t, e.Accuracy >= 0 && e.Accuracy <= 1)
		assert.True(t, e.ValAccuracy >= 0 && e.ValAccuracy <= 1)
	}
	got := out.String()
	for _, want := range []string{"Epoch 1/2", "Epoch 2/2", "val_accuracy:", "Layer (type)", "Total params:"} {
		assert.Contains(t, got, want)
	}

	errorRate, err := Evaluate(backend, model, cfg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, errorRate, 0.0)
	assert.LessOrEqual(t, errorRate, 1.0)

	// Error rate is 1 - accuracy over the test set.
	test, _, err := imagefolder.LoadTest(backend, cfg, model.ClassNames(), false)
	require.NoError(t, err)
	_, accuracy, err := model.EvaluateDataset(test)
	require.NoError(t, err)
	assert.InDelta(t, 1-accuracy, errorRate, 1e-6)
}

func TestTrainErrors(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "a", "b")

	badHP := *hp
	badHP.ValidationSplit = 0
	_, _, err := Train(backend, cfg, &badHP, net, WithOutput(io.Discard))
	assert.True(t, errors.Is(err, config.ErrConfig), "got %v", err)

	badNet := &config.NetworkSpec{Topology: []config.LayerSpec{{Type: "transformer"}}}
	_, _, err = Train(backend, cfg, hp, badNet, WithOutput(io.Discard))
	assert.True(t, errors.Is(err, config.ErrConfig), "got %v", err)

	badCallbacks := *net
	badCallbacks.Callbacks = []config.CallbackSpec{{Type: "tensorboard"}}
	_, _, err = Train(backend, cfg, hp, &badCallbacks, WithOutput(io.Discard))
	assert.True(t, errors.Is(err, config.ErrConfig), "got %v", err)

	missing := *cfg
	missing.TrainDSPath = filepath.Join(t.TempDir(), "missing")
	_, _, err = Train(backend, &missing, hp, net, WithOutput(io.Discard))
	assert.True(t, errors.Is(err, imagefolder.ErrIO), "got %v", err)
}

func TestTrainReturns(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	hp.Epochs = 1
	done := make(chan error, 1)
	go func() {
		_, _, err := Train(backend, cfg, hp, net, WithOutput(io.Discard), WithSummary(false))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Minute):
		t.Fatal("Train did not return")
	}
}

func TestTrainSetsDefaults(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	hp.Epochs = 1
	hp.Seed = 0
	hp.ShuffleBuffer = 0
	cfg.ImgColorMode = ""
	model, _, err := Train(backend, cfg, hp, net, WithOutput(io.Discard), WithSummary(false))
	require.NoError(t, err)
	assert.Equal(t, int64(config.DefaultSeed), context.GetParamOr(model.Context(), context.ParamInitialSeed, int64(0)))
	assert.Equal(t, config.RGB, model.Metadata().ImgColorMode)

	// The caller's values are not changed.
	assert.Equal(t, int64(0), hp.Seed)
	assert.Equal(t, 0, hp.ShuffleBuffer)
	assert.Equal(t, config.ColorMode(""), cfg.ImgColorMode)
}

func TestTrainContinues(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	hp.Epochs = 1
	model, _, err := Train(backend, cfg, hp, net, WithOutput(io.Discard), WithSummary(false))
	require.NoError(t, err)
	ctx := model.Context()
	firstSteps := optimizers.GetGlobalStep(ctx)
	require.Greater(t, firstSteps, int64(0))

	// A second call on the same context trains the same variables further.
	more, history, err := Train(backend, cfg, hp, net, WithContext(ctx), WithOutput(io.Discard), WithSummary(false))
	require.NoError(t, err)
	assert.Equal(t, 1, history.Len())
	assert.Same(t, ctx, more.Context())
	assert.Equal(t, 2*firstSteps, optimizers.GetGlobalStep(ctx))

	errorRate, err := Evaluate(backend, more, cfg)
	require.NoError(t, err)
	assert.LessOrEqual(t, errorRate, 1.0)
}

// ownedDataset keeps the ownership of the tensors it yields.
type ownedDataset struct {
	train.Dataset
}

func (ownedDataset) IsOwnershipTransferred() bool { return false }

func TestFinalizeYielded(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, _, _ := testSetup(t, "red", "blue")
	test, _, err := imagefolder.LoadTest(backend, cfg, nil, false)
	require.NoError(t, err)

	_, inputs, labels, err := test.Yield()
	require.NoError(t, err)
	require.NoError(t, finalizeYielded(ownedDataset{test}, inputs, labels))
	assert.True(t, inputs[0].Ok())
	assert.True(t, labels[0].Ok())

	require.NoError(t, finalizeYielded(test, inputs, labels))
	for _, yielded := range [][]*tensors.Tensor{inputs, labels} {
		assert.False(t, yielded[0].Ok())
	}

	// The cached examples are still there for the next pass.
	test.Reset()
	_, inputs, _, err = test.Yield()
	require.NoError(t, err)
	assert.True(t, inputs[0].Ok())
}

var predictionLineRE = regexp.MustCompile(`^Label: (\d+)  \| Prediction: (\d+)$`)

func TestPredictAndShowErrors(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	hp.Epochs = 1
	model, _, err := Train(backend, cfg, hp, net, WithOutput(io.Discard), WithSummary(false))
	require.NoError(t, err)

	var out bytes.Buffer
	display := &recordingDisplay{}
	wrong, err := PredictAndShowErrors(backend, model, cfg, &out, display)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2*testPerClass+1)
	numWrong := 0
	for ii, line := range lines[:2*testPerClass] {
		matches := predictionLineRE.FindStringSubmatch(line)
		require.NotNilf(t, matches, "unexpected line %q", line)
		// The test set is read in order: all examples of label 0 first.
		assert.Equal(t, fmt.Sprintf("%d", ii/testPerClass), matches[1])
		if matches[1] != matches[2] {
			numWrong++
		}
	}
	assert.Equal(t, fmt.Sprintf("Wrong predictions #: %d", numWrong), lines[len(lines)-1])
	require.Len(t, wrong, numWrong)
	for _, w := range wrong {
		assert.NotEqual(t, w.TrueLabel, w.PredictedLabel)
		assert.Equal(t, imgSize, w.Image.Bounds().Dx())
		assert.Equal(t, imgSize, w.Image.Bounds().Dy())
	}

	assert.Equal(t, 1, display.calls)
	assert.Len(t, display.wrong, min(numWrong, MaxDisplayedErrors))
	assert.Equal(t, model.ClassNames(), display.classNames)
}

func TestNoWrongPredictions(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	// With a single class every prediction is right.
	cfg, hp, net := testSetup(t, "only")
	hp.Epochs = 1
	model, _, err := Train(backend, cfg, hp, net, WithOutput(io.Discard), WithSummary(false))
	require.NoError(t, err)

	var out bytes.Buffer
	display := &recordingDisplay{}
	wrong, err := PredictAndShowErrors(backend, model, cfg, &out, display)
	require.NoError(t, err)
	assert.Empty(t, wrong)
	assert.Equal(t, strings.Repeat("Label: 0  | Prediction: 0\n", testPerClass)+"Wrong predictions #: 0\n", out.String())
	assert.Equal(t, 1, display.calls)
	assert.Empty(t, display.wrong)

	errorRate, err := Evaluate(backend, model, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.0, errorRate)

	// A nil display is fine.
	_, err = PredictAndShowErrors(backend, model, cfg, io.Discard, nil)
	require.NoError(t, err)
}

func TestEvaluateErrors(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	hp.Epochs = 1
	model, _, err := Train(backend, cfg, hp, net, WithOutput(io.Discard), WithSummary(false))
	require.NoError(t, err)

	missing := *cfg
	missing.TestDSPath = filepath.Join(t.TempDir(), "missing")
	_, err = Evaluate(backend, model, &missing)
	assert.True(t, errors.Is(err, imagefolder.ErrIO), "got %v", err)

	otherClasses := *cfg
	otherClasses.TestDSPath = imagefoldertest.CreateFolder(t, t.TempDir(), []string{"cats", "dogs"}, 1, imgSize, imgSize)
	_, err = Evaluate(backend, model, &otherClasses)
	assert.True(t, errors.Is(err, config.ErrConfig), "got %v", err)
	_, err = PredictAndShowErrors(backend, model, &otherClasses, io.Discard, nil)
	assert.True(t, errors.Is(err, config.ErrConfig), "got %v", err)
}

func TestTrainCallbacks(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	hp.Epochs = 5
	checkpointDir := filepath.Join(t.TempDir(), "checkpoints")
	net.Callbacks = []config.CallbackSpec{{Type: "model_checkpoint", Dir: checkpointDir}}
	var out bytes.Buffer
	model, history, err := Train(backend, cfg, hp, net,
		WithOutput(&out), WithSummary(false), WithCallbacks(stopAt(2)))
	require.NoError(t, err)
	assert.Equal(t, 2, history.Len())
	assert.True(t, history.StoppedEarly)
	assert.NotContains(t, out.String(), "Epoch 3/5")
	assert.NotContains(t, out.String(), "Total params")

	assert.True(t, hasCheckpoints(checkpointDir))
	_, err = os.Stat(filepath.Join(checkpointDir, MetadataFile))
	require.NoError(t, err)
	loaded, err := LoadModel(backend, checkpointDir)
	require.NoError(t, err)
	assert.Equal(t, model.ClassNames(), loaded.ClassNames())
	assert.Equal(t, model.Metadata().Network, loaded.Metadata().Network)
}

func TestSaveAndLoad(t *testing.T) {
	backend := imagefoldertest.Backend(t)
	cfg, hp, net := testSetup(t, "red", "blue")
	hp.Epochs = 1
	model, _, err := Train(backend, cfg, hp, net, WithOutput(io.Discard), WithSummary(false))
	require.NoError(t, err)
	model.SetRunID("test-run")

	dir := filepath.Join(t.TempDir(), "model")
	require.NoError(t, model.Save(dir))
	// Saving again to the same directory replaces the previous version.
	require.NoError(t, model.Save(dir))

	loaded, err := LoadModel(backend, dir)
	require.NoError(t, err)
	assert.Equal(t, model.Metadata(), loaded.Metadata())
	assert.Equal(t, "test-run", loaded.Metadata().RunID)

	var want, got bytes.Buffer
	_, err = PredictAndShowErrors(backend, model, cfg, &want, nil)
	require.NoError(t, err)
	_, err = PredictAndShowErrors(backend, loaded, cfg, &got, nil)
	require.NoError(t, err)
	assert.Equal(t, want.String(), got.String())

	wantRate, err := Evaluate(backend, model, cfg)
	require.NoError(t, err)
	gotRate, err := Evaluate(backend, loaded, cfg)
	require.NoError(t, err)
	assert.InDelta(t, wantRate, gotRate, 1e-6)

	// A directory holding another model is not overwritten.
	otherDir := filepath.Join(t.TempDir(), "other")
	require.NoError(t, model.Save(otherDir))
	err = loaded.Save(otherDir)
	assert.True(t, errors.Is(err, config.ErrConfig), "got %v", err)

	_, err = LoadModel(backend, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
