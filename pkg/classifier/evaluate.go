// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"image"
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/gomlx/imgclassifier/pkg/imagefolder"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluate the model on the test set of cfg (cfg.TestDSPath), loaded in full and in order, and
// returns the error rate, 1 - accuracy, in [0, 1].
//
// The images are loaded with the geometry the model was trained with, and the test set must have the same
// classes as the training set.
func Evaluate(backend backends.Backend, model *Model, cfg *config.Config) (float64, error) {
	test, _, err := imagefolder.LoadTest(backend, model.DatasetConfig(cfg), model.ClassNames(), false)
	if err != nil {
		return 0, err
	}
	loss, accuracy, err := model.EvaluateDataset(test)
	if err != nil {
		return 0, err
	}
	errorRate := min(max(1-accuracy, 0), 1)
	klog.V(1).Infof("Test loss %.4f, accuracy %.4f, error rate %.4f", loss, accuracy, errorRate)
	return errorRate, nil
}

// WrongPrediction is a test example the model got wrong.
type WrongPrediction struct {
	Image image.Image

	// TrueLabel and PredictedLabel are indices into the model class names.
	TrueLabel, PredictedLabel int
}

// MaxDisplayedErrors is the number of wrong predictions passed to the Display: they fill a 3x3 grid.
const MaxDisplayedErrors = 9

// Display shows wrong predictions to the user.
type Display interface {
	// ShowErrors is called with up to MaxDisplayedErrors wrong predictions (possibly none), in test set order.
	ShowErrors(wrong []WrongPrediction, classNames []string) error
}

// PredictAndShowErrors runs the model over every example of the test set of cfg, one at a time and in order.
// For each example it prints to out a line "Label: <true>  | Prediction: <predicted>" with the label indices,
// and at the end the line "Wrong predictions #: <count>".
//
// The first MaxDisplayedErrors wrong predictions are then given to display, if it is not nil.
// It returns all the wrong predictions.
func PredictAndShowErrors(backend backends.Backend, model *Model, cfg *config.Config, out io.Writer,
	display Display) ([]WrongPrediction, error) {
	testCfg := model.DatasetConfig(cfg)
	testCfg.TestBatchSize = 1
	test, _, err := imagefolder.LoadTest(backend, testCfg, model.ClassNames(), false)
	if err != nil {
		return nil, err
	}
	var wrong []WrongPrediction
	for {
		_, inputs, labels, err := test.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessage(err, "reading test set")
		}
		w, err := predictExample(model, inputs[0], labels[0], out)
		if err != nil {
			return nil, err
		}
		if w != nil {
			wrong = append(wrong, *w)
		}
		if err = finalizeYielded(test, inputs, labels); err != nil {
			return nil, err
		}
	}
	test.Reset()
	if _, err = fmt.Fprintf(out, "Wrong predictions #: %d\n", len(wrong)); err != nil {
		return nil, err
	}
	if display != nil {
		if err = display.ShowErrors(wrong[:min(len(wrong), MaxDisplayedErrors)], model.ClassNames()); err != nil {
			return wrong, errors.WithMessage(err, "displaying wrong predictions")
		}
	}
	return wrong, nil
}

// predictExample prints the true and predicted labels of a batch of one example, and returns the
// WrongPrediction if they differ. The image is copied out of the tensor.
func predictExample(model *Model, input, label *tensors.Tensor, out io.Writer) (*WrongPrediction, error) {
	var trueLabel int32
	tensors.MustConstFlatData[int32](label, func(flat []int32) { trueLabel = flat[0] })
	predictions, err := model.Predict(input)
	if err != nil {
		return nil, err
	}
	predicted := predictions[0]
	if _, err = fmt.Fprintf(out, "Label: %d  | Prediction: %d\n", trueLabel, predicted); err != nil {
		return nil, err
	}
	if predicted == trueLabel {
		return nil, nil
	}
	img, err := imagefolder.ToImage(input)
	if err != nil {
		return nil, err
	}
	return &WrongPrediction{Image: img, TrueLabel: int(trueLabel), PredictedLabel: int(predicted)}, nil
}

// finalizeYielded frees the tensors yielded by ds after use, unless ds keeps their ownership.
func finalizeYielded(ds train.Dataset, yielded ...[]*tensors.Tensor) error {
	if owner, ok := ds.(train.DatasetCustomOwnership); ok && !owner.IsOwnershipTransferred() {
		return nil
	}
	for _, slice := range yielded {
		for ii, t := range slice {
			if err := t.FinalizeAll(); err != nil {
				return errors.WithMessagef(err, "finalizing tensor #%d yielded by %q", ii, ds.Name())
			}
		}
	}
	return nil
}
