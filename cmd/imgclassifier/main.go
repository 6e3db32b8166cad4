// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imgclassifier trains an image classifier on a directory of images (one subdirectory per class),
// evaluates it on a test directory and shows the test images it got wrong.
//
// Usage:
//
//	imgclassifier -config run.yaml [flags] train|evaluate|errors
//
// See config.File for the format of the configuration file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imgclassifier/pkg/classifier"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/gomlx/imgclassifier/ui/errorgrid"
	"github.com/gomlx/imgclassifier/ui/report"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig   = flag.String("config", "", "YAML file with the datasets, hyperparameters and network. Required.")
	flagModel    = flag.String("model", "", "Directory where \"train\" saves the model, and \"evaluate\" and \"errors\" load it from. Defaults to the \"output\" of the configuration file.")
	flagGrid     = flag.String("grid", "errors.png", "PNG file where \"errors\" draws the grid of wrong predictions. Not used in a notebook.")
	flagProgress = flag.Bool("progress", true, "Display progress bars while decoding images and training.")
	flagNoColor  = flag.Bool("no_color", false, "Disable colors in the printed tables.")
	flagHistory  = flag.String("history_csv", "", "If set, \"train\" also writes the training history to this CSV file.")
)

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: %s -config <file.yaml> [flags] <command>\n\n", os.Args[0])
	_, _ = fmt.Fprintln(out, "Commands:")
	_, _ = fmt.Fprintln(out, "  train     trains the model, prints the history and saves it to -model")
	_, _ = fmt.Fprintln(out, "  evaluate  prints the error rate of the model on the test set")
	_, _ = fmt.Fprintln(out, "  errors    prints the predictions on the test set and draws the wrong ones")
	_, _ = fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}

func main() {
	ctx := context.New()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	if *flagConfig == "" || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	report.NoColor = *flagNoColor

	file, err := config.Load(*flagConfig)
	if err != nil {
		klog.Fatalf("Failed to load configuration: %+v", err)
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	modelDir := *flagModel
	if modelDir == "" {
		modelDir = file.Output
	}

	backend := backends.MustNew()
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())

	switch cmd := flag.Arg(0); cmd {
	case "train":
		err = trainModel(backend, ctx, file, modelDir)
	case "evaluate":
		err = evaluateModel(backend, file, modelDir)
	case "errors":
		err = showErrors(backend, file, modelDir)
	default:
		klog.Errorf("Unknown command %q", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func trainModel(backend backends.Backend, ctx *context.Context, file *config.File, modelDir string) error {
	runID := uuid.NewString()
	klog.Infof("Training run %s", runID)
	model, history, err := classifier.Train(backend, &file.Config, &file.Hyperparams, &file.Network,
		classifier.WithContext(ctx), classifier.WithProgressBar(*flagProgress))
	if history != nil && history.Len() > 0 {
		header, rows := history.Rows()
		report.Table(os.Stdout, "Training history", header, rows)
		if history.StoppedEarly {
			fmt.Printf("Stopped early after %d epochs.\n", history.Len())
		}
		if *flagHistory != "" {
			if csvErr := writeHistory(history, *flagHistory); csvErr != nil {
				klog.Errorf("Failed to write history: %+v", csvErr)
			}
		}
	}
	if err != nil {
		return err
	}
	model.SetRunID(runID)
	if modelDir == "" {
		klog.Warning("Neither -model nor output are configured, the model is not saved")
		return nil
	}
	if err = model.Save(modelDir); err != nil {
		return err
	}
	fmt.Printf("Model saved to %q\n", modelDir)
	return nil
}

func writeHistory(history *classifier.History, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err = history.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

func loadModel(backend backends.Backend, modelDir string) (*classifier.Model, error) {
	if modelDir == "" {
		return nil, errors.New("no model directory: set -model or the output of the configuration file")
	}
	return classifier.LoadModel(backend, modelDir)
}

func evaluateModel(backend backends.Backend, file *config.File, modelDir string) error {
	model, err := loadModel(backend, modelDir)
	if err != nil {
		return err
	}
	errorRate, err := classifier.Evaluate(backend, model, &file.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Error rate: %.4f\n", errorRate)
	return nil
}

func showErrors(backend backends.Backend, file *config.File, modelDir string) error {
	model, err := loadModel(backend, modelDir)
	if err != nil {
		return err
	}
	display := &errorgrid.Display{Path: *flagGrid, Out: os.Stdout}
	_, err = classifier.PredictAndShowErrors(backend, model, &file.Config, os.Stdout, display)
	return err
}
