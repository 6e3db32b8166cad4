// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// PrefetchBufferSize is the number of batches read ahead by the training and validation datasets.
var PrefetchBufferSize = 4

// Options for Load.
type Options struct {
	// Height and Width images are resized to.
	Height, Width int

	// ColorMode defines the number of channels of the images.
	ColorMode config.ColorMode

	// BatchSize of the yielded examples. The last batch may be smaller.
	BatchSize int

	// Parallelism is the number of goroutines decoding images. 0 uses all cores and 1 decodes
	// sequentially, which preserves the index order in the cached dataset.
	Parallelism int

	// ShowProgress displays a progress bar on stderr while decoding.
	ShowProgress bool
}

// OptionsFromConfig returns the Options for the images described in cfg, with the given batch size.
func OptionsFromConfig(cfg *config.Config, batchSize int) Options {
	return Options{
		Height:    cfg.Height(),
		Width:     cfg.Width(),
		ColorMode: cfg.ImgColorMode,
		BatchSize: batchSize,
	}
}

// Validate returns a configuration error if the options are invalid.
func (opts *Options) Validate() error {
	if opts.Height <= 0 || opts.Width <= 0 {
		return config.Configf("image size must be positive, got %dx%d", opts.Height, opts.Width)
	}
	if opts.BatchSize <= 0 {
		return config.Configf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.ColorMode.Channels() == 0 {
		return config.Configf("invalid color mode %q", opts.ColorMode)
	}
	return nil
}

// Load decodes every example of index, caches them in memory (in the device of the backend)
// and returns the cached dataset configured to yield batches of opts.BatchSize.
//
// The returned dataset is neither shuffled nor infinite: each pass yields all examples once.
// Use datasets.InMemoryDataset.Copy to iterate it with a different configuration.
func Load(backend backends.Backend, name string, index *Index, opts Options) (*datasets.InMemoryDataset, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if index.NumExamples() == 0 {
		return nil, errors.Wrapf(ErrIO, "dataset %q has no examples", name)
	}
	ds := NewDataset(name, index, opts.Height, opts.Width, opts.ColorMode)
	if opts.ShowProgress {
		bar := progressbar.NewOptions(index.NumExamples(),
			progressbar.OptionSetDescription(fmt.Sprintf("Decoding %s", name)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer func() { _ = bar.Finish() }()
		ds.WithProgressBar(bar)
	}

	var source train.Dataset = ds
	if opts.Parallelism != 1 {
		// Not stopped with Done: once InMemory drains it, its goroutines exit and the finalizer
		// releases the rest.
		source = datasets.CustomParallel(ds).Parallelism(opts.Parallelism).Start()
	}
	mds, err := datasets.InMemory(backend, source, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading images of %q", index.Root)
	}
	mds.BatchSize(opts.BatchSize, false)
	klog.V(1).Infof("Dataset %q: %d examples cached, %s", name, mds.NumExamples(), humanize.Bytes(uint64(mds.Memory())))
	return mds, nil
}

// TrainingData holds the datasets used to fit a model.
type TrainingData struct {
	ClassNames []string

	// Training and Validation are the cached datasets.
	Training, Validation *datasets.InMemoryDataset

	// TrainingDS is the Training data, reshuffled at every epoch and prefetched. This is what is fed to the trainer.
	TrainingDS train.Dataset

	// ValidationDS is the Validation data prefetched.
	ValidationDS train.Dataset
}

// LoadTrainingAndValidation indexes cfg.TrainDSPath, splits it with hp.ValidationSplit and hp.Seed, and
// loads both subsets.
//
// Examples are reshuffled at every epoch, and then batches go through a shuffle buffer of
// hp.ShuffleBuffer elements. Both datasets read ahead PrefetchBufferSize batches.
func LoadTrainingAndValidation(backend backends.Backend, cfg *config.Config, hp *config.Hyperparams, showProgress bool) (*TrainingData, error) {
	index, err := NewIndex(cfg.TrainDSPath)
	if err != nil {
		return nil, err
	}
	trainIndex, validIndex, err := index.Split(hp.ValidationSplit, hp.Seed)
	if err != nil {
		return nil, err
	}
	klog.Infof("Found %d files belonging to %d classes.", index.NumExamples(), index.NumClasses())
	klog.Infof("Using %d files for training.", trainIndex.NumExamples())
	klog.Infof("Using %d files for validation.", validIndex.NumExamples())
	if validIndex.NumExamples() == 0 {
		return nil, config.Configf("validation_split=%g leaves no example for validation out of %d",
			hp.ValidationSplit, index.NumExamples())
	}
	if trainIndex.NumExamples() == 0 {
		return nil, config.Configf("validation_split=%g leaves no example for training out of %d",
			hp.ValidationSplit, index.NumExamples())
	}

	opts := OptionsFromConfig(cfg, hp.BatchSize)
	opts.ShowProgress = showProgress
	td := &TrainingData{ClassNames: index.ClassNames}
	td.Training, err = Load(backend, "training", trainIndex, opts)
	if err != nil {
		return nil, err
	}
	td.Validation, err = Load(backend, "validation", validIndex, opts)
	if err != nil {
		return nil, err
	}
	td.Training.Shuffle().WithRand(rand.New(rand.NewSource(hp.Seed)))
	td.TrainingDS = datasets.ReadAhead(Shuffle(td.Training, hp.ShuffleBuffer, hp.Seed), PrefetchBufferSize)
	td.ValidationDS = datasets.ReadAhead(td.Validation, PrefetchBufferSize)
	return td, nil
}

// LoadTest indexes and loads cfg.TestDSPath in full, in directory order: no split and no shuffling.
//
// If classNames is not empty, the classes found in the directory must match it.
func LoadTest(backend backends.Backend, cfg *config.Config, classNames []string, showProgress bool) (*datasets.InMemoryDataset, []string, error) {
	index, err := NewIndex(cfg.TestDSPath)
	if err != nil {
		return nil, nil, err
	}
	if len(classNames) > 0 {
		if err := index.CheckClassNames(classNames); err != nil {
			return nil, nil, err
		}
	}
	klog.Infof("Found %d files belonging to %d classes.", index.NumExamples(), index.NumClasses())
	batchSize := cfg.TestBatchSize
	if batchSize == 0 {
		batchSize = config.DefaultTestBatchSize
	}
	opts := OptionsFromConfig(cfg, batchSize)
	opts.Parallelism = 1
	opts.ShowProgress = showProgress
	mds, err := Load(backend, "test", index, opts)
	if err != nil {
		return nil, nil, err
	}
	return mds, index.ClassNames, nil
}
