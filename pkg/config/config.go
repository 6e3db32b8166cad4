// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the run configuration of an image classifier: where the
// datasets live and what the images look like (Config), how to train
// (Hyperparams) and what network to train (NetworkSpec).
//
// A run is usually described by one YAML file, see File and Load.
//
// Example:
//
//	config:
//	  train_ds_path: ~/data/flowers/train
//	  test_ds_path: ~/data/flowers/test
//	  img_size: [180, 180]
//	  img_color_mode: rgb
//	hyperparams:
//	  validation_split: 0.2
//	  batch_size: 32
//	  optimizer: adam
//	  learning_rate: 0.001
//	  epochs: 10
//	network:
//	  data_augmentation:
//	    - {type: random_flip, mode: horizontal}
//	  topology:
//	    - {type: conv2d, filters: 16, kernel_size: 3, padding: same, activation: relu}
//	    - {type: max_pooling2d}
//	    - {type: flatten}
//	    - {type: dense, units: 128, activation: relu}
//	  model_fit_callbacks:
//	    - {type: early_stopping, monitor: val_loss, patience: 3}
package config

import (
	"github.com/pkg/errors"
)

// ErrConfig is wrapped by every configuration error returned by this module, so
// callers can test for it with errors.Is.
var ErrConfig = errors.New("configuration error")

// Configf returns a configuration error formatted as with fmt.Sprintf.
func Configf(format string, args ...any) error {
	return errors.Wrapf(ErrConfig, format, args...)
}

// ColorMode of the images fed to the model. It defines the number of channels.
type ColorMode string

const (
	Grayscale ColorMode = "grayscale"
	RGB       ColorMode = "rgb"
	RGBA      ColorMode = "rgba"
)

// Channels returns the number of channels for the color mode, or 0 if the mode is not valid.
func (m ColorMode) Channels() int {
	switch m {
	case Grayscale:
		return 1
	case RGB:
		return 3
	case RGBA:
		return 4
	}
	return 0
}

// Config is the dataset side of a run.
type Config struct {
	// TrainDSPath is the root directory of the training images: one subdirectory per class.
	TrainDSPath string `yaml:"train_ds_path"`

	// TestDSPath is the root directory of the test images, with the same layout as TrainDSPath.
	TestDSPath string `yaml:"test_ds_path"`

	// ImgSize is the target image size as [height, width]. Images are resized to it.
	ImgSize [2]int `yaml:"img_size"`

	// ImgColorMode defaults to RGB.
	ImgColorMode ColorMode `yaml:"img_color_mode"`

	// TestBatchSize used when loading the test set. Defaults to DefaultTestBatchSize.
	TestBatchSize int `yaml:"test_batch_size,omitempty"`
}

// DefaultTestBatchSize is the batch size used to read the test dataset if none is configured.
const DefaultTestBatchSize = 32

// Height of the target image size.
func (c *Config) Height() int { return c.ImgSize[0] }

// Width of the target image size.
func (c *Config) Width() int { return c.ImgSize[1] }

// SetDefaults fills in unset optional values.
func (c *Config) SetDefaults() {
	if c.ImgColorMode == "" {
		c.ImgColorMode = RGB
	}
	if c.TestBatchSize == 0 {
		c.TestBatchSize = DefaultTestBatchSize
	}
}

// Validate returns a configuration error if any of the values is invalid.
// Paths are not checked here: a missing directory is an I/O error reported when loading.
func (c *Config) Validate() error {
	if c.ImgSize[0] <= 0 || c.ImgSize[1] <= 0 {
		return Configf("img_size must be two positive integers, got %v", c.ImgSize)
	}
	if c.ImgColorMode.Channels() == 0 {
		return Configf("img_color_mode %q is invalid, valid values are %q, %q or %q",
			c.ImgColorMode, Grayscale, RGB, RGBA)
	}
	if c.TestBatchSize < 0 {
		return Configf("test_batch_size must be positive, got %d", c.TestBatchSize)
	}
	return nil
}

// Hyperparams of the training.
type Hyperparams struct {
	// ValidationSplit is the fraction of the training directory held out for validation, in (0, 1).
	ValidationSplit float64 `yaml:"validation_split"`

	BatchSize int `yaml:"batch_size"`

	// Optimizer is one of "adam", "adamax" or "sgd". Anything else selects Adam.
	Optimizer string `yaml:"optimizer"`

	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`

	// Seed used to split training and validation. Defaults to DefaultSeed.
	Seed int64 `yaml:"seed,omitempty"`

	// ShuffleBuffer is the size of the buffer used to shuffle the training data. Defaults to DefaultShuffleBuffer.
	ShuffleBuffer int `yaml:"shuffle_buffer,omitempty"`
}

const (
	DefaultSeed          = 123
	DefaultShuffleBuffer = 1000
)

// SetDefaults fills in unset optional values.
func (hp *Hyperparams) SetDefaults() {
	if hp.Seed == 0 {
		hp.Seed = DefaultSeed
	}
	if hp.ShuffleBuffer == 0 {
		hp.ShuffleBuffer = DefaultShuffleBuffer
	}
}

// Validate returns a configuration error if any of the values is invalid.
// The optimizer name is never invalid.
func (hp *Hyperparams) Validate() error {
	if hp.ValidationSplit <= 0 || hp.ValidationSplit >= 1 {
		return Configf("validation_split must be in the open interval (0, 1), got %g", hp.ValidationSplit)
	}
	if hp.BatchSize <= 0 {
		return Configf("batch_size must be positive, got %d", hp.BatchSize)
	}
	if hp.LearningRate <= 0 {
		return Configf("learning_rate must be positive, got %g", hp.LearningRate)
	}
	if hp.Epochs <= 0 {
		return Configf("epochs must be positive, got %d", hp.Epochs)
	}
	if hp.ShuffleBuffer < 0 {
		return Configf("shuffle_buffer must be positive, got %d", hp.ShuffleBuffer)
	}
	return nil
}

// LayerSpec describes one layer of the network. Type selects the layer and the
// other fields are its options; options not used by a type are ignored.
type LayerSpec struct {
	Type string `yaml:"type"`

	Units      int    `yaml:"units,omitempty"`
	Filters    int    `yaml:"filters,omitempty"`
	KernelSize int    `yaml:"kernel_size,omitempty"`
	Strides    int    `yaml:"strides,omitempty"`
	PoolSize   int    `yaml:"pool_size,omitempty"`
	Padding    string `yaml:"padding,omitempty"`
	Activation string `yaml:"activation,omitempty"`

	Rate   float64 `yaml:"rate,omitempty"`
	Mode   string  `yaml:"mode,omitempty"`
	Factor float64 `yaml:"factor,omitempty"`
	Stddev float64 `yaml:"stddev,omitempty"`
}

// CallbackSpec describes a callback invoked at the end of every training epoch.
type CallbackSpec struct {
	// Type is "early_stopping" or "model_checkpoint".
	Type string `yaml:"type"`

	// Monitor is the history quantity watched: "loss", "accuracy", "val_loss" or "val_accuracy".
	Monitor string `yaml:"monitor,omitempty"`

	// Mode is "min", "max" or "auto" (inferred from Monitor).
	Mode string `yaml:"mode,omitempty"`

	// MinDelta is the minimum change of Monitor that counts as an improvement.
	MinDelta float64 `yaml:"min_delta,omitempty"`

	// Patience is the number of epochs without improvement before stopping.
	Patience int `yaml:"patience,omitempty"`

	// Dir where checkpoints are saved.
	Dir string `yaml:"dir,omitempty"`

	// Keep is the number of checkpoints to keep. 0 keeps all of them.
	Keep int `yaml:"keep,omitempty"`

	// SaveBestOnly only saves a checkpoint when Monitor improves.
	SaveBestOnly bool `yaml:"save_best_only,omitempty"`
}

// NetworkSpec describes the network to build and the callbacks used while fitting it.
type NetworkSpec struct {
	// DataAugmentation layers, applied only during training. Can be empty.
	DataAugmentation []LayerSpec `yaml:"data_augmentation,omitempty"`

	// Topology between the pixel rescaling and the classification head. Must not be empty.
	Topology []LayerSpec `yaml:"topology"`

	Callbacks []CallbackSpec `yaml:"model_fit_callbacks,omitempty"`
}

// Validate returns a configuration error if the network has no topology or a descriptor has no type.
func (n *NetworkSpec) Validate() error {
	if len(n.Topology) == 0 {
		return Configf("network topology is empty")
	}
	for ii, l := range n.DataAugmentation {
		if l.Type == "" {
			return Configf("data_augmentation[%d] has no type", ii)
		}
	}
	for ii, l := range n.Topology {
		if l.Type == "" {
			return Configf("topology[%d] has no type", ii)
		}
	}
	for ii, cb := range n.Callbacks {
		if cb.Type == "" {
			return Configf("model_fit_callbacks[%d] has no type", ii)
		}
	}
	return nil
}
