// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/pkg/errors"
)

// LayerConstructor builds a Layer from its descriptor, or returns a configuration error.
type LayerConstructor func(spec config.LayerSpec) (Layer, error)

// KnownLayers maps a descriptor type to its constructor. It can be extended by the user
// before the network descriptors are parsed.
var KnownLayers = map[string]LayerConstructor{
	"rescaling":                newRescalingFromSpec,
	"conv2d":                   newConv2DFromSpec,
	"max_pooling2d":            newMaxPooling2DFromSpec,
	"average_pooling2d":        newAveragePooling2DFromSpec,
	"global_average_pooling2d": func(config.LayerSpec) (Layer, error) { return &GlobalAveragePooling2D{}, nil },
	"flatten":                  func(config.LayerSpec) (Layer, error) { return &Flatten{}, nil },
	"dense":                    newDenseFromSpec,
	"dropout":                  newDropoutFromSpec,
	"activation":               newActivationFromSpec,
	"layer_normalization":      func(config.LayerSpec) (Layer, error) { return &LayerNormalization{}, nil },
	"random_flip":              newRandomFlipFromSpec,
	"random_contrast":          newRandomContrastFromSpec,
	"random_noise":             newRandomNoiseFromSpec,
}

// FromSpec creates the layer described by spec.
func FromSpec(spec config.LayerSpec) (Layer, error) {
	constructor, found := KnownLayers[strings.ToLower(spec.Type)]
	if !found {
		return nil, config.Configf("unknown layer type %q, valid types are %q", spec.Type, xslices.SortedKeys(KnownLayers))
	}
	return constructor(spec)
}

// FromSpecs creates the layers described by specs, in order.
func FromSpecs(specs []config.LayerSpec) ([]Layer, error) {
	layers := make([]Layer, 0, len(specs))
	for ii, spec := range specs {
		l, err := FromSpec(spec)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer #%d", ii)
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// FromNetworkSpec creates the Sequential model described by the network specification, with
// a classification head of numClasses units.
func FromNetworkSpec(spec *config.NetworkSpec, numClasses int) (*Sequential, error) {
	augmentation, err := FromSpecs(spec.DataAugmentation)
	if err != nil {
		return nil, errors.WithMessage(err, "data_augmentation")
	}
	topology, err := FromSpecs(spec.Topology)
	if err != nil {
		return nil, errors.WithMessage(err, "topology")
	}
	return NewSequential(augmentation, topology, numClasses)
}

func parseActivation(name string) (activations.Type, error) {
	if name == "" || name == "linear" {
		return activations.TypeNone, nil
	}
	activation, err := activations.TypeString(strings.ToLower(name))
	if err != nil {
		return activations.TypeNone, config.Configf("unknown activation %q, valid values are %q", name, activations.TypeStrings())
	}
	return activation, nil
}

func newRescalingFromSpec(spec config.LayerSpec) (Layer, error) {
	if spec.Factor == 0 {
		return nil, config.Configf("rescaling requires a non-zero factor")
	}
	return &Rescaling{Scale: spec.Factor}, nil
}

func newConv2DFromSpec(spec config.LayerSpec) (Layer, error) {
	if spec.Filters <= 0 {
		return nil, config.Configf("conv2d requires a positive number of filters, got %d", spec.Filters)
	}
	if spec.KernelSize <= 0 {
		return nil, config.Configf("conv2d requires a positive kernel_size, got %d", spec.KernelSize)
	}
	if spec.Strides < 0 {
		return nil, config.Configf("conv2d strides must be positive, got %d", spec.Strides)
	}
	padding := strings.ToLower(spec.Padding)
	if padding == "" {
		padding = PaddingValid
	}
	if padding != PaddingValid && padding != PaddingSame {
		return nil, config.Configf("conv2d padding must be %q or %q, got %q", PaddingValid, PaddingSame, spec.Padding)
	}
	activation, err := parseActivation(spec.Activation)
	if err != nil {
		return nil, err
	}
	return &Conv2D{
		Filters:    spec.Filters,
		KernelSize: spec.KernelSize,
		Strides:    spec.Strides,
		Padding:    padding,
		Activation: activation,
	}, nil
}

func poolSize(spec config.LayerSpec) (int, error) {
	if spec.PoolSize < 0 {
		return 0, config.Configf("%s pool_size must be positive, got %d", spec.Type, spec.PoolSize)
	}
	if spec.PoolSize == 0 {
		return 2, nil
	}
	return spec.PoolSize, nil
}

func newMaxPooling2DFromSpec(spec config.LayerSpec) (Layer, error) {
	size, err := poolSize(spec)
	if err != nil {
		return nil, err
	}
	return &MaxPooling2D{PoolSize: size}, nil
}

func newAveragePooling2DFromSpec(spec config.LayerSpec) (Layer, error) {
	size, err := poolSize(spec)
	if err != nil {
		return nil, err
	}
	return &AveragePooling2D{PoolSize: size}, nil
}

func newDenseFromSpec(spec config.LayerSpec) (Layer, error) {
	if spec.Units <= 0 {
		return nil, config.Configf("dense requires a positive number of units, got %d", spec.Units)
	}
	activation, err := parseActivation(spec.Activation)
	if err != nil {
		return nil, err
	}
	return &Dense{Units: spec.Units, Activation: activation}, nil
}

func newDropoutFromSpec(spec config.LayerSpec) (Layer, error) {
	if spec.Rate < 0 || spec.Rate >= 1 {
		return nil, config.Configf("dropout rate must be in [0, 1), got %g", spec.Rate)
	}
	return &Dropout{Rate: spec.Rate}, nil
}

func newActivationFromSpec(spec config.LayerSpec) (Layer, error) {
	if spec.Activation == "" {
		return nil, config.Configf("activation layer requires an activation")
	}
	activation, err := parseActivation(spec.Activation)
	if err != nil {
		return nil, err
	}
	return &Activation{Type: activation}, nil
}

func newRandomFlipFromSpec(spec config.LayerSpec) (Layer, error) {
	mode := strings.ToLower(spec.Mode)
	switch mode {
	case "":
		mode = FlipHorizontalAndVertical
	case FlipHorizontal, FlipVertical, FlipHorizontalAndVertical:
	default:
		return nil, config.Configf("random_flip mode must be %q, %q or %q, got %q",
			FlipHorizontal, FlipVertical, FlipHorizontalAndVertical, spec.Mode)
	}
	return &RandomFlip{Mode: mode}, nil
}

func newRandomContrastFromSpec(spec config.LayerSpec) (Layer, error) {
	if spec.Factor < 0 || spec.Factor > 1 {
		return nil, config.Configf("random_contrast factor must be in [0, 1], got %g", spec.Factor)
	}
	return &RandomContrast{Factor: spec.Factor}, nil
}

func newRandomNoiseFromSpec(spec config.LayerSpec) (Layer, error) {
	if spec.Stddev < 0 {
		return nil, config.Configf("random_noise stddev must be positive, got %g", spec.Stddev)
	}
	return &RandomNoise{Stddev: spec.Stddev}, nil
}
