// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Rescaling multiplies its input by Scale and adds Offset.
type Rescaling struct {
	Scale, Offset float64
}

// NewRescaling returns the rescaling of pixel values from [0, 255] to [0, 1] used by every model.
func NewRescaling() *Rescaling {
	return &Rescaling{Scale: 1.0 / 255.0}
}

func (l *Rescaling) Name() string { return "rescaling" }

func (l *Rescaling) Apply(_ *context.Context, x *Node) *Node {
	x = MulScalar(x, l.Scale)
	if l.Offset != 0 {
		x = AddScalar(x, l.Offset)
	}
	return x
}

// Padding of convolutions: "same" keeps the spatial dimensions, "valid" (the default) uses no padding.
const (
	PaddingValid = "valid"
	PaddingSame  = "same"
)

// Conv2D is a 2D convolution over images shaped [batch, height, width, channels], with bias,
// followed by an optional activation.
type Conv2D struct {
	Filters    int
	KernelSize int

	// Strides defaults to 1.
	Strides int

	// Padding is PaddingValid or PaddingSame.
	Padding string

	Activation activations.Type
}

func (l *Conv2D) Name() string { return "conv2d" }

func (l *Conv2D) Apply(ctx *context.Context, x *Node) *Node {
	conv := layers.Convolution(ctx, x).Channels(l.Filters).KernelSize(l.KernelSize)
	if l.Strides > 1 {
		conv = conv.Strides(l.Strides)
	}
	if l.Padding == PaddingSame {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	return activations.Apply(l.Activation, conv.Done())
}

// MaxPooling2D takes the maximum over windows of PoolSize x PoolSize, with strides of the same size.
type MaxPooling2D struct {
	PoolSize int
}

func (l *MaxPooling2D) Name() string { return "max_pooling2d" }

func (l *MaxPooling2D) Apply(_ *context.Context, x *Node) *Node {
	return MaxPool(x).Window(l.PoolSize).NoPadding().Done()
}

// AveragePooling2D takes the mean over windows of PoolSize x PoolSize, with strides of the same size.
type AveragePooling2D struct {
	PoolSize int
}

func (l *AveragePooling2D) Name() string { return "average_pooling2d" }

func (l *AveragePooling2D) Apply(_ *context.Context, x *Node) *Node {
	return MeanPool(x).Window(l.PoolSize).NoPadding().Done()
}

// GlobalAveragePooling2D averages the spatial axes, [batch, height, width, channels] -> [batch, channels].
type GlobalAveragePooling2D struct{}

func (l *GlobalAveragePooling2D) Name() string { return "global_average_pooling2d" }

func (l *GlobalAveragePooling2D) Apply(_ *context.Context, x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("global_average_pooling2d requires input shaped [batch, height, width, channels], got %s", x.Shape())
	}
	return ReduceMean(x, 1, 2)
}

// Flatten reshapes its input to [batch, -1].
type Flatten struct{}

func (l *Flatten) Name() string { return "flatten" }

func (l *Flatten) Apply(_ *context.Context, x *Node) *Node {
	if x.Rank() <= 2 {
		return x
	}
	return Reshape(x, x.Shape().Dimensions[0], -1)
}

// Dense is a fully connected layer (with bias) over the last axis, followed by an optional activation.
type Dense struct {
	Units      int
	Activation activations.Type
}

func (l *Dense) Name() string { return "dense" }

func (l *Dense) Apply(ctx *context.Context, x *Node) *Node {
	return activations.Apply(l.Activation, layers.Dense(ctx, x, true, l.Units))
}

// Dropout zeroes each value with probability Rate while training, scaling the others
// so the mean is preserved. It does nothing during inference.
type Dropout struct {
	Rate float64
}

func (l *Dropout) Name() string { return "dropout" }

func (l *Dropout) Apply(ctx *context.Context, x *Node) *Node {
	return layers.DropoutStatic(ctx, x, l.Rate)
}

// Activation applies an activation function.
type Activation struct {
	Type activations.Type
}

func (l *Activation) Name() string { return "activation" }

func (l *Activation) Apply(_ *context.Context, x *Node) *Node {
	return activations.Apply(l.Type, x)
}

// LayerNormalization normalizes the values of each example over the non-batch axes, with learned gain and offset.
type LayerNormalization struct{}

func (l *LayerNormalization) Name() string { return "layer_normalization" }

func (l *LayerNormalization) Apply(ctx *context.Context, x *Node) *Node {
	axes := make([]int, 0, x.Rank()-1)
	for axis := 1; axis < x.Rank(); axis++ {
		axes = append(axes, axis)
	}
	return layers.LayerNormalization(ctx, x, axes...).Done()
}
