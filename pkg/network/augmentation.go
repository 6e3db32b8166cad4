// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Augmentation layers only change their input while training: during evaluation and
// inference they return it unchanged. They operate on images shaped [batch, height, width, channels]
// with values in [0, 255], since they are applied before the rescaling.

// Flip modes of RandomFlip.
const (
	FlipHorizontal            = "horizontal"
	FlipVertical              = "vertical"
	FlipHorizontalAndVertical = "horizontal_and_vertical"
)

// RandomFlip flips each image, with probability 0.5 for each enabled direction.
type RandomFlip struct {
	// Mode is one of FlipHorizontal, FlipVertical or FlipHorizontalAndVertical.
	Mode string
}

func (l *RandomFlip) Name() string { return "random_flip" }

func (l *RandomFlip) Apply(ctx *context.Context, x *Node) *Node {
	if !ctx.IsTraining(x.Graph()) {
		return x
	}
	if l.Mode == FlipHorizontal || l.Mode == FlipHorizontalAndVertical {
		x = randomlyReverse(ctx, x, 2)
	}
	if l.Mode == FlipVertical || l.Mode == FlipHorizontalAndVertical {
		x = randomlyReverse(ctx, x, 1)
	}
	return x
}

// perExampleUniform returns uniform random values in [0, 1), one per example, shaped [batch, 1, 1, 1].
func perExampleUniform(ctx *context.Context, x *Node) *Node {
	batchSize := x.Shape().Dimensions[0]
	values := ctx.RandomUniform(x.Graph(), shapes.Make(x.DType(), batchSize))
	return Reshape(values, batchSize, 1, 1, 1)
}

// randomlyReverse reverses each example of x along axis with probability 0.5.
func randomlyReverse(ctx *context.Context, x *Node, axis int) *Node {
	g := x.Graph()
	coin := LessThan(perExampleUniform(ctx, x), Scalar(g, x.DType(), 0.5))
	coin = BroadcastToDims(coin, x.Shape().Dimensions...)
	return Where(coin, reverseAxis(x, axis), x)
}

// reverseAxis reverses the order of the elements of x along axis.
//
// It gathers with a descending index instead of using Reverse, which not every backend implements.
func reverseAxis(x *Node, axis int) *Node {
	g := x.Graph()
	dim := x.Shape().Dimensions[axis]
	// Swapping axis and 0 is its own inverse.
	permutation := make([]int, x.Rank())
	for ii := range permutation {
		permutation[ii] = ii
	}
	permutation[0], permutation[axis] = axis, 0
	x = TransposeAllAxes(x, permutation...)
	indices := AddScalar(Neg(Iota(g, shapes.Make(dtypes.Int32, dim, 1), 0)), dim-1)
	x = Gather(x, indices)
	return TransposeAllAxes(x, permutation...)
}

// RandomContrast scales the deviation of each pixel from the per-image, per-channel mean by a
// random factor drawn uniformly from [1-Factor, 1+Factor]. Results are clipped to [0, 255].
type RandomContrast struct {
	Factor float64
}

func (l *RandomContrast) Name() string { return "random_contrast" }

func (l *RandomContrast) Apply(ctx *context.Context, x *Node) *Node {
	if !ctx.IsTraining(x.Graph()) || l.Factor == 0 {
		return x
	}
	dims := x.Shape().Dimensions
	contrast := AddScalar(MulScalar(perExampleUniform(ctx, x), 2*l.Factor), 1-l.Factor)
	mean := Reshape(ReduceMean(x, 1, 2), dims[0], 1, 1, dims[3])
	x = Add(Mul(Sub(x, mean), contrast), mean)
	return ClipScalar(x, 0, 255)
}

// RandomNoise adds gaussian noise with standard deviation Stddev, in pixel units.
type RandomNoise struct {
	Stddev float64
}

func (l *RandomNoise) Name() string { return "random_noise" }

func (l *RandomNoise) Apply(ctx *context.Context, x *Node) *Node {
	if !ctx.IsTraining(x.Graph()) || l.Stddev == 0 {
		return x
	}
	noise := MulScalar(ctx.RandomNormal(x.Graph(), x.Shape()), l.Stddev)
	return Add(x, noise)
}
