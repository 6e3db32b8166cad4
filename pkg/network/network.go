// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network builds image classification models as a strict sequence of layers:
//
//	[data augmentation] -> Rescaling(1/255) -> topology -> Dense(numClasses)
//
// The output of the model are the logits (unnormalized scores) for each class.
//
// Layers can be created directly (see Conv2D, Dense, etc.) or from configuration
// descriptors with FromSpec.
package network

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/imgclassifier/pkg/config"
)

// ModelScope is the context scope under which all the model variables are created.
const ModelScope = "model"

// Layer is one stage of a Sequential model.
type Layer interface {
	// Name of the layer type, used to name its context scope.
	Name() string

	// Apply the layer to x. Variables should be created in ctx, which is already scoped for the layer.
	Apply(ctx *context.Context, x *Node) *Node
}

// Sequential is a linear composition of layers, see package documentation.
type Sequential struct {
	augmentation []Layer
	topology     []Layer
	numClasses   int

	mu           sync.Mutex
	inputShape   shapes.Shape
	outputShapes []shapes.Shape
}

// NewSequential creates the model pipeline with the given augmentation layers (can be empty),
// the topology (must not be empty) and a classification head of numClasses units.
//
// It returns a configuration error if topology is empty or numClasses < 1.
func NewSequential(augmentation, topology []Layer, numClasses int) (*Sequential, error) {
	if len(topology) == 0 {
		return nil, config.Configf("network topology is empty")
	}
	if numClasses < 1 {
		return nil, config.Configf("number of classes must be at least 1, got %d", numClasses)
	}
	return &Sequential{
		augmentation: augmentation,
		topology:     topology,
		numClasses:   numClasses,
	}, nil
}

// NumClasses is the number of units of the classification head.
func (s *Sequential) NumClasses() int { return s.numClasses }

// Layers returns the full pipeline, in order: augmentation, rescaling, topology and the classification head.
func (s *Sequential) Layers() []Layer {
	all := make([]Layer, 0, len(s.augmentation)+len(s.topology)+2)
	all = append(all, s.augmentation...)
	all = append(all, NewRescaling())
	all = append(all, s.topology...)
	all = append(all, &Dense{Units: s.numClasses})
	return all
}

// layerScope returns the context scope name for the layer in position idx.
func layerScope(idx int, l Layer) string {
	return fmt.Sprintf("%03d_%s", idx, l.Name())
}

// Logits applies all layers to the batch of images, shaped [batch, height, width, channels] with
// values from 0 to 255, and returns the logits shaped [batch, numClasses].
func (s *Sequential) Logits(ctx *context.Context, images *Node) *Node {
	ctx = ctx.In(ModelScope)
	x := images
	if !x.DType().IsFloat() {
		x = ConvertDType(x, dtypes.Float32)
	}
	layers := s.Layers()
	outputShapes := make([]shapes.Shape, 0, len(layers))
	for idx, l := range layers {
		x = l.Apply(ctx.In(layerScope(idx, l)), x)
		outputShapes = append(outputShapes, x.Shape())
	}
	s.mu.Lock()
	s.inputShape = images.Shape()
	s.outputShapes = outputShapes
	s.mu.Unlock()
	if x.Rank() != 2 {
		exceptions.Panicf("model output has shape %s, but logits must be shaped [batch, %d]: "+
			"the topology must end with a flatten layer or a global pooling", x.Shape(), s.numClasses)
	}
	return x
}

// ModelGraph implements train.ModelFn: inputs[0] are the images, and it returns the logits.
func (s *Sequential) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	return []*Node{s.Logits(ctx, inputs[0])}
}

// OutputShapes returns the output shape of each layer (see Layers) recorded the last time the
// model graph was built, or nil if it was never built.
func (s *Sequential) OutputShapes() []shapes.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputShapes
}

// InputShape returns the shape of the images the model graph was last built with.
func (s *Sequential) InputShape() shapes.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputShape
}
