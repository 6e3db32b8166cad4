// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// LayerSummary describes one layer of a built model.
type LayerSummary struct {
	// Scope is the context scope of the layer variables, e.g. "003_conv2d".
	Scope string

	// Type is the Layer.Name.
	Type string

	// OutputShape of the layer, the first axis is the batch size the graph was built with.
	OutputShape shapes.Shape

	// Params is the total number of values of the layer variables; Trainable of those are trainable.
	Params, Trainable int
}

// ModelSummary is the equivalent of Keras' model.summary().
type ModelSummary struct {
	Layers []LayerSummary

	// InputShape of the images the graph was built with.
	InputShape shapes.Shape

	// TotalParams and TrainableParams summed over all layers.
	TotalParams, TrainableParams int
}

// Summary lists the layers of seq with their output shapes and number of parameters.
//
// The model must have been built at least once with ctx (e.g. one training step or one prediction),
// since that is when the variables are created and the shapes are known.
func Summary(ctx *context.Context, seq *Sequential) (*ModelSummary, error) {
	outputShapes := seq.OutputShapes()
	layers := seq.Layers()
	if len(outputShapes) != len(layers) {
		return nil, errors.New("model graph was never built, can't summarize it")
	}
	summary := &ModelSummary{
		Layers:     make([]LayerSummary, 0, len(layers)),
		InputShape: seq.InputShape(),
	}
	modelCtx := ctx.In(ModelScope)
	for idx, l := range layers {
		ls := LayerSummary{
			Scope:       layerScope(idx, l),
			Type:        l.Name(),
			OutputShape: outputShapes[idx],
		}
		for v := range modelCtx.In(ls.Scope).IterVariablesInScope() {
			size := v.Shape().Size()
			ls.Params += size
			if v.Trainable {
				ls.Trainable += size
			}
		}
		summary.TotalParams += ls.Params
		summary.TrainableParams += ls.Trainable
		summary.Layers = append(summary.Layers, ls)
	}
	return summary, nil
}
