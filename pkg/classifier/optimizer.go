// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// OptimizerKind enumerates the supported optimizers.
type OptimizerKind string

const (
	Adam   OptimizerKind = "adam"
	Adamax OptimizerKind = "adamax"
	SGD    OptimizerKind = "sgd"
)

// OptimizerChoice is the result of SelectOptimizer.
type OptimizerChoice struct {
	Kind         OptimizerKind
	LearningRate float64
}

// SelectOptimizer maps an optimizer name to the optimizer to use with the given learning rate.
//
// Only "adam", "adamax" and "sgd" (exactly, lowercase) are recognized. Any other name, including
// the empty string and names with different casing, selects Adam: it is not an error.
func SelectOptimizer(name string, learningRate float64) OptimizerChoice {
	kind := OptimizerKind(name)
	switch kind {
	case Adam, Adamax, SGD:
	default:
		kind = Adam
	}
	return OptimizerChoice{Kind: kind, LearningRate: learningRate}
}

// Build creates the optimizer. It also sets the optimizers.ParamLearningRate and ParamOptimizer
// hyperparameters in ctx, so they are saved along with the model checkpoints.
func (c OptimizerChoice) Build(ctx *context.Context) optimizers.Interface {
	ctx.SetParam(optimizers.ParamLearningRate, c.LearningRate)
	ctx.SetParam(ParamOptimizer, string(c.Kind))
	switch c.Kind {
	case Adamax:
		return optimizers.Adam().Adamax().LearningRate(c.LearningRate).Done()
	case SGD:
		// Plain SGD, with a constant learning rate.
		return optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(c.LearningRate).Done()
	default:
		return optimizers.Adam().LearningRate(c.LearningRate).Done()
	}
}
