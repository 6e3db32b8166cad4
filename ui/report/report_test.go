// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/imgclassifier/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatShape(t *testing.T) {
	assert.Equal(t, "(None, 6, 6, 4)", FormatShape(shapes.Make(dtypes.Float32, 1, 6, 6, 4)))
	assert.Equal(t, "(None, 3)", FormatShape(shapes.Make(dtypes.Float32, 32, 3)))
	assert.Equal(t, "(None,)", FormatShape(shapes.Make(dtypes.Int32, 8)))
	assert.Equal(t, "?", FormatShape(shapes.Shape{}))
}

func TestSummary(t *testing.T) {
	summary := &network.ModelSummary{
		InputShape: shapes.Make(dtypes.Float32, 1, 8, 8, 3),
		Layers: []network.LayerSummary{
			{Scope: "000_conv2d", Type: "conv2d", OutputShape: shapes.Make(dtypes.Float32, 1, 6, 6, 4), Params: 112, Trainable: 112},
			{Scope: "001_flatten", Type: "flatten", OutputShape: shapes.Make(dtypes.Float32, 1, 144)},
			{Scope: "002_dense", Type: "dense", OutputShape: shapes.Make(dtypes.Float32, 1, 10), Params: 1450, Trainable: 1450},
		},
		TotalParams:     1562,
		TrainableParams: 1562,
	}
	var buf bytes.Buffer
	Summary(&buf, summary)
	got := buf.String()
	for _, want := range []string{
		"Layer (type)", "Output Shape", "Param #",
		"000_conv2d (conv2d)", "(None, 6, 6, 4)", "112",
		"002_dense (dense)", "(None, 10)", "1,450",
		"Total params: 1,562", "Trainable params: 1,562", "Non-trainable params: 0",
	} {
		assert.Contains(t, got, want)
	}
	// Layers are listed in order.
	assert.Less(t, strings.Index(got, "000_conv2d"), strings.Index(got, "001_flatten"))
	assert.Less(t, strings.Index(got, "001_flatten"), strings.Index(got, "002_dense"))
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	Table(&buf, "History", []string{"epoch", "loss"}, [][]string{{"1", "0.6931"}, {"2", "0.5000"}})
	got := buf.String()
	require.NotEmpty(t, got)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(got), "History"))
	for _, want := range []string{"epoch", "loss", "0.6931", "0.5000"} {
		assert.Contains(t, got, want)
	}
	// No escape sequences when writing to a buffer.
	assert.NotContains(t, got, "\x1b[")
}
