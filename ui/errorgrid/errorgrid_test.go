// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errorgrid

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/imgclassifier/pkg/classifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wrongPredictions(n int) []classifier.WrongPrediction {
	wrong := make([]classifier.WrongPrediction, n)
	for ii := range wrong {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		for y := range 4 {
			for x := range 4 {
				img.Set(x, y, color.RGBA{R: uint8(ii * 20), G: 128, B: 255, A: 255})
			}
		}
		wrong[ii] = classifier.WrongPrediction{Image: img, TrueLabel: ii % 2, PredictedLabel: (ii + 1) % 2}
	}
	return wrong
}

func TestNew(t *testing.T) {
	classNames := []string{"cats", "dogs"}
	for _, n := range []int{1, 4, 9, 12} {
		g, err := New(wrongPredictions(n), classNames)
		require.NoError(t, err)
		assert.Len(t, g.Plots, min(n, Rows*Cols), "with %d wrong predictions", n)
	}

	g, err := New(wrongPredictions(2), classNames)
	require.NoError(t, err)
	assert.Equal(t, "dogs / cats", g.Plots[0].Title.Text)
	assert.Equal(t, "cats / dogs", g.Plots[1].Title.Text)

	_, err = New([]classifier.WrongPrediction{{TrueLabel: 0, PredictedLabel: 1}}, classNames)
	assert.Error(t, err)
}

func TestTitle(t *testing.T) {
	classNames := []string{"a", "b", "c"}
	assert.Equal(t, "c / a", Title(classifier.WrongPrediction{TrueLabel: 0, PredictedLabel: 2}, classNames))
	assert.Equal(t, "#7 / b", Title(classifier.WrongPrediction{TrueLabel: 1, PredictedLabel: 7}, classNames))
}

func TestWritePNG(t *testing.T) {
	g, err := New(wrongPredictions(5), []string{"cats", "dogs"})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, g.WritePNG(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	bounds := img.Bounds()
	assert.Greater(t, bounds.Dx(), 0)
	assert.Equal(t, bounds.Dx(), bounds.Dy())
}

func TestDisplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "errors.png")
	var out bytes.Buffer
	d := &Display{Path: path, Out: &out}

	// No wrong predictions: nothing is drawn.
	require.NoError(t, d.ShowErrors(nil, []string{"cats", "dogs"}))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, out.String())

	require.NoError(t, d.ShowErrors(wrongPredictions(3), []string{"cats", "dogs"}))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	_, err = png.Decode(f)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "errors.png")
}
