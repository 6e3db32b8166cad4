// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefoldertest holds test utilities for packages that read image folders: it creates
// synthetic image directory trees and builds the backend to run the graphs on.
package imagefoldertest

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

// ClassColors used to paint the images of each class, in order. Classes beyond the list reuse colors.
var ClassColors = []color.NRGBA{
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 255, B: 255, A: 255},
}

// CreateFolder creates under root one subdirectory per class, each with numPerClass PNG images of
// height x width pixels, painted with the class color (see ClassColors). Images of the same class are identical.
//
// It returns root.
func CreateFolder(t testing.TB, root string, classes []string, numPerClass, height, width int) string {
	t.Helper()
	for classIdx, className := range classes {
		classDir := filepath.Join(root, className)
		require.NoError(t, os.MkdirAll(classDir, 0755))
		img := imaging.New(width, height, ClassColors[classIdx%len(ClassColors)])
		for ii := range numPerClass {
			path := filepath.Join(classDir, fmt.Sprintf("img_%03d.png", ii))
			require.NoError(t, imaging.Save(img, path))
		}
	}
	return root
}

// Backend returns the backend shared by the tests: XLA on the CPU, installed on first use, unless
// overridden by the GOMLX_BACKEND environment variable.
func Backend(t testing.TB) backends.Backend {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	require.NotNil(t, backend)
	return backend
}
