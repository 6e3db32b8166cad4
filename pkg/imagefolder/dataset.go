// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	"io"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ReadImage decodes the image file in path and resizes it to width x height.
//
// The aspect ratio is not preserved, and EXIF orientation is applied.
func ReadImage(path string, height, width int) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to decode image %q: %v", path, err)
	}
	if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
		img = imaging.Resize(img, width, height, imaging.Linear)
	}
	return img, nil
}

// ToTensor converts the image to a float32 tensor shaped [height, width, channels], with
// values from 0 to 255. The number of channels is given by the color mode.
func ToTensor(img image.Image, mode config.ColorMode) *tensors.Tensor {
	switch mode {
	case config.RGB:
		return images.ToTensor(dtypes.Float32).MaxValue(255).Single(img)
	case config.RGBA:
		return images.ToTensor(dtypes.Float32).WithAlpha().MaxValue(255).Single(img)
	}
	gray := imaging.Grayscale(img)
	size := gray.Bounds().Size()
	t := tensors.FromShape(shapes.Make(dtypes.Float32, size.Y, size.X, 1))
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		// imaging.Grayscale keeps the luminance replicated in R, G and B.
		for y := 0; y < size.Y; y++ {
			row := gray.Pix[y*gray.Stride:]
			for x := 0; x < size.X; x++ {
				flat[y*size.X+x] = float32(row[x*4])
			}
		}
	})
	return t
}

// ToImage converts a tensor shaped [height, width, channels] (or [1, height, width, channels]) with values
// from 0 to 255 back to an image. Grayscale tensors (1 channel) are converted to *image.Gray.
func ToImage(t *tensors.Tensor) (image.Image, error) {
	dims := t.Shape().Dimensions
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 3 {
		return nil, errors.Errorf("image tensor must be shaped [height, width, channels], got %s", t.Shape())
	}
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("image tensor must be float32, got %s", t.DType())
	}
	height, width, channels := dims[0], dims[1], dims[2]
	switch channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, width, height))
		tensors.MustConstFlatData[float32](t, func(flat []float32) {
			for ii, v := range flat {
				img.Pix[ii] = clampToUint8(v)
			}
		})
		return img, nil
	case 3, 4:
		if t.Rank() == 4 {
			return images.ToImage().MaxValue(255).Batch(t)[0], nil
		}
		return images.ToImage().MaxValue(255).Single(t), nil
	}
	return nil, errors.Errorf("image tensor with %d channels not supported", channels)
}

func clampToUint8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// Dataset implements train.Dataset over the images of an Index. It yields one example
// at a time, in index order, each consists of:
//
//   - inputs: the image as a float32 tensor shaped [height, width, channels], values from 0 to 255.
//   - labels: an int32 tensor shaped [1] with the class index.
//
// It is safe for concurrent use, so it can be parallelized with datasets.Parallel.
// To batch, cache and shuffle it, see Load.
type Dataset struct {
	name          string
	index         *Index
	height, width int
	colorMode     config.ColorMode
	bar           *progressbar.ProgressBar

	mu   sync.Mutex
	next int
}

// NewDataset returns a Dataset of the examples in index, resized to height x width and
// converted to the given color mode.
func NewDataset(name string, index *Index, height, width int, colorMode config.ColorMode) *Dataset {
	return &Dataset{
		name:      name,
		index:     index,
		height:    height,
		width:     width,
		colorMode: colorMode,
	}
}

// WithProgressBar makes the dataset advance bar for every image decoded.
func (ds *Dataset) WithProgressBar(bar *progressbar.ProgressBar) *Dataset {
	ds.bar = bar
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Index returns the index the dataset reads from.
func (ds *Dataset) Index() *Index { return ds.index }

// nextIndex returns the next index and increments it, or -1 if the dataset is exhausted.
func (ds *Dataset) nextIndex() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.index.Examples) {
		return -1
	}
	idx := ds.next
	ds.next++
	return idx
}

// Yield implements train.Dataset. The spec returned is the Dataset itself.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec = ds
	idx := ds.nextIndex()
	if idx < 0 {
		err = io.EOF
		return
	}
	example := ds.index.Examples[idx]
	img, err := ReadImage(example.Path, ds.height, ds.width)
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{ToTensor(img, ds.colorMode)}
	labels = []*tensors.Tensor{tensors.FromValue([]int32{example.Label})}
	if ds.bar != nil {
		_ = ds.bar.Add(1)
	}
	return
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
}
