// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder loads labeled images from a directory tree where every immediate
// subdirectory of the root is a class, and each class directory holds the images of that class.
//
// Class indices are assigned by sorted subdirectory name, so the same tree always yields
// the same labels.
//
// The images are decoded, resized and cached in memory as GoMLX tensors, and served
// as train.Dataset objects that can be fed to a train.Trainer.
package imagefolder

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/imgclassifier/pkg/config"
	"github.com/pkg/errors"
)

// ErrIO is wrapped by errors of missing, empty or unreadable dataset directories.
var ErrIO = errors.New("dataset I/O error")

// ImageExtensions recognized as image files, lower case.
var ImageExtensions = []string{".bmp", ".gif", ".jpeg", ".jpg", ".png", ".tif", ".tiff"}

// Example is one image file and its class index.
type Example struct {
	Path  string
	Label int32
}

// Index of the images of a directory tree, or of a subset of it.
type Index struct {
	// Root directory that was indexed.
	Root string

	// ClassNames sorted, the index in this slice is the label.
	ClassNames []string

	Examples []Example
}

// NewIndex lists the classes and images under root.
//
// It returns an error wrapping ErrIO if root doesn't exist, is not a directory, has no class
// subdirectories or no images at all.
func NewIndex(root string) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "dataset directory %q: %v", root, err)
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(ErrIO, "dataset path %q is not a directory", root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to list %q: %v", root, err)
	}
	idx := &Index{Root: root}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			idx.ClassNames = append(idx.ClassNames, entry.Name())
		}
	}
	if len(idx.ClassNames) == 0 {
		return nil, errors.Wrapf(ErrIO, "no class subdirectories found in %q", root)
	}
	slices.Sort(idx.ClassNames)

	for label, className := range idx.ClassNames {
		classDir := filepath.Join(root, className)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "failed to list %q: %v", classDir, err)
		}
		// os.ReadDir returns entries sorted by file name.
		for _, file := range files {
			if file.IsDir() || !IsImageFile(file.Name()) {
				continue
			}
			idx.Examples = append(idx.Examples, Example{
				Path:  filepath.Join(classDir, file.Name()),
				Label: int32(label),
			})
		}
	}
	if len(idx.Examples) == 0 {
		return nil, errors.Wrapf(ErrIO, "no images found under %q (%d classes)", root, len(idx.ClassNames))
	}
	return idx, nil
}

// IsImageFile returns whether the file name has one of the ImageExtensions.
func IsImageFile(name string) bool {
	return slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(name)))
}

// NumExamples in the index.
func (idx *Index) NumExamples() int { return len(idx.Examples) }

// NumClasses in the index. Subsets keep all the classes of the original index.
func (idx *Index) NumClasses() int { return len(idx.ClassNames) }

// subset returns an Index with the same root and classes, and the given examples.
func (idx *Index) subset(examples []Example) *Index {
	return &Index{
		Root:       idx.Root,
		ClassNames: idx.ClassNames,
		Examples:   examples,
	}
}

// Split the examples into a training and a validation subset.
//
// The examples are first shuffled with a random number generator seeded with seed, then the
// last int(fraction*n) examples are taken for validation and the remaining for training.
// The same seed always yields the same partition, and the subsets are disjoint.
//
// fraction must be in the open interval (0, 1).
func (idx *Index) Split(fraction float64, seed int64) (training, validation *Index, err error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, config.Configf("validation split must be in the open interval (0, 1), got %g", fraction)
	}
	examples := slices.Clone(idx.Examples)
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})
	numValidation := int(fraction * float64(len(examples)))
	numTraining := len(examples) - numValidation
	training = idx.subset(examples[:numTraining:numTraining])
	validation = idx.subset(examples[numTraining:])
	return training, validation, nil
}

// ClassCounts returns the number of examples per class.
func (idx *Index) ClassCounts() []int {
	counts := make([]int, len(idx.ClassNames))
	for _, ex := range idx.Examples {
		counts[ex.Label]++
	}
	return counts
}

// CheckClassNames returns a configuration error if the classes of the index don't match the given
// classNames, which are usually the ones a model was trained with.
func (idx *Index) CheckClassNames(classNames []string) error {
	if !slices.Equal(idx.ClassNames, classNames) {
		return config.Configf("classes found in %q (%q) don't match the model classes (%q)",
			idx.Root, idx.ClassNames, classNames)
	}
	return nil
}
