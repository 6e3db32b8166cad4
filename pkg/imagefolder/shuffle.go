// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

type shuffleElement struct {
	spec           any
	inputs, labels []*tensors.Tensor
}

func (e *shuffleElement) finalizeAll() {
	for _, t := range e.inputs {
		t.MustFinalizeAll()
	}
	for _, t := range e.labels {
		t.MustFinalizeAll()
	}
}

// ShuffleDataset shuffles the elements yielded by another dataset using a buffer of bounded size:
// each Yield picks a random element of the buffer and replaces it with the next element of the
// source. With a buffer as large as the source, it is a uniform shuffle.
//
// It is safe for concurrent use.
type ShuffleDataset struct {
	ds         train.Dataset
	bufferSize int

	mu     sync.Mutex
	rng    *rand.Rand
	buffer []shuffleElement
	eof    bool
}

// Shuffle returns a dataset that shuffles the elements of ds with a buffer of bufferSize elements.
// The order changes at every pass (after every Reset), deterministically for a given seed.
//
// If bufferSize <= 1 there is nothing to shuffle and ds is returned.
func Shuffle(ds train.Dataset, bufferSize int, seed int64) train.Dataset {
	if bufferSize <= 1 {
		return ds
	}
	return &ShuffleDataset{
		ds:         ds,
		bufferSize: bufferSize,
		rng:        rand.New(rand.NewPCG(uint64(seed), 0x5eed)),
		buffer:     make([]shuffleElement, 0, min(bufferSize, 1024)),
	}
}

// Name implements train.Dataset.
func (ds *ShuffleDataset) Name() string { return ds.ds.Name() }

// ShortName implements train.HasShortName.
func (ds *ShuffleDataset) ShortName() string {
	if sn, ok := ds.ds.(train.HasShortName); ok {
		return sn.ShortName()
	}
	name := ds.ds.Name()
	return name[:min(3, len(name))]
}

// lockedFill reads from the source until the buffer is full or the source is exhausted.
func (ds *ShuffleDataset) lockedFill() error {
	for !ds.eof && len(ds.buffer) < ds.bufferSize {
		spec, inputs, labels, err := ds.ds.Yield()
		if err == io.EOF {
			ds.eof = true
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "shuffle dataset %q", ds.Name())
		}
		ds.buffer = append(ds.buffer, shuffleElement{spec: spec, inputs: inputs, labels: labels})
	}
	return nil
}

// Yield implements train.Dataset.
func (ds *ShuffleDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if err = ds.lockedFill(); err != nil {
		return
	}
	if len(ds.buffer) == 0 {
		err = io.EOF
		return
	}
	idx := ds.rng.IntN(len(ds.buffer))
	e := ds.buffer[idx]
	last := len(ds.buffer) - 1
	ds.buffer[idx] = ds.buffer[last]
	ds.buffer[last] = shuffleElement{}
	ds.buffer = ds.buffer[:last]
	return e.spec, e.inputs, e.labels, nil
}

// Reset implements train.Dataset. Elements still in the buffer are freed.
func (ds *ShuffleDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for ii := range ds.buffer {
		ds.buffer[ii].finalizeAll()
	}
	ds.buffer = ds.buffer[:0]
	ds.eof = false
	ds.ds.Reset()
}
