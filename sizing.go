// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// int16Size is sizeof(int16_t), the element type of the im2col buffer.
const int16Size = 2

// workspaceScope is the storage scope of scratch buffers.
const workspaceScope = "global.workspace"

// Dims is a cmsis_nn_dims descriptor flattened to four scalar arguments:
// (n, h, w, c) for activations and (o, h, w, i) for filters.
type Dims [4]int32

// Args returns the descriptor as four call arguments in order.
func (d Dims) Args() []Arg {
	return lo.Map(d[:], func(v int32, _ int) Arg {
		return IntImm(v)
	})
}

// NormalizeDims materializes a rank-4 shape as four 32-bit dimensions.
func NormalizeDims(shape Shape) (Dims, error) {
	if shape.Rank() != 4 {
		return Dims{}, errors.Wrapf(ErrShapeMismatch, "only rank-4 shapes are supported, got %v", shape)
	}
	var dims Dims
	for i, dim := range shape {
		v, err := toInt32(dim)
		if err != nil {
			return Dims{}, errors.Wrapf(err, "dimension %d of %v", i, shape)
		}
		dims[i] = v
	}
	return dims, nil
}

// BiasDims synthesizes the (1, 1, 1, output_channels) descriptor the kernel
// expects for a bias, whatever the bias tensor's own layout.
func BiasDims(filter Dims) Dims {
	return Dims{1, 1, 1, filter[0]}
}

// ContextBufferSize is the im2col buffer arm_convolve_s8 needs:
// 2 * input_channels * filter_height * filter_width * sizeof(int16_t).
// The formula is pinned to the kernel library; filter is OHWI.
func ContextBufferSize(input, filter Dims) (int32, error) {
	size := int64(2) * int64(input[3]) * int64(filter[2]) * int64(filter[1]) * int16Size
	return toInt32(size)
}

// RowLayout views a tensor as a batch of rows along its trailing axis.
func RowLayout(shape Shape) (numRows, rowSize int32, err error) {
	if shape.Rank() == 0 {
		return 0, 0, errors.Wrap(ErrShapeMismatch, "softmax needs at least one axis")
	}
	trailing := shape.Rank() - 1
	if rowSize, err = toInt32(shape[trailing]); err != nil {
		return 0, 0, errors.Wrap(err, "row size")
	}
	if numRows, err = toInt32(Shape(shape[:trailing]).Size()); err != nil {
		return 0, 0, errors.Wrap(err, "row count")
	}
	return numRows, rowSize, nil
}

// ElementCount is the total number of elements of shape as a 32-bit scalar.
func ElementCount(shape Shape) (int32, error) {
	return toInt32(shape.Size())
}

func toInt32(v int64) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, errors.Wrapf(ErrArithmetic, "%d does not fit in 32 bits", v)
	}
	return int32(v), nil
}

// ScratchAllocator names scratch buffers uniquely across one lowering pass.
type ScratchAllocator struct {
	prefix string
	next   int
}

// NewScratchAllocator returns an allocator naming buffers prefix0, prefix1, ...
func NewScratchAllocator(prefix string) *ScratchAllocator {
	return &ScratchAllocator{prefix: prefix}
}

// Allocate returns a new buffer of size bytes, or nil when size is zero.
// Names are only consumed by non-empty buffers.
func (a *ScratchAllocator) Allocate(size int32) (*ScratchBuffer, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrArithmetic, "negative scratch buffer size %d", size)
	}
	if size == 0 {
		return nil, nil
	}
	buf := &ScratchBuffer{
		Name:  fmt.Sprintf("%s%d", a.prefix, a.next),
		Size:  size,
		Scope: workspaceScope,
	}
	a.next++
	return buf, nil
}
