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
	"math"

	"github.com/pkg/errors"
)

const convolveRoutine = "arm_convolve_wrapper_s8"

// Conv2DMatch is a decomposed
//
//	[clip] -> qnn.requantize -> [nn.bias_add] -> qnn.conv2d
//
// chain. Clip and BiasAdd are nil when absent.
type Conv2DMatch struct {
	Clip       *Call
	Requantize *Call
	BiasAdd    *Call
	Conv2D     *Call

	Attrs           *Conv2DAttrs
	InputZeroPoint  int32
	OutputZeroPoint int32
	ClipMin         int32
	ClipMax         int32

	InputShape  Shape // NHWC
	FilterShape Shape // OHWI
	OutputShape Shape // NHWC
}

func (*Conv2DMatch) Kind() PatternKind { return PatternConv2D }

// HasBias reports whether the bias-add node was matched.
func (m *Conv2DMatch) HasBias() bool { return m.BiasAdd != nil }

type conv2DLowerer struct{}

func (conv2DLowerer) Kind() PatternKind { return PatternConv2D }

func (conv2DLowerer) Routine() string { return convolveRoutine }

// Decompose accepts the four shapes with and without clip and bias-add.
func (conv2DLowerer) Decompose(root Expr) (FusedMatch, error) {
	m := &Conv2DMatch{ClipMin: math.MinInt8, ClipMax: math.MaxInt8}
	node := root
	if call, ok := root.(*Call); ok && opName(call) == "clip" {
		clip, err := expectCall(root, 1, "clip")
		if err != nil {
			return nil, err
		}
		m.Clip = clip
		node = clip.Args[0]
	}
	requantize, err := expectCall(node, 5, "qnn.requantize")
	if err != nil {
		return nil, err
	}
	m.Requantize = requantize
	node = requantize.Args[0]
	if call, ok := node.(*Call); ok && opName(call) == "nn.bias_add" {
		biasAdd, err := expectCall(node, 2, "nn.bias_add")
		if err != nil {
			return nil, err
		}
		m.BiasAdd = biasAdd
		node = biasAdd.Args[0]
	}
	if m.Conv2D, err = expectCall(node, 6, "qnn.conv2d"); err != nil {
		return nil, err
	}

	attrs, ok := m.Conv2D.Attrs.(*Conv2DAttrs)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "qnn.conv2d carries %T instead of conv2d attributes", m.Conv2D.Attrs)
	}
	if err = checkConv2DAttrs(attrs); err != nil {
		return nil, err
	}
	m.Attrs = attrs

	if m.Clip != nil {
		clipAttrs, ok := m.Clip.Attrs.(*ClipAttrs)
		if !ok {
			return nil, errors.Wrapf(ErrShapeMismatch, "clip carries %T instead of clip attributes", m.Clip.Attrs)
		}
		if m.ClipMin, err = clipBound(clipAttrs.AMin); err != nil {
			return nil, errors.Wrap(err, "clip a_min")
		}
		if m.ClipMax, err = clipBound(clipAttrs.AMax); err != nil {
			return nil, errors.Wrap(err, "clip a_max")
		}
	}

	inputZeroPoint, err := scalarInt32(m.Conv2D, 2)
	if err != nil {
		return nil, errors.Wrap(err, "input zero point")
	}
	m.InputZeroPoint = inputZeroPoint
	if m.OutputZeroPoint, err = scalarInt32(m.Requantize, 4); err != nil {
		return nil, errors.Wrap(err, "output zero point")
	}

	if m.InputShape, err = tensorShape(m.Conv2D.Args[0], 4); err != nil {
		return nil, errors.Wrap(err, "conv2d input")
	}
	if m.FilterShape, err = tensorShape(m.Conv2D.Args[1], 4); err != nil {
		return nil, errors.Wrap(err, "conv2d filter")
	}
	if m.OutputShape, err = tensorShape(m.Conv2D, 4); err != nil {
		return nil, errors.Wrap(err, "conv2d output")
	}
	return m, nil
}

func checkConv2DAttrs(attrs *Conv2DAttrs) error {
	if attrs.DataLayout != "" && attrs.DataLayout != "NHWC" {
		return errors.Wrapf(ErrShapeMismatch, "data layout %s is not NHWC", attrs.DataLayout)
	}
	if attrs.KernelLayout != "" && attrs.KernelLayout != "OHWI" {
		return errors.Wrapf(ErrShapeMismatch, "kernel layout %s is not OHWI", attrs.KernelLayout)
	}
	if attrs.Groups != 1 {
		return errors.Wrapf(ErrShapeMismatch, "grouped convolution (groups=%d) is not supported", attrs.Groups)
	}
	if len(attrs.Strides) != 2 {
		return errors.Wrapf(ErrShapeMismatch, "strides need 2 values, got %v", attrs.Strides)
	}
	if len(attrs.Dilation) != 2 {
		return errors.Wrapf(ErrShapeMismatch, "dilation needs 2 values, got %v", attrs.Dilation)
	}
	if len(attrs.Padding) != 2 && len(attrs.Padding) != 4 {
		return errors.Wrapf(ErrShapeMismatch, "padding needs 2 or 4 values, got %v", attrs.Padding)
	}
	return nil
}

// clipBound converts a clip attribute the way a C float-to-int cast does.
func clipBound(v float64) (int32, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Wrapf(ErrArithmetic, "clip bound %v", v)
	}
	return toInt32(int64(math.Trunc(v)))
}

// conv2DCall is the argument list of arm_convolve_wrapper_s8.
type conv2DCall struct {
	input, filter, multiplier *Handle
	bias                      *Handle // nil without bias-add
	shift, output             *Handle

	context *ScratchBuffer

	inputOffset, outputOffset int32
	strideW, strideH          int32
	paddingW, paddingH        int32
	dilationW, dilationH      int32
	clipMin, clipMax          int32

	inputDims, filterDims, biasDims, outputDims Dims
}

func (c *conv2DCall) routine() string { return convolveRoutine }

func (c *conv2DCall) args() []Arg {
	args := []Arg{c.input, c.filter, c.multiplier}
	if c.bias != nil {
		args = append(args, c.bias)
	}
	args = append(args, c.shift, c.output)
	contextSize := int32(0)
	if c.context != nil {
		contextSize = c.context.Size
	}
	args = append(args, c.context.Ref(), IntImm(contextSize))
	args = append(args,
		IntImm(c.inputOffset), IntImm(c.outputOffset),
		IntImm(c.strideW), IntImm(c.strideH),
		IntImm(c.paddingW), IntImm(c.paddingH),
		IntImm(c.dilationW), IntImm(c.dilationH),
		IntImm(c.clipMin), IntImm(c.clipMax),
	)
	for _, dims := range []Dims{c.inputDims, c.filterDims, c.biasDims, c.outputDims} {
		args = append(args, dims.Args()...)
	}
	return args
}

func (c *conv2DCall) arity() int {
	// tensors + context buffer + scalars + four dims
	n := 5 + 2 + 10 + 16
	if c.bias != nil {
		n++
	}
	return n
}

func (c *conv2DCall) omitted() []string {
	if c.bias == nil {
		return []string{"bias"}
	}
	return nil
}

func (conv2DLowerer) Assemble(ctx *AssemblyContext, match FusedMatch) (*Assembly, error) {
	m, ok := match.(*Conv2DMatch)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d lowerer cannot assemble %T", match)
	}
	inputDims, err := NormalizeDims(m.InputShape)
	if err != nil {
		return nil, errors.Wrap(err, "input dims")
	}
	filterDims, err := NormalizeDims(m.FilterShape)
	if err != nil {
		return nil, errors.Wrap(err, "filter dims")
	}
	outputDims, err := NormalizeDims(m.OutputShape)
	if err != nil {
		return nil, errors.Wrap(err, "output dims")
	}
	contextSize, err := ContextBufferSize(inputDims, filterDims)
	if err != nil {
		return nil, errors.Wrap(err, "context buffer")
	}
	scratch, err := ctx.Scratch.Allocate(contextSize)
	if err != nil {
		return nil, err
	}

	call := &conv2DCall{
		input:        handle8("input"),
		filter:       handle8("filter"),
		multiplier:   handle32("multiplier"),
		shift:        handle32("shift"),
		output:       handle8("output"),
		context:      scratch,
		inputOffset:  -m.InputZeroPoint,
		outputOffset: m.OutputZeroPoint,
		clipMin:      m.ClipMin,
		clipMax:      m.ClipMax,
		inputDims:    inputDims,
		filterDims:   filterDims,
		biasDims:     BiasDims(filterDims),
		outputDims:   outputDims,
	}
	if m.HasBias() {
		call.bias = handle32("bias")
	}
	// Relay orders both pairs as (h, w); the kernel wants (w, h).
	fields := []struct {
		dst    *int32
		values []int64
		index  int
		name   string
	}{
		{&call.strideW, m.Attrs.Strides, 1, "stride"},
		{&call.strideH, m.Attrs.Strides, 0, "stride"},
		{&call.paddingW, m.Attrs.Padding, 1, "padding"},
		{&call.paddingH, m.Attrs.Padding, 0, "padding"},
		{&call.dilationW, m.Attrs.Dilation, 1, "dilation"},
		{&call.dilationH, m.Attrs.Dilation, 0, "dilation"},
	}
	for _, field := range fields {
		if *field.dst, err = toInt32(field.values[field.index]); err != nil {
			return nil, errors.Wrap(err, field.name)
		}
	}

	externCall, err := buildCall(ctx, call)
	if err != nil {
		return nil, err
	}

	// The unit's params follow the order the partitioned function binds them.
	signature := []*Handle{call.input, call.filter, call.multiplier, handle32("filter_scale")}
	if call.bias != nil {
		signature = append(signature, call.bias)
	}
	signature = append(signature, handle32("input_scale"), call.shift, call.output)

	return &Assembly{Signature: signature, Call: externCall, Scratch: scratch}, nil
}

func init() {
	RegisterLowerer("cmsis-nn.qnn_conv2d", conv2DLowerer{})
}
