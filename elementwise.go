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

const (
	elementwiseAddRoutine = "arm_elementwise_add_s8"
	elementwiseMulRoutine = "arm_elementwise_mul_s8"
)

// BinaryMatch is a decomposed qnn.add or qnn.mul call:
//
//	op(lhs, rhs, lhs_scale, lhs_zp, rhs_scale, rhs_zp, out_scale, out_zp)
type BinaryMatch struct {
	Call *Call
	kind PatternKind

	Input0Scale     float32
	Input0ZeroPoint int32
	Input1Scale     float32
	Input1ZeroPoint int32
	OutputScale     float32
	OutputZeroPoint int32

	Shape Shape
}

func (m *BinaryMatch) Kind() PatternKind { return m.kind }

func decomposeBinary(root Expr, op string, kind PatternKind) (*BinaryMatch, error) {
	call, err := expectCall(root, 8, op)
	if err != nil {
		return nil, err
	}
	m := &BinaryMatch{Call: call, kind: kind}
	scales := []struct {
		scale *float32
		zp    *int32
		index int
		name  string
	}{
		{&m.Input0Scale, &m.Input0ZeroPoint, 2, "first input"},
		{&m.Input1Scale, &m.Input1ZeroPoint, 4, "second input"},
		{&m.OutputScale, &m.OutputZeroPoint, 6, "output"},
	}
	for _, s := range scales {
		if *s.scale, err = scalarFloat32(call, s.index); err != nil {
			return nil, errors.Wrapf(err, "%s scale", s.name)
		}
		if *s.zp, err = scalarInt32(call, s.index+1); err != nil {
			return nil, errors.Wrapf(err, "%s zero point", s.name)
		}
	}
	if m.Shape, err = tensorShape(call, -1); err != nil {
		return nil, errors.Wrapf(err, "%s output", op)
	}
	return m, nil
}

// binaryOperands are the arguments both elementwise kernels share.
type binaryOperands struct {
	input0, input1, output *Handle
	input0Offset           int32
	input1Offset           int32
	outputOffset           int32
	size                   int32
}

func newBinaryOperands(m *BinaryMatch) (binaryOperands, error) {
	size, err := ElementCount(m.Shape)
	if err != nil {
		return binaryOperands{}, errors.Wrap(err, "block size")
	}
	return binaryOperands{
		input0:       handle8("input_0"),
		input1:       handle8("input_1"),
		output:       handle8("output"),
		input0Offset: -m.Input0ZeroPoint,
		input1Offset: -m.Input1ZeroPoint,
		outputOffset: m.OutputZeroPoint,
		size:         size,
	}, nil
}

func (o *binaryOperands) signature() []*Handle {
	return []*Handle{o.input0, o.input1, o.output}
}

// addCall is the argument list of arm_elementwise_add_s8.
type addCall struct {
	binaryOperands
	params AddParams
}

func (c *addCall) routine() string { return elementwiseAddRoutine }

func (c *addCall) args() []Arg {
	return []Arg{
		c.input0, c.input1,
		IntImm(c.input0Offset), IntImm(c.params.Input0.Multiplier), IntImm(c.params.Input0.Shift),
		IntImm(c.input1Offset), IntImm(c.params.Input1.Multiplier), IntImm(c.params.Input1.Shift),
		IntImm(c.params.LeftShift),
		c.output,
		IntImm(c.outputOffset), IntImm(c.params.Output.Multiplier), IntImm(c.params.Output.Shift),
		IntImm(math.MinInt8), IntImm(math.MaxInt8),
		IntImm(c.size),
	}
}

func (c *addCall) arity() int { return 16 }

func (c *addCall) omitted() []string { return nil }

// mulCall is the argument list of arm_elementwise_mul_s8.
type mulCall struct {
	binaryOperands
	multiplier QuantizedMultiplier
}

func (c *mulCall) routine() string { return elementwiseMulRoutine }

func (c *mulCall) args() []Arg {
	return []Arg{
		c.input0, c.input1,
		IntImm(c.input0Offset), IntImm(c.input1Offset),
		c.output,
		IntImm(c.outputOffset), IntImm(c.multiplier.Multiplier), IntImm(c.multiplier.Shift),
		IntImm(math.MinInt8), IntImm(math.MaxInt8),
		IntImm(c.size),
	}
}

func (c *mulCall) arity() int { return 11 }

func (c *mulCall) omitted() []string { return nil }

type addLowerer struct{}

func (addLowerer) Kind() PatternKind { return PatternElementwiseAdd }

func (addLowerer) Routine() string { return elementwiseAddRoutine }

func (addLowerer) Decompose(root Expr) (FusedMatch, error) {
	return decomposeBinary(root, "qnn.add", PatternElementwiseAdd)
}

func (addLowerer) Assemble(ctx *AssemblyContext, match FusedMatch) (*Assembly, error) {
	m, ok := match.(*BinaryMatch)
	if !ok || m.Kind() != PatternElementwiseAdd {
		return nil, errors.Wrapf(ErrShapeMismatch, "add lowerer cannot assemble %T", match)
	}
	operands, err := newBinaryOperands(m)
	if err != nil {
		return nil, err
	}
	params, err := ComputeAddParams(m.Input0Scale, m.Input1Scale, m.OutputScale)
	if err != nil {
		return nil, err
	}
	call := &addCall{binaryOperands: operands, params: params}
	externCall, err := buildCall(ctx, call)
	if err != nil {
		return nil, err
	}
	return &Assembly{Signature: call.signature(), Call: externCall}, nil
}

type mulLowerer struct{}

func (mulLowerer) Kind() PatternKind { return PatternElementwiseMul }

func (mulLowerer) Routine() string { return elementwiseMulRoutine }

func (mulLowerer) Decompose(root Expr) (FusedMatch, error) {
	return decomposeBinary(root, "qnn.mul", PatternElementwiseMul)
}

func (mulLowerer) Assemble(ctx *AssemblyContext, match FusedMatch) (*Assembly, error) {
	m, ok := match.(*BinaryMatch)
	if !ok || m.Kind() != PatternElementwiseMul {
		return nil, errors.Wrapf(ErrShapeMismatch, "mul lowerer cannot assemble %T", match)
	}
	operands, err := newBinaryOperands(m)
	if err != nil {
		return nil, err
	}
	multiplier, err := ComputeMulMultiplier(m.Input0Scale, m.Input1Scale, m.OutputScale)
	if err != nil {
		return nil, err
	}
	call := &mulCall{binaryOperands: operands, multiplier: multiplier}
	externCall, err := buildCall(ctx, call)
	if err != nil {
		return nil, err
	}
	return &Assembly{Signature: call.signature(), Call: externCall}, nil
}

func init() {
	RegisterLowerer("cmsis-nn.qnn_add", addLowerer{})
	RegisterLowerer("cmsis-nn.qnn_mul", mulLowerer{})
}
