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
	"github.com/pkg/errors"
)

const softmaxRoutine = "arm_softmax_s8"

// SoftmaxMatch is a decomposed qnn.quantize(nn.softmax(qnn.dequantize(x))) chain.
type SoftmaxMatch struct {
	Quantize   *Call
	Softmax    *Call
	Dequantize *Call

	InputScale float32
	Shape      Shape
}

func (*SoftmaxMatch) Kind() PatternKind { return PatternSoftmax }

type softmaxLowerer struct{}

func (softmaxLowerer) Kind() PatternKind { return PatternSoftmax }

func (softmaxLowerer) Routine() string { return softmaxRoutine }

func (softmaxLowerer) Decompose(root Expr) (FusedMatch, error) {
	var (
		m   SoftmaxMatch
		err error
	)
	if m.Quantize, err = expectCall(root, 3, "qnn.quantize"); err != nil {
		return nil, err
	}
	if m.Softmax, err = expectCall(m.Quantize.Args[0], 1, "nn.softmax"); err != nil {
		return nil, err
	}
	if m.Dequantize, err = expectCall(m.Softmax.Args[0], 3, "qnn.dequantize"); err != nil {
		return nil, err
	}
	if m.InputScale, err = scalarFloat32(m.Dequantize, 1); err != nil {
		return nil, errors.Wrap(err, "softmax input scale")
	}
	if m.Shape, err = tensorShape(m.Quantize, -1); err != nil {
		return nil, errors.Wrap(err, "softmax output")
	}
	return &m, nil
}

// softmaxCall is the argument list of arm_softmax_s8.
type softmaxCall struct {
	input, output    *Handle
	numRows, rowSize int32
	params           SoftmaxParams
}

func (c *softmaxCall) routine() string { return softmaxRoutine }

func (c *softmaxCall) args() []Arg {
	return []Arg{
		c.input,
		IntImm(c.numRows), IntImm(c.rowSize),
		IntImm(c.params.Multiplier), IntImm(c.params.Shift), IntImm(c.params.DiffMin),
		c.output,
	}
}

func (c *softmaxCall) arity() int { return 7 }

func (c *softmaxCall) omitted() []string { return nil }

func (softmaxLowerer) Assemble(ctx *AssemblyContext, match FusedMatch) (*Assembly, error) {
	m, ok := match.(*SoftmaxMatch)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "softmax lowerer cannot assemble %T", match)
	}
	numRows, rowSize, err := RowLayout(m.Shape)
	if err != nil {
		return nil, err
	}
	params, err := ComputeSoftmaxParams(m.InputScale)
	if err != nil {
		return nil, err
	}
	call := &softmaxCall{
		input:   handle8("input"),
		output:  handle8("output"),
		numRows: numRows,
		rowSize: rowSize,
		params:  params,
	}
	externCall, err := buildCall(ctx, call)
	if err != nil {
		return nil, err
	}
	return &Assembly{
		Signature: []*Handle{call.input, call.output},
		Call:      externCall,
	}, nil
}

func init() {
	RegisterLowerer("cmsis-nn.qnn_softmax", softmaxLowerer{})
}
