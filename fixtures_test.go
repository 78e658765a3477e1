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
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func tensorOf(dtype DataType, dims ...int64) *TensorType {
	return &TensorType{Shape: append(Shape{}, dims...), DType: dtype}
}

func scalarF32(v float64) *Constant {
	return &Constant{Type: tensorOf(Float32), Values: []float64{v}}
}

func scalarI32(v int64) *Constant {
	return &Constant{Type: tensorOf(Int32), Values: []float64{float64(v)}}
}

func weights(dtype DataType, dims ...int64) *Constant {
	return &Constant{Type: tensorOf(dtype, dims...)}
}

func opCall(op string, t *TensorType, attrs any, args ...Expr) *Call {
	return &Call{Op: &Op{Name: op}, Args: args, Attrs: attrs, Type: t}
}

type convFixture struct {
	bias        bool
	clip        *ClipAttrs
	input       Shape
	filter      Shape
	output      Shape
	strides     []int64
	padding     []int64
	inputZP     int64
	outputZP    int64
	layoutCheck bool
}

func defaultConv() convFixture {
	return convFixture{
		input:    Shape{1, 8, 8, 3},
		filter:   Shape{16, 3, 3, 3},
		output:   Shape{1, 6, 6, 16},
		strides:  []int64{1, 2},
		padding:  []int64{1, 2, 1, 2},
		inputZP:  2,
		outputZP: -1,
	}
}

// body builds [clip] -> qnn.requantize -> [nn.bias_add] -> qnn.conv2d over x.
func (f convFixture) body(x Expr) Expr {
	attrs := &Conv2DAttrs{
		Strides:  f.strides,
		Padding:  f.padding,
		Dilation: []int64{1, 1},
		Groups:   1,
	}
	if f.layoutCheck {
		attrs.DataLayout, attrs.KernelLayout = "NHWC", "OHWI"
	}
	accType := tensorOf(Int32, f.output...)
	var e Expr = opCall("qnn.conv2d", accType, attrs,
		x, weights(Int8, f.filter...), scalarI32(f.inputZP), scalarI32(0), scalarF32(0.5), scalarF32(0.25))
	if f.bias {
		e = opCall("nn.bias_add", accType, &BiasAddAttrs{Axis: 3}, e, weights(Int32, f.filter[0]))
	}
	outType := tensorOf(Int8, f.output...)
	e = opCall("qnn.requantize", outType, nil,
		e, weights(Float32, f.filter[0]), scalarI32(0), scalarF32(0.125), scalarI32(f.outputZP))
	if f.clip != nil {
		e = opCall("clip", outType, f.clip, e)
	}
	return e
}

func softmaxBody(x Expr, scale float64, shape ...int64) Expr {
	dequantized := opCall("qnn.dequantize", tensorOf(Float32, shape...), nil, x, scalarF32(scale), scalarI32(-128))
	softmax := opCall("nn.softmax", tensorOf(Float32, shape...), nil, dequantized)
	return opCall("qnn.quantize", tensorOf(Int8, shape...), nil, softmax, scalarF32(1.0/256), scalarI32(-128))
}

type binaryFixture struct {
	op         string
	s0, s1, so float64
	z0, z1, zo int64
	shape      Shape
}

func (f binaryFixture) body(a, b Expr) Expr {
	return opCall(f.op, tensorOf(Int8, f.shape...), nil,
		a, b,
		scalarF32(f.s0), scalarI32(f.z0),
		scalarF32(f.s1), scalarI32(f.z1),
		scalarF32(f.so), scalarI32(f.zo))
}

// region wraps a composite body the way graph partitioning does: an outer
// function owned by the target whose body calls the composite function.
func region(symbol, composite string, build func(params []*Var) Expr, types ...*TensorType) *Function {
	inner := lo.Map(types, func(t *TensorType, i int) *Var {
		return &Var{Name: lo.Ternary(i == 0, "x", "y"), Type: t}
	})
	outer := lo.Map(types, func(t *TensorType, i int) *Var {
		return &Var{Name: lo.Ternary(i == 0, "a", "b"), Type: t}
	})
	body := build(inner)
	fn := &Function{
		Params:  inner,
		Body:    body,
		RetType: body.CheckedType(),
		Attrs:   FuncAttrs{Composite: composite},
	}
	args := lo.Map(outer, func(v *Var, _ int) Expr { return v })
	return &Function{
		Params:  outer,
		Body:    &Call{Op: fn, Args: args, Type: body.CheckedType()},
		RetType: body.CheckedType(),
		Attrs:   FuncAttrs{Compiler: "cmsis-nn", GlobalSymbol: symbol},
	}
}

func callRegion(fn *Function, line int, args ...Expr) *Call {
	return &Call{Op: fn, Args: args, Type: fn.RetType, Span: Span{Source: "graph.yaml", Line: line}}
}

func moduleOf(t *testing.T, params []*Var, body Expr) *Module {
	mod := NewModule()
	require.NoError(t, mod.Add("main", &Function{Params: params, Body: body, RetType: body.CheckedType()}))
	return mod
}

func argStrings(call *ExternCall) []string {
	return lo.Map(call.Args, func(arg Arg, _ int) string {
		return arg.String()
	})
}

func testContext(t *testing.T) *AssemblyContext {
	abi, err := LoadKernelABI()
	require.NoError(t, err)
	return &AssemblyContext{Scratch: NewScratchAllocator("context_buffer_"), ABI: abi}
}

func cmsisTarget(t *testing.T) *Target {
	target, err := GetTarget("cmsis-nn")
	require.NoError(t, err)
	return target
}
