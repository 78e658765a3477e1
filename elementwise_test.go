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

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func binaryInputs(shape ...int64) (*Var, *Var) {
	return &Var{Name: "x", Type: tensorOf(Int8, shape...)}, &Var{Name: "y", Type: tensorOf(Int8, shape...)}
}

func TestMulLowerer(t *testing.T) {
	x, y := binaryInputs(1, 16, 16, 3)
	f := binaryFixture{op: "qnn.mul", s0: 0.5, s1: 0.25, so: 0.125, z0: 3, z1: -4, zo: 7, shape: Shape{1, 16, 16, 3}}
	match, err := mulLowerer{}.Decompose(f.body(x, y))
	require.NoError(t, err)
	m := match.(*BinaryMatch)
	assert.Equal(t, PatternElementwiseMul, m.Kind())
	assert.Equal(t, float32(0.25), m.Input1Scale)
	assert.Equal(t, int32(-4), m.Input1ZeroPoint)

	asm, err := mulLowerer{}.Assemble(testContext(t), m)
	require.NoError(t, err)
	assert.Equal(t, "arm_elementwise_mul_s8", asm.Call.Routine)
	assert.Equal(t, []string{
		"input_0", "input_1", "-3", "4",
		"output", "7", "1073741824", "1",
		"-128", "127", "768",
	}, argStrings(asm.Call))
	assert.Equal(t, []*Handle{{Name: "input_0", Bits: 8}, {Name: "input_1", Bits: 8}, {Name: "output", Bits: 8}}, asm.Signature)
	assert.Nil(t, asm.Scratch)
}

func TestAddLowerer(t *testing.T) {
	x, y := binaryInputs(2, 5)
	f := binaryFixture{op: "qnn.add", s0: 0.5, s1: 0.25, so: 0.125, z0: 1, z1: 2, zo: -3, shape: Shape{2, 5}}
	match, err := addLowerer{}.Decompose(f.body(x, y))
	require.NoError(t, err)
	assert.Equal(t, PatternElementwiseAdd, match.Kind())

	asm, err := addLowerer{}.Assemble(testContext(t), match)
	require.NoError(t, err)
	assert.Equal(t, "arm_elementwise_add_s8", asm.Call.Routine)
	assert.Equal(t, []string{
		"input_0", "input_1",
		"-1", "1073741824", "0",
		"-2", "1073741824", "-1",
		"20",
		"output",
		"-3", "1073741824", "-16",
		"-128", "127",
		"10",
	}, argStrings(asm.Call))
	assert.Len(t, asm.Signature, 3)
}

func TestAddLowerer_Broadcast(t *testing.T) {
	x := &Var{Name: "x", Type: tensorOf(Int8, 1, 1, 1, 1)}
	y := &Var{Name: "y", Type: tensorOf(Int8, 1, 4, 4, 3)}
	f := binaryFixture{op: "qnn.add", s0: 0.5, s1: 0.25, so: 0.125, shape: Shape{1, 4, 4, 3}}
	match, err := addLowerer{}.Decompose(f.body(x, y))
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 4, 4, 3}, match.(*BinaryMatch).Shape)

	asm, err := addLowerer{}.Assemble(testContext(t), match)
	require.NoError(t, err)
	args := argStrings(asm.Call)
	assert.Equal(t, "48", args[len(args)-1])

	// the block size only needs the call's own type
	untyped := &Var{Name: "x"}
	match, err = mulLowerer{}.Decompose(binaryFixture{op: "qnn.mul", s0: 0.5, s1: 0.5, so: 0.5, shape: Shape{2, 5}}.body(untyped, y))
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 5}, match.(*BinaryMatch).Shape)
}

func TestBinaryLowerer_Errors(t *testing.T) {
	x, y := binaryInputs(4)
	f := binaryFixture{op: "qnn.add", s0: 0.5, s1: 0.5, so: 0.5, shape: Shape{4}}

	t.Run("seven operands", func(t *testing.T) {
		root := f.body(x, y).(*Call)
		root.Args = root.Args[:7]
		_, err := addLowerer{}.Decompose(root)
		assert.True(t, errors.Is(err, ErrShapeMismatch), "%v", err)
	})
	t.Run("wrong operator", func(t *testing.T) {
		_, err := mulLowerer{}.Decompose(f.body(x, y))
		assert.True(t, errors.Is(err, ErrShapeMismatch), "%v", err)
	})
	t.Run("runtime zero point", func(t *testing.T) {
		root := f.body(x, y).(*Call)
		root.Args[7] = &Var{Name: "zp", Type: tensorOf(Int32)}
		_, err := addLowerer{}.Decompose(root)
		assert.True(t, errors.Is(err, ErrNonConstant), "%v", err)
	})
	t.Run("infinite scale", func(t *testing.T) {
		root := f.body(x, y).(*Call)
		root.Args[2] = &Constant{Type: tensorOf(Float32), Values: []float64{1e300}}
		_, err := addLowerer{}.Decompose(root)
		assert.True(t, errors.Is(err, ErrArithmetic), "%v", err)
	})
	t.Run("mismatched assemble", func(t *testing.T) {
		match, err := addLowerer{}.Decompose(f.body(x, y))
		require.NoError(t, err)
		_, err = mulLowerer{}.Assemble(testContext(t), match)
		assert.True(t, errors.Is(err, ErrShapeMismatch), "%v", err)
	})
}
