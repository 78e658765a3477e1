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
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// PatternKind identifies a fused operator shape.
type PatternKind int

const (
	PatternUnknown PatternKind = iota
	PatternConv2D
	PatternSoftmax
	PatternElementwiseAdd
	PatternElementwiseMul
)

func (k PatternKind) String() string {
	switch k {
	case PatternUnknown:
		return "Unknown"
	case PatternConv2D:
		return "Conv2D"
	case PatternSoftmax:
		return "Softmax"
	case PatternElementwiseAdd:
		return "ElementwiseAdd"
	case PatternElementwiseMul:
		return "ElementwiseMul"
	default:
		return fmt.Sprintf("PatternKind(%d)", int(k))
	}
}

// FusedMatch is the result of decomposing one composite body. It lives for
// the lowering of a single call site.
type FusedMatch interface {
	Kind() PatternKind
}

// opName returns the operator name of a call to a primitive, or "".
func opName(call *Call) string {
	if op, ok := call.Op.(*Op); ok {
		return op.Name
	}
	return ""
}

// expectCall checks that e is a call to one of ops with exactly arity operands.
func expectCall(e Expr, arity int, ops ...string) (*Call, error) {
	call, ok := e.(*Call)
	if !ok {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected a call to %s, got %T", strings.Join(ops, " or "), e)
	}
	name := opName(call)
	if !lo.Contains(ops, name) {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected a call to %s, got %q", strings.Join(ops, " or "), name)
	}
	if len(call.Args) != arity {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s takes %d operands, got %d", name, arity, len(call.Args))
	}
	return call, nil
}

// scalarValue evaluates operand i of call as a compile-time scalar.
func scalarValue(call *Call, i int) (float64, error) {
	if i >= len(call.Args) {
		return 0, errors.Wrapf(ErrShapeMismatch, "%s has no operand %d", opName(call), i)
	}
	constant, ok := call.Args[i].(*Constant)
	if !ok {
		return 0, errors.Wrapf(ErrNonConstant, "operand %d of %s is a %T", i, opName(call), call.Args[i])
	}
	if !constant.IsScalar() {
		return 0, errors.Wrapf(ErrNonConstant, "operand %d of %s is not a scalar", i, opName(call))
	}
	return constant.Values[0], nil
}

// scalarInt32 evaluates operand i of call as an int32 scalar.
func scalarInt32(call *Call, i int) (int32, error) {
	v, err := scalarValue(call, i)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, errors.Wrapf(ErrNonConstant, "operand %d of %s: %v is not an int32", i, opName(call), v)
	}
	return int32(v), nil
}

// scalarFloat32 evaluates operand i of call as a float32 scalar.
func scalarFloat32(call *Call, i int) (float32, error) {
	v, err := scalarValue(call, i)
	if err != nil {
		return 0, err
	}
	f := float32(v)
	if math.IsNaN(v) || math.IsInf(float64(f), 0) {
		return 0, errors.Wrapf(ErrArithmetic, "operand %d of %s: %v is not a finite float32", i, opName(call), v)
	}
	return f, nil
}

// tensorShape returns the checked shape of e, optionally requiring a rank.
func tensorShape(e Expr, rank int) (Shape, error) {
	t := e.CheckedType()
	if t == nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "%T has no checked type", e)
	}
	if rank >= 0 && t.Shape.Rank() != rank {
		return nil, errors.Wrapf(ErrShapeMismatch, "expected a rank-%d tensor, got %v", rank, t.Shape)
	}
	return t.Shape, nil
}
