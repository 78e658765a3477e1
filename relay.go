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
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// DataType names the element type of a tensor.
type DataType string

const (
	Int8    DataType = "int8"
	Int16   DataType = "int16"
	Int32   DataType = "int32"
	Float32 DataType = "float32"
)

// Shape is a static tensor shape.
type Shape []int64

// Rank returns the number of axes.
func (s Shape) Rank() int {
	return len(s)
}

// Size returns the product of all dimensions. A rank-0 shape has size 1.
func (s Shape) Size() int64 {
	return lo.Reduce(s, func(agg int64, dim int64, _ int) int64 {
		return agg * dim
	}, int64(1))
}

func (s Shape) String() string {
	dims := lo.Map(s, func(dim int64, _ int) string {
		return fmt.Sprint(dim)
	})
	return "(" + strings.Join(dims, ", ") + ")"
}

// TensorType is the checked type of an expression.
type TensorType struct {
	Shape Shape
	DType DataType
}

func (t *TensorType) String() string {
	if t == nil {
		return "<untyped>"
	}
	return fmt.Sprintf("Tensor[%v, %s]", t.Shape, t.DType)
}

// Span locates an expression in its source graph.
type Span struct {
	Source string
	Line   int
	Column int
}

func (s Span) String() string {
	if s.Source == "" && s.Line == 0 {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", s.Source, s.Line, s.Column)
}

// Expr is a node of the program's expression tree. Nodes are immutable once built.
type Expr interface {
	CheckedType() *TensorType
	exprNode()
}

// Callee is anything that can appear in the operator position of a Call.
type Callee interface {
	calleeNode()
}

// Var is a function parameter reference.
type Var struct {
	Name string
	Type *TensorType
}

// Constant is a compile-time tensor. Scalars carry exactly one value; weight
// tensors may carry a shape without values.
type Constant struct {
	Type   *TensorType
	Values []float64
}

// Call applies an operator, a function or a global to its arguments.
type Call struct {
	Op    Callee
	Args  []Expr
	Attrs any
	Type  *TensorType
	Span  Span
}

// Tuple groups several expressions.
type Tuple struct {
	Fields []Expr
	Type   *TensorType
}

// Op is a primitive operator such as "qnn.conv2d".
type Op struct {
	Name string
}

// GlobalVar names a module-level function.
type GlobalVar struct {
	Name string
	Type *TensorType
}

// FuncAttrs are the function-level annotations set by graph partitioning.
type FuncAttrs struct {
	// Compiler is the external codegen that owns the function ("cmsis-nn").
	Compiler string
	// Composite is the fused pattern name ("cmsis-nn.qnn_conv2d").
	Composite string
	// GlobalSymbol is the symbol the lowered function is registered under.
	GlobalSymbol string
}

// Function is a high-level function whose body is an expression tree.
type Function struct {
	Params  []*Var
	Body    Expr
	RetType *TensorType
	Attrs   FuncAttrs
	Span    Span
}

func (v *Var) CheckedType() *TensorType      { return v.Type }
func (c *Constant) CheckedType() *TensorType { return c.Type }
func (c *Call) CheckedType() *TensorType     { return c.Type }
func (t *Tuple) CheckedType() *TensorType    { return t.Type }
func (f *Function) CheckedType() *TensorType { return f.RetType }

func (*Var) exprNode()      {}
func (*Constant) exprNode() {}
func (*Call) exprNode()     {}
func (*Tuple) exprNode()    {}
func (*Function) exprNode() {}

func (*Op) calleeNode()        {}
func (*GlobalVar) calleeNode() {}
func (*Function) calleeNode()  {}

// IsScalar reports whether c holds exactly one compile-time value.
func (c *Constant) IsScalar() bool {
	return len(c.Values) == 1 && (c.Type == nil || c.Type.Shape.Size() == 1)
}

// Conv2DAttrs are the static attributes of qnn.conv2d.
type Conv2DAttrs struct {
	Strides      []int64
	Padding      []int64
	Dilation     []int64
	Groups       int64
	DataLayout   string
	KernelLayout string
}

// ClipAttrs are the static attributes of clip.
type ClipAttrs struct {
	AMin float64
	AMax float64
}

// BiasAddAttrs are the static attributes of nn.bias_add.
type BiasAddAttrs struct {
	Axis int64
}

// BaseFunc is a module-level definition: a *Function or an emitted *PrimFunc.
type BaseFunc interface {
	baseFunc()
}

func (*Function) baseFunc() {}
func (*PrimFunc) baseFunc() {}

// Module is the program-wide symbol table. Definitions keep insertion order.
type Module struct {
	names []string
	funcs map[string]BaseFunc
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{funcs: map[string]BaseFunc{}}
}

// Add registers fn under name. Names are unique within a module.
func (m *Module) Add(name string, fn BaseFunc) error {
	if _, ok := m.funcs[name]; ok {
		return errors.Errorf("global symbol %q is already defined", name)
	}
	m.names = append(m.names, name)
	m.funcs[name] = fn
	return nil
}

// Update replaces the definition of an existing name.
func (m *Module) Update(name string, fn BaseFunc) error {
	if _, ok := m.funcs[name]; !ok {
		return errors.Errorf("global symbol %q is not defined", name)
	}
	m.funcs[name] = fn
	return nil
}

// Lookup returns the definition registered under name.
func (m *Module) Lookup(name string) (BaseFunc, bool) {
	fn, ok := m.funcs[name]
	return fn, ok
}

// Names returns the registered names in insertion order.
func (m *Module) Names() []string {
	return append([]string(nil), m.names...)
}

// PrimFuncs returns the emitted callable units in insertion order.
func (m *Module) PrimFuncs() []*PrimFunc {
	var funcs []*PrimFunc
	for _, name := range m.names {
		if fn, ok := m.funcs[name].(*PrimFunc); ok {
			funcs = append(funcs, fn)
		}
	}
	return funcs
}

// Clone returns a module sharing the (immutable) definitions of m.
func (m *Module) Clone() *Module {
	clone := &Module{
		names: append([]string(nil), m.names...),
		funcs: make(map[string]BaseFunc, len(m.funcs)),
	}
	for name, fn := range m.funcs {
		clone.funcs[name] = fn
	}
	return clone
}
