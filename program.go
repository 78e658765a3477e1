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
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const defaultTarget = "cmsis-nn"

var dataTypes = []DataType{Int8, Int16, Int32, Float32}

// Program is a partitioned graph read from a YAML file.
type Program struct {
	Target string
	Module *Module
}

type graphFile struct {
	Target string     `yaml:"target"`
	Main   *graphFunc `yaml:"main"`
}

type graphTensorType struct {
	Shape []int64 `yaml:"shape"`
	DType string  `yaml:"dtype"`
}

type graphParam struct {
	Name            string `yaml:"name"`
	graphTensorType `yaml:",inline"`
}

type graphFunc struct {
	Compiler     string       `yaml:"compiler"`
	GlobalSymbol string       `yaml:"global_symbol"`
	Composite    string       `yaml:"composite"`
	Params       []graphParam `yaml:"params"`
	Body         *graphExpr   `yaml:"body"`
}

type graphExpr struct {
	Var         string           `yaml:"var"`
	Const       *float64         `yaml:"const"`
	DType       string           `yaml:"dtype"`
	ConstTensor *graphTensorType `yaml:"const_tensor"`
	Op          string           `yaml:"op"`
	Function    *graphFunc       `yaml:"function"`
	Args        []*graphExpr     `yaml:"args"`
	Fields      []*graphExpr     `yaml:"tuple"`
	Type        *graphTensorType `yaml:"type"`
	Attrs       yaml.Node        `yaml:"attrs"`

	line, column int
}

func (g *graphExpr) UnmarshalYAML(node *yaml.Node) error {
	type plain graphExpr
	if err := node.Decode((*plain)(g)); err != nil {
		return err
	}
	g.line, g.column = node.Line, node.Column
	return nil
}

type conv2DAttrsYAML struct {
	Strides      []int64 `yaml:"strides"`
	Padding      []int64 `yaml:"padding"`
	Dilation     []int64 `yaml:"dilation"`
	Groups       int64   `yaml:"groups"`
	DataLayout   string  `yaml:"data_layout"`
	KernelLayout string  `yaml:"kernel_layout"`
}

type clipAttrsYAML struct {
	AMin float64 `yaml:"a_min"`
	AMax float64 `yaml:"a_max"`
}

type biasAddAttrsYAML struct {
	Axis int64 `yaml:"axis"`
}

// LoadProgram reads a partitioned graph from path.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProgram(path, data)
}

// ParseProgram decodes a partitioned graph. Spans refer to source.
func ParseProgram(source string, data []byte) (*Program, error) {
	var file graphFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %v", source)
	}
	if file.Main == nil {
		return nil, errors.Errorf("%v: missing main function", source)
	}
	b := &programBuilder{source: source}
	entry, err := b.function(file.Main)
	if err != nil {
		return nil, err
	}
	mod := NewModule()
	if err = mod.Add(entryFunction, entry); err != nil {
		return nil, err
	}
	return &Program{Target: lo.Ternary(file.Target == "", defaultTarget, file.Target), Module: mod}, nil
}

type programBuilder struct {
	source string
}

func (b *programBuilder) span(g *graphExpr) Span {
	return Span{Source: b.source, Line: g.line, Column: g.column}
}

func (b *programBuilder) tensorType(t *graphTensorType) (*TensorType, error) {
	if t == nil {
		return nil, nil
	}
	dtype := DataType(t.DType)
	if !lo.Contains(dataTypes, dtype) {
		return nil, errors.Errorf("unsupported dtype %q", t.DType)
	}
	return &TensorType{Shape: Shape(append([]int64{}, t.Shape...)), DType: dtype}, nil
}

func (b *programBuilder) params(params []graphParam) ([]*Var, map[string]*Var, error) {
	vars := make([]*Var, 0, len(params))
	scope := make(map[string]*Var, len(params))
	for _, param := range params {
		if _, ok := scope[param.Name]; ok {
			return nil, nil, errors.Errorf("duplicate parameter %q", param.Name)
		}
		t, err := b.tensorType(&param.graphTensorType)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parameter %s", param.Name)
		}
		v := &Var{Name: param.Name, Type: t}
		vars = append(vars, v)
		scope[param.Name] = v
	}
	return vars, scope, nil
}

// function builds f. A function tagged with both a compiler and a composite
// is split into the partitioned region calling the composite function.
func (b *programBuilder) function(f *graphFunc) (*Function, error) {
	if f.Body == nil {
		return nil, errors.Errorf("%v: function %q has no body", b.source, f.GlobalSymbol)
	}
	params, scope, err := b.params(f.Params)
	if err != nil {
		return nil, err
	}
	if f.Compiler != "" && f.Composite != "" {
		innerParams, innerScope, err := b.params(f.Params)
		if err != nil {
			return nil, err
		}
		body, err := b.expr(f.Body, innerScope)
		if err != nil {
			return nil, err
		}
		inner := &Function{
			Params:  innerParams,
			Body:    body,
			RetType: body.CheckedType(),
			Attrs:   FuncAttrs{Composite: f.Composite},
			Span:    b.span(f.Body),
		}
		args := lo.Map(params, func(v *Var, _ int) Expr { return v })
		return &Function{
			Params:  params,
			Body:    &Call{Op: inner, Args: args, Type: inner.RetType, Span: inner.Span},
			RetType: inner.RetType,
			Attrs:   FuncAttrs{Compiler: f.Compiler, GlobalSymbol: f.GlobalSymbol},
			Span:    inner.Span,
		}, nil
	}
	body, err := b.expr(f.Body, scope)
	if err != nil {
		return nil, err
	}
	return &Function{
		Params:  params,
		Body:    body,
		RetType: body.CheckedType(),
		Attrs:   FuncAttrs{Compiler: f.Compiler, Composite: f.Composite, GlobalSymbol: f.GlobalSymbol},
		Span:    b.span(f.Body),
	}, nil
}

func (b *programBuilder) exprs(gs []*graphExpr, scope map[string]*Var) ([]Expr, error) {
	exprs := make([]Expr, 0, len(gs))
	for _, g := range gs {
		e, err := b.expr(g, scope)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

func (b *programBuilder) expr(g *graphExpr, scope map[string]*Var) (Expr, error) {
	if g == nil {
		return nil, errors.Errorf("%v: empty expression", b.source)
	}
	span := b.span(g)
	switch {
	case g.Var != "":
		v, ok := scope[g.Var]
		if !ok {
			return nil, errors.Errorf("%v: undefined variable %q", span, g.Var)
		}
		return v, nil
	case g.Const != nil:
		dtype := lo.Ternary(g.DType == "", string(Float32), g.DType)
		t, err := b.tensorType(&graphTensorType{Shape: []int64{}, DType: dtype})
		if err != nil {
			return nil, errors.Wrapf(err, "%v", span)
		}
		return &Constant{Type: t, Values: []float64{*g.Const}}, nil
	case g.ConstTensor != nil:
		t, err := b.tensorType(g.ConstTensor)
		if err != nil {
			return nil, errors.Wrapf(err, "%v", span)
		}
		return &Constant{Type: t}, nil
	case g.Fields != nil:
		fields, err := b.exprs(g.Fields, scope)
		if err != nil {
			return nil, err
		}
		t, err := b.tensorType(g.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "%v", span)
		}
		return &Tuple{Fields: fields, Type: t}, nil
	case g.Op != "":
		args, err := b.exprs(g.Args, scope)
		if err != nil {
			return nil, err
		}
		t, err := b.tensorType(g.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "%v", span)
		}
		attrs, err := b.attrs(g)
		if err != nil {
			return nil, errors.Wrapf(err, "%v: %s attributes", span, g.Op)
		}
		return &Call{Op: &Op{Name: g.Op}, Args: args, Attrs: attrs, Type: t, Span: span}, nil
	case g.Function != nil:
		fn, err := b.function(g.Function)
		if err != nil {
			return nil, err
		}
		args, err := b.exprs(g.Args, scope)
		if err != nil {
			return nil, err
		}
		if len(args) != len(fn.Params) {
			return nil, errors.Errorf("%v: function takes %d arguments, got %d", span, len(fn.Params), len(args))
		}
		t := fn.RetType
		if g.Type != nil {
			if t, err = b.tensorType(g.Type); err != nil {
				return nil, errors.Wrapf(err, "%v", span)
			}
		}
		return &Call{Op: fn, Args: args, Type: t, Span: span}, nil
	default:
		return nil, errors.Errorf("%v: unrecognized expression", span)
	}
}

// attrs decodes the static attributes of the operators that carry any.
func (b *programBuilder) attrs(g *graphExpr) (any, error) {
	if g.Attrs.Kind == 0 {
		switch g.Op {
		case "qnn.conv2d":
			return nil, errors.New("missing attributes")
		case "clip":
			return nil, errors.New("missing a_min and a_max")
		}
		return nil, nil
	}
	switch g.Op {
	case "qnn.conv2d":
		var a conv2DAttrsYAML
		if err := g.Attrs.Decode(&a); err != nil {
			return nil, err
		}
		return &Conv2DAttrs{
			Strides:      lo.Ternary(a.Strides == nil, []int64{1, 1}, a.Strides),
			Padding:      lo.Ternary(a.Padding == nil, []int64{0, 0, 0, 0}, a.Padding),
			Dilation:     lo.Ternary(a.Dilation == nil, []int64{1, 1}, a.Dilation),
			Groups:       lo.Ternary(a.Groups == 0, int64(1), a.Groups),
			DataLayout:   a.DataLayout,
			KernelLayout: a.KernelLayout,
		}, nil
	case "clip":
		var a clipAttrsYAML
		if err := g.Attrs.Decode(&a); err != nil {
			return nil, err
		}
		return &ClipAttrs{AMin: a.AMin, AMax: a.AMax}, nil
	case "nn.bias_add":
		var a biasAddAttrsYAML
		if err := g.Attrs.Decode(&a); err != nil {
			return nil, err
		}
		return &BiasAddAttrs{Axis: a.Axis}, nil
	default:
		return nil, errors.Errorf("%s takes no attributes", g.Op)
	}
}
