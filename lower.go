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

const (
	entryFunction = "main"
	scratchPrefix = "context_buffer_"
)

// Lowerer replaces the target's fused regions with calls to emitted units.
type Lowerer struct {
	target *Target
	abi    *KernelABI
}

// NewLowerer returns a lowerer checking every assembled call against the
// built-in kernel prototypes.
func NewLowerer(target *Target) (*Lowerer, error) {
	abi, err := LoadKernelABI()
	if err != nil {
		return nil, err
	}
	return &Lowerer{target: target, abi: abi}, nil
}

// ABI returns the kernel prototypes calls are checked against.
func (l *Lowerer) ABI() *KernelABI {
	return l.abi
}

// Lower rewrites the main function of mod. The input module is left untouched;
// on success the returned module holds the rewritten main plus one unit per
// lowered region.
func (l *Lowerer) Lower(mod *Module) (*Module, error) {
	fn, ok := mod.Lookup(entryFunction)
	if !ok {
		return nil, errors.Errorf("module has no %s function", entryFunction)
	}
	entry, ok := fn.(*Function)
	if !ok {
		return nil, errors.Errorf("%s is a %T, not a function", entryFunction, fn)
	}
	pass := &lowering{
		target: l.target,
		module: mod.Clone(),
		ctx: &AssemblyContext{
			Scratch: NewScratchAllocator(scratchPrefix),
			ABI:     l.abi,
		},
		states: map[Expr]visitState{},
		memo:   map[Expr]Expr{},
		units:  map[*Function]*GlobalVar{},
	}
	body, err := pass.visit(entry.Body)
	if err != nil {
		return nil, err
	}
	lowered := &Function{
		Params:  entry.Params,
		Body:    body,
		RetType: entry.RetType,
		Attrs:   entry.Attrs,
		Span:    entry.Span,
	}
	if err = pass.module.Update(entryFunction, lowered); err != nil {
		return nil, err
	}
	debugf("lowered %d region(s) for %v", len(pass.units), l.target)
	return pass.module, nil
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	rewritten
)

// lowering is the state of one Lower call.
type lowering struct {
	target *Target
	module *Module
	ctx    *AssemblyContext
	states map[Expr]visitState
	memo   map[Expr]Expr
	// units maps a lowered region to the global naming its unit, so a region
	// shared by several call sites is emitted once.
	units map[*Function]*GlobalVar
}

// visit rewrites e post-order. Shared sub-expressions are rewritten once.
func (p *lowering) visit(e Expr) (Expr, error) {
	switch p.states[e] {
	case rewritten:
		return p.memo[e], nil
	case visiting:
		return nil, errors.Errorf("expression %T is its own operand", e)
	}
	p.states[e] = visiting
	out, err := p.rewrite(e)
	if err != nil {
		return nil, err
	}
	p.states[e] = rewritten
	p.memo[e] = out
	return out, nil
}

func (p *lowering) rewrite(e Expr) (Expr, error) {
	switch e := e.(type) {
	case *Call:
		args, changed, err := p.visitAll(e.Args)
		if err != nil {
			return nil, err
		}
		if region, ok := e.Op.(*Function); ok && region.Attrs.Compiler == p.target.Kind {
			return p.lowerCall(e, region, args)
		}
		if !changed {
			return e, nil
		}
		return &Call{Op: e.Op, Args: args, Attrs: e.Attrs, Type: e.Type, Span: e.Span}, nil
	case *Tuple:
		fields, changed, err := p.visitAll(e.Fields)
		if err != nil {
			return nil, err
		}
		if !changed {
			return e, nil
		}
		return &Tuple{Fields: fields, Type: e.Type}, nil
	default:
		return e, nil
	}
}

func (p *lowering) visitAll(exprs []Expr) ([]Expr, bool, error) {
	out := make([]Expr, len(exprs))
	changed := false
	for i, e := range exprs {
		v, err := p.visit(e)
		if err != nil {
			return nil, false, err
		}
		out[i] = v
		changed = changed || v != e
	}
	return out, changed, nil
}

// compositeOf returns the composite function a partitioned region wraps.
func compositeOf(region *Function) (*Function, error) {
	call, ok := region.Body.(*Call)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedComposite, "region body is a %T, not a call", region.Body)
	}
	inner, ok := call.Op.(*Function)
	if !ok || inner.Attrs.Composite == "" {
		return nil, errors.Wrap(ErrUnsupportedComposite, "region body does not call a composite function")
	}
	return inner, nil
}

// lowerCall replaces a call to region with a call to its emitted unit.
func (p *lowering) lowerCall(call *Call, region *Function, args []Expr) (Expr, error) {
	symbol := region.Attrs.GlobalSymbol
	global, ok := p.units[region]
	if !ok {
		var err error
		if global, err = p.emit(region, call.Type); err != nil {
			lerr := &LoweringError{Symbol: symbol, Span: call.Span, Err: err}
			if inner, cerr := compositeOf(region); cerr == nil {
				lerr.Composite = inner.Attrs.Composite
				if lowerer, lookupErr := GetLowerer(lerr.Composite); lookupErr == nil {
					lerr.Kind = lowerer.Kind()
				}
			}
			return nil, lerr
		}
		p.units[region] = global
	}
	return &Call{Op: global, Args: args, Attrs: call.Attrs, Type: call.Type, Span: call.Span}, nil
}

// emit runs decompose and assemble for region and registers the unit.
func (p *lowering) emit(region *Function, retType *TensorType) (*GlobalVar, error) {
	symbol := region.Attrs.GlobalSymbol
	if symbol == "" {
		return nil, errors.Wrap(ErrUnsupportedComposite, "region has no global symbol")
	}
	inner, err := compositeOf(region)
	if err != nil {
		return nil, err
	}
	lowerer, err := GetLowerer(inner.Attrs.Composite)
	if err != nil {
		return nil, err
	}
	match, err := lowerer.Decompose(inner.Body)
	if err != nil {
		return nil, err
	}
	asm, err := lowerer.Assemble(p.ctx, match)
	if err != nil {
		return nil, err
	}
	unit := newPrimFunc(symbol, p.target, asm)
	if existing, ok := p.module.Lookup(symbol); ok {
		if _, ok := existing.(*Function); !ok {
			return nil, errors.Errorf("global symbol %q is already lowered", symbol)
		}
		err = p.module.Update(symbol, unit)
	} else {
		err = p.module.Add(symbol, unit)
	}
	if err != nil {
		return nil, err
	}
	debugf("%s: %s -> %s(%d args)", symbol, inner.Attrs.Composite, asm.Call.Routine, len(asm.Call.Args))
	return &GlobalVar{Name: symbol, Type: retType}, nil
}
