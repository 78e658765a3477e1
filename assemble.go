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

// AssemblyContext is the per-pass state a lowerer may consume.
type AssemblyContext struct {
	Scratch *ScratchAllocator
	ABI     *KernelABI
}

// Assembly is what a lowerer produces for one match.
type Assembly struct {
	Signature []*Handle
	Call      *ExternCall
	// Scratch is nil when the routine needs no working memory.
	Scratch *ScratchBuffer
}

// callBuilder flattens a pattern's typed arguments in ABI order.
type callBuilder interface {
	routine() string
	args() []Arg
	// arity is the number of arguments args must produce.
	arity() int
	// omitted lists prototype parameters this call does not pass.
	omitted() []string
}

// buildCall flattens b and asserts the result against its own arity and
// against the kernel prototype.
func buildCall(ctx *AssemblyContext, b callBuilder) (*ExternCall, error) {
	call := &ExternCall{Routine: b.routine(), Args: b.args()}
	if len(call.Args) != b.arity() {
		return nil, errors.Wrapf(ErrABIMismatch, "%s: assembled %d arguments, want %d", call.Routine, len(call.Args), b.arity())
	}
	if ctx.ABI != nil {
		if err := ctx.ABI.Check(call, b.omitted()...); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// newPrimFunc wraps an assembly into a unit registered under name.
func newPrimFunc(name string, target *Target, asm *Assembly) *PrimFunc {
	fn := &PrimFunc{
		Name:    name,
		Params:  asm.Signature,
		Scratch: asm.Scratch,
		Call:    asm.Call,
		Attrs: PrimFuncAttrs{
			GlobalSymbol: name,
			Target:       target,
			NoAlias:      true,
		},
	}
	if asm.Scratch != nil {
		fn.Attrs.DeviceType = target.DeviceType
		fn.Attrs.DeviceID = 0
	}
	return fn
}

// handle8 and handle32 declare int8_t* and int32_t* parameters.
func handle8(name string) *Handle  { return &Handle{Name: name, Bits: 8} }
func handle32(name string) *Handle { return &Handle{Name: name, Bits: 32} }
