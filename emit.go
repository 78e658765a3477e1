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
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Emitter renders the units of a lowered module.
type Emitter struct {
	Source string
	Target *Target
	ABI    *KernelABI
}

// NewEmitter returns an emitter for units lowered from source.
func NewEmitter(source string, target *Target, abi *KernelABI) *Emitter {
	return &Emitter{Source: source, Target: target, ABI: abi}
}

func (e *Emitter) writeHeader(builder *strings.Builder, comment string) {
	builder.WriteString(fmt.Sprintf("%s Code generated by cmsisnn. DO NOT EDIT.\n", comment))
	builder.WriteString(fmt.Sprintf("%s target: %v\n", comment, e.Target))
	builder.WriteString(fmt.Sprintf("%s source: %v\n", comment, e.Source))
	builder.WriteRune('\n')
}

// routines returns the prototypes of the kernels called by funcs, in header order.
func (e *Emitter) routines(funcs []*PrimFunc) ([]*KernelPrototype, error) {
	names := lo.Uniq(lo.Map(funcs, func(fn *PrimFunc, _ int) string {
		return fn.Call.Routine
	}))
	prototypes := make([]*KernelPrototype, 0, len(names))
	for _, name := range names {
		prototype, err := e.ABI.Prototype(name)
		if err != nil {
			return nil, err
		}
		prototypes = append(prototypes, prototype)
	}
	sort.Slice(prototypes, func(i, j int) bool {
		return prototypes[i].Position < prototypes[j].Position
	})
	return prototypes, nil
}

// EmitC renders every unit of mod as a C function calling its kernel.
func (e *Emitter) EmitC(mod *Module) ([]byte, error) {
	funcs := mod.PrimFuncs()
	prototypes, err := e.routines(funcs)
	if err != nil {
		return nil, err
	}
	var builder strings.Builder
	e.writeHeader(&builder, "//")
	builder.WriteString("#include <stddef.h>\n")
	builder.WriteString("#include <stdint.h>\n")
	if len(prototypes) > 0 {
		builder.WriteRune('\n')
	}
	for _, prototype := range prototypes {
		builder.WriteString(prototype.String())
		builder.WriteRune('\n')
	}
	for _, fn := range funcs {
		builder.WriteRune('\n')
		if err = e.writeCFunction(&builder, fn); err != nil {
			return nil, err
		}
	}
	return []byte(builder.String()), nil
}

func (e *Emitter) writeCFunction(builder *strings.Builder, fn *PrimFunc) error {
	qualifier := ""
	if fn.Attrs.NoAlias {
		qualifier = "restrict "
	}
	params := lo.Map(fn.Params, func(h *Handle, _ int) string {
		return fmt.Sprintf("%s%s%s", handleType(h), qualifier, h.Name)
	})
	builder.WriteString(fmt.Sprintf("int32_t %s(%s) {\n", fn.Name, strings.Join(params, ", ")))
	if fn.Scratch != nil {
		builder.WriteString(fmt.Sprintf("  int8_t %s[%d]; /* %s */\n", fn.Scratch.Name, fn.Scratch.Size, fn.Scratch.Scope))
	}
	for _, arg := range fn.Call.Args {
		if ref, ok := arg.(BufferRef); ok && !ref.IsNull() && (fn.Scratch == nil || fn.Scratch.Name != ref.Name) {
			return errors.Errorf("%s: buffer %s is not allocated", fn.Name, ref.Name)
		}
	}
	args := lo.Map(fn.Call.Args, func(arg Arg, _ int) string {
		return arg.String()
	})
	builder.WriteString(fmt.Sprintf("  %s(%s);\n", fn.Call.Routine, strings.Join(args, ", ")))
	builder.WriteString("  return 0;\n")
	builder.WriteString("}\n")
	return nil
}
