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

	"github.com/klauspost/asmfmt"
	"github.com/pkg/errors"
)

const (
	buildTags = "//go:build !noasm && arm\n"
	// R12 (IP) is free to clobber across a call.
	scratchRegister = "R12"
	// 0(R13) holds the saved link register of the trampoline frame.
	savedLinkSize = 4
)

// hasResult reports whether the unit's routine returns a status word.
func (e *Emitter) hasResult(fn *PrimFunc) (bool, error) {
	prototype, err := e.ABI.Prototype(fn.Call.Routine)
	if err != nil {
		return false, err
	}
	switch prototype.Result {
	case "void":
		return false, nil
	case "int32_t":
		return true, nil
	default:
		return false, errors.Errorf("unsupported return type: %v", prototype.Result)
	}
}

// EmitGoStubs renders the Go declarations of the trampolines.
func (e *Emitter) EmitGoStubs(pkg string, mod *Module) ([]byte, error) {
	funcs := mod.PrimFuncs()
	var builder strings.Builder
	builder.WriteString(buildTags)
	e.writeHeader(&builder, "//")
	builder.WriteString(fmt.Sprintf("package %v\n", pkg))
	if len(funcs) > 0 {
		builder.WriteString("\nimport \"unsafe\"\n")
	}
	for _, fn := range funcs {
		builder.WriteString("\n//go:noescape\n")
		builder.WriteString("func ")
		builder.WriteString(fn.Name)
		builder.WriteRune('(')
		for i, param := range fn.Params {
			if i > 0 {
				builder.WriteString(", ")
			}
			builder.WriteString(param.Name)
		}
		if len(fn.Params) > 0 {
			builder.WriteString(" unsafe.Pointer")
		}
		builder.WriteRune(')')
		result, err := e.hasResult(fn)
		if err != nil {
			return nil, err
		}
		if result {
			builder.WriteString(" (result int32)")
		}
		builder.WriteRune('\n')
	}
	return []byte(builder.String()), nil
}

// EmitGoAssembly renders one GOARCH=arm trampoline per unit. Each trampoline
// copies its pointer parameters and the call's immediates into AAPCS
// positions, reserves the scratch buffer in its own frame and branches to
// the kernel.
func (e *Emitter) EmitGoAssembly(mod *Module) ([]byte, error) {
	var builder strings.Builder
	builder.WriteString(buildTags)
	e.writeHeader(&builder, "//")
	for _, fn := range mod.PrimFuncs() {
		if err := e.writeTrampoline(&builder, fn); err != nil {
			return nil, err
		}
	}
	bytes, err := asmfmt.Format(strings.NewReader(builder.String()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to format assembly")
	}
	return bytes, nil
}

func (e *Emitter) writeTrampoline(builder *strings.Builder, fn *PrimFunc) error {
	result, err := e.hasResult(fn)
	if err != nil {
		return err
	}
	// parameter offsets from FP
	offsets := make(map[string]int, len(fn.Params))
	for i, param := range fn.Params {
		offsets[param.Name] = i * wordSize
	}
	argsSize := len(fn.Params) * wordSize
	if result {
		argsSize += wordSize
	}

	frame := LayoutCall(fn.Call)
	scratchOffset := savedLinkSize + frame.StackSize
	frameSize := frame.StackSize
	if fn.Scratch != nil {
		frameSize += alignUp(int(fn.Scratch.Size), wordSize)
	}

	load := func(arg Arg, dst string) error {
		switch arg := arg.(type) {
		case *Handle:
			offset, ok := offsets[arg.Name]
			if !ok {
				return errors.Errorf("%s: %s is not a parameter", fn.Name, arg.Name)
			}
			builder.WriteString(fmt.Sprintf("\tMOVW %s+%d(FP), %s\n", arg.Name, offset, dst))
		case IntImm:
			builder.WriteString(fmt.Sprintf("\tMOVW $%d, %s\n", int32(arg), dst))
		case BufferRef:
			if arg.IsNull() {
				builder.WriteString(fmt.Sprintf("\tMOVW $0, %s\n", dst))
			} else if fn.Scratch != nil && fn.Scratch.Name == arg.Name {
				builder.WriteString(fmt.Sprintf("\tMOVW $%d(R13), %s\n", scratchOffset, dst))
			} else {
				return errors.Errorf("%s: buffer %s is not allocated", fn.Name, arg.Name)
			}
		default:
			return errors.Errorf("%s: unexpected argument %T", fn.Name, arg)
		}
		return nil
	}

	builder.WriteString(fmt.Sprintf("\nTEXT ·%v(SB), $%d-%d\n", fn.Name, frameSize, argsSize))
	// stack arguments first; R12 is the only register they clobber
	for _, slot := range frame.Stack {
		if err = load(slot.B, scratchRegister); err != nil {
			return err
		}
		builder.WriteString(fmt.Sprintf("\tMOVW %s, %d(R13)\n", scratchRegister, savedLinkSize+slot.A))
	}
	for _, reg := range frame.Registers {
		if err = load(reg.B, reg.A); err != nil {
			return err
		}
	}
	if len(frame.Stack) > 0 {
		builder.WriteString(fmt.Sprintf("\tADD $%d, R13\n", savedLinkSize))
	}
	builder.WriteString(fmt.Sprintf("\tBL %s(SB)\n", fn.Call.Routine))
	if len(frame.Stack) > 0 {
		builder.WriteString(fmt.Sprintf("\tSUB $%d, R13\n", savedLinkSize))
	}
	if result {
		builder.WriteString(fmt.Sprintf("\tMOVW R0, result+%d(FP)\n", len(fn.Params)*wordSize))
	}
	builder.WriteString("\tRET\n")
	return nil
}
