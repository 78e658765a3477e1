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

import "fmt"

// nullBuffer is the buffer name passed to a routine when no scratch memory is needed.
const nullBuffer = "NULL"

// Arg is one positional argument of a native call.
type Arg interface {
	fmt.Stringer
	argNode()
}

// Handle is a typed pointer parameter of an emitted unit. Bits is the width
// of the pointee element (8 for int8_t*, 32 for int32_t*).
type Handle struct {
	Name string
	Bits int
}

// IntImm is a 32-bit signed immediate.
type IntImm int32

// BufferRef names a function-scoped scratch buffer, or nullBuffer.
type BufferRef struct {
	Name string
}

func (h *Handle) String() string { return h.Name }
func (i IntImm) String() string  { return fmt.Sprint(int32(i)) }
func (b BufferRef) String() string {
	return b.Name
}

func (*Handle) argNode()   {}
func (IntImm) argNode()    {}
func (BufferRef) argNode() {}

// IsNull reports whether b is the sentinel for "no buffer".
func (b BufferRef) IsNull() bool {
	return b.Name == "" || b.Name == nullBuffer
}

// ExternCall is a single invocation of an external kernel routine.
// Routine is not part of Args.
type ExternCall struct {
	Routine string
	Args    []Arg
}

// ScratchBuffer is raw working memory owned by exactly one emitted unit.
type ScratchBuffer struct {
	Name string
	Size int32
	// Scope is the storage scope the buffer is allocated in.
	Scope string
}

// Ref returns the call argument that refers to b. A nil buffer yields the
// null reference.
func (b *ScratchBuffer) Ref() BufferRef {
	if b == nil {
		return BufferRef{Name: nullBuffer}
	}
	return BufferRef{Name: b.Name}
}

// PrimFuncAttrs annotate an emitted unit for downstream code generation.
type PrimFuncAttrs struct {
	GlobalSymbol string
	Target       *Target
	// NoAlias guarantees that no two pointer params overlap.
	NoAlias bool
	// DeviceType and DeviceID are set when the body allocates scratch memory.
	DeviceType int
	DeviceID   int
}

// PrimFunc is an emitted callable unit: a signature and a body holding an
// optional scratch allocation around one external call.
type PrimFunc struct {
	Name    string
	Params  []*Handle
	Scratch *ScratchBuffer
	Call    *ExternCall
	Attrs   PrimFuncAttrs
}

func (f *PrimFunc) String() string {
	return fmt.Sprintf("%s(%d params) -> %s(%d args)", f.Name, len(f.Params), f.Call.Routine, len(f.Call.Args))
}
