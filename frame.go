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
	"github.com/samber/lo"
)

// AAPCS core registers for the first four word-sized arguments.
var argRegisters = []string{"R0", "R1", "R2", "R3"}

const (
	wordSize = 4
	// SP must be 8-byte aligned at a public interface.
	stackAlignment = 8
)

// Frame is the placement of one call's arguments under the AAPCS. Every
// kernel argument is a 32-bit word: a pointer or an int32_t.
type Frame struct {
	Registers []lo.Tuple2[string, Arg]
	// Stack holds the remaining arguments keyed by their offset from SP at the call.
	Stack []lo.Tuple2[int, Arg]
	// StackSize is the outgoing argument area, rounded up to stackAlignment.
	StackSize int
}

// LayoutCall assigns R0-R3 first, then consecutive stack words.
func LayoutCall(call *ExternCall) *Frame {
	frame := &Frame{}
	offset := 0
	for _, arg := range call.Args {
		if len(frame.Registers) < len(argRegisters) {
			frame.Registers = append(frame.Registers, lo.Tuple2[string, Arg]{A: argRegisters[len(frame.Registers)], B: arg})
			continue
		}
		frame.Stack = append(frame.Stack, lo.Tuple2[int, Arg]{A: offset, B: arg})
		offset += wordSize
	}
	frame.StackSize = alignUp(offset, stackAlignment)
	return frame
}

func alignUp(n, align int) int {
	if n%align != 0 {
		n += align - n%align
	}
	return n
}
