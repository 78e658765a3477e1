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

	"github.com/pkg/errors"
)

// Every lowering failure wraps exactly one of these. All of them abort the pass.
var (
	// ErrShapeMismatch reports an unexpected node chain, operand count or tensor rank.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrNonConstant reports a quantization parameter that is not a compile-time scalar.
	ErrNonConstant = errors.New("non-constant parameter")
	// ErrArithmetic reports a non-finite or out-of-range numeric input.
	ErrArithmetic = errors.New("arithmetic overflow")
	// ErrUnsupportedComposite reports a region owned by the target with no registered lowerer.
	ErrUnsupportedComposite = errors.New("unsupported composite")
	// ErrABIMismatch reports an argument list that disagrees with the kernel prototype.
	ErrABIMismatch = errors.New("kernel ABI mismatch")
)

// LoweringError locates the call site whose lowering failed.
type LoweringError struct {
	Symbol    string
	Composite string
	Kind      PatternKind
	Span      Span
	Err       error
}

func (e *LoweringError) Error() string {
	if e.Composite == "" {
		return fmt.Sprintf("%v: lowering %s: %v", e.Span, e.Symbol, e.Err)
	}
	if e.Kind == PatternUnknown {
		return fmt.Sprintf("%v: lowering %s (%s): %v", e.Span, e.Symbol, e.Composite, e.Err)
	}
	return fmt.Sprintf("%v: lowering %s (%s, %v): %v", e.Span, e.Symbol, e.Composite, e.Kind, e.Err)
}

func (e *LoweringError) Unwrap() error {
	return e.Err
}
