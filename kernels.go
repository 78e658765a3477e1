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
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"modernc.org/cc/v4"
)

//go:embed kernels.h
var kernelsHeader string

const kernelsHeaderName = "kernels.h"

// kernelOS and kernelArch select the C ABI the prototypes are parsed for.
const (
	kernelOS   = "linux"
	kernelArch = "arm"
)

// kernelTypes maps the C types allowed in kernel prototypes to their size in bytes.
var kernelTypes = map[string]int{
	"int8_t":  1,
	"int16_t": 2,
	"int32_t": 4,
}

// KernelParam is one formal parameter of a kernel routine.
type KernelParam struct {
	Name    string
	Type    string
	Pointer bool
	Const   bool
}

// Bits returns the width of the parameter's (pointee) element type.
func (p KernelParam) Bits() int {
	return kernelTypes[p.Type] * 8
}

// CType renders the parameter type as C.
func (p KernelParam) CType() string {
	var b strings.Builder
	if p.Const {
		b.WriteString("const ")
	}
	b.WriteString(p.Type)
	if p.Pointer {
		b.WriteString(" *")
	}
	return b.String()
}

// KernelPrototype is the declaration of one external routine.
type KernelPrototype struct {
	Name     string
	Result   string
	Params   []KernelParam
	Position int
}

// String renders the prototype as a C declaration.
func (p *KernelPrototype) String() string {
	params := lo.Map(p.Params, func(param KernelParam, _ int) string {
		if param.Pointer {
			return param.CType() + param.Name
		}
		return param.CType() + " " + param.Name
	})
	return fmt.Sprintf("%s %s(%s);", p.Result, p.Name, strings.Join(params, ", "))
}

// KernelABI is the table of kernel prototypes emitted calls are checked against.
type KernelABI struct {
	prototypes map[string]*KernelPrototype
}

// LoadKernelABI parses the built-in CMSIS-NN prototypes.
func LoadKernelABI() (*KernelABI, error) {
	return ParseKernelABI(kernelsHeaderName, kernelsHeader)
}

// ParseKernelABI extracts the function declarations of a C header.
func ParseKernelABI(name, source string) (*KernelABI, error) {
	cfg, err := cc.NewConfig(kernelOS, kernelArch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure C parser")
	}
	var prologue strings.Builder
	prologue.WriteString("typedef signed char int8_t;\n")
	prologue.WriteString("typedef short int16_t;\n")
	prologue.WriteString("typedef int int32_t;\n")
	ast, err := cc.Parse(cfg, []cc.Source{
		{Name: "<predefined>", Value: cfg.Predefined},
		{Name: "<builtin>", Value: cc.Builtin},
		{Name: "<prologue>", Value: prologue.String()},
		{Name: name, Value: source},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse kernel header %v", name)
	}
	table := &KernelABI{prototypes: map[string]*KernelPrototype{}}
	for tu := ast.TranslationUnit; tu != nil; tu = tu.TranslationUnit {
		externalDeclaration := tu.ExternalDeclaration
		if externalDeclaration.Position().Filename != name || externalDeclaration.Case != cc.ExternalDeclarationDecl {
			continue
		}
		declaration := externalDeclaration.Declaration
		if declaration.Case != cc.DeclarationDecl {
			continue
		}
		for list := declaration.InitDeclaratorList; list != nil; list = list.InitDeclaratorList {
			prototype, err := convertPrototype(declaration.DeclarationSpecifiers, list.InitDeclarator.Declarator)
			if err != nil {
				return nil, err
			}
			if prototype == nil {
				continue
			}
			if _, ok := table.prototypes[prototype.Name]; ok {
				return nil, errors.Errorf("%v: duplicate declaration of %s", name, prototype.Name)
			}
			table.prototypes[prototype.Name] = prototype
		}
	}
	return table, nil
}

// convertPrototype extracts a function declaration. Non-function declarators yield nil.
func convertPrototype(specifiers *cc.DeclarationSpecifiers, declarator *cc.Declarator) (*KernelPrototype, error) {
	directDeclarator := declarator.DirectDeclarator
	if directDeclarator.Case != cc.DirectDeclaratorFuncParam {
		return nil, nil
	}
	position := directDeclarator.Position()
	if declarator.Pointer != nil {
		return nil, fmt.Errorf("%v:%v:%v: error: pointer return types are not supported", position.Filename, position.Line, position.Column)
	}
	returnType, _, err := typeName(specifiers)
	if err != nil {
		return nil, err
	}
	if _, ok := kernelTypes[returnType]; !ok && returnType != "void" {
		return nil, fmt.Errorf("%v:%v:%v: error: unsupported return type: %v", position.Filename, position.Line, position.Column, returnType)
	}
	var params []KernelParam
	if directDeclarator.ParameterTypeList != nil && directDeclarator.ParameterTypeList.ParameterList != nil {
		if params, err = convertKernelParameters(directDeclarator.ParameterTypeList.ParameterList); err != nil {
			return nil, err
		}
	}
	return &KernelPrototype{
		Name:     directDeclarator.DirectDeclarator.Token.SrcStr(),
		Result:   returnType,
		Params:   params,
		Position: position.Line,
	}, nil
}

// convertKernelParameters extracts function parameters from cc.ParameterList.
func convertKernelParameters(params *cc.ParameterList) ([]KernelParam, error) {
	declaration := params.ParameterDeclaration
	position := declaration.Position()
	if declaration.Declarator == nil {
		return nil, fmt.Errorf("%v:%v:%v: error: kernel parameters must be named", position.Filename, position.Line, position.Column)
	}
	paramType, isConst, err := typeName(declaration.DeclarationSpecifiers)
	if err != nil {
		return nil, err
	}
	if _, ok := kernelTypes[paramType]; !ok {
		return nil, fmt.Errorf("%v:%v:%v: error: unsupported type: %v", position.Filename, position.Line, position.Column, paramType)
	}
	kernelParams := []KernelParam{{
		Name:    declaration.Declarator.DirectDeclarator.Token.SrcStr(),
		Type:    paramType,
		Pointer: declaration.Declarator.Pointer != nil,
		Const:   isConst,
	}}
	if params.ParameterList != nil {
		next, err := convertKernelParameters(params.ParameterList)
		if err != nil {
			return nil, err
		}
		kernelParams = append(kernelParams, next...)
	}
	return kernelParams, nil
}

// typeName returns the type specifier of a declaration, skipping a leading const.
func typeName(specifiers *cc.DeclarationSpecifiers) (string, bool, error) {
	isConst := false
	if specifiers.Case == cc.DeclarationSpecifiersTypeQual {
		isConst = specifiers.TypeQualifier.Token.SrcStr() == "const"
		specifiers = specifiers.DeclarationSpecifiers
	}
	if specifiers == nil || specifiers.Case != cc.DeclarationSpecifiersTypeSpec {
		return "", false, errors.New("invalid declaration specifiers")
	}
	return specifiers.TypeSpecifier.Token.SrcStr(), isConst, nil
}

// Prototype returns the declaration of routine.
func (a *KernelABI) Prototype(routine string) (*KernelPrototype, error) {
	if p, ok := a.prototypes[routine]; ok {
		return p, nil
	}
	return nil, errors.Wrapf(ErrABIMismatch, "no prototype for %s", routine)
}

// Prototypes returns all declarations in header order.
func (a *KernelABI) Prototypes() []*KernelPrototype {
	prototypes := lo.Values(a.prototypes)
	sort.Slice(prototypes, func(i, j int) bool {
		return prototypes[i].Position < prototypes[j].Position
	})
	return prototypes
}

// Check verifies count and class of every argument of call against the
// routine's prototype. Parameters named in omit are not passed.
func (a *KernelABI) Check(call *ExternCall, omit ...string) error {
	prototype, err := a.Prototype(call.Routine)
	if err != nil {
		return err
	}
	params := lo.Reject(prototype.Params, func(p KernelParam, _ int) bool {
		return lo.Contains(omit, p.Name)
	})
	if len(params) != len(call.Args) {
		return errors.Wrapf(ErrABIMismatch, "%s takes %d arguments, got %d", call.Routine, len(params), len(call.Args))
	}
	for i, arg := range call.Args {
		param := params[i]
		switch arg := arg.(type) {
		case *Handle:
			if !param.Pointer || param.Bits() != arg.Bits {
				return errors.Wrapf(ErrABIMismatch, "%s argument %d (%s): %s handle passed as %s",
					call.Routine, i, param.Name, handleType(arg), param.CType())
			}
		case BufferRef:
			if !param.Pointer || param.Bits() != 8 {
				return errors.Wrapf(ErrABIMismatch, "%s argument %d (%s): buffer passed as %s",
					call.Routine, i, param.Name, param.CType())
			}
		case IntImm:
			if param.Pointer || param.Type != "int32_t" {
				return errors.Wrapf(ErrABIMismatch, "%s argument %d (%s): immediate passed as %s",
					call.Routine, i, param.Name, param.CType())
			}
		default:
			return errors.Wrapf(ErrABIMismatch, "%s argument %d: unexpected %T", call.Routine, i, arg)
		}
	}
	return nil
}

func handleType(h *Handle) string {
	return fmt.Sprintf("int%d_t *", h.Bits)
}
